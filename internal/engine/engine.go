package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/feed"
	"nifty-options-bot/internal/greeks"
	"nifty-options-bot/internal/instruments"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/metrics"
	"nifty-options-bot/internal/notify"
	"nifty-options-bot/internal/orders"
	"nifty-options-bot/internal/pcr"
	"nifty-options-bot/internal/positions"
	"nifty-options-bot/internal/risk"
	"nifty-options-bot/internal/signal"
	"nifty-options-bot/internal/storage"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR - component wiring, lanes, periodic schedule, snapshots
// ═══════════════════════════════════════════════════════════════════════════════
//
// One router drains the decoded tick stream and fans out to two lanes: the
// index lane drives candles → indicators → signals → execution, the option
// lane drives PCR, greeks and position exits. Lanes are bounded and shed the
// oldest work instead of blocking ingestion.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	indexLaneBuffer  = 1024
	optionLaneBuffer = 4096
	sweepInterval    = 1 * time.Second
	drainTimeout     = 5 * time.Second
	registryRecheck  = 1 * time.Hour
	vixInterval      = 60 * time.Second
)

// feedSource is the slice of the feed client the engine uses; tests inject a
// double.
type feedSource interface {
	Start()
	Stop()
	Connected() bool
	AuthError() error
	Ticks() <-chan types.Tick
	MarketStatus() <-chan types.MarketStatus
	Subscribe(mode feed.Mode, keys ...string) error
	Unsubscribe(mode feed.Mode, keys ...string) error
}

// Engine owns all components and the periodic schedule.
type Engine struct {
	cfg *config.Config

	feed      feedSource
	registry  *instruments.Registry
	series    *market.Series
	indics    *market.IndicatorSet
	greeks    *greeks.Engine
	pcr       *pcr.Aggregator
	signals   *signal.Engine
	gate      *risk.Gate
	orders    *orders.Manager
	paper     *orders.Paper
	positions *positions.Manager
	store     *storage.Store
	notifier  *notify.Notifier

	indexCh  chan types.Tick
	optionCh chan types.Tick
	sweepCh  chan time.Time
	snapCh   chan types.Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
	http   *resty.Client

	mu           sync.RWMutex
	running      bool
	spot         float64
	vix          float64
	lastSignal   *types.Signal
	levels       types.IndicatorLevels // copy of indics state for snapshot readers
	marketStatus string
	squaredOff   string // session day already squared off
	tradesToday  int

	// current option universe
	expiry     time.Time
	atm        float64
	pcrKeys    []string
	atmCE      *types.Instrument
	atmPE      *types.Instrument
	sessionDay string
}

// New wires an engine from configuration. Persisted state (positions journal,
// paper ledger) is restored before the first tick is accepted.
func New(cfg *config.Config) (*Engine, error) {
	paper, err := orders.NewPaper(cfg.DataDir, cfg.InitialCapital, cfg.SlippagePct)
	if err != nil {
		return nil, fmt.Errorf("paper ledger: %w", err)
	}

	var backend orders.Backend = paper
	if !cfg.PaperTrading {
		backend = orders.NewLive(cfg.OrderAPIURL, cfg.AccessToken)
	}

	posMgr, err := positions.NewManager(cfg.DataDir, cfg.TrailingActivationPct, cfg.TrailingLockFraction)
	if err != nil {
		return nil, fmt.Errorf("position manager: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("trade mirror: %w", err)
	}

	gate := risk.NewGate(cfg)
	if cfg.PaperTrading {
		gate.SetBalance(paper.Balance())
	}

	e := &Engine{
		cfg:       cfg,
		feed:      feed.NewClient(cfg.FeedURL, cfg.AccessToken),
		registry:  instruments.NewRegistry(cfg.InstrumentsURL),
		series:    market.NewSeries(cfg.Timeframe, 0),
		indics:    market.NewIndicatorSet(),
		greeks:    greeks.NewEngine(cfg.RiskFreeRate),
		pcr:       pcr.NewAggregator(),
		signals:   signal.NewEngine(cfg.SignalCooldown),
		gate:      gate,
		orders:    orders.NewManager(backend),
		paper:     paper,
		positions: posMgr,
		store:     store,
		notifier:  notify.New(cfg.TelegramToken, cfg.TelegramChatID),
		indexCh:   make(chan types.Tick, indexLaneBuffer),
		optionCh:  make(chan types.Tick, optionLaneBuffer),
		sweepCh:   make(chan time.Time, 1),
		snapCh:    make(chan types.Snapshot, 1),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	return e, nil
}

// Snapshots is the outbound snapshot stream: bounded depth 1, drop-oldest.
func (e *Engine) Snapshots() <-chan types.Snapshot { return e.snapCh }

// Start refreshes the instrument master, connects the feed and launches the
// lanes and the sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("initial instrument master: %w", err)
	}

	e.feed.Start()
	if err := e.feed.Subscribe(feed.ModeFull, e.cfg.IndexKey); err != nil {
		log.Warn().Err(err).Msg("Index subscription failed, will replay on connect")
	}

	for _, loop := range []func(){e.routerLoop, e.indexLoop, e.optionLoop, e.sweepLoop} {
		e.wg.Add(1)
		go loop()
	}

	log.Info().
		Str("index", e.cfg.IndexKey).
		Dur("timeframe", e.cfg.Timeframe).
		Bool("paper", e.cfg.PaperTrading).
		Msg("🚀 Engine started")
	return nil
}

// Stop signals every loop and waits up to the drain timeout before forcing
// shutdown. Persistence is write-through, so nothing is lost either way.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.feed.Stop()
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Engine drained cleanly")
	case <-time.After(drainTimeout):
		log.Warn().Msg("Engine drain timed out, forcing shutdown")
	}

	e.store.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// LANES
// ═══════════════════════════════════════════════════════════════════════════════

// routerLoop demultiplexes decoded ticks onto the per-concern lanes.
func (e *Engine) routerLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case st := <-e.feed.MarketStatus():
			e.mu.Lock()
			e.marketStatus = st.Status
			e.mu.Unlock()
			log.Info().Str("status", st.Status).Str("segment", st.Segment).Msg("Market status")
		case t := <-e.feed.Ticks():
			if t.InstrumentKey == e.cfg.IndexKey {
				shed(e.indexCh, t)
			} else {
				shed(e.optionCh, t)
			}
		}
	}
}

// shed enqueues with drop-oldest semantics so a full lane never blocks the
// router.
func shed(ch chan types.Tick, t types.Tick) {
	select {
	case ch <- t:
		return
	default:
	}
	select {
	case <-ch:
		metrics.TicksShed.Inc()
	default:
	}
	select {
	case ch <- t:
	default:
	}
}

// indexLoop is the only writer of candle, indicator and signal state. The
// periodic sweep rides the same lane so that state has exactly one writer.
func (e *Engine) indexLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case t := <-e.indexCh:
			e.onIndexTick(t)
		case now := <-e.sweepCh:
			e.onSweep(now)
		}
	}
}

func (e *Engine) onIndexTick(t types.Tick) {
	e.mu.Lock()
	e.spot = t.LTP
	e.mu.Unlock()
	metrics.Spot.Set(t.LTP)

	e.greeks.OnSpot(t.LTP)
	e.ensureUniverse(t.LTP)

	finalised := e.series.OnTick(t)
	for _, c := range finalised {
		e.indics.OnCandle(c)
	}

	if len(finalised) > 0 {
		e.evaluateSignal(false)
	} else {
		// Intra-candle streaming evaluation on the provisional EMAs.
		e.evaluateSignal(true)
	}
}

// onSweep runs the candle-bucket work for quiet intervals: finalise overdue
// buckets, roll the session, refresh the snapshot copy of the indicators.
func (e *Engine) onSweep(now time.Time) {
	e.rollSession(now)
	if finalised := e.series.Sweep(now.UnixMilli()); len(finalised) > 0 {
		for _, c := range finalised {
			e.indics.OnCandle(c)
		}
		e.evaluateSignal(false)
	}
	e.mu.Lock()
	e.levels = e.indics.Levels()
	e.mu.Unlock()
	e.publishSnapshot()
}

// optionLoop feeds the PCR aggregator, the greeks engine and position exits.
func (e *Engine) optionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case t := <-e.optionCh:
			e.pcr.OnTick(t)
			e.greeks.OnOptionTick(t)
			if closed := e.positions.OnTick(t); len(closed) > 0 {
				e.onClosed(closed)
			}
		}
	}
}

// sweepLoop drives the 1-second periodic schedule.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	registryTicker := time.NewTicker(registryRecheck)
	defer registryTicker.Stop()
	vixTicker := time.NewTicker(vixInterval)
	defer vixTicker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := e.now()
			// Candle, indicator and signal state belongs to the index
			// lane; hand the sweep over instead of touching it here. A
			// pending sweep makes this one redundant.
			select {
			case e.sweepCh <- now:
			default:
			}
			e.greeks.Flush()
			if st := e.pcr.Emit(); st != nil {
				log.Debug().Float64("pcr", st.PCR).Str("sentiment", st.Sentiment).Msg("PCR emitted")
			}
			e.maybeSquareOff(now)
		case <-registryTicker.C:
			if e.registry.Stale(e.now()) {
				if err := e.registry.Refresh(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Registry refresh failed")
				}
			}
		case <-vixTicker.C:
			e.refreshVIX()
		}
	}
}

// rollSession resets session-scoped state (VWAP, square-off latch) on the
// first sweep of a new day.
func (e *Engine) rollSession(now time.Time) {
	day := now.Format("2006-01-02")
	e.mu.Lock()
	changed := day != e.sessionDay
	if changed {
		e.sessionDay = day
		e.tradesToday = 0
	}
	e.mu.Unlock()
	if changed {
		e.indics.ResetSession()
	}
}

// maybeSquareOff force-exits everything once inside the square-off window.
func (e *Engine) maybeSquareOff(now time.Time) {
	end, _ := config.ParseClock(e.cfg.SessionEnd)
	cutoff := end.Add(-e.cfg.SquareOffWindow)
	if config.MinutesOfDay(now) < cutoff {
		return
	}

	day := now.Format("2006-01-02")
	e.mu.Lock()
	if e.squaredOff == day {
		e.mu.Unlock()
		return
	}
	e.squaredOff = day
	e.mu.Unlock()

	if closed := e.positions.SquareOffAll(now); len(closed) > 0 {
		log.Info().Int("count", len(closed)).Msg("End-of-day square-off")
		e.onClosed(closed)
	}

	e.mu.RLock()
	trades := e.tradesToday
	e.mu.RUnlock()
	summary := e.gate.Summary(e.positions.OpenCount())
	e.store.UpsertDailyStat(day, trades, summary.DailyPnL.String())
}

// onClosed settles closed positions: risk accounting, paper ledger credit,
// mirror, notification.
func (e *Engine) onClosed(closed []types.Position) {
	e.mu.RLock()
	paperMode := e.cfg.PaperTrading
	e.mu.RUnlock()
	for _, p := range closed {
		e.gate.OnTradeClosed(p.RealisedPnL, p.ExitTs)
		if paperMode {
			// Return entry notional + P&L to the simulated cash ledger.
			proceeds := p.ExitPrice.Mul(decimal.NewFromInt(int64(p.Qty)))
			if err := e.paper.AddFunds(proceeds); err != nil {
				log.Error().Err(err).Msg("Paper ledger credit failed")
			}
		}
		e.store.RecordTrade(p)
		e.notifier.PositionClosed(p)
	}
	e.mu.Lock()
	e.tradesToday += len(closed)
	e.mu.Unlock()
	summary := e.gate.Summary(e.positions.OpenCount())
	pnl, _ := summary.DailyPnL.Float64()
	metrics.DailyPnL.Set(pnl)
	if !summary.TradingAllowed {
		e.notifier.DailyLossHalt(summary.DailyPnL.String(), summary.LossLimit.String())
	}
	e.publishSnapshot()
}
