package engine

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/feed"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/types"
)

// fakeFeed records subscriptions and lets tests drive tick delivery.
type fakeFeed struct {
	mu      sync.Mutex
	subs    map[feed.Mode]map[string]bool
	unsubs  map[feed.Mode]map[string]bool
	ticks   chan types.Tick
	status  chan types.MarketStatus
	authErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:   make(map[feed.Mode]map[string]bool),
		unsubs: make(map[feed.Mode]map[string]bool),
		ticks:  make(chan types.Tick, 64),
		status: make(chan types.MarketStatus, 4),
	}
}

func (f *fakeFeed) Start()                                 {}
func (f *fakeFeed) Stop()                                  {}
func (f *fakeFeed) Connected() bool                        { return true }
func (f *fakeFeed) AuthError() error                       { return f.authErr }
func (f *fakeFeed) Ticks() <-chan types.Tick               { return f.ticks }
func (f *fakeFeed) MarketStatus() <-chan types.MarketStatus { return f.status }

func (f *fakeFeed) Subscribe(mode feed.Mode, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[mode] == nil {
		f.subs[mode] = make(map[string]bool)
	}
	for _, k := range keys {
		f.subs[mode][k] = true
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(mode feed.Mode, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubs[mode] == nil {
		f.unsubs[mode] = make(map[string]bool)
	}
	for _, k := range keys {
		f.unsubs[mode][k] = true
		if f.subs[mode] != nil {
			delete(f.subs[mode], k)
		}
	}
	return nil
}

func (f *fakeFeed) subscribed(mode feed.Mode, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[mode][key]
}

func engineMasterCSV() []byte {
	var buf bytes.Buffer
	buf.WriteString("instrument_key,tradingsymbol,exchange_segment,instrument_type,strike,expiry,lot_size,tick_size\n")
	buf.WriteString("NSE_INDEX|Nifty 50,NIFTY 50,NSE_INDEX,INDEX,0,,0,0.05\n")
	for strike := 24000; strike <= 25000; strike += 50 {
		for _, typ := range []string{"CE", "PE"} {
			fmt.Fprintf(&buf, "NSE_FO|%d%s,NIFTY24JUN%d%s,NSE_FO,%s,%d,2026-06-26,75,0.05\n",
				strike, typ, strike, typ, typ, strike)
		}
	}
	return buf.Bytes()
}

func testEngineConfig(t *testing.T) *config.Config {
	return &config.Config{
		AccessToken:           "token",
		PaperTrading:          true,
		Symbol:                "NIFTY",
		IndexKey:              "NSE_INDEX|Nifty 50",
		Timeframe:             5 * time.Minute,
		StrikeStep:            50,
		PCRRange:              500,
		SessionStart:          "09:15",
		SessionEnd:            "15:30",
		WarmupWindow:          15 * time.Minute,
		SquareOffWindow:       10 * time.Minute,
		SignalCooldown:        120 * time.Second,
		RiskFreeRate:          0.06,
		InitialCapital:        decimal.NewFromInt(1000000),
		DailyLossLimitPct:     0.05,
		MaxConcurrentPos:      2,
		RiskPerTradePct:       0.02,
		StopLossPct:           0.30,
		TargetPct:             0.60,
		TrailingActivationPct: 0.20,
		TrailingLockFraction:  0.5,
		SlippagePct:           0.0005,
		DataDir:               t.TempDir(),
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeFeed) {
	t.Helper()
	e, err := New(testEngineConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	ff := newFakeFeed()
	e.feed = ff
	if err := e.registry.LoadFrom(engineMasterCSV()); err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time {
		return time.Date(2026, 6, 16, 11, 0, 0, 0, time.UTC)
	}
	return e, ff
}

func TestEnsureUniverseSubscribesWindowAndPair(t *testing.T) {
	e, ff := newTestEngine(t)

	e.ensureUniverse(24510)

	if !ff.subscribed(feed.ModeGreeks, "NSE_FO|24500CE") || !ff.subscribed(feed.ModeGreeks, "NSE_FO|24500PE") {
		t.Error("ATM pair not subscribed in greeks mode")
	}
	if !ff.subscribed(feed.ModeFull, "NSE_FO|24000CE") || !ff.subscribed(feed.ModeFull, "NSE_FO|25000PE") {
		t.Error("PCR window edges not subscribed")
	}

	// ATM moves one step: the pair retargets, old greeks subscription drops.
	e.ensureUniverse(24560)
	if !ff.subscribed(feed.ModeGreeks, "NSE_FO|24550CE") {
		t.Error("new ATM pair not subscribed")
	}
	ff.mu.Lock()
	droppedOld := ff.unsubs[feed.ModeGreeks]["NSE_FO|24500CE"]
	ff.mu.Unlock()
	if !droppedOld {
		t.Error("old ATM pair still subscribed in greeks mode")
	}
}

func primeGreeks(e *Engine) {
	e.greeks.OnSpot(24510)
	e.greeks.OnOptionTick(types.Tick{InstrumentKey: "NSE_FO|24500CE", LTP: 182.5})
	e.greeks.OnOptionTick(types.Tick{InstrumentKey: "NSE_FO|24500PE", LTP: 145.2})
}

func TestExecuteOpensPaperPosition(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ensureUniverse(24510)
	primeGreeks(e)

	e.execute(types.Signal{Kind: types.SignalBuyCE, IssuedAt: e.now()})

	if e.positions.OpenCount() != 1 {
		t.Fatalf("open count = %d", e.positions.OpenCount())
	}
	pos := e.positions.Positions()[0]
	if pos.InstrumentKey != "NSE_FO|24500CE" || pos.Type != types.OptionCE {
		t.Errorf("position = %+v", pos)
	}
	// Paper fill at 182.5·(1+0.0005).
	want := decimal.NewFromFloat(182.5).Mul(decimal.NewFromFloat(1.0005))
	if !pos.EntryPrice.Equal(want) {
		t.Errorf("entry = %s, want %s", pos.EntryPrice, want)
	}
	if pos.Qty%75 != 0 || pos.Qty == 0 {
		t.Errorf("qty = %d, want a lot multiple", pos.Qty)
	}
	if !pos.StopLoss.Equal(pos.EntryPrice.Mul(decimal.NewFromFloat(0.7))) {
		t.Errorf("stop = %s", pos.StopLoss)
	}
}

func TestExecuteRefusedWhenTokenDead(t *testing.T) {
	e, ff := newTestEngine(t)
	e.ensureUniverse(24510)
	primeGreeks(e)
	ff.authErr = fmt.Errorf("TOKEN_EXPIRED")

	e.execute(types.Signal{Kind: types.SignalBuyCE, IssuedAt: e.now()})
	if e.positions.OpenCount() != 0 {
		t.Error("order submitted on a dead credential")
	}

	snap := e.GetStatus()
	if snap.Auth.Authenticated || snap.Auth.ErrorMessage != "TOKEN_EXPIRED" {
		t.Errorf("auth status = %+v", snap.Auth)
	}
}

func TestExecuteRespectsRiskGate(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ensureUniverse(24510)
	primeGreeks(e)

	// Outside the trading window nothing is opened.
	e.now = func() time.Time {
		return time.Date(2026, 6, 16, 9, 20, 0, 0, time.UTC)
	}
	e.execute(types.Signal{Kind: types.SignalBuyCE, IssuedAt: e.now()})
	if e.positions.OpenCount() != 0 {
		t.Error("position opened outside the trading window")
	}
}

func TestSquareOffLatchedOncePerDay(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ensureUniverse(24510)
	primeGreeks(e)
	e.execute(types.Signal{Kind: types.SignalBuyCE, IssuedAt: e.now()})
	if e.positions.OpenCount() != 1 {
		t.Fatal("setup failed")
	}

	early := time.Date(2026, 6, 16, 14, 0, 0, 0, time.UTC)
	e.maybeSquareOff(early)
	if e.positions.OpenCount() != 1 {
		t.Fatal("squared off before the cutoff")
	}

	cutoff := time.Date(2026, 6, 16, 15, 20, 0, 0, time.UTC)
	e.maybeSquareOff(cutoff)
	if e.positions.OpenCount() != 0 {
		t.Fatal("no square-off at the cutoff")
	}

	// Latched: a second sweep the same day does nothing (and must not panic
	// on an empty book).
	e.maybeSquareOff(cutoff.Add(time.Minute))
}

func TestSweepSerialisedOnIndexLane(t *testing.T) {
	e, _ := newTestEngine(t)
	e.series = market.NewSeries(10*time.Millisecond, 0)

	e.wg.Add(1)
	go e.indexLoop()

	base := time.Date(2026, 6, 16, 11, 0, 0, 0, time.UTC).UnixMilli()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			e.indexCh <- types.Tick{
				InstrumentKey: e.cfg.IndexKey,
				Ts:            base + int64(i),
				LTP:           24500 + float64(i%7),
				LTQ:           1,
			}
		}
	}()
	// Sweeps race the tick producer; the lane must serialise both.
	for i := 1; i <= 50; i++ {
		e.sweepCh <- time.UnixMilli(base + int64(i*10))
	}
	<-done
	for len(e.indexCh) > 0 || len(e.sweepCh) > 0 {
		time.Sleep(time.Millisecond)
	}
	close(e.stopCh)
	e.wg.Wait()

	candles := e.series.Last(e.series.Count())
	if len(candles) < 10 {
		t.Fatalf("only %d candles finalised", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Start != candles[i-1].End {
			t.Fatalf("bucket %d not contiguous: [%d,%d) after [%d,%d)",
				i, candles[i].Start, candles[i].End, candles[i-1].Start, candles[i-1].End)
		}
	}
}

func TestSnapshotReadsIndicatorCopy(t *testing.T) {
	e, _ := newTestEngine(t)
	base := time.Date(2026, 6, 16, 11, 0, 0, 0, time.UTC)

	e.onIndexTick(types.Tick{InstrumentKey: e.cfg.IndexKey, Ts: base.UnixMilli(), LTP: 24500, LTQ: 100})
	e.onSweep(base.Add(e.cfg.Timeframe + time.Second))

	snap := e.GetStatus()
	if math.IsNaN(snap.Indicators.VWAP) || snap.Indicators.VWAP != e.indics.VWAP() {
		t.Errorf("snapshot VWAP = %v, indicator VWAP = %v", snap.Indicators.VWAP, e.indics.VWAP())
	}
}

func TestPaperCreditFollowsExecutionMode(t *testing.T) {
	e, _ := newTestEngine(t)
	before := e.paper.Balance()

	if _, err := e.SetMode("LIVE"); err != nil {
		t.Fatal(err)
	}
	e.onClosed([]types.Position{{
		ID: "a", ExitPrice: decimal.NewFromInt(100), Qty: 75,
		RealisedPnL: decimal.NewFromInt(750), ExitTs: e.now(),
	}})
	if !e.paper.Balance().Equal(before) {
		t.Errorf("live-mode close credited the paper ledger: %s", e.paper.Balance())
	}

	if _, err := e.SetMode("PAPER"); err != nil {
		t.Fatal(err)
	}
	e.onClosed([]types.Position{{
		ID: "b", ExitPrice: decimal.NewFromInt(100), Qty: 75,
		RealisedPnL: decimal.NewFromInt(750), ExitTs: e.now(),
	}})
	want := before.Add(decimal.NewFromInt(7500))
	if !e.paper.Balance().Equal(want) {
		t.Errorf("paper-mode close balance = %s, want %s", e.paper.Balance(), want)
	}
}

func TestSnapshotDropOldest(t *testing.T) {
	e, _ := newTestEngine(t)

	e.publishSnapshot()
	e.mu.Lock()
	e.spot = 24999
	e.mu.Unlock()
	e.publishSnapshot() // consumer never read the first one

	select {
	case snap := <-e.Snapshots():
		if snap.Spot != 24999 {
			t.Errorf("got the stale snapshot: spot=%v", snap.Spot)
		}
	default:
		t.Fatal("no snapshot available")
	}
	select {
	case <-e.Snapshots():
		t.Error("more than one snapshot buffered")
	default:
	}
}

func TestCommandSetModeAndAddFunds(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.SetMode("LIVE"); err != nil {
		t.Fatal(err)
	}
	if e.orders.BackendName() != "live" {
		t.Errorf("backend = %s", e.orders.BackendName())
	}
	if _, err := e.SetMode("PAPER"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetMode("YOLO"); err == nil {
		t.Error("bad mode accepted")
	}

	before := e.gate.Balance()
	snap, err := e.AddFunds(decimal.NewFromInt(50000))
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Risk.Balance.Equal(before.Add(decimal.NewFromInt(50000))) {
		t.Errorf("balance = %s", snap.Risk.Balance)
	}
	if _, err := e.AddFunds(decimal.NewFromInt(-5)); err == nil {
		t.Error("negative amount accepted")
	}
}

func TestCommandClosePosition(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ensureUniverse(24510)
	primeGreeks(e)
	e.execute(types.Signal{Kind: types.SignalBuyCE, IssuedAt: e.now()})
	pos := e.positions.Positions()[0]

	snap, err := e.ClosePosition(pos.ID, decimal.NewFromInt(200))
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Positions) != 0 {
		t.Errorf("snapshot still shows %d open", len(snap.Positions))
	}
	if snap.Risk.DailyPnL.IsZero() {
		t.Error("realised P&L did not reach the risk gate")
	}

	if _, err := e.ClosePosition("nope", decimal.NewFromInt(1)); err == nil {
		t.Error("closing an unknown id succeeded")
	}
}
