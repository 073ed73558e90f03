package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"nifty-options-bot/internal/feed"
	"nifty-options-bot/internal/instruments"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/orders"
	"nifty-options-bot/internal/positions"
	"nifty-options-bot/internal/signal"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPTION UNIVERSE + SIGNAL EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// ensureUniverse retargets the option subscriptions when the ATM strike
// moves or the nearest expiry rolls. Idempotent and cheap when nothing
// changed.
func (e *Engine) ensureUniverse(spot float64) {
	atm := instruments.ATMStrike(spot, e.cfg.StrikeStep)

	e.mu.RLock()
	unchanged := atm == e.atm && !e.expiry.IsZero()
	e.mu.RUnlock()
	if unchanged {
		return
	}

	expiry, ok := e.registry.NearestExpiry(e.cfg.Symbol, e.now())
	if !ok {
		log.Warn().Str("symbol", e.cfg.Symbol).Msg("No expiry listed, option universe unavailable")
		return
	}

	ce, pe := e.registry.ATMPair(e.cfg.Symbol, expiry, atm)
	if ce == nil || pe == nil {
		log.Warn().Float64("atm", atm).Msg("ATM pair not listed, keeping previous universe")
		return
	}
	keys := e.registry.PCRWindow(e.cfg.Symbol, expiry, atm, e.cfg.PCRRange)

	e.mu.Lock()
	prevKeys := e.pcrKeys
	prevCE, prevPE := e.atmCE, e.atmPE
	e.atm, e.expiry = atm, expiry
	e.atmCE, e.atmPE = ce, pe
	e.pcrKeys = keys
	e.mu.Unlock()

	e.greeks.SetATMPair(atm, expiry, ce, pe)

	window := make(map[string]types.OptionType, len(keys))
	for _, k := range keys {
		if inst, ok := e.registry.Lookup(k); ok {
			window[k] = inst.OptionType
		}
	}
	e.pcr.SetWindow(window)

	// Subscription diff: drop departed contracts, add the new window.
	departed := diffKeys(prevKeys, keys)
	if len(departed) > 0 {
		if err := e.feed.Unsubscribe(feed.ModeFull, departed...); err != nil {
			log.Warn().Err(err).Msg("Unsubscribe of departed strikes failed")
		}
	}
	if err := e.feed.Subscribe(feed.ModeFull, keys...); err != nil {
		log.Warn().Err(err).Msg("PCR window subscription failed")
	}
	if prevCE != nil && prevCE.Key != ce.Key {
		e.feed.Unsubscribe(feed.ModeGreeks, prevCE.Key, prevPE.Key)
	}
	if err := e.feed.Subscribe(feed.ModeGreeks, ce.Key, pe.Key); err != nil {
		log.Warn().Err(err).Msg("ATM pair subscription failed")
	}

	log.Info().
		Float64("atm", atm).
		Str("expiry", expiry.Format("2006-01-02")).
		Int("window", len(keys)).
		Msg("📋 Option universe retargeted")
}

func diffKeys(prev, next []string) []string {
	keep := make(map[string]struct{}, len(next))
	for _, k := range next {
		keep[k] = struct{}{}
	}
	var gone []string
	for _, k := range prev {
		if _, ok := keep[k]; !ok {
			gone = append(gone, k)
		}
	}
	return gone
}

// evaluateSignal runs the filter table and routes any BUY through the gate.
// provisional selects the intra-candle EMA readings.
func (e *Engine) evaluateSignal(provisional bool) {
	ema5, ema20 := e.indics.EMA5(), e.indics.EMA20()
	crossUp, crossDown := e.indics.CrossedUp(), e.indics.CrossedDown()
	if provisional {
		e.mu.RLock()
		spot := e.spot
		e.mu.RUnlock()
		ema5, ema20 = e.indics.ProvisionalEMAs(spot)
		crossUp, crossDown = false, false
	}

	currentVolume := 0.0
	if live, ok := e.series.Live(); ok {
		currentVolume = float64(live.Volume)
	}

	sig := e.signals.Evaluate(signal.Inputs{
		Supertrend:     e.indics.Supertrend(),
		SupertrendBull: e.indics.SupertrendLastTwo(market.TrendBullish),
		SupertrendBear: e.indics.SupertrendLastTwo(market.TrendBearish),
		EMA5:           ema5,
		EMA20:          ema20,
		CrossUp:        crossUp,
		CrossDown:      crossDown,
		RSI:            e.indics.RSI(),
		ATRPct:         e.indics.ATRPct(),
		Greeks:         e.greeks.Snapshot(),
		PCR:            e.pcr.Latest(),
		CurrentVolume:  currentVolume,
		AvgVolume:      e.indics.AvgVolume(),
		Now:            e.now(),
	})

	e.mu.Lock()
	e.lastSignal = &sig
	e.levels = e.indics.Levels()
	e.mu.Unlock()

	if sig.Kind != types.SignalHold {
		e.execute(sig)
	}
	e.publishSnapshot()
}

// execute routes one BUY signal: auth check, risk gate, order, position.
func (e *Engine) execute(sig types.Signal) {
	if err := e.feed.AuthError(); err != nil {
		log.Warn().Err(err).Msg("Credential dead, signal not executed")
		return
	}

	snap := e.greeks.Snapshot()
	var inst *types.Instrument
	var leg types.GreeksLeg
	e.mu.RLock()
	if sig.Kind == types.SignalBuyCE {
		inst, leg = e.atmCE, snap.CE
	} else {
		inst, leg = e.atmPE, snap.PE
	}
	e.mu.RUnlock()

	if inst == nil || leg.Price <= 0 || math.IsNaN(leg.Price) {
		log.Warn().Str("kind", string(sig.Kind)).Msg("No priced ATM contract, signal dropped")
		return
	}
	entry := decimal.NewFromFloat(leg.Price)

	approval, err := e.gate.Check(entry, inst.LotSize, e.positions.OpenCount(), e.now())
	if err != nil {
		log.Info().Err(err).Str("kind", string(sig.Kind)).Msg("🛡️ Signal rejected by risk gate")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ack, err := e.orders.Submit(ctx, orders.Order{
		Token:         uuid.NewString(),
		InstrumentKey: inst.Key,
		Symbol:        inst.Symbol,
		Side:          orders.SideBuy,
		Qty:           approval.Qty,
		MarketPrice:   entry,
	})
	if err != nil {
		log.Error().Err(err).Str("instrument", inst.Key).Msg("Order submission failed, no position created")
		return
	}

	// Exit levels track the actual fill, not the pre-slippage quote.
	stopLoss := ack.FillPrice.Mul(decimal.NewFromFloat(1 - e.cfg.StopLossPct))
	target := ack.FillPrice.Mul(decimal.NewFromFloat(1 + e.cfg.TargetPct))

	pos, err := e.positions.Open(positions.OpenParams{
		Type:          inst.OptionType,
		InstrumentKey: inst.Key,
		Strike:        inst.Strike,
		EntryPrice:    ack.FillPrice,
		Qty:           approval.Qty,
		LotSize:       inst.LotSize,
		StopLoss:      stopLoss,
		Target:        target,
		EntryTs:       ack.FillTs,
	})
	if err != nil {
		log.Error().Err(err).Msg("Position journal write failed after fill")
		return
	}
	e.notifier.PositionOpened(pos)
	e.publishSnapshot()
}
