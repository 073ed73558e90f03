package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/metrics"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL ENGINE - eight-filter entry evaluation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Evaluates a fixed filter table for both directions on every finalised index
// candle and on intra-candle EMA updates. A direction fires only when all
// eight filters agree; anything NaN or unwarmed fails closed.
//
// ═══════════════════════════════════════════════════════════════════════════════

const filterCount = 8

// Diagnostics attached to HOLD signals.
const (
	DiagCooldown     = "COOLDOWN"
	DiagDirectionTie = "DIRECTION_TIE"
)

// Inputs is everything one evaluation reads, captured at a single instant.
type Inputs struct {
	Supertrend     string
	SupertrendBull bool // last two candles bullish
	SupertrendBear bool // last two candles bearish
	EMA5           float64
	EMA20          float64
	CrossUp        bool
	CrossDown      bool
	RSI            float64
	ATRPct         float64
	Greeks         types.GreeksSnapshot
	PCR            types.PCRState
	CurrentVolume  float64
	AvgVolume      float64
	Now            time.Time
}

// Engine applies the filter table with a same-direction cooldown.
type Engine struct {
	cooldown time.Duration

	lastKind types.SignalKind
	lastAt   time.Time
}

// NewEngine creates a signal engine with the given same-kind cooldown.
func NewEngine(cooldown time.Duration) *Engine {
	return &Engine{cooldown: cooldown}
}

// Evaluate runs the filter table and returns the resulting signal.
func (e *Engine) Evaluate(in Inputs) types.Signal {
	ce, ceChecks := evaluateDirection(in, types.SignalBuyCE)
	pe, peChecks := evaluateDirection(in, types.SignalBuyPE)

	cePassed := passedCount(ce)
	pePassed := passedCount(pe)

	sig := types.Signal{Kind: types.SignalHold, IssuedAt: in.Now}

	switch {
	case cePassed == filterCount && pePassed == filterCount:
		// Should be impossible with a sane filter table; never trade on it.
		sig.Diagnostic = DiagDirectionTie
		sig.Filters, sig.Checks = ce, ceChecks
		sig.Confidence = 100
		sig.Reason = "both directions qualified, holding"
		log.Warn().Msg("Signal direction tie, holding")
	case cePassed == filterCount:
		sig.Kind = types.SignalBuyCE
		sig.Filters, sig.Checks = ce, ceChecks
		sig.Confidence = 100
		sig.Reason = "all 8 filters passed for BUY_CE"
	case pePassed == filterCount:
		sig.Kind = types.SignalBuyPE
		sig.Filters, sig.Checks = pe, peChecks
		sig.Confidence = 100
		sig.Reason = "all 8 filters passed for BUY_PE"
	default:
		// Report the closer direction so the reasoning shows what blocked it.
		if pePassed > cePassed {
			sig.Filters, sig.Checks = pe, peChecks
			sig.Confidence = confidence(pePassed)
			sig.Reason = fmt.Sprintf("HOLD: %d/%d filters passed for BUY_PE", pePassed, filterCount)
		} else {
			sig.Filters, sig.Checks = ce, ceChecks
			sig.Confidence = confidence(cePassed)
			sig.Reason = fmt.Sprintf("HOLD: %d/%d filters passed for BUY_CE", cePassed, filterCount)
		}
	}

	if sig.Kind != types.SignalHold {
		if e.lastKind == sig.Kind && in.Now.Sub(e.lastAt) < e.cooldown {
			sig.Reason = fmt.Sprintf("cooldown active, would emit %s (%s)", sig.Kind, sig.Reason)
			sig.Kind = types.SignalHold
			sig.Diagnostic = DiagCooldown
		} else {
			e.lastKind = sig.Kind
			e.lastAt = in.Now
			log.Info().
				Str("kind", string(sig.Kind)).
				Float64("confidence", sig.Confidence).
				Msg("📊 Signal emitted")
		}
	}

	metrics.SignalsEmitted.WithLabelValues(string(sig.Kind)).Inc()
	return sig
}

func confidence(passed int) float64 {
	return 100 * float64(passed) / filterCount
}

func passedCount(f types.FilterResults) int {
	n := 0
	for _, p := range []bool{f.Supertrend, f.EMA, f.RSI, f.Volatility, f.EntryConfirmation, f.Greeks, f.PCR, f.Volume} {
		if p {
			n++
		}
	}
	return n
}

func evaluateDirection(in Inputs, kind types.SignalKind) (types.FilterResults, []types.FilterCheck) {
	bullish := kind == types.SignalBuyCE
	var f types.FilterResults
	checks := make([]types.FilterCheck, 0, filterCount)

	record := func(name string, passed bool, observed string) {
		checks = append(checks, types.FilterCheck{Name: name, Passed: passed, Observed: observed})
	}

	if bullish {
		f.Supertrend = in.Supertrend == market.TrendBullish
	} else {
		f.Supertrend = in.Supertrend == market.TrendBearish
	}
	record("supertrend", f.Supertrend, fmt.Sprintf("direction=%s", orNA(in.Supertrend)))

	emaReady := !math.IsNaN(in.EMA5) && !math.IsNaN(in.EMA20)
	if bullish {
		f.EMA = emaReady && (in.EMA5 > in.EMA20 || in.CrossUp)
	} else {
		f.EMA = emaReady && (in.EMA5 < in.EMA20 || in.CrossDown)
	}
	record("ema", f.EMA, fmt.Sprintf("ema5=%.2f ema20=%.2f crossUp=%v crossDown=%v", in.EMA5, in.EMA20, in.CrossUp, in.CrossDown))

	if bullish {
		f.RSI = in.RSI >= 50 // NaN comparison is false
	} else {
		f.RSI = in.RSI <= 50
	}
	record("rsi", f.RSI, fmt.Sprintf("rsi=%.2f", in.RSI))

	f.Volatility = in.ATRPct >= 0.01 && in.ATRPct <= 2.5
	record("volatility", f.Volatility, fmt.Sprintf("atrPct=%.4f", in.ATRPct))

	if bullish {
		f.EntryConfirmation = in.SupertrendBull
	} else {
		f.EntryConfirmation = in.SupertrendBear
	}
	record("entry_confirmation", f.EntryConfirmation, fmt.Sprintf("last2Bull=%v last2Bear=%v", in.SupertrendBull, in.SupertrendBear))

	if bullish {
		leg := in.Greeks.CE
		f.Greeks = leg.QualityScore >= 50 && leg.Delta > 0.2 && leg.Theta > -150
		record("greeks", f.Greeks, fmt.Sprintf("quality=%d delta=%.3f theta=%.2f", leg.QualityScore, leg.Delta, leg.Theta))
	} else {
		leg := in.Greeks.PE
		f.Greeks = leg.QualityScore >= 50 && leg.Delta < -0.2 && leg.Theta > -150
		record("greeks", f.Greeks, fmt.Sprintf("quality=%d delta=%.3f theta=%.2f", leg.QualityScore, leg.Delta, leg.Theta))
	}

	if bullish {
		f.PCR = in.PCR.Defined && in.PCR.PCR < 1.0
	} else {
		f.PCR = in.PCR.Defined && in.PCR.PCR > 1.0
	}
	record("pcr", f.PCR, fmt.Sprintf("pcr=%.3f defined=%v", in.PCR.PCR, in.PCR.Defined))

	f.Volume = !math.IsNaN(in.AvgVolume) && in.CurrentVolume > 0.7*in.AvgVolume
	record("volume", f.Volume, fmt.Sprintf("current=%.0f avg=%.0f", in.CurrentVolume, in.AvgVolume))

	return f, checks
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
