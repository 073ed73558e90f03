package pcr

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PCR AGGREGATOR - incremental put/call open-interest ratio
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tracks the OI of every contract in the subscribed strike window as
// incremental sums. A fresh OI tick replaces that contract's previous
// contribution, so totals never drift. Emission is coalesced to one PCRState
// per emitInterval.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	emitInterval = 5 * time.Second
	trendWindow  = 12 // samples, one minute at the emit cadence
	neutralEps   = 0.03
)

// Sentiment labels derived from the ratio.
const (
	SentimentExtremeBearish = "EXTREME_BEARISH"
	SentimentBearish        = "BEARISH"
	SentimentNeutral        = "NEUTRAL"
	SentimentBullish        = "BULLISH"
	SentimentExtremeBullish = "EXTREME_BULLISH"
	SentimentUnknown        = "UNKNOWN"
)

// Trend labels from the slope of recent samples.
const (
	TrendRising  = "RISING"
	TrendFalling = "FALLING"
	TrendFlat    = "FLAT"
)

type contribution struct {
	typ types.OptionType
	oi  float64
	set bool
}

// Aggregator maintains the put-call ratio over a strike window.
type Aggregator struct {
	mu sync.Mutex

	window  map[string]*contribution // key → current contribution
	totalCE float64
	totalPE float64

	samples []float64 // recent PCR values for the trend, newest last
	count   int

	lastEmit time.Time
	latest   types.PCRState
	now      func() time.Time
}

// NewAggregator creates an empty aggregator; SetWindow defines the universe.
func NewAggregator() *Aggregator {
	return &Aggregator{
		window: make(map[string]*contribution),
		now:    time.Now,
	}
}

// SetWindow replaces the contract universe in one step. Contracts surviving
// the change keep their OI contribution; removed contracts are subtracted and
// added ones start at zero. Totals are adjusted under one lock so a partial
// window is never observable.
func (a *Aggregator) SetWindow(contracts map[string]types.OptionType) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]*contribution, len(contracts))
	for key, typ := range contracts {
		if prev, ok := a.window[key]; ok && prev.typ == typ {
			next[key] = prev
			continue
		}
		next[key] = &contribution{typ: typ}
	}

	// Subtract contributions of contracts that left the window.
	for key, c := range a.window {
		if _, kept := next[key]; kept || !c.set {
			continue
		}
		if c.typ == types.OptionCE {
			a.totalCE -= c.oi
		} else {
			a.totalPE -= c.oi
		}
	}

	a.window = next
	log.Debug().Int("contracts", len(next)).Msg("PCR window replaced")
}

// OnTick folds one option tick into the totals. Ticks without OI or outside
// the window are ignored.
func (a *Aggregator) OnTick(t types.Tick) {
	if !t.HasOI {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.window[t.InstrumentKey]
	if !ok {
		return
	}
	if c.typ == types.OptionCE {
		a.totalCE += t.OI - c.oi
	} else {
		a.totalPE += t.OI - c.oi
	}
	c.oi = t.OI
	c.set = true
	a.count++
}

// Emit produces a PCRState when the coalescing interval has elapsed, nil
// otherwise. The orchestrator drives it from the sweep timer.
func (a *Aggregator) Emit() *types.PCRState {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Sub(a.lastEmit) < emitInterval {
		return nil
	}
	a.lastEmit = now

	st := types.PCRState{
		TotalCEOI:   a.totalCE,
		TotalPEOI:   a.totalPE,
		SampleCount: a.count,
		LastUpdate:  now,
	}
	if a.totalCE > 0 {
		st.Defined = true
		st.PCR = a.totalPE / a.totalCE
		st.Sentiment = classify(st.PCR)

		a.samples = append(a.samples, st.PCR)
		if len(a.samples) > trendWindow {
			a.samples = a.samples[len(a.samples)-trendWindow:]
		}
		st.Trend = trend(a.samples)
	} else {
		st.Sentiment = SentimentUnknown
		st.Trend = TrendFlat
	}

	a.latest = st
	return &st
}

// Latest returns the most recently emitted state.
func (a *Aggregator) Latest() types.PCRState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

func classify(pcr float64) string {
	switch {
	case math.Abs(pcr-1.0) <= neutralEps:
		return SentimentNeutral
	case pcr > 1.5:
		return SentimentExtremeBearish
	case pcr > 1.0:
		return SentimentBearish
	case pcr < 0.5:
		return SentimentExtremeBullish
	default:
		return SentimentBullish
	}
}

// trend is the sign of the least-squares slope over the sample window.
func trend(samples []float64) string {
	n := len(samples)
	if n < 2 {
		return TrendFlat
	}
	// x = 0..n-1
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumXX - sumX*sumX)
	switch {
	case slope > 1e-9:
		return TrendRising
	case slope < -1e-9:
		return TrendFalling
	default:
		return TrendFlat
	}
}
