package market

import (
	"math"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STREAMING INDICATORS - EMA, RSI, ATR, Supertrend, VWAP
// ═══════════════════════════════════════════════════════════════════════════════
//
// All indicators update incrementally from finalised candles, O(1) per candle.
// Values are NaN until the warmup window is full; consumers treat NaN as
// "not ready" and fail the corresponding filter closed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EMA is an exponential moving average seeded with the SMA of the first
// period samples, recursive thereafter.
type EMA struct {
	period int
	k      float64
	sum    float64
	count  int
	value  float64
}

// NewEMA creates an EMA with smoothing k = 2/(period+1).
func NewEMA(period int) *EMA {
	return &EMA{period: period, k: 2.0 / float64(period+1)}
}

// Update feeds one sample and returns the current value (NaN during warmup).
func (e *EMA) Update(x float64) float64 {
	e.count++
	if e.count <= e.period {
		e.sum += x
		e.value = e.sum / float64(e.count)
		if e.count < e.period {
			return math.NaN()
		}
		return e.value
	}
	e.value = e.k*x + (1-e.k)*e.value
	return e.value
}

// Value returns the current EMA, NaN before period samples.
func (e *EMA) Value() float64 {
	if e.count < e.period {
		return math.NaN()
	}
	return e.value
}

// Provisional returns the EMA as if x were appended, without mutating state.
// Used for intra-candle readings against the live close.
func (e *EMA) Provisional(x float64) float64 {
	if e.count < e.period {
		return math.NaN()
	}
	return e.k*x + (1-e.k)*e.value
}

func (e *EMA) Ready() bool { return e.count >= e.period }

// RSI is Wilder's relative strength index over close-to-close deltas.
type RSI struct {
	period    int
	prevClose float64
	hasPrev   bool
	deltas    int
	gainSum   float64
	lossSum   float64
	avgGain   float64
	avgLoss   float64
}

func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Update feeds one close and returns the current RSI (NaN during warmup).
func (r *RSI) Update(close float64) float64 {
	if !r.hasPrev {
		r.prevClose = close
		r.hasPrev = true
		return math.NaN()
	}

	delta := close - r.prevClose
	r.prevClose = close
	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	r.deltas++
	switch {
	case r.deltas < r.period:
		r.gainSum += gain
		r.lossSum += loss
		return math.NaN()
	case r.deltas == r.period:
		r.gainSum += gain
		r.lossSum += loss
		r.avgGain = r.gainSum / float64(r.period)
		r.avgLoss = r.lossSum / float64(r.period)
	default:
		// Wilder smoothing
		n := float64(r.period)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}
	return r.Value()
}

// Value returns the current RSI, NaN before period deltas. A flat-only or
// gain-only history reads 100.
func (r *RSI) Value() float64 {
	if r.deltas < r.period {
		return math.NaN()
	}
	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

func (r *RSI) Ready() bool { return r.deltas >= r.period }

// ATR is Wilder's average true range.
type ATR struct {
	period    int
	prevClose float64
	hasPrev   bool
	samples   int
	trSum     float64
	value     float64
}

func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Update feeds one candle and returns the current ATR (NaN during warmup).
func (a *ATR) Update(c types.Candle) float64 {
	tr := c.High - c.Low
	if a.hasPrev {
		if hc := math.Abs(c.High - a.prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(c.Low - a.prevClose); lc > tr {
			tr = lc
		}
	}
	a.prevClose = c.Close
	a.hasPrev = true

	a.samples++
	switch {
	case a.samples < a.period:
		a.trSum += tr
		return math.NaN()
	case a.samples == a.period:
		a.trSum += tr
		a.value = a.trSum / float64(a.period)
	default:
		n := float64(a.period)
		a.value = (a.value*(n-1) + tr) / n
	}
	return a.value
}

// Value returns the current ATR, NaN before period candles.
func (a *ATR) Value() float64 {
	if a.samples < a.period {
		return math.NaN()
	}
	return a.value
}

func (a *ATR) Ready() bool { return a.samples >= a.period }

// Supertrend direction labels.
const (
	TrendBullish = "BULLISH"
	TrendBearish = "BEARISH"
)

// Supertrend is the classic ATR-band trend indicator. Direction is empty
// until its ATR warms up.
type Supertrend struct {
	mult float64
	atr  *ATR

	finalUpper float64
	finalLower float64
	prevClose  float64
	direction  string
	history    []string // most recent last, bounded
}

func NewSupertrend(period int, mult float64) *Supertrend {
	return &Supertrend{mult: mult, atr: NewATR(period)}
}

// Update feeds one candle and returns the current direction ("" during warmup).
func (s *Supertrend) Update(c types.Candle) string {
	prevClose := s.prevClose
	hadDirection := s.direction != ""
	s.prevClose = c.Close

	atr := s.atr.Update(c)
	if math.IsNaN(atr) {
		return ""
	}

	mid := (c.High + c.Low) / 2
	basicUpper := mid + s.mult*atr
	basicLower := mid - s.mult*atr

	// Band ratcheting: bands only tighten while price stays on one side.
	if !hadDirection {
		s.finalUpper = basicUpper
		s.finalLower = basicLower
	} else {
		if basicUpper < s.finalUpper || prevClose > s.finalUpper {
			s.finalUpper = basicUpper
		}
		if basicLower > s.finalLower || prevClose < s.finalLower {
			s.finalLower = basicLower
		}
	}

	switch {
	case !hadDirection:
		if c.Close >= s.finalLower {
			s.direction = TrendBullish
		} else {
			s.direction = TrendBearish
		}
	case s.direction == TrendBullish && c.Close < s.finalLower:
		s.direction = TrendBearish
	case s.direction == TrendBearish && c.Close > s.finalUpper:
		s.direction = TrendBullish
	}

	s.history = append(s.history, s.direction)
	if len(s.history) > 4 {
		s.history = s.history[len(s.history)-4:]
	}
	return s.direction
}

// Direction returns the current trend label, "" during warmup.
func (s *Supertrend) Direction() string { return s.direction }

// LastTwo reports whether the two most recent candles agree on dir.
func (s *Supertrend) LastTwo(dir string) bool {
	if len(s.history) < 2 {
		return false
	}
	return s.history[len(s.history)-1] == dir && s.history[len(s.history)-2] == dir
}

// VWAP is the session volume-weighted average price over typical prices.
type VWAP struct {
	pv  float64
	vol float64
}

// Update feeds one candle. Zero-volume candles leave the VWAP untouched.
func (v *VWAP) Update(c types.Candle) float64 {
	if c.Volume > 0 {
		typical := (c.High + c.Low + c.Close) / 3
		v.pv += typical * float64(c.Volume)
		v.vol += float64(c.Volume)
	}
	return v.Value()
}

// Value returns the session VWAP, NaN before any volume.
func (v *VWAP) Value() float64 {
	if v.vol == 0 {
		return math.NaN()
	}
	return v.pv / v.vol
}

// Reset clears the session accumulation. Called at session start.
func (v *VWAP) Reset() { v.pv, v.vol = 0, 0 }

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATOR SET - everything the signal engine reads, updated together
// ═══════════════════════════════════════════════════════════════════════════════

const volumeAvgWindow = 20

// IndicatorSet bundles the index indicators so one finalised candle advances
// all of them in lock-step.
type IndicatorSet struct {
	ema5  *EMA
	ema20 *EMA
	rsi   *RSI
	atr   *ATR
	st    *Supertrend
	vwap  *VWAP

	prevDiff  float64 // ema5-ema20 on candle k-1
	lastDiff  float64 // ema5-ema20 on candle k
	diffCount int

	volumes   []int64
	lastClose float64
}

func NewIndicatorSet() *IndicatorSet {
	return &IndicatorSet{
		ema5:     NewEMA(5),
		ema20:    NewEMA(20),
		rsi:      NewRSI(14),
		atr:      NewATR(14),
		st:       NewSupertrend(10, 3),
		vwap:     &VWAP{},
		prevDiff: math.NaN(),
		lastDiff: math.NaN(),
	}
}

// OnCandle advances every indicator with one finalised candle.
func (is *IndicatorSet) OnCandle(c types.Candle) {
	e5 := is.ema5.Update(c.Close)
	e20 := is.ema20.Update(c.Close)
	is.rsi.Update(c.Close)
	is.atr.Update(c)
	is.st.Update(c)
	is.vwap.Update(c)

	is.prevDiff = is.lastDiff
	is.lastDiff = e5 - e20
	is.diffCount++

	is.volumes = append(is.volumes, c.Volume)
	if len(is.volumes) > volumeAvgWindow {
		is.volumes = is.volumes[len(is.volumes)-volumeAvgWindow:]
	}
	is.lastClose = c.Close
}

// Levels packages the current readings for the snapshot.
func (is *IndicatorSet) Levels() types.IndicatorLevels {
	return types.IndicatorLevels{
		RSI:        is.rsi.Value(),
		EMA5:       is.ema5.Value(),
		EMA20:      is.ema20.Value(),
		ATRPct:     is.ATRPct(),
		VWAP:       is.vwap.Value(),
		Supertrend: is.st.Direction(),
	}
}

// ATRPct is the ATR as a percentage of the last close, NaN during warmup.
func (is *IndicatorSet) ATRPct() float64 {
	atr := is.atr.Value()
	if math.IsNaN(atr) || is.lastClose == 0 {
		return math.NaN()
	}
	return atr / is.lastClose * 100
}

// RSI returns the current RSI value.
func (is *IndicatorSet) RSI() float64 { return is.rsi.Value() }

// EMA5 returns the current EMA(5).
func (is *IndicatorSet) EMA5() float64 { return is.ema5.Value() }

// EMA20 returns the current EMA(20).
func (is *IndicatorSet) EMA20() float64 { return is.ema20.Value() }

// VWAP returns the current session VWAP.
func (is *IndicatorSet) VWAP() float64 { return is.vwap.Value() }

// Supertrend returns the current trend label.
func (is *IndicatorSet) Supertrend() string { return is.st.Direction() }

// SupertrendLastTwo reports two consecutive candles in direction dir.
func (is *IndicatorSet) SupertrendLastTwo(dir string) bool { return is.st.LastTwo(dir) }

// CrossedUp reports a bullish EMA crossover on the latest finalised candle:
// the ema5-ema20 difference changed sign from non-positive to positive.
func (is *IndicatorSet) CrossedUp() bool {
	if is.diffCount < 2 || math.IsNaN(is.prevDiff) || math.IsNaN(is.lastDiff) {
		return false
	}
	return is.prevDiff <= 0 && is.lastDiff > 0
}

// CrossedDown reports a bearish EMA crossover on the latest finalised candle.
func (is *IndicatorSet) CrossedDown() bool {
	if is.diffCount < 2 || math.IsNaN(is.prevDiff) || math.IsNaN(is.lastDiff) {
		return false
	}
	return is.prevDiff >= 0 && is.lastDiff < 0
}

// Aligned reports the EMAs stacked in direction dir on the latest candle.
func (is *IndicatorSet) Aligned(dir string) bool {
	if math.IsNaN(is.lastDiff) {
		return false
	}
	if dir == TrendBullish {
		return is.lastDiff > 0
	}
	return is.lastDiff < 0
}

// ProvisionalEMAs returns EMA5/EMA20 as if liveClose finalised the current
// candle. NaN during warmup.
func (is *IndicatorSet) ProvisionalEMAs(liveClose float64) (e5, e20 float64) {
	return is.ema5.Provisional(liveClose), is.ema20.Provisional(liveClose)
}

// AvgVolume is the mean volume of the last 20 finalised candles, NaN until
// the window fills.
func (is *IndicatorSet) AvgVolume() float64 {
	if len(is.volumes) < volumeAvgWindow {
		return math.NaN()
	}
	var sum int64
	for _, v := range is.volumes {
		sum += v
	}
	return float64(sum) / float64(len(is.volumes))
}

// ResetSession clears session-scoped accumulations (VWAP) at open.
func (is *IndicatorSet) ResetSession() { is.vwap.Reset() }
