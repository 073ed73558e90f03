package market

import (
	"time"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CANDLE MANAGER - live incomplete bucket + bounded ring of finalised candles
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultRingSize is how many finalised candles a series retains.
const DefaultRingSize = 300

// Series builds wall-clock-aligned candles for one instrument and interval.
// At most one incomplete candle exists at any time; finalised candles are
// frozen and appended to a bounded ring.
type Series struct {
	interval int64 // ms
	limit    int

	inc       *types.Candle
	prevClose float64

	finalised []types.Candle
}

// NewSeries creates a series for the given interval keeping up to limit
// finalised candles (DefaultRingSize when limit <= 0).
func NewSeries(interval time.Duration, limit int) *Series {
	if limit <= 0 {
		limit = DefaultRingSize
	}
	return &Series{interval: interval.Milliseconds(), limit: limit}
}

func (s *Series) bucketStart(ts int64) int64 {
	return ts - ts%s.interval
}

// OnTick feeds one tick into the series and returns any candles finalised by
// it, oldest first. Ticks older than the current bucket are ignored; a tick
// at exactly the bucket end belongs to the next bucket.
func (s *Series) OnTick(t types.Tick) []types.Candle {
	if s.inc == nil {
		s.open(s.bucketStart(t.Ts), t.LTP)
		s.applyTick(t)
		return nil
	}

	if t.Ts < s.inc.Start {
		return nil // stale tick, candle state unchanged
	}

	if t.Ts < s.inc.End {
		s.applyTick(t)
		return nil
	}

	out := s.rollTo(s.bucketStart(t.Ts))
	s.open(s.bucketStart(t.Ts), t.LTP)
	s.applyTick(t)
	return out
}

// Sweep finalises the incomplete candle once now passes its end, even when no
// tick arrived, and seeds the next bucket at the previous close so indicator
// progression continues through quiet stretches.
func (s *Series) Sweep(now int64) []types.Candle {
	if s.inc == nil || now < s.inc.End {
		return nil
	}
	out := s.rollTo(s.bucketStart(now))
	s.open(s.bucketStart(now), s.prevClose)
	return out
}

// rollTo finalises the incomplete candle and fills any skipped buckets up to
// (not including) target with flat candles at the previous close.
func (s *Series) rollTo(target int64) []types.Candle {
	out := []types.Candle{s.finalise()}
	for start := s.lastEnd(); start < target; start += s.interval {
		flat := types.Candle{
			Start: start,
			End:   start + s.interval,
			Open:  s.prevClose,
			High:  s.prevClose,
			Low:   s.prevClose,
			Close: s.prevClose,
		}
		s.push(flat)
		out = append(out, flat)
	}
	return out
}

func (s *Series) lastEnd() int64 {
	return s.finalised[len(s.finalised)-1].End
}

func (s *Series) open(start int64, price float64) {
	s.inc = &types.Candle{
		Start: start,
		End:   start + s.interval,
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
}

func (s *Series) applyTick(t types.Tick) {
	c := s.inc
	if t.LTP > c.High {
		c.High = t.LTP
	}
	if t.LTP < c.Low {
		c.Low = t.LTP
	}
	c.Close = t.LTP
	c.Volume += t.LTQ
}

func (s *Series) finalise() types.Candle {
	done := *s.inc
	s.inc = nil
	s.prevClose = done.Close
	s.push(done)
	return done
}

func (s *Series) push(c types.Candle) {
	s.finalised = append(s.finalised, c)
	if len(s.finalised) > s.limit {
		s.finalised = s.finalised[len(s.finalised)-s.limit:]
	}
}

// Live returns a copy of the incomplete candle, if one exists.
func (s *Series) Live() (types.Candle, bool) {
	if s.inc == nil {
		return types.Candle{}, false
	}
	return *s.inc, true
}

// Last returns up to n most recent finalised candles, oldest first.
func (s *Series) Last(n int) []types.Candle {
	if n > len(s.finalised) {
		n = len(s.finalised)
	}
	out := make([]types.Candle, n)
	copy(out, s.finalised[len(s.finalised)-n:])
	return out
}

// Count returns the number of finalised candles retained.
func (s *Series) Count() int { return len(s.finalised) }
