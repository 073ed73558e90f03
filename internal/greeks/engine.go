package greeks

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GREEKS ENGINE - ATM pair tracking with rate-limited recomputation
// ═══════════════════════════════════════════════════════════════════════════════

// minRecomputeInterval is the hard floor between two computations; price
// updates inside the window are coalesced into the next one.
const minRecomputeInterval = 200 * time.Millisecond

// ist is the exchange timezone; expiring contracts settle at 15:30 IST.
var ist = time.FixedZone("IST", 5*3600+30*60)

// expiryCloseTime anchors contract close at 15:30 IST on the expiry date,
// whatever zone the registry parsed the date in.
func expiryCloseTime(expiry time.Time) time.Time {
	y, m, d := expiry.Date()
	return time.Date(y, m, d, 15, 30, 0, 0, ist)
}

// Engine recomputes the ATM CE/PE greeks whenever the pair or its prices
// move, at most once per minRecomputeInterval.
type Engine struct {
	riskFree float64
	now      func() time.Time

	mu sync.RWMutex

	atm    float64
	expiry time.Time
	ceKey  string
	peKey  string

	spot    float64
	cePrice float64
	pePrice float64

	dirty        bool
	lastComputed time.Time
	snapshot     types.GreeksSnapshot
}

// NewEngine creates a greeks engine using riskFree as the annualised rate.
func NewEngine(riskFree float64) *Engine {
	return &Engine{riskFree: riskFree, now: time.Now}
}

// SetATMPair retargets the engine to a new ATM strike. Stale option prices
// are discarded; the next CE/PE ticks repopulate them.
func (e *Engine) SetATMPair(atm float64, expiry time.Time, ce, pe *types.Instrument) {
	e.mu.Lock()
	if e.atm == atm && e.expiry.Equal(expiry) {
		e.mu.Unlock()
		return
	}
	e.atm = atm
	e.expiry = expiry
	e.ceKey, e.peKey = "", ""
	if ce != nil {
		e.ceKey = ce.Key
	}
	if pe != nil {
		e.peKey = pe.Key
	}
	e.cePrice, e.pePrice = 0, 0
	e.dirty = true
	e.mu.Unlock()

	log.Debug().Float64("atm", atm).Msg("Greeks engine retargeted")
}

// OnSpot records the latest underlying price.
func (e *Engine) OnSpot(spot float64) {
	e.mu.Lock()
	if spot != e.spot {
		e.spot = spot
		e.dirty = true
	}
	e.mu.Unlock()
	e.maybeRecompute()
}

// OnOptionTick consumes a tick; only the current ATM pair's keys matter.
func (e *Engine) OnOptionTick(t types.Tick) {
	e.mu.Lock()
	switch t.InstrumentKey {
	case e.ceKey:
		if t.LTP != e.cePrice {
			e.cePrice = t.LTP
			e.dirty = true
		}
	case e.peKey:
		if t.LTP != e.pePrice {
			e.pePrice = t.LTP
			e.dirty = true
		}
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.maybeRecompute()
}

// Flush recomputes pending state; the orchestrator calls it on its sweep so
// coalesced updates inside the rate window are not lost.
func (e *Engine) Flush() { e.maybeRecompute() }

// Snapshot returns the latest computed greeks.
func (e *Engine) Snapshot() types.GreeksSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

func (e *Engine) maybeRecompute() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if !e.dirty || now.Sub(e.lastComputed) < minRecomputeInterval {
		return
	}
	if e.spot == 0 || e.atm == 0 || e.cePrice == 0 || e.pePrice == 0 {
		return
	}

	T := expiryCloseTime(e.expiry).Sub(now).Hours() / 24 / 365

	snap := types.GreeksSnapshot{
		ATMStrike:  e.atm,
		Expiry:     e.expiry,
		ComputedAt: now,
	}
	snap.CE = e.computeLeg(types.OptionCE, T, e.cePrice)
	snap.PE = e.computeLeg(types.OptionPE, T, e.pePrice)

	e.snapshot = snap
	e.dirty = false
	e.lastComputed = now
}

func (e *Engine) computeLeg(typ types.OptionType, T, price float64) types.GreeksLeg {
	leg, err := Compute(Inputs{
		Spot:     e.spot,
		Strike:   e.atm,
		T:        T,
		RiskFree: e.riskFree,
		Type:     typ,
	}, price)
	if err != nil {
		log.Debug().Err(err).Str("type", string(typ)).Float64("strike", e.atm).Msg("Greeks solve failed")
	}
	return leg
}
