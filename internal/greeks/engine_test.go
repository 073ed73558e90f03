package greeks

import (
	"testing"
	"time"

	"nifty-options-bot/types"
)

func testPair() (ce, pe *types.Instrument, expiry time.Time) {
	expiry = time.Date(2026, 6, 26, 0, 0, 0, 0, time.UTC)
	ce = &types.Instrument{Key: "NSE_FO|24500CE", OptionType: types.OptionCE, Strike: 24500, Expiry: expiry}
	pe = &types.Instrument{Key: "NSE_FO|24500PE", OptionType: types.OptionPE, Strike: 24500, Expiry: expiry}
	return
}

func engineAt(now *time.Time) *Engine {
	e := NewEngine(0.06)
	e.now = func() time.Time { return *now }
	return e
}

func TestEngineComputesOncePrimed(t *testing.T) {
	now := time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	e := engineAt(&now)
	ce, pe, expiry := testPair()

	e.SetATMPair(24500, expiry, ce, pe)
	e.OnSpot(24510)

	// Only one leg priced: no computation yet.
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 182.5})
	if !e.Snapshot().ComputedAt.IsZero() {
		t.Fatal("computed with a missing leg price")
	}

	now = now.Add(time.Second)
	e.OnOptionTick(types.Tick{InstrumentKey: pe.Key, LTP: 145.2})
	snap := e.Snapshot()
	if snap.ComputedAt.IsZero() {
		t.Fatal("no computation after both legs priced")
	}
	if snap.ATMStrike != 24500 {
		t.Errorf("snapshot strike = %v", snap.ATMStrike)
	}
	if snap.CE.Delta <= 0 || snap.PE.Delta >= 0 {
		t.Errorf("leg deltas = %v / %v", snap.CE.Delta, snap.PE.Delta)
	}
	if snap.CE.QualityScore < 50 || snap.PE.QualityScore < 50 {
		t.Errorf("ATM quality = %d / %d", snap.CE.QualityScore, snap.PE.QualityScore)
	}
}

func TestEngineRateLimited(t *testing.T) {
	now := time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	e := engineAt(&now)
	ce, pe, expiry := testPair()

	e.SetATMPair(24500, expiry, ce, pe)
	e.OnSpot(24510)
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 182.5})
	now = now.Add(time.Second)
	e.OnOptionTick(types.Tick{InstrumentKey: pe.Key, LTP: 145.2})
	first := e.Snapshot().ComputedAt

	// A price move 50ms later is coalesced, not recomputed.
	now = now.Add(50 * time.Millisecond)
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 190})
	if got := e.Snapshot().ComputedAt; !got.Equal(first) {
		t.Fatalf("recomputed inside the rate window: %v vs %v", got, first)
	}

	// After the window the pending update flushes.
	now = now.Add(200 * time.Millisecond)
	e.Flush()
	snap := e.Snapshot()
	if snap.ComputedAt.Equal(first) {
		t.Fatal("coalesced update never flushed")
	}
	if snap.CE.Price != 190 {
		t.Errorf("flushed CE price = %v, want 190", snap.CE.Price)
	}
}

func TestEngineUnchangedPriceStaysClean(t *testing.T) {
	now := time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	e := engineAt(&now)
	ce, pe, expiry := testPair()

	e.SetATMPair(24500, expiry, ce, pe)
	e.OnSpot(24510)
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 182.5})
	now = now.Add(time.Second)
	e.OnOptionTick(types.Tick{InstrumentKey: pe.Key, LTP: 145.2})
	first := e.Snapshot().ComputedAt

	// Identical prices later must not trigger a recomputation.
	now = now.Add(time.Second)
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 182.5})
	e.Flush()
	if got := e.Snapshot().ComputedAt; !got.Equal(first) {
		t.Errorf("recomputed without any change: %v vs %v", got, first)
	}
}

func TestEngineExpiryCloseAnchoredIST(t *testing.T) {
	ce, pe, expiry := testPair()

	// 15:30 IST on the expiry date is 10:00 UTC; the registry parses the
	// date as UTC midnight. Before the IST close the contract still prices.
	now := time.Date(2026, 6, 26, 9, 0, 0, 0, time.UTC)
	e := engineAt(&now)
	e.SetATMPair(24500, expiry, ce, pe)
	e.OnSpot(24500)
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 30})
	now = now.Add(time.Second)
	e.OnOptionTick(types.Tick{InstrumentKey: pe.Key, LTP: 28})
	if snap := e.Snapshot(); snap.CE.IV <= 0 {
		t.Fatalf("live contract one hour before the IST close did not solve: %+v", snap.CE)
	}

	// After 10:00 UTC the contract is expired even though midnight-anchored
	// UTC arithmetic would still see 4.5 hours of life.
	now2 := time.Date(2026, 6, 26, 11, 0, 0, 0, time.UTC)
	e2 := engineAt(&now2)
	e2.SetATMPair(24500, expiry, ce, pe)
	e2.OnSpot(24500)
	e2.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 30})
	now2 = now2.Add(time.Second)
	e2.OnOptionTick(types.Tick{InstrumentKey: pe.Key, LTP: 28})
	snap := e2.Snapshot()
	if snap.CE.IV != 0 || snap.CE.QualityScore != 0 {
		t.Fatalf("expired contract after the IST close still solved: %+v", snap.CE)
	}
}

func TestEngineRetargetDiscardsPrices(t *testing.T) {
	now := time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	e := engineAt(&now)
	ce, pe, expiry := testPair()

	e.SetATMPair(24500, expiry, ce, pe)
	e.OnSpot(24510)
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 182.5})
	now = now.Add(time.Second)
	e.OnOptionTick(types.Tick{InstrumentKey: pe.Key, LTP: 145.2})
	first := e.Snapshot()

	// ATM moves to 24550: stale pair prices must not feed the new strike.
	ce2 := &types.Instrument{Key: "NSE_FO|24550CE", OptionType: types.OptionCE, Strike: 24550, Expiry: expiry}
	pe2 := &types.Instrument{Key: "NSE_FO|24550PE", OptionType: types.OptionPE, Strike: 24550, Expiry: expiry}
	e.SetATMPair(24550, expiry, ce2, pe2)

	now = now.Add(time.Second)
	e.Flush()
	if got := e.Snapshot(); !got.ComputedAt.Equal(first.ComputedAt) {
		t.Fatal("retarget computed before new pair prices arrived")
	}

	// Ticks from the old pair are ignored after retarget.
	e.OnOptionTick(types.Tick{InstrumentKey: ce.Key, LTP: 200})
	now = now.Add(time.Second)
	e.Flush()
	if got := e.Snapshot(); got.ATMStrike != 24500 {
		t.Fatal("old-pair tick advanced the retargeted engine")
	}

	e.OnOptionTick(types.Tick{InstrumentKey: ce2.Key, LTP: 160})
	e.OnOptionTick(types.Tick{InstrumentKey: pe2.Key, LTP: 170})
	snap := e.Snapshot()
	if snap.ATMStrike != 24550 {
		t.Errorf("snapshot strike after retarget = %v", snap.ATMStrike)
	}
}
