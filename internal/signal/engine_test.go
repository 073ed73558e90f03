package signal

import (
	"math"
	"strings"
	"testing"
	"time"

	"nifty-options-bot/internal/market"
	"nifty-options-bot/types"
)

func bullishInputs(now time.Time) Inputs {
	return Inputs{
		Supertrend:     market.TrendBullish,
		SupertrendBull: true,
		EMA5:           24520,
		EMA20:          24480,
		RSI:            61,
		ATRPct:         0.35,
		Greeks: types.GreeksSnapshot{
			CE: types.GreeksLeg{QualityScore: 85, Delta: 0.52, Theta: -15},
			PE: types.GreeksLeg{QualityScore: 85, Delta: -0.48, Theta: -14},
		},
		PCR:           types.PCRState{PCR: 0.82, Defined: true},
		CurrentVolume: 52000,
		AvgVolume:     45000,
		Now:           now,
	}
}

func bearishInputs(now time.Time) Inputs {
	in := bullishInputs(now)
	in.Supertrend = market.TrendBearish
	in.SupertrendBull = false
	in.SupertrendBear = true
	in.EMA5 = 24440
	in.RSI = 38
	in.PCR = types.PCRState{PCR: 1.22, Defined: true}
	return in
}

func TestAllFiltersPassEmitsBuyCE(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	sig := e.Evaluate(bullishInputs(now))
	if sig.Kind != types.SignalBuyCE {
		t.Fatalf("kind = %s, reason = %s", sig.Kind, sig.Reason)
	}
	if sig.Confidence != 100 {
		t.Errorf("confidence = %v, want 100", sig.Confidence)
	}
	if len(sig.Checks) != 8 {
		t.Errorf("checks = %d lines, want 8", len(sig.Checks))
	}
	for _, c := range sig.Checks {
		if !c.Passed {
			t.Errorf("filter %s failed: %s", c.Name, c.Observed)
		}
	}
	if sig.Diagnostic != "" {
		t.Errorf("clean signal carries diagnostic %q", sig.Diagnostic)
	}
}

func TestSingleFilterFailureHolds(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	in := bullishInputs(now)
	in.RSI = 47 // below the CE threshold, above the PE one fails too

	sig := e.Evaluate(in)
	if sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want HOLD", sig.Kind)
	}
	if sig.Confidence != 87.5 {
		t.Errorf("confidence = %v, want 87.5 (7/8)", sig.Confidence)
	}
	if sig.Filters.RSI {
		t.Error("RSI filter should be the failing one")
	}
	found := false
	for _, c := range sig.Checks {
		if c.Name == "rsi" && !c.Passed {
			found = true
		}
	}
	if !found {
		t.Error("reasoning does not show the failed RSI check")
	}
}

func TestNaNFailsClosed(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	in := bullishInputs(now)
	in.RSI = math.NaN()
	in.ATRPct = math.NaN()
	in.AvgVolume = math.NaN()

	sig := e.Evaluate(in)
	if sig.Kind != types.SignalHold {
		t.Fatalf("kind = %s, want HOLD on NaN inputs", sig.Kind)
	}
	if sig.Filters.RSI || sig.Filters.Volatility || sig.Filters.Volume {
		t.Errorf("NaN inputs passed filters: %+v", sig.Filters)
	}
}

func TestUndefinedPCRFailsBothDirections(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	ce := bullishInputs(now)
	ce.PCR = types.PCRState{}
	if sig := e.Evaluate(ce); sig.Kind != types.SignalHold || sig.Filters.PCR {
		t.Errorf("undefined PCR passed for CE: %+v", sig.Filters)
	}

	pe := bearishInputs(now)
	pe.PCR = types.PCRState{}
	if sig := e.Evaluate(pe); sig.Kind != types.SignalHold || sig.Filters.PCR {
		t.Errorf("undefined PCR passed for PE: %+v", sig.Filters)
	}
}

func TestCooldownSuppressesSameKind(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	if sig := e.Evaluate(bullishInputs(now)); sig.Kind != types.SignalBuyCE {
		t.Fatalf("first signal = %s", sig.Kind)
	}

	// 60s later the same setup is suppressed but visible in the reasoning.
	again := e.Evaluate(bullishInputs(now.Add(60 * time.Second)))
	if again.Kind != types.SignalHold {
		t.Fatalf("cooldown did not suppress: %s", again.Kind)
	}
	if again.Diagnostic != DiagCooldown {
		t.Errorf("diagnostic = %q, want %q", again.Diagnostic, DiagCooldown)
	}
	if !strings.Contains(again.Reason, "BUY_CE") {
		t.Errorf("reason hides the would-be signal: %q", again.Reason)
	}

	// Past the cooldown the signal flows again.
	after := e.Evaluate(bullishInputs(now.Add(121 * time.Second)))
	if after.Kind != types.SignalBuyCE {
		t.Errorf("signal after cooldown = %s", after.Kind)
	}
}

func TestCooldownDoesNotBlockOppositeKind(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	if sig := e.Evaluate(bullishInputs(now)); sig.Kind != types.SignalBuyCE {
		t.Fatalf("first signal = %s", sig.Kind)
	}
	sig := e.Evaluate(bearishInputs(now.Add(30 * time.Second)))
	if sig.Kind != types.SignalBuyPE {
		t.Errorf("opposite direction blocked by cooldown: %s (%s)", sig.Kind, sig.Reason)
	}
}

func TestBearishPath(t *testing.T) {
	e := NewEngine(120 * time.Second)
	now := time.Date(2026, 6, 16, 10, 30, 0, 0, time.UTC)

	sig := e.Evaluate(bearishInputs(now))
	if sig.Kind != types.SignalBuyPE {
		t.Fatalf("kind = %s, reason = %s", sig.Kind, sig.Reason)
	}
	if sig.Confidence != 100 {
		t.Errorf("confidence = %v", sig.Confidence)
	}
}
