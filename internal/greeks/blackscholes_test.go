package greeks

import (
	"errors"
	"math"
	"testing"

	"nifty-options-bot/types"
)

func atmInputs(typ types.OptionType) Inputs {
	return Inputs{
		Spot:     24500,
		Strike:   24500,
		T:        10.0 / 365,
		RiskFree: 0.06,
		Type:     typ,
	}
}

func TestImpliedVolRecoversSigma(t *testing.T) {
	for _, typ := range []types.OptionType{types.OptionCE, types.OptionPE} {
		in := atmInputs(typ)
		for _, sigma := range []float64{0.10, 0.18, 0.45, 0.90} {
			price := Price(in, sigma)
			got, err := ImpliedVol(in, price)
			if err != nil {
				t.Fatalf("%s sigma=%v: %v", typ, sigma, err)
			}
			if math.Abs(got-sigma) > 1e-4 {
				t.Errorf("%s: recovered %v, want %v", typ, got, sigma)
			}
		}
	}
}

func TestPutCallParity(t *testing.T) {
	ce := atmInputs(types.OptionCE)
	pe := atmInputs(types.OptionPE)
	sigma := 0.18

	lhs := Price(ce, sigma) - Price(pe, sigma)
	rhs := ce.Spot - ce.Strike*math.Exp(-ce.RiskFree*ce.T)
	if math.Abs(lhs-rhs) > 1e-9 {
		t.Errorf("parity violated: C-P = %v, S-K·e^-rT = %v", lhs, rhs)
	}
}

func TestExpiredContractRejected(t *testing.T) {
	in := atmInputs(types.OptionCE)
	in.T = 0

	leg, err := Compute(in, 120)
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ErrNotConverged on T=0, got %v", err)
	}
	if leg.QualityScore != 0 {
		t.Errorf("expired contract quality = %d, want 0", leg.QualityScore)
	}
	if leg.Delta != 0 || leg.IV != 0 {
		t.Errorf("expired contract greeks should be zeroed: %+v", leg)
	}
}

func TestGreekSignsAndScales(t *testing.T) {
	sigma := 0.18

	ceIn := atmInputs(types.OptionCE)
	ce, err := Compute(ceIn, Price(ceIn, sigma))
	if err != nil {
		t.Fatalf("CE compute: %v", err)
	}
	peIn := atmInputs(types.OptionPE)
	pe, err := Compute(peIn, Price(peIn, sigma))
	if err != nil {
		t.Fatalf("PE compute: %v", err)
	}

	if ce.Delta <= 0.4 || ce.Delta >= 0.7 {
		t.Errorf("ATM call delta = %v", ce.Delta)
	}
	if pe.Delta >= -0.3 || pe.Delta <= -0.6 {
		t.Errorf("ATM put delta = %v", pe.Delta)
	}
	// Delta parity: call delta - put delta = 1 without dividends.
	if math.Abs(ce.Delta-pe.Delta-1) > 1e-9 {
		t.Errorf("delta parity: %v - %v", ce.Delta, pe.Delta)
	}

	if ce.Theta >= 0 || pe.Theta >= 0 {
		t.Errorf("long option theta must be negative: CE %v PE %v", ce.Theta, pe.Theta)
	}
	// Theta is per day; an ATM weekly Nifty option decays tens of points a
	// day, not thousands.
	if ce.Theta < -200 {
		t.Errorf("theta looks annualised: %v", ce.Theta)
	}

	if ce.Gamma <= 0 || math.Abs(ce.Gamma-pe.Gamma) > 1e-12 {
		t.Errorf("gamma: CE %v PE %v", ce.Gamma, pe.Gamma)
	}
	if ce.Vega <= 0 || math.Abs(ce.Vega-pe.Vega) > 1e-12 {
		t.Errorf("vega: CE %v PE %v", ce.Vega, pe.Vega)
	}
}

func TestQualityScoreBuckets(t *testing.T) {
	// ATM, 10 days out, 18% vol: top moneyness, expiry and IV buckets.
	in := atmInputs(types.OptionCE)
	leg, err := Compute(in, Price(in, 0.18))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if leg.QualityScore < 80 {
		t.Errorf("healthy ATM contract quality = %d, want >= 80", leg.QualityScore)
	}

	// Deep OTM, same-day expiry: low buckets everywhere.
	far := Inputs{Spot: 24500, Strike: 31000, T: 0.4 / 365, RiskFree: 0.06, Type: types.OptionCE}
	if legFar, err := Compute(far, 0.05); err == nil {
		if legFar.QualityScore >= leg.QualityScore {
			t.Errorf("deep OTM expiring quality %d should be below ATM %d",
				legFar.QualityScore, leg.QualityScore)
		}
	}
}

func TestImpliedVolSeedClipped(t *testing.T) {
	// A price below intrinsic has zero time value; the seed clips to the
	// floor and the solver still behaves (converging or failing cleanly).
	in := atmInputs(types.OptionCE)
	in.Strike = 24000 // intrinsic 500
	if iv, err := ImpliedVol(in, 480); err == nil && (iv < ivSeedMin || iv > ivSeedMax+1) {
		t.Errorf("solver wandered out of range: %v", iv)
	}
}
