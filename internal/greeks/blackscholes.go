package greeks

import (
	"errors"
	"math"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BLACK-SCHOLES - European pricing, implied vol, quality scoring
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotConverged is returned when the implied-vol solver exhausts its
// iteration budget without meeting tolerance.
var ErrNotConverged = errors.New("implied volatility did not converge")

const (
	ivMaxIterations = 100
	ivTolerance     = 1e-5
	ivSeedMin       = 0.01
	ivSeedMax       = 2.0
	vegaFloor       = 1e-10
)

// Inputs are the pricing parameters for one option leg. T is time to expiry
// in years, RiskFree the annualised rate. No dividend yield.
type Inputs struct {
	Spot     float64
	Strike   float64
	T        float64
	RiskFree float64
	Type     types.OptionType
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func d1d2(in Inputs, sigma float64) (float64, float64) {
	d1 := (math.Log(in.Spot/in.Strike) + (in.RiskFree+sigma*sigma/2)*in.T) / (sigma * math.Sqrt(in.T))
	return d1, d1 - sigma*math.Sqrt(in.T)
}

// Price returns the Black-Scholes value of the option at volatility sigma.
func Price(in Inputs, sigma float64) float64 {
	d1, d2 := d1d2(in, sigma)
	disc := math.Exp(-in.RiskFree * in.T)
	if in.Type == types.OptionCE {
		return in.Spot*normCDF(d1) - in.Strike*disc*normCDF(d2)
	}
	return in.Strike*disc*normCDF(-d2) - in.Spot*normCDF(-d1)
}

// Vega returns dPrice/dSigma (per unit vol, not per 1%).
func Vega(in Inputs, sigma float64) float64 {
	d1, _ := d1d2(in, sigma)
	return in.Spot * normPDF(d1) * math.Sqrt(in.T)
}

// ImpliedVol solves for the volatility that reproduces marketPrice by
// Newton-Raphson. The seed scales the option's time value against spot,
// which lands close for near-the-money contracts.
func ImpliedVol(in Inputs, marketPrice float64) (float64, error) {
	if in.T <= 0 {
		return 0, ErrNotConverged
	}

	intrinsic := 0.0
	if in.Type == types.OptionCE {
		intrinsic = math.Max(in.Spot-in.Strike, 0)
	} else {
		intrinsic = math.Max(in.Strike-in.Spot, 0)
	}
	timeValue := math.Max(marketPrice-intrinsic, 0)

	sigma := math.Sqrt(2*math.Pi/in.T) * timeValue / in.Spot
	sigma = math.Min(math.Max(sigma, ivSeedMin), ivSeedMax)

	for i := 0; i < ivMaxIterations; i++ {
		diff := Price(in, sigma) - marketPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}
		vega := Vega(in, sigma)
		if vega < vegaFloor {
			return 0, ErrNotConverged
		}
		sigma -= diff / vega
		if sigma <= 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
			return 0, ErrNotConverged
		}
	}
	return 0, ErrNotConverged
}

// Compute solves IV from the market price and returns the full leg. On T <= 0
// or solver failure the leg is zeroed with QualityScore 0 and the error set.
func Compute(in Inputs, marketPrice float64) (types.GreeksLeg, error) {
	iv, err := ImpliedVol(in, marketPrice)
	if err != nil {
		return types.GreeksLeg{Price: marketPrice}, err
	}

	d1, d2 := d1d2(in, iv)
	disc := math.Exp(-in.RiskFree * in.T)
	sqrtT := math.Sqrt(in.T)

	leg := types.GreeksLeg{
		IV:    iv,
		Price: marketPrice,
		Gamma: normPDF(d1) / (in.Spot * iv * sqrtT),
		Vega:  in.Spot * normPDF(d1) * sqrtT / 100, // per 1% vol
	}

	if in.Type == types.OptionCE {
		leg.Delta = normCDF(d1)
		leg.Theta = (-in.Spot*normPDF(d1)*iv/(2*sqrtT) - in.RiskFree*in.Strike*disc*normCDF(d2)) / 365
		leg.Rho = in.Strike * in.T * disc * normCDF(d2) / 100
	} else {
		leg.Delta = normCDF(d1) - 1
		leg.Theta = (-in.Spot*normPDF(d1)*iv/(2*sqrtT) + in.RiskFree*in.Strike*disc*normCDF(-d2)) / 365
		leg.Rho = -in.Strike * in.T * disc * normCDF(-d2) / 100
	}

	leg.QualityScore = qualityScore(in, leg)
	return leg, nil
}

// qualityScore grades a solved leg 0..100 on moneyness, expiry distance,
// IV plausibility and greek stability.
func qualityScore(in Inputs, leg types.GreeksLeg) int {
	score := 0

	moneyness := math.Abs(in.Spot-in.Strike) / in.Spot * 100
	switch {
	case moneyness < 1:
		score += 30
	case moneyness < 5:
		score += 25
	case moneyness < 10:
		score += 20
	case moneyness < 20:
		score += 10
	}

	days := in.T * 365
	switch {
	case days >= 5 && days <= 30:
		score += 30
	case (days >= 2 && days < 5) || (days > 30 && days <= 60):
		score += 20
	case (days >= 1 && days < 2) || (days > 60 && days <= 90):
		score += 10
	}

	ivPct := leg.IV * 100
	switch {
	case ivPct >= 10 && ivPct <= 100:
		score += 20
	case (ivPct >= 5 && ivPct < 10) || (ivPct > 100 && ivPct <= 150):
		score += 10
	}

	switch {
	case leg.Gamma >= 1e-4 && leg.Gamma <= 1e-2 && leg.Vega >= 1e-2 && leg.Vega <= 1:
		score += 20
	case leg.Gamma > 0 && leg.Vega > 0:
		score += 10
	}

	return score
}
