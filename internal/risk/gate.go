package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"nifty-options-bot/config"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - daily loss, concurrency, window and sizing policy
// ═══════════════════════════════════════════════════════════════════════════════

// Rejection reasons, surfaced verbatim to downstream consumers.
const (
	RejectDailyLoss     = "DAILY_LOSS_LIMIT"
	RejectMaxConcurrent = "MAX_CONCURRENT"
	RejectOutOfWindow   = "OUT_OF_WINDOW"
	RejectRiskExceeded  = "RISK_EXCEEDED"
	RejectSizeTooSmall  = "SIZE_TOO_SMALL"
)

// Rejection is a named refusal from the gate.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// Approval carries the sized order parameters for an accepted signal.
type Approval struct {
	Qty        int // contracts, a multiple of lot size
	StopLoss   decimal.Decimal
	Target     decimal.Decimal
	RiskAmount decimal.Decimal
}

// Gate owns the account risk state. It is the single writer of daily P&L and
// the trading-allowed flag.
type Gate struct {
	mu sync.RWMutex

	lossLimitPct    float64
	maxConcurrent   int
	riskPerTradePct float64
	stopLossPct     float64
	targetPct       float64

	windowStart config.Clock // session start + warmup
	windowEnd   config.Clock // session end - square-off

	balance   decimal.Decimal
	dailyPnL  decimal.Decimal
	lossLimit decimal.Decimal
	allowed   bool
	day       string
}

// NewGate builds a gate from configuration. The trading window is the session
// shrunk by the warmup and square-off margins.
func NewGate(cfg *config.Config) *Gate {
	start, _ := config.ParseClock(cfg.SessionStart)
	end, _ := config.ParseClock(cfg.SessionEnd)
	g := &Gate{
		lossLimitPct:    cfg.DailyLossLimitPct,
		maxConcurrent:   cfg.MaxConcurrentPos,
		riskPerTradePct: cfg.RiskPerTradePct,
		stopLossPct:     cfg.StopLossPct,
		targetPct:       cfg.TargetPct,
		windowStart:     start.Add(cfg.WarmupWindow),
		windowEnd:       end.Add(-cfg.SquareOffWindow),
		balance:         cfg.InitialCapital,
		allowed:         true,
	}
	g.lossLimit = g.balance.Mul(decimal.NewFromFloat(g.lossLimitPct))
	return g
}

// Check evaluates the rejection rules in order and sizes the trade on
// approval. entry is the candidate entry premium.
func (g *Gate) Check(entry decimal.Decimal, lotSize, openCount int, now time.Time) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)

	if !g.allowed {
		return Approval{}, &Rejection{Reason: RejectDailyLoss}
	}
	if openCount >= g.maxConcurrent {
		return Approval{}, &Rejection{Reason: RejectMaxConcurrent}
	}
	clock := config.MinutesOfDay(now)
	if clock < g.windowStart || clock > g.windowEnd {
		return Approval{}, &Rejection{Reason: RejectOutOfWindow}
	}

	stopLoss := entry.Mul(decimal.NewFromFloat(1 - g.stopLossPct))
	target := entry.Mul(decimal.NewFromFloat(1 + g.targetPct))
	perUnit := entry.Sub(stopLoss)
	budget := g.balance.Mul(decimal.NewFromFloat(g.riskPerTradePct))

	if lotSize <= 0 || !perUnit.IsPositive() {
		return Approval{}, &Rejection{Reason: RejectSizeTooSmall}
	}
	if perUnit.Mul(decimal.NewFromInt(int64(lotSize))).GreaterThan(budget) {
		return Approval{}, &Rejection{Reason: RejectRiskExceeded}
	}

	qty := int(budget.Div(perUnit).IntPart())
	qty -= qty % lotSize
	if qty < lotSize {
		return Approval{}, &Rejection{Reason: RejectSizeTooSmall}
	}

	return Approval{
		Qty:        qty,
		StopLoss:   stopLoss,
		Target:     target,
		RiskAmount: perUnit.Mul(decimal.NewFromInt(int64(qty))),
	}, nil
}

// OnTradeClosed folds a realised P&L into the daily total; breaching the loss
// limit disables trading for the rest of the day.
func (g *Gate) OnTradeClosed(pnl decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)

	g.dailyPnL = g.dailyPnL.Add(pnl)
	g.balance = g.balance.Add(pnl)

	if g.allowed && g.dailyPnL.Neg().GreaterThanOrEqual(g.lossLimit) {
		g.allowed = false
		log.Warn().
			Str("daily_pnl", g.dailyPnL.String()).
			Str("limit", g.lossLimit.String()).
			Msg("🛡️ Daily loss limit breached, trading halted for the day")
	}
}

// AddFunds credits the balance. The loss limit is not recomputed mid-day.
func (g *Gate) AddFunds(amount decimal.Decimal) {
	g.mu.Lock()
	g.balance = g.balance.Add(amount)
	g.mu.Unlock()
}

// SetBalance replaces the balance, used when restoring a persisted ledger.
func (g *Gate) SetBalance(balance decimal.Decimal) {
	g.mu.Lock()
	g.balance = balance
	g.lossLimit = balance.Mul(decimal.NewFromFloat(g.lossLimitPct))
	g.mu.Unlock()
}

// Balance returns the current account balance.
func (g *Gate) Balance() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.balance
}

// Summary returns the risk view for the snapshot.
func (g *Gate) Summary(openCount int) types.RiskSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return types.RiskSummary{
		DailyPnL:       g.dailyPnL,
		LossLimit:      g.lossLimit,
		TradingAllowed: g.allowed,
		OpenCount:      openCount,
		Balance:        g.balance,
	}
}

// rollDay resets daily accounting on the first event of a new session day.
// Caller holds the lock.
func (g *Gate) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if day == g.day {
		return
	}
	if g.day != "" {
		log.Info().Str("day", day).Str("prev_pnl", g.dailyPnL.String()).Msg("Session day rolled, risk state reset")
	}
	g.day = day
	g.dailyPnL = decimal.Zero
	g.allowed = true
	g.lossLimit = g.balance.Mul(decimal.NewFromFloat(g.lossLimitPct))
}
