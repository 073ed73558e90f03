package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BACKEND - synchronous simulated fills against a cash ledger
// ═══════════════════════════════════════════════════════════════════════════════

const ledgerFile = "paper_account.json"

// ledgerState is the on-disk shape of the paper account.
type ledgerState struct {
	Balance decimal.Decimal `json:"balance"`
	Updated time.Time       `json:"updated"`
}

// Paper fills orders instantly at market price adjusted by slippage and
// tracks a process-local cash ledger persisted on every change.
type Paper struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	slippage decimal.Decimal
	path     string
	now      func() time.Time
}

// NewPaper creates a paper backend. If a persisted ledger exists under
// dataDir it wins over initialBalance.
func NewPaper(dataDir string, initialBalance decimal.Decimal, slippagePct float64) (*Paper, error) {
	p := &Paper{
		balance:  initialBalance,
		slippage: decimal.NewFromFloat(slippagePct),
		path:     filepath.Join(dataDir, ledgerFile),
		now:      time.Now,
	}

	data, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		var st ledgerState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("corrupt paper ledger %s: %w", p.path, err)
		}
		p.balance = st.Balance
		log.Info().Str("balance", p.balance.String()).Msg("💾 Paper ledger restored")
	case os.IsNotExist(err):
		if err := p.persistLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read paper ledger: %w", err)
	}
	return p, nil
}

func (p *Paper) Name() string { return "paper" }

// Submit fills synchronously: buys at market·(1+slippage), sells at
// market·(1-slippage), and moves the ledger.
func (p *Paper) Submit(_ context.Context, o Order) (Ack, error) {
	if o.Qty <= 0 || !o.MarketPrice.IsPositive() {
		return Ack{}, fmt.Errorf("invalid paper order: qty=%d price=%s", o.Qty, o.MarketPrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	one := decimal.NewFromInt(1)
	var fill decimal.Decimal
	if o.Side == SideBuy {
		fill = o.MarketPrice.Mul(one.Add(p.slippage))
	} else {
		fill = o.MarketPrice.Mul(one.Sub(p.slippage))
	}
	notional := fill.Mul(decimal.NewFromInt(int64(o.Qty)))

	if o.Side == SideBuy {
		if notional.GreaterThan(p.balance) {
			return Ack{}, fmt.Errorf("insufficient paper balance: need %s, have %s", notional, p.balance)
		}
		p.balance = p.balance.Sub(notional)
	} else {
		p.balance = p.balance.Add(notional)
	}

	if err := p.persistLocked(); err != nil {
		// Roll the ledger back so memory and disk never diverge.
		if o.Side == SideBuy {
			p.balance = p.balance.Add(notional)
		} else {
			p.balance = p.balance.Sub(notional)
		}
		return Ack{}, err
	}

	return Ack{
		OrderID:   uuid.NewString(),
		FillPrice: fill,
		FillTs:    p.now(),
	}, nil
}

// Balance returns the current ledger balance.
func (p *Paper) Balance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// AddFunds credits the ledger and persists.
func (p *Paper) AddFunds(amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = p.balance.Add(amount)
	return p.persistLocked()
}

// persistLocked writes the ledger atomically. Caller holds the lock.
func (p *Paper) persistLocked() error {
	data, err := json.MarshalIndent(ledgerState{Balance: p.balance, Updated: p.now()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write paper ledger: %w", err)
	}
	return os.Rename(tmp, p.path)
}
