package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"nifty-options-bot/internal/metrics"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER MANAGER - one submission contract, paper and live back-ends
// ═══════════════════════════════════════════════════════════════════════════════

// Side of an order. The engine only ever buys to open and sells to close.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ErrUnknownOutcome flags an order whose terminal state was not observed
// within the submission timeout. The caller must not create a position and
// must surface the order for operator action.
var ErrUnknownOutcome = errors.New("order outcome unknown, operator action required")

// submitTimeout bounds one submission end to end.
const submitTimeout = 5 * time.Second

// idempotencyTTL is how long a token maps to its original ack.
const idempotencyTTL = 60 * time.Second

// Order is one submission request. Token is the caller-supplied idempotency
// key; resubmitting the same token within the TTL returns the original ack.
type Order struct {
	Token         string
	InstrumentKey string
	Symbol        string
	Side          Side
	Qty           int
	MarketPrice   decimal.Decimal
}

// Ack is the terminal fill confirmation.
type Ack struct {
	OrderID   string
	FillPrice decimal.Decimal
	FillTs    time.Time
}

// Backend executes orders. Implementations: paper simulator, live broker.
type Backend interface {
	Name() string
	Submit(ctx context.Context, o Order) (Ack, error)
}

type cachedAck struct {
	ack Ack
	at  time.Time
}

// Manager fronts a backend with idempotency and the submission timeout.
// The backend can be swapped at runtime (setMode PAPER|LIVE).
type Manager struct {
	mu      sync.Mutex
	backend Backend
	recent  map[string]cachedAck
	now     func() time.Time
}

// NewManager wraps backend with idempotency caching.
func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		recent:  make(map[string]cachedAck),
		now:     time.Now,
	}
}

// SetBackend swaps the execution backend. In-flight orders keep the backend
// they started on.
func (m *Manager) SetBackend(backend Backend) {
	m.mu.Lock()
	m.backend = backend
	m.mu.Unlock()
	log.Info().Str("backend", backend.Name()).Msg("Order backend switched")
}

// BackendName returns the active backend's name.
func (m *Manager) BackendName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Name()
}

// Submit executes one order. A duplicate token within the idempotency TTL
// returns the original ack without touching the backend.
func (m *Manager) Submit(ctx context.Context, o Order) (Ack, error) {
	m.mu.Lock()
	m.pruneLocked()
	if o.Token != "" {
		if hit, ok := m.recent[o.Token]; ok {
			m.mu.Unlock()
			log.Debug().Str("token", o.Token).Msg("Duplicate submission, returning cached ack")
			return hit.ack, nil
		}
	}
	backend := m.backend
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	ack, err := backend.Submit(ctx, o)
	outcome := "filled"
	if err != nil {
		outcome = "rejected"
		if errors.Is(err, ErrUnknownOutcome) {
			outcome = "unknown"
		}
	}
	metrics.OrdersSubmitted.WithLabelValues(backend.Name(), outcome).Inc()
	if err != nil {
		return Ack{}, err
	}

	if o.Token != "" {
		m.mu.Lock()
		m.recent[o.Token] = cachedAck{ack: ack, at: m.now()}
		m.mu.Unlock()
	}
	return ack, nil
}

// pruneLocked drops expired idempotency entries. Caller holds the lock.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-idempotencyTTL)
	for token, c := range m.recent {
		if c.at.Before(cutoff) {
			delete(m.recent, token)
		}
	}
}
