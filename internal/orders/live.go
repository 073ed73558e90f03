package orders

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE BACKEND - broker order adapter
// ═══════════════════════════════════════════════════════════════════════════════
//
// Places a market order and polls until it reaches a terminal state inside
// the submission timeout. Partial fills collapse to the weighted-average
// price. If the deadline passes without a terminal state the outcome is
// unknown and the caller must not open a position.
//
// ═══════════════════════════════════════════════════════════════════════════════

const pollInterval = 250 * time.Millisecond

// placeRequest is the broker order payload.
type placeRequest struct {
	InstrumentToken string `json:"instrument_token"`
	Quantity        int    `json:"quantity"`
	Product         string `json:"product"`
	OrderType       string `json:"order_type"`
	TransactionType string `json:"transaction_type"`
	Validity        string `json:"validity"`
}

type placeResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Status string      `json:"status"` // open | complete | rejected | cancelled
		Fills  []orderFill `json:"fills"`
		Reason string      `json:"status_message"`
	} `json:"data"`
}

type orderFill struct {
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Live submits orders to the broker REST API.
type Live struct {
	client   *resty.Client
	throttle *tokenBucket
	now      func() time.Time
}

// NewLive creates a live backend against baseURL with the bearer token.
func NewLive(baseURL, token string) *Live {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetTimeout(submitTimeout)
	return &Live{
		client:   client,
		throttle: newTokenBucket(10, time.Second),
		now:      time.Now,
	}
}

func (l *Live) Name() string { return "live" }

// Submit places the order and waits for a terminal state.
func (l *Live) Submit(ctx context.Context, o Order) (Ack, error) {
	if err := l.throttle.take(ctx); err != nil {
		return Ack{}, err
	}

	var placed placeResponse
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(placeRequest{
			InstrumentToken: o.InstrumentKey,
			Quantity:        o.Qty,
			Product:         "I",
			OrderType:       "MARKET",
			TransactionType: string(o.Side),
			Validity:        "DAY",
		}).
		SetResult(&placed).
		Post("/order/place")
	if err != nil {
		if ctx.Err() != nil {
			return Ack{}, ErrUnknownOutcome
		}
		return Ack{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		l.throttle.drain()
		return Ack{}, fmt.Errorf("broker rate limit on order placement")
	}
	if resp.IsError() {
		return Ack{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if placed.Data.OrderID == "" {
		return Ack{}, fmt.Errorf("place order: broker returned no order id")
	}

	return l.awaitTerminal(ctx, placed.Data.OrderID)
}

// awaitTerminal polls the order until complete or rejected. Running out of
// context is the unknown-outcome case.
func (l *Live) awaitTerminal(ctx context.Context, orderID string) (Ack, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Error().Str("order_id", orderID).Msg("Order outcome unknown past deadline")
			return Ack{}, ErrUnknownOutcome
		case <-ticker.C:
		}

		var st orderStatusResponse
		resp, err := l.client.R().
			SetContext(ctx).
			SetResult(&st).
			Get("/order/details/" + orderID)
		if err != nil {
			if ctx.Err() != nil {
				return Ack{}, ErrUnknownOutcome
			}
			continue // transient, poll again
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			l.throttle.drain()
			continue
		}
		if resp.IsError() {
			continue
		}

		switch st.Data.Status {
		case "complete":
			fill, qty := weightedAverage(st.Data.Fills)
			if qty == 0 {
				return Ack{}, fmt.Errorf("order %s complete with no fills", orderID)
			}
			return Ack{OrderID: orderID, FillPrice: fill, FillTs: l.now()}, nil
		case "rejected", "cancelled":
			return Ack{}, fmt.Errorf("order %s %s: %s", orderID, st.Data.Status, st.Data.Reason)
		}
	}
}

// weightedAverage collapses partial fills to one price.
func weightedAverage(fills []orderFill) (decimal.Decimal, int) {
	var notional decimal.Decimal
	qty := 0
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(decimal.NewFromInt(int64(f.Quantity))))
		qty += f.Quantity
	}
	if qty == 0 {
		return decimal.Zero, 0
	}
	return notional.Div(decimal.NewFromInt(int64(qty))), qty
}

// ═══════════════════════════════════════════════════════════════════════════════
// PER-ENDPOINT THROTTLE
// ═══════════════════════════════════════════════════════════════════════════════

// tokenBucket is a minimal refill bucket. A 429 from the broker drains it so
// subsequent calls back off for a full refill cycle.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	refill time.Duration
	last   time.Time
}

func newTokenBucket(max int, refill time.Duration) *tokenBucket {
	return &tokenBucket{tokens: float64(max), max: float64(max), refill: refill, last: time.Now()}
}

func (b *tokenBucket) take(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() / b.refill.Seconds() * b.max
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.last = now
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *tokenBucket) drain() {
	b.mu.Lock()
	b.tokens = 0
	b.last = time.Now()
	b.mu.Unlock()
}
