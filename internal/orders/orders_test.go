package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// stubBackend counts submissions and returns a fixed ack.
type stubBackend struct {
	calls int32
	err   error
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Submit(_ context.Context, o Order) (Ack, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return Ack{}, s.err
	}
	return Ack{
		OrderID:   fmt.Sprintf("ord-%d", n),
		FillPrice: o.MarketPrice,
		FillTs:    time.Unix(1718000000, 0),
	}, nil
}

func TestIdempotentResubmission(t *testing.T) {
	stub := &stubBackend{}
	m := NewManager(stub)

	o := Order{Token: "tok-1", InstrumentKey: "NSE_FO|24500CE", Side: SideBuy, Qty: 75, MarketPrice: decimal.NewFromInt(100)}

	first, err := m.Submit(context.Background(), o)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := m.Submit(context.Background(), o)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.OrderID != second.OrderID {
		t.Errorf("acks differ: %s vs %s", first.OrderID, second.OrderID)
	}
	if got := atomic.LoadInt32(&stub.calls); got != 1 {
		t.Errorf("backend hit %d times, want 1", got)
	}
}

func TestIdempotencyTokenExpires(t *testing.T) {
	stub := &stubBackend{}
	m := NewManager(stub)
	now := time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	o := Order{Token: "tok-1", Side: SideBuy, Qty: 75, MarketPrice: decimal.NewFromInt(100)}
	if _, err := m.Submit(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	now = now.Add(61 * time.Second)
	if _, err := m.Submit(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&stub.calls); got != 2 {
		t.Errorf("backend hit %d times, want 2 after TTL", got)
	}
}

func TestRejectedOrderNotCached(t *testing.T) {
	stub := &stubBackend{err: errors.New("broker says no")}
	m := NewManager(stub)

	o := Order{Token: "tok-1", Side: SideBuy, Qty: 75, MarketPrice: decimal.NewFromInt(100)}
	if _, err := m.Submit(context.Background(), o); err == nil {
		t.Fatal("expected rejection")
	}

	stub.err = nil
	if _, err := m.Submit(context.Background(), o); err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
	if got := atomic.LoadInt32(&stub.calls); got != 2 {
		t.Errorf("backend hit %d times, want 2", got)
	}
}

func TestPaperFillsWithSlippage(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPaper(dir, decimal.NewFromInt(100000), 0.0005)
	if err != nil {
		t.Fatal(err)
	}

	buy, err := p.Submit(context.Background(), Order{Side: SideBuy, Qty: 100, MarketPrice: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.FillPrice.Equal(decimal.NewFromFloat(100.05)) {
		t.Errorf("buy fill = %s, want 100.05", buy.FillPrice)
	}
	// 100000 - 100.05*100 = 89995
	if !p.Balance().Equal(decimal.NewFromInt(89995)) {
		t.Errorf("balance after buy = %s", p.Balance())
	}

	sell, err := p.Submit(context.Background(), Order{Side: SideSell, Qty: 100, MarketPrice: decimal.NewFromInt(120)})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.FillPrice.Equal(decimal.NewFromFloat(119.94)) {
		t.Errorf("sell fill = %s, want 119.94", sell.FillPrice)
	}
}

func TestPaperRejectsOverdraft(t *testing.T) {
	p, err := NewPaper(t.TempDir(), decimal.NewFromInt(1000), 0)
	if err != nil {
		t.Fatal(err)
	}
	before := p.Balance()
	if _, err := p.Submit(context.Background(), Order{Side: SideBuy, Qty: 100, MarketPrice: decimal.NewFromInt(50)}); err == nil {
		t.Fatal("overdraft accepted")
	}
	if !p.Balance().Equal(before) {
		t.Errorf("rejected order moved the ledger: %s", p.Balance())
	}
}

func TestPaperLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPaper(dir, decimal.NewFromInt(100000), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(context.Background(), Order{Side: SideBuy, Qty: 100, MarketPrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	want := p.Balance()

	// Ledger on disk is valid JSON written atomically, no stray tempfile.
	if _, err := os.Stat(filepath.Join(dir, ledgerFile+".tmp")); !os.IsNotExist(err) {
		t.Error("tempfile left behind after persist")
	}

	restored, err := NewPaper(dir, decimal.NewFromInt(999), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !restored.Balance().Equal(want) {
		t.Errorf("restored balance = %s, want %s", restored.Balance(), want)
	}
}

func TestLiveCollapsesPartialFills(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/order/place":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data":   map[string]any{"order_id": "OID-1"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/order/details/OID-1":
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data": map[string]any{
					"status": "complete",
					"fills": []map[string]any{
						{"quantity": 50, "price": 100},
						{"quantity": 25, "price": 103},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLive(srv.URL, "token")
	ack, err := l.Submit(context.Background(), Order{InstrumentKey: "NSE_FO|24500CE", Side: SideBuy, Qty: 75})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.OrderID != "OID-1" {
		t.Errorf("order id = %s", ack.OrderID)
	}
	want := decimal.NewFromInt(101) // (50·100 + 25·103) / 75
	if !ack.FillPrice.Equal(want) {
		t.Errorf("fill = %s, want %s", ack.FillPrice, want)
	}
}

func TestLiveUnknownBeyondDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data":   map[string]any{"order_id": "OID-2"},
			})
			return
		}
		// Order never reaches a terminal state.
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"status": "open"},
		})
	}))
	defer srv.Close()

	l := NewLive(srv.URL, "token")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := l.Submit(ctx, Order{Side: SideBuy, Qty: 75}); !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("expected ErrUnknownOutcome, got %v", err)
	}
}

func TestLiveRejectionSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data":   map[string]any{"order_id": "OID-3"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"status": "rejected", "status_message": "RMS check failed"},
		})
	}))
	defer srv.Close()

	l := NewLive(srv.URL, "token")
	_, err := l.Submit(context.Background(), Order{Side: SideBuy, Qty: 75})
	if err == nil || errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("expected a broker rejection, got %v", err)
	}
}
