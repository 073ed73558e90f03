package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"nifty-options-bot/internal/orders"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT ASSEMBLY + OPERATIONAL COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

// buildSnapshot assembles the outbound view from component accessors. Every
// read is a copy; no component state escapes.
func (e *Engine) buildSnapshot() types.Snapshot {
	e.mu.RLock()
	spot := e.spot
	vix := e.vix
	sig := e.lastSignal
	levels := e.levels
	e.mu.RUnlock()

	openCount := e.positions.OpenCount()
	auth := types.AuthStatus{Authenticated: true}
	if err := e.feed.AuthError(); err != nil {
		auth.Authenticated = false
		auth.ErrorMessage = err.Error()
	}

	return types.Snapshot{
		Ts:         e.now(),
		Spot:       spot,
		Positions:  e.positions.Positions(),
		Signal:     sig,
		Indicators: levels,
		PCR:        e.pcr.Latest(),
		Greeks:     e.greeks.Snapshot(),
		Risk:       e.gate.Summary(openCount),
		Auth:       auth,
		VIX:        vix,
	}
}

// publishSnapshot pushes the current snapshot with drop-oldest semantics: a
// slow consumer loses a snapshot, never a tick.
func (e *Engine) publishSnapshot() {
	snap := e.buildSnapshot()
	select {
	case e.snapCh <- snap:
		return
	default:
	}
	select {
	case <-e.snapCh:
	default:
	}
	select {
	case e.snapCh <- snap:
	default:
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND API
// ═══════════════════════════════════════════════════════════════════════════════

// GetStatus returns the current snapshot.
func (e *Engine) GetStatus() types.Snapshot {
	return e.buildSnapshot()
}

// ClosePosition exits one position manually at the supplied price.
func (e *Engine) ClosePosition(id string, exitPrice decimal.Decimal) (types.Snapshot, error) {
	if !exitPrice.IsPositive() {
		return types.Snapshot{}, fmt.Errorf("invalid exit price %s", exitPrice)
	}
	p, err := e.positions.Close(id, exitPrice, types.ExitManual, e.now())
	if err != nil {
		return types.Snapshot{}, err
	}
	e.onClosed([]types.Position{p})
	return e.buildSnapshot(), nil
}

// SetMode switches execution between PAPER and LIVE.
func (e *Engine) SetMode(mode string) (types.Snapshot, error) {
	switch strings.ToUpper(mode) {
	case "PAPER":
		e.orders.SetBackend(e.paper)
		e.mu.Lock()
		e.cfg.PaperTrading = true
		e.mu.Unlock()
	case "LIVE":
		e.orders.SetBackend(orders.NewLive(e.cfg.OrderAPIURL, e.cfg.AccessToken))
		e.mu.Lock()
		e.cfg.PaperTrading = false
		e.mu.Unlock()
	default:
		return types.Snapshot{}, fmt.Errorf("unknown mode %q, want PAPER or LIVE", mode)
	}
	return e.buildSnapshot(), nil
}

// AddFunds credits the account (and the paper ledger when simulating).
func (e *Engine) AddFunds(amount decimal.Decimal) (types.Snapshot, error) {
	if !amount.IsPositive() {
		return types.Snapshot{}, fmt.Errorf("invalid amount %s", amount)
	}
	e.mu.RLock()
	paperMode := e.cfg.PaperTrading
	e.mu.RUnlock()
	if paperMode {
		if err := e.paper.AddFunds(amount); err != nil {
			return types.Snapshot{}, err
		}
	}
	e.gate.AddFunds(amount)
	log.Info().Str("amount", amount.String()).Msg("Funds added")
	return e.buildSnapshot(), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// INDIA VIX
// ═══════════════════════════════════════════════════════════════════════════════

type vixQuote struct {
	Data struct {
		LastPrice float64 `json:"last_price"`
	} `json:"data"`
}

// refreshVIX polls the optional volatility-index quote endpoint. Display
// only; no trading decision reads it.
func (e *Engine) refreshVIX() {
	if e.cfg.VIXQuoteURL == "" {
		return
	}
	if e.http == nil {
		e.http = resty.New().SetTimeout(5 * time.Second).SetAuthToken(e.cfg.AccessToken)
	}

	resp, err := e.http.R().Get(e.cfg.VIXQuoteURL)
	if err != nil || resp.IsError() {
		log.Debug().Err(err).Msg("VIX quote fetch failed")
		return
	}
	var q vixQuote
	if err := json.Unmarshal(resp.Body(), &q); err != nil || q.Data.LastPrice <= 0 {
		return
	}
	e.mu.Lock()
	e.vix = q.Data.LastPrice
	e.mu.Unlock()
}
