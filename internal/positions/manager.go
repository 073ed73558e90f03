package positions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"nifty-options-bot/internal/metrics"
	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - exit state machine, trailing SL, write-through journal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns every open position. Each state change appends a journal line and the
// close of a trade appends to the trade log, both before the change is
// visible to readers. Stop, target and trailing exits fill at the trigger
// level; square-off and manual exits fill at the supplied price.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	journalFile  = "positions.jsonl"
	tradeLogFile = "trades.jsonl"
)

type tracked struct {
	pos        types.Position
	lastPrice  decimal.Decimal
	reconciled bool // loaded positions wait for a fresh quote
}

// OpenParams describes a fill that becomes a new position.
type OpenParams struct {
	Type          types.OptionType
	InstrumentKey string
	Strike        float64
	EntryPrice    decimal.Decimal
	Qty           int
	LotSize       int
	StopLoss      decimal.Decimal
	Target        decimal.Decimal
	EntryTs       time.Time
}

// Manager is the single writer of position state.
type Manager struct {
	mu sync.Mutex

	open map[string]*tracked

	activationPct decimal.Decimal
	lockFraction  decimal.Decimal

	journalPath string
	tradePath   string
}

// NewManager creates a manager persisting under dataDir and restores any
// journalled open positions. Restored positions ignore exit evaluation until
// a fresh quote arrives for their instrument.
func NewManager(dataDir string, trailingActivationPct, trailingLockFraction float64) (*Manager, error) {
	m := &Manager{
		open:          make(map[string]*tracked),
		activationPct: decimal.NewFromFloat(trailingActivationPct),
		lockFraction:  decimal.NewFromFloat(trailingLockFraction),
		journalPath:   filepath.Join(dataDir, journalFile),
		tradePath:     filepath.Join(dataDir, tradeLogFile),
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore replays the journal: the last line per position id wins.
func (m *Manager) restore() error {
	f, err := os.Open(m.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open position journal: %w", err)
	}
	defer f.Close()

	latest := make(map[string]types.Position)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	dropped := 0
	for sc.Scan() {
		var p types.Position
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil || p.ID == "" {
			dropped++
			continue
		}
		latest[p.ID] = p
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan position journal: %w", err)
	}

	for id, p := range latest {
		if p.Status != types.PositionOpen {
			continue
		}
		m.open[id] = &tracked{pos: p, lastPrice: p.EntryPrice}
		log.Info().
			Str("id", id).
			Str("instrument", p.InstrumentKey).
			Msg("💾 Open position restored, awaiting fresh quote")
	}
	if dropped > 0 {
		log.Warn().Int("lines", dropped).Msg("Corrupt journal lines skipped")
	}
	metrics.OpenPositions.Set(float64(len(m.open)))
	return nil
}

// Open records a freshly filled position and journals it.
func (m *Manager) Open(p OpenParams) (types.Position, error) {
	pos := types.Position{
		ID:               uuid.NewString(),
		Type:             p.Type,
		InstrumentKey:    p.InstrumentKey,
		Strike:           p.Strike,
		EntryTs:          p.EntryTs,
		EntryPrice:       p.EntryPrice,
		Qty:              p.Qty,
		LotSize:          p.LotSize,
		StopLoss:         p.StopLoss,
		OriginalStopLoss: p.StopLoss,
		Target:           p.Target,
		Status:           types.PositionOpen,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendJournalLocked(pos); err != nil {
		return types.Position{}, err
	}
	m.open[pos.ID] = &tracked{pos: pos, lastPrice: p.EntryPrice, reconciled: true}
	metrics.OpenPositions.Set(float64(len(m.open)))

	log.Info().
		Str("id", pos.ID).
		Str("instrument", pos.InstrumentKey).
		Str("entry", pos.EntryPrice.String()).
		Int("qty", pos.Qty).
		Msg("✅ Position opened")
	return pos, nil
}

// OnTick advances every position held on the tick's instrument and returns
// any that closed. The first tick after a restart only reconciles.
func (m *Manager) OnTick(t types.Tick) []types.Position {
	price := decimal.NewFromFloat(t.LTP)
	tickTime := time.UnixMilli(t.Ts)

	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []types.Position
	for id, tr := range m.open {
		if tr.pos.InstrumentKey != t.InstrumentKey {
			continue
		}
		tr.lastPrice = price
		if !tr.reconciled {
			tr.reconciled = true
			log.Info().Str("id", id).Str("price", price.String()).Msg("Position reconciled with live quote")
			continue
		}

		if reason, exitPrice, hit := exitCheck(&tr.pos, price); hit {
			if p, err := m.closeLocked(id, exitPrice, reason, tickTime); err == nil {
				closed = append(closed, p)
			}
			continue
		}
		m.updateTrailingLocked(tr, price)
	}
	return closed
}

// exitCheck applies the exit state machine in priority order. Stop, target
// and trailing exits fill at their trigger level.
func exitCheck(p *types.Position, price decimal.Decimal) (types.ExitReason, decimal.Decimal, bool) {
	if p.TrailingActive && price.LessThanOrEqual(p.TrailingSL) {
		return types.ExitTrailing, p.TrailingSL, true
	}
	if price.GreaterThanOrEqual(p.Target) {
		return types.ExitTarget, p.Target, true
	}
	if price.LessThanOrEqual(p.StopLoss) {
		return types.ExitStopLoss, p.StopLoss, true
	}
	return "", decimal.Zero, false
}

// updateTrailingLocked activates or ratchets the trailing stop. The stop is
// monotone: it never moves away from the price. Caller holds the lock.
func (m *Manager) updateTrailingLocked(tr *tracked, price decimal.Decimal) {
	p := &tr.pos

	if !p.TrailingActive {
		gainPct := price.Sub(p.EntryPrice).Div(p.EntryPrice)
		if gainPct.GreaterThanOrEqual(m.activationPct) {
			p.TrailingActive = true
			p.TrailingSL = p.EntryPrice.Add(price.Sub(p.EntryPrice).Mul(m.lockFraction))
			p.TrailOffset = price.Sub(p.TrailingSL)
			if err := m.appendJournalLocked(*p); err != nil {
				log.Error().Err(err).Str("id", p.ID).Msg("Journal write failed on trailing activation")
			}
			log.Info().
				Str("id", p.ID).
				Str("trailing_sl", p.TrailingSL.String()).
				Msg("Trailing stop activated")
		}
		return
	}

	candidate := price.Sub(p.TrailOffset)
	if candidate.GreaterThan(p.TrailingSL) {
		p.TrailingSL = candidate
		if err := m.appendJournalLocked(*p); err != nil {
			log.Error().Err(err).Str("id", p.ID).Msg("Journal write failed on trailing ratchet")
		}
	}
}

// Close exits one position at the given price with reason MANUAL or
// EOD_SQUARE_OFF semantics (caller supplies the fill).
func (m *Manager) Close(id string, price decimal.Decimal, reason types.ExitReason, now time.Time) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id, price, reason, now)
}

// SquareOffAll closes every open position at its last seen price.
func (m *Manager) SquareOffAll(now time.Time) []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var closed []types.Position
	for _, id := range ids {
		tr := m.open[id]
		if p, err := m.closeLocked(id, tr.lastPrice, types.ExitSquareOff, now); err == nil {
			closed = append(closed, p)
		}
	}
	return closed
}

// closeLocked finalises a position: realised P&L, journal and trade log.
// Caller holds the lock.
func (m *Manager) closeLocked(id string, price decimal.Decimal, reason types.ExitReason, now time.Time) (types.Position, error) {
	tr, ok := m.open[id]
	if !ok {
		return types.Position{}, fmt.Errorf("position %s not open", id)
	}

	p := tr.pos
	p.Status = types.PositionClosed
	p.ExitReason = reason
	p.ExitPrice = price
	p.ExitTs = now
	p.RealisedPnL = price.Sub(p.EntryPrice).Mul(decimal.NewFromInt(int64(p.Qty)))

	if err := m.appendJournalLocked(p); err != nil {
		return types.Position{}, err
	}
	if err := m.appendTradeLocked(p); err != nil {
		return types.Position{}, err
	}

	delete(m.open, id)
	metrics.OpenPositions.Set(float64(len(m.open)))

	log.Info().
		Str("id", id).
		Str("reason", string(reason)).
		Str("exit", price.String()).
		Str("pnl", p.RealisedPnL.String()).
		Msg("✅ Position closed")
	return p, nil
}

// Open positions, copied, sorted by entry time for stable snapshots.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Position, 0, len(m.open))
	for _, tr := range m.open {
		out = append(out, tr.pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTs.Before(out[j].EntryTs) })
	return out
}

// OpenCount returns the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Holds reports whether any open position is on the given instrument.
func (m *Manager) Holds(instrumentKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.open {
		if tr.pos.InstrumentKey == instrumentKey {
			return true
		}
	}
	return false
}

// UnrealisedPnL sums (lastPrice - entry) · qty over open positions.
func (m *Manager) UnrealisedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, tr := range m.open {
		total = total.Add(tr.lastPrice.Sub(tr.pos.EntryPrice).Mul(decimal.NewFromInt(int64(tr.pos.Qty))))
	}
	return total
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRITE-THROUGH PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Manager) appendJournalLocked(p types.Position) error {
	return appendLine(m.journalPath, p)
}

func (m *Manager) appendTradeLocked(p types.Position) error {
	return appendLine(m.tradePath, p)
}

// appendLine appends one JSON line, atomically rewriting through a tempfile
// so a crash mid-write never corrupts previously journalled state.
func appendLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(existing); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
