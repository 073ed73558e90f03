package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE MIRROR - relational copy of closed trades for querying and dashboards
// ═══════════════════════════════════════════════════════════════════════════════
//
// The JSONL trade log is the source of truth; this mirror is best-effort and
// a write failure never blocks the trading path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Trade is the relational row for one closed trade.
type Trade struct {
	ID            uint   `gorm:"primaryKey"`
	PositionID    string `gorm:"uniqueIndex;size:64"`
	InstrumentKey string `gorm:"index;size:64"`
	OptionType    string `gorm:"size:4"`
	Strike        float64
	Qty           int
	EntryPrice    string `gorm:"size:32"` // decimal strings, exact
	ExitPrice     string `gorm:"size:32"`
	RealisedPnL   string `gorm:"size:32"`
	ExitReason    string `gorm:"size:24"`
	EntryTs       time.Time
	ExitTs        time.Time
	CreatedAt     time.Time
}

// DailyStat is the per-session aggregate row, upserted at square-off.
type DailyStat struct {
	ID          uint   `gorm:"primaryKey"`
	Day         string `gorm:"uniqueIndex;size:10"`
	Trades      int
	RealisedPnL string `gorm:"size:32"`
	UpdatedAt   time.Time
}

// Store mirrors closed trades into sqlite or postgres. A nil *Store (mirror
// disabled) is safe to call.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by path: a postgres:// URL or a sqlite
// file path. Empty path disables the mirror and returns nil.
func Open(path string) (*Store, error) {
	if path == "" {
		log.Info().Msg("Trade mirror disabled")
		return nil, nil
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		dialector = postgres.Open(path)
	} else {
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trade mirror: %w", err)
	}
	if err := db.AutoMigrate(&Trade{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("migrate trade mirror: %w", err)
	}

	log.Info().Str("database", path).Msg("💾 Trade mirror connected")
	return &Store{db: db}, nil
}

// RecordTrade mirrors one closed position. Duplicate position ids are
// ignored so journal replays do not double-insert.
func (s *Store) RecordTrade(p types.Position) {
	if s == nil {
		return
	}
	row := Trade{
		PositionID:    p.ID,
		InstrumentKey: p.InstrumentKey,
		OptionType:    string(p.Type),
		Strike:        p.Strike,
		Qty:           p.Qty,
		EntryPrice:    p.EntryPrice.String(),
		ExitPrice:     p.ExitPrice.String(),
		RealisedPnL:   p.RealisedPnL.String(),
		ExitReason:    string(p.ExitReason),
		EntryTs:       p.EntryTs,
		ExitTs:        p.ExitTs,
	}
	res := s.db.Where("position_id = ?", p.ID).FirstOrCreate(&row)
	if res.Error != nil {
		log.Warn().Err(res.Error).Str("id", p.ID).Msg("Trade mirror write failed")
	}
}

// UpsertDailyStat writes the session aggregate, replacing any earlier row
// for the same day.
func (s *Store) UpsertDailyStat(day string, trades int, realisedPnL string) {
	if s == nil {
		return
	}
	row := DailyStat{Day: day}
	res := s.db.Where("day = ?", day).
		Assign(DailyStat{Trades: trades, RealisedPnL: realisedPnL}).
		FirstOrCreate(&row)
	if res.Error != nil {
		log.Warn().Err(res.Error).Str("day", day).Msg("Daily stat write failed")
	}
}

// RecentTrades returns up to limit most recent closed trades, newest first.
func (s *Store) RecentTrades(limit int) ([]Trade, error) {
	if s == nil {
		return nil, nil
	}
	var rows []Trade
	err := s.db.Order("exit_ts desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s == nil {
		return
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
