package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Segment classifies an instrument.
type Segment string

const (
	SegmentIndex  Segment = "INDEX"
	SegmentOption Segment = "OPTION"
)

// OptionType is CE (call) or PE (put).
type OptionType string

const (
	OptionCE OptionType = "CE"
	OptionPE OptionType = "PE"
)

// Instrument is one row of the contract master.
type Instrument struct {
	Key        string
	Symbol     string
	Segment    Segment
	OptionType OptionType // empty for index
	Strike     float64
	Expiry     time.Time
	LotSize    int
	TickSize   float64
}

// Tick is a single decoded market-data update for one instrument.
// Ts is milliseconds since epoch. OI is only meaningful when HasOI is set;
// zero open interest is a legal value on illiquid strikes.
type Tick struct {
	InstrumentKey string
	Ts            int64
	LTP           float64
	LTQ           int64
	OI            float64
	HasOI         bool
	Volume        int64
	Bid           float64
	Ask           float64
}

// MarketStatus is a market_info feed event.
type MarketStatus struct {
	Status  string
	Segment string
	Ts      int64
}

// Candle is one OHLCV bucket. Start/End are ms epoch, range [Start, End).
type Candle struct {
	Start  int64
	End    int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// SignalKind is the decision of the signal engine.
type SignalKind string

const (
	SignalBuyCE SignalKind = "BUY_CE"
	SignalBuyPE SignalKind = "BUY_PE"
	SignalHold  SignalKind = "HOLD"
)

// FilterResults records pass/fail per entry filter. Named fields so a missing
// filter is a compile error, not a missing map key.
type FilterResults struct {
	Supertrend        bool
	EMA               bool
	RSI               bool
	Volatility        bool
	EntryConfirmation bool
	Greeks            bool
	PCR               bool
	Volume            bool
}

// FilterCheck is one line of the deterministic reasoning output.
type FilterCheck struct {
	Name     string
	Passed   bool
	Observed string
}

// Signal is the signal engine output.
type Signal struct {
	Kind       SignalKind
	Reason     string
	Filters    FilterResults
	Checks     []FilterCheck
	Confidence float64 // 0..100
	IssuedAt   time.Time
	Diagnostic string // COOLDOWN, DIRECTION_TIE, ... empty when clean
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStatus is OPEN or CLOSED.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// ExitReason names why a position closed.
type ExitReason string

const (
	ExitStopLoss  ExitReason = "STOP_LOSS"
	ExitTarget    ExitReason = "TARGET"
	ExitTrailing  ExitReason = "TRAILING_SL"
	ExitSquareOff ExitReason = "EOD_SQUARE_OFF"
	ExitManual    ExitReason = "MANUAL"
)

// Position is one long option position and its exit parameters.
type Position struct {
	ID               string          `json:"id"`
	Type             OptionType      `json:"type"`
	InstrumentKey    string          `json:"instrument_key"`
	Strike           float64         `json:"strike"`
	EntryTs          time.Time       `json:"entry_ts"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Qty              int             `json:"qty"` // lots × lot size
	LotSize          int             `json:"lot_size"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	OriginalStopLoss decimal.Decimal `json:"original_stop_loss"`
	Target           decimal.Decimal `json:"target"`
	TrailingSL       decimal.Decimal `json:"trailing_sl"`
	TrailOffset      decimal.Decimal `json:"trail_offset"`
	TrailingActive   bool            `json:"trailing_active"`
	Status           PositionStatus  `json:"status"`
	ExitReason       ExitReason      `json:"exit_reason,omitempty"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	ExitTs           time.Time       `json:"exit_ts"`
	RealisedPnL      decimal.Decimal `json:"realised_pnl"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// DERIVED ANALYTICS
// ═══════════════════════════════════════════════════════════════════════════════

// GreeksLeg holds one side (CE or PE) of a GreeksSnapshot.
type GreeksLeg struct {
	Delta        float64
	Gamma        float64
	Theta        float64 // per day
	Vega         float64 // per 1% vol
	Rho          float64
	IV           float64
	Price        float64
	QualityScore int // 0..100
}

// GreeksSnapshot is the latest ATM pair computation.
type GreeksSnapshot struct {
	ATMStrike  float64
	Expiry     time.Time
	CE         GreeksLeg
	PE         GreeksLeg
	ComputedAt time.Time
}

// PCRState is one emission of the put-call ratio aggregator. PCR is undefined
// when Defined is false (zero call OI).
type PCRState struct {
	TotalCEOI   float64
	TotalPEOI   float64
	PCR         float64
	Defined     bool
	Sentiment   string
	Trend       string
	SampleCount int
	LastUpdate  time.Time
}

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT - the one outbound structure for downstream consumers
// ═══════════════════════════════════════════════════════════════════════════════

// IndicatorLevels are the current index indicator readings.
type IndicatorLevels struct {
	RSI        float64
	EMA5       float64
	EMA20      float64
	ATRPct     float64
	VWAP       float64
	Supertrend string // BULLISH / BEARISH / "" before warmup
}

// RiskSummary is the risk gate view on the snapshot.
type RiskSummary struct {
	DailyPnL       decimal.Decimal
	LossLimit      decimal.Decimal
	TradingAllowed bool
	OpenCount      int
	Balance        decimal.Decimal
}

// AuthStatus reports credential health; the engine keeps running on cached
// state when the token dies, it just stops submitting orders.
type AuthStatus struct {
	Authenticated         bool
	TokenRemainingSeconds int
	ErrorMessage          string
}

// Snapshot is assembled by the orchestrator at a bounded cadence.
type Snapshot struct {
	Ts         time.Time
	Spot       float64
	Positions  []Position
	Signal     *Signal
	Indicators IndicatorLevels
	PCR        PCRState
	Greeks     GreeksSnapshot
	Risk       RiskSummary
	Auth       AuthStatus
	VIX        float64 // India VIX, 0 when unavailable
}
