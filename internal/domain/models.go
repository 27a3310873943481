// Package domain holds the types shared across the backtest engine's
// components. Centralizing them here avoids import cycles between
// internal/position, internal/account, internal/tradesim and internal/executor,
// which all need to see each other's result types.
package domain

import "time"

// OptionType distinguishes a call from a put contract.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Side is the direction of a trade execution, derived from the sign of
// the traded quantity (negative quantity -> sell).
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PriceMode selects which EOD field the engine marks positions and fills at.
type PriceMode string

const (
	PriceOpen  PriceMode = "open"
	PriceClose PriceMode = "close"
	PriceMid   PriceMode = "mid"
)

// ExecutionStatus is the outcome of a TradeSimulator execution attempt.
type ExecutionStatus string

const (
	StatusFilled   ExecutionStatus = "filled"
	StatusRejected ExecutionStatus = "rejected"
)

// CloseReasonType is the finite set of reasons a position was closed or
// expired, inferred from the free-text reason string on the closing
// decision (spec §4.6).
type CloseReasonType string

const (
	ProfitTarget    CloseReasonType = "PROFIT_TARGET"
	StopLossDelta   CloseReasonType = "STOP_LOSS_DELTA"
	StopLossOTM     CloseReasonType = "STOP_LOSS_OTM"
	StopLoss        CloseReasonType = "STOP_LOSS"
	TimeExit        CloseReasonType = "TIME_EXIT"
	Roll            CloseReasonType = "ROLL"
	ManualClose     CloseReasonType = "MANUAL_CLOSE"
	ExpiredITM      CloseReasonType = "EXPIRED_ITM"
	ExpiredWorthless CloseReasonType = "EXPIRED_WORTHLESS"
	UnknownClose    CloseReasonType = "UNKNOWN"
)

// TradeAction is the high-level audit-log action for a TradeRecord.
type TradeAction string

const (
	ActionOpen   TradeAction = "open"
	ActionClose  TradeAction = "close"
	ActionExpire TradeAction = "expire"
)

// StrategyType is the PositionManager's inference of what a position
// represents, used only for the monitoring view (spec §4.7).
type StrategyType string

const (
	StrategyShortPut   StrategyType = "SHORT_PUT"
	StrategyNakedCall  StrategyType = "NAKED_CALL"
	StrategyUnknown    StrategyType = "UNKNOWN"
)

// ContractKey identifies a single option contract independent of the date
// at which it trades; it is the natural key minus the EOD date.
type ContractKey struct {
	Underlying string
	Expiration time.Time
	Strike     float64
	OptionType OptionType
}

// SimulatedPosition is an open or closed position held by the Account
// Simulator. Identity is position_id, monotonically issued by the
// PositionManager. See spec.md §3.4 for the field invariants:
//
//	market_value = quantity * current_price * lot_size   (signed)
//	margin is zero for longs, Reg-T per spec §4.7 otherwise
type SimulatedPosition struct {
	EntryDate      time.Time
	Expiration     time.Time
	CloseDate      *time.Time
	PositionID     int64
	Symbol         string // opaque contract id, see provider.ContractSymbol
	Underlying     string
	Strike         float64
	Quantity       int64 // signed: positive = long, negative = short
	LotSize        int64
	EntryPrice     float64
	CurrentPrice   float64
	UnderlyingPx   float64
	MarketValue    float64
	MarginRequired float64
	UnrealizedPnL  float64
	CommissionPaid float64
	ClosePrice     float64
	RealizedPnL    float64
	OptionType     OptionType
	CloseReason    string
	IsClosed       bool
}

// Key returns the position's contract identity (ignoring quantity/price).
func (p *SimulatedPosition) Key() ContractKey {
	return ContractKey{
		Underlying: p.Underlying,
		Expiration: p.Expiration,
		Strike:     p.Strike,
		OptionType: p.OptionType,
	}
}

// EquitySnapshot is one trading day's account-state summary, per spec §3.4.
// nlv = cash + positions_value always holds.
type EquitySnapshot struct {
	Date                  time.Time
	Cash                  float64
	PositionsValue        float64
	MarginUsed            float64
	NLV                   float64
	UnrealizedPnL         float64
	RealizedPnLCumulative float64
	DailyPnL              float64
	PositionCount         int
	TradesOpened          int
	TradesClosed          int
	TradesExpired         int
}

// TradeExecution is produced by the TradeSimulator per trade (spec §3.4).
// Sign convention: gross_amount = -quantity*fill_price*lot_size; selling
// (negative quantity) yields positive gross (premium received).
type TradeExecution struct {
	TradeDate    time.Time
	Expiration   time.Time
	ExecutionID  int64
	Symbol       string
	Underlying   string
	OptionType   OptionType
	Strike       float64
	Side         Side
	Quantity     int64
	LotSize      int64
	OrderPrice   float64
	FillPrice    float64
	Slippage     float64
	Commission   float64
	GrossAmount  float64
	NetAmount    float64
	Status       ExecutionStatus
	Reason       string
}

// TradeRecord is the audit-log entry paired 1:1 with a TradeExecution,
// carrying the higher-level context spec §3.4 requires.
type TradeRecord struct {
	Execution       TradeExecution
	Action          TradeAction
	CloseReasonType CloseReasonType
	PositionID      *int64
	PnL             *float64
}

// AccountState is a derived, read-only view over the AccountSimulator at
// an instant (spec §3.4), passed to the screening/decision collaborators.
type AccountState struct {
	Exposure             map[string]float64
	TotalEquity          float64
	Cash                 float64
	UsedMargin           float64
	AvailableMargin       float64
	MarginUtilization    float64
	CashRatio            float64
	GrossLeverage        float64
	OpenPositionCount    int
	ClosedPositionCount  int
}

// PositionData is the generic monitoring view PositionManager converts a
// SimulatedPosition into (spec §4.7): DTE, moneyness, OTM%, Greeks scaled
// by signed/absolute quantity, and an inferred strategy type.
type PositionData struct {
	Expiration   time.Time
	PositionID   int64
	Symbol       string
	Underlying   string
	StrategyType StrategyType
	OptionType   OptionType
	Strike       float64
	UnderlyingPx float64
	DTE          int
	Moneyness    float64
	OTMPercent   float64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
	Quantity     int64
	UnrealizedPnL float64
}
