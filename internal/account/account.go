// Package account implements the account simulator (C8): cash, margin
// budget, NLV, and the closed-position archive. Grounded directly on
// original_source/src/backtest/engine/account_simulator.py's
// AccountSimulator. It deliberately owns none of a position's own
// lifecycle or margin math (internal/position does); add_position only
// checks the margin internal/position already computed against the
// account's own available-margin budget.
package account

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/position"
)

const (
	defaultInitialCapital       = 100_000.0
	defaultMaxMarginUtilization = 0.70
	defaultBroker               = "backtest"
)

// Config configures an account's starting capital and risk budget.
type Config struct {
	InitialCapital       float64
	MaxMarginUtilization float64
	Broker               string
}

func (c Config) withDefaults() Config {
	if c.InitialCapital <= 0 {
		c.InitialCapital = defaultInitialCapital
	}
	if c.MaxMarginUtilization <= 0 {
		c.MaxMarginUtilization = defaultMaxMarginUtilization
	}
	if c.Broker == "" {
		c.Broker = defaultBroker
	}
	return c
}

// Simulator tracks cash, live and closed positions, and daily equity
// snapshots for one backtest run. Not safe for concurrent use.
type Simulator struct {
	cfg Config
	log zerolog.Logger

	cash                  float64
	positions             map[int64]*domain.SimulatedPosition
	closed                []*domain.SimulatedPosition
	realizedPnLCumulative float64
	snapshots             []domain.EquitySnapshot
	currentDate           time.Time
}

func New(cfg Config, log zerolog.Logger) *Simulator {
	cfg = cfg.withDefaults()
	return &Simulator{
		cfg:       cfg,
		cash:      cfg.InitialCapital,
		positions: make(map[int64]*domain.SimulatedPosition),
		log:       log.With().Str("component", "account").Logger(),
	}
}

func (s *Simulator) Cash() float64 { return s.cash }

func (s *Simulator) PositionCount() int { return len(s.positions) }

// Positions returns the live position set, keyed by position id. Mutating
// a returned *SimulatedPosition (e.g. via internal/position revaluation)
// mutates the account's own view.
func (s *Simulator) Positions() map[int64]*domain.SimulatedPosition { return s.positions }

func (s *Simulator) ClosedPositions() []*domain.SimulatedPosition { return s.closed }

// NLV = cash + Σ market_value. Short positions carry negative market
// value, so a short put's premium liability reduces NLV as it's written.
func (s *Simulator) NLV() float64 {
	return s.cash + s.positionsValue()
}

func (s *Simulator) positionsValue() float64 {
	var total float64
	for _, pos := range s.positions {
		total += pos.MarketValue
	}
	return total
}

func (s *Simulator) MarginUsed() float64 {
	var total float64
	for _, pos := range s.positions {
		total += pos.MarginRequired
	}
	return total
}

func (s *Simulator) UnrealizedPnL() float64 {
	var total float64
	for _, pos := range s.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// AvailableMargin = max(0, nlv*max_margin_utilization - margin_used).
func (s *Simulator) AvailableMargin() float64 {
	budget := s.NLV()*s.cfg.MaxMarginUtilization - s.MarginUsed()
	if budget < 0 {
		return 0
	}
	return budget
}

func (s *Simulator) RealizedPnL() float64 { return s.realizedPnLCumulative }

func (s *Simulator) TotalPnL() float64 { return s.realizedPnLCumulative + s.UnrealizedPnL() }

// AddPosition registers pos if its margin requirement fits the account's
// available margin, applying cash_change (the opening execution's
// net_amount) only on success. Returns false (no state change) when the
// margin check fails — the caller decides how to record the rejected
// attempt.
func (s *Simulator) AddPosition(pos *domain.SimulatedPosition, cashChange float64) bool {
	if pos.MarginRequired > s.AvailableMargin() {
		s.log.Warn().Int64("position_id", pos.PositionID).Str("symbol", pos.Symbol).
			Float64("required", pos.MarginRequired).Float64("available", s.AvailableMargin()).
			Msg("insufficient margin, rejecting position")
		return false
	}

	s.cash += cashChange
	s.positions[pos.PositionID] = pos

	s.log.Debug().Int64("position_id", pos.PositionID).Str("symbol", pos.Symbol).
		Int64("quantity", pos.Quantity).Float64("cash_change", cashChange).Msg("added position")
	return true
}

// RemovePosition applies cash_change (the closing execution's net_amount),
// accumulates realized_pnl, and moves the position from live to closed.
// Returns false if no live position with id exists.
func (s *Simulator) RemovePosition(id int64, cashChange, realizedPnL float64) bool {
	pos, ok := s.positions[id]
	if !ok {
		s.log.Warn().Int64("position_id", id).Msg("position not found, cannot remove")
		return false
	}

	s.cash += cashChange
	s.realizedPnLCumulative += realizedPnL
	s.closed = append(s.closed, pos)
	delete(s.positions, id)

	s.log.Debug().Int64("position_id", id).Float64("cash_change", cashChange).
		Float64("realized_pnl", realizedPnL).Msg("removed position")
	return true
}

// UpdatePositionValue delegates revaluation of a single live position to
// mgr — the account owns none of the margin/intrinsic-value math itself.
func (s *Simulator) UpdatePositionValue(id int64, mgr *position.Manager) error {
	pos, ok := s.positions[id]
	if !ok {
		return nil
	}
	return mgr.UpdatePositionMarketData(pos)
}

// TakeSnapshot records the day's EquitySnapshot. prevNLV is the account's
// NLV captured before the day's trading activity, per spec §4.9 step 1;
// daily_pnl = nlv - prevNLV.
func (s *Simulator) TakeSnapshot(snapshotDate time.Time, prevNLV float64, tradesOpened, tradesClosed, tradesExpired int) domain.EquitySnapshot {
	s.currentDate = snapshotDate

	positionsValue := s.positionsValue()
	marginUsed := s.MarginUsed()
	unrealizedPnL := s.UnrealizedPnL()
	nlv := s.cash + positionsValue

	snap := domain.EquitySnapshot{
		Date:                  snapshotDate,
		Cash:                  s.cash,
		PositionsValue:        positionsValue,
		MarginUsed:            marginUsed,
		NLV:                   nlv,
		UnrealizedPnL:         unrealizedPnL,
		RealizedPnLCumulative: s.realizedPnLCumulative,
		DailyPnL:              nlv - prevNLV,
		PositionCount:         len(s.positions),
		TradesOpened:          tradesOpened,
		TradesClosed:          tradesClosed,
		TradesExpired:         tradesExpired,
	}
	s.snapshots = append(s.snapshots, snap)
	return snap
}

func (s *Simulator) Snapshots() []domain.EquitySnapshot { return s.snapshots }

// AccountState builds the read-only view passed to the screening/decision
// collaborators: NLV, margin budget, leverage, and exposure by underlying.
func (s *Simulator) AccountState() domain.AccountState {
	positionsValue := s.positionsValue()
	marginUsed := s.MarginUsed()
	nlv := s.cash + positionsValue

	var marginUtilization, cashRatio float64
	if nlv > 0 {
		marginUtilization = marginUsed / nlv
		cashRatio = s.cash / nlv
	} else {
		cashRatio = 1.0
	}

	var totalNotional float64
	exposure := make(map[string]float64)
	for _, pos := range s.positions {
		notional := notionalValue(pos)
		totalNotional += notional
		exposure[pos.Underlying] += notional
	}

	var grossLeverage float64
	if nlv > 0 {
		grossLeverage = totalNotional / nlv
	}

	return domain.AccountState{
		Exposure:            exposure,
		TotalEquity:         nlv,
		Cash:                s.cash,
		UsedMargin:          marginUsed,
		AvailableMargin:     s.AvailableMargin(),
		MarginUtilization:   marginUtilization,
		CashRatio:           cashRatio,
		GrossLeverage:       grossLeverage,
		OpenPositionCount:   len(s.positions),
		ClosedPositionCount: len(s.closed),
	}
}

func notionalValue(pos *domain.SimulatedPosition) float64 {
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}
	return float64(qty) * pos.Strike * float64(pos.LotSize)
}

// Reset restores the account to its starting capital with no positions,
// closed archive, or snapshots, for reuse across parallel sweep runs
// (spec §9).
func (s *Simulator) Reset() {
	s.cash = s.cfg.InitialCapital
	s.positions = make(map[int64]*domain.SimulatedPosition)
	s.closed = nil
	s.realizedPnLCumulative = 0
	s.snapshots = nil
	s.currentDate = time.Time{}
}
