// Package position implements the position manager (C7): pure position
// lifecycle management. It builds a SimulatedPosition from a
// TradeExecution, computes Reg-T margin and market-value fields, revalues
// positions against the point-in-time data provider, and converts a
// position into the generic monitoring view (domain.PositionData).
// Grounded directly on
// original_source/src/backtest/engine/position_manager.py's
// PositionManager; it deliberately does not own storage or account
// bookkeeping (internal/account does), matching the original's
// "pure lifecycle management, does not wrap AccountSimulator" boundary.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/provider"
)

// ErrMissingMarketData is wrapped into the error UpdatePositionMarketData
// returns when the underlying has no stock quote on the current date — the
// day is allowed to fail rather than silently revalue with a stale or
// fabricated price.
var ErrMissingMarketData = errors.New("position: missing market data")

// Manager builds and revalues SimulatedPosition values. Not safe for
// concurrent use.
type Manager struct {
	data      *provider.Provider
	priceMode domain.PriceMode
	log       zerolog.Logger

	counter     int64
	currentDate time.Time
}

func New(data *provider.Provider, priceMode domain.PriceMode, log zerolog.Logger) *Manager {
	return &Manager{data: data, priceMode: priceMode, log: log.With().Str("component", "position").Logger()}
}

// SetDate sets the reference date used by DTE/days-held calculations and
// by expiration checks.
func (m *Manager) SetDate(d time.Time) { m.currentDate = d }

func (m *Manager) nextPositionID() int64 {
	m.counter++
	return m.counter
}

// CreatePosition builds a SimulatedPosition from an opening execution. It
// does not register the position anywhere; the executor calls
// account.AddPosition once this returns successfully (spec §4.9).
func (m *Manager) CreatePosition(exec domain.TradeExecution) *domain.SimulatedPosition {
	pos := &domain.SimulatedPosition{
		PositionID:   m.nextPositionID(),
		Symbol:       exec.Symbol,
		Underlying:   exec.Underlying,
		OptionType:   exec.OptionType,
		Strike:       exec.Strike,
		Expiration:   exec.Expiration,
		Quantity:     exec.Quantity,
		EntryPrice:   exec.FillPrice,
		EntryDate:    exec.TradeDate,
		LotSize:      exec.LotSize,
		CurrentPrice: exec.FillPrice,
		// market_value is the position-side view of the same cash flow
		// gross_amount represents from the cash side.
		MarketValue:    -exec.GrossAmount,
		CommissionPaid: exec.Commission,
	}
	pos.MarginRequired = m.estimateMargin(pos)

	m.log.Info().Int64("position_id", pos.PositionID).Str("symbol", pos.Symbol).
		Int64("quantity", pos.Quantity).Float64("entry_price", pos.EntryPrice).
		Float64("margin", pos.MarginRequired).Msg("created position")
	return pos
}

// estimateMargin applies the Reg-T per-share formula (spec §4.7), scaled by
// |quantity|*lot_size. Long positions require no margin: the premium is
// already settled.
func (m *Manager) estimateMargin(pos *domain.SimulatedPosition) float64 {
	if pos.Quantity >= 0 {
		return 0
	}

	underlyingPrice := pos.UnderlyingPx
	if underlyingPrice == 0 {
		underlyingPrice = pos.Strike
	}
	optionPrice := pos.CurrentPrice
	if optionPrice == 0 {
		optionPrice = pos.EntryPrice
	}

	var perShare float64
	if pos.OptionType == domain.Put {
		perShare = regTMarginShortPut(underlyingPrice, pos.Strike, optionPrice)
	} else {
		perShare = regTMarginShortCall(underlyingPrice, pos.Strike, optionPrice)
	}

	absQty := pos.Quantity
	if absQty < 0 {
		absQty = -absQty
	}
	return perShare * float64(absQty) * float64(pos.LotSize)
}

// regTMarginShortPut implements IBKR's Reg-T short-put formula (per share):
// premium + max(0.20*underlying - otm_amount, 0.10*strike), where
// otm_amount = max(0, underlying-strike).
func regTMarginShortPut(underlyingPrice, strike, premium float64) float64 {
	otm := max(underlyingPrice-strike, 0)
	option1 := 0.20*underlyingPrice - otm
	option2 := 0.10 * strike
	return premium + max(option1, option2)
}

// regTMarginShortCall mirrors regTMarginShortPut with the OTM amount and
// the 10% floor both measured against the underlying instead of the strike.
func regTMarginShortCall(underlyingPrice, strike, premium float64) float64 {
	otm := max(strike-underlyingPrice, 0)
	option1 := 0.20*underlyingPrice - otm
	option2 := 0.10 * underlyingPrice
	return premium + max(option1, option2)
}

// CalculateRealizedPnL computes the PnL a close/expire execution would
// realize against pos, without mutating pos. Sign convention: with
// quantity<0 (short), a lower close price yields positive PnL.
func (m *Manager) CalculateRealizedPnL(pos *domain.SimulatedPosition, exec domain.TradeExecution) float64 {
	pnl := (exec.FillPrice - pos.EntryPrice) * float64(pos.Quantity) * float64(pos.LotSize)
	pnl -= pos.CommissionPaid + exec.Commission
	return pnl
}

// FinalizeClose marks pos closed and fills in its closure fields. Call
// this only after the account has successfully removed the position
// (spec §4.9). closeReason defaults to exec.Reason when empty.
func (m *Manager) FinalizeClose(pos *domain.SimulatedPosition, exec domain.TradeExecution, realizedPnL float64, closeReason string) {
	if closeReason == "" {
		closeReason = exec.Reason
	}

	pos.IsClosed = true
	closeDate := exec.TradeDate
	pos.CloseDate = &closeDate
	pos.ClosePrice = exec.FillPrice
	pos.CloseReason = closeReason
	pos.RealizedPnL = realizedPnL
	pos.CommissionPaid += exec.Commission

	m.log.Info().Int64("position_id", pos.PositionID).Float64("close_price", exec.FillPrice).
		Float64("realized_pnl", realizedPnL).Str("reason", closeReason).Msg("closed position")
}

// UpdatePositionMarketData revalues pos from the data provider at the
// manager's configured price mode. A missing underlying quote fails the
// day rather than silently using a stale price; a missing option quote
// falls back to intrinsic value with a warning (spec §4.7).
func (m *Manager) UpdatePositionMarketData(pos *domain.SimulatedPosition) error {
	quote := m.data.StockQuote(pos.Underlying)
	if quote == nil {
		return fmt.Errorf("%w: no stock quote for %s on %s", ErrMissingMarketData, pos.Underlying, m.currentDate.Format("2006-01-02"))
	}

	underlyingPrice := m.priceByMode(quote.Open, quote.Close)
	if underlyingPrice <= 0 {
		return fmt.Errorf("%w: invalid underlying price for %s (mode=%s)", ErrMissingMarketData, pos.Underlying, m.priceMode)
	}

	optionPrice, ok := m.optionPrice(pos)
	if !ok {
		var intrinsic float64
		if pos.OptionType == domain.Put {
			intrinsic = max(pos.Strike-underlyingPrice, 0)
		} else {
			intrinsic = max(underlyingPrice-pos.Strike, 0)
		}
		m.log.Warn().Str("underlying", pos.Underlying).Str("option_type", string(pos.OptionType)).
			Float64("strike", pos.Strike).Msg("option quote not found, using intrinsic value")
		optionPrice = intrinsic
	}

	m.applyMarketValue(pos, optionPrice, underlyingPrice)
	return nil
}

// applyMarketValue refreshes current_price/underlying_price/market_value/
// unrealized_pnl and recomputes margin for short positions.
func (m *Manager) applyMarketValue(pos *domain.SimulatedPosition, optionPrice, underlyingPrice float64) {
	pos.CurrentPrice = optionPrice
	pos.UnderlyingPx = underlyingPrice
	pos.MarketValue = float64(pos.Quantity) * optionPrice * float64(pos.LotSize)
	pos.UnrealizedPnL = (optionPrice - pos.EntryPrice) * float64(pos.Quantity) * float64(pos.LotSize)
	if pos.Quantity < 0 {
		pos.MarginRequired = m.estimateMargin(pos)
	}
}

func (m *Manager) priceByMode(open, close float64) float64 {
	switch m.priceMode {
	case domain.PriceOpen:
		return open
	case domain.PriceMid:
		if open > 0 && close > 0 {
			return (open + close) / 2
		}
		return close
	default:
		return close
	}
}

// optionPrice looks up pos's contract in the current day's option chain
// and extracts a price per the configured price mode, falling back within
// the quote to last/close when bid/ask or open are unavailable.
func (m *Manager) optionPrice(pos *domain.SimulatedPosition) (float64, bool) {
	chain := m.data.OptionChain(pos.Underlying, &pos.Expiration, &pos.Expiration, nil, nil)
	if chain == nil {
		return 0, false
	}

	quotes := chain.Calls
	if pos.OptionType == domain.Put {
		quotes = chain.Puts
	}

	for _, q := range quotes {
		if q.Contract.Strike != pos.Strike || !q.Contract.Expiration.Equal(pos.Expiration) {
			continue
		}
		switch m.priceMode {
		case domain.PriceOpen:
			if q.Open > 0 {
				return q.Open, true
			}
			return q.Close, true
		case domain.PriceMid:
			if q.Bid > 0 && q.Ask > 0 {
				return (q.Bid + q.Ask) / 2, true
			}
			return q.Close, true
		default:
			if q.Close > 0 {
				return q.Close, true
			}
			return q.Close, true
		}
	}
	return 0, false
}

// UpdateAllPositionsMarketData revalues every position in positions. The
// first revaluation failure stops the walk and is returned; the caller
// decides whether that fails the whole day (spec §4.9 step 1 does).
func (m *Manager) UpdateAllPositionsMarketData(positions map[int64]*domain.SimulatedPosition) error {
	for _, pos := range positions {
		if err := m.UpdatePositionMarketData(pos); err != nil {
			return err
		}
	}
	return nil
}

// ToPositionData converts pos into the generic monitoring view (spec
// §4.7): DTE, moneyness, OTM%, Greeks scaled by position quantity, and an
// inferred strategy type.
func (m *Manager) ToPositionData(pos *domain.SimulatedPosition, refDate time.Time) domain.PositionData {
	dte := int(pos.Expiration.Sub(refDate).Hours() / 24)

	underlyingPrice := pos.UnderlyingPx
	if underlyingPrice == 0 {
		underlyingPrice = pos.Strike
	}
	moneyness := (underlyingPrice - pos.Strike) / pos.Strike

	var otmPct float64
	if underlyingPrice > 0 {
		if pos.OptionType == domain.Put {
			otmPct = (underlyingPrice - pos.Strike) / underlyingPrice
		} else {
			otmPct = (pos.Strike - underlyingPrice) / underlyingPrice
		}
	}

	delta, gamma, theta, vega := m.greeks(pos)

	strategy := domain.StrategyUnknown
	if pos.Quantity < 0 {
		if pos.OptionType == domain.Put {
			strategy = domain.StrategyShortPut
		} else {
			strategy = domain.StrategyNakedCall
		}
	}

	return domain.PositionData{
		PositionID:    pos.PositionID,
		Symbol:        pos.Symbol,
		Underlying:    pos.Underlying,
		StrategyType:  strategy,
		OptionType:    pos.OptionType,
		Strike:        pos.Strike,
		Expiration:    pos.Expiration,
		UnderlyingPx:  underlyingPrice,
		DTE:           dte,
		Moneyness:     moneyness,
		OTMPercent:    otmPct,
		Delta:         delta,
		Gamma:         gamma,
		Theta:         theta,
		Vega:          vega,
		Quantity:      pos.Quantity,
		UnrealizedPnL: pos.UnrealizedPnL,
	}
}

// greeks looks up pos's contract in the current option chain and scales
// its Greeks by position quantity: delta/theta by signed quantity,
// gamma/vega by |quantity| (spec §4.7).
func (m *Manager) greeks(pos *domain.SimulatedPosition) (delta, gamma, theta, vega float64) {
	chain := m.data.OptionChain(pos.Underlying, &pos.Expiration, &pos.Expiration, nil, nil)
	if chain == nil {
		return 0, 0, 0, 0
	}

	quotes := chain.Calls
	if pos.OptionType == domain.Put {
		quotes = chain.Puts
	}

	for _, q := range quotes {
		if q.Contract.Strike != pos.Strike || !q.Contract.Expiration.Equal(pos.Expiration) {
			continue
		}
		absQty := pos.Quantity
		if absQty < 0 {
			absQty = -absQty
		}
		return q.Greeks.Delta * float64(pos.Quantity),
			q.Greeks.Gamma * float64(absQty),
			q.Greeks.Theta * float64(pos.Quantity),
			q.Greeks.Vega * float64(absQty)
	}
	return 0, 0, 0, 0
}

// GetPositionDataForMonitoring converts every live position into its
// monitoring view; the conversion has no failure path, so every position
// in the map yields one entry.
func (m *Manager) GetPositionDataForMonitoring(positions map[int64]*domain.SimulatedPosition, refDate time.Time) []domain.PositionData {
	out := make([]domain.PositionData, 0, len(positions))
	for _, pos := range positions {
		out = append(out, m.ToPositionData(pos, refDate))
	}
	return out
}

// GetExpiringPositions returns every position expiring on or before
// refDate+daysAhead.
func (m *Manager) GetExpiringPositions(positions map[int64]*domain.SimulatedPosition, refDate time.Time, daysAhead int) []*domain.SimulatedPosition {
	cutoff := refDate.AddDate(0, 0, daysAhead)
	var out []*domain.SimulatedPosition
	for _, pos := range positions {
		if !pos.Expiration.After(cutoff) {
			out = append(out, pos)
		}
	}
	return out
}

// CheckExpirations returns every position expiring exactly on refDate.
func (m *Manager) CheckExpirations(positions map[int64]*domain.SimulatedPosition, refDate time.Time) []*domain.SimulatedPosition {
	var out []*domain.SimulatedPosition
	for _, pos := range positions {
		if pos.Expiration.Equal(refDate) {
			out = append(out, pos)
		}
	}
	return out
}

// GetPositionsByUnderlying groups positions by their underlying symbol.
func (m *Manager) GetPositionsByUnderlying(positions map[int64]*domain.SimulatedPosition) map[string][]*domain.SimulatedPosition {
	grouped := make(map[string][]*domain.SimulatedPosition)
	for _, pos := range positions {
		grouped[pos.Underlying] = append(grouped[pos.Underlying], pos)
	}
	return grouped
}

// PnL is a single position's PnL snapshot, live or closed, used for
// reporting (spec §4.7's get_position_pnl helper).
type PnL struct {
	PositionID      int64
	Symbol          string
	Underlying      string
	EntryDate       time.Time
	EntryPrice      float64
	CurrentPrice    float64
	Quantity        int64
	UnrealizedPnL   float64
	UnrealizedPct   float64
	CommissionPaid  float64
	DTE             int
	DaysHeld        int
	IsClosed        bool
	CloseDate       *time.Time
	ClosePrice      *float64
	CloseReason     string
	RealizedPnL     *float64
	RealizedPct     *float64
}

// GetPositionPnL summarizes pos's PnL as of refDate, live or closed.
func (m *Manager) GetPositionPnL(pos *domain.SimulatedPosition, refDate time.Time) PnL {
	entryValue := pos.EntryPrice * float64(pos.Quantity) * float64(pos.LotSize)
	if entryValue < 0 {
		entryValue = -entryValue
	}

	if !pos.IsClosed {
		var pct float64
		if entryValue > 0 {
			pct = pos.UnrealizedPnL / entryValue
		}
		return PnL{
			PositionID: pos.PositionID, Symbol: pos.Symbol, Underlying: pos.Underlying,
			EntryDate: pos.EntryDate, EntryPrice: pos.EntryPrice, CurrentPrice: pos.CurrentPrice,
			Quantity: pos.Quantity, UnrealizedPnL: pos.UnrealizedPnL, UnrealizedPct: pct,
			CommissionPaid: pos.CommissionPaid,
			DTE:            int(pos.Expiration.Sub(refDate).Hours() / 24),
			DaysHeld:       int(refDate.Sub(pos.EntryDate).Hours() / 24),
		}
	}

	var realizedPct float64
	if entryValue > 0 {
		realizedPct = pos.RealizedPnL / entryValue
	}
	closePrice := pos.ClosePrice
	realized := pos.RealizedPnL
	daysHeld := 0
	if pos.CloseDate != nil {
		daysHeld = int(pos.CloseDate.Sub(pos.EntryDate).Hours() / 24)
	}

	return PnL{
		PositionID: pos.PositionID, Symbol: pos.Symbol, Underlying: pos.Underlying,
		EntryDate: pos.EntryDate, EntryPrice: pos.EntryPrice, CurrentPrice: pos.ClosePrice,
		Quantity: pos.Quantity, CommissionPaid: pos.CommissionPaid,
		DaysHeld: daysHeld, IsClosed: true,
		CloseDate: pos.CloseDate, ClosePrice: &closePrice, CloseReason: pos.CloseReason,
		RealizedPnL: &realized, RealizedPct: &realizedPct,
	}
}

// Reset clears the position-id counter and current date, for reuse across
// parallel sweep runs (spec §9).
func (m *Manager) Reset() {
	m.counter = 0
	m.currentDate = time.Time{}
}
