package position

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/provider"
	"github.com/aristath/backteng/internal/storage"
)

func d(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestProvider(t *testing.T, asOf time.Time) *provider.Provider {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	return provider.New(layout, asOf, provider.Config{}, nil, zerolog.Nop())
}

func shortPutExecution() domain.TradeExecution {
	return domain.TradeExecution{
		TradeDate:   d("2024-02-01"),
		Expiration:  d("2024-03-15"),
		Symbol:      "AAPL240315P00150000",
		Underlying:  "AAPL",
		OptionType:  domain.Put,
		Strike:      150,
		Side:        domain.Sell,
		Quantity:    -1,
		LotSize:     100,
		FillPrice:   3.45,
		Commission:  1.00,
		GrossAmount: 344.0,
		NetAmount:   343.0,
		Status:      domain.StatusFilled,
		Reason:      "screening_signal",
	}
}

func TestCreatePositionShortPutEstimatesMargin(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-01")), domain.PriceClose, zerolog.Nop())
	exec := shortPutExecution()

	pos := m.CreatePosition(exec)
	require.NotNil(t, pos)
	assert.Equal(t, int64(1), pos.PositionID)
	assert.Equal(t, -344.0, pos.MarketValue)
	assert.Equal(t, 1.00, pos.CommissionPaid)
	assert.Greater(t, pos.MarginRequired, 0.0)

	// With the underlying at strike (no quote yet, so estimateMargin falls
	// back to strike), 0.20*150 - 0 OTM = 30.0 beats the 0.10*strike = 15.0
	// floor.
	expected := regTMarginShortPut(150, 150, 3.45) * 1 * 100
	assert.InDelta(t, expected, pos.MarginRequired, 1e-9)
}

func TestCreatePositionLongRequiresNoMargin(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-01")), domain.PriceClose, zerolog.Nop())
	exec := shortPutExecution()
	exec.Quantity = 1
	exec.Side = domain.Buy
	exec.GrossAmount = -345.0

	pos := m.CreatePosition(exec)
	assert.Equal(t, 0.0, pos.MarginRequired)
}

func TestRegTMarginShortPutFormula(t *testing.T) {
	// premium + max(0.20*underlying - max(0,underlying-strike), 0.10*strike)
	got := regTMarginShortPut(140, 150, 3.0)
	assert.InDelta(t, 3.0+max(0.20*140-0, 0.10*150), got, 1e-9)
}

func TestRegTMarginShortCallFormula(t *testing.T) {
	got := regTMarginShortCall(160, 150, 2.0)
	assert.InDelta(t, 2.0+max(0.20*160-0, 0.10*160), got, 1e-9)
}

func TestCalculateRealizedPnLShortPosition(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-01")), domain.PriceClose, zerolog.Nop())
	pos := &domain.SimulatedPosition{
		Quantity: -1, LotSize: 100, EntryPrice: 3.45, CommissionPaid: 1.00,
	}
	exec := domain.TradeExecution{FillPrice: 1.00, Commission: 1.00}

	pnl := m.CalculateRealizedPnL(pos, exec)
	// (close - entry) * qty * lot - (open_commission + close_commission)
	want := (1.00-3.45)*-1*100 - (1.00 + 1.00)
	assert.InDelta(t, want, pnl, 1e-9)
	assert.Greater(t, pnl, 0.0, "a short put closed cheaper than entry should be profitable")
}

func TestFinalizeCloseDefaultsReasonFromExecution(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-10")), domain.PriceClose, zerolog.Nop())
	pos := &domain.SimulatedPosition{Quantity: -1, LotSize: 100, EntryPrice: 3.45, CommissionPaid: 1.00}
	exec := domain.TradeExecution{TradeDate: d("2024-02-10"), FillPrice: 1.00, Commission: 1.00, Reason: "take_profit"}

	m.FinalizeClose(pos, exec, 143.0, "")
	require.True(t, pos.IsClosed)
	assert.Equal(t, "take_profit", pos.CloseReason)
	assert.Equal(t, 1.00, pos.ClosePrice)
	assert.Equal(t, 143.0, pos.RealizedPnL)
	assert.Equal(t, 2.00, pos.CommissionPaid)
	require.NotNil(t, pos.CloseDate)
	assert.True(t, pos.CloseDate.Equal(d("2024-02-10")))
}

func TestFinalizeCloseRespectsExplicitReason(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-10")), domain.PriceClose, zerolog.Nop())
	pos := &domain.SimulatedPosition{Quantity: -1, LotSize: 100}
	exec := domain.TradeExecution{TradeDate: d("2024-02-10"), Reason: "take_profit"}

	m.FinalizeClose(pos, exec, 0, "manual_override")
	assert.Equal(t, "manual_override", pos.CloseReason)
}

func TestUpdatePositionMarketDataMissingUnderlyingFails(t *testing.T) {
	p := newTestProvider(t, d("2024-02-05"))
	m := New(p, domain.PriceClose, zerolog.Nop())
	m.SetDate(d("2024-02-05"))

	pos := &domain.SimulatedPosition{
		Underlying: "GHOST", OptionType: domain.Put, Strike: 150,
		Expiration: d("2024-03-15"), Quantity: -1, LotSize: 100, EntryPrice: 3.45,
	}

	err := m.UpdatePositionMarketData(pos)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingMarketData)
}

func TestUpdatePositionMarketDataFallsBackToIntrinsicOnMissingOption(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, storage.WriteParquetAtomic(layout.StockPath(), []storage.StockRow{
		{Symbol: "AAPL", Date: "2024-02-05", Open: 140.0, Close: 140.0},
	}))
	p := provider.New(layout, d("2024-02-05"), provider.Config{}, nil, zerolog.Nop())
	m := New(p, domain.PriceClose, zerolog.Nop())
	m.SetDate(d("2024-02-05"))

	pos := &domain.SimulatedPosition{
		Underlying: "AAPL", OptionType: domain.Put, Strike: 150,
		Expiration: d("2024-03-15"), Quantity: -1, LotSize: 100, EntryPrice: 3.45,
	}

	require.NoError(t, m.UpdatePositionMarketData(pos))
	assert.Equal(t, 10.0, pos.CurrentPrice, "no option quote found, should fall back to intrinsic value")
	assert.Equal(t, 140.0, pos.UnderlyingPx)
}

func TestUpdatePositionMarketDataRevaluesFromOptionChain(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, storage.WriteParquetAtomic(layout.StockPath(), []storage.StockRow{
		{Symbol: "AAPL", Date: "2024-02-05", Open: 145.0, Close: 146.0},
	}))
	require.NoError(t, storage.WriteParquetAtomic(layout.OptionPath("AAPL", 2024), []storage.OptionRow{
		{
			Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150, OptionType: "put",
			Date: "2024-02-05", Close: 5.0, Bid: 4.8, Ask: 5.2,
			Delta: -0.4, Gamma: 0.02, Theta: -0.03, Vega: 0.1,
			UnderlyingPrice: 146.0,
		},
	}))
	p := provider.New(layout, d("2024-02-05"), provider.Config{}, nil, zerolog.Nop())
	m := New(p, domain.PriceClose, zerolog.Nop())
	m.SetDate(d("2024-02-05"))

	pos := &domain.SimulatedPosition{
		Underlying: "AAPL", OptionType: domain.Put, Strike: 150,
		Expiration: d("2024-03-15"), Quantity: -1, LotSize: 100, EntryPrice: 3.45,
	}

	require.NoError(t, m.UpdatePositionMarketData(pos))
	assert.Equal(t, 5.0, pos.CurrentPrice)
	assert.Equal(t, 146.0, pos.UnderlyingPx)
	assert.Equal(t, -500.0, pos.MarketValue)
	assert.Greater(t, pos.MarginRequired, 0.0)
}

func TestToPositionDataInfersShortPutStrategyAndScalesGreeks(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, storage.WriteParquetAtomic(layout.OptionPath("AAPL", 2024), []storage.OptionRow{
		{
			Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150, OptionType: "put",
			Date: "2024-02-05", Close: 5.0, Delta: -0.4, Gamma: 0.02, Theta: -0.03, Vega: 0.1,
			UnderlyingPrice: 160.0,
		},
	}))
	p := provider.New(layout, d("2024-02-05"), provider.Config{}, nil, zerolog.Nop())
	m := New(p, domain.PriceClose, zerolog.Nop())

	pos := &domain.SimulatedPosition{
		Underlying: "AAPL", OptionType: domain.Put, Strike: 150,
		Expiration: d("2024-03-15"), Quantity: -2, LotSize: 100, UnderlyingPx: 160.0,
	}

	pd := m.ToPositionData(pos, d("2024-02-05"))
	assert.Equal(t, domain.StrategyShortPut, pd.StrategyType)
	assert.Equal(t, 39, pd.DTE)
	assert.InDelta(t, 0.8, pd.Delta, 1e-9, "delta scales by signed quantity")
	assert.InDelta(t, 0.04, pd.Gamma, 1e-9, "gamma scales by |quantity|")
	assert.Greater(t, pd.OTMPercent, 0.0, "put is OTM when underlying is above strike")
}

func TestToPositionDataInfersNakedCallStrategy(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-05")), domain.PriceClose, zerolog.Nop())
	pos := &domain.SimulatedPosition{
		Underlying: "AAPL", OptionType: domain.Call, Strike: 160,
		Expiration: d("2024-03-15"), Quantity: -1, LotSize: 100, UnderlyingPx: 150.0,
	}
	pd := m.ToPositionData(pos, d("2024-02-05"))
	assert.Equal(t, domain.StrategyNakedCall, pd.StrategyType)
}

func TestToPositionDataLongIsUnknownStrategy(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-05")), domain.PriceClose, zerolog.Nop())
	pos := &domain.SimulatedPosition{
		Underlying: "AAPL", OptionType: domain.Put, Strike: 150,
		Expiration: d("2024-03-15"), Quantity: 1, LotSize: 100, UnderlyingPx: 146.0,
	}
	pd := m.ToPositionData(pos, d("2024-02-05"))
	assert.Equal(t, domain.StrategyUnknown, pd.StrategyType)
}

func TestGetExpiringPositionsAndCheckExpirations(t *testing.T) {
	m := New(newTestProvider(t, d("2024-03-01")), domain.PriceClose, zerolog.Nop())
	positions := map[int64]*domain.SimulatedPosition{
		1: {PositionID: 1, Expiration: d("2024-03-15")},
		2: {PositionID: 2, Expiration: d("2024-04-19")},
	}

	expiring := m.GetExpiringPositions(positions, d("2024-03-01"), 20)
	require.Len(t, expiring, 1)
	assert.Equal(t, int64(1), expiring[0].PositionID)

	onExpiry := m.CheckExpirations(positions, d("2024-03-15"))
	require.Len(t, onExpiry, 1)
	assert.Equal(t, int64(1), onExpiry[0].PositionID)

	none := m.CheckExpirations(positions, d("2024-03-01"))
	assert.Empty(t, none)
}

func TestGetPositionsByUnderlyingGroups(t *testing.T) {
	m := New(newTestProvider(t, d("2024-03-01")), domain.PriceClose, zerolog.Nop())
	positions := map[int64]*domain.SimulatedPosition{
		1: {PositionID: 1, Underlying: "AAPL"},
		2: {PositionID: 2, Underlying: "AAPL"},
		3: {PositionID: 3, Underlying: "MSFT"},
	}

	grouped := m.GetPositionsByUnderlying(positions)
	assert.Len(t, grouped["AAPL"], 2)
	assert.Len(t, grouped["MSFT"], 1)
}

func TestGetPositionPnLLivePosition(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-20")), domain.PriceClose, zerolog.Nop())
	pos := &domain.SimulatedPosition{
		Quantity: -1, LotSize: 100, EntryPrice: 3.45, EntryDate: d("2024-02-01"),
		Expiration: d("2024-03-15"), UnrealizedPnL: 50.0,
	}

	pnl := m.GetPositionPnL(pos, d("2024-02-20"))
	assert.False(t, pnl.IsClosed)
	assert.Equal(t, 50.0, pnl.UnrealizedPnL)
	assert.Equal(t, 19, pnl.DaysHeld)
	assert.NotEqual(t, 0.0, pnl.UnrealizedPct)
}

func TestGetPositionPnLClosedPosition(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-20")), domain.PriceClose, zerolog.Nop())
	closeDate := d("2024-02-15")
	pos := &domain.SimulatedPosition{
		Quantity: -1, LotSize: 100, EntryPrice: 3.45, EntryDate: d("2024-02-01"),
		IsClosed: true, CloseDate: &closeDate, ClosePrice: 1.00, RealizedPnL: 143.0,
		CloseReason: "take_profit",
	}

	pnl := m.GetPositionPnL(pos, d("2024-02-20"))
	assert.True(t, pnl.IsClosed)
	require.NotNil(t, pnl.RealizedPnL)
	assert.Equal(t, 143.0, *pnl.RealizedPnL)
	assert.Equal(t, 14, pnl.DaysHeld)
	assert.Equal(t, "take_profit", pnl.CloseReason)
}

func TestResetClearsCounterAndDate(t *testing.T) {
	m := New(newTestProvider(t, d("2024-02-01")), domain.PriceClose, zerolog.Nop())
	m.CreatePosition(shortPutExecution())
	m.SetDate(d("2024-02-01"))

	m.Reset()
	assert.Equal(t, int64(0), m.counter)
	assert.True(t, m.currentDate.IsZero())

	pos := m.CreatePosition(shortPutExecution())
	assert.Equal(t, int64(1), pos.PositionID, "position ids restart after reset")
}
