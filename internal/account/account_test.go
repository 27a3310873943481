package account

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/position"
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

func testConfig() Config {
	return Config{InitialCapital: 100_000, MaxMarginUtilization: 0.70, Broker: "backtest"}
}

func shortPutPosition(id int64) *domain.SimulatedPosition {
	return &domain.SimulatedPosition{
		PositionID:     id,
		Symbol:         "AAPL240315P00150000",
		Underlying:     "AAPL",
		OptionType:     domain.Put,
		Strike:         150,
		Expiration:     d("2024-03-15"),
		Quantity:       -1,
		LotSize:        100,
		EntryPrice:     3.45,
		EntryDate:      d("2024-02-01"),
		CurrentPrice:   3.45,
		MarketValue:    -345.0,
		MarginRequired: 1500.0,
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(Config{}, zerolog.Nop())
	assert.Equal(t, defaultInitialCapital, s.Cash())
	assert.Equal(t, defaultInitialCapital, s.NLV())
}

func TestAddPositionAppliesCashAndMargin(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	pos := shortPutPosition(1)

	ok := s.AddPosition(pos, 344.0) // net_amount received from selling the put
	require.True(t, ok)
	assert.Equal(t, 100_344.0, s.Cash())
	assert.Equal(t, 1, s.PositionCount())
	assert.Equal(t, 1500.0, s.MarginUsed())
}

func TestAddPositionRejectsWhenMarginExceedsAvailable(t *testing.T) {
	s := New(Config{InitialCapital: 1000, MaxMarginUtilization: 0.70}, zerolog.Nop())
	pos := shortPutPosition(1)
	pos.MarginRequired = 5000.0 // far more than 70% of a $1000 account

	ok := s.AddPosition(pos, 344.0)
	assert.False(t, ok)
	assert.Equal(t, 1000.0, s.Cash(), "cash must not change on a rejected position")
	assert.Equal(t, 0, s.PositionCount())
}

func TestRemovePositionMovesToClosedAndAccumulatesPnL(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	pos := shortPutPosition(1)
	require.True(t, s.AddPosition(pos, 344.0))

	ok := s.RemovePosition(1, -101.0, 243.0) // bought back for 101, net realized 243
	require.True(t, ok)
	assert.Equal(t, 0, s.PositionCount())
	require.Len(t, s.ClosedPositions(), 1)
	assert.Equal(t, 243.0, s.RealizedPnL())
	assert.Equal(t, 100_344.0-101.0, s.Cash())
}

func TestRemovePositionMissingIDReturnsFalse(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	ok := s.RemovePosition(99, -1.0, 0)
	assert.False(t, ok)
}

func TestNLVReflectsShortMarketValue(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	pos := shortPutPosition(1)
	require.True(t, s.AddPosition(pos, 344.0))

	// nlv = cash + market_value; market_value is negative for a short.
	assert.InDelta(t, s.Cash()+pos.MarketValue, s.NLV(), 1e-9)
}

func TestAvailableMarginClampsAtZero(t *testing.T) {
	s := New(Config{InitialCapital: 1000, MaxMarginUtilization: 0.70}, zerolog.Nop())
	pos := shortPutPosition(1)
	pos.MarginRequired = 100.0
	require.True(t, s.AddPosition(pos, 0))
	pos.MarginRequired = 10_000.0 // simulate a margin blowout after revaluation

	assert.Equal(t, 0.0, s.AvailableMargin())
}

func TestTakeSnapshotComputesDailyPnL(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	pos := shortPutPosition(1)
	pos.UnrealizedPnL = 20.0
	require.True(t, s.AddPosition(pos, 344.0))

	prevNLV := 100_000.0
	snap := s.TakeSnapshot(d("2024-02-01"), prevNLV, 1, 0, 0)

	assert.Equal(t, s.NLV(), snap.NLV)
	assert.InDelta(t, snap.NLV-prevNLV, snap.DailyPnL, 1e-9)
	assert.Equal(t, 1, snap.PositionCount)
	assert.Equal(t, 1, snap.TradesOpened)
	require.Len(t, s.Snapshots(), 1)
}

func TestAccountStateComputesExposureAndLeverage(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	require.True(t, s.AddPosition(shortPutPosition(1), 344.0))
	pos2 := shortPutPosition(2)
	pos2.Underlying = "MSFT"
	pos2.Strike = 300
	pos2.MarginRequired = 2000.0
	require.True(t, s.AddPosition(pos2, 200.0))

	state := s.AccountState()
	assert.Equal(t, 2, state.OpenPositionCount)
	assert.Equal(t, 0, state.ClosedPositionCount)
	assert.InDelta(t, 150*100, state.Exposure["AAPL"], 1e-9)
	assert.InDelta(t, 300*100, state.Exposure["MSFT"], 1e-9)
	assert.Greater(t, state.GrossLeverage, 0.0)
	assert.Greater(t, state.MarginUtilization, 0.0)
}

func TestAccountStateOnEmptyAccountHasFullCashRatio(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	state := s.AccountState()
	assert.Equal(t, 1.0, state.CashRatio)
	assert.Equal(t, 0.0, state.GrossLeverage)
}

func TestUpdatePositionValueDelegatesToPositionManager(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, storage.WriteParquetAtomic(layout.StockPath(), []storage.StockRow{
		{Symbol: "AAPL", Date: "2024-02-05", Close: 146.0},
	}))
	require.NoError(t, storage.WriteParquetAtomic(layout.OptionPath("AAPL", 2024), []storage.OptionRow{
		{Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150, OptionType: "put", Date: "2024-02-05", Close: 5.0},
	}))
	p := provider.New(layout, d("2024-02-05"), provider.Config{}, nil, zerolog.Nop())
	mgr := position.New(p, domain.PriceClose, zerolog.Nop())
	mgr.SetDate(d("2024-02-05"))

	s := New(testConfig(), zerolog.Nop())
	pos := shortPutPosition(1)
	require.True(t, s.AddPosition(pos, 344.0))

	require.NoError(t, s.UpdatePositionValue(1, mgr))
	assert.Equal(t, 5.0, pos.CurrentPrice)
	assert.Equal(t, 146.0, pos.UnderlyingPx)
}

func TestUpdatePositionValueMissingIDIsNoOp(t *testing.T) {
	p := provider.New(storage.NewLayout(t.TempDir()), d("2024-02-05"), provider.Config{}, nil, zerolog.Nop())
	mgr := position.New(p, domain.PriceClose, zerolog.Nop())
	s := New(testConfig(), zerolog.Nop())

	assert.NoError(t, s.UpdatePositionValue(404, mgr))
}

func TestResetRestoresInitialCapital(t *testing.T) {
	s := New(testConfig(), zerolog.Nop())
	require.True(t, s.AddPosition(shortPutPosition(1), 344.0))
	s.TakeSnapshot(d("2024-02-01"), 100_000, 1, 0, 0)

	s.Reset()
	assert.Equal(t, testConfig().InitialCapital, s.Cash())
	assert.Equal(t, 0, s.PositionCount())
	assert.Empty(t, s.ClosedPositions())
	assert.Empty(t, s.Snapshots())
	assert.Equal(t, 0.0, s.RealizedPnL())
}
