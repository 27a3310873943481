package executor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backteng/internal/config"
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

// fakeScreening always offers the same short-put opportunity; the
// decision engine under test only acts on it once.
type fakeScreening struct {
	opportunity domain.ContractOpportunity
	calls       int
}

func (f *fakeScreening) Run(symbols []string, market string, strategyTypes []string, skipMarketCheck bool) (domain.ScreeningResult, error) {
	f.calls++
	return domain.ScreeningResult{Opportunities: []domain.ContractOpportunity{f.opportunity}}, nil
}

// fakeMonitoring suggests closing every live position once armed.
type fakeMonitoring struct {
	armed bool
	calls int
}

func (f *fakeMonitoring) Run(positions []*domain.SimulatedPosition, nlv float64) (domain.MonitoringResult, error) {
	f.calls++
	if !f.armed || len(positions) == 0 {
		return domain.MonitoringResult{}, nil
	}
	suggestions := make([]domain.PositionSuggestion, 0, len(positions))
	for _, p := range positions {
		suggestions = append(suggestions, domain.PositionSuggestion{
			PositionID: p.PositionID,
			Action:     domain.ActionSugClose,
			Reason:     "stop_loss",
		})
	}
	return domain.MonitoringResult{Suggestions: suggestions}, nil
}

// fakeDecisionEngine opens the first screened opportunity exactly once,
// and converts every actionable suggestion into a CLOSE decision.
type fakeDecisionEngine struct {
	opened bool
}

func (f *fakeDecisionEngine) ProcessBatch(screen domain.ScreeningResult, acctState domain.AccountState, suggestions []domain.PositionSuggestion) ([]domain.TradingDecision, error) {
	var decisions []domain.TradingDecision

	if !f.opened && len(screen.Opportunities) > 0 {
		o := screen.Opportunities[0]
		decisions = append(decisions, domain.TradingDecision{
			Type:               domain.DecisionOpen,
			Underlying:         o.Underlying,
			OptionType:         o.OptionType,
			Strike:             o.Strike,
			Expiration:         o.Expiration,
			Quantity:           o.Quantity,
			LimitPrice:         o.LimitPrice,
			ContractMultiplier: 100,
			Reason:             o.Reason,
		})
		f.opened = true
	}

	for _, s := range suggestions {
		if s.Action != domain.ActionSugClose {
			continue
		}
		decisions = append(decisions, domain.TradingDecision{
			Type:       domain.DecisionClose,
			Underlying: "AAPL",
			Strike:     150,
			Expiration: "2024-03-15",
			Reason:     "stop_loss",
		})
	}

	return decisions, nil
}

func fixtureProvider(t *testing.T) *provider.Provider {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, storage.WriteParquetAtomic(layout.StockPath(), []storage.StockRow{
		{Symbol: "AAPL", Date: "2024-02-01", Open: 150.0, Close: 150.0},
		{Symbol: "AAPL", Date: "2024-02-02", Open: 147.0, Close: 146.0},
	}))
	require.NoError(t, storage.WriteParquetAtomic(layout.OptionPath("AAPL", 2024), []storage.OptionRow{
		{
			Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150, OptionType: "put",
			Date: "2024-02-02", Close: 5.0,
		},
	}))
	return provider.New(layout, d("2024-02-01"), provider.Config{}, nil, zerolog.Nop())
}

func testBacktestConfig() *config.BacktestConfig {
	cfg := config.DefaultBacktestConfig()
	cfg.Name = "short_put_smoke"
	cfg.StartDate = d("2024-02-01")
	cfg.EndDate = d("2024-02-02")
	cfg.Symbols = []string{"AAPL"}
	cfg.Market = "US"
	cfg.InitialCapital = 100_000
	cfg.MaxPositions = 5
	cfg.StrategyTypes = []string{"SHORT_PUT"}
	return &cfg
}

func TestRunOpensAndClosesAPositionAcrossTwoDays(t *testing.T) {
	data := fixtureProvider(t)
	screening := &fakeScreening{opportunity: domain.ContractOpportunity{
		Underlying: "AAPL", OptionType: domain.Put, Strike: 150, Expiration: "2024-03-15",
		Quantity: -1, LimitPrice: 3.45, Reason: "screening_signal",
	}}
	monitoring := &fakeMonitoring{armed: true}
	decision := &fakeDecisionEngine{}

	e := New(testBacktestConfig(), data, screening, monitoring, decision, zerolog.Nop())
	result := e.Run()

	require.Equal(t, 2, result.TradingDays)
	require.Empty(t, result.Errors)
	require.Equal(t, 2, screening.calls, "screening runs every day new positions can still be opened")
	require.GreaterOrEqual(t, monitoring.calls, 1, "monitoring should have run once a position was live")

	require.Len(t, result.Executions, 2, "one opening fill and one closing fill")
	require.Len(t, result.TradeRecords, 2)
	require.Len(t, result.DailySnapshots, 2)

	openExec := result.Executions[0]
	assert.InDelta(t, 3.44655, openExec.FillPrice, 1e-9)
	assert.InDelta(t, 344.655, openExec.GrossAmount, 1e-9)
	assert.InDelta(t, 343.655, openExec.NetAmount, 1e-9)
	assert.Equal(t, domain.StatusFilled, openExec.Status)

	closeExec := result.Executions[1]
	assert.InDelta(t, 5.005, closeExec.FillPrice, 1e-9)
	assert.InDelta(t, -500.5, closeExec.GrossAmount, 1e-9)
	assert.InDelta(t, -501.5, closeExec.NetAmount, 1e-9)

	closeRecord := result.TradeRecords[1]
	require.NotNil(t, closeRecord.PnL)
	assert.InDelta(t, -157.845, *closeRecord.PnL, 1e-6)

	assert.Equal(t, 0, result.WinningTrades)
	assert.Equal(t, 1, result.LosingTrades)
	assert.Equal(t, 1, result.TotalTrades)
	assert.Equal(t, 0.0, result.WinRate)
	assert.Equal(t, 0.0, result.ProfitFactor)

	assert.InDelta(t, 2.00, result.TotalCommission, 1e-9)
	assert.InDelta(t, 0.845, result.TotalSlippage, 1e-9)

	assert.InDelta(t, 99_842.155, result.FinalNLV, 1e-6)
	assert.InDelta(t, -157.845, result.TotalReturn, 1e-6)

	assert.Equal(t, 0, e.Account().PositionCount(), "the position should have been closed by day 2")

	day1Snap := result.DailySnapshots[0]
	assert.Equal(t, 1, day1Snap.TradesOpened)
	assert.Equal(t, 0, day1Snap.TradesClosed)
	day2Snap := result.DailySnapshots[1]
	assert.Equal(t, 0, day2Snap.TradesOpened)
	assert.Equal(t, 1, day2Snap.TradesClosed)
}

func TestRunWithNoCollaboratorsProducesOnlySnapshots(t *testing.T) {
	data := fixtureProvider(t)
	cfg := testBacktestConfig()

	e := New(cfg, data, nil, nil, nil, zerolog.Nop())
	result := e.Run()

	assert.Equal(t, 2, result.TradingDays)
	assert.Empty(t, result.Executions)
	assert.Empty(t, result.TradeRecords)
	assert.Equal(t, cfg.InitialCapital, result.FinalNLV)
	assert.Equal(t, 0.0, result.TotalReturn)
	assert.Len(t, result.DailySnapshots, 2)
}

func TestRunOnEmptyDateRangeReturnsEmptyResult(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	data := provider.New(layout, d("2024-02-01"), provider.Config{}, nil, zerolog.Nop())
	cfg := testBacktestConfig()

	e := New(cfg, data, nil, nil, nil, zerolog.Nop())
	result := e.Run()

	assert.Equal(t, 0, result.TradingDays)
	assert.Equal(t, cfg.InitialCapital, result.FinalNLV)
	require.Len(t, result.Errors, 1)
}

func TestResetClearsStateForReuse(t *testing.T) {
	data := fixtureProvider(t)
	screening := &fakeScreening{opportunity: domain.ContractOpportunity{
		Underlying: "AAPL", OptionType: domain.Put, Strike: 150, Expiration: "2024-03-15",
		Quantity: -1, LimitPrice: 3.45,
	}}
	e := New(testBacktestConfig(), data, screening, nil, &fakeDecisionEngine{}, zerolog.Nop())
	e.Run()
	require.Equal(t, 1, e.Account().PositionCount())

	e.Reset()
	assert.Equal(t, 0, e.Account().PositionCount())
	assert.Equal(t, testBacktestConfig().InitialCapital, e.Account().Cash())
	assert.Empty(t, e.Account().Snapshots())
	assert.Empty(t, e.tradeSim.Records())
}
