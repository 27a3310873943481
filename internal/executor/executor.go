// Package executor implements the backtest executor (C11): the day-stepped
// main loop that ties the data provider, trade simulator, position manager,
// and account simulator to the screening/monitoring/decision collaborators.
// Grounded directly on
// original_source/src/backtest/engine/backtest_executor.py's
// BacktestExecutor, with the position-tracking half of that module already
// split out into internal/position and internal/account per spec §4.7/§4.8.
package executor

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/account"
	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/position"
	"github.com/aristath/backteng/internal/provider"
	"github.com/aristath/backteng/internal/tradesim"
)

// Result is the backtest's final output: performance summary plus the full
// time series of snapshots and trade activity, grounded on
// backtest_executor.py's BacktestResult dataclass.
type Result struct {
	ConfigName string
	StartDate  time.Time
	EndDate    time.Time
	Symbols    []string

	InitialCapital float64
	FinalNLV       float64
	TotalReturn    float64
	TotalReturnPct float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	ProfitFactor  float64

	TotalCommission float64
	TotalSlippage   float64

	DailySnapshots []domain.EquitySnapshot
	TradeRecords   []domain.TradeRecord
	Executions     []domain.TradeExecution

	ExecutionTime time.Duration
	TradingDays   int
	Errors        []string
}

// Executor runs one backtest: single-owner of its Provider, TradeSim,
// PositionMgr and AccountSim (spec §5 — not safe for concurrent use; a
// parallel sweep constructs one Executor per worker).
type Executor struct {
	cfg  *config.BacktestConfig
	log  zerolog.Logger
	data *provider.Provider

	tradeSimCfg tradesim.Config
	tradeSim    *tradesim.Simulator
	posMgr      *position.Manager
	acct        *account.Simulator

	screening  domain.ScreeningPipeline
	monitoring domain.MonitoringPipeline
	decision   domain.DecisionEngine

	errors []string
}

// New builds an Executor from cfg and data. screening/monitoring/decision
// may be nil — per spec §4.9's Initialization note, days simply produce no
// opens/closes while a collaborator is absent.
func New(cfg *config.BacktestConfig, data *provider.Provider, screening domain.ScreeningPipeline, monitoring domain.MonitoringPipeline, decision domain.DecisionEngine, log zerolog.Logger) *Executor {
	tradeSimCfg := tradesim.Config{
		Slippage: tradesim.DefaultSlippageModel(cfg.SlippagePct),
		Commission: tradesim.CommissionModel{
			OptionPerContract: cfg.Commission.PerContract,
			OptionMinPerOrder: cfg.Commission.MinPerOrder,
			StockPerShare:     cfg.Commission.PerShare,
			StockMinPerOrder:  cfg.Commission.MinPerShareFlat,
		},
		LotSize: cfg.LotSize,
	}

	return &Executor{
		cfg:         cfg,
		log:         log.With().Str("component", "executor").Logger(),
		data:        data,
		tradeSimCfg: tradeSimCfg,
		tradeSim:    tradesim.New(tradeSimCfg),
		posMgr:      position.New(data, cfg.PriceMode, log),
		acct:        account.New(account.Config{InitialCapital: cfg.InitialCapital, MaxMarginUtilization: cfg.MaxMarginUtilization}, log),
		screening:   screening,
		monitoring:  monitoring,
		decision:    decision,
	}
}

// Account exposes the underlying AccountSimulator, e.g. for a metrics stage
// that needs the closed-position archive after Run returns.
func (e *Executor) Account() *account.Simulator { return e.acct }

// Run executes every trading day in [cfg.StartDate, cfg.EndDate] in order
// and returns the accumulated Result.
func (e *Executor) Run() *Result {
	start := time.Now()

	tradingDays := e.data.TradingDays(e.cfg.StartDate, e.cfg.EndDate, "")
	if len(tradingDays) == 0 {
		e.log.Error().Msg("no trading days found in date range")
		return e.emptyResult(start)
	}

	for _, day := range tradingDays {
		e.runSingleDay(day)
	}

	return e.buildResult(tradingDays, time.Since(start))
}

// runSingleDay executes spec §4.9's nine-step per-day algorithm in strict
// order: revalue, expire, monitor, screen, decide, execute, snapshot.
func (e *Executor) runSingleDay(day time.Time) {
	prevNLV := e.acct.NLV()

	e.data.SetAsOfDate(day)
	e.posMgr.SetDate(day)

	e.revaluePositions(day)
	expired := e.processExpirations(day)

	var suggestions []domain.PositionSuggestion
	if e.acct.PositionCount() > 0 && e.monitoring != nil {
		suggestions = e.runMonitoring(day)
	}

	var screenResult domain.ScreeningResult
	if e.canOpenNewPositions() && e.screening != nil {
		screenResult = e.runScreening(day)
	}

	opened, closed := e.decideAndExecute(day, screenResult, suggestions)

	e.acct.TakeSnapshot(day, prevNLV, opened, closed, expired)
}

// revaluePositions marks every live position to market. A missing
// underlying quote is a hard data-absence error (spec §7): it's recorded in
// the per-run error list and the position's value stays stale for the day
// rather than aborting the run.
func (e *Executor) revaluePositions(day time.Time) {
	for _, pos := range e.sortedPositions() {
		if err := e.posMgr.UpdatePositionMarketData(pos); err != nil {
			e.recordError(day, "revalue", err)
		}
	}
}

// processExpirations settles every position expiring today and returns how
// many expired.
func (e *Executor) processExpirations(day time.Time) int {
	expiring := e.posMgr.CheckExpirations(e.acct.Positions(), day)
	sort.Slice(expiring, func(i, j int) bool { return expiring[i].PositionID < expiring[j].PositionID })

	count := 0
	for _, pos := range expiring {
		finalPrice := pos.Strike
		if quote := e.data.StockQuote(pos.Underlying); quote != nil {
			if quote.Close > 0 {
				finalPrice = quote.Close
			} else if quote.Open > 0 {
				finalPrice = quote.Open
			}
		}

		exec := e.tradeSim.ExecuteExpire(tradesim.ExpireRequest{
			TradeDate:       day,
			Symbol:          pos.Symbol,
			Underlying:      pos.Underlying,
			OptionType:      pos.OptionType,
			Strike:          pos.Strike,
			Expiration:      pos.Expiration,
			Quantity:        -pos.Quantity,
			UnderlyingPrice: finalPrice,
			LotSize:         pos.LotSize,
		})

		pnl := e.posMgr.CalculateRealizedPnL(pos, exec)
		if !e.acct.RemovePosition(pos.PositionID, exec.NetAmount, pnl) {
			continue
		}
		e.posMgr.FinalizeClose(pos, exec, pnl, "")
		e.annotateLastRecord(pos.PositionID, &pnl)
		count++
	}
	return count
}

// runMonitoring asks the MonitoringPipeline for live-position suggestions
// and keeps only those the executor must act on (spec §4.9 step 5).
func (e *Executor) runMonitoring(day time.Time) []domain.PositionSuggestion {
	positions := e.sortedPositions()

	result, err := e.monitoring.Run(positions, e.acct.NLV())
	if err != nil {
		e.recordError(day, "monitoring", err)
		return nil
	}

	actionable := make([]domain.PositionSuggestion, 0, len(result.Suggestions))
	for _, s := range result.Suggestions {
		switch s.Action {
		case domain.ActionHold, domain.ActionMonitor, domain.ActionReview:
			continue
		}
		actionable = append(actionable, s)
	}
	return actionable
}

// runScreening asks the ScreeningPipeline for new opening opportunities,
// skipping the market-environment check: a backtest replays history, it
// doesn't gate on live market conditions.
func (e *Executor) runScreening(day time.Time) domain.ScreeningResult {
	result, err := e.screening.Run(e.cfg.Symbols, e.cfg.Market, e.cfg.StrategyTypes, true)
	if err != nil {
		e.recordError(day, "screening", err)
		return domain.ScreeningResult{}
	}
	return result
}

// canOpenNewPositions applies spec §4.9 step 6's gate: position count under
// the configured cap and margin utilization under the configured ceiling.
// A zero MaxPositions means no cap is configured.
func (e *Executor) canOpenNewPositions() bool {
	if e.cfg.MaxPositions > 0 && e.acct.PositionCount() >= e.cfg.MaxPositions {
		return false
	}
	return e.acct.AccountState().MarginUtilization < e.cfg.MaxMarginUtilization
}

// decideAndExecute runs the DecisionEngine and executes its decisions in
// order, returning the day's opened/closed trade counts.
func (e *Executor) decideAndExecute(day time.Time, screen domain.ScreeningResult, suggestions []domain.PositionSuggestion) (opened, closed int) {
	if e.decision == nil {
		return 0, 0
	}

	decisions, err := e.decision.ProcessBatch(screen, e.acct.AccountState(), suggestions)
	if err != nil {
		e.recordError(day, "decision", err)
		return 0, 0
	}

	for _, d := range decisions {
		switch d.Type {
		case domain.DecisionOpen:
			if e.executeOpen(d, day) {
				opened++
			}
		case domain.DecisionClose:
			if e.executeClose(d, day) {
				closed++
			}
		case domain.DecisionRoll:
			// Roll = close + subsequent open (spec §4.9 step 8); the engine
			// is only required to handle the close half correctly here —
			// the open half arrives as its own OPEN decision upstream.
			if e.executeClose(d, day) {
				closed++
			}
		}
	}
	return opened, closed
}

// executeOpen fills the requested contract, creates its position, and
// registers it with the account. A margin rejection leaves the trade
// record in place (marked rejected) for audit, per spec §4.9 step 8.
func (e *Executor) executeOpen(d domain.TradingDecision, day time.Time) bool {
	optionType := d.OptionType
	if optionType == "" {
		optionType = domain.Put
	}

	expiry := day
	if d.Expiration != "" {
		if t, err := time.Parse("2006-01-02", d.Expiration); err == nil {
			expiry = t
		}
	}

	symbol := provider.ContractSymbol(d.Underlying, expiry, string(optionType), d.Strike)

	exec := e.tradeSim.ExecuteOpen(tradesim.FillRequest{
		TradeDate:  day,
		Symbol:     symbol,
		Underlying: d.Underlying,
		OptionType: optionType,
		Strike:     d.Strike,
		Expiration: expiry,
		Quantity:   d.Quantity,
		MidPrice:   d.LimitPrice,
		Reason:     "screening_signal",
		LotSize:    d.ContractMultiplier,
	})

	pos := e.posMgr.CreatePosition(exec)
	if !e.acct.AddPosition(pos, exec.NetAmount) {
		e.markLastExecutionRejected()
		return false
	}

	e.annotateLastRecord(pos.PositionID, nil)
	return true
}

// executeClose locates the live position a CLOSE/ROLL decision targets and
// closes it at the position's current mark (already refreshed by this
// day's revaluation step).
func (e *Executor) executeClose(d domain.TradingDecision, day time.Time) bool {
	pos := e.findPositionForDecision(d)
	if pos == nil {
		e.log.Warn().Str("underlying", d.Underlying).Float64("strike", d.Strike).
			Msg("position not found for close decision")
		return false
	}

	reason := d.Reason
	if reason == "" {
		reason = "monitor_signal"
	}

	exec := e.tradeSim.ExecuteClose(tradesim.FillRequest{
		TradeDate:  day,
		Symbol:     pos.Symbol,
		Underlying: pos.Underlying,
		OptionType: pos.OptionType,
		Strike:     pos.Strike,
		Expiration: pos.Expiration,
		Quantity:   -pos.Quantity,
		MidPrice:   pos.CurrentPrice,
		Reason:     reason,
		LotSize:    pos.LotSize,
	})

	pnl := e.posMgr.CalculateRealizedPnL(pos, exec)
	if !e.acct.RemovePosition(pos.PositionID, exec.NetAmount, pnl) {
		return false
	}
	e.posMgr.FinalizeClose(pos, exec, pnl, reason)
	e.annotateLastRecord(pos.PositionID, &pnl)
	return true
}

// findPositionForDecision resolves a CLOSE/ROLL decision to a live
// position: match by (underlying, strike, expiry) first, falling back to
// underlying-in-symbol (spec §4.9 step 8).
func (e *Executor) findPositionForDecision(d domain.TradingDecision) *domain.SimulatedPosition {
	for _, pos := range e.sortedPositions() {
		if pos.Underlying == d.Underlying && pos.Strike == d.Strike && pos.Expiration.Format("2006-01-02") == d.Expiration {
			return pos
		}
	}
	for _, pos := range e.sortedPositions() {
		if strings.Contains(pos.Symbol, d.Underlying) {
			return pos
		}
	}
	return nil
}

// sortedPositions returns the account's live positions ordered by
// position id — the map iteration order the account stores them in isn't
// stable, and spec §4.9's Determinism requirement needs a fixed walk order
// for any per-position processing this package does within a day.
func (e *Executor) sortedPositions() []*domain.SimulatedPosition {
	out := make([]*domain.SimulatedPosition, 0, len(e.acct.Positions()))
	for _, pos := range e.acct.Positions() {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// annotateLastRecord fills in the position id and realized PnL (nil for an
// open) on the trade record the simulator just appended. Records() and
// Executions() return the simulator's own backing slices, so mutating by
// index here is visible through the simulator too.
func (e *Executor) annotateLastRecord(positionID int64, pnl *float64) {
	records := e.tradeSim.Records()
	if len(records) == 0 {
		return
	}
	last := &records[len(records)-1]
	id := positionID
	last.PositionID = &id
	last.PnL = pnl
}

// markLastExecutionRejected flips the status of the execution (and its
// paired record) the simulator just appended, for a decision whose
// position the account refused to register.
func (e *Executor) markLastExecutionRejected() {
	if execs := e.tradeSim.Executions(); len(execs) > 0 {
		execs[len(execs)-1].Status = domain.StatusRejected
	}
	if records := e.tradeSim.Records(); len(records) > 0 {
		records[len(records)-1].Execution.Status = domain.StatusRejected
	}
}

func (e *Executor) recordError(day time.Time, stage string, err error) {
	msg := fmt.Sprintf("%s: %s: %v", day.Format("2006-01-02"), stage, err)
	e.log.Warn().Msg(msg)
	e.errors = append(e.errors, msg)
}

// tradeStats derives win/loss counts and profit factor from every closed
// trade record's realized PnL (spec §4.9/§8).
func (e *Executor) tradeStats() (winning, losing int, winRate, profitFactor float64) {
	var grossProfit, grossLoss float64
	for _, r := range e.tradeSim.Records() {
		if r.PnL == nil {
			continue
		}
		switch {
		case *r.PnL > 0:
			winning++
			grossProfit += *r.PnL
		case *r.PnL < 0:
			losing++
			grossLoss += -*r.PnL
		}
	}

	total := winning + losing
	if total > 0 {
		winRate = float64(winning) / float64(total)
	}
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = math.Inf(1)
	}
	return winning, losing, winRate, profitFactor
}

func (e *Executor) buildResult(tradingDays []time.Time, execTime time.Duration) *Result {
	winning, losing, winRate, profitFactor := e.tradeStats()

	finalNLV := e.acct.NLV()
	totalReturn := finalNLV - e.cfg.InitialCapital
	var totalReturnPct float64
	if e.cfg.InitialCapital > 0 {
		totalReturnPct = totalReturn / e.cfg.InitialCapital
	}

	return &Result{
		ConfigName:      e.cfg.Name,
		StartDate:       e.cfg.StartDate,
		EndDate:         e.cfg.EndDate,
		Symbols:         e.cfg.Symbols,
		InitialCapital:  e.cfg.InitialCapital,
		FinalNLV:        finalNLV,
		TotalReturn:     totalReturn,
		TotalReturnPct:  totalReturnPct,
		TotalTrades:     winning + losing,
		WinningTrades:   winning,
		LosingTrades:    losing,
		WinRate:         winRate,
		ProfitFactor:    profitFactor,
		TotalCommission: e.tradeSim.TotalCommission(),
		TotalSlippage:   e.tradeSim.TotalSlippage(),
		DailySnapshots:  e.acct.Snapshots(),
		TradeRecords:    e.tradeSim.Records(),
		Executions:      e.tradeSim.Executions(),
		ExecutionTime:   execTime,
		TradingDays:     len(tradingDays),
		Errors:          e.errors,
	}
}

func (e *Executor) emptyResult(start time.Time) *Result {
	return &Result{
		ConfigName:     e.cfg.Name,
		StartDate:      e.cfg.StartDate,
		EndDate:        e.cfg.EndDate,
		Symbols:        e.cfg.Symbols,
		InitialCapital: e.cfg.InitialCapital,
		FinalNLV:       e.cfg.InitialCapital,
		ExecutionTime:  time.Since(start),
		Errors:         []string{"no trading days found in date range"},
	}
}

// Reset restores the executor to a freshly-constructed state for reuse
// across parameter-sweep combinations (spec §4.12/§9): a new TradeSim, and
// a cleared AccountSim/PositionMgr/error list.
func (e *Executor) Reset() {
	e.tradeSim = tradesim.New(e.tradeSimCfg)
	e.acct.Reset()
	e.posMgr.Reset()
	e.errors = nil
}
