// Package pipeline implements the orchestration pipeline (C13): the single
// entry point that ties data collection, backtest execution, and metrics
// computation into one call. Grounded directly on
// original_source/src/backtest/pipeline.py's BacktestPipeline.run, with the
// visualization/attribution stages (dashboard.py, attribution_charts.py)
// left out per spec §1's Non-goals (HTML/chart rendering is a black-box
// sink, not this package's concern) and the report sink reduced to the
// single-call interface spec §6 names.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/downloader"
	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/executor"
	"github.com/aristath/backteng/internal/gapdetect"
	"github.com/aristath/backteng/internal/metrics"
	"github.com/aristath/backteng/internal/provider"
	"github.com/aristath/backteng/internal/storage"
	"github.com/aristath/backteng/internal/vendor"
)

// betaLookbackDays is the extra history stock data needs before
// start_date so the 252-day rolling beta has a full window by the time
// the backtest itself begins (spec §4.11, ported from the Python
// pipeline's BETA_LOOKBACK_DAYS = 280).
const betaLookbackDays = 280

var defaultMacroIndicators = []string{"^VIX", "^TNX"}

// Options controls one Run call (spec §4.11).
type Options struct {
	SkipDataCheck  bool
	GenerateReport bool
	ReportDir      string
	Verbose        bool
	MaxFanout      int // falls back to cfg.MaxFanout when 0
}

// DataStatus reports what the gap detector found and what the downloader
// did about it (spec §4.11 step 1), mirrored on pipeline.py's DataStatus.
type DataStatus struct {
	StockGaps   []gapdetect.DataGap
	OptionGaps  []gapdetect.DataGap
	MacroGaps   []gapdetect.DataGap
	BetaMissing []string

	StockDownloadErrors  []error
	OptionDownloadErrors []error
	MacroDownloadErrors  []error
	BetaCalculated       bool
}

func (s DataStatus) HasGaps() bool {
	return len(s.StockGaps) > 0 || len(s.OptionGaps) > 0 || len(s.MacroGaps) > 0 || len(s.BetaMissing) > 0
}

// Summary renders a one-line-per-dataset plain-text report, mirroring
// pipeline.py's DataStatus.summary().
func (s DataStatus) Summary() string {
	var lines []string
	if len(s.StockGaps) > 0 {
		lines = append(lines, fmt.Sprintf("Stock: %d gaps", len(s.StockGaps)))
	}
	if len(s.OptionGaps) > 0 {
		lines = append(lines, fmt.Sprintf("Option: %d gaps", len(s.OptionGaps)))
	}
	if len(s.MacroGaps) > 0 {
		lines = append(lines, fmt.Sprintf("Macro: %d gaps", len(s.MacroGaps)))
	}
	if len(s.BetaMissing) > 0 {
		lines = append(lines, fmt.Sprintf("Beta: %d missing", len(s.BetaMissing)))
	}
	if s.BetaCalculated {
		lines = append(lines, "Beta: calculated")
	}
	if len(lines) == 0 {
		return "All data available"
	}
	return strings.Join(lines, "; ")
}

// ReportSink is the black-box rendering collaborator spec §6 names: a
// single call that renders a finished run to reportDir and returns where
// it landed.
type ReportSink interface {
	Render(result *executor.Result, m metrics.BacktestMetrics, bench *metrics.BenchmarkResult, reportDir string) (string, error)
}

// Result is what Run returns: the backtest result, its metrics, an
// optional SPY benchmark comparison, the data-collection status, and
// (if a sink is configured) the report path.
type Result struct {
	Backtest   *executor.Result
	Metrics    metrics.BacktestMetrics
	Benchmark  *metrics.BenchmarkResult
	DataStatus DataStatus
	ReportPath string
}

// Pipeline wires the data layer, the executor, and metrics computation
// around one BacktestConfig.
type Pipeline struct {
	cfg   *config.Config
	btCfg *config.BacktestConfig

	stock        vendor.StockAdapter
	option       vendor.OptionAdapter
	macro        vendor.MacroAdapter
	fundamentals vendor.FundamentalsAdapter

	screening  domain.ScreeningPipeline
	monitoring domain.MonitoringPipeline
	decision   domain.DecisionEngine

	sink ReportSink // optional; nil means Run never generates a report

	log zerolog.Logger
}

// New builds a Pipeline. sink may be nil: Run then only ever produces a
// Result for the caller to consume directly (spec §4.11 step 4).
func New(
	cfg *config.Config,
	btCfg *config.BacktestConfig,
	stock vendor.StockAdapter,
	option vendor.OptionAdapter,
	macro vendor.MacroAdapter,
	fundamentals vendor.FundamentalsAdapter,
	screening domain.ScreeningPipeline,
	monitoring domain.MonitoringPipeline,
	decision domain.DecisionEngine,
	sink ReportSink,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg: cfg, btCfg: btCfg,
		stock: stock, option: option, macro: macro, fundamentals: fundamentals,
		screening: screening, monitoring: monitoring, decision: decision,
		sink: sink,
		log: log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the full four-step orchestration sequence (spec §4.11).
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.MaxFanout <= 0 {
		opts.MaxFanout = p.cfg.MaxFanout
	}
	if opts.Verbose {
		p.log = p.log.Level(zerolog.DebugLevel)
	}

	p.log.Info().Str("name", p.btCfg.Name).Time("start", p.btCfg.StartDate).Time("end", p.btCfg.EndDate).
		Strs("symbols", p.btCfg.Symbols).Msg("pipeline started")

	layout := storage.NewLayout(p.cfg.DataDir)

	var dataStatus DataStatus
	if !opts.SkipDataCheck {
		p.log.Info().Msg("step 1/4: checking and downloading data")
		var err error
		dataStatus, err = p.ensureAllData(ctx, layout, opts.MaxFanout)
		if err != nil {
			return nil, fmt.Errorf("ensure data: %w", err)
		}
		p.log.Info().Str("status", dataStatus.Summary()).Msg("data status")
	} else {
		p.log.Info().Msg("step 1/4: skipping data check")
	}

	p.log.Info().Msg("step 2/4: running backtest")
	dataProvider := provider.New(layout, p.btCfg.StartDate, provider.Config{}, nil, p.log)
	exec := executor.New(p.btCfg, dataProvider, p.screening, p.monitoring, p.decision, p.log)
	backtestResult := exec.Run()
	p.log.Info().Int("trading_days", backtestResult.TradingDays).Int("total_trades", backtestResult.TotalTrades).
		Msg("backtest completed")

	p.log.Info().Msg("step 3/4: calculating metrics")
	backtestMetrics := metrics.FromResult(backtestResult, 0)
	if backtestMetrics.HasSharpe {
		p.log.Info().Float64("total_return_pct", backtestMetrics.TotalReturnPct).Float64("sharpe", backtestMetrics.SharpeRatio).Msg("metrics computed")
	} else {
		p.log.Info().Float64("total_return_pct", backtestMetrics.TotalReturnPct).Msg("metrics computed")
	}

	benchmarkResult := p.runBenchmark(dataProvider, backtestResult)
	if benchmarkResult != nil {
		p.log.Info().Float64("strategy_return", benchmarkResult.StrategyTotalReturn).
			Float64("benchmark_return", benchmarkResult.BenchmarkTotalReturn).Msg("benchmark comparison computed")
	}

	result := &Result{
		Backtest:   backtestResult,
		Metrics:    backtestMetrics,
		Benchmark:  benchmarkResult,
		DataStatus: dataStatus,
	}

	if opts.GenerateReport && p.sink != nil {
		p.log.Info().Msg("step 4/4: generating report")
		reportDir := opts.ReportDir
		if reportDir == "" {
			reportDir = "reports"
		}
		path, err := p.sink.Render(backtestResult, backtestMetrics, benchmarkResult, reportDir)
		if err != nil {
			p.log.Warn().Err(err).Msg("report generation failed")
		} else {
			result.ReportPath = path
			p.log.Info().Str("path", path).Msg("report written")
		}
	} else {
		p.log.Info().Msg("step 4/4: skipping report generation")
	}

	p.log.Info().Msg("pipeline completed")
	return result, nil
}

// CheckData runs gap detection only, without downloading anything (spec
// §4.11's companion to pipeline.py's check_data/print_data_status).
func (p *Pipeline) CheckData(layout *storage.Layout) (DataStatus, error) {
	return p.detectGaps(layout)
}

// RefreshData runs gap detection and downloads whatever is missing,
// without running a backtest. This is step 1/4 of Run in isolation, for
// callers (the cron entry point) that only want to keep the Parquet store
// current between backtest invocations.
func (p *Pipeline) RefreshData(ctx context.Context, maxFanout int) (DataStatus, error) {
	if maxFanout <= 0 {
		maxFanout = p.cfg.MaxFanout
	}
	layout := storage.NewLayout(p.cfg.DataDir)
	return p.ensureAllData(ctx, layout, maxFanout)
}

func (p *Pipeline) ensureAllData(ctx context.Context, layout *storage.Layout, maxFanout int) (DataStatus, error) {
	status, err := p.detectGaps(layout)
	if err != nil {
		return status, err
	}

	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	if err != nil {
		return status, fmt.Errorf("load progress ledger: %w", err)
	}

	dl := downloader.New(layout, ledger, p.stock, p.option, p.macro, p.fundamentals, downloader.Config{}, p.log)
	if err := dl.Preflight(); err != nil {
		return status, fmt.Errorf("disk space preflight: %w", err)
	}

	if len(status.StockGaps) > 0 {
		status.StockDownloadErrors = compactErrors(dl.RunGaps(ctx, status.StockGaps, maxFanout))
	}
	if len(status.OptionGaps) > 0 {
		status.OptionDownloadErrors = compactErrors(dl.RunGaps(ctx, status.OptionGaps, maxFanout))
	}
	if len(status.MacroGaps) > 0 {
		status.MacroDownloadErrors = compactErrors(dl.RunGaps(ctx, status.MacroGaps, maxFanout))
	}
	if len(status.BetaMissing) > 0 {
		allSymbols := uniqueSymbols(append(append([]string{}, p.btCfg.Symbols...), "SPY"))
		if err := dl.CalculateAndSaveRollingBeta(allSymbols, 252); err != nil {
			p.log.Warn().Err(err).Msg("rolling beta calculation failed")
		} else {
			status.BetaCalculated = true
		}
	}

	return status, nil
}

// detectGaps runs the gap detector for stock/option/macro/beta over the
// union of the backtest's symbols and SPY (spec §4.11 step 1). Stock data
// is required further back than the backtest window itself, to give the
// rolling beta a full 252-day window by start_date.
func (p *Pipeline) detectGaps(layout *storage.Layout) (DataStatus, error) {
	var status DataStatus

	allSymbols := uniqueSymbols(append(append([]string{}, p.btCfg.Symbols...), "SPY"))
	stockStart := p.btCfg.StartDate.AddDate(0, 0, -betaLookbackDays)

	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	if err != nil {
		return status, fmt.Errorf("load progress ledger: %w", err)
	}

	status.StockGaps = gapdetect.DetectAll(storage.DataStock, allSymbols, stockStart, p.btCfg.EndDate, ledger)
	status.OptionGaps = gapdetect.DetectAll(storage.DataOption, p.btCfg.Symbols, p.btCfg.StartDate, p.btCfg.EndDate, ledger)

	catalog, err := storage.LoadCatalog(layout)
	readOK := err == nil
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load catalog for macro gap detection; assuming full gap")
		catalog = &storage.Catalog{}
	}
	macroExisting := macroCoverageRange(catalog)
	status.MacroGaps = gapdetect.DetectMacro(defaultMacroIndicators, p.btCfg.StartDate, p.btCfg.EndDate, macroExisting, readOK)

	betaPresent := make(map[string]bool, len(catalog.Beta))
	for _, c := range catalog.Beta {
		betaPresent[c.Symbol] = true
	}
	for _, sym := range allSymbols {
		if sym == "SPY" {
			continue
		}
		if !betaPresent[sym] {
			status.BetaMissing = append(status.BetaMissing, sym)
		}
	}

	return status, nil
}

func (p *Pipeline) runBenchmark(dataProvider *provider.Provider, result *executor.Result) *metrics.BenchmarkResult {
	bars := dataProvider.HistoryKline("SPY", result.StartDate, result.EndDate)
	if len(bars) == 0 {
		p.log.Warn().Msg("no SPY history available, skipping benchmark comparison")
		return nil
	}

	series := metrics.BenchmarkSeries{
		Name:   "SPY",
		Dates:  make([]time.Time, len(bars)),
		Prices: make([]float64, len(bars)),
	}
	for i, bar := range bars {
		series.Dates[i] = bar.Date
		series.Prices[i] = bar.Close
	}

	out, err := metrics.CompareWithBenchmark(result, series)
	if err != nil {
		p.log.Warn().Err(err).Msg("benchmark comparison failed")
		return nil
	}
	return &out
}

func macroCoverageRange(cat *storage.Catalog) map[string][2]time.Time {
	out := make(map[string][2]time.Time, len(cat.Macro))
	for _, c := range cat.Macro {
		start, err1 := time.Parse("2006-01-02", c.StartDate)
		end, err2 := time.Parse("2006-01-02", c.EndDate)
		if err1 != nil || err2 != nil {
			continue
		}
		out[c.Symbol] = [2]time.Time{start, end}
	}
	return out
}

func uniqueSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func compactErrors(errs []error) []error {
	var out []error
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
