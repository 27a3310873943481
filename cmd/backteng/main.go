// Command backteng is the CLI entry point for running, sweeping, and
// walk-forward validating options-strategy backtests (spec §6/§9), grounded
// on the teacher's cmd/server/main.go bootstrap sequence (config -> logger
// -> wiring) and on NitinKhare-trader's cmd/engine/main.go -mode flag
// dispatch (the pack's only demonstrated CLI shape; nothing in the pack
// reaches for a subcommand library).
//
// Modes:
//   - "run":        run a single backtest and print a summary
//   - "sweep":      run a parameter sweep over one or more --param flags
//   - "walkforward": run walk-forward validation over one strategy config
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/database"
	"github.com/aristath/backteng/internal/pipeline"
	"github.com/aristath/backteng/internal/runner"
	"github.com/aristath/backteng/internal/sweep"
	"github.com/aristath/backteng/internal/vendor"
	"github.com/aristath/backteng/pkg/logger"
	"github.com/aristath/backteng/pkg/report"
)

// paramFlag collects repeated --param name=v1,v2,v3 flags for sweep mode.
type paramFlag struct {
	names  []string
	values [][]string
}

func (p *paramFlag) String() string {
	return strings.Join(p.names, ",")
}

func (p *paramFlag) Set(s string) error {
	name, rawValues, ok := strings.Cut(s, "=")
	if !ok || name == "" || rawValues == "" {
		return fmt.Errorf("--param must be name=v1,v2,... (got %q)", s)
	}
	p.names = append(p.names, name)
	p.values = append(p.values, strings.Split(rawValues, ","))
	return nil
}

func main() {
	mode := flag.String("mode", "run", "run | sweep | walkforward")

	name := flag.String("name", "backtest", "backtest name")
	start := flag.String("start", "", "start date, YYYY-MM-DD")
	end := flag.String("end", "", "end date, YYYY-MM-DD")
	symbols := flag.String("symbols", "", "comma-separated symbols to trade")
	dataDir := flag.String("data-dir", "", "override the process data directory")
	capital := flag.Float64("capital", 1_000_000, "initial capital")
	maxPositions := flag.Int("max-positions", 20, "maximum concurrent positions")
	skipDataCheck := flag.Bool("skip-download", false, "skip the data gap check/download step")
	noReport := flag.Bool("no-report", false, "do not write a report file")
	reportDir := flag.String("report-dir", "reports", "directory report files are written to")
	verbose := flag.Bool("verbose", false, "debug-level logging")
	maxWorkers := flag.Int("max-workers", 4, "worker pool size for sweep/walkforward")

	trainMonths := flag.Int("train-months", 6, "walk-forward train window, in months")
	testMonths := flag.Int("test-months", 2, "walk-forward test window, in months")
	nSplits := flag.Int("splits", 0, "walk-forward split count (0 = auto-compute from the window)")
	overlapMonths := flag.Int("overlap-months", 0, "walk-forward overlap between successive train windows, in months")
	expanding := flag.Bool("expanding", false, "use a fixed-start expanding train window instead of a rolling one")

	var params paramFlag
	flag.Var(&params, "param", "sweep parameter, name=v1,v2,... (repeatable)")

	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *mode, cliArgs{
		name: *name, start: *start, end: *end, symbols: *symbols, dataDir: *dataDir,
		capital: *capital, maxPositions: *maxPositions,
		skipDataCheck: *skipDataCheck, noReport: *noReport, reportDir: *reportDir, verbose: *verbose,
		maxWorkers: *maxWorkers,
		trainMonths: *trainMonths, testMonths: *testMonths, nSplits: *nSplits, overlapMonths: *overlapMonths,
		expanding: *expanding, params: params,
	}); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliArgs struct {
	name, start, end, symbols, dataDir string
	capital                            float64
	maxPositions                       int
	skipDataCheck, noReport            bool
	reportDir                          string
	verbose                            bool
	maxWorkers                         int
	trainMonths, testMonths, nSplits, overlapMonths int
	expanding                          bool
	params                             paramFlag
}

func run(ctx context.Context, mode string, a cliArgs) error {
	cfg, err := config.Load(a.dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.LogLevel
	if a.verbose {
		logLevel = "debug"
	}
	log := logger.New(logger.Config{Level: logLevel, Pretty: true})

	btCfg, err := buildBacktestConfig(a, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("build backtest config: %w", err)
	}

	switch mode {
	case "run":
		return runOnce(ctx, cfg, btCfg, a, log)
	case "sweep":
		return runSweep(ctx, cfg, btCfg, a, log)
	case "walkforward":
		return runWalkForward(ctx, cfg, btCfg, a, log)
	default:
		return fmt.Errorf("unknown mode %q (expected run, sweep, walkforward)", mode)
	}
}

func buildBacktestConfig(a cliArgs, dataDir string) (*config.BacktestConfig, error) {
	btCfg := config.DefaultBacktestConfig()
	btCfg.Name = a.name
	btCfg.InitialCapital = a.capital
	btCfg.MaxPositions = a.maxPositions
	btCfg.DataDir = dataDir

	if a.start != "" {
		t, err := time.Parse("2006-01-02", a.start)
		if err != nil {
			return nil, fmt.Errorf("--start: %w", err)
		}
		btCfg.StartDate = t
	}
	if a.end != "" {
		t, err := time.Parse("2006-01-02", a.end)
		if err != nil {
			return nil, fmt.Errorf("--end: %w", err)
		}
		btCfg.EndDate = t
	}
	if a.symbols != "" {
		for _, s := range strings.Split(a.symbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				btCfg.Symbols = append(btCfg.Symbols, s)
			}
		}
	}

	if err := btCfg.Validate(); err != nil {
		return nil, err
	}
	return &btCfg, nil
}

func buildVendorAdapters(cfg *config.Config, log zerolog.Logger) (vendor.StockAdapter, vendor.OptionAdapter, vendor.MacroAdapter, vendor.FundamentalsAdapter) {
	stock := vendor.NewHTTPStockAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	option := vendor.NewHTTPOptionAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	macro := vendor.NewHTTPMacroAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	fundamentals := vendor.NewHTTPFundamentalsAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	return stock, option, macro, fundamentals
}

func runOnce(ctx context.Context, cfg *config.Config, btCfg *config.BacktestConfig, a cliArgs, log zerolog.Logger) error {
	stock, option, macro, fundamentals := buildVendorAdapters(cfg, log)

	var sink pipeline.ReportSink
	if !a.noReport {
		sink = report.NewTextSink()
	}

	p := pipeline.New(cfg, btCfg, stock, option, macro, fundamentals, nil, nil, nil, sink, log)
	result, err := p.Run(ctx, pipeline.Options{
		SkipDataCheck:  a.skipDataCheck,
		GenerateReport: !a.noReport,
		ReportDir:      a.reportDir,
		Verbose:        a.verbose,
	})
	if err != nil {
		return fmt.Errorf("run backtest: %w", err)
	}

	printRunSummary(btCfg, result)
	return nil
}

func printRunSummary(btCfg *config.BacktestConfig, result *pipeline.Result) {
	fmt.Printf("\n=== Backtest: %s ===\n", btCfg.Name)
	fmt.Printf("Period: %s to %s\n", btCfg.StartDate.Format("2006-01-02"), btCfg.EndDate.Format("2006-01-02"))
	fmt.Printf("Symbols: %s\n\n", strings.Join(btCfg.Symbols, ", "))
	fmt.Print(result.Metrics.Summary())
	if result.Benchmark != nil {
		fmt.Printf("\nvs %s: %.2f%% vs %.2f%%\n", result.Benchmark.BenchmarkName,
			result.Benchmark.StrategyTotalReturn*100, result.Benchmark.BenchmarkTotalReturn*100)
		fmt.Printf("Excess return: %.2f%%\n", (result.Benchmark.StrategyTotalReturn-result.Benchmark.BenchmarkTotalReturn)*100)
	}
	if result.ReportPath != "" {
		fmt.Printf("\nReport written to %s\n", result.ReportPath)
	}
}

func newRunner(cfg *config.Config, a cliArgs, log zerolog.Logger) (*runner.Runner, error) {
	db, err := database.New(database.Config{Path: cfg.RunsDBPath, Profile: database.ProfileStandard, Name: "runs"})
	if err != nil {
		return nil, fmt.Errorf("open run registry: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate run registry: %w", err)
	}
	registry := runner.NewRegistry(db, log)
	return runner.New(a.maxWorkers, runner.Collaborators{}, registry, log), nil
}

func runSweep(ctx context.Context, cfg *config.Config, btCfg *config.BacktestConfig, a cliArgs, log zerolog.Logger) error {
	if len(a.params.names) == 0 {
		return fmt.Errorf("sweep mode requires at least one --param name=v1,v2,...")
	}

	r, err := newRunner(cfg, a, log)
	if err != nil {
		return err
	}

	sw := sweep.New(btCfg)
	for i, name := range a.params.names {
		sw.AddParam(name, a.params.values[i])
	}

	result, err := sw.Run(ctx, r)
	if err != nil {
		return fmt.Errorf("run sweep: %w", err)
	}
	fmt.Println(result.Summary())
	return nil
}

func runWalkForward(ctx context.Context, cfg *config.Config, btCfg *config.BacktestConfig, a cliArgs, log zerolog.Logger) error {
	r, err := newRunner(cfg, a, log)
	if err != nil {
		return err
	}

	v := sweep.NewValidator(btCfg)

	var result *sweep.WalkForwardResult
	if a.expanding {
		result, err = v.RunExpandingWindow(ctx, r, a.trainMonths, a.testMonths)
	} else {
		result, err = v.Run(ctx, r, a.trainMonths, a.testMonths, a.nSplits, a.overlapMonths)
	}
	if err != nil {
		return fmt.Errorf("run walk-forward validation: %w", err)
	}
	fmt.Println(result.Summary())
	return nil
}
