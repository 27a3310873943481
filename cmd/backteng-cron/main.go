// Command backteng-cron is the optional recurring-download entry point
// (spec §4.11's data-collection step, run on a schedule instead of once
// per cmd/backteng invocation). Grounded on the teacher's
// internal/scheduler.Scheduler/robfig/cron wiring and on cmd/server/main.go's
// signal.Notify-then-graceful-stop shutdown shape.
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

	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/pipeline"
	"github.com/aristath/backteng/internal/scheduler"
	"github.com/aristath/backteng/internal/vendor"
	"github.com/aristath/backteng/pkg/logger"
)

func main() {
	dataDir := flag.String("data-dir", "", "override the process data directory")
	symbols := flag.String("symbols", "", "comma-separated symbols to keep refreshed")
	startOffsetDays := flag.Int("lookback-days", 400, "how far back refreshed data should reach, in days")
	schedule := flag.String("schedule", "@daily", "cron schedule (standard 5-field syntax, or @daily/@hourly/@every 30m)")
	runNow := flag.Bool("run-now", true, "run one refresh immediately on startup, in addition to the schedule")
	maxWorkers := flag.Int("max-fanout", 4, "bounded worker pool size for gap-fill downloads")
	flag.Parse()

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	symbolList := strings.Split(*symbols, ",")
	if *symbols == "" {
		symbolList = nil
	}

	btCfg := config.DefaultBacktestConfig()
	btCfg.Name = "cron-refresh"
	btCfg.Symbols = symbolList
	btCfg.StartDate = time.Now().AddDate(0, 0, -*startOffsetDays)
	btCfg.EndDate = time.Now()
	btCfg.InitialCapital = 1 // unused by RefreshData, but Validate requires > 0
	btCfg.DataDir = cfg.DataDir
	if err := btCfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid refresh config: %v\n", err)
		os.Exit(1)
	}

	stock := vendor.NewHTTPStockAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	option := vendor.NewHTTPOptionAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	macro := vendor.NewHTTPMacroAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	fundamentals := vendor.NewHTTPFundamentalsAdapter("default", cfg.VendorBaseURL, cfg.VendorTimeout, log)
	p := pipeline.New(cfg, &btCfg, stock, option, macro, fundamentals, nil, nil, nil, nil, log)

	job := scheduler.NewRefreshJob(fmt.Sprintf("refresh:%s", strings.Join(symbolList, ",")), p, *maxWorkers, log)

	sched := scheduler.New(log, false)
	if err := sched.AddJob(*schedule, job); err != nil {
		fmt.Fprintf(os.Stderr, "register cron job: %v\n", err)
		os.Exit(1)
	}

	if *runNow {
		if err := sched.RunNow(job); err != nil {
			log.Error().Err(err).Msg("initial refresh failed")
		}
	}

	sched.Start()
	defer sched.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
}
