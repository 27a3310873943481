// Package runner drives a set of independent backtests concurrently.
//
// Grounded on original_source/src/backtest/optimization/parallel_runner.py's
// ParallelBacktestRunner: each task gets its own Provider/Executor pair (a
// Provider is not concurrency-safe, spec §4.8/§5), and results/errors are
// collected into a single summary keyed by task label. The Python original
// reaches for a process pool because BacktestExecutor isn't safely
// re-entrant across threads either; Go's goroutines plus a per-task
// Provider/Executor give the same isolation without needing OS processes,
// so run_multi_symbol/run_multi_config/run_sequential collapse into one
// bounded Run plus a sequential fallback.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/executor"
	"github.com/aristath/backteng/internal/provider"
	"github.com/aristath/backteng/internal/storage"
)

// Task is one backtest to run: a fully-formed config plus a label it's
// tracked under in the resulting Summary (the sweep package uses the
// ParamSet's config name; a walk-forward split uses
// "<name>_train_N"/"<name>_test_N").
type Task struct {
	Label  string
	Config *config.BacktestConfig
}

// Summary mirrors ParallelRunResult: results and errors keyed by task
// label, plus counts and timing.
type Summary struct {
	Results   map[string]*executor.Result
	Errors    map[string]error
	Total     int
	Completed int
	Failed    int
	Elapsed   time.Duration
}

// SuccessRate is completed/total, 0 when no tasks ran.
func (s *Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

// AggregatedMetrics sums/blends the successful results the way
// ParallelRunResult.get_aggregated_metrics does: a weighted-by-trade-count
// average win rate rather than a simple mean across tasks.
type AggregatedMetrics struct {
	TaskCount       int
	TotalReturn     float64
	TotalTrades     int
	TotalCommission float64
	AvgWinRate      float64
}

func (s *Summary) AggregatedMetrics() AggregatedMetrics {
	var agg AggregatedMetrics
	if len(s.Results) == 0 {
		return agg
	}
	var weightedWinRate float64
	var tradeCount int
	for _, r := range s.Results {
		agg.TaskCount++
		agg.TotalReturn += r.TotalReturn
		agg.TotalTrades += r.TotalTrades
		agg.TotalCommission += r.TotalCommission
		if r.TotalTrades > 0 {
			weightedWinRate += r.WinRate * float64(r.TotalTrades)
			tradeCount += r.TotalTrades
		}
	}
	if tradeCount > 0 {
		agg.AvgWinRate = weightedWinRate / float64(tradeCount)
	}
	return agg
}

// Collaborators are the black-box screening/monitoring/decision
// implementations shared across every task in a run. They must tolerate
// concurrent use from multiple goroutines when MaxWorkers > 1 — the same
// requirement spec §1/§6 already places on them as pluggable components.
type Collaborators struct {
	Screening  domain.ScreeningPipeline
	Monitoring domain.MonitoringPipeline
	Decision   domain.DecisionEngine
}

// Runner executes Tasks with a bounded number of concurrent Provider/
// Executor pairs.
type Runner struct {
	maxWorkers int
	collab     Collaborators
	registry   *Registry
	log        zerolog.Logger
}

// New builds a Runner. registry may be nil to skip run-history persistence.
func New(maxWorkers int, collab Collaborators, registry *Registry, log zerolog.Logger) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Runner{maxWorkers: maxWorkers, collab: collab, registry: registry, log: log.With().Str("component", "runner").Logger()}
}

// Registry exposes the run registry this Runner records task results to,
// nil when none was configured. internal/sweep uses it to open the
// top-level run row a batch of tasks is recorded under.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run executes every task, up to maxWorkers concurrently, and returns once
// all have either completed or failed. Grounded on
// ParallelBacktestRunner._run_parallel's as_completed collection loop.
// runID is the Registry row this batch is recorded under; pass "" to skip
// persistence (or construct the Runner with a nil Registry).
func (r *Runner) Run(ctx context.Context, runID string, tasks []Task) *Summary {
	start := time.Now()
	summary := &Summary{
		Results: make(map[string]*executor.Result),
		Errors:  make(map[string]error),
		Total:   len(tasks),
	}
	if len(tasks) == 0 {
		return summary
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxWorkers)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			result, err := r.runOne(gctx, task)

			mu.Lock()
			if err != nil {
				summary.Errors[task.Label] = err
				summary.Failed++
			} else {
				summary.Results[task.Label] = result
				summary.Completed++
			}
			mu.Unlock()

			if err != nil {
				r.log.Warn().Err(err).Str("task", task.Label).Msg("task failed")
			}
			r.record(runID, i, task, result, err)
			return nil // isolate per-task failures; never abort the group
		})
	}
	_ = g.Wait()

	summary.Elapsed = time.Since(start)
	return summary
}

// RunSequential runs every task one at a time on the calling goroutine,
// for debugging or memory-constrained environments (run_sequential's
// reason for existing in the original).
func (r *Runner) RunSequential(ctx context.Context, runID string, tasks []Task) *Summary {
	start := time.Now()
	summary := &Summary{
		Results: make(map[string]*executor.Result),
		Errors:  make(map[string]error),
		Total:   len(tasks),
	}
	for i, task := range tasks {
		result, err := r.runOne(ctx, task)
		if err != nil {
			summary.Errors[task.Label] = err
			summary.Failed++
			r.log.Warn().Err(err).Str("task", task.Label).Msg("task failed")
		} else {
			summary.Results[task.Label] = result
			summary.Completed++
		}
		r.record(runID, i, task, result, err)
	}
	summary.Elapsed = time.Since(start)
	return summary
}

func (r *Runner) record(runID string, index int, task Task, result *executor.Result, taskErr error) {
	if r.registry == nil || runID == "" {
		return
	}
	if rerr := r.registry.RecordTask(runID, index, task.Label, "", result, taskErr); rerr != nil {
		r.log.Warn().Err(rerr).Str("task", task.Label).Msg("failed to persist task result to run registry")
	}
}

func (r *Runner) runOne(ctx context.Context, task Task) (result *executor.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Label, p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	layout := storage.NewLayout(task.Config.DataDir)
	dataProvider := provider.New(layout, task.Config.StartDate, provider.Config{}, nil, r.log)
	exec := executor.New(task.Config, dataProvider, r.collab.Screening, r.collab.Monitoring, r.collab.Decision, r.log)
	result = exec.Run()
	return result, nil
}
