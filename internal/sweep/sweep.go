// Package sweep grid-searches BacktestConfig parameters and validates a
// strategy's out-of-sample stability via walk-forward splits (spec §4.12).
// Grounded on original_source/src/backtest/optimization/parameter_sweep.py
// and walk_forward.py; both drive internal/runner (C15) instead of
// constructing Executors directly, matching the Python's own
// ParameterSweep.run/WalkForwardValidator.run delegating to
// ParallelBacktestRunner.
package sweep

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/executor"
	"github.com/aristath/backteng/internal/metrics"
	"github.com/aristath/backteng/internal/runner"
)

// ParamSet is one Cartesian-product combination of swept parameter values,
// each stringly-typed since config.BacktestConfig.SetParam takes strings
// (the same representation the declared override maps already use).
// Grounded on parameter_sweep.py's ParameterSet dataclass.
type ParamSet struct {
	Params map[string]string
	Name   string
}

func newParamSet(base string, params map[string]string) ParamSet {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, params[k]))
	}
	name := base
	if len(parts) > 0 {
		name = base + "_" + strings.Join(parts, "_")
	}
	return ParamSet{Params: params, Name: name}
}

// Combination pairs one ParamSet with its completed backtest.
type Combination struct {
	Params   ParamSet
	Backtest *executor.Result
	Metrics  metrics.BacktestMetrics
}

// Result is the full sweep outcome: every successful combination plus the
// best parameter set by each of four ranking metrics, mirroring
// parameter_sweep.py's SweepResult.
type Result struct {
	Combinations []Combination

	BestByReturn  *ParamSet
	BestBySharpe  *ParamSet
	BestBySortino *ParamSet
	BestByCalmar  *ParamSet

	TotalCombinations int
	SuccessfulRuns    int
	FailedRuns        int
	Elapsed           time.Duration

	ParamRanges map[string][]string
}

// Summary renders a sweep.py-style text report.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintln(&b, "=== Parameter Sweep Summary ===")
	fmt.Fprintf(&b, "Total combinations: %d\n", r.TotalCombinations)
	fmt.Fprintf(&b, "Successful: %d, Failed: %d\n", r.SuccessfulRuns, r.FailedRuns)
	fmt.Fprintf(&b, "Execution time: %.1fs\n\n", r.Elapsed.Seconds())
	fmt.Fprintln(&b, "Parameter ranges:")
	names := make([]string, 0, len(r.ParamRanges))
	for name := range r.ParamRanges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %v\n", name, r.ParamRanges[name])
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Best parameters:")
	if r.BestByReturn != nil {
		fmt.Fprintf(&b, "  By Return: %v\n", r.BestByReturn.Params)
	}
	if r.BestBySharpe != nil {
		fmt.Fprintf(&b, "  By Sharpe: %v\n", r.BestBySharpe.Params)
	}
	if r.BestBySortino != nil {
		fmt.Fprintf(&b, "  By Sortino: %v\n", r.BestBySortino.Params)
	}
	if r.BestByCalmar != nil {
		fmt.Fprintf(&b, "  By Calmar: %v\n", r.BestByCalmar.Params)
	}
	return strings.TrimRight(b.String(), "\n")
}

// HeatmapData returns the (x values, y values, z matrix) triple for two
// swept parameters and a named BacktestMetrics field, mirroring
// SweepResult.get_heatmap_data. Only the metric names this function knows
// about are supported (spec names Sharpe/Sortino/Calmar/return as the
// ranking axes; extending this switch is the place to add more).
func (r *Result) HeatmapData(xParam, yParam, metric string) (xValues, yValues []string, z [][]*float64, err error) {
	if _, ok := r.ParamRanges[xParam]; !ok {
		return nil, nil, nil, fmt.Errorf("parameter %q not in sweep", xParam)
	}
	if _, ok := r.ParamRanges[yParam]; !ok {
		return nil, nil, nil, fmt.Errorf("parameter %q not in sweep", yParam)
	}

	xValues = uniqueSorted(r.ParamRanges[xParam])
	yValues = uniqueSorted(r.ParamRanges[yParam])

	type key struct{ x, y string }
	lookup := make(map[key]*float64)
	for _, c := range r.Combinations {
		v, ok := metricValue(c.Metrics, metric)
		if !ok {
			continue
		}
		lookup[key{c.Params.Params[xParam], c.Params.Params[yParam]}] = &v
	}

	z = make([][]*float64, len(yValues))
	for i, y := range yValues {
		row := make([]*float64, len(xValues))
		for j, x := range xValues {
			row[j] = lookup[key{x, y}]
		}
		z[i] = row
	}
	return xValues, yValues, z, nil
}

func metricValue(m metrics.BacktestMetrics, name string) (float64, bool) {
	switch name {
	case "sharpe_ratio":
		return m.SharpeRatio, m.HasSharpe
	case "sortino_ratio":
		return m.SortinoRatio, m.HasSortino
	case "calmar_ratio":
		return m.CalmarRatio, m.HasCalmar
	case "total_return":
		return m.TotalReturn, true
	case "win_rate":
		return m.WinRate, m.HasWinRate
	case "max_drawdown":
		return m.MaxDrawdown, m.HasMaxDrawdown
	default:
		return 0, false
	}
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep builds the Cartesian product of named parameter ranges and runs
// each combination through an internal/runner.Runner.
type Sweep struct {
	base       *config.BacktestConfig
	paramNames []string // preserves AddParam call order, like add_param's dict insertion order
	paramRanges map[string][]string
}

// New starts a sweep over base; base is never mutated, only cloned per
// combination (config.BacktestConfig.Clone).
func New(base *config.BacktestConfig) *Sweep {
	return &Sweep{base: base, paramRanges: map[string][]string{}}
}

// AddParam registers one parameter to sweep; chainable like
// ParameterSweep.add_param.
func (s *Sweep) AddParam(name string, values []string) *Sweep {
	if _, exists := s.paramRanges[name]; !exists {
		s.paramNames = append(s.paramNames, name)
	}
	s.paramRanges[name] = values
	return s
}

func (s *Sweep) combinations() []ParamSet {
	if len(s.paramNames) == 0 {
		return []ParamSet{newParamSet(s.base.Name, map[string]string{})}
	}

	var build func(i int, acc map[string]string) []ParamSet
	build = func(i int, acc map[string]string) []ParamSet {
		if i == len(s.paramNames) {
			cp := make(map[string]string, len(acc))
			for k, v := range acc {
				cp[k] = v
			}
			return []ParamSet{newParamSet(s.base.Name, cp)}
		}
		name := s.paramNames[i]
		var out []ParamSet
		for _, v := range s.paramRanges[name] {
			acc[name] = v
			out = append(out, build(i+1, acc)...)
		}
		delete(acc, name)
		return out
	}
	return build(0, map[string]string{})
}

func (s *Sweep) buildConfig(ps ParamSet) (*config.BacktestConfig, error) {
	cfg := s.base.Clone()
	cfg.Name = ps.Name
	for k, v := range ps.Params {
		if err := cfg.SetParam(k, v); err != nil {
			return nil, fmt.Errorf("combination %s: %w", ps.Name, err)
		}
	}
	return cfg, nil
}

// Run materializes every combination, drives them through r (bounded
// parallelism is r's concern, not the sweep's), and ranks the results.
// Mirrors ParameterSweep.run, minus the use_parallel/max_workers toggle —
// that lives on Runner itself (Runner.RunSequential vs Runner.Run).
func (s *Sweep) Run(ctx context.Context, r *runner.Runner) (*Result, error) {
	start := time.Now()
	combos := s.combinations()

	tasks := make([]runner.Task, 0, len(combos))
	byLabel := make(map[string]ParamSet, len(combos))
	for _, ps := range combos {
		cfg, err := s.buildConfig(ps)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, runner.Task{Label: ps.Name, Config: cfg})
		byLabel[ps.Name] = ps
	}

	var runID string
	if reg := r.Registry(); reg != nil {
		id, err := reg.StartRun(runner.KindSweep, s.base.Name, s.paramRanges)
		if err == nil {
			runID = id
		}
	}

	var summary *runner.Summary
	if len(tasks) > 1 {
		summary = r.Run(ctx, runID, tasks)
	} else {
		summary = r.RunSequential(ctx, runID, tasks)
	}

	if runID != "" {
		if reg := r.Registry(); reg != nil {
			var runErr error
			if summary.Failed == summary.Total && summary.Total > 0 {
				runErr = fmt.Errorf("all %d combinations failed", summary.Total)
			}
			_ = reg.CompleteRun(runID, runErr)
		}
	}

	result := &Result{
		TotalCombinations: len(combos),
		ParamRanges:       copyRanges(s.paramRanges),
		Elapsed:           time.Since(start),
	}

	bestReturn := math.Inf(-1)
	bestSharpe := math.Inf(-1)
	bestSortino := math.Inf(-1)
	bestCalmar := math.Inf(-1)

	for _, label := range sortedLabels(tasks) {
		ps := byLabel[label]
		btResult, ok := summary.Results[label]
		if !ok {
			result.FailedRuns++
			continue
		}
		m := metrics.FromResult(btResult, 0)
		result.Combinations = append(result.Combinations, Combination{Params: ps, Backtest: btResult, Metrics: m})
		result.SuccessfulRuns++

		if btResult.TotalReturn > bestReturn {
			bestReturn = btResult.TotalReturn
			psCopy := ps
			result.BestByReturn = &psCopy
		}
		if m.HasSharpe && m.SharpeRatio > bestSharpe {
			bestSharpe = m.SharpeRatio
			psCopy := ps
			result.BestBySharpe = &psCopy
		}
		if m.HasSortino && m.SortinoRatio > bestSortino {
			bestSortino = m.SortinoRatio
			psCopy := ps
			result.BestBySortino = &psCopy
		}
		if m.HasCalmar && m.CalmarRatio > bestCalmar {
			bestCalmar = m.CalmarRatio
			psCopy := ps
			result.BestByCalmar = &psCopy
		}
	}

	return result, nil
}

func copyRanges(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// sortedLabels keeps ranking deterministic regardless of the runner's
// internal goroutine completion order (the map lookup itself is stable;
// this just fixes iteration order for tie-break reproducibility).
func sortedLabels(tasks []runner.Task) []string {
	labels := make([]string, len(tasks))
	for i, t := range tasks {
		labels[i] = t.Label
	}
	sort.Strings(labels)
	return labels
}
