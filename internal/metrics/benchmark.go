package metrics

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/backteng/internal/executor"
)

const (
	minRegressionObservations = 10
	minBenchmarkVariance      = 1e-10
	maxAbsBeta                = 10.0
)

// BenchmarkSeries is an external price series (e.g. SPY close-to-close)
// to compare a backtest run against, keyed by trading day.
type BenchmarkSeries struct {
	Name   string
	Dates  []time.Time
	Prices []float64
}

// BenchmarkResult is the aligned strategy-vs-benchmark comparison, per
// spec §4.10, grounded on original_source/optimization/benchmark.py's
// BenchmarkComparison._compare_with_benchmark.
type BenchmarkResult struct {
	StrategyName           string
	StrategyTotalReturn     float64
	StrategyAnnualizedReturn float64
	HasStrategyAnnualized   bool
	StrategySharpe          float64
	HasStrategySharpe       bool
	StrategySortino         float64
	HasStrategySortino      bool
	StrategyMaxDrawdown     float64
	HasStrategyMaxDrawdown  bool

	BenchmarkName            string
	BenchmarkTotalReturn      float64
	BenchmarkAnnualizedReturn float64
	HasBenchmarkAnnualized    bool
	BenchmarkSharpe           float64
	HasBenchmarkSharpe        bool
	BenchmarkSortino          float64
	HasBenchmarkSortino       bool
	BenchmarkMaxDrawdown      float64
	HasBenchmarkMaxDrawdown   bool

	Alpha           float64
	Beta            float64
	Correlation     float64
	HasRegression   bool
	TrackingError   float64
	HasTrackingError bool
	InformationRatio float64
	HasInfoRatio     bool

	OutperformanceDays  int
	UnderperformanceDays int
	DailyWinRate        float64

	Dates               []time.Time
	StrategyCumulative  []float64
	BenchmarkCumulative []float64
	RelativePerformance []float64
}

var errInsufficientOverlap = errors.New("metrics: fewer than 2 overlapping trading days between strategy and benchmark")

// CompareWithBenchmark aligns result's daily snapshots with bench on
// common trading days (by calendar date) and computes the relative
// performance metrics spec §4.10 names.
func CompareWithBenchmark(result *executor.Result, bench BenchmarkSeries) (BenchmarkResult, error) {
	strategyByDate := make(map[time.Time]float64, len(result.DailySnapshots))
	for _, s := range result.DailySnapshots {
		strategyByDate[normalizeDate(s.Date)] = s.NLV
	}
	benchByDate := make(map[time.Time]float64, len(bench.Prices))
	for i, d := range bench.Dates {
		benchByDate[normalizeDate(d)] = bench.Prices[i]
	}

	var commonDates []time.Time
	for d := range strategyByDate {
		if _, ok := benchByDate[d]; ok {
			commonDates = append(commonDates, d)
		}
	}
	sortTimes(commonDates)

	if len(commonDates) < 2 {
		return BenchmarkResult{}, errInsufficientOverlap
	}

	strategyNLV := make([]float64, len(commonDates))
	benchPrices := make([]float64, len(commonDates))
	for i, d := range commonDates {
		strategyNLV[i] = strategyByDate[d]
		benchPrices[i] = benchByDate[d]
	}

	strategyReturns := dailyReturns(strategyNLV)
	benchReturns := dailyReturns(benchPrices)

	out := BenchmarkResult{
		StrategyName:       result.ConfigName,
		BenchmarkName:      bench.Name,
		Dates:              commonDates,
	}

	if strategyNLV[0] > 0 {
		out.StrategyTotalReturn = (strategyNLV[len(strategyNLV)-1] - strategyNLV[0]) / strategyNLV[0]
	}
	if benchPrices[0] > 0 {
		out.BenchmarkTotalReturn = (benchPrices[len(benchPrices)-1] - benchPrices[0]) / benchPrices[0]
	}

	out.StrategyAnnualizedReturn, out.HasStrategyAnnualized = annualizedReturn(strategyReturns)
	out.BenchmarkAnnualizedReturn, out.HasBenchmarkAnnualized = annualizedReturn(benchReturns)
	out.StrategySharpe, out.HasStrategySharpe = sharpeRatio(strategyReturns, 0)
	out.BenchmarkSharpe, out.HasBenchmarkSharpe = sharpeRatio(benchReturns, 0)
	out.StrategySortino, out.HasStrategySortino = sortinoRatio(strategyReturns, 0)
	out.BenchmarkSortino, out.HasBenchmarkSortino = sortinoRatio(benchReturns, 0)
	out.StrategyMaxDrawdown, out.HasStrategyMaxDrawdown = maxDrawdown(strategyNLV)
	out.BenchmarkMaxDrawdown, out.HasBenchmarkMaxDrawdown = maxDrawdown(benchPrices)

	out.Alpha, out.Beta, out.Correlation, out.HasRegression = regressionMetrics(strategyReturns, benchReturns)
	out.TrackingError, out.HasTrackingError = trackingError(strategyReturns, benchReturns)
	out.InformationRatio, out.HasInfoRatio = informationRatio(strategyReturns, benchReturns, out.TrackingError, out.HasTrackingError)

	for i := range strategyReturns {
		switch {
		case strategyReturns[i] > benchReturns[i]:
			out.OutperformanceDays++
		case strategyReturns[i] < benchReturns[i]:
			out.UnderperformanceDays++
		}
	}
	if len(strategyReturns) > 0 {
		out.DailyWinRate = float64(out.OutperformanceDays) / float64(len(strategyReturns))
	}

	out.StrategyCumulative = make([]float64, len(strategyReturns)+1)
	out.BenchmarkCumulative = make([]float64, len(strategyReturns)+1)
	out.RelativePerformance = make([]float64, len(strategyReturns)+1)
	out.StrategyCumulative[0], out.BenchmarkCumulative[0] = 1.0, 1.0
	for i := range strategyReturns {
		out.StrategyCumulative[i+1] = out.StrategyCumulative[i] * (1 + strategyReturns[i])
		out.BenchmarkCumulative[i+1] = out.BenchmarkCumulative[i] * (1 + benchReturns[i])
		out.RelativePerformance[i+1] = out.StrategyCumulative[i+1]/out.BenchmarkCumulative[i+1] - 1
	}

	return out, nil
}

// regressionMetrics fits strategy returns against benchmark returns by
// OLS (beta = slope, daily alpha = intercept), then annualizes alpha by
// 252 and reports the Pearson correlation. Requires at least 10
// observations and a benchmark variance that isn't numerically zero;
// clamps absurd betas (|beta| > 10) to "no regression" per spec §4.10.
func regressionMetrics(strategyReturns, benchReturns []float64) (alpha, beta, correlation float64, ok bool) {
	if len(strategyReturns) < minRegressionObservations {
		return 0, 0, 0, false
	}

	benchVariance := stat.Variance(benchReturns, nil)
	if benchVariance < minBenchmarkVariance {
		return 0, 0, 0, false
	}

	dailyAlpha, slope := stat.LinearRegression(benchReturns, strategyReturns, nil, false)
	if math.Abs(slope) > maxAbsBeta {
		return 0, 0, 0, false
	}

	correlation = stat.Correlation(strategyReturns, benchReturns, nil)
	if math.IsNaN(correlation) {
		return 0, 0, 0, false
	}

	return dailyAlpha * tradingDaysPerYear, slope, correlation, true
}

func trackingError(strategyReturns, benchReturns []float64) (float64, bool) {
	if len(strategyReturns) < 2 {
		return 0, false
	}
	excess := excessReturns(strategyReturns, benchReturns)
	return stat.StdDev(excess, nil) * math.Sqrt(tradingDaysPerYear), true
}

func informationRatio(strategyReturns, benchReturns []float64, te float64, hasTE bool) (float64, bool) {
	if !hasTE || te == 0 {
		return 0, false
	}
	excess := excessReturns(strategyReturns, benchReturns)
	return stat.Mean(excess, nil) * tradingDaysPerYear / te, true
}

func excessReturns(strategyReturns, benchReturns []float64) []float64 {
	excess := make([]float64, len(strategyReturns))
	for i := range strategyReturns {
		excess[i] = strategyReturns[i] - benchReturns[i]
	}
	return excess
}

func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}
