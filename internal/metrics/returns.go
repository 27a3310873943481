// Package metrics computes performance statistics (C12) over a backtest's
// daily equity snapshots and trade records, plus a benchmark comparison.
// Grounded on original_source/src/backtest/analysis/metrics.py and
// optimization/benchmark.py, with the return/risk formulas rendered in the
// teacher's pkg/formulas idiom (gonum/stat-backed, small pure functions
// over a []float64) rather than the original's numpy calls.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const tradingDaysPerYear = 252.0

// annualToDailyCompounded converts an annualized rate to its daily
// compounding equivalent: (1+annual)^(1/252) - 1.
func annualToDailyCompounded(annual float64) float64 {
	return math.Pow(1+annual, 1.0/tradingDaysPerYear) - 1
}

// dailyReturns computes r_i = (nlv_i - nlv_{i-1}) / nlv_{i-1} for each
// consecutive pair, skipping a step whose prior value isn't positive.
func dailyReturns(nlv []float64) []float64 {
	if len(nlv) < 2 {
		return nil
	}
	out := make([]float64, 0, len(nlv)-1)
	for i := 1; i < len(nlv); i++ {
		if nlv[i-1] > 0 {
			out = append(out, (nlv[i]-nlv[i-1])/nlv[i-1])
		}
	}
	return out
}

// annualizedReturn compounds daily returns and annualizes by 252 trading
// days. Short series (<3 points) return the simple cumulative return
// rather than an extreme annualization.
func annualizedReturn(returns []float64) (float64, bool) {
	if len(returns) == 0 {
		return 0, false
	}
	cumulative := 1.0
	for _, r := range returns {
		cumulative *= 1 + r
	}
	if len(returns) < 3 {
		return cumulative - 1, true
	}
	years := float64(len(returns)) / tradingDaysPerYear
	return math.Pow(cumulative, 1.0/years) - 1, true
}

// annualVolatility is the std-dev of daily returns scaled by sqrt(252).
func annualVolatility(returns []float64) (float64, bool) {
	if len(returns) < 2 {
		return 0, false
	}
	return stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear), true
}

// downsideVolatility considers only negative-return days.
func downsideVolatility(returns []float64) (float64, bool) {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) < 2 {
		return 0, false
	}
	return stat.StdDev(negative, nil) * math.Sqrt(tradingDaysPerYear), true
}

// maxDrawdown walks the equity curve's running peak; dd_i = (peak-nlv_i)/peak.
func maxDrawdown(equity []float64) (float64, bool) {
	if len(equity) == 0 {
		return 0, false
	}
	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, true
}

// historicalVaR is the (1-confidence) empirical quantile of the return
// distribution (historical, not parametric) — the loss threshold exceeded
// by the worst (1-confidence) fraction of days.
func historicalVaR(returns []float64, confidence float64) (float64, bool) {
	if len(returns) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	return stat.Quantile(1-confidence, stat.Empirical, sorted, nil), true
}

// historicalCVaR averages the tail beyond the VaR threshold.
func historicalCVaR(returns []float64, confidence float64) (float64, bool) {
	if len(returns) == 0 {
		return 0, false
	}
	if len(returns) == 1 {
		return returns[0], true
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	tailCount := int(math.Ceil(float64(len(sorted)) * (1 - confidence)))
	if tailCount < 1 {
		tailCount = 1
	}
	if tailCount > len(sorted) {
		tailCount = len(sorted)
	}
	tail := sorted[:tailCount]
	return stat.Mean(tail, nil), true
}

// sharpeRatio annualizes the mean daily excess return over its std-dev.
func sharpeRatio(returns []float64, rfDaily float64) (float64, bool) {
	if len(returns) < 2 {
		return 0, false
	}
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - rfDaily
	}
	sd := stat.StdDev(excess, nil)
	if sd == 0 {
		return 0, false
	}
	return stat.Mean(excess, nil) / sd * math.Sqrt(tradingDaysPerYear), true
}

// sortinoRatio is the Sharpe analogue using only downside deviation.
func sortinoRatio(returns []float64, rfDaily float64) (float64, bool) {
	if len(returns) < 2 {
		return 0, false
	}
	excess := make([]float64, len(returns))
	var negative []float64
	for i, r := range returns {
		e := r - rfDaily
		excess[i] = e
		if e < 0 {
			negative = append(negative, e)
		}
	}
	if len(negative) < 2 {
		return 0, false
	}
	downsideSD := stat.StdDev(negative, nil)
	if downsideSD == 0 {
		return 0, false
	}
	return stat.Mean(excess, nil) / downsideSD * math.Sqrt(tradingDaysPerYear), true
}

// calmarRatio is annualized return over max drawdown magnitude.
func calmarRatio(annReturn, maxDD float64) (float64, bool) {
	if maxDD == 0 {
		return 0, false
	}
	return annReturn / maxDD, true
}

func winRate(pnls []float64) (float64, bool) {
	if len(pnls) == 0 {
		return 0, false
	}
	wins := 0
	for _, p := range pnls {
		if p > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pnls)), true
}

// profitFactor = gross profit / |gross loss|; an all-winning series has
// no losses to divide by and is reported as +Inf.
func profitFactor(pnls []float64) (float64, bool) {
	if len(pnls) == 0 {
		return 0, false
	}
	var grossProfit, grossLoss float64
	for _, p := range pnls {
		if p > 0 {
			grossProfit += p
		} else {
			grossLoss += -p
		}
	}
	if grossLoss == 0 {
		if grossProfit > 0 {
			return math.Inf(1), true
		}
		return 0, true
	}
	return grossProfit / grossLoss, true
}

func averageWin(pnls []float64) (float64, bool) {
	var wins []float64
	for _, p := range pnls {
		if p > 0 {
			wins = append(wins, p)
		}
	}
	if len(wins) == 0 {
		return 0, false
	}
	return stat.Mean(wins, nil), true
}

func averageLoss(pnls []float64) (float64, bool) {
	var losses []float64
	for _, p := range pnls {
		if p < 0 {
			losses = append(losses, p)
		}
	}
	if len(losses) == 0 {
		return 0, false
	}
	return stat.Mean(losses, nil), true
}

// expectancy = winRate*avgWin + (1-winRate)*avgLoss (avgLoss signed negative).
func expectancy(wr, avgWin, avgLoss float64) float64 {
	return wr*avgWin + (1-wr)*avgLoss
}
