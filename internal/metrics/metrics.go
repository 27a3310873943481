package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/backteng/internal/domain"
	"github.com/aristath/backteng/internal/executor"
)

// MonthlyReturn is one calendar month's return, keyed by the snapshots
// falling inside it.
type MonthlyReturn struct {
	Year         int
	Month int
	ReturnPct    float64
	TradingDays  int
}

// DrawdownPeriod is one peak-to-recovery excursion of the equity curve.
// EndDate and RecoveryDays are zero-valued when the drawdown hadn't
// recovered by the end of the run.
type DrawdownPeriod struct {
	StartDate    time.Time
	EndDate      time.Time
	TroughDate   time.Time
	PeakValue    float64
	TroughValue  float64
	DrawdownPct  float64
	DurationDays int
	RecoveryDays int
	Recovered    bool
}

// OptionStats are the option-specific figures spec §4.10 doesn't name by
// formula but original_source/analysis/metrics.py computes from the trade
// log: premium flow and the open/close/expire mix.
type OptionStats struct {
	AvgPremiumCollected float64
	HasPremiumCollected bool
	AvgPremiumPaid      float64
	HasPremiumPaid      bool
	AssignmentRate      float64
	ExpirationRate      float64
	HasExpirationStats  bool
}

// BacktestMetrics is the full performance report over one Executor run,
// computed from its daily snapshots and trade records. A *float64-shaped
// field with a paired `Has*` bool marks a statistic the underlying series
// was too short to support (spec §4.10's None results), mirroring
// original_source/analysis/metrics.py's Optional fields without needing
// pointer plumbing at every call site.
type BacktestMetrics struct {
	ConfigName     string
	StartDate      time.Time
	EndDate        time.Time
	TradingDays    int
	InitialCapital float64
	FinalNLV       float64

	TotalReturn          float64
	TotalReturnPct       float64
	AnnualizedReturn     float64
	HasAnnualizedReturn  bool

	MaxDrawdown         float64
	HasMaxDrawdown      bool
	MaxDrawdownDuration int
	Volatility          float64
	HasVolatility       bool
	DownsideVolatility  float64
	HasDownsideVol      bool
	VaR95               float64
	HasVaR95            bool
	CVaR95              float64
	HasCVaR95           bool

	SharpeRatio    float64
	HasSharpe      bool
	SortinoRatio   float64
	HasSortino     bool
	CalmarRatio    float64
	HasCalmar      bool

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	HasWinRate    bool
	ProfitFactor  float64
	HasProfitFactor bool
	AverageWin    float64
	HasAverageWin bool
	AverageLoss   float64
	HasAverageLoss bool
	Expectancy    float64
	HasExpectancy bool
	LargestWin    float64
	HasLargestWin bool
	LargestLoss   float64
	HasLargestLoss bool

	Options OptionStats

	TotalCommission float64
	TotalSlippage   float64
	CommissionPct   float64

	MonthlyReturns  []MonthlyReturn
	DrawdownPeriods []DrawdownPeriod
}

// FromResult computes BacktestMetrics from an executor.Result, mirroring
// original_source/analysis/metrics.py's BacktestMetrics.from_backtest_result.
// riskFreeRate is annualized; spec §4.10 defaults it to 0.
func FromResult(result *executor.Result, riskFreeRate float64) BacktestMetrics {
	snapshots := result.DailySnapshots
	records := result.TradeRecords

	equity := make([]float64, len(snapshots))
	for i, s := range snapshots {
		equity[i] = s.NLV
	}
	returns := dailyReturns(equity)

	// Trade stats draw from close+expire records with known pnl (spec
	// §4.10); an open record never carries a realized pnl.
	var closedPnLs []float64
	for _, r := range records {
		if (r.Action == domain.ActionClose || r.Action == domain.ActionExpire) && r.PnL != nil {
			closedPnLs = append(closedPnLs, *r.PnL)
		}
	}

	rfDaily := annualToDailyCompounded(riskFreeRate)

	m := BacktestMetrics{
		ConfigName:     result.ConfigName,
		StartDate:      result.StartDate,
		EndDate:        result.EndDate,
		TradingDays:    result.TradingDays,
		InitialCapital: result.InitialCapital,
		FinalNLV:       result.FinalNLV,
		TotalReturn:    result.FinalNLV - result.InitialCapital,
		TotalTrades:    result.TotalTrades,
		WinningTrades:  result.WinningTrades,
		LosingTrades:   result.LosingTrades,
		TotalCommission: result.TotalCommission,
		TotalSlippage:   result.TotalSlippage,
	}
	if result.InitialCapital > 0 {
		m.TotalReturnPct = m.TotalReturn / result.InitialCapital
		m.CommissionPct = (result.TotalCommission + result.TotalSlippage) / result.InitialCapital
	}

	m.AnnualizedReturn, m.HasAnnualizedReturn = annualizedReturn(returns)
	m.MaxDrawdown, m.HasMaxDrawdown = maxDrawdown(equity)
	m.Volatility, m.HasVolatility = annualVolatility(returns)
	m.DownsideVolatility, m.HasDownsideVol = downsideVolatility(returns)
	m.VaR95, m.HasVaR95 = historicalVaR(returns, 0.95)
	m.CVaR95, m.HasCVaR95 = historicalCVaR(returns, 0.95)

	m.SharpeRatio, m.HasSharpe = sharpeRatio(returns, rfDaily)
	m.SortinoRatio, m.HasSortino = sortinoRatio(returns, rfDaily)
	if m.HasAnnualizedReturn && m.HasMaxDrawdown && m.MaxDrawdown != 0 {
		m.CalmarRatio, m.HasCalmar = calmarRatio(m.AnnualizedReturn, m.MaxDrawdown)
	}

	m.WinRate, m.HasWinRate = winRate(closedPnLs)
	m.ProfitFactor, m.HasProfitFactor = profitFactor(closedPnLs)
	m.AverageWin, m.HasAverageWin = averageWin(closedPnLs)
	m.AverageLoss, m.HasAverageLoss = averageLoss(closedPnLs)
	if m.HasWinRate {
		m.Expectancy = expectancy(m.WinRate, m.AverageWin, m.AverageLoss)
		m.HasExpectancy = true
	}
	if len(closedPnLs) > 0 {
		largestWin, largestLoss := closedPnLs[0], closedPnLs[0]
		for _, p := range closedPnLs {
			if p > largestWin {
				largestWin = p
			}
			if p < largestLoss {
				largestLoss = p
			}
		}
		m.LargestWin, m.HasLargestWin = largestWin, true
		m.LargestLoss, m.HasLargestLoss = largestLoss, true
	}

	m.Options = optionStats(records)
	m.MonthlyReturns = monthlyReturns(snapshots)

	if len(snapshots) > 0 {
		m.DrawdownPeriods = drawdownPeriods(snapshots)
		for _, p := range m.DrawdownPeriods {
			if p.DurationDays > m.MaxDrawdownDuration {
				m.MaxDrawdownDuration = p.DurationDays
			}
		}
	}

	return m
}

// Summary renders a plain-text report in the same shape as
// original_source/analysis/metrics.py's BacktestMetrics.summary(), for the
// CLI's run-result printout.
func (m BacktestMetrics) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Backtest Metrics: %s ===\n", m.ConfigName)
	fmt.Fprintf(&b, "Period: %s to %s (%d days)\n\n", m.StartDate.Format("2006-01-02"), m.EndDate.Format("2006-01-02"), m.TradingDays)

	fmt.Fprintf(&b, "--- Returns ---\n")
	fmt.Fprintf(&b, "  Total Return:      $%.2f (%.2f%%)\n", m.TotalReturn, m.TotalReturnPct*100)
	fmt.Fprintf(&b, "  %s\n\n", optionalPct("Annualized Return", m.AnnualizedReturn, m.HasAnnualizedReturn))

	fmt.Fprintf(&b, "--- Risk ---\n")
	fmt.Fprintf(&b, "  %s\n", optionalPct("Max Drawdown", m.MaxDrawdown, m.HasMaxDrawdown))
	fmt.Fprintf(&b, "  %s\n", optionalPct("Volatility", m.Volatility, m.HasVolatility))
	fmt.Fprintf(&b, "  %s\n\n", optionalPct("VaR (95%)", m.VaR95, m.HasVaR95))

	fmt.Fprintf(&b, "--- Risk-Adjusted ---\n")
	fmt.Fprintf(&b, "  %s\n", optionalFloat("Sharpe Ratio", m.SharpeRatio, m.HasSharpe))
	fmt.Fprintf(&b, "  %s\n", optionalFloat("Sortino Ratio", m.SortinoRatio, m.HasSortino))
	fmt.Fprintf(&b, "  %s\n\n", optionalFloat("Calmar Ratio", m.CalmarRatio, m.HasCalmar))

	fmt.Fprintf(&b, "--- Trading ---\n")
	fmt.Fprintf(&b, "  Total Trades:      %d\n", m.TotalTrades)
	fmt.Fprintf(&b, "  %s\n", optionalPct("Win Rate", m.WinRate, m.HasWinRate))
	fmt.Fprintf(&b, "  %s\n\n", optionalFloat("Profit Factor", m.ProfitFactor, m.HasProfitFactor))

	fmt.Fprintf(&b, "--- Costs ---\n")
	fmt.Fprintf(&b, "  Commission:        $%.2f\n", m.TotalCommission)
	fmt.Fprintf(&b, "  Slippage:          $%.2f\n", m.TotalSlippage)
	fmt.Fprintf(&b, "  Total Costs:       %.2f%% of capital\n", m.CommissionPct*100)

	return b.String()
}

func optionalPct(label string, value float64, ok bool) string {
	if !ok {
		return fmt.Sprintf("%s: N/A", label)
	}
	return fmt.Sprintf("%-18s %.2f%%", label+":", value*100)
}

func optionalFloat(label string, value float64, ok bool) string {
	if !ok {
		return fmt.Sprintf("%s: N/A", label)
	}
	return fmt.Sprintf("%-18s %.2f", label+":", value)
}

func monthlyReturns(snapshots []domain.EquitySnapshot) []MonthlyReturn {
	if len(snapshots) == 0 {
		return nil
	}

	type monthKey struct {
		year, month int
	}
	order := make([]monthKey, 0)
	buckets := make(map[monthKey][]domain.EquitySnapshot)
	for _, s := range snapshots {
		key := monthKey{s.Date.Year(), int(s.Date.Month())}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], s)
	}

	out := make([]MonthlyReturn, 0, len(order))
	for _, key := range order {
		bucket := buckets[key]
		first, last := bucket[0].NLV, bucket[len(bucket)-1].NLV
		var pct float64
		if first > 0 {
			pct = (last - first) / first
		}
		out = append(out, MonthlyReturn{
			Year:        key.year,
			Month:       key.month,
			ReturnPct:   pct,
			TradingDays: len(bucket),
		})
	}
	return out
}

// drawdownPeriods walks the equity curve once, opening a period whenever
// NLV dips below the running peak and closing it on the day NLV makes a
// new high. A trailing open period (no new high by the run's end) is
// reported unrecovered.
func drawdownPeriods(snapshots []domain.EquitySnapshot) []DrawdownPeriod {
	var periods []DrawdownPeriod

	peakValue := snapshots[0].NLV
	peakDate := snapshots[0].Date
	inDrawdown := false
	troughValue := peakValue
	troughDate := peakDate
	var drawdownStart time.Time

	for _, s := range snapshots {
		switch {
		case s.NLV > peakValue:
			if inDrawdown {
				periods = append(periods, DrawdownPeriod{
					StartDate:    drawdownStart,
					EndDate:      s.Date,
					TroughDate:   troughDate,
					PeakValue:    peakValue,
					TroughValue:  troughValue,
					DrawdownPct:  (peakValue - troughValue) / peakValue,
					DurationDays: int(s.Date.Sub(drawdownStart).Hours() / 24),
					RecoveryDays: int(s.Date.Sub(troughDate).Hours() / 24),
					Recovered:    true,
				})
			}
			peakValue = s.NLV
			peakDate = s.Date
			troughValue = peakValue
			troughDate = peakDate
			inDrawdown = false

		case s.NLV < peakValue:
			if !inDrawdown {
				inDrawdown = true
				drawdownStart = peakDate
			}
			if s.NLV < troughValue {
				troughValue = s.NLV
				troughDate = s.Date
			}
		}
	}

	if inDrawdown {
		last := snapshots[len(snapshots)-1]
		var pct float64
		if peakValue > 0 {
			pct = (peakValue - troughValue) / peakValue
		}
		periods = append(periods, DrawdownPeriod{
			StartDate:    drawdownStart,
			TroughDate:   troughDate,
			PeakValue:    peakValue,
			TroughValue:  troughValue,
			DrawdownPct:  pct,
			DurationDays: int(last.Date.Sub(drawdownStart).Hours() / 24),
			Recovered:    false,
		})
	}

	return periods
}

// optionStats derives premium flow and the open/close/expire mix from the
// trade log. avg_days_in_trade from the original is always None there too
// (its TradeRecord carries no entry_date field to diff against), so it's
// not reproduced here.
func optionStats(records []domain.TradeRecord) OptionStats {
	var stats OptionStats

	var collected, paid []float64
	var closedCount, expiredCount, assignedCount int

	for _, r := range records {
		exec := r.Execution
		switch r.Action {
		case domain.ActionOpen:
			if exec.Quantity < 0 {
				collected = append(collected, absFloat(exec.FillPrice*float64(exec.Quantity)*float64(exec.LotSize)))
			}
		case domain.ActionClose:
			closedCount++
			if exec.Quantity > 0 {
				paid = append(paid, absFloat(exec.FillPrice*float64(exec.Quantity)*float64(exec.LotSize)))
			}
		case domain.ActionExpire:
			closedCount++
			expiredCount++
			if r.PnL != nil && *r.PnL < 0 {
				assignedCount++
			}
		}
	}

	if len(collected) > 0 {
		stats.AvgPremiumCollected = mean(collected)
		stats.HasPremiumCollected = true
	}
	if len(paid) > 0 {
		stats.AvgPremiumPaid = mean(paid)
		stats.HasPremiumPaid = true
	}
	if closedCount > 0 {
		stats.ExpirationRate = float64(expiredCount) / float64(closedCount)
		stats.AssignmentRate = float64(assignedCount) / float64(closedCount)
		stats.HasExpirationStats = true
	}

	return stats
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
