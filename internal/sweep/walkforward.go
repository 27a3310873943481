package sweep

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/backteng/internal/config"
	"github.com/aristath/backteng/internal/executor"
	"github.com/aristath/backteng/internal/metrics"
	"github.com/aristath/backteng/internal/runner"
)

// Split is one train/test window plus the decay metrics computed once both
// halves have run. Grounded on walk_forward.py's WalkForwardSplit.
type Split struct {
	Index int

	TrainStart time.Time
	TrainEnd   time.Time
	TestStart  time.Time
	TestEnd    time.Time

	TrainResult  *executor.Result
	TrainMetrics *metrics.BacktestMetrics
	TestResult   *executor.Result
	TestMetrics  *metrics.BacktestMetrics

	ReturnDecay  *float64
	SharpeDecay  *float64
	WinRateDecay *float64
}

// calcDecay fills ReturnDecay/SharpeDecay/WinRateDecay once both metrics
// are present, porting _calc_decay's falsy-check verbatim: a decay is only
// computed when both the train and test figure are present AND non-zero —
// the original's `if train_x and test_x` treats a literal 0.0 as "missing"
// too, not just None, so a flat 0% training return leaves the decay
// undefined rather than dividing by zero or reporting infinite decay.
func (s *Split) calcDecay() {
	if s.TrainMetrics == nil || s.TestMetrics == nil {
		return
	}
	if s.TrainMetrics.TotalReturnPct != 0 && s.TestMetrics.TotalReturnPct != 0 {
		trainPct := s.TrainMetrics.TotalReturnPct
		testPct := s.TestMetrics.TotalReturnPct
		decay := (testPct - trainPct) / absFloat(trainPct)
		s.ReturnDecay = &decay
	}
	if s.TrainMetrics.HasSharpe && s.TrainMetrics.SharpeRatio != 0 && s.TestMetrics.HasSharpe && s.TestMetrics.SharpeRatio != 0 {
		trainSharpe := s.TrainMetrics.SharpeRatio
		testSharpe := s.TestMetrics.SharpeRatio
		decay := (testSharpe - trainSharpe) / absFloat(trainSharpe)
		s.SharpeDecay = &decay
	}
	if s.TrainMetrics.HasWinRate && s.TrainMetrics.WinRate != 0 && s.TestMetrics.HasWinRate && s.TestMetrics.WinRate != 0 {
		trainWR := s.TrainMetrics.WinRate
		testWR := s.TestMetrics.WinRate
		decay := (testWR - trainWR) / trainWR
		s.WinRateDecay = &decay
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// WalkForwardResult is the full walk-forward outcome: every split plus aggregated
// in-sample/out-of-sample figures and an overfitting score. Grounded on
// walk_forward.py's WalkForwardResult.
type WalkForwardResult struct {
	Splits []Split

	ISTotalReturn float64
	ISAvgSharpe   *float64
	ISAvgWinRate  *float64

	OOSTotalReturn float64
	OOSAvgSharpe   *float64
	OOSAvgWinRate  *float64

	AvgReturnDecay   *float64
	AvgSharpeDecay   *float64
	OverfittingScore *float64

	OOSPositivePct        float64
	OOSConsistentSharpe   float64

	NSplits     int
	TrainMonths int
	TestMonths  int
	Elapsed     time.Duration
}

// Summary renders a walk_forward.py-style text report, including the
// LOW/MODERATE/HIGH overfitting-risk assessment line.
func (r *WalkForwardResult) Summary() string {
	var b strings.Builder
	fmt.Fprintln(&b, "=== Walk-Forward Validation Summary ===")
	fmt.Fprintf(&b, "Splits: %d\n", r.NSplits)
	fmt.Fprintf(&b, "Train Period: %d months\n", r.TrainMonths)
	fmt.Fprintf(&b, "Test Period: %d months\n\n", r.TestMonths)
	fmt.Fprintln(&b, "--- In-Sample (Training) ---")
	fmt.Fprintf(&b, "  Total Return:  %.2f%%\n", r.ISTotalReturn*100)
	fmt.Fprintln(&b, optionalPctLine("  Avg Sharpe:   ", r.ISAvgSharpe, false))
	fmt.Fprintln(&b, optionalPctLine("  Avg Win Rate: ", r.ISAvgWinRate, true))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "--- Out-of-Sample (Testing) ---")
	fmt.Fprintf(&b, "  Total Return:  %.2f%%\n", r.OOSTotalReturn*100)
	fmt.Fprintln(&b, optionalPctLine("  Avg Sharpe:   ", r.OOSAvgSharpe, false))
	fmt.Fprintln(&b, optionalPctLine("  Avg Win Rate: ", r.OOSAvgWinRate, true))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "--- Overfitting Analysis ---")
	fmt.Fprintln(&b, optionalPctLine("  Return Decay:      ", r.AvgReturnDecay, true))
	fmt.Fprintln(&b, optionalPctLine("  Sharpe Decay:      ", r.AvgSharpeDecay, true))
	fmt.Fprintln(&b, optionalScoreLine("  Overfitting Score: ", r.OverfittingScore))
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "--- Consistency ---")
	fmt.Fprintf(&b, "  OOS Positive %%:   %.0f%%\n", r.OOSPositivePct*100)
	fmt.Fprintf(&b, "  OOS Sharpe > 0:   %.0f%%\n\n", r.OOSConsistentSharpe*100)
	if r.OverfittingScore != nil {
		switch {
		case *r.OverfittingScore < 0.3:
			fmt.Fprint(&b, "Assessment: LOW overfitting risk")
		case *r.OverfittingScore < 0.6:
			fmt.Fprint(&b, "Assessment: MODERATE overfitting risk")
		default:
			fmt.Fprint(&b, "Assessment: HIGH overfitting risk - strategy may not generalize well")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func optionalPctLine(label string, v *float64, asPct bool) string {
	if v == nil {
		return label + "N/A"
	}
	if asPct {
		return fmt.Sprintf("%s%.1f%%", label, *v*100)
	}
	return fmt.Sprintf("%s%.2f", label, *v)
}

func optionalScoreLine(label string, v *float64) string {
	if v == nil {
		return label + "N/A"
	}
	return fmt.Sprintf("%s%.2f", label, *v)
}

// Validator runs a base config's train/test windows and scores their
// consistency. Grounded on walk_forward.py's WalkForwardValidator.
type Validator struct {
	base *config.BacktestConfig
}

// NewValidator starts a validator over base; base.StartDate/EndDate bound
// the whole window the splits are carved from.
func NewValidator(base *config.BacktestConfig) *Validator {
	return &Validator{base: base}
}

// Run generates and executes train/test splits. nSplits of 0 auto-computes
// the count from the available window, matching _generate_splits' default.
func (v *Validator) Run(ctx context.Context, r *runner.Runner, trainMonths, testMonths, nSplits, overlapMonths int) (*WalkForwardResult, error) {
	splits := v.generateSplits(trainMonths, testMonths, nSplits, overlapMonths)
	return v.runSplits(ctx, r, splits, trainMonths, testMonths)
}

// RunExpandingWindow grows the training window by testMonths each step
// instead of rolling it forward, matching run_expanding_window.
func (v *Validator) RunExpandingWindow(ctx context.Context, r *runner.Runner, initialTrainMonths, testMonths int) (*WalkForwardResult, error) {
	var splits []Split
	trainStart := v.base.StartDate
	idx := 1
	for {
		trainEnd := addMonthsClip(trainStart, initialTrainMonths+(idx-1)*testMonths).AddDate(0, 0, -1)
		testStart := trainEnd.AddDate(0, 0, 1)
		testEnd := addMonthsClip(testStart, testMonths).AddDate(0, 0, -1)
		if testEnd.After(v.base.EndDate) {
			break
		}
		splits = append(splits, Split{Index: idx, TrainStart: trainStart, TrainEnd: trainEnd, TestStart: testStart, TestEnd: testEnd})
		idx++
	}
	return v.runSplits(ctx, r, splits, initialTrainMonths, testMonths)
}

func (v *Validator) generateSplits(trainMonths, testMonths, nSplits, overlapMonths int) []Split {
	totalStart := v.base.StartDate
	totalEnd := v.base.EndDate
	totalMonths := (totalEnd.Year()-totalStart.Year())*12 + int(totalEnd.Month()-totalStart.Month())

	stepMonths := testMonths - overlapMonths
	if stepMonths <= 0 {
		stepMonths = testMonths
	}

	windowMonths := trainMonths + testMonths
	if nSplits <= 0 {
		nSplits = (totalMonths-windowMonths)/stepMonths + 1
		if nSplits < 1 {
			nSplits = 1
		}
	}

	var splits []Split
	currentStart := totalStart
	for i := 0; i < nSplits; i++ {
		trainStart := currentStart
		trainEnd := addMonthsClip(trainStart, trainMonths).AddDate(0, 0, -1)
		testStart := trainEnd.AddDate(0, 0, 1)
		testEnd := addMonthsClip(testStart, testMonths).AddDate(0, 0, -1)

		if testEnd.After(totalEnd) {
			break
		}

		splits = append(splits, Split{Index: i + 1, TrainStart: trainStart, TrainEnd: trainEnd, TestStart: testStart, TestEnd: testEnd})
		currentStart = addMonthsClip(currentStart, stepMonths)
	}
	return splits
}

// addMonthsClip adds months to t the way dateutil.relativedelta does:
// clipped to the last valid day of the resulting month rather than
// overflowing into the next one (2024-01-31 + 1 month = 2024-02-29, not
// 2024-03-02, which is what time.Time.AddDate(0,1,0) would give). Ported
// deliberately since walk_forward.py names relativedelta for exactly this
// reason.
func addMonthsClip(t time.Time, months int) time.Time {
	firstOfTargetMonth := time.Date(t.Year(), t.Month()+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTargetMonth.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTargetMonth.Year(), firstOfTargetMonth.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func (v *Validator) runSplits(ctx context.Context, r *runner.Runner, splits []Split, trainMonths, testMonths int) (*WalkForwardResult, error) {
	if len(splits) == 0 {
		return nil, fmt.Errorf("could not generate any valid walk-forward splits")
	}

	var runID string
	if reg := r.Registry(); reg != nil {
		id, err := reg.StartRun(runner.KindWalkForward, v.base.Name, map[string]int{"train_months": trainMonths, "test_months": testMonths})
		if err == nil {
			runID = id
		}
	}

	result := &WalkForwardResult{NSplits: len(splits), TrainMonths: trainMonths, TestMonths: testMonths}
	start := time.Now()

	for i := range splits {
		split := &splits[i]
		if err := v.runSplit(ctx, r, split); err != nil {
			if reg := r.Registry(); runID != "" && reg != nil {
				_ = reg.RecordSplit(runID, split.Index, split.TrainStart, split.TrainEnd, split.TestStart, split.TestEnd, nil, nil, nil, nil, nil, "failed", err)
			}
			continue
		}
		result.Splits = append(result.Splits, *split)
		if reg := r.Registry(); runID != "" && reg != nil {
			_ = reg.RecordSplit(runID, split.Index, split.TrainStart, split.TrainEnd, split.TestStart, split.TestEnd,
				floatPtrIf(split.TrainMetrics != nil && split.TrainMetrics.HasSharpe, func() float64 { return split.TrainMetrics.SharpeRatio }),
				floatPtrIf(split.TestMetrics != nil && split.TestMetrics.HasSharpe, func() float64 { return split.TestMetrics.SharpeRatio }),
				floatPtrIf(split.TrainMetrics != nil, func() float64 { return split.TrainMetrics.TotalReturnPct }),
				floatPtrIf(split.TestMetrics != nil, func() float64 { return split.TestMetrics.TotalReturnPct }),
				nil, "completed", nil)
		}
	}

	calcSummary(result)
	result.Elapsed = time.Since(start)

	if runID != "" {
		if reg := r.Registry(); reg != nil {
			_ = reg.CompleteRun(runID, nil)
		}
	}

	return result, nil
}

func floatPtrIf(ok bool, v func() float64) *float64 {
	if !ok {
		return nil
	}
	f := v()
	return &f
}

func (v *Validator) runSplit(ctx context.Context, r *runner.Runner, split *Split) error {
	trainCfg := v.base.Clone()
	trainCfg.Name = fmt.Sprintf("%s_train_%d", v.base.Name, split.Index)
	trainCfg.StartDate = split.TrainStart
	trainCfg.EndDate = split.TrainEnd

	testCfg := v.base.Clone()
	testCfg.Name = fmt.Sprintf("%s_test_%d", v.base.Name, split.Index)
	testCfg.StartDate = split.TestStart
	testCfg.EndDate = split.TestEnd

	tasks := []runner.Task{
		{Label: trainCfg.Name, Config: trainCfg},
		{Label: testCfg.Name, Config: testCfg},
	}
	summary := r.Run(ctx, "", tasks)

	trainResult, ok := summary.Results[trainCfg.Name]
	if !ok {
		return fmt.Errorf("train split %d: %w", split.Index, summary.Errors[trainCfg.Name])
	}
	testResult, ok := summary.Results[testCfg.Name]
	if !ok {
		return fmt.Errorf("test split %d: %w", split.Index, summary.Errors[testCfg.Name])
	}

	trainMetrics := metrics.FromResult(trainResult, 0)
	testMetrics := metrics.FromResult(testResult, 0)

	split.TrainResult = trainResult
	split.TrainMetrics = &trainMetrics
	split.TestResult = testResult
	split.TestMetrics = &testMetrics
	split.calcDecay()
	return nil
}

func calcSummary(result *WalkForwardResult) {
	if len(result.Splits) == 0 {
		return
	}

	var isReturns, isSharpes, isWinRates []float64
	var oosReturns, oosSharpes, oosWinRates []float64
	var returnDecays, sharpeDecays []float64

	for _, split := range result.Splits {
		if split.TrainMetrics != nil {
			isReturns = append(isReturns, split.TrainMetrics.TotalReturnPct)
			if split.TrainMetrics.HasSharpe {
				isSharpes = append(isSharpes, split.TrainMetrics.SharpeRatio)
			}
			if split.TrainMetrics.HasWinRate {
				isWinRates = append(isWinRates, split.TrainMetrics.WinRate)
			}
		}
		if split.TestMetrics != nil {
			oosReturns = append(oosReturns, split.TestMetrics.TotalReturnPct)
			if split.TestMetrics.HasSharpe {
				oosSharpes = append(oosSharpes, split.TestMetrics.SharpeRatio)
			}
			if split.TestMetrics.HasWinRate {
				oosWinRates = append(oosWinRates, split.TestMetrics.WinRate)
			}
		}
		if split.ReturnDecay != nil {
			returnDecays = append(returnDecays, *split.ReturnDecay)
		}
		if split.SharpeDecay != nil {
			sharpeDecays = append(sharpeDecays, *split.SharpeDecay)
		}
	}

	result.ISTotalReturn = sumFloat(isReturns)
	result.ISAvgSharpe = avgPtr(isSharpes)
	result.ISAvgWinRate = avgPtr(isWinRates)

	result.OOSTotalReturn = sumFloat(oosReturns)
	result.OOSAvgSharpe = avgPtr(oosSharpes)
	result.OOSAvgWinRate = avgPtr(oosWinRates)

	result.AvgReturnDecay = avgPtr(returnDecays)
	result.AvgSharpeDecay = avgPtr(sharpeDecays)

	oosPositive := 0
	for _, r := range oosReturns {
		if r > 0 {
			oosPositive++
		}
	}
	if len(oosReturns) > 0 {
		result.OOSPositivePct = float64(oosPositive) / float64(len(oosReturns))
	}

	oosSharpePositive := 0
	for _, s := range oosSharpes {
		if s > 0 {
			oosSharpePositive++
		}
	}
	if len(oosSharpes) > 0 {
		result.OOSConsistentSharpe = float64(oosSharpePositive) / float64(len(oosSharpes))
	}

	result.OverfittingScore = overfittingScore(result)
}

// overfittingScore composes the 0-1 score spec §4.12 names: up to 0.4 for
// return decay, up to 0.3 for Sharpe decay, up to 0.3 for OOS
// inconsistency (1 - oos_positive_pct). Ported from
// _calc_overfitting_score.
func overfittingScore(result *WalkForwardResult) *float64 {
	if len(result.Splits) == 0 {
		return nil
	}

	score := 0.0
	if result.AvgReturnDecay != nil {
		decay := maxFloat(0, -*result.AvgReturnDecay)
		score += minFloat(0.4, decay*0.4)
	}
	if result.AvgSharpeDecay != nil {
		decay := maxFloat(0, -*result.AvgSharpeDecay)
		score += minFloat(0.3, decay*0.3)
	}
	inconsistency := 1 - result.OOSPositivePct
	score += inconsistency * 0.3

	return &score
}

func sumFloat(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func avgPtr(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	avg := sumFloat(xs) / float64(len(xs))
	return &avg
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
