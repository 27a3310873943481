// Package report implements the rendering half of spec §6's single call:
// render(result, metrics, benchmark?, report_dir) -> path?. The renderer
// itself is a black box for this spec — no HTML/chart output is required —
// so this package only gives internal/pipeline.ReportSink one concrete,
// minimal implementation: a plain-text summary file, in the
// strings.Builder-then-write-to-disk style the pack's own reporting code
// uses (other_examples' billygk-alpha-trading/internal/watcher/reporting.go
// builds its EOD report the same way before persisting it).
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/backteng/internal/executor"
	"github.com/aristath/backteng/internal/metrics"
)

// TextSink renders a finished run to a .txt file under reportDir, named
// from the config name and end date. It satisfies internal/pipeline.ReportSink structurally (Go
// interfaces need no import of the defining package).
type TextSink struct{}

// NewTextSink builds a TextSink. There is no configuration: the format is
// fixed plain text.
func NewTextSink() *TextSink {
	return &TextSink{}
}

// Render writes result's metrics (and, when present, the benchmark
// comparison) to reportDir and returns the file path.
func (s *TextSink) Render(result *executor.Result, m metrics.BacktestMetrics, bench *metrics.BenchmarkResult, reportDir string) (string, error) {
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir %s: %w", reportDir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Backtest Report: %s\n", result.ConfigName)
	fmt.Fprintf(&b, "Period: %s to %s\n\n", result.StartDate.Format("2006-01-02"), result.EndDate.Format("2006-01-02"))
	b.WriteString(m.Summary())
	b.WriteString("\n")
	if bench != nil {
		b.WriteString("\n")
		b.WriteString(benchmarkSummary(*bench))
	}

	name := fmt.Sprintf("%s_%s.txt", sanitizeName(result.ConfigName), result.EndDate.Format("20060102"))
	path := filepath.Join(reportDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}
	return path, nil
}

func benchmarkSummary(b metrics.BenchmarkResult) string {
	var sb strings.Builder
	fmt.Fprintln(&sb, "=== Benchmark Comparison ===")
	fmt.Fprintf(&sb, "  %-12s Strategy: %8.2f%%   %s: %8.2f%%\n", "Total Return", b.StrategyTotalReturn*100, b.BenchmarkName, b.BenchmarkTotalReturn*100)
	if b.HasStrategySharpe && b.HasBenchmarkSharpe {
		fmt.Fprintf(&sb, "  %-12s Strategy: %8.2f    %s: %8.2f\n", "Sharpe", b.StrategySharpe, b.BenchmarkName, b.BenchmarkSharpe)
	}
	if b.HasRegression {
		fmt.Fprintf(&sb, "  Alpha: %.4f  Beta: %.4f  Correlation: %.4f\n", b.Alpha, b.Beta, b.Correlation)
	}
	fmt.Fprintf(&sb, "  Daily win rate vs benchmark: %.1f%% (%d up / %d down days)\n", b.DailyWinRate*100, b.OutperformanceDays, b.UnderperformanceDays)
	return strings.TrimRight(sb.String(), "\n")
}

func sanitizeName(name string) string {
	if name == "" {
		name = "backtest"
	}
	r := strings.NewReplacer(" ", "_", "/", "_", "\\", "_")
	return r.Replace(name)
}
