package downloader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backteng/internal/gapdetect"
	"github.com/aristath/backteng/internal/storage"
	"github.com/aristath/backteng/internal/vendor"
)

func date(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testConfig() Config {
	return Config{
		BarChunkDays:    3,
		OptionChunkDays: 3,
		ThrottleFloor:   time.Millisecond,
		ThrottleCeiling: 5 * time.Millisecond,
		MaxAttempts:     3,
	}
}

// fakeStockAdapter records every call range and returns one row per day
// in range unless told to fail.
type fakeStockAdapter struct {
	mu        sync.Mutex
	calls     []struct{ start, end time.Time }
	failUntil int // calls with index < failUntil return the configured error
	failErr   error
}

func (f *fakeStockAdapter) FetchStockEOD(ctx context.Context, symbol string, start, end time.Time) ([]storage.StockRow, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, struct{ start, end time.Time }{start, end})
	f.mu.Unlock()

	if idx < f.failUntil {
		return nil, f.failErr
	}

	var rows []storage.StockRow
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows = append(rows, storage.StockRow{Symbol: symbol, Date: d.Format(dateLayout), Close: 100})
	}
	return rows, nil
}

func TestDownloadStockGapChunksAndCompletesLedger(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(dir)
	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	require.NoError(t, err)

	adapter := &fakeStockAdapter{}
	d := New(layout, ledger, adapter, nil, nil, nil, testConfig(), zerolog.Nop())

	gap := gapdetect.DataGap{
		Symbol: "AAPL", DataType: storage.DataStock,
		MissingStart: date("2024-01-01"), MissingEnd: date("2024-01-09"),
		Reason: gapdetect.ReasonNewSymbol,
	}
	require.NoError(t, d.DownloadStockGap(context.Background(), gap))

	// 9 days at a 3-day chunk size -> 3 chunks.
	assert.Len(t, adapter.calls, 3)
	assert.Equal(t, date("2024-01-01"), adapter.calls[0].start)
	assert.Equal(t, date("2024-01-03"), adapter.calls[0].end)
	assert.Equal(t, date("2024-01-09"), adapter.calls[2].end)

	entry, ok := ledger.Get(storage.ProgressKey{DataType: storage.DataStock, Symbol: "AAPL"})
	require.True(t, ok)
	assert.Equal(t, storage.ProgressComplete, entry.Status)
	assert.Equal(t, "2024-01-01", entry.StartDate)
	assert.Equal(t, "2024-01-09", entry.EndDate)
	assert.Equal(t, int64(9), entry.TotalRecords)
	require.NotNil(t, entry.LastCompletedDate)
	assert.Equal(t, "2024-01-09", *entry.LastCompletedDate)

	rows, err := storage.ReadParquet[storage.StockRow](layout.StockPath())
	require.NoError(t, err)
	assert.Len(t, rows, 9)
}

func TestDownloadStockGapRetriesTransientThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(dir)
	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	require.NoError(t, err)

	adapter := &fakeStockAdapter{failUntil: 2, failErr: &vendor.Error{Kind: vendor.Transient, Vendor: "fake", Op: "FetchStockEOD", Err: errors.New("rate limited")}}
	d := New(layout, ledger, adapter, nil, nil, nil, testConfig(), zerolog.Nop())

	gap := gapdetect.DataGap{
		Symbol: "AAPL", DataType: storage.DataStock,
		MissingStart: date("2024-01-01"), MissingEnd: date("2024-01-03"),
		Reason: gapdetect.ReasonNewSymbol,
	}
	require.NoError(t, d.DownloadStockGap(context.Background(), gap))

	// 2 failed attempts + 1 success for the single chunk.
	assert.Len(t, adapter.calls, 3)

	entry, ok := ledger.Get(storage.ProgressKey{DataType: storage.DataStock, Symbol: "AAPL"})
	require.True(t, ok)
	assert.Equal(t, storage.ProgressComplete, entry.Status)
}

func TestDownloadStockGapFailsOnPermanentError(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(dir)
	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	require.NoError(t, err)

	permErr := &vendor.Error{Kind: vendor.Permanent, Vendor: "fake", Op: "FetchStockEOD", Err: errors.New("not found")}
	adapter := &fakeStockAdapter{failUntil: 1, failErr: permErr}
	d := New(layout, ledger, adapter, nil, nil, nil, testConfig(), zerolog.Nop())

	gap := gapdetect.DataGap{
		Symbol: "ZZZZ", DataType: storage.DataStock,
		MissingStart: date("2024-01-01"), MissingEnd: date("2024-01-03"),
		Reason: gapdetect.ReasonNewSymbol,
	}
	err = d.DownloadStockGap(context.Background(), gap)
	require.Error(t, err)

	// Permanent errors are never retried.
	assert.Len(t, adapter.calls, 1)

	entry, ok := ledger.Get(storage.ProgressKey{DataType: storage.DataStock, Symbol: "ZZZZ"})
	require.True(t, ok)
	assert.Equal(t, storage.ProgressFailed, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
}

func TestDownloadStockGapResumesFromLastCompleted(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(dir)
	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	require.NoError(t, err)

	last := "2024-01-05"
	require.NoError(t, ledger.Set(storage.ProgressKey{DataType: storage.DataStock, Symbol: "AAPL"}, storage.ProgressEntry{
		StartDate: "2024-01-01", EndDate: "2024-01-10", LastCompletedDate: &last,
		TotalRecords: 5, Status: storage.ProgressInProgress,
	}))

	adapter := &fakeStockAdapter{}
	d := New(layout, ledger, adapter, nil, nil, nil, testConfig(), zerolog.Nop())

	gaps := gapdetect.DetectAll(storage.DataStock, []string{"AAPL"}, date("2024-01-01"), date("2024-01-10"), ledger)
	require.Len(t, gaps, 1)
	assert.Equal(t, gapdetect.ReasonResume, gaps[0].Reason)
	assert.Equal(t, date("2024-01-06"), gaps[0].MissingStart)

	require.NoError(t, d.DownloadStockGap(context.Background(), gaps[0]))

	// Only the missing 6th-10th is fetched, never the already-completed days.
	assert.Equal(t, date("2024-01-06"), adapter.calls[0].start)

	entry, ok := ledger.Get(storage.ProgressKey{DataType: storage.DataStock, Symbol: "AAPL"})
	require.True(t, ok)
	assert.Equal(t, storage.ProgressComplete, entry.Status)
	assert.Equal(t, "2024-01-01", entry.StartDate)
	assert.Equal(t, "2024-01-10", entry.EndDate)
	assert.Equal(t, int64(10), entry.TotalRecords) // 5 carried over + 5 new days
}

// fakeOptionAdapter returns one row per day spanning whatever range is
// requested, letting a chunk straddle a year boundary.
type fakeOptionAdapter struct{}

func (fakeOptionAdapter) FetchOptionEOD(ctx context.Context, underlying string, start, end time.Time, maxDTE, strikeRange int) ([]storage.OptionRow, error) {
	var rows []storage.OptionRow
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows = append(rows, storage.OptionRow{
			Underlying: underlying, Expiration: "2024-06-21", Strike: 100, OptionType: "call",
			Date: d.Format(dateLayout),
		})
	}
	return rows, nil
}

func TestDownloadOptionGapSplitsRowsAcrossYearFiles(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(dir)
	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	require.NoError(t, err)

	d := New(layout, ledger, nil, fakeOptionAdapter{}, nil, nil, testConfig(), zerolog.Nop())

	gap := gapdetect.DataGap{
		Symbol: "SPY", DataType: storage.DataOption,
		MissingStart: date("2023-12-30"), MissingEnd: date("2024-01-02"),
		Reason: gapdetect.ReasonNewSymbol,
	}
	require.NoError(t, d.DownloadOptionGap(context.Background(), gap))

	rows2023, err := storage.ReadParquet[storage.OptionRow](layout.OptionPath("SPY", 2023))
	require.NoError(t, err)
	rows2024, err := storage.ReadParquet[storage.OptionRow](layout.OptionPath("SPY", 2024))
	require.NoError(t, err)

	assert.Len(t, rows2023, 2) // Dec 30, 31
	assert.Len(t, rows2024, 2) // Jan 1, 2
}

func TestRunGapsIsolatesPerGapFailures(t *testing.T) {
	dir := t.TempDir()
	layout := storage.NewLayout(dir)
	ledger, err := storage.LoadProgressLedger(layout.ProgressPath())
	require.NoError(t, err)

	adapter := &fakeStockAdapter{}
	d := New(layout, ledger, adapter, nil, nil, nil, testConfig(), zerolog.Nop())

	gaps := []gapdetect.DataGap{
		{Symbol: "AAPL", DataType: storage.DataStock, MissingStart: date("2024-01-01"), MissingEnd: date("2024-01-02"), Reason: gapdetect.ReasonNewSymbol},
		{Symbol: "MSFT", DataType: "unsupported", MissingStart: date("2024-01-01"), MissingEnd: date("2024-01-02"), Reason: gapdetect.ReasonNewSymbol},
	}

	errs := d.RunGaps(context.Background(), gaps, 2)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])

	_, ok := ledger.Get(storage.ProgressKey{DataType: storage.DataStock, Symbol: "AAPL"})
	assert.True(t, ok)

	cat, err := storage.LoadCatalog(layout)
	require.NoError(t, err)
	require.NotNil(t, cat)
	assert.Len(t, cat.Stock, 1)
}

func TestThrottleBacksOffAndDecays(t *testing.T) {
	th := newThrottle(10*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, th.current())

	th.onTransient()
	assert.Equal(t, 15*time.Millisecond, th.current())

	th.onTransient()
	assert.InDelta(t, float64(22*time.Millisecond), float64(th.current()), float64(time.Millisecond))

	for i := 0; i < 20; i++ {
		th.onSuccess()
	}
	assert.Equal(t, 10*time.Millisecond, th.current())
}

func TestMergeEntryBoundsExtendsAfterPreservesStart(t *testing.T) {
	existing := storage.ProgressEntry{StartDate: "2024-01-01", EndDate: "2024-01-10", Status: storage.ProgressComplete}
	gap := gapdetect.DataGap{MissingStart: date("2024-01-11"), MissingEnd: date("2024-01-20"), Reason: gapdetect.ReasonExtendAfter}

	start, end := mergeEntryBounds(existing, true, gap)
	assert.Equal(t, "2024-01-01", start)
	assert.Equal(t, "2024-01-20", end)
}

func TestMergeEntryBoundsExtendsBeforePreservesEnd(t *testing.T) {
	existing := storage.ProgressEntry{StartDate: "2024-01-11", EndDate: "2024-01-20", Status: storage.ProgressComplete}
	gap := gapdetect.DataGap{MissingStart: date("2024-01-01"), MissingEnd: date("2024-01-10"), Reason: gapdetect.ReasonExtendBefore}

	start, end := mergeEntryBounds(existing, true, gap)
	assert.Equal(t, "2024-01-01", start)
	assert.Equal(t, "2024-01-20", end)
}

func TestDownloadPreflightSurfacesDiskSpaceError(t *testing.T) {
	layout := storage.NewLayout(filepath.Join(t.TempDir(), "missing-subdir-that-does-not-exist-anywhere"))
	ledger := &storage.ProgressLedger{}
	d := New(layout, ledger, nil, nil, nil, nil, testConfig(), zerolog.Nop())
	assert.Error(t, d.Preflight())
}
