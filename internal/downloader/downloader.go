// Package downloader implements the incremental downloader (C4): it drives
// the vendor adapters (internal/vendor) for every gap the gap detector
// (internal/gapdetect) finds, chunking requests, persisting progress to the
// ledger after each chunk, and refreshing the data catalog after each
// successful write. Grounded on spec.md §4.4; the adaptive per-adapter
// throttle generalizes the teacher's tradernet SDK worker-queue rate
// limiter (internal/clients/tradernet/sdk/client.go).
package downloader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/backteng/internal/gapdetect"
	"github.com/aristath/backteng/internal/reliability"
	"github.com/aristath/backteng/internal/storage"
	"github.com/aristath/backteng/internal/vendor"
)

const (
	defaultOptionChunkDays = 7
	defaultBarChunkDays    = 365
	defaultThrottleFloor   = 200 * time.Millisecond
	defaultThrottleCeiling = 30 * time.Second
	defaultMaxAttempts     = 5
	defaultMaxDTE          = 90
	defaultStrikeRange     = 20

	dateLayout = "2006-01-02"
)

// Config controls chunk sizing, retry bounds, and the option adapter's
// max_dte/strike_range request parameters. Zero values fall back to the
// defaults above.
type Config struct {
	OptionChunkDays int
	BarChunkDays    int
	ThrottleFloor   time.Duration
	ThrottleCeiling time.Duration
	MaxAttempts     int
	MaxDTE          int
	StrikeRange     int
}

func (c Config) withDefaults() Config {
	if c.OptionChunkDays <= 0 {
		c.OptionChunkDays = defaultOptionChunkDays
	}
	if c.BarChunkDays <= 0 {
		c.BarChunkDays = defaultBarChunkDays
	}
	if c.ThrottleFloor <= 0 {
		c.ThrottleFloor = defaultThrottleFloor
	}
	if c.ThrottleCeiling <= 0 {
		c.ThrottleCeiling = defaultThrottleCeiling
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxDTE <= 0 {
		c.MaxDTE = defaultMaxDTE
	}
	if c.StrikeRange <= 0 {
		c.StrikeRange = defaultStrikeRange
	}
	return c
}

// Downloader drives stock, option, macro, and fundamentals gaps to
// completion against the store's progress ledger.
type Downloader struct {
	layout       *storage.Layout
	ledger       *storage.ProgressLedger
	stock        vendor.StockAdapter
	option       vendor.OptionAdapter
	macro        vendor.MacroAdapter
	fundamentals vendor.FundamentalsAdapter
	cfg          Config
	log          zerolog.Logger

	stockThrottle *throttle
	optionThrottle *throttle
	macroThrottle  *throttle
	fundThrottle   *throttle
}

func New(
	layout *storage.Layout,
	ledger *storage.ProgressLedger,
	stock vendor.StockAdapter,
	option vendor.OptionAdapter,
	macro vendor.MacroAdapter,
	fundamentals vendor.FundamentalsAdapter,
	cfg Config,
	log zerolog.Logger,
) *Downloader {
	cfg = cfg.withDefaults()
	return &Downloader{
		layout: layout, ledger: ledger,
		stock: stock, option: option, macro: macro, fundamentals: fundamentals,
		cfg: cfg,
		log: log.With().Str("component", "downloader").Logger(),

		stockThrottle:  newThrottle(cfg.ThrottleFloor, cfg.ThrottleCeiling),
		optionThrottle: newThrottle(cfg.ThrottleFloor, cfg.ThrottleCeiling),
		macroThrottle:  newThrottle(cfg.ThrottleFloor, cfg.ThrottleCeiling),
		fundThrottle:   newThrottle(cfg.ThrottleFloor, cfg.ThrottleCeiling),
	}
}

// Preflight checks free disk space at the store's data_dir before any gap
// is downloaded (spec §4.4 precondition).
func (d *Downloader) Preflight() error {
	return reliability.DiskSpacePreflight(d.layout.DataDir, d.log)
}

// RunGaps downloads every gap, up to maxFanout concurrently, refreshing
// the data catalog after each one finishes successfully. A per-gap failure
// is isolated: it is returned at the gap's index but never aborts the rest
// (spec §7's "cross-worker failures are isolated, never kill the
// orchestrator," applied at gap granularity).
func (d *Downloader) RunGaps(ctx context.Context, gaps []gapdetect.DataGap, maxFanout int) []error {
	if maxFanout <= 0 {
		maxFanout = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanout)

	errs := make([]error, len(gaps))
	for i, gap := range gaps {
		i, gap := i, gap
		g.Go(func() error {
			err := d.downloadOne(gctx, gap)
			errs[i] = err
			if err == nil {
				d.refreshCatalog()
			} else {
				d.log.Error().Err(err).Str("data_type", string(gap.DataType)).Str("symbol", gap.Symbol).Msg("gap download failed")
			}
			return nil // never cancel sibling gaps on one failure
		})
	}
	_ = g.Wait()
	return errs
}

func (d *Downloader) downloadOne(ctx context.Context, gap gapdetect.DataGap) error {
	switch gap.DataType {
	case storage.DataStock:
		return d.DownloadStockGap(ctx, gap)
	case storage.DataOption:
		return d.DownloadOptionGap(ctx, gap)
	case storage.DataMacro:
		return d.DownloadMacroGap(ctx, gap)
	case storage.DataFundamental:
		return d.DownloadFundamentalsGap(ctx, gap)
	default:
		return fmt.Errorf("downloader: unsupported data type %q", gap.DataType)
	}
}

func (d *Downloader) refreshCatalog() {
	cat, err := storage.RegenerateCatalog(d.layout)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to regenerate data catalog")
		return
	}
	if err := storage.WriteCatalog(d.layout, cat); err != nil {
		d.log.Warn().Err(err).Msg("failed to write data catalog")
	}
}

// DownloadStockGap fetches and persists one stock gap.
func (d *Downloader) DownloadStockGap(ctx context.Context, gap gapdetect.DataGap) error {
	return d.run(ctx, gap, d.stockThrottle, d.cfg.BarChunkDays,
		func(ctx context.Context, start, end time.Time) (int, error) {
			rows, err := d.stock.FetchStockEOD(ctx, gap.Symbol, start, end)
			if err != nil {
				return 0, err
			}
			if len(rows) == 0 {
				return 0, nil
			}
			less := func(a, b storage.StockRow) bool { return a.Key() < b.Key() }
			if err := storage.MergeDedupWrite(d.layout.StockPath(), rows, less); err != nil {
				return 0, fmt.Errorf("write stock rows for %s: %w", gap.Symbol, err)
			}
			return len(rows), nil
		})
}

// DownloadOptionGap fetches and persists one option gap. Rows spanning a
// calendar-year boundary within a single chunk are split across the
// underlying's per-year Parquet files (spec §3.2).
func (d *Downloader) DownloadOptionGap(ctx context.Context, gap gapdetect.DataGap) error {
	return d.run(ctx, gap, d.optionThrottle, d.cfg.OptionChunkDays,
		func(ctx context.Context, start, end time.Time) (int, error) {
			rows, err := d.option.FetchOptionEOD(ctx, gap.Symbol, start, end, d.cfg.MaxDTE, d.cfg.StrikeRange)
			if err != nil {
				return 0, err
			}
			if len(rows) == 0 {
				return 0, nil
			}

			byYear := make(map[int][]storage.OptionRow)
			for _, r := range rows {
				if len(r.Date) < 4 {
					continue
				}
				year, err := strconv.Atoi(r.Date[:4])
				if err != nil {
					continue
				}
				byYear[year] = append(byYear[year], r)
			}

			less := func(a, b storage.OptionRow) bool { return a.Key() < b.Key() }
			for year, yearRows := range byYear {
				path := d.layout.OptionPath(gap.Symbol, year)
				if err := storage.MergeDedupWrite(path, yearRows, less); err != nil {
					return 0, fmt.Errorf("write option rows for %s/%d: %w", gap.Symbol, year, err)
				}
			}
			return len(rows), nil
		})
}

// DownloadMacroGap fetches and persists one macro-indicator gap.
func (d *Downloader) DownloadMacroGap(ctx context.Context, gap gapdetect.DataGap) error {
	return d.run(ctx, gap, d.macroThrottle, d.cfg.BarChunkDays,
		func(ctx context.Context, start, end time.Time) (int, error) {
			rows, err := d.macro.FetchMacroSeries(ctx, gap.Symbol, start, end)
			if err != nil {
				return 0, err
			}
			if len(rows) == 0 {
				return 0, nil
			}
			less := func(a, b storage.MacroRow) bool { return a.Key() < b.Key() }
			if err := storage.MergeDedupWrite(d.layout.MacroPath(), rows, less); err != nil {
				return 0, fmt.Errorf("write macro rows for %s: %w", gap.Symbol, err)
			}
			return len(rows), nil
		})
}

// DownloadFundamentalsGap fetches and persists one symbol's EPS, revenue,
// and dividend history for a gap. The three row sets write to their own
// Parquet files independently; the chunk's record count is their sum.
func (d *Downloader) DownloadFundamentalsGap(ctx context.Context, gap gapdetect.DataGap) error {
	return d.run(ctx, gap, d.fundThrottle, d.cfg.BarChunkDays,
		func(ctx context.Context, start, end time.Time) (int, error) {
			batch, err := d.fundamentals.FetchFundamentals(ctx, gap.Symbol, start, end)
			if err != nil {
				return 0, err
			}

			n := len(batch.EPS) + len(batch.Revenue) + len(batch.Dividend)
			if n == 0 {
				return 0, nil
			}
			if len(batch.EPS) > 0 {
				less := func(a, b storage.EPSRow) bool { return a.Key() < b.Key() }
				if err := storage.MergeDedupWrite(d.layout.EPSPath(), batch.EPS, less); err != nil {
					return 0, fmt.Errorf("write eps rows for %s: %w", gap.Symbol, err)
				}
			}
			if len(batch.Revenue) > 0 {
				less := func(a, b storage.RevenueRow) bool { return a.Key() < b.Key() }
				if err := storage.MergeDedupWrite(d.layout.RevenuePath(), batch.Revenue, less); err != nil {
					return 0, fmt.Errorf("write revenue rows for %s: %w", gap.Symbol, err)
				}
			}
			if len(batch.Dividend) > 0 {
				less := func(a, b storage.DividendRow) bool { return a.Key() < b.Key() }
				if err := storage.MergeDedupWrite(d.layout.DividendPath(), batch.Dividend, less); err != nil {
					return 0, fmt.Errorf("write dividend rows for %s: %w", gap.Symbol, err)
				}
			}
			return n, nil
		})
}

// run drives one gap through its chunk schedule against the progress
// ledger: mark in_progress, fetch-and-write each chunk with throttled
// bounded retry, persist last_completed_date/total_records after every
// chunk so a crash mid-gap resumes rather than refetches, then mark
// complete (spec §4.4).
func (d *Downloader) run(
	ctx context.Context,
	gap gapdetect.DataGap,
	th *throttle,
	chunkDays int,
	fetchAndWrite func(ctx context.Context, start, end time.Time) (int, error),
) error {
	key := storage.ProgressKey{DataType: gap.DataType, Symbol: gap.Symbol}
	existing, hasExisting := d.ledger.Get(key)

	startDate, endDate := mergeEntryBounds(existing, hasExisting, gap)
	var totalRecords int64
	if hasExisting {
		totalRecords = existing.TotalRecords
	}

	entry := storage.ProgressEntry{
		StartDate:    startDate,
		EndDate:      endDate,
		TotalRecords: totalRecords,
		Status:       storage.ProgressInProgress,
	}
	if err := d.ledger.Set(key, entry); err != nil {
		return fmt.Errorf("mark %s/%s in_progress: %w", gap.DataType, gap.Symbol, err)
	}

	cursor := gap.MissingStart
	for !cursor.After(gap.MissingEnd) {
		chunkEnd := cursor.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(gap.MissingEnd) {
			chunkEnd = gap.MissingEnd
		}

		n, err := d.fetchChunkWithRetry(ctx, th, cursor, chunkEnd, fetchAndWrite)
		if err != nil {
			msg := err.Error()
			entry.Status = storage.ProgressFailed
			entry.ErrorMessage = &msg
			_ = d.ledger.Set(key, entry)
			return fmt.Errorf("download %s/%s chunk %s..%s: %w",
				gap.DataType, gap.Symbol, cursor.Format(dateLayout), chunkEnd.Format(dateLayout), err)
		}

		totalRecords += int64(n)
		completed := chunkEnd.Format(dateLayout)
		entry.TotalRecords = totalRecords
		entry.LastCompletedDate = &completed
		if err := d.ledger.Set(key, entry); err != nil {
			return fmt.Errorf("persist progress for %s/%s: %w", gap.DataType, gap.Symbol, err)
		}

		cursor = chunkEnd.AddDate(0, 0, 1)
	}

	entry.Status = storage.ProgressComplete
	entry.ErrorMessage = nil
	if err := d.ledger.Set(key, entry); err != nil {
		return fmt.Errorf("mark %s/%s complete: %w", gap.DataType, gap.Symbol, err)
	}
	return nil
}

// fetchChunkWithRetry retries a Transient vendor error with the adapter's
// throttle backing off multiplicatively, up to cfg.MaxAttempts; a
// Permanent error (or any non-vendor error) aborts immediately.
func (d *Downloader) fetchChunkWithRetry(
	ctx context.Context,
	th *throttle,
	start, end time.Time,
	fetchAndWrite func(ctx context.Context, start, end time.Time) (int, error),
) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		th.wait()
		n, err := fetchAndWrite(ctx, start, end)
		if err == nil {
			th.onSuccess()
			return n, nil
		}

		lastErr = err
		if !vendor.IsTransient(err) {
			return 0, err
		}

		th.onTransient()
		d.log.Warn().Err(err).
			Time("chunk_start", start).Time("chunk_end", end).
			Int("attempt", attempt).Dur("delay", th.current()).
			Msg("transient vendor error, retrying")
	}
	return 0, fmt.Errorf("exhausted %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

// mergeEntryBounds computes the ledger entry's overall [start_date,
// end_date] coverage window after folding in gap, per the reason the gap
// detector assigned it.
func mergeEntryBounds(existing storage.ProgressEntry, hasExisting bool, gap gapdetect.DataGap) (startDate, endDate string) {
	gapStart := gap.MissingStart.Format(dateLayout)
	gapEnd := gap.MissingEnd.Format(dateLayout)

	if !hasExisting {
		return gapStart, gapEnd
	}

	switch gap.Reason {
	case gapdetect.ReasonExtendBefore:
		return gapStart, existing.EndDate
	case gapdetect.ReasonExtendAfter:
		return existing.StartDate, gapEnd
	case gapdetect.ReasonResume:
		return existing.StartDate, gapEnd
	default: // ReasonNewSymbol
		return gapStart, gapEnd
	}
}
