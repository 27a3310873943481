// Package gapdetect implements the gap detector (C3): given a required
// date range and a set of symbols, it consults the progress ledger and
// returns what's missing. Pure interval arithmetic over the ledger — no
// I/O of its own, grounded on spec.md §4.3 directly (no original_source
// equivalent file; the distillation's algorithm is definitive here).
package gapdetect

import (
	"time"

	"github.com/aristath/backteng/internal/storage"
)

// Reason is the finite set of reasons a DataGap was produced (spec §4.3).
type Reason string

const (
	ReasonNewSymbol    Reason = "new_symbol"
	ReasonExtendBefore Reason = "extend_before"
	ReasonExtendAfter  Reason = "extend_after"
	ReasonResume       Reason = "resume"
)

// DataGap is one missing range for a (symbol, data_type) pair.
type DataGap struct {
	Symbol       string
	DataType     storage.DataType
	MissingStart time.Time
	MissingEnd   time.Time
	Reason       Reason
}

const dateLayout = "2006-01-02"

// Detect computes the gaps for one (dataType, symbol) pair given the
// required [start, end] window and the ledger entry on file, if any.
// Detect never mutates the ledger; the downloader applies its findings.
func Detect(dataType storage.DataType, symbol string, start, end time.Time, entry storage.ProgressEntry, hasEntry bool) []DataGap {
	if !hasEntry || (entry.Status != storage.ProgressComplete && entry.Status != storage.ProgressInProgress) {
		return []DataGap{{
			Symbol: symbol, DataType: dataType,
			MissingStart: start, MissingEnd: end,
			Reason: ReasonNewSymbol,
		}}
	}

	if entry.Status == storage.ProgressInProgress {
		if entry.LastCompletedDate == nil {
			return []DataGap{{
				Symbol: symbol, DataType: dataType,
				MissingStart: start, MissingEnd: end,
				Reason: ReasonNewSymbol,
			}}
		}
		lastCompleted, err := time.Parse(dateLayout, *entry.LastCompletedDate)
		if err != nil {
			return []DataGap{{
				Symbol: symbol, DataType: dataType,
				MissingStart: start, MissingEnd: end,
				Reason: ReasonNewSymbol,
			}}
		}
		return []DataGap{{
			Symbol: symbol, DataType: dataType,
			MissingStart: lastCompleted.AddDate(0, 0, 1), MissingEnd: end,
			Reason: ReasonResume,
		}}
	}

	// status == completed
	coveredStart, errS := time.Parse(dateLayout, entry.StartDate)
	coveredEnd, errE := time.Parse(dateLayout, entry.EndDate)
	if errS != nil || errE != nil {
		return []DataGap{{
			Symbol: symbol, DataType: dataType,
			MissingStart: start, MissingEnd: end,
			Reason: ReasonNewSymbol,
		}}
	}

	var gaps []DataGap
	if coveredStart.After(start) {
		gaps = append(gaps, DataGap{
			Symbol: symbol, DataType: dataType,
			MissingStart: start, MissingEnd: coveredStart.AddDate(0, 0, -1),
			Reason: ReasonExtendBefore,
		})
	}
	if coveredEnd.Before(end) {
		gaps = append(gaps, DataGap{
			Symbol: symbol, DataType: dataType,
			MissingStart: coveredEnd.AddDate(0, 0, 1), MissingEnd: end,
			Reason: ReasonExtendAfter,
		})
	}
	return gaps
}

// DetectAll runs Detect for every symbol against a loaded ledger, for a
// single dataType. Used by the downloader/orchestration pipeline to build
// its per-run worklist (spec §4.11 step 1).
func DetectAll(dataType storage.DataType, symbols []string, start, end time.Time, ledger *storage.ProgressLedger) []DataGap {
	var all []DataGap
	for _, sym := range symbols {
		entry, ok := ledger.Get(storage.ProgressKey{DataType: dataType, Symbol: sym})
		all = append(all, Detect(dataType, sym, start, end, entry, ok)...)
	}
	return all
}

// DetectMacro computes gaps for a single-file, many-indicator dataset from
// the caller-supplied existing min/max date per indicator, rather than
// from the per-symbol ledger (spec §4.3). When readOK is false it falls
// open to "assume full gap" for every indicator.
func DetectMacro(indicators []string, start, end time.Time, existing map[string][2]time.Time, readOK bool) []DataGap {
	var gaps []DataGap
	for _, ind := range indicators {
		if !readOK {
			gaps = append(gaps, DataGap{Symbol: ind, DataType: storage.DataMacro, MissingStart: start, MissingEnd: end, Reason: ReasonNewSymbol})
			continue
		}
		minMax, ok := existing[ind]
		if !ok {
			gaps = append(gaps, DataGap{Symbol: ind, DataType: storage.DataMacro, MissingStart: start, MissingEnd: end, Reason: ReasonNewSymbol})
			continue
		}
		covStart, covEnd := minMax[0], minMax[1]
		if covStart.After(start) {
			gaps = append(gaps, DataGap{Symbol: ind, DataType: storage.DataMacro, MissingStart: start, MissingEnd: covStart.AddDate(0, 0, -1), Reason: ReasonExtendBefore})
		}
		if covEnd.Before(end) {
			gaps = append(gaps, DataGap{Symbol: ind, DataType: storage.DataMacro, MissingStart: covEnd.AddDate(0, 0, 1), MissingEnd: end, Reason: ReasonExtendAfter})
		}
	}
	return gaps
}
