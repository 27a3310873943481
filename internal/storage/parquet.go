package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// keyedRow is satisfied by every row schema in this package; it is the
// natural-key accessor the merge-and-dedup writer (spec §3.3/§4.4) sorts
// and deduplicates on.
type keyedRow interface {
	Key() string
}

// ReadParquet reads every row of type T from path. A missing file means "no
// coverage" (spec §4.1) and returns an empty slice, never an error.
func ReadParquet[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(T), 4)
	if err != nil {
		return nil, fmt.Errorf("init parquet reader %s: %w", path, err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	if n == 0 {
		return nil, nil
	}

	rows := make([]T, n)
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read parquet rows %s: %w", path, err)
	}
	return rows, nil
}

// WriteParquetAtomic writes rows to path via write-temp-then-rename so
// concurrent readers never observe a partial file (spec §4.4/§5).
func WriteParquetAtomic[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("create temp parquet %s: %w", tmp, err)
	}

	pw, err := writer.NewParquetWriter(fw, new(T), 4)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("init parquet writer %s: %w", tmp, err)
	}

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			pw.WriteStop()
			fw.Close()
			os.Remove(tmp)
			return fmt.Errorf("write row to %s: %w", tmp, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("finalize parquet %s: %w", tmp, err)
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp parquet %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// MergeDedupWrite reads whatever rows already exist at path, concatenates
// newRows, sorts by the caller-supplied less function, and drops duplicate
// natural keys keeping the *last* occurrence in sort order — the
// append-merge invariant from spec §3.3. newRows should be appended after
// existing rows so that "last write wins" on a duplicate key.
func MergeDedupWrite[T keyedRow](path string, newRows []T, less func(a, b T) bool) error {
	existing, err := ReadParquet[T](path)
	if err != nil {
		return err
	}

	all := make([]T, 0, len(existing)+len(newRows))
	all = append(all, existing...)
	all = append(all, newRows...)

	sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })

	deduped := dedupKeepLast(all)
	return WriteParquetAtomic(path, deduped)
}

// dedupKeepLast assumes rows are already sorted by natural key (ties broken
// by insertion order, which SliceStable preserves) and keeps the last row
// for each key — "last write wins" on overlapping writes.
func dedupKeepLast[T keyedRow](sorted []T) []T {
	if len(sorted) == 0 {
		return sorted
	}
	out := make([]T, 0, len(sorted))
	for i := 0; i < len(sorted); i++ {
		if i+1 < len(sorted) && sorted[i].Key() == sorted[i+1].Key() {
			continue // a later row with the same key follows; skip this one
		}
		out = append(out, sorted[i])
	}
	return out
}
