package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressLedgerLoadMissingFileIsEmpty(t *testing.T) {
	l, err := LoadProgressLedger(filepath.Join(t.TempDir(), ".download_progress.json"))
	require.NoError(t, err)
	assert.Empty(t, l.All())
}

func TestProgressLedgerSetPersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".download_progress.json")
	l, err := LoadProgressLedger(path)
	require.NoError(t, err)

	key := ProgressKey{DataType: DataStock, Symbol: "AAPL"}
	entry := ProgressEntry{
		StartDate:     "2020-01-01",
		EndDate:       "2024-01-01",
		TotalRecords:  1008,
		Status:        ProgressComplete,
	}
	require.NoError(t, l.Set(key, entry))

	reloaded, err := LoadProgressLedger(path)
	require.NoError(t, err)

	got, ok := reloaded.Get(key)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestProgressLedgerGetMissingKey(t *testing.T) {
	l, err := LoadProgressLedger(filepath.Join(t.TempDir(), ".download_progress.json"))
	require.NoError(t, err)

	_, ok := l.Get(ProgressKey{DataType: DataOption, Symbol: "MSFT"})
	assert.False(t, ok)
}

func TestProgressLedgerSetOverwritesExistingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".download_progress.json")
	l, err := LoadProgressLedger(path)
	require.NoError(t, err)

	key := ProgressKey{DataType: DataStock, Symbol: "AAPL"}
	require.NoError(t, l.Set(key, ProgressEntry{Status: ProgressInProgress, EndDate: "2024-01-01"}))
	require.NoError(t, l.Set(key, ProgressEntry{Status: ProgressComplete, EndDate: "2024-06-01"}))

	got, ok := l.Get(key)
	require.True(t, ok)
	assert.Equal(t, ProgressComplete, got.Status)
	assert.Equal(t, "2024-06-01", got.EndDate)
	assert.Len(t, l.All(), 1, "overwriting the same key must not grow the ledger")
}
