package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegenerateCatalogEmptyStore(t *testing.T) {
	l := NewLayout(t.TempDir())

	cat, err := RegenerateCatalog(l)
	require.NoError(t, err)
	assert.Empty(t, cat.Stock)
	assert.Empty(t, cat.Option)
	assert.Empty(t, cat.Macro)
}

func TestRegenerateCatalogSummarizesStockCoverage(t *testing.T) {
	l := NewLayout(t.TempDir())
	rows := []StockRow{
		{Symbol: "AAPL", Date: "2024-01-02", Close: 185},
		{Symbol: "AAPL", Date: "2024-01-03", Close: 186},
		{Symbol: "MSFT", Date: "2024-01-02", Close: 370},
	}
	require.NoError(t, WriteParquetAtomic(l.StockPath(), rows))

	cat, err := RegenerateCatalog(l)
	require.NoError(t, err)
	require.Len(t, cat.Stock, 2)

	assert.Equal(t, "AAPL", cat.Stock[0].Symbol)
	assert.Equal(t, "2024-01-02", cat.Stock[0].StartDate)
	assert.Equal(t, "2024-01-03", cat.Stock[0].EndDate)
	assert.Equal(t, 2, cat.Stock[0].RecordCount)

	assert.Equal(t, "MSFT", cat.Stock[1].Symbol)
	assert.Equal(t, 1, cat.Stock[1].RecordCount)
}

func TestWriteLoadCatalogRoundTrip(t *testing.T) {
	l := NewLayout(t.TempDir())
	cat := &Catalog{
		Stock: []DatasetCoverage{{Symbol: "AAPL", StartDate: "2020-01-01", EndDate: "2024-01-01", RecordCount: 1000}},
	}
	require.NoError(t, WriteCatalog(l, cat))

	got, err := LoadCatalog(l)
	require.NoError(t, err)
	assert.Equal(t, cat.Stock, got.Stock)
}

func TestLoadCatalogMissingFileReturnsEmpty(t *testing.T) {
	l := NewLayout(t.TempDir())
	cat, err := LoadCatalog(l)
	require.NoError(t, err)
	assert.Empty(t, cat.Stock)
}

func TestRegenerateCatalogOptionCoverageAcrossYears(t *testing.T) {
	l := NewLayout(t.TempDir())
	rows2023 := []OptionRow{
		{Underlying: "AAPL", Expiration: "2023-06-16", Strike: 150, OptionType: "call", Date: "2023-01-03"},
	}
	rows2024 := []OptionRow{
		{Underlying: "AAPL", Expiration: "2024-06-21", Strike: 160, OptionType: "call", Date: "2024-01-02"},
	}
	require.NoError(t, WriteParquetAtomic(l.OptionPath("AAPL", 2023), rows2023))
	require.NoError(t, WriteParquetAtomic(l.OptionPath("AAPL", 2024), rows2024))

	cat, err := RegenerateCatalog(l)
	require.NoError(t, err)
	require.Len(t, cat.Option, 1)
	assert.Equal(t, "AAPL", cat.Option[0].Symbol)
	assert.Equal(t, "2023-01-03", cat.Option[0].StartDate)
	assert.Equal(t, "2024-01-02", cat.Option[0].EndDate)
	assert.Equal(t, 2, cat.Option[0].RecordCount)
}
