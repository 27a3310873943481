package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowKeys(t *testing.T) {
	stock := StockRow{Symbol: "AAPL", Date: "2024-01-02"}
	assert.Equal(t, "AAPL|2024-01-02", stock.Key())

	option := OptionRow{
		Underlying: "AAPL",
		Expiration: "2024-03-15",
		Strike:     150,
		OptionType: "put",
		Date:       "2024-01-02",
	}
	assert.Equal(t, "AAPL|2024-03-15|150.0000|put|2024-01-02", option.Key())

	macro := MacroRow{Indicator: "CPI", Date: "2024-01-02"}
	assert.Equal(t, "CPI|2024-01-02", macro.Key())

	eps := EPSRow{Symbol: "AAPL", AsOfDate: "2024-01-02", ReportType: "TTM", Period: "12M"}
	assert.Equal(t, "AAPL|2024-01-02|TTM|12M", eps.Key())

	div := DividendRow{Symbol: "AAPL", ExDate: "2024-02-09"}
	assert.Equal(t, "AAPL|2024-02-09", div.Key())

	beta := BetaRow{Symbol: "AAPL", Date: "2024-01-02"}
	assert.Equal(t, "AAPL|2024-01-02", beta.Key())
}

func TestOptionRowKeyCollapsesStrikesBelowPrecision(t *testing.T) {
	a := OptionRow{Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150.00001, OptionType: "call", Date: "2024-01-02"}
	b := OptionRow{Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150.00002, OptionType: "call", Date: "2024-01-02"}
	assert.Equal(t, a.Key(), b.Key(), "strikes that differ only beyond 4 decimal places collapse to the same dedup key")

	c := OptionRow{Underlying: "AAPL", Expiration: "2024-03-15", Strike: 150.01, OptionType: "call", Date: "2024-01-02"}
	assert.NotEqual(t, a.Key(), c.Key())
}
