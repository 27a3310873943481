// Package storage implements the on-disk Parquet layout (spec.md §3.1-§3.3,
// C1): row schemas, path resolution, the JSON progress ledger, and the JSON
// data catalog. Column sets are grounded on
// original_source/src/backtest/data/schema.py, the Python schema this spec
// was distilled from; layout follows spec §3.2 directly.
package storage

// DataType enumerates the datasets the store holds. Used as the progress
// ledger's and the gap detector's dataset discriminator.
type DataType string

const (
	DataStock       DataType = "stock"
	DataOption      DataType = "option"
	DataMacro       DataType = "macro"
	DataFundamental DataType = "fundamental"
	DataBeta        DataType = "beta"
)

// StockRow is one stock EOD bar, keyed by (Symbol, Date).
type StockRow struct {
	Symbol string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Date   string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"` // YYYY-MM-DD
	Open   float64  `parquet:"name=open, type=DOUBLE"`
	High   float64  `parquet:"name=high, type=DOUBLE"`
	Low    float64  `parquet:"name=low, type=DOUBLE"`
	Close  float64  `parquet:"name=close, type=DOUBLE"`
	Volume int64    `parquet:"name=volume, type=INT64"`
	Count  int32    `parquet:"name=count, type=INT32"`
	Bid    *float64 `parquet:"name=bid, type=DOUBLE, repetitiontype=OPTIONAL"`
	Ask    *float64 `parquet:"name=ask, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// Key returns the natural key used for dedup/sort.
func (r StockRow) Key() string { return r.Symbol + "|" + r.Date }

// OptionRow is one option EOD bar with Greeks, keyed by
// (Underlying, Expiration, Strike, OptionType, Date).
type OptionRow struct {
	Underlying      string   `parquet:"name=underlying, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Expiration      string   `parquet:"name=expiration, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike          float64  `parquet:"name=strike, type=DOUBLE"`
	OptionType      string   `parquet:"name=option_type, type=BYTE_ARRAY, convertedtype=UTF8"` // "call" | "put"
	Date            string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open            float64  `parquet:"name=open, type=DOUBLE"`
	High            float64  `parquet:"name=high, type=DOUBLE"`
	Low             float64  `parquet:"name=low, type=DOUBLE"`
	Close           float64  `parquet:"name=close, type=DOUBLE"`
	Volume          int64    `parquet:"name=volume, type=INT64"`
	Count           int32    `parquet:"name=count, type=INT32"`
	Bid             float64  `parquet:"name=bid, type=DOUBLE"`
	Ask             float64  `parquet:"name=ask, type=DOUBLE"`
	Delta           float64  `parquet:"name=delta, type=DOUBLE"`
	Gamma           float64  `parquet:"name=gamma, type=DOUBLE"`
	Theta           float64  `parquet:"name=theta, type=DOUBLE"`
	Vega            float64  `parquet:"name=vega, type=DOUBLE"`
	Rho             float64  `parquet:"name=rho, type=DOUBLE"`
	ImpliedVol      float64  `parquet:"name=implied_vol, type=DOUBLE"`
	UnderlyingPrice float64  `parquet:"name=underlying_price, type=DOUBLE"`
	OpenInterest    *int64   `parquet:"name=open_interest, type=INT64, repetitiontype=OPTIONAL"`
	IVError         *float64 `parquet:"name=iv_error, type=DOUBLE, repetitiontype=OPTIONAL"`
}

func (r OptionRow) Key() string {
	return r.Underlying + "|" + r.Expiration + "|" + floatKey(r.Strike) + "|" + r.OptionType + "|" + r.Date
}

// MacroRow is one macro-indicator EOD bar, keyed by (Indicator, Date).
type MacroRow struct {
	Indicator string   `parquet:"name=indicator, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Date      string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open      float64  `parquet:"name=open, type=DOUBLE"`
	High      float64  `parquet:"name=high, type=DOUBLE"`
	Low       float64  `parquet:"name=low, type=DOUBLE"`
	Close     float64  `parquet:"name=close, type=DOUBLE"`
	Volume    *int64   `parquet:"name=volume, type=INT64, repetitiontype=OPTIONAL"`
	AdjClose  *float64 `parquet:"name=adj_close, type=DOUBLE, repetitiontype=OPTIONAL"`
}

func (r MacroRow) Key() string { return r.Indicator + "|" + r.Date }

// EPSRow is one EPS report, keyed by (Symbol, AsOfDate, ReportType, Period).
type EPSRow struct {
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	AsOfDate   string  `parquet:"name=as_of_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReportType string  `parquet:"name=report_type, type=BYTE_ARRAY, convertedtype=UTF8"` // TTM|P|R|A
	Period     string  `parquet:"name=period, type=BYTE_ARRAY, convertedtype=UTF8"`      // 3M|12M
	EPS        float64 `parquet:"name=eps, type=DOUBLE"`
	Currency   string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (r EPSRow) Key() string {
	return r.Symbol + "|" + r.AsOfDate + "|" + r.ReportType + "|" + r.Period
}

// RevenueRow has the same key shape as EPSRow.
type RevenueRow struct {
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	AsOfDate   string  `parquet:"name=as_of_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReportType string  `parquet:"name=report_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Period     string  `parquet:"name=period, type=BYTE_ARRAY, convertedtype=UTF8"`
	Revenue    float64 `parquet:"name=revenue, type=DOUBLE"`
	Currency   string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (r RevenueRow) Key() string {
	return r.Symbol + "|" + r.AsOfDate + "|" + r.ReportType + "|" + r.Period
}

// DividendRow is one dividend declaration, keyed by (Symbol, ExDate).
type DividendRow struct {
	Symbol          string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ExDate          string  `parquet:"name=ex_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordDate      *string `parquet:"name=record_date, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	PayDate         *string `parquet:"name=pay_date, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	DeclarationDate *string `parquet:"name=declaration_date, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	DividendType    string  `parquet:"name=dividend_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount          float64 `parquet:"name=amount, type=DOUBLE"`
	Currency        string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (r DividendRow) Key() string { return r.Symbol + "|" + r.ExDate }

// BetaRow is one rolling-beta observation, keyed by (Symbol, Date).
type BetaRow struct {
	Symbol string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Date   string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Beta   float64 `parquet:"name=beta, type=DOUBLE"`
}

func (r BetaRow) Key() string { return r.Symbol + "|" + r.Date }

func floatKey(f float64) string {
	// Strikes are vendor-quoted to at most 2 decimal places; fixed-precision
	// formatting keeps the dedup key stable across writers.
	return formatFixed(f, 4)
}
