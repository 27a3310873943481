// Package provider implements the point-in-time data provider (C5): a
// read API over the Parquet store that never looks past a movable
// as_of_date cursor. Grounded on
// original_source/src/backtest/data/duckdb_provider.py, the Python
// DuckDBProvider this component was distilled from — its cache shape
// (full-series caches that survive a cursor step, per-day caches that
// don't) and its fundamentals auto-download-on-miss policy are carried
// over directly; SQL pushdown is replaced with an in-memory index built
// once per dataset on first use, since a single Parquet read already pays
// the full file scan DuckDB's WHERE clause would have paid anyway.
package provider

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/backteng/internal/gapdetect"
	"github.com/aristath/backteng/internal/storage"
)

const dateLayout = "2006-01-02"

var defaultETFSymbols = []string{
	"SPY", "QQQ", "IWM", "DIA", "VOO", "VTI", "EEM", "XLF", "XLE", "XLK",
	"GLD", "SLV", "TLT", "HYG", "LQD", "VXX", "UVXY", "SQQQ", "TQQQ",
	"ARKK", "XBI", "IBB", "SMH", "SOXX", "XOP", "OIH", "GDX", "GDXJ",
}

const (
	defaultCacheMaxSize  = 1000
	hvLookbackDays       = 60
	ivRankLookbackDays   = 252
	defaultBlackoutDays  = 2
)

var defaultBlackoutEventTypes = []string{"FOMC", "CPI", "NFP"}

// FundamentalsDownloader is the subset of *downloader.Downloader the
// auto-download-on-miss policy needs. Defined here rather than imported so
// internal/provider never depends on internal/downloader; callers wire a
// real *downloader.Downloader in at construction time.
type FundamentalsDownloader interface {
	DownloadFundamentalsGap(ctx context.Context, gap gapdetect.DataGap) error
}

// Config controls cache sizing and the fundamentals auto-download policy.
type Config struct {
	CacheMaxSize             int
	AutoDownloadFundamentals bool
	KnownETFs                []string // defaults to defaultETFSymbols when nil
	FundamentalsLookbackDays int      // history window requested on auto-download, default ~10y
}

func (c Config) withDefaults() Config {
	if c.CacheMaxSize <= 0 {
		c.CacheMaxSize = defaultCacheMaxSize
	}
	if c.KnownETFs == nil {
		c.KnownETFs = defaultETFSymbols
	}
	if c.FundamentalsLookbackDays <= 0 {
		c.FundamentalsLookbackDays = 365 * 10
	}
	return c
}

// Provider is the point-in-time read API over one data_dir. It is not
// safe for concurrent use: the parallel runner (C15) constructs one
// Provider per task.
type Provider struct {
	layout *storage.Layout
	cfg    Config
	log    zerolog.Logger

	asOfDate time.Time

	downloader FundamentalsDownloader
	etfSet     map[string]bool

	fundamentalAttempted map[string]bool

	// full-series caches: loaded once, indexed by natural key, never
	// cleared by SetAsOfDate because historical rows are immutable.
	stockLoaded      bool
	stockBySymbol    map[string][]storage.StockRow
	macroLoaded      bool
	macroByIndicator map[string][]storage.MacroRow
	betaLoaded       bool
	betaBySymbol     map[string][]storage.BetaRow
	epsLoaded        bool
	epsBySymbol      map[string][]storage.EPSRow
	revenueLoaded    bool
	revenueBySymbol  map[string][]storage.RevenueRow
	dividendLoaded   bool
	dividendBySymbol map[string][]storage.DividendRow

	// per-day caches: cleared whenever as_of_date changes.
	stockQuoteCache    map[string]*StockQuote
	optionChainCache   map[string]*OptionChain
	volatilityCache    map[string]*StockVolatility

	// blackout cache: computed once for the whole run on first call,
	// independent of as_of_date (it is keyed by calendar date, not cursor).
	blackoutPrefetched bool
	blackoutCache      map[string]blackoutEntry
}

type blackoutEntry struct {
	blackout bool
	events   []EconomicEvent
}

// New constructs a Provider over layout, starting at asOfDate. dl may be
// nil, in which case fundamentals auto-download is always skipped
// regardless of cfg.AutoDownloadFundamentals.
func New(layout *storage.Layout, asOfDate time.Time, cfg Config, dl FundamentalsDownloader, log zerolog.Logger) *Provider {
	cfg = cfg.withDefaults()
	etfSet := make(map[string]bool, len(cfg.KnownETFs))
	for _, s := range cfg.KnownETFs {
		etfSet[strings.ToUpper(s)] = true
	}
	return &Provider{
		layout:                layout,
		cfg:                   cfg,
		log:                   log.With().Str("component", "provider").Logger(),
		asOfDate:              asOfDate,
		downloader:            dl,
		etfSet:                etfSet,
		fundamentalAttempted:  make(map[string]bool),
		stockBySymbol:         make(map[string][]storage.StockRow),
		macroByIndicator:      make(map[string][]storage.MacroRow),
		betaBySymbol:          make(map[string][]storage.BetaRow),
		epsBySymbol:           make(map[string][]storage.EPSRow),
		revenueBySymbol:       make(map[string][]storage.RevenueRow),
		dividendBySymbol:      make(map[string][]storage.DividendRow),
		stockQuoteCache:       make(map[string]*StockQuote),
		optionChainCache:      make(map[string]*OptionChain),
		volatilityCache:       make(map[string]*StockVolatility),
		blackoutCache:         make(map[string]blackoutEntry),
	}
}

// AsOfDate returns the provider's current backtest cursor.
func (p *Provider) AsOfDate() time.Time { return p.asOfDate }

// SetAsOfDate steps the cursor. Per-day caches are cleared; full-series
// caches and the blackout cache are preserved (spec §4.5's no-lookahead
// contract).
func (p *Provider) SetAsOfDate(d time.Time) {
	if d.Equal(p.asOfDate) {
		return
	}
	p.asOfDate = d
	p.stockQuoteCache = make(map[string]*StockQuote)
	p.optionChainCache = make(map[string]*OptionChain)
	p.volatilityCache = make(map[string]*StockVolatility)
}

func (p *Provider) dateStr(t time.Time) string { return t.Format(dateLayout) }

// ========== Stock ==========

func (p *Provider) loadStock() {
	if p.stockLoaded {
		return
	}
	p.stockLoaded = true
	rows, err := storage.ReadParquet[storage.StockRow](p.layout.StockPath())
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load stock_daily")
		return
	}
	for _, r := range rows {
		sym := strings.ToUpper(r.Symbol)
		p.stockBySymbol[sym] = append(p.stockBySymbol[sym], r)
	}
	for sym := range p.stockBySymbol {
		sort.Slice(p.stockBySymbol[sym], func(i, j int) bool {
			return p.stockBySymbol[sym][i].Date < p.stockBySymbol[sym][j].Date
		})
	}
}

// StockQuote returns the bar for symbol on the current as_of_date, or nil
// if the store has no row for that exact date (spec §4.5's absence
// semantics).
func (p *Provider) StockQuote(symbol string) *StockQuote {
	symbol = strings.ToUpper(symbol)
	if q, ok := p.stockQuoteCache[symbol]; ok {
		return q
	}

	p.loadStock()
	target := p.dateStr(p.asOfDate)
	rows := p.stockBySymbol[symbol]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].Date >= target })

	var q *StockQuote
	if idx < len(rows) && rows[idx].Date == target {
		r := rows[idx]
		d, _ := time.Parse(dateLayout, r.Date)
		q = &StockQuote{Symbol: symbol, Date: d, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}

	if len(p.stockQuoteCache) < p.cfg.CacheMaxSize {
		p.stockQuoteCache[symbol] = q
	}
	return q
}

// HistoryKline slices the per-symbol series to [start, min(end, as_of_date)]
// from the full-series cache, loading it on first use.
func (p *Provider) HistoryKline(symbol string, start, end time.Time) []KlineBar {
	symbol = strings.ToUpper(symbol)
	p.loadStock()

	effectiveEnd := end
	if p.asOfDate.Before(effectiveEnd) {
		effectiveEnd = p.asOfDate
	}
	startStr, endStr := p.dateStr(start), p.dateStr(effectiveEnd)

	rows := p.stockBySymbol[symbol]
	out := make([]KlineBar, 0, len(rows))
	for _, r := range rows {
		if r.Date < startStr || r.Date > endStr {
			continue
		}
		d, _ := time.Parse(dateLayout, r.Date)
		out = append(out, KlineBar{Symbol: symbol, Date: d, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume})
	}
	return out
}

// ========== Macro ==========

func (p *Provider) loadMacro() {
	if p.macroLoaded {
		return
	}
	p.macroLoaded = true
	rows, err := storage.ReadParquet[storage.MacroRow](p.layout.MacroPath())
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load macro_daily")
		return
	}
	for _, r := range rows {
		p.macroByIndicator[r.Indicator] = append(p.macroByIndicator[r.Indicator], r)
	}
	for ind := range p.macroByIndicator {
		sort.Slice(p.macroByIndicator[ind], func(i, j int) bool {
			return p.macroByIndicator[ind][i].Date < p.macroByIndicator[ind][j].Date
		})
	}
}

// MacroData slices the full-series macro cache to [start, min(end,
// as_of_date)].
func (p *Provider) MacroData(indicator string, start, end time.Time) []MacroData {
	p.loadMacro()

	effectiveEnd := end
	if p.asOfDate.Before(effectiveEnd) {
		effectiveEnd = p.asOfDate
	}
	startStr, endStr := p.dateStr(start), p.dateStr(effectiveEnd)

	rows := p.macroByIndicator[indicator]
	out := make([]MacroData, 0, len(rows))
	for _, r := range rows {
		if r.Date < startStr || r.Date > endStr {
			continue
		}
		d, _ := time.Parse(dateLayout, r.Date)
		out = append(out, MacroData{Indicator: indicator, Date: d, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume})
	}
	return out
}

// ========== Beta ==========

func (p *Provider) loadBeta() {
	if p.betaLoaded {
		return
	}
	p.betaLoaded = true
	rows, err := storage.ReadParquet[storage.BetaRow](p.layout.BetaPath())
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load stock_beta_daily")
		return
	}
	for _, r := range rows {
		sym := strings.ToUpper(r.Symbol)
		p.betaBySymbol[sym] = append(p.betaBySymbol[sym], r)
	}
	for sym := range p.betaBySymbol {
		sort.Slice(p.betaBySymbol[sym], func(i, j int) bool {
			return p.betaBySymbol[sym][i].Date < p.betaBySymbol[sym][j].Date
		})
	}
}

// StockBeta returns the latest rolling-beta observation on or before
// asOfDate (the provider's cursor when asOfDate is the zero value).
func (p *Provider) StockBeta(symbol string, asOfDate time.Time) *float64 {
	symbol = strings.ToUpper(symbol)
	if asOfDate.IsZero() {
		asOfDate = p.asOfDate
	}
	p.loadBeta()

	target := p.dateStr(asOfDate)
	rows := p.betaBySymbol[symbol]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].Date > target }) - 1
	if idx < 0 {
		return nil
	}
	v := rows[idx].Beta
	return &v
}

// ========== Fundamentals ==========

func (p *Provider) loadFundamentals() {
	if !p.epsLoaded {
		p.epsLoaded = true
		rows, err := storage.ReadParquet[storage.EPSRow](p.layout.EPSPath())
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to load fundamental_eps")
		}
		for _, r := range rows {
			sym := strings.ToUpper(r.Symbol)
			p.epsBySymbol[sym] = append(p.epsBySymbol[sym], r)
		}
		for sym := range p.epsBySymbol {
			sort.Slice(p.epsBySymbol[sym], func(i, j int) bool { return p.epsBySymbol[sym][i].AsOfDate < p.epsBySymbol[sym][j].AsOfDate })
		}
	}
	if !p.revenueLoaded {
		p.revenueLoaded = true
		rows, err := storage.ReadParquet[storage.RevenueRow](p.layout.RevenuePath())
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to load fundamental_revenue")
		}
		for _, r := range rows {
			sym := strings.ToUpper(r.Symbol)
			p.revenueBySymbol[sym] = append(p.revenueBySymbol[sym], r)
		}
		for sym := range p.revenueBySymbol {
			sort.Slice(p.revenueBySymbol[sym], func(i, j int) bool {
				return p.revenueBySymbol[sym][i].AsOfDate < p.revenueBySymbol[sym][j].AsOfDate
			})
		}
	}
	if !p.dividendLoaded {
		p.dividendLoaded = true
		rows, err := storage.ReadParquet[storage.DividendRow](p.layout.DividendPath())
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to load fundamental_dividend")
		}
		for _, r := range rows {
			sym := strings.ToUpper(r.Symbol)
			p.dividendBySymbol[sym] = append(p.dividendBySymbol[sym], r)
		}
		for sym := range p.dividendBySymbol {
			sort.Slice(p.dividendBySymbol[sym], func(i, j int) bool { return p.dividendBySymbol[sym][i].ExDate < p.dividendBySymbol[sym][j].ExDate })
		}
	}
}

// hasFundamentalData reports whether any EPS row exists for symbol.
func (p *Provider) hasFundamentalData(symbol string) bool {
	p.loadFundamentals()
	return len(p.epsBySymbol[strings.ToUpper(symbol)]) > 0
}

// ensureFundamentalData returns true once data for symbol is known to be
// available, attempting one bounded auto-download per (symbol, run) when
// configured (spec §4.5's auto-download policy). ETFs are treated as
// permanently absent and never attempted.
func (p *Provider) ensureFundamentalData(ctx context.Context, symbol string) bool {
	if p.hasFundamentalData(symbol) {
		return true
	}
	if !p.cfg.AutoDownloadFundamentals || p.downloader == nil {
		return false
	}
	symbol = strings.ToUpper(symbol)
	if p.etfSet[symbol] {
		return false
	}
	if p.fundamentalAttempted[symbol] {
		return false
	}
	p.fundamentalAttempted[symbol] = true

	gap := gapdetect.DataGap{
		Symbol:       symbol,
		DataType:     storage.DataFundamental,
		MissingStart: p.asOfDate.AddDate(0, 0, -p.cfg.FundamentalsLookbackDays),
		MissingEnd:   p.asOfDate,
		Reason:       gapdetect.ReasonNewSymbol,
	}
	if err := p.downloader.DownloadFundamentalsGap(ctx, gap); err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("fundamentals auto-download failed")
		return false
	}
	// force the next hasFundamentalData call to see the freshly written rows
	p.epsLoaded, p.revenueLoaded, p.dividendLoaded = false, false, false
	return p.hasFundamentalData(symbol)
}

// Fundamental returns the latest point-in-time TTM/12M EPS and revenue
// known as of the cursor, plus PE derived from the same day's stock quote
// and the next upcoming ex-dividend date. Takes a context because it may
// trigger a network auto-download on first miss.
func (p *Provider) Fundamental(ctx context.Context, symbol string) *Fundamental {
	symbol = strings.ToUpper(symbol)
	if !p.ensureFundamentalData(ctx, symbol) {
		return nil
	}

	asOf := p.dateStr(p.asOfDate)

	var eps *float64
	for i := len(p.epsBySymbol[symbol]) - 1; i >= 0; i-- {
		r := p.epsBySymbol[symbol][i]
		if r.ReportType == "TTM" && r.Period == "12M" && r.AsOfDate <= asOf {
			v := r.EPS
			eps = &v
			break
		}
	}

	var revenue *float64
	for i := len(p.revenueBySymbol[symbol]) - 1; i >= 0; i-- {
		r := p.revenueBySymbol[symbol][i]
		if r.ReportType == "TTM" && r.Period == "12M" && r.AsOfDate <= asOf {
			v := r.Revenue
			revenue = &v
			break
		}
	}

	var exDiv *time.Time
	for _, r := range p.dividendBySymbol[symbol] {
		if r.ExDate > asOf {
			d, err := time.Parse(dateLayout, r.ExDate)
			if err == nil {
				exDiv = &d
			}
			break
		}
	}

	var pe *float64
	if q := p.StockQuote(symbol); q != nil && eps != nil && *eps != 0 {
		v := q.Close / *eps
		pe = &v
	}

	return &Fundamental{Symbol: symbol, Date: p.asOfDate, EPS: eps, PERatio: pe, Revenue: revenue, ExDividendDate: exDiv}
}

// DividendDates returns historical ex-dividend dates for symbol, optionally
// bounded by [start, end].
func (p *Provider) DividendDates(symbol string, start, end *time.Time) []time.Time {
	symbol = strings.ToUpper(symbol)
	p.loadFundamentals()

	var out []time.Time
	for _, r := range p.dividendBySymbol[symbol] {
		if start != nil && r.ExDate < p.dateStr(*start) {
			continue
		}
		if end != nil && r.ExDate > p.dateStr(*end) {
			continue
		}
		d, err := time.Parse(dateLayout, r.ExDate)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// HistoricalEPS returns (date, eps) observations for symbol, restricted to
// reportType and the fixed "12M" period (the only period the store
// carries, per original_source's schema), bounded to [start, effective
// end], where effective end defaults to the cursor.
func (p *Provider) HistoricalEPS(symbol string, start, end *time.Time, reportType string) []EPSPoint {
	symbol = strings.ToUpper(symbol)
	p.loadFundamentals()

	effectiveEnd := p.asOfDate
	if end != nil && end.Before(effectiveEnd) {
		effectiveEnd = *end
	}
	endStr := p.dateStr(effectiveEnd)

	var out []EPSPoint
	for _, r := range p.epsBySymbol[symbol] {
		if r.ReportType != reportType || r.Period != "12M" {
			continue
		}
		if r.AsOfDate > endStr {
			continue
		}
		if start != nil && r.AsOfDate < p.dateStr(*start) {
			continue
		}
		d, err := time.Parse(dateLayout, r.AsOfDate)
		if err != nil {
			continue
		}
		out = append(out, EPSPoint{Date: d, Value: r.EPS})
	}
	return out
}

// ========== Trading days ==========

// TradingDays returns the distinct dates with data in [start, end],
// ascending. symbol filters stock_daily when given; with no symbol it uses
// the dates of every stock_daily symbol. Only when stock_daily yields no
// date in range does it fall back to the first underlying's option
// directory, matching original_source's fallback.
func (p *Provider) TradingDays(start, end time.Time, symbol string) []time.Time {
	startStr, endStr := p.dateStr(start), p.dateStr(end)
	seen := make(map[string]bool)

	p.loadStock()
	if len(p.stockBySymbol) > 0 {
		if symbol != "" {
			symbol = strings.ToUpper(symbol)
			for _, r := range p.stockBySymbol[symbol] {
				if r.Date >= startStr && r.Date <= endStr {
					seen[r.Date] = true
				}
			}
		} else {
			for _, rows := range p.stockBySymbol {
				for _, r := range rows {
					if r.Date >= startStr && r.Date <= endStr {
						seen[r.Date] = true
					}
				}
			}
		}
	} else {
		underlyings := p.listUnderlyings()
		if len(underlyings) > 0 {
			rows := p.loadOptionYears(underlyings[0], yearsBetween(start, end))
			for _, r := range rows {
				if r.Date >= startStr && r.Date <= endStr {
					seen[r.Date] = true
				}
			}
		}
	}

	out := make([]time.Time, 0, len(seen))
	for s := range seen {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ========== Option chain / quotes ==========

func (p *Provider) listUnderlyings() []string {
	entries, err := os.ReadDir(p.layout.OptionRoot())
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (p *Provider) listOptionYears(underlying string) []int {
	entries, err := os.ReadDir(p.layout.OptionDir(underlying))
	if err != nil {
		return nil
	}
	var years []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		y, err := strconv.Atoi(strings.TrimSuffix(name, ".parquet"))
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

func yearsBetween(start, end time.Time) []int {
	out := make([]int, 0, end.Year()-start.Year()+1)
	for y := start.Year(); y <= end.Year(); y++ {
		out = append(out, y)
	}
	return out
}

// loadOptionYears reads and concatenates the underlying's year files for
// the given years, skipping any that don't exist.
func (p *Provider) loadOptionYears(underlying string, years []int) []storage.OptionRow {
	var out []storage.OptionRow
	for _, y := range years {
		rows, err := storage.ReadParquet[storage.OptionRow](p.layout.OptionPath(underlying, y))
		if err != nil {
			p.log.Warn().Err(err).Str("underlying", underlying).Int("year", y).Msg("failed to read option year file")
			continue
		}
		out = append(out, rows...)
	}
	return out
}

// loadOptionDay returns every row for underlying on date, preferring the
// as-of year's file; when it doesn't exist, it falls back to every year
// file present (matching original_source's fallback for symbols whose
// data predates or postdates the as-of year's file).
func (p *Provider) loadOptionDay(underlying string, date time.Time) []storage.OptionRow {
	years := []int{date.Year()}
	if _, err := os.Stat(p.layout.OptionPath(underlying, date.Year())); err != nil {
		years = p.listOptionYears(underlying)
	}

	dateStr := p.dateStr(date)
	var out []storage.OptionRow
	for _, r := range p.loadOptionYears(underlying, years) {
		if r.Date == dateStr {
			out = append(out, r)
		}
	}
	return out
}

func toOptionQuote(r storage.OptionRow) OptionQuote {
	d, _ := time.Parse(dateLayout, r.Date)
	exp, _ := time.Parse(dateLayout, r.Expiration)
	var oi int64
	if r.OpenInterest != nil {
		oi = *r.OpenInterest
	}
	return OptionQuote{
		Contract: OptionContract{
			Symbol:     ContractSymbol(r.Underlying, exp, r.OptionType, r.Strike),
			Underlying: r.Underlying,
			OptionType: r.OptionType,
			Strike:     r.Strike,
			Expiration: exp,
		},
		Date: d, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Bid: r.Bid, Ask: r.Ask, Volume: r.Volume, OpenInterest: oi,
		ImpliedVol: r.ImpliedVol, UnderlyingPrice: r.UnderlyingPrice,
		Greeks: Greeks{Delta: r.Delta, Gamma: r.Gamma, Theta: r.Theta, Vega: r.Vega, Rho: r.Rho},
	}
}

// OptionChain returns every call/put quote for underlying priced on the
// cursor, restricted to contracts expiring in [expiryStart, expiryEnd].
// Either bound may be nil; minDTE/maxDTE (also optional) convert to an
// expiry window relative to the cursor when the corresponding date bound
// isn't given directly, matching original_source's expiry_min_days/
// expiry_max_days compatibility parameters.
func (p *Provider) OptionChain(underlying string, expiryStart, expiryEnd *time.Time, minDTE, maxDTE *int) *OptionChain {
	underlying = strings.ToUpper(underlying)

	if expiryStart == nil && minDTE != nil {
		d := p.asOfDate.AddDate(0, 0, *minDTE)
		expiryStart = &d
	}
	if expiryEnd == nil && maxDTE != nil {
		d := p.asOfDate.AddDate(0, 0, *maxDTE)
		expiryEnd = &d
	}

	cacheKey := fmt.Sprintf("%s|%s|%s", underlying, optStr(expiryStart), optStr(expiryEnd))
	if c, ok := p.optionChainCache[cacheKey]; ok {
		return c
	}

	rows := p.loadOptionDay(underlying, p.asOfDate)
	if len(rows) == 0 {
		if len(p.optionChainCache) < p.cfg.CacheMaxSize {
			p.optionChainCache[cacheKey] = nil
		}
		return nil
	}

	startStr, endStr := "", ""
	if expiryStart != nil {
		startStr = p.dateStr(*expiryStart)
	}
	if expiryEnd != nil {
		endStr = p.dateStr(*expiryEnd)
	}

	var calls, puts []OptionQuote
	expirySet := make(map[string]bool)
	for _, r := range rows {
		if startStr != "" && r.Expiration < startStr {
			continue
		}
		if endStr != "" && r.Expiration > endStr {
			continue
		}
		expirySet[r.Expiration] = true
		q := toOptionQuote(r)
		if r.OptionType == "call" {
			calls = append(calls, q)
		} else {
			puts = append(puts, q)
		}
	}
	if len(calls) == 0 && len(puts) == 0 {
		if len(p.optionChainCache) < p.cfg.CacheMaxSize {
			p.optionChainCache[cacheKey] = nil
		}
		return nil
	}

	sortQuotes := func(qs []OptionQuote) {
		sort.Slice(qs, func(i, j int) bool {
			if qs[i].Contract.Expiration.Equal(qs[j].Contract.Expiration) {
				return qs[i].Contract.Strike < qs[j].Contract.Strike
			}
			return qs[i].Contract.Expiration.Before(qs[j].Contract.Expiration)
		})
	}
	sortQuotes(calls)
	sortQuotes(puts)

	expiries := make([]time.Time, 0, len(expirySet))
	for s := range expirySet {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			continue
		}
		expiries = append(expiries, d)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	chain := &OptionChain{Underlying: underlying, Date: p.asOfDate, ExpiryDates: expiries, Calls: calls, Puts: puts}
	if len(p.optionChainCache) < p.cfg.CacheMaxSize {
		p.optionChainCache[cacheKey] = chain
	}
	return chain
}

func optStr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

// OptionQuotesBatch looks up a specific list of contracts, grouping the
// lookup by underlying so each one's day-file is read at most once.
// minVolume optionally filters the result (spec §4.5).
func (p *Provider) OptionQuotesBatch(contracts []OptionContract, minVolume *int64) []OptionQuote {
	if len(contracts) == 0 {
		return nil
	}

	byUnderlying := make(map[string][]OptionContract)
	for _, c := range contracts {
		u := strings.ToUpper(c.Underlying)
		byUnderlying[u] = append(byUnderlying[u], c)
	}

	var out []OptionQuote
	for underlying, cs := range byUnderlying {
		rows := p.loadOptionDay(underlying, p.asOfDate)
		index := make(map[string]storage.OptionRow, len(rows))
		for _, r := range rows {
			index[r.Expiration+"|"+strconv.FormatFloat(r.Strike, 'f', 4, 64)+"|"+r.OptionType] = r
		}
		for _, c := range cs {
			key := p.dateStr(c.Expiration) + "|" + strconv.FormatFloat(c.Strike, 'f', 4, 64) + "|" + c.OptionType
			r, ok := index[key]
			if !ok {
				continue
			}
			out = append(out, toOptionQuote(r))
		}
	}
	return FilterByLiquidity(out, minVolume, nil)
}

// ========== Volatility ==========

// StockVolatility computes HV/IV/IV-Rank/IV-Percentile for symbol, cached
// per symbol for the current as_of_date. Returns nil only when the
// underlying 60-day HV cannot be computed (insufficient history), per
// spec §4.5's exception to the absence-never-errors rule.
func (p *Provider) StockVolatility(symbol string) *StockVolatility {
	symbol = strings.ToUpper(symbol)
	if v, ok := p.volatilityCache[symbol]; ok {
		return v
	}

	hv, ok := p.historicalVolatility(symbol, hvLookbackDays)
	if !ok {
		if len(p.volatilityCache) < p.cfg.CacheMaxSize {
			p.volatilityCache[symbol] = nil
		}
		return nil
	}

	iv := p.atmImpliedVolatility(symbol)
	var ivRank, ivPct *float64
	if iv != nil {
		ivRank, ivPct = p.ivRankPercentile(symbol, *iv, ivRankLookbackDays)
	}

	result := &StockVolatility{Symbol: symbol, Date: p.asOfDate, HV: hv, IV: iv, IVRank: ivRank, IVPercentile: ivPct}
	if len(p.volatilityCache) < p.cfg.CacheMaxSize {
		p.volatilityCache[symbol] = result
	}
	return result
}

// historicalVolatility computes the annualized stddev of log returns over
// the trailing lookbackDays closes (252-day annualization factor).
func (p *Provider) historicalVolatility(symbol string, lookbackDays int) (float64, bool) {
	p.loadStock()
	asOf := p.dateStr(p.asOfDate)
	rows := p.stockBySymbol[symbol]

	var eligible []storage.StockRow
	for _, r := range rows {
		if r.Date <= asOf {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) < lookbackDays+1 {
		return 0, false
	}

	tail := eligible[len(eligible)-(lookbackDays+1):]
	returns := make([]float64, 0, lookbackDays)
	for i := 1; i < len(tail); i++ {
		if tail[i-1].Close <= 0 || tail[i].Close <= 0 {
			return 0, false
		}
		returns = append(returns, math.Log(tail[i].Close/tail[i-1].Close))
	}

	return stat.StdDev(returns, nil) * math.Sqrt(252), true
}

// atmImpliedVolatility returns the median implied vol among strikes within
// +/-5% of the current stock quote on the cursor date.
func (p *Provider) atmImpliedVolatility(symbol string) *float64 {
	quote := p.StockQuote(symbol)
	if quote == nil {
		return nil
	}

	rows := p.loadOptionDay(symbol, p.asOfDate)
	low, high := quote.Close*0.95, quote.Close*1.05

	var ivs []float64
	for _, r := range rows {
		if r.Strike < low || r.Strike > high {
			continue
		}
		if r.ImpliedVol <= 0 || r.ImpliedVol >= 5 {
			continue
		}
		ivs = append(ivs, r.ImpliedVol)
	}
	if len(ivs) == 0 {
		return nil
	}
	v := median(ivs)
	return &v
}

// ivRankPercentile computes IV Rank and IV Percentile over a trailing
// window of daily median ATM-ish implied vols, each day's moneyness band
// computed against that day's own underlying_price column (so the ATM
// window tracks the spot on each historical day, not just today's).
func (p *Provider) ivRankPercentile(symbol string, currentIV float64, lookbackDays int) (*float64, *float64) {
	lookbackStart := p.asOfDate.AddDate(0, 0, -int(float64(lookbackDays)*1.5))
	years := yearsBetween(lookbackStart, p.asOfDate)
	rows := p.loadOptionYears(symbol, years)

	startStr, endStr := p.dateStr(lookbackStart), p.dateStr(p.asOfDate)
	byDate := make(map[string][]float64)
	for _, r := range rows {
		if r.Date < startStr || r.Date >= endStr {
			continue
		}
		if r.UnderlyingPrice <= 0 {
			continue
		}
		low, high := r.UnderlyingPrice*0.95, r.UnderlyingPrice*1.05
		if r.Strike < low || r.Strike > high {
			continue
		}
		if r.ImpliedVol <= 0 || r.ImpliedVol >= 5 {
			continue
		}
		byDate[r.Date] = append(byDate[r.Date], r.ImpliedVol)
	}

	if len(byDate) < 20 {
		return nil, nil
	}

	dailyMedians := make([]float64, 0, len(byDate))
	for _, ivs := range byDate {
		dailyMedians = append(dailyMedians, median(ivs))
	}
	if len(dailyMedians) < 20 {
		return nil, nil
	}

	ivMin, ivMax := dailyMedians[0], dailyMedians[0]
	lowerCount := 0
	for _, v := range dailyMedians {
		if v < ivMin {
			ivMin = v
		}
		if v > ivMax {
			ivMax = v
		}
		if v < currentIV {
			lowerCount++
		}
	}

	var rank *float64
	if ivMax > ivMin {
		r := (currentIV - ivMin) / (ivMax - ivMin) * 100
		r = math.Max(0, math.Min(100, r))
		rank = &r
	}
	pct := float64(lowerCount) / float64(len(dailyMedians)) * 100
	return rank, &pct
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// ========== Macro blackout ==========

// MacroBlackout reports whether targetDate (defaulting to the cursor) falls
// within blackoutDays of one of the named event types, pre-computing the
// whole run's blackout calendar from economic_calendar.json on first call
// (spec §4.5). A missing calendar file disables the check (fall-open):
// every date reports false.
func (p *Provider) MacroBlackout(targetDate *time.Time, blackoutDays int, eventTypes []string) (bool, []EconomicEvent) {
	target := p.asOfDate
	if targetDate != nil {
		target = *targetDate
	}
	if blackoutDays <= 0 {
		blackoutDays = defaultBlackoutDays
	}
	if len(eventTypes) == 0 {
		eventTypes = defaultBlackoutEventTypes
	}

	if !p.blackoutPrefetched {
		p.blackoutPrefetched = true
		p.prefetchBlackout(blackoutDays, eventTypes)
	}

	if e, ok := p.blackoutCache[p.dateStr(target)]; ok {
		return e.blackout, e.events
	}
	return false, nil
}

func (p *Provider) prefetchBlackout(blackoutDays int, eventTypes []string) {
	cal, err := loadEconomicCalendar(p.layout.CalendarPath())
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load economic calendar")
		return
	}
	if cal == nil {
		p.log.Warn().Msg("economic calendar not found, blackout check disabled")
		return
	}

	events := filterByType(cal.Events, eventTypes)
	if len(events) == 0 {
		return
	}

	for _, day := range p.TradingDays(cal.StartDate, cal.EndDate, "") {
		dayEnd := day.AddDate(0, 0, blackoutDays)
		var causing []EconomicEvent
		for _, e := range events {
			if !e.Date.Before(day) && !e.Date.After(dayEnd) {
				causing = append(causing, e)
			}
		}
		p.blackoutCache[p.dateStr(day)] = blackoutEntry{blackout: len(causing) > 0, events: causing}
	}
}
