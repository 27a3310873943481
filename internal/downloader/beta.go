package downloader

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/backteng/internal/storage"
)

const defaultBetaWindow = 252

// CalculateAndSaveRollingBeta computes a 252-day rolling beta (Cov(stock,
// SPY)/Var(SPY) over daily returns) for each symbol against SPY and merges
// the result into stock_beta_daily.parquet. Grounded on
// original_source/src/backtest/data/beta_downloader.py's
// calculate_rolling_beta/calculate_and_save_rolling_beta, ported from a
// pandas rolling-window covariance to a plain slice-window pass over
// gonum/stat.Covariance/Variance (the same library the metrics package
// uses for its own OLS regression, spec §4.10/§4.11).
func (d *Downloader) CalculateAndSaveRollingBeta(symbols []string, window int) error {
	if window <= 0 {
		window = defaultBetaWindow
	}

	rows, err := storage.ReadParquet[storage.StockRow](d.layout.StockPath())
	if err != nil {
		return err
	}

	closesBySymbol := make(map[string]map[string]float64)
	for _, r := range rows {
		m, ok := closesBySymbol[r.Symbol]
		if !ok {
			m = make(map[string]float64)
			closesBySymbol[r.Symbol] = m
		}
		m[r.Date] = r.Close
	}

	spyCloses, ok := closesBySymbol["SPY"]
	if !ok {
		return nil // no SPY data on file yet; nothing to regress against
	}
	spyDates := sortedKeys(spyCloses)
	spyReturns, spyReturnDates := dailyReturnSeries(spyDates, spyCloses)

	var out []storage.BetaRow
	for _, symbol := range symbols {
		if symbol == "SPY" {
			continue
		}
		closes, ok := closesBySymbol[symbol]
		if !ok {
			continue
		}

		spyReturnByDate := make(map[string]float64, len(spyReturnDates))
		for i, dt := range spyReturnDates {
			spyReturnByDate[dt] = spyReturns[i]
		}

		dates := sortedKeys(closes)
		returns, returnDates := dailyReturnSeries(dates, closes)

		// align symbol returns with SPY returns on common dates, in order
		var alignedStock, alignedSpy []float64
		var alignedDates []string
		for i, dt := range returnDates {
			if spyR, ok := spyReturnByDate[dt]; ok {
				alignedStock = append(alignedStock, returns[i])
				alignedSpy = append(alignedSpy, spyR)
				alignedDates = append(alignedDates, dt)
			}
		}

		if len(alignedStock) < window {
			continue
		}

		for end := window; end <= len(alignedStock); end++ {
			windowStock := alignedStock[end-window : end]
			windowSpy := alignedSpy[end-window : end]
			spyVar := stat.Variance(windowSpy, nil)
			if spyVar == 0 {
				continue
			}
			cov := stat.Covariance(windowStock, windowSpy, nil)
			beta := cov / spyVar
			out = append(out, storage.BetaRow{Symbol: symbol, Date: alignedDates[end-1], Beta: beta})
		}
	}

	if len(out) == 0 {
		return nil
	}
	less := func(a, b storage.BetaRow) bool {
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Date < b.Date
	}
	return storage.MergeDedupWrite(d.layout.BetaPath(), out, less)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dailyReturnSeries returns close-to-close percentage returns over dates,
// skipping the first date (it has no prior) and any step where the prior
// close isn't positive.
func dailyReturnSeries(dates []string, closes map[string]float64) ([]float64, []string) {
	var returns []float64
	var returnDates []string
	for i := 1; i < len(dates); i++ {
		prev := closes[dates[i-1]]
		cur := closes[dates[i]]
		if prev <= 0 {
			continue
		}
		returns = append(returns, (cur-prev)/prev)
		returnDates = append(returnDates, dates[i])
	}
	return returns, returnDates
}
