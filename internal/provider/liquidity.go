package provider

// FilterByLiquidity drops quotes below the given minimums. Either bound may
// be nil to skip that check. Grounded on original_source's
// engine/contract/liquidity.py filter, supplemented into the Go provider
// per SPEC_FULL §4 since it is consistent with spec §4.5's min_volume
// parameter on OptionQuotesBatch but generalized to cover open interest too.
func FilterByLiquidity(quotes []OptionQuote, minVolume, minOpenInterest *int64) []OptionQuote {
	if minVolume == nil && minOpenInterest == nil {
		return quotes
	}
	out := make([]OptionQuote, 0, len(quotes))
	for _, q := range quotes {
		if minVolume != nil && q.Volume < *minVolume {
			continue
		}
		if minOpenInterest != nil && q.OpenInterest < *minOpenInterest {
			continue
		}
		out = append(out, q)
	}
	return out
}
