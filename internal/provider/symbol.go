package provider

import (
	"fmt"
	"math"
	"time"
)

// ContractSymbol builds the synthetic option-contract identifier spec §4.5
// names: UNDERLYING + YYMMDD + {C|P} + strike*1000 zero-padded to 8 digits.
// It is opaque outside this package; callers never parse it back apart.
func ContractSymbol(underlying string, expiration time.Time, optionType string, strike float64) string {
	cp := "C"
	if optionType == "put" {
		cp = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", underlying, expiration.Format("060102"), cp, int64(math.Round(strike*1000)))
}
