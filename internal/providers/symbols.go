package providers

import "strings"

// indexAliases resolves the common index-ticker spellings to the canonical
// form the providers accept.
var indexAliases = map[string]string{
	"^VIX":  "VIX",
	"^SPX":  "SPX",
	"^GSPC": "SPX",
	"^NDX":  "NDX",
	"^DJI":  "DJX",
	"^RUT":  "RUT",
}

// nonCorporate lists indices and ETFs that have no corporate fundamentals;
// the quality gate skips ROE/margin checks for these.
var nonCorporate = map[string]bool{
	"SPY": true, "QQQ": true, "IWM": true, "DIA": true,
	"SPX": true, "NDX": true, "RUT": true, "DJX": true, "VIX": true,
	"GLD": true, "SLV": true, "TLT": true, "XLE": true, "XLF": true,
	"XLK": true, "XLV": true, "EEM": true, "EFA": true, "HYG": true,
	"ARKK": true, "SMH": true, "XBI": true, "KRE": true, "USO": true,
}

// CanonicalSymbol normalizes a user- or quote-sourced symbol: uppercase,
// trimmed, quote prefixes stripped, index aliases resolved.
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimPrefix(s, "$")
	if alias, ok := indexAliases[s]; ok {
		return alias
	}
	s = strings.TrimPrefix(s, "^")
	return s
}

// IsNonCorporate reports whether a ticker is an index or ETF without
// corporate fundamentals.
func IsNonCorporate(symbol string) bool {
	return nonCorporate[CanonicalSymbol(symbol)]
}
