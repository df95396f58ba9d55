package domain

import "strings"

// DefaultIndexCode is the SSE 50 index, the default ingestion universe.
const DefaultIndexCode = "000016.SH"

// NormalizeCode converts a raw A-share code to the exchange-qualified form
// used everywhere in the system. Bare codes are zero-padded to six digits;
// Shanghai listings (6/5/9 prefixes) get .SH, everything else .SZ. Codes
// that already carry a market suffix are returned unchanged.
func NormalizeCode(raw string) string {
	code := strings.TrimSpace(raw)
	if code == "" {
		return code
	}
	upper := strings.ToUpper(code)
	if strings.HasSuffix(upper, ".SH") || strings.HasSuffix(upper, ".SZ") || strings.HasSuffix(upper, ".BJ") {
		return upper
	}
	for len(code) < 6 {
		code = "0" + code
	}
	switch code[0] {
	case '6', '5', '9':
		return code + ".SH"
	default:
		return code + ".SZ"
	}
}

// BareCode strips the market suffix from an exchange-qualified symbol.
func BareCode(symbol string) string {
	if i := strings.IndexByte(symbol, '.'); i >= 0 {
		return symbol[:i]
	}
	return symbol
}
