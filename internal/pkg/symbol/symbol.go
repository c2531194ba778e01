package symbol

import "strings"

// Normalize returns the canonical instrument form, e.g. "btc/usdt" -> "BTC/USDT".
func Normalize(sym string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "-", "/")
	if !strings.Contains(s, "/") {
		for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
			if strings.HasSuffix(s, quote) && len(s) > len(quote) {
				return s[:len(s)-len(quote)] + "/" + quote
			}
		}
	}
	return s
}

// ToBinance strips the separator: "BTC/USDT" -> "BTCUSDT".
func ToBinance(sym string) string {
	return strings.ReplaceAll(Normalize(sym), "/", "")
}
