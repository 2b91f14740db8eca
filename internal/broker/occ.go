package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/papertrade/optionscout/internal/models"
)

// BuildOCCSymbol encodes an option into the OSI format:
// TICKER + YYMMDD + C|P + strike*1000 zero-padded to 8 digits.
// E.g. AAPL 2026-03-20 200 CALL -> AAPL260320C00200000.
func BuildOCCSymbol(ticker string, expiry time.Time, optType models.OptionType, strike float64) string {
	typeChar := "C"
	if optType == models.OptionPut {
		typeChar = "P"
	}
	// The eps guards strikes like 123.4565 whose float representation sits
	// just under the thousandth boundary.
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(ticker), expiry.Format("060102"), typeChar, strikeInt)
}

// ParsedOCC is the decoded form of an OSI option symbol.
type ParsedOCC struct {
	Ticker     string
	Expiry     time.Time
	OptionType models.OptionType
	Strike     float64
}

// ParseOCCSymbol decodes an OSI symbol. The ticker may itself contain
// digits (e.g. index roots), so the scan anchors on the first 6-digit
// expiry run followed by C/P and exactly 8 strike digits at the end.
func ParseOCCSymbol(s string) (*ParsedOCC, error) {
	s = strings.TrimSpace(s)
	if len(s) < 16 {
		return nil, fmt.Errorf("occ symbol %q too short", s)
	}

	for i := 1; i <= len(s)-15; i++ {
		if !isDigits(s[i : i+6]) {
			continue
		}
		if s[i-1] >= '0' && s[i-1] <= '9' {
			continue // expiry run must not extend a longer digit run
		}

		typeChar := s[i+6]
		if typeChar != 'C' && typeChar != 'P' && typeChar != 'c' && typeChar != 'p' {
			continue
		}

		strikeStart := i + 7
		if strikeStart+8 != len(s) || !isDigits(s[strikeStart:]) {
			continue
		}

		expiry, err := time.Parse("060102", s[i:i+6])
		if err != nil {
			continue
		}
		strikeInt, err := strconv.Atoi(s[strikeStart:])
		if err != nil {
			continue
		}

		optType := models.OptionCall
		if typeChar == 'P' || typeChar == 'p' {
			optType = models.OptionPut
		}

		return &ParsedOCC{
			Ticker:     s[:i],
			Expiry:     expiry,
			OptionType: optType,
			Strike:     float64(strikeInt) / 1000,
		}, nil
	}

	return nil, fmt.Errorf("occ symbol %q does not match OSI format", s)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
