package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const occDateLayout = "060102"

// OptionSymbol is a decoded OCC/OSI option symbol, e.g. AAPL240315P00150000.
type OptionSymbol struct {
	Expiration time.Time
	Underlying string
	Type       OptionType
	Strike     float64
}

// String renders the symbol in compact OCC form.
func (o OptionSymbol) String() string {
	return FormatOptionSymbol(o.Underlying, o.Expiration, o.Type, o.Strike)
}

// FormatOptionSymbol builds the compact OCC symbol: root + YYMMDD + P/C + strike*1000 (8 digits).
func FormatOptionSymbol(underlying string, expiration time.Time, optionType OptionType, strike float64) string {
	typeChar := "C"
	if optionType == OptionTypePut {
		typeChar = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(strings.TrimSpace(underlying)),
		expiration.Format(occDateLayout),
		typeChar,
		int64(math.Round(strike*1000)))
}

// ParseOptionSymbol decodes an OCC option symbol. Padded roots ("AAPL  240315P00150000") are accepted.
func ParseOptionSymbol(s string) (OptionSymbol, error) {
	trimmed := strings.TrimSpace(s)
	// root (1..6) + YYMMDD + type + 8 strike digits
	if len(trimmed) < 16 {
		return OptionSymbol{}, fmt.Errorf("option symbol %q too short", s)
	}

	strikePart := trimmed[len(trimmed)-8:]
	if !isDigits(strikePart) {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: invalid strike", s)
	}

	var optionType OptionType
	switch trimmed[len(trimmed)-9] {
	case 'P', 'p':
		optionType = OptionTypePut
	case 'C', 'c':
		optionType = OptionTypeCall
	default:
		return OptionSymbol{}, fmt.Errorf("option symbol %q: invalid type", s)
	}

	datePart := trimmed[len(trimmed)-15 : len(trimmed)-9]
	if !isDigits(datePart) {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: invalid expiration", s)
	}
	expiration, err := time.Parse(occDateLayout, datePart)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: %w", s, err)
	}

	root := strings.TrimSpace(trimmed[:len(trimmed)-15])
	if root == "" || len(root) > 6 {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: invalid root", s)
	}
	// The root must not end in a digit that belongs to a longer numeric run.
	if last := root[len(root)-1]; last >= '0' && last <= '9' {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: invalid root", s)
	}

	millis, err := strconv.ParseInt(strikePart, 10, 64)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("option symbol %q: %w", s, err)
	}

	return OptionSymbol{
		Underlying: strings.ToUpper(root),
		Expiration: expiration,
		Type:       optionType,
		Strike:     float64(millis) / 1000,
	}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
