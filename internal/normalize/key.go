package normalize

import (
	"strings"
)

// NormalizeMMSI strips non-digit characters, rejects all-zero/all-nine
// sequences, and left-pads to 9 digits.
// Accepts 7-9 digit inputs (possibly interleaved with non-digits); anything
// else is rejected.
func NormalizeMMSI(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 9 {
		return "", false
	}
	if isAllDigit(digits, '0') || isAllDigit(digits, '9') {
		return "", false
	}
	if len(digits) < 9 {
		digits = strings.Repeat("0", 9-len(digits)) + digits
	}
	return digits, true
}

func isAllDigit(s string, d byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != d {
			return false
		}
	}
	return true
}

// NormalizeCallsign uppercases and trims a callsign for use as a fallback
// aircraft key or as a display field.
func NormalizeCallsign(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// AircraftKey resolves the aircraft identifier precedence: flight id, else
// registration, else upper-cased trimmed callsign.
func AircraftKey(flightID, registration, callsign string) (string, bool) {
	if v := strings.TrimSpace(flightID); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(registration); v != "" {
		return strings.ToUpper(v), true
	}
	if v := NormalizeCallsign(callsign); v != "" {
		return v, true
	}
	return "", false
}
