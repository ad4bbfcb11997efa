// Package phone normalizes raw phone number input into E.164 form. It is a
// pure string transformation: no I/O, no provider lookups.
package phone

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidNumber is returned when a value cannot be normalized into a
	// valid E.164 number.
	ErrInvalidNumber = errors.New("invalid phone number")
	// ErrUnknownRegion is returned when a national number is given with a
	// region hint the package has no calling code for.
	ErrUnknownRegion = errors.New("unknown region")
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// callingCodes maps ISO 3166-1 alpha-2 region codes to their country calling
// code. National numbers are prefixed with the hinted region's code.
var callingCodes = map[string]string{
	"US": "1", "CA": "1", "PR": "1",
	"GB": "44", "IE": "353", "AU": "61", "NZ": "64",
	"DE": "49", "FR": "33", "ES": "34", "IT": "39", "PT": "351",
	"NL": "31", "BE": "32", "LU": "352", "CH": "41", "AT": "43",
	"SE": "46", "NO": "47", "DK": "45", "FI": "358", "IS": "354",
	"PL": "48", "CZ": "420", "SK": "421", "HU": "36", "RO": "40",
	"GR": "30", "TR": "90", "UA": "380", "RU": "7",
	"IN": "91", "PK": "92", "BD": "880", "LK": "94", "NP": "977",
	"CN": "86", "JP": "81", "KR": "82", "TW": "886", "HK": "852",
	"SG": "65", "MY": "60", "TH": "66", "VN": "84", "PH": "63", "ID": "62",
	"BR": "55", "MX": "52", "AR": "54", "CL": "56", "CO": "57", "PE": "51",
	"ZA": "27", "NG": "234", "KE": "254", "GH": "233", "EG": "20",
	"SA": "966", "AE": "971", "IL": "972", "QA": "974", "KW": "965",
}

// Normalize converts raw input into E.164 form using region as the hint for
// numbers written in national format. Already-normalized E.164 input is
// returned unchanged.
func Normalize(raw, region string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidNumber)
	}

	digits, hasPlus, err := stripFormatting(trimmed)
	if err != nil {
		return "", err
	}

	var candidate string
	switch {
	case hasPlus:
		candidate = "+" + digits
	case strings.HasPrefix(digits, "00") && len(digits) > 2:
		// International dialling prefix written out.
		candidate = "+" + digits[2:]
	default:
		candidate, err = applyRegion(digits, region)
		if err != nil {
			return "", err
		}
	}

	if !e164Pattern.MatchString(candidate) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return candidate, nil
}

// stripFormatting removes common separators and reports whether the number
// carried an explicit leading plus. Any other non-digit rune is rejected.
func stripFormatting(value string) (string, bool, error) {
	hasPlus := false
	var b strings.Builder
	for i, r := range value {
		switch {
		case r == '+' && i == 0:
			hasPlus = true
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator
		default:
			return "", false, fmt.Errorf("%w: unexpected character %q", ErrInvalidNumber, r)
		}
	}
	if b.Len() == 0 {
		return "", false, fmt.Errorf("%w: no digits", ErrInvalidNumber)
	}
	return b.String(), hasPlus, nil
}

func applyRegion(digits, region string) (string, error) {
	code, ok := callingCodes[strings.ToUpper(strings.TrimSpace(region))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}

	// NANP numbers are sometimes written with the country code spelled out.
	if code == "1" && len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return "+" + digits, nil
	}

	// Drop a single national trunk prefix (e.g. 07911 -> 7911 for GB).
	if code != "1" && strings.HasPrefix(digits, "0") {
		digits = digits[1:]
	}

	return "+" + code + digits, nil
}
