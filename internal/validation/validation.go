package validation

import (
	"errors"
	"math"
	"strings"
	"unicode"
)

// ErrCityEmpty is returned when the city name is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city name is required")

// ErrCityTooShort is returned when the city name length is below the minimum.
var ErrCityTooShort = errors.New("city name too short")

// ErrCityTooLong is returned when the city name length exceeds the maximum.
var ErrCityTooLong = errors.New("city name too long")

// ErrCityInvalidChars is returned when the city name contains disallowed characters.
var ErrCityInvalidChars = errors.New("city name contains invalid characters")

// ErrRadiusNotPositive is returned when the search radius is zero, negative,
// NaN, or infinite.
var ErrRadiusNotPositive = errors.New("radius must be positive")

// ValidateCity trims the input, enforces length bounds (minLen, maxLen in
// runes), and restricts to allowed characters: letters (Unicode), digits,
// space, comma, hyphen, apostrophe, period. Returns the trimmed string or an
// error suitable for 400 INVALID_QUERY responses. Normalization (lowercase)
// is left to the service layer.
func ValidateCity(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrCityEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrCityTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

// ValidateRadius rejects non-positive and non-finite radii. NaN compares
// false against every bound, so it must be caught explicitly before any
// range check. The upper bound is a provider concern enforced by the fetch
// client, not here.
func ValidateRadius(radiusKm float64) error {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 {
		return ErrRadiusNotPositive
	}
	return nil
}

// isAllowedCityRune returns true for letters (Unicode), digits, space, comma,
// hyphen, apostrophe, period.
func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}
