package validation

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// TestValidateCity verifies trimming, length bounds, and the allowed
// character set for city names.
func TestValidateCity(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		minLen  int
		maxLen  int
		want    string
		wantErr error
	}{
		{
			name:   "simple city",
			input:  "paris",
			minLen: 1,
			maxLen: 100,
			want:   "paris",
		},
		{
			name:   "trims surrounding whitespace",
			input:  "  New York  ",
			minLen: 1,
			maxLen: 100,
			want:   "New York",
		},
		{
			name:   "case preserved",
			input:  "SeAtTlE",
			minLen: 1,
			maxLen: 100,
			want:   "SeAtTlE",
		},
		{
			name:   "accented characters",
			input:  "Zürich",
			minLen: 1,
			maxLen: 100,
			want:   "Zürich",
		},
		{
			name:   "punctuation allowed",
			input:  "Winston-Salem, N.C.",
			minLen: 1,
			maxLen: 100,
			want:   "Winston-Salem, N.C.",
		},
		{
			name:   "apostrophe allowed",
			input:  "L'Aquila",
			minLen: 1,
			maxLen: 100,
			want:   "L'Aquila",
		},
		{
			name:    "empty",
			input:   "",
			minLen:  1,
			maxLen:  100,
			wantErr: ErrCityEmpty,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			minLen:  1,
			maxLen:  100,
			wantErr: ErrCityEmpty,
		},
		{
			name:    "below minimum length",
			input:   "ab",
			minLen:  3,
			maxLen:  100,
			wantErr: ErrCityTooShort,
		},
		{
			name:    "above maximum length",
			input:   strings.Repeat("a", 101),
			minLen:  1,
			maxLen:  100,
			wantErr: ErrCityTooLong,
		},
		{
			name:    "angle brackets rejected",
			input:   "<script>paris",
			minLen:  1,
			maxLen:  100,
			wantErr: ErrCityInvalidChars,
		},
		{
			name:    "semicolon rejected",
			input:   "paris; drop",
			minLen:  1,
			maxLen:  100,
			wantErr: ErrCityInvalidChars,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateCity(tc.input, tc.minLen, tc.maxLen)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ValidateCity(%q) error = %v, want %v", tc.input, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateCity(%q) error = %v, want nil", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ValidateCity(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

// TestValidateCity_LengthInRunes verifies that bounds count runes, not bytes.
func TestValidateCity_LengthInRunes(t *testing.T) {
	// 6 runes, 7 bytes
	if _, err := ValidateCity("Zürich", 6, 6); err != nil {
		t.Errorf("ValidateCity(Zürich, 6, 6) error = %v, want nil", err)
	}
}

// TestValidateRadius verifies that only strictly positive finite radii are
// accepted. NaN is the treacherous case: it compares false against every
// bound, so a plain <= 0 check would wave it through.
func TestValidateRadius(t *testing.T) {
	tests := []struct {
		name     string
		radiusKm float64
		wantErr  bool
	}{
		{name: "positive", radiusKm: 5, wantErr: false},
		{name: "fractional", radiusKm: 0.5, wantErr: false},
		{name: "zero", radiusKm: 0, wantErr: true},
		{name: "negative", radiusKm: -3, wantErr: true},
		{name: "NaN", radiusKm: math.NaN(), wantErr: true},
		{name: "positive infinity", radiusKm: math.Inf(1), wantErr: true},
		{name: "negative infinity", radiusKm: math.Inf(-1), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRadius(tc.radiusKm)
			if tc.wantErr && !errors.Is(err, ErrRadiusNotPositive) {
				t.Errorf("ValidateRadius(%v) error = %v, want ErrRadiusNotPositive", tc.radiusKm, err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateRadius(%v) error = %v, want nil", tc.radiusKm, err)
			}
		})
	}
}
