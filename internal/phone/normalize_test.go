package phone

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		want  string
		valid bool
	}{
		{"dashed", "010-1234-5678", "01012345678", true},
		{"already canonical", "01012345678", "01012345678", true},
		{"spaces and parens", "(010) 1234 5678", "01012345678", true},
		{"plus prefix", "+82 10-1234-5678", "821012345678", true},
		{"too short", "123", "", false},
		{"nine digits", "123456789", "", false},
		{"ten digits boundary", "1234567890", "1234567890", true},
		{"letters only", "call-me-maybe", "", false},
		{"empty", "", "", false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := Normalize(tc.raw)
			if ok != tc.valid {
				t.Fatalf("Normalize(%q) valid=%v, expected %v", tc.raw, ok, tc.valid)
			}
			if got != tc.want {
				t.Fatalf("Normalize(%q)=%q, expected %q", tc.raw, got, tc.want)
			}
		})
	}
}
