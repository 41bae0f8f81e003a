package phone

import "strings"

// minDigits is the shortest canonical number we accept. Anything shorter is
// not a routable subscriber number.
const minDigits = 10

// Normalize strips every non-digit rune from raw and returns the canonical
// digit-only form. The second return value is false when the result is too
// short to be a valid number. Display formatting is not this package's job.
func Normalize(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n := b.String()
	if len(n) < minDigits {
		return "", false
	}
	return n, true
}
