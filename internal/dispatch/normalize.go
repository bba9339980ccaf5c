package dispatch

import (
	"errors"
	"strings"
)

// ErrBadDestination rejects addresses that normalize to nothing dialable.
var ErrBadDestination = errors.New("invalid destination address")

// NormalizeDestination canonicalizes a phone-number-like address: formatting
// characters are stripped, a single leading + is kept. Queue rows and
// opt-out lookups always use the normalized form so the same recipient can't
// slip past the gate under a different spelling.
func NormalizeDestination(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// formatting noise
		default:
			return "", ErrBadDestination
		}
	}
	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 3 {
		return "", ErrBadDestination
	}
	return out, nil
}
