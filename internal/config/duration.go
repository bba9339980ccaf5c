package config

import (
	"fmt"
	"strings"
	"time"
)

// Every timing knob in the engine config (drain interval, retry backoff,
// staleness window, sync debounce) is a string in Go duration syntax, "30s"
// or "15m". The parsers below keep the dotted config path in the error so a
// bad value names the key that carried it.

// ParseDurationField parses one duration-valued field. Empty means unset and
// parses to zero; negative durations are rejected because no engine timer
// can run backwards.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an unset field. The engine's
// periodic loops all need a positive period, so zero counts as unset too.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
