package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var aliasUnits = map[string]time.Duration{
	"L":   time.Millisecond,
	"ms":  time.Millisecond,
	"S":   time.Second,
	"s":   time.Second,
	"T":   time.Minute,
	"min": time.Minute,
	"H":   time.Hour,
	"h":   time.Hour,
	"D":   24 * time.Hour,
}

// ParseGranularity parses a sample spacing given either as a Go duration
// ("15m", "1h30m") or as a frequency alias ("15T", "15min", "1H", "3H", "D").
func ParseGranularity(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty granularity")
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("granularity %q must be positive", s)
		}
		return d, nil
	}

	split := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if split < 0 {
		return 0, fmt.Errorf("granularity %q has no unit", s)
	}

	count := 1
	if split > 0 {
		n, err := strconv.Atoi(s[:split])
		if err != nil {
			return 0, fmt.Errorf("invalid granularity %q: %w", s, err)
		}
		count = n
	}
	if count <= 0 {
		return 0, fmt.Errorf("granularity %q must be positive", s)
	}

	unit, ok := aliasUnits[s[split:]]
	if !ok {
		return 0, fmt.Errorf("unknown granularity unit %q in %q", s[split:], s)
	}
	return time.Duration(count) * unit, nil
}

// PeriodFor converts a window length into a sample count at the given
// spacing, e.g. 14 days at 15 minutes is 1344 samples.
func PeriodFor(window, step time.Duration) (int, error) {
	if step <= 0 {
		return 0, fmt.Errorf("step must be > 0, got %v", step)
	}
	if window < step {
		return 0, fmt.Errorf("window %v shorter than step %v", window, step)
	}
	if window%step != 0 {
		return 0, fmt.Errorf("window %v is not a multiple of step %v", window, step)
	}
	return int(window / step), nil
}
