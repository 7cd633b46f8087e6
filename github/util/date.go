package util

import (
	"fmt"
	"strings"
	"time"

	"git.pepabo.com/yukyan/gh-prstats/github/model"
)

const (
	dateLayout = "2006-01-02"

	// stampLayout keeps six fractional digits so stamps of one second stay
	// distinct and sort as strings.
	stampLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// ParseDateRange validates optional YYYY-MM-DD bounds and returns them as a range
func ParseDateRange(startStr, endStr string) (model.DateRange, error) {
	var startDate, endDate time.Time
	var err error

	if startStr != "" {
		startDate, err = time.Parse(dateLayout, startStr)
		if err != nil {
			return model.DateRange{}, fmt.Errorf("failed to parse start date: %w", err)
		}
	}

	if endStr != "" {
		endDate, err = time.Parse(dateLayout, endStr)
		if err != nil {
			return model.DateRange{}, fmt.Errorf("failed to parse end date: %w", err)
		}
	}

	if startStr != "" && endStr != "" && endDate.Before(startDate) {
		return model.DateRange{}, fmt.Errorf("end date must be after start date")
	}

	return model.DateRange{
		Since: startStr,
		Until: endStr,
	}, nil
}

// Timestamp formats t the way GitHub does: UTC, second precision, Z suffix.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Stamp formats t for local bookkeeping (last_sync, cached_at, created_at):
// UTC with fixed-width microseconds.
func Stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// ParseTimestamp accepts RFC3339 timestamps with either a Z or numeric offset.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Later returns the lexicographically greater timestamp. Both sides must be
// normalized to UTC for the comparison to be chronological.
func Later(a, b string) string {
	if b > a {
		return b
	}
	return a
}

// After reports whether a is later than b. Parsable timestamps are compared
// as instants, so Z and +00:00 or differing fractional precision agree;
// anything else falls back to string order.
func After(a, b string) bool {
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}

// InRange applies since/until to a created_at timestamp. until is compared on
// its own length so a bare date includes the whole day.
func InRange(createdAt string, r model.DateRange) bool {
	if r.Since != "" && createdAt < r.Since {
		return false
	}
	if r.Until != "" {
		prefix := createdAt
		if len(prefix) > len(r.Until) {
			prefix = prefix[:len(r.Until)]
		}
		if prefix > r.Until {
			return false
		}
	}
	return true
}

// SplitRepository splits "owner/repo" into its parts.
func SplitRepository(repository string) (string, string, error) {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/repo", repository)
	}
	return owner, name, nil
}
