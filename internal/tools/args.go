package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// stringArg reads a string argument, trimmed.
func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// intArg reads a numeric argument, tolerating the types JSON decoding and
// providers produce. Returns def when absent or unparseable.
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

var relativeTimeRe = regexp.MustCompile(`(?i)^(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days|w|week|weeks)\s*(?:ago)?$`)

// parseTime turns a flexible time expression into epoch milliseconds.
// Accepted forms: epoch ms or seconds, RFC3339, "2006-01-02 15:04:05",
// "2006-01-02", relative expressions like "1h ago" / "30m" / "2 days ago",
// and "now" / "yesterday".
func parseTime(value interface{}, now time.Time) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return normalizeEpoch(int64(v)), nil
	case int64:
		return normalizeEpoch(v), nil
	case float64:
		return normalizeEpoch(int64(v)), nil
	case string:
		return parseTimeString(v, now)
	default:
		return 0, fmt.Errorf("unsupported time value %v", value)
	}
}

// normalizeEpoch treats values below 1e12 as seconds, otherwise milliseconds.
func normalizeEpoch(v int64) int64 {
	if v > 0 && v < 1_000_000_000_000 {
		return v * 1000
	}
	return v
}

func parseTimeString(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	switch strings.ToLower(s) {
	case "now":
		return now.UnixMilli(), nil
	case "yesterday":
		return now.Add(-24 * time.Hour).UnixMilli(), nil
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).UnixMilli(), nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeEpoch(n), nil
	}

	if m := relativeTimeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		var unit time.Duration
		switch m[2][0] {
		case 'm', 'M':
			unit = time.Minute
		case 'h', 'H':
			unit = time.Hour
		case 'd', 'D':
			unit = 24 * time.Hour
		case 'w', 'W':
			unit = 7 * 24 * time.Hour
		}
		return now.Add(-time.Duration(n) * unit).UnixMilli(), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return 0, fmt.Errorf("unrecognized time expression %q", s)
}
