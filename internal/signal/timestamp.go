package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BookmarkLayout is the canonical ISO-8601 UTC form used for bar bookmarks.
const BookmarkLayout = "2006-01-02T15:04:05Z"

// epoch values above this are treated as milliseconds.
const millisThreshold = 1_000_000_000_000

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp normalises a bar timestamp into a UTC instant truncated to
// the second. It accepts time.Time, epoch seconds or milliseconds (as numbers
// or numeric strings) and ISO-8601 strings with or without a zone suffix.
func ParseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, fmt.Errorf("zero timestamp")
		}
		return x.UTC().Truncate(time.Second), nil
	case int64:
		return fromEpoch(x), nil
	case int:
		return fromEpoch(int64(x)), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, fmt.Errorf("non-finite timestamp")
		}
		return fromEpoch(int64(x)), nil
	case json.Number:
		return ParseTimestamp(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n), nil
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Truncate(time.Second), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func fromEpoch(n int64) time.Time {
	if n >= millisThreshold || n <= -millisThreshold {
		return time.UnixMilli(n).UTC().Truncate(time.Second)
	}
	return time.Unix(n, 0).UTC()
}

// FormatBookmark renders t in BookmarkLayout.
func FormatBookmark(t time.Time) string {
	return t.UTC().Format(BookmarkLayout)
}
