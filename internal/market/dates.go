package market

import (
	"math"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// ParseEndDate parses the end-date formats the venues emit. Timestamps
// without a zone are read as UTC.
func ParseEndDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// EndDatesMatch reports whether a and b lie within toleranceDays of each
// other. The day difference is floored before the absolute value is taken,
// so -36h counts as 2 days. diff is nil when either side is unparsable.
func EndDatesMatch(a, b string, toleranceDays int) (match bool, diff *int) {
	ta, ok := ParseEndDate(a)
	if !ok {
		return false, nil
	}
	tb, ok := ParseEndDate(b)
	if !ok {
		return false, nil
	}
	days := int(math.Floor(ta.Sub(tb).Hours() / 24))
	if days < 0 {
		days = -days
	}
	return days <= toleranceDays, &days
}
