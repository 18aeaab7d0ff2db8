package compose

import (
	"strings"
	"time"
)

// PresentLabel ends a date range that has no end date or is marked current.
const PresentLabel = "Present"

var monthLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01",
	"2006/01",
	"01/2006",
}

// FormatDate renders an ISO-ish date as "Jan 2006", a bare year as "2006",
// and anything it cannot parse verbatim.
func FormatDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("Jan 2006")
		}
	}
	if t, err := time.Parse("2006", s); err == nil {
		return t.Format("2006")
	}
	return s
}

// DateRange renders "<start> - <end>" or "<start> - Present". With no start
// it falls back to the end date alone.
func DateRange(start, end string, current bool) string {
	from := FormatDate(start)
	to := FormatDate(end)
	if from == "" {
		if current {
			return ""
		}
		return to
	}
	if current || to == "" {
		to = PresentLabel
	}
	return from + " - " + to
}
