package refund

import (
	"strings"
	"time"
)

// Status is the state of a claim deadline.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusUnknown Status = "unknown"
)

const deadlineLayout = "2006-01-02"

// isoLayouts are tried for dates containing a "T" separator.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02T15",
}

// dateLayouts are tried in order for everything else; the first that
// parses wins. Month names match case-insensitively.
var dateLayouts = []string{
	"2/1/2006",
	"2-1-2006",
	"2006-1-2",
	"2 Jan 2006",
	"2 January 2006",
}

// Deadline returns the last day to claim for a journey and whether that day
// has passed. An empty or unparseable date gives an empty deadline and
// StatusUnknown.
func (c *Calculator) Deadline(operator, journeyDate string) (string, Status) {
	if journeyDate == "" {
		return "", StatusUnknown
	}

	date, ok := ParseJourneyDate(journeyDate)
	if !ok {
		return "", StatusUnknown
	}

	deadline := date.AddDate(0, 0, c.catalog.DeadlineDays(operator))
	status := StatusActive
	if c.now().After(deadline) {
		status = StatusExpired
	}
	return deadline.Format(deadlineLayout), status
}

// ParseJourneyDate parses a journey date in any of the accepted formats.
// Dates without a zone are read in local time.
func ParseJourneyDate(s string) (time.Time, bool) {
	if strings.Contains(s, "T") {
		s = strings.TrimSpace(s)
		if strings.HasSuffix(s, "Z") {
			s = strings.TrimSuffix(s, "Z") + "+00:00"
		}
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}

	s = strings.Join(strings.Fields(s), " ")
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
