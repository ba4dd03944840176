package inbox

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/trainalyze/trainalyze/internal/catalog"
)

// Fields are the structured values pulled out of one email. A nil pointer
// or empty string means the value was not detected.
type Fields struct {
	BookingRef  string   `json:"booking_ref,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	JourneyDate string   `json:"journey_date,omitempty"`
	DelayMins   *int     `json:"delay_mins,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Operator    string   `json:"operator,omitempty"`
}

// Patterns are tried in order and the first match wins.
var bookingRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:booking|reference|confirmation)[:\s#]*([A-Z0-9]{6,10})`),
	regexp.MustCompile(`(?i)(?:ref|order)[:\s#]*([A-Z0-9]{6,10})`),
	regexp.MustCompile(`(?i)([A-Z]{2,3}[0-9]{6,8})`),
}

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:total|price|cost|paid|amount)[:\s]*[£](\d+\.?\d*)`),
	regexp.MustCompile(`[£](\d+\.?\d*)`),
}

var journeyDatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:travel|journey|depart|departure)[:\s]*(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`),
	regexp.MustCompile(`(?i)(\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{2,4})`),
}

var delayPattern = regexp.MustCompile(`(?i)(\d+)\s*(minute|min|hour|hr)s?\s*(?:late|delay)`)

// Extractor pulls Fields out of email text using the station gazetteer and
// operator map of a catalogue.
type Extractor struct {
	stations  []string
	lowered   []string
	operators []catalog.Operator
}

// NewExtractor creates an extractor over the given catalogue.
func NewExtractor(c *catalog.Catalog) *Extractor {
	e := &Extractor{
		stations:  c.Stations,
		operators: c.Operators,
		lowered:   make([]string, len(c.Stations)),
	}
	for i, s := range c.Stations {
		e.lowered[i] = strings.ToLower(s)
	}
	return e
}

var defaultExtractor = NewExtractor(catalog.Default())

// Extract runs the built-in catalogue extractor.
func Extract(subject, body, sender string) Fields {
	return defaultExtractor.Extract(subject, body, sender)
}

// Extract finds booking reference, price, journey date, delay, route and
// operator. Patterns run against the subject and body; the operator is
// looked up from the sender only.
func (e *Extractor) Extract(subject, body, sender string) Fields {
	text := subject + " " + body

	var f Fields
	if m := firstMatch(bookingRefPatterns, text); m != "" {
		f.BookingRef = strings.ToUpper(m)
	}
	if m := firstMatch(pricePatterns, text); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			f.Price = &v
		}
	}
	f.JourneyDate = firstMatch(journeyDatePatterns, text)
	f.DelayMins = extractDelay(text)
	f.Origin, f.Destination = e.route(text)
	f.Operator = e.operator(sender)
	return f
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractDelay(text string) *int {
	m := delayPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	if unit := strings.ToLower(m[2]); unit == "hour" || unit == "hr" {
		n *= 60
	}
	return &n
}

// route assigns origin and destination from the first two stations found
// in gazetteer order, not in order of appearance in the text.
func (e *Extractor) route(text string) (origin, destination string) {
	lower := strings.ToLower(text)

	var found []string
	for i, s := range e.lowered {
		if strings.Contains(lower, s) {
			found = append(found, e.stations[i])
			if len(found) == 2 {
				break
			}
		}
	}

	switch len(found) {
	case 2:
		return found[0], found[1]
	case 1:
		return found[0], ""
	}
	return "", ""
}

func (e *Extractor) operator(sender string) string {
	lower := strings.ToLower(sender)
	for _, op := range e.operators {
		if strings.Contains(lower, op.Key) {
			return op.Name
		}
	}
	return ""
}
