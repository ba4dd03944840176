package scan

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/trainalyze/trainalyze/internal/catalog"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/refund"
)

const (
	unknownOperator  = "Unknown"
	maxSubjectRunes  = 80
	maxBookings      = 20
	railcardSpend    = 300
	railcardSaving   = 0.34
	worstOperatorMin = 2
)

// Aggregator reconciles delays against refunds and ranks what is left.
type Aggregator struct {
	catalog *catalog.Catalog
	calc    *refund.Calculator
}

// NewAggregator creates an aggregator. The calculator's clock decides
// which deadlines have expired.
func NewAggregator(c *catalog.Catalog, calc *refund.Calculator) *Aggregator {
	return &Aggregator{catalog: c, calc: calc}
}

// Aggregate builds the scan summary for a complete batch of emails.
func (a *Aggregator) Aggregate(emails []Email) Summary {
	var bookings, delays, refunds []Email
	for _, e := range emails {
		switch {
		case e.Category == inbox.CategoryBooking:
			bookings = append(bookings, e)
		case e.Category.IsDelayEvent():
			delays = append(delays, e)
		case e.Category == inbox.CategoryRefund:
			refunds = append(refunds, e)
		}
	}

	refunded := make(map[string]bool)
	for _, r := range refunds {
		if r.BookingRef != "" {
			refunded[strings.ToUpper(r.BookingRef)] = true
		}
	}

	opportunities := []Opportunity{}
	for _, d := range delays {
		if ref := strings.ToUpper(d.BookingRef); ref != "" && refunded[ref] {
			continue
		}
		opportunities = append(opportunities, a.opportunity(d))
	}
	sortOpportunities(opportunities)

	summary := Summary{
		TotalEmails:     len(emails),
		TotalBookings:   len(bookings),
		TotalDelays:     len(delays),
		TotalRefunds:    len(refunds),
		Opportunities:   opportunities,
		Bookings:        capBookings(bookings),
		Recommendations: []string{},
	}

	var spend, potential, expired float64
	for _, b := range bookings {
		if b.Price != nil {
			spend += *b.Price
		}
	}
	for _, o := range opportunities {
		if o.RefundAmount == nil || *o.RefundAmount == 0 {
			continue
		}
		if o.DeadlineStatus == refund.StatusExpired {
			expired += *o.RefundAmount
		} else {
			potential += *o.RefundAmount
		}
	}
	summary.TotalSpend = refund.Round2(spend)
	summary.TotalPotential = refund.Round2(potential)
	summary.TotalExpired = refund.Round2(expired)

	summary.Recommendations = append(summary.Recommendations, recommendations(spend, delays)...)
	return summary
}

func (a *Aggregator) opportunity(e Email) Opportunity {
	operator := e.Operator
	if operator == "" {
		operator = unknownOperator
	}
	journeyDate := e.JourneyDate
	if journeyDate == "" {
		journeyDate = e.Date
	}

	amount, pct := a.calc.Refund(e.DelayMins, e.Price, operator)
	deadline, status := a.calc.Deadline(operator, journeyDate)

	return Opportunity{
		Date:           e.Date,
		JourneyDate:    journeyDate,
		Operator:       operator,
		BookingRef:     e.BookingRef,
		Origin:         e.Origin,
		Destination:    e.Destination,
		Price:          e.Price,
		DelayMins:      e.DelayMins,
		RefundAmount:   amount,
		RefundPct:      pct,
		Deadline:       deadline,
		DeadlineStatus: status,
		Confidence:     confidence(e),
		Subject:        truncate(e.Subject, maxSubjectRunes),
		Category:       e.Category,
		ClaimURL:       a.catalog.ClaimURL(operator),
	}
}

func confidence(e Email) Confidence {
	hasDelay := e.DelayMins != nil && *e.DelayMins != 0
	hasPrice := e.Price != nil && *e.Price != 0

	switch {
	case e.BookingRef != "" && hasDelay && hasPrice:
		return ConfidenceHigh
	case e.BookingRef != "" && hasDelay:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

// sortOpportunities orders by refund amount descending (missing as zero),
// then confidence, then active deadlines first. Ties keep arrival order.
func sortOpportunities(opps []Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		ai, aj := amountOf(opps[i]), amountOf(opps[j])
		if ai != aj {
			return ai > aj
		}
		ci, cj := opps[i].Confidence.rank(), opps[j].Confidence.rank()
		if ci != cj {
			return ci < cj
		}
		return statusRank(opps[i].DeadlineStatus) < statusRank(opps[j].DeadlineStatus)
	})
}

func amountOf(o Opportunity) float64 {
	if o.RefundAmount == nil {
		return 0
	}
	return *o.RefundAmount
}

func statusRank(s refund.Status) int {
	if s == refund.StatusActive {
		return 0
	}
	return 1
}

func recommendations(spend float64, delays []Email) []string {
	var recs []string

	if spend > railcardSpend {
		saving := math.RoundToEven(spend * railcardSaving)
		recs = append(recs, fmt.Sprintf("You spent £%.0f on trains. A Railcard (£30/year) could save ~£%.0f", spend, saving))
	}

	var order []string
	counts := make(map[string]int)
	for _, d := range delays {
		op := d.Operator
		if op == "" {
			op = unknownOperator
		}
		if _, seen := counts[op]; !seen {
			order = append(order, op)
		}
		counts[op]++
	}

	worst, worstCount := "", 0
	for _, op := range order {
		if counts[op] > worstCount {
			worst, worstCount = op, counts[op]
		}
	}
	if worstCount >= worstOperatorMin {
		recs = append(recs, fmt.Sprintf("Consider alternatives to %s: %d delays recorded", worst, worstCount))
	}

	return recs
}

func capBookings(bookings []Email) []Email {
	if len(bookings) > maxBookings {
		bookings = bookings[:maxBookings]
	}
	if bookings == nil {
		return []Email{}
	}
	return bookings
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
