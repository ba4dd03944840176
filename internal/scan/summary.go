// Package scan turns a batch of raw transport emails into a ranked list of
// unclaimed compensation opportunities.
package scan

import (
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/refund"
)

// Email is one classified message with its extracted fields.
type Email struct {
	Date     string         `json:"date"`
	Sender   string         `json:"sender"`
	Subject  string         `json:"subject"`
	Category inbox.Category `json:"category"`
	inbox.Fields
}

// Confidence rates how complete the evidence behind an opportunity is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // booking ref, delay and price
	ConfidenceMedium Confidence = "medium" // booking ref and delay
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 0
	case ConfidenceMedium:
		return 1
	default:
		return 2
	}
}

// Opportunity is a delay or cancellation with no matching refund.
type Opportunity struct {
	Date           string         `json:"date"`
	JourneyDate    string         `json:"journey_date,omitempty"`
	Operator       string         `json:"operator"`
	BookingRef     string         `json:"booking_ref,omitempty"`
	Origin         string         `json:"origin,omitempty"`
	Destination    string         `json:"destination,omitempty"`
	Price          *float64       `json:"price,omitempty"`
	DelayMins      *int           `json:"delay_mins,omitempty"`
	RefundAmount   *float64       `json:"refund_amount,omitempty"`
	RefundPct      *int           `json:"refund_pct,omitempty"`
	Deadline       string         `json:"deadline,omitempty"`
	DeadlineStatus refund.Status  `json:"deadline_status"`
	Confidence     Confidence     `json:"confidence"`
	Subject        string         `json:"subject"`
	Category       inbox.Category `json:"category"`
	ClaimURL       string         `json:"claim_url,omitempty"`
}

// Summary is the result of one scan.
type Summary struct {
	TotalEmails     int           `json:"total_emails"`
	TotalBookings   int           `json:"total_bookings"`
	TotalDelays     int           `json:"total_delays"`
	TotalRefunds    int           `json:"total_refunds"`
	TotalSpend      float64       `json:"total_spend"`
	TotalPotential  float64       `json:"total_potential"`
	TotalExpired    float64       `json:"total_expired"`
	Opportunities   []Opportunity `json:"opportunities"`
	Bookings        []Email       `json:"bookings"`
	Recommendations []string      `json:"recommendations"`
}
