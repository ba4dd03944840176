package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/trainalyze/trainalyze/internal/history"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/refund"
	"github.com/trainalyze/trainalyze/internal/scan"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.now = func() time.Time { return time.Date(2024, time.April, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestSummary(t *testing.T) {
	e := newTestEngine(t)
	price, refundAmt, delay, pct := 54.5, 27.25, 45, 50

	s := scan.Summary{
		TotalEmails:    12,
		TotalDelays:    1,
		TotalSpend:     120.5,
		TotalPotential: 27.25,
		Opportunities: []scan.Opportunity{{
			Operator:       "LNER",
			JourneyDate:    "15/03/2024",
			Origin:         "York",
			Destination:    "Leeds",
			BookingRef:     "AB123456",
			Price:          &price,
			DelayMins:      &delay,
			RefundAmount:   &refundAmt,
			RefundPct:      &pct,
			Deadline:       "2024-04-12",
			DeadlineStatus: refund.StatusActive,
			Confidence:     scan.ConfidenceHigh,
			Subject:        "Your delayed journey",
			Category:       inbox.CategoryDelay,
			ClaimURL:       "https://www.lner.co.uk/support/delay-repay/",
		}},
		Recommendations: []string{"You have £27.25 in unclaimed refunds"},
	}

	var buf bytes.Buffer
	if err := e.Summary(&buf, "imap:traveller@example.com", s); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"(imap:traveller@example.com)",
		"April 1, 2024 12:00",
		"Emails scanned:     12",
		"Total spend:        £120.50",
		"Claimable now:      £27.25",
		"Unclaimed Delays (1)",
		"1. LNER - 15/03/2024 - York to Leeds [high]",
		"Delay: 45 min",
		"Fare: £54.50",
		"Refund: £27.25 (50%)",
		"Booking ref: AB123456",
		"Claim by: 2024-04-12 (active)",
		"Claim at: https://www.lner.co.uk/support/delay-repay/",
		"• You have £27.25 in unclaimed refunds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSummaryEmpty(t *testing.T) {
	e := newTestEngine(t)

	var buf bytes.Buffer
	if err := e.Summary(&buf, "", scan.Summary{}); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "No unclaimed delays found") {
		t.Errorf("missing empty message:\n%s", out)
	}
	if strings.Contains(out, "Recommendations") {
		t.Errorf("empty summary should not list recommendations:\n%s", out)
	}
}

func TestSummaryMissingValues(t *testing.T) {
	e := newTestEngine(t)
	s := scan.Summary{Opportunities: []scan.Opportunity{{
		Operator:       "Unknown",
		DeadlineStatus: refund.StatusUnknown,
		Confidence:     scan.ConfidenceLow,
		Subject:        "Train cancelled",
	}}}

	var buf bytes.Buffer
	if err := e.Summary(&buf, "files", s); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Delay: -   Fare: -   Refund: -") {
		t.Errorf("absent values should render as dashes:\n%s", out)
	}
	if strings.Contains(out, "Claim by") || strings.Contains(out, "Booking ref") {
		t.Errorf("empty fields should be omitted:\n%s", out)
	}
}

func TestHistory(t *testing.T) {
	e := newTestEngine(t)
	records := []history.Record{{
		ID:        "abc",
		Source:    "gmail:me",
		ScannedAt: time.Date(2024, time.April, 1, 9, 0, 0, 0, time.UTC),
		Summary:   scan.Summary{TotalEmails: 40, TotalDelays: 3, TotalPotential: 12.5},
	}}

	var buf bytes.Buffer
	if err := e.History(&buf, records); err != nil {
		t.Fatalf("History: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "gmail:me") || !strings.Contains(out, "[abc]") {
		t.Errorf("record header missing:\n%s", out)
	}
	if !strings.Contains(out, "40 emails, 3 delays, £12.50 claimable") {
		t.Errorf("totals missing:\n%s", out)
	}

	buf.Reset()
	if err := e.History(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No scans recorded yet") {
		t.Errorf("empty history:\n%s", buf.String())
	}
}

func TestUnknownTemplate(t *testing.T) {
	e := newTestEngine(t)
	if err := e.render(&bytes.Buffer{}, "missing", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}
