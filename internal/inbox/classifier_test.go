package inbox

import (
	"testing"
)

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		body     string
		expected Category
	}{
		{
			name:     "Delay Repay claim acknowledgement",
			subject:  "Your Delay Repay claim",
			body:     "We have received your claim for the delayed 08:00 service.",
			expected: CategoryDelayClaim,
		},
		{
			name:     "Claim beats refund",
			subject:  "Delay compensation",
			body:     "A refund of £12.50 will be credited to your card.",
			expected: CategoryDelayClaim,
		},
		{
			name:     "Refund beats cancellation",
			subject:  "Your train was cancelled",
			body:     "We have issued a refund to your original payment method.",
			expected: CategoryRefund,
		},
		{
			name:     "Money back",
			subject:  "Good news",
			body:     "You will get your money back within 5 working days.",
			expected: CategoryRefund,
		},
		{
			name:     "Cancellation beats delay",
			subject:  "Service disruption",
			body:     "The 17:32 is not running and later services are delayed.",
			expected: CategoryCancellation,
		},
		{
			name:     "Running late",
			subject:  "Your train is running late",
			body:     "We are sorry the 07:15 arrived 20 minutes late.",
			expected: CategoryDelay,
		},
		{
			name:     "Booking confirmation",
			subject:  "Booking confirmation",
			body:     "Here is your e-ticket for London Kings Cross to York.",
			expected: CategoryBooking,
		},
		{
			name:     "Journey history",
			subject:  "Your monthly journey history",
			body:     "Oyster card ending 1234.",
			expected: CategoryStatement,
		},
		{
			name:     "Receipt",
			subject:  "Your receipt",
			body:     "Thank you for your payment.",
			expected: CategoryReceipt,
		},
		{
			name:     "Nothing matches",
			subject:  "Newsletter",
			body:     "Spring timetable changes are coming.",
			expected: CategoryOther,
		},
		{
			name:     "Case insensitive",
			subject:  "BOOKING REFERENCE ABC123456",
			body:     "",
			expected: CategoryBooking,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.subject, tt.body, "noreply@example.com")
			if got != tt.expected {
				t.Errorf("got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestClassifyIgnoresSender(t *testing.T) {
	got := Classify("Hello", "Spring timetable", "refund-team@delayrepay.example.com")
	if got != CategoryOther {
		t.Errorf("sender should not affect category, got %s", got)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	subject, body, sender := "Cancelled service", "Refund available", "noreply@lner.co.uk"
	first := Classify(subject, body, sender)
	for i := 0; i < 10; i++ {
		if got := Classify(subject, body, sender); got != first {
			t.Fatalf("classification changed between calls: %s then %s", first, got)
		}
	}
}

func TestIsDelayEvent(t *testing.T) {
	for _, c := range []Category{CategoryDelay, CategoryDelayClaim, CategoryCancellation} {
		if !c.IsDelayEvent() {
			t.Errorf("%s should be a delay event", c)
		}
	}
	for _, c := range []Category{CategoryRefund, CategoryBooking, CategoryStatement, CategoryReceipt, CategoryOther} {
		if c.IsDelayEvent() {
			t.Errorf("%s should not be a delay event", c)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Category{CategoryBooking, CategoryBooking, CategoryDelay, CategoryOther})
	if s.Total != 4 || s.Booking != 2 || s.Delay != 1 || s.Other != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
}
