package inbox

import (
	"strings"
)

// Category is the transport-event type assigned to an email.
type Category string

const (
	CategoryDelayClaim   Category = "delay_claim"  // Delay Repay / compensation correspondence
	CategoryRefund       Category = "refund"       // Money returned
	CategoryCancellation Category = "cancellation" // Service cancelled or not running
	CategoryDelay        Category = "delay"        // Late running
	CategoryBooking      Category = "booking"      // Ticket purchase / e-ticket
	CategoryStatement    Category = "statement"    // Oyster or contactless journey history
	CategoryReceipt      Category = "receipt"      // Generic payment receipt
	CategoryOther        Category = "other"
)

// IsDelayEvent reports whether the category is a candidate for compensation.
func (c Category) IsDelayEvent() bool {
	return c == CategoryDelay || c == CategoryDelayClaim || c == CategoryCancellation
}

type categoryRule struct {
	category Category
	keywords []string
}

// categoryRules are evaluated top to bottom; the first rule with any
// keyword present in the lower-cased subject and body wins.
var categoryRules = []categoryRule{
	{CategoryDelayClaim, []string{"delay repay", "compensation claim", "your claim", "delay compensation"}},
	{CategoryRefund, []string{"refund", "money back", "reimbursement", "credited"}},
	{CategoryCancellation, []string{"cancelled", "cancellation", "service disruption", "not running"}},
	{CategoryDelay, []string{"delayed", "delay", "late", "disruption"}},
	{CategoryBooking, []string{"booking confirmation", "e-ticket", "your ticket", "booking reference"}},
	{CategoryStatement, []string{"journey history", "oyster statement", "contactless statement"}},
	{CategoryReceipt, []string{"receipt", "payment", "invoice"}},
}

// Classify assigns exactly one category to an email. The sender is not
// consulted.
func Classify(subject, body, sender string) Category {
	text := strings.ToLower(subject + " " + body)

	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category
			}
		}
	}
	return CategoryOther
}

// Summary counts classified emails per category.
type Summary struct {
	Total        int
	DelayClaim   int
	Refund       int
	Cancellation int
	Delay        int
	Booking      int
	Statement    int
	Receipt      int
	Other        int
}

// Summarize tallies a list of categories.
func Summarize(categories []Category) Summary {
	summary := Summary{Total: len(categories)}

	for _, c := range categories {
		switch c {
		case CategoryDelayClaim:
			summary.DelayClaim++
		case CategoryRefund:
			summary.Refund++
		case CategoryCancellation:
			summary.Cancellation++
		case CategoryDelay:
			summary.Delay++
		case CategoryBooking:
			summary.Booking++
		case CategoryStatement:
			summary.Statement++
		case CategoryReceipt:
			summary.Receipt++
		default:
			summary.Other++
		}
	}

	return summary
}
