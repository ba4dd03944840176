// Package refund computes delay compensation and claim deadlines for UK
// transport operators.
package refund

import (
	"math"
	"strconv"
	"time"

	"github.com/trainalyze/trainalyze/internal/catalog"
)

// Calculator applies the compensation schemes and claim windows of a
// catalogue. The clock decides whether a deadline has passed.
type Calculator struct {
	catalog *catalog.Catalog
	now     func() time.Time
}

// New creates a calculator over the given catalogue using the system clock.
func New(c *catalog.Catalog) *Calculator {
	return &Calculator{catalog: c, now: time.Now}
}

// WithClock returns a copy of the calculator that reads the current time
// from now.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	cp := *c
	cp.now = now
	return &cp
}

var defaultCalculator = New(catalog.Default())

// Default returns the calculator for the built-in catalogue.
func Default() *Calculator { return defaultCalculator }

// Refund returns the compensation amount and percentage for a delay, or
// nil, nil when the delay or price is missing or zero, or the delay is
// below every threshold of the operator's scheme.
func (c *Calculator) Refund(delayMins *int, price *float64, operator string) (*float64, *int) {
	if delayMins == nil || *delayMins == 0 || price == nil || *price == 0 {
		return nil, nil
	}

	_, tiers := c.catalog.SchemeFor(operator)
	for _, tier := range tiers {
		if *delayMins >= tier.Minutes {
			amount := Round2(*price * tier.Fraction)
			pct := int(tier.Fraction * 100)
			return &amount, &pct
		}
	}
	return nil, nil
}

// Round2 rounds a money value to two decimal places.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	return r
}
