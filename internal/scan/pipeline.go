package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trainalyze/trainalyze/internal/catalog"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/refund"
	"github.com/trainalyze/trainalyze/internal/workpool"
)

// ErrNoSource is returned when a scan is started without a mail source.
var ErrNoSource = errors.New("no mail source configured")

// Source delivers raw messages matching a query.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q inbox.Query) ([]inbox.Message, error)
}

// Options bound the messages requested from a source.
type Options struct {
	LookbackDays int
	MaxMessages  int
	KeywordLimit int
	Workers      int
}

// DefaultOptions match a year of mail and at most 300 messages.
var DefaultOptions = Options{
	LookbackDays: 365,
	MaxMessages:  300,
	KeywordLimit: 10,
	Workers:      4,
}

// Pipeline classifies, extracts and aggregates messages from a source.
type Pipeline struct {
	catalog    *catalog.Catalog
	extractor  *inbox.Extractor
	aggregator *Aggregator
	opts       Options
}

// NewPipeline creates a pipeline over a catalogue and calculator.
func NewPipeline(c *catalog.Catalog, calc *refund.Calculator, opts Options) *Pipeline {
	return &Pipeline{
		catalog:    c,
		extractor:  inbox.NewExtractor(c),
		aggregator: NewAggregator(c, calc),
		opts:       opts,
	}
}

// Query builds the source query: the catalogue's sender domains, the first
// KeywordLimit keywords, LookbackDays before now.
func (p *Pipeline) Query(now time.Time) inbox.Query {
	keywords := p.catalog.Keywords
	if p.opts.KeywordLimit > 0 && len(keywords) > p.opts.KeywordLimit {
		keywords = keywords[:p.opts.KeywordLimit]
	}
	return inbox.Query{
		Since:    now.AddDate(0, 0, -p.opts.LookbackDays),
		Senders:  p.catalog.Senders,
		Keywords: keywords,
		Limit:    p.opts.MaxMessages,
	}
}

// Run fetches from src and returns the summary. A failed search is an
// error; individual messages that cannot be processed are dropped.
func (p *Pipeline) Run(ctx context.Context, src Source, q inbox.Query) (*Summary, error) {
	if src == nil {
		return nil, ErrNoSource
	}

	start := time.Now()
	msgs, err := src.Fetch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", src.Name(), err)
	}
	slog.Info("messages fetched", "source", src.Name(), "count", len(msgs))

	summary := p.Analyze(ctx, msgs)
	slog.Info("scan complete",
		"source", src.Name(),
		"emails", summary.TotalEmails,
		"bookings", summary.TotalBookings,
		"delays", summary.TotalDelays,
		"refunds", summary.TotalRefunds,
		"opportunities", len(summary.Opportunities),
		"duration", time.Since(start))
	return &summary, nil
}

// Analyze enriches and aggregates an already fetched batch.
func (p *Pipeline) Analyze(ctx context.Context, msgs []inbox.Message) Summary {
	emails := p.Enrich(ctx, msgs)

	categories := make([]inbox.Category, len(emails))
	for i, e := range emails {
		categories[i] = e.Category
	}
	tally := inbox.Summarize(categories)
	slog.Info("emails classified",
		"total", tally.Total,
		"delay_claim", tally.DelayClaim,
		"refund", tally.Refund,
		"cancellation", tally.Cancellation,
		"delay", tally.Delay,
		"booking", tally.Booking,
		"statement", tally.Statement,
		"receipt", tally.Receipt,
		"other", tally.Other)

	return p.aggregator.Aggregate(emails)
}

// Enrich classifies and extracts every message in parallel. The result
// keeps the input order; a message whose processing panics is logged and
// left out.
func (p *Pipeline) Enrich(ctx context.Context, msgs []inbox.Message) []Email {
	results := make([]*Email, len(msgs))
	pool := workpool.New(p.opts.Workers, 0)

	for i := range msgs {
		if ctx.Err() != nil {
			break
		}
		i := i
		pool.Submit(func() {
			results[i] = p.enrichOne(msgs[i])
		})
	}
	pool.Wait()

	emails := make([]Email, 0, len(msgs))
	for _, e := range results {
		if e != nil {
			emails = append(emails, *e)
		}
	}
	return emails
}

func (p *Pipeline) enrichOne(m inbox.Message) (e *Email) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("dropping message that failed to process", "id", m.ID, "subject", m.Subject, "panic", r)
			e = nil
		}
	}()

	return &Email{
		Date:     m.Date,
		Sender:   m.Sender,
		Subject:  m.Subject,
		Category: inbox.Classify(m.Subject, m.Body, m.Sender),
		Fields:   p.extractor.Extract(m.Subject, m.Body, m.Sender),
	}
}
