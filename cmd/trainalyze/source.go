package main

import (
	"context"
	"fmt"

	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/gmail"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/scan"
)

// openSource builds the mail source named by cfg.Source.
func openSource(ctx context.Context, cfg *config.Config) (scan.Source, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrNoSource, err)
	}

	switch cfg.Source {
	case config.SourceIMAP:
		return inbox.NewMonitor(cfg.Inbox, cfg.Scan.HTMLFallback), nil
	case config.SourceGmail:
		return gmail.New(gmail.NewHTTPClient(ctx, cfg.Gmail), gmail.Options{
			BaseURL:      cfg.Gmail.BaseURL,
			User:         cfg.Gmail.User,
			Workers:      cfg.Scan.Workers,
			RateLimit:    cfg.Scan.RateLimit(),
			HTMLFallback: cfg.Scan.HTMLFallback,
		}), nil
	default:
		return inbox.NewFileSource(cfg.Files.Paths, cfg.Scan.HTMLFallback), nil
	}
}
