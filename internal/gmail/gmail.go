// Package gmail reads transport emails through the Gmail REST API using a
// stored OAuth2 refresh token.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/workpool"
)

const (
	DefaultBaseURL = "https://gmail.googleapis.com"
	ReadOnlyScope  = "https://www.googleapis.com/auth/gmail.readonly"

	// maxPageSize is the largest page the list endpoint returns.
	maxPageSize = 500
)

// NewHTTPClient returns a client that refreshes access tokens from the
// configured refresh token.
func NewHTTPClient(ctx context.Context, cfg config.GmailConfig) *http.Client {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoints.Google,
		Scopes:       []string{ReadOnlyScope},
	}
	return conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

// Options tune a Source.
type Options struct {
	BaseURL      string
	User         string
	Workers      int
	RateLimit    time.Duration
	Retry        workpool.Retry
	HTMLFallback bool
}

// Source lists and downloads messages for one mailbox.
type Source struct {
	httpClient *http.Client
	opts       Options
}

// New creates a Gmail source over an authorised HTTP client.
func New(httpClient *http.Client, opts Options) *Source {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.User == "" {
		opts.User = "me"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = workpool.DefaultRetry
	}
	return &Source{httpClient: httpClient, opts: opts}
}

func (s *Source) Name() string {
	return "gmail:" + s.opts.User
}

// BuildQuery renders a mailbox query in Gmail search syntax:
//
//	(from:a OR from:b) OR subject:("k1" OR "k2") after:2024/01/31
func BuildQuery(q inbox.Query) string {
	var parts []string

	if len(q.Senders) > 0 {
		from := make([]string, len(q.Senders))
		for i, s := range q.Senders {
			from[i] = "from:" + s
		}
		parts = append(parts, "("+strings.Join(from, " OR ")+")")
	}
	if len(q.Keywords) > 0 {
		kws := make([]string, len(q.Keywords))
		for i, kw := range q.Keywords {
			kws[i] = strconv.Quote(kw)
		}
		parts = append(parts, "subject:("+strings.Join(kws, " OR ")+")")
	}

	query := strings.Join(parts, " OR ")
	if !q.Since.IsZero() {
		if query != "" {
			query += " "
		}
		query += "after:" + q.Since.Format("2006/01/02")
	}
	return query
}

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

// Fetch lists message ids matching q, newest first, then downloads them
// concurrently. A failed listing is an error; a message that cannot be
// downloaded after retries is logged and skipped.
func (s *Source) Fetch(ctx context.Context, q inbox.Query) ([]inbox.Message, error) {
	ids, err := s.list(ctx, BuildQuery(q), q.Limit)
	if err != nil {
		return nil, err
	}
	slog.Info("gmail search complete", "user", s.opts.User, "found", len(ids))

	results := make([]*inbox.Message, len(ids))
	pool := workpool.New(s.opts.Workers, s.opts.RateLimit)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		i, id := i, id
		pool.Submit(func() {
			var msg *inbox.Message
			err := s.opts.Retry.Do(ctx, "fetch message "+id, func() error {
				var err error
				msg, err = s.get(ctx, id)
				return err
			})
			if err != nil {
				slog.Warn("skipping message", "id", id, "error", err)
				return
			}
			results[i] = msg
		})
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := make([]inbox.Message, 0, len(ids))
	for _, m := range results {
		if m != nil {
			messages = append(messages, *m)
		}
	}
	return messages, nil
}

func (s *Source) list(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", query)
		pageSize := maxPageSize
		if limit > 0 && limit-len(ids) < pageSize {
			pageSize = limit - len(ids)
		}
		params.Set("maxResults", strconv.Itoa(pageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page listResponse
		endpoint := fmt.Sprintf("%s/gmail/v1/users/%s/messages?%s", s.opts.BaseURL, url.PathEscape(s.opts.User), params.Encode())
		err := s.opts.Retry.Do(ctx, "list messages", func() error {
			return s.getJSON(ctx, endpoint, &page)
		})
		if err != nil {
			return nil, err
		}

		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.NextPageToken == "" || (limit > 0 && len(ids) >= limit) {
			break
		}
		pageToken = page.NextPageToken
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Source) get(ctx context.Context, id string) (*inbox.Message, error) {
	endpoint := fmt.Sprintf("%s/gmail/v1/users/%s/messages/%s?format=full",
		s.opts.BaseURL, url.PathEscape(s.opts.User), url.PathEscape(id))

	var raw rawMessage
	if err := s.getJSON(ctx, endpoint, &raw); err != nil {
		return nil, err
	}

	msg := raw.toMessage(s.opts.HTMLFallback)
	return &msg, nil
}

func (s *Source) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return workpool.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("gmail API returned HTTP %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return err
		}
		return workpool.Permanent(err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
