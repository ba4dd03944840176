package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/trainalyze/trainalyze/internal/config"
)

const fetchBatchSize = 50

// Monitor reads transport emails from an IMAP mailbox.
type Monitor struct {
	config       config.InboxConfig
	htmlFallback bool
	client       *client.Client
}

// NewMonitor creates a new IMAP source. When htmlFallback is set, messages
// without a text/plain part use the text of their HTML part.
func NewMonitor(cfg config.InboxConfig, htmlFallback bool) *Monitor {
	return &Monitor{
		config:       cfg,
		htmlFallback: htmlFallback,
	}
}

// Name identifies the source in logs and scan history.
func (m *Monitor) Name() string {
	return "imap:" + m.config.Email
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)

	slog.Info("connecting to IMAP server", "addr", addr)

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	slog.Info("IMAP login successful", "user", m.config.Email)
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		err := m.client.Logout()
		m.client = nil
		return err
	}
	return nil
}

// Fetch searches the mailbox for messages since q.Since, applies the
// sender/keyword filter and returns at most q.Limit messages, newest first.
// Messages that fail to parse are logged and skipped.
func (m *Monitor) Fetch(ctx context.Context, q Query) ([]Message, error) {
	if m.client == nil {
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
		defer m.Disconnect()
	}

	mbox, err := m.client.Select(m.config.Folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = q.Since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	slog.Info("IMAP search complete", "folder", m.config.Folder, "since", q.Since.Format("2006-01-02"), "found", len(uids))

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	var messages []Message
	for start := 0; start < len(uids); start += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}

		batch, err := m.fetchBatch(uids[start:end])
		if err != nil {
			slog.Warn("error fetching IMAP batch", "error", err)
			continue
		}
		for _, msg := range batch {
			if !q.Matches(msg) {
				continue
			}
			messages = append(messages, msg)
			if q.Limit > 0 && len(messages) >= q.Limit {
				return messages, nil
			}
		}
	}

	return messages, nil
}

// fetchBatch downloads and parses one batch of UIDs, returned newest first.
func (m *Monitor) fetchBatch(uids []uint32) ([]Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, ch)
	}()

	type fetched struct {
		uid uint32
		msg Message
	}
	var out []fetched
	for im := range ch {
		r := im.GetBody(section)
		if r == nil {
			continue
		}
		msg, err := ParseMessage(r, m.htmlFallback)
		if err != nil {
			slog.Warn("failed to parse message", "uid", im.Uid, "error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = strconv.FormatUint(uint64(im.Uid), 10)
		}
		out = append(out, fetched{uid: im.Uid, msg: msg})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].uid > out[j].uid })
	messages := make([]Message, len(out))
	for i, f := range out {
		messages[i] = f.msg
	}
	return messages, nil
}
