package inbox

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a raw email as delivered by a mail source, with the body
// already flattened to plain text.
type Message struct {
	ID      string `json:"id,omitempty"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Date    string `json:"date"` // raw Date header
	Body    string `json:"body"`
}

// Query bounds what a mail source returns: messages after Since, from one
// of Senders or with one of Keywords in the subject, at most Limit of them.
type Query struct {
	Since    time.Time
	Senders  []string
	Keywords []string
	Limit    int
}

// Matches applies the sender/subject filter client-side. An empty filter
// matches everything.
func (q Query) Matches(m Message) bool {
	if len(q.Senders) == 0 && len(q.Keywords) == 0 {
		return true
	}
	sender := strings.ToLower(m.Sender)
	for _, s := range q.Senders {
		if strings.Contains(sender, strings.ToLower(s)) {
			return true
		}
	}
	subject := strings.ToLower(m.Subject)
	for _, kw := range q.Keywords {
		if strings.Contains(subject, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ParseMessage reads an RFC 822 message and flattens its body by
// concatenating every inline text/plain leaf. When no plain-text leaf
// exists and htmlFallback is set, the visible text of the HTML leaves is
// used instead. Parts in an unknown charset or encoding are skipped.
func ParseMessage(r io.Reader, htmlFallback bool) (Message, error) {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		return Message{}, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()
	if err != nil {
		slog.Warn("message header uses an unknown charset", "error", err)
	}

	msg := Message{
		Sender:  headerText(mr.Header.Header, "From"),
		Subject: headerText(mr.Header.Header, "Subject"),
		Date:    mr.Header.Get("Date"),
		ID:      mr.Header.Get("Message-Id"),
	}

	var plain, html strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				slog.Warn("skipping undecodable part", "subject", msg.Subject, "error", err)
				continue
			}
			slog.Warn("stopped reading malformed message", "subject", msg.Subject, "error", err)
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, _ := io.ReadAll(p.Body)

		switch {
		case strings.HasPrefix(ct, "text/plain") || ct == "":
			plain.Write(body)
		case strings.HasPrefix(ct, "text/html"):
			html.Write(body)
		}
	}

	msg.Body = plain.String()
	if msg.Body == "" && htmlFallback && html.Len() > 0 {
		msg.Body = HTMLText(html.String())
	}
	msg.Body = strings.ToValidUTF8(msg.Body, "")
	return msg, nil
}

func headerText(h message.Header, key string) string {
	if v, err := h.Text(key); err == nil {
		return v
	}
	return h.Get(key)
}

// HTMLText returns the visible text of an HTML document with whitespace
// collapsed.
func HTMLText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return stripHTML(html)
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

var (
	reScript = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reTags   = regexp.MustCompile(`<[^>]+>`)
)

// stripHTML is the regexp fallback when the HTML cannot be parsed.
func stripHTML(html string) string {
	html = reScript.ReplaceAllString(html, "")
	html = reTags.ReplaceAllString(html, " ")
	html = strings.ReplaceAll(html, "&nbsp;", " ")
	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&pound;", "£")
	return strings.Join(strings.Fields(html), " ")
}
