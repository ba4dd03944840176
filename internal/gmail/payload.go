package gmail

import (
	"encoding/base64"
	"strings"

	"github.com/trainalyze/trainalyze/internal/inbox"
)

type rawMessage struct {
	ID      string  `json:"id"`
	Payload payload `json:"payload"`
}

type payload struct {
	MimeType string   `json:"mimeType"`
	Headers  []header `json:"headers"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []payload `json:"parts"`
}

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (m rawMessage) toMessage(htmlFallback bool) inbox.Message {
	msg := inbox.Message{
		ID:      m.ID,
		Sender:  m.Payload.header("From"),
		Subject: m.Payload.header("Subject"),
		Date:    m.Payload.header("Date"),
		Body:    flattenBody(m.Payload),
	}
	if msg.Body == "" && htmlFallback {
		if html := htmlBody(m.Payload); html != "" {
			msg.Body = inbox.HTMLText(html)
		}
	}
	return msg
}

// header returns the last value of a header, matched case-insensitively.
func (p payload) header(name string) string {
	value := ""
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			value = h.Value
		}
	}
	return value
}

// flattenBody takes the payload's own body data whatever its type, then
// appends every text/plain child, descending into children that have
// parts of their own.
func flattenBody(p payload) string {
	var b strings.Builder
	b.WriteString(decodeData(p.Body.Data))
	for _, part := range p.Parts {
		switch {
		case part.MimeType == "text/plain" && part.Body.Data != "":
			b.WriteString(decodeData(part.Body.Data))
		case len(part.Parts) > 0:
			b.WriteString(flattenBody(part))
		}
	}
	return b.String()
}

func htmlBody(p payload) string {
	if p.MimeType == "text/html" && p.Body.Data != "" {
		return decodeData(p.Body.Data)
	}
	var b strings.Builder
	for _, part := range p.Parts {
		b.WriteString(htmlBody(part))
	}
	return b.String()
}

// decodeData decodes base64url body data, with or without padding, and
// drops bytes that are not valid UTF-8. Undecodable data yields "".
func decodeData(data string) string {
	if data == "" {
		return ""
	}
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return strings.ToValidUTF8(string(raw), "")
}
