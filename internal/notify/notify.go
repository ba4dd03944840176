package notify

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/scan"
)

type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Sender delivers a digest message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

func NewSender(cfg config.NotifyConfig) (Sender, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("notify: no recipient configured")
	}
	if cfg.SMTP.Host == "" {
		return nil, fmt.Errorf("notify.smtp: host is required")
	}
	return NewSMTPSender(cfg.SMTP), nil
}

// Digest builds the message mailed after a scan. body is the rendered
// text report.
func Digest(cfg config.NotifyConfig, s scan.Summary, body string) Message {
	var subject string
	switch n := len(s.Opportunities); n {
	case 0:
		subject = "Trainalyze: no unclaimed delays"
	case 1:
		subject = fmt.Sprintf("Trainalyze: 1 unclaimed delay, £%.2f claimable", s.TotalPotential)
	default:
		subject = fmt.Sprintf("Trainalyze: %d unclaimed delays, £%.2f claimable", n, s.TotalPotential)
	}
	return Message{
		To:      cfg.To,
		From:    cfg.From,
		Subject: subject,
		Body:    body,
	}
}

// ValidateAddress rejects header injection characters and anything that is
// not a single RFC 5322 address.
func ValidateAddress(addr string) error {
	if strings.ContainsAny(addr, "\r\n,;") {
		return fmt.Errorf("address contains invalid characters")
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateAddress(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateAddress(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	return nil
}
