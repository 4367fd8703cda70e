package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pkg/logger"
)

// Message is one rendered outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender is the transport beneath the mailer. SESv2 in production, a fake
// in tests.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders and sends the digest and its operational notices.
type Mailer struct {
	sender    Sender
	renderer  *Renderer
	fromEmail string
	recipient string
	reauthURL string
}

// New builds a Mailer over a transport.
func New(sender Sender, cfg config.MailerConfig, reauthURL string) (*Mailer, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Mailer{
		sender:    sender,
		renderer:  renderer,
		fromEmail: cfg.FromEmail,
		recipient: cfg.Recipient,
		reauthURL: reauthURL,
	}, nil
}

// FromEmail is the digest's own sending address, excluded from sender
// populations by the self-reference guard.
func (m *Mailer) FromEmail() string { return m.fromEmail }

// SendDigest renders and delivers one digest. An empty recipient falls back
// to the configured default.
func (m *Mailer) SendDigest(ctx context.Context, out digest.DigestOutput, recipient string) error {
	if recipient == "" {
		recipient = m.recipient
	}
	if recipient == "" {
		return fmt.Errorf("no digest recipient configured")
	}

	htmlBody, textBody, err := m.renderer.RenderDigest(out)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, Message{
		To:      recipient,
		Subject: out.Subject(),
		HTML:    htmlBody,
		Text:    textBody,
	}); err != nil {
		return fmt.Errorf("delivering digest: %w", err)
	}
	logger.Info("digest delivered", "recipient", recipient, "items", len(out.Summaries), "mode", string(out.Mode))
	return nil
}

// SendErrorNotice delivers the [ALERT] notification for a failed run. The
// failure detail travels as pretty-printed JSON in the body.
func (m *Mailer) SendErrorNotice(ctx context.Context, contextLabel string, runErr error) error {
	if m.recipient == "" {
		return fmt.Errorf("no notification recipient configured")
	}

	details, _ := json.MarshalIndent(map[string]interface{}{
		"error":     fmt.Sprintf("%v", runErr),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"context":   contextLabel,
	}, "", "  ")

	htmlBody, err := m.renderer.RenderError(contextLabel, fmt.Sprintf("%v", runErr), string(details))
	if err != nil {
		return err
	}
	return m.sender.Send(ctx, Message{
		To:      m.recipient,
		Subject: fmt.Sprintf("[ALERT] AI Digest Error: %s", contextLabel),
		HTML:    htmlBody,
	})
}

// SendReauthNotice asks the recipient to re-authorize mailbox access.
func (m *Mailer) SendReauthNotice(ctx context.Context) error {
	if m.recipient == "" {
		return fmt.Errorf("no notification recipient configured")
	}
	htmlBody, err := m.renderer.RenderReauth(m.reauthURL)
	if err != nil {
		return err
	}
	return m.sender.Send(ctx, Message{
		To:      m.recipient,
		Subject: "[ALERT] AI Digest Error: gmail authorization required",
		HTML:    htmlBody,
	})
}
