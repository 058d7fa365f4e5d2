package digest

import (
	"context"
	"fmt"

	mail "gopkg.in/mail.v2"
)

// AddressResolver maps an owner id to a channel-specific address
// (an email address, a Telegram chat id, ...).
type AddressResolver interface {
	Resolve(ownerID string) (string, error)
}

// AddressMap is a static AddressResolver.
type AddressMap map[string]string

func (m AddressMap) Resolve(ownerID string) (string, error) {
	addr, ok := m[ownerID]
	if !ok {
		return "", fmt.Errorf("no address for owner %q", ownerID)
	}
	return addr, nil
}

// EmailNotifier sends digests over SMTP.
type EmailNotifier struct {
	dialer  *mail.Dialer
	from    string
	resolve AddressResolver
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewEmailNotifier(cfg EmailConfig, resolve AddressResolver) *EmailNotifier {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	return &EmailNotifier{dialer: d, from: cfg.From, resolve: resolve}
}

func (n *EmailNotifier) Deliver(ctx context.Context, d Digest) error {
	to, err := n.resolve.Resolve(d.OwnerID)
	if err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", n.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Your digest for %s", d.OccurrenceAt.Format("Mon, Jan 2")))
	msg.SetBody("text/plain", d.Payload)

	// mail.v2 has no context-aware send; honor cancellation up front.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	return nil
}
