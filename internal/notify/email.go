package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/sandipnd/satori-video-bot/internal/util"
)

// SendConnectionLostAlert sends an email notification when the RTM
// connection is lost.
func SendConnectionLostAlert(cfg *EmailConfig, reason string) error {
	if !cfg.configured() {
		return nil // Silently skip if not configured
	}

	subject := "[ALERT] RTM Connection Lost - Video Bot"
	body := fmt.Sprintf(
		"The bot lost its RTM connection.\n\n"+
			"Reason: %s\n"+
			"Time:   %s\n\n"+
			"The bot keeps reconnecting on its own; frames published during the outage are lost.",
		reason, util.RFC3339Now(),
	)

	return sendEmail(cfg, subject, body)
}

// SendConnectionRestoredAlert sends an email notification when the RTM
// connection recovers.
func SendConnectionRestoredAlert(cfg *EmailConfig, outage time.Duration) error {
	if !cfg.configured() {
		return nil // Silently skip if not configured
	}

	subject := "[OK] RTM Connection Restored - Video Bot"
	body := fmt.Sprintf(
		"The bot reconnected and restored its subscriptions.\n\n"+
			"Outage lasted: %.1f seconds\n"+
			"Time:          %s",
		outage.Seconds(), util.RFC3339Now(),
	)

	return sendEmail(cfg, subject, body)
}

// sendEmail delivers an email message to the configured recipients.
func sendEmail(cfg *EmailConfig, subject, body string) error {
	var recipients []string
	for _, r := range strings.Split(cfg.Recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	m := mail.NewMsg()
	if cfg.FromName != "" {
		if err := m.FromFormat(cfg.FromName, cfg.Username); err != nil {
			return util.WrapError("set from address", err)
		}
	} else {
		if err := m.From(cfg.Username); err != nil {
			return util.WrapError("set from address", err)
		}
	}
	if err := m.To(recipients...); err != nil {
		return util.WrapError("set recipient address", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	// Build client options with port-appropriate TLS settings
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}

	switch cfg.Port {
	case 465: // SMTPS - implicit TLS
		opts = append(opts, mail.WithSSL())
	case 587: // Submission - STARTTLS required
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default: // Port 25 or custom - opportunistic TLS
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return util.WrapError("create mail client", err)
	}

	return client.DialAndSend(m)
}
