// Package notify delivers connection-health notifications through webhooks
// and email.
package notify

import (
	"sync"
	"time"

	"github.com/sandipnd/satori-video-bot/internal/rtm"
	"github.com/sandipnd/satori-video-bot/internal/util"
)

// Config contains all notification settings. Unconfigured targets are
// silently skipped.
type Config struct {
	WebhookURL string      `json:"webhook_url,omitempty"`
	Email      EmailConfig `json:"email,omitempty"`
}

// EmailConfig contains SMTP server settings for email notifications.
type EmailConfig struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	FromName   string `json:"from_name,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Recipients string `json:"recipients,omitempty"`
}

// ConnectionNotifier reports when the RTM connection is lost and when it
// recovers. It tracks which notifications went out for the current outage so
// a flapping connection does not flood the targets, and only sends recovery
// notices for outages that were announced.
//
// It implements the connection-events hook of the resilient client; both
// callbacks run on the reactor goroutine, so senders are spawned on their
// own goroutines.
type ConnectionNotifier struct {
	cfg Config

	// mu protects the notification state below
	mu sync.Mutex

	lostAt      time.Time
	webhookSent bool
	emailSent   bool
}

// NewConnectionNotifier returns a notifier with the given settings.
func NewConnectionNotifier(cfg Config) *ConnectionNotifier {
	return &ConnectionNotifier{cfg: cfg}
}

// ConnectionLost records the outage and triggers loss notifications once per
// outage.
func (n *ConnectionNotifier) ConnectionLost(kind rtm.ErrorKind) {
	reason := kind.Error()

	n.mu.Lock()
	if n.lostAt.IsZero() {
		n.lostAt = time.Now()
	}
	sendWebhookNow := !n.webhookSent && n.cfg.WebhookURL != ""
	sendEmailNow := !n.emailSent && n.cfg.Email.configured()
	n.webhookSent = n.webhookSent || sendWebhookNow
	n.emailSent = n.emailSent || sendEmailNow
	n.mu.Unlock()

	if sendWebhookNow {
		go util.LogNotifyResult(
			func() error { return SendConnectionLostWebhook(n.cfg.WebhookURL, reason) },
			"connection-lost webhook", true,
		)
	}
	if sendEmailNow {
		go util.LogNotifyResult(
			func() error { return SendConnectionLostAlert(&n.cfg.Email, reason) },
			"connection-lost email", true,
		)
	}
}

// ConnectionRestored triggers recovery notifications matching the ones sent
// for the outage, then resets for the next outage.
func (n *ConnectionNotifier) ConnectionRestored() {
	n.mu.Lock()
	outage := time.Duration(0)
	if !n.lostAt.IsZero() {
		outage = time.Since(n.lostAt)
	}
	sendWebhookNow := n.webhookSent
	sendEmailNow := n.emailSent
	n.lostAt = time.Time{}
	n.webhookSent = false
	n.emailSent = false
	n.mu.Unlock()

	if sendWebhookNow {
		go util.LogNotifyResult(
			func() error { return SendConnectionRestoredWebhook(n.cfg.WebhookURL, outage) },
			"connection-restored webhook", true,
		)
	}
	if sendEmailNow {
		go util.LogNotifyResult(
			func() error { return SendConnectionRestoredAlert(&n.cfg.Email, outage) },
			"connection-restored email", true,
		)
	}
}

func (c *EmailConfig) configured() bool {
	return util.IsConfigured(c.Host, c.Username, c.Recipients)
}
