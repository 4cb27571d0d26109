package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sandipnd/satori-video-bot/internal/util"
)

const webhookTimeout = 10 * time.Second

// SendConnectionLostWebhook sends a POST request when the RTM connection is
// lost.
func SendConnectionLostWebhook(webhookURL, reason string) error {
	return sendWebhook(webhookURL, map[string]any{
		"event":     "connection_lost",
		"reason":    reason,
		"timestamp": util.RFC3339Now(),
	})
}

// SendConnectionRestoredWebhook sends a POST request when the RTM connection
// recovers.
func SendConnectionRestoredWebhook(webhookURL string, outage time.Duration) error {
	return sendWebhook(webhookURL, map[string]any{
		"event":          "connection_restored",
		"outage_seconds": outage.Seconds(),
		"timestamp":      util.RFC3339Now(),
	})
}

// sendWebhook sends a POST request with JSON payload to the webhook URL.
func sendWebhook(webhookURL string, payload map[string]any) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal webhook payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return util.WrapError("send webhook", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
