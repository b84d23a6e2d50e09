// Package notify delivers operator alerts. Delivery is best-effort: a failed
// notification never fails the operation that raised it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityAlert Severity = "alert"
)

// Notifier receives operator notifications.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, title, detail string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier builds the default sink.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.GetDefault().Component("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, severity Severity, title, detail string) {
	switch severity {
	case SeverityAlert:
		n.log.Error(title, "detail", detail)
	case SeverityWarn:
		n.log.Warn(title, "detail", detail)
	default:
		n.log.Info(title, "detail", detail)
	}
}

// WebhookNotifier POSTs notifications to an operator webhook and logs them
// locally. Webhook failures are swallowed after logging.
type WebhookNotifier struct {
	url  string
	http *http.Client
	log  *logging.Logger
}

// NewWebhookNotifier builds a webhook sink.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logging.GetDefault().Component("notify"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, severity Severity, title, detail string) {
	n.log.Info("Operator notification", "severity", severity, "title", title, "detail", detail)

	body, err := json.Marshal(map[string]string{
		"severity": string(severity),
		"title":    title,
		"detail":   detail,
		"at":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Warn("Notification webhook failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("Notification webhook rejected", "status", resp.StatusCode)
	}
}
