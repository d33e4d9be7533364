package insights

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/config"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
)

// Webhooks delivers raised insights to the configured targets. Delivery is
// asynchronous; errors are logged and counted but never reach the caller.
type Webhooks struct {
	client  *http.Client
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	targets []config.WebhookConfig
	wg      sync.WaitGroup
}

// NewWebhooks creates a notifier for targets.
func NewWebhooks(targets []config.WebhookConfig, m *telemetry.Metrics) *Webhooks {
	return &Webhooks{
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: m,
		targets: targets,
	}
}

// SetTargets replaces the delivery targets, e.g. after a config reload.
func (w *Webhooks) SetTargets(targets []config.WebhookConfig) {
	w.mu.Lock()
	w.targets = targets
	w.mu.Unlock()
}

// Notify implements Notifier.
func (w *Webhooks) Notify(in types.Insight) {
	w.mu.RLock()
	targets := w.targets
	w.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(targets, in)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (w *Webhooks) Wait() { w.wg.Wait() }

// deliver sends in to every target whose minimum severity it meets.
func (w *Webhooks) deliver(targets []config.WebhookConfig, in types.Insight) {
	for _, wh := range targets {
		if in.Severity.Rank() < minSeverity(wh).Rank() {
			continue
		}
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = w.sendSlack(url, in)
		case "teams":
			err = w.sendTeams(url, in)
		case "http":
			err = w.sendHTTP(url, in)
		default:
			slog.Warn("insights: unknown webhook type, skipping", "type", wh.Type)
			continue
		}
		w.metrics.Webhook(wh.Type, err)

		if err != nil {
			slog.Error("insights: webhook delivery failed", "type", wh.Type, "insight", in.ID, "err", err)
		} else {
			slog.Debug("insights: webhook delivered", "type", wh.Type, "insight", in.ID)
		}
	}
}

func minSeverity(wh config.WebhookConfig) types.Severity {
	if wh.MinSeverity == "" {
		return types.SeverityHigh
	}
	return types.Severity(wh.MinSeverity)
}

func (w *Webhooks) sendSlack(url string, in types.Insight) error {
	text := fmt.Sprintf("*%s* %s: %s\n_%s_", severityLabel(in.Severity), in.Title, in.Message, in.Recommendation)
	body, _ := json.Marshal(map[string]string{"text": text})
	return w.post(url, body)
}

func (w *Webhooks) sendTeams(url string, in types.Insight) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(in.Severity),
		"summary":    in.Title,
		"title":      fmt.Sprintf("pipewatch: %s", in.Title),
		"text":       in.Message + "\n\n" + in.Recommendation,
	}
	body, _ := json.Marshal(payload)
	return w.post(url, body)
}

func (w *Webhooks) sendHTTP(url string, in types.Insight) error {
	body, _ := json.Marshal(map[string]interface{}{"insight": in})
	return w.post(url, body)
}

func (w *Webhooks) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "[CRITICAL]"
	case types.SeverityHigh:
		return "[HIGH]"
	case types.SeverityMedium:
		return "[MEDIUM]"
	default:
		return "[INFO]"
	}
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "FF4F6A"
	case types.SeverityHigh, types.SeverityMedium:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
