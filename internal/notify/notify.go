// Package notify delivers best-effort events to an external listener.
// Delivery failures are swallowed: workflow correctness never depends on a
// notification landing.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"swarmpost/internal/logging"

	"go.uber.org/zap"
)

// Event names emitted by the workflow engine and scheduler.
const (
	EventBatchStart    = "batch_start"
	EventBatchComplete = "batch_complete"
)

// Sink receives named events with a payload.
type Sink interface {
	Emit(event string, payload map[string]interface{})
}

// NopSink discards everything. The default when no sink is configured.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(string, map[string]interface{}) {}

// LogSink writes events to the zap logger.
type LogSink struct {
	Logger *zap.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(event string, payload map[string]interface{}) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info("notification", zap.String("event", event), zap.Any("payload", payload))
}

// WebhookSink POSTs events as JSON to a fixed URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink returns a webhook sink with a short timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Emit implements Sink. Errors are logged and dropped.
func (s *WebhookSink) Emit(event string, payload map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"event":   event,
		"payload": payload,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	resp, err := s.Client.Post(s.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Notify("webhook %s failed: %v", event, err)
		return
	}
	resp.Body.Close()
	logging.Notify("webhook %s delivered (%d)", event, resp.StatusCode)
}
