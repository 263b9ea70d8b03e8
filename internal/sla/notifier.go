package sla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TemplateEscalation is the template name sent with escalation notices.
const TemplateEscalation = "assignment_escalated"

// Notifier delivers a notice to a user. Template content is owned by the
// receiving service.
type Notifier interface {
	Notify(ctx context.Context, recipient, template string, data map[string]any) error
}

// Message is the payload posted to the notification service.
type Message struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data"`
}

// LogNotifier writes notices to the log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Notify(_ context.Context, recipient, template string, data map[string]any) error {
	n.log.Info("Notification", "recipient", recipient, "template", template, "data", data)
	return nil
}

// HTTPNotifier posts a Message to <baseURL>/notify.
type HTTPNotifier struct {
	endpoint string
	channel  string
	client   *http.Client
}

// NewHTTPNotifier returns an HTTPNotifier. channel defaults to "email".
func NewHTTPNotifier(baseURL, channel string, timeout time.Duration) *HTTPNotifier {
	if channel == "" {
		channel = "email"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{
		endpoint: strings.TrimRight(baseURL, "/") + "/notify",
		channel:  channel,
		client:   &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, recipient, template string, data map[string]any) error {
	body, err := json.Marshal(Message{Channel: n.channel, Recipient: recipient, Template: template, Data: data})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: status %d", resp.StatusCode)
	}
	return nil
}

// MemoryNotifier records notices for inspection.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (m *MemoryNotifier) Notify(_ context.Context, recipient, template string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, Message{Recipient: recipient, Template: template, Data: data})
	return nil
}

// Messages returns a copy of the notices seen so far.
func (m *MemoryNotifier) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
