// Package inbound forwards messages received by linked devices to the orchestrator webhook.
package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/massender/waworker/internal/bus"
	"github.com/massender/waworker/internal/phone"
)

const (
	webhookPath    = "/wa/inbound"
	postTimeout    = 10 * time.Second
	headerKey      = "X-Worker-Key"
	headerEventID  = "X-Event-ID"
	maxErrBodyRead = 512

	// millisecond precision, UTC
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Payload is the webhook body.
type Payload struct {
	SessionID    string `json:"session_id"`
	ContactPhone string `json:"contact_phone"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
}

// Forwarder drains inbound messages from the bus and posts them to {base}/wa/inbound.
// Delivery is best effort: one attempt per message, failures are logged and dropped.
type Forwarder struct {
	endpoint string
	apiKey   string
	client   *http.Client
	bus      *bus.MessageBus
	wg       conc.WaitGroup
}

// NewForwarder creates a forwarder. Forwarding is disabled when baseURL or apiKey is empty.
func NewForwarder(baseURL, apiKey string, b *bus.MessageBus) *Forwarder {
	f := &Forwarder{
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: postTimeout},
		bus:    b,
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		f.endpoint = base + webhookPath
	}
	return f
}

// Enabled reports whether messages are posted anywhere.
func (f *Forwarder) Enabled() bool {
	return f.endpoint != "" && f.apiKey != ""
}

// Run consumes the bus until ctx is cancelled, then waits for in-flight posts.
// This should be run as a goroutine.
func (f *Forwarder) Run(ctx context.Context) {
	if f.Enabled() {
		slog.Info("Inbound forwarder started", "endpoint", f.endpoint)
	} else {
		slog.Info("Inbound forwarding disabled (API_BASE_URL or WORKER_API_KEY not set)")
	}
	defer f.wg.Wait()

	for {
		msg, err := f.bus.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		f.Handle(msg)
	}
}

// Handle posts msg in its own goroutine unless it is filtered out.
// It reports whether a post was started.
func (f *Forwarder) Handle(msg *bus.InboundMessage) bool {
	if !f.Enabled() || msg == nil || msg.FromMe {
		return false
	}
	contact, ok := phone.FromChatID(msg.From)
	if !ok {
		slog.Debug("Skipping inbound message from non-direct chat", "session_id", msg.SessionID, "from", msg.From)
		return false
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := Payload{
		SessionID:    msg.SessionID,
		ContactPhone: contact,
		Message:      msg.Body,
		Timestamp:    ts.UTC().Format(timestampLayout),
	}

	f.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if err := f.post(ctx, msg.EventID, payload); err != nil {
			slog.Warn("Inbound webhook failed", "session_id", payload.SessionID, "event_id", msg.EventID, "error", err)
			return
		}
		slog.Debug("Inbound webhook delivered", "session_id", payload.SessionID, "event_id", msg.EventID)
	})
	return true
}

// Wait blocks until every started post has finished.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

func (f *Forwarder) post(ctx context.Context, eventID string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerKey, f.apiKey)
	if eventID != "" {
		req.Header.Set(headerEventID, eventID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyRead))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
