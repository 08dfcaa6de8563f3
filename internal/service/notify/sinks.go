package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/retry"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/ws"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/crypto"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Pipeline-Signature"

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(_ context.Context, n domain.Notification) error {
	l.Logger.Info("deploy notification", "type", n.Type, "site_id", n.SiteID, "build_id", n.BuildID, "status", n.Status, "error_message", n.ErrorMessage)
	return nil
}

// WebhookSink posts signed JSON to an HTTP endpoint.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookSink returns a sink posting to url. An empty secret sends unsigned requests.
func NewWebhookSink(url, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, secret: []byte(secret), client: client}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return &retry.Permanent{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return &retry.Permanent{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pipeline-Event", string(n.Type))
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+crypto.SignHex(w.secret, payload))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook responded %s", resp.Status)
	case resp.StatusCode >= 400:
		return &retry.Permanent{Err: fmt.Errorf("webhook rejected notification: %s", resp.Status)}
	}
	return nil
}

// NATSSink publishes notifications to a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("codeflow-api"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(_ context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return &retry.Permanent{Err: err}
	}
	subject := s.subject + "." + string(n.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}

// HubSink broadcasts notifications to live clients watching a site.
type HubSink struct {
	Hub *ws.Hub
}

// SiteTopic is the hub topic carrying a site's deploy events.
func SiteTopic(siteID string) string {
	return "site:" + siteID
}

func (HubSink) Name() string { return "hub" }

func (h HubSink) Deliver(_ context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return &retry.Permanent{Err: err}
	}
	h.Hub.Broadcast(SiteTopic(n.SiteID), data)
	return nil
}
