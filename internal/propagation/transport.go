package propagation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"
)

// Transport delivers envelopes to an aggregator.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	// Check reports whether the aggregator is currently reachable without sending an alert.
	Check(ctx context.Context) error
	Close() error
}

// HTTPTransport POSTs envelopes as JSON to the aggregator push URL.
type HTTPTransport struct {
	URL       string
	HealthURL string
	Client    *http.Client
}

// NewHTTPTransport derives the health URL from the push URL's origin unless one is given.
func NewHTTPTransport(pushURL, healthURL string) (*HTTPTransport, error) {
	u, err := url.Parse(pushURL)
	if err != nil {
		return nil, fmt.Errorf("aggregator url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("aggregator url %q: missing host", pushURL)
	}
	if healthURL == "" {
		healthURL = (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}).String()
	}
	return &HTTPTransport{URL: pushURL, HealthURL: healthURL, Client: &http.Client{}}, nil
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("aggregator responded %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator health responded %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Close() error { return nil }

// NATSTransport publishes envelopes on a subject. A send counts as delivered once
// the server has acknowledged the flush.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
}

// DialNATS connects in the background so an unreachable server does not block startup.
func DialNATS(rawURL, subject string, timeout time.Duration) (*NATSTransport, error) {
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	nc, err := nats.Connect(rawURL,
		nats.Name("fleetmon"),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSTransport{conn: nc, subject: subject}, nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(nc *nats.Conn, subject string) *NATSTransport {
	return &NATSTransport{conn: nc, subject: subject}
}

func (t *NATSTransport) Send(ctx context.Context, env Envelope) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("nats not connected (%s)", t.conn.Status())
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.conn.Publish(t.subject, body); err != nil {
		return err
	}
	return t.conn.FlushWithContext(ctx)
}

func (t *NATSTransport) Check(ctx context.Context) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("nats not connected (%s)", t.conn.Status())
	}
	return t.conn.FlushWithContext(ctx)
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}
