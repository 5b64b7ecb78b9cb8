package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/history"
)

// Sink indexes alert events as flat documents. Each event gets the id
// "<alert id>-<event>", so a resend overwrites instead of duplicating.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	user     string
	password string
}

type Option func(*Sink)

func WithBasicAuth(user, password string) Option {
	return func(s *Sink) { s.user, s.password = user, password }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type document struct {
	Timestamp    time.Time `json:"@timestamp"`
	Event        string    `json:"event"`
	AlertID      string    `json:"alert_id"`
	Severity     string    `json:"severity"`
	Category     string    `json:"category"`
	Message      string    `json:"message"`
	ServiceID    string    `json:"service_id"`
	ServiceName  string    `json:"service_name"`
	Environment  string    `json:"environment,omitempty"`
	Location     string    `json:"location,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Acknowledged bool      `json:"acknowledged"`
}

func (s *Sink) Send(ctx context.Context, e alert.Event) error {
	r := history.RowOf(e)
	body, err := json.Marshal(document{
		Timestamp:    r.OccurredAt,
		Event:        r.Event,
		AlertID:      r.AlertID,
		Severity:     r.Severity,
		Category:     r.Category,
		Message:      r.Message,
		ServiceID:    r.ServiceID,
		ServiceName:  r.ServiceName,
		Environment:  r.Environment,
		Location:     r.Location,
		CreatedAt:    r.CreatedAt,
		Acknowledged: r.Acknowledged,
	})
	if err != nil {
		return err
	}

	method, target := http.MethodPost, s.baseURL+"/"+url.PathEscape(s.index)+"/_doc"
	if r.AlertID != "" {
		method, target = http.MethodPut, target+"/"+url.PathEscape(r.AlertID+"-"+r.Event)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
