package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/metrics"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultSubject        = "fleetmon.alerts"
)

// DefaultSource names this node when neither config nor the OS provide a hostname.
const DefaultSource = "fleetmon"

var hostname = os.Hostname

// ErrDisabled is returned when no aggregator is configured.
var ErrDisabled = errors.New("propagation disabled")

// Envelope is the document pushed to the aggregator for each new alert.
type Envelope struct {
	Alert      alert.Alert `json:"alert"`
	Source     string      `json:"source"`
	SourcePort int         `json:"sourcePort"`
	Timestamp  time.Time   `json:"timestamp"`
}

// PropagationError wraps a failed push or health check. The alert it concerns
// stays in the local store.
type PropagationError struct {
	Op      string
	AlertID string
	Err     error
}

func (e *PropagationError) Error() string {
	if e.AlertID != "" {
		return fmt.Sprintf("propagation %s of alert %s: %v", e.Op, e.AlertID, e.Err)
	}
	return fmt.Sprintf("propagation %s: %v", e.Op, e.Err)
}

func (e *PropagationError) Unwrap() error { return e.Err }

type Config struct {
	URL        string
	HealthURL  string
	Subject    string
	Timeout    time.Duration
	Source     string
	SourcePort int
}

// Client forwards alerts to the aggregator at most once each and tracks
// whether the aggregator was reachable on the last contact.
type Client struct {
	transport  Transport
	timeout    time.Duration
	source     string
	sourcePort int
	logger     *slog.Logger
	now        func() time.Time

	reachable atomic.Bool
	wg        sync.WaitGroup

	hooksMu sync.RWMutex
	hooks   []func(bool)
}

// New builds a client over t. A nil transport yields a disabled client.
func New(t Transport, cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Source == "" {
		if h, err := hostname(); err == nil {
			cfg.Source = h
		}
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport:  t,
		timeout:    cfg.Timeout,
		source:     cfg.Source,
		sourcePort: cfg.SourcePort,
		logger:     logger,
		now:        time.Now,
	}
}

// NewFromConfig picks a transport from the URL scheme: http(s) or nats.
// An empty URL disables propagation.
func NewFromConfig(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return New(nil, cfg, logger), nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("aggregator url: %w", err)
	}
	var t Transport
	switch u.Scheme {
	case "http", "https":
		t, err = NewHTTPTransport(cfg.URL, cfg.HealthURL)
	case "nats", "tls":
		subject := cfg.Subject
		if subject == "" {
			subject = DefaultSubject
		}
		t, err = DialNATS(cfg.URL, subject, cfg.Timeout)
	default:
		return nil, fmt.Errorf("aggregator url: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return New(t, cfg, logger), nil
}

func (c *Client) Enabled() bool { return c.transport != nil }

// Reachable reports the outcome of the most recent push or health check.
// It is false until the first successful contact.
func (c *Client) Reachable() bool { return c.reachable.Load() }

// OnChange registers fn to be called whenever the reachable flag flips.
func (c *Client) OnChange(fn func(reachable bool)) {
	if fn == nil {
		return
	}
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

func (c *Client) setReachable(v bool) {
	metrics.SetAggregatorReachable(v)
	if c.reachable.Swap(v) == v {
		return
	}
	c.logger.Info("aggregator reachability changed", "reachable", v)
	c.hooksMu.RLock()
	hooks := slices.Clone(c.hooks)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(v)
	}
}

// Forward makes exactly one attempt to deliver a. There is no retry and no queue.
func (c *Client) Forward(ctx context.Context, a alert.Alert) error {
	if c.transport == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	env := Envelope{Alert: a, Source: c.source, SourcePort: c.sourcePort, Timestamp: c.now()}
	if err := c.transport.Send(ctx, env); err != nil {
		metrics.IncPropagation("failure")
		c.setReachable(false)
		perr := &PropagationError{Op: "push", AlertID: a.ID, Err: err}
		c.logger.Warn("alert propagation failed", "alert", a.ID, "service", a.ServiceID, "error", err)
		return perr
	}
	metrics.IncPropagation("success")
	c.setReachable(true)
	return nil
}

// CheckHealth probes the aggregator without sending an alert and updates the flag.
func (c *Client) CheckHealth(ctx context.Context) error {
	if c.transport == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.transport.Check(ctx); err != nil {
		c.setReachable(false)
		c.logger.Debug("aggregator health check failed", "error", err)
		return &PropagationError{Op: "health", Err: err}
	}
	c.setReachable(true)
	return nil
}

// OnAlertEvent forwards newly created alerts in the background.
func (c *Client) OnAlertEvent(ev alert.Event) {
	if ev.Type != alert.EventCreated || c.transport == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Forward(context.Background(), ev.Alert)
	}()
}

// Wait blocks until background forwards have finished.
func (c *Client) Wait() { c.wg.Wait() }

// Close waits for in-flight forwards and releases the transport.
func (c *Client) Close() error {
	c.wg.Wait()
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
