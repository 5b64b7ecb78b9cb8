package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/fleetmon/internal/service"
)

// Probe performs one active liveness check. A nil error means the service answered.
// Failures should be returned as *ProbeError.
type Probe interface {
	Probe(ctx context.Context, svc service.Service) (time.Duration, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, svc service.Service) (time.Duration, error)

func (f ProbeFunc) Probe(ctx context.Context, svc service.Service) (time.Duration, error) {
	return f(ctx, svc)
}

// ProbeError describes a failed probe. Unreachable is set when the endpoint could not
// be contacted at all, as opposed to answering with a failure.
type ProbeError struct {
	ServiceID   string
	Unreachable bool
	Err         error
}

func (e *ProbeError) Error() string {
	kind := "unhealthy"
	if e.Unreachable {
		kind = "unreachable"
	}
	return fmt.Sprintf("probe %s %s: %v", e.ServiceID, kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// transportError classifies a dial or request error. Timeouts count as unhealthy,
// everything else that prevents contact as unreachable.
func transportError(id string, err error) *ProbeError {
	var ne net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
	return &ProbeError{ServiceID: id, Unreachable: !timeout, Err: err}
}

// HTTPProbe issues a GET against the service endpoint. 2xx and 3xx answers are healthy.
type HTTPProbe struct {
	Client *http.Client
}

func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{Client: &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

func (p *HTTPProbe) Probe(ctx context.Context, svc service.Service) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.Endpoint, nil)
	if err != nil {
		return 0, &ProbeError{ServiceID: svc.ID, Unreachable: true, Err: err}
	}
	req.Header.Set("User-Agent", "fleetmon-prober")
	resp, err := client.Do(req)
	if err != nil {
		return time.Since(start), transportError(svc.ID, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	elapsed := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return elapsed, &ProbeError{ServiceID: svc.ID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return elapsed, nil
}

// TCPProbe succeeds when a TCP connection to the endpoint can be opened.
type TCPProbe struct {
	Dialer net.Dialer
}

func (p *TCPProbe) Probe(ctx context.Context, svc service.Service) (time.Duration, error) {
	addr, err := dialAddress(svc.Endpoint)
	if err != nil {
		return 0, &ProbeError{ServiceID: svc.ID, Unreachable: true, Err: err}
	}
	start := time.Now()
	conn, err := p.Dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, transportError(svc.ID, err)
	}
	_ = conn.Close()
	return elapsed, nil
}

// dialAddress accepts host:port or a URL and returns host:port.
func dialAddress(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return "", fmt.Errorf("tcp endpoint %q: %w", endpoint, err)
		}
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", fmt.Errorf("tcp endpoint %q: missing port", endpoint)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Multi dispatches to the probe matching the service's probe type.
type Multi struct {
	HTTP Probe
	TCP  Probe
}

func NewMulti() *Multi {
	return &Multi{HTTP: NewHTTPProbe(), TCP: &TCPProbe{}}
}

func (m *Multi) Probe(ctx context.Context, svc service.Service) (time.Duration, error) {
	var p Probe
	switch svc.EffectiveProbeType() {
	case service.ProbeHTTP:
		p = m.HTTP
	case service.ProbeTCP:
		p = m.TCP
	}
	if p == nil {
		return 0, &ProbeError{ServiceID: svc.ID, Unreachable: true, Err: fmt.Errorf("no %s probe configured", svc.EffectiveProbeType())}
	}
	return p.Probe(ctx, svc)
}
