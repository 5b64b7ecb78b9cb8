package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Supervisor reports whether the process behind a managed service is running.
// The monitor never starts or stops anything itself.
type Supervisor interface {
	IsRunning(serviceID string) bool
}

// PIDLookup is implemented by supervisors that can name the local process of a service.
type PIDLookup interface {
	PIDOf(serviceID string) (int32, bool)
}

// AlwaysRunning treats every registered service as running.
type AlwaysRunning struct{}

func (AlwaysRunning) IsRunning(string) bool { return true }

// Static is an in-memory supervisor whose state is set by the embedding program.
type Static struct {
	mu      sync.RWMutex
	running map[string]bool
	pids    map[string]int32
}

func NewStatic() *Static {
	return &Static{running: make(map[string]bool), pids: make(map[string]int32)}
}

// Set records the run state and pid (0 when unknown) of a service.
func (s *Static) Set(serviceID string, running bool, pid int32) {
	s.mu.Lock()
	s.running[serviceID] = running
	if pid > 0 {
		s.pids[serviceID] = pid
	} else {
		delete(s.pids, serviceID)
	}
	s.mu.Unlock()
}

func (s *Static) IsRunning(serviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[serviceID]
}

func (s *Static) PIDOf(serviceID string) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.pids[serviceID]
	return pid, ok
}

// ProvisrHTTP asks a provisr daemon for process status over its HTTP API
// (GET {base}/status?name=...). Services map to process names through Names,
// falling back to the service id.
type ProvisrHTTP struct {
	BaseURL string
	Names   map[string]string
	Client  *http.Client
	Logger  *slog.Logger
}

type processStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
	State   string `json:"state"`
}

func NewProvisrHTTP(baseURL string, timeout time.Duration) *ProvisrHTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProvisrHTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Logger:  slog.Default(),
	}
}

func (p *ProvisrHTTP) processName(serviceID string) string {
	if n, ok := p.Names[serviceID]; ok && n != "" {
		return n
	}
	return serviceID
}

func (p *ProvisrHTTP) status(ctx context.Context, serviceID string) (processStatus, error) {
	var st processStatus
	u := fmt.Sprintf("%s/status?name=%s", p.BaseURL, url.QueryEscape(p.processName(serviceID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return st, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return st, fmt.Errorf("supervisor request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("supervisor status %d for %s", resp.StatusCode, serviceID)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode supervisor status: %w", err)
	}
	return st, nil
}

// IsRunning returns false when the daemon cannot be asked.
func (p *ProvisrHTTP) IsRunning(serviceID string) bool {
	st, err := p.status(context.Background(), serviceID)
	if err != nil {
		p.logger().Debug("supervisor status failed", "service", serviceID, "error", err)
		return false
	}
	return st.Running
}

func (p *ProvisrHTTP) PIDOf(serviceID string) (int32, bool) {
	st, err := p.status(context.Background(), serviceID)
	if err != nil || !st.Running || st.PID <= 0 {
		return 0, false
	}
	return int32(st.PID), true
}

func (p *ProvisrHTTP) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
