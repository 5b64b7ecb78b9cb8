package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

// ErrNoData is returned by a source that has nothing to report for a service.
var ErrNoData = errors.New("no sample available")

// Source produces one performance sample for a service.
type Source interface {
	Sample(ctx context.Context, svc service.Service) (service.Sample, error)
}

// FuncSource adapts a function to Source.
type FuncSource func(ctx context.Context, svc service.Service) (service.Sample, error)

func (f FuncSource) Sample(ctx context.Context, svc service.Service) (service.Sample, error) {
	return f(ctx, svc)
}

// ProcessSource reads CPU and memory usage of the local process the supervisor
// reports for a service. Request counts are not observable this way and stay 0.
type ProcessSource struct {
	PIDs supervisor.PIDLookup

	mu    sync.Mutex
	procs map[string]*process.Process
}

func NewProcessSource(pids supervisor.PIDLookup) *ProcessSource {
	return &ProcessSource{PIDs: pids, procs: make(map[string]*process.Process)}
}

// handle keeps one gopsutil handle per service so CPU percent is measured
// between consecutive samples rather than over the whole process lifetime.
func (s *ProcessSource) handle(ctx context.Context, id string, pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok && p.Pid == pid {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		delete(s.procs, id)
		return nil, fmt.Errorf("process handle for pid %d: %w", pid, err)
	}
	s.procs[id] = p
	return p, nil
}

func (s *ProcessSource) Sample(ctx context.Context, svc service.Service) (service.Sample, error) {
	if s.PIDs == nil {
		return service.Sample{}, ErrNoData
	}
	pid, ok := s.PIDs.PIDOf(svc.ID)
	if !ok || pid <= 0 {
		return service.Sample{}, ErrNoData
	}
	p, err := s.handle(ctx, svc.ID, pid)
	if err != nil {
		return service.Sample{}, err
	}
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryPercentWithContext(ctx)
	if err != nil {
		return service.Sample{}, fmt.Errorf("memory percent for pid %d: %w", pid, err)
	}
	return service.Sample{CPUPct: cpu, MemPct: float64(mem), Timestamp: time.Now()}, nil
}

// Forget drops the cached process handle of a service.
func (s *ProcessSource) Forget(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// HTTPSource reads a JSON stats document served next to the service endpoint:
// {"cpu": 12.5, "memory": 40.1, "requests": 1234}.
type HTTPSource struct {
	Path   string
	Client *http.Client
}

type statsDoc struct {
	CPU      float64 `json:"cpu"`
	Memory   float64 `json:"memory"`
	Requests int64   `json:"requests"`
}

func NewHTTPSource(path string) *HTTPSource {
	if path == "" {
		path = "/stats"
	}
	return &HTTPSource{Path: path, Client: &http.Client{}}
}

func (s *HTTPSource) statsURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		return "", ErrNoData
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrNoData
	}
	u.Path = s.Path
	u.RawQuery = ""
	return u.String(), nil
}

func (s *HTTPSource) Sample(ctx context.Context, svc service.Service) (service.Sample, error) {
	target, err := s.statsURL(svc.Endpoint)
	if err != nil {
		return service.Sample{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return service.Sample{}, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return service.Sample{}, fmt.Errorf("stats request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return service.Sample{}, fmt.Errorf("stats status %d", resp.StatusCode)
	}
	var doc statsDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return service.Sample{}, fmt.Errorf("decode stats: %w", err)
	}
	return service.Sample{CPUPct: doc.CPU, MemPct: doc.Memory, RequestCount: doc.Requests, Timestamp: time.Now()}, nil
}

// Fallback tries each source in order and returns the first sample produced.
type Fallback []Source

func (f Fallback) Sample(ctx context.Context, svc service.Service) (service.Sample, error) {
	errs := make([]error, 0, len(f))
	for _, src := range f {
		s, err := src.Sample(ctx, svc)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNoData) {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return service.Sample{}, ErrNoData
	}
	return service.Sample{}, errors.Join(errs...)
}

// Forget passes a deregistration on to sources that cache per-service state.
func (f Fallback) Forget(id string) {
	for _, src := range f {
		if fg, ok := src.(interface{ Forget(string) }); ok {
			fg.Forget(id)
		}
	}
}
