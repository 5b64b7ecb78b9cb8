package fleetmon

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/broadcast"
	cfg "github.com/loykin/fleetmon/internal/config"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/monitor"
	"github.com/loykin/fleetmon/internal/prober"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/sampler"
	iapi "github.com/loykin/fleetmon/internal/server"
	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	ServiceSpec = service.Spec
	Service     = service.Snapshot
	ServiceInfo = service.Service
	Sample      = service.Sample
	Alert       = alert.Alert
	AlertFilter = alert.Filter
	AlertCounts = alert.Counts
	Severity    = alert.Severity
	Thresholds  = alert.Thresholds
	Snapshot    = broadcast.Snapshot
	Delta       = broadcast.Delta
	Config      = cfg.Config

	MonitorConfig = monitor.Config
	Option        = monitor.Option

	Probe        = prober.Probe
	ProbeFunc    = prober.ProbeFunc
	Source       = sampler.Source
	FuncSource   = sampler.FuncSource
	Supervisor   = supervisor.Supervisor
	Subscription = broadcast.Subscription
)

const (
	SeverityCritical = alert.SeverityCritical
	SeverityWarning  = alert.SeverityWarning
	SeverityInfo     = alert.SeverityInfo
)

var (
	ErrServiceNotFound = registry.ErrNotFound
	ErrAlertNotFound   = alert.ErrNotFound
)

var (
	WithLogger     = monitor.WithLogger
	WithProbe      = monitor.WithProbe
	WithSource     = monitor.WithSource
	WithSupervisor = monitor.WithSupervisor
)

// Monitor is a thin facade over internal/monitor for embedding.
type Monitor struct{ inner *monitor.Monitor }

func New(c MonitorConfig, opts ...Option) *Monitor { return &Monitor{inner: monitor.New(c, opts...)} }

// NewFromConfig builds a monitor from a loaded config file, collaborators included.
func NewFromConfig(c *Config, logger *slog.Logger) (*Monitor, error) {
	m, err := monitor.FromConfig(c, logger)
	if err != nil {
		return nil, err
	}
	return &Monitor{inner: m}, nil
}

func (m *Monitor) Register(s ServiceSpec) (Service, error) { return m.inner.Register(s) }
func (m *Monitor) Deregister(id string) bool               { return m.inner.Deregister(id) }
func (m *Monitor) Get(id string) (Service, bool)           { return m.inner.Get(id) }
func (m *Monitor) List() []Service                         { return m.inner.List() }
func (m *Monitor) ProbeNow(ctx context.Context, id string) (Service, error) {
	return m.inner.ProbeNow(ctx, id)
}
func (m *Monitor) Alerts(f AlertFilter) []Alert         { return m.inner.Alerts(f) }
func (m *Monitor) Acknowledge(id string) (Alert, error) { return m.inner.Acknowledge(id) }
func (m *Monitor) AlertCounts() AlertCounts             { return m.inner.AlertCounts() }
func (m *Monitor) Snapshot() Snapshot                   { return m.inner.Snapshot() }
func (m *Monitor) Subscribe(buffer int) *Subscription   { return m.inner.Subscribe(buffer) }
func (m *Monitor) Recovery() <-chan string              { return m.inner.Recovery() }
func (m *Monitor) Run(ctx context.Context) error        { return m.inner.Run(ctx) }
func (m *Monitor) Close() error                         { return m.inner.Close() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Handler exposes the monitor's HTTP API under basePath.
func (m *Monitor) Handler(basePath string) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPServer wraps the monitor's API in an http.Server. The caller starts it.
func NewHTTPServer(addr, basePath string, m *Monitor) *http.Server {
	return iapi.NewServer(addr, m.Handler(basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
