package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/broadcast"
	"github.com/loykin/fleetmon/internal/history"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/prober"
	"github.com/loykin/fleetmon/internal/propagation"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/sampler"
	"github.com/loykin/fleetmon/internal/scheduler"
	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

const DefaultPruneInterval = 5 * time.Second

// Config holds the periods, thresholds and bounds the monitor runs with.
// Zero durations and sizes fall back to package defaults.
type Config struct {
	Thresholds alert.Thresholds
	Limits     alert.Limits
	Retention  time.Duration

	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	SampleInterval    time.Duration
	SampleTimeout     time.Duration
	SampleConcurrency int
	PruneInterval     time.Duration
	HealthInterval    time.Duration
	RecoveryThreshold float64
	DedupWindow       time.Duration

	BroadcastBuffer int
	NATSSubject     string
}

func (c *Config) defaults() {
	if c.Limits == (alert.Limits{}) {
		c.Limits = alert.DefaultLimits()
	}
	if c.Retention <= 0 {
		c.Retention = alert.DefaultRetention
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = prober.DefaultInterval
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = sampler.DefaultInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = propagation.DefaultHealthInterval
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = broadcast.DefaultBuffer
	}
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithProbe replaces the default HTTP/TCP probe.
func WithProbe(p prober.Probe) Option {
	return func(m *Monitor) { m.probe = p }
}

// WithSource sets where performance samples come from. Without a source the
// sampler task is not scheduled.
func WithSource(s sampler.Source) Option {
	return func(m *Monitor) { m.source = s }
}

func WithSupervisor(s supervisor.Supervisor) Option {
	return func(m *Monitor) { m.sup = s }
}

// WithPropagation forwards created alerts through c.
func WithPropagation(c *propagation.Client) Option {
	return func(m *Monitor) { m.prop = c }
}

// WithHistory hands every alert lifecycle event to r.
func WithHistory(r *history.Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithNATS republishes observer deltas on nc.
func WithNATS(nc *nats.Conn) Option {
	return func(m *Monitor) { m.nc = nc }
}

// WithClock overrides the alert clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor wires the registry, prober, sampler, alert engine, propagation
// client and observer hub together and drives their periodic work.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	reg      *registry.Registry
	engine   *alert.Engine
	prober   *prober.Prober
	sampler  *sampler.Sampler
	prop     *propagation.Client
	hub      *broadcast.Hub
	recorder *history.Recorder
	nc       *nats.Conn

	probe  prober.Probe
	source sampler.Source
	sup    supervisor.Supervisor
}

func New(cfg Config, opts ...Option) *Monitor {
	cfg.defaults()
	m := &Monitor{
		cfg:    cfg,
		logger: slog.Default(),
		reg:    registry.New(),
		sup:    supervisor.AlwaysRunning{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.probe == nil {
		m.probe = prober.NewMulti()
	}
	if m.prop == nil {
		m.prop = propagation.New(nil, propagation.Config{}, m.logger)
	}

	engineOpts := []alert.Option{
		alert.WithLogger(m.logger.With("component", "alert")),
		alert.WithStore(alert.NewStore(cfg.Limits, cfg.Retention)),
	}
	if m.now != nil {
		engineOpts = append(engineOpts, alert.WithClock(m.now))
	}
	if cfg.DedupWindow > 0 {
		engineOpts = append(engineOpts, alert.WithSuppression(alert.DedupWindow{Window: cfg.DedupWindow}))
	}
	m.engine = alert.NewEngine(cfg.Thresholds, engineOpts...)

	m.prober = prober.New(m.reg, m.probe, prober.Config{
		Timeout:                 cfg.ProbeTimeout,
		ResponseTimeThresholdMs: cfg.Thresholds.ResponseTimeMs,
		RecoveryThreshold:       cfg.RecoveryThreshold,
	},
		prober.WithSupervisor(m.sup),
		prober.WithEvaluator(m.engine),
		prober.WithLogger(m.logger.With("component", "prober")),
	)
	if m.source != nil {
		m.sampler = sampler.New(m.reg, m.source, sampler.Config{
			Timeout:     cfg.SampleTimeout,
			Concurrency: cfg.SampleConcurrency,
		},
			sampler.WithSupervisor(m.sup),
			sampler.WithEvaluator(m.engine),
			sampler.WithLogger(m.logger.With("component", "sampler")),
		)
	}

	m.hub = broadcast.NewHub(m, m.logger.With("component", "broadcast"))
	m.reg.OnChange(m.hub.OnRegistryChange)
	m.prop.OnChange(m.hub.OnConnectivity)

	if m.prop.Enabled() {
		m.engine.AddHook(m.prop)
	}
	m.engine.AddHook(m.hub)
	m.engine.AddHook(metricsHook{counts: m.engine.Counts})
	if m.recorder != nil {
		m.engine.AddHook(m.recorder)
	}
	return m
}

// Register adds or updates a service.
func (m *Monitor) Register(spec service.Spec) (service.Snapshot, error) {
	snap, err := m.reg.Register(spec)
	if err != nil {
		return service.Snapshot{}, err
	}
	m.logger.Info("service registered", "service", spec.ID, "endpoint", spec.Endpoint)
	return snap, nil
}

// Deregister removes a service and its per-service state. Alerts already raised are kept.
func (m *Monitor) Deregister(id string) bool {
	if !m.reg.Deregister(id) {
		return false
	}
	m.prober.Forget(id)
	m.engine.Forget(id)
	if f, ok := m.source.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	metrics.DeleteService(id)
	m.logger.Info("service deregistered", "service", id)
	return true
}

func (m *Monitor) Get(id string) (service.Snapshot, bool) { return m.reg.Get(id) }

func (m *Monitor) List() []service.Snapshot { return m.reg.List() }

// ProbeNow probes one service immediately, outside the schedule.
func (m *Monitor) ProbeNow(ctx context.Context, id string) (service.Snapshot, error) {
	return m.prober.ProbeOnce(ctx, id)
}

// SampleNow records one sample for a service immediately.
func (m *Monitor) SampleNow(ctx context.Context, id string) (service.Snapshot, error) {
	if m.sampler == nil {
		return service.Snapshot{}, errors.New("no sample source configured")
	}
	return m.sampler.SampleOnce(ctx, id)
}

func (m *Monitor) Acknowledge(id string) (alert.Alert, error) { return m.engine.Acknowledge(id) }

func (m *Monitor) Alerts(f alert.Filter) []alert.Alert { return m.engine.List(f) }

func (m *Monitor) Alert(id string) (alert.Alert, bool) { return m.engine.Get(id) }

// Raise records an operator-supplied alert for a registered service.
func (m *Monitor) Raise(id string, sev alert.Severity, message string) (alert.Alert, error) {
	snap, ok := m.reg.Get(id)
	if !ok {
		return alert.Alert{}, registry.ErrNotFound
	}
	a, _ := m.engine.Raise(sev, message, snap.Service)
	return a, nil
}

// Prune drops expired alerts now and returns how many were removed.
func (m *Monitor) Prune() int { return m.engine.Prune() }

// Services, AlertCounts and AggregatorReachable make Monitor the hub's state.
func (m *Monitor) Services() []service.Snapshot { return m.reg.List() }

func (m *Monitor) AlertCounts() alert.Counts { return m.engine.Counts() }

func (m *Monitor) AggregatorReachable() bool { return m.prop.Reachable() }

func (m *Monitor) Snapshot() broadcast.Snapshot { return m.hub.Snapshot() }

func (m *Monitor) Subscribe(buffer int) *broadcast.Subscription {
	if buffer <= 0 {
		buffer = m.cfg.BroadcastBuffer
	}
	return m.hub.Subscribe(buffer)
}

func (m *Monitor) Hub() *broadcast.Hub { return m.hub }

// Recovery delivers service ids whose uptime fell below the recovery threshold.
func (m *Monitor) Recovery() <-chan string { return m.prober.Recovery() }

func (m *Monitor) RecoveryCandidates() []string { return m.prober.RecoveryCandidates() }

// CheckAggregator runs one aggregator health check.
func (m *Monitor) CheckAggregator(ctx context.Context) error { return m.prop.CheckHealth(ctx) }

// Run schedules probing, sampling, pruning and aggregator health checks and
// blocks until ctx is done. In-flight probes and pushes finish before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	sched := scheduler.New(m.logger)
	if err := sched.Add("probe", m.cfg.ProbeInterval, func(ctx context.Context) { m.prober.Tick(ctx) }); err != nil {
		return err
	}
	if m.sampler != nil {
		if err := sched.Add("sample", m.cfg.SampleInterval, func(ctx context.Context) { m.sampler.Tick(ctx) }); err != nil {
			return err
		}
	}
	if err := sched.Add("prune", m.cfg.PruneInterval, func(context.Context) { m.engine.Prune() }); err != nil {
		return err
	}
	if m.prop.Enabled() {
		if err := sched.Add("aggregator-health", m.cfg.HealthInterval, func(ctx context.Context) { _ = m.prop.CheckHealth(ctx) }); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if m.prop.Enabled() {
		g.Go(func() error {
			_ = m.prop.CheckHealth(gctx)
			return nil
		})
	}
	if m.nc != nil {
		subject := m.cfg.NATSSubject
		if subject == "" {
			subject = "fleetmon.deltas"
		}
		bridge := broadcast.NewNATSBridge(m.nc, subject, m.cfg.BroadcastBuffer)
		g.Go(func() error { return bridge.Run(gctx, m.hub) })
	}
	m.logger.Info("monitor started", "services", m.reg.Len(), "probe_interval", m.cfg.ProbeInterval, "sample_interval", m.cfg.SampleInterval)

	err := g.Wait()
	m.prober.Wait()
	m.prop.Wait()
	m.logger.Info("monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the propagation transport, history sinks and NATS connection.
func (m *Monitor) Close() error {
	var errs []error
	if err := m.prop.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.recorder != nil {
		if err := m.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.nc != nil {
		m.nc.Close()
	}
	return errors.Join(errs...)
}
