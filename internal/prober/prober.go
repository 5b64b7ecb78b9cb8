package prober

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second

	recoveryBuffer = 64
)

// Evaluator is run synchronously after every applied probe result.
type Evaluator interface {
	EvaluateProbe(snap service.Snapshot, out service.ProbeOutcome) []alert.Alert
}

type Config struct {
	Timeout                 time.Duration
	ResponseTimeThresholdMs int64
	RecoveryThreshold       float64
}

type Option func(*Prober)

func WithSupervisor(s supervisor.Supervisor) Option {
	return func(p *Prober) {
		if s != nil {
			p.sup = s
		}
	}
}

func WithEvaluator(e Evaluator) Option {
	return func(p *Prober) { p.eval = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// Prober probes running services and folds the results into the registry.
type Prober struct {
	reg    *registry.Registry
	probe  Probe
	cfg    Config
	sup    supervisor.Supervisor
	eval   Evaluator
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	inflight   map[string]bool
	recovering map[string]bool
	recoveryCh chan string
	wg         sync.WaitGroup
}

func New(reg *registry.Registry, probe Probe, cfg Config, opts ...Option) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	p := &Prober{
		reg:        reg,
		probe:      probe,
		cfg:        cfg,
		sup:        supervisor.AlwaysRunning{},
		logger:     slog.Default(),
		now:        time.Now,
		inflight:   make(map[string]bool),
		recovering: make(map[string]bool),
		recoveryCh: make(chan string, recoveryBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Tick starts one probe per running service and returns how many were started.
// A service whose previous probe is still running is skipped for this tick.
func (p *Prober) Tick(ctx context.Context) int {
	started := 0
	for _, id := range p.reg.IDs() {
		running := p.sup.IsRunning(id)
		state := service.RunStateStopped
		if running {
			state = service.RunStateRunning
		}
		if !p.reg.SetRunState(id, state) || !running {
			continue
		}

		p.mu.Lock()
		if p.inflight[id] {
			p.mu.Unlock()
			p.logger.Debug("probe still in flight, skipping", "service", id)
			continue
		}
		p.inflight[id] = true
		p.mu.Unlock()

		started++
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.inflight, id)
				p.mu.Unlock()
			}()
			_, _ = p.ProbeOnce(ctx, id)
		}(id)
	}
	return started
}

// Wait blocks until every probe started by Tick has finished.
func (p *Prober) Wait() { p.wg.Wait() }

// ProbeOnce probes one service synchronously and applies the result.
// It returns registry.ErrNotFound when the service is unknown or was removed
// while the probe was running; in that case the result is discarded.
// Results are also discarded when ctx is cancelled mid-probe.
func (p *Prober) ProbeOnce(ctx context.Context, id string) (service.Snapshot, error) {
	before, ok := p.reg.Get(id)
	if !ok {
		return service.Snapshot{}, registry.ErrNotFound
	}
	pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	elapsed, err := p.probe.Probe(pctx, before.Service)
	cancel()
	if ctx.Err() != nil {
		p.logger.Debug("discarding probe result after cancellation", "service", id)
		return service.Snapshot{}, ctx.Err()
	}

	out := service.ProbeOutcome{OK: err == nil, ElapsedMs: elapsed.Milliseconds(), At: p.now()}
	result := "success"
	if err != nil {
		out.Error = err.Error()
		var pe *ProbeError
		if errors.As(err, &pe) && pe.Unreachable {
			out.Unreachable = true
			result = "unreachable"
		} else {
			result = "failure"
		}
	}
	metrics.ObserveProbe(id, result, elapsed.Seconds())

	snap, ok := p.reg.UpdateHealth(id, func(svc *service.Service, rec *service.HealthRecord) {
		out.PriorFailures = rec.ConsecutiveFailures
		apply(svc, rec, out, p.cfg.ResponseTimeThresholdMs)
	})
	if !ok {
		p.logger.Debug("discarding probe result for removed service", "service", id)
		return service.Snapshot{}, registry.ErrNotFound
	}
	metrics.SetHealth(id, snap.HealthScore, snap.Uptime)

	if before.Health.Status != snap.Health.Status {
		p.logger.Info("service status changed", "service", id, "from", before.Health.Status, "to", snap.Health.Status, "score", snap.HealthScore)
	}
	if err != nil {
		p.logger.Debug("probe failed", "service", id, "failures", snap.Health.ConsecutiveFailures, "error", err)
	}

	p.trackRecovery(snap)
	if p.eval != nil {
		p.eval.EvaluateProbe(snap, out)
	}
	return snap, nil
}

func (p *Prober) trackRecovery(snap service.Snapshot) {
	below := snap.Uptime < p.cfg.RecoveryThreshold
	p.mu.Lock()
	was := p.recovering[snap.ID]
	if below {
		p.recovering[snap.ID] = true
	} else {
		delete(p.recovering, snap.ID)
	}
	p.mu.Unlock()

	switch {
	case below && !was:
		p.logger.Warn("service eligible for recovery", "service", snap.ID, "uptime", snap.Uptime)
		select {
		case p.recoveryCh <- snap.ID:
		default:
			p.logger.Warn("recovery channel full, dropping notification", "service", snap.ID)
		}
	case !below && was:
		p.logger.Info("service left recovery set", "service", snap.ID, "uptime", snap.Uptime)
	}
}

// Recovery delivers a service id each time its uptime drops below the recovery threshold.
func (p *Prober) Recovery() <-chan string { return p.recoveryCh }

// RecoveryCandidates lists services whose uptime is currently below the threshold.
func (p *Prober) RecoveryCandidates() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.recovering))
	for id := range p.recovering {
		out = append(out, id)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

// Forget drops prober state for a deregistered service.
func (p *Prober) Forget(id string) {
	p.mu.Lock()
	delete(p.recovering, id)
	p.mu.Unlock()
}
