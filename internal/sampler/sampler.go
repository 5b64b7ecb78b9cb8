package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 8
)

// Evaluator is run synchronously after every recorded sample.
type Evaluator interface {
	EvaluateSample(snap service.Snapshot, s service.Sample) []alert.Alert
}

type Config struct {
	Timeout     time.Duration
	Concurrency int
}

type Option func(*Sampler)

func WithSupervisor(s supervisor.Supervisor) Option {
	return func(sm *Sampler) {
		if s != nil {
			sm.sup = s
		}
	}
}

func WithEvaluator(e Evaluator) Option {
	return func(sm *Sampler) { sm.eval = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(sm *Sampler) {
		if l != nil {
			sm.logger = l
		}
	}
}

// Sampler records one performance sample per running service per tick.
type Sampler struct {
	reg    *registry.Registry
	src    Source
	cfg    Config
	sup    supervisor.Supervisor
	eval   Evaluator
	logger *slog.Logger
}

func New(reg *registry.Registry, src Source, cfg Config, opts ...Option) *Sampler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	s := &Sampler{
		reg:    reg,
		src:    src,
		cfg:    cfg,
		sup:    supervisor.AlwaysRunning{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tick samples every running service and returns how many samples were recorded.
// It returns once all sources have answered or timed out.
func (s *Sampler) Tick(ctx context.Context) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	var recorded atomic.Int32
	for _, id := range s.reg.IDs() {
		if !s.sup.IsRunning(id) {
			continue
		}
		g.Go(func() error {
			if _, err := s.SampleOnce(gctx, id); err == nil {
				recorded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(recorded.Load())
}

// SampleOnce takes one sample of a service and appends it to the registry.
func (s *Sampler) SampleOnce(ctx context.Context, id string) (service.Snapshot, error) {
	cur, ok := s.reg.Get(id)
	if !ok {
		return service.Snapshot{}, registry.ErrNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	sample, err := s.src.Sample(sctx, cur.Service)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrNoData) {
			s.logger.Debug("sample failed", "service", id, "error", err)
		}
		return service.Snapshot{}, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	snap, ok := s.reg.UpdateSample(id, sample)
	if !ok {
		return service.Snapshot{}, registry.ErrNotFound
	}
	metrics.IncSample(id)
	if s.eval != nil {
		s.eval.EvaluateSample(snap, sample)
	}
	return snap, nil
}
