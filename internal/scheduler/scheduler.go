package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrRunning = errors.New("scheduler already running")

// Every is a fixed-period schedule. Unlike cron.Every it keeps sub-second periods.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts "@every <duration>" or a cron expression with optional seconds.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid @every duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("@every duration must be > 0")
		}
		return Every(d), nil
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Scheduler runs named periodic tasks. A task whose previous run is still in
// progress skips the tick, and a panicking task is logged and recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
	names   map[string]cron.EntryID
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger.With("component", "scheduler")}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl))),
		logger: logger,
		ctx:    context.Background(),
		names:  make(map[string]cron.EntryID),
	}
}

// Add schedules fn every period. fn receives the context passed to Run.
func (s *Scheduler) Add(name string, period time.Duration, fn func(ctx context.Context)) error {
	if period <= 0 {
		return fmt.Errorf("task %s: period must be > 0", name)
	}
	return s.add(name, Every(period), fn)
}

// AddSpec schedules fn with a cron expression or "@every <duration>".
func (s *Scheduler) AddSpec(name, spec string, fn func(ctx context.Context)) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	return s.add(name, sched, fn)
}

func (s *Scheduler) add(name string, sched cron.Schedule, fn func(ctx context.Context)) error {
	if name == "" {
		return errors.New("task requires a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[name]; exists {
		return fmt.Errorf("task %q already exists", name)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}))
	s.names[name] = id
	return nil
}

// Tasks lists the scheduled task names with their next activation.
func (s *Scheduler) Tasks() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for name, id := range s.names {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Run starts the tasks and blocks until ctx is done, then waits for running
// tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.ctx = ctx
	tasks := len(s.names)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Debug("scheduler started", "tasks", tasks)
	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Debug("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
