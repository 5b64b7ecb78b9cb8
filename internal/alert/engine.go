package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/fleetmon/internal/service"
)

// EscalationThreshold is the consecutive failure count that raises an escalation alert.
const EscalationThreshold = 3

// Thresholds drive alert creation. All of them must be set explicitly.
type Thresholds struct {
	ResponseTimeMs int64   `mapstructure:"response_time_ms" json:"response_time_ms"`
	CPUPct         float64 `mapstructure:"cpu_pct" json:"cpu_pct"`
	MemPct         float64 `mapstructure:"mem_pct" json:"mem_pct"`
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithStore(s *Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

func WithSuppression(p SuppressionPolicy) Option {
	return func(e *Engine) { e.suppress = p }
}

// Engine turns probe and sample results into alerts and owns the alert store.
type Engine struct {
	mu         sync.Mutex
	thresholds Thresholds
	store      *Store
	now        func() time.Time
	logger     *slog.Logger
	suppress   SuppressionPolicy
	lastAt     map[string]time.Time

	hooksMu sync.RWMutex
	hooks   []Hook
}

func NewEngine(th Thresholds, opts ...Option) *Engine {
	e := &Engine{
		thresholds: th,
		now:        time.Now,
		logger:     slog.Default(),
		lastAt:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	if e.store == nil {
		e.store = NewStore(DefaultLimits(), DefaultRetention)
	}
	return e
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) AddHook(h Hook) {
	if h == nil {
		return
	}
	e.hooksMu.Lock()
	e.hooks = append(e.hooks, h)
	e.hooksMu.Unlock()
}

func (e *Engine) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.hooksMu.RLock()
	hooks := append([]Hook(nil), e.hooks...)
	e.hooksMu.RUnlock()
	for _, ev := range events {
		for _, h := range hooks {
			h.OnAlertEvent(ev)
		}
	}
}

// EvaluateProbe runs the probe rules against a service snapshot taken right after
// the probe result was applied, and returns the alerts it created.
func (e *Engine) EvaluateProbe(snap service.Snapshot, out service.ProbeOutcome) []Alert {
	var created []Alert
	add := func(sev Severity, msg string) {
		if a, ok := e.create(sev, msg, snap.Service); ok {
			created = append(created, a)
		}
	}
	if !out.OK {
		add(SeverityCritical, fmt.Sprintf("Service %s unresponsive", snap.Name))
		if n := snap.Health.ConsecutiveFailures; n >= EscalationThreshold {
			add(SeverityCritical, fmt.Sprintf("Service %s has %d consecutive failures", snap.Name, n))
		}
		return created
	}
	if out.PriorFailures > 0 {
		add(SeverityInfo, fmt.Sprintf("Service %s recovered after %d failures", snap.Name, out.PriorFailures))
	}
	if avg := snap.Health.AverageResponseMs(); avg > float64(e.thresholds.ResponseTimeMs) {
		add(SeverityWarning, fmt.Sprintf("Slow responses from %s: average %.0fms exceeds %dms",
			snap.Name, avg, e.thresholds.ResponseTimeMs))
	}
	return created
}

// EvaluateSample checks one performance sample against the CPU and memory thresholds.
func (e *Engine) EvaluateSample(snap service.Snapshot, s service.Sample) []Alert {
	var created []Alert
	if s.CPUPct > e.thresholds.CPUPct {
		if a, ok := e.create(SeverityWarning, fmt.Sprintf("High CPU usage on %s: %.1f%%", snap.Name, s.CPUPct), snap.Service); ok {
			created = append(created, a)
		}
	}
	if s.MemPct > e.thresholds.MemPct {
		if a, ok := e.create(SeverityWarning, fmt.Sprintf("High memory usage on %s: %.1f%%", snap.Name, s.MemPct), snap.Service); ok {
			created = append(created, a)
		}
	}
	return created
}

// Raise stores an alert for svc directly, bypassing threshold evaluation.
func (e *Engine) Raise(sev Severity, message string, svc service.Service) (Alert, bool) {
	return e.create(sev, message, svc)
}

func (e *Engine) create(sev Severity, msg string, svc service.Service) (Alert, bool) {
	e.mu.Lock()
	at := e.now()
	if last, ok := e.lastAt[svc.ID]; ok && !at.After(last) {
		at = last.Add(time.Nanosecond)
	}
	a := Alert{
		ID:        newID(),
		Severity:  sev,
		Message:   msg,
		ServiceID: svc.ID,
		Service:   svc.Ref(),
		Category:  Categorize(msg),
		CreatedAt: at,
	}
	if e.suppress != nil && e.suppress.Suppress(a, e.store.List(Filter{ServiceID: svc.ID})) {
		e.mu.Unlock()
		e.logger.Debug("alert suppressed", "service", svc.ID, "message", msg)
		return Alert{}, false
	}
	e.lastAt[svc.ID] = at
	evicted := e.store.Add(a)
	e.mu.Unlock()

	e.logger.Info("alert created", "id", a.ID, "severity", a.Severity, "category", a.Category, "service", a.ServiceID, "message", a.Message)
	events := []Event{{Type: EventCreated, Alert: a, At: at}}
	for _, ev := range evicted {
		events = append(events, Event{Type: EventEvicted, Alert: ev, At: at})
	}
	e.emit(events...)
	return a, true
}

// Acknowledge marks id acknowledged. Unknown ids return ErrNotFound.
func (e *Engine) Acknowledge(id string) (Alert, error) {
	now := e.now()
	a, changed, err := e.store.Acknowledge(id, now)
	if err != nil {
		return Alert{}, err
	}
	if changed {
		e.logger.Info("alert acknowledged", "id", id, "service", a.ServiceID)
		e.emit(Event{Type: EventAcknowledged, Alert: a, At: now})
	}
	return a, nil
}

// Prune drops alerts past retention and returns how many were removed.
func (e *Engine) Prune() int {
	now := e.now()
	removed := e.store.Prune(now)
	if len(removed) == 0 {
		return 0
	}
	e.logger.Debug("alerts pruned", "count", len(removed))
	events := make([]Event, len(removed))
	for i, a := range removed {
		events[i] = Event{Type: EventPruned, Alert: a, At: now}
	}
	e.emit(events...)
	return len(removed)
}

// Forget releases per-service bookkeeping once a service is deregistered.
// Alerts already stored for it are kept.
func (e *Engine) Forget(serviceID string) {
	e.mu.Lock()
	delete(e.lastAt, serviceID)
	e.mu.Unlock()
}

func (e *Engine) List(f Filter) []Alert { return e.store.List(f) }

func (e *Engine) Get(id string) (Alert, bool) { return e.store.Get(id) }

func (e *Engine) Counts() Counts { return e.store.Counts() }
