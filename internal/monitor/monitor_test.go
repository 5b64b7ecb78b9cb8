package monitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetmon/internal/aggregator"
	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/broadcast"
	"github.com/loykin/fleetmon/internal/config"
	"github.com/loykin/fleetmon/internal/history"
	"github.com/loykin/fleetmon/internal/history/sqlite"
	"github.com/loykin/fleetmon/internal/propagation"
	"github.com/loykin/fleetmon/internal/prober"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/sampler"
	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

var errDown = errors.New("connection refused")

// script answers probes from a queue; an empty queue answers success in 1ms.
type script struct {
	mu      sync.Mutex
	results []error
	elapsed []time.Duration
}

func (s *script) push(elapsed time.Duration, err error) {
	s.mu.Lock()
	s.results = append(s.results, err)
	s.elapsed = append(s.elapsed, elapsed)
	s.mu.Unlock()
}

func (s *script) Probe(context.Context, service.Service) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return time.Millisecond, nil
	}
	err, d := s.results[0], s.elapsed[0]
	s.results, s.elapsed = s.results[1:], s.elapsed[1:]
	return d, err
}

func thresholds() alert.Thresholds {
	return alert.Thresholds{ResponseTimeMs: 5000, CPUPct: 90, MemPct: 90}
}

func newMonitor(t *testing.T, probe *script, opts ...Option) *Monitor {
	t.Helper()
	m := New(Config{Thresholds: thresholds()}, append([]Option{WithProbe(probe)}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestScenarioFailuresThenRecovery(t *testing.T) {
	probe := &script{}
	m := newMonitor(t, probe)
	_, err := m.Register(service.Spec{ID: "S", Name: "S", Endpoint: "http://s.internal"})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		probe.push(0, errDown)
		_, err := m.ProbeNow(ctx, "S")
		require.NoError(t, err)
	}
	snap, ok := m.Get("S")
	require.True(t, ok)
	assert.Equal(t, 3, snap.Health.ConsecutiveFailures)
	assert.Equal(t, 40, snap.HealthScore)

	critical := m.Alerts(alert.Filter{Severity: alert.SeverityCritical})
	var escalations int
	for _, a := range critical {
		if strings.Contains(a.Message, "consecutive failures") {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
	assert.Greater(t, len(critical), escalations)

	probe.push(50*time.Millisecond, nil)
	snap, err = m.ProbeNow(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Health.ConsecutiveFailures)
	assert.Equal(t, service.StatusHealthy, snap.Health.Status)
	assert.Equal(t, 100, snap.HealthScore)
	assert.Len(t, m.Alerts(alert.Filter{Severity: alert.SeverityInfo}), 1)
}

func TestSlowResponseWarning(t *testing.T) {
	probe := &script{}
	m := newMonitor(t, probe)
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "http://s"})
	require.NoError(t, err)

	probe.push(3000*time.Millisecond, nil)
	_, err = m.ProbeNow(context.Background(), "S")
	require.NoError(t, err)
	assert.Empty(t, m.Alerts(alert.Filter{Severity: alert.SeverityWarning}))

	m2 := newMonitor(t, probe)
	_, err = m2.Register(service.Spec{ID: "S", Endpoint: "http://s"})
	require.NoError(t, err)
	probe.push(6000*time.Millisecond, nil)
	_, err = m2.ProbeNow(context.Background(), "S")
	require.NoError(t, err)
	assert.Len(t, m2.Alerts(alert.Filter{Severity: alert.SeverityWarning}), 1)
}

func TestAlertsReachAggregator(t *testing.T) {
	agg := aggregator.New(100, nil)
	srv := httptest.NewServer(agg.Handler())
	defer srv.Close()

	prop, err := propagation.NewFromConfig(propagation.Config{URL: srv.URL + "/alerts", Source: "node-1", SourcePort: 8080}, nil)
	require.NoError(t, err)

	probe := &script{}
	m := newMonitor(t, probe, WithPropagation(prop))
	assert.False(t, m.AggregatorReachable())
	_, err = m.Register(service.Spec{ID: "api", Endpoint: "http://api"})
	require.NoError(t, err)

	probe.push(0, errDown)
	_, err = m.ProbeNow(context.Background(), "api")
	require.NoError(t, err)
	prop.Wait()

	got := agg.Recent("node-1", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "api", got[0].Alert.ServiceID)
	assert.True(t, m.AggregatorReachable())
	assert.True(t, m.Snapshot().AggregatorReachable)

	srv.Close()
	probe.push(0, errDown)
	_, err = m.ProbeNow(context.Background(), "api")
	require.NoError(t, err)
	prop.Wait()
	assert.False(t, m.AggregatorReachable())
	// alerts stay local when the aggregator is gone
	assert.Len(t, m.Alerts(alert.Filter{ServiceID: "api"}), 2)
}

func TestDeregisterDropsServiceKeepsAlerts(t *testing.T) {
	probe := &script{}
	m := newMonitor(t, probe)
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		probe.push(0, errDown)
		_, err := m.ProbeNow(context.Background(), "S")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"S"}, m.RecoveryCandidates())
	select {
	case id := <-m.Recovery():
		assert.Equal(t, "S", id)
	default:
		t.Fatal("expected a recovery notification")
	}

	assert.True(t, m.Deregister("S"))
	assert.False(t, m.Deregister("S"))
	_, ok := m.Get("S")
	assert.False(t, ok)
	assert.Empty(t, m.RecoveryCandidates())
	assert.NotEmpty(t, m.Alerts(alert.Filter{ServiceID: "S"}))

	_, err = m.ProbeNow(context.Background(), "S")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAcknowledge(t *testing.T) {
	probe := &script{}
	m := newMonitor(t, probe)
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)
	a, err := m.Raise("S", alert.SeverityWarning, "deploy of build 42 failed")
	require.NoError(t, err)
	assert.Equal(t, alert.CategoryDeployment, a.Category)

	acked, err := m.Acknowledge(a.ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Empty(t, m.Alerts(alert.Filter{UnacknowledgedOnly: true}))

	_, err = m.Acknowledge("missing")
	assert.ErrorIs(t, err, alert.ErrNotFound)

	_, err = m.Raise("missing", alert.SeverityInfo, "x")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestPruneUsesRetention(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := newMonitor(t, &script{}, WithClock(clock))
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)
	_, err = m.Raise("S", alert.SeverityInfo, "note")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	assert.Equal(t, 0, m.Prune())

	mu.Lock()
	now = now.Add(24 * time.Hour)
	mu.Unlock()
	assert.Equal(t, 1, m.Prune())
	assert.Equal(t, 0, m.AlertCounts().Total())
}

func TestObserversReceiveDeltas(t *testing.T) {
	probe := &script{}
	m := newMonitor(t, probe)
	sub := m.Subscribe(0)
	defer sub.Close()

	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)
	assert.Equal(t, broadcast.DeltaServiceRegistered, (<-sub.C()).Type)

	probe.push(0, errDown)
	_, err = m.ProbeNow(context.Background(), "S")
	require.NoError(t, err)

	var types []broadcast.DeltaType
	for len(sub.C()) > 0 {
		types = append(types, (<-sub.C()).Type)
	}
	assert.Contains(t, types, broadcast.DeltaServiceUpdated)
	assert.Contains(t, types, broadcast.DeltaAlertCreated)

	snap := m.Snapshot()
	require.Len(t, snap.Services, 1)
	assert.Equal(t, 1, snap.AlertCounts.Critical)
}

func TestSamplerThresholds(t *testing.T) {
	src := sampler.FuncSource(func(context.Context, service.Service) (service.Sample, error) {
		return service.Sample{CPUPct: 97, MemPct: 40, RequestCount: 12, Timestamp: time.Now()}, nil
	})
	m := newMonitor(t, &script{}, WithSource(src))
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)

	snap, err := m.SampleNow(context.Background(), "S")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Performance.CPUPct.Len())
	warnings := m.Alerts(alert.Filter{Severity: alert.SeverityWarning})
	require.Len(t, warnings, 1)
	assert.Equal(t, alert.CategoryPerformance, warnings[0].Category)

	_, err = newMonitor(t, &script{}).SampleNow(context.Background(), "S")
	assert.Error(t, err)
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	rec := history.NewRecorder(nil, 16, sink)
	m := New(Config{Thresholds: thresholds()}, WithProbe(&script{}), WithHistory(rec))

	_, err = m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)
	a, err := m.Raise("S", alert.SeverityCritical, "database storage full")
	require.NoError(t, err)
	_, err = m.Acknowledge(a.ID)
	require.NoError(t, err)

	var events []string
	require.Eventually(t, func() bool {
		events, err = sink.Events(context.Background(), a.ID)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"created", "acknowledged"}, events)
	assert.Zero(t, rec.Dropped())
	require.NoError(t, m.Close())
}

func TestRunDrivesProbes(t *testing.T) {
	probe := &script{}
	m := New(Config{
		Thresholds:    thresholds(),
		ProbeInterval: 20 * time.Millisecond,
		PruneInterval: 20 * time.Millisecond,
	}, WithProbe(probe), WithSupervisor(supervisor.AlwaysRunning{}))
	defer func() { _ = m.Close() }()
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, _ := m.Get("S")
		return snap.Health.Status == service.StatusHealthy && snap.RunState == service.RunStateRunning
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestShutdownDuringProbeIsNotAFailure(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	hang := prober.ProbeFunc(func(ctx context.Context, svc service.Service) (time.Duration, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return 0, &prober.ProbeError{ServiceID: svc.ID, Err: ctx.Err()}
	})
	m := New(Config{
		Thresholds:    thresholds(),
		ProbeInterval: 20 * time.Millisecond,
		ProbeTimeout:  time.Minute,
	}, WithProbe(hang), WithSupervisor(supervisor.AlwaysRunning{}))
	defer func() { _ = m.Close() }()
	_, err := m.Register(service.Spec{ID: "S", Endpoint: "s:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("probe never started")
	}
	cancel()
	require.NoError(t, <-done)

	snap, ok := m.Get("S")
	require.True(t, ok)
	assert.Equal(t, 0, snap.Health.ConsecutiveFailures)
	assert.NotEqual(t, service.StatusUnhealthy, snap.Health.Status)
	assert.Equal(t, 100, snap.HealthScore)
	assert.Empty(t, m.Alerts(alert.Filter{ServiceID: "S"}))
}

func TestRunSkipsStoppedServices(t *testing.T) {
	sup := supervisor.NewStatic()
	sup.Set("up", true, 0)
	sup.Set("down", false, 0)
	m := New(Config{Thresholds: thresholds(), ProbeInterval: 20 * time.Millisecond}, WithProbe(&script{}), WithSupervisor(sup))
	defer func() { _ = m.Close() }()
	for _, id := range []string{"up", "down"} {
		_, err := m.Register(service.Spec{ID: id, Endpoint: id + ":1"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()
	require.Eventually(t, func() bool {
		snap, _ := m.Get("up")
		return snap.Health.Status == service.StatusHealthy
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	down, _ := m.Get("down")
	assert.Equal(t, service.StatusUnknown, down.Health.Status)
	assert.Equal(t, service.RunStateStopped, down.RunState)
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(`
[thresholds]
response_time_ms = 5000
cpu_pct = 90
mem_pct = 90

[monitor]
sample_source = "auto"

[[services]]
id = "api"
endpoint = "http://127.0.0.1:1/health"

[[services]]
id = "worker"
endpoint = "127.0.0.1:2"

[supervisor]
type = "static"
stopped = ["worker"]

[history]
enabled = true
sinks = ["sqlite://:memory:"]
`))
	require.NoError(t, err)

	m, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.Len(t, m.List(), 2)
	assert.IsType(t, sampler.Fallback{}, m.source)
	assert.NotNil(t, m.recorder)
	assert.False(t, m.prop.Enabled())
	assert.False(t, m.sup.IsRunning("worker"))
	assert.True(t, m.sup.IsRunning("api"))
}

func TestFromConfigSourcePortFollowsListen(t *testing.T) {
	agg := aggregator.New(100, nil)
	srv := httptest.NewServer(agg.Handler())
	defer srv.Close()

	cfg, err := config.Parse(strings.NewReader(`
[thresholds]
response_time_ms = 5000
cpu_pct = 90
mem_pct = 90

[server]
listen = "127.0.0.1:9411"

[aggregator]
url = "` + srv.URL + `/alerts"
source = "node-1"

[[services]]
id = "api"
endpoint = "http://127.0.0.1:1/health"
`))
	require.NoError(t, err)

	m, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	_, err = m.Raise("api", alert.SeverityWarning, "manual")
	require.NoError(t, err)
	m.prop.Wait()

	got := agg.Recent("node-1", 10)
	require.Len(t, got, 1)
	assert.Equal(t, 9411, got[0].SourcePort)
}

func TestSourcePort(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Listen = ":8080"
	assert.Equal(t, 8080, sourcePort(cfg))

	cfg.Aggregator.SourcePort = 7000
	assert.Equal(t, 7000, sourcePort(cfg))

	cfg.Aggregator.SourcePort = 0
	cfg.Server.Listen = "no-port"
	assert.Equal(t, 0, sourcePort(cfg))
}

func TestFromConfigRejectsBadHistorySink(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(`
[thresholds]
response_time_ms = 5000
cpu_pct = 90
mem_pct = 90
[history]
enabled = true
sinks = ["redis://nowhere"]
`))
	require.NoError(t, err)
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestFromConfigProcessSourceNeedsPIDs(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(`
[thresholds]
response_time_ms = 5000
cpu_pct = 90
mem_pct = 90
[monitor]
sample_source = "process"
`))
	require.NoError(t, err)
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}
