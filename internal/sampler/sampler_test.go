package sampler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/service"
	"github.com/loykin/fleetmon/internal/supervisor"
)

func registryWith(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, id := range ids {
		_, err := reg.Register(service.Spec{ID: id, Endpoint: "http://" + id + ".local"})
		require.NoError(t, err)
	}
	return reg
}

func constant(cpu, mem float64) Source {
	return FuncSource(func(context.Context, service.Service) (service.Sample, error) {
		return service.Sample{CPUPct: cpu, MemPct: mem, RequestCount: 1}, nil
	})
}

func TestTickSamplesRunningServices(t *testing.T) {
	reg := registryWith(t, "a", "b", "c")
	sup := supervisor.NewStatic()
	sup.Set("a", true, 0)
	sup.Set("c", true, 0)

	s := New(reg, constant(10, 20), Config{}, WithSupervisor(sup))
	assert.Equal(t, 2, s.Tick(context.Background()))
	assert.Equal(t, 2, s.Tick(context.Background()))

	a, _ := reg.Get("a")
	assert.Equal(t, []float64{10, 10}, a.Performance.CPUPct.Values())
	assert.False(t, a.Performance.LastSampleAt.IsZero())
	b, _ := reg.Get("b")
	assert.Zero(t, b.Performance.CPUPct.Len())
}

func TestSamplesDoNotTouchHealth(t *testing.T) {
	reg := registryWith(t, "a")
	reg.UpdateHealth("a", func(svc *service.Service, rec *service.HealthRecord) {
		rec.ConsecutiveFailures = 2
		svc.HealthScore = 60
	})
	s := New(reg, constant(1, 1), Config{})
	snap, err := s.SampleOnce(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Health.ConsecutiveFailures)
	assert.Equal(t, 60, snap.HealthScore)
}

func TestSampleThresholdAlerts(t *testing.T) {
	reg := registryWith(t, "a")
	eng := alert.NewEngine(alert.Thresholds{ResponseTimeMs: 1000, CPUPct: 80, MemPct: 80})
	s := New(reg, constant(95, 50), Config{}, WithEvaluator(eng))
	_, err := s.SampleOnce(context.Background(), "a")
	require.NoError(t, err)
	list := eng.List(alert.Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, alert.SeverityWarning, list[0].Severity)
	assert.Equal(t, alert.CategoryPerformance, list[0].Category)
}

func TestSampleErrorsSkipService(t *testing.T) {
	reg := registryWith(t, "a")
	s := New(reg, FuncSource(func(context.Context, service.Service) (service.Sample, error) {
		return service.Sample{}, errors.New("boom")
	}), Config{})
	assert.Equal(t, 0, s.Tick(context.Background()))
	snap, _ := reg.Get("a")
	assert.Zero(t, snap.Performance.CPUPct.Len())

	_, err := s.SampleOnce(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestConcurrencyLimit(t *testing.T) {
	reg := registryWith(t, "a", "b", "c", "d", "e")
	var mu sync.Mutex
	active, peak := 0, 0
	src := FuncSource(func(context.Context, service.Service) (service.Sample, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()
		return service.Sample{}, nil
	})
	s := New(reg, src, Config{Concurrency: 2})
	assert.Equal(t, 5, s.Tick(context.Background()))
	assert.LessOrEqual(t, peak, 2)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"cpu": 42.5, "memory": 61, "requests": 900}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("")
	got, err := src.Sample(context.Background(), service.Service{Spec: service.Spec{ID: "a", Endpoint: srv.URL + "/health?x=1"}})
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.CPUPct)
	assert.Equal(t, 61.0, got.MemPct)
	assert.Equal(t, int64(900), got.RequestCount)

	_, err = src.Sample(context.Background(), service.Service{Spec: service.Spec{ID: "db", Endpoint: "db:5432"}})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFallback(t *testing.T) {
	none := FuncSource(func(context.Context, service.Service) (service.Sample, error) { return service.Sample{}, ErrNoData })
	f := Fallback{none, constant(5, 6)}
	got, err := f.Sample(context.Background(), service.Service{})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.CPUPct)

	_, err = Fallback{none}.Sample(context.Background(), service.Service{})
	assert.ErrorIs(t, err, ErrNoData)

	boom := errors.New("boom")
	_, err = Fallback{none, FuncSource(func(context.Context, service.Service) (service.Sample, error) { return service.Sample{}, boom })}.
		Sample(context.Background(), service.Service{})
	assert.ErrorIs(t, err, boom)
}

func TestProcessSourceSelf(t *testing.T) {
	sup := supervisor.NewStatic()
	sup.Set("self", true, int32(os.Getpid()))
	src := NewProcessSource(sup)

	svc := service.Service{Spec: service.Spec{ID: "self"}}
	first, err := src.Sample(context.Background(), svc)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first.MemPct, 0.0)
	assert.Zero(t, first.RequestCount)

	_, err = src.Sample(context.Background(), service.Service{Spec: service.Spec{ID: "other"}})
	assert.ErrorIs(t, err, ErrNoData)

	src.Forget("self")
}
