package fleetmon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetmon/internal/service"
)

func TestFacadeLifecycle(t *testing.T) {
	m := New(MonitorConfig{Thresholds: Thresholds{ResponseTimeMs: 1000, CPUPct: 90, MemPct: 90}},
		WithProbe(ProbeFunc(func(context.Context, service.Service) (time.Duration, error) { return 0, nil })))
	defer func() { _ = m.Close() }()

	_, err := m.Register(ServiceSpec{ID: "api", Endpoint: "http://api"})
	require.NoError(t, err)
	snap, err := m.ProbeNow(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, 100, snap.HealthScore)

	_, err = m.ProbeNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	_, err = m.Acknowledge("missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
	assert.Zero(t, m.AlertCounts().Total())
	assert.Len(t, m.Snapshot().Services, 1)
}

func TestFacadeHTTP(t *testing.T) {
	m := New(MonitorConfig{Thresholds: Thresholds{ResponseTimeMs: 1000, CPUPct: 90, MemPct: 90}})
	defer func() { _ = m.Close() }()
	srv := httptest.NewServer(m.Handler("/api"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	hs := NewHTTPServer(":0", "/api", m)
	assert.Equal(t, 15*time.Second, hs.WriteTimeout)
}

func TestRegisterMetrics(t *testing.T) {
	require.NoError(t, RegisterMetrics(prometheus.NewRegistry()))
	// later calls are no-ops
	require.NoError(t, RegisterMetricsDefault())
	assert.NotNil(t, MetricsHandler())
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig("/nope/fleetmon.toml")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrServiceNotFound))
}
