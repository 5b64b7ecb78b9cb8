package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/monitor"
	"github.com/loykin/fleetmon/internal/prober"
	"github.com/loykin/fleetmon/internal/server"
	"github.com/loykin/fleetmon/internal/service"
)

var errRefused = errors.New("connection refused")

func newFleet(t *testing.T, secret string, down bool) (*Client, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	probe := prober.ProbeFunc(func(context.Context, service.Service) (time.Duration, error) {
		if down {
			return 0, errRefused
		}
		return 15 * time.Millisecond, nil
	})
	mon := monitor.New(monitor.Config{Thresholds: alert.Thresholds{ResponseTimeMs: 1000, CPUPct: 90, MemPct: 90}}, monitor.WithProbe(probe))
	t.Cleanup(func() { _ = mon.Close() })
	srv := httptest.NewServer(server.NewRouter(mon, "/api", server.WithJWTSecret(secret)).Handler())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/api"
	if secret != "" {
		tok, err := server.IssueToken([]byte(secret), "test", time.Minute)
		require.NoError(t, err)
		cfg.Token = tok
	}
	return New(cfg), srv
}

func TestServiceRoundTrip(t *testing.T) {
	c, _ := newFleet(t, "", false)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	svc, err := c.RegisterService(ctx, RegisterRequest{ID: "web", Endpoint: "http://web.internal", Environment: "prod", Location: "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, "web", svc.Name)
	assert.Equal(t, 100.0, svc.Uptime)

	svc, err = c.ProbeService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "healthy", svc.Health.Status)
	assert.Equal(t, []int64{15}, svc.Health.ResponseTimes)

	list, err := c.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "eu-west", list[0].Location)

	removed, err := c.DeregisterService(ctx, "web")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = c.GetService(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound)
	removed, err = c.DeregisterService(ctx, "web")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAlertsRoundTrip(t *testing.T) {
	c, _ := newFleet(t, "", true)
	ctx := context.Background()
	_, err := c.RegisterService(ctx, RegisterRequest{ID: "db", Endpoint: "db:5432"})
	require.NoError(t, err)
	_, err = c.ProbeService(ctx, "db")
	require.NoError(t, err)

	alerts, err := c.ListAlerts(ctx, AlertQuery{Severity: "critical", Unacknowledged: true})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "db", alerts[0].ServiceID)

	require.NoError(t, c.Acknowledge(ctx, alerts[0].ID))
	require.NoError(t, c.Acknowledge(ctx, alerts[0].ID))
	got, err := c.GetAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)
	assert.NotNil(t, got.AcknowledgedAt)

	err = c.Acknowledge(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	raised, err := c.RaiseAlert(ctx, "db", "info", "security patch rolled out")
	require.NoError(t, err)
	assert.Equal(t, "security", raised.Category)
	_, err = c.RaiseAlert(ctx, "db", "loud", "x")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, AlertCounts{Critical: 1, Info: 1}, snap.AlertCounts)
	require.Len(t, snap.Services, 1)
	assert.Equal(t, "unhealthy", snap.Services[0].Health.Status)

	ids, err := c.RecoveryCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTokenRequired(t *testing.T) {
	c, srv := newFleet(t, "k", false)
	_, err := c.ListServices(context.Background())
	require.NoError(t, err)

	anon := New(Config{BaseURL: srv.URL + "/api"})
	_, err = anon.ListServices(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	assert.False(t, New(Config{BaseURL: srv.URL}).IsReachable(context.Background()))
	assert.True(t, New(Config{BaseURL: srv.URL, Insecure: true}).IsReachable(context.Background()))
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.ListServices(context.Background())
	assert.Error(t, err)
}
