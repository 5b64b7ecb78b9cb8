package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/service"
)

func testAlert(id string) alert.Alert {
	return alert.Alert{
		ID:        id,
		Severity:  alert.SeverityCritical,
		Message:   "Service api unresponsive",
		ServiceID: "api",
		Service:   service.Ref{Name: "api", Environment: "prod", Location: "eu-1"},
		Category:  alert.CategorySystem,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSQLiteSink_FileDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	a := testAlert("a1")
	require.NoError(t, sink.Send(ctx, alert.Event{Type: alert.EventCreated, Alert: a, At: time.Now()}))
	a.Acknowledged = true
	require.NoError(t, sink.Send(ctx, alert.Event{Type: alert.EventAcknowledged, Alert: a, At: time.Now()}))

	events, err := sink.Events(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"created", "acknowledged"}, events)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, alert.Event{Type: alert.EventPruned, Alert: testAlert("m1")}))

	var sev, svc string
	var acked bool
	row := sink.db.QueryRowContext(ctx, `SELECT severity, service_name, acknowledged FROM alert_history WHERE alert_id = ?`, "m1")
	require.NoError(t, row.Scan(&sev, &svc, &acked))
	assert.Equal(t, "critical", sev)
	assert.Equal(t, "api", svc)
	assert.False(t, acked)

	events, err := sink.Events(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, alert.Event{Type: alert.EventCreated, Alert: testAlert("c1")}))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
