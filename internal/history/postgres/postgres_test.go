package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/service"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	a := alert.Alert{
		ID:        "pg-1",
		Severity:  alert.SeverityCritical,
		Message:   "Service db has 3 consecutive failures",
		ServiceID: "db",
		Service:   service.Ref{Name: "db", Environment: "prod", Location: "us-2"},
		Category:  alert.CategoryDatabase,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, sink.Send(ctx, alert.Event{Type: alert.EventCreated, Alert: a, At: time.Now()}))
	a.Acknowledged = true
	require.NoError(t, sink.Send(ctx, alert.Event{Type: alert.EventAcknowledged, Alert: a, At: time.Now()}))

	n, err := sink.CountForService(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
