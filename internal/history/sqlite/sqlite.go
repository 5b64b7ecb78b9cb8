package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/history"
)

// Sink writes alert events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alert_history(
			timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			alert_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			service_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			environment TEXT NOT NULL,
			location TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			acknowledged BOOLEAN NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history(alert_id);`,
		`CREATE INDEX IF NOT EXISTS idx_alert_history_service ON alert_history(service_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e alert.Event) error {
	r := history.RowOf(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history(timestamp, event, alert_id, severity, category, message,
			service_id, service_name, environment, location, created_at, acknowledged)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.OccurredAt, r.Event, r.AlertID, r.Severity, r.Category, r.Message,
		r.ServiceID, r.ServiceName, r.Environment, r.Location, r.CreatedAt, r.Acknowledged)
	return err
}

// Events returns the event types recorded for one alert, oldest first.
func (s *Sink) Events(ctx context.Context, alertID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM alert_history WHERE alert_id = ? ORDER BY rowid;`, alertID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
