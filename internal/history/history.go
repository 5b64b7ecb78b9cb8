package history

import (
	"context"
	"time"

	"github.com/loykin/fleetmon/internal/alert"
)

// Sink is a destination for alert lifecycle events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e alert.Event) error
}

// Row is the flattened form of an event written by the table-oriented sinks.
type Row struct {
	OccurredAt   time.Time
	Event        string
	AlertID      string
	Severity     string
	Category     string
	Message      string
	ServiceID    string
	ServiceName  string
	Environment  string
	Location     string
	CreatedAt    time.Time
	Acknowledged bool
}

func RowOf(e alert.Event) Row {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	a := e.Alert
	return Row{
		OccurredAt:   at.UTC(),
		Event:        string(e.Type),
		AlertID:      a.ID,
		Severity:     string(a.Severity),
		Category:     string(a.Category),
		Message:      a.Message,
		ServiceID:    a.ServiceID,
		ServiceName:  a.Service.Name,
		Environment:  a.Service.Environment,
		Location:     a.Service.Location,
		CreatedAt:    a.CreatedAt.UTC(),
		Acknowledged: a.Acknowledged,
	}
}
