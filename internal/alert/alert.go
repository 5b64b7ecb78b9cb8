package alert

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/fleetmon/internal/service"
)

// ErrNotFound is returned when an alert id is not held by the store.
var ErrNotFound = errors.New("alert not found")

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severities lists every severity in display order.
var Severities = []Severity{SeverityCritical, SeverityWarning, SeverityInfo}

// ParseSeverity accepts a severity name in any case. The empty string is not a severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityInfo:
		return SeverityInfo, true
	}
	return "", false
}

type Category string

const (
	CategoryPerformance Category = "performance"
	CategoryNetwork     Category = "network"
	CategoryDeployment  Category = "deployment"
	CategorySecurity    Category = "security"
	CategoryDatabase    Category = "database"
	CategorySystem      Category = "system"
)

var categoryRules = []struct {
	category Category
	keywords []string
}{
	{CategoryPerformance, []string{"cpu", "memory", "disk"}},
	{CategoryNetwork, []string{"network", "connection", "timeout"}},
	{CategoryDeployment, []string{"deploy", "build"}},
	{CategorySecurity, []string{"auth", "security"}},
	{CategoryDatabase, []string{"database", "storage"}},
}

// Categorize derives the category of an alert message from its keywords.
// Rules are checked in order; the first match wins.
func Categorize(message string) Category {
	m := strings.ToLower(message)
	for _, r := range categoryRules {
		for _, kw := range r.keywords {
			if strings.Contains(m, kw) {
				return r.category
			}
		}
	}
	return CategorySystem
}

// Alert is immutable once created except for the acknowledgement fields.
type Alert struct {
	ID             string      `json:"id"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	ServiceID      string      `json:"service_id"`
	Service        service.Ref `json:"service"`
	Category       Category    `json:"category"`
	CreatedAt      time.Time   `json:"created_at"`
	Acknowledged   bool        `json:"acknowledged"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Counts is the number of held alerts per severity.
type Counts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

func (c Counts) Total() int { return c.Critical + c.Warning + c.Info }

// Of returns the count for one severity.
func (c Counts) Of(s Severity) int {
	switch s {
	case SeverityCritical:
		return c.Critical
	case SeverityWarning:
		return c.Warning
	case SeverityInfo:
		return c.Info
	}
	return 0
}

// EventType names a step in an alert's lifecycle.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAcknowledged EventType = "acknowledged"
	EventPruned       EventType = "pruned"
	EventEvicted      EventType = "evicted"
)

// Event is handed to hooks after the store has been updated.
type Event struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
	At    time.Time `json:"at"`
}

// Hook receives alert lifecycle events. Implementations must not block;
// anything touching the network should hand off to its own goroutine.
type Hook interface {
	OnAlertEvent(Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(Event)

func (f HookFunc) OnAlertEvent(e Event) { f(e) }

// SuppressionPolicy may veto a candidate alert before it is stored.
// No policy is installed by default, so every triggering evaluation creates an alert.
type SuppressionPolicy interface {
	Suppress(candidate Alert, held []Alert) bool
}
