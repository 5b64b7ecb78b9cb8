package monitor

import (
	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/metrics"
)

// metricsHook mirrors alert lifecycle events into Prometheus.
type metricsHook struct {
	counts func() alert.Counts
}

func (h metricsHook) OnAlertEvent(ev alert.Event) {
	switch ev.Type {
	case alert.EventCreated:
		metrics.IncAlert(string(ev.Alert.Severity), string(ev.Alert.Category))
	case alert.EventPruned, alert.EventEvicted:
		metrics.AddPruned(1)
	}
	c := h.counts()
	for _, sev := range alert.Severities {
		metrics.SetActiveAlerts(string(sev), c.Of(sev))
	}
}
