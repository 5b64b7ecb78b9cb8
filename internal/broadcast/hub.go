package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/service"
)

const DefaultBuffer = 64

type DeltaType string

const (
	DeltaServiceRegistered   DeltaType = "service_registered"
	DeltaServiceDeregistered DeltaType = "service_deregistered"
	DeltaServiceUpdated      DeltaType = "service_updated"
	DeltaAlertCreated        DeltaType = "alert_created"
	DeltaAlertAcknowledged   DeltaType = "alert_acknowledged"
	DeltaAlertRemoved        DeltaType = "alert_removed"
	DeltaConnectivity        DeltaType = "connectivity"
)

// Snapshot is the full observer view at one instant.
type Snapshot struct {
	Services            []service.Snapshot `json:"services"`
	AlertCounts         alert.Counts       `json:"alertCounts"`
	AggregatorReachable bool               `json:"aggregatorReachable"`
	Timestamp           time.Time          `json:"timestamp"`
}

// Delta carries one change. Services holds only the affected service, and the
// counts and connectivity flag are current as of the change.
type Delta struct {
	Type                DeltaType          `json:"type"`
	Services            []service.Snapshot `json:"services"`
	AlertCounts         alert.Counts       `json:"alertCounts"`
	AggregatorReachable bool               `json:"aggregatorReachable"`
	ServiceID           string             `json:"serviceId,omitempty"`
	Alert               *alert.Alert       `json:"alert,omitempty"`
	Timestamp           time.Time          `json:"timestamp"`
}

// State supplies the data behind snapshots and deltas.
type State interface {
	Services() []service.Snapshot
	AlertCounts() alert.Counts
	AggregatorReachable() bool
}

// Subscription receives deltas until closed. Deltas that do not fit in the
// buffer are dropped for this subscriber only.
type Subscription struct {
	id      uint64
	ch      chan Delta
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

func (s *Subscription) C() <-chan Delta { return s.ch }

// Dropped is the number of deltas this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub fans deltas out to subscribers without ever blocking the publisher.
type Hub struct {
	state  State
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

func NewHub(state State, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{state: state, logger: logger, subs: make(map[uint64]*Subscription)}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h.mu.Lock()
	h.nextID++
	s := &Subscription{id: h.nextID, ch: make(chan Delta, buffer), hub: h}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	metrics.SetObservers(n)
	h.logger.Debug("observer subscribed", "id", s.id, "observers", n)
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s.id)
		close(s.ch)
		n := len(h.subs)
		h.mu.Unlock()
		metrics.SetObservers(n)
		h.logger.Debug("observer unsubscribed", "id", s.id, "observers", n, "dropped", s.Dropped())
	})
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers d to every subscriber that has room for it.
func (h *Hub) Publish(d Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- d:
		default:
			s.dropped.Add(1)
			metrics.IncDropped()
		}
	}
}

func (h *Hub) Snapshot() Snapshot {
	return Snapshot{
		Services:            h.state.Services(),
		AlertCounts:         h.state.AlertCounts(),
		AggregatorReachable: h.state.AggregatorReachable(),
		Timestamp:           time.Now(),
	}
}

func (h *Hub) delta(t DeltaType) Delta {
	return Delta{
		Type:                t,
		Services:            []service.Snapshot{},
		AlertCounts:         h.state.AlertCounts(),
		AggregatorReachable: h.state.AggregatorReachable(),
		Timestamp:           time.Now(),
	}
}

// OnRegistryChange turns registry mutations into deltas.
func (h *Hub) OnRegistryChange(c registry.Change) {
	if h.Subscribers() == 0 {
		return
	}
	t := DeltaServiceUpdated
	switch c.Type {
	case registry.ChangeRegistered:
		t = DeltaServiceRegistered
	case registry.ChangeDeregistered:
		t = DeltaServiceDeregistered
	}
	d := h.delta(t)
	d.ServiceID = c.ID
	if c.Type != registry.ChangeDeregistered {
		d.Services = []service.Snapshot{c.Snapshot}
	}
	h.Publish(d)
}

// OnAlertEvent turns alert lifecycle events into deltas.
func (h *Hub) OnAlertEvent(ev alert.Event) {
	if h.Subscribers() == 0 {
		return
	}
	var t DeltaType
	switch ev.Type {
	case alert.EventCreated:
		t = DeltaAlertCreated
	case alert.EventAcknowledged:
		t = DeltaAlertAcknowledged
	default:
		t = DeltaAlertRemoved
	}
	d := h.delta(t)
	a := ev.Alert
	d.Alert = &a
	d.ServiceID = a.ServiceID
	h.Publish(d)
}

// OnConnectivity publishes a delta when the aggregator flag flips.
func (h *Hub) OnConnectivity(bool) {
	if h.Subscribers() == 0 {
		return
	}
	h.Publish(h.delta(DeltaConnectivity))
}
