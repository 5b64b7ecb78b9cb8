package alert

import (
	"sort"
	"sync"
	"time"
)

const DefaultRetention = 24 * time.Hour

// Limits caps how many alerts of each severity are kept.
type Limits struct {
	Critical int `mapstructure:"critical" json:"critical"`
	Warning  int `mapstructure:"warning" json:"warning"`
	Info     int `mapstructure:"info" json:"info"`
}

func DefaultLimits() Limits { return Limits{Critical: 50, Warning: 100, Info: 50} }

func (l Limits) of(s Severity) int {
	switch s {
	case SeverityCritical:
		return l.Critical
	case SeverityWarning:
		return l.Warning
	default:
		return l.Info
	}
}

// Filter narrows List. Zero value matches everything.
type Filter struct {
	Severity           Severity
	UnacknowledgedOnly bool
	ServiceID          string
	Limit              int
}

type held struct {
	Alert
	seq uint64
}

// Store keeps alerts in one insertion-ordered list per severity.
type Store struct {
	mu        sync.RWMutex
	limits    Limits
	retention time.Duration
	lists     map[Severity][]held
	seq       uint64
}

func NewStore(limits Limits, retention time.Duration) *Store {
	d := DefaultLimits()
	if limits.Critical <= 0 {
		limits.Critical = d.Critical
	}
	if limits.Warning <= 0 {
		limits.Warning = d.Warning
	}
	if limits.Info <= 0 {
		limits.Info = d.Info
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		limits:    limits,
		retention: retention,
		lists:     make(map[Severity][]held, len(Severities)),
	}
}

// Add inserts a and truncates its severity list to the configured maximum,
// returning the alerts dropped to make room (oldest first).
func (s *Store) Add(a Alert) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	list := append(s.lists[a.Severity], held{Alert: a, seq: s.seq})
	var evicted []Alert
	if over := len(list) - s.limits.of(a.Severity); over > 0 {
		for _, h := range list[:over] {
			evicted = append(evicted, h.Alert)
		}
		list = append([]held(nil), list[over:]...)
	}
	s.lists[a.Severity] = list
	return evicted
}

// Prune removes every alert created before now minus the retention window,
// acknowledged or not.
func (s *Store) Prune(now time.Time) []Alert {
	cutoff := now.Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Alert
	for sev, list := range s.lists {
		kept := list[:0]
		for _, h := range list {
			if h.CreatedAt.Before(cutoff) {
				removed = append(removed, h.Alert)
				continue
			}
			kept = append(kept, h)
		}
		s.lists[sev] = kept
	}
	return removed
}

// Acknowledge marks an alert acknowledged. Repeated calls leave the first
// acknowledgement time in place and report changed=false.
func (s *Store) Acknowledge(id string, now time.Time) (a Alert, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.lists {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if !list[i].Acknowledged {
				at := now
				list[i].Acknowledged = true
				list[i].AcknowledgedAt = &at
				changed = true
			}
			return copyAlert(list[i].Alert), changed, nil
		}
	}
	return Alert{}, false, ErrNotFound
}

func (s *Store) Get(id string) (Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.lists {
		for _, h := range list {
			if h.ID == id {
				return copyAlert(h.Alert), true
			}
		}
	}
	return Alert{}, false
}

// List returns matching alerts newest first.
func (s *Store) List(f Filter) []Alert {
	s.mu.RLock()
	var hs []held
	for _, sev := range Severities {
		if f.Severity != "" && f.Severity != sev {
			continue
		}
		for _, h := range s.lists[sev] {
			if f.UnacknowledgedOnly && h.Acknowledged {
				continue
			}
			if f.ServiceID != "" && h.ServiceID != f.ServiceID {
				continue
			}
			hs = append(hs, h)
		}
	}
	s.mu.RUnlock()

	sort.Slice(hs, func(i, j int) bool {
		if !hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
			return hs[i].CreatedAt.After(hs[j].CreatedAt)
		}
		return hs[i].seq > hs[j].seq
	})
	if f.Limit > 0 && len(hs) > f.Limit {
		hs = hs[:f.Limit]
	}
	out := make([]Alert, len(hs))
	for i, h := range hs {
		out[i] = copyAlert(h.Alert)
	}
	return out
}

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Critical: len(s.lists[SeverityCritical]),
		Warning:  len(s.lists[SeverityWarning]),
		Info:     len(s.lists[SeverityInfo]),
	}
}

func copyAlert(a Alert) Alert {
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	return a
}
