package service

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Window sizes for the rolling buffers kept per service.
const (
	ResponseWindow = 10
	SampleWindow   = 100
)

// RunState is reported by the external process supervisor. The monitor only reads it.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateRunning RunState = "running"
)

// Status is the outcome of the most recent health probe.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusError     Status = "error"
)

// ProbeType selects how a service endpoint is probed.
type ProbeType string

const (
	ProbeHTTP ProbeType = "http"
	ProbeTCP  ProbeType = "tcp"
)

// Spec is the identity of a monitored service as supplied by configuration or the API.
type Spec struct {
	ID          string            `json:"id" mapstructure:"id"`
	Name        string            `json:"name" mapstructure:"name"`
	Endpoint    string            `json:"endpoint" mapstructure:"endpoint"`
	Environment string            `json:"environment" mapstructure:"environment"`
	Location    string            `json:"location" mapstructure:"location"`
	Version     string            `json:"version" mapstructure:"version"`
	ProbeType   ProbeType         `json:"probe_type,omitempty" mapstructure:"probe_type"`
	Labels      map[string]string `json:"labels,omitempty" mapstructure:"labels"`
}

// Validate checks the invariants every registered service must satisfy.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("service id is required")
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("service %s: endpoint is required", s.ID)
	}
	switch s.ProbeType {
	case "", ProbeHTTP, ProbeTCP:
	default:
		return fmt.Errorf("service %s: unknown probe type %q", s.ID, s.ProbeType)
	}
	return nil
}

// EffectiveProbeType returns ProbeType, inferring http for URL endpoints and tcp otherwise.
func (s Spec) EffectiveProbeType() ProbeType {
	if s.ProbeType != "" {
		return s.ProbeType
	}
	lower := strings.ToLower(s.Endpoint)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ProbeHTTP
	}
	return ProbeTCP
}

// Service is a managed service together with the values derived from probing it.
type Service struct {
	Spec
	RunState       RunState `json:"run_state"`
	HealthScore    int      `json:"health_score"`
	ResponseTimeMs int64    `json:"response_time_ms"`
	Uptime         float64  `json:"uptime"`
}

// New builds the initial state for a freshly registered service.
func New(spec Spec) Service {
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	spec.Labels = maps.Clone(spec.Labels)
	return Service{
		Spec:        spec,
		RunState:    RunStateStopped,
		HealthScore: 100,
		Uptime:      100,
	}
}

// HealthRecord is owned by the health prober of a single service.
type HealthRecord struct {
	Status              Status       `json:"status"`
	LastCheckAt         time.Time    `json:"last_check_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ResponseTimes       *Ring[int64] `json:"response_times"`
}

func NewHealthRecord() HealthRecord {
	return HealthRecord{Status: StatusUnknown, ResponseTimes: NewRing[int64](ResponseWindow)}
}

// AverageResponseMs is the mean of the response time window, 0 when empty.
func (h HealthRecord) AverageResponseMs() float64 {
	return Mean(h.ResponseTimes.Values())
}

func (h HealthRecord) Clone() HealthRecord {
	h.ResponseTimes = h.ResponseTimes.Clone()
	return h
}

// Sample is one metrics sampler tick for a service.
type Sample struct {
	CPUPct       float64   `json:"cpu_pct"`
	MemPct       float64   `json:"mem_pct"`
	RequestCount int64     `json:"request_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// Performance holds the rolling sample windows owned by the metrics sampler.
type Performance struct {
	CPUPct       *Ring[float64] `json:"cpu_pct"`
	MemPct       *Ring[float64] `json:"mem_pct"`
	RequestCount *Ring[int64]   `json:"request_count"`
	LastSampleAt time.Time      `json:"last_sample_at"`
}

func NewPerformance() Performance {
	return Performance{
		CPUPct:       NewRing[float64](SampleWindow),
		MemPct:       NewRing[float64](SampleWindow),
		RequestCount: NewRing[int64](SampleWindow),
	}
}

// Append records s in all three windows.
func (p *Performance) Append(s Sample) {
	p.CPUPct.Push(s.CPUPct)
	p.MemPct.Push(s.MemPct)
	p.RequestCount.Push(s.RequestCount)
	p.LastSampleAt = s.Timestamp
}

func (p Performance) Clone() Performance {
	p.CPUPct = p.CPUPct.Clone()
	p.MemPct = p.MemPct.Clone()
	p.RequestCount = p.RequestCount.Clone()
	return p
}

// Snapshot is a consistent, deep-copied view of one registry entry.
type Snapshot struct {
	Service
	Health      HealthRecord `json:"health"`
	Performance Performance  `json:"performance"`
}

// Ref is the part of a service captured into alerts at creation time.
type Ref struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
	Location    string `json:"location"`
}

func (s Service) Ref() Ref {
	return Ref{Name: s.Name, Environment: s.Environment, Location: s.Location}
}

// ProbeOutcome is the result of one active liveness probe.
type ProbeOutcome struct {
	OK          bool      `json:"ok"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	Error       string    `json:"error,omitempty"`
	Unreachable bool      `json:"unreachable,omitempty"`
	At          time.Time `json:"at"`
	// PriorFailures is the consecutive failure count before this probe was applied.
	PriorFailures int `json:"prior_failures,omitempty"`
}
