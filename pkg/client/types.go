package client

import "time"

// RegisterRequest describes a service to add to the fleet.
type RegisterRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Endpoint    string            `json:"endpoint"`
	Environment string            `json:"environment,omitempty"`
	Location    string            `json:"location,omitempty"`
	Version     string            `json:"version,omitempty"`
	ProbeType   string            `json:"probe_type,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Health is the probe state of a service.
type Health struct {
	Status              string    `json:"status"`
	LastCheckAt         time.Time `json:"last_check_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ResponseTimes       []int64   `json:"response_times"`
}

// Performance holds the most recent samples, oldest first.
type Performance struct {
	CPUPct       []float64 `json:"cpu_pct"`
	MemPct       []float64 `json:"mem_pct"`
	RequestCount []int64   `json:"request_count"`
	LastSampleAt time.Time `json:"last_sample_at"`
}

// Service is one monitored service as reported by the API.
type Service struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	Environment    string            `json:"environment"`
	Location       string            `json:"location"`
	Version        string            `json:"version"`
	ProbeType      string            `json:"probe_type,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	RunState       string            `json:"run_state"`
	HealthScore    int               `json:"health_score"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	Uptime         float64           `json:"uptime"`
	Health         Health            `json:"health"`
	Performance    Performance       `json:"performance"`
}

type ServiceRef struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
	Location    string `json:"location"`
}

type Alert struct {
	ID             string     `json:"id"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	ServiceID      string     `json:"service_id"`
	Service        ServiceRef `json:"service"`
	Category       string     `json:"category"`
	CreatedAt      time.Time  `json:"created_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// AlertQuery filters ListAlerts. Zero value lists everything.
type AlertQuery struct {
	Severity       string
	Unacknowledged bool
	ServiceID      string
	Limit          int
}

type AlertCounts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

// Snapshot is the full fleet view handed to observers.
type Snapshot struct {
	Services            []Service   `json:"services"`
	AlertCounts         AlertCounts `json:"alertCounts"`
	AggregatorReachable bool        `json:"aggregatorReachable"`
	Timestamp           time.Time   `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type raiseRequest struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type recoveryResponse struct {
	Candidates []string `json:"candidates"`
}
