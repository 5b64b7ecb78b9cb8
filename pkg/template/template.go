// Package template generates starter fleetmon configurations for common service kinds.
package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Kind names a family of services with similar probing needs.
type Kind string

const (
	KindWeb        Kind = "web"
	KindWebapp     Kind = "webapp"
	KindAPI        Kind = "api"
	KindService    Kind = "service"
	KindWorker     Kind = "worker"
	KindBackground Kind = "background"
	KindDatabase   Kind = "database"
	KindDB         Kind = "db"
	KindCache      Kind = "cache"
	KindSimple     Kind = "simple"
	KindBasic      Kind = "basic"
)

var aliases = map[Kind]Kind{
	KindWebapp:     KindWeb,
	KindService:    KindAPI,
	KindBackground: KindWorker,
	KindDB:         KindDatabase,
	KindBasic:      KindSimple,
}

// Service is one [[services]] entry.
type Service struct {
	ID          string            `toml:"id" json:"id"`
	Name        string            `toml:"name,omitempty" json:"name,omitempty"`
	Endpoint    string            `toml:"endpoint" json:"endpoint"`
	Environment string            `toml:"environment,omitempty" json:"environment,omitempty"`
	ProbeType   string            `toml:"probe_type,omitempty" json:"probe_type,omitempty"`
	Labels      map[string]string `toml:"labels,omitempty" json:"labels,omitempty"`
}

type Thresholds struct {
	ResponseTimeMs int64   `toml:"response_time_ms"`
	CPUPct         float64 `toml:"cpu_pct"`
	MemPct         float64 `toml:"mem_pct"`
}

type Monitor struct {
	ProbeInterval string `toml:"probe_interval"`
	SampleSource  string `toml:"sample_source"`
}

// File is a complete starter configuration.
type File struct {
	Thresholds Thresholds `toml:"thresholds"`
	Monitor    Monitor    `toml:"monitor"`
	Services   []Service  `toml:"services"`
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func resolve(kind Kind) (Kind, bool) {
	k := Kind(strings.ToLower(string(kind)))
	if a, ok := aliases[k]; ok {
		k = a
	}
	switch k {
	case KindWeb, KindAPI, KindWorker, KindDatabase, KindCache, KindSimple:
		return k, true
	}
	return "", false
}

// Generate builds the starter configuration for one service of the given kind.
func (g *Generator) Generate(kind Kind, id string) (*File, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("service id is required")
	}
	k, ok := resolve(kind)
	if !ok {
		return nil, fmt.Errorf("unsupported template type: %s", kind)
	}

	f := &File{
		Thresholds: Thresholds{ResponseTimeMs: 2000, CPUPct: 90, MemPct: 85},
		Monitor:    Monitor{ProbeInterval: "30s", SampleSource: "auto"},
	}
	svc := Service{ID: id, Name: id, Environment: "production", Labels: map[string]string{"kind": string(k)}}
	switch k {
	case KindWeb:
		svc.Endpoint = "http://localhost:8080/"
		svc.ProbeType = "http"
		f.Thresholds.ResponseTimeMs = 3000
	case KindAPI:
		svc.Endpoint = "http://localhost:8080/health"
		svc.ProbeType = "http"
		f.Thresholds.ResponseTimeMs = 1000
		f.Monitor.ProbeInterval = "15s"
	case KindWorker:
		svc.Endpoint = "http://localhost:9090/health"
		svc.ProbeType = "http"
		f.Thresholds.ResponseTimeMs = 5000
		f.Thresholds.CPUPct = 95
		f.Monitor.ProbeInterval = "60s"
	case KindDatabase:
		svc.Endpoint = "localhost:5432"
		svc.ProbeType = "tcp"
		f.Thresholds.ResponseTimeMs = 500
		f.Thresholds.MemPct = 90
		f.Monitor.SampleSource = "process"
	case KindCache:
		svc.Endpoint = "localhost:6379"
		svc.ProbeType = "tcp"
		f.Thresholds.ResponseTimeMs = 200
		f.Monitor.ProbeInterval = "10s"
		f.Monitor.SampleSource = "process"
	case KindSimple:
		svc.Endpoint = "http://localhost:8080/"
		svc.Labels = nil
	}
	f.Services = []Service{svc}
	return f, nil
}

// GenerateTOML renders Generate's result as a config file.
func (g *Generator) GenerateTOML(kind Kind, id string) ([]byte, error) {
	f, err := g.Generate(kind, id)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return b, nil
}

// SupportedKinds lists every accepted kind, aliases included.
func (g *Generator) SupportedKinds() []string {
	out := []string{
		string(KindWeb), string(KindAPI), string(KindWorker),
		string(KindDatabase), string(KindCache), string(KindSimple),
	}
	for a := range aliases {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}
