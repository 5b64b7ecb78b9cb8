package template

import (
	"bytes"
	"strings"
	"testing"

	"github.com/loykin/fleetmon/internal/config"
)

func TestGenerator_Generate(t *testing.T) {
	generator := NewGenerator()

	tests := []struct {
		name        string
		kind        Kind
		id          string
		expectError bool
		validate    func(*testing.T, *File)
	}{
		{
			name: "api_template",
			kind: KindAPI,
			id:   "user-service",
			validate: func(t *testing.T, f *File) {
				s := f.Services[0]
				if s.ID != "user-service" {
					t.Errorf("expected id 'user-service', got '%s'", s.ID)
				}
				if s.ProbeType != "http" || !strings.HasSuffix(s.Endpoint, "/health") {
					t.Errorf("unexpected probe: %s %s", s.ProbeType, s.Endpoint)
				}
				if f.Thresholds.ResponseTimeMs != 1000 {
					t.Errorf("expected 1000ms threshold, got %d", f.Thresholds.ResponseTimeMs)
				}
			},
		},
		{
			name: "database_alias",
			kind: KindDB,
			id:   "orders-db",
			validate: func(t *testing.T, f *File) {
				s := f.Services[0]
				if s.ProbeType != "tcp" || s.Endpoint != "localhost:5432" {
					t.Errorf("unexpected probe: %s %s", s.ProbeType, s.Endpoint)
				}
				if s.Labels["kind"] != "database" {
					t.Errorf("alias should resolve to database, got %q", s.Labels["kind"])
				}
				if f.Monitor.SampleSource != "process" {
					t.Errorf("expected process sampling, got %s", f.Monitor.SampleSource)
				}
			},
		},
		{
			name: "uppercase_kind",
			kind: "Cache",
			id:   "sessions",
			validate: func(t *testing.T, f *File) {
				if f.Services[0].Endpoint != "localhost:6379" {
					t.Errorf("unexpected endpoint %s", f.Services[0].Endpoint)
				}
			},
		},
		{
			name: "simple_has_no_labels",
			kind: KindBasic,
			id:   "thing",
			validate: func(t *testing.T, f *File) {
				if f.Services[0].Labels != nil {
					t.Errorf("expected no labels, got %v", f.Services[0].Labels)
				}
			},
		},
		{name: "unknown_kind", kind: "mainframe", id: "x", expectError: true},
		{name: "missing_id", kind: KindWeb, id: " ", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := generator.Generate(tt.kind, tt.id)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(f.Services) != 1 {
				t.Fatalf("expected one service, got %d", len(f.Services))
			}
			tt.validate(t, f)
		})
	}
}

func TestGenerateTOMLLoadsAsConfig(t *testing.T) {
	g := NewGenerator()
	for _, kind := range g.SupportedKinds() {
		t.Run(kind, func(t *testing.T) {
			b, err := g.GenerateTOML(Kind(kind), "svc-"+kind)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			cfg, err := config.Parse(bytes.NewReader(b))
			if err != nil {
				t.Fatalf("generated config does not load: %v\n%s", err, b)
			}
			if len(cfg.Services) != 1 || cfg.Services[0].ID != "svc-"+kind {
				t.Fatalf("unexpected services: %+v", cfg.Services)
			}
			if cfg.Thresholds.ResponseTimeMs <= 0 {
				t.Errorf("thresholds not carried over")
			}
		})
	}
}

func TestSupportedKinds(t *testing.T) {
	kinds := NewGenerator().SupportedKinds()
	if len(kinds) != 11 {
		t.Fatalf("expected 11 kinds, got %d: %v", len(kinds), kinds)
	}
	for _, k := range kinds {
		if _, ok := resolve(Kind(k)); !ok {
			t.Errorf("listed kind %q does not resolve", k)
		}
	}
}
