package monitor

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/loykin/fleetmon/internal/config"
	"github.com/loykin/fleetmon/internal/history"
	"github.com/loykin/fleetmon/internal/history/factory"
	"github.com/loykin/fleetmon/internal/propagation"
	"github.com/loykin/fleetmon/internal/sampler"
	"github.com/loykin/fleetmon/internal/supervisor"
)

// FromConfig builds a monitor with every collaborator described by cfg and
// registers the configured services.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sup, pids := buildSupervisor(cfg, logger)
	src, err := buildSource(cfg.Monitor, pids)
	if err != nil {
		return nil, err
	}

	prop, err := propagation.NewFromConfig(propagation.Config{
		URL:        cfg.Aggregator.URL,
		HealthURL:  cfg.Aggregator.HealthURL,
		Subject:    cfg.Aggregator.Subject,
		Timeout:    cfg.Aggregator.Timeout,
		Source:     cfg.Aggregator.Source,
		SourcePort: sourcePort(cfg),
	}, logger.With("component", "propagation"))
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithSupervisor(sup),
		WithSource(src),
		WithPropagation(prop),
	}

	var rec *history.Recorder
	if cfg.History.Enabled {
		sinks := make([]history.Sink, 0, len(cfg.History.Sinks))
		for _, dsn := range cfg.History.Sinks {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				closeSinks(sinks)
				_ = prop.Close()
				return nil, fmt.Errorf("history sink: %w", err)
			}
			sinks = append(sinks, s)
		}
		rec = history.NewRecorder(logger.With("component", "history"), cfg.History.QueueSize, sinks...)
		opts = append(opts, WithHistory(rec))
	}

	if cfg.Broadcast.NATSURL != "" {
		nc, err := nats.Connect(cfg.Broadcast.NATSURL,
			nats.Name("fleetmon-broadcast"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			_ = prop.Close()
			if rec != nil {
				_ = rec.Close()
			}
			return nil, fmt.Errorf("broadcast nats: %w", err)
		}
		opts = append(opts, WithNATS(nc))
	}

	m := New(Config{
		Thresholds:        cfg.Thresholds,
		Limits:            cfg.Alerts.Limits,
		Retention:         cfg.Alerts.Retention,
		ProbeInterval:     cfg.Monitor.ProbeInterval,
		ProbeTimeout:      cfg.Monitor.ProbeTimeout,
		SampleInterval:    cfg.Monitor.SampleInterval,
		SampleTimeout:     cfg.Monitor.SampleTimeout,
		SampleConcurrency: cfg.Monitor.SampleConcurrency,
		PruneInterval:     cfg.Monitor.PruneInterval,
		HealthInterval:    cfg.Aggregator.HealthInterval,
		RecoveryThreshold: cfg.Monitor.RecoveryThreshold,
		DedupWindow:       cfg.Monitor.DedupWindow,
		BroadcastBuffer:   cfg.Broadcast.Buffer,
		NATSSubject:       cfg.Broadcast.NATSSubject,
	}, opts...)

	for _, spec := range cfg.Services {
		if _, err := m.Register(spec); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}

func buildSupervisor(cfg *config.Config, logger *slog.Logger) (supervisor.Supervisor, supervisor.PIDLookup) {
	switch cfg.Supervisor.Type {
	case "static":
		st := supervisor.NewStatic()
		stopped := make(map[string]bool, len(cfg.Supervisor.Stopped))
		for _, id := range cfg.Supervisor.Stopped {
			stopped[id] = true
		}
		for _, s := range cfg.Services {
			st.Set(s.ID, !stopped[s.ID], 0)
		}
		return st, st
	case "provisr":
		p := supervisor.NewProvisrHTTP(cfg.Supervisor.ProvisrURL, cfg.Supervisor.Timeout)
		p.Names = cfg.Supervisor.Names
		p.Logger = logger.With("component", "supervisor")
		return p, p
	}
	return supervisor.AlwaysRunning{}, nil
}

func buildSource(mc config.MonitorConfig, pids supervisor.PIDLookup) (sampler.Source, error) {
	httpSrc := sampler.NewHTTPSource(mc.StatsPath)
	switch mc.SampleSource {
	case "http":
		return httpSrc, nil
	case "process":
		if pids == nil {
			return nil, fmt.Errorf("monitor.sample_source process needs a supervisor that reports pids")
		}
		return sampler.NewProcessSource(pids), nil
	}
	if pids == nil {
		return httpSrc, nil
	}
	return sampler.Fallback{sampler.NewProcessSource(pids), httpSrc}, nil
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// sourcePort is the configured aggregator source port, or the API listen
// port when none is set.
func sourcePort(cfg *config.Config) int {
	if cfg.Aggregator.SourcePort != 0 {
		return cfg.Aggregator.SourcePort
	}
	_, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}
