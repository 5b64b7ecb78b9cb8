package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/env"
	"github.com/loykin/fleetmon/internal/logger"
	"github.com/loykin/fleetmon/internal/service"
)

// EnvPrefix is the prefix of environment overrides, e.g. FLEETMON_SERVER_LISTEN.
const EnvPrefix = "FLEETMON"

// Config represents the top-level TOML structure.
type Config struct {
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Thresholds alert.Thresholds `mapstructure:"thresholds"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Services   []service.Spec   `mapstructure:"services"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        logger.Config    `mapstructure:"log"`
	History    HistoryConfig    `mapstructure:"history"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	// Env holds variables for ${NAME} references; unset names fall back to the process environment.
	Env map[string]string `mapstructure:"env"`
}

type MonitorConfig struct {
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	SampleTimeout     time.Duration `mapstructure:"sample_timeout"`
	SampleConcurrency int           `mapstructure:"sample_concurrency"`
	SampleSource      string        `mapstructure:"sample_source"` // process, http or auto
	StatsPath         string        `mapstructure:"stats_path"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	RecoveryThreshold float64       `mapstructure:"recovery_threshold"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"` // zero keeps every alert
}

type AlertsConfig struct {
	alert.Limits `mapstructure:",squash"`
	Retention    time.Duration `mapstructure:"retention"`
}

type AggregatorConfig struct {
	URL            string        `mapstructure:"url"`
	HealthURL      string        `mapstructure:"health_url"`
	Subject        string        `mapstructure:"subject"`
	Timeout        time.Duration `mapstructure:"timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	Source         string        `mapstructure:"source"`
	SourcePort     int           `mapstructure:"source_port"`
}

type BroadcastConfig struct {
	Buffer      int    `mapstructure:"buffer"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

type ServerConfig struct {
	Listen    string    `mapstructure:"listen"`
	BasePath  string    `mapstructure:"base_path"`
	JWTSecret string    `mapstructure:"jwt_secret"`
	TLS       TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile win over Dir; with
// AutoGenerate a self-signed pair is written to Dir when it is missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"` // DNS names or IPs put in generated certs
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
	MaxVersion   string   `mapstructure:"max_version"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // empty serves /metrics on the API listener
}

type HistoryConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Sinks     []string `mapstructure:"sinks"` // DSNs, see history/factory
	QueueSize int      `mapstructure:"queue_size"`
}

type SupervisorConfig struct {
	Type       string            `mapstructure:"type"` // always, static or provisr
	ProvisrURL string            `mapstructure:"provisr_url"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Names      map[string]string `mapstructure:"names"` // service id -> supervisor process name
	Stopped    []string          `mapstructure:"stopped"`
}

// ConfigurationError lists every invalid field found while loading.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

var requiredThresholds = []string{"thresholds.response_time_ms", "thresholds.cpu_pct", "thresholds.mem_pct"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.probe_interval", "30s")
	v.SetDefault("monitor.probe_timeout", "10s")
	v.SetDefault("monitor.sample_interval", "10s")
	v.SetDefault("monitor.sample_timeout", "5s")
	v.SetDefault("monitor.sample_concurrency", 8)
	v.SetDefault("monitor.sample_source", "auto")
	v.SetDefault("monitor.stats_path", "/stats")
	v.SetDefault("monitor.prune_interval", "5s")
	v.SetDefault("monitor.recovery_threshold", 80.0)
	v.SetDefault("monitor.dedup_window", "0s")

	lim := alert.DefaultLimits()
	v.SetDefault("alerts.critical", lim.Critical)
	v.SetDefault("alerts.warning", lim.Warning)
	v.SetDefault("alerts.info", lim.Info)
	v.SetDefault("alerts.retention", alert.DefaultRetention.String())

	v.SetDefault("aggregator.subject", "fleetmon.alerts")
	v.SetDefault("aggregator.timeout", "5s")
	v.SetDefault("aggregator.health_interval", "30s")

	v.SetDefault("broadcast.buffer", 64)
	v.SetDefault("broadcast.nats_subject", "fleetmon.deltas")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("history.queue_size", 256)

	v.SetDefault("supervisor.type", "always")
	v.SetDefault("supervisor.timeout", "5s")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without defaults are only seen by Unmarshal when bound explicitly
	for _, k := range requiredThresholds {
		_ = v.BindEnv(k)
	}
	setDefaults(v)
	return v
}

// Load reads a TOML file, applies defaults and FLEETMON_* overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// Parse is Load for an in-memory TOML document.
func Parse(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expand()
	ce := &ConfigurationError{}
	for _, k := range requiredThresholds {
		if !v.IsSet(k) {
			ce.add("%s is required", k)
		}
	}
	cfg.validate(ce)
	if len(ce.Problems) > 0 {
		return nil, ce
	}
	return &cfg, nil
}

// expand resolves ${NAME} in fields that commonly carry hosts or secrets.
func (c *Config) expand() {
	vars := env.FromOS()
	for k, v := range c.Env {
		vars.Set(k, v)
	}
	for i := range c.Services {
		c.Services[i].Endpoint = vars.Expand(c.Services[i].Endpoint)
	}
	for _, p := range []*string{
		&c.Aggregator.URL, &c.Aggregator.HealthURL, &c.Aggregator.Source,
		&c.Broadcast.NATSURL,
		&c.Server.JWTSecret, &c.Server.TLS.CertFile, &c.Server.TLS.KeyFile, &c.Server.TLS.Dir,
		&c.Supervisor.ProvisrURL,
		&c.Log.File,
	} {
		*p = vars.Expand(*p)
	}
	vars.ExpandAll(c.History.Sinks)
}

// Validate checks a programmatically built Config.
func (c *Config) Validate() error {
	ce := &ConfigurationError{}
	c.validate(ce)
	if len(ce.Problems) > 0 {
		return ce
	}
	return nil
}

func (c *Config) validate(ce *ConfigurationError) {
	th := c.Thresholds
	if th.ResponseTimeMs <= 0 {
		ce.add("thresholds.response_time_ms must be > 0")
	}
	if th.CPUPct <= 0 || th.CPUPct > 100 {
		ce.add("thresholds.cpu_pct must be in (0, 100]")
	}
	if th.MemPct <= 0 || th.MemPct > 100 {
		ce.add("thresholds.mem_pct must be in (0, 100]")
	}

	m := c.Monitor
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"monitor.probe_interval", m.ProbeInterval},
		{"monitor.probe_timeout", m.ProbeTimeout},
		{"monitor.sample_interval", m.SampleInterval},
		{"monitor.sample_timeout", m.SampleTimeout},
		{"monitor.prune_interval", m.PruneInterval},
		{"alerts.retention", c.Alerts.Retention},
	} {
		if d.val <= 0 {
			ce.add("%s must be > 0", d.key)
		}
	}
	if m.DedupWindow < 0 {
		ce.add("monitor.dedup_window must be >= 0")
	}
	if m.SampleConcurrency <= 0 {
		ce.add("monitor.sample_concurrency must be > 0")
	}
	switch m.SampleSource {
	case "auto", "process", "http":
	default:
		ce.add("monitor.sample_source must be one of auto, process, http")
	}
	if m.RecoveryThreshold < 0 || m.RecoveryThreshold > 100 {
		ce.add("monitor.recovery_threshold must be in [0, 100]")
	}

	if c.Alerts.Critical <= 0 || c.Alerts.Warning <= 0 || c.Alerts.Info <= 0 {
		ce.add("alerts limits must be > 0")
	}

	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if err := s.Validate(); err != nil {
			ce.add("services[%d]: %v", i, err)
			continue
		}
		if seen[s.ID] {
			ce.add("services[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}

	a := c.Aggregator
	if a.URL != "" {
		u, err := url.Parse(a.URL)
		if err != nil || u.Host == "" {
			ce.add("aggregator.url %q is not a valid URL", a.URL)
		} else {
			switch u.Scheme {
			case "http", "https", "nats", "tls":
			default:
				ce.add("aggregator.url scheme %q is not supported", u.Scheme)
			}
		}
		if a.Timeout <= 0 {
			ce.add("aggregator.timeout must be > 0")
		} else if m.ProbeInterval > 0 && a.Timeout >= m.ProbeInterval {
			ce.add("aggregator.timeout must be below monitor.probe_interval")
		}
		if a.HealthInterval <= 0 {
			ce.add("aggregator.health_interval must be > 0")
		}
	}

	if c.Broadcast.Buffer <= 0 {
		ce.add("broadcast.buffer must be > 0")
	}
	if c.Broadcast.NATSURL != "" && c.Broadcast.NATSSubject == "" {
		ce.add("broadcast.nats_subject is required with broadcast.nats_url")
	}

	if c.Server.Listen == "" {
		ce.add("server.listen is required")
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			ce.add("server.tls.cert_file and server.tls.key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			ce.add("server.tls needs cert_file/key_file or dir")
		}
		for _, v := range []string{t.MinVersion, t.MaxVersion} {
			switch v {
			case "", "1.2", "1.3":
			default:
				ce.add("server.tls version %q must be 1.2 or 1.3", v)
			}
		}
	}

	if err := c.Log.Validate(); err != nil {
		ce.add("log: %v", err)
	}

	if c.History.Enabled && len(c.History.Sinks) == 0 {
		ce.add("history.sinks must list at least one DSN when history is enabled")
	}

	switch c.Supervisor.Type {
	case "always", "static":
	case "provisr":
		if c.Supervisor.ProvisrURL == "" {
			ce.add("supervisor.provisr_url is required for type provisr")
		}
	default:
		ce.add("supervisor.type must be one of always, static, provisr")
	}
}

// IsConfigurationError reports whether err came from validation.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
