// Package tls builds the API server's TLS configuration from [server.tls].
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/fleetmon/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"

	defaultValidDays = 365
)

func parseVersion(v string) (uint16, bool) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "1.2":
		return tls.VersionTLS12, true
	case "1.3":
		return tls.VersionTLS13, true
	}
	return 0, false
}

// Setup returns nil when TLS is disabled. Certificates are re-read on every
// handshake so rotated files are picked up without a restart.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("tls enabled but no certificate configured")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, certName), filepath.Join(cfg.Dir, keyName)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	out := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &c, err
		},
	}
	if v, ok := parseVersion(cfg.MinVersion); ok {
		out.MinVersion = v
	}
	if v, ok := parseVersion(cfg.MaxVersion); ok {
		out.MaxVersion = v
	}
	return out, nil
}

func generate(cfg config.TLSConfig, certPath, keyPath string) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return err
	}
	cn := cfg.CommonName
	if cn == "" {
		cn = "localhost"
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	return GenerateSelfSigned(CertRequest{
		CommonName: cn,
		Hosts:      hosts,
		ValidFor:   time.Duration(days) * 24 * time.Hour,
		CertPath:   certPath,
		KeyPath:    keyPath,
	})
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
