package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetmon/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupWithoutCertificate(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	require.Error(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err, "missing files without auto_generate")
}

func TestAutoGenerateServesHandshake(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.FileExists(t, filepath.Join(dir, certName))
	assert.FileExists(t, filepath.Join(dir, keyName))

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("ok"))
		_ = conn.Close()
	}()

	pemBytes, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemBytes))

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))
}

func TestExistingFilesAreNotRegenerated(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, certName), filepath.Join(dir, keyName)
	require.NoError(t, GenerateSelfSigned(CertRequest{CommonName: "x", Hosts: []string{"x"}, ValidFor: time.Hour, CertPath: cert, KeyPath: key}))
	before, err := os.ReadFile(cert)
	require.NoError(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(cert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestParseVersion(t *testing.T) {
	v, ok := parseVersion("TLS1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseVersion("")
	assert.False(t, ok)
}
