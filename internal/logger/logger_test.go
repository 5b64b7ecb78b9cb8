package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Level: "debug", Format: "JSON"}.Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
	assert.Error(t, Config{Level: "chatty"}.Validate())
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	l.Info("hidden")
	l.Warn("probe failed", "service", "api")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "probe failed", rec["msg"])
	assert.Equal(t, "api", rec["service"])
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetmon.log")
	cfg := Config{File: path}

	w := cfg.Writer()
	lw, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, lw.MaxSize)
	assert.Equal(t, DefaultMaxBackups, lw.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, lw.MaxAge)

	var stdout bytes.Buffer
	l, closer, err := New(cfg, &stdout)
	require.NoError(t, err)
	l.Info("to file")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
	assert.Empty(t, stdout.String())
}

func TestWriterNilWithoutFile(t *testing.T) {
	assert.Nil(t, Config{}.Writer())
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	l := slog.New(h).With("component", "prober")

	l.Error("boom")
	l.WithGroup("svc").Debug("tick", "id", "api")

	out := buf.String()
	// the text handler quotes the escape sequences
	assert.Contains(t, out, `[31mERROR`)
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "component=prober")
	assert.Contains(t, out, `[36mDEBUG`)
	assert.Contains(t, out, "svc.id=api")
	assert.NotContains(t, out, "time=")
}

func TestNewColorOnlyForTerminalText(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Color: true}, &buf)
	require.NoError(t, err)
	_, isColor := l.Handler().(*ColorTextHandler)
	assert.True(t, isColor)
}
