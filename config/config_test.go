package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name: apo-hub
ntp_server: ntp.example.org
start_timeout: 15s
control_socket: /tmp/apo-hub.sock
metrics_port: 9191
tags:
  observatory: ${OBSERVATORY}
profiles:
  minimal:
    sources:
      - tron
    observers:
      - influxdb
sources:
  tron:
    type: keyword
    bucket: Actors
    host: localhost
    port: 6093
    actors:
      - tcc
      - apo
  govee:
    type: tcp-device
    host: 10.1.1.120
    port: 1111
    interval: 60
observers:
  influxdb:
    type: influxdb
    url: http://localhost:9999
    org: SDSS
    default_bucket: FPS
  debug:
    type: file
    path: /tmp/cerebro.jsonl
`

func TestParseFull(t *testing.T) {
	t.Setenv("OBSERVATORY", "APO")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "apo-hub", cfg.Name)
	assert.Equal(t, "ntp.example.org", cfg.NTPServer)
	assert.Equal(t, 15*time.Second, cfg.StartTimeout.Std())
	assert.Equal(t, "/tmp/apo-hub.sock", cfg.ControlSocket)
	assert.Equal(t, 9191, cfg.MetricsPort)
	assert.Equal(t, map[string]string{"observatory": "APO"}, cfg.Tags)

	tron := cfg.Sources["tron"]
	assert.Equal(t, "keyword", tron.Type)
	assert.Equal(t, "Actors", GetString(tron.Params, "bucket", ""))
	assert.Equal(t, "localhost", GetString(tron.Params, "host", ""))
	assert.Equal(t, 6093, GetInt(tron.Params, "port", 0))
	assert.Equal(t, []string{"tcc", "apo"}, GetStringSlice(tron.Params, "actors", nil))
	assert.NotContains(t, tron.Params, "type")

	influx := cfg.Observers["influxdb"]
	assert.Equal(t, "influxdb", influx.Type)
	assert.Equal(t, "http://localhost:9999", GetString(influx.Params, "url", ""))
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("sources: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, DefaultNTPServer, cfg.NTPServer)
	assert.Equal(t, DefaultControlSocket, cfg.ControlSocket)
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, DefaultStartTimeout, cfg.StartTimeout.Std())
}

func TestParseRejectsMissingType(t *testing.T) {
	_, err := Parse([]byte("sources:\n  tron:\n    host: localhost\n"))
	require.Error(t, err)

	_, err = Parse([]byte("observers:\n  sink:\n    url: http://localhost\n"))
	require.Error(t, err)
}

func TestParseRejectsUnknownProfileEntry(t *testing.T) {
	bad := `
profiles:
  minimal:
    sources:
      - missing
sources:
  tron:
    type: keyword
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestResolveProfile(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	sources, observers, err := cfg.Resolve("minimal")
	require.NoError(t, err)
	assert.Len(t, sources, 1)
	assert.Contains(t, sources, "tron")
	assert.Len(t, observers, 1)
	assert.Contains(t, observers, "influxdb")

	// Empty profile selects everything.
	sources, observers, err = cfg.Resolve("")
	require.NoError(t, err)
	assert.Len(t, sources, 2)
	assert.Len(t, observers, 2)

	_, _, err = cfg.Resolve("nope")
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cerebro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "apo-hub", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestQueueSizeOption(t *testing.T) {
	cfg, err := Parse([]byte("queue_size: 1024\n"))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.QueueSize)

	// Unset means the hub default; the loader does not impose one.
	cfg, err = Parse([]byte("name: cerebro\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.QueueSize)
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse([]byte("start_timeout: 30\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.StartTimeout.Std())

	cfg, err = Parse([]byte("start_timeout: 2.5\n"))
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.StartTimeout.Std())

	cfg, err = Parse([]byte("start_timeout: 1m30s\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.StartTimeout.Std())

	_, err = Parse([]byte("start_timeout: soon\n"))
	require.Error(t, err)
}

func TestHelpers(t *testing.T) {
	params := map[string]any{
		"host":     "localhost",
		"port":     6093,
		"ratio":    0.5,
		"enabled":  true,
		"interval": "45s",
		"seconds":  float64(30),
	}

	assert.Equal(t, "localhost", GetString(params, "host", "fallback"))
	assert.Equal(t, "fallback", GetString(params, "port", "fallback"))
	assert.Equal(t, 6093, GetInt(params, "port", 0))
	assert.Equal(t, 7, GetInt(params, "missing", 7))
	assert.Equal(t, 0.5, GetFloat64(params, "ratio", 0))
	assert.True(t, GetBool(params, "enabled", false))
	assert.Equal(t, 45*time.Second, GetDuration(params, "interval", 0))
	assert.Equal(t, 30*time.Second, GetDuration(params, "seconds", 0))
	assert.Equal(t, time.Minute, GetDuration(params, "missing", time.Minute))
	assert.True(t, HasKey(params, "host"))
	assert.False(t, HasKey(params, "nope"))
}
