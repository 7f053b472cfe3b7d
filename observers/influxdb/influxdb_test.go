package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/observer"
)

type writeCapture struct {
	mu      sync.Mutex
	buckets []string
	bodies  []string
}

func (w *writeCapture) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.buckets = append(w.buckets, r.URL.Query().Get("bucket"))
		w.bodies = append(w.bodies, string(body))
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}
}

func newTestObserver(t *testing.T, capture *writeCapture, params map[string]any) observer.Observer {
	t.Helper()
	server := httptest.NewServer(capture.handler())
	t.Cleanup(server.Close)

	merged := map[string]any{
		"url":   server.URL,
		"org":   "sdss",
		"token": "secret",
	}
	for k, v := range params {
		merged[k] = v
	}
	obs, err := New("influx", merged, observer.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Close() })
	return obs
}

func TestNewValidation(t *testing.T) {
	t.Setenv(TokenEnvVar, "")

	_, err := New("influx", map[string]any{"token": "x"}, observer.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org")

	_, err = New("influx", map[string]any{"org": "sdss"}, observer.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
}

func TestNewTokenFromEnvironment(t *testing.T) {
	t.Setenv(TokenEnvVar, "from-env")
	obs, err := New("influx", map[string]any{"org": "sdss"}, observer.Dependencies{})
	require.NoError(t, err)
	require.NoError(t, obs.Close())
}

func TestReceiveWritesLineProtocol(t *testing.T) {
	capture := &writeCapture{}
	obs := newTestObserver(t, capture, nil)

	m := measurement.New("tcc")
	m.Set("secFocus", int64(570))
	m.Set("airmass", 1.04)
	m.Tag("actor", "tcc")
	m.Time = 1700000000 * int64(1e9)

	err := obs.Receive(context.Background(), measurement.Batch{
		Bucket:       "actors",
		Measurements: []measurement.Measurement{m},
	})
	require.NoError(t, err)

	require.Len(t, capture.bodies, 1)
	assert.Equal(t, []string{"actors"}, capture.buckets)

	line := strings.TrimSpace(capture.bodies[0])
	assert.Contains(t, line, "tcc,actor=tcc ")
	assert.Contains(t, line, "secFocus=570i")
	assert.Contains(t, line, "airmass=1.04")
	assert.True(t, strings.HasSuffix(line, " 1700000000000000000"))
}

func TestReceiveFallsBackToDefaultBucket(t *testing.T) {
	capture := &writeCapture{}
	obs := newTestObserver(t, capture, map[string]any{"default_bucket": "cerebro"})

	m := measurement.New("env")
	m.Set("temperature", 12.5)
	err := obs.Receive(context.Background(), measurement.Batch{
		Measurements: []measurement.Measurement{m},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cerebro"}, capture.buckets)
}

func TestReceiveRejectsUnroutableBatch(t *testing.T) {
	capture := &writeCapture{}
	obs := newTestObserver(t, capture, nil)

	m := measurement.New("env")
	m.Set("temperature", 12.5)
	err := obs.Receive(context.Background(), measurement.Batch{
		Measurements: []measurement.Measurement{m},
	})
	require.Error(t, err)
	assert.Empty(t, capture.bodies)
}

func TestReceiveAfterCloseFails(t *testing.T) {
	capture := &writeCapture{}
	obs := newTestObserver(t, capture, nil)
	require.NoError(t, obs.Close())
	require.NoError(t, obs.Close())

	m := measurement.New("env")
	m.Set("temperature", 12.5)
	err := obs.Receive(context.Background(), measurement.Batch{
		Bucket:       "actors",
		Measurements: []measurement.Measurement{m},
	})
	require.Error(t, err)
}

func TestReceiveSkipsEmptyMeasurements(t *testing.T) {
	capture := &writeCapture{}
	obs := newTestObserver(t, capture, nil)

	err := obs.Receive(context.Background(), measurement.Batch{
		Bucket:       "actors",
		Measurements: []measurement.Measurement{measurement.New("hollow")},
	})
	require.NoError(t, err)
	assert.Empty(t, capture.bodies)
}
