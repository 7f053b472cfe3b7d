package httppoll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/source"
)

type captureEmitter struct {
	mu      sync.Mutex
	batches []measurement.Batch
}

func (c *captureEmitter) Publish(batch measurement.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *captureEmitter) all() []measurement.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]measurement.Batch(nil), c.batches...)
}

func TestNewValidation(t *testing.T) {
	_, err := New("weather", map[string]any{}, source.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")

	_, err = New("weather", map[string]any{"url": "::not-a-url"}, source.Dependencies{})
	require.Error(t, err)
}

func TestPollEmitsFlattenedResponses(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"station": "dupont",
			"wind": {"speed": 12.5, "gust": 20.1},
			"ts": 1700000000
		}`))
	}))
	defer server.Close()

	emitter := &captureEmitter{}
	src, err := New("weather", map[string]any{
		"bucket":          "site",
		"url":             server.URL,
		"interval":        "10ms",
		"groupers":        []any{"station"},
		"timestamp_field": "ts",
	}, source.Dependencies{Emitter: emitter})
	require.NoError(t, err)

	require.NoError(t, src.Start(context.Background()))
	assert.True(t, src.Running())

	deadline := time.After(2 * time.Second)
	for len(emitter.all()) < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for polled measurements")
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NoError(t, src.Stop())
	assert.False(t, src.Running())

	batch := emitter.all()[0]
	assert.Equal(t, "site", batch.Bucket)

	m := batch.Measurements[0]
	assert.Equal(t, "weather", m.Name)
	assert.Equal(t, map[string]any{
		"station":    "dupont",
		"wind.speed": 12.5,
		"wind.gust":  20.1,
	}, m.FieldMap())
	assert.Equal(t, "dupont", m.Tags["station"])
	assert.Equal(t, Kind, m.Tags["source"])
	assert.Equal(t, int64(1700000000)*int64(time.Second), m.Time)
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestStartFailsOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	src, err := New("weather", map[string]any{"url": server.URL}, source.Dependencies{})
	require.NoError(t, err)

	err = src.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.False(t, src.Running())
}
