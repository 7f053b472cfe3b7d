package wsstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

// wsServer upgrades each connection, sends the given frames and then holds
// the connection open so the source does not cycle into a reconnect.
func wsServer(t *testing.T, frames []string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		time.Sleep(5 * time.Second)
		conn.Close()
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestNewValidation(t *testing.T) {
	_, err := New("events", map[string]any{}, source.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")

	_, err = New("events", map[string]any{"url": "http://example.com/ws"}, source.Dependencies{})
	require.Error(t, err)
}

func TestStreamEmitsFrames(t *testing.T) {
	endpoint := wsServer(t, []string{
		`{"device": "guider", "counts": {"mean": 1523.4, "max": 9100}}`,
		`not json`,
		`{"device": "guider", "counts": {"mean": 1601.0, "max": 9050}}`,
	})

	emitter := &captureEmitter{}
	src, err := New("events", map[string]any{
		"bucket":   "cameras",
		"url":      endpoint,
		"groupers": []any{"device"},
	}, source.Dependencies{Emitter: emitter})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, src.Start(ctx))
	assert.True(t, src.Running())

	deadline := time.After(2 * time.Second)
	for len(emitter.all()) < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frames")
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NoError(t, src.Stop())
	assert.False(t, src.Running())

	batch := emitter.all()[0]
	assert.Equal(t, "cameras", batch.Bucket)

	m := batch.Measurements[0]
	assert.Equal(t, "events", m.Name)
	assert.Equal(t, map[string]any{
		"device":      "guider",
		"counts.mean": 1523.4,
		"counts.max":  float64(9100),
	}, m.FieldMap())
	assert.Equal(t, "guider", m.Tags["device"])
	assert.Equal(t, Kind, m.Tags["source"])
}

func TestStartTimesOutWhenUnreachable(t *testing.T) {
	src, err := New("events", map[string]any{"url": "ws://127.0.0.1:1/stream"}, source.Dependencies{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = src.Start(ctx)
	require.Error(t, err)
	assert.False(t, src.Running())
	require.NoError(t, src.Stop())
}
