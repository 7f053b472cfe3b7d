package keyword

import (
	"context"
	"net"
	"strconv"
	"sync"
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

func (c *captureEmitter) measurements() []measurement.Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []measurement.Measurement
	for _, b := range c.batches {
		all = append(all, b.Measurements...)
	}
	return all
}

// keywordHub streams the given lines to every client that connects.
func keywordHub(t *testing.T, lines []string) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				for _, line := range lines {
					if _, err := conn.Write([]byte(line + "\n")); err != nil {
						break
					}
				}
				// Keep the stream open so the client does not reconnect.
				time.Sleep(5 * time.Second)
				_ = conn.Close()
			}()
		}
	}()
	return listener.Addr().String()
}

func TestStreamEmitsPerActor(t *testing.T) {
	addr := keywordHub(t, []string{
		"tcc axePos=121.2,30.5; secFocus=570",
		"apo pressure=730.1",
		"mcp status=ok",
	})
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	emitter := &captureEmitter{}
	src, err := New("tron", map[string]any{
		"host":   host,
		"port":   port,
		"bucket": "Actors",
		"actors": []any{"tcc", "apo"},
	}, source.Dependencies{Emitter: emitter})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, src.Start(ctx))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(emitter.measurements()) < 2 {
		time.Sleep(time.Millisecond)
	}

	ms := emitter.measurements()
	require.Len(t, ms, 2) // mcp filtered out

	assert.Equal(t, "tcc", ms[0].Name)
	assert.Equal(t, map[string]any{
		"axePos_0": 121.2,
		"axePos_1": 30.5,
		"secFocus": int64(570),
	}, ms[0].FieldMap())
	assert.Equal(t, "tcc", ms[0].Tags["actor"])
	assert.Equal(t, Kind, ms[0].Tags["source"])

	assert.Equal(t, "apo", ms[1].Name)
	assert.Equal(t, map[string]any{"pressure": 730.1}, ms[1].FieldMap())

	require.NoError(t, src.Stop())
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New("tron", map[string]any{"port": 6093}, source.Dependencies{})
	assert.Error(t, err)

	_, err = New("tron", map[string]any{"host": "localhost"}, source.Dependencies{})
	assert.Error(t, err)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantActor string
		wantMap   map[string]any
	}{
		{"single keyword", "tcc secFocus=570", "tcc", map[string]any{"secFocus": int64(570)}},
		{"multi value", "tcc axePos=1.5,2.5", "tcc",
			map[string]any{"axePos_0": 1.5, "axePos_1": 2.5}},
		{"several keywords", "apo pressure=730.1; humidity=23", "apo",
			map[string]any{"pressure": 730.1, "humidity": int64(23)}},
		{"string value", "mcp state=tracking", "mcp", map[string]any{"state": "tracking"}},
		{"bare actor", "tcc", "", nil},
		{"empty", "", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor, fields := ParseLine(tt.line)
			assert.Equal(t, tt.wantActor, actor)
			if tt.wantMap == nil {
				assert.Empty(t, fields)
				return
			}
			m := measurement.Measurement{Fields: fields}
			assert.Equal(t, tt.wantMap, m.FieldMap())
		})
	}
}
