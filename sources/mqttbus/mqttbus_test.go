package mqttbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/source"
)

type captureEmitter struct {
	batches []measurement.Batch
}

func (c *captureEmitter) Publish(batch measurement.Batch) {
	c.batches = append(c.batches, batch)
}

func TestNewValidation(t *testing.T) {
	_, err := New("env", map[string]any{"topics": []any{"a"}}, source.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")

	_, err = New("env", map[string]any{"broker": "tcp://localhost:1883"}, source.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topics")

	_, err = New("env", map[string]any{
		"broker": "tcp://localhost:1883",
		"topics": []any{"a"},
		"qos":    7,
	}, source.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qos")
}

func TestHandleMessageFlattensPayload(t *testing.T) {
	emitter := &captureEmitter{}
	src, err := New("env", map[string]any{
		"bucket":   "enclosure",
		"broker":   "tcp://localhost:1883",
		"topics":   []any{"enclosure/+/telemetry"},
		"groupers": []any{"dome"},
		"qos":      1,
	}, source.Dependencies{Emitter: emitter})
	require.NoError(t, err)

	src.(*Source).handleMessage("enclosure/east/telemetry", []byte(`{
		"dome": "east",
		"shutter": {"open": true, "position": 87.5}
	}`))

	require.Len(t, emitter.batches, 1)
	batch := emitter.batches[0]
	assert.Equal(t, "enclosure", batch.Bucket)

	m := batch.Measurements[0]
	assert.Equal(t, "env", m.Name)
	assert.Equal(t, map[string]any{
		"dome":             "east",
		"shutter.open":     true,
		"shutter.position": 87.5,
	}, m.FieldMap())
	assert.Equal(t, "east", m.Tags["dome"])
	assert.Equal(t, "enclosure/east/telemetry", m.Tags["topic"])
	assert.Equal(t, Kind, m.Tags["source"])
}

func TestHandleMessageDropsGarbage(t *testing.T) {
	emitter := &captureEmitter{}
	src, err := New("env", map[string]any{
		"broker": "tcp://localhost:1883",
		"topics": []any{"a"},
	}, source.Dependencies{Emitter: emitter})
	require.NoError(t, err)

	src.(*Source).handleMessage("a", []byte("nope"))
	src.(*Source).handleMessage("a", []byte("{}"))

	assert.Empty(t, emitter.batches)
}
