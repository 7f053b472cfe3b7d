package kindregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistriesCarryAllBuiltins(t *testing.T) {
	sources, observers, err := Registries()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"http-poll", "keyword", "modbus", "mqtt", "nats", "tcp-device", "websocket",
	}, sources.Kinds())
	assert.Equal(t, []string{"file", "influxdb", "timescale"}, observers.Kinds())
}

func TestRegisterSourcesTwiceFails(t *testing.T) {
	sources, _, err := Registries()
	require.NoError(t, err)
	require.Error(t, RegisterSources(sources))
}
