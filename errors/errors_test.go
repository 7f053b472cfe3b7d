package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormat(t *testing.T) {
	base := New("socket closed")
	err := Wrap(base, "Hub", "Publish", "observer delivery")
	require.Error(t, err)
	assert.Equal(t, "Hub.Publish: observer delivery failed: socket closed", err.Error())
	assert.True(t, Is(err, base))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Hub", "Publish", "anything"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{"wrapped transient", WrapTransient(New("boom"), "c", "m", "a"), true, false, false},
		{"wrapped invalid", WrapInvalid(New("boom"), "c", "m", "a"), false, true, false},
		{"wrapped fatal", WrapFatal(New("boom"), "c", "m", "a"), false, false, true},
		{"connection lost sentinel", ErrConnectionLost, true, false, false},
		{"unknown kind sentinel", ErrUnknownKind, false, true, true},
		{"timeout pattern", fmt.Errorf("dial tcp: i/o timeout"), true, false, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.invalid, IsInvalid(tt.err), "IsInvalid")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
		})
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	base := ErrSourceNotFound
	err := WrapInvalid(base, "Supervisor", "Remove", "lookup")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Supervisor", ce.Component)
	assert.True(t, Is(err, base))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
