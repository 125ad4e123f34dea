package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *SessionError
		expected string
	}{
		{name: "kind only", err: &SessionError{Kind: KindNotConnected}, expected: "not_connected"},
		{name: "kind and message", err: &SessionError{Kind: KindBusy, Msg: "connect in progress"}, expected: "busy: connect in progress"},
		{
			name:     "kind message and cause",
			err:      &SessionError{Kind: KindWrite, Msg: "characteristic 2a19", Err: errors.New("att error")},
			expected: "write: characteristic 2a19: att error",
		},
		{name: "nil receiver", err: nil, expected: "<nil>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestSessionError_IsMatchesByKind(t *testing.T) {
	cause := errors.New("radio off")
	err := fmt.Errorf("outer: %w", NewError(KindAdapterInit, cause, "open adapter"))

	assert.ErrorIs(t, err, ErrAdapterInit)
	assert.ErrorIs(t, err, cause, "cause must stay reachable through Unwrap")
	assert.NotErrorIs(t, err, ErrConnect)
	assert.True(t, IsKind(err, KindAdapterInit))
	assert.False(t, IsKind(errors.New("plain"), KindAdapterInit))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindAdapterInit, kind)
}

func TestNewError_FormatsMessage(t *testing.T) {
	err := NewError(KindInvalidCommand, nil, "command %d out of range 1..%d", 9, 4)
	assert.Equal(t, "invalid_command: command 9 out of range 1..4", err.Error())
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		input  error
		target error
	}{
		{name: "darwin powered off", input: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), target: ErrBluetoothOff},
		{name: "bluez powered off", input: errors.New("org.bluez.Error.NotReady: adapter is powered off"), target: ErrBluetoothOff},
		{name: "device not connected", input: errors.New("Device Not Connected"), target: ErrNotConnected},
		{name: "peer disconnected", input: errors.New("peripheral disconnected"), target: ErrNotConnected},
		{name: "timeout", input: errors.New("operation timed out"), target: ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.input)
			assert.ErrorIs(t, got, tt.target)
			assert.Contains(t, got.Error(), tt.input.Error())
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})

	t.Run("unknown error passes through", func(t *testing.T) {
		in := errors.New("att: insufficient authentication")
		assert.Same(t, in, NormalizeError(in))
	})
}
