package main

import (
	"errors"
	"fmt"

	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/session"
)

// Command-level errors
var (
	// ErrDeviceNotFound indicates the scan window ended without seeing the requested device
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNoCommandTarget indicates the connected device has no characteristic matching the target policy
	ErrNoCommandTarget = errors.New("no command target")
)

// FormatUserError renders err the way the session reports it in status text
func FormatUserError(err error) string {
	var se *device.SessionError
	if errors.As(err, &se) {
		return session.Describe(err)
	}
	if errors.Is(err, device.ErrBluetoothOff) {
		return fmt.Sprintf("Bluetooth is turned off (%v)", err)
	}
	return err.Error()
}
