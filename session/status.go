package session

import (
	"errors"
	"fmt"

	"github.com/srg/blectl/internal/device"
)

var statusPrefix = map[device.ErrorKind]string{
	device.KindAdapterInit:         "Bluetooth initialization failed",
	device.KindScanStart:           "Failed to start scan",
	device.KindScanStop:            "Failed to stop scan, scan is still running",
	device.KindConnect:             "Connection failed",
	device.KindServiceFetch:        "Failed to get services",
	device.KindCharacteristicFetch: "Failed to get characteristics",
	device.KindNotConnected:        "Not connected",
	device.KindWrite:               "Failed to send command",
	device.KindNotInitialized:      "Bluetooth is not initialized",
	device.KindBusy:                "Operation already in progress",
	device.KindAlreadyConnected:    "Already connected",
	device.KindInvalidCommand:      "Invalid command",
}

// Describe renders an error as status text for the user
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var serr *device.SessionError
	if !errors.As(err, &serr) {
		return err.Error()
	}

	prefix, ok := statusPrefix[serr.Kind]
	if !ok {
		prefix = string(serr.Kind)
	}

	detail := serr.Msg
	if serr.Err != nil {
		cause := hint(serr.Err)
		if detail != "" {
			detail += ": "
		}
		detail += cause
	}
	if detail == "" {
		return prefix
	}
	return fmt.Sprintf("%s (%s)", prefix, detail)
}

// hint replaces well-known transport causes with actionable text
func hint(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, device.ErrTimeout):
		return "operation timed out"
	default:
		return err.Error()
	}
}
