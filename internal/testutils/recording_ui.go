package testutils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/srg/blectl/internal/device"
)

// RecordingUI records every UI notification as a line of text, e.g.
// "status: Bluetooth initialized" or "commands: true"
type RecordingUI struct {
	mu      sync.Mutex
	events  []string
	devices []device.DiscoveredDevice
}

// NewRecordingUI creates an empty recorder
func NewRecordingUI() *RecordingUI {
	return &RecordingUI{}
}

func (u *RecordingUI) record(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, fmt.Sprintf(format, args...))
}

func (u *RecordingUI) Status(text string) { u.record("status: %s", text) }

func (u *RecordingUI) DeviceDiscovered(dev device.DiscoveredDevice) {
	u.mu.Lock()
	u.devices = append(u.devices, dev)
	u.mu.Unlock()
	u.record("discovered: %s", dev)
}

func (u *RecordingUI) ScanEnabled(enabled bool) { u.record("scan_enabled: %t", enabled) }

func (u *RecordingUI) ScanStateChanged(state device.ScanState) { u.record("scan_state: %s", state) }

func (u *RecordingUI) CommandsEnabled(enabled bool) { u.record("commands: %t", enabled) }

// Events returns a copy of all recorded lines
func (u *RecordingUI) Events() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.events...)
}

// Devices returns the devices announced so far
func (u *RecordingUI) Devices() []device.DiscoveredDevice {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]device.DiscoveredDevice(nil), u.devices...)
}

// Statuses returns only the status texts
func (u *RecordingUI) Statuses() []string {
	var out []string
	for _, e := range u.Events() {
		if text, ok := strings.CutPrefix(e, "status: "); ok {
			out = append(out, text)
		}
	}
	return out
}

// LastStatus returns the most recent status text, or ""
func (u *RecordingUI) LastStatus() string {
	statuses := u.Statuses()
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

// Reset forgets everything recorded so far
func (u *RecordingUI) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = nil
	u.devices = nil
}
