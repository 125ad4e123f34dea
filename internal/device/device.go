package device

import (
	"fmt"
	"strings"
)

// UnnamedDevice is the label shown for devices that advertise no name.
const UnnamedDevice = "Unnamed device"

// AdapterState is the lifecycle state of the local Bluetooth adapter
type AdapterState int

const (
	AdapterUninitialized AdapterState = iota
	AdapterInitialized
	AdapterInitFailed
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUninitialized:
		return "uninitialized"
	case AdapterInitialized:
		return "initialized"
	case AdapterInitFailed:
		return "init_failed"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}

// ScanState tells whether discovery is running
type ScanState int

const (
	ScanIdle ScanState = iota
	ScanScanning
)

func (s ScanState) String() string {
	switch s {
	case ScanIdle:
		return "idle"
	case ScanScanning:
		return "scanning"
	default:
		return fmt.Sprintf("ScanState(%d)", int(s))
	}
}

// DiscoveredDevice is a peripheral reported by the transport during discovery.
// Advertisement carries the backend's raw advertisement and is never inspected by the core.
type DiscoveredDevice struct {
	ID            string
	Name          string
	RSSI          int
	Advertisement any
}

// DisplayName returns the advertised name or the UnnamedDevice placeholder
func (d DiscoveredDevice) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return UnnamedDevice
}

func (d DiscoveredDevice) String() string {
	return fmt.Sprintf("%s (%s)", d.DisplayName(), d.ID)
}

// Capability is a bit set of characteristic operations
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapWriteNoResponse
	CapNotify
)

// Has reports whether all bits of other are set
func (c Capability) Has(other Capability) bool {
	return other != 0 && c&other == other
}

// Writable reports whether the characteristic accepts writes in any mode
func (c Capability) Writable() bool {
	return c&(CapWrite|CapWriteNoResponse) != 0
}

func (c Capability) String() string {
	if c == 0 {
		return "unknown"
	}
	names := make([]string, 0, 4)
	if c&CapRead != 0 {
		names = append(names, "read")
	}
	if c&CapWrite != 0 {
		names = append(names, "write")
	}
	if c&CapWriteNoResponse != 0 {
		names = append(names, "write-without-response")
	}
	if c&CapNotify != 0 {
		names = append(names, "notify")
	}
	return strings.Join(names, ",")
}

// ServiceDescriptor identifies a GATT service on the connected peripheral
type ServiceDescriptor struct {
	ServiceID string
}

// CharacteristicDescriptor identifies a GATT characteristic within a service
type CharacteristicDescriptor struct {
	ServiceID        string
	CharacteristicID string
	Capabilities     Capability
}

func (c CharacteristicDescriptor) String() string {
	return fmt.Sprintf("%s/%s", ShortenUUID(c.ServiceID), ShortenUUID(c.CharacteristicID))
}

// Connection is the single active peer link.
// Epoch increases with every successful connect and lets late results detect they are stale.
type Connection struct {
	DeviceID string
	Epoch    uint64
	ID       string
}

// ConnectionStateEvent is an unsolicited link state report from the transport
type ConnectionStateEvent struct {
	DeviceID  string
	Connected bool
}
