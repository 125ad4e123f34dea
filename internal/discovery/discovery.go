// Package discovery owns the scan lifecycle and the registry of discovered devices.
package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
)

// Readiness reports whether the adapter is open
type Readiness interface {
	Initialized() bool
}

// DiscoveredHandler is called exactly once per new device ID
type DiscoveredHandler func(dev device.DiscoveredDevice)

// Options configures the discovery manager
type Options struct {
	// Timeout bounds StartScan and StopScan; zero means unbounded
	Timeout time.Duration
	// ClearOnScan empties the registry every time a scan starts
	ClearOnScan bool
}

type entry struct {
	dev device.DiscoveredDevice
	seq uint64
}

// Manager handles BLE device discovery
type Manager struct {
	transport device.Transport
	adapter   Readiness
	opts      Options
	logger    *logrus.Logger

	devices *hashmap.Map[string, *entry]
	seq     atomic.Uint64

	mu         sync.Mutex
	state      device.ScanState
	inFlight   bool
	onDiscover []DiscoveredHandler
}

// NewManager creates a discovery manager
func NewManager(transport device.Transport, adapter Readiness, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		transport: transport,
		adapter:   adapter,
		opts:      opts,
		logger:    logger,
		devices:   hashmap.New[string, *entry](),
		state:     device.ScanIdle,
	}
}

// OnDeviceDiscovered registers a listener for newly discovered devices
func (m *Manager) OnDeviceDiscovered(h DiscoveredHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiscover = append(m.onDiscover, h)
}

// StartScan begins discovery. Requires an initialized adapter and an idle scanner.
func (m *Manager) StartScan(ctx context.Context) error {
	if !m.adapter.Initialized() {
		return device.NewError(device.KindNotInitialized, nil, "initialize the adapter before scanning")
	}
	if err := m.begin(device.ScanIdle, "start scan"); err != nil {
		return err
	}

	if m.opts.ClearOnScan {
		m.Clear()
	}

	m.logger.Info("Starting BLE scan...")

	scanCtx, cancel := device.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	if err := m.transport.StartDiscovery(scanCtx); err != nil {
		m.end(device.ScanIdle)
		err = device.NormalizeError(err)
		m.logger.WithField("error", err).Error("Failed to start BLE scan")
		return device.NewError(device.KindScanStart, err, "start discovery")
	}

	m.end(device.ScanScanning)
	return nil
}

// StopScan ends discovery. On failure the state stays Scanning because the
// transport still reports an active scan; another StopScan retries.
func (m *Manager) StopScan(ctx context.Context) error {
	if err := m.begin(device.ScanScanning, "stop scan"); err != nil {
		return err
	}

	scanCtx, cancel := device.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	if err := m.transport.StopDiscovery(scanCtx); err != nil {
		m.end(device.ScanScanning)
		err = device.NormalizeError(err)
		m.logger.WithField("error", err).Warn("Failed to stop BLE scan, scan is still running")
		return device.NewError(device.KindScanStop, err, "stop discovery")
	}

	m.end(device.ScanIdle)
	m.logger.WithField("device_count", m.devices.Len()).Info("BLE scan stopped")
	return nil
}

// ToggleScan starts or stops discovery depending on the current state
func (m *Manager) ToggleScan(ctx context.Context) error {
	if m.State() == device.ScanScanning {
		return m.StopScan(ctx)
	}
	return m.StartScan(ctx)
}

// HandleDevicesFound registers unseen devices and notifies listeners once per ID
func (m *Manager) HandleDevicesFound(batch []device.DiscoveredDevice) {
	for _, dev := range batch {
		if dev.ID == "" {
			m.logger.Debug("Ignoring advertisement without device ID")
			continue
		}

		// GetOrInsert is atomic, so concurrent batches cannot both insert the same ID
		if _, loaded := m.devices.GetOrInsert(dev.ID, &entry{dev: dev, seq: m.seq.Add(1)}); loaded {
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"device":  dev.DisplayName(),
			"address": dev.ID,
			"rssi":    dev.RSSI,
		}).Info("Discovered new device")

		m.mu.Lock()
		listeners := append([]DiscoveredHandler(nil), m.onDiscover...)
		m.mu.Unlock()

		for _, h := range listeners {
			h(dev)
		}
	}
}

// Devices returns a snapshot of discovered devices in discovery order
func (m *Manager) Devices() []device.DiscoveredDevice {
	entries := make([]*entry, 0, m.devices.Len())
	m.devices.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	devs := make([]device.DiscoveredDevice, len(entries))
	for i, e := range entries {
		devs[i] = e.dev
	}
	return devs
}

// Device looks up a discovered device by ID
func (m *Manager) Device(id string) (device.DiscoveredDevice, bool) {
	e, ok := m.devices.Get(id)
	if !ok {
		return device.DiscoveredDevice{}, false
	}
	return e.dev, true
}

// Len returns the number of registered devices
func (m *Manager) Len() int {
	return m.devices.Len()
}

// Clear empties the registry; cleared IDs are announced again when rediscovered
func (m *Manager) Clear() {
	var ids []string
	m.devices.Range(func(id string, _ *entry) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		m.devices.Del(id)
	}
	m.logger.WithField("device_count", len(ids)).Debug("Cleared discovered devices")
}

// State returns the current scan state
func (m *Manager) State() device.ScanState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset marks discovery idle without calling the transport, for use once the
// adapter is closed. The registry is kept. Reports whether a scan was running.
func (m *Manager) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.state == device.ScanScanning
	m.state = device.ScanIdle
	return was
}

// begin claims the in-flight slot if the scanner is in the required state
func (m *Manager) begin(required device.ScanState, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight {
		return device.NewError(device.KindBusy, nil, "%s: scan operation already in progress", op)
	}
	if m.state != required {
		kind := device.KindScanStart
		if required == device.ScanScanning {
			kind = device.KindScanStop
		}
		return device.NewError(kind, nil, "%s: scanner is %s", op, m.state)
	}
	m.inFlight = true
	return nil
}

func (m *Manager) end(state device.ScanState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.inFlight = false
}
