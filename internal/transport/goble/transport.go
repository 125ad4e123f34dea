// Package goble implements the session transport on top of go-ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = defaultDevice

// ScanStartGrace is how long a scan must keep running before StartDiscovery
// reports success. go-ble's Scan blocks for the whole scan, so a start
// failure shows up as an early return.
var ScanStartGrace = 200 * time.Millisecond

var (
	errNotOpen     = errors.New("bluetooth adapter is not open")
	errScanRunning = errors.New("scan already running")
)

// link is a live connection to one peripheral
type link struct {
	client        ble.Client
	services      []*ble.Service
	chars         map[string]*ble.Characteristic
	cancelMonitor context.CancelFunc
}

func charKey(serviceID, charID string) string {
	return normalizeID(serviceID) + "/" + normalizeID(charID)
}

func normalizeID(id string) string {
	if n := device.NormalizeUUID(id); n != "" {
		return n
	}
	return strings.ToLower(id)
}

// Transport is a device.Transport backed by a go-ble device
type Transport struct {
	logger *logrus.Logger

	mu         sync.RWMutex
	dev        ble.Device
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
	links      map[string]*link
	onFound    device.DeviceFoundHandler
	onState    device.ConnectionStateHandler
}

var _ device.Transport = (*Transport)(nil)

// New creates a go-ble transport. The adapter is not touched until Open.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		links:  make(map[string]*link),
	}
}

// Open creates the go-ble device. On macOS this waits for CoreBluetooth to
// report the adapter state, so it is bounded by ctx.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		t.logger.Debug("go-ble device already open")
		return nil
	}

	dev, err := device.Await(ctx, DeviceFactory)
	if err != nil {
		return device.NormalizeError(err)
	}
	t.dev = dev
	return nil
}

// Close stops scanning, drops every link and stops the device
func (t *Transport) Close() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	scanCancel := t.scanCancel
	t.scanCancel, t.scanDone = nil, nil
	links := t.links
	t.links = make(map[string]*link)
	t.mu.Unlock()

	if scanCancel != nil {
		scanCancel()
	}
	for id, l := range links {
		l.cancelMonitor()
		if err := l.client.CancelConnection(); err != nil {
			t.logger.WithFields(logrus.Fields{"device": id, "error": err}).Warn("Failed to cancel connection during close")
		}
	}
	if dev == nil {
		return nil
	}
	return device.NormalizeError(dev.Stop())
}

func (t *Transport) OnDeviceFound(handler device.DeviceFoundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFound = handler
}

func (t *Transport) OnConnectionStateChange(handler device.ConnectionStateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

// StartDiscovery runs go-ble's blocking Scan on its own goroutine and
// waits ScanStartGrace for it to fail.
func (t *Transport) StartDiscovery(ctx context.Context) error {
	t.mu.Lock()
	if t.dev == nil {
		t.mu.Unlock()
		return errNotOpen
	}
	if t.scanCancel != nil {
		t.mu.Unlock()
		return errScanRunning
	}

	dev := t.dev
	scanCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, false, t.handleAdvertisement)
		if err != nil && ctx.Err() == nil {
			t.logger.WithField("error", err).Warn("BLE scan ended unexpectedly")
		}
		errCh <- err
	})
	t.scanCancel, t.scanDone = cancel, done
	t.mu.Unlock()

	timer := time.NewTimer(ScanStartGrace)
	defer timer.Stop()

	select {
	case err := <-errCh:
		t.clearScan(done)
		cancel()
		if err == nil {
			err = errors.New("scan ended immediately")
		}
		return device.NormalizeError(err)
	case <-timer.C:
		t.logger.Debug("BLE scan running")
		return nil
	case <-ctx.Done():
		t.clearScan(done)
		cancel()
		return device.ContextError(ctx)
	}
}

// StopDiscovery cancels the scan and waits for go-ble to return from Scan
func (t *Transport) StopDiscovery(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.scanCancel, t.scanDone
	t.scanCancel, t.scanDone = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return device.ContextError(ctx)
	}
}

// clearScan forgets the scan identified by done if it is still the current one
func (t *Transport) clearScan(done <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanDone == done {
		t.scanCancel, t.scanDone = nil, nil
	}
}

func (t *Transport) handleAdvertisement(adv ble.Advertisement) {
	t.mu.RLock()
	h := t.onFound
	t.mu.RUnlock()

	if h == nil {
		return
	}
	h([]device.DiscoveredDevice{discoveredDevice(adv)})
}

// Connect dials the peripheral and watches the link for drops
func (t *Transport) Connect(ctx context.Context, deviceID string) error {
	t.mu.RLock()
	dev := t.dev
	_, exists := t.links[deviceID]
	t.mu.RUnlock()

	if dev == nil {
		return errNotOpen
	}
	if exists {
		return fmt.Errorf("device already connected: %s", deviceID)
	}

	t.logger.WithField("address", deviceID).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(deviceID))
	if err != nil {
		return device.NormalizeError(err)
	}

	l := &link{
		client: client,
		chars:  make(map[string]*ble.Characteristic),
	}

	t.mu.Lock()
	t.links[deviceID] = l
	t.watchLocked(deviceID, l)
	t.mu.Unlock()
	t.emitState(deviceID, true)
	return nil
}

// watchLocked starts a monitor that reports an unsolicited drop of l.
// It is stopped by l.cancelMonitor. t.mu must be held.
func (t *Transport) watchLocked(deviceID string, l *link) {
	monCtx, cancelMonitor := context.WithCancel(context.Background())
	l.cancelMonitor = cancelMonitor

	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not support Disconnected() channel, link drops will not be reported")
		return
	}
	groutine.Go(monCtx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			t.logger.WithField("device", deviceID).Warn("BLE stack reported disconnection")
			t.dropLink(deviceID, l)
		case <-ctx.Done():
		}
	})
}

// dropLink removes l if it is still the link of deviceID and reports the drop
func (t *Transport) dropLink(deviceID string, l *link) {
	t.mu.Lock()
	current, ok := t.links[deviceID]
	dropped := ok && current == l
	var stop context.CancelFunc
	if dropped {
		delete(t.links, deviceID)
		stop = l.cancelMonitor
	}
	t.mu.Unlock()

	if dropped {
		stop()
		t.emitState(deviceID, false)
	}
}

// restoreLink puts l back and watches it again after a failed disconnect.
// Nothing is restored once the adapter is closed or deviceID has a new link.
func (t *Transport) restoreLink(deviceID string, l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return false
	}
	if _, taken := t.links[deviceID]; taken {
		return false
	}
	t.links[deviceID] = l
	t.watchLocked(deviceID, l)
	return true
}

func (t *Transport) emitState(deviceID string, connected bool) {
	t.mu.RLock()
	h := t.onState
	t.mu.RUnlock()

	if h != nil {
		h(device.ConnectionStateEvent{DeviceID: deviceID, Connected: connected})
	}
}

// Disconnect cancels the connection. The monitor is stopped first so an
// explicit disconnect is not reported as an unsolicited drop. When the
// cancel fails the link is restored and watched again.
func (t *Transport) Disconnect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	l, ok := t.links[deviceID]
	var stop context.CancelFunc
	if ok {
		delete(t.links, deviceID)
		stop = l.cancelMonitor
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, deviceID)
	}

	stop()
	err := device.AwaitErr(ctx, l.client.CancelConnection)
	if err == nil {
		return nil
	}
	if t.restoreLink(deviceID, l) {
		t.logger.WithFields(logrus.Fields{"device": deviceID, "error": err}).Warn("Disconnect failed, keeping link")
	}
	return device.NormalizeError(err)
}

func (t *Transport) lookup(deviceID string) (*link, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, deviceID)
	}
	return l, nil
}

func (t *Transport) Services(ctx context.Context, deviceID string) ([]device.ServiceDescriptor, error) {
	l, err := t.lookup(deviceID)
	if err != nil {
		return nil, err
	}

	services, err := device.Await(ctx, func() ([]*ble.Service, error) {
		return l.client.DiscoverServices(nil)
	})
	if err != nil {
		return nil, device.NormalizeError(err)
	}

	t.mu.Lock()
	l.services = services
	t.mu.Unlock()

	result := make([]device.ServiceDescriptor, 0, len(services))
	for _, svc := range services {
		result = append(result, device.ServiceDescriptor{ServiceID: normalizeID(svc.UUID.String())})
	}
	return result, nil
}

func (t *Transport) Characteristics(ctx context.Context, deviceID, serviceID string) ([]device.CharacteristicDescriptor, error) {
	l, err := t.lookup(deviceID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	var svc *ble.Service
	for _, s := range l.services {
		if normalizeID(s.UUID.String()) == normalizeID(serviceID) {
			svc = s
			break
		}
	}
	t.mu.RUnlock()
	if svc == nil {
		return nil, fmt.Errorf("service %s has not been discovered", serviceID)
	}

	chars, err := device.Await(ctx, func() ([]*ble.Characteristic, error) {
		return l.client.DiscoverCharacteristics(nil, svc)
	})
	if err != nil {
		return nil, device.NormalizeError(err)
	}

	result := make([]device.CharacteristicDescriptor, 0, len(chars))
	t.mu.Lock()
	for _, c := range chars {
		charID := normalizeID(c.UUID.String())
		l.chars[charKey(serviceID, charID)] = c
		result = append(result, device.CharacteristicDescriptor{
			ServiceID:        normalizeID(serviceID),
			CharacteristicID: charID,
			Capabilities:     capabilities(c.Property),
		})
	}
	t.mu.Unlock()
	return result, nil
}

// Write sends payload to target. Write with response is used whenever the
// characteristic supports it.
func (t *Transport) Write(ctx context.Context, deviceID string, target device.CharacteristicDescriptor, payload []byte) error {
	l, err := t.lookup(deviceID)
	if err != nil {
		return err
	}

	t.mu.RLock()
	c, ok := l.chars[charKey(target.ServiceID, target.CharacteristicID)]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("characteristic %s has not been discovered", target)
	}

	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
	return device.NormalizeError(device.AwaitErr(ctx, func() error {
		return l.client.WriteCharacteristic(c, payload, noRsp)
	}))
}
