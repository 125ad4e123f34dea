// Package tinygo implements the session transport on top of tinygo.org/x/bluetooth.
//
// The tinygo stack does not report characteristic properties, so every
// characteristic carries unknown capabilities and writes go out without response.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// RadioFactory returns the radio used by new transports (can be overridden in tests)
//
//nolint:revive // RadioFactory name is intentional for test mocking
var RadioFactory = func() radio {
	return &adapterRadio{adapter: bluetooth.DefaultAdapter}
}

// ScanStartGrace is how long Scan must keep running before StartDiscovery reports success
var ScanStartGrace = 200 * time.Millisecond

var (
	errNotOpen     = errors.New("bluetooth adapter is not enabled")
	errScanRunning = errors.New("scan already running")
)

type link struct {
	peer     peer
	services []remoteService
	chars    map[string]remoteCharacteristic
}

func normalizeID(id string) string {
	if n := device.NormalizeUUID(id); n != "" {
		return n
	}
	return strings.ToLower(id)
}

func charKey(serviceID, charID string) string {
	return normalizeID(serviceID) + "/" + normalizeID(charID)
}

// Transport is a device.Transport backed by the tinygo bluetooth adapter
type Transport struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	radio    radio
	enabled  bool
	scanDone <-chan struct{}
	links    map[string]*link
	leaving  map[string]bool
	onFound  device.DeviceFoundHandler
	onState  device.ConnectionStateHandler
}

var _ device.Transport = (*Transport)(nil)

// New creates a tinygo transport around RadioFactory's radio
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger:  logger,
		radio:   RadioFactory(),
		links:   make(map[string]*link),
		leaving: make(map[string]bool),
	}
}

// Open enables the adapter and subscribes to its disconnect reports
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.enabled {
		t.logger.Debug("Bluetooth adapter already enabled")
		return nil
	}

	if err := device.AwaitErr(ctx, t.radio.Enable); err != nil {
		return device.NormalizeError(err)
	}
	t.radio.OnDisconnect(t.handleDisconnect)
	t.enabled = true
	return nil
}

// Close stops scanning and disconnects every peer. tinygo has no way to
// release the adapter itself, so a later Open only re-subscribes.
func (t *Transport) Close() error {
	t.mu.Lock()
	wasEnabled := t.enabled
	t.enabled = false
	scanning := t.scanDone != nil
	t.scanDone = nil
	links := t.links
	t.links = make(map[string]*link)
	for id := range links {
		t.leaving[id] = true
	}
	t.mu.Unlock()

	if !wasEnabled {
		return nil
	}

	var errs []error
	if scanning {
		if err := t.radio.StopScan(); err != nil {
			errs = append(errs, err)
		}
	}
	for id, l := range links {
		if err := l.peer.Disconnect(); err != nil {
			t.logger.WithFields(logrus.Fields{"device": id, "error": err}).Warn("Failed to disconnect during close")
			errs = append(errs, err)
		}
	}
	return device.NormalizeError(errors.Join(errs...))
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

// StartDiscovery runs the blocking Scan on its own goroutine and waits
// ScanStartGrace for it to fail.
func (t *Transport) StartDiscovery(ctx context.Context) error {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return errNotOpen
	}
	if t.scanDone != nil {
		t.mu.Unlock()
		return errScanRunning
	}

	errCh := make(chan error, 1)
	done := groutine.Go(context.Background(), "ble-scan", func(context.Context) {
		errCh <- t.radio.Scan(t.handleScanReport)
	})
	t.scanDone = done
	t.mu.Unlock()

	timer := time.NewTimer(ScanStartGrace)
	defer timer.Stop()

	select {
	case err := <-errCh:
		t.clearScan(done)
		if err == nil {
			err = errors.New("scan ended immediately")
		}
		return device.NormalizeError(err)
	case <-timer.C:
		t.logger.Debug("BLE scan running")
		return nil
	case <-ctx.Done():
		t.clearScan(done)
		if err := t.radio.StopScan(); err != nil {
			t.logger.WithField("error", err).Debug("StopScan after cancelled start failed")
		}
		return device.ContextError(ctx)
	}
}

// StopDiscovery asks the adapter to stop and waits for Scan to return
func (t *Transport) StopDiscovery(ctx context.Context) error {
	t.mu.Lock()
	done := t.scanDone
	t.scanDone = nil
	t.mu.Unlock()

	if done == nil {
		return nil
	}

	if err := t.radio.StopScan(); err != nil {
		t.mu.Lock()
		t.scanDone = done
		t.mu.Unlock()
		return device.NormalizeError(err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return device.ContextError(ctx)
	}
}

func (t *Transport) clearScan(done <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanDone == done {
		t.scanDone = nil
	}
}

func (t *Transport) handleScanReport(r scanReport) {
	t.mu.RLock()
	h := t.onFound
	t.mu.RUnlock()

	if h == nil || r.ID == "" {
		return
	}
	h([]device.DiscoveredDevice{{
		ID:            r.ID,
		Name:          r.Name,
		RSSI:          r.RSSI,
		Advertisement: r.Raw,
	}})
}

// Connect blocks in the tinygo stack; an abandoned attempt is disconnected
// once it completes.
func (t *Transport) Connect(ctx context.Context, deviceID string) error {
	t.mu.RLock()
	enabled := t.enabled
	_, exists := t.links[deviceID]
	t.mu.RUnlock()

	if !enabled {
		return errNotOpen
	}
	if exists {
		return fmt.Errorf("device already connected: %s", deviceID)
	}

	t.logger.WithField("address", deviceID).Debug("Connecting to BLE device...")

	type result struct {
		peer peer
		err  error
	}
	ch := make(chan result, 1)
	groutine.Go(context.Background(), "ble-connect", func(context.Context) {
		p, err := t.radio.Connect(deviceID)
		ch <- result{peer: p, err: err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return device.NormalizeError(r.err)
		}
		t.mu.Lock()
		t.links[deviceID] = &link{peer: r.peer, chars: make(map[string]remoteCharacteristic)}
		delete(t.leaving, deviceID)
		t.mu.Unlock()
		t.emitState(deviceID, true)
		return nil
	case <-ctx.Done():
		groutine.Go(context.Background(), "ble-connect-abandon", func(context.Context) {
			if r := <-ch; r.err == nil {
				t.logger.WithField("device", deviceID).Debug("Disconnecting abandoned connection")
				_ = r.peer.Disconnect()
			}
		})
		return device.ContextError(ctx)
	}
}

// handleDisconnect receives the adapter's disconnect reports. Reports for
// links this transport closed itself are swallowed.
func (t *Transport) handleDisconnect(deviceID string) {
	t.mu.Lock()
	if t.leaving[deviceID] {
		delete(t.leaving, deviceID)
		t.mu.Unlock()
		return
	}
	_, ok := t.links[deviceID]
	delete(t.links, deviceID)
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.WithField("device", deviceID).Warn("BLE stack reported disconnection")
	t.emitState(deviceID, false)
}

func (t *Transport) emitState(deviceID string, connected bool) {
	t.mu.RLock()
	h := t.onState
	t.mu.RUnlock()

	if h != nil {
		h(device.ConnectionStateEvent{DeviceID: deviceID, Connected: connected})
	}
}

// Disconnect asks the peer to disconnect. The link is restored when the call
// fails before the stack reports the disconnect.
func (t *Transport) Disconnect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	l, ok := t.links[deviceID]
	if ok {
		delete(t.links, deviceID)
		t.leaving[deviceID] = true
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, deviceID)
	}

	err := device.AwaitErr(ctx, l.peer.Disconnect)
	if err == nil {
		return nil
	}

	t.mu.Lock()
	pending := t.leaving[deviceID]
	delete(t.leaving, deviceID)
	_, taken := t.links[deviceID]
	restore := pending && t.enabled && !taken
	if restore {
		t.links[deviceID] = l
	}
	t.mu.Unlock()

	if !pending {
		// the stack reported the disconnect while the call was failing
		return nil
	}
	if restore {
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

	services, err := device.Await(ctx, l.peer.Services)
	if err != nil {
		return nil, device.NormalizeError(err)
	}

	t.mu.Lock()
	l.services = services
	t.mu.Unlock()

	result := make([]device.ServiceDescriptor, 0, len(services))
	for _, svc := range services {
		result = append(result, device.ServiceDescriptor{ServiceID: normalizeID(svc.UUID())})
	}
	return result, nil
}

func (t *Transport) Characteristics(ctx context.Context, deviceID, serviceID string) ([]device.CharacteristicDescriptor, error) {
	l, err := t.lookup(deviceID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	var svc remoteService
	for _, s := range l.services {
		if normalizeID(s.UUID()) == normalizeID(serviceID) {
			svc = s
			break
		}
	}
	t.mu.RUnlock()
	if svc == nil {
		return nil, fmt.Errorf("service %s has not been discovered", serviceID)
	}

	chars, err := device.Await(ctx, svc.Characteristics)
	if err != nil {
		return nil, device.NormalizeError(err)
	}

	result := make([]device.CharacteristicDescriptor, 0, len(chars))
	t.mu.Lock()
	for _, c := range chars {
		charID := normalizeID(c.UUID())
		l.chars[charKey(serviceID, charID)] = c
		result = append(result, device.CharacteristicDescriptor{
			ServiceID:        normalizeID(serviceID),
			CharacteristicID: charID,
		})
	}
	t.mu.Unlock()
	return result, nil
}

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

	return device.NormalizeError(device.AwaitErr(ctx, func() error {
		return c.WriteWithoutResponse(payload)
	}))
}
