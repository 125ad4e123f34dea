// Package connection owns the single active peer link and the GATT state
// that depends on it.
package connection

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/gatt"
)

// Events are the connection lifecycle notifications. Nil fields are skipped.
// Notifications are delivered one at a time in state order; a listener must
// not call Connect or Disconnect.
type Events struct {
	Connected       func(conn device.Connection)
	Resolved        func(conn device.Connection, res *gatt.Resolution, target device.CharacteristicDescriptor, ok bool)
	ResolveFailed   func(conn device.Connection, err error)
	Disconnected    func(conn device.Connection)
	CommandsEnabled func(enabled bool)
}

// Options configures the connection manager; zero timeouts are unbounded
type Options struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// Manager holds zero or one Connection at a time
type Manager struct {
	transport device.Transport
	resolver  *gatt.Resolver
	opts      Options
	events    Events
	logger    *logrus.Logger

	// notifyMu orders state changes together with their notifications
	notifyMu sync.Mutex

	mu         sync.RWMutex
	conn       *device.Connection
	epoch      uint64
	connecting bool
	dropped    bool
	enabled    bool
}

// NewManager creates a connection manager that resolves GATT data with resolver
func NewManager(transport device.Transport, resolver *gatt.Resolver, opts Options, events Events, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		transport: transport,
		resolver:  resolver,
		opts:      opts,
		events:    events,
		logger:    logger,
	}
}

// Connect links to deviceID and resolves its GATT layout.
//
// Only one connect may be in flight (busy) and only one link may exist
// (already_connected). A transport failure returns a connect error and
// leaves no Connection. A services fetch failure keeps the Connection but
// leaves commands disabled and returns the service_fetch error. If the link
// drops while resolving, the resolution is discarded.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return device.NewError(device.KindConnect, nil, "device ID is empty")
	}

	if err := m.beginConnect(deviceID); err != nil {
		return err
	}

	logger := m.logger.WithField("device", deviceID)
	logger.Info("Connecting...")

	connCtx, cancel := device.WithTimeout(ctx, m.opts.ConnectTimeout)
	err := m.transport.Connect(connCtx, deviceID)
	cancel()

	conn, err := m.finishConnect(deviceID, err)
	if err != nil {
		logger.WithField("error", err).Error("Connection failed")
		return err
	}

	logger = logger.WithFields(logrus.Fields{"connection_id": conn.ID, "epoch": conn.Epoch})
	logger.Info("Connected")

	res, err := m.resolver.Resolve(ctx, deviceID)
	return m.completeResolve(conn, res, err, logger)
}

func (m *Manager) beginConnect(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connecting {
		return device.NewError(device.KindBusy, nil, "connect to %s: another connection attempt is in progress", deviceID)
	}
	if m.conn != nil {
		return device.NewError(device.KindAlreadyConnected, nil, "connect to %s: already connected to %s", deviceID, m.conn.DeviceID)
	}
	m.connecting = true
	m.dropped = false
	return nil
}

func (m *Manager) finishConnect(deviceID string, connectErr error) (device.Connection, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.connecting = false
	if connectErr != nil {
		m.mu.Unlock()
		return device.Connection{}, device.NewError(device.KindConnect, device.NormalizeError(connectErr), "connect to %s", deviceID)
	}
	if m.dropped {
		m.mu.Unlock()
		return device.Connection{}, device.NewError(device.KindConnect, device.ErrNotConnected, "connect to %s: link dropped while connecting", deviceID)
	}

	m.epoch++
	conn := device.Connection{DeviceID: deviceID, Epoch: m.epoch, ID: newConnectionID()}
	m.conn = &conn
	m.mu.Unlock()

	if m.events.Connected != nil {
		m.events.Connected(conn)
	}
	return conn, nil
}

func (m *Manager) completeResolve(conn device.Connection, res *gatt.Resolution, resolveErr error, logger *logrus.Entry) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.conn == nil || m.conn.Epoch != conn.Epoch {
		m.mu.Unlock()
		logger.Warn("Discarding GATT resolution for a connection that no longer exists")
		return device.NewError(device.KindNotConnected, resolveErr, "connection to %s lost during service discovery", conn.DeviceID)
	}

	if resolveErr != nil {
		m.mu.Unlock()
		if m.events.ResolveFailed != nil {
			m.events.ResolveFailed(conn, resolveErr)
		}
		return resolveErr
	}

	target, ok := m.resolver.Apply(res)
	m.enabled = ok
	m.mu.Unlock()

	if ok {
		logger.WithFields(logrus.Fields{
			"service":        target.ServiceID,
			"characteristic": target.CharacteristicID,
			"policy":         m.resolver.Policy().Name(),
		}).Info("Command target resolved")
	} else {
		logger.WithField("policy", m.resolver.Policy().Name()).Warn("No characteristic matches the target policy")
	}

	if m.events.Resolved != nil {
		m.events.Resolved(conn, res, target, ok)
	}
	if ok && m.events.CommandsEnabled != nil {
		m.events.CommandsEnabled(true)
	}
	return nil
}

// Disconnect tears down the active link. On transport failure the
// Connection is kept since the link may still be up. A transport that no
// longer knows the link counts as disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	conn, ok := m.Current()
	if !ok {
		return device.NewError(device.KindNotConnected, nil, "no active connection")
	}

	logger := m.logger.WithFields(logrus.Fields{"device": conn.DeviceID, "connection_id": conn.ID})
	logger.Info("Disconnecting...")

	dctx, cancel := device.WithTimeout(ctx, m.opts.DisconnectTimeout)
	defer cancel()

	if err := m.transport.Disconnect(dctx, conn.DeviceID); err != nil {
		err = device.NormalizeError(err)
		if !errors.Is(err, device.ErrNotConnected) {
			logger.WithField("error", err).Error("Disconnect failed")
			return device.NewError(device.KindConnect, err, "disconnect from %s", conn.DeviceID)
		}
		logger.WithField("error", err).Warn("Link already gone")
	}

	m.reset()
	return nil
}

// HandleConnectionStateChanged processes unsolicited link state events.
// Any not-connected event fully resets the connection, whatever device it names.
func (m *Manager) HandleConnectionStateChanged(ev device.ConnectionStateEvent) {
	if ev.Connected {
		m.logger.WithField("device", ev.DeviceID).Debug("Ignoring connected event")
		return
	}

	m.mu.Lock()
	if m.connecting && m.conn == nil {
		m.dropped = true
	}
	m.mu.Unlock()

	if !m.reset() {
		m.logger.WithField("device", ev.DeviceID).Debug("Disconnect event without an active connection")
	}
}

// Reset drops the Connection without touching the transport. Used after the
// adapter itself has been closed.
func (m *Manager) Reset() {
	m.reset()
}

// reset clears the Connection, the GATT state and command capability.
// Returns false when there was no Connection.
func (m *Manager) reset() bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.conn
	m.conn = nil
	m.enabled = false
	m.resolver.Reset()
	m.mu.Unlock()

	if prev == nil {
		return false
	}

	m.logger.WithFields(logrus.Fields{
		"device":        prev.DeviceID,
		"connection_id": prev.ID,
	}).Info("Disconnected")

	if m.events.Disconnected != nil {
		m.events.Disconnected(*prev)
	}
	if m.events.CommandsEnabled != nil {
		m.events.CommandsEnabled(false)
	}
	return true
}

// Current returns the active Connection
func (m *Manager) Current() (device.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return device.Connection{}, false
	}
	return *m.conn, true
}

// CommandsEnabled reports whether a command target is resolved on the active link
func (m *Manager) CommandsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// ActiveTarget returns the connected device and its command target.
// ok is false unless both exist.
func (m *Manager) ActiveTarget() (string, device.CharacteristicDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil || !m.enabled {
		return "", device.CharacteristicDescriptor{}, false
	}
	target, ok := m.resolver.Target()
	if !ok {
		return "", device.CharacteristicDescriptor{}, false
	}
	return m.conn.DeviceID, target, true
}

// Connecting reports whether a connect attempt is in flight
func (m *Manager) Connecting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connecting
}

func newConnectionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
