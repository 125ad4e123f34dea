// Package adapter owns the lifecycle of the local Bluetooth adapter.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
)

// Sinks receive the long-lived transport subscriptions registered by Initialize
type Sinks struct {
	DevicesFound      device.DeviceFoundHandler
	ConnectionChanged device.ConnectionStateHandler
}

// Manager opens and closes the adapter and tracks AdapterState
type Manager struct {
	transport device.Transport
	sinks     Sinks
	timeout   time.Duration
	logger    *logrus.Logger

	mu    sync.RWMutex
	state device.AdapterState
}

// NewManager creates an adapter manager. A zero timeout leaves Initialize unbounded.
func NewManager(transport device.Transport, sinks Sinks, timeout time.Duration, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		transport: transport,
		sinks:     sinks,
		timeout:   timeout,
		logger:    logger,
		state:     device.AdapterUninitialized,
	}
}

// Initialize opens the adapter and registers the device-found and
// connection-state subscriptions. Calling it again repeats the open sequence;
// handler registration replaces the previous handlers.
func (m *Manager) Initialize(ctx context.Context) error {
	m.logger.Debug("Opening Bluetooth adapter...")

	openCtx, cancel := device.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.transport.Open(openCtx); err != nil {
		m.setState(device.AdapterInitFailed)
		err = device.NormalizeError(err)
		m.logger.WithField("error", err).Error("Failed to open Bluetooth adapter")
		return device.NewError(device.KindAdapterInit, err, "open adapter")
	}

	if m.sinks.DevicesFound != nil {
		m.transport.OnDeviceFound(m.sinks.DevicesFound)
	}
	if m.sinks.ConnectionChanged != nil {
		m.transport.OnConnectionStateChange(m.sinks.ConnectionChanged)
	}

	m.setState(device.AdapterInitialized)
	m.logger.Info("Bluetooth adapter initialized")
	return nil
}

// Close releases the adapter and returns to Uninitialized
func (m *Manager) Close() error {
	m.mu.Lock()
	wasOpen := m.state == device.AdapterInitialized
	m.state = device.AdapterUninitialized
	m.mu.Unlock()

	if !wasOpen {
		m.logger.Debug("Close called but adapter is not initialized")
		return nil
	}

	if err := m.transport.Close(); err != nil {
		m.logger.WithField("error", err).Warn("Bluetooth adapter closed with errors")
		return err
	}
	m.logger.Info("Bluetooth adapter closed")
	return nil
}

// State returns the current adapter state
func (m *Manager) State() device.AdapterState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Initialized reports whether the adapter is open
func (m *Manager) Initialized() bool {
	return m.State() == device.AdapterInitialized
}

func (m *Manager) setState(s device.AdapterState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
