package testutils

import (
	"context"
	"sync"

	"github.com/srg/blectl/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of device.Transport.
// Handler registrations are captured instead of mocked so tests can inject
// unsolicited events with EmitDevicesFound and EmitConnectionState.
type MockTransport struct {
	mock.Mock

	mu        sync.Mutex
	foundH    device.DeviceFoundHandler
	stateH    device.ConnectionStateHandler
	foundRegs int
	stateRegs int
}

var _ device.Transport = (*MockTransport)(nil)

// NewMockTransport creates a mock with no expectations
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Open(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

func (m *MockTransport) StartDiscovery(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTransport) StopDiscovery(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockTransport) OnDeviceFound(handler device.DeviceFoundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foundH = handler
	m.foundRegs++
}

func (m *MockTransport) OnConnectionStateChange(handler device.ConnectionStateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateH = handler
	m.stateRegs++
}

func (m *MockTransport) Connect(ctx context.Context, deviceID string) error {
	return m.Called(ctx, deviceID).Error(0)
}

func (m *MockTransport) Disconnect(ctx context.Context, deviceID string) error {
	return m.Called(ctx, deviceID).Error(0)
}

func (m *MockTransport) Services(ctx context.Context, deviceID string) ([]device.ServiceDescriptor, error) {
	args := m.Called(ctx, deviceID)
	svcs, _ := args.Get(0).([]device.ServiceDescriptor)
	return svcs, args.Error(1)
}

func (m *MockTransport) Characteristics(ctx context.Context, deviceID, serviceID string) ([]device.CharacteristicDescriptor, error) {
	args := m.Called(ctx, deviceID, serviceID)
	chars, _ := args.Get(0).([]device.CharacteristicDescriptor)
	return chars, args.Error(1)
}

func (m *MockTransport) Write(ctx context.Context, deviceID string, target device.CharacteristicDescriptor, payload []byte) error {
	return m.Called(ctx, deviceID, target, payload).Error(0)
}

// EmitDevicesFound delivers a device-found batch to the registered handler.
// Returns false when no handler is registered.
func (m *MockTransport) EmitDevicesFound(devices ...device.DiscoveredDevice) bool {
	m.mu.Lock()
	h := m.foundH
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(devices)
	return true
}

// EmitConnectionState delivers a connection state event to the registered handler.
// Returns false when no handler is registered.
func (m *MockTransport) EmitConnectionState(deviceID string, connected bool) bool {
	m.mu.Lock()
	h := m.stateH
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(device.ConnectionStateEvent{DeviceID: deviceID, Connected: connected})
	return true
}

// Registrations returns how many times each handler was registered
func (m *MockTransport) Registrations() (found, state int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foundRegs, m.stateRegs
}

// HasHandlers reports whether both event handlers are registered
func (m *MockTransport) HasHandlers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foundH != nil && m.stateH != nil
}
