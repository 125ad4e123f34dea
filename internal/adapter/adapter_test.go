package adapter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blectl/internal/adapter"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type AdapterTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	transport *testutils.MockTransport
	found     [][]device.DiscoveredDevice
	events    []device.ConnectionStateEvent
	manager   *adapter.Manager
}

func (s *AdapterTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = testutils.NewMockTransport()
	s.found = nil
	s.events = nil
	s.manager = adapter.NewManager(s.transport, adapter.Sinks{
		DevicesFound:      func(d []device.DiscoveredDevice) { s.found = append(s.found, d) },
		ConnectionChanged: func(e device.ConnectionStateEvent) { s.events = append(s.events, e) },
	}, time.Second, s.helper.Logger)
}

func (s *AdapterTestSuite) TearDownTest() {
	s.transport.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestStartsUninitialized() {
	s.Equal(device.AdapterUninitialized, s.manager.State())
	s.False(s.manager.Initialized())
}

func (s *AdapterTestSuite) TestInitializeSuccess() {
	s.transport.On("Open", mock.Anything).Return(nil).Once()

	s.Require().NoError(s.manager.Initialize(s.T().Context()))

	s.Equal(device.AdapterInitialized, s.manager.State())
	s.True(s.manager.Initialized())
	s.True(s.transport.HasHandlers(), "subscriptions MUST be registered on success")

	s.transport.EmitDevicesFound(device.DiscoveredDevice{ID: "A"})
	s.transport.EmitConnectionState("A", false)
	s.Len(s.found, 1)
	s.Equal([]device.ConnectionStateEvent{{DeviceID: "A", Connected: false}}, s.events)
}

func (s *AdapterTestSuite) TestInitializeFailure() {
	cause := errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	s.transport.On("Open", mock.Anything).Return(cause).Once()

	err := s.manager.Initialize(s.T().Context())

	s.ErrorIs(err, device.ErrAdapterInit)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Equal(device.AdapterInitFailed, s.manager.State())
	s.False(s.transport.HasHandlers(), "no subscriptions after a failed open")
}

func (s *AdapterTestSuite) TestInitializeTwiceRepeatsOpen() {
	s.transport.On("Open", mock.Anything).Return(nil).Twice()

	s.Require().NoError(s.manager.Initialize(s.T().Context()))
	s.Require().NoError(s.manager.Initialize(s.T().Context()))

	found, state := s.transport.Registrations()
	s.Equal(2, found)
	s.Equal(2, state)

	s.transport.EmitDevicesFound(device.DiscoveredDevice{ID: "A"})
	s.Len(s.found, 1, "re-registration replaces, never duplicates, the handler")
}

func (s *AdapterTestSuite) TestRetryAfterFailure() {
	s.transport.On("Open", mock.Anything).Return(errors.New("busy")).Once()
	s.transport.On("Open", mock.Anything).Return(nil).Once()

	s.Error(s.manager.Initialize(s.T().Context()))
	s.Equal(device.AdapterInitFailed, s.manager.State())

	s.NoError(s.manager.Initialize(s.T().Context()))
	s.Equal(device.AdapterInitialized, s.manager.State())
}

func (s *AdapterTestSuite) TestClose() {
	s.Run("noop when not initialized", func() {
		s.NoError(s.manager.Close())
	})

	s.Run("closes an open adapter", func() {
		s.transport.On("Open", mock.Anything).Return(nil).Once()
		s.transport.On("Close").Return(nil).Once()

		s.Require().NoError(s.manager.Initialize(s.T().Context()))
		s.NoError(s.manager.Close())
		s.Equal(device.AdapterUninitialized, s.manager.State())
	})
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
