package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const addrA = "aa:bb:cc:dd:ee:01"

type mockDevice struct {
	ble.Device
	mock.Mock
}

func (d *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.Called(ctx, allowDup, h).Error(0)
}

func (d *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := d.Called(ctx, a.String())
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (d *mockDevice) Stop() error {
	return d.Called().Error(0)
}

type mockClient struct {
	ble.Client
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (c *mockClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := c.Called(filter)
	svcs, _ := args.Get(0).([]*ble.Service)
	return svcs, args.Error(1)
}

func (c *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := c.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (c *mockClient) WriteCharacteristic(ch *ble.Characteristic, v []byte, noRsp bool) error {
	return c.Called(ch, v, noRsp).Error(0)
}

func (c *mockClient) CancelConnection() error {
	return c.Called().Error(0)
}

type mockAdvertisement struct {
	ble.Advertisement
	name string
	addr string
	rssi int
}

func (a *mockAdvertisement) LocalName() string { return a.name }
func (a *mockAdvertisement) RSSI() int         { return a.rssi }
func (a *mockAdvertisement) Addr() ble.Addr    { return ble.NewAddr(a.addr) }

type GoBLETransportTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	dev       *mockDevice
	transport *Transport

	origFactory func() (ble.Device, error)
	origGrace   time.Duration

	mu     sync.Mutex
	found  []device.DiscoveredDevice
	states []device.ConnectionStateEvent
}

func (s *GoBLETransportTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.dev = &mockDevice{}
	s.found, s.states = nil, nil

	s.origFactory, s.origGrace = DeviceFactory, ScanStartGrace
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }
	ScanStartGrace = 20 * time.Millisecond

	s.transport = New(s.helper.Logger)
	s.transport.OnDeviceFound(func(devs []device.DiscoveredDevice) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.found = append(s.found, devs...)
	})
	s.transport.OnConnectionStateChange(func(ev device.ConnectionStateEvent) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.states = append(s.states, ev)
	})
}

func (s *GoBLETransportTestSuite) TearDownTest() {
	DeviceFactory, ScanStartGrace = s.origFactory, s.origGrace
	s.dev.AssertExpectations(s.T())
}

func (s *GoBLETransportTestSuite) stateEvents() []device.ConnectionStateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.ConnectionStateEvent(nil), s.states...)
}

func (s *GoBLETransportTestSuite) open() {
	s.Require().NoError(s.transport.Open(s.T().Context()))
}

func (s *GoBLETransportTestSuite) connect(client *mockClient) {
	s.open()
	s.dev.On("Dial", mock.Anything, addrA).Return(client, nil).Once()
	s.Require().NoError(s.transport.Connect(s.T().Context(), addrA))
}

func (s *GoBLETransportTestSuite) TestOpen() {
	s.Run("creates the device once", func() {
		calls := 0
		DeviceFactory = func() (ble.Device, error) {
			calls++
			return s.dev, nil
		}
		s.open()
		s.open()
		s.Equal(1, calls)
	})

	s.Run("bluetooth off", func() {
		DeviceFactory = func() (ble.Device, error) {
			return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
		}
		err := New(s.helper.Logger).Open(s.T().Context())
		s.ErrorIs(err, device.ErrBluetoothOff)
	})

	s.Run("hung factory times out", func() {
		release := make(chan struct{})
		defer close(release)
		DeviceFactory = func() (ble.Device, error) {
			<-release
			return s.dev, nil
		}
		ctx, cancel := context.WithTimeout(s.T().Context(), 20*time.Millisecond)
		defer cancel()

		s.ErrorIs(New(s.helper.Logger).Open(ctx), device.ErrTimeout)
	})
}

func (s *GoBLETransportTestSuite) TestDiscoveryRequiresOpen() {
	s.Error(s.transport.StartDiscovery(s.T().Context()))
}

func (s *GoBLETransportTestSuite) TestScanDeliversAdvertisements() {
	s.open()
	s.dev.On("Scan", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) {
			h := args.Get(2).(ble.AdvHandler)
			h(&mockAdvertisement{name: "Tetris", addr: addrA, rssi: -48})
			h(&mockAdvertisement{addr: "aa:bb:cc:dd:ee:02", rssi: -70})
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled).Once()

	s.Require().NoError(s.transport.StartDiscovery(s.T().Context()))
	s.ErrorContains(s.transport.StartDiscovery(s.T().Context()), "already running")
	s.Require().NoError(s.transport.StopDiscovery(s.T().Context()))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().Len(s.found, 2)
	s.Equal(addrA, s.found[0].ID)
	s.Equal("Tetris", s.found[0].Name)
	s.Equal(-48, s.found[0].RSSI)
	s.IsType(&mockAdvertisement{}, s.found[0].Advertisement)
	s.Equal(device.UnnamedDevice, s.found[1].DisplayName())
}

func (s *GoBLETransportTestSuite) TestScanStartFailure() {
	s.open()
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Return(errors.New("bluetooth is turned off")).Once()

	err := s.transport.StartDiscovery(s.T().Context())
	s.ErrorIs(err, device.ErrBluetoothOff)

	// a failed start leaves no scan behind, so a retry is possible
	s.dev.On("Scan", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(context.Canceled).Once()
	s.Require().NoError(s.transport.StartDiscovery(s.T().Context()))
	s.Require().NoError(s.transport.StopDiscovery(s.T().Context()))
}

func (s *GoBLETransportTestSuite) TestStopWithoutScanIsNoop() {
	s.NoError(s.transport.StopDiscovery(s.T().Context()))
}

func (s *GoBLETransportTestSuite) TestConnectResolveWrite() {
	client := newMockClient()
	s.connect(client)
	s.Equal([]device.ConnectionStateEvent{{DeviceID: addrA, Connected: true}}, s.stateEvents())

	info := &ble.Service{UUID: ble.UUID16(0x180a)}
	ctrl := &ble.Service{UUID: ble.UUID16(0xfff0)}
	client.On("DiscoverServices", []ble.UUID(nil)).Return([]*ble.Service{info, ctrl}, nil).Once()

	svcs, err := s.transport.Services(s.T().Context(), addrA)
	s.Require().NoError(err)
	s.Equal([]device.ServiceDescriptor{{ServiceID: "180a"}, {ServiceID: "fff0"}}, svcs)

	rw := &ble.Characteristic{UUID: ble.UUID16(0xfff1), Property: ble.CharRead | ble.CharWrite | ble.CharWriteNR}
	nr := &ble.Characteristic{UUID: ble.UUID16(0xfff2), Property: ble.CharWriteNR | ble.CharNotify}
	client.On("DiscoverCharacteristics", []ble.UUID(nil), ctrl).Return([]*ble.Characteristic{rw, nr}, nil).Once()

	chars, err := s.transport.Characteristics(s.T().Context(), addrA, "fff0")
	s.Require().NoError(err)
	s.Equal([]device.CharacteristicDescriptor{
		{ServiceID: "fff0", CharacteristicID: "fff1", Capabilities: device.CapRead | device.CapWrite | device.CapWriteNoResponse},
		{ServiceID: "fff0", CharacteristicID: "fff2", Capabilities: device.CapWriteNoResponse | device.CapNotify},
	}, chars)

	client.On("WriteCharacteristic", rw, []byte{0x03}, false).Return(nil).Once()
	s.Require().NoError(s.transport.Write(s.T().Context(), addrA, chars[0], []byte{0x03}))

	client.On("WriteCharacteristic", nr, []byte{0x04}, true).Return(nil).Once()
	s.Require().NoError(s.transport.Write(s.T().Context(), addrA, chars[1], []byte{0x04}))

	_, err = s.transport.Characteristics(s.T().Context(), addrA, "1234")
	s.ErrorContains(err, "has not been discovered")

	err = s.transport.Write(s.T().Context(), addrA, device.CharacteristicDescriptor{ServiceID: "fff0", CharacteristicID: "fff9"}, []byte{1})
	s.ErrorContains(err, "has not been discovered")

	client.AssertExpectations(s.T())
}

func (s *GoBLETransportTestSuite) TestOperationsWithoutLink() {
	_, err := s.transport.Services(s.T().Context(), addrA)
	s.ErrorIs(err, device.ErrNotConnected)

	_, err = s.transport.Characteristics(s.T().Context(), addrA, "fff0")
	s.ErrorIs(err, device.ErrNotConnected)

	s.ErrorIs(s.transport.Write(s.T().Context(), addrA, device.CharacteristicDescriptor{}, []byte{1}), device.ErrNotConnected)
	s.ErrorIs(s.transport.Disconnect(s.T().Context(), addrA), device.ErrNotConnected)
	s.ErrorIs(s.transport.Connect(s.T().Context(), addrA), errNotOpen)
}

func (s *GoBLETransportTestSuite) TestConnectFailureIsNormalized() {
	s.open()
	s.dev.On("Dial", mock.Anything, addrA).Return(nil, errors.New("connection timed out")).Once()

	s.ErrorIs(s.transport.Connect(s.T().Context(), addrA), device.ErrTimeout)
	s.Empty(s.stateEvents())
}

func (s *GoBLETransportTestSuite) TestConnectTwiceIsRejected() {
	s.connect(newMockClient())
	s.ErrorContains(s.transport.Connect(s.T().Context(), addrA), "already connected")
}

func (s *GoBLETransportTestSuite) TestPeerDropIsReported() {
	client := newMockClient()
	s.connect(client)

	close(client.disconnected)

	s.Eventually(func() bool { return len(s.stateEvents()) == 2 }, time.Second, 5*time.Millisecond)
	s.Equal(device.ConnectionStateEvent{DeviceID: addrA, Connected: false}, s.stateEvents()[1])

	_, err := s.transport.Services(s.T().Context(), addrA)
	s.ErrorIs(err, device.ErrNotConnected)
}

func (s *GoBLETransportTestSuite) TestExplicitDisconnectIsNotReportedAsDrop() {
	client := newMockClient()
	s.connect(client)
	client.On("CancelConnection").Run(func(mock.Arguments) { close(client.disconnected) }).Return(nil).Once()

	s.Require().NoError(s.transport.Disconnect(s.T().Context(), addrA))

	s.Never(func() bool { return len(s.stateEvents()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	client.AssertExpectations(s.T())
}

func (s *GoBLETransportTestSuite) TestFailedDisconnectKeepsLink() {
	s.Run("retry succeeds", func() {
		client := newMockClient()
		s.connect(client)
		client.On("CancelConnection").Return(errors.New("hci busy")).Once()

		s.Require().Error(s.transport.Disconnect(s.T().Context(), addrA))

		client.On("DiscoverServices", []ble.UUID(nil)).Return([]*ble.Service{}, nil).Once()
		_, err := s.transport.Services(s.T().Context(), addrA)
		s.Require().NoError(err, "link must survive a failed disconnect")
		s.ErrorContains(s.transport.Connect(s.T().Context(), addrA), "already connected")

		client.On("CancelConnection").Return(nil).Once()
		s.Require().NoError(s.transport.Disconnect(s.T().Context(), addrA))
		s.ErrorIs(s.transport.Disconnect(s.T().Context(), addrA), device.ErrNotConnected)
		client.AssertExpectations(s.T())
	})

	s.Run("later drop is reported", func() {
		s.mu.Lock()
		s.states = nil
		s.mu.Unlock()

		client := newMockClient()
		s.connect(client)
		client.On("CancelConnection").Return(errors.New("hci busy")).Once()
		s.Require().Error(s.transport.Disconnect(s.T().Context(), addrA))

		close(client.disconnected)

		s.Eventually(func() bool { return len(s.stateEvents()) == 2 }, time.Second, 5*time.Millisecond)
		s.Equal(device.ConnectionStateEvent{DeviceID: addrA, Connected: false}, s.stateEvents()[1])
		_, err := s.transport.Services(s.T().Context(), addrA)
		s.ErrorIs(err, device.ErrNotConnected)
	})
}

func (s *GoBLETransportTestSuite) TestCloseReleasesEverything() {
	client := newMockClient()
	s.connect(client)
	s.dev.On("Scan", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(context.Canceled).Once()
	s.Require().NoError(s.transport.StartDiscovery(s.T().Context()))

	client.On("CancelConnection").Return(nil).Once()
	s.dev.On("Stop").Return(nil).Once()

	s.Require().NoError(s.transport.Close())
	s.NoError(s.transport.Close(), "second close is a no-op")
	client.AssertExpectations(s.T())
}

func TestGoBLETransportTestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETransportTestSuite))
}
