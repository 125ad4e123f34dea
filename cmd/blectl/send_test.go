package main

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type SendTestSuite struct {
	CommandTestSuite
}

func (s *SendTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	sendDevice = ""
	sendScan = 5 * time.Second
}

func (s *SendTestSuite) expectPeripheral(id string) {
	s.Transport.On("Connect", mock.Anything, id).Return(nil).Once()
	testutils.NewPeripheralBuilder().
		WithService("S1").
		WithCharacteristic("C1", "write").
		Expect(s.Transport, id)
}

func (s *SendTestSuite) run(args ...string) (string, error) {
	return s.ExecuteCommand(rootCmd, append(append([]string{"send"}, s.ConfigArgs()...), args...)...)
}

func (s *SendTestSuite) TestSendWithoutScan() {
	s.Transport.On("Open", mock.Anything).Return(nil).Once()
	s.expectPeripheral(TestDeviceAddress1)
	target := device.CharacteristicDescriptor{ServiceID: "S1", CharacteristicID: "C1", Capabilities: device.CapWrite}
	s.Transport.On("Write", mock.Anything, TestDeviceAddress1, target, []byte{3}).Return(nil).Once()
	s.Transport.On("Disconnect", mock.Anything, TestDeviceAddress1).Return(nil).Once()
	s.Transport.On("Close").Return(nil).Once()

	out, err := s.run("--device", TestDeviceAddress1, "--scan", "0", "3")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
» Bluetooth initialized
» Connecting to 00:00:00:00:00:01...
» Connected to 00:00:00:00:00:01, discovering services...
» Ready, commands go to S1/C1
  commands: enabled
» Command 3 sent
» Device disconnected
  commands: disabled
`)
}

func (s *SendTestSuite) TestSendAfterScan() {
	s.Transport.On("Open", mock.Anything).Return(nil).Once()
	s.Transport.On("StartDiscovery", mock.Anything).Return(nil).Once().Run(func(mock.Arguments) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Transport.EmitDevicesFound(device.DiscoveredDevice{ID: TestDeviceAddress2, Name: "Lamp", RSSI: -40})
		}()
	})
	s.Transport.On("StopDiscovery", mock.Anything).Return(nil).Once()
	s.expectPeripheral(TestDeviceAddress2)
	s.Transport.On("Write", mock.Anything, TestDeviceAddress2, mock.Anything, []byte{1}).Return(nil).Once()
	s.Transport.On("Disconnect", mock.Anything, TestDeviceAddress2).Return(nil).Once()
	s.Transport.On("Close").Return(nil).Once()

	out, err := s.run("--device", TestDeviceAddress2, "--scan", "2s", "1")
	s.Require().NoError(err)
	s.Contains(out, "+ Lamp (00:00:00:00:00:02)  rssi=-40")
	s.Contains(out, "» Scan stopped, 1 device(s) found")
	s.Contains(out, "» Connecting to Lamp (00:00:00:00:00:02)...")
	s.Contains(out, "» Command 1 sent")
}

func (s *SendTestSuite) TestDeviceNotFound() {
	s.Transport.On("Open", mock.Anything).Return(nil).Once()
	s.Transport.On("StartDiscovery", mock.Anything).Return(nil).Once()
	s.Transport.On("StopDiscovery", mock.Anything).Return(nil).Once()
	s.Transport.On("Close").Return(nil).Once()

	_, err := s.run("--device", TestDeviceAddress1, "--scan", "100ms", "1")
	s.Require().Error(err)
	s.ErrorIs(err, ErrDeviceNotFound)
}

func (s *SendTestSuite) TestNoCommandTarget() {
	s.Transport.On("Open", mock.Anything).Return(nil).Once()
	s.Transport.On("Connect", mock.Anything, TestDeviceAddress1).Return(nil).Once()
	testutils.NewPeripheralBuilder().WithService("S1").Expect(s.Transport, TestDeviceAddress1)
	s.Transport.On("Disconnect", mock.Anything, TestDeviceAddress1).Return(nil).Once()
	s.Transport.On("Close").Return(nil).Once()

	out, err := s.run("--device", TestDeviceAddress1, "--scan", "0", "1")
	s.Require().Error(err)
	s.ErrorIs(err, ErrNoCommandTarget)
	s.Contains(out, "no characteristic matches the first target policy")
}

func (s *SendTestSuite) TestInitFailure() {
	s.Transport.On("Open", mock.Anything).Return(errors.New("adapter is powered off")).Once()

	out, err := s.run("--device", TestDeviceAddress1, "--scan", "0", "1")
	s.Require().Error(err)
	s.Equal("Bluetooth initialization failed (open adapter: Bluetooth is turned off)", FormatUserError(err))
	s.Contains(out, "» Bluetooth initialization failed")
}

func (s *SendTestSuite) TestOutOfRangeCommand() {
	s.Transport.On("Open", mock.Anything).Return(nil).Once()
	s.expectPeripheral(TestDeviceAddress1)
	s.Transport.On("Disconnect", mock.Anything, TestDeviceAddress1).Return(nil).Once()
	s.Transport.On("Close").Return(nil).Once()

	_, err := s.run("--device", TestDeviceAddress1, "--scan", "0", "9")
	s.Require().Error(err)
	s.True(device.IsKind(err, device.KindInvalidCommand))
	s.Transport.AssertNotCalled(s.T(), "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *SendTestSuite) TestArgumentErrors() {
	s.Run("non-numeric command", func() {
		_, err := s.run("--device", TestDeviceAddress1, "three")
		s.EqualError(err, `invalid command number "three"`)
	})

	s.Run("unknown transport", func() {
		args := append([]string{"send"}, s.ConfigArgs()...)
		args = append(args, "--transport", "bluez", "--device", TestDeviceAddress1, "1")
		_, err := s.ExecuteCommand(rootCmd, args...)
		s.ErrorContains(err, `transport must be "goble" or "tinygo"`)
	})

	s.Run("invalid log level", func() {
		args := append([]string{"send"}, s.ConfigArgs()...)
		args = append(args, "--log-level", "loud", "--device", TestDeviceAddress1, "1")
		_, err := s.ExecuteCommand(rootCmd, args...)
		s.ErrorContains(err, "invalid log level: loud")
	})
}

func TestSendTestSuite(t *testing.T) {
	suite.Run(t, new(SendTestSuite))
}
