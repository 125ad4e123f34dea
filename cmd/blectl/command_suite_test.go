package main

import (
	"bytes"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/testutils"
	"github.com/srg/blectl/internal/transportfactory"
	"github.com/srg/blectl/pkg/config"
	"github.com/srg/blectl/session"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent mock device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite routes the go-ble backend to a mock transport.
// All cmd/blectl test suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Helper    *testutils.TestHelper
	Transport *testutils.MockTransport

	origBackend transportfactory.Constructor
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Transport = testutils.NewMockTransport()

	s.origBackend = transportfactory.Backends[config.TransportGoBLE]
	transportfactory.Backends[config.TransportGoBLE] = func(*logrus.Logger) device.Transport {
		return s.Transport
	}
}

func (s *CommandTestSuite) TearDownTest() {
	transportfactory.Backends[config.TransportGoBLE] = s.origBackend
	s.Transport.AssertExpectations(s.T())
}

// ConfigArgs points --config at a missing file so defaults apply
func (s *CommandTestSuite) ConfigArgs() []string {
	return []string{
		"--config", filepath.Join(s.T().TempDir(), "absent.yaml"),
		"--transport", config.TransportGoBLE,
		"--log-level", "error",
	}
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// SessionOptions returns session options with short timeouts
func (s *CommandTestSuite) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.Timeouts = session.Timeouts{
		Init:                time.Second,
		Scan:                time.Second,
		Connect:             time.Second,
		Disconnect:          time.Second,
		ServiceFetch:        time.Second,
		CharacteristicFetch: time.Second,
		Write:               time.Second,
	}
	return opts
}

// scriptedReader feeds console lines and then reports EOF
type scriptedReader struct {
	mu     sync.Mutex
	lines  []string
	before func(line string)
	closed bool
}

func (r *scriptedReader) Readline() (string, error) {
	r.mu.Lock()
	if len(r.lines) == 0 {
		r.mu.Unlock()
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	before := r.before
	r.mu.Unlock()

	if before != nil {
		before(line)
	}
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
