// Package session drives a BLE peripheral through adapter initialization,
// discovery, connection, GATT resolution and command dispatch, and reports
// every step to a UI collaborator.
package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/adapter"
	"github.com/srg/blectl/internal/command"
	"github.com/srg/blectl/internal/connection"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/discovery"
	"github.com/srg/blectl/internal/gatt"
)

// Aliases so UI implementations outside this module can name the event types
type (
	DiscoveredDevice         = device.DiscoveredDevice
	CharacteristicDescriptor = device.CharacteristicDescriptor
	Connection               = device.Connection
	ScanState                = device.ScanState
	AdapterState             = device.AdapterState
	Transport                = device.Transport
)

// UI is the user interface collaborator. Calls may arrive from transport
// goroutines; implementations must not block.
type UI interface {
	Status(text string)
	DeviceDiscovered(dev DiscoveredDevice)
	ScanEnabled(enabled bool)
	ScanStateChanged(state ScanState)
	CommandsEnabled(enabled bool)
}

// Controller binds UI intents to the session managers
type Controller struct {
	ui     UI
	logger *logrus.Logger

	adapter    *adapter.Manager
	discovery  *discovery.Manager
	resolver   *gatt.Resolver
	connection *connection.Manager
	dispatcher *command.Dispatcher
}

// New wires a controller over transport
func New(transport Transport, ui UI, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Controller{ui: ui, logger: logger}

	c.adapter = adapter.NewManager(transport, adapter.Sinks{
		DevicesFound: func(batch []device.DiscoveredDevice) {
			c.discovery.HandleDevicesFound(batch)
		},
		ConnectionChanged: func(ev device.ConnectionStateEvent) {
			c.connection.HandleConnectionStateChanged(ev)
		},
	}, opts.Timeouts.Init, logger)

	c.discovery = discovery.NewManager(transport, c.adapter, discovery.Options{
		Timeout:     opts.Timeouts.Scan,
		ClearOnScan: opts.ClearOnScan,
	}, logger)
	c.discovery.OnDeviceDiscovered(ui.DeviceDiscovered)

	c.resolver = gatt.NewResolver(transport, opts.Policy, gatt.Timeouts{
		Services:        opts.Timeouts.ServiceFetch,
		Characteristics: opts.Timeouts.CharacteristicFetch,
	}, logger)

	c.connection = connection.NewManager(transport, c.resolver, connection.Options{
		ConnectTimeout:    opts.Timeouts.Connect,
		DisconnectTimeout: opts.Timeouts.Disconnect,
	}, connection.Events{
		Connected: func(conn device.Connection) {
			ui.Status(fmt.Sprintf("Connected to %s, discovering services...", conn.DeviceID))
		},
		Resolved: func(_ device.Connection, _ *gatt.Resolution, target device.CharacteristicDescriptor, ok bool) {
			if !ok {
				ui.Status(fmt.Sprintf("Connected, but no characteristic matches the %s target policy", c.resolver.Policy().Name()))
				return
			}
			ui.Status(fmt.Sprintf("Ready, commands go to %s", target))
		},
		Disconnected: func(device.Connection) {
			ui.Status("Device disconnected")
		},
		CommandsEnabled: ui.CommandsEnabled,
	}, logger)

	c.dispatcher = command.NewDispatcher(transport, c.connection, opts.Encoder, command.Options{
		Count:   opts.CommandCount,
		Timeout: opts.Timeouts.Write,
	}, logger)
	c.dispatcher.OnCommandSent(func(n int, _ device.CharacteristicDescriptor) {
		ui.Status(fmt.Sprintf("Command %d sent", n))
	})

	return c
}

// Initialize opens the adapter and unlocks scanning
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.adapter.Initialize(ctx); err != nil {
		c.fail(err)
		return err
	}
	c.ui.ScanEnabled(true)
	c.ui.Status("Bluetooth initialized")
	return nil
}

// ToggleScan starts or stops discovery
func (c *Controller) ToggleScan(ctx context.Context) error {
	err := c.discovery.ToggleScan(ctx)
	c.ui.ScanStateChanged(c.discovery.State())
	if err != nil {
		c.fail(err)
		return err
	}

	if c.discovery.State() == device.ScanScanning {
		c.ui.Status("Scanning for devices...")
	} else {
		c.ui.Status(fmt.Sprintf("Scan stopped, %d device(s) found", c.discovery.Len()))
	}
	return nil
}

// ConnectTo connects to a discovered device and resolves its command target
func (c *Controller) ConnectTo(ctx context.Context, deviceID string) error {
	if !c.adapter.Initialized() {
		err := device.NewError(device.KindNotInitialized, nil, "initialize the adapter before connecting")
		c.fail(err)
		return err
	}

	name := deviceID
	if dev, ok := c.discovery.Device(deviceID); ok {
		name = dev.String()
	}
	c.ui.Status(fmt.Sprintf("Connecting to %s...", name))

	if err := c.connection.Connect(ctx, deviceID); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Send writes command n to the command target
func (c *Controller) Send(ctx context.Context, n int) error {
	if err := c.dispatcher.Send(ctx, n); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// SendControl sends the command bound to the zero-based control index
func (c *Controller) SendControl(ctx context.Context, index int) error {
	return c.Send(ctx, index+1)
}

// Disconnect drops the active connection
func (c *Controller) Disconnect(ctx context.Context) error {
	if err := c.connection.Disconnect(ctx); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Close disconnects, stops scanning and closes the adapter. Failures of
// the first two steps are logged and do not stop the shutdown. Afterwards
// the session holds no connection and is not scanning.
func (c *Controller) Close(ctx context.Context) error {
	if _, ok := c.connection.Current(); ok {
		if err := c.connection.Disconnect(ctx); err != nil {
			c.logger.WithField("error", err).Warn("Disconnect during shutdown failed")
		}
	}
	if c.discovery.State() == device.ScanScanning {
		if err := c.discovery.StopScan(ctx); err != nil {
			c.logger.WithField("error", err).Warn("Stopping scan during shutdown failed")
		}
	}

	err := c.adapter.Close()

	// the transport state is gone even when the steps above failed
	c.connection.Reset()
	if c.discovery.Reset() {
		c.ui.ScanStateChanged(device.ScanIdle)
	}
	c.ui.CommandsEnabled(false)
	c.ui.ScanEnabled(false)
	return err
}

// Devices returns the discovered devices in discovery order
func (c *Controller) Devices() []DiscoveredDevice {
	return c.discovery.Devices()
}

// ClearDevices empties the discovered device registry
func (c *Controller) ClearDevices() {
	c.discovery.Clear()
}

// Connection returns the active connection
func (c *Controller) Connection() (Connection, bool) {
	return c.connection.Current()
}

// CommandTarget returns the resolved command target
func (c *Controller) CommandTarget() (CharacteristicDescriptor, bool) {
	_, target, ok := c.connection.ActiveTarget()
	return target, ok
}

// Characteristics returns every characteristic resolved on the active connection
func (c *Controller) Characteristics() []CharacteristicDescriptor {
	return c.resolver.Characteristics()
}

// CommandsEnabled reports whether commands can be sent
func (c *Controller) CommandsEnabled() bool {
	return c.connection.CommandsEnabled()
}

// CommandCount returns the number of command controls
func (c *Controller) CommandCount() int {
	return c.dispatcher.Count()
}

// ScanState returns the discovery state
func (c *Controller) ScanState() ScanState {
	return c.discovery.State()
}

// AdapterState returns the adapter state
func (c *Controller) AdapterState() AdapterState {
	return c.adapter.State()
}

func (c *Controller) fail(err error) {
	c.ui.Status(Describe(err))
}
