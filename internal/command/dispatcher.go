// Package command sends command numbers to the resolved command target.
package command

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/payload"
)

// DefaultCount is the number of command controls when none is configured
const DefaultCount = 5

// TargetSource yields the connected device and its command target
type TargetSource interface {
	ActiveTarget() (deviceID string, target device.CharacteristicDescriptor, ok bool)
}

// SentHandler is called after a command was written
type SentHandler func(n int, target device.CharacteristicDescriptor)

// Options configures the dispatcher
type Options struct {
	// Count is the highest valid command number
	Count int
	// Timeout bounds each write; zero means unbounded
	Timeout time.Duration
}

// Dispatcher writes commands to the active connection's command target.
// Writes are serialized.
type Dispatcher struct {
	transport device.Transport
	targets   TargetSource
	encoder   payload.Encoder
	opts      Options
	logger    *logrus.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	onSent []SentHandler
}

// NewDispatcher creates a dispatcher. A nil encoder writes the command number as one byte.
func NewDispatcher(transport device.Transport, targets TargetSource, encoder payload.Encoder, opts Options, logger *logrus.Logger) *Dispatcher {
	if encoder == nil {
		encoder = payload.ByteEncoder{}
	}
	if opts.Count <= 0 {
		opts.Count = DefaultCount
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		transport: transport,
		targets:   targets,
		encoder:   encoder,
		opts:      opts,
		logger:    logger,
	}
}

// OnCommandSent registers a listener for successful writes
func (d *Dispatcher) OnCommandSent(h SentHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSent = append(d.onSent, h)
}

// Count returns the highest valid command number
func (d *Dispatcher) Count() int {
	return d.opts.Count
}

// Send writes command n to the command target.
//
// Without a connection and resolved target it returns not_connected and
// writes nothing. A failed write returns a write error and leaves the
// connection untouched.
func (d *Dispatcher) Send(ctx context.Context, n int) error {
	deviceID, target, ok := d.targets.ActiveTarget()
	if !ok {
		return device.NewError(device.KindNotConnected, nil, "no connected device")
	}
	if n < 1 || n > d.opts.Count {
		return device.NewError(device.KindInvalidCommand, nil, "command %d is out of range 1..%d", n, d.opts.Count)
	}

	data, err := d.encoder.Encode(n)
	if err != nil {
		return device.NewError(device.KindInvalidCommand, err, "encode command %d", n)
	}

	logger := d.logger.WithFields(logrus.Fields{
		"device":         deviceID,
		"characteristic": target.CharacteristicID,
		"command":        n,
	})

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	wctx, cancel := device.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	logger.WithField("payload", data).Debug("Writing command")
	if err := d.transport.Write(wctx, deviceID, target, data); err != nil {
		err = device.NormalizeError(err)
		logger.WithField("error", err).Error("Failed to send command")
		return device.NewError(device.KindWrite, err, "send command %d", n)
	}
	logger.Info("Command sent")

	d.mu.Lock()
	listeners := append([]SentHandler(nil), d.onSent...)
	d.mu.Unlock()
	for _, h := range listeners {
		h(n, target)
	}
	return nil
}
