package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/transportfactory"
	"github.com/srg/blectl/session"
)

// sendCmd represents the one-shot send command
var sendCmd = &cobra.Command{
	Use:   "send --device <id> <n>",
	Short: "Connect to a device, send one command and disconnect",
	Long: `Initializes the adapter, optionally scans until the device shows up,
connects, resolves the command target and sends command n.

Examples:
  # Send command 3 to a device, scanning for it first
  blectl send --device AA:BB:CC:DD:EE:FF 3

  # Skip the scan when the stack can dial the address directly
  blectl send --device AA:BB:CC:DD:EE:FF --scan 0 1`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var (
	sendDevice string
	sendScan   time.Duration
)

// scanPollInterval is how often the device list is checked while scanning
const scanPollInterval = 50 * time.Millisecond

func init() {
	sendCmd.Flags().StringVar(&sendDevice, "device", "", "Device ID (address, or CoreBluetooth UUID on macOS)")
	sendCmd.Flags().DurationVar(&sendScan, "scan", 5*time.Second, "How long to scan for the device before connecting; 0 skips the scan")
	_ = sendCmd.MarkFlagRequired("device")
}

func runSend(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid command number %q", args[0])
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := configureLogger(cfg, cmd.ErrOrStderr())
	transport, err := transportfactory.New(cfg.Transport, logger)
	if err != nil {
		return err
	}
	opts, err := session.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	defer opts.CloseEncoder()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newEventPrinter(&syncWriter{w: cmd.OutOrStdout()})
	defer printer.Close()

	ctrl := session.New(transport, printer, opts, logger)
	defer func() {
		if err := ctrl.Close(context.WithoutCancel(ctx)); err != nil {
			logger.WithField("error", err).Warn("Session closed with errors")
		}
	}()

	return sendOnce(ctx, ctrl, sendDevice, sendScan, n, logger)
}

// sendOnce drives ctrl through init, optional scan, connect and send
func sendOnce(ctx context.Context, ctrl *session.Controller, deviceID string, scan time.Duration, n int, logger *logrus.Logger) error {
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}

	if scan > 0 {
		if err := scanFor(ctx, ctrl, deviceID, scan); err != nil {
			return err
		}
	}

	if err := ctrl.ConnectTo(ctx, deviceID); err != nil {
		return err
	}
	if !ctrl.CommandsEnabled() {
		return fmt.Errorf("%w on %s", ErrNoCommandTarget, deviceID)
	}

	if err := ctrl.Send(ctx, n); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{"device": deviceID, "command": n}).Debug("Command sent, disconnecting")
	return ctrl.Disconnect(ctx)
}

// scanFor scans until deviceID is discovered or window elapses
func scanFor(ctx context.Context, ctrl *session.Controller, deviceID string, window time.Duration) error {
	if err := ctrl.ToggleScan(ctx); err != nil {
		return err
	}

	found := waitForDevice(ctx, ctrl, deviceID, window)

	if err := ctrl.ToggleScan(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !found {
		return fmt.Errorf("%w: %s not seen within %s", ErrDeviceNotFound, deviceID, window)
	}
	return nil
}

func waitForDevice(ctx context.Context, ctrl *session.Controller, deviceID string, window time.Duration) bool {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

	for {
		for _, dev := range ctrl.Devices() {
			if dev.ID == deviceID {
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
