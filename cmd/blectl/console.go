package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/transportfactory"
	"github.com/srg/blectl/session"
	"golang.org/x/term"
)

const consoleHelp = `Commands:
  init              Initialize the Bluetooth adapter
  scan              Start or stop scanning
  devices           List discovered devices
  clear             Forget discovered devices
  connect <id|#n>   Connect by device ID or by list number
  chars             List characteristics of the connected device
  send <n>          Send command n to the command target
  disconnect        Drop the active connection
  status            Show adapter, scan and connection state
  quit              Close the session and exit`

// consoleCmd represents the interactive console command
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive BLE session",
	Long:  "Starts an interactive session with one Bluetooth adapter.\n\n" + consoleHelp,
	Args:  cobra.NoArgs,
	RunE:  runConsole,
}

// lineReader is the input side of the console; *readline.Instance satisfies it
type lineReader interface {
	Readline() (string, error)
	Close() error
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "blectl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	logger := configureLogger(cfg, rl.Stderr())
	transport, err := transportfactory.New(cfg.Transport, logger)
	if err != nil {
		_ = rl.Close()
		return err
	}
	opts, err := session.OptionsFromConfig(cfg)
	if err != nil {
		_ = rl.Close()
		return err
	}
	defer opts.CloseEncoder()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newConsole(transport, rl, rl.Stdout(), opts, logger)
	return c.run(ctx)
}

// console maps typed commands onto a session controller
type console struct {
	in      lineReader
	out     io.Writer
	printer *eventPrinter
	ctrl    *session.Controller
	logger  *logrus.Logger
}

func newConsole(transport session.Transport, in lineReader, out io.Writer, opts session.Options, logger *logrus.Logger) *console {
	out = &syncWriter{w: out}
	printer := newEventPrinter(out)
	return &console{
		in:      in,
		out:     out,
		printer: printer,
		ctrl:    session.New(transport, printer, opts, logger),
		logger:  logger,
	}
}

// run reads commands until quit, EOF or ctx is done, then closes the session
func (c *console) run(ctx context.Context) error {
	defer c.in.Close()
	defer c.printer.Close()
	defer func() {
		if err := c.ctrl.Close(context.WithoutCancel(ctx)); err != nil {
			c.logger.WithField("error", err).Warn("Session closed with errors")
		}
	}()

	fmt.Fprintln(c.out, `Type "help" for commands.`)

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := c.in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		if quit := c.execute(ctx, line); quit {
			return nil
		}
	}
}

// execute runs one console line and reports whether the console should exit.
// Session failures are reported through the printer by the controller.
func (c *console) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "init":
		_ = c.ctrl.Initialize(ctx)
	case "scan":
		_ = c.ctrl.ToggleScan(ctx)
	case "devices", "ls":
		c.printDevices()
	case "clear":
		c.ctrl.ClearDevices()
		fmt.Fprintln(c.out, "Device list cleared")
	case "connect", "c":
		id, err := c.resolveDevice(args)
		if err != nil {
			c.usage(err)
			return false
		}
		_ = c.ctrl.ConnectTo(ctx, id)
	case "chars":
		c.printCharacteristics()
	case "send", "s":
		n, err := parseCommandNumber(args)
		if err != nil {
			c.usage(err)
			return false
		}
		_ = c.ctrl.Send(ctx, n)
	case "disconnect", "d":
		_ = c.ctrl.Disconnect(ctx)
	case "status":
		c.printStatus()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", name)
	}
	return false
}

// resolveDevice accepts a device ID or a "#n" / "n" index into the device list
func (c *console) resolveDevice(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: connect <id|#n>")
	}
	arg := args[0]

	if idx, err := strconv.Atoi(strings.TrimPrefix(arg, "#")); err == nil {
		devices := c.ctrl.Devices()
		if idx < 1 || idx > len(devices) {
			return "", fmt.Errorf("no device #%d (%d discovered)", idx, len(devices))
		}
		return devices[idx-1].ID, nil
	}
	return arg, nil
}

func parseCommandNumber(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("usage: send <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid command number %q", args[0])
	}
	return n, nil
}

func (c *console) usage(err error) {
	color.New(color.FgRed).Fprintln(c.out, err.Error())
}

func (c *console) printDevices() {
	devices := c.ctrl.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices discovered")
		return
	}
	for i, dev := range devices {
		fmt.Fprintf(c.out, "#%-3d %-24s %s  rssi=%d\n", i+1, dev.DisplayName(), dev.ID, dev.RSSI)
	}
}

func (c *console) printCharacteristics() {
	chars := c.ctrl.Characteristics()
	if len(chars) == 0 {
		fmt.Fprintln(c.out, "No characteristics resolved")
		return
	}
	target, hasTarget := c.ctrl.CommandTarget()
	for _, ch := range chars {
		marker := " "
		if hasTarget && ch == target {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s/%s [%s]", marker, ch.ServiceID, ch.CharacteristicID, ch.Capabilities)
		if name := device.KnownServiceName(ch.ServiceID); name != "" {
			line += "  " + name
		}
		fmt.Fprintln(c.out, line)
	}
}

func (c *console) printStatus() {
	fmt.Fprintf(c.out, "adapter:    %s\n", c.ctrl.AdapterState())
	fmt.Fprintf(c.out, "scan:       %s\n", c.ctrl.ScanState())
	if conn, ok := c.ctrl.Connection(); ok {
		fmt.Fprintf(c.out, "connection: %s (id %s)\n", conn.DeviceID, conn.ID)
	} else {
		fmt.Fprintln(c.out, "connection: none")
	}
	if target, ok := c.ctrl.CommandTarget(); ok && c.ctrl.CommandsEnabled() {
		fmt.Fprintf(c.out, "commands:   1..%d -> %s\n", c.ctrl.CommandCount(), target)
	} else {
		fmt.Fprintln(c.out, "commands:   disabled")
	}
}
