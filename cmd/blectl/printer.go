package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/srg/blectl/internal/groutine"
	"github.com/srg/blectl/internal/ringchan"
	"github.com/srg/blectl/session"
)

const printerBuffer = 256

type eventKind int

const (
	eventStatus eventKind = iota
	eventDiscovered
	eventScanState
	eventCommands
)

type uiEvent struct {
	kind eventKind
	text string
}

// eventPrinter implements session.UI. Events are queued on a ring channel and
// written by a single goroutine, so transport callbacks never wait on the terminal.
type eventPrinter struct {
	out    io.Writer
	events *ringchan.RingChannel[uiEvent]
	done   <-chan struct{}

	scanAvailable atomic.Bool
	commandsReady atomic.Bool

	statusColor     *color.Color
	discoveredColor *color.Color
	stateColor      *color.Color
}

var _ session.UI = (*eventPrinter)(nil)

func newEventPrinter(out io.Writer) *eventPrinter {
	p := &eventPrinter{
		out:             out,
		events:          ringchan.New[uiEvent](printerBuffer),
		statusColor:     color.New(color.FgGreen),
		discoveredColor: color.New(color.FgCyan),
		stateColor:      color.New(color.FgYellow),
	}
	p.done = groutine.Go(context.Background(), "ui-printer", func(context.Context) {
		for ev := range p.events.C() {
			p.print(ev)
		}
	})
	return p
}

func (p *eventPrinter) Status(text string) {
	p.events.Send(uiEvent{kind: eventStatus, text: text})
}

func (p *eventPrinter) DeviceDiscovered(dev session.DiscoveredDevice) {
	p.events.Send(uiEvent{kind: eventDiscovered, text: fmt.Sprintf("%s  rssi=%d", dev, dev.RSSI)})
}

func (p *eventPrinter) ScanEnabled(enabled bool) {
	p.scanAvailable.Store(enabled)
}

func (p *eventPrinter) ScanStateChanged(state session.ScanState) {
	p.events.Send(uiEvent{kind: eventScanState, text: state.String()})
}

func (p *eventPrinter) CommandsEnabled(enabled bool) {
	if p.commandsReady.Swap(enabled) == enabled {
		return
	}
	text := "disabled"
	if enabled {
		text = "enabled"
	}
	p.events.Send(uiEvent{kind: eventCommands, text: text})
}

// ScanAvailable reports the last ScanEnabled value
func (p *eventPrinter) ScanAvailable() bool {
	return p.scanAvailable.Load()
}

// Close flushes queued events and stops the printer goroutine
func (p *eventPrinter) Close() {
	p.events.Close()
	<-p.done
	if n := p.events.Overwritten(); n > 0 {
		fmt.Fprintf(p.out, "(%d UI events dropped)\n", n)
	}
}

func (p *eventPrinter) print(ev uiEvent) {
	switch ev.kind {
	case eventStatus:
		p.statusColor.Fprintf(p.out, "» %s\n", ev.text)
	case eventDiscovered:
		p.discoveredColor.Fprintf(p.out, "+ %s\n", ev.text)
	case eventScanState:
		p.stateColor.Fprintf(p.out, "  scan: %s\n", ev.text)
	case eventCommands:
		p.stateColor.Fprintf(p.out, "  commands: %s\n", ev.text)
	}
}

// syncWriter serializes writes from the printer and the command loop
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
