// Package transportfactory selects the Bluetooth stack behind a session.
package transportfactory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
	"github.com/srg/blectl/internal/transport/goble"
	"github.com/srg/blectl/internal/transport/tinygo"
	"github.com/srg/blectl/pkg/config"
)

// Constructor builds a transport for one backend
type Constructor func(logger *logrus.Logger) device.Transport

// Backends maps transport names to constructors.
// This is a variable so that it can be overridden in tests.
var Backends = map[string]Constructor{
	config.TransportGoBLE:  func(l *logrus.Logger) device.Transport { return goble.New(l) },
	config.TransportTinyGo: func(l *logrus.Logger) device.Transport { return tinygo.New(l) },
}

// New creates the transport registered under name. An empty name selects go-ble.
func New(name string, logger *logrus.Logger) (device.Transport, error) {
	if name == "" {
		name = config.TransportGoBLE
	}
	ctor, ok := Backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if logger == nil {
		logger = logrus.New()
	}
	logger.WithField("transport", name).Debug("Creating Bluetooth transport")
	return ctor(logger), nil
}

// Names returns the registered transport names in sorted order
func Names() []string {
	names := make([]string, 0, len(Backends))
	for name := range Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
