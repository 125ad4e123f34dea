package session

import (
	"fmt"
	"time"

	"github.com/srg/blectl/internal/command"
	"github.com/srg/blectl/internal/gatt"
	"github.com/srg/blectl/internal/payload"
	"github.com/srg/blectl/pkg/config"
)

// Timeouts bound the awaited operations; zero means unbounded
type Timeouts struct {
	Init                time.Duration
	Scan                time.Duration
	Connect             time.Duration
	Disconnect          time.Duration
	ServiceFetch        time.Duration
	CharacteristicFetch time.Duration
	Write               time.Duration
}

// Options configures a Controller
type Options struct {
	Timeouts     Timeouts
	ClearOnScan  bool
	CommandCount int
	Policy       gatt.Policy     // nil selects the first characteristic
	Encoder      payload.Encoder // nil writes the command number as one byte
}

// DefaultOptions returns unbounded timeouts and the default command count
func DefaultOptions() Options {
	return Options{CommandCount: command.DefaultCount}
}

// OptionsFromConfig builds controller options from the application config.
// When the config names a payload script, the returned Options carry a Lua
// encoder that the caller closes with CloseEncoder.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := gatt.NewPolicy(cfg.Target.Policy, cfg.Target.Service, cfg.Target.Characteristic)
	if err != nil {
		return Options{}, fmt.Errorf("invalid target policy: %w", err)
	}

	opts := Options{
		Timeouts: Timeouts{
			Init:                cfg.Timeouts.Init,
			Scan:                cfg.Timeouts.Scan,
			Connect:             cfg.Timeouts.Connect,
			Disconnect:          cfg.Timeouts.Disconnect,
			ServiceFetch:        cfg.Timeouts.ServiceFetch,
			CharacteristicFetch: cfg.Timeouts.CharacteristicFetch,
			Write:               cfg.Timeouts.Write,
		},
		ClearOnScan:  cfg.Discovery.ClearOnScan,
		CommandCount: cfg.Commands.Count,
		Policy:       policy,
	}

	if cfg.Commands.Script != "" {
		enc, err := payload.NewLuaEncoderFile(cfg.Commands.Script)
		if err != nil {
			return Options{}, err
		}
		opts.Encoder = enc
	}
	return opts, nil
}

// CloseEncoder releases the payload encoder if it holds resources
func (o Options) CloseEncoder() {
	if c, ok := o.Encoder.(interface{ Close() }); ok {
		c.Close()
	}
}
