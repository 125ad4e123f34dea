package device

import "context"

// DeviceFoundHandler receives batches of advertisements seen during discovery
type DeviceFoundHandler func(devices []DiscoveredDevice)

// ConnectionStateHandler receives unsolicited link state changes
type ConnectionStateHandler func(event ConnectionStateEvent)

// Transport is the platform Bluetooth stack as seen by the session core.
//
// Every method except the two handler registrations is an awaited operation:
// it blocks until the stack reports success or failure, or until ctx is done.
// Handler registration replaces any previously registered handler.
// Handlers may be invoked from any goroutine, including while an awaited
// operation is in flight.
type Transport interface {
	Open(ctx context.Context) error
	Close() error

	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error

	OnDeviceFound(handler DeviceFoundHandler)
	OnConnectionStateChange(handler ConnectionStateHandler)

	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error

	Services(ctx context.Context, deviceID string) ([]ServiceDescriptor, error)
	Characteristics(ctx context.Context, deviceID, serviceID string) ([]CharacteristicDescriptor, error)
	Write(ctx context.Context, deviceID string, target CharacteristicDescriptor, payload []byte) error
}
