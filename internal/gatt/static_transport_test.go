package gatt_test

import (
	"context"

	"github.com/srg/blectl/internal/device"
)

// staticTransport serves a fixed GATT layout
type staticTransport struct {
	device.Transport

	order []string
	chars map[string][]device.CharacteristicDescriptor
}

func newStaticTransport(chars map[string][]device.CharacteristicDescriptor, order ...string) *staticTransport {
	return &staticTransport{order: order, chars: chars}
}

func (t *staticTransport) Services(context.Context, string) ([]device.ServiceDescriptor, error) {
	svcs := make([]device.ServiceDescriptor, 0, len(t.order))
	for _, id := range t.order {
		svcs = append(svcs, device.ServiceDescriptor{ServiceID: id})
	}
	return svcs, nil
}

func (t *staticTransport) Characteristics(_ context.Context, _ string, serviceID string) ([]device.CharacteristicDescriptor, error) {
	return append([]device.CharacteristicDescriptor(nil), t.chars[serviceID]...), nil
}
