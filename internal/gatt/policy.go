package gatt

import (
	"fmt"

	"github.com/srg/blectl/internal/device"
)

// Policy names accepted by NewPolicy
const (
	PolicyFirst    = "first"
	PolicyUUID     = "uuid"
	PolicyWritable = "writable"
)

// Policy picks the command target out of a resolution
type Policy interface {
	Name() string
	Select(res *Resolution) (device.CharacteristicDescriptor, bool)
}

// NewPolicy builds a selection policy by name. The uuid policy needs a
// characteristic UUID; its service UUID is optional.
func NewPolicy(name, serviceID, characteristicID string) (Policy, error) {
	switch name {
	case "", PolicyFirst:
		return FirstPolicy{}, nil
	case PolicyWritable:
		return WritablePolicy{}, nil
	case PolicyUUID:
		if device.NormalizeUUID(characteristicID) == "" {
			return nil, fmt.Errorf("uuid policy requires a valid characteristic UUID, got %q", characteristicID)
		}
		if serviceID != "" && device.NormalizeUUID(serviceID) == "" {
			return nil, fmt.Errorf("invalid service UUID %q", serviceID)
		}
		return UUIDPolicy{ServiceID: serviceID, CharacteristicID: characteristicID}, nil
	default:
		return nil, fmt.Errorf("unknown target policy %q (must be %s, %s or %s)", name, PolicyFirst, PolicyWritable, PolicyUUID)
	}
}

// FirstPolicy selects the first characteristic across all services.
// Capabilities are not checked.
type FirstPolicy struct{}

func (FirstPolicy) Name() string { return PolicyFirst }

func (FirstPolicy) Select(res *Resolution) (device.CharacteristicDescriptor, bool) {
	chars := res.Characteristics()
	if len(chars) == 0 {
		return device.CharacteristicDescriptor{}, false
	}
	return chars[0], true
}

// WritablePolicy selects the first characteristic that accepts writes
type WritablePolicy struct{}

func (WritablePolicy) Name() string { return PolicyWritable }

func (WritablePolicy) Select(res *Resolution) (device.CharacteristicDescriptor, bool) {
	for _, c := range res.Characteristics() {
		if c.Capabilities.Writable() {
			return c, true
		}
	}
	return device.CharacteristicDescriptor{}, false
}

// UUIDPolicy selects a characteristic by UUID, optionally within one service
type UUIDPolicy struct {
	ServiceID        string
	CharacteristicID string
}

func (UUIDPolicy) Name() string { return PolicyUUID }

func (p UUIDPolicy) Select(res *Resolution) (device.CharacteristicDescriptor, bool) {
	if p.ServiceID != "" {
		return res.Lookup(p.ServiceID, p.CharacteristicID)
	}
	for _, c := range res.Characteristics() {
		if device.SameUUID(c.CharacteristicID, p.CharacteristicID) {
			return c, true
		}
	}
	return device.CharacteristicDescriptor{}, false
}
