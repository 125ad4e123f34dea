package testutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blectl/internal/device"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a GATT characteristic for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
}

// ServiceConfig represents a GATT service for mocking.
// A non-empty Fail makes the characteristic fetch for this service fail with that message.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
	Fail            string                 `json:"fail,omitempty"`
}

// PeripheralProfile is the complete GATT layout of a mocked peripheral.
// A non-empty FailServices makes the services fetch itself fail.
type PeripheralProfile struct {
	Services     []ServiceConfig `json:"services"`
	FailServices string          `json:"fail_services,omitempty"`
}

// PeripheralBuilder programs a MockTransport with a peripheral's GATT layout
type PeripheralBuilder struct {
	profile PeripheralProfile
}

// NewPeripheralBuilder creates an empty builder
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{profile: PeripheralProfile{Services: []ServiceConfig{}}}
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// WithCharacteristicFailure makes the characteristic fetch of the last added service fail
func (b *PeripheralBuilder) WithCharacteristicFailure(msg string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristicFailure: no service added yet, call WithService first")
	}
	b.profile.Services[len(b.profile.Services)-1].Fail = msg
	return b
}

// WithServicesFailure makes the services fetch fail
func (b *PeripheralBuilder) WithServicesFailure(msg string) *PeripheralBuilder {
	b.profile.FailServices = msg
	return b
}

// FromJSON fills the profile from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var profile PeripheralProfile
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = profile
	return b
}

// Profile returns the configured profile
func (b *PeripheralBuilder) Profile() PeripheralProfile {
	return b.profile
}

// Characteristics returns the descriptors the profile resolves to, in transport order
func (b *PeripheralBuilder) Characteristics() []device.CharacteristicDescriptor {
	var result []device.CharacteristicDescriptor
	for _, svc := range b.profile.Services {
		if svc.Fail != "" {
			continue
		}
		result = append(result, characteristicDescriptors(svc)...)
	}
	return result
}

// Expect registers Services and Characteristics expectations for deviceID on m
func (b *PeripheralBuilder) Expect(m *MockTransport, deviceID string) {
	if b.profile.FailServices != "" {
		m.On("Services", mock.Anything, deviceID).Return(nil, errors.New(b.profile.FailServices))
		return
	}

	services := make([]device.ServiceDescriptor, 0, len(b.profile.Services))
	for _, svc := range b.profile.Services {
		services = append(services, device.ServiceDescriptor{ServiceID: svc.UUID})
	}
	m.On("Services", mock.Anything, deviceID).Return(services, nil)

	for _, svc := range b.profile.Services {
		if svc.Fail != "" {
			m.On("Characteristics", mock.Anything, deviceID, svc.UUID).Return(nil, errors.New(svc.Fail))
			continue
		}
		m.On("Characteristics", mock.Anything, deviceID, svc.UUID).Return(characteristicDescriptors(svc), nil)
	}
}

func characteristicDescriptors(svc ServiceConfig) []device.CharacteristicDescriptor {
	result := make([]device.CharacteristicDescriptor, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		result = append(result, device.CharacteristicDescriptor{
			ServiceID:        svc.UUID,
			CharacteristicID: c.UUID,
			Capabilities:     ParseCapabilities(c.Properties),
		})
	}
	return result
}

// ParseCapabilities converts a property list such as "read,write" to capability flags.
// An empty list means unknown capabilities.
func ParseCapabilities(props string) device.Capability {
	var caps device.Capability
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(p)) {
		case "read":
			caps |= device.CapRead
		case "write":
			caps |= device.CapWrite
		case "write-without-response", "writenr":
			caps |= device.CapWriteNoResponse
		case "notify":
			caps |= device.CapNotify
		}
	}
	return caps
}
