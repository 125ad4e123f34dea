package gatt

import (
	"github.com/srg/blectl/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// FailedService records a service whose characteristic fetch failed
type FailedService struct {
	ServiceID string
	Err       error
}

// Resolution is the GATT layout resolved for one connection.
// Characteristics keep transport order: services in the order returned, and
// characteristics in the order returned per service.
type Resolution struct {
	DeviceID string
	Services []device.ServiceDescriptor
	Failed   []FailedService

	byService *orderedmap.OrderedMap[string, []device.CharacteristicDescriptor]
}

func newResolution(deviceID string, services []device.ServiceDescriptor) *Resolution {
	return &Resolution{
		DeviceID:  deviceID,
		Services:  services,
		byService: orderedmap.New[string, []device.CharacteristicDescriptor](),
	}
}

func (r *Resolution) add(serviceID string, chars []device.CharacteristicDescriptor) {
	existing, _ := r.byService.Get(serviceID)
	r.byService.Set(serviceID, append(existing, chars...))
}

// Characteristics returns every resolved characteristic across all services
func (r *Resolution) Characteristics() []device.CharacteristicDescriptor {
	if r == nil {
		return nil
	}
	var all []device.CharacteristicDescriptor
	for pair := r.byService.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value...)
	}
	return all
}

// ServiceCharacteristics returns the characteristics of one service.
// ok is false for unknown services and services whose fetch failed.
func (r *Resolution) ServiceCharacteristics(serviceID string) ([]device.CharacteristicDescriptor, bool) {
	if r == nil {
		return nil, false
	}
	for pair := r.byService.Oldest(); pair != nil; pair = pair.Next() {
		if device.SameUUID(pair.Key, serviceID) || pair.Key == serviceID {
			return pair.Value, true
		}
	}
	return nil, false
}

// Lookup finds a characteristic by service and characteristic UUID
func (r *Resolution) Lookup(serviceID, characteristicID string) (device.CharacteristicDescriptor, bool) {
	chars, ok := r.ServiceCharacteristics(serviceID)
	if !ok {
		return device.CharacteristicDescriptor{}, false
	}
	for _, c := range chars {
		if device.SameUUID(c.CharacteristicID, characteristicID) || c.CharacteristicID == characteristicID {
			return c, true
		}
	}
	return device.CharacteristicDescriptor{}, false
}

// Len returns the number of resolved characteristics
func (r *Resolution) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for pair := r.byService.Oldest(); pair != nil; pair = pair.Next() {
		n += len(pair.Value)
	}
	return n
}
