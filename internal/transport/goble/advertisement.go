package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blectl/internal/device"
)

// discoveredDevice converts an advertisement to the session's device record.
// The raw advertisement is kept for callers that need manufacturer or service data.
func discoveredDevice(adv ble.Advertisement) device.DiscoveredDevice {
	id := ""
	if addr := adv.Addr(); addr != nil {
		id = addr.String()
	}
	return device.DiscoveredDevice{
		ID:            id,
		Name:          adv.LocalName(),
		RSSI:          adv.RSSI(),
		Advertisement: adv,
	}
}

// capabilities maps go-ble property flags to capability bits
func capabilities(p ble.Property) device.Capability {
	var caps device.Capability
	if p&ble.CharRead != 0 {
		caps |= device.CapRead
	}
	if p&ble.CharWrite != 0 {
		caps |= device.CapWrite
	}
	if p&ble.CharWriteNR != 0 {
		caps |= device.CapWriteNoResponse
	}
	if p&(ble.CharNotify|ble.CharIndicate) != 0 {
		caps |= device.CapNotify
	}
	return caps
}
