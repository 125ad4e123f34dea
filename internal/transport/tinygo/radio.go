package tinygo

import (
	"tinygo.org/x/bluetooth"
)

// scanReport is one advertisement seen by the radio
type scanReport struct {
	ID   string
	Name string
	RSSI int
	Raw  any
}

// radio is the part of the tinygo adapter the transport uses
type radio interface {
	Enable() error
	Scan(report func(scanReport)) error
	StopScan() error
	Connect(id string) (peer, error)
	OnDisconnect(handler func(id string))
}

type peer interface {
	Services() ([]remoteService, error)
	Disconnect() error
}

type remoteService interface {
	UUID() string
	Characteristics() ([]remoteCharacteristic, error)
}

type remoteCharacteristic interface {
	UUID() string
	WriteWithoutResponse(p []byte) error
}

// adapterRadio wraps *bluetooth.Adapter
type adapterRadio struct {
	adapter *bluetooth.Adapter
}

func (r *adapterRadio) Enable() error {
	return r.adapter.Enable()
}

func (r *adapterRadio) Scan(report func(scanReport)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		report(scanReport{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
			Raw:  result,
		})
	})
}

func (r *adapterRadio) StopScan() error {
	return r.adapter.StopScan()
}

func (r *adapterRadio) Connect(id string) (peer, error) {
	// On macOS, bluetooth.Address wraps a CoreBluetooth UUID, not a MAC
	var addr bluetooth.Address
	addr.Set(id)

	dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &devicePeer{dev: dev}, nil
}

func (r *adapterRadio) OnDisconnect(handler func(id string)) {
	r.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if !connected {
			handler(dev.Address.String())
		}
	})
}

type devicePeer struct {
	dev bluetooth.Device
}

func (p *devicePeer) Services() ([]remoteService, error) {
	svcs, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	result := make([]remoteService, 0, len(svcs))
	for i := range svcs {
		result = append(result, &deviceService{svc: svcs[i]})
	}
	return result, nil
}

func (p *devicePeer) Disconnect() error {
	return p.dev.Disconnect()
}

type deviceService struct {
	svc bluetooth.DeviceService
}

func (s *deviceService) UUID() string { return s.svc.UUID().String() }

func (s *deviceService) Characteristics() ([]remoteCharacteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	result := make([]remoteCharacteristic, 0, len(chars))
	for i := range chars {
		result = append(result, &deviceCharacteristic{char: chars[i]})
	}
	return result, nil
}

type deviceCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *deviceCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *deviceCharacteristic) WriteWithoutResponse(p []byte) error {
	_, err := c.char.WriteWithoutResponse(p)
	return err
}
