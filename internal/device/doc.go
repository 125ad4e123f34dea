// Package device holds the domain model shared by the BLE session stack.
//
// It defines:
//   - adapter and scan states
//   - discovered devices, GATT service and characteristic descriptors
//   - the Transport interface implemented by the platform backends
//   - the session error taxonomy and transport error normalization
//   - UUID normalization helpers
//
// Nothing in this package talks to a radio. Backends live under
// internal/transport and are selected by internal/transportfactory.
package device
