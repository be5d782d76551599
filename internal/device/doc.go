// Package device defines the transport boundary between a sensor session and
// the wireless stack: peripheral identities, asynchronous transport events, the
// Transport and ScanningDevice interfaces, and the structured errors backends
// normalize into.
//
// Concrete backends live in the go-ble and tinygo subpackages.
package device
