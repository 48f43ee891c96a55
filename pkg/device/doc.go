// Package device defines the BLE central capability surface consumed by the
// nusport stream adapter.
//
// The package carries no platform code. Backends live in sub-packages:
//   - goble: github.com/go-ble/ble (CoreBluetooth on macOS, HCI on Linux)
//   - tinygo: tinygo.org/x/bluetooth (BlueZ over D-Bus, CoreBluetooth, WinRT)
//
// Besides the interfaces, the package provides the shared error taxonomy
// (NotFoundError, ConnectionError and sentinels) and UUID normalization.
package device
