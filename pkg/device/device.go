package device

import (
	"context"
	"fmt"
	"strings"
)

// AccessState is the Bluetooth access/permission state reported by a Central.
type AccessState int

const (
	AccessAvailable AccessState = iota
	AccessDenied
	AccessDisabled
	AccessNotSetup
	AccessRestricted
)

func (s AccessState) String() string {
	switch s {
	case AccessAvailable:
		return "available"
	case AccessDenied:
		return "denied"
	case AccessDisabled:
		return "disabled"
	case AccessNotSetup:
		return "not_setup"
	case AccessRestricted:
		return "restricted"
	default:
		return fmt.Sprintf("access_state(%d)", int(s))
	}
}

// Property is a bit set of GATT characteristic properties.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether all bits of p are set.
func (prop Property) Has(p Property) bool {
	return prop&p == p
}

// CanSubscribe reports whether the characteristic supports notify or indicate.
func (prop Property) CanSubscribe() bool {
	return prop&(PropNotify|PropIndicate) != 0
}

func (prop Property) String() string {
	names := []struct {
		bit  Property
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	var parts []string
	for _, n := range names {
		if prop&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ScanResult is a single advertisement observed while scanning.
type ScanResult struct {
	Peripheral  Peripheral
	RSSI        int
	Connectable bool
}

// Central is the host-side BLE controller.
type Central interface {
	// RequestAccess queries (and on platforms that prompt, requests) Bluetooth access.
	RequestAccess(ctx context.Context) (AccessState, error)

	// Scan delivers advertisements to handler until ctx is done. Cancelling ctx
	// stops the scan; Scan then returns nil.
	Scan(ctx context.Context, handler func(ScanResult)) error
}

// Peripheral is a remote device handle. It is obtained from a scan and stays
// valid across connect/disconnect cycles.
type Peripheral interface {
	Name() string
	Address() string
	IsConnected() bool

	// Connect performs a single connection attempt bounded by ctx. Implementations
	// must not reconnect automatically.
	Connect(ctx context.Context) error
	Disconnect() error

	Services(ctx context.Context) ([]Service, error)
	ReadRSSI(ctx context.Context) (int, error)

	// MTU returns the usable payload size of a single write, 0 when unknown.
	MTU() int
}

// Service is a discovered GATT service.
type Service interface {
	UUID() string
	Characteristics(ctx context.Context) ([]Characteristic, error)
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
	Properties() Property

	Write(ctx context.Context, data []byte, withResponse bool) error

	// Notify enables value pushes and calls handler for every payload, in
	// arrival order. When preferIndication is set and the characteristic
	// supports indications they are used, otherwise notifications.
	Notify(preferIndication bool, handler func(data []byte)) (Subscription, error)
}

// Subscription is the token returned by Characteristic.Notify.
type Subscription interface {
	// Indicated reports whether acknowledged delivery is in use.
	Indicated() bool
	// Unsubscribe disables pushes. No handler call starts after it returns.
	Unsubscribe() error
}
