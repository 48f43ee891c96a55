package goble

import (
	"fmt"

	"github.com/srg/nusport/pkg/device"
)

// NormalizeError maps known go-ble error strings to the device error taxonomy.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	case device.ContainsIgnoreCase(msg, "timed out"), device.ContainsIgnoreCase(msg, "timeout"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}

// accessStateFor classifies a device initialization failure.
func accessStateFor(err error) (device.AccessState, bool) {
	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "is Bluetooth turned on"),
		device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "powered off"):
		return device.AccessDisabled, true
	case device.ContainsIgnoreCase(msg, "unauthorized"),
		device.ContainsIgnoreCase(msg, "not authorized"),
		device.ContainsIgnoreCase(msg, "permission denied"),
		device.ContainsIgnoreCase(msg, "operation not permitted"):
		return device.AccessDenied, true
	case device.ContainsIgnoreCase(msg, "restricted"):
		return device.AccessRestricted, true
	case device.ContainsIgnoreCase(msg, "no such device"),
		device.ContainsIgnoreCase(msg, "unsupported"),
		device.ContainsIgnoreCase(msg, "can't init hci"):
		return device.AccessNotSetup, true
	default:
		return device.AccessNotSetup, false
	}
}
