package main

import (
	"errors"
	"fmt"

	"github.com/srg/nusport/pkg/device"
	"github.com/srg/nusport/pkg/nusport"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link failed while a command was
	// streaming, after the port had been opened successfully.
	ErrConnectionLost = errors.New("connection lost")
)

var kindHints = map[nusport.Kind]string{
	nusport.PermissionDenied:       "Bluetooth is unavailable: turn it on and allow this program to use it",
	nusport.DeviceNotFound:         "no advertising device matched the name; check it is powered and in range",
	nusport.ConnectTimeout:         "the device did not accept the connection in time",
	nusport.ConnectFailed:          "the device refused the connection",
	nusport.ServiceNotFound:        "the device does not offer the selected UART profile (try --profile)",
	nusport.CharacteristicNotFound: "the device's UART service is missing a characteristic",
	nusport.SubscribeFailed:        "could not enable notifications on the device",
	nusport.WriteTimeout:           "the device stopped accepting data",
	nusport.WriteFailed:            "sending data to the device failed",
	nusport.ReadTimeout:            "the device did not answer in time",
}

// FormatUserError turns an error into a one-line message for the terminal,
// leading with a hint when the failure kind is known.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if hint, ok := kindHints[nusport.KindOf(err)]; ok {
		return fmt.Sprintf("%s (%v)", hint, err)
	}
	switch {
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("the device disconnected (%v)", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("this platform is not supported by the selected backend, try --backend (%v)", err)
	}
	return err.Error()
}
