// Package nusport turns a BLE "UART over GATT" service into a blocking,
// timeout-bounded byte stream for serial-protocol masters such as Modbus RTU.
//
// A Port is built on a device.Central and a Profile (Nordic UART by default):
//
//	port := nusport.NewPort(central, nil, logger)
//	if err := port.Open(ctx, "DEV1"); err != nil {
//	    return err
//	}
//	defer port.Dispose()
//
//	if err := port.Write(frame, 0, len(frame)); err != nil {
//	    return err
//	}
//	n, err := port.Read(reply, 0, 8)
//
// Open checks Bluetooth access, scans for a peripheral whose advertised name
// contains the requested name, connects once (no automatic reconnect),
// resolves the service/RX/TX endpoints and subscribes to TX. Received payloads
// are appended to a FIFO which Read drains; Write splits data into chunks of
// the negotiated payload size and writes them to RX one by one.
//
// # Failures
//
// Every stage reports a distinct *Error kind (PermissionDenied, DeviceNotFound,
// ConnectTimeout, ServiceNotFound, CharacteristicNotFound, WriteTimeout,
// WriteFailed, ReadTimeout, ...). The port never retries. After any failure
// the link state is not trusted: Dispose the port and Open it again.
//
// A Read that times out consumes nothing; bytes that did arrive stay queued.
package nusport
