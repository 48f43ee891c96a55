package nusport

import (
	"errors"
	"fmt"

	"github.com/srg/nusport/pkg/device"
)

// Kind classifies an adapter failure. Every stage of the port reports its
// own kind; callers branch on it with errors.Is against the Err* sentinels.
type Kind string

const (
	PermissionDenied       Kind = "permission_denied"
	DeviceNotFound         Kind = "device_not_found"
	ConnectTimeout         Kind = "connect_timeout"
	ConnectFailed          Kind = "connect_failed"
	ServiceNotFound        Kind = "service_not_found"
	CharacteristicNotFound Kind = "characteristic_not_found"
	SubscribeFailed        Kind = "subscribe_failed"
	WriteTimeout           Kind = "write_timeout"
	WriteFailed            Kind = "write_failed"
	ReadTimeout            Kind = "read_timeout"
)

// Error is the typed failure returned by Port operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is
var (
	ErrPermissionDenied       = &Error{Kind: PermissionDenied}
	ErrDeviceNotFound         = &Error{Kind: DeviceNotFound}
	ErrConnectTimeout         = &Error{Kind: ConnectTimeout}
	ErrConnectFailed          = &Error{Kind: ConnectFailed}
	ErrServiceNotFound        = &Error{Kind: ServiceNotFound}
	ErrCharacteristicNotFound = &Error{Kind: CharacteristicNotFound}
	ErrSubscribeFailed        = &Error{Kind: SubscribeFailed}
	ErrWriteTimeout           = &Error{Kind: WriteTimeout}
	ErrWriteFailed            = &Error{Kind: WriteFailed}
	ErrReadTimeout            = &Error{Kind: ReadTimeout}
)

// State errors. These signal misuse of the port rather than transport failures.
var (
	ErrPortClosed      = errors.New("port closed")
	ErrNotOpen         = fmt.Errorf("port not open: %w", device.ErrNotConnected)
	ErrInvalidArgument = errors.New("invalid argument")
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
