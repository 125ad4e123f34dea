package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies session failures
type ErrorKind string

const (
	KindAdapterInit         ErrorKind = "adapter_init"
	KindScanStart           ErrorKind = "scan_start"
	KindScanStop            ErrorKind = "scan_stop"
	KindConnect             ErrorKind = "connect"
	KindServiceFetch        ErrorKind = "service_fetch"
	KindCharacteristicFetch ErrorKind = "characteristic_fetch"
	KindNotConnected        ErrorKind = "not_connected"
	KindWrite               ErrorKind = "write"
	KindNotInitialized      ErrorKind = "not_initialized"
	KindBusy                ErrorKind = "busy"
	KindAlreadyConnected    ErrorKind = "already_connected"
	KindInvalidCommand      ErrorKind = "invalid_command"
)

// SessionError is returned by every session operation that fails
type SessionError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks
var (
	ErrAdapterInit         = &SessionError{Kind: KindAdapterInit}
	ErrScanStart           = &SessionError{Kind: KindScanStart}
	ErrScanStop            = &SessionError{Kind: KindScanStop}
	ErrConnect             = &SessionError{Kind: KindConnect}
	ErrServiceFetch        = &SessionError{Kind: KindServiceFetch}
	ErrCharacteristicFetch = &SessionError{Kind: KindCharacteristicFetch}
	ErrNotConnected        = &SessionError{Kind: KindNotConnected}
	ErrWrite               = &SessionError{Kind: KindWrite}
	ErrNotInitialized      = &SessionError{Kind: KindNotInitialized}
	ErrBusy                = &SessionError{Kind: KindBusy}
	ErrAlreadyConnected    = &SessionError{Kind: KindAlreadyConnected}
	ErrInvalidCommand      = &SessionError{Kind: KindInvalidCommand}
)

// Transport-level errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
)

// NewError builds a SessionError of the given kind around cause
func NewError(kind ErrorKind, cause error, format string, args ...any) *SessionError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &SessionError{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind of the first SessionError in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries a SessionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// NormalizeError maps known backend error strings to structured errors.
// Returns wrapped errors to preserve the original message.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBluetoothOff) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter is powered off"),
		containsIgnoreCase(msg, "not powered"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
