package source

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported     = errors.New("operation not supported")
	ErrInvalidChannel  = errors.New("invalid channel")
	ErrOutOfRange      = errors.New("value out of range")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("source closed")
	ErrUnknownDriver   = errors.New("unknown driver")
	ErrNoDriver        = errors.New("driver not available in this build")
)

// UnsupportedError reports a facade operation a vendor cannot perform.
type UnsupportedError struct {
	Vendor string
	Op     string
	Reason string
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Vendor, e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Vendor, e.Op, ErrUnsupported)
}

func (e *UnsupportedError) Unwrap() error {
	return ErrUnsupported
}

func Unsupported(vendor, op, reason string) error {
	return &UnsupportedError{Vendor: vendor, Op: op, Reason: reason}
}

// DriverError wraps a failure returned by a vendor driver call. The driver
// error is kept intact so callers can inspect it with errors.Is / errors.As.
type DriverError struct {
	Vendor string
	Op     string
	Err    error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Vendor, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// WrapDriver returns nil when err is nil.
func WrapDriver(vendor, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Vendor: vendor, Op: op, Err: err}
}

// CheckChannel validates a zero-based channel index against a channel count.
func CheckChannel(ch, numChannels int) error {
	if ch < 0 || ch >= numChannels {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidChannel, ch, numChannels)
	}
	return nil
}
