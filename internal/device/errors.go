package device

import (
	"errors"
	"fmt"
)

var (
	ErrRequest           = errors.New("request failed")
	ErrUnexpectedStatus  = errors.New("unexpected status")
	ErrMalformedResponse = errors.New("malformed response")
	ErrInvalidOutput     = errors.New("output index out of range")
)

// FetchError is returned when the status document cannot be obtained or parsed.
// StatusCode is zero when no response was received.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Device: fetch status failed, status=%d, %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("Device: fetch status failed, %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ControlError is returned when a test-state change was not accepted by the device.
type ControlError struct {
	Output     int
	StatusCode int
	Err        error
}

func (e *ControlError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Device: set test state of output %d failed, status=%d, %v", e.Output, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("Device: set test state of output %d failed, %v", e.Output, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}
