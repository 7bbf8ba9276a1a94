// Package hwerr defines the error taxonomy shared by the hardware control plane.
//
// Errors are sentinels checked with errors.Is. Device-reported failures
// (an ERR: line) are carried by *DeviceError, which also matches
// ErrDeviceRejected.
package hwerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the link is down, cannot be opened,
	// or a write fails.
	ErrConnection = errors.New("hardware: connection error")

	// ErrTimeout is returned when no matching response arrives within the
	// command timeout.
	ErrTimeout = errors.New("hardware: timeout waiting for response")

	// ErrProtocol is returned when a response does not match the expected grammar.
	ErrProtocol = errors.New("hardware: protocol error")

	// ErrDeviceBusy is returned by non-queueing sends when another command
	// is already in flight on the channel.
	ErrDeviceBusy = errors.New("hardware: device busy")

	// ErrRedundancyExhausted is returned when retries are exhausted and no
	// backup device can take over.
	ErrRedundancyExhausted = errors.New("hardware: redundancy exhausted")

	// ErrCancelled is returned when an operation is abandoned because the
	// control plane is shutting down or the caller's context ended.
	ErrCancelled = errors.New("hardware: cancelled")

	// ErrDeviceRejected is returned when the device answered ERR:<code>.
	ErrDeviceRejected = errors.New("hardware: device rejected command")
)

// DeviceError carries the reason code of an ERR: response.
type DeviceError struct {
	Code string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDeviceRejected.Error(), e.Code)
}

// Is makes errors.Is(err, ErrDeviceRejected) true for any DeviceError.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceRejected
}

// IsTransient reports whether err is an I/O level failure that is worth
// retrying and counts toward the failover threshold.
//
// Device-reported errors, busy and cancellation are not transient: the
// device is reachable and answered, or the caller gave up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrDeviceRejected) {
		return false
	}
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProtocol)
}
