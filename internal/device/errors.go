package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidClass is returned when a class value is not recognised.
	ErrInvalidClass = errors.New("device: invalid class")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidEndpoint is returned when an endpoint is missing or has an
	// unsupported scheme.
	ErrInvalidEndpoint = errors.New("device: invalid endpoint")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrUpdateConflict is returned when a compare-and-swap update keeps
	// losing to concurrent writers.
	ErrUpdateConflict = errors.New("device: concurrent update conflict")
)
