package controlplane

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running control plane.
	ErrAlreadyStarted = errors.New("controlplane: already started")

	// ErrNoActiveDevice is returned when a class has no active device to
	// send a command to. It matches hwerr.ErrConnection, so it counts
	// toward failover.
	ErrNoActiveDevice = errors.New("controlplane: no active device")
)
