package redundancy

import "errors"

var (
	// ErrNoBackup is returned by SwitchToBackup when the class has no
	// backup device. It matches hwerr.ErrRedundancyExhausted.
	ErrNoBackup = errors.New("redundancy: no backup device configured")

	// ErrNoMain is returned by RestoreMain when the class has no main device.
	ErrNoMain = errors.New("redundancy: no main device configured")
)
