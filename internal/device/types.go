package device

import "time"

// Class identifies the kind of hardware a device is.
type Class string

// Device classes.
const (
	ClassGate         Class = "gate"
	ClassCamera       Class = "camera"
	ClassLoopDetector Class = "loop_detector"
	ClassPrinter      Class = "printer"
)

// AllClasses returns every known device class.
func AllClasses() []Class {
	return []Class{ClassGate, ClassCamera, ClassLoopDetector, ClassPrinter}
}

// Status is the last observed health of a device.
type Status string

// Device statuses.
const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// AllStatuses returns every known status value.
func AllStatuses() []Status {
	return []Status{StatusUnknown, StatusOnline, StatusOffline}
}

// Device is one configured piece of parking hardware.
//
// Devices are created from configuration at startup and never deleted at
// runtime. IsBackup and IsActive are only changed by the redundancy
// orchestrator; Status and LastSeen by the monitor and the drivers.
type Device struct {
	// ID is the stable identifier used in configuration and notifications.
	ID string `json:"id"`

	// Name is a human-readable label ("Entry barrier").
	Name string `json:"name"`

	// Class selects the driver.
	Class Class `json:"class"`

	// Endpoint is where the device is reached, for example
	// "serial:///dev/ttyUSB0", "tcp://10.0.0.5:4001" or
	// "http://10.0.0.9/snapshot.jpg".
	Endpoint string `json:"endpoint"`

	// Baud is the serial line speed. Zero uses the transport default.
	Baud int `json:"baud,omitempty"`

	// IsBackup marks the standby unit of a class.
	IsBackup bool `json:"is_backup"`

	// IsActive marks the unit currently carrying traffic for its class.
	IsActive bool `json:"is_active"`

	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Clone returns a copy of d that shares no memory with it.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	return &c
}

// IsMain reports whether d is the primary unit of its class.
func (d *Device) IsMain() bool {
	return !d.IsBackup
}
