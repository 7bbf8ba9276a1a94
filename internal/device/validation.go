package device

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation constants.
const (
	maxNameLength = 100
	maxIDLength   = 64
	idPattern     = `^[a-z0-9]+(?:[-_][a-z0-9]+)*$`
)

var idRegex = regexp.MustCompile(idPattern)

// Pre-computed validation sets for O(1) lookups.
var (
	validClasses  map[Class]struct{}
	validStatuses map[Status]struct{}
)

// Endpoint schemes accepted per class. Line devices speak over a serial
// port or a serial-over-IP server; cameras serve HTTP snapshots.
var classSchemes = map[Class][]string{
	ClassGate:         {"serial", "tcp"},
	ClassLoopDetector: {"serial", "tcp"},
	ClassPrinter:      {"serial", "tcp"},
	ClassCamera:       {"http", "https"},
}

func init() {
	validClasses = make(map[Class]struct{}, len(AllClasses()))
	for _, c := range AllClasses() {
		validClasses[c] = struct{}{}
	}

	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}
}

// ValidateDevice checks a device before it is seeded into the store.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if err := ValidateClass(d.Class); err != nil {
		return err
	}
	if d.Status != "" {
		if err := ValidateStatus(d.Status); err != nil {
			return err
		}
	}
	if d.Baud < 0 {
		return fmt.Errorf("%w: baud must not be negative", ErrInvalidDevice)
	}
	return ValidateEndpoint(d.Class, d.Endpoint)
}

// ValidateID checks that an id is a short lowercase token.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDevice, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q must be lowercase alphanumeric with - or _", ErrInvalidDevice, id)
	}
	return nil
}

// ValidateName checks that a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateClass checks that a class is recognised.
func ValidateClass(c Class) error {
	if _, ok := validClasses[c]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidClass, c)
	}
	return nil
}

// ValidateStatus checks that a status is recognised.
func ValidateStatus(s Status) error {
	if _, ok := validStatuses[s]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return nil
}

// ValidateEndpoint checks that the endpoint parses and uses a scheme the
// class can be driven over.
func ValidateEndpoint(c Class, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidEndpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	for _, s := range classSchemes[c] {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%w: scheme %q not supported for %s", ErrInvalidEndpoint, u.Scheme, c)
}
