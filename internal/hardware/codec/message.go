package codec

import (
	"fmt"
	"strings"

	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
)

// Class identifies the kind of line received from a device.
type Class int

const (
	// ClassUnknown is a line with no recognised prefix. Downstream
	// consumers ignore it.
	ClassUnknown Class = iota
	ClassOK
	ClassErr
	ClassStatus
	ClassEvent
	ClassReady
)

// Wire prefixes, device to host.
const (
	PrefixOK     = "OK:"
	PrefixErr    = "ERR:"
	PrefixStatus = "STATUS:"
	PrefixEvent  = "EVENT:"
	PrefixReady  = "READY:"
)

// Unsolicited event names.
const (
	EventVehicleDetected = "VEHICLE_DETECTED"
	EventButtonPress     = "BUTTON_PRESS"
	EventVehiclePassed   = "VEHICLE_PASSED"
	EventGateTimeout     = "GATE_TIMEOUT"
)

var classNames = map[Class]string{
	ClassUnknown: "unknown",
	ClassOK:      "ok",
	ClassErr:     "err",
	ClassStatus:  "status",
	ClassEvent:   "event",
	ClassReady:   "ready",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// IsResponse reports whether the class answers a command.
func (c Class) IsResponse() bool {
	return c == ClassOK || c == ClassErr || c == ClassStatus
}

// Message is one classified line from the byte stream.
type Message struct {
	// Raw is the trimmed line as received.
	Raw string

	// Class is derived from the prefix.
	Class Class

	// Payload is the line with the prefix removed. For ClassUnknown it
	// equals Raw.
	Payload string
}

// prefixes is checked in order; none is a prefix of another.
var prefixes = []struct {
	prefix string
	class  Class
}{
	{PrefixOK, ClassOK},
	{PrefixErr, ClassErr},
	{PrefixStatus, ClassStatus},
	{PrefixEvent, ClassEvent},
	{PrefixReady, ClassReady},
}

// Classify trims line and classifies it by prefix.
func Classify(line string) Message {
	raw := strings.TrimSpace(line)
	for _, p := range prefixes {
		if strings.HasPrefix(raw, p.prefix) {
			return Message{
				Raw:     raw,
				Class:   p.class,
				Payload: raw[len(p.prefix):],
			}
		}
	}
	return Message{Raw: raw, Class: ClassUnknown, Payload: raw}
}

// EventName splits an EVENT: payload into its name and optional detail.
//
//	EVENT:VEHICLE_DETECTED        -> ("VEHICLE_DETECTED", "")
//	EVENT:BUTTON_PRESS:lane-2     -> ("BUTTON_PRESS", "lane-2")
func (m Message) EventName() (name, detail string) {
	name, detail, _ = strings.Cut(m.Payload, ":")
	return name, detail
}

// Status is the parsed payload of a STATUS:<gate>:<vehicle> response.
type Status struct {
	Gate    string
	Vehicle string
}

// ParseStatus parses the payload of a STATUS response.
// Both fields must be present and non-empty.
func ParseStatus(payload string) (Status, error) {
	gate, vehicle, ok := strings.Cut(payload, ":")
	gate = strings.TrimSpace(gate)
	vehicle = strings.TrimSpace(vehicle)
	if !ok || gate == "" || vehicle == "" {
		return Status{}, fmt.Errorf("%w: status payload %q is not <gate>:<vehicle>", hwerr.ErrProtocol, payload)
	}
	return Status{Gate: gate, Vehicle: vehicle}, nil
}
