package mqtt

import "fmt"

// Topic prefixes for the parkgate MQTT hierarchy.
const (
	// TopicPrefix is the root of every topic the control plane publishes.
	TopicPrefix = "parkgate"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = TopicPrefix + "/system"

	// TopicPrefixEvent is the base for forwarded notification-bus topics.
	TopicPrefixEvent = TopicPrefix + "/event"

	// TopicPrefixState is the base for retained state topics.
	TopicPrefixState = TopicPrefix + "/state"
)

// Topics provides builders for parkgate MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Event("device.vehicle_detected")
//	// Returns: "parkgate/event/device/vehicle_detected"
type Topics struct{}

// SystemStatus returns the system status topic carrying the online/offline
// payload and the Last Will.
//
// Example: parkgate/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// Event returns the MQTT topic for a notification-bus topic. Bus topics are
// dot separated; the dots become MQTT levels so that subscribers can use
// the + and # wildcards.
//
// Example: detector.changed -> parkgate/event/detector/changed
func (Topics) Event(busTopic string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixEvent, dotsToLevels(busTopic))
}

// DetectorState returns the retained occupancy topic of one loop detector.
//
// Example: parkgate/state/detector/loop-1
func (Topics) DetectorState(deviceID string) string {
	return fmt.Sprintf("%s/detector/%s", TopicPrefixState, deviceID)
}

// CameraState returns the retained online topic of one camera.
//
// Example: parkgate/state/camera/cam-entry
func (Topics) CameraState(deviceID string) string {
	return fmt.Sprintf("%s/camera/%s", TopicPrefixState, deviceID)
}

// RedundancyState returns the retained main/backup topic of a device class.
//
// Example: parkgate/state/redundancy/gate
func (Topics) RedundancyState(class string) string {
	return fmt.Sprintf("%s/redundancy/%s", TopicPrefixState, class)
}

// AllEvents returns a pattern matching every forwarded notification.
//
// Pattern: parkgate/event/#
func (Topics) AllEvents() string {
	return TopicPrefixEvent + "/#"
}

// AllTopics returns a pattern matching all parkgate topics.
//
// Pattern: parkgate/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

func dotsToLevels(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '.' {
			b[i] = '/'
		}
	}
	return string(b)
}
