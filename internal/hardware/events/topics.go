package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Notification topics.
const (
	// TopicDevicePrefix prefixes unsolicited EVENT: lines, for example
	// "device.vehicle_detected".
	TopicDevicePrefix = "device."

	TopicDetectorChanged = "detector.changed"
	TopicCameraFrame     = "camera.frame"
	TopicCameraStatus    = "camera.status"
	TopicFailover        = "redundancy.failover"
	TopicRestored        = "redundancy.restored"
)

// DeviceEventTopic returns the topic for an EVENT:<name> line.
func DeviceEventTopic(name string) string {
	return TopicDevicePrefix + strings.ToLower(name)
}

// DeviceEvent is the payload of a device.* notification.
type DeviceEvent struct {
	DeviceID string    `json:"device_id"`
	Class    string    `json:"class"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// DetectorChange is the payload of detector.changed.
type DetectorChange struct {
	DeviceID string    `json:"device_id"`
	Occupied bool      `json:"occupied"`
	At       time.Time `json:"at"`
}

// CameraFrame is the payload of camera.frame. The frame itself is read
// through the control plane, not carried on the bus.
type CameraFrame struct {
	DeviceID string    `json:"device_id"`
	Size     int       `json:"size"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

// CameraStatus is the payload of camera.status.
type CameraStatus struct {
	DeviceID string    `json:"device_id"`
	Online   bool      `json:"online"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// RedundancyChange is the payload of redundancy.failover and
// redundancy.restored.
type RedundancyChange struct {
	Class       string    `json:"class"`
	UsingBackup bool      `json:"using_backup"`
	Active      []string  `json:"active"`
	At          time.Time `json:"at"`
}

// Encode marshals a payload struct. The payload types above always
// marshal; an error yields an empty object.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
