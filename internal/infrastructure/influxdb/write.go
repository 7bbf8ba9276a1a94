package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the control plane.
const (
	MeasurementCommand    = "command"
	MeasurementRedundancy = "redundancy"
	MeasurementDetector   = "detector"
	MeasurementCamera     = "camera"
	MeasurementEvent      = "device_event"
)

// WriteCommandLatency records one resolved device command.
//
// Parameters:
//   - deviceID: Device the command was sent to (e.g., "gate-main")
//   - verb: Command verb (e.g., "OPEN")
//   - outcome: "ok", "rejected", "timeout", "protocol", "connection" or "cancelled"
//   - latency: Time from write to response
func (c *Client) WriteCommandLatency(deviceID, verb, outcome string, latency time.Duration) {
	c.writePoint(MeasurementCommand,
		map[string]string{
			"device_id": deviceID,
			"verb":      verb,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(latency) / float64(time.Millisecond),
		},
		time.Now(),
	)
}

// WriteRedundancyChange records a failover (usingBackup=true) or a
// restoration to the main device.
func (c *Client) WriteRedundancyChange(class string, usingBackup bool, activeCount int, at time.Time) {
	c.writePoint(MeasurementRedundancy,
		map[string]string{
			"class": class,
		},
		map[string]interface{}{
			"using_backup": usingBackup,
			"active":       activeCount,
		},
		at,
	)
}

// WriteDetectorOccupancy records a loop detector occupancy transition.
func (c *Client) WriteDetectorOccupancy(deviceID string, occupied bool, at time.Time) {
	c.writePoint(MeasurementDetector,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"occupied": occupied,
		},
		at,
	)
}

// WriteCameraOnline records a camera online/offline transition.
func (c *Client) WriteCameraOnline(deviceID string, online bool, at time.Time) {
	c.writePoint(MeasurementCamera,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"online": online,
		},
		at,
	)
}

// WriteDeviceEvent records an unsolicited device event such as
// vehicle_detected or gate_timeout.
func (c *Client) WriteDeviceEvent(deviceID, class, event string, at time.Time) {
	c.writePoint(MeasurementEvent,
		map[string]string{
			"device_id": deviceID,
			"class":     class,
			"event":     event,
		},
		map[string]interface{}{
			"count": 1,
		},
		at,
	)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	c.writePoint(measurement, tags, fields, timestamp)
}

// writePoint is non-blocking; points are batched and sent asynchronously.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
