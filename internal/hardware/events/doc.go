// Package events is the in-process notification bus of the control plane.
//
// Unsolicited device events, detector changes, camera frames and failover
// transitions are published as opaque {topic, payload} pairs. Subscribers
// are plain functions; how a notification finally reaches a client (MQTT,
// telemetry, a web socket) is up to the subscriber.
package events
