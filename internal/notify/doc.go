// Package notify forwards notification-bus traffic to external consumers.
//
// MQTTSink republishes every bus message on parkgate/event/... and keeps
// retained state topics for detectors, cameras and redundancy selection.
// TelemetrySink writes the same notifications, plus per-command latency,
// as InfluxDB points.
//
// Both sinks attach to the bus with a subscription of their own, so a slow
// broker or time-series database only fills that subscriber's queue and
// never delays device traffic.
package notify
