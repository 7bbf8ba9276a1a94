package notify

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/parkgate-core/internal/hardware/events"
)

// Writer is the time-series writer used by TelemetrySink.
// *influxdb.Client satisfies it.
type Writer interface {
	WriteCommandLatency(deviceID, verb, outcome string, latency time.Duration)
	WriteRedundancyChange(class string, usingBackup bool, activeCount int, at time.Time)
	WriteDetectorOccupancy(deviceID string, occupied bool, at time.Time)
	WriteCameraOnline(deviceID string, online bool, at time.Time)
	WriteDeviceEvent(deviceID, class, event string, at time.Time)
}

// telemetryPatterns are the bus topics written as points. camera.frame is
// left out; frame rate shows up in the Prometheus counters instead.
var telemetryPatterns = []string{
	events.TopicDetectorChanged,
	events.TopicCameraStatus,
	"redundancy.*",
	events.TopicDevicePrefix + "*",
}

// TelemetrySink writes notifications and command outcomes as points.
// It also implements correlator.Observer.
type TelemetrySink struct {
	w      Writer
	logger Logger

	mu           sync.Mutex
	unsubscribes []func()
}

// NewTelemetrySink creates a sink writing to w.
func NewTelemetrySink(w Writer) *TelemetrySink {
	return &TelemetrySink{w: w, logger: noopLogger{}}
}

// SetLogger sets the logger for the sink.
func (s *TelemetrySink) SetLogger(logger Logger) {
	s.logger = logger
}

// Attach subscribes the sink to the telemetry topics.
func (s *TelemetrySink) Attach(bus Subscriber) {
	s.Detach()

	subs := make([]func(), 0, len(telemetryPatterns))
	for _, p := range telemetryPatterns {
		subs = append(subs, bus.Subscribe(p, s.handle))
	}

	s.mu.Lock()
	s.unsubscribes = subs
	s.mu.Unlock()
}

// Detach removes the bus subscriptions.
func (s *TelemetrySink) Detach() {
	s.mu.Lock()
	subs := s.unsubscribes
	s.unsubscribes = nil
	s.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

// ObserveCommand implements correlator.Observer.
func (s *TelemetrySink) ObserveCommand(device, verb, outcome string, latency time.Duration) {
	s.w.WriteCommandLatency(device, verb, outcome, latency)
}

func (s *TelemetrySink) handle(topic string, payload []byte) {
	var err error
	switch {
	case topic == events.TopicDetectorChanged:
		var p events.DetectorChange
		if err = json.Unmarshal(payload, &p); err == nil {
			s.w.WriteDetectorOccupancy(p.DeviceID, p.Occupied, p.At)
		}

	case topic == events.TopicCameraStatus:
		var p events.CameraStatus
		if err = json.Unmarshal(payload, &p); err == nil {
			s.w.WriteCameraOnline(p.DeviceID, p.Online, p.At)
		}

	case strings.HasPrefix(topic, "redundancy."):
		var p events.RedundancyChange
		if err = json.Unmarshal(payload, &p); err == nil {
			s.w.WriteRedundancyChange(p.Class, p.UsingBackup, len(p.Active), p.At)
		}

	case strings.HasPrefix(topic, events.TopicDevicePrefix):
		var p events.DeviceEvent
		if err = json.Unmarshal(payload, &p); err == nil {
			s.w.WriteDeviceEvent(p.DeviceID, p.Class, p.Event, p.At)
		}
	}

	if err != nil {
		s.logger.Warn("dropping undecodable notification", "topic", topic, "error", err)
	}
}
