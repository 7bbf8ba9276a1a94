package notify

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/mqtt"
)

// Publisher publishes one MQTT message. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTStats holds MQTTSink counters.
type MQTTStats struct {
	Forwarded uint64
	Retained  uint64
	Failed    uint64
}

// MQTTSink forwards bus notifications to an MQTT broker.
type MQTTSink struct {
	pub    Publisher
	qos    byte
	topics mqtt.Topics
	logger Logger

	mu          sync.Mutex
	unsubscribe func()

	forwarded atomic.Uint64
	retained  atomic.Uint64
	failed    atomic.Uint64
}

// NewMQTTSink creates a sink publishing with the given QoS.
func NewMQTTSink(pub Publisher, qos byte) *MQTTSink {
	return &MQTTSink{
		pub:    pub,
		qos:    qos,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the sink.
func (s *MQTTSink) SetLogger(logger Logger) {
	s.logger = logger
}

// Attach subscribes the sink to every bus topic. Attaching again replaces
// the previous subscription.
func (s *MQTTSink) Attach(bus Subscriber) {
	unsubscribe := bus.Subscribe("*", s.handle)

	s.mu.Lock()
	prev := s.unsubscribe
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Detach removes the bus subscription.
func (s *MQTTSink) Detach() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Stats returns the sink counters.
func (s *MQTTSink) Stats() MQTTStats {
	return MQTTStats{
		Forwarded: s.forwarded.Load(),
		Retained:  s.retained.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *MQTTSink) handle(topic string, payload []byte) {
	if s.publish(s.topics.Event(topic), payload, false) {
		s.forwarded.Add(1)
	}

	stateTopic, ok := s.stateTopic(topic, payload)
	if !ok {
		return
	}
	if s.publish(stateTopic, payload, true) {
		s.retained.Add(1)
	}
}

// stateTopic maps a notification to its retained state topic, if any.
func (s *MQTTSink) stateTopic(topic string, payload []byte) (string, bool) {
	switch {
	case topic == events.TopicDetectorChanged:
		var p events.DetectorChange
		if err := json.Unmarshal(payload, &p); err != nil || p.DeviceID == "" {
			s.logger.Warn("undecodable detector notification", "error", err)
			return "", false
		}
		return s.topics.DetectorState(p.DeviceID), true

	case topic == events.TopicCameraStatus:
		var p events.CameraStatus
		if err := json.Unmarshal(payload, &p); err != nil || p.DeviceID == "" {
			s.logger.Warn("undecodable camera notification", "error", err)
			return "", false
		}
		return s.topics.CameraState(p.DeviceID), true

	case strings.HasPrefix(topic, "redundancy."):
		var p events.RedundancyChange
		if err := json.Unmarshal(payload, &p); err != nil || p.Class == "" {
			s.logger.Warn("undecodable redundancy notification", "error", err)
			return "", false
		}
		return s.topics.RedundancyState(p.Class), true
	}
	return "", false
}

func (s *MQTTSink) publish(topic string, payload []byte, retained bool) bool {
	if err := s.pub.Publish(topic, payload, s.qos, retained); err != nil {
		s.failed.Add(1)
		s.logger.Warn("MQTT publish failed",
			"topic", topic,
			"retained", retained,
			"error", err,
		)
		return false
	}
	return true
}
