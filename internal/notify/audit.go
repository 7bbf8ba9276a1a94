package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/parkgate-core/internal/audit"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
)

const auditWriteTimeout = 2 * time.Second

// AuditRecorder persists audit entries. *audit.SQLiteRepository satisfies it.
type AuditRecorder interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// AuditSink records redundancy switches and camera health transitions.
type AuditSink struct {
	rec    AuditRecorder
	logger Logger

	mu           sync.Mutex
	unsubscribes []func()
}

// NewAuditSink creates a sink writing to rec.
func NewAuditSink(rec AuditRecorder) *AuditSink {
	return &AuditSink{rec: rec, logger: noopLogger{}}
}

// SetLogger sets the logger for the sink.
func (s *AuditSink) SetLogger(logger Logger) {
	s.logger = logger
}

// Attach subscribes the sink to redundancy and camera status topics.
func (s *AuditSink) Attach(bus Subscriber) {
	s.Detach()

	subs := []func(){
		bus.Subscribe(events.TopicFailover, s.handle),
		bus.Subscribe(events.TopicRestored, s.handle),
		bus.Subscribe(events.TopicCameraStatus, s.handle),
	}

	s.mu.Lock()
	s.unsubscribes = subs
	s.mu.Unlock()
}

// Detach removes the bus subscriptions.
func (s *AuditSink) Detach() {
	s.mu.Lock()
	subs := s.unsubscribes
	s.unsubscribes = nil
	s.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}

func (s *AuditSink) handle(topic string, payload []byte) {
	e, err := auditEntry(topic, payload)
	if err != nil {
		s.logger.Warn("dropping undecodable notification", "topic", topic, "error", err)
		return
	}
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := s.rec.Create(ctx, e); err != nil {
		s.logger.Error("failed to write audit entry", "action", e.Action, "class", e.Class, "error", err)
	}
}

func auditEntry(topic string, payload []byte) (*audit.Entry, error) {
	switch topic {
	case events.TopicFailover, events.TopicRestored:
		var p events.RedundancyChange
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		action := audit.ActionRestore
		if topic == events.TopicFailover {
			action = audit.ActionFailover
		}
		return &audit.Entry{
			Action:    action,
			Class:     p.Class,
			Details:   map[string]any{"active": p.Active},
			CreatedAt: p.At,
		}, nil

	case events.TopicCameraStatus:
		var p events.CameraStatus
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		e := &audit.Entry{
			Action:    audit.ActionCameraOffline,
			Class:     "camera",
			DeviceID:  p.DeviceID,
			CreatedAt: p.At,
		}
		if p.Online {
			e.Action = audit.ActionCameraOnline
		}
		if p.Error != "" {
			e.Details = map[string]any{"error": p.Error}
		}
		return e, nil
	}
	return nil, nil
}
