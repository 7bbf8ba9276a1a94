package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/parkgate-core/internal/audit"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (f *fakeRecorder) Create(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeRecorder) snapshot() []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Entry(nil), f.entries...)
}

func TestAuditSink_Entries(t *testing.T) {
	tests := []struct {
		name       string
		topic      string
		payload    any
		wantAction string
		wantClass  string
		wantDevice string
	}{
		{"failover", events.TopicFailover, events.RedundancyChange{Class: "gate", UsingBackup: true, Active: []string{"gate-backup"}, At: at}, audit.ActionFailover, "gate", ""},
		{"restore", events.TopicRestored, events.RedundancyChange{Class: "printer", Active: []string{"printer-1"}, At: at}, audit.ActionRestore, "printer", ""},
		{"camera offline", events.TopicCameraStatus, events.CameraStatus{DeviceID: "cam-entry", Error: "timeout", At: at}, audit.ActionCameraOffline, "camera", "cam-entry"},
		{"camera online", events.TopicCameraStatus, events.CameraStatus{DeviceID: "cam-entry", Online: true, At: at}, audit.ActionCameraOnline, "camera", "cam-entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			sink := NewAuditSink(rec)

			sink.handle(tt.topic, events.Encode(tt.payload))

			got := rec.snapshot()
			if len(got) != 1 {
				t.Fatalf("recorded %d entries, want 1", len(got))
			}
			e := got[0]
			if e.Action != tt.wantAction || e.Class != tt.wantClass || e.DeviceID != tt.wantDevice {
				t.Errorf("entry = %+v", e)
			}
			if !e.CreatedAt.Equal(at) {
				t.Errorf("CreatedAt = %v, want notification time", e.CreatedAt)
			}
		})
	}
}

func TestAuditSink_IgnoresBadPayloadAndWriteErrors(t *testing.T) {
	rec := &fakeRecorder{}
	sink := NewAuditSink(rec)

	sink.handle(events.TopicFailover, []byte("not json"))
	sink.handle(events.TopicDetectorChanged, events.Encode(events.DetectorChange{DeviceID: "loop-1"}))
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("recorded %d entries, want 0", n)
	}

	rec.err = errors.New("disk full")
	sink.handle(events.TopicFailover, events.Encode(events.RedundancyChange{Class: "gate"}))
}

func TestAuditSink_Attach(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close(time.Second)

	rec := &fakeRecorder{}
	sink := NewAuditSink(rec)
	sink.Attach(bus)
	defer sink.Detach()

	bus.Publish(events.TopicDetectorChanged, events.Encode(events.DetectorChange{DeviceID: "loop-1"}))
	bus.Publish(events.TopicFailover, events.Encode(events.RedundancyChange{Class: "gate", UsingBackup: true, At: at}))
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	if got := rec.snapshot()[0]; got.Action != audit.ActionFailover {
		t.Errorf("entry = %+v", got)
	}
}
