package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector records notifications for one subscriber.
type collector struct {
	mu     sync.Mutex
	topics []string
	bodies []string
}

func (c *collector) handle(topic string, payload []byte) {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.bodies = append(c.bodies, string(payload))
	c.mu.Unlock()
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.bodies)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) < n {
		t.Fatalf("received %d notifications, want %d", len(c.bodies), n)
	}
	return append([]string(nil), c.bodies...)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "device.vehicle_detected", true},
		{"device.*", "device.button_press", true},
		{"device.*", "detector.changed", false},
		{"camera.frame", "camera.frame", true},
		{"camera.frame", "camera.status", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestBus_FanOutInOrder(t *testing.T) {
	b := NewBus(128)
	defer b.Close(time.Second)

	var all, devices collector
	b.Subscribe("*", all.handle)
	b.Subscribe("device.*", devices.handle)

	for i := range 100 {
		b.Publish(DeviceEventTopic("VEHICLE_DETECTED"), []byte(fmt.Sprint(i)))
	}
	b.Publish(TopicDetectorChanged, []byte("x"))

	got := all.waitFor(t, 101)
	for i := range 100 {
		if got[i] != fmt.Sprint(i) {
			t.Fatalf("notification %d = %s, out of order", i, got[i])
		}
	}
	if n := len(devices.waitFor(t, 100)); n != 100 {
		t.Errorf("device subscriber got %d, want 100", n)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(2)
	defer b.Close(time.Second)

	release := make(chan struct{})
	b.Subscribe("*", func(string, []byte) { <-release })

	var fast collector
	b.Subscribe("*", fast.handle)

	start := time.Now()
	for range 50 {
		b.Publish("device.button_press", nil)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("Publish blocked on a slow subscriber")
	}
	close(release)

	fast.waitFor(t, 1)
	if b.Stats().Dropped == 0 {
		t.Error("expected drops for the full slow queue")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(8)
	defer b.Close(time.Second)

	var c collector
	unsub := b.Subscribe("*", c.handle)
	b.Publish("a", []byte("1"))
	c.waitFor(t, 1)

	unsub()
	unsub()
	b.Publish("a", []byte("2"))
	time.Sleep(20 * time.Millisecond)

	if got := c.waitFor(t, 1); len(got) != 1 {
		t.Errorf("received %v after unsubscribe", got)
	}
	if b.Stats().Subscribers != 0 {
		t.Errorf("Subscribers = %d, want 0", b.Stats().Subscribers)
	}
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	b := NewBus(8)
	defer b.Close(time.Second)

	var c collector
	b.Subscribe("*", func(topic string, payload []byte) {
		if string(payload) == "boom" {
			panic("handler failure")
		}
		c.handle(topic, payload)
	})

	b.Publish("t", []byte("boom"))
	b.Publish("t", []byte("ok"))

	if got := c.waitFor(t, 1); got[0] != "ok" {
		t.Errorf("got %v", got)
	}
	if b.Stats().Panics != 1 {
		t.Errorf("Panics = %d, want 1", b.Stats().Panics)
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	b := NewBus(8)
	var c collector
	b.Subscribe("*", c.handle)
	b.Close(time.Second)
	b.Close(time.Second)

	b.Publish("t", []byte("late"))
	unsub := b.Subscribe("*", c.handle)
	unsub()

	time.Sleep(10 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 0 {
		t.Errorf("delivered %v after Close", c.bodies)
	}
}

func TestEncode(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	body := Encode(DetectorChange{DeviceID: "loop-1", Occupied: true, At: at})

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Encode() produced invalid JSON: %v", err)
	}
	if got["device_id"] != "loop-1" || got["occupied"] != true {
		t.Errorf("Encode() = %s", body)
	}

	if DeviceEventTopic("GATE_TIMEOUT") != "device.gate_timeout" {
		t.Errorf("DeviceEventTopic() = %s", DeviceEventTopic("GATE_TIMEOUT"))
	}
}
