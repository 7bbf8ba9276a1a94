package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueSize is the per-subscriber buffer when none is configured.
const defaultQueueSize = 64

// Handler receives one notification. Payloads are shared between
// subscribers and must not be modified.
type Handler func(topic string, payload []byte)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats holds bus counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Panics      uint64
	Subscribers int
}

type message struct {
	topic   string
	payload []byte
}

type subscriber struct {
	id      uint64
	pattern string
	handler Handler
	queue   chan message
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Bus fans notifications out to subscribers.
//
// Each subscriber has its own bounded queue drained by its own goroutine,
// so a slow or broken handler never blocks Publish or other subscribers.
// When a queue is full the notification is dropped for that subscriber and
// counted. A single publisher's notifications reach each subscriber in
// publish order.
//
// Patterns:
//   - "*" matches every topic
//   - "device.*" matches any topic starting with "device."
//   - anything else matches exactly
type Bus struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	logger Logger
}

// NewBus creates a bus. queueSize <= 0 uses the default.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		subs:      make(map[uint64]*subscriber),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	b.logger = logger
}

// Subscribe registers h for topics matching pattern and returns a function
// that removes the subscription. Calling the returned function more than
// once is safe. Subscribing to a closed bus returns a no-op unsubscribe.
func (b *Bus) Subscribe(pattern string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		pattern: pattern,
		handler: h,
		queue:   make(chan message, b.queueSize),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.run(s)

	return func() { b.unsubscribe(s.id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Publish delivers payload to every subscriber whose pattern matches
// topic. It never blocks.
func (b *Bus) Publish(topic string, payload []byte) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !Match(s.pattern, topic) {
			continue
		}
		select {
		case s.queue <- message{topic: topic, payload: payload}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, dropping notification",
				"topic", topic, "subscriber", s.id, "pattern", s.pattern)
		}
	}
}

// run drains one subscriber's queue.
func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			b.dispatch(s, m)
		}
	}
}

func (b *Bus) dispatch(s *subscriber, m message) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("subscriber panic", "topic", m.topic, "subscriber", s.id, "panic", fmt.Sprint(r))
		}
	}()
	s.handler(m.topic, m.payload)
	b.delivered.Add(1)
}

// Close removes every subscription and waits up to timeout for handlers
// that are currently running to return.
func (b *Bus) Close(timeout time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("event bus close timed out waiting for handlers")
	}
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Panics:      b.panics.Load(),
		Subscribers: n,
	}
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
