package line

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/parkgate-core/internal/hardware/codec"
	"github.com/nerrad567/parkgate-core/internal/hardware/correlator"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
	"github.com/nerrad567/parkgate-core/internal/hardware/transport"
)

// defaultReadyTimeout bounds the boot handshake when none is configured.
const defaultReadyTimeout = 3 * time.Second

// Publisher receives unsolicited device events.
type Publisher interface {
	Publish(topic string, payload []byte)
}

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

// Config configures a Link.
type Config struct {
	DeviceID string
	Class    string

	CommandTimeout time.Duration
	ReadyTimeout   time.Duration
	SettleWindow   time.Duration
}

// Stats aggregates the counters of every layer of a link.
type Stats struct {
	Channel    transport.Stats
	Correlator correlator.Stats
	Events     uint64
	Unknown    uint64
	Overflows  uint64
	Ready      bool
}

// Link drives one line-protocol device.
//
// Bytes from the channel are framed by a codec.Decoder and routed by
// class: OK/ERR/STATUS to the correlator, EVENT to the publisher, READY to
// the boot handshake. Unknown lines are counted and ignored.
type Link struct {
	cfg  Config
	ch   transport.Channel
	corr *correlator.Correlator
	pub  Publisher

	decMu sync.Mutex
	dec   *codec.Decoder

	readyMu   sync.Mutex
	readyCh   chan struct{}
	readyDone bool
	readyName string

	eventsRx atomic.Uint64
	unknown  atomic.Uint64

	logger Logger
}

// New wires a link over ch. The channel's callbacks are taken over by the
// link.
func New(cfg Config, ch transport.Channel, pub Publisher) *Link {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}

	l := &Link{
		cfg:     cfg,
		ch:      ch,
		pub:     pub,
		dec:     codec.NewDecoder(),
		readyCh: make(chan struct{}),
		logger:  noopLogger{},
	}
	l.corr = correlator.New(correlator.Config{
		Name:         cfg.DeviceID,
		Timeout:      cfg.CommandTimeout,
		SettleWindow: cfg.SettleWindow,
	}, ch)

	ch.SetOnData(l.handleData)
	ch.SetOnClose(l.handleClose)
	return l
}

// SetLogger sets the logger for the link and its correlator.
func (l *Link) SetLogger(logger Logger) {
	l.logger = logger
	l.corr.SetLogger(logger)
}

// SetObserver forwards command outcomes to o.
func (l *Link) SetObserver(o correlator.Observer) {
	l.corr.SetObserver(o)
}

// DeviceID returns the id of the device behind the link.
func (l *Link) DeviceID() string {
	return l.cfg.DeviceID
}

// Open opens the channel and completes the boot handshake.
//
// The link waits up to ReadyTimeout for READY:. A device that never
// announces itself is verified with a STATUS round trip instead; any
// answer, including ERR:, proves it is alive. If verification fails the
// channel is closed again.
func (l *Link) Open(ctx context.Context) error {
	if l.IsReady() && l.ch.IsOpen() {
		return nil
	}
	l.resetReady()

	if err := l.ch.Open(ctx); err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	err := l.WaitReady(readyCtx)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		l.ch.Close() //nolint:errcheck // Abandoning the open
		return fmt.Errorf("%w: opening %s: %w", hwerr.ErrCancelled, l.cfg.DeviceID, ctx.Err())
	}

	l.logger.Info("no READY received, verifying with STATUS", "device", l.cfg.DeviceID)
	if _, err := l.corr.Send(ctx, codec.StatusCommand(), 0); err != nil && !errors.Is(err, hwerr.ErrDeviceRejected) {
		l.ch.Close() //nolint:errcheck // Verification failed
		return fmt.Errorf("verifying %s: %w", l.cfg.DeviceID, err)
	}
	l.markReady("")
	return nil
}

// WaitReady blocks until the device has announced READY: (or been
// verified) or ctx ends. A deadline yields hwerr.ErrTimeout, any other
// cancellation hwerr.ErrCancelled.
func (l *Link) WaitReady(ctx context.Context) error {
	l.readyMu.Lock()
	ch := l.readyCh
	l.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s sent no READY", hwerr.ErrTimeout, l.cfg.DeviceID)
		}
		return fmt.Errorf("%w: %w", hwerr.ErrCancelled, ctx.Err())
	}
}

// IsReady reports whether the handshake has completed for the current
// session.
func (l *Link) IsReady() bool {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	return l.readyDone
}

// ReadyName returns the name the device announced in READY:.
func (l *Link) ReadyName() string {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	return l.readyName
}

// Send issues cmd and waits for its response.
func (l *Link) Send(ctx context.Context, cmd codec.Command) (correlator.Response, error) {
	return l.corr.Send(ctx, cmd, 0)
}

// SendTimeout is Send with an explicit timeout.
func (l *Link) SendTimeout(ctx context.Context, cmd codec.Command, timeout time.Duration) (correlator.Response, error) {
	return l.corr.Send(ctx, cmd, timeout)
}

// TrySend issues cmd only if nothing is in flight.
func (l *Link) TrySend(ctx context.Context, cmd codec.Command) (correlator.Response, error) {
	return l.corr.TrySend(ctx, cmd, 0)
}

// Close closes the channel. Pending commands fail with hwerr.ErrConnection.
// The link can be opened again.
func (l *Link) Close() error {
	err := l.ch.Close()
	l.corr.Fail(fmt.Errorf("%w: %s closed", hwerr.ErrConnection, l.cfg.DeviceID))
	l.resetReady()
	return err
}

// Shutdown closes the link permanently. Pending and queued commands
// resolve as hwerr.ErrCancelled.
func (l *Link) Shutdown() error {
	l.corr.Close()
	return l.ch.Close()
}

// Stats returns counters for every layer.
func (l *Link) Stats() Stats {
	l.decMu.Lock()
	overflows := l.dec.Overflows()
	l.decMu.Unlock()

	return Stats{
		Channel:    l.ch.Stats(),
		Correlator: l.corr.Stats(),
		Events:     l.eventsRx.Load(),
		Unknown:    l.unknown.Load(),
		Overflows:  overflows,
		Ready:      l.IsReady(),
	}
}

// handleData runs on the channel's read goroutine.
func (l *Link) handleData(chunk []byte) {
	l.decMu.Lock()
	msgs := l.dec.Feed(chunk)
	l.decMu.Unlock()

	for _, msg := range msgs {
		l.route(msg)
	}
}

func (l *Link) route(msg codec.Message) {
	switch msg.Class {
	case codec.ClassOK, codec.ClassErr, codec.ClassStatus:
		l.corr.Deliver(msg)

	case codec.ClassEvent:
		l.eventsRx.Add(1)
		name, detail := msg.EventName()
		if name == "" {
			l.logger.Warn("discarding event without name", "device", l.cfg.DeviceID)
			return
		}
		l.logger.Debug("device event", "device", l.cfg.DeviceID, "event", name, "detail", detail)
		if l.pub != nil {
			l.pub.Publish(events.DeviceEventTopic(name), events.Encode(events.DeviceEvent{
				DeviceID: l.cfg.DeviceID,
				Class:    l.cfg.Class,
				Event:    name,
				Detail:   detail,
				At:       time.Now().UTC(),
			}))
		}

	case codec.ClassReady:
		l.logger.Info("device ready", "device", l.cfg.DeviceID, "name", msg.Payload)
		l.markReady(msg.Payload)

	default:
		l.unknown.Add(1)
		l.logger.Debug("ignoring unrecognised line", "device", l.cfg.DeviceID, "line", msg.Raw)
	}
}

// handleClose runs when the channel session ends.
func (l *Link) handleClose(err error) {
	l.decMu.Lock()
	l.dec.Reset()
	l.decMu.Unlock()

	l.resetReady()

	if err != nil {
		l.logger.Warn("device link lost", "device", l.cfg.DeviceID, "error", err)
		l.corr.Fail(err)
	}
}

func (l *Link) markReady(name string) {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	if name != "" {
		l.readyName = name
	}
	if !l.readyDone {
		l.readyDone = true
		close(l.readyCh)
	}
}

func (l *Link) resetReady() {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	if l.readyDone {
		l.readyCh = make(chan struct{})
		l.readyDone = false
	}
}
