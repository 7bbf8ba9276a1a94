package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/parkgate-core/internal/hardware/codec"
	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
)

// defaultTimeout applies when neither the call nor Config sets one.
const defaultTimeout = time.Second

// Writer is the part of a transport channel the correlator drives.
type Writer interface {
	Open(ctx context.Context) error
	IsOpen() bool
	WriteLine(ctx context.Context, line string) error
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

// Observer receives one call per resolved command.
// outcome is one of "ok", "rejected", "timeout", "protocol",
// "connection" or "cancelled".
type Observer interface {
	ObserveCommand(device, verb, outcome string, latency time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveCommand(string, string, string, time.Duration) {}

// Observers fans one command observation out to several observers.
type Observers []Observer

// ObserveCommand implements Observer.
func (obs Observers) ObserveCommand(device, verb, outcome string, latency time.Duration) {
	for _, o := range obs {
		o.ObserveCommand(device, verb, outcome, latency)
	}
}

// Config configures a Correlator.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name string

	// Timeout is the default per-command timeout.
	Timeout time.Duration

	// SettleWindow is how long the gate stays held after a timeout so a
	// late answer to the abandoned command is discarded instead of being
	// taken as the answer to the next one. Zero disables it.
	SettleWindow time.Duration
}

// Response is the answer to a command.
type Response struct {
	Command codec.Command
	Message codec.Message
	Latency time.Duration

	// Status is set when the command was STATUS.
	Status codec.Status
}

// Stats holds operational counters.
type Stats struct {
	Sent         uint64
	Matched      uint64
	DeviceErrors uint64
	Timeouts     uint64
	Malformed    uint64
	Strays       uint64
	Busy         uint64
	Reconnects   uint64
	InFlight     int
}

type result struct {
	resp Response
	err  error
}

// waiter is the one-shot completion slot for a single command.
type waiter struct {
	cmd    codec.Command
	sentAt time.Time
	ch     chan result // capacity 1, written exactly once
	once   sync.Once
}

func newWaiter(cmd codec.Command) *waiter {
	return &waiter{cmd: cmd, ch: make(chan result, 1)}
}

// resolve delivers r if the waiter has not been resolved yet.
// Returns true if this call resolved it.
func (w *waiter) resolve(r result) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- r
		resolved = true
	})
	return resolved
}

// Correlator matches responses on one channel to the command that caused
// them.
//
// At most one command is in flight at a time: Send acquires a gate before
// writing and releases it only after the command is resolved, so a
// response can never be attributed to the wrong command. The waiter is
// registered before the line is written, so a fast response cannot arrive
// unclaimed.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Deliver is called from the channel's read goroutine and never blocks.
type Correlator struct {
	cfg Config
	w   Writer

	gate chan struct{}

	mu      sync.Mutex
	pending []*waiter // oldest first

	closed    chan struct{}
	closeOnce sync.Once

	sent         atomic.Uint64
	matched      atomic.Uint64
	deviceErrors atomic.Uint64
	timeouts     atomic.Uint64
	malformed    atomic.Uint64
	strays       atomic.Uint64
	busy         atomic.Uint64
	reconnects   atomic.Uint64

	logger   Logger
	observer Observer
}

// New creates a correlator writing to w.
func New(cfg Config, w Writer) *Correlator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Correlator{
		cfg:      cfg,
		w:        w,
		gate:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		logger:   noopLogger{},
		observer: noopObserver{},
	}
}

// SetLogger sets the logger for the correlator.
func (c *Correlator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetObserver sets the command observer.
func (c *Correlator) SetObserver(o Observer) {
	c.observer = o
}

// Send writes cmd and waits for its response, queueing behind any command
// already in flight. timeout <= 0 uses the configured default.
//
// The returned error wraps one of:
//   - hwerr.ErrConnection: channel down and one reconnect attempt failed
//   - hwerr.ErrTimeout: no matching response within timeout or before the
//     deadline of ctx
//   - hwerr.ErrProtocol: response did not follow the grammar
//   - hwerr.ErrDeviceRejected: device answered ERR: (as *hwerr.DeviceError)
//   - hwerr.ErrCancelled: ctx was cancelled or the correlator was closed
//
// The wait for the gate is bounded by ctx, not by timeout.
func (c *Correlator) Send(ctx context.Context, cmd codec.Command, timeout time.Duration) (Response, error) {
	line, err := cmd.Encode()
	if err != nil {
		return Response{Command: cmd}, err
	}

	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return Response{Command: cmd}, ctxError(ctx, "waiting for "+c.cfg.Name)
	case <-c.closed:
		return Response{Command: cmd}, fmt.Errorf("%w: %s is closed", hwerr.ErrCancelled, c.cfg.Name)
	}
	defer func() { <-c.gate }()

	return c.roundTrip(ctx, cmd, line, timeout)
}

// TrySend is Send without queueing: if another command is in flight it
// fails immediately with hwerr.ErrDeviceBusy.
func (c *Correlator) TrySend(ctx context.Context, cmd codec.Command, timeout time.Duration) (Response, error) {
	line, err := cmd.Encode()
	if err != nil {
		return Response{Command: cmd}, err
	}

	select {
	case c.gate <- struct{}{}:
	default:
		c.busy.Add(1)
		return Response{Command: cmd}, fmt.Errorf("%w: %s", hwerr.ErrDeviceBusy, c.cfg.Name)
	}
	defer func() { <-c.gate }()

	return c.roundTrip(ctx, cmd, line, timeout)
}

// roundTrip runs with the gate held.
func (c *Correlator) roundTrip(ctx context.Context, cmd codec.Command, line string, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	select {
	case <-c.closed:
		return c.finish(cmd, result{resp: Response{Command: cmd}, err: fmt.Errorf("%w: %s is closed", hwerr.ErrCancelled, c.cfg.Name)})
	default:
	}

	if !c.w.IsOpen() {
		c.logger.Warn("channel not open, reconnecting", "device", c.cfg.Name, "verb", cmd.Verb)
		c.reconnects.Add(1)
		if err := c.w.Open(ctx); err != nil {
			return c.finish(cmd, result{resp: Response{Command: cmd}, err: reconnectError(err)})
		}
	}

	w := newWaiter(cmd)
	w.sentAt = time.Now()
	c.register(w)

	if err := c.w.WriteLine(ctx, line); err != nil {
		c.unregister(w)
		w.resolve(result{resp: Response{Command: cmd}, err: err})
		return c.finish(cmd, <-w.ch)
	}
	c.sent.Add(1)
	c.logger.Debug("command sent", "device", c.cfg.Name, "command_id", cmd.ID, "verb", cmd.Verb)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return c.finish(cmd, r)

	case <-timer.C:
		c.unregister(w)
		if w.resolve(result{resp: Response{Command: cmd}, err: fmt.Errorf("%w: %s %s after %s", hwerr.ErrTimeout, c.cfg.Name, cmd.Verb, timeout)}) {
			c.timeouts.Add(1)
			c.logger.Warn("command timed out", "device", c.cfg.Name, "command_id", cmd.ID, "verb", cmd.Verb, "timeout", timeout)
			c.settle(ctx)
		}
		return c.finish(cmd, <-w.ch)

	case <-ctx.Done():
		c.unregister(w)
		err := ctxError(ctx, fmt.Sprintf("%s %s", c.cfg.Name, cmd.Verb))
		if w.resolve(result{resp: Response{Command: cmd}, err: err}) && errors.Is(err, hwerr.ErrTimeout) {
			c.timeouts.Add(1)
			c.logger.Warn("command deadline passed", "device", c.cfg.Name, "command_id", cmd.ID, "verb", cmd.Verb)
			c.settle(context.WithoutCancel(ctx))
		}
		return c.finish(cmd, <-w.ch)

	case <-c.closed:
		c.unregister(w)
		w.resolve(result{resp: Response{Command: cmd}, err: fmt.Errorf("%w: %s is closed", hwerr.ErrCancelled, c.cfg.Name)})
		return c.finish(cmd, <-w.ch)
	}
}

// settle keeps the gate for the settle window so that a late response to a
// timed-out command finds no waiter and is discarded.
func (c *Correlator) settle(ctx context.Context) {
	if c.cfg.SettleWindow <= 0 {
		return
	}
	t := time.NewTimer(c.cfg.SettleWindow)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-c.closed:
	}
}

// ctxError reports the end of ctx. A passed deadline is a timeout.
func ctxError(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", hwerr.ErrTimeout, what, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", hwerr.ErrCancelled, what, ctx.Err())
}

func reconnectError(err error) error {
	if errors.Is(err, hwerr.ErrConnection) || errors.Is(err, hwerr.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: reconnect: %w", hwerr.ErrConnection, err)
}

// finish records the outcome of a resolved command.
func (c *Correlator) finish(cmd codec.Command, r result) (Response, error) {
	var latency time.Duration
	if !cmd.IssuedAt.IsZero() {
		latency = time.Since(cmd.IssuedAt)
	}
	if r.resp.Latency == 0 {
		r.resp.Latency = latency
	}
	c.observer.ObserveCommand(c.cfg.Name, string(cmd.Verb), outcome(r.err), r.resp.Latency)
	return r.resp, r.err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, hwerr.ErrDeviceRejected):
		return "rejected"
	case errors.Is(err, hwerr.ErrCancelled):
		return "cancelled"
	case errors.Is(err, hwerr.ErrTimeout):
		return "timeout"
	case errors.Is(err, hwerr.ErrProtocol):
		return "protocol"
	default:
		return "connection"
	}
}

func (c *Correlator) register(w *waiter) {
	c.mu.Lock()
	c.pending = append(c.pending, w)
	c.mu.Unlock()
}

func (c *Correlator) unregister(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == w {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Deliver offers a response-class message to the oldest pending waiter.
// Messages of other classes are ignored. Returns true if the message
// resolved a command.
//
// A response that does not answer the oldest command (no waiter, or an
// echo of a different verb) is logged and discarded.
func (c *Correlator) Deliver(msg codec.Message) bool {
	if !msg.Class.IsResponse() {
		return false
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		c.strays.Add(1)
		c.logger.Warn("discarding response with no pending command", "device", c.cfg.Name, "line", msg.Raw)
		return false
	}

	w := c.pending[0]
	match := w.cmd.Match(msg)
	if match == codec.MatchStray {
		c.mu.Unlock()
		c.strays.Add(1)
		c.logger.Warn("discarding stray response", "device", c.cfg.Name, "line", msg.Raw,
			"waiting_for", w.cmd.Verb, "command_id", w.cmd.ID)
		return false
	}
	c.pending = c.pending[1:]
	c.mu.Unlock()

	resp := Response{Command: w.cmd, Message: msg, Latency: time.Since(w.sentAt)}
	var err error

	switch {
	case match == codec.MatchMalformed:
		c.malformed.Add(1)
		err = fmt.Errorf("%w: %s answered %s with %q", hwerr.ErrProtocol, c.cfg.Name, w.cmd.Verb, msg.Raw)
		c.logger.Warn("malformed response", "device", c.cfg.Name, "line", msg.Raw)
	case msg.Class == codec.ClassErr:
		c.deviceErrors.Add(1)
		err = &hwerr.DeviceError{Code: msg.Payload}
	case msg.Class == codec.ClassStatus:
		resp.Status, _ = codec.ParseStatus(msg.Payload) //nolint:errcheck // Match already validated the payload
		c.matched.Add(1)
	default:
		c.matched.Add(1)
	}

	return w.resolve(result{resp: resp, err: err})
}

// Fail resolves every pending command with err. Called when the
// underlying channel is lost so waiters do not sit out their full timeout.
func (c *Correlator) Fail(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, w := range pending {
		w.resolve(result{resp: Response{Command: w.cmd}, err: err})
	}
}

// Close cancels every pending and queued command with hwerr.ErrCancelled.
// Subsequent sends fail immediately.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.Fail(fmt.Errorf("%w: %s is closed", hwerr.ErrCancelled, c.cfg.Name))
	})
}

// Stats returns current counters.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	inFlight := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Sent:         c.sent.Load(),
		Matched:      c.matched.Load(),
		DeviceErrors: c.deviceErrors.Load(),
		Timeouts:     c.timeouts.Load(),
		Malformed:    c.malformed.Load(),
		Strays:       c.strays.Load(),
		Busy:         c.busy.Load(),
		Reconnects:   c.reconnects.Load(),
		InFlight:     inFlight,
	}
}
