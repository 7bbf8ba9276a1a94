package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
)

// Default timeouts for channel I/O.
const (
	// defaultDialTimeout bounds opening the link when the caller's context
	// has no earlier deadline.
	defaultDialTimeout = 5 * time.Second

	// defaultWriteTimeout bounds a single line write on links that support
	// deadlines.
	defaultWriteTimeout = 2 * time.Second

	// closeWaitTimeout bounds how long Close waits for the read loop to exit.
	closeWaitTimeout = 2 * time.Second

	// readBufferSize is the size of the read buffer for incoming bytes.
	readBufferSize = 256
)

// DialFunc opens the underlying byte stream.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

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

// Channel is one byte-stream connection to a device.
//
// It has no protocol knowledge: bytes read are pushed to the OnData
// callback in arrival order, and WriteLine appends the line terminator.
// When the link fails the channel marks itself closed, reports the cause
// through OnClose and stops emitting. It never reconnects on its own.
type Channel interface {
	Open(ctx context.Context) error
	Close() error
	WriteLine(ctx context.Context, line string) error
	SetOnData(fn func(chunk []byte))
	SetOnClose(fn func(err error))
	IsOpen() bool
	Stats() Stats
}

// Ensure StreamChannel implements Channel.
var _ Channel = (*StreamChannel)(nil)

// Stats holds operational counters for a channel.
type Stats struct {
	LinesTx uint64
	BytesTx uint64
	BytesRx uint64
	Opens   uint64
	Errors  uint64
	Open    bool
}

// Config configures a StreamChannel.
type Config struct {
	// Name identifies the channel in logs, usually the device id.
	Name string

	// Endpoint is "serial:///dev/ttyUSB0[?baud=N]" or "tcp://host:port".
	Endpoint string

	// Baud is the serial line speed when the endpoint does not set one.
	Baud int

	// DialTimeout bounds Open. Default: 5 seconds.
	DialTimeout time.Duration

	// WriteTimeout bounds a single write. Default: 2 seconds.
	WriteTimeout time.Duration
}

// session is one open period of the underlying stream.
type session struct {
	rw      io.ReadWriteCloser
	done    chan struct{} // closed when the read loop exits
	closing atomic.Bool   // set by Close so the read loop reports no error
}

func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// StreamChannel implements Channel over any io.ReadWriteCloser.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes are serialised; concurrent WriteLine calls never interleave bytes.
//   - Callbacks run on the read goroutine and must not call Close.
type StreamChannel struct {
	cfg  Config
	dial DialFunc

	mu   sync.Mutex // guards sess
	sess *session

	writeMu sync.Mutex

	cbMu    sync.RWMutex
	onData  func([]byte)
	onClose func(error)

	linesTx atomic.Uint64
	bytesTx atomic.Uint64
	bytesRx atomic.Uint64
	opens   atomic.Uint64
	errs    atomic.Uint64

	logger Logger
}

// New creates a channel for cfg.Endpoint. The link is not opened until
// Open is called.
func New(cfg Config) (*StreamChannel, error) {
	dial, err := ParseEndpoint(cfg.Endpoint, cfg.Baud)
	if err != nil {
		return nil, err
	}
	return NewWithDialer(cfg, dial), nil
}

// NewWithDialer creates a channel that opens its stream with dial.
func NewWithDialer(cfg Config, dial DialFunc) *StreamChannel {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &StreamChannel{
		cfg:    cfg,
		dial:   dial,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the channel.
func (c *StreamChannel) SetLogger(logger Logger) {
	c.logger = logger
}

// SetOnData registers the callback receiving raw chunks.
// Chunks are owned by the callee.
func (c *StreamChannel) SetOnData(fn func(chunk []byte)) {
	c.cbMu.Lock()
	c.onData = fn
	c.cbMu.Unlock()
}

// SetOnClose registers the callback invoked once per session when the
// stream ends. err is nil when Close was called, otherwise it wraps
// hwerr.ErrConnection.
func (c *StreamChannel) SetOnClose(fn func(err error)) {
	c.cbMu.Lock()
	c.onClose = fn
	c.cbMu.Unlock()
}

// Open opens the link and starts the read loop. Opening an open channel is
// a no-op.
//
// Returns hwerr.ErrConnection if the link cannot be opened.
func (c *StreamChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && !c.sess.ended() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", hwerr.ErrCancelled, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	rw, err := c.dial(dialCtx)
	if err != nil {
		c.errs.Add(1)
		return fmt.Errorf("%w: open %s: %w", hwerr.ErrConnection, c.cfg.Name, err)
	}

	s := &session{rw: rw, done: make(chan struct{})}
	c.sess = s
	c.opens.Add(1)

	go c.readLoop(s)

	c.logger.Info("channel opened", "channel", c.cfg.Name)
	return nil
}

// Close closes the link and waits briefly for the read loop to exit.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	s.closing.Store(true)
	err := s.rw.Close()

	select {
	case <-s.done:
	case <-time.After(closeWaitTimeout):
		c.logger.Warn("channel read loop did not exit", "channel", c.cfg.Name)
	}

	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("closing %s: %w", c.cfg.Name, err)
	}
	return nil
}

// IsOpen reports whether the link is open and its read loop is running.
func (c *StreamChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && !c.sess.ended()
}

// WriteLine writes line followed by "\n".
//
// Returns hwerr.ErrConnection if the channel is not open or the write
// fails. A failed write closes the session.
func (c *StreamChannel) WriteLine(ctx context.Context, line string) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil || s.ended() {
		return fmt.Errorf("%w: %s is not open", hwerr.ErrConnection, c.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", hwerr.ErrCancelled, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := s.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = d.SetWriteDeadline(deadline) //nolint:errcheck // Unsupported deadlines only lose the bound
	}

	n, err := io.WriteString(s.rw, line+"\n")
	c.bytesTx.Add(uint64(n)) //nolint:gosec // n is never negative
	if err != nil {
		c.errs.Add(1)
		s.rw.Close() //nolint:errcheck // Read loop reports the closure
		return fmt.Errorf("%w: write %s: %w", hwerr.ErrConnection, c.cfg.Name, err)
	}

	c.linesTx.Add(1)
	return nil
}

// Stats returns current counters.
func (c *StreamChannel) Stats() Stats {
	return Stats{
		LinesTx: c.linesTx.Load(),
		BytesTx: c.bytesTx.Load(),
		BytesRx: c.bytesRx.Load(),
		Opens:   c.opens.Load(),
		Errors:  c.errs.Load(),
		Open:    c.IsOpen(),
	}
}

// readLoop pushes chunks to OnData until the stream fails or is closed.
func (c *StreamChannel) readLoop(s *session) {
	defer close(s.done)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			c.bytesRx.Add(uint64(n)) //nolint:gosec // n is never negative
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.emitData(chunk)
		}
		if err == nil {
			continue
		}

		s.rw.Close() //nolint:errcheck // Already failing

		var cause error
		if !s.closing.Load() {
			c.errs.Add(1)
			cause = fmt.Errorf("%w: read %s: %w", hwerr.ErrConnection, c.cfg.Name, err)
			c.logger.Warn("channel lost", "channel", c.cfg.Name, "error", err)
		}
		c.emitClose(cause)
		return
	}
}

func (c *StreamChannel) emitData(chunk []byte) {
	c.cbMu.RLock()
	fn := c.onData
	c.cbMu.RUnlock()
	if fn != nil {
		fn(chunk)
	}
}

func (c *StreamChannel) emitClose(err error) {
	c.cbMu.RLock()
	fn := c.onClose
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
