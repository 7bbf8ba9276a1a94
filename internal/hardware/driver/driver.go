package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/codec"
	"github.com/nerrad567/parkgate-core/internal/hardware/correlator"
	"github.com/nerrad567/parkgate-core/internal/hardware/line"
	"github.com/nerrad567/parkgate-core/internal/hardware/transport"
)

var (
	// ErrNoDriver is returned when no factory is registered for a class.
	ErrNoDriver = errors.New("driver: no driver for device class")

	// ErrNotCommandable is returned when a line command is sent to a
	// driver that does not speak the line protocol.
	ErrNotCommandable = errors.New("driver: device does not accept commands")
)

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

// State is the observed state of a device at one point in time.
type State struct {
	DeviceID string
	Online   bool

	// Gate is the barrier position reported by STATUS (line devices).
	Gate string

	// Occupied is the vehicle field of STATUS (loop detectors, gates).
	Occupied bool

	// Frame is a complete snapshot image (cameras). Each Query returns a
	// freshly allocated buffer that the driver never touches again.
	Frame []byte

	At time.Time
}

// Driver is the capability every device class implements.
type Driver interface {
	// DeviceID returns the id of the device the driver serves.
	DeviceID() string

	// Open establishes the link and verifies the device is alive.
	Open(ctx context.Context) error

	// Close releases the link. The driver can be opened again.
	Close() error

	// Query reads the current device state.
	Query(ctx context.Context) (State, error)
}

// Commander is implemented by drivers that accept line commands.
type Commander interface {
	Driver

	// Send issues cmd and waits for its response, queueing behind any
	// command already in flight.
	Send(ctx context.Context, cmd codec.Command) (correlator.Response, error)

	// TrySend issues cmd only if nothing is in flight, failing with
	// hwerr.ErrDeviceBusy otherwise.
	TrySend(ctx context.Context, cmd codec.Command) (correlator.Response, error)
}

// Options carries the settings shared by all drivers built from a registry.
type Options struct {
	CommandTimeout time.Duration
	ReadyTimeout   time.Duration
	SettleWindow   time.Duration

	// CameraTimeout bounds one snapshot request.
	CameraTimeout time.Duration

	// Publisher receives unsolicited line events. May be nil.
	Publisher line.Publisher

	// Observer receives command outcomes. May be nil.
	Observer correlator.Observer

	// Logger is passed to every driver and link. May be nil.
	Logger Logger

	// Dial overrides endpoint parsing for line devices. Used to attach
	// simulated devices.
	Dial func(d device.Device) (transport.DialFunc, error)

	// HTTPClient is used by camera drivers. Default: a client with
	// CameraTimeout.
	HTTPClient *http.Client
}

func (o Options) logger() Logger {
	if o.Logger == nil {
		return noopLogger{}
	}
	return o.Logger
}

// Factory builds a driver for one device.
type Factory func(d device.Device, opts Options) (Driver, error)

// Registry maps device classes to driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[device.Class]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[device.Class]Factory)}
}

// DefaultRegistry returns a registry with the built-in drivers: LineDriver
// for gates, printers and loop detectors, CameraDriver for cameras.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	lineFactory := func(d device.Device, opts Options) (Driver, error) {
		return NewLineDriver(d, opts)
	}
	r.Register(device.ClassGate, lineFactory)
	r.Register(device.ClassPrinter, lineFactory)
	r.Register(device.ClassLoopDetector, lineFactory)
	r.Register(device.ClassCamera, func(d device.Device, opts Options) (Driver, error) {
		return NewCameraDriver(d, opts)
	})
	return r
}

// Register sets the factory for a class, replacing any previous one.
func (r *Registry) Register(c device.Class, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[c] = f
}

// Supports reports whether a factory is registered for c.
func (r *Registry) Supports(c device.Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[c]
	return ok
}

// New builds the driver for d.
func (r *Registry) New(d device.Device, opts Options) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[d.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (device %s)", ErrNoDriver, d.Class, d.ID)
	}
	return f(d, opts)
}
