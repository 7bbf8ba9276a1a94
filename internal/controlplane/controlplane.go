package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/codec"
	"github.com/nerrad567/parkgate-core/internal/hardware/correlator"
	"github.com/nerrad567/parkgate-core/internal/hardware/driver"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
	"github.com/nerrad567/parkgate-core/internal/hardware/line"
	"github.com/nerrad567/parkgate-core/internal/hardware/monitor"
	"github.com/nerrad567/parkgate-core/internal/hardware/redundancy"
)

// busCloseTimeout bounds how long Stop waits for subscribers to drain.
const busCloseTimeout = 2 * time.Second

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

// Options configures a ControlPlane.
type Options struct {
	// Drivers builds device drivers. Default: driver.DefaultRegistry().
	Drivers *driver.Registry

	// Driver holds the settings passed to every driver. Its Publisher is
	// replaced by the control plane's event bus.
	Driver driver.Options

	Redundancy redundancy.Config
	Monitor    monitor.Config

	// QueueSize is the per-subscriber event queue length.
	QueueSize int

	// CommandObserver receives per-command outcomes. May be nil.
	CommandObserver correlator.Observer

	// RedundancyObserver receives retry and failover counts. May be nil.
	RedundancyObserver redundancy.Observer

	Logger Logger
}

// Stats aggregates the counters of every component.
type Stats struct {
	Links   map[string]line.Stats
	Bus     events.Stats
	Monitor monitor.Stats
}

// ControlPlane ties the device store, drivers, event bus, redundancy
// orchestrator and monitor together.
type ControlPlane struct {
	opts     Options
	registry *device.Registry
	drivers  *driver.Registry
	bus      *events.Bus
	orch     *redundancy.Orchestrator
	mon      *monitor.Monitor
	logger   Logger

	mu     sync.Mutex
	active map[string]driver.Driver // device id -> driver, built on first use

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var (
	_ redundancy.Switcher = (*ControlPlane)(nil)
	_ redundancy.Prober   = (*ControlPlane)(nil)
	_ monitor.Querier     = (*ControlPlane)(nil)
)

// New creates a control plane over the devices in registry. Nothing is
// opened until Start.
func New(opts Options, registry *device.Registry) (*ControlPlane, error) {
	if registry == nil {
		return nil, errors.New("controlplane: device registry is required")
	}
	if opts.Drivers == nil {
		opts.Drivers = driver.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	bus := events.NewBus(opts.QueueSize)
	bus.SetLogger(logger)

	opts.Driver.Publisher = bus
	opts.Driver.Logger = logger
	if opts.CommandObserver != nil {
		opts.Driver.Observer = opts.CommandObserver
	}

	cp := &ControlPlane{
		opts:     opts,
		registry: registry,
		drivers:  opts.Drivers,
		bus:      bus,
		logger:   logger,
		active:   make(map[string]driver.Driver),
		done:     make(chan struct{}),
	}

	for _, d := range registry.List() {
		if !cp.drivers.Supports(d.Class) {
			return nil, fmt.Errorf("device %s: %w: %s", d.ID, driver.ErrNoDriver, d.Class)
		}
	}

	cp.orch = redundancy.New(opts.Redundancy, redundancy.NewFailureStore(), registry, cp)
	cp.orch.SetLogger(logger)
	cp.orch.SetPublisher(bus)
	cp.orch.SetProber(cp)
	if opts.RedundancyObserver != nil {
		cp.orch.SetObserver(opts.RedundancyObserver)
	}

	cp.mon = monitor.New(opts.Monitor, registry, cp, cp.orch, bus)
	cp.mon.SetLogger(logger)

	return cp, nil
}

// Start opens every active device and starts the polling and automatic
// restore loops. Devices that fail to open are logged; they are retried
// on first use.
func (cp *ControlPlane) Start(ctx context.Context) error {
	if !cp.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	var g errgroup.Group
	for _, d := range cp.registry.List() {
		if !d.IsActive {
			continue
		}
		g.Go(func() error {
			drv, err := cp.driverFor(d)
			if err != nil {
				cp.logger.Error("building driver failed", "device", d.ID, "error", err)
				return nil
			}
			if err := drv.Open(ctx); err != nil {
				cp.logger.Warn("device not available at startup", "device", d.ID, "class", d.Class, "error", err)
				return nil
			}
			cp.logger.Info("device opened", "device", d.ID, "class", d.Class)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Goroutines only log

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cp.cancel = cancel

	loops, loopCtx := errgroup.WithContext(runCtx)
	loops.Go(func() error { return cp.mon.Run(loopCtx) })
	loops.Go(func() error { return cp.orch.Run(loopCtx) })
	go func() {
		if err := loops.Wait(); err != nil {
			cp.logger.Error("control plane loop failed", "error", err)
		}
		close(cp.done)
	}()

	cp.logger.Info("control plane started", "devices", len(cp.registry.List()))
	return nil
}

// Stop stops the loops, closes every device and drains the event bus.
// Commands still in flight resolve as hwerr.ErrCancelled.
func (cp *ControlPlane) Stop() {
	if !cp.stopped.CompareAndSwap(false, true) {
		return
	}
	if cp.cancel != nil {
		cp.cancel()
		<-cp.done
	}

	cp.mu.Lock()
	drivers := make([]driver.Driver, 0, len(cp.active))
	for _, drv := range cp.active {
		drivers = append(drivers, drv)
	}
	cp.mu.Unlock()

	for _, drv := range drivers {
		if err := shutdown(drv); err != nil {
			cp.logger.Warn("closing device failed", "device", drv.DeviceID(), "error", err)
		}
	}

	cp.bus.Close(busCloseTimeout)
	cp.logger.Info("control plane stopped")
}

func shutdown(drv driver.Driver) error {
	if s, ok := drv.(interface{ Shutdown() error }); ok {
		return s.Shutdown()
	}
	return drv.Close()
}

// driverFor returns the driver of d, building it on first use.
func (cp *ControlPlane) driverFor(d device.Device) (driver.Driver, error) {
	if cp.stopped.Load() {
		return nil, fmt.Errorf("%w: control plane stopped", hwerr.ErrCancelled)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if drv, ok := cp.active[d.ID]; ok {
		return drv, nil
	}
	drv, err := cp.drivers.New(d, cp.opts.Driver)
	if err != nil {
		return nil, err
	}
	cp.active[d.ID] = drv
	return drv, nil
}

// commander returns the driver that currently serves class.
func (cp *ControlPlane) commander(class device.Class) (driver.Commander, error) {
	devices := cp.registry.ActiveByClass(class)
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %w: %s", hwerr.ErrConnection, ErrNoActiveDevice, class)
	}
	drv, err := cp.driverFor(devices[0])
	if err != nil {
		return nil, err
	}
	c, ok := drv.(driver.Commander)
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrNotCommandable, class)
	}
	return c, nil
}

// OperationName returns the failure counter name of a command.
func OperationName(class device.Class, verb codec.Verb) string {
	return string(class) + "." + strings.ToLower(string(verb))
}

// SendCommand sends cmd to the active device of class under the retry
// policy. Each attempt resolves the active device again, so a failover
// triggered by one attempt is picked up by the next call.
func (cp *ControlPlane) SendCommand(ctx context.Context, class device.Class, cmd codec.Command) (correlator.Response, error) {
	return cp.send(ctx, class, cmd, false)
}

// TrySendCommand is SendCommand without queueing: if a command is already
// in flight on the device it fails with hwerr.ErrDeviceBusy.
func (cp *ControlPlane) TrySendCommand(ctx context.Context, class device.Class, cmd codec.Command) (correlator.Response, error) {
	return cp.send(ctx, class, cmd, true)
}

func (cp *ControlPlane) send(ctx context.Context, class device.Class, cmd codec.Command, noQueue bool) (correlator.Response, error) {
	var (
		resp    correlator.Response
		attempt int
	)
	err := cp.orch.Execute(ctx, class, OperationName(class, cmd.Verb), cp.opts.Redundancy.MaxRetries, cp.opts.Redundancy.BaseDelay,
		func(ctx context.Context) error {
			c, err := cp.commander(class)
			if err != nil {
				return err
			}
			attempt++
			next := cmd
			if attempt > 1 {
				next = cmd.Reissue()
			}
			if noQueue {
				resp, err = c.TrySend(ctx, next)
			} else {
				resp, err = c.Send(ctx, next)
			}
			return err
		})
	return resp, err
}

// SubscribeToEvents registers h for topics matching pattern ("*",
// "device.*", "detector.changed", ...). The returned function
// unsubscribes.
func (cp *ControlPlane) SubscribeToEvents(pattern string, h events.Handler) (unsubscribe func()) {
	return cp.bus.Subscribe(pattern, h)
}

// IsDeviceOccupied reports whether a loop detector last saw a vehicle.
func (cp *ControlPlane) IsDeviceOccupied(id string) bool {
	return cp.mon.IsOccupied(id)
}

// LatestFrame returns a copy of the latest frame of an online camera.
func (cp *ControlPlane) LatestFrame(id string) ([]byte, bool) {
	f, ok := cp.mon.LatestFrame(id)
	if !ok {
		return nil, false
	}
	return f.Data, true
}

// IsUsingBackup reports whether class is served by its backup.
func (cp *ControlPlane) IsUsingBackup(class device.Class) bool {
	return cp.orch.IsUsingBackup(class)
}

// SwitchToBackup moves class onto its backup. See redundancy.Orchestrator.
func (cp *ControlPlane) SwitchToBackup(ctx context.Context, class device.Class) (bool, error) {
	return cp.orch.SwitchToBackup(ctx, class)
}

// RestoreMain moves class back onto its main devices.
func (cp *ControlPlane) RestoreMain(ctx context.Context, class device.Class) (bool, error) {
	return cp.orch.RestoreMain(ctx, class)
}

// Switch implements redundancy.Switcher. Every device in to is opened and
// verified before any device in from is closed; if one fails, the devices
// opened so far are closed again and from is left untouched.
func (cp *ControlPlane) Switch(ctx context.Context, class device.Class, from, to []device.Device) error {
	opened := make([]driver.Driver, 0, len(to))
	for _, d := range to {
		drv, err := cp.driverFor(d)
		if err == nil {
			err = drv.Open(ctx)
		}
		if err != nil {
			for _, o := range opened {
				o.Close() //nolint:errcheck // Rolling back
			}
			return fmt.Errorf("opening %s: %w", d.ID, err)
		}
		opened = append(opened, drv)
	}

	for _, d := range from {
		cp.mu.Lock()
		drv, ok := cp.active[d.ID]
		cp.mu.Unlock()
		if !ok {
			continue
		}
		if err := drv.Close(); err != nil {
			cp.logger.Warn("closing replaced device failed", "device", d.ID, "error", err)
		}
	}

	cp.logger.Info("devices switched", "class", class, "from", len(from), "to", len(to))
	return nil
}

// Probe implements redundancy.Prober by opening the device. A device that
// does not answer is closed again.
func (cp *ControlPlane) Probe(ctx context.Context, d device.Device) error {
	drv, err := cp.driverFor(d)
	if err != nil {
		return err
	}
	if err := drv.Open(ctx); err != nil {
		drv.Close() //nolint:errcheck // Probe failed
		return err
	}
	return nil
}

// Query implements monitor.Querier.
func (cp *ControlPlane) Query(ctx context.Context, d device.Device) (driver.State, error) {
	drv, err := cp.driverFor(d)
	if err != nil {
		return driver.State{DeviceID: d.ID}, err
	}
	return drv.Query(ctx)
}

// Stats returns the counters of every link, the bus and the monitor.
func (cp *ControlPlane) Stats() Stats {
	st := Stats{
		Links:   make(map[string]line.Stats),
		Bus:     cp.bus.Stats(),
		Monitor: cp.mon.Stats(),
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for id, drv := range cp.active {
		if ld, ok := drv.(*driver.LineDriver); ok {
			st.Links[id] = ld.Stats()
		}
	}
	return st
}
