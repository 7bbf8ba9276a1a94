package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/driver"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/redundancy"
)

// Operation names used for failure counting.
const (
	OpDetectorPoll = "loop_detector.poll"
	OpCameraPoll   = "camera.poll"
)

// Defaults applied to zero Config fields.
const (
	defaultDetectorInterval = 100 * time.Millisecond
	defaultCameraInterval   = time.Second / 30
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

// Devices lists the devices to poll and records their health.
// Satisfied by *device.Registry.
type Devices interface {
	ActiveByClass(c device.Class) []device.Device
	SetStatus(ctx context.Context, id string, status device.Status, at time.Time) error
}

// Querier reads the current state of a device through its driver.
type Querier interface {
	Query(ctx context.Context, d device.Device) (driver.State, error)
}

// Executor runs an operation under the retry policy.
// Satisfied by *redundancy.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, class device.Class, name string, maxRetries int, baseDelay time.Duration, op redundancy.Operation) error
}

// Publisher receives change notifications.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Config holds polling intervals and the retry policy for each iteration.
type Config struct {
	DetectorInterval time.Duration
	CameraInterval   time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
}

// DetectorSnapshot is the last committed occupancy of a loop detector.
type DetectorSnapshot struct {
	DeviceID string
	Occupied bool
	At       time.Time
}

// Frame is the latest captured camera image.
type Frame struct {
	DeviceID string
	Data     []byte
	Sequence uint64
	At       time.Time
}

// Stats holds monitor counters.
type Stats struct {
	DetectorPolls    uint64
	DetectorChanges  uint64
	CameraPolls      uint64
	FramesCaptured   uint64
	FailedIterations uint64
}

type cameraState struct {
	online   atomic.Bool
	frame    atomic.Pointer[Frame]
	sequence atomic.Uint64
}

// Monitor runs the polling loops and holds the snapshots.
type Monitor struct {
	cfg     Config
	devices Devices
	querier Querier
	exec    Executor
	pub     Publisher
	logger  Logger

	detectors sync.Map // device id -> *detectorState
	cameras   sync.Map // device id -> *cameraState

	detectorPolls    atomic.Uint64
	detectorChanges  atomic.Uint64
	cameraPolls      atomic.Uint64
	framesCaptured   atomic.Uint64
	failedIterations atomic.Uint64
}

// New creates a monitor. pub may be nil.
func New(cfg Config, devices Devices, querier Querier, exec Executor, pub Publisher) *Monitor {
	if cfg.DetectorInterval <= 0 {
		cfg.DetectorInterval = defaultDetectorInterval
	}
	if cfg.CameraInterval <= 0 {
		cfg.CameraInterval = defaultCameraInterval
	}
	return &Monitor{
		cfg:     cfg,
		devices: devices,
		querier: querier,
		exec:    exec,
		pub:     pub,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// Run starts one polling loop per class and blocks until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.loop(ctx, device.ClassLoopDetector, m.cfg.DetectorInterval, m.pollDetectors)
	})
	g.Go(func() error {
		return m.loop(ctx, device.ClassCamera, m.cfg.CameraInterval, m.pollCameras)
	})
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, class device.Class, interval time.Duration, poll func(context.Context)) error {
	m.logger.Info("polling loop started", "class", class, "interval", interval)
	defer m.logger.Info("polling loop stopped", "class", class)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sweep tracks the devices of one iteration that still have to be polled.
// Each attempt polls only the devices that failed the previous one, so a
// healthy device is read once per iteration.
type sweep struct {
	mu      sync.Mutex
	pending []device.Device
	errs    map[string]error
}

func newSweep(devices []device.Device) *sweep {
	return &sweep{pending: devices}
}

// attempt polls the pending devices and keeps those that failed.
func (s *sweep) attempt(ctx context.Context, poll func(context.Context, device.Device) error) error {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	var retry []device.Device
	failed := make(map[string]error)
	var errs []error
	for _, d := range pending {
		if err := poll(ctx, d); err != nil {
			retry = append(retry, d)
			failed[d.ID] = err
			errs = append(errs, fmt.Errorf("%s: %w", d.ID, err))
		}
	}

	s.mu.Lock()
	s.pending = retry
	s.errs = failed
	s.mu.Unlock()
	return errors.Join(errs...)
}

// failed returns the devices that failed the latest attempt.
func (s *sweep) failed() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

type detectorState struct {
	snap atomic.Pointer[DetectorSnapshot]

	// reported is the occupancy last published for the detector.
	reported atomic.Bool
}

// pollDetectors runs one detector iteration.
func (m *Monitor) pollDetectors(ctx context.Context) {
	devices := m.devices.ActiveByClass(device.ClassLoopDetector)
	if len(devices) == 0 {
		return
	}
	m.detectorPolls.Add(1)

	sw := newSweep(devices)
	err := m.exec.Execute(ctx, device.ClassLoopDetector, OpDetectorPoll, m.cfg.MaxRetries, m.cfg.BaseDelay,
		func(ctx context.Context) error {
			return sw.attempt(ctx, func(ctx context.Context, d device.Device) error {
				st, err := m.querier.Query(ctx, d)
				if err != nil {
					return err
				}
				m.commitDetector(d.ID, st.Occupied, st.At)
				m.setHealth(ctx, d.ID, device.StatusOnline, st.At)
				return nil
			})
		})
	if err == nil {
		return
	}

	m.failedIterations.Add(1)
	if ctx.Err() != nil {
		return
	}
	m.logger.Warn("detector poll failed", "error", err)
	for id := range sw.failed() {
		m.markDetectorOffline(ctx, id)
	}
}

func (m *Monitor) detector(id string) *detectorState {
	v, _ := m.detectors.LoadOrStore(id, &detectorState{})
	return v.(*detectorState)
}

// commitDetector installs a new snapshot and publishes when occupancy
// differs from the value last published. A detector seen for the first
// time is compared against an unoccupied loop.
func (m *Monitor) commitDetector(id string, occupied bool, at time.Time) {
	det := m.detector(id)
	det.snap.Store(&DetectorSnapshot{DeviceID: id, Occupied: occupied, At: at})
	if det.reported.Swap(occupied) == occupied {
		return
	}

	m.detectorChanges.Add(1)
	m.logger.Debug("detector changed", "device", id, "occupied", occupied)
	m.publish(events.TopicDetectorChanged, events.DetectorChange{DeviceID: id, Occupied: occupied, At: at.UTC()})
}

// markDetectorOffline drops the snapshot of a detector that stopped
// answering. The published occupancy is kept, so the first reading after
// recovery is published only if it differs.
func (m *Monitor) markDetectorOffline(ctx context.Context, id string) {
	m.detector(id).snap.Store(nil)
	m.setHealth(ctx, id, device.StatusOffline, time.Now())
}

// pollCameras runs one camera iteration.
func (m *Monitor) pollCameras(ctx context.Context) {
	devices := m.devices.ActiveByClass(device.ClassCamera)
	if len(devices) == 0 {
		return
	}
	m.cameraPolls.Add(1)

	sw := newSweep(devices)
	err := m.exec.Execute(ctx, device.ClassCamera, OpCameraPoll, m.cfg.MaxRetries, m.cfg.BaseDelay,
		func(ctx context.Context) error {
			return sw.attempt(ctx, func(ctx context.Context, d device.Device) error {
				st, err := m.querier.Query(ctx, d)
				if err != nil {
					return err
				}
				m.commitFrame(ctx, d.ID, st)
				return nil
			})
		})
	if err == nil {
		return
	}

	m.failedIterations.Add(1)
	if ctx.Err() != nil {
		return
	}
	m.logger.Warn("camera poll failed", "error", err)
	for id, cause := range sw.failed() {
		m.markCameraOffline(ctx, id, cause)
	}
}

func (m *Monitor) camera(id string) *cameraState {
	v, _ := m.cameras.LoadOrStore(id, &cameraState{})
	return v.(*cameraState)
}

// commitFrame marks the camera online, replaces its latest frame and
// publishes the capture.
func (m *Monitor) commitFrame(ctx context.Context, id string, st driver.State) {
	if len(st.Frame) == 0 {
		return
	}
	cam := m.camera(id)
	if cam.online.CompareAndSwap(false, true) {
		m.logger.Info("camera online", "device", id)
		m.setHealth(ctx, id, device.StatusOnline, st.At)
		m.publish(events.TopicCameraStatus, events.CameraStatus{DeviceID: id, Online: true, At: st.At.UTC()})
	}

	seq := cam.sequence.Add(1)
	cam.frame.Store(&Frame{DeviceID: id, Data: st.Frame, Sequence: seq, At: st.At})
	m.framesCaptured.Add(1)
	m.publish(events.TopicCameraFrame, events.CameraFrame{DeviceID: id, Size: len(st.Frame), Sequence: seq, At: st.At.UTC()})
}

// markCameraOffline drops the buffered frame so that nothing captured
// before the outage is served or published afterwards.
func (m *Monitor) markCameraOffline(ctx context.Context, id string, cause error) {
	cam := m.camera(id)
	cam.frame.Store(nil)
	if !cam.online.CompareAndSwap(true, false) {
		return
	}
	now := time.Now()
	m.logger.Warn("camera offline", "device", id, "error", cause)
	m.setHealth(ctx, id, device.StatusOffline, now)
	m.publish(events.TopicCameraStatus, events.CameraStatus{DeviceID: id, Online: false, Error: cause.Error(), At: now.UTC()})
}

func (m *Monitor) setHealth(ctx context.Context, id string, status device.Status, at time.Time) {
	if err := m.devices.SetStatus(ctx, id, status, at); err != nil {
		m.logger.Warn("recording device status failed", "device", id, "error", err)
	}
}

func (m *Monitor) publish(topic string, payload any) {
	if m.pub != nil {
		m.pub.Publish(topic, events.Encode(payload))
	}
}

// Detector returns the last committed snapshot of a loop detector.
func (m *Monitor) Detector(id string) (DetectorSnapshot, bool) {
	v, ok := m.detectors.Load(id)
	if !ok {
		return DetectorSnapshot{}, false
	}
	snap := v.(*detectorState).snap.Load()
	if snap == nil {
		return DetectorSnapshot{}, false
	}
	return *snap, true
}

// IsOccupied reports whether a loop detector last saw a vehicle. Unknown
// and offline detectors report false.
func (m *Monitor) IsOccupied(id string) bool {
	snap, _ := m.Detector(id)
	return snap.Occupied
}

// LatestFrame returns a copy of the latest frame of an online camera.
func (m *Monitor) LatestFrame(id string) (Frame, bool) {
	v, ok := m.cameras.Load(id)
	if !ok {
		return Frame{}, false
	}
	f := v.(*cameraState).frame.Load()
	if f == nil {
		return Frame{}, false
	}
	out := *f
	out.Data = bytes.Clone(f.Data)
	return out, true
}

// CameraOnline reports whether a camera answered its latest poll.
func (m *Monitor) CameraOnline(id string) bool {
	v, ok := m.cameras.Load(id)
	return ok && v.(*cameraState).online.Load()
}

// Stats returns monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		DetectorPolls:    m.detectorPolls.Load(),
		DetectorChanges:  m.detectorChanges.Load(),
		CameraPolls:      m.cameraPolls.Load(),
		FramesCaptured:   m.framesCaptured.Load(),
		FailedIterations: m.failedIterations.Load(),
	}
}
