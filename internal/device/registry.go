package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// maxCASAttempts bounds the compare-and-swap loop in Update.
const maxCASAttempts = 64

// persistTimeout bounds write-through calls made on behalf of Update.
const persistTimeout = 2 * time.Second

// entry holds the current committed value of one device.
type entry struct {
	current atomic.Pointer[Device]
}

// Registry is the process-wide device table.
//
// Each device lives behind its own atomic pointer. Readers load the pointer
// and get a clone, so they never see a partially updated record. Writers
// build a new value and install it with compare-and-swap. Devices are never
// removed once loaded.
//
// The set of entries is fixed after RefreshCache; the map is guarded by an
// RWMutex only to allow a refresh at runtime.
type Registry struct {
	repo Repository

	mu      sync.RWMutex
	entries map[string]*entry

	logger Logger
}

// NewRegistry creates a new device registry backed by repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:    repo,
		entries: make(map[string]*entry),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Seed inserts each device into the repository unless it already exists.
// Existing rows keep their persisted redundancy flags.
func (r *Registry) Seed(ctx context.Context, devices []Device) error {
	for i := range devices {
		inserted, err := r.repo.Seed(ctx, &devices[i])
		if err != nil {
			return fmt.Errorf("seeding device %s: %w", devices[i].ID, err)
		}
		if inserted {
			r.logger.Info("device seeded", "device_id", devices[i].ID, "class", devices[i].Class)
		}
	}
	return nil
}

// RefreshCache reloads all devices from the repository.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range devices {
		d := devices[i].Clone()
		e, ok := r.entries[d.ID]
		if !ok {
			e = &entry{}
			r.entries[d.ID] = e
		}
		e.current.Store(d)
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns a copy of the device with the given id.
// Returns ErrDeviceNotFound if the device is not loaded.
func (r *Registry) Get(id string) (*Device, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrDeviceNotFound
	}
	return e.current.Load().Clone(), nil
}

// List returns copies of all devices ordered by class then id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.entries))
	for _, e := range r.entries {
		devices = append(devices, *e.current.Load().Clone())
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Class != devices[j].Class {
			return devices[i].Class < devices[j].Class
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// filter returns devices of class c matching keep, ordered by id.
func (r *Registry) filter(c Class, keep func(*Device) bool) []Device {
	var out []Device
	for _, d := range r.List() {
		if d.Class == c && keep(&d) {
			out = append(out, d)
		}
	}
	return out
}

// ActiveByClass returns the active devices of a class.
func (r *Registry) ActiveByClass(c Class) []Device {
	return r.filter(c, func(d *Device) bool { return d.IsActive })
}

// MainByClass returns the primary (non-backup) devices of a class.
func (r *Registry) MainByClass(c Class) []Device {
	return r.filter(c, func(d *Device) bool { return !d.IsBackup })
}

// BackupsByClass returns the backup devices of a class.
func (r *Registry) BackupsByClass(c Class) []Device {
	return r.filter(c, func(d *Device) bool { return d.IsBackup })
}

// Update applies fn to a copy of the current device and installs the result
// with compare-and-swap, retrying if another writer got there first. fn may
// be called more than once and must not have side effects.
//
// When the redundancy flags changed, the new values are written through to
// the repository. A persistence failure is logged; the in-memory table
// remains authoritative for the running process.
//
// Returns the committed device.
func (r *Registry) Update(ctx context.Context, id string, fn func(d *Device)) (*Device, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrDeviceNotFound
	}

	for range maxCASAttempts {
		old := e.current.Load()
		next := old.Clone()
		fn(next)
		next.ID = old.ID

		if !e.current.CompareAndSwap(old, next) {
			continue
		}

		if old.IsBackup != next.IsBackup || old.IsActive != next.IsActive {
			r.persistFlags(ctx, next)
		}
		return next.Clone(), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUpdateConflict, id)
}

// SetActive sets the IsActive flag of a device.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.Update(ctx, id, func(d *Device) { d.IsActive = active })
	return err
}

// SetStatus records an observed status. LastSeen advances only when the
// device is online. The repository is updated only when the status changes,
// so steady-state polling does not write to disk every tick.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, at time.Time) error {
	var changed bool
	d, err := r.Update(ctx, id, func(d *Device) {
		changed = d.Status != status
		d.Status = status
		if status == StatusOnline {
			t := at
			d.LastSeen = &t
		}
	})
	if err != nil {
		return err
	}
	if changed {
		r.persistHealth(ctx, d, at)
	}
	return nil
}

func (r *Registry) persistFlags(ctx context.Context, d *Device) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := r.repo.UpdateFlags(ctx, d.ID, d.IsBackup, d.IsActive); err != nil {
		r.logger.Error("persisting device flags failed",
			"device_id", d.ID,
			"is_backup", d.IsBackup,
			"is_active", d.IsActive,
			"error", err,
		)
	}
}

func (r *Registry) persistHealth(ctx context.Context, d *Device, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := r.repo.UpdateHealth(ctx, d.ID, d.Status, at); err != nil {
		r.logger.Warn("persisting device health failed",
			"device_id", d.ID,
			"status", d.Status,
			"error", err,
		)
	}
}
