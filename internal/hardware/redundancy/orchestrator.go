package redundancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
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

// Publisher receives failover notifications.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Observer receives retry and failover counts, typically for metrics.
type Observer interface {
	ObserveRetry(class, operation string)
	ObserveExhausted(class, operation string)
	ObserveSwitch(class string, toBackup bool)
}

type noopObserver struct{}

func (noopObserver) ObserveRetry(string, string)     {}
func (noopObserver) ObserveExhausted(string, string) {}
func (noopObserver) ObserveSwitch(string, bool)      {}

// Switcher performs the device-specific part of a switch: bring up the
// devices in to, verify them, then release the devices in from. If it
// returns an error the orchestrator leaves every flag untouched.
type Switcher interface {
	Switch(ctx context.Context, class device.Class, from, to []device.Device) error
}

// Prober checks whether a device answers, for automatic restore.
type Prober interface {
	Probe(ctx context.Context, d device.Device) error
}

// Operation is one attempt at a hardware operation.
type Operation func(ctx context.Context) error

// Config holds the retry and failover settings.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration

	// FailureThresholdCount exhausted operations within
	// FailureThresholdWindow trigger a switch to backup. Zero disables
	// automatic failover.
	FailureThresholdCount  int
	FailureThresholdWindow time.Duration

	// AutoRestoreInterval is how often Run probes main devices of classes
	// on backup. Zero disables automatic restore.
	AutoRestoreInterval time.Duration
}

// Orchestrator retries operations and switches device classes between
// main and backup units.
type Orchestrator struct {
	cfg      Config
	store    *FailureStore
	registry *device.Registry
	switcher Switcher

	// gate serialises SwitchToBackup and RestoreMain across all classes.
	gate chan struct{}

	pub      Publisher
	prober   Prober
	observer Observer
	logger   Logger
}

// New creates an orchestrator. The backup flags in store are initialised
// from the registry, so a class that was left on backup by a previous run
// is still reported as such.
func New(cfg Config, store *FailureStore, registry *device.Registry, sw Switcher) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		switcher: sw,
		gate:     make(chan struct{}, 1),
		observer: noopObserver{},
		logger:   noopLogger{},
	}
	o.loadState()
	return o
}

// SetLogger sets the logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// SetPublisher sets where failover notifications are published.
func (o *Orchestrator) SetPublisher(pub Publisher) {
	o.pub = pub
}

// SetProber sets the prober used by automatic restore.
func (o *Orchestrator) SetProber(p Prober) {
	o.prober = p
}

// SetObserver sets the retry and failover observer.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.observer = obs
}

// Store returns the failure store.
func (o *Orchestrator) Store() *FailureStore {
	return o.store
}

func (o *Orchestrator) loadState() {
	for _, c := range device.AllClasses() {
		var mainActive, backupActive bool
		for _, d := range o.registry.ActiveByClass(c) {
			if d.IsBackup {
				backupActive = true
			} else {
				mainActive = true
			}
		}
		if backupActive && !mainActive {
			o.store.SetUsingBackup(c, true)
			o.logger.Info("device class resumed on backup", "class", c)
		}
	}
}

// IsUsingBackup reports whether a class is served by its backup.
func (o *Orchestrator) IsUsingBackup(class device.Class) bool {
	return o.store.UsingBackup(class)
}

// ExecuteWithRetry runs op with the configured policy and reports whether
// it eventually succeeded.
func (o *Orchestrator) ExecuteWithRetry(ctx context.Context, class device.Class, name string, maxRetries int, baseDelay time.Duration, op Operation) bool {
	return o.Execute(ctx, class, name, maxRetries, baseDelay, op) == nil
}

// Execute runs op up to maxRetries times, sleeping baseDelay × attempt
// between attempts. Only transient errors (hwerr.IsTransient) are retried.
//
// On success the operation's failure counter is reset. When all attempts
// fail the counter is incremented, and reaching FailureThresholdCount
// switches class to its backup. The returned error wraps the last attempt's
// error, and also hwerr.ErrRedundancyExhausted when the class has no
// backup left to fall back on.
//
// The call is bounded by maxRetries × (attempt timeout) plus the backoff
// delays, and returns hwerr.ErrCancelled as soon as ctx ends.
func (o *Orchestrator) Execute(ctx context.Context, class device.Class, name string, maxRetries int, baseDelay time.Duration, op Operation) error {
	attempts := max(maxRetries, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s: %w", hwerr.ErrCancelled, name, err)
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				o.logger.Info("operation recovered", "operation", name, "class", class, "attempt", attempt)
			}
			o.store.Reset(name)
			return nil
		}
		lastErr = err

		if !hwerr.IsTransient(err) {
			o.logger.Warn("operation failed, not retrying",
				"operation", name,
				"class", class,
				"attempt", attempt,
				"error", err,
			)
			return err
		}

		o.logger.Warn("operation attempt failed",
			"operation", name,
			"class", class,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)

		if attempt < attempts {
			o.observer.ObserveRetry(string(class), name)
			if err := sleep(ctx, baseDelay*time.Duration(attempt)); err != nil {
				return fmt.Errorf("%w: %s during backoff: %w", hwerr.ErrCancelled, name, err)
			}
		}
	}

	return o.exhausted(ctx, class, name, attempts, lastErr)
}

// exhausted records a failed operation and fails over when the threshold
// is reached.
func (o *Orchestrator) exhausted(ctx context.Context, class device.Class, name string, attempts int, lastErr error) error {
	wasOnBackup := o.store.UsingBackup(class)
	count := o.store.Increment(class, name, o.cfg.FailureThresholdWindow)
	o.observer.ObserveExhausted(string(class), name)

	o.logger.Error("operation failed after retries",
		"operation", name,
		"class", class,
		"attempts", attempts,
		"failures", count,
		"threshold", o.cfg.FailureThresholdCount,
		"error", lastErr,
	)

	if wasOnBackup || len(o.registry.BackupsByClass(class)) == 0 {
		return fmt.Errorf("%w: %s: %w", hwerr.ErrRedundancyExhausted, name, lastErr)
	}

	if o.cfg.FailureThresholdCount > 0 && count >= o.cfg.FailureThresholdCount {
		o.logger.Warn("failure threshold reached, switching to backup", "operation", name, "class", class)
		if _, switchErr := o.SwitchToBackup(ctx, class); switchErr != nil {
			o.logger.Error("switch to backup failed", "class", class, "error", switchErr)
			return fmt.Errorf("%w: %s: %w", hwerr.ErrRedundancyExhausted, name, errors.Join(lastErr, switchErr))
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// ResetFailureCounter zeroes the failure count of an operation.
func (o *Orchestrator) ResetFailureCounter(name string) {
	o.store.Reset(name)
}

// SwitchToBackup moves class onto its backup devices.
//
// Returns (true, nil) if the class is now, or already was, on backup. The
// second call of two in a row does not touch the devices. Device flags are
// changed only after the Switcher succeeds.
func (o *Orchestrator) SwitchToBackup(ctx context.Context, class device.Class) (bool, error) {
	if err := o.acquire(ctx); err != nil {
		return false, err
	}
	defer o.release()

	if o.store.UsingBackup(class) {
		o.logger.Info("already using backup", "class", class)
		return true, nil
	}

	backups := o.registry.BackupsByClass(class)
	if len(backups) == 0 {
		return false, fmt.Errorf("%w: %w: %s", hwerr.ErrRedundancyExhausted, ErrNoBackup, class)
	}
	mains := activeOnly(o.registry.MainByClass(class))

	if err := o.switcher.Switch(ctx, class, mains, backups); err != nil {
		return false, fmt.Errorf("switching %s to backup: %w", class, err)
	}

	o.setActive(ctx, mains, false)
	o.setActive(ctx, backups, true)
	o.store.SetUsingBackup(class, true)
	o.store.ResetClass(class)
	o.observer.ObserveSwitch(string(class), true)

	o.logger.Warn("switched to backup", "class", class, "active", ids(backups))
	o.publish(events.TopicFailover, class, true, backups)
	return true, nil
}

// RestoreMain moves class back onto its main devices.
//
// Returns (true, nil) if the class is now, or already was, on its main
// devices. Device flags are changed only after the Switcher succeeds, and
// the class's failure counters are reset.
func (o *Orchestrator) RestoreMain(ctx context.Context, class device.Class) (bool, error) {
	if err := o.acquire(ctx); err != nil {
		return false, err
	}
	defer o.release()

	if !o.store.UsingBackup(class) {
		o.logger.Info("already using main", "class", class)
		return true, nil
	}

	mains := o.registry.MainByClass(class)
	if len(mains) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoMain, class)
	}
	backups := activeOnly(o.registry.BackupsByClass(class))

	if err := o.switcher.Switch(ctx, class, backups, mains); err != nil {
		return false, fmt.Errorf("restoring %s to main: %w", class, err)
	}

	o.setActive(ctx, backups, false)
	o.setActive(ctx, mains, true)
	o.store.SetUsingBackup(class, false)
	o.store.ResetClass(class)
	o.observer.ObserveSwitch(string(class), false)

	o.logger.Info("restored main", "class", class, "active", ids(mains))
	o.publish(events.TopicRestored, class, false, mains)
	return true, nil
}

// Run probes the main devices of every class on backup each
// AutoRestoreInterval and restores the class when all of them answer.
// It returns when ctx ends, immediately if automatic restore is disabled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.AutoRestoreInterval <= 0 || o.prober == nil {
		return nil
	}

	ticker := time.NewTicker(o.cfg.AutoRestoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.tryRestore(ctx)
		}
	}
}

func (o *Orchestrator) tryRestore(ctx context.Context) {
	for _, class := range o.store.ClassesOnBackup() {
		if ctx.Err() != nil {
			return
		}
		mains := o.registry.MainByClass(class)
		if len(mains) == 0 {
			continue
		}

		healthy := true
		for _, d := range mains {
			if err := o.prober.Probe(ctx, d); err != nil {
				o.logger.Debug("main device still unavailable", "class", class, "device", d.ID, "error", err)
				healthy = false
				break
			}
		}
		if !healthy {
			continue
		}

		if _, err := o.RestoreMain(ctx, class); err != nil && !errors.Is(err, hwerr.ErrCancelled) {
			o.logger.Error("automatic restore failed", "class", class, "error", err)
		}
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for switch: %w", hwerr.ErrCancelled, ctx.Err())
	}
}

func (o *Orchestrator) release() {
	<-o.gate
}

func (o *Orchestrator) setActive(ctx context.Context, devices []device.Device, active bool) {
	for _, d := range devices {
		if err := o.registry.SetActive(ctx, d.ID, active); err != nil {
			o.logger.Error("updating device flags failed", "device", d.ID, "active", active, "error", err)
		}
	}
}

func (o *Orchestrator) publish(topic string, class device.Class, usingBackup bool, active []device.Device) {
	if o.pub == nil {
		return
	}
	o.pub.Publish(topic, events.Encode(events.RedundancyChange{
		Class:       string(class),
		UsingBackup: usingBackup,
		Active:      ids(active),
		At:          time.Now().UTC(),
	}))
}

func activeOnly(devices []device.Device) []device.Device {
	var out []device.Device
	for _, d := range devices {
		if d.IsActive {
			out = append(out, d)
		}
	}
	return out
}

func ids(devices []device.Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.ID
	}
	return out
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
