package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is an in-memory Repository for registry tests.
type MockRepository struct {
	mu          sync.Mutex
	devices     map[string]*Device
	flagWrites  int
	healthWrite int
	listErr     error
	flagsErr    error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{devices: make(map[string]*Device)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.Clone(), nil
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d.Clone())
	}
	return devices, nil
}

func (m *MockRepository) Seed(_ context.Context, d *Device) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[d.ID]; exists {
		return false, nil
	}
	m.devices[d.ID] = d.Clone()
	return true, nil
}

func (m *MockRepository) UpdateFlags(_ context.Context, id string, isBackup, isActive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flagWrites++
	if m.flagsErr != nil {
		return m.flagsErr
	}
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.IsBackup = isBackup
	d.IsActive = isActive
	return nil
}

func (m *MockRepository) UpdateHealth(_ context.Context, id string, status Status, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.healthWrite++
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Status = status
	d.LastSeen = &lastSeen
	return nil
}

func (m *MockRepository) counts() (flags, health int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagWrites, m.healthWrite
}

func testFleet() []Device {
	return []Device{
		{ID: "gate-main", Name: "Gate", Class: ClassGate, Endpoint: "serial:///dev/ttyUSB0", IsActive: true},
		{ID: "gate-backup", Name: "Gate spare", Class: ClassGate, Endpoint: "serial:///dev/ttyUSB1", IsBackup: true},
		{ID: "loop-1", Name: "Loop 1", Class: ClassLoopDetector, Endpoint: "tcp://10.0.0.5:4001", IsActive: true},
		{ID: "cam-1", Name: "Camera", Class: ClassCamera, Endpoint: "http://cam/snap.jpg", IsActive: true},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *MockRepository) {
	t.Helper()
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	ctx := context.Background()
	if err := reg.Seed(ctx, testFleet()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if err := reg.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return reg, repo
}

func TestRegistry_RefreshCache(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if got := len(reg.List()); got != 4 {
		t.Errorf("List() returned %d devices, want 4", got)
	}

	list := reg.List()
	if list[0].Class != ClassCamera || list[len(list)-1].Class != ClassLoopDetector {
		t.Errorf("List() not ordered by class: %v", list)
	}
}

func TestRegistry_RefreshCacheError(t *testing.T) {
	repo := NewMockRepository()
	repo.listErr = errors.New("disk gone")
	reg := NewRegistry(repo)

	if err := reg.RefreshCache(context.Background()); err == nil {
		t.Error("RefreshCache() expected error")
	}
}

func TestRegistry_SeedKeepsExisting(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Update(ctx, "gate-backup", func(d *Device) { d.IsActive = true }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Reseeding with the configuration defaults must not reset persisted flags.
	if err := reg.Seed(ctx, testFleet()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	d, _ := repo.GetByID(ctx, "gate-backup")
	if !d.IsActive {
		t.Error("Seed() overwrote persisted IsActive flag")
	}
}

func TestRegistry_Get(t *testing.T) {
	reg, _ := newTestRegistry(t)

	d, err := reg.Get("gate-main")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Mutating the copy must not affect the registry.
	d.IsActive = false
	again, _ := reg.Get("gate-main")
	if !again.IsActive {
		t.Error("Get() returned shared memory")
	}

	if _, err := reg.Get("nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ClassQueries(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if got := reg.ActiveByClass(ClassGate); len(got) != 1 || got[0].ID != "gate-main" {
		t.Errorf("ActiveByClass(gate) = %v", got)
	}
	if got := reg.MainByClass(ClassGate); len(got) != 1 || got[0].ID != "gate-main" {
		t.Errorf("MainByClass(gate) = %v", got)
	}
	if got := reg.BackupsByClass(ClassGate); len(got) != 1 || got[0].ID != "gate-backup" {
		t.Errorf("BackupsByClass(gate) = %v", got)
	}
	if got := reg.BackupsByClass(ClassPrinter); len(got) != 0 {
		t.Errorf("BackupsByClass(printer) = %v, want none", got)
	}
}

func TestRegistry_UpdatePersistsFlags(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	d, err := reg.Update(ctx, "gate-main", func(d *Device) { d.IsActive = false })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if d.IsActive {
		t.Error("Update() returned stale device")
	}
	if flags, _ := repo.counts(); flags != 1 {
		t.Errorf("flag writes = %d, want 1", flags)
	}

	// A no-op change does not touch the repository.
	if _, err := reg.Update(ctx, "gate-main", func(d *Device) { d.Name = "Renamed" }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if flags, _ := repo.counts(); flags != 1 {
		t.Errorf("flag writes = %d after non-flag update, want 1", flags)
	}

	if _, err := reg.Update(ctx, "missing", func(*Device) {}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_UpdatePersistFailureIsNotFatal(t *testing.T) {
	reg, repo := newTestRegistry(t)
	repo.flagsErr = errors.New("readonly")

	if err := reg.SetActive(context.Background(), "gate-main", false); err != nil {
		t.Fatalf("SetActive() error = %v, want nil despite persistence failure", err)
	}
	d, _ := reg.Get("gate-main")
	if d.IsActive {
		t.Error("in-memory flag not updated")
	}
}

func TestRegistry_UpdateCannotChangeID(t *testing.T) {
	reg, _ := newTestRegistry(t)

	d, err := reg.Update(context.Background(), "loop-1", func(d *Device) { d.ID = "hijack" })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if d.ID != "loop-1" {
		t.Errorf("ID = %q, want loop-1", d.ID)
	}
}

func TestRegistry_SetStatus(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()

	for range 3 {
		if err := reg.SetStatus(ctx, "cam-1", StatusOnline, now); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}
	}
	if _, health := repo.counts(); health != 1 {
		t.Errorf("health writes = %d, want 1 for repeated status", health)
	}

	d, _ := reg.Get("cam-1")
	if d.Status != StatusOnline || d.LastSeen == nil || !d.LastSeen.Equal(now) {
		t.Errorf("device after SetStatus = %+v", d)
	}

	later := now.Add(time.Minute)
	if err := reg.SetStatus(ctx, "cam-1", StatusOffline, later); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	d, _ = reg.Get("cam-1")
	if !d.LastSeen.Equal(now) {
		t.Error("offline status must not advance LastSeen")
	}
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Update(ctx, "loop-1", func(d *Device) { d.Baud++ }) //nolint:errcheck // counted below
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.ActiveByClass(ClassLoopDetector)
		}()
	}
	wg.Wait()

	d, _ := reg.Get("loop-1")
	if d.Baud != writers {
		t.Errorf("Baud = %d, want %d (lost update)", d.Baud, writers)
	}
}
