package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/correlator"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/config"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/database"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/logging"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parkgate-core/internal/notify"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("PARKGATE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

func TestRun_InvalidDevice(t *testing.T) {
	t.Setenv("PARKGATE_CONFIG", writeConfig(t, `
site:
  id: test-site
database:
  path: "`+filepath.Join(t.TempDir(), "test.db")+`"
hardware:
  devices:
    - id: gate-main
      class: turnstile
      endpoint: "tcp://127.0.0.1:4001"
`))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "turnstile") {
		t.Fatalf("run() error = %v, want class validation failure", err)
	}
}

func TestRun_StartupAndShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("PARKGATE_CONFIG", writeConfig(t, `
site:
  id: test-site
database:
  path: "`+dbPath+`"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
metrics:
  enabled: true
  listen: "127.0.0.1:0"
logging:
  level: error
  format: text
  output: stdout
hardware:
  command_timeout: 50ms
  ready_timeout: 50ms
  monitor:
    detector_interval: 20ms
    camera_fps: 5
    max_retries: 1
    base_delay: 1ms
  devices:
    - id: loop-1
      class: loop_detector
      endpoint: "tcp://127.0.0.1:1"
      active: true
    - id: gate-main
      class: gate
      endpoint: "tcp://127.0.0.1:1"
      active: true
    - id: gate-backup
      class: gate
      endpoint: "tcp://127.0.0.1:1"
      backup: true
`))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	db, err := database.Open(database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()

	devices, err := device.NewSQLiteRepository(db.DB).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("seeded %d devices, want 3", len(devices))
	}
	for _, d := range devices {
		if d.ID == "loop-1" && d.Status != device.StatusOffline {
			t.Errorf("loop-1 status = %s, want offline (endpoint refuses connections)", d.Status)
		}
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PARKGATE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("PARKGATE_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestSeedDevices(t *testing.T) {
	got := seedDevices([]config.DeviceConfig{
		{ID: "gate-main", Name: "Entry barrier", Class: "gate", Endpoint: "serial:///dev/ttyUSB0", Baud: 19200, Active: true},
		{ID: "gate-backup", Class: "gate", Endpoint: "tcp://10.0.0.5:4001", Backup: true},
	})

	if len(got) != 2 {
		t.Fatalf("seedDevices() returned %d devices", len(got))
	}
	if got[0].Class != device.ClassGate || got[0].Baud != 19200 || !got[0].IsActive || got[0].IsBackup {
		t.Errorf("main = %+v", got[0])
	}
	if !got[1].IsBackup || got[1].IsActive || got[1].Status != device.StatusUnknown {
		t.Errorf("backup = %+v", got[1])
	}
}

func TestControlPlaneOptions(t *testing.T) {
	cfg := &config.Config{
		Hardware: config.HardwareConfig{
			CommandTimeout: time.Second,
			Redundancy:     config.RedundancyConfig{MaxRetries: 3, FailureThresholdCount: 5},
			Monitor:        config.MonitorConfig{CameraFPS: 10, CameraTimeout: time.Second},
			Events:         config.EventsConfig{QueueSize: 32},
		},
	}
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", os.Stderr)
	m := metrics.New()

	opts := controlPlaneOptions(cfg, m, nil, log)
	if opts.Monitor.CameraInterval != 100*time.Millisecond {
		t.Errorf("CameraInterval = %v, want 100ms", opts.Monitor.CameraInterval)
	}
	if opts.Redundancy.FailureThresholdCount != 5 || opts.QueueSize != 32 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.CommandObserver != m {
		t.Error("CommandObserver is not the metrics collector without telemetry")
	}

	opts = controlPlaneOptions(cfg, m, notify.NewTelemetrySink(nil), log)
	if obs, ok := opts.CommandObserver.(correlator.Observers); !ok || len(obs) != 2 {
		t.Errorf("CommandObserver = %T, want two fan-out observers", opts.CommandObserver)
	}
}
