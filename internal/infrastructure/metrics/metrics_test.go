package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/monitor"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/config"
)

func TestObserveCommand(t *testing.T) {
	m := New()

	m.ObserveCommand("gate-main", "OPEN", "ok", 20*time.Millisecond)
	m.ObserveCommand("gate-main", "OPEN", "ok", 30*time.Millisecond)
	m.ObserveCommand("gate-main", "OPEN", "timeout", 0)

	if got := testutil.ToFloat64(m.commandsTotal.WithLabelValues("gate-main", "OPEN", "ok")); got != 2 {
		t.Errorf("ok commands = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.commandsTotal.WithLabelValues("gate-main", "OPEN", "timeout")); got != 1 {
		t.Errorf("timeout commands = %v, want 1", got)
	}

	// Timeouts carry no latency sample.
	want := `
# HELP parkgate_device_command_duration_seconds Time from command write to matched response
# TYPE parkgate_device_command_duration_seconds histogram
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.005"} 0
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.01"} 0
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.025"} 1
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.05"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.1"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.25"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="0.5"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="1"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="2.5"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="5"} 2
parkgate_device_command_duration_seconds_bucket{device="gate-main",verb="OPEN",le="+Inf"} 2
parkgate_device_command_duration_seconds_sum{device="gate-main",verb="OPEN"} 0.05
parkgate_device_command_duration_seconds_count{device="gate-main",verb="OPEN"} 2
`
	if err := testutil.CollectAndCompare(m.commandLatency, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

func TestObserveRedundancy(t *testing.T) {
	m := New()

	m.ObserveRetry("gate", "gate.open")
	m.ObserveRetry("gate", "gate.open")
	m.ObserveExhausted("gate", "gate.open")
	m.ObserveSwitch("gate", true)

	if got := testutil.ToFloat64(m.retriesTotal.WithLabelValues("gate", "gate.open")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.exhaustedTotal.WithLabelValues("gate", "gate.open")); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.usingBackup.WithLabelValues("gate")); got != 1 {
		t.Errorf("using_backup = %v after failover, want 1", got)
	}

	m.ObserveSwitch("gate", false)
	if got := testutil.ToFloat64(m.usingBackup.WithLabelValues("gate")); got != 0 {
		t.Errorf("using_backup = %v after restore, want 0", got)
	}
	if got := testutil.ToFloat64(m.switchesTotal.WithLabelValues("gate", "failover")); got != 1 {
		t.Errorf("failovers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.switchesTotal.WithLabelValues("gate", "restore")); got != 1 {
		t.Errorf("restores = %v, want 1", got)
	}
}

func TestWatchStats(t *testing.T) {
	m := New()
	bus := events.Stats{Published: 7, Delivered: 6, Dropped: 1}
	mon := monitor.Stats{DetectorPolls: 40, FramesCaptured: 12}
	m.WatchBus(func() events.Stats { return bus })
	m.WatchMonitor(func() monitor.Stats { return mon })

	want := `
# HELP parkgate_bus_dropped_total Notifications dropped on full subscriber queues
# TYPE parkgate_bus_dropped_total counter
parkgate_bus_dropped_total 1
# HELP parkgate_monitor_frames_captured_total Camera frames stored
# TYPE parkgate_monitor_frames_captured_total counter
parkgate_monitor_frames_captured_total 12
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want),
		"parkgate_bus_dropped_total", "parkgate_monitor_frames_captured_total")
	if err != nil {
		t.Error(err)
	}

	bus.Dropped = 3
	if n, err := testutil.GatherAndCount(m.Registry(), "parkgate_bus_dropped_total"); err != nil || n != 1 {
		t.Errorf("GatherAndCount() = %d, %v", n, err)
	}
}

func TestServer(t *testing.T) {
	m := New()
	m.ObserveCommand("gate-main", "OPEN", "ok", time.Millisecond)

	srv := NewServer(config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}, m)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Shutdown(context.Background()) //nolint:errcheck // test cleanup

	if err := srv.Start(); !errors.Is(err, ErrServerRunning) {
		t.Errorf("second Start() error = %v, want ErrServerRunning", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/metrics", `parkgate_device_commands_total{device="gate-main",outcome="ok",verb="OPEN"} 1`},
		{"/metrics", "go_goroutines"},
		{"/health", "OK"},
	}
	for _, tt := range tests {
		resp, err := http.Get("http://" + srv.Addr() + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // test
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", tt.path, resp.StatusCode)
		}
		if !strings.Contains(string(body), tt.want) {
			t.Errorf("GET %s body missing %q", tt.path, tt.want)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if srv.Addr() != "" {
		t.Errorf("Addr() = %q after Shutdown", srv.Addr())
	}
}

func TestServer_ListenError(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Listen: "256.0.0.1:bad"}, New())
	if err := srv.Start(); err == nil {
		srv.Shutdown(context.Background()) //nolint:errcheck // test cleanup
		t.Fatal("Start() = nil for an invalid address")
	}
}
