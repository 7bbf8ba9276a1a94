package driver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/codec"
	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
	"github.com/nerrad567/parkgate-core/internal/hardware/simdevice"
	"github.com/nerrad567/parkgate-core/internal/hardware/transport"
)

// simOptions attaches every line device to the matching simulator.
func simOptions(sims map[string]*simdevice.Device) Options {
	return Options{
		CommandTimeout: 500 * time.Millisecond,
		ReadyTimeout:   200 * time.Millisecond,
		Dial: func(d device.Device) (transport.DialFunc, error) {
			sim, ok := sims[d.ID]
			if !ok {
				return nil, errors.New("no simulator for " + d.ID)
			}
			return sim.Dial, nil
		},
	}
}

func TestDefaultRegistry_SupportsEveryClass(t *testing.T) {
	r := DefaultRegistry()
	for _, c := range device.AllClasses() {
		if !r.Supports(c) {
			t.Errorf("Supports(%s) = false", c)
		}
	}
}

func TestRegistry_NewUnknownClass(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(device.Device{ID: "gate-1", Class: device.ClassGate}, Options{})
	if !errors.Is(err, ErrNoDriver) {
		t.Errorf("New() error = %v, want ErrNoDriver", err)
	}
}

func TestRegistry_RegisterReplacesFactory(t *testing.T) {
	r := DefaultRegistry()
	var called bool
	r.Register(device.ClassPrinter, func(d device.Device, _ Options) (Driver, error) {
		called = true
		return nil, errors.New("custom")
	})

	if _, err := r.New(device.Device{ID: "printer-1", Class: device.ClassPrinter}, Options{}); err == nil {
		t.Error("New() error = nil, want custom factory error")
	}
	if !called {
		t.Error("custom factory not used")
	}
}

func TestLineDriver_InvalidEndpoint(t *testing.T) {
	_, err := DefaultRegistry().New(device.Device{
		ID:       "gate-1",
		Class:    device.ClassGate,
		Endpoint: "ftp://somewhere",
	}, Options{})
	if !errors.Is(err, transport.ErrUnsupportedEndpoint) {
		t.Errorf("New() error = %v, want ErrUnsupportedEndpoint", err)
	}
}

func TestLineDriver_QueryReportsOccupancy(t *testing.T) {
	sim := simdevice.New("loop")
	dev := device.Device{ID: "loop-1", Class: device.ClassLoopDetector, Endpoint: "tcp://127.0.0.1:1"}
	drv, err := DefaultRegistry().New(dev, simOptions(map[string]*simdevice.Device{"loop-1": sim}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := drv.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer drv.(*LineDriver).Shutdown() //nolint:errcheck // Test cleanup

	tests := []struct {
		vehicle bool
		want    bool
	}{
		{false, false},
		{true, true},
		{false, false},
	}
	for _, tt := range tests {
		sim.SetVehicle(tt.vehicle)
		st, err := drv.Query(ctx)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if !st.Online || st.Occupied != tt.want || st.DeviceID != "loop-1" {
			t.Errorf("Query() = %+v, want occupied=%v", st, tt.want)
		}
	}
}

func TestLineDriver_Commands(t *testing.T) {
	sim := simdevice.New("gate")
	dev := device.Device{ID: "gate-1", Class: device.ClassGate, Endpoint: "serial:///dev/ttyUSB0"}
	drv, err := NewLineDriver(dev, simOptions(map[string]*simdevice.Device{"gate-1": sim}))
	if err != nil {
		t.Fatalf("NewLineDriver() error = %v", err)
	}
	defer drv.Shutdown() //nolint:errcheck // Test cleanup
	ctx := context.Background()
	if err := drv.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := drv.Send(ctx, codec.OpenCommand()); err != nil {
		t.Fatalf("Send(OPEN) error = %v", err)
	}
	st, err := drv.Query(ctx)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if st.Gate != "OPEN" {
		t.Errorf("Gate = %s, want OPEN", st.Gate)
	}
	if _, err := drv.TrySend(ctx, codec.CloseCommand()); err != nil {
		t.Errorf("TrySend(CLOSE) error = %v", err)
	}
	if sim.Gate() != "CLOSED" {
		t.Errorf("sim gate = %s, want CLOSED", sim.Gate())
	}
	if drv.Stats().Correlator.Matched != 3 {
		t.Errorf("Matched = %d, want 3", drv.Stats().Correlator.Matched)
	}
}

func TestLineDriver_QueryUnreachable(t *testing.T) {
	sim := simdevice.New("gate")
	sim.SetUnreachable(true)
	dev := device.Device{ID: "gate-1", Class: device.ClassGate, Endpoint: "tcp://127.0.0.1:1"}
	drv, err := NewLineDriver(dev, simOptions(map[string]*simdevice.Device{"gate-1": sim}))
	if err != nil {
		t.Fatalf("NewLineDriver() error = %v", err)
	}
	defer drv.Shutdown() //nolint:errcheck // Test cleanup

	st, err := drv.Query(context.Background())
	if !errors.Is(err, hwerr.ErrConnection) {
		t.Errorf("Query() error = %v, want ErrConnection", err)
	}
	if st.Online {
		t.Error("Online = true for unreachable device")
	}
}

func newCamera(t *testing.T, url string, timeout time.Duration) *CameraDriver {
	t.Helper()
	cam, err := NewCameraDriver(device.Device{
		ID:       "cam-1",
		Class:    device.ClassCamera,
		Endpoint: url,
	}, Options{CameraTimeout: timeout})
	if err != nil {
		t.Fatalf("NewCameraDriver() error = %v", err)
	}
	return cam
}

func TestCameraDriver_Query(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0xFF, 0xD9}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpeg) //nolint:errcheck // Test server
	}))
	defer srv.Close()

	cam := newCamera(t, srv.URL+"/snapshot.jpg", time.Second)
	ctx := context.Background()
	if err := cam.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	first, err := cam.Query(ctx)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !first.Online || !bytes.Equal(first.Frame, jpeg) {
		t.Fatalf("Query() = %+v", first)
	}

	first.Frame[0] = 0x00
	second, err := cam.Query(ctx)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !bytes.Equal(second.Frame, jpeg) {
		t.Error("frames share a buffer across queries")
	}
	if err := cam.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestCameraDriver_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name:    "empty body",
			handler: func(http.ResponseWriter, *http.Request) {},
			want:    hwerr.ErrProtocol,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "sensor fault", http.StatusInternalServerError)
			},
			want: hwerr.ErrProtocol,
		},
		{
			name: "slow camera",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(500 * time.Millisecond):
				}
			},
			want: hwerr.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			st, err := newCamera(t, srv.URL, 50*time.Millisecond).Query(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Query() error = %v, want %v", err, tt.want)
			}
			if st.Online || st.Frame != nil {
				t.Errorf("Query() = %+v on failure", st)
			}
		})
	}
}

func TestCameraDriver_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newCamera(t, url, time.Second).Query(context.Background())
	if !errors.Is(err, hwerr.ErrConnection) {
		t.Errorf("Query() error = %v, want ErrConnection", err)
	}
	if !hwerr.IsTransient(err) {
		t.Error("unreachable camera should be transient")
	}
}

func TestCameraDriver_InvalidEndpoint(t *testing.T) {
	_, err := NewCameraDriver(device.Device{
		ID:       "cam-1",
		Class:    device.ClassCamera,
		Endpoint: "serial:///dev/video0",
	}, Options{})
	if !errors.Is(err, device.ErrInvalidEndpoint) {
		t.Errorf("NewCameraDriver() error = %v, want ErrInvalidEndpoint", err)
	}
}
