package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
)

// pipeDialer returns a DialFunc backed by net.Pipe. Each dial pushes the
// device end of a new pipe to the returned channel.
func pipeDialer() (DialFunc, <-chan net.Conn) {
	devices := make(chan net.Conn, 4)
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		host, device := net.Pipe()
		devices <- device
		return host, nil
	}
	return dial, devices
}

func openPipeChannel(t *testing.T) (*StreamChannel, net.Conn, <-chan net.Conn) {
	t.Helper()
	dial, devices := pipeDialer()
	ch := NewWithDialer(Config{Name: "test", WriteTimeout: time.Second}, dial)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { ch.Close() }) //nolint:errcheck // Test cleanup
	return ch, <-devices, devices
}

func TestStreamChannel_ReceivesData(t *testing.T) {
	dial, devices := pipeDialer()
	ch := NewWithDialer(Config{Name: "rx"}, dial)

	var mu sync.Mutex
	var got bytes.Buffer
	ch.SetOnData(func(chunk []byte) {
		mu.Lock()
		got.Write(chunk)
		mu.Unlock()
	})

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close() //nolint:errcheck // Test cleanup
	device := <-devices

	if _, err := device.Write([]byte("READY:gate\nOK:OP")); err != nil {
		t.Fatalf("device write: %v", err)
	}
	if _, err := device.Write([]byte("EN\n")); err != nil {
		t.Fatalf("device write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		s := got.String()
		mu.Unlock()
		if s == "READY:gate\nOK:OPEN\n" {
			if ch.Stats().BytesRx != uint64(len(s)) {
				t.Errorf("BytesRx = %d, want %d", ch.Stats().BytesRx, len(s))
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("OnData received %q", got.String())
}

func TestStreamChannel_WriteLine(t *testing.T) {
	ch, device, _ := openPipeChannel(t)

	errCh := make(chan error, 1)
	go func() { errCh <- ch.WriteLine(context.Background(), "OPEN") }()

	line, err := bufio.NewReader(device).ReadString('\n')
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	if line != "OPEN\n" {
		t.Errorf("device read %q, want %q", line, "OPEN\n")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	st := ch.Stats()
	if st.LinesTx != 1 || st.BytesTx != 5 || !st.Open {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestStreamChannel_WritesDoNotInterleave(t *testing.T) {
	ch, device, _ := openPipeChannel(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.WriteLine(context.Background(), "PRINT:"+strings.Repeat(string(rune('a'+i%26)), 40)) //nolint:errcheck // checked on the device side
		}()
	}

	r := bufio.NewReader(device)
	for range writers {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("device read: %v", err)
		}
		body := strings.TrimSuffix(strings.TrimPrefix(line, "PRINT:"), "\n")
		if len(body) != 40 || strings.Count(body, body[:1]) != 40 {
			t.Fatalf("interleaved write: %q", line)
		}
	}
	wg.Wait()
}

func TestStreamChannel_RemoteCloseMarksClosed(t *testing.T) {
	ch, device, _ := openPipeChannel(t)

	closed := make(chan error, 1)
	ch.SetOnClose(func(err error) { closed <- err })

	device.Close()

	select {
	case err := <-closed:
		if !errors.Is(err, hwerr.ErrConnection) {
			t.Errorf("OnClose error = %v, want ErrConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not called after remote close")
	}

	if ch.IsOpen() {
		t.Error("IsOpen() = true after remote close")
	}
	if err := ch.WriteLine(context.Background(), "STATUS"); !errors.Is(err, hwerr.ErrConnection) {
		t.Errorf("WriteLine() after close error = %v, want ErrConnection", err)
	}
}

func TestStreamChannel_ReopenAfterLoss(t *testing.T) {
	ch, device, devices := openPipeChannel(t)

	device.Close()
	deadline := time.Now().Add(time.Second)
	for ch.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	<-devices
	if !ch.IsOpen() || ch.Stats().Opens != 2 {
		t.Errorf("after reopen IsOpen=%v Opens=%d", ch.IsOpen(), ch.Stats().Opens)
	}
}

func TestStreamChannel_CloseReportsNilCause(t *testing.T) {
	ch, _, _ := openPipeChannel(t)

	closed := make(chan error, 1)
	ch.SetOnClose(func(err error) { closed <- err })

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("OnClose error = %v, want nil for explicit Close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose not called after Close")
	}

	// Second Close is a no-op.
	if err := ch.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStreamChannel_OpenIsIdempotent(t *testing.T) {
	ch, _, _ := openPipeChannel(t)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if ch.Stats().Opens != 1 {
		t.Errorf("Opens = %d, want 1", ch.Stats().Opens)
	}
}

func TestStreamChannel_OpenFailure(t *testing.T) {
	ch := NewWithDialer(Config{Name: "dead"}, func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	})

	if err := ch.Open(context.Background()); !errors.Is(err, hwerr.ErrConnection) {
		t.Errorf("Open() error = %v, want ErrConnection", err)
	}
	if ch.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", ch.Stats().Errors)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Open(ctx); !errors.Is(err, hwerr.ErrCancelled) {
		t.Errorf("Open(cancelled) error = %v, want ErrCancelled", err)
	}
}

func TestStreamChannel_WriteTimeout(t *testing.T) {
	dial, devices := pipeDialer()
	ch := NewWithDialer(Config{Name: "slow", WriteTimeout: 50 * time.Millisecond}, dial)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close() //nolint:errcheck // Test cleanup
	<-devices

	// Nobody reads the device end, so the pipe write blocks until the deadline.
	err := ch.WriteLine(context.Background(), "OPEN")
	if !errors.Is(err, hwerr.ErrConnection) {
		t.Errorf("WriteLine() error = %v, want ErrConnection", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		wantErr  bool
	}{
		{"serial:///dev/ttyUSB0", false},
		{"serial:///dev/ttyS1?baud=19200", false},
		{"serial:COM3", false},
		{"serial:///dev/ttyUSB0?baud=fast", true},
		{"serial://", true},
		{"tcp://10.0.0.5:4001", false},
		{"tcp://", true},
		{"http://cam/snap.jpg", true},
		{"::bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			dial, err := ParseEndpoint(tt.endpoint, 0)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedEndpoint) {
					t.Errorf("ParseEndpoint() error = %v, want ErrUnsupportedEndpoint", err)
				}
				return
			}
			if err != nil || dial == nil {
				t.Errorf("ParseEndpoint() = (%v, %v)", dial != nil, err)
			}
		})
	}
}

func TestTCPDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ch, err := New(Config{Name: "tcp", Endpoint: "tcp://" + ln.Addr().String()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close() //nolint:errcheck // Test cleanup

	device := <-accepted
	defer device.Close()

	if err := ch.WriteLine(context.Background(), "STATUS"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	line, err := bufio.NewReader(device).ReadString('\n')
	if err != nil || line != "STATUS\n" {
		t.Errorf("device read (%q, %v)", line, err)
	}
}
