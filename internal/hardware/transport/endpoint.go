package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

const (
	// defaultBaud is used when neither the endpoint nor the device sets one.
	defaultBaud = 9600

	// serialPollInterval is the serial read timeout. Reads return at this
	// cadence so Close is observed promptly even on ports whose blocking
	// read cannot be interrupted.
	serialPollInterval = 100 * time.Millisecond
)

// ErrUnsupportedEndpoint is returned for endpoints with an unknown scheme.
var ErrUnsupportedEndpoint = errors.New("transport: unsupported endpoint")

// ParseEndpoint returns a DialFunc for endpoint.
//
// Supported formats:
//   - "serial:///dev/ttyUSB0" or "serial:///dev/ttyUSB0?baud=19200"
//   - "tcp://10.0.0.5:4001" (serial-over-IP device servers)
//
// baud applies to serial endpoints without a baud query parameter.
func ParseEndpoint(endpoint string, baud int) (DialFunc, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedEndpoint, err)
	}

	switch u.Scheme {
	case "serial":
		name := u.Host + u.Path
		if name == "" {
			name = u.Opaque
		}
		if name == "" {
			return nil, fmt.Errorf("%w: serial endpoint %q has no port", ErrUnsupportedEndpoint, endpoint)
		}
		if q := u.Query().Get("baud"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: invalid baud %q", ErrUnsupportedEndpoint, q)
			}
			baud = n
		}
		if baud <= 0 {
			baud = defaultBaud
		}
		return serialDialer(name, baud), nil

	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: tcp endpoint %q has no host", ErrUnsupportedEndpoint, endpoint)
		}
		return tcpDialer(u.Host), nil

	default:
		return nil, fmt.Errorf("%w: scheme %q (use serial or tcp)", ErrUnsupportedEndpoint, u.Scheme)
	}
}

func tcpDialer(address string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial failed: %w", err)
		}
		return conn, nil
	}
}

func serialDialer(name string, baud int) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.OpenPort(&serial.Config{
			Name:        name,
			Baud:        baud,
			ReadTimeout: serialPollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", name, err)
		}
		return &serialConn{port: port}, nil
	}
}

// serialConn adapts a serial port with a read timeout to the stream
// contract: an expired read timeout is reported as an empty read rather
// than end of stream.
type serialConn struct {
	port   *serial.Port
	closed atomic.Bool
}

func (s *serialConn) Read(b []byte) (int, error) {
	n, err := s.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) && !s.closed.Load() {
		return 0, nil
	}
	if err == nil && n == 0 && s.closed.Load() {
		return 0, io.EOF
	}
	return n, err
}

func (s *serialConn) Write(b []byte) (int, error) {
	return s.port.Write(b)
}

func (s *serialConn) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}
