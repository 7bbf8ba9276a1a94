// Package simdevice simulates a line-protocol parking device over an
// in-memory pipe, for exercising links and drivers without hardware.
package simdevice

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrUnreachable is returned by Dial when the device is set unreachable.
var ErrUnreachable = errors.New("simdevice: unreachable")

// Device is a simulated gate controller, loop detector or printer.
//
// It answers OPEN, CLOSE, STATUS and PRINT the way real controllers do,
// announces READY:<name> on connect, and can be told to go silent, reject
// verbs, drop the link or emit events.
type Device struct {
	name string

	mu          sync.Mutex
	gate        string
	vehicle     bool
	mute        bool
	silentBoot  bool
	unreachable bool
	delay       time.Duration
	reject      map[string]string
	received    []string
	conn        net.Conn
	writeMu     *sync.Mutex
	dials       int
}

// New creates a device that announces itself as name.
func New(name string) *Device {
	return &Device{
		name:   name,
		gate:   "CLOSED",
		reject: make(map[string]string),
	}
}

// Dial connects to the device. It satisfies transport.DialFunc.
func (d *Device) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dials++
	if d.unreachable {
		d.mu.Unlock()
		return nil, ErrUnreachable
	}
	if d.conn != nil {
		d.conn.Close()
	}
	host, dev := net.Pipe()
	wmu := &sync.Mutex{}
	d.conn = dev
	d.writeMu = wmu
	silent := d.silentBoot
	d.mu.Unlock()

	go d.serve(dev, wmu, silent)
	return host, nil
}

func (d *Device) serve(conn net.Conn, wmu *sync.Mutex, silentBoot bool) {
	defer conn.Close()

	if !silentBoot {
		if err := writeLine(conn, wmu, "READY:"+d.name); err != nil {
			return
		}
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		reply, delay, ok := d.handle(line)
		if !ok {
			continue
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := writeLine(conn, wmu, reply); err != nil {
			return
		}
	}
}

func writeLine(conn net.Conn, wmu *sync.Mutex, line string) error {
	wmu.Lock()
	defer wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck // Pipes support deadlines
	_, err := io.WriteString(conn, line+"\n")
	return err
}

// handle updates simulated state and returns the reply for line.
func (d *Device) handle(line string) (reply string, delay time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received = append(d.received, line)
	if d.mute {
		return "", 0, false
	}

	verb, _, _ := strings.Cut(line, ":")
	if code, rejected := d.reject[verb]; rejected {
		return "ERR:" + code, d.delay, true
	}

	switch verb {
	case "OPEN":
		d.gate = "OPEN"
		return "OK:OPEN", d.delay, true
	case "CLOSE":
		d.gate = "CLOSED"
		return "OK:CLOSE", d.delay, true
	case "PRINT":
		return "OK:PRINT", d.delay, true
	case "STATUS":
		v := "0"
		if d.vehicle {
			v = "1"
		}
		return fmt.Sprintf("STATUS:%s:%s", d.gate, v), d.delay, true
	default:
		return "ERR:UNKNOWN_COMMAND", d.delay, true
	}
}

// Emit sends an unsolicited EVENT:<event> line on the current connection.
func (d *Device) Emit(event string) error {
	d.mu.Lock()
	conn, wmu := d.conn, d.writeMu
	d.mu.Unlock()
	if conn == nil {
		return ErrUnreachable
	}
	return writeLine(conn, wmu, "EVENT:"+event)
}

// SendRaw writes an arbitrary line, for protocol edge cases.
func (d *Device) SendRaw(line string) error {
	d.mu.Lock()
	conn, wmu := d.conn, d.writeMu
	d.mu.Unlock()
	if conn == nil {
		return ErrUnreachable
	}
	return writeLine(conn, wmu, line)
}

// Disconnect drops the current connection.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// SetVehicle sets the occupancy reported by STATUS.
func (d *Device) SetVehicle(present bool) {
	d.mu.Lock()
	d.vehicle = present
	d.mu.Unlock()
}

// SetMute makes the device read commands without answering.
func (d *Device) SetMute(mute bool) {
	d.mu.Lock()
	d.mute = mute
	d.mu.Unlock()
}

// SetSilentBoot suppresses READY on the next connections.
func (d *Device) SetSilentBoot(silent bool) {
	d.mu.Lock()
	d.silentBoot = silent
	d.mu.Unlock()
}

// SetUnreachable makes Dial fail.
func (d *Device) SetUnreachable(unreachable bool) {
	d.mu.Lock()
	d.unreachable = unreachable
	d.mu.Unlock()
}

// SetDelay delays every reply.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Reject makes the device answer verb with ERR:code. An empty code clears it.
func (d *Device) Reject(verb, code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == "" {
		delete(d.reject, verb)
		return
	}
	d.reject[verb] = code
}

// Gate returns the simulated barrier position.
func (d *Device) Gate() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate
}

// Received returns every line the device has read.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Dials returns how many times Dial was called.
func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
