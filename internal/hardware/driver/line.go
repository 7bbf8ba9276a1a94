package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/codec"
	"github.com/nerrad567/parkgate-core/internal/hardware/correlator"
	"github.com/nerrad567/parkgate-core/internal/hardware/line"
	"github.com/nerrad567/parkgate-core/internal/hardware/transport"
)

// vehiclePresent is the STATUS vehicle field of an occupied loop.
const vehiclePresent = "1"

// LineDriver serves gates, printers and loop detectors over a line link.
type LineDriver struct {
	dev  device.Device
	link *line.Link
}

var _ Commander = (*LineDriver)(nil)

// NewLineDriver builds the channel and link for d. Nothing is opened yet.
func NewLineDriver(d device.Device, opts Options) (*LineDriver, error) {
	var (
		dial transport.DialFunc
		err  error
	)
	if opts.Dial != nil {
		dial, err = opts.Dial(d)
	} else {
		dial, err = transport.ParseEndpoint(d.Endpoint, d.Baud)
	}
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.ID, err)
	}

	log := opts.logger()
	ch := transport.NewWithDialer(transport.Config{
		Name:     d.ID,
		Endpoint: d.Endpoint,
		Baud:     d.Baud,
	}, dial)
	ch.SetLogger(log)

	link := line.New(line.Config{
		DeviceID:       d.ID,
		Class:          string(d.Class),
		CommandTimeout: opts.CommandTimeout,
		ReadyTimeout:   opts.ReadyTimeout,
		SettleWindow:   opts.SettleWindow,
	}, ch, opts.Publisher)
	link.SetLogger(log)
	if opts.Observer != nil {
		link.SetObserver(opts.Observer)
	}

	return &LineDriver{dev: d, link: link}, nil
}

// DeviceID returns the id of the device.
func (d *LineDriver) DeviceID() string { return d.dev.ID }

// Open opens the link and completes the READY handshake.
func (d *LineDriver) Open(ctx context.Context) error {
	return d.link.Open(ctx)
}

// Close closes the link. Pending commands fail with hwerr.ErrConnection.
func (d *LineDriver) Close() error {
	return d.link.Close()
}

// Shutdown closes the link for good.
func (d *LineDriver) Shutdown() error {
	return d.link.Shutdown()
}

// Query sends STATUS and reports the gate position and loop occupancy.
func (d *LineDriver) Query(ctx context.Context) (State, error) {
	resp, err := d.link.Send(ctx, codec.StatusCommand())
	if err != nil {
		return State{DeviceID: d.dev.ID, At: time.Now()}, err
	}
	return State{
		DeviceID: d.dev.ID,
		Online:   true,
		Gate:     resp.Status.Gate,
		Occupied: resp.Status.Vehicle == vehiclePresent,
		At:       time.Now(),
	}, nil
}

// Send issues cmd on the link.
func (d *LineDriver) Send(ctx context.Context, cmd codec.Command) (correlator.Response, error) {
	return d.link.Send(ctx, cmd)
}

// TrySend issues cmd only if the link is idle.
func (d *LineDriver) TrySend(ctx context.Context, cmd codec.Command) (correlator.Response, error) {
	return d.link.TrySend(ctx, cmd)
}

// Stats returns the link counters.
func (d *LineDriver) Stats() line.Stats {
	return d.link.Stats()
}
