package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
)

const (
	// defaultCameraTimeout bounds one snapshot request.
	defaultCameraTimeout = 2 * time.Second

	// maxFrameSize caps a snapshot body. Larger bodies are rejected rather
	// than truncated.
	maxFrameSize = 8 << 20
)

// CameraDriver fetches JPEG snapshots from an IP camera over HTTP.
//
// Cameras hold no session, so Open only checks that the camera answers
// and Close drops idle connections.
type CameraDriver struct {
	dev     device.Device
	client  *http.Client
	timeout time.Duration
	logger  Logger
}

// NewCameraDriver creates a driver for a camera with an http(s) endpoint.
func NewCameraDriver(d device.Device, opts Options) (*CameraDriver, error) {
	if err := device.ValidateEndpoint(device.ClassCamera, d.Endpoint); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.ID, err)
	}

	timeout := opts.CameraTimeout
	if timeout <= 0 {
		timeout = defaultCameraTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &CameraDriver{
		dev:     d,
		client:  client,
		timeout: timeout,
		logger:  opts.logger(),
	}, nil
}

// DeviceID returns the id of the camera.
func (c *CameraDriver) DeviceID() string { return c.dev.ID }

// Open fetches one snapshot to prove the camera is reachable.
func (c *CameraDriver) Open(ctx context.Context) error {
	_, err := c.fetch(ctx)
	return err
}

// Close releases idle HTTP connections.
func (c *CameraDriver) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Query fetches the current snapshot.
func (c *CameraDriver) Query(ctx context.Context) (State, error) {
	frame, err := c.fetch(ctx)
	if err != nil {
		return State{DeviceID: c.dev.ID, At: time.Now()}, err
	}
	return State{
		DeviceID: c.dev.ID,
		Online:   true,
		Frame:    frame,
		At:       time.Now(),
	}, nil
}

// fetch performs one snapshot request. A reply that is not a complete
// image is a protocol error.
func (c *CameraDriver) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dev.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %s: %w", hwerr.ErrProtocol, c.dev.ID, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.requestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxFrameSize)) //nolint:errcheck // Draining for reuse
		return nil, fmt.Errorf("%w: camera %s answered %s", hwerr.ErrProtocol, c.dev.ID, resp.Status)
	}

	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize+1))
	if err != nil {
		return nil, c.requestError(ctx, err)
	}
	switch {
	case len(frame) == 0:
		return nil, fmt.Errorf("%w: camera %s returned an empty frame", hwerr.ErrProtocol, c.dev.ID)
	case len(frame) > maxFrameSize:
		return nil, fmt.Errorf("%w: camera %s frame exceeds %d bytes", hwerr.ErrProtocol, c.dev.ID, maxFrameSize)
	}

	c.logger.Debug("camera frame fetched", "device", c.dev.ID, "size", len(frame))
	return frame, nil
}

func (c *CameraDriver) requestError(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: camera %s: %w", hwerr.ErrTimeout, c.dev.ID, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: camera %s: %w", hwerr.ErrCancelled, c.dev.ID, err)
	default:
		return fmt.Errorf("%w: camera %s: %w", hwerr.ErrConnection, c.dev.ID, err)
	}
}
