package hwerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection", err: ErrConnection, want: true},
		{name: "wrapped timeout", err: fmt.Errorf("%w: after 1s", ErrTimeout), want: true},
		{name: "protocol", err: ErrProtocol, want: true},
		{name: "device rejected", err: &DeviceError{Code: "JAMMED"}, want: false},
		{name: "cancelled", err: fmt.Errorf("%w: %w", ErrCancelled, context.Canceled), want: false},
		{name: "busy", err: ErrDeviceBusy, want: false},
		{name: "unrelated", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDeviceError(t *testing.T) {
	err := fmt.Errorf("open gate: %w", &DeviceError{Code: "NO_POWER"})

	if !errors.Is(err, ErrDeviceRejected) {
		t.Error("errors.Is(err, ErrDeviceRejected) = false, want true")
	}

	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatal("errors.As(err, *DeviceError) = false, want true")
	}
	if devErr.Code != "NO_POWER" {
		t.Errorf("Code = %q, want %q", devErr.Code, "NO_POWER")
	}
	if got := devErr.Error(); got != "hardware: device rejected command: NO_POWER" {
		t.Errorf("Error() = %q", got)
	}
}
