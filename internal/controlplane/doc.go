// Package controlplane is the entry point of the parking hardware core for
// the rest of the application.
//
// A ControlPlane owns the drivers of every configured device, the event
// bus, the redundancy orchestrator and the state monitor. Business logic
// sends commands per device class and reads snapshots; it never touches a
// channel or a driver directly:
//
//	cp, err := controlplane.New(opts, registry)
//	if err != nil {
//	    return err
//	}
//	if err := cp.Start(ctx); err != nil {
//	    return err
//	}
//	defer cp.Stop()
//
//	if _, err := cp.SendCommand(ctx, device.ClassGate, codec.OpenCommand()); err != nil {
//	    // Safe default is the caller's decision, e.g. open the gate anyway.
//	}
//
// SendCommand returns within maxRetries × (command timeout + backoff). An
// error matching hwerr.ErrRedundancyExhausted means the capability is
// unavailable including its backup.
package controlplane
