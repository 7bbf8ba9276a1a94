// Package driver provides the per-class capability interface of the
// hardware control plane.
//
// Every physical device is reached through a Driver with the same three
// operations: Open, Close and Query. Drivers are built by a Registry keyed
// by device class, so callers never branch on class names:
//
//	drivers := driver.DefaultRegistry()
//	d, err := drivers.New(dev, driver.Options{CommandTimeout: time.Second})
//	if err != nil {
//	    return err
//	}
//	state, err := d.Query(ctx)
//
// Line-protocol devices (gates, printers, loop detectors) are served by
// LineDriver. IP cameras are served by CameraDriver.
package driver
