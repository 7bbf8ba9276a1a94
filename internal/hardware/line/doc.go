// Package line binds a transport channel, the line codec and a correlator
// into a Link: one open conversation with one line-protocol device.
//
// The channel's read goroutine feeds the decoder; decoded messages are
// routed synchronously on that goroutine, which preserves arrival order
// for both responses and events.
package line
