// Package monitor polls loop detectors and cameras and keeps the last
// committed state of each.
//
// One loop runs per device class, each at its own interval. Every
// iteration is executed through the redundancy orchestrator, so repeated
// polling failures count toward failover like any other operation. A retry
// polls only the devices that failed the previous attempt.
//
// A device still failing when the retries run out is marked offline and
// its snapshot is dropped: an offline detector reads as unoccupied and an
// offline camera has no latest frame.
//
// Reads (IsOccupied, LatestFrame) never wait for a loop: they load the
// last committed snapshot, which is replaced as a whole and never
// modified in place.
package monitor
