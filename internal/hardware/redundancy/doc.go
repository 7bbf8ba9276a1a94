// Package redundancy retries hardware operations and fails device classes
// over to their backup units.
//
// Every operation runs through Orchestrator.Execute (or ExecuteWithRetry),
// which retries transient failures with linear backoff. When an operation
// exhausts its retries failureThresholdCount times within
// failureThresholdWindow, the orchestrator switches the operation's device
// class to its backup:
//
//	Main-Active --(threshold reached)--> Backup-Active --(restore)--> Main-Active
//
// Device-reported errors (ERR: replies), busy rejections and cancellation
// are returned immediately. They are neither retried nor counted: the
// device is reachable and answered, or the caller gave up.
//
// Failure counters and per-class backup flags live in a FailureStore that
// is constructed once per process and injected into the orchestrator.
// Switches are serialised by an orchestrator-wide gate that is independent
// of any channel's send gate.
package redundancy
