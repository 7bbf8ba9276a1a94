// Package device provides the device configuration store for the parking
// hardware control plane.
//
// Every gate controller, loop detector, camera and ticket printer the
// control plane drives is a Device. Devices are seeded from configuration
// on first start, persisted in SQLite, and loaded into an in-memory
// Registry at startup.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                    Device Registry                        │
//	│                                                           │
//	│  ┌──────────────────┐          ┌──────────────────┐       │
//	│  │     Registry     │  write-  │    Repository    │       │
//	│  │  (registry.go)   │─through─▶│  (repository.go) │       │
//	│  │                  │          │                  │       │
//	│  │ • atomic entries │          │ • SQLite queries │       │
//	│  │ • CAS updates    │          │ • seed-if-absent │       │
//	│  │ • class queries  │          │ • flags, health  │       │
//	│  └──────────────────┘          └──────────────────┘       │
//	└──────────────────────────────────────────────────────────┘
//
// # Concurrency
//
// The registry is read far more often than written: every command and
// every polling tick looks devices up, while only the redundancy
// orchestrator flips IsBackup/IsActive and only the monitor records
// health. Each device therefore sits behind an atomic pointer and is
// replaced whole with compare-and-swap. Readers always get a complete
// copy.
//
// Devices are never deleted at runtime, only deactivated.
package device
