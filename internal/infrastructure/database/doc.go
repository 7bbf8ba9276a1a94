// Package database provides the SQLite connection behind the device
// configuration store.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Versioned schema migrations embedded in the binary
//   - Connection pooling and lifecycle management
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive. Each file is named
// YYYYMMDD_HHMMSS_description.up.sql with an optional .down.sql twin.
package database
