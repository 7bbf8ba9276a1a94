package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by class then id.
	List(ctx context.Context) ([]Device, error)

	// Seed inserts a device if no device with the same ID exists.
	// Existing rows are left untouched so that redundancy flags survive
	// restarts. Returns true when a row was inserted.
	Seed(ctx context.Context, device *Device) (bool, error)

	// UpdateFlags persists the redundancy flags of a device.
	UpdateFlags(ctx context.Context, id string, isBackup, isActive bool) error

	// UpdateHealth updates the status and last seen timestamp.
	UpdateHealth(ctx context.Context, id string, status Status, lastSeen time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the devices
// table migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
		SELECT id, name, class, endpoint, baud, is_backup, is_active,
			status, last_seen
		FROM devices`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	d, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY class, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Seed inserts the device unless its ID is already present.
func (r *SQLiteRepository) Seed(ctx context.Context, d *Device) (bool, error) {
	if err := ValidateDevice(d); err != nil {
		return false, err
	}

	status := d.Status
	if status == "" {
		status = StatusUnknown
	}
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, class, endpoint, baud, is_backup, is_active,
			status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		d.ID, d.Name, string(d.Class), d.Endpoint, d.Baud,
		boolToInt(d.IsBackup), boolToInt(d.IsActive),
		string(status), nullableTime(d.LastSeen), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("seeding device: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateFlags persists IsBackup and IsActive.
func (r *SQLiteRepository) UpdateFlags(ctx context.Context, id string, isBackup, isActive bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET is_backup = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		boolToInt(isBackup), boolToInt(isActive),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating device flags: %w", err)
	}
	return checkAffected(result)
}

// UpdateHealth updates the status and last seen timestamp.
func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, status Status, lastSeen time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET status = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		string(status),
		lastSeen.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device health: %w", err)
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var (
		d                  Device
		class, status      string
		isBackup, isActive int
		lastSeen           sql.NullString
	)

	if err := scanner.Scan(
		&d.ID, &d.Name, &class, &d.Endpoint, &d.Baud,
		&isBackup, &isActive, &status, &lastSeen,
	); err != nil {
		return nil, err
	}

	d.Class = Class(class)
	d.Status = Status(status)
	d.IsBackup = isBackup != 0
	d.IsActive = isActive != 0

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		d.LastSeen = &t
	}

	return &d, nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
