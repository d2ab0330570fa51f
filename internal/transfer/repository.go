package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is one row of upload history.
type Record struct {
	// UploadID is the session identifier (primary key).
	UploadID string

	// DeviceID is the target device.
	DeviceID string

	// Filename is the device-side target filename.
	Filename string

	// SizeBytes is the raw payload size.
	SizeBytes int64

	// Chunks is the number of chunk messages the payload was split into.
	Chunks int

	// Status is the lifecycle state; terminal rows are succeeded or failed.
	Status State

	// Error holds the failure text for failed transfers.
	Error string

	// StartedAt and CompletedAt bound the transfer. CompletedAt is zero
	// while the transfer is in flight.
	StartedAt   time.Time
	CompletedAt time.Time
}

// Repository defines the interface for transfer history persistence.
// This abstraction allows for different implementations (SQLite, mock)
// and enables unit testing without database dependencies.
type Repository interface {
	// Create inserts a new in-progress transfer record.
	Create(ctx context.Context, rec *Record) error

	// Finish marks a transfer as terminal with its outcome.
	// Returns ErrTransferNotFound if no such transfer exists.
	Finish(ctx context.Context, uploadID string, status State, errText string, completedAt time.Time) error

	// GetByUploadID retrieves one transfer record.
	// Returns ErrTransferNotFound if the record does not exist.
	GetByUploadID(ctx context.Context, uploadID string) (*Record, error)

	// ListByDevice retrieves a device's transfers, most recent first.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Record, error)

	// ListRecent retrieves the most recent transfers across all devices.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the
// transfers migration applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new in-progress transfer record.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO transfers (upload_id, device_id, filename, size_bytes, chunks, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.UploadID,
		rec.DeviceID,
		rec.Filename,
		rec.SizeBytes,
		rec.Chunks,
		string(rec.Status),
		rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

// Finish marks a transfer as terminal with its outcome.
func (r *SQLiteRepository) Finish(ctx context.Context, uploadID string, status State, errText string, completedAt time.Time) error {
	query := `
		UPDATE transfers
		SET status = ?, error = ?, completed_at = ?
		WHERE upload_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		errText,
		completedAt.UTC().Format(time.RFC3339Nano),
		uploadID,
	)
	if err != nil {
		return fmt.Errorf("updating transfer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking transfer update: %w", err)
	}
	if rows == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// GetByUploadID retrieves one transfer record.
func (r *SQLiteRepository) GetByUploadID(ctx context.Context, uploadID string) (*Record, error) {
	query := `
		SELECT upload_id, device_id, filename, size_bytes, chunks, status, error, started_at, completed_at
		FROM transfers
		WHERE upload_id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, uploadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("querying transfer: %w", err)
	}
	return rec, nil
}

// ListByDevice retrieves a device's transfers, most recent first.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Record, error) {
	query := `
		SELECT upload_id, device_id, filename, size_bytes, chunks, status, error, started_at, completed_at
		FROM transfers
		WHERE device_id = ?
		ORDER BY started_at DESC
		LIMIT ?`

	return r.queryRecords(ctx, query, deviceID, limit)
}

// ListRecent retrieves the most recent transfers across all devices.
func (r *SQLiteRepository) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT upload_id, device_id, filename, size_bytes, chunks, status, error, started_at, completed_at
		FROM transfers
		ORDER BY started_at DESC
		LIMIT ?`

	return r.queryRecords(ctx, query, limit)
}

// queryRecords executes a multi-row transfer query.
func (r *SQLiteRepository) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transfers: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfers: %w", err)
	}
	return records, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one transfer row.
func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var status string
	var startedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&rec.UploadID,
		&rec.DeviceID,
		&rec.Filename,
		&rec.SizeBytes,
		&rec.Chunks,
		&status,
		&rec.Error,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = State(status)
	rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		rec.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
	}
	return &rec, nil
}
