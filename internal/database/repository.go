package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/javi11/nzbstream/internal/mount"
)

// DBQuerier defines the interface for database query operations
// Both *sql.DB and *sql.Tx implement this interface
type DBQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides database operations for mounts and download state
type Repository struct {
	db DBQuerier
}

// NewRepository creates a new repository instance
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WithTransaction executes a function within a database transaction
func (r *Repository) WithTransaction(ctx context.Context, fn func(*Repository) error) error {
	sqlDB, ok := r.db.(*sql.DB)
	if !ok {
		return fmt.Errorf("repository not connected to sql.DB")
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txRepo := &Repository{db: tx}

	if err := fn(txRepo); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w): %v", err, rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Mount operations

// CreateMount inserts a new mount record
func (r *Repository) CreateMount(ctx context.Context, m *mount.Mount) error {
	query := `
		INSERT INTO mounts (id, name, content_hash, raw_manifest, status, status_detail,
			extracted_path, extracted_size, password, created_at, last_access_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var expiresAt any
	if !m.ExpiresAt.IsZero() {
		expiresAt = m.ExpiresAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.Name, m.ContentHash, m.RawManifest, string(m.Status), m.StatusDetail,
		m.ExtractedPath, m.ExtractedSize, m.Password,
		m.CreatedAt.UTC(), m.LastAccessAt.UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to create mount: %w", err)
	}
	return nil
}

// GetMount retrieves a mount by id
func (r *Repository) GetMount(ctx context.Context, id string) (*mount.Mount, error) {
	query := `
		SELECT id, name, content_hash, raw_manifest, status, status_detail,
			extracted_path, extracted_size, password, created_at, last_access_at, expires_at
		FROM mounts WHERE id = ?`

	m, err := scanMount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mount.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mount: %w", err)
	}
	return m, nil
}

// ListMounts returns all mounts ordered by creation time
func (r *Repository) ListMounts(ctx context.Context) ([]*mount.Mount, error) {
	query := `
		SELECT id, name, content_hash, raw_manifest, status, status_detail,
			extracted_path, extracted_size, password, created_at, last_access_at, expires_at
		FROM mounts ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mounts: %w", err)
	}
	defer rows.Close()

	var mounts []*mount.Mount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		mounts = append(mounts, m)
	}
	return mounts, rows.Err()
}

// UpdateStatus transitions a mount's lifecycle status
func (r *Repository) UpdateStatus(ctx context.Context, id string, status mount.Status, detail string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE mounts SET status = ?, status_detail = ? WHERE id = ?`,
		string(status), detail, id)
	if err != nil {
		return fmt.Errorf("failed to update mount status: %w", err)
	}
	return requireRowAffected(result)
}

// SetExtractedFile records the extraction output of a mount
func (r *Repository) SetExtractedFile(ctx context.Context, id, path string, size int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE mounts SET extracted_path = ?, extracted_size = ? WHERE id = ?`,
		path, size, id)
	if err != nil {
		return fmt.Errorf("failed to set extracted file: %w", err)
	}
	return requireRowAffected(result)
}

// SetExpiration schedules or clears a mount's expiration
func (r *Repository) SetExpiration(ctx context.Context, id string, expiresAt time.Time) error {
	var value any
	if !expiresAt.IsZero() {
		value = expiresAt.UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE mounts SET expires_at = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("failed to set mount expiration: %w", err)
	}
	return requireRowAffected(result)
}

// TouchMount records an access time
func (r *Repository) TouchMount(ctx context.Context, id string, accessedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE mounts SET last_access_at = ? WHERE id = ?`, accessedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch mount: %w", err)
	}
	return requireRowAffected(result)
}

// DeleteMount removes a mount and, via cascade, its download state
func (r *Repository) DeleteMount(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM mounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mount: %w", err)
	}
	return requireRowAffected(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMount(row rowScanner) (*mount.Mount, error) {
	var m mount.Mount
	var status string
	var expiresAt sql.NullTime

	err := row.Scan(&m.ID, &m.Name, &m.ContentHash, &m.RawManifest, &status, &m.StatusDetail,
		&m.ExtractedPath, &m.ExtractedSize, &m.Password,
		&m.CreatedAt, &m.LastAccessAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	m.Status = mount.Status(status)
	if expiresAt.Valid {
		m.ExpiresAt = expiresAt.Time
	}
	return &m, nil
}

func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return mount.ErrNotFound
	}
	return nil
}

// Download state operations

// DownloadState is the persisted progress of one file download.
type DownloadState struct {
	MountID           string
	FileIndex         int
	TargetPath        string
	TotalSegments     int
	CompletedSegments []int // sorted segment numbers already written
	BytesDone         int64
	UpdatedAt         time.Time
}

// SaveDownloadState upserts the progress record of one file
func (r *Repository) SaveDownloadState(ctx context.Context, s *DownloadState) error {
	completed, err := json.Marshal(s.CompletedSegments)
	if err != nil {
		return fmt.Errorf("failed to encode completed segments: %w", err)
	}

	query := `
		INSERT INTO download_states (mount_id, file_index, target_path, total_segments,
			completed_segments, bytes_done, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mount_id, file_index) DO UPDATE SET
			target_path = excluded.target_path,
			total_segments = excluded.total_segments,
			completed_segments = excluded.completed_segments,
			bytes_done = excluded.bytes_done,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		s.MountID, s.FileIndex, s.TargetPath, s.TotalSegments,
		string(completed), s.BytesDone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save download state: %w", err)
	}
	return nil
}

// GetDownloadState returns the progress record of one file, or nil
func (r *Repository) GetDownloadState(ctx context.Context, mountID string, fileIndex int) (*DownloadState, error) {
	query := `
		SELECT mount_id, file_index, target_path, total_segments,
			completed_segments, bytes_done, updated_at
		FROM download_states WHERE mount_id = ? AND file_index = ?`

	var s DownloadState
	var completed string
	err := r.db.QueryRowContext(ctx, query, mountID, fileIndex).Scan(
		&s.MountID, &s.FileIndex, &s.TargetPath, &s.TotalSegments,
		&completed, &s.BytesDone, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download state: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &s.CompletedSegments); err != nil {
		return nil, fmt.Errorf("failed to decode completed segments: %w", err)
	}
	return &s, nil
}

// DeleteDownloadStates removes all progress records of a mount
func (r *Repository) DeleteDownloadStates(ctx context.Context, mountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM download_states WHERE mount_id = ?`, mountID)
	if err != nil {
		return fmt.Errorf("failed to delete download states: %w", err)
	}
	return nil
}
