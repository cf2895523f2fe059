package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned when a row for the same user, table and year
// already exists.
var ErrConflict = errors.New("already recorded")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, created_at, updated_at
		FROM users WHERE username = $1
	`, username).Scan(&user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, username, passwordHash, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role, updated_at = NOW()
	`, username, passwordHash, role)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWindow(ctx context.Context) (Window, error) {
	var (
		window   Window
		deadline sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT is_open, scope, deadline, census_year, updated_at
		FROM upload_window WHERE id = 1
	`).Scan(&window.IsOpen, &window.Scope, &deadline, &window.CensusYear, &window.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{Scope: "global"}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("read upload window: %w", err)
	}
	if deadline.Valid {
		t := deadline.Time
		window.Deadline = &t
	}
	return window, nil
}

// SetWindow replaces the window and, for a selective window, its allow-list.
func (s *PostgresStore) SetWindow(ctx context.Context, window Window, allowed []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin window tx: %w", err)
	}
	defer tx.Rollback()

	var deadline any
	if window.Deadline != nil {
		deadline = *window.Deadline
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_window (id, is_open, scope, deadline, census_year, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			is_open = EXCLUDED.is_open,
			scope = EXCLUDED.scope,
			deadline = EXCLUDED.deadline,
			census_year = EXCLUDED.census_year,
			updated_at = NOW()
	`, window.IsOpen, window.Scope, deadline, window.CensusYear); err != nil {
		return fmt.Errorf("save upload window: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_window_users`); err != nil {
		return fmt.Errorf("clear window users: %w", err)
	}
	for _, username := range allowed {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO upload_window_users (username) VALUES ($1)
			ON CONFLICT (username) DO NOTHING
		`, username); err != nil {
			return fmt.Errorf("allow %s: %w", username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit window tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsUserAllowed(ctx context.Context, username string) (bool, error) {
	var allowed bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM upload_window_users WHERE username = $1)`, username).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check window user: %w", err)
	}
	return allowed, nil
}

func (s *PostgresStore) InsertUpload(ctx context.Context, upload Upload) error {
	var attachmentKey, attachmentName any
	if upload.AttachmentKey != "" {
		attachmentKey = upload.AttachmentKey
		attachmentName = upload.AttachmentName
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, username, table_name, census_year, status, payload, total_records, attachment_key, attachment_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, upload.ID, upload.Username, upload.TableName, upload.CensusYear, upload.Status, []byte(upload.Payload), upload.TotalRecords, attachmentKey, attachmentName)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// ListUploads returns a user's uploads, oldest first.
func (s *PostgresStore) ListUploads(ctx context.Context, username string) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, table_name, census_year, status, total_records,
			COALESCE(attachment_key, ''), COALESCE(attachment_name, ''), uploaded_at, reviewed_at
		FROM uploads
		WHERE username = $1
		ORDER BY uploaded_at ASC, id ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]Upload, 0)
	for rows.Next() {
		var (
			upload     Upload
			reviewedAt sql.NullTime
		)
		if err := rows.Scan(&upload.ID, &upload.Username, &upload.TableName, &upload.CensusYear, &upload.Status,
			&upload.TotalRecords, &upload.AttachmentKey, &upload.AttachmentName, &upload.UploadedAt, &reviewedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		if reviewedAt.Valid {
			t := reviewedAt.Time
			upload.ReviewedAt = &t
		}
		uploads = append(uploads, upload)
	}
	return uploads, rows.Err()
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (Upload, error) {
	var (
		upload     Upload
		payload    []byte
		reviewedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, table_name, census_year, status, payload, total_records,
			COALESCE(attachment_key, ''), COALESCE(attachment_name, ''), uploaded_at, reviewed_at
		FROM uploads WHERE id = $1
	`, id).Scan(&upload.ID, &upload.Username, &upload.TableName, &upload.CensusYear, &upload.Status, &payload,
		&upload.TotalRecords, &upload.AttachmentKey, &upload.AttachmentName, &upload.UploadedAt, &reviewedAt)
	if err != nil {
		return Upload{}, err
	}
	upload.Payload = payload
	if reviewedAt.Valid {
		t := reviewedAt.Time
		upload.ReviewedAt = &t
	}
	return upload, nil
}

// HasActiveUpload reports whether a non-rejected upload exists for the
// user, table and year.
func (s *PostgresStore) HasActiveUpload(ctx context.Context, username, tableName, censusYear string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM uploads
			WHERE username = $1 AND table_name = $2 AND census_year = $3 AND LOWER(status) <> 'rejected'
		)
	`, username, tableName, censusYear).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check upload: %w", err)
	}
	return exists, nil
}

// UpdateUploadStatus records a review decision. It returns sql.ErrNoRows for
// an unknown id.
func (s *PostgresStore) UpdateUploadStatus(ctx context.Context, id, status string, reviewedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE uploads SET status = $2, reviewed_at = $3 WHERE id = $1`, id, status, reviewedAt)
	if err != nil {
		return fmt.Errorf("update upload status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update upload status: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertNotAvailable(ctx context.Context, record NotAvailable) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO data_not_available (username, table_name, census_year, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username, table_name, census_year) DO NOTHING
	`, record.Username, record.TableName, record.CensusYear, record.Reason)
	if err != nil {
		return fmt.Errorf("insert data not available: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListNotAvailable(ctx context.Context, username string) ([]NotAvailable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, table_name, census_year, reason, created_at
		FROM data_not_available
		WHERE username = $1
		ORDER BY created_at ASC, id ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("list data not available: %w", err)
	}
	defer rows.Close()

	records := make([]NotAvailable, 0)
	for rows.Next() {
		var record NotAvailable
		if err := rows.Scan(&record.ID, &record.Username, &record.TableName, &record.CensusYear, &record.Reason, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan data not available: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
