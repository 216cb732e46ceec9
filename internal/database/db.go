package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and locking clauses.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS attachments (
	id                        TEXT PRIMARY KEY,
	owner_id                  TEXT NOT NULL,
	original_filename         TEXT NOT NULL,
	stored_filename           TEXT NOT NULL,
	mime_type                 TEXT NOT NULL,
	size                      BIGINT NOT NULL,
	fingerprint               TEXT NOT NULL,
	state                     TEXT NOT NULL,
	created_at                BIGINT NOT NULL,
	updated_at                BIGINT NOT NULL,
	expires_at                BIGINT NOT NULL,
	error_message             TEXT NOT NULL DEFAULT '',
	extracted_text            TEXT NOT NULL DEFAULT '',
	extracted_data            TEXT NOT NULL DEFAULT '',
	category                  TEXT NOT NULL DEFAULT '',
	is_deleted                BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at                BIGINT,
	deletion_reason           TEXT NOT NULL DEFAULT '',
	scheduled_deletion_date   BIGINT,
	scheduled_deletion_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attachments_owner ON attachments (owner_id);
CREATE INDEX IF NOT EXISTS idx_attachments_created ON attachments (created_at);
CREATE INDEX IF NOT EXISTS idx_attachments_state ON attachments (state);
`

const recordColumns = `id, owner_id, original_filename, stored_filename, mime_type, size, fingerprint, state,
	created_at, updated_at, expires_at, error_message, extracted_text, extracted_data, category,
	is_deleted, deleted_at, deletion_reason, scheduled_deletion_date, scheduled_deletion_reason`

// SQLStore persists records in Postgres (lib/pq) or SQLite (modernc.org/sqlite).
// Timestamps are stored as Unix nanoseconds so both dialects compare them the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open returns the RecordStore for driver: "memory", "postgres" or "sqlite".
func Open(driver, dsn string) (RecordStore, error) {
	switch Dialect(driver) {
	case Postgres:
		return NewPostgresDB(dsn)
	case SQLite:
		return NewSQLiteDB(dsn)
	}
	if driver == "memory" {
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// NewPostgresDB connects with lib/pq and bootstraps the schema.
func NewPostgresDB(connectionString string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return newSQLStore(db, Postgres)
}

// NewSQLiteDB opens a single-node database file.
func NewSQLiteDB(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// one writer; keeps state changes serialized
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, SQLite)
}

func newSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, rec *models.AttachmentRecord) error {
	data, err := encodeData(rec.ExtractedData)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO attachments (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		rec.ID,
		rec.OwnerID,
		rec.OriginalFilename,
		rec.StoredFilename,
		rec.MimeType,
		rec.Size,
		rec.Fingerprint,
		string(rec.State),
		unixNano(rec.CreatedAt),
		unixNano(rec.UpdatedAt),
		unixNano(rec.ExpiresAt),
		rec.ErrorMessage,
		rec.ExtractedText,
		data,
		string(rec.Category),
		rec.IsDeleted,
		nullNano(rec.DeletedAt),
		rec.DeletionReason,
		nullNano(rec.ScheduledDeletionDate),
		rec.ScheduledDeletionReason,
	)
	return err
}

func (s *SQLStore) Get(ctx context.Context, fileID string) (*models.AttachmentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attachments WHERE id = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(query), fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) Advance(ctx context.Context, id string, change StateChange) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.IsDeleted || !models.CanTransition(current.State, change.To) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current.State, change.To)
	}

	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(change.To), unixNano(s.now())}
	if change.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, change.ErrorMessage)
	}
	if change.Extraction != nil {
		data, err := encodeData(change.Extraction.Data)
		if err != nil {
			return err
		}
		sets = append(sets, "extracted_text = ?", "extracted_data = ?", "category = ?")
		args = append(args, change.Extraction.Text, data, string(change.Extraction.Category))
	}
	args = append(args, id, string(current.State))

	// compare-and-set on the state we validated against
	query := `UPDATE attachments SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND state = ? AND is_deleted = FALSE`
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s changed concurrently", models.ErrInvalidTransition, id)
	}
	return nil
}

func (s *SQLStore) ClaimNext(ctx context.Context, from, to models.ProcessingState) (*models.AttachmentRecord, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	lock := ""
	if s.dialect == Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := `
        UPDATE attachments SET state = ?, updated_at = ?
        WHERE id = (
            SELECT id FROM attachments
            WHERE state = ? AND is_deleted = FALSE
            ORDER BY created_at
            LIMIT 1` + lock + `
        )
        RETURNING ` + recordColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(query), string(to), unixNano(s.now()), string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLStore) MarkDeleted(ctx context.Context, id, reason string, at time.Time) error {
	query := `
        UPDATE attachments
        SET is_deleted = TRUE, state = ?, deleted_at = ?, deletion_reason = ?, updated_at = ?
        WHERE id = ? AND is_deleted = FALSE
    `
	result, err := s.db.ExecContext(ctx, s.rebind(query),
		string(models.StateDeleted), unixNano(at), reason, unixNano(at), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// already deleted is fine, absent is not
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ScheduleDeletion(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	query := `
        UPDATE attachments
        SET scheduled_deletion_date = ?, scheduled_deletion_reason = ?, updated_at = ?
        WHERE id = ? AND is_deleted = FALSE
    `
	result, err := s.db.ExecContext(ctx, s.rebind(query), unixNano(at), reason, unixNano(s.now()), id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *SQLStore) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AttachmentRecord, error) {
	return s.list(ctx, `created_at < ?`, limit, unixNano(cutoff))
}

func (s *SQLStore) ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.AttachmentRecord, error) {
	return s.list(ctx, `state = ? AND created_at < ?`, limit, string(models.StateFailed), unixNano(cutoff))
}

func (s *SQLStore) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*models.AttachmentRecord, error) {
	return s.list(ctx, `scheduled_deletion_date IS NOT NULL AND scheduled_deletion_date <= ?`, limit, unixNano(now))
}

func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.AttachmentRecord, error) {
	return s.list(ctx, `owner_id = ?`, 0, ownerID)
}

func (s *SQLStore) CountCreatedBetween(ctx context.Context, from, to time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM attachments WHERE is_deleted = FALSE AND created_at >= ? AND created_at < ?`
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(query), unixNano(from), unixNano(to)).Scan(&n)
	return n, err
}

func (s *SQLStore) list(ctx context.Context, where string, limit int, args ...any) ([]*models.AttachmentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attachments WHERE is_deleted = FALSE AND ` + where +
		` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AttachmentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.AttachmentRecord, error) {
	var (
		rec                              models.AttachmentRecord
		state, data, category            string
		createdAt, updatedAt, expiresAt  int64
		deletedAt, scheduledDeletionDate sql.NullInt64
	)
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.OriginalFilename,
		&rec.StoredFilename,
		&rec.MimeType,
		&rec.Size,
		&rec.Fingerprint,
		&state,
		&createdAt,
		&updatedAt,
		&expiresAt,
		&rec.ErrorMessage,
		&rec.ExtractedText,
		&data,
		&category,
		&rec.IsDeleted,
		&deletedAt,
		&rec.DeletionReason,
		&scheduledDeletionDate,
		&rec.ScheduledDeletionReason,
	)
	if err != nil {
		return nil, err
	}

	st, err := models.ParseProcessingState(state)
	if err != nil {
		return nil, err
	}
	rec.State = st
	rec.Category = models.ParseCategory(category)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	rec.ExpiresAt = time.Unix(0, expiresAt)
	rec.DeletedAt = fromNullNano(deletedAt)
	rec.ScheduledDeletionDate = fromNullNano(scheduledDeletionDate)
	if data != "" {
		if err := json.Unmarshal([]byte(data), &rec.ExtractedData); err != nil {
			return nil, fmt.Errorf("decode extracted_data: %w", err)
		}
	}
	return &rec, nil
}

func encodeData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode extracted_data: %w", err)
	}
	return string(b), nil
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func nullNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
