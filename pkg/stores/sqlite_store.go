package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps records and attachments in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases and connection-level
	// pragmas shared by every caller.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if s.path != ":memory:" {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRecord inserts a record. CreatedAt and UpdatedAt are set to now.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r *Record) error {
	attrs, mixins, err := encodeBlobs(r.Attributes, r.Mixins)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	query := `
		INSERT INTO records (id, subtype, name, summary, state, attributes, mixins, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Subtype, r.Name, r.Summary, r.State, attrs, mixins, r.Owner,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record owned by owner.
func (s *SQLiteStore) GetRecord(ctx context.Context, subtype, id, owner string) (*Record, error) {
	query := `
		SELECT id, subtype, name, summary, state, attributes, mixins, owner, created_at, updated_at
		FROM records
		WHERE subtype = ? AND id = ? AND owner = ?
	`
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, subtype, id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", subtype, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

// ListRecords lists the records of subtype owned by owner, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, subtype, owner string) ([]*Record, error) {
	query := `
		SELECT id, subtype, name, summary, state, attributes, mixins, owner, created_at, updated_at
		FROM records
		WHERE subtype = ? AND owner = ?
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, subtype, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// UpdateRecord replaces the mutable columns of a record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, r *Record) error {
	attrs, mixins, err := encodeBlobs(r.Attributes, r.Mixins)
	if err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE records
		SET name = ?, summary = ?, state = ?, attributes = ?, mixins = ?, updated_at = ?
		WHERE subtype = ? AND id = ? AND owner = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		r.Name, r.Summary, r.State, attrs, mixins, r.UpdatedAt.UnixNano(),
		r.Subtype, r.ID, r.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return expectOne(result, r.Subtype+" "+r.ID)
}

// DeleteRecord deletes a record and its attachments.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, subtype, id, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM records WHERE subtype = ? AND id = ? AND owner = ?`, subtype, id, owner)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := expectOne(result, subtype+" "+id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE parent_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return tx.Commit()
}

// CreateAttachment inserts an attachment under the next free index of its
// parent and subtype, and returns that index.
func (s *SQLiteStore) CreateAttachment(ctx context.Context, a *Attachment) (int, error) {
	attrs, mixins, err := encodeBlobs(a.Attributes, a.Mixins)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM attachments WHERE parent_id = ? AND subtype = ?`,
		a.ParentID, a.Subtype,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate attachment index: %w", err)
	}

	a.Index = next
	a.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attachments (parent_id, subtype, idx, target_id, state, attributes, mixins, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ParentID, a.Subtype, a.Index, a.TargetID, a.State, attrs, mixins, a.CreatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to create attachment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit attachment: %w", err)
	}
	return next, nil
}

// ListAttachments lists the attachments of subtype under parentID.
func (s *SQLiteStore) ListAttachments(ctx context.Context, parentID, subtype string) ([]*Attachment, error) {
	query := `
		SELECT parent_id, subtype, idx, target_id, state, attributes, mixins, created_at
		FROM attachments
		WHERE parent_id = ? AND subtype = ?
		ORDER BY idx
	`
	rows, err := s.db.QueryContext(ctx, query, parentID, subtype)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	attachments := []*Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment retrieves one attachment.
func (s *SQLiteStore) GetAttachment(ctx context.Context, parentID, subtype string, index int) (*Attachment, error) {
	query := `
		SELECT parent_id, subtype, idx, target_id, state, attributes, mixins, created_at
		FROM attachments
		WHERE parent_id = ? AND subtype = ? AND idx = ?
	`
	a, err := scanAttachment(s.db.QueryRowContext(ctx, query, parentID, subtype, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s/%d: %w", subtype, parentID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}

// DeleteAttachment removes one attachment.
func (s *SQLiteStore) DeleteAttachment(ctx context.Context, parentID, subtype string, index int) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE parent_id = ? AND subtype = ? AND idx = ?`,
		parentID, subtype, index,
	)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return expectOne(result, fmt.Sprintf("%s %s/%d", subtype, parentID, index))
}

// CountAttachmentsTo counts the attachments pointing at targetID.
func (s *SQLiteStore) CountAttachmentsTo(ctx context.Context, targetID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments WHERE target_id = ?`, targetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                 Record
		attrs, mixins     string
		created, modified int64
	)
	if err := row.Scan(&r.ID, &r.Subtype, &r.Name, &r.Summary, &r.State, &attrs, &mixins, &r.Owner, &created, &modified); err != nil {
		return nil, err
	}
	if err := decodeBlobs(attrs, mixins, &r.Attributes, &r.Mixins); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, modified).UTC()
	return &r, nil
}

func scanAttachment(row scanner) (*Attachment, error) {
	var (
		a             Attachment
		attrs, mixins string
		created       int64
	)
	if err := row.Scan(&a.ParentID, &a.Subtype, &a.Index, &a.TargetID, &a.State, &attrs, &mixins, &created); err != nil {
		return nil, err
	}
	if err := decodeBlobs(attrs, mixins, &a.Attributes, &a.Mixins); err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return &a, nil
}

func encodeBlobs(attrs map[string]any, mixins []string) (string, string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	if mixins == nil {
		mixins = []string{}
	}
	a, err := json.Marshal(attrs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	m, err := json.Marshal(mixins)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode mixins: %w", err)
	}
	return string(a), string(m), nil
}

func decodeBlobs(attrs, mixins string, dstAttrs *map[string]any, dstMixins *[]string) error {
	if err := json.Unmarshal([]byte(attrs), dstAttrs); err != nil {
		return fmt.Errorf("failed to decode attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(mixins), dstMixins); err != nil {
		return fmt.Errorf("failed to decode mixins: %w", err)
	}
	return nil
}

func expectOne(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
