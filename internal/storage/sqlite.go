package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"leadwatch/internal/model"
	"leadwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

const sourceColumns = `id, link, external_id, title, status, owner, is_active, created_at, updated_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// A single connection is used so that ":memory:" databases are shared
// by every caller.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSource inserts a new source and populates its ID and timestamps.
// An empty status defaults to pending.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	now := time.Now().UTC().Format(timeLayout)
	if src.Status == "" {
		src.Status = model.StatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (link, external_id, title, status, owner, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.Link, src.ExternalID, src.Title, string(src.Status), nullString(src.Owner),
		boolToInt(src.IsActive), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	src.ID = id
	src.CreatedAt, _ = time.Parse(timeLayout, now)
	src.UpdatedAt = src.CreatedAt
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id,
	)
	return scanSource(row)
}

// GetSourceByLink returns a single source by its normalized link.
func (s *SQLite) GetSourceByLink(ctx context.Context, link string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE link = ?`, link,
	)
	return scanSource(row)
}

// ListActiveSources returns every active source ordered by ID.
func (s *SQLite) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// ListSourcesByOwner returns the active sources owned by a worker.
func (s *SQLite) ListSourcesByOwner(ctx context.Context, owner string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE owner = ? AND is_active = 1 ORDER BY id`, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// CountSourcesByOwner returns the number of active sources owned by a worker.
func (s *SQLite) CountSourcesByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sources WHERE owner = ? AND is_active = 1`, owner,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sources by owner: %w", err)
	}
	return count, nil
}

// SetSourceOwner assigns a source to a worker. The membership status is
// reset to pending when the owner changes; an unchanged owner is a no-op.
// An empty owner clears the assignment. It reports whether a row changed.
func (s *SQLite) SetSourceOwner(ctx context.Context, id int64, owner string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	o := nullString(owner)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET owner = ?, status = ?, updated_at = ?
		 WHERE id = ? AND owner IS NOT ?`,
		o, string(model.StatusPending), now, id, o,
	)
	if err != nil {
		return false, fmt.Errorf("update source owner: %w", err)
	}
	return affected(res)
}

// MarkSourceJoined records a successful join by owner. The write is skipped
// when the source has been reassigned in the meantime.
func (s *SQLite) MarkSourceJoined(ctx context.Context, id int64, owner string, externalID int64, title string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources
		 SET status = ?, external_id = ?, title = CASE WHEN ? = '' THEN title ELSE ? END, updated_at = ?
		 WHERE id = ? AND owner = ?`,
		string(model.StatusJoined), externalID, title, title, now, id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("mark source joined: %w", err)
	}
	return affected(res)
}

// SetSourceStatus updates the membership status of a source owned by owner.
// Joined requires an external ID and must go through MarkSourceJoined.
func (s *SQLite) SetSourceStatus(ctx context.Context, id int64, owner string, status model.SourceStatus) (bool, error) {
	if status == model.StatusJoined {
		return false, fmt.Errorf("set source status: use MarkSourceJoined for %q", status)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET status = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		string(status), now, id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("update source status: %w", err)
	}
	return affected(res)
}

// SetSourceActive toggles monitoring of a source. Deactivating also
// releases the owner.
func (s *SQLite) SetSourceActive(ctx context.Context, id int64, active bool) error {
	now := time.Now().UTC().Format(timeLayout)
	var err error
	if active {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sources SET is_active = 1, updated_at = ? WHERE id = ?`, now, id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sources SET is_active = 0, owner = NULL, status = ?, updated_at = ? WHERE id = ?`,
			string(model.StatusPending), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update source active: %w", err)
	}
	return nil
}

// DeleteSource removes a source and its configuration attachments.
// Lead matches referencing the source are kept.
func (s *SQLite) DeleteSource(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM configuration_sources WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete configuration_sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var externalID sql.NullInt64
	var owner sql.NullString
	var status, created, updated string
	var isActive int
	err := row.Scan(&src.ID, &src.Link, &externalID, &src.Title, &status, &owner, &isActive, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan source: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	if externalID.Valid {
		v := externalID.Int64
		src.ExternalID = &v
	}
	src.Status = model.SourceStatus(status)
	src.Owner = owner.String
	src.IsActive = isActive == 1
	src.CreatedAt, _ = time.Parse(timeLayout, created)
	src.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &src, nil
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}
