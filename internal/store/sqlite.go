package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"remedia/internal/logging"

	_ "modernc.org/sqlite"
)

// Download represents a row in the downloads table. The URL is the primary
// key; re-submitting the same URL updates the row instead of inserting a
// second one.
type Download struct {
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Container  string    `json:"container"`
	NameFormat string    `json:"name_format"`
	Quality    string    `json:"quality"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config is the singleton preference row. Only one row (id = 1) ever exists.
type Config struct {
	ID           int64 `json:"id"`
	SkipHomepage bool  `json:"skip_homepage"`
}

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path, ensures schema
// and seeds the default config row.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    skip_homepage INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS downloads (
    url TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    container TEXT NOT NULL,
    name_format TEXT NOT NULL,
    quality TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
`
	if _, err := db.Exec(ddl); err != nil {
		return err
	}
	// Seed the singleton preference row. ON CONFLICT keeps an existing value.
	_, err := db.Exec(`INSERT INTO config (id, skip_homepage) VALUES (1, 0) ON CONFLICT(id) DO NOTHING`)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// GetConfig returns the singleton config row. If the row is somehow missing
// it is recreated with defaults rather than returning an error, since a lost
// preference only means the onboarding screen shows again.
func (s *Store) GetConfig(ctx context.Context) (Config, error) {
	var c Config
	var skip int64
	err := s.db.QueryRowContext(ctx, `SELECT id, skip_homepage FROM config WHERE id = 1`).Scan(&c.ID, &skip)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO config (id, skip_homepage) VALUES (1, 0) ON CONFLICT(id) DO NOTHING`); err != nil {
			return Config{}, fmt.Errorf("seed config: %w", err)
		}
		return Config{ID: 1, SkipHomepage: false}, nil
	}
	if err != nil {
		return Config{}, err
	}
	c.SkipHomepage = skip != 0
	return c, nil
}

// SetSkipHomepage upserts the singleton row's skip_homepage field. Write
// failures are surfaced to the caller; a silently lost write would make the
// onboarding screen reappear unexpectedly.
func (s *Store) SetSkipHomepage(ctx context.Context, skip bool) error {
	v := 0
	if skip {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO config (id, skip_homepage) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET skip_homepage = excluded.skip_homepage`, v)
	if err != nil {
		return fmt.Errorf("set skip_homepage: %w", err)
	}
	logging.LogConfigUpdate(skip)
	return nil
}

// UpsertDownload inserts or replaces the request fields for a URL and resets
// its status to queued. created_at is never touched so listing remains in
// insertion order across re-submissions.
func (s *Store) UpsertDownload(ctx context.Context, url, container, nameFormat, quality string) (Download, error) {
	if strings.TrimSpace(url) == "" {
		return Download{}, ErrEmptyURL
	}
	if container == "" || nameFormat == "" || quality == "" {
		return Download{}, ErrMissingField
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (url, status, container, name_format, quality)
VALUES (?, 'queued', ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
    status = 'queued',
    container = excluded.container,
    name_format = excluded.name_format,
    quality = excluded.quality,
    updated_at = CURRENT_TIMESTAMP`, url, container, nameFormat, quality)
	if err != nil {
		return Download{}, err
	}
	d, ok, err := s.GetDownload(ctx, url)
	if err != nil {
		return Download{}, err
	}
	if !ok {
		return Download{}, fmt.Errorf("upsert readback: row vanished for %s", url)
	}
	logging.LogDBUpsert(url, container, nameFormat, quality)
	return d, nil
}

// GetDownload returns a single download by URL.
func (s *Store) GetDownload(ctx context.Context, url string) (Download, bool, error) {
	if strings.TrimSpace(url) == "" {
		return Download{}, false, ErrEmptyURL
	}
	var d Download
	err := s.db.QueryRowContext(ctx, `
SELECT url, status, container, name_format, quality, created_at, updated_at
FROM downloads
WHERE url = ?`, url).Scan(&d.URL, &d.Status, &d.Container, &d.NameFormat, &d.Quality, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, false, nil
	}
	if err != nil {
		return Download{}, false, err
	}
	return d, true, nil
}

// UpdateStatus transitions a download's status only when the current status is
// one of from. Returns true when the transition was applied; false means the
// row is missing or not in an accepted state, which the caller disambiguates.
func (s *Store) UpdateStatus(ctx context.Context, url, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("update status: empty from set")
	}
	placeholders := strings.Repeat("?, ", len(from)-1) + "?"
	args := make([]any, 0, len(from)+2)
	args = append(args, to, url)
	for _, f := range from {
		args = append(args, f)
	}
	q := fmt.Sprintf(`UPDATE downloads SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE url = ? AND status IN (%s)`, placeholders)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		logging.LogDBUpdate("update_status", url, map[string]any{"status": to})
	}
	return affected == 1, nil
}

// DeleteDownload removes a download record. Deleting a missing row is a
// no-op: cancel racing a finished download is benign.
func (s *Store) DeleteDownload(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return ErrEmptyURL
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE url = ?`, url)
	if err != nil {
		return err
	}
	logging.LogDBUpdate("delete_download", url, nil)
	return nil
}

// ListDownloads returns all download records in insertion order for stable
// display.
func (s *Store) ListDownloads(ctx context.Context) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT url, status, container, name_format, quality, created_at, updated_at
FROM downloads
ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Download, 0, 64)
	for rows.Next() {
		var d Download
		if err := rows.Scan(&d.URL, &d.Status, &d.Container, &d.NameFormat, &d.Quality, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByStatus returns the count of downloads in the given status.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
