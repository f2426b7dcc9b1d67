// Package repo provides the persistent stores behind the URL cache, the
// publication history and user management. Two interchangeable backends
// exist: an embedded SQLite file and PostgreSQL.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"zeepub-bot/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS url_mappings (
	hash          TEXT PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	book_title    TEXT NOT NULL DEFAULT '',
	series_name   TEXT NOT NULL DEFAULT '',
	volume_number TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	last_checked  TIMESTAMP,
	is_valid      INTEGER NOT NULL DEFAULT 1,
	failed_checks INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_url_mappings_url ON url_mappings(url);

CREATE TABLE IF NOT EXISTS published_books (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id     INTEGER NOT NULL DEFAULT 0,
	channel_id     INTEGER NOT NULL DEFAULT 0,
	title          TEXT NOT NULL,
	author         TEXT NOT NULL DEFAULT '',
	series         TEXT NOT NULL DEFAULT '',
	volume         TEXT NOT NULL DEFAULT '',
	slug           TEXT NOT NULL DEFAULT '',
	file_size      INTEGER NOT NULL DEFAULT 0,
	file_unique_id TEXT NOT NULL DEFAULT '',
	date_published TIMESTAMP NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	demographic    TEXT NOT NULL DEFAULT '',
	genres         TEXT NOT NULL DEFAULT '',
	illustrator    TEXT NOT NULL DEFAULT '',
	typesetters    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY,
	role          TEXT NOT NULL DEFAULT 'user',
	added_at      TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP,
	custom_status TEXT NOT NULL DEFAULT '',
	created_by    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bot_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore implements every repository on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating when absent) the store at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repo: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("repo: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repo: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) FindByURL(ctx context.Context, url string) (*domain.URLMapping, error) {
	return s.scanOne(ctx, `SELECT hash, url, book_title, series_name, volume_number,
		created_at, last_checked, is_valid, failed_checks
		FROM url_mappings WHERE url = ?`, url)
}

func (s *SQLiteStore) FindByHash(ctx context.Context, hash string) (*domain.URLMapping, error) {
	return s.scanOne(ctx, `SELECT hash, url, book_title, series_name, volume_number,
		created_at, last_checked, is_valid, failed_checks
		FROM url_mappings WHERE hash = ?`, hash)
}

func (s *SQLiteStore) scanOne(ctx context.Context, query string, arg any) (*domain.URLMapping, error) {
	var (
		m       domain.URLMapping
		checked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&m.Hash, &m.URL, &m.BookTitle, &m.SeriesName, &m.VolumeNumber,
		&m.CreatedAt, &checked, &m.IsValid, &m.FailedChecks,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if checked.Valid {
		m.LastChecked = &checked.Time
	}
	return &m, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, m domain.URLMapping) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO url_mappings
		(hash, url, book_title, series_name, volume_number, created_at, is_valid, failed_checks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Hash, m.URL, m.BookTitle, m.SeriesName, m.VolumeNumber, m.CreatedAt, m.IsValid, m.FailedChecks)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return domain.ErrHashTaken
	}
	return err
}

func (s *SQLiteStore) Upsert(ctx context.Context, m domain.URLMapping) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO url_mappings
		(hash, url, book_title, series_name, volume_number, created_at, is_valid, failed_checks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			url = excluded.url,
			book_title = excluded.book_title,
			series_name = excluded.series_name,
			volume_number = excluded.volume_number`,
		m.Hash, m.URL, m.BookTitle, m.SeriesName, m.VolumeNumber, m.CreatedAt, m.IsValid, m.FailedChecks)
	return err
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, hash, bookTitle, seriesName, volumeNumber string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE url_mappings
		SET book_title = ?, series_name = ?, volume_number = ?
		WHERE hash = ?`, bookTitle, seriesName, volumeNumber, hash)
	return err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM url_mappings`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Stats(ctx context.Context) (domain.URLStats, error) {
	var st domain.URLStats
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_valid THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT is_valid THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN failed_checks >= 2 THEN 1 ELSE 0 END), 0)
		FROM url_mappings`).Scan(&st.Total, &st.Valid, &st.Broken, &st.AtRisk)
	return st, err
}

func (s *SQLiteStore) Candidates(ctx context.Context, limit int, olderThan time.Time) ([]domain.URLCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash, url FROM url_mappings
		WHERE last_checked IS NULL OR last_checked < ? OR NOT is_valid
		ORDER BY last_checked ASC
		LIMIT ?`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.URLCandidate
	for rows.Next() {
		var c domain.URLCandidate
		if err := rows.Scan(&c.Hash, &c.URL); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkValid(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE url_mappings
		SET is_valid = 1, failed_checks = 0, last_checked = ?
		WHERE hash = ?`, at, hash)
	return err
}

func (s *SQLiteStore) MarkInvalid(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE url_mappings
		SET is_valid = 0, failed_checks = failed_checks + 1, last_checked = ?
		WHERE hash = ?`, at, hash)
	return err
}

func (s *SQLiteStore) LogPublished(ctx context.Context, b domain.PublishedBook) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO published_books
		(message_id, channel_id, title, author, series, volume, slug,
		 file_size, file_unique_id, date_published,
		 category, demographic, genres, illustrator, typesetters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.MessageID, b.ChannelID, b.Title, b.Author, b.Series, b.Volume, b.Slug,
		b.FileSize, b.FileUniqueID, b.DatePublished,
		b.Category, b.Demographic, b.Genres, b.Illustrator, b.Typesetters)
	return err
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u domain.BotUser) error {
	var expires sql.NullTime
	if u.ExpiresAt != nil {
		expires = sql.NullTime{Time: *u.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users
		(id, role, added_at, expires_at, custom_status, created_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			expires_at = excluded.expires_at,
			custom_status = excluded.custom_status`,
		u.ID, u.Role, u.AddedAt, expires, u.CustomStatus, u.CreatedBy)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.BotUser, error) {
	var (
		u       domain.BotUser
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, role, added_at, expires_at, custom_status, created_by
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Role, &u.AddedAt, &expires, &u.CustomStatus, &u.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		u.ExpiresAt = &expires.Time
	}
	return &u, nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO bot_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
