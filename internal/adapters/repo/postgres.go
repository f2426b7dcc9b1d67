package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"zeepub-bot/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS url_mappings (
	hash          TEXT PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	book_title    TEXT NOT NULL DEFAULT '',
	series_name   TEXT NOT NULL DEFAULT '',
	volume_number TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	last_checked  TIMESTAMPTZ,
	is_valid      BOOLEAN NOT NULL DEFAULT TRUE,
	failed_checks INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS published_books (
	id             BIGSERIAL PRIMARY KEY,
	message_id     INTEGER NOT NULL DEFAULT 0,
	channel_id     BIGINT NOT NULL DEFAULT 0,
	title          TEXT NOT NULL,
	author         TEXT NOT NULL DEFAULT '',
	series         TEXT NOT NULL DEFAULT '',
	volume         TEXT NOT NULL DEFAULT '',
	slug           TEXT NOT NULL DEFAULT '',
	file_size      BIGINT NOT NULL DEFAULT 0,
	file_unique_id TEXT NOT NULL DEFAULT '',
	date_published TIMESTAMPTZ NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	demographic    TEXT NOT NULL DEFAULT '',
	genres         TEXT NOT NULL DEFAULT '',
	illustrator    TEXT NOT NULL DEFAULT '',
	typesetters    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id            BIGINT PRIMARY KEY,
	role          TEXT NOT NULL DEFAULT 'user',
	added_at      TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ,
	custom_status TEXT NOT NULL DEFAULT '',
	created_by    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bot_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// PostgresStore implements every repository on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres migrates the schema and wraps the pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("repo: migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) FindByURL(ctx context.Context, url string) (*domain.URLMapping, error) {
	return s.scanOne(ctx, `SELECT hash, url, book_title, series_name, volume_number,
		created_at, last_checked, is_valid, failed_checks
		FROM url_mappings WHERE url = $1`, url)
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (*domain.URLMapping, error) {
	return s.scanOne(ctx, `SELECT hash, url, book_title, series_name, volume_number,
		created_at, last_checked, is_valid, failed_checks
		FROM url_mappings WHERE hash = $1`, hash)
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg any) (*domain.URLMapping, error) {
	var m domain.URLMapping
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&m.Hash, &m.URL, &m.BookTitle, &m.SeriesName, &m.VolumeNumber,
		&m.CreatedAt, &m.LastChecked, &m.IsValid, &m.FailedChecks,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) Insert(ctx context.Context, m domain.URLMapping) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO url_mappings
		(hash, url, book_title, series_name, volume_number, created_at, is_valid, failed_checks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.Hash, m.URL, m.BookTitle, m.SeriesName, m.VolumeNumber, m.CreatedAt, m.IsValid, m.FailedChecks)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrHashTaken
	}
	return err
}

func (s *PostgresStore) Upsert(ctx context.Context, m domain.URLMapping) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO url_mappings
		(hash, url, book_title, series_name, volume_number, created_at, is_valid, failed_checks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO UPDATE SET
			url = EXCLUDED.url,
			book_title = EXCLUDED.book_title,
			series_name = EXCLUDED.series_name,
			volume_number = EXCLUDED.volume_number`,
		m.Hash, m.URL, m.BookTitle, m.SeriesName, m.VolumeNumber, m.CreatedAt, m.IsValid, m.FailedChecks)
	return err
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, hash, bookTitle, seriesName, volumeNumber string) error {
	_, err := s.pool.Exec(ctx, `UPDATE url_mappings
		SET book_title = $1, series_name = $2, volume_number = $3
		WHERE hash = $4`, bookTitle, seriesName, volumeNumber, hash)
	return err
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM url_mappings`).Scan(&n)
	return n, err
}

func (s *PostgresStore) Stats(ctx context.Context) (domain.URLStats, error) {
	var st domain.URLStats
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_valid THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT is_valid THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN failed_checks >= 2 THEN 1 ELSE 0 END), 0)
		FROM url_mappings`).Scan(&st.Total, &st.Valid, &st.Broken, &st.AtRisk)
	return st, err
}

func (s *PostgresStore) Candidates(ctx context.Context, limit int, olderThan time.Time) ([]domain.URLCandidate, error) {
	rows, err := s.pool.Query(ctx, `SELECT hash, url FROM url_mappings
		WHERE last_checked IS NULL OR last_checked < $1 OR NOT is_valid
		ORDER BY last_checked ASC NULLS FIRST
		LIMIT $2`, olderThan, limit)
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

func (s *PostgresStore) MarkValid(ctx context.Context, hash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE url_mappings
		SET is_valid = TRUE, failed_checks = 0, last_checked = $1
		WHERE hash = $2`, at, hash)
	return err
}

func (s *PostgresStore) MarkInvalid(ctx context.Context, hash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE url_mappings
		SET is_valid = FALSE, failed_checks = failed_checks + 1, last_checked = $1
		WHERE hash = $2`, at, hash)
	return err
}

func (s *PostgresStore) LogPublished(ctx context.Context, b domain.PublishedBook) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO published_books
		(message_id, channel_id, title, author, series, volume, slug,
		 file_size, file_unique_id, date_published,
		 category, demographic, genres, illustrator, typesetters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.MessageID, b.ChannelID, b.Title, b.Author, b.Series, b.Volume, b.Slug,
		b.FileSize, b.FileUniqueID, b.DatePublished,
		b.Category, b.Demographic, b.Genres, b.Illustrator, b.Typesetters)
	return err
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u domain.BotUser) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users
		(id, role, added_at, expires_at, custom_status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			expires_at = EXCLUDED.expires_at,
			custom_status = EXCLUDED.custom_status`,
		u.ID, u.Role, u.AddedAt, u.ExpiresAt, u.CustomStatus, u.CreatedBy)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.BotUser, error) {
	var u domain.BotUser
	err := s.pool.QueryRow(ctx, `SELECT id, role, added_at, expires_at, custom_status, created_by
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Role, &u.AddedAt, &u.ExpiresAt, &u.CustomStatus, &u.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM bot_settings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return v, err
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bot_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}
