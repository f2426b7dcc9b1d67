package domain

import (
	"context"
	"time"
)

// URLStore persists short-id mappings.
type URLStore interface {
	// FindByURL returns the mapping for a URL, or nil when absent.
	FindByURL(ctx context.Context, url string) (*URLMapping, error)
	// FindByHash returns the mapping for a hash, or nil when absent.
	FindByHash(ctx context.Context, hash string) (*URLMapping, error)
	// Insert stores a new mapping. Returns ErrHashTaken when the hash is
	// already bound to a different URL.
	Insert(ctx context.Context, m URLMapping) error
	// Upsert stores a mapping replacing any row with the same hash.
	Upsert(ctx context.Context, m URLMapping) error
	// UpdateMetadata refreshes the book fields of an existing mapping.
	UpdateMetadata(ctx context.Context, hash, bookTitle, seriesName, volumeNumber string) error
	Count(ctx context.Context) (int, error)
	Stats(ctx context.Context) (URLStats, error)
	// Candidates lists mappings never checked, checked before the cutoff, or
	// currently invalid.
	Candidates(ctx context.Context, limit int, olderThan time.Time) ([]URLCandidate, error)
	MarkValid(ctx context.Context, hash string, at time.Time) error
	MarkInvalid(ctx context.Context, hash string, at time.Time) error
}

// HistoryRepo logs delivered files.
type HistoryRepo interface {
	LogPublished(ctx context.Context, book PublishedBook) error
}

// UserRepo manages registered bot users.
type UserRepo interface {
	UpsertUser(ctx context.Context, user BotUser) error
	GetUser(ctx context.Context, id int64) (*BotUser, error)
}

// SettingsRepo is a small key-value store for bot settings.
type SettingsRepo interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
