// Package urlcache maps stable short identifiers to download URLs and keeps
// track of which mappings still resolve.
package urlcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/infra/metrics"
)

const (
	hashStartLen  = 12
	validateRange = "bytes=0-1023"
)

// Service implements shortening, resolution and validation on top of a
// URLStore.
type Service struct {
	store  domain.URLStore
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
}

func New(store domain.URLStore, client *http.Client, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		client: client,
		log:    logger,
		now:    time.Now,
	}
}

// Shorten returns the stable hash for url, creating the mapping when absent.
// An existing url keeps its hash; non-empty metadata refreshes the stored
// book fields. Hash collisions grow the prefix one hex character at a time;
// the full digest with upsert semantics is the terminal fallback.
func (s *Service) Shorten(ctx context.Context, url, bookTitle, seriesName, volumeNumber string) (string, error) {
	existing, err := s.store.FindByURL(ctx, url)
	if err != nil {
		return "", fmt.Errorf("urlcache: lookup: %w", err)
	}
	if existing != nil {
		if bookTitle != "" || seriesName != "" || volumeNumber != "" {
			if err := s.store.UpdateMetadata(ctx, existing.Hash, bookTitle, seriesName, volumeNumber); err != nil {
				s.log.Warn().Err(err).Str("hash", existing.Hash).Msg("urlcache: metadata update failed")
			}
		}
		return existing.Hash, nil
	}

	sum := sha256.Sum256([]byte(url))
	full := hex.EncodeToString(sum[:])

	for l := hashStartLen; l < len(full); l++ {
		m := domain.URLMapping{
			Hash:         full[:l],
			URL:          url,
			BookTitle:    bookTitle,
			SeriesName:   seriesName,
			VolumeNumber: volumeNumber,
			CreatedAt:    s.now().UTC(),
			IsValid:      true,
		}
		err := s.store.Insert(ctx, m)
		if err == nil {
			return m.Hash, nil
		}
		if !errors.Is(err, domain.ErrHashTaken) {
			return "", fmt.Errorf("urlcache: insert: %w", err)
		}
		// the hash may belong to this very url inserted concurrently
		row, ferr := s.store.FindByHash(ctx, m.Hash)
		if ferr == nil && row != nil && row.URL == url {
			return m.Hash, nil
		}
		s.log.Debug().Str("hash", m.Hash).Msg("urlcache: hash collision, extending")
	}

	m := domain.URLMapping{
		Hash:         full,
		URL:          url,
		BookTitle:    bookTitle,
		SeriesName:   seriesName,
		VolumeNumber: volumeNumber,
		CreatedAt:    s.now().UTC(),
		IsValid:      true,
	}
	if err := s.store.Upsert(ctx, m); err != nil {
		return "", fmt.Errorf("urlcache: upsert full digest: %w", err)
	}
	return full, nil
}

// Resolve returns the URL behind a hash, or ErrNotFound.
func (s *Service) Resolve(ctx context.Context, hash string) (string, error) {
	m, err := s.store.FindByHash(ctx, hash)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", domain.ErrNotFound
	}
	return m.URL, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *Service) Stats(ctx context.Context) (domain.URLStats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) Candidates(ctx context.Context, limit int, olderThan time.Time) ([]domain.URLCandidate, error) {
	return s.store.Candidates(ctx, limit, olderThan)
}

// Validate probes url with a 1 KiB ranged GET. Any 2xx marks the mapping
// valid and resets its failure counter; anything else increments it. Broken
// mappings are kept for manual purge.
func (s *Service) Validate(ctx context.Context, hash, url string) error {
	ok := s.probe(ctx, url)
	at := s.now().UTC()
	if ok {
		metrics.URLValidationsTotal.WithLabelValues("valid").Inc()
		return s.store.MarkValid(ctx, hash, at)
	}
	metrics.URLValidationsTotal.WithLabelValues("broken").Inc()
	return s.store.MarkInvalid(ctx, hash, at)
}

func (s *Service) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", validateRange)
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Str("url", url).Msg("urlcache: probe failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
