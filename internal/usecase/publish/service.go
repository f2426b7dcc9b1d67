// Package publish orchestrates the delivery of one selected volume: fetch
// the archive and the catalog record concurrently, merge, format, then post
// cover, synopsis, file and follow-up menu in that order.
package publish

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/infra/metrics"
	"zeepub-bot/internal/usecase/format"
	"zeepub-bot/internal/usecase/meta"
	"zeepub-bot/internal/usecase/ratelimit"
	"zeepub-bot/internal/usecase/session"
)

const (
	archiveTimeout = 180 * time.Second
	coverTimeout   = 30 * time.Second

	msgRateLimited   = "Has alcanzado el límite de descargas por hora. Inténtalo de nuevo más tarde."
	msgPreparingFile = "⏳ Preparando archivo..."
	msgFileFailed    = "No se pudo descargar el archivo. Inténtalo de nuevo."
	msgWhatNext      = "¿Qué quieres hacer ahora?"
)

var seriesVolumeRe = regexp.MustCompile(`/series/(\d+)/volume/(\d+)/`)

// CatalogSource provides the series feed metadata.
type CatalogSource interface {
	SeriesMetadata(ctx context.Context, seriesID, volumeID string) (domain.CatalogMeta, error)
	SeriesSynopsis(ctx context.Context, seriesID string) (string, error)
	VolumeSynopsis(ctx context.Context, seriesID, volumeID string) (string, error)
}

// ArchiveReader extracts metadata from a downloaded archive.
type ArchiveReader func(fetch.Result) (*domain.ArchiveMeta, error)

// Shortener mints stable short ids for download URLs.
type Shortener interface {
	Shorten(ctx context.Context, url, bookTitle, seriesName, volumeNumber string) (string, error)
}

// Request is one publication order.
type Request struct {
	UserID        int64
	OriginChat    int64
	Destination   telegram.Destination
	Title         string
	CoverURL      string
	DownloadURL   string
	PlaceholderID int
}

// Service runs the pipeline.
type Service struct {
	sessions    *session.Store
	limiter     *ratelimit.Limiter
	fetcher     *fetch.Fetcher
	catalog     CatalogSource
	readArchive ArchiveReader
	shortener   Shortener
	history     domain.HistoryRepo
	sender      telegram.Sender
	log         zerolog.Logger
}

func New(
	sessions *session.Store,
	limiter *ratelimit.Limiter,
	fetcher *fetch.Fetcher,
	catalog CatalogSource,
	readArchive ArchiveReader,
	shortener Shortener,
	history domain.HistoryRepo,
	sender telegram.Sender,
	logger zerolog.Logger,
) *Service {
	return &Service{
		sessions:    sessions,
		limiter:     limiter,
		fetcher:     fetcher,
		catalog:     catalog,
		readArchive: readArchive,
		shortener:   shortener,
		history:     history,
		sender:      sender,
		log:         logger,
	}
}

// Publish delivers one volume. Publications of the same user are serialized;
// different users run independently.
func (s *Service) Publish(ctx context.Context, req Request) error {
	lock := s.sessions.PublishLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()
	defer s.sessions.ClearPending(req.UserID)

	if !s.limiter.Allow(req.UserID, ratelimit.KindDownload) {
		_, err := s.sender.SendMessage(telegram.Destination{ChatID: req.OriginChat}, msgRateLimited, nil)
		return err
	}
	s.limiter.Record(req.UserID, ratelimit.KindDownload)

	start := time.Now()
	defer func() { metrics.PublicationSeconds.Observe(time.Since(start).Seconds()) }()

	seriesID, volumeID := extractSeriesVolume(req.DownloadURL)

	type catalogOut struct {
		meta domain.CatalogMeta
		err  error
	}
	type archiveOut struct {
		res  fetch.Result
		meta *domain.ArchiveMeta
		err  error
	}
	catalogCh := make(chan catalogOut, 1)
	archiveCh := make(chan archiveOut, 1)

	go func() {
		if seriesID == "" {
			catalogCh <- catalogOut{}
			return
		}
		m, err := s.catalog.SeriesMetadata(ctx, seriesID, volumeID)
		catalogCh <- catalogOut{meta: m, err: err}
	}()
	go func() {
		res, err := s.fetcher.Fetch(ctx, req.DownloadURL, archiveTimeout)
		if err != nil {
			archiveCh <- archiveOut{err: err}
			return
		}
		m, rerr := s.readArchive(res)
		if rerr != nil {
			s.log.Warn().Err(rerr).Str("url", req.DownloadURL).Msg("publish: archive unreadable")
		}
		archiveCh <- archiveOut{res: res, meta: m}
	}()

	cat := <-catalogCh
	arc := <-archiveCh
	defer fetch.Cleanup(arc.res)

	if cat.err != nil {
		s.log.Warn().Err(cat.err).Str("series", seriesID).Msg("publish: catalog metadata unavailable")
	}
	if arc.err != nil {
		s.log.Warn().Err(arc.err).Str("url", req.DownloadURL).Msg("publish: archive download failed")
	}

	book := meta.Merge(cat.meta, arc.meta)
	if book.VolumeTitle == "" {
		book.VolumeTitle = req.Title
	}
	slug := format.Slug(book)

	s.sendCover(req, book)
	s.sendSynopsis(ctx, req, book, seriesID, volumeID)

	delivered := s.sendFile(req, arc.res)
	s.recordDelivery(ctx, req, book, slug, volumeID, delivered)
	s.sendActionMenu(req)

	if delivered != nil {
		metrics.IncPublication(req.UserID)
	}
	return nil
}

func (s *Service) sendCover(req Request, book domain.BookMeta) {
	caption := format.CoverCaption(book)
	if req.CoverURL == "" {
		if _, err := s.sender.SendMessage(req.Destination, caption, nil); err != nil {
			s.log.Warn().Err(err).Msg("publish: caption send failed")
		}
	} else {
		res, err := s.fetcher.Fetch(context.Background(), req.CoverURL, coverTimeout)
		if err != nil {
			s.log.Warn().Err(err).Str("url", req.CoverURL).Msg("publish: cover fetch failed")
			if _, serr := s.sender.SendPhotoURL(req.Destination, req.CoverURL, caption); serr != nil {
				s.log.Warn().Err(serr).Msg("publish: cover send failed")
			}
		} else {
			payload, _ := res.Open()
			fetch.Cleanup(res)
			if _, serr := s.sender.SendPhotoBytes(req.Destination, "cover.jpg", payload, caption); serr != nil {
				s.log.Warn().Err(serr).Msg("publish: cover send failed")
			}
		}
	}
	if req.PlaceholderID != 0 {
		s.sender.DeleteMessage(req.OriginChat, req.PlaceholderID)
	}
}

func (s *Service) sendSynopsis(ctx context.Context, req Request, book domain.BookMeta, seriesID, volumeID string) {
	if book.Synopsis == "" && seriesID != "" {
		if text, err := s.catalog.VolumeSynopsis(ctx, seriesID, volumeID); err == nil && text != "" {
			book.Synopsis = text
		} else if text, err := s.catalog.SeriesSynopsis(ctx, seriesID); err == nil && text != "" {
			book.Synopsis = text
		}
	}
	if _, err := s.sender.SendMessage(req.Destination, format.SynopsisBlock(book), nil); err != nil {
		s.log.Warn().Err(err).Msg("publish: synopsis send failed")
	}
}

// sendFile posts the archive and returns the delivery info, or nil when the
// archive never arrived.
func (s *Service) sendFile(req Request, res fetch.Result) *telegram.SentDocument {
	if res.Empty() {
		s.sender.SendMessage(telegram.Destination{ChatID: req.OriginChat}, msgFileFailed, nil)
		return nil
	}
	prepID, err := s.sender.SendMessage(req.Destination, msgPreparingFile, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("publish: placeholder send failed")
	}
	sent, err := s.sender.SendDocument(req.Destination, fileNameFromURL(req.DownloadURL), res)
	if err != nil {
		s.log.Error().Err(err).Msg("publish: document send failed")
		return nil
	}
	if prepID != 0 {
		s.sender.DeleteMessage(req.Destination.ChatID, prepID)
	}
	return &sent
}

func (s *Service) recordDelivery(ctx context.Context, req Request, book domain.BookMeta, slug, volumeID string, sent *telegram.SentDocument) {
	if _, err := s.shortener.Shorten(ctx, req.DownloadURL, book.VolumeTitle, book.SeriesTitle, volumeID); err != nil {
		s.log.Warn().Err(err).Msg("publish: short id minting failed")
	}
	if sent == nil {
		return
	}
	record := domain.PublishedBook{
		MessageID:     sent.MessageID,
		ChannelID:     req.Destination.ChatID,
		Title:         book.VolumeTitle,
		Author:        book.Author,
		Series:        book.SeriesTitle,
		Volume:        volumeID,
		Slug:          slug,
		FileSize:      sent.FileSize,
		FileUniqueID:  sent.FileUniqueID,
		DatePublished: time.Now().UTC(),
		Category:      book.Category,
		Demographic:   strings.Join(book.Demographic, ", "),
		Genres:        strings.Join(book.Genres, ", "),
		Illustrator:   book.Illustrator,
		Typesetters:   strings.Join(book.Typesetters, ", "),
	}
	if err := s.history.LogPublished(ctx, record); err != nil {
		s.log.Warn().Err(err).Msg("publish: history log failed")
	}
}

func (s *Service) sendActionMenu(req Request) {
	ses := s.sessions.Ensure(req.UserID)
	if ses.ActionMenuID != 0 {
		s.sender.DeleteMessage(req.OriginChat, ses.ActionMenuID)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📚 Volver a colecciones", "volver_colecciones"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔙 Volver a la última página", "volver_ultima"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Cerrar", "cerrar"),
		),
	)
	msgID, err := s.sender.SendMessage(telegram.Destination{ChatID: req.OriginChat}, msgWhatNext, &markup)
	if err != nil {
		s.log.Warn().Err(err).Msg("publish: action menu send failed")
		return
	}
	s.sessions.Update(req.UserID, func(sn *session.Session) {
		sn.ActionMenuID = msgID
	})
}

func extractSeriesVolume(downloadURL string) (seriesID, volumeID string) {
	m := seriesVolumeRe.FindStringSubmatch(downloadURL)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// fileNameFromURL derives the document filename from the URL path, keeping
// the .epub extension.
func fileNameFromURL(downloadURL string) string {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return "libro.epub"
	}
	stem := path.Base(u.Path)
	if decoded, derr := url.PathUnescape(stem); derr == nil {
		stem = decoded
	}
	if stem == "" || stem == "/" || stem == "." {
		return "libro.epub"
	}
	if !strings.HasSuffix(strings.ToLower(stem), ".epub") {
		stem += ".epub"
	}
	return stem
}
