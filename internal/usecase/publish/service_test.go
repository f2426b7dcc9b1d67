package publish

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/epub"
	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/usecase/ratelimit"
	"zeepub-bot/internal/usecase/session"
)

type recordingSender struct {
	mu     sync.Mutex
	events []string
	nextID int
}

func (r *recordingSender) add(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.nextID++
	return r.nextID
}

func (r *recordingSender) SendMessage(dest telegram.Destination, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	return r.add("message:" + text), nil
}

func (r *recordingSender) SendPhotoURL(dest telegram.Destination, photoURL, caption string) (int, error) {
	return r.add("photo_url:" + caption), nil
}

func (r *recordingSender) SendPhotoBytes(dest telegram.Destination, name string, payload []byte, caption string) (int, error) {
	return r.add("photo:" + caption), nil
}

func (r *recordingSender) SendDocument(dest telegram.Destination, filename string, payload fetch.Result) (telegram.SentDocument, error) {
	id := r.add("document:" + filename)
	return telegram.SentDocument{MessageID: id, FileUniqueID: "uniq", FileSize: 123}, nil
}

func (r *recordingSender) EditMessageMarkup(int64, int, tgbotapi.InlineKeyboardMarkup) error {
	return nil
}

func (r *recordingSender) DeleteMessage(chatID int64, messageID int) error {
	r.add("delete")
	return nil
}

func (r *recordingSender) AnswerCallback(string) error { return nil }

func (r *recordingSender) find(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if strings.HasPrefix(ev, prefix) {
			return i
		}
	}
	return -1
}

type fakeCatalog struct {
	meta     domain.CatalogMeta
	volume   string
	series   string
	metaErr  error
	requests []string
}

func (f *fakeCatalog) SeriesMetadata(ctx context.Context, seriesID, volumeID string) (domain.CatalogMeta, error) {
	f.requests = append(f.requests, "meta:"+seriesID+"/"+volumeID)
	return f.meta, f.metaErr
}

func (f *fakeCatalog) SeriesSynopsis(ctx context.Context, seriesID string) (string, error) {
	return f.series, nil
}

func (f *fakeCatalog) VolumeSynopsis(ctx context.Context, seriesID, volumeID string) (string, error) {
	return f.volume, nil
}

type fakeShortener struct {
	urls []string
}

func (f *fakeShortener) Shorten(ctx context.Context, url, bookTitle, seriesName, volumeNumber string) (string, error) {
	f.urls = append(f.urls, url)
	return "abcdef123456", nil
}

type fakeHistory struct {
	books []domain.PublishedBook
}

func (f *fakeHistory) LogPublished(ctx context.Context, b domain.PublishedBook) error {
	f.books = append(f.books, b)
	return nil
}

func epubPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("content.opf")
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte(`<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Tomo Archivo</dc:title>
    <dc:creator>Autor Archivo</dc:creator>
    <dc:description>Desde el archivo.</dc:description>
  </metadata>
</package>`))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type harness struct {
	svc       *Service
	sender    *recordingSender
	sessions  *session.Store
	limiter   *ratelimit.Limiter
	shortener *fakeShortener
	history   *fakeHistory
	serverURL string
}

func newHarness(t *testing.T, catalog *fakeCatalog, maxDownloads int) *harness {
	t.Helper()
	payload := epubPayload(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	sender := &recordingSender{}
	sessions := session.NewStore()
	limiter := ratelimit.New(ratelimit.Limits{
		ratelimit.KindDownload: {Max: maxDownloads, Window: time.Hour},
	}, nil)
	shortener := &fakeShortener{}
	history := &fakeHistory{}
	fetcher := fetch.New(1<<20, 5*time.Second, zerolog.Nop())

	svc := New(sessions, limiter, fetcher, catalog, epub.ReadDescription, shortener, history, sender, zerolog.Nop())
	return &harness{
		svc:       svc,
		sender:    sender,
		sessions:  sessions,
		limiter:   limiter,
		shortener: shortener,
		history:   history,
		serverURL: srv.URL,
	}
}

func TestPublishOrderingAndMerge(t *testing.T) {
	catalog := &fakeCatalog{
		meta: domain.CatalogMeta{
			SeriesTitle: "Serie Catalogo",
			Author:      "Autor Catalogo",
			Illustrator: "Ilustrador Catalogo",
		},
	}
	h := newHarness(t, catalog, 5)

	req := Request{
		UserID:      1,
		OriginChat:  10,
		Destination: telegram.Destination{ChatID: 20},
		Title:       "Tomo 3",
		CoverURL:    h.serverURL + "/covers/c.jpg",
		DownloadURL: h.serverURL + "/api/series/7/volume/42/chapter/1/Tomo%2003.epub",
	}
	if err := h.svc.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cover := h.sender.find("photo:")
	synopsis := h.sender.find("message:<b>Sinopsis:")
	doc := h.sender.find("document:")
	menu := h.sender.find("message:" + msgWhatNext)
	if cover < 0 || synopsis < 0 || doc < 0 || menu < 0 {
		t.Fatalf("missing pipeline steps: %v", h.sender.events)
	}
	if !(cover < synopsis && synopsis < doc && doc < menu) {
		t.Fatalf("wrong ordering: %v", h.sender.events)
	}

	// archive wins: caption carries the archive author
	h.sender.mu.Lock()
	caption := h.sender.events[cover]
	h.sender.mu.Unlock()
	if !strings.Contains(caption, "Autor Archivo") {
		t.Errorf("caption must use archive author: %q", caption)
	}
	if !strings.Contains(caption, "Ilustrador Catalogo") {
		t.Errorf("caption must keep catalog illustrator: %q", caption)
	}

	if h.sender.events[doc] != "document:Tomo 03.epub" {
		t.Errorf("filename = %q", h.sender.events[doc])
	}

	if len(h.shortener.urls) != 1 || h.shortener.urls[0] != req.DownloadURL {
		t.Errorf("short id not minted: %v", h.shortener.urls)
	}
	if len(h.history.books) != 1 {
		t.Fatalf("history entries = %d", len(h.history.books))
	}
	if b := h.history.books[0]; b.Title != "Tomo Archivo" || b.Volume != "42" || b.FileUniqueID != "uniq" {
		t.Errorf("history record = %+v", b)
	}

	if got := catalog.requests; len(got) != 1 || got[0] != "meta:7/42" {
		t.Errorf("series metadata request = %v", got)
	}

	ses := h.sessions.Ensure(1)
	if ses.ActionMenuID == 0 {
		t.Errorf("action menu id must be remembered")
	}
	if !ses.PendingArchive.Empty() || ses.PendingDownloadURL != "" {
		t.Errorf("pending buffers must be wiped: %+v", ses)
	}
}

func TestPublishRateLimited(t *testing.T) {
	h := newHarness(t, &fakeCatalog{}, 1)
	req := Request{
		UserID:      1,
		OriginChat:  10,
		Destination: telegram.Destination{ChatID: 20},
		DownloadURL: h.serverURL + "/api/series/1/volume/2/chapter/1/x.epub",
	}
	ctx := context.Background()
	if err := h.svc.Publish(ctx, req); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := h.svc.Publish(ctx, req); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if h.sender.find("message:"+msgRateLimited) < 0 {
		t.Fatalf("rate limit message missing: %v", h.sender.events)
	}
	if n := len(h.history.books); n != 1 {
		t.Errorf("only the first publish may deliver, history = %d", n)
	}
}

func TestPublishArchiveFailureStillPostsMenu(t *testing.T) {
	catalog := &fakeCatalog{meta: domain.CatalogMeta{VolumeTitle: "Tomo X"}, series: "Sinopsis serie."}
	h := newHarness(t, catalog, 5)
	req := Request{
		UserID:      1,
		OriginChat:  10,
		Destination: telegram.Destination{ChatID: 20},
		DownloadURL: h.serverURL + "/api/series/1/volume/2/chapter/1/missing.epub",
	}
	if err := h.svc.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if h.sender.find("document:") >= 0 {
		t.Errorf("no document may be sent when the archive fails")
	}
	if h.sender.find("message:"+msgFileFailed) < 0 {
		t.Errorf("file failure message missing: %v", h.sender.events)
	}
	if h.sender.find("message:"+msgWhatNext) < 0 {
		t.Errorf("menu must still be posted: %v", h.sender.events)
	}
	if len(h.history.books) != 0 {
		t.Errorf("failed delivery must not be logged")
	}
}

func TestPublishWithoutCoverSendsCaptionAsText(t *testing.T) {
	h := newHarness(t, &fakeCatalog{}, 5)
	req := Request{
		UserID:      1,
		OriginChat:  10,
		Destination: telegram.Destination{ChatID: 20},
		DownloadURL: h.serverURL + "/api/series/1/volume/2/chapter/1/x.epub",
	}
	if err := h.svc.Publish(context.Background(), req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if h.sender.find("photo") >= 0 {
		t.Errorf("no photo without cover url: %v", h.sender.events)
	}
	if h.sender.find("message:Tomo Archivo") < 0 {
		t.Errorf("caption must be sent as text: %v", h.sender.events)
	}
}
