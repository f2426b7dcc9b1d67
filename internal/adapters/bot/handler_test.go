package bot

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/epub"
	"zeepub-bot/internal/adapters/opds"
	"zeepub-bot/internal/adapters/repo"
	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/usecase/auth"
	"zeepub-bot/internal/usecase/navigator"
	"zeepub-bot/internal/usecase/publish"
	"zeepub-bot/internal/usecase/ratelimit"
	"zeepub-bot/internal/usecase/session"
	"zeepub-bot/internal/usecase/urlcache"
)

type fakeSender struct {
	mu      sync.Mutex
	texts   []string
	markups []*tgbotapi.InlineKeyboardMarkup
	docs    []string
	nextID  int
}

func (f *fakeSender) SendMessage(dest telegram.Destination, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.markups = append(f.markups, markup)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSender) SendPhotoURL(telegram.Destination, string, string) (int, error) { return 0, nil }

func (f *fakeSender) SendPhotoBytes(telegram.Destination, string, []byte, string) (int, error) {
	return 0, nil
}

func (f *fakeSender) SendDocument(dest telegram.Destination, filename string, payload fetch.Result) (telegram.SentDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, filename)
	return telegram.SentDocument{MessageID: 1}, nil
}

func (f *fakeSender) EditMessageMarkup(int64, int, tgbotapi.InlineKeyboardMarkup) error { return nil }
func (f *fakeSender) DeleteMessage(int64, int) error                                   { return nil }
func (f *fakeSender) AnswerCallback(string) error                                      { return nil }

func (f *fakeSender) contains(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.texts {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

func (f *fakeSender) lastMarkup() *tgbotapi.InlineKeyboardMarkup {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.markups) - 1; i >= 0; i-- {
		if f.markups[i] != nil {
			return f.markups[i]
		}
	}
	return nil
}

const publicFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Público</title>
  <entry>
    <title>Novelas</title>
    <link rel="subsection" href="/public/novelas"/>
  </entry>
</feed>`

const gatedFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Privado</title>
  <entry>
    <title>Exclusivas</title>
    <link rel="subsection" href="/gated/exclusivas"/>
  </entry>
</feed>`

const bookFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Novelas</title>
  <entry>
    <title>Tomo 1</title>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/series/7/volume/42/chapter/1/Tomo%201.epub" type="application/epub+zip"/>
  </entry>
</feed>`

func epubPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, _ := w.Create("content.opf")
	f.Write([]byte(`<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Tomo 1</dc:title>
    <dc:creator>Autor</dc:creator>
  </metadata>
</package>`))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestHandler(t *testing.T) (*Handler, *fakeSender, *session.Store, string) {
	t.Helper()
	payload := epubPayload(t)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	serve := func(pattern, body string) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		})
	}
	serve("/public", publicFeed)
	serve("/public/series", bookFeed)
	serve("/public/novelas", bookFeed)
	serve("/gated", gatedFeed)
	mux.HandleFunc("/series/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".epub") {
			w.Write(payload)
			return
		}
		io.WriteString(w, bookFeed)
	})

	fetcher := fetch.New(1<<20, 5*time.Second, zerolog.Nop())
	opdsClient := opds.NewClient(fetcher, srv.URL, srv.URL, zerolog.Nop())
	sessions := session.NewStore()
	sender := &fakeSender{}
	nav := navigator.New(opdsClient, sessions, sender, srv.URL+"/public", zerolog.Nop())

	store, err := repo.NewSQLite(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	cache := urlcache.New(store, http.DefaultClient, zerolog.Nop())
	limiter := ratelimit.New(ratelimit.DefaultLimits(), nil)

	pipeline := publish.New(sessions, limiter, fetcher, opdsClient, epub.ReadDescription, cache, store, sender, zerolog.Nop())

	h := NewHandler(zerolog.Nop(), sender, sessions, nav, pipeline, limiter, cache, store,
		"seed", srv.URL+"/public", srv.URL+"/gated", "@canal", []int64{99})
	return h, sender, sessions, srv.URL
}

func message(uid, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: uid},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func callback(uid, chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb",
		From: &tgbotapi.User{ID: uid},
		Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: chatID},
		},
		Data: data,
	}}
}

func TestStartRendersPublicRoot(t *testing.T) {
	h, sender, sessions, base := newTestHandler(t)
	h.HandleUpdate(context.Background(), message(1, 10, "/start"))

	if !sender.contains("Público") {
		t.Fatalf("root menu not sent: %v", sender.texts)
	}
	ses := sessions.Ensure(1)
	if ses.RootURL != base+"/public" {
		t.Errorf("root url = %q", ses.RootURL)
	}
	if u, err := h.users.GetUser(context.Background(), 1); err != nil || u == nil {
		t.Errorf("user must be registered on /start: %v, %v", u, err)
	}
}

func TestEvilPasswordFlow(t *testing.T) {
	h, sender, sessions, base := newTestHandler(t)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, 10, "/evil"))
	if !sessions.Ensure(1).AwaitingPassword {
		t.Fatalf("awaiting password flag not set")
	}

	h.HandleUpdate(ctx, message(1, 10, "nope"))
	if !sender.contains(msgWrongPassword) {
		t.Fatalf("wrong password must be rejected: %v", sender.texts)
	}
	if sessions.Ensure(1).RootURL != base+"/public" {
		t.Errorf("wrong password must restore the public root")
	}

	h.HandleUpdate(ctx, message(1, 10, "/evil"))
	h.HandleUpdate(ctx, message(1, 10, auth.SixHourPassword("seed", time.Now())))
	if sessions.Ensure(1).RootURL != base+"/gated" {
		t.Errorf("correct password must enter the gated root, got %q", sessions.Ensure(1).RootURL)
	}
	if !sender.contains("Privado") {
		t.Errorf("gated menu not rendered: %v", sender.texts)
	}
}

func TestSearchFlow(t *testing.T) {
	h, sender, sessions, _ := newTestHandler(t)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, 10, "/start"))
	h.HandleUpdate(ctx, callback(1, 10, "buscar"))
	if !sender.contains(msgAskQuery) {
		t.Fatalf("query prompt missing: %v", sender.texts)
	}
	h.HandleUpdate(ctx, message(1, 10, "tomo"))
	if !sender.contains("Novelas") {
		t.Fatalf("search results not rendered: %v", sender.texts)
	}
	if got := sessions.Ensure(1).History; len(got) != 0 {
		t.Errorf("search results must not push history, got %v", got)
	}
}

func TestDestinationMenuEscapesTitle(t *testing.T) {
	h, sender, sessions, _ := newTestHandler(t)

	sessions.Update(1, func(s *session.Session) {
		s.Books = map[string]session.Book{
			"abcd1234": {Title: "Tomo 1 & 2 <final>", DownloadURL: "http://x/f.epub"},
		}
	})
	h.HandleUpdate(context.Background(), callback(1, 10, "lib|abcd1234"))
	if !sender.contains("Tomo 1 &amp; 2 &lt;final&gt;") {
		t.Fatalf("title must be html-escaped: %v", sender.texts)
	}
}

func TestBookSelectionAndPublishHere(t *testing.T) {
	h, sender, sessions, _ := newTestHandler(t)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, 10, "/start"))
	h.HandleUpdate(ctx, callback(1, 10, "col|0"))

	ses := sessions.Ensure(1)
	if len(ses.Books) != 1 {
		t.Fatalf("book page not rendered: %+v", ses.Books)
	}
	var key string
	for k := range ses.Books {
		key = k
	}

	h.HandleUpdate(ctx, callback(1, 10, "lib|"+key))
	if !sender.contains("¿Dónde quieres publicar") {
		t.Fatalf("destination menu missing: %v", sender.texts)
	}
	markup := sender.lastMarkup()
	if markup == nil || len(markup.InlineKeyboard) != 3 {
		t.Fatalf("destination menu must offer aquí/canal/otro")
	}

	h.HandleUpdate(ctx, callback(1, 10, "destino|aqui"))
	sender.mu.Lock()
	docs := len(sender.docs)
	sender.mu.Unlock()
	if docs != 1 {
		t.Fatalf("document not delivered: %v", sender.docs)
	}
	if !sessions.Ensure(1).PendingArchive.Empty() {
		t.Errorf("pending buffers not wiped")
	}
}

func TestCancelResets(t *testing.T) {
	h, sender, sessions, _ := newTestHandler(t)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, 10, "/start"))
	h.HandleUpdate(ctx, message(1, 10, "/cancel"))
	if !sender.contains(msgCancelled) {
		t.Fatalf("cancel confirmation missing")
	}
	ses := sessions.Ensure(1)
	if ses.RootURL != "" || len(ses.History) != 0 {
		t.Errorf("session must be reset: %+v", ses)
	}
}

func TestResetCommandIsAdminOnly(t *testing.T) {
	h, sender, _, _ := newTestHandler(t)
	ctx := context.Background()

	h.HandleUpdate(ctx, message(1, 10, "/reset"))
	if !sender.contains(msgNotAllowed) {
		t.Fatalf("non-admin reset must be refused: %v", sender.texts)
	}
	h.HandleUpdate(ctx, message(99, 10, "/reset"))
	if !sender.contains("Contadores de descarga reiniciados.") {
		t.Fatalf("admin reset must run: %v", sender.texts)
	}
}

func TestPlainTextWithoutFlagsIgnored(t *testing.T) {
	h, sender, _, _ := newTestHandler(t)
	h.HandleUpdate(context.Background(), message(1, 10, "hola"))
	if len(sender.texts) != 0 {
		t.Fatalf("unflagged text must be ignored, got %v", sender.texts)
	}
}
