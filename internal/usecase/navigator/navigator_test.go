package navigator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/opds"
	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/usecase/session"
)

type fakeSender struct {
	texts   []string
	markups []*tgbotapi.InlineKeyboardMarkup
	nextID  int
}

func (f *fakeSender) SendMessage(dest telegram.Destination, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	f.texts = append(f.texts, text)
	f.markups = append(f.markups, markup)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSender) SendPhotoURL(telegram.Destination, string, string) (int, error) {
	return 0, nil
}

func (f *fakeSender) SendPhotoBytes(telegram.Destination, string, []byte, string) (int, error) {
	return 0, nil
}

func (f *fakeSender) SendDocument(telegram.Destination, string, fetch.Result) (telegram.SentDocument, error) {
	return telegram.SentDocument{}, nil
}

func (f *fakeSender) EditMessageMarkup(int64, int, tgbotapi.InlineKeyboardMarkup) error { return nil }
func (f *fakeSender) DeleteMessage(int64, int) error                                   { return nil }
func (f *fakeSender) AnswerCallback(string) error                                      { return nil }

func (f *fakeSender) lastMarkup(t *testing.T) *tgbotapi.InlineKeyboardMarkup {
	t.Helper()
	if len(f.markups) == 0 || f.markups[len(f.markups)-1] == nil {
		t.Fatalf("no keyboard sent")
	}
	return f.markups[len(f.markups)-1]
}

func buttonLabels(m *tgbotapi.InlineKeyboardMarkup) []string {
	var out []string
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			out = append(out, b.Text)
		}
	}
	return out
}

const rootFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Catálogo ZeePub</title>
  <entry>
    <title>Novelas Ligeras</title>
    <link rel="subsection" href="/catalog/novelas"/>
  </entry>
  <entry>
    <title>En el puente</title>
    <link rel="subsection" href="/catalog/puente"/>
  </entry>
  <entry>
    <title>Todas las bibliotecas</title>
    <link rel="subsection" href="/catalog/libs"/>
  </entry>
</feed>`

const libsFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Bibliotecas</title>
  <entry>
    <title>ZeePubs Central</title>
    <link rel="subsection" href="/catalog/zeepubs"/>
  </entry>
  <entry>
    <title>Otra Biblioteca</title>
    <link rel="subsection" href="/catalog/otra"/>
  </entry>
</feed>`

const booksFeed = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Novelas Ligeras</title>
  <link rel="next" href="/catalog/novelas?page=2"/>
  <entry>
    <title>Mushoku Tensei Vol. 3</title>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/files/Mushoku%20Tensei%2003.epub" type="application/epub+zip"/>
    <link rel="http://opds-spec.org/image" href="/covers/mushoku3.jpg"/>
  </entry>
</feed>`

func newHarness(t *testing.T) (*Service, *fakeSender, *session.Store, string) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	serve := func(pattern, body string) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		})
	}
	serve("/catalog/root", rootFeed)
	serve("/catalog/gatedroot", rootFeed)
	serve("/catalog/libs", libsFeed)
	serve("/catalog/novelas", booksFeed)
	serve("/catalog/zeepubs", booksFeed)

	fetcher := fetch.New(1<<20, 5*time.Second, zerolog.Nop())
	client := opds.NewClient(fetcher, srv.URL, srv.URL, zerolog.Nop())
	sessions := session.NewStore()
	sender := &fakeSender{}
	svc := New(client, sessions, sender, srv.URL+"/catalog/root", zerolog.Nop())
	return svc, sender, sessions, srv.URL
}

func TestEnterRootHidesCollections(t *testing.T) {
	svc, sender, sessions, base := newHarness(t)
	root := base + "/catalog/root"

	if err := svc.EnterRoot(context.Background(), 1, 10, root); err != nil {
		t.Fatalf("render root: %v", err)
	}
	labels := buttonLabels(sender.lastMarkup(t))
	joined := strings.Join(labels, "|")
	if !strings.Contains(joined, searchButton) {
		t.Errorf("search button missing: %v", labels)
	}
	if !strings.Contains(joined, "Novelas Ligeras") {
		t.Errorf("visible collection missing: %v", labels)
	}
	if strings.Contains(joined, "En el puente") {
		t.Errorf("hidden collection rendered: %v", labels)
	}

	ses := sessions.Ensure(1)
	if ses.RootURL != root || ses.CurrentURL != root {
		t.Errorf("session urls: %+v", ses)
	}
	if len(ses.History) != 0 {
		t.Errorf("root render must not touch history")
	}
}

func TestAllLibrariesDetour(t *testing.T) {
	svc, _, sessions, base := newHarness(t)
	root := base + "/catalog/root"

	if err := svc.EnterRoot(context.Background(), 1, 10, root); err != nil {
		t.Fatalf("render root: %v", err)
	}
	ses := sessions.Ensure(1)
	var detourURL string
	for _, col := range ses.Collections {
		if col.Title == "Todas las bibliotecas" {
			detourURL = col.URL
		}
	}
	if detourURL != base+"/catalog/zeepubs" {
		t.Errorf("detour must point at the zeepubs subsection, got %q", detourURL)
	}
}

func TestDescendBuildsBooksAndHistory(t *testing.T) {
	svc, sender, sessions, base := newHarness(t)
	root := base + "/catalog/root"
	ctx := context.Background()

	if err := svc.EnterRoot(ctx, 1, 10, root); err != nil {
		t.Fatalf("render root: %v", err)
	}
	ses := sessions.Ensure(1)
	var novelasIdx = -1
	for idx, col := range ses.Collections {
		if col.Title == "Novelas Ligeras" {
			novelasIdx = idx
		}
	}
	if novelasIdx < 0 {
		t.Fatalf("collection not indexed: %+v", ses.Collections)
	}

	if err := svc.Descend(ctx, 1, 10, novelasIdx); err != nil {
		t.Fatalf("descend: %v", err)
	}
	ses = sessions.Ensure(1)
	if len(ses.History) != 1 || ses.History[0].URL != root {
		t.Errorf("history after descend: %+v", ses.History)
	}
	if len(ses.Books) != 1 {
		t.Fatalf("books = %+v", ses.Books)
	}
	for key, book := range ses.Books {
		if len(key) != 8 {
			t.Errorf("book key length = %d", len(key))
		}
		if !strings.HasSuffix(book.DownloadURL, "/files/Mushoku%20Tensei%2003.epub") {
			t.Errorf("download url = %q", book.DownloadURL)
		}
		if book.CoverURL != base+"/covers/mushoku3.jpg" {
			t.Errorf("cover url = %q", book.CoverURL)
		}
	}

	labels := buttonLabels(sender.lastMarkup(t))
	joined := strings.Join(labels, "|")
	if !strings.Contains(joined, "Mushoku Tensei 03") {
		t.Errorf("book label must be the decoded filename stem: %v", labels)
	}
	if strings.Contains(joined, ".epub") {
		t.Errorf("label keeps the .epub suffix: %v", labels)
	}
	if !strings.Contains(joined, "Siguiente") {
		t.Errorf("next pagination button missing: %v", labels)
	}

	// back pops the history and re-renders the root
	if err := svc.Back(ctx, 1, 10); err != nil {
		t.Fatalf("back: %v", err)
	}
	ses = sessions.Ensure(1)
	if len(ses.History) != 0 || ses.CurrentURL != root {
		t.Errorf("after back: history=%v current=%q", ses.History, ses.CurrentURL)
	}
}

func TestRenderFailureSendsMessage(t *testing.T) {
	svc, sender, _, base := newHarness(t)
	if err := svc.Render(context.Background(), 1, 10, base+"/missing", false); err != nil {
		t.Fatalf("render of broken feed must degrade to a message, got %v", err)
	}
	if len(sender.texts) == 0 || sender.texts[len(sender.texts)-1] != failureMessage {
		t.Errorf("failure message not sent: %v", sender.texts)
	}
}

func TestSearchURL(t *testing.T) {
	svc, _, _, _ := newHarness(t)
	got := svc.SearchURL("https://cat.example/opds/", "mushoku tensei")
	if got != "https://cat.example/opds/series?query=mushoku+tensei" {
		t.Errorf("search url = %q", got)
	}
	got = svc.SearchURL("https://cat.example/opds/series?query=old", "naruto")
	if got != "https://cat.example/opds/series?query=naruto" {
		t.Errorf("search url from series root = %q", got)
	}
}

func TestDetourOnlyOnPublicRoot(t *testing.T) {
	svc, _, sessions, base := newHarness(t)
	gated := base + "/catalog/gatedroot"

	if err := svc.EnterRoot(context.Background(), 1, 10, gated); err != nil {
		t.Fatalf("render gated root: %v", err)
	}
	ses := sessions.Ensure(1)
	var found bool
	for _, col := range ses.Collections {
		if col.Title != "Todas las bibliotecas" {
			continue
		}
		found = true
		if col.URL != base+"/catalog/libs" {
			t.Errorf("gated root must keep the plain subsection, got %q", col.URL)
		}
	}
	if !found {
		t.Fatalf("collection not indexed: %+v", ses.Collections)
	}
}
