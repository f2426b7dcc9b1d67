// Package navigator builds chat menus from catalog feeds and maintains the
// per-user navigation history.
package navigator

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed/atom"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/opds"
	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/usecase/format"
	"zeepub-bot/internal/usecase/session"
)

// Collection titles never shown as buttons.
var hiddenCollections = map[string]bool{
	"en el puente":          true,
	"listas de lectura":     true,
	"deseo leer":            true,
	"todas las colecciones": true,
}

const (
	allLibrariesTitle = "todas las bibliotecas"
	zeepubsNeedle     = "zeepubs"
	searchButton      = "🔍 Buscar EPUB"
	failureMessage    = "No se pudo cargar el catálogo. Inténtalo de nuevo más tarde."
)

// Service renders feed pages into inline keyboards. publicRoot scopes the
// "todas las bibliotecas" detour to the top-level public page.
type Service struct {
	opds       *opds.Client
	sessions   *session.Store
	sender     telegram.Sender
	publicRoot string
	log        zerolog.Logger
}

func New(opdsClient *opds.Client, sessions *session.Store, sender telegram.Sender, publicRoot string, logger zerolog.Logger) *Service {
	return &Service{
		opds:       opdsClient,
		sessions:   sessions,
		sender:     sender,
		publicRoot: publicRoot,
		log:        logger,
	}
}

// EnterRoot resets navigation and renders a catalog root.
func (s *Service) EnterRoot(ctx context.Context, uid, chatID int64, rootURL string) error {
	s.sessions.Update(uid, func(ses *session.Session) {
		ses.History = nil
		ses.RootURL = rootURL
		ses.OriginChat = chatID
	})
	return s.Render(ctx, uid, chatID, rootURL, false)
}

// Render fetches the feed at pageURL and replaces the user's menu. When
// descend is set the current page is pushed onto history first.
func (s *Service) Render(ctx context.Context, uid, chatID int64, pageURL string, descend bool) error {
	feed, err := s.opds.Feed(ctx, pageURL)
	if err != nil || len(feed.Entries) == 0 {
		s.log.Warn().Err(err).Str("url", pageURL).Msg("navigator: empty or unreadable feed")
		_, serr := s.sender.SendMessage(telegram.Destination{ChatID: chatID}, failureMessage, nil)
		return serr
	}

	ses := s.sessions.Ensure(uid)
	if descend {
		s.sessions.Update(uid, func(sn *session.Session) {
			sn.History = append(sn.History, session.HistoryEntry{Title: sn.CurrentTitle, URL: sn.CurrentURL})
		})
		ses = s.sessions.Ensure(uid)
	}

	page := s.buildPage(ctx, feed, pageURL, pageURL == s.publicRoot)

	prevURL := page.prevURL
	if prevURL == "" && len(ses.History) > 0 {
		prevURL = ses.History[len(ses.History)-1].URL
	}

	s.sessions.Update(uid, func(sn *session.Session) {
		sn.CurrentURL = pageURL
		sn.CurrentTitle = feedTitle(feed)
		sn.LastPage = pageURL
		sn.Collections = page.collections
		sn.Books = page.books
	})

	markup := s.keyboard(page, prevURL)
	title := feedTitle(feed)
	if title == "" {
		title = "Catálogo"
	}
	msgID, err := s.sender.SendMessage(telegram.Destination{ChatID: chatID}, "<b>"+format.EscapeHTML(title)+"</b>", &markup)
	if err != nil {
		return err
	}
	s.sessions.Update(uid, func(sn *session.Session) {
		sn.MenuMessageID = msgID
	})
	return nil
}

// Descend follows the collection behind a col| button.
func (s *Service) Descend(ctx context.Context, uid, chatID int64, idx int) error {
	ses := s.sessions.Ensure(uid)
	col, ok := ses.Collections[idx]
	if !ok {
		_, err := s.sender.SendMessage(telegram.Destination{ChatID: chatID}, failureMessage, nil)
		return err
	}
	return s.Render(ctx, uid, chatID, col.URL, true)
}

// Back pops one history entry and re-renders it.
func (s *Service) Back(ctx context.Context, uid, chatID int64) error {
	ses := s.sessions.Ensure(uid)
	if len(ses.History) == 0 {
		return s.Render(ctx, uid, chatID, ses.RootURL, false)
	}
	top := ses.History[len(ses.History)-1]
	s.sessions.Update(uid, func(sn *session.Session) {
		if len(sn.History) > 0 {
			sn.History = sn.History[:len(sn.History)-1]
		}
	})
	return s.Render(ctx, uid, chatID, top.URL, false)
}

// Nav follows a pagination button.
func (s *Service) Nav(ctx context.Context, uid, chatID int64, dir string) error {
	ses := s.sessions.Ensure(uid)
	feed, err := s.opds.Feed(ctx, ses.CurrentURL)
	if err != nil {
		_, serr := s.sender.SendMessage(telegram.Destination{ChatID: chatID}, failureMessage, nil)
		return serr
	}
	var target string
	switch dir {
	case "next":
		target = s.opds.AbsURL(opds.FirstLink(feed.Links, "next"))
	case "prev":
		target = s.opds.AbsURL(opds.FirstLink(feed.Links, "previous"))
		if target == "" {
			return s.Back(ctx, uid, chatID)
		}
	}
	if target == "" {
		return nil
	}
	return s.Render(ctx, uid, chatID, target, false)
}

// OpenZeepubs jumps straight into the zeepubs library of the public root.
func (s *Service) OpenZeepubs(ctx context.Context, uid, chatID int64, publicRoot string) error {
	feed, err := s.opds.Feed(ctx, publicRoot)
	if err != nil {
		_, serr := s.sender.SendMessage(telegram.Destination{ChatID: chatID}, failureMessage, nil)
		return serr
	}
	s.sessions.Update(uid, func(sn *session.Session) {
		sn.History = nil
		sn.RootURL = publicRoot
		sn.OriginChat = chatID
		sn.CurrentURL = publicRoot
		sn.CurrentTitle = feedTitle(feed)
	})
	for _, e := range feed.Entries {
		if e == nil || format.NormString(e.Title) != allLibrariesTitle {
			continue
		}
		target := s.opds.AbsURL(opds.FirstLink(e.Links, "subsection"))
		if detour := s.zeepubsDetour(ctx, target); detour != "" {
			target = detour
		}
		if target != "" {
			return s.Render(ctx, uid, chatID, target, true)
		}
	}
	return s.Render(ctx, uid, chatID, publicRoot, false)
}

// SearchURL builds the catalog search feed for a query against the user's
// current root.
func (s *Service) SearchURL(rootURL, query string) string {
	return opds.SearchURL(rootURL, query)
}

// Book returns the downloadable volume behind a lib| key.
func (s *Service) Book(uid int64, key string) (session.Book, bool) {
	ses := s.sessions.Ensure(uid)
	b, ok := ses.Books[key]
	return b, ok
}

type renderedPage struct {
	collections map[int]session.HistoryEntry
	books       map[string]session.Book
	bookOrder   []string
	colOrder    []int
	prevURL     string
	nextURL     string
}

func (s *Service) buildPage(ctx context.Context, feed *atom.Feed, pageURL string, isPublicRoot bool) renderedPage {
	page := renderedPage{
		collections: map[int]session.HistoryEntry{},
		books:       map[string]session.Book{},
	}
	page.nextURL = s.opds.AbsURL(opds.FirstLink(feed.Links, "next"))
	page.prevURL = s.opds.AbsURL(opds.FirstLink(feed.Links, "previous"))

	colIdx := 0
	for _, e := range feed.Entries {
		if e == nil {
			continue
		}
		sub := opds.FirstLink(e.Links, "subsection")
		if sub != "" {
			norm := format.NormString(e.Title)
			if hiddenCollections[norm] {
				continue
			}
			target := s.opds.AbsURL(sub)
			if isPublicRoot && norm == allLibrariesTitle {
				if detour := s.zeepubsDetour(ctx, target); detour != "" {
					target = detour
				}
			}
			page.collections[colIdx] = session.HistoryEntry{Title: e.Title, URL: target}
			page.colOrder = append(page.colOrder, colIdx)
			colIdx++
			continue
		}

		cover := s.opds.AbsURL(opds.FirstLinkContaining(e.Links, "image"))
		for _, l := range e.Links {
			if l == nil || !strings.Contains(l.Rel, "acquisition") {
				continue
			}
			key := newBookKey()
			page.books[key] = session.Book{
				Title:       e.Title,
				DownloadURL: s.opds.AbsURL(l.Href),
				CoverURL:    cover,
			}
			page.bookOrder = append(page.bookOrder, key)
		}
	}
	return page
}

// zeepubsDetour resolves the "todas las bibliotecas" entry straight to the
// zeepubs subsection, skipping one menu level.
func (s *Service) zeepubsDetour(ctx context.Context, subURL string) string {
	feed, err := s.opds.Feed(ctx, subURL)
	if err != nil {
		return ""
	}
	for _, e := range feed.Entries {
		if e == nil || !strings.Contains(strings.ToLower(e.Title), zeepubsNeedle) {
			continue
		}
		if sub := opds.FirstLink(e.Links, "subsection"); sub != "" {
			return s.opds.AbsURL(sub)
		}
	}
	return ""
}

func (s *Service) keyboard(page renderedPage, prevURL string) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData(searchButton, "buscar")},
	}
	for _, idx := range page.colOrder {
		col := page.collections[idx]
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("📁 "+col.Title, fmt.Sprintf("col|%d", idx)),
		})
	}
	for _, key := range page.bookOrder {
		book := page.books[key]
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("📖 "+bookLabel(book), "lib|"+key),
		})
	}
	var nav []tgbotapi.InlineKeyboardButton
	if prevURL != "" {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️ Anterior", "nav|prev"))
	}
	if page.nextURL != "" {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("➡️ Siguiente", "nav|next"))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// bookLabel is the filename stem of the download URL, percent-decoded, with
// the .epub suffix removed. Falls back to the entry title.
func bookLabel(b session.Book) string {
	u, err := url.Parse(b.DownloadURL)
	if err != nil || u.Path == "" {
		return b.Title
	}
	stem := path.Base(u.Path)
	if decoded, derr := url.PathUnescape(stem); derr == nil {
		stem = decoded
	}
	stem = strings.TrimSuffix(stem, ".epub")
	if stem == "" || stem == "/" || stem == "." {
		return b.Title
	}
	return stem
}

func newBookKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func feedTitle(feed *atom.Feed) string {
	return strings.TrimSpace(feed.Title)
}
