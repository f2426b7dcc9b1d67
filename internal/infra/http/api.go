package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/mmcdole/gofeed/atom"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/opds"
)

// FeedSource parses catalog feeds for the JSON mirror.
type FeedSource interface {
	Feed(ctx context.Context, url string) (*atom.Feed, error)
	AbsURL(href string) string
}

// FeedAPI exposes the catalog as JSON: /api/feed, /api/search, /healthz.
type FeedAPI struct {
	source     FeedSource
	publicRoot string
	log        zerolog.Logger
}

func NewFeedAPI(source FeedSource, publicRoot string, logger zerolog.Logger) *FeedAPI {
	return &FeedAPI{source: source, publicRoot: publicRoot, log: logger}
}

// Mount registers the API routes.
func (a *FeedAPI) Mount(r chi.Router) {
	r.Get("/healthz", a.health)
	r.Get("/api/feed", a.feed)
	r.Get("/api/search", a.search)
}

type jsonLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

type jsonEntry struct {
	Title   string     `json:"title"`
	Author  string     `json:"author,omitempty"`
	Summary string     `json:"summary,omitempty"`
	Cover   string     `json:"cover,omitempty"`
	Links   []jsonLink `json:"links"`
}

type jsonFeed struct {
	Title   string      `json:"title"`
	Links   []jsonLink  `json:"links"`
	Entries []jsonEntry `json:"entries"`
}

func (a *FeedAPI) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *FeedAPI) feed(w http.ResponseWriter, r *http.Request) {
	feedURL := r.URL.Query().Get("url")
	if feedURL == "" {
		feedURL = a.publicRoot
	}
	if !strings.HasPrefix(feedURL, a.catalogOrigin()) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url outside the catalog"})
		return
	}
	a.render(w, r, feedURL)
}

func (a *FeedAPI) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "query is required"})
		return
	}
	a.render(w, r, opds.SearchURL(a.publicRoot, query))
}

func (a *FeedAPI) render(w http.ResponseWriter, r *http.Request, feedURL string) {
	feed, err := a.source.Feed(r.Context(), feedURL)
	if err != nil {
		a.log.Warn().Err(err).Str("url", feedURL).Msg("api: feed unavailable")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "feed unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, a.convert(feed))
}

func (a *FeedAPI) convert(feed *atom.Feed) jsonFeed {
	out := jsonFeed{Title: feed.Title, Entries: []jsonEntry{}}
	out.Links = a.convertLinks(feed.Links)
	for _, e := range feed.Entries {
		if e == nil {
			continue
		}
		entry := jsonEntry{
			Title:   e.Title,
			Summary: e.Summary,
			Links:   a.convertLinks(e.Links),
		}
		if len(e.Authors) > 0 && e.Authors[0] != nil {
			entry.Author = e.Authors[0].Name
		}
		for _, l := range e.Links {
			if l != nil && strings.Contains(l.Rel, "image") {
				entry.Cover = a.source.AbsURL(l.Href)
				break
			}
		}
		out.Entries = append(out.Entries, entry)
	}
	return out
}

func (a *FeedAPI) convertLinks(links []*atom.Link) []jsonLink {
	out := make([]jsonLink, 0, len(links))
	for _, l := range links {
		if l == nil {
			continue
		}
		out = append(out, jsonLink{Rel: l.Rel, Href: a.source.AbsURL(l.Href), Type: l.Type})
	}
	return out
}

// catalogOrigin is the scheme://host prefix feeds must live under.
func (a *FeedAPI) catalogOrigin() string {
	u, err := url.Parse(a.publicRoot)
	if err != nil {
		return a.publicRoot
	}
	return u.Scheme + "://" + u.Host
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
