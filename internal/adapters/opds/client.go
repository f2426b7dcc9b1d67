// Package opds fetches and parses OPDS (Atom) catalog feeds and pulls the
// per-volume metadata a series feed exposes.
package opds

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/atom"
	"github.com/rs/zerolog"

	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/infra/metrics"
)

const feedTimeout = 20 * time.Second

// Client turns catalog URLs into parsed Atom feeds. gatedRoot is the feed the
// series metadata lives under.
type Client struct {
	fetcher   *fetch.Fetcher
	baseURL   string
	gatedRoot string
	log       zerolog.Logger
}

func NewClient(fetcher *fetch.Fetcher, baseURL, gatedRoot string, logger zerolog.Logger) *Client {
	return &Client{
		fetcher:   fetcher,
		baseURL:   strings.TrimRight(baseURL, "/"),
		gatedRoot: strings.TrimRight(gatedRoot, "/"),
		log:       logger,
	}
}

// AbsURL resolves a feed-relative href against the catalog base.
func (c *Client) AbsURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return c.baseURL + href
}

// Feed downloads and parses the feed at url.
func (c *Client) Feed(ctx context.Context, url string) (*atom.Feed, error) {
	start := time.Now()
	res, err := c.fetcher.Fetch(ctx, url, feedTimeout)
	metrics.ObserveNetworkRequest("opds", "fetch_feed", start, err)
	if err != nil {
		return nil, fmt.Errorf("opds: fetch %s: %w", url, err)
	}
	defer fetch.Cleanup(res)

	data, err := res.Open()
	if err != nil {
		return nil, fmt.Errorf("opds: read %s: %w", url, err)
	}
	feed, err := (&atom.Parser{}).Parse(bytes.NewReader(data))
	if err != nil {
		metrics.FeedParseErrors.Inc()
		c.log.Warn().Err(err).Str("url", url).Msg("opds: malformed feed")
		return nil, fmt.Errorf("opds: parse %s: %w", url, err)
	}
	return feed, nil
}

// SearchURL builds the catalog search feed for a query. A root already
// inside /series keeps its path with the query string dropped; any other
// root gets /series appended.
func SearchURL(rootURL, query string) string {
	root := strings.TrimRight(rootURL, "/")
	if strings.Contains(root, "/series") {
		if i := strings.IndexByte(root, '?'); i >= 0 {
			root = root[:i]
		}
	} else {
		root += "/series"
	}
	return root + "?query=" + url.QueryEscape(query)
}

// FirstLink returns the href of the first link whose rel matches exactly.
func FirstLink(links []*atom.Link, rel string) string {
	for _, l := range links {
		if l != nil && l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// FirstLinkContaining returns the href of the first link whose rel contains
// the given fragment.
func FirstLinkContaining(links []*atom.Link, frag string) string {
	for _, l := range links {
		if l != nil && strings.Contains(l.Rel, frag) {
			return l.Href
		}
	}
	return ""
}
