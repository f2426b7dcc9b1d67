package opds

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed/atom"

	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/usecase/format"
)

// SeriesMetadata reads the series feed and extracts the catalog record for
// one volume.
func (c *Client) SeriesMetadata(ctx context.Context, seriesID, volumeID string) (domain.CatalogMeta, error) {
	feed, err := c.Feed(ctx, c.seriesFeedURL(seriesID))
	if err != nil {
		return domain.CatalogMeta{}, err
	}

	meta := domain.CatalogMeta{SeriesTitle: feed.Title}
	entry := findVolumeEntry(feed, volumeID)
	if entry == nil {
		return meta, fmt.Errorf("opds: volume %s not in series %s feed", volumeID, seriesID)
	}

	meta.VolumeTitle = entry.Title
	meta.Published = entry.Published
	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		meta.Author = entry.Authors[0].Name
	}
	for _, cat := range entry.Categories {
		if cat == nil || cat.Term == "" {
			continue
		}
		scheme := strings.ToLower(cat.Scheme)
		switch {
		case strings.Contains(scheme, "genre"):
			meta.Genres = append(meta.Genres, cat.Term)
		case strings.Contains(scheme, "tag"):
			meta.Tags = append(meta.Tags, cat.Term)
		case strings.Contains(scheme, "demographic"):
			meta.Demographic = append(meta.Demographic, cat.Term)
		default:
			if meta.Category == "" {
				meta.Category = cat.Term
			}
		}
	}
	meta.Illustrator = dcIllustrator(entry)
	return meta, nil
}

// SeriesSynopsis returns the first entry summary of the series feed,
// whitespace-collapsed. Empty when no entry carries one.
func (c *Client) SeriesSynopsis(ctx context.Context, seriesID string) (string, error) {
	feed, err := c.Feed(ctx, c.seriesFeedURL(seriesID))
	if err != nil {
		return "", err
	}
	for _, e := range feed.Entries {
		if e != nil && strings.TrimSpace(e.Summary) != "" {
			return strings.Join(strings.Fields(e.Summary), " "), nil
		}
	}
	return "", nil
}

// VolumeSynopsis returns the summary of the matching volume entry, with the
// leading "Summary:" marker and basic HTML removed.
func (c *Client) VolumeSynopsis(ctx context.Context, seriesID, volumeID string) (string, error) {
	feed, err := c.Feed(ctx, c.seriesFeedURL(seriesID))
	if err != nil {
		return "", err
	}
	entry := findVolumeEntry(feed, volumeID)
	if entry == nil || strings.TrimSpace(entry.Summary) == "" {
		return "", nil
	}
	text := entry.Summary
	if idx := strings.Index(text, "Summary:"); idx >= 0 {
		text = text[idx+len("Summary:"):]
	}
	return format.StripBasicHTML(strings.TrimSpace(text)), nil
}

func (c *Client) seriesFeedURL(seriesID string) string {
	return c.gatedRoot + "/series/" + seriesID
}

func findVolumeEntry(feed *atom.Feed, volumeID string) *atom.Entry {
	needle := "/volume/" + volumeID + "/"
	for _, e := range feed.Entries {
		if e == nil {
			continue
		}
		for _, l := range e.Links {
			if l != nil && strings.Contains(l.Href, needle) {
				return e
			}
		}
	}
	return nil
}

// dcIllustrator scans dc:creator extension elements for an illustrator or
// artist role.
func dcIllustrator(entry *atom.Entry) string {
	for _, ext := range entry.Extensions["dc"]["creator"] {
		role := strings.ToLower(ext.Attrs["role"])
		if strings.Contains(role, "illustrator") || strings.Contains(role, "artist") {
			return strings.TrimSpace(ext.Value)
		}
	}
	return ""
}
