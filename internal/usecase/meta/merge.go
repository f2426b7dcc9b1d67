// Package meta combines the catalog record with the record read from the
// EPUB archive. Archive values win whenever present.
package meta

import "zeepub-bot/internal/domain"

// Merge builds the final book record. The catalog record is the base; every
// non-empty archive field overwrites it. When the archive lists authors the
// list replaces the catalog author entirely and the first archive author
// becomes the principal one.
func Merge(catalog domain.CatalogMeta, archive *domain.ArchiveMeta) domain.BookMeta {
	out := domain.BookMeta{
		SeriesTitle: catalog.SeriesTitle,
		VolumeTitle: catalog.VolumeTitle,
		Author:      catalog.Author,
		Illustrator: catalog.Illustrator,
		Category:    catalog.Category,
		Genres:      catalog.Genres,
		Demographic: catalog.Demographic,
		Synopsis:    catalog.Synopsis,
	}
	if catalog.Author != "" {
		out.Authors = []string{catalog.Author}
	}
	if archive == nil {
		return out
	}

	if archive.SeriesTitle != "" {
		out.SeriesTitle = archive.SeriesTitle
	}
	if archive.VolumeTitle != "" {
		out.VolumeTitle = archive.VolumeTitle
	}
	if archive.Illustrator != "" {
		out.Illustrator = archive.Illustrator
	}
	if archive.Category != "" {
		out.Category = archive.Category
	}
	if archive.Publisher != "" {
		out.Publisher = archive.Publisher
	}
	if archive.PublisherURL != "" {
		out.PublisherURL = archive.PublisherURL
	}
	if len(archive.Authors) > 0 {
		out.Authors = archive.Authors
		out.Author = archive.Authors[0]
	}
	if len(archive.Genres) > 0 {
		out.Genres = archive.Genres
	}
	if len(archive.Demographic) > 0 {
		out.Demographic = archive.Demographic
	}
	if len(archive.Typesetters) > 0 {
		out.Typesetters = archive.Typesetters
	}
	if archive.Translator != "" {
		out.Translator = archive.Translator
	}
	if archive.Synopsis != "" {
		out.Synopsis = archive.Synopsis
	}
	return out
}
