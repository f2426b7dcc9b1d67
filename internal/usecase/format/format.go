// Package format renders the presentation pieces of a publication: the
// hashtag slug, the cover caption and the synopsis block.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"zeepub-bot/internal/domain"
)

var (
	bracketRe    = regexp.MustCompile(`\[.*?\]`)
	tagRe        = regexp.MustCompile(`<.*?>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormString collapses whitespace and case-folds for loose title comparison.
func NormString(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// StripBasicHTML converts <br> tags to newlines, removes every remaining tag,
// trims trailing whitespace per line and drops empty lines.
func StripBasicHTML(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = tagRe.ReplaceAllString(s, "")
	var lines []string
	for _, ln := range strings.Split(strings.TrimSpace(s), "\n") {
		ln = strings.TrimRight(ln, " \t")
		if strings.TrimSpace(ln) == "" {
			continue
		}
		lines = append(lines, ln)
	}
	return strings.Join(lines, "\n")
}

// EscapeHTML escapes text for the HTML parse mode.
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}

// Slug derives the hashtag-friendly identifier from the series title, falling
// back to the volume title. Empty when neither is present.
func Slug(meta domain.BookMeta) string {
	title := meta.SeriesTitle
	if title == "" {
		title = meta.VolumeTitle
	}
	if title == "" {
		return ""
	}
	base := strings.TrimSpace(strings.SplitN(title, ":", 2)[0])
	base = bracketRe.ReplaceAllString(base, "")
	base = strings.TrimSpace(strings.SplitN(base, "-", 2)[0])
	base = strings.ReplaceAll(base, ",", " ")
	for _, ch := range []string{"'", "’", "#", "・"} {
		base = strings.ReplaceAll(base, ch, "")
	}
	base = whitespaceRe.ReplaceAllString(strings.TrimSpace(base), " ")
	return strings.ReplaceAll(base, " ", "_")
}

// CoverCaption builds the multi-line caption sent with the cover photo.
func CoverCaption(meta domain.BookMeta) string {
	slug := Slug(meta)

	category := orUnknown(meta.Category, "Desconocida")
	genres := orUnknown(strings.Join(meta.Genres, ", "), "Desconocido")
	demographic := orUnknown(strings.Join(meta.Demographic, ", "), "Desconocida")
	author := meta.Author
	if author == "" && len(meta.Authors) > 0 {
		author = meta.Authors[0]
	}
	author = orUnknown(author, "Desconocido")
	illustrator := orUnknown(meta.Illustrator, "Desconocido")

	typesetterLine := "<b>Maquetado por:</b> #ZeePub"
	if len(meta.Typesetters) > 0 {
		tags := make([]string, 0, len(meta.Typesetters))
		for _, name := range meta.Typesetters {
			tags = append(tags, "#"+strings.ReplaceAll(name, " ", ""))
		}
		typesetterLine = "<b>Maquetado por:</b> " + strings.Join(tags, " ")
	}

	lines := []string{meta.VolumeTitle}
	if slug != "" {
		lines = append(lines, "#"+slug)
	}
	lines = append(lines,
		"",
		typesetterLine,
		fmt.Sprintf("<b>Categoría:</b> %s", category),
		fmt.Sprintf("<b>Demografía:</b> %s", demographic),
		fmt.Sprintf("<b>Géneros:</b> %s", genres),
		fmt.Sprintf("<b>Autor:</b> %s", author),
		fmt.Sprintf("<b>Ilustrador:</b> %s", illustrator),
	)

	var translation []string
	if meta.Translator != "" {
		translation = append(translation, meta.Translator)
	}
	if meta.Publisher != "" {
		translation = append(translation, meta.Publisher)
	}
	if meta.PublisherURL != "" {
		translation = append(translation, meta.PublisherURL)
	}
	if len(translation) > 0 {
		lines = append(lines, "<b>Traducción:</b> "+strings.Join(translation, " − "))
	}

	return strings.Join(lines, "\n")
}

// SynopsisBlock renders the synopsis message, or the "not available" stub.
func SynopsisBlock(meta domain.BookMeta) string {
	slug := Slug(meta)
	suffix := ""
	if slug != "" {
		suffix = "\n#" + slug
	}
	if meta.Synopsis == "" {
		return "Sinopsis: (no disponible)" + suffix
	}
	return fmt.Sprintf("<b>Sinopsis:</b>\n<blockquote>%s</blockquote>%s", EscapeHTML(meta.Synopsis), suffix)
}

func orUnknown(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
