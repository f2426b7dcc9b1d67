// Package epub extracts the publication description (OPF) from an EPUB
// archive. Parsing is namespace-insensitive: elements are matched by local
// name only, because real-world OPF files disagree wildly on prefixes.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/infra/fetch"
)

var ErrNoDescription = errors.New("epub: no publication description found")

var demographicKeywords = []string{
	"juvenil", "seinen", "shounen", "shoujo", "josei", "kodomomuke", "juvenile",
	"chicos", "shônen",
}

var brandKeywords = []string{"zeepub", "zeepubs", "saosora", "saosor"}

var (
	typesetterRoles  = map[string]bool{"mrk": true, "dst": true, "mqt": true, "mkr": true}
	translatorRoles  = map[string]bool{"trl": true, "translator": true}
	illustratorRoles = map[string]bool{"ill": true, "illustrator": true, "artist": true}
	authorRoles      = map[string]bool{"aut": true, "author": true}
)

// ReadDescription locates and parses the OPF inside an EPUB payload.
func ReadDescription(res fetch.Result) (*domain.ArchiveMeta, error) {
	reader, closer, err := openZip(res)
	if err != nil {
		return nil, fmt.Errorf("epub: open archive: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	opfBytes, err := readOPF(reader)
	if err != nil {
		return nil, err
	}
	meta, err := parseOPF(opfBytes)
	if err != nil {
		return nil, fmt.Errorf("epub: parse opf: %w", err)
	}
	return meta, nil
}

func openZip(res fetch.Result) (*zip.Reader, io.Closer, error) {
	if res.Path != "" {
		rc, err := zip.OpenReader(res.Path)
		if err != nil {
			return nil, nil, err
		}
		return &rc.Reader, rc, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(res.Bytes), int64(len(res.Bytes)))
	if err != nil {
		return nil, nil, err
	}
	return zr, nil, nil
}

// readOPF follows META-INF/container.xml to the rootfile; when the container
// is absent or unreadable it falls back to the first .opf in the archive.
func readOPF(z *zip.Reader) ([]byte, error) {
	opfPath := ""
	if data, err := readZipFile(z, "META-INF/container.xml"); err == nil {
		opfPath = rootfilePath(data)
	}
	if opfPath == "" {
		for _, f := range z.File {
			if strings.HasSuffix(strings.ToLower(f.Name), ".opf") {
				opfPath = f.Name
				break
			}
		}
	}
	if opfPath == "" {
		return nil, ErrNoDescription
	}
	data, err := readZipFile(z, opfPath)
	if err != nil {
		return nil, ErrNoDescription
	}
	return data, nil
}

func readZipFile(z *zip.Reader, name string) ([]byte, error) {
	for _, f := range z.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("file %s not in archive", name)
}

func rootfilePath(container []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(container))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if strings.EqualFold(start.Name.Local, "rootfile") {
			if path := attr(start, "full-path"); path != "" {
				return path
			}
		}
	}
}

type roleRef struct {
	id   string
	role string
}

func parseOPF(data []byte) (*domain.ArchiveMeta, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	out := &domain.ArchiveMeta{}
	var (
		creators, contributors []string
		idNames                []string // id-mapped names, document order
		idToName               = map[string]string{}
		subjects               []string
		roles                  []roleRef
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(start.Name.Local) {
		case "title":
			text := collectText(dec, start)
			if out.VolumeTitle == "" && text != "" {
				out.VolumeTitle = text
			}
		case "meta":
			prop := attr(start, "property")
			text := collectText(dec, start)
			switch {
			case prop == "belongs-to-collection":
				if out.SeriesTitle == "" && text != "" {
					out.SeriesTitle = text
				}
			case strings.EqualFold(prop, "role"):
				ref := strings.TrimPrefix(attr(start, "refines"), "#")
				if ref != "" && text != "" {
					roles = append(roles, roleRef{id: ref, role: strings.ToLower(text)})
				}
			}
		case "creator":
			text := collectText(dec, start)
			if text != "" {
				creators = append(creators, text)
				if id := attr(start, "id"); id != "" {
					idToName[id] = text
					idNames = append(idNames, text)
				}
			}
		case "contributor":
			text := collectText(dec, start)
			if text != "" {
				contributors = append(contributors, text)
				if id := attr(start, "id"); id != "" {
					idToName[id] = text
					idNames = append(idNames, text)
				}
			}
		case "subject":
			if text := collectText(dec, start); text != "" {
				subjects = append(subjects, text)
			}
		case "description", "summary":
			if text := collectText(dec, start); text != "" && out.Synopsis == "" {
				out.Synopsis = text
			}
		case "type":
			if text := collectText(dec, start); text != "" && out.Category == "" {
				out.Category = text
			}
		case "publisher":
			if text := collectText(dec, start); text != "" && out.Publisher == "" {
				out.Publisher = text
			}
		case "identifier":
			text := collectText(dec, start)
			if out.PublisherURL == "" && isPublisherURL(text) {
				out.PublisherURL = stripURNPrefix(text)
			}
		}
	}

	out.Authors = creators
	out.Genres, out.Demographic = splitSubjects(subjects)

	applyRoles(out, roles, idToName)
	resolveIllustrator(out, contributors)
	resolveTypesetters(out, contributors, idNames)
	out.Typesetters = dedupe(out.Typesetters)

	return out, nil
}

func applyRoles(out *domain.ArchiveMeta, roles []roleRef, idToName map[string]string) {
	for _, r := range roles {
		name := idToName[r.id]
		if name == "" {
			continue
		}
		switch {
		case typesetterRoles[r.role]:
			if !contains(out.Typesetters, name) {
				out.Typesetters = append(out.Typesetters, name)
			}
		case translatorRoles[r.role]:
			out.Translator = name
		case illustratorRoles[r.role]:
			out.Illustrator = name
		case authorRoles[r.role] && len(out.Authors) == 0:
			out.Authors = append(out.Authors, name)
		}
	}
}

func resolveIllustrator(out *domain.ArchiveMeta, contributors []string) {
	if out.Illustrator != "" {
		return
	}
	for _, name := range contributors {
		low := strings.ToLower(name)
		if strings.Contains(low, "ill") || strings.Contains(low, "illustrator") ||
			strings.Contains(low, "artist") || strings.Contains(low, "ilustr") {
			out.Illustrator = name
			return
		}
	}
	if len(out.Authors) > 1 {
		out.Illustrator = out.Authors[len(out.Authors)-1]
	}
}

func resolveTypesetters(out *domain.ArchiveMeta, contributors, idNames []string) {
	for _, name := range append(append([]string{}, idNames...), contributors...) {
		low := strings.ToLower(name)
		for _, kw := range brandKeywords {
			if strings.Contains(low, kw) {
				if !contains(out.Typesetters, name) {
					out.Typesetters = append(out.Typesetters, name)
				}
				break
			}
		}
	}
	if len(out.Typesetters) > 0 {
		return
	}
	for _, name := range contributors {
		if len(name) > 1 && !contains(out.Typesetters, name) {
			out.Typesetters = append(out.Typesetters, name)
		}
	}
	if len(out.Typesetters) > 0 {
		return
	}
	for _, name := range idNames {
		if !contains(out.Typesetters, name) {
			out.Typesetters = append(out.Typesetters, name)
		}
	}
}

func splitSubjects(subjects []string) (genres, demographic []string) {
	for _, s := range subjects {
		low := strings.ToLower(s)
		isDem := false
		for _, kw := range demographicKeywords {
			if strings.Contains(low, kw) {
				isDem = true
				break
			}
		}
		if isDem {
			demographic = append(demographic, s)
		} else {
			genres = append(genres, s)
		}
	}
	return genres, demographic
}

func isPublisherURL(text string) bool {
	return strings.HasPrefix(text, "http") ||
		strings.HasPrefix(text, "https") ||
		strings.HasPrefix(text, "urn:uri:")
}

func stripURNPrefix(text string) string {
	if strings.HasPrefix(text, "urn:uri:") {
		parts := strings.SplitN(text, ":", 3)
		if len(parts) == 3 {
			return parts[2]
		}
	}
	return text
}

// collectText consumes the element started by start and returns its trimmed
// character data.
func collectText(dec *xml.Decoder, start xml.StartElement) string {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 1 {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, local) {
			return a.Value
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
