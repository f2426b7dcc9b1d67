package domain

import "time"

// CatalogMeta is the metadata a series feed exposes for one volume.
type CatalogMeta struct {
	SeriesTitle string
	VolumeTitle string
	Author      string
	Illustrator string
	Category    string
	Genres      []string
	Tags        []string
	Demographic []string
	Published   string
	Synopsis    string
}

// ArchiveMeta is the metadata extracted from the OPF inside an EPUB.
type ArchiveMeta struct {
	SeriesTitle  string
	VolumeTitle  string
	Authors      []string
	Illustrator  string
	Translator   string
	Typesetters  []string
	Category     string
	Genres       []string
	Demographic  []string
	Publisher    string
	PublisherURL string
	Synopsis     string
}

// BookMeta is the merged record used to render the cover caption and synopsis
// block. Archive values win over catalog values whenever the archive provides
// them.
type BookMeta struct {
	SeriesTitle  string
	VolumeTitle  string
	Authors      []string
	Author       string // principal author, first of Authors
	Illustrator  string
	Translator   string
	Typesetters  []string
	Category     string
	Genres       []string
	Demographic  []string
	Publisher    string
	PublisherURL string
	Synopsis     string
}

// URLMapping is one stored short-id record.
type URLMapping struct {
	Hash         string
	URL          string
	BookTitle    string
	SeriesName   string
	VolumeNumber string
	CreatedAt    time.Time
	LastChecked  *time.Time
	IsValid      bool
	FailedChecks int
}

// URLStats aggregates mapping health for reports.
type URLStats struct {
	Total  int
	Valid  int
	Broken int
	AtRisk int // failed_checks >= 2
}

// URLCandidate is a mapping due for revalidation.
type URLCandidate struct {
	Hash string
	URL  string
}

// PublishedBook records one delivered file in the history log.
type PublishedBook struct {
	ID            int64
	MessageID     int
	ChannelID     int64
	Title         string
	Author        string
	Series        string
	Volume        string
	Slug          string
	FileSize      int64
	FileUniqueID  string
	DatePublished time.Time
	Category      string
	Demographic   string
	Genres        string
	Illustrator   string
	Typesetters   string
}

// BotUser is a registered bot user.
type BotUser struct {
	ID           int64
	Role         string
	AddedAt      time.Time
	ExpiresAt    *time.Time
	CustomStatus string
	CreatedBy    int64
}
