// Package session keeps the per-user navigation state: history stack, flags,
// indexed page maps and the buffers of a queued publication.
package session

import (
	"sync"

	"zeepub-bot/internal/infra/fetch"
)

// HistoryEntry is one step of the navigation stack.
type HistoryEntry struct {
	Title string
	URL   string
}

// Book is one downloadable volume on the current page.
type Book struct {
	Title       string
	DownloadURL string
	CoverURL    string
}

// Session is the state of one user. All fields are rebuilt or cleared as the
// user navigates; it is never shared across users.
type Session struct {
	History      []HistoryEntry
	Destination  string
	OriginChat   int64
	CurrentURL   string
	CurrentTitle string
	RootURL      string
	LastPage     string

	PendingCoverURL    string
	PendingDownloadURL string
	PendingTitle       string
	PendingArchive     fetch.Result

	SeriesID string
	VolumeID string

	AwaitingDestination bool
	AwaitingQuery       bool
	AwaitingPassword    bool

	Collections map[int]HistoryEntry
	Books       map[string]Book

	MenuMessageID    int
	ActionMenuID     int
	PrepareMessageID int
}

func newSession() *Session {
	return &Session{
		Collections: map[int]HistoryEntry{},
		Books:       map[string]Book{},
	}
}

type userSlot struct {
	mu      sync.Mutex // serializes updates to one user
	publish sync.Mutex // serializes the publication pipeline
	session *Session
}

// Store is the in-memory session map. Separate users never block each other.
type Store struct {
	mu    sync.Mutex
	slots map[int64]*userSlot
}

func NewStore() *Store {
	return &Store{slots: map[int64]*userSlot{}}
}

func (s *Store) slot(uid int64) *userSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[uid]
	if !ok {
		sl = &userSlot{session: newSession()}
		s.slots[uid] = sl
	}
	return sl
}

// Ensure returns a copy of the user's session, creating the default one on
// first contact.
func (s *Store) Ensure(uid int64) Session {
	sl := s.slot(uid)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return *sl.session
}

// Update applies fn to the user's session under its lock.
func (s *Store) Update(uid int64, fn func(*Session)) {
	sl := s.slot(uid)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	fn(sl.session)
}

// Reset restores the user's session to defaults.
func (s *Store) Reset(uid int64) {
	sl := s.slot(uid)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.session = newSession()
}

// ClearFlags drops the three awaiting-input flags.
func (s *Store) ClearFlags(uid int64) {
	s.Update(uid, func(ses *Session) {
		ses.AwaitingDestination = false
		ses.AwaitingQuery = false
		ses.AwaitingPassword = false
	})
}

// ClearPending wipes the transient publication buffers.
func (s *Store) ClearPending(uid int64) {
	s.Update(uid, func(ses *Session) {
		fetch.Cleanup(ses.PendingArchive)
		ses.PendingArchive = fetch.Result{}
		ses.PendingCoverURL = ""
		ses.PendingDownloadURL = ""
		ses.PendingTitle = ""
	})
}

// PublishLock returns the mutex serializing publications for one user.
func (s *Store) PublishLock(uid int64) *sync.Mutex {
	return &s.slot(uid).publish
}
