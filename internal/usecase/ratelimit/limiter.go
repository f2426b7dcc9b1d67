// Package ratelimit implements per-user sliding-window counters for
// downloads, commands and searches.
package ratelimit

import (
	"sync"
	"time"

	"zeepub-bot/internal/infra/metrics"
)

// Kind names one limited action.
type Kind string

const (
	KindDownload Kind = "download"
	KindCommand  Kind = "command"
	KindSearch   Kind = "search"
)

// Limit is a window plus the number of actions allowed inside it.
type Limit struct {
	Max    int
	Window time.Duration
}

// Limits holds the per-kind configuration.
type Limits map[Kind]Limit

// DefaultLimits mirrors the shipped configuration: 5 downloads per hour, 30
// commands per minute, 20 searches per hour.
func DefaultLimits() Limits {
	return Limits{
		KindDownload: {Max: 5, Window: time.Hour},
		KindCommand:  {Max: 30, Window: time.Minute},
		KindSearch:   {Max: 20, Window: time.Hour},
	}
}

type userKey struct {
	uid  int64
	kind Kind
}

// Limiter tracks request timestamps per user and kind. Whitelisted users
// bypass the download limit.
type Limiter struct {
	mu        sync.Mutex
	limits    Limits
	events    map[userKey][]time.Time
	whitelist map[int64]bool
	now       func() time.Time
}

func New(limits Limits, whitelist []int64) *Limiter {
	wl := make(map[int64]bool, len(whitelist))
	for _, uid := range whitelist {
		wl[uid] = true
	}
	return &Limiter{
		limits:    limits,
		events:    map[userKey][]time.Time{},
		whitelist: wl,
		now:       time.Now,
	}
}

// prune drops timestamps that fell out of the window. Caller holds mu.
func (l *Limiter) prune(key userKey, now time.Time) []time.Time {
	lim, ok := l.limits[key.kind]
	if !ok {
		return nil
	}
	cutoff := now.Add(-lim.Window)
	evs := l.events[key]
	kept := evs[:0]
	for _, ts := range evs {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events[key] = kept
	return kept
}

// Allow reports whether one more action of kind is permitted. Pure check: it
// records nothing.
func (l *Limiter) Allow(uid int64, kind Kind) bool {
	if kind == KindDownload && l.whitelist[uid] {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[kind]
	if !ok {
		return true
	}
	kept := l.prune(userKey{uid, kind}, l.now())
	if len(kept) >= lim.Max {
		metrics.RateLimitRejections.WithLabelValues(string(kind)).Inc()
		return false
	}
	return true
}

// Record appends a timestamp for one performed action.
func (l *Limiter) Record(uid int64, kind Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := userKey{uid, kind}
	now := l.now()
	l.events[key] = append(l.prune(key, now), now)
}

// Unlimited marks the remaining count of a whitelisted download quota.
const Unlimited = -1

// Remaining returns how many actions of kind are left in the current window.
func (l *Limiter) Remaining(uid int64, kind Kind) int {
	if kind == KindDownload && l.whitelist[uid] {
		return Unlimited
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[kind]
	if !ok {
		return Unlimited
	}
	kept := l.prune(userKey{uid, kind}, l.now())
	if left := lim.Max - len(kept); left > 0 {
		return left
	}
	return 0
}

// ResetAll drops every recorded timestamp. Used by the daily reset task.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = map[userKey][]time.Time{}
}
