// Package timeline keeps a bounded, in-memory feed of recent activity.
package timeline

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Entry is one line of the activity feed.
type Entry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Subject   string    `json:"subject,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// Recorder records and retrieves activity.
type Recorder interface {
	// Record adds an entry to the feed.
	Record(entry Entry)

	// Recent returns up to limit entries, newest first. limit <= 0 returns all.
	Recent(limit int) []Entry

	// ByType returns entries of the given type, newest first.
	ByType(entryType string) []Entry

	// Len returns the number of retained entries.
	Len() int
}

// ring is the default in-memory Recorder. It overwrites the oldest entry
// once capacity is reached.
type ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	logger  zerolog.Logger
}

// Option is a functional option for configuring the recorder.
type Option func(*ring)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *ring) {
		r.logger = logger
	}
}

// WithCapacity sets the maximum number of entries to retain.
func WithCapacity(n int) Option {
	return func(r *ring) {
		if n > 0 {
			r.entries = make([]Entry, n)
		}
	}
}

// Default configuration values.
const (
	defaultCapacity = 500
)

// NewRecorder creates a new activity recorder.
func NewRecorder(opts ...Option) Recorder {
	r := &ring{
		entries: make([]Entry, defaultCapacity),
		logger:  zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record adds an entry, assigning an ID and timestamp when missing.
func (r *ring) Record(entry Entry) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	r.logger.Debug().
		Str("id", entry.ID).
		Str("type", entry.Type).
		Str("message", entry.Message).
		Msg("activity recorded")
}

// Recent returns up to limit entries, newest first.
func (r *ring) Recent(limit int) []Entry {
	return r.collect(limit, func(Entry) bool { return true })
}

// ByType returns entries of entryType, newest first.
func (r *ring) ByType(entryType string) []Entry {
	return r.collect(0, func(e Entry) bool { return e.Type == entryType })
}

// Len returns the number of retained entries.
func (r *ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return len(r.entries)
	}
	return r.next
}

func (r *ring) collect(limit int, keep func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}

	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		e := r.entries[(r.next-i+len(r.entries))%len(r.entries)]
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
