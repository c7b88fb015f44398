// Package events provides an in-process event bus for decoupled communication.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Live status snapshots, published on every broadcast tick.
const (
	// TorrentStatus carries the reconciler's in-progress view of external downloads.
	TorrentStatus Type = "torrent.status"
	// MediaStatus carries the tracker's view of local extraction tasks.
	MediaStatus Type = "media.status"
)

// Job lifecycle events.
const (
	// DownloadAdded indicates a URI was handed to the download daemon.
	DownloadAdded Type = "download.added"
	// DownloadComplete indicates a finished download was committed to history.
	DownloadComplete Type = "download.complete"
	// DownloadRemoved indicates a download was removed on request.
	DownloadRemoved Type = "download.removed"

	// MediaSubmitted indicates a local extraction job was accepted.
	MediaSubmitted Type = "media.submitted"
	// MediaComplete indicates a local extraction job finished successfully.
	MediaComplete Type = "media.complete"
	// MediaFailed indicates a local extraction job failed.
	MediaFailed Type = "media.failed"
	// MediaCancelled indicates a local extraction job was cancelled.
	MediaCancelled Type = "media.cancelled"

	// ShareIssued indicates a public share link was created.
	ShareIssued Type = "share.issued"
	// ServiceToggled indicates a managed service was started or stopped.
	ServiceToggled Type = "service.toggled"
)

// LifecycleTypes lists every non-snapshot event type.
func LifecycleTypes() []Type {
	return []Type{
		DownloadAdded, DownloadComplete, DownloadRemoved,
		MediaSubmitted, MediaComplete, MediaFailed, MediaCancelled,
		ShareIssued, ServiceToggled,
	}
}

// Event represents an event in the system.
// Subject is the primary entity the event is about (a job name, share target or service).
// Data carries the payload: a full snapshot for status events, details otherwise.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

type subscriber struct {
	ch     chan Event
	filter map[Type]struct{} // empty accepts every type
}

func (s *subscriber) wants(t Type) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Bus fans events out to in-process subscribers. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Subscription]*subscriber
	closed bool

	logger     zerolog.Logger
	bufferSize int
	dropped    atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the channel buffer size for new subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

const defaultBufferSize = 16

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[Subscription]*subscriber),
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe returns a subscription for the given types, or for every type
// when none are given. Subscribing to a closed bus yields a closed channel.
func (b *Bus) Subscribe(types ...Type) Subscription {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		s.filter = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs[s.ch] = s

	return s.ch
}

// Unsubscribe closes sub and stops delivery to it. Unknown or already
// removed subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(s.ch)
	}
}

// Publish delivers event to every subscriber that accepts its type.
// A zero Timestamp is set to now.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}

	b.logger.Debug().
		Str("type", string(event.Type)).
		Int("delivered", delivered).
		Msg("event published")
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, s := range b.subs {
		close(s.ch)
		delete(b.subs, key)
	}
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
