// Package logsink is the bounded in-memory connection log: a thread-safe
// ring of timestamped entries with live subscriptions. Appends never block
// producers; a slow subscriber loses its own oldest undelivered entries
// rather than back-pressuring runners.
package logsink

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// Recorder receives every appended entry for durable storage. Must not
// block; the journal satisfies this with a single writer goroutine.
type Recorder interface {
	Record(model.LogEntry)
}

// Sink is the append-only ring plus subscriber registry.
type Sink struct {
	mu       sync.Mutex
	entries  []model.LogEntry
	capacity int
	subs     map[string]chan model.LogEntry
	recorder Recorder
}

// Option configures a Sink.
type Option func(*Sink)

// WithCapacity overrides the ring size. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithRecorder tees every appended entry into a durable journal.
func WithRecorder(r Recorder) Option {
	return func(s *Sink) { s.recorder = r }
}

// New creates a sink with the default ring capacity.
func New(opts ...Option) *Sink {
	s := &Sink{
		capacity: util.LogRingCapacity,
		subs:     make(map[string]chan model.LogEntry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append adds an entry, evicting the oldest when the ring is full, and
// fans it out to subscribers. A zero timestamp is filled in here so
// entries from one client always carry non-decreasing timestamps in
// append order.
func (s *Sink) Append(e model.LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full: drop its oldest entry, never block.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
	rec := s.recorder
	s.mu.Unlock()

	if rec != nil {
		rec.Record(e)
	}
}

// SetRecorder swaps the durable journal, e.g. after the log directory
// setting changes. Entries already recorded stay where they were written.
func (s *Sink) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Recent returns up to n entries in append order, newest last. n <= 0
// returns everything currently retained.
func (s *Sink) Recent(n int) []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]model.LogEntry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// Since returns retained entries with a timestamp at or after t, in
// append order.
func (s *Sink) Since(t time.Time) []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LogEntry
	for _, e := range s.entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops every retained entry. Subscribers keep entries already
// delivered to their channels.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Len reports the number of entries currently retained.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Subscribe registers a live feed of newly appended entries. The returned
// channel is owned by the sink; callers release it with Unsubscribe and
// must not close it.
func (s *Sink) Subscribe() (string, <-chan model.LogEntry) {
	id := uuid.NewString()
	ch := make(chan model.LogEntry, util.SubscriberBuffer)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids
// are ignored.
func (s *Sink) Unsubscribe(id string) {
	s.mu.Lock()
	ch, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}
