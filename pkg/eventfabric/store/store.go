// Package store holds the bounded, per-node log of recorded events.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// DefaultCapacity is the number of records retained when Config.Capacity
// is not set.
const DefaultCapacity = 10000

// Config configures a Store.
type Config struct {
	// Capacity bounds the number of retained records. Zero means
	// DefaultCapacity. When full, the oldest record is evicted.
	Capacity int

	// MaxAge additionally evicts records older than this. Zero disables
	// age-based eviction.
	MaxAge time.Duration

	// Archive, if set, receives every evicted record.
	Archive Archive

	// Logger reports archive failures. Nil uses slog.Default().
	Logger *slog.Logger

	// Now overrides the clock used for MaxAge.
	Now func() time.Time
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Retained int    `json:"retained"`
	Capacity int    `json:"capacity"`
	Recorded uint64 `json:"recorded"`
	Evicted  uint64 `json:"evicted"`
}

// FilterError reports a filter that panicked during Query.
type FilterError struct {
	RecordID string
	Panic    any
}

// Error implements the error interface.
func (e *FilterError) Error() string {
	return fmt.Sprintf("filter panicked on record %s: %v", e.RecordID, e.Panic)
}

// Store is a fixed-capacity ring of records in recording order.
//
// Append is atomic with respect to concurrent appends: every record gets a
// unique sequence number and is evicted at most once.
type Store struct {
	mu       sync.RWMutex
	buf      []event.Record
	head     int // index of the oldest record
	size     int
	seq      uint64
	evicted  uint64
	maxAge   time.Duration
	archive  Archive
	logger   *slog.Logger
	now      func() time.Time
	capacity int
}

// New creates a store.
func New(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		buf:      make([]event.Record, cfg.Capacity),
		capacity: cfg.Capacity,
		maxAge:   cfg.MaxAge,
		archive:  cfg.Archive,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Append stores rec, assigning its sequence number, and returns the stored
// copy together with any records evicted to make room.
func (s *Store) Append(rec event.Record) (event.Record, []event.Record) {
	rec = rec.Clone()

	s.mu.Lock()
	s.seq++
	rec.Seq = s.seq

	evicted := s.expireLocked()
	if s.size == s.capacity {
		evicted = append(evicted, s.popLocked())
	}
	s.buf[(s.head+s.size)%s.capacity] = rec
	s.size++
	s.mu.Unlock()

	if len(evicted) > 0 && s.archive != nil {
		if err := s.archive.Append(context.Background(), evicted); err != nil {
			s.logger.Warn("archive append failed",
				slog.Int("records", len(evicted)),
				slog.String("error", err.Error()))
		}
	}
	return rec, evicted
}

// expireLocked pops records older than maxAge.
func (s *Store) expireLocked() []event.Record {
	if s.maxAge <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.maxAge)
	var out []event.Record
	for s.size > 0 && s.buf[s.head].Timestamp.Before(cutoff) {
		out = append(out, s.popLocked())
	}
	return out
}

func (s *Store) popLocked() event.Record {
	rec := s.buf[s.head]
	s.buf[s.head] = event.Record{}
	s.head = (s.head + 1) % s.capacity
	s.size--
	s.evicted++
	return rec
}

// snapshot copies the live records in recording order.
func (s *Store) snapshot() []event.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Record, 0, s.size)
	var cutoff time.Time
	if s.maxAge > 0 {
		cutoff = s.now().Add(-s.maxAge)
	}
	for i := range s.size {
		rec := s.buf[(s.head+i)%s.capacity]
		if !cutoff.IsZero() && rec.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Query returns, in recording order, every retained record matched by f.
// A nil filter matches everything. A panicking filter aborts the query with
// a *FilterError.
//
// The filter runs outside the store lock, so a slow filter never blocks
// producers.
func (s *Store) Query(f event.Filter) (out []event.Record, err error) {
	recs := s.snapshot()
	if f == nil {
		for i := range recs {
			recs[i] = recs[i].Clone()
		}
		return recs, nil
	}

	var current string
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &FilterError{RecordID: current, Panic: r}
		}
	}()

	for _, rec := range recs {
		current = rec.ID
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity returns the configured capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Stats returns counters for the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Retained: s.size,
		Capacity: s.capacity,
		Recorded: s.seq,
		Evicted:  s.evicted,
	}
}

// Reset drops every retained record without archiving them. Sequence
// numbers keep increasing.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.head, s.size = 0, 0
}
