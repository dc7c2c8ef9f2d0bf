package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// ErrArchiveClosed is returned by operations on a closed archive.
var ErrArchiveClosed = errors.New("archive closed")

// Archive keeps records evicted from a Store. Archives are never consulted
// by node queries; they exist for offline inspection.
type Archive interface {
	// Append stores evicted records. Each batch is in recording order, but
	// concurrent producers may hand batches over out of order.
	Append(ctx context.Context, recs []event.Record) error

	// Scan calls fn for every archived record matched by f, ordered by node
	// ID and then sequence number, until fn returns false. A nil filter
	// matches everything. fn must not call back into the archive.
	Scan(ctx context.Context, f event.Filter, fn func(event.Record) bool) error

	// Count returns the number of archived records.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// MemoryArchive keeps archived records in memory. It is meant for tests and
// short-lived processes.
type MemoryArchive struct {
	mu     sync.RWMutex
	recs   []event.Record
	limit  int
	closed bool
}

// NewMemoryArchive creates an in-memory archive. A positive limit keeps only
// the last limit records in Scan order.
func NewMemoryArchive(limit int) *MemoryArchive {
	return &MemoryArchive{limit: limit}
}

// Append implements Archive.
func (a *MemoryArchive) Append(_ context.Context, recs []event.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiveClosed
	}
	for _, r := range recs {
		a.recs = append(a.recs, r.Clone())
	}
	slices.SortStableFunc(a.recs, compareRecorded)
	if a.limit > 0 && len(a.recs) > a.limit {
		a.recs = append([]event.Record(nil), a.recs[len(a.recs)-a.limit:]...)
	}
	return nil
}

// Scan implements Archive.
func (a *MemoryArchive) Scan(ctx context.Context, f event.Filter, fn func(event.Record) bool) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrArchiveClosed
	}
	recs := append([]event.Record(nil), a.recs...)
	a.mu.RUnlock()

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f != nil && !f.Match(r) {
			continue
		}
		if !fn(r.Clone()) {
			return nil
		}
	}
	return nil
}

// Count implements Archive.
func (a *MemoryArchive) Count(context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, ErrArchiveClosed
	}
	return len(a.recs), nil
}

// Close implements Archive.
func (a *MemoryArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.recs = nil
	return nil
}

func compareRecorded(a, b event.Record) int {
	if c := cmp.Compare(a.NodeID, b.NodeID); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Compile-time interface checks.
var (
	_ Archive = (*MemoryArchive)(nil)
	_ Archive = (*SQLArchive)(nil)
)
