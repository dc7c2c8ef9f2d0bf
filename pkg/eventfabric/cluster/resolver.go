package cluster

import (
	"errors"
	"fmt"
)

// ErrEmptyProjection is returned when a projection targets no live node.
var ErrEmptyProjection = errors.New("cluster: projection resolves to no nodes")

// EmptyProjectionError is the detailed form of ErrEmptyProjection.
type EmptyProjectionError struct {
	Projection string
	Live       int
}

// Error implements error.
func (e *EmptyProjectionError) Error() string {
	return fmt.Sprintf("cluster: projection %s matched none of %d live nodes", e.Projection, e.Live)
}

// Is matches ErrEmptyProjection.
func (e *EmptyProjectionError) Is(target error) bool {
	return target == ErrEmptyProjection
}

// Resolver evaluates projections against a Membership.
type Resolver struct {
	membership Membership
}

// NewResolver creates a Resolver over m.
func NewResolver(m Membership) *Resolver {
	return &Resolver{membership: m}
}

// Membership returns the underlying view.
func (r *Resolver) Membership() Membership {
	return r.membership
}

// Resolve returns the live members selected by p, sorted by ID. An empty
// result is an *EmptyProjectionError.
func (r *Resolver) Resolve(p Projection) ([]Member, error) {
	snapshot := r.membership.Snapshot()
	out := filterMembers(snapshot, p)
	if len(out) == 0 {
		return nil, &EmptyProjectionError{Projection: p.Name(), Live: len(snapshot)}
	}
	return out, nil
}

// Members is like Resolve but returns an empty slice instead of an error.
func (r *Resolver) Members(p Projection) []Member {
	return filterMembers(r.membership.Snapshot(), p)
}

func filterMembers(snapshot []Member, p Projection) []Member {
	out := make([]Member, 0, len(snapshot))
	for _, m := range snapshot {
		if p.Match(m) {
			out = append(out, m)
		}
	}
	return out
}
