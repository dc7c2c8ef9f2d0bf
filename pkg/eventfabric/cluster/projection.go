package cluster

import (
	"fmt"
	"slices"
	"strings"
)

// Predicate selects members.
type Predicate func(m Member) bool

// Projection is a named, immutable node predicate. A projection that matches
// no live member is legal to construct; resolving it for a targeted
// operation fails with ErrEmptyProjection.
//
// The zero Projection matches every member.
type Projection struct {
	name string
	pred Predicate
}

// ForPredicate creates a projection from an arbitrary predicate.
func ForPredicate(name string, pred Predicate) Projection {
	if name == "" {
		name = "predicate"
	}
	return Projection{name: name, pred: pred}
}

// All matches every live member.
func All() Projection {
	return Projection{name: "all"}
}

// Nodes matches the members with the given IDs.
func Nodes(ids ...string) Projection {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return Projection{
		name: "nodes[" + strings.Join(slices.Compact(sorted), ",") + "]",
		pred: func(m Member) bool {
			_, ok := set[m.ID]
			return ok
		},
	}
}

// Local matches only the member localID.
func Local(localID string) Projection {
	return Projection{
		name: "local",
		pred: func(m Member) bool { return m.ID == localID },
	}
}

// Remotes matches every member except localID.
func Remotes(localID string) Projection {
	return Projection{
		name: "remotes",
		pred: func(m Member) bool { return m.ID != localID },
	}
}

// WithAttribute matches members whose attribute key equals value.
func WithAttribute(key, value string) Projection {
	return Projection{
		name: fmt.Sprintf("attr[%s=%s]", key, value),
		pred: func(m Member) bool {
			v, ok := m.Attributes[key]
			return ok && v == value
		},
	}
}

// And matches members matched by every projection in ps.
func And(ps ...Projection) Projection {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return Projection{
		name: "and(" + strings.Join(names, ",") + ")",
		pred: func(m Member) bool {
			for _, p := range ps {
				if !p.Match(m) {
					return false
				}
			}
			return true
		},
	}
}

// Name returns the projection's name.
func (p Projection) Name() string {
	if p.name == "" {
		return "all"
	}
	return p.name
}

// String implements fmt.Stringer.
func (p Projection) String() string { return p.Name() }

// Match reports whether m is selected.
func (p Projection) Match(m Member) bool {
	if p.pred == nil {
		return true
	}
	return p.pred(m)
}
