package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNotPortable is returned when a filter that cannot be serialized is
// used against a remote node.
var ErrNotPortable = errors.New("filter cannot be sent to remote nodes")

// Filter selects records.
//
// Filters used for remote queries must also implement Portable. Filters
// are evaluated independently of listener type subscriptions.
type Filter interface {
	Match(rec Record) bool
}

// Portable is a filter that can be described by a Spec and rebuilt on
// another node through a FilterRegistry.
type Portable interface {
	Filter
	Spec() (Spec, error)
}

// Spec is the wire description of a portable filter.
type Spec struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FilterFunc adapts a function to Filter. It only works for local queries
// because a closure cannot be sent to another node.
type FilterFunc func(rec Record) bool

// Match implements Filter.
func (f FilterFunc) Match(rec Record) bool {
	return f(rec)
}

// IsPortable reports whether f can be sent to remote nodes.
func IsPortable(f Filter) bool {
	_, ok := f.(Portable)
	return ok
}

// SpecOf returns the wire description of f.
func SpecOf(f Filter) (Spec, error) {
	if f == nil {
		return All().Spec()
	}
	p, ok := f.(Portable)
	if !ok {
		return Spec{}, fmt.Errorf("%w: %T", ErrNotPortable, f)
	}
	return p.Spec()
}

func newSpec(kind string, args any) (Spec, error) {
	if args == nil {
		return Spec{Kind: kind}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Spec{}, fmt.Errorf("encode %s filter: %w", kind, err)
	}
	return Spec{Kind: kind, Args: raw}, nil
}

// Built-in filter kinds.
const (
	KindAll   = "all"
	KindTypes = "types"
	KindNodes = "nodes"
	KindSince = "since"
	KindAttr  = "attr"
	KindExpr  = "expr"
	KindAnd   = "and"
	KindOr    = "or"
	KindNot   = "not"
)

// AllFilter matches every record.
type AllFilter struct{}

// All returns a filter matching every record.
func All() AllFilter { return AllFilter{} }

// Match implements Filter.
func (AllFilter) Match(Record) bool { return true }

// Spec implements Portable.
func (AllFilter) Spec() (Spec, error) { return Spec{Kind: KindAll}, nil }

// TypeFilter matches records of any of the listed types.
type TypeFilter struct {
	Types []Type `json:"types"`
}

// OfType returns a filter matching the given types.
func OfType(types ...Type) TypeFilter {
	return TypeFilter{Types: types}
}

// Match implements Filter.
func (f TypeFilter) Match(rec Record) bool {
	return slices.Contains(f.Types, rec.Type)
}

// Spec implements Portable.
func (f TypeFilter) Spec() (Spec, error) { return newSpec(KindTypes, f) }

// NodeFilter matches records that originated at any of the listed nodes.
type NodeFilter struct {
	Nodes []string `json:"nodes"`
}

// FromNodes returns a filter matching records from the given nodes.
func FromNodes(ids ...string) NodeFilter {
	return NodeFilter{Nodes: ids}
}

// Match implements Filter.
func (f NodeFilter) Match(rec Record) bool {
	return slices.Contains(f.Nodes, rec.NodeID)
}

// Spec implements Portable.
func (f NodeFilter) Spec() (Spec, error) { return newSpec(KindNodes, f) }

// SinceFilter matches records recorded at or after a point in time.
type SinceFilter struct {
	Since time.Time `json:"since"`
}

// Since returns a filter matching records recorded at or after t.
func Since(t time.Time) SinceFilter {
	return SinceFilter{Since: t}
}

// Match implements Filter.
func (f SinceFilter) Match(rec Record) bool {
	return !rec.Timestamp.Before(f.Since)
}

// Spec implements Portable.
func (f SinceFilter) Spec() (Spec, error) { return newSpec(KindSince, f) }

// AttrFilter matches records whose payload value for Key prints as Value.
type AttrFilter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WithPayloadValue returns a filter on a single payload value.
func WithPayloadValue(key string, value any) AttrFilter {
	return AttrFilter{Key: key, Value: valueString(value)}
}

// Match implements Filter.
func (f AttrFilter) Match(rec Record) bool {
	v, ok := rec.Payload[f.Key]
	return ok && valueString(v) == f.Value
}

// Spec implements Portable.
func (f AttrFilter) Spec() (Spec, error) { return newSpec(KindAttr, f) }

// ExprFilter matches records against a compiled Expression.
type ExprFilter struct {
	expr *Expression
}

// Where compiles src into an expression filter.
func Where(src string) (ExprFilter, error) {
	e, err := Compile(src)
	if err != nil {
		return ExprFilter{}, err
	}
	return ExprFilter{expr: e}, nil
}

// MustWhere is like Where but panics on error.
func MustWhere(src string) ExprFilter {
	f, err := Where(src)
	if err != nil {
		panic(err)
	}
	return f
}

// Match implements Filter.
func (f ExprFilter) Match(rec Record) bool {
	if f.expr == nil {
		return false
	}
	return f.expr.Match(rec)
}

// Spec implements Portable.
func (f ExprFilter) Spec() (Spec, error) {
	if f.expr == nil {
		return Spec{}, ErrEmptyExpression
	}
	return newSpec(KindExpr, f.expr.String())
}

// String returns the expression source.
func (f ExprFilter) String() string {
	if f.expr == nil {
		return ""
	}
	return f.expr.String()
}

// AndFilter matches records matched by every member.
type AndFilter []Filter

// And combines filters with logical AND.
func And(filters ...Filter) AndFilter { return AndFilter(filters) }

// Match implements Filter.
func (f AndFilter) Match(rec Record) bool {
	for _, m := range f {
		if !m.Match(rec) {
			return false
		}
	}
	return true
}

// Spec implements Portable. It fails when any member is not portable.
func (f AndFilter) Spec() (Spec, error) { return compositeSpec(KindAnd, f) }

// OrFilter matches records matched by any member.
type OrFilter []Filter

// Or combines filters with logical OR.
func Or(filters ...Filter) OrFilter { return OrFilter(filters) }

// Match implements Filter.
func (f OrFilter) Match(rec Record) bool {
	for _, m := range f {
		if m.Match(rec) {
			return true
		}
	}
	return false
}

// Spec implements Portable. It fails when any member is not portable.
func (f OrFilter) Spec() (Spec, error) { return compositeSpec(KindOr, f) }

// NotFilter inverts a filter.
type NotFilter struct {
	Inner Filter
}

// Not inverts f.
func Not(f Filter) NotFilter { return NotFilter{Inner: f} }

// Match implements Filter.
func (f NotFilter) Match(rec Record) bool { return !f.Inner.Match(rec) }

// Spec implements Portable.
func (f NotFilter) Spec() (Spec, error) {
	inner, err := SpecOf(f.Inner)
	if err != nil {
		return Spec{}, err
	}
	return newSpec(KindNot, inner)
}

func compositeSpec(kind string, members []Filter) (Spec, error) {
	specs := make([]Spec, 0, len(members))
	for _, m := range members {
		s, err := SpecOf(m)
		if err != nil {
			return Spec{}, err
		}
		specs = append(specs, s)
	}
	return newSpec(kind, specs)
}
