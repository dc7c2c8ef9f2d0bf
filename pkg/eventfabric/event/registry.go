package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownFilterKind is returned when decoding a Spec whose kind has not
// been registered.
var ErrUnknownFilterKind = errors.New("unknown filter kind")

// Decoder rebuilds a filter from its Spec arguments. Composite decoders use
// reg to decode their members.
type Decoder func(args json.RawMessage, reg *FilterRegistry) (Filter, error)

// FilterKind describes a portable filter kind.
type FilterKind struct {
	// Kind is the wire name (e.g., "types", "expr").
	Kind string

	// Description explains what the filter selects.
	Description string

	// Decode rebuilds the filter on the receiving node.
	Decode Decoder
}

// FilterRegistry maps filter kinds to decoders. Every node that serves
// remote queries must know every kind its peers send.
type FilterRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*FilterKind
}

// NewFilterRegistry creates a registry preloaded with the built-in kinds.
func NewFilterRegistry() *FilterRegistry {
	r := &FilterRegistry{kinds: make(map[string]*FilterKind)}
	for _, k := range builtinKinds() {
		r.kinds[k.Kind] = k
	}
	return r
}

// Register adds a filter kind. Registering an existing kind replaces it.
func (r *FilterRegistry) Register(kind *FilterKind) error {
	if kind == nil || kind.Kind == "" {
		return fmt.Errorf("filter kind is required")
	}
	if kind.Decode == nil {
		return fmt.Errorf("filter kind %s: decoder is required", kind.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind.Kind] = kind
	return nil
}

// Get returns the registered kind.
func (r *FilterRegistry) Get(kind string) (*FilterKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[kind]
	return k, ok
}

// Kinds returns the registered kind names, sorted.
func (r *FilterRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Decode rebuilds the filter described by spec.
func (r *FilterRegistry) Decode(spec Spec) (Filter, error) {
	k, ok := r.Get(spec.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilterKind, spec.Kind)
	}
	f, err := k.Decode(spec.Args, r)
	if err != nil {
		return nil, fmt.Errorf("decode %s filter: %w", spec.Kind, err)
	}
	return f, nil
}

// DefaultFilters is the process-wide registry used when a node is not given
// its own.
var DefaultFilters = NewFilterRegistry()

// RegisterFilter adds a kind to DefaultFilters.
func RegisterFilter(kind *FilterKind) error {
	return DefaultFilters.Register(kind)
}

// MustRegisterFilter adds a kind to DefaultFilters and panics on error.
func MustRegisterFilter(kind *FilterKind) {
	if err := RegisterFilter(kind); err != nil {
		panic(err)
	}
}

// DecodeFilter decodes spec with DefaultFilters.
func DecodeFilter(spec Spec) (Filter, error) {
	return DefaultFilters.Decode(spec)
}

// DecodeArgs unmarshals filter arguments into T. It is a convenience for
// custom decoders.
func DecodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	err := json.Unmarshal(args, &v)
	return v, err
}

func builtinKinds() []*FilterKind {
	return []*FilterKind{
		{
			Kind:        KindAll,
			Description: "every record",
			Decode: func(json.RawMessage, *FilterRegistry) (Filter, error) {
				return All(), nil
			},
		},
		{
			Kind:        KindTypes,
			Description: "records of the listed types",
			Decode: func(args json.RawMessage, _ *FilterRegistry) (Filter, error) {
				return decodeAs[TypeFilter](args)
			},
		},
		{
			Kind:        KindNodes,
			Description: "records recorded by the listed nodes",
			Decode: func(args json.RawMessage, _ *FilterRegistry) (Filter, error) {
				return decodeAs[NodeFilter](args)
			},
		},
		{
			Kind:        KindSince,
			Description: "records recorded at or after a time",
			Decode: func(args json.RawMessage, _ *FilterRegistry) (Filter, error) {
				return decodeAs[SinceFilter](args)
			},
		},
		{
			Kind:        KindAttr,
			Description: "records with a payload value",
			Decode: func(args json.RawMessage, _ *FilterRegistry) (Filter, error) {
				return decodeAs[AttrFilter](args)
			},
		},
		{
			Kind:        KindExpr,
			Description: "records matching an expression",
			Decode: func(args json.RawMessage, _ *FilterRegistry) (Filter, error) {
				src, err := DecodeArgs[string](args)
				if err != nil {
					return nil, err
				}
				f, err := Where(src)
				if err != nil {
					return nil, err
				}
				return f, nil
			},
		},
		{
			Kind:        KindAnd,
			Description: "records matching every member",
			Decode: func(args json.RawMessage, reg *FilterRegistry) (Filter, error) {
				members, err := decodeMembers(args, reg)
				return AndFilter(members), err
			},
		},
		{
			Kind:        KindOr,
			Description: "records matching any member",
			Decode: func(args json.RawMessage, reg *FilterRegistry) (Filter, error) {
				members, err := decodeMembers(args, reg)
				return OrFilter(members), err
			},
		},
		{
			Kind:        KindNot,
			Description: "records not matching the inner filter",
			Decode: func(args json.RawMessage, reg *FilterRegistry) (Filter, error) {
				inner, err := DecodeArgs[Spec](args)
				if err != nil {
					return nil, err
				}
				f, err := reg.Decode(inner)
				if err != nil {
					return nil, err
				}
				return Not(f), nil
			},
		},
	}
}

func decodeMembers(args json.RawMessage, reg *FilterRegistry) ([]Filter, error) {
	specs, err := DecodeArgs[[]Spec](args)
	if err != nil {
		return nil, err
	}
	out := make([]Filter, 0, len(specs))
	for _, s := range specs {
		f, err := reg.Decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeAs[T Filter](args json.RawMessage) (Filter, error) {
	f, err := DecodeArgs[T](args)
	if err != nil {
		return nil, err
	}
	return f, nil
}
