package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// MaxDepth bounds inheritance chains. Defaults to DefaultMaxDepth.
	MaxDepth int
}

// Resolver produces fully merged class definitions for one schema version.
// Resolution results are memoized per class name; loading a schema with a
// different content hash discards the memo.
type Resolver struct {
	opts  ResolverOptions
	state atomic.Pointer[resolverState]
}

// resolverState is everything derived from one schema version. It is replaced
// wholesale on reload so in-flight resolutions finish against the version
// they started with.
type resolverState struct {
	schema *Schema
	hash   string
	graph  *InheritanceGraph

	maxDepth int

	// resolved maps class names to *ResolvedClassDef
	resolved sync.Map

	// mros maps class names to their linearization
	mros sync.Map

	group singleflight.Group
}

// NewResolver creates a resolver for schema.
func NewResolver(schema *Schema, opts ResolverOptions) (*Resolver, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	r := &Resolver{opts: opts}
	if _, err := r.Load(schema); err != nil {
		return nil, err
	}
	return r, nil
}

// Load installs schema as the current version. It reports whether the content
// hash changed; an unchanged schema keeps the existing memo.
func (r *Resolver) Load(schema *Schema) (bool, error) {
	if schema == nil {
		return false, NewPermanentError("schema is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := checkEntries(schema); err != nil {
		return false, err
	}
	hash, err := ComputeSchemaHash(schema)
	if err != nil {
		return false, err
	}
	if current := r.state.Load(); current != nil && current.hash == hash {
		return false, nil
	}
	r.state.Store(r.newState(schema, hash))
	return true, nil
}

// checkEntries rejects nil definitions, which can only come from schemas
// built in code.
func checkEntries(schema *Schema) error {
	nilEntry := func(kind, name string) error {
		return NewPermanentError(fmt.Sprintf("%s %q has no definition", kind, name), nil).
			WithCode(ErrCodeValidation).
			WithResource(name)
	}
	for _, name := range sortedKeys(schema.Classes) {
		class := schema.Classes[name]
		if class == nil {
			return nilEntry("class", name)
		}
		for _, slot := range sortedKeys(class.SlotUsage) {
			if class.SlotUsage[slot] == nil {
				return nilEntry("slot usage", name+"."+slot)
			}
		}
		for _, slot := range sortedKeys(class.Attributes) {
			if class.Attributes[slot] == nil {
				return nilEntry("attribute", name+"."+slot)
			}
		}
		for _, key := range sortedKeys(class.UniqueKeys) {
			if class.UniqueKeys[key] == nil {
				return nilEntry("unique key", name+"."+key)
			}
		}
	}
	for _, name := range sortedKeys(schema.Slots) {
		if schema.Slots[name] == nil {
			return nilEntry("slot", name)
		}
	}
	for _, name := range sortedKeys(schema.Enums) {
		if schema.Enums[name] == nil {
			return nilEntry("enum", name)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// Invalidate drops every memoized result for the current schema version.
func (r *Resolver) Invalidate() {
	current := r.state.Load()
	r.state.Store(r.newState(current.schema, current.hash))
}

func (r *Resolver) newState(schema *Schema, hash string) *resolverState {
	return &resolverState{
		schema:   schema,
		hash:     hash,
		graph:    NewInheritanceGraph(schema, r.opts.MaxDepth),
		maxDepth: r.opts.MaxDepth,
	}
}

// Schema returns the current schema.
func (r *Resolver) Schema() *Schema { return r.state.Load().schema }

// SchemaHash returns the content hash of the current schema.
func (r *Resolver) SchemaHash() string { return r.state.Load().hash }

// Resolve returns the merged definition of className.
func (r *Resolver) Resolve(className string) (*ResolvedClassDef, error) {
	return r.state.Load().resolve(className)
}

// Linearize returns the MRO of className, head first.
func (r *Resolver) Linearize(className string) ([]string, error) {
	st := r.state.Load()
	if err := st.graph.CheckAncestry(className); err != nil {
		return nil, err
	}
	mro, err := st.linearize(className, 0)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), mro...), nil
}

// TopologicalOrder returns every class ancestors-first.
func (r *Resolver) TopologicalOrder() ([]string, error) {
	return r.state.Load().graph.TopologicalOrder()
}

// ResolveAll resolves every class of the schema in topological order.
func (r *Resolver) ResolveAll() ([]*ResolvedClassDef, error) {
	st := r.state.Load()
	if err := st.graph.DetectCycles(); err != nil {
		return nil, err
	}
	order, err := st.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := make([]*ResolvedClassDef, 0, len(order))
	for _, name := range order {
		resolved, err := st.resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (st *resolverState) resolve(className string) (*ResolvedClassDef, error) {
	if v, ok := st.resolved.Load(className); ok {
		return v.(*ResolvedClassDef), nil
	}

	v, err, _ := st.group.Do(className, func() (interface{}, error) {
		if v, ok := st.resolved.Load(className); ok {
			return v, nil
		}
		resolved, err := st.build(className)
		if err != nil {
			return nil, err
		}
		st.resolved.Store(className, resolved)
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedClassDef), nil
}

func (st *resolverState) build(className string) (*ResolvedClassDef, error) {
	if err := st.graph.CheckAncestry(className); err != nil {
		return nil, err
	}

	mro, err := st.linearize(className, 0)
	if err != nil {
		return nil, err
	}

	merged := st.merge(st.schema.Classes[className], mro)

	slots, err := st.effectiveSlots(merged)
	if err != nil {
		return nil, err
	}

	return &ResolvedClassDef{
		ClassDef:       *merged,
		MRO:            append([]string(nil), mro...),
		SchemaID:       st.schema.ID,
		SchemaHash:     st.hash,
		EffectiveSlots: slots,
	}, nil
}

// linearize computes the C3 linearization:
// L[C] = C + merge(L[P1], ..., L[Pn], [P1, ..., Pn]).
func (st *resolverState) linearize(className string, depth int) ([]string, error) {
	if depth > st.maxDepth {
		return nil, NewPermanentError(
			fmt.Sprintf("maximum inheritance depth %d exceeded", st.maxDepth), nil,
		).WithCode(ErrCodeInvalidInheritance).WithResource(className)
	}
	if v, ok := st.mros.Load(className); ok {
		return v.([]string), nil
	}

	class, ok := st.schema.Classes[className]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("class %s not found", className), nil).
			WithCode(ErrCodeClassNotFound).
			WithResource(className)
	}

	parents := class.Parents()
	seqs := make([][]string, 0, len(parents)+1)
	for _, parent := range parents {
		l, err := st.linearize(parent, depth+1)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, append([]string(nil), l...))
	}
	seqs = append(seqs, append([]string(nil), parents...))

	tail, err := c3Merge(seqs)
	if err != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("cannot compute a consistent linearization for %s", className), err,
		).WithCode(ErrCodeInvalidInheritance).WithResource(className)
	}

	mro := make([]string, 0, len(tail)+1)
	mro = append(mro, className)
	mro = append(mro, tail...)
	st.mros.Store(className, mro)
	return mro, nil
}

// c3Merge repeatedly takes the first list head that does not appear in the
// tail of any other list.
func c3Merge(seqs [][]string) ([]string, error) {
	var out []string
	for {
		pending := seqs[:0]
		for _, seq := range seqs {
			if len(seq) > 0 {
				pending = append(pending, seq)
			}
		}
		seqs = pending
		if len(seqs) == 0 {
			return out, nil
		}

		head := ""
		for _, seq := range seqs {
			if !inAnyTail(seq[0], seqs) {
				head = seq[0]
				break
			}
		}
		if head == "" {
			heads := make([]string, len(seqs))
			for i, seq := range seqs {
				heads[i] = seq[0]
			}
			return nil, fmt.Errorf("no consistent head among [%s]", strings.Join(heads, ", "))
		}

		out = append(out, head)
		for i, seq := range seqs {
			if seq[0] == head {
				seqs[i] = seq[1:]
			}
		}
	}
}

func inAnyTail(name string, seqs [][]string) bool {
	for _, seq := range seqs {
		for _, n := range seq[1:] {
			if n == name {
				return true
			}
		}
	}
	return false
}
