package engine

import (
	"fmt"
	"sort"
)

// DefaultMaxDepth bounds inheritance chains and slot-level inheritance.
const DefaultMaxDepth = 100

// InheritanceGraph indexes the is_a and mixin edges of a schema.
// It validates references, detects cycles and produces a topological order.
type InheritanceGraph struct {
	// classes maps class names to their definitions
	classes map[string]*ClassDef

	// parents maps a class to its direct ancestors (is_a first, then mixins)
	parents map[string][]string

	// children maps a class to the classes that inherit from it
	children map[string][]string

	// inDegree tracks the number of existing parents for each class
	inDegree map[string]int

	maxDepth int
}

// NewInheritanceGraph builds the graph for a schema. References to classes
// missing from the schema are kept as edges so they can be reported by
// CheckAncestry; they do not count toward in-degrees.
func NewInheritanceGraph(schema *Schema, maxDepth int) *InheritanceGraph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	g := &InheritanceGraph{
		classes:  schema.Classes,
		parents:  make(map[string][]string, len(schema.Classes)),
		children: make(map[string][]string, len(schema.Classes)),
		inDegree: make(map[string]int, len(schema.Classes)),
		maxDepth: maxDepth,
	}
	if g.classes == nil {
		g.classes = map[string]*ClassDef{}
	}

	for name, class := range g.classes {
		g.inDegree[name] = 0
		parents := class.Parents()
		g.parents[name] = parents
		for _, p := range parents {
			if _, ok := g.classes[p]; !ok {
				continue
			}
			g.children[p] = append(g.children[p], name)
			g.inDegree[name]++
		}
	}

	return g
}

// CheckAncestry walks every ancestor reachable from name and fails on the
// first missing parent or mixin, non-mixin class used as a mixin, cycle, or
// chain longer than the depth limit.
func (g *InheritanceGraph) CheckAncestry(name string) error {
	if _, ok := g.classes[name]; !ok {
		return NewPermanentError(fmt.Sprintf("class %s not found", name), nil).
			WithCode(ErrCodeClassNotFound).
			WithResource(name)
	}
	return g.walk(name, nil, make(map[string]bool), make(map[string]bool))
}

// DetectCycles checks every class in the schema.
func (g *InheritanceGraph) DetectCycles() error {
	done := make(map[string]bool)
	for _, name := range g.sortedNames() {
		if done[name] {
			continue
		}
		if err := g.walk(name, nil, make(map[string]bool), done); err != nil {
			return err
		}
	}
	return nil
}

// walk performs the depth-first search. path holds the current chain from the
// starting class; onPath mirrors it for constant-time membership checks.
func (g *InheritanceGraph) walk(name string, path []string, onPath, done map[string]bool) error {
	if len(path) >= g.maxDepth {
		return NewPermanentError(
			fmt.Sprintf("maximum inheritance depth %d exceeded", g.maxDepth), nil,
		).WithCode(ErrCodeInvalidInheritance).WithResource(name)
	}

	class := g.classes[name]
	path = append(path, name)
	onPath[name] = true

	visit := func(next string) error {
		if onPath[next] {
			for i, id := range path {
				if id == next {
					cycle := append(append(make([]string, 0, len(path)-i+1), path[i:]...), next)
					return NewCircularInheritanceError(cycle).WithResource(path[0])
				}
			}
		}
		if done[next] {
			return nil
		}
		return g.walk(next, path, onPath, done)
	}

	if class.IsA != "" {
		if _, ok := g.classes[class.IsA]; !ok {
			return NewPermanentError(
				fmt.Sprintf("class %s has is_a %s which does not exist", name, class.IsA), nil,
			).WithCode(ErrCodeParentNotFound).WithResource(name).WithDetail("parent", class.IsA)
		}
		if err := visit(class.IsA); err != nil {
			return err
		}
	}

	for _, mixin := range class.Mixins {
		mixinClass, ok := g.classes[mixin]
		if !ok {
			return NewPermanentError(
				fmt.Sprintf("class %s uses mixin %s which does not exist", name, mixin), nil,
			).WithCode(ErrCodeMixinNotFound).WithResource(name).WithDetail("mixin", mixin)
		}
		if !mixinClass.Mixin {
			return NewPermanentError(
				fmt.Sprintf("class %s uses %s as a mixin but it is not declared mixin", name, mixin), nil,
			).WithCode(ErrCodeInvalidInheritance).WithResource(name).WithDetail("mixin", mixin)
		}
		if err := visit(mixin); err != nil {
			return err
		}
	}

	onPath[name] = false
	done[name] = true
	return nil
}

// TopologicalOrder returns all classes ancestors-first using Kahn's algorithm.
// Classes that become ready together are emitted in name order so the result
// is deterministic.
func (g *InheritanceGraph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		inDegree[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	order := make([]string, 0, len(g.classes))
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		order = append(order, currentLevel...)

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			for _, child := range g.children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					nextLevel = append(nextLevel, child)
				}
			}
		}
		currentLevel = nextLevel
	}

	if len(order) != len(g.classes) {
		remaining := make([]string, 0, len(g.classes)-len(order))
		for id, degree := range inDegree {
			if degree > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, NewPermanentError(
			fmt.Sprintf("circular inheritance detected: %d classes could not be ordered", len(remaining)), nil,
		).WithCode(ErrCodeCircularInheritance).WithDetail("classes", remaining)
	}

	return order, nil
}

func (g *InheritanceGraph) sortedNames() []string {
	names := make([]string, 0, len(g.classes))
	for name := range g.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
