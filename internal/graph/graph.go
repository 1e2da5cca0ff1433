// Package graph assembles declared entities into a validated directed
// acyclic dependency graph and provides the deterministic orderings
// the diff and sync layers build on.
package graph

import (
	"fmt"
	"sort"

	"github.com/derivelabs/derive/internal/entity"
)

// Graph is the validated DAG over one run's declared entity set.
// Managed edges come from explicit dependencies; unmanaged references
// (external tables, matview refresh-trigger tables) participate only
// in reverse-reachability walks, never in validation.
type Graph struct {
	byKey map[string]*entity.Entity
	refs  map[string]entity.Ref // every node key ever mentioned, incl. unmanaged

	// adj holds managed dependency edges: entity key -> dependency keys.
	adj map[string][]string

	// revAdj holds reverse edges over managed AND unmanaged
	// dependencies: dependency key -> dependent entity keys.
	revAdj map[string][]string

	order []entity.Ref // forward topological order, deterministic
}

// Edge is one exported dependency edge (From depends on To).
type Edge struct {
	From      entity.Ref
	To        entity.Ref
	Unmanaged bool
}

// Build validates the declared entity set and returns its dependency
// graph. All declaration errors (duplicate identities, dangling
// explicit dependencies, managed/unmanaged confusion, cycles) are
// fatal and reported before any database I/O can happen.
func Build(entities []entity.Entity) (*Graph, error) {
	g := &Graph{
		byKey:  make(map[string]*entity.Entity, len(entities)),
		refs:   make(map[string]entity.Ref),
		adj:    make(map[string][]string),
		revAdj: make(map[string][]string),
	}

	for i := range entities {
		e := &entities[i]
		if err := e.ValidateName(); err != nil {
			return nil, err
		}
		ref := e.Ref()
		key := ref.Key()
		if _, dup := g.byKey[key]; dup {
			return nil, newDeclarationError(ErrCodeDuplicateIdentity,
				"non-unique database identity declared", ref)
		}
		g.byKey[key] = e
		g.refs[key] = ref
	}

	var dangling, confused []entity.Ref
	for _, key := range g.sortedKeys() {
		e := g.byKey[key]
		for _, dep := range e.Dependencies() {
			dk := dep.Key()
			if _, ok := g.byKey[dk]; !ok {
				dangling = append(dangling, dep)
				continue
			}
			g.adj[key] = append(g.adj[key], dk)
			g.revAdj[dk] = append(g.revAdj[dk], key)
		}
		unmanaged := append([]entity.Ref(nil), e.UnmanagedDependencies()...)
		unmanaged = append(unmanaged, e.RefreshTriggerTables()...)
		for _, dep := range unmanaged {
			dk := dep.Key()
			if _, ok := g.byKey[dk]; ok {
				confused = append(confused, dep)
				continue
			}
			g.refs[dk] = dep
			g.revAdj[dk] = append(g.revAdj[dk], key)
		}
	}
	if len(dangling) > 0 {
		sortRefs(dangling)
		return nil, newDeclarationError(ErrCodeDanglingReference,
			"nonexistent dependencies referenced", dangling...)
	}
	if len(confused) > 0 {
		sortRefs(confused)
		return nil, newDeclarationError(ErrCodeTypeConfusion,
			"managed entity also declared as unmanaged dependency", confused...)
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	g.order = g.topoSort()
	return g, nil
}

// checkCycles reports the first strongly connected component that
// forms a cycle, as an ordered walkable path.
func (g *Graph) checkCycles() error {
	keys := g.sortedKeys()
	for _, scc := range tarjanSCC(keys, g.adj) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], g.adj)) {
			path := orderCycle(scc, g.adj)
			refs := make([]entity.Ref, len(path))
			for i, k := range path {
				refs[i] = g.refs[k]
			}
			return newDeclarationError(ErrCodeDependencyCycle,
				"dependency cycle detected", refs...)
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm with a sorted ready set. The sorted
// tie-break makes repeated runs over identical input produce
// byte-identical orders, which the plan layer relies on for dry-run
// diffing.
func (g *Graph) topoSort() []entity.Ref {
	indegree := make(map[string]int, len(g.byKey))
	for key := range g.byKey {
		indegree[key] = len(g.adj[key])
	}

	var ready []string
	for key, deg := range indegree {
		if deg == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	order := make([]entity.Ref, 0, len(g.byKey))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, g.refs[key])

		var unlocked []string
		for _, dependent := range g.revAdj[key] {
			if _, managed := g.byKey[dependent]; !managed {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}
	return order
}

// Order returns managed entity identities in forward topological
// order: every dependency precedes its dependents.
func (g *Graph) Order() []entity.Ref {
	return append([]entity.Ref(nil), g.order...)
}

// ReverseOrder returns managed entity identities with every dependent
// preceding its dependencies, the safe order for drops.
func (g *Graph) ReverseOrder() []entity.Ref {
	out := make([]entity.Ref, len(g.order))
	for i, r := range g.order {
		out[len(g.order)-1-i] = r
	}
	return out
}

// Entity resolves an identity to its declared entity, if managed.
func (g *Graph) Entity(ref entity.Ref) (*entity.Entity, bool) {
	e, ok := g.byKey[ref.Key()]
	return e, ok
}

// Contains reports whether the identity names any known node, managed
// or unmanaged. Used to validate user-supplied subtree roots.
func (g *Graph) Contains(ref entity.Ref) bool {
	_, ok := g.refs[ref.Key()]
	return ok
}

// Len returns the number of managed entities.
func (g *Graph) Len() int {
	return len(g.byKey)
}

// DependentsOf computes the closure of managed entities that directly
// or transitively depend on any of the given roots, walking reverse
// edges over both managed and unmanaged dependencies. Roots themselves
// are included when they are managed.
func (g *Graph) DependentsOf(roots []entity.Ref) map[string]bool {
	closure := make(map[string]bool)
	var walk func(key string)
	walk = func(key string) {
		if closure[key] {
			return
		}
		closure[key] = true
		for _, dependent := range g.revAdj[key] {
			walk(dependent)
		}
	}
	for _, root := range roots {
		walk(root.Key())
	}

	out := make(map[string]bool, len(closure))
	for key := range closure {
		if _, managed := g.byKey[key]; managed {
			out[key] = true
		}
	}
	return out
}

// Edges exports every dependency edge for external diagram rendering,
// sorted for stable output.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, key := range g.sortedKeys() {
		e := g.byKey[key]
		from := g.refs[key]
		for _, dep := range e.Dependencies() {
			edges = append(edges, Edge{From: from, To: dep})
		}
		unmanaged := append([]entity.Ref(nil), e.UnmanagedDependencies()...)
		unmanaged = append(unmanaged, e.RefreshTriggerTables()...)
		for _, dep := range unmanaged {
			edges = append(edges, Edge{From: from, To: dep, Unmanaged: true})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From.Less(edges[j].From)
		}
		return edges[i].To.Less(edges[j].To)
	})
	return edges
}

func (g *Graph) sortedKeys() []string {
	keys := make([]string, 0, len(g.byKey))
	for key := range g.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortRefs(refs []entity.Ref) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}

// FormatEdge renders one edge for the graph export listing.
func FormatEdge(e Edge) string {
	marker := ""
	if e.Unmanaged {
		marker = " [unmanaged]"
	}
	return fmt.Sprintf("%s -> %s%s", e.To.String(), e.From.String(), marker)
}
