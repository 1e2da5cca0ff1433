// Package diff compares the code-declared entity set against live
// catalog state and classifies every identity into the action the
// orchestrator must take.
package diff

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/graph"
)

// Class is the per-identity diff classification. Classification is a
// total function: every identity in (declared ∪ catalog) receives
// exactly one Class.
type Class string

const (
	// Create: declared, absent from the catalog.
	Create Class = "create"
	// Recreate: declared and present, but the stored fingerprint
	// differs, or a direct/transitive dependency is changing shape.
	Recreate Class = "recreate"
	// Drop: present in the catalog with no declared counterpart.
	Drop Class = "drop"
	// Unchanged: fingerprints match and nothing downstream forces a
	// rebuild.
	Unchanged Class = "unchanged"
)

// Record is one managed object currently in the database, as reported
// by the catalog introspector. Read-only to this package.
type Record struct {
	Ref         entity.Ref
	Kind        entity.Kind
	Fingerprint string

	// OnTable is set for trigger records: the table the trigger is
	// attached to, needed to address the trigger in DROP statements.
	OnTable entity.Ref
}

// Result is the computed diff, consumed once by the sync planner.
type Result struct {
	classes map[string]Class
	refs    map[string]entity.Ref

	// dropRecords holds catalog records classified Drop, keyed for
	// plan assembly (the declared set has no entity for them).
	dropRecords map[string]Record

	// stored holds every catalog record by identity. Drops of existing
	// objects must address the kind the database reports, which can
	// differ from the kind now declared under the same identity.
	stored map[string]Record
}

// ConsistencyError reports a to-be-dropped catalog object that a
// retained declared entity still depends on. Executing such a plan
// would leave a dangling reference, so the run aborts before touching
// the database.
type ConsistencyError struct {
	Dropped   entity.Ref
	Dependers []entity.Ref
}

func (e *ConsistencyError) Error() string {
	names := make([]string, len(e.Dependers))
	for i, r := range e.Dependers {
		names[i] = r.String()
	}
	return fmt.Sprintf("STALE_REFERENCE: %s would be dropped but is still depended on by %s",
		e.Dropped.String(), strings.Join(names, ", "))
}

// IsConsistencyError returns true if err is a diff consistency error.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// Compute classifies every identity and propagates forced recreation.
//
// Step 1 classifies directly: declared-only -> Create, fingerprint
// mismatch -> Recreate, match -> Unchanged, catalog-only -> Drop.
//
// Step 2 walks the DAG's reverse edges from every directly-changed
// identity and forces all transitive dependents to Recreate. An
// unchanged object cannot be left referencing a dependency that is
// about to be dropped and recreated mid-sync, and this system has no
// way to prove an unchanged object semantically safe, so conservative
// recreation is the always-correct choice.
//
// Step 3 rejects plans where a Drop-classified object is still a
// declared dependency of a retained entity.
func Compute(g *graph.Graph, records []Record) (*Result, error) {
	r := &Result{
		classes:     make(map[string]Class),
		refs:        make(map[string]entity.Ref),
		dropRecords: make(map[string]Record),
	}

	stored := make(map[string]Record, len(records))
	for _, rec := range records {
		stored[rec.Ref.Key()] = rec
	}
	r.stored = stored

	// Step 1: direct classification.
	var changed []entity.Ref
	for _, ref := range g.Order() {
		key := ref.Key()
		r.refs[key] = ref
		e, _ := g.Entity(ref)
		fp, err := e.Fingerprint()
		if err != nil {
			return nil, err
		}
		rec, present := stored[key]
		switch {
		case !present:
			r.classes[key] = Create
			changed = append(changed, ref)
		case rec.Fingerprint != fp:
			r.classes[key] = Recreate
			changed = append(changed, ref)
		default:
			r.classes[key] = Unchanged
		}
	}
	for key, rec := range stored {
		if _, declared := r.classes[key]; declared {
			continue
		}
		r.classes[key] = Drop
		r.refs[key] = rec.Ref
		r.dropRecords[key] = rec
		changed = append(changed, rec.Ref)
	}

	// Step 2: transitive propagation over reverse edges.
	for key := range g.DependentsOf(changed) {
		if r.classes[key] == Unchanged {
			r.classes[key] = Recreate
		}
	}

	// Step 3: a dropped object still depended on by a retained entity
	// is an ambiguous reference; refuse to execute. Explicit deps can
	// never hit this (they must resolve to declared entities), so the
	// real hazard is an unmanaged reference naming an object the
	// catalog says we own.
	for key, rec := range r.dropRecords {
		var dependers []entity.Ref
		for _, ref := range g.Order() {
			e, _ := g.Entity(ref)
			deps := append([]entity.Ref(nil), e.UnmanagedDependencies()...)
			deps = append(deps, e.RefreshTriggerTables()...)
			for _, dep := range deps {
				if dep.Key() == key {
					dependers = append(dependers, ref)
					break
				}
			}
		}
		if len(dependers) > 0 {
			sort.Slice(dependers, func(i, j int) bool { return dependers[i].Less(dependers[j]) })
			return nil, &ConsistencyError{Dropped: rec.Ref, Dependers: dependers}
		}
	}

	return r, nil
}

// Class returns the classification for an identity. The second return
// is false for identities outside this diff.
func (r *Result) Class(ref entity.Ref) (Class, bool) {
	c, ok := r.classes[ref.Key()]
	return c, ok
}

// Refs returns every classified identity with the given class, in
// deterministic identity order.
func (r *Result) Refs(class Class) []entity.Ref {
	var out []entity.Ref
	for key, c := range r.classes {
		if c == class {
			out = append(out, r.refs[key])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// DropRecord returns the catalog record behind a Drop classification.
func (r *Result) DropRecord(ref entity.Ref) (Record, bool) {
	rec, ok := r.dropRecords[ref.Key()]
	return rec, ok
}

// StoredRecord returns the catalog record for an identity currently in
// the database, regardless of classification. Recreated identities use
// it to address the existing object by its actual kind.
func (r *Result) StoredRecord(ref entity.Ref) (Record, bool) {
	rec, ok := r.stored[ref.Key()]
	return rec, ok
}

// Clean reports whether the diff contains no work: every declared
// entity Unchanged and nothing to drop.
func (r *Result) Clean() bool {
	for _, c := range r.classes {
		if c != Unchanged {
			return false
		}
	}
	return true
}

// Len returns the number of classified identities.
func (r *Result) Len() int {
	return len(r.classes)
}
