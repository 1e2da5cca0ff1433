package sync

import (
	"fmt"
	"sort"
	"time"

	"github.com/derivelabs/derive/internal/diff"
	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/graph"
)

// BuildPlan turns a diff result into the ordered action list:
//
//  1. DROP actions for every Drop/Recreate identity, dependents before
//     dependencies. Catalog-only drops come first, in deterministic
//     identity order (their in-database dependency tree is unknown;
//     IF EXISTS plus CASCADE makes the order safe).
//  2. CREATE actions for every Create/Recreate identity, dependencies
//     before dependents, each immediately followed by a SIGN action
//     persisting the fingerprint annotation.
//  3. REFRESH actions for every created materialized view, forward
//     order, non-concurrent (the views were created WITH NO DATA).
//
// A Recreate identity contributes exactly one DROP and one CREATE.
// Unchanged identities contribute nothing. Identical input always
// yields a byte-identical plan.
func BuildPlan(d *diff.Result, g *graph.Graph, now time.Time) (*Plan, error) {
	p := &Plan{}

	// Phase 1: drops.
	for _, ref := range d.Refs(diff.Drop) {
		rec, _ := d.DropRecord(ref)
		p.add(VerbDrop, ref, rec.Kind, recordDropSQL(rec))
	}
	for _, ref := range g.ReverseOrder() {
		if class, _ := d.Class(ref); class != diff.Recreate {
			continue
		}
		e, ok := g.Entity(ref)
		if !ok {
			continue
		}
		// Drop by the kind the catalog reports, not the kind now
		// declared: a declaration may have changed kind under the same
		// identity, and PostgreSQL rejects a DROP addressing the wrong
		// kind. IF EXISTS: an earlier cascading drop may already have
		// taken this object down.
		if rec, present := d.StoredRecord(ref); present {
			p.add(VerbDrop, ref, rec.Kind, recordDropSQL(rec))
			continue
		}
		p.add(VerbDrop, ref, e.Kind, e.DropSQL(true))
	}

	// Phases 2 and 3: creates with signatures, then matview refreshes.
	var refreshes []Action
	for _, ref := range g.Order() {
		class, _ := d.Class(ref)
		if class != diff.Create && class != diff.Recreate {
			continue
		}
		e, _ := g.Entity(ref)
		createSQL, err := e.CreateSQL()
		if err != nil {
			return nil, err
		}
		fp, err := e.Fingerprint()
		if err != nil {
			return nil, err
		}
		p.add(VerbCreate, ref, e.Kind, createSQL)
		p.add(VerbSign, ref, e.Kind, e.SignSQL(entity.Annotation(fp, now)))

		if e.IsMatView() {
			refreshSQL, err := e.RefreshSQL(false)
			if err != nil {
				return nil, err
			}
			refreshes = append(refreshes, Action{
				Verb: VerbRefresh, Ref: ref, Kind: e.Kind, SQL: refreshSQL, State: StatePending,
			})
		}
	}
	p.Actions = append(p.Actions, refreshes...)
	return p, nil
}

// RefreshPlan builds the plan that refreshes materialized views in
// forward dependency order. When below is non-empty, only views in the
// transitive-dependent closure of those (usually unmanaged) roots are
// refreshed; unknown roots are a fatal argument error.
func RefreshPlan(g *graph.Graph, below []entity.Ref) (*Plan, error) {
	var include map[string]bool
	if len(below) > 0 {
		var unknown []string
		for _, root := range below {
			if !g.Contains(root) {
				unknown = append(unknown, root.String())
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, &UnknownRootError{Roots: unknown}
		}
		include = g.DependentsOf(below)
	}

	p := &Plan{}
	for _, ref := range g.Order() {
		e, _ := g.Entity(ref)
		if !e.IsMatView() {
			continue
		}
		if include != nil && !include[ref.Key()] {
			continue
		}
		sql, err := e.RefreshSQL(true)
		if err != nil {
			return nil, err
		}
		p.add(VerbRefresh, ref, e.Kind, sql)
	}
	return p, nil
}

// NukePlan drops every catalogued managed object, ignoring the
// declared set's membership entirely. Where the declared graph knows
// an identity, its reverse topological position orders the drop;
// catalog-only leftovers follow in identity order. IF EXISTS plus
// CASCADE keeps the sequence valid regardless of the parts of the
// in-database dependency tree we cannot see.
func NukePlan(records []diff.Record, g *graph.Graph) *Plan {
	byKey := make(map[string]diff.Record, len(records))
	for _, rec := range records {
		byKey[rec.Ref.Key()] = rec
	}

	p := &Plan{}
	if g != nil {
		for _, ref := range g.ReverseOrder() {
			rec, present := byKey[ref.Key()]
			if !present {
				continue
			}
			p.add(VerbNuke, rec.Ref, rec.Kind, recordDropSQL(rec))
			delete(byKey, ref.Key())
		}
	}
	rest := make([]diff.Record, 0, len(byKey))
	for _, rec := range byKey {
		rest = append(rest, rec)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Ref.Less(rest[j].Ref) })
	for _, rec := range rest {
		p.add(VerbNuke, rec.Ref, rec.Kind, recordDropSQL(rec))
	}
	return p
}

// recordDropSQL builds a DROP for an object we only know from the
// catalog.
func recordDropSQL(rec diff.Record) string {
	if rec.Kind == entity.KindTrigger {
		return fmt.Sprintf("DROP %s IF EXISTS %q ON %s CASCADE;",
			rec.Kind.Keyword(), rec.Ref.Name, rec.OnTable.String())
	}
	return fmt.Sprintf("DROP %s IF EXISTS %s CASCADE;", rec.Kind.Keyword(), rec.Ref.String())
}

func (p *Plan) add(verb Verb, ref entity.Ref, kind entity.Kind, sql string) {
	p.Actions = append(p.Actions, Action{Verb: verb, Ref: ref, Kind: kind, SQL: sql, State: StatePending})
}
