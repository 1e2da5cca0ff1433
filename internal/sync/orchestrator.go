// Package sync plans and executes the reconciliation of declared
// database entities against live catalog state.
package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/derivelabs/derive/internal/diff"
	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/graph"
)

// Catalog reports which managed objects currently exist in the
// database, with their stored fingerprints. The catalog is the only
// shared mutable resource; records are created by a prior successful
// run and destroyed when we drop the object.
type Catalog interface {
	State(ctx context.Context) ([]diff.Record, error)
}

// Orchestrator is the library front door: it wires the graph builder,
// diff engine, planner, and executor into the exposed operations.
type Orchestrator struct {
	db      DB
	catalog Catalog
	prober  SignatureProber
	log     zerolog.Logger
	now     func() time.Time
}

// New builds an orchestrator. prober may be nil; log may be
// zerolog.Nop().
func New(db DB, catalog Catalog, prober SignatureProber, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{db: db, catalog: catalog, prober: prober, log: log, now: time.Now}
}

// Prepare expands materialized-view refresh sidekicks and builds the
// validated dependency graph. All declaration errors surface here,
// before any database I/O.
func Prepare(entities []entity.Entity) (*graph.Graph, error) {
	expanded, err := entity.ExpandSidekicks(entities)
	if err != nil {
		return nil, err
	}
	return graph.Build(expanded)
}

// Sync reconciles the declared entity set with the database under the
// given transaction discipline and reports per-action outcomes.
func (o *Orchestrator) Sync(ctx context.Context, entities []entity.Entity, discipline Discipline) (*Report, error) {
	g, err := Prepare(entities)
	if err != nil {
		return nil, err
	}
	records, err := o.catalog.State(ctx)
	if err != nil {
		return nil, err
	}
	d, err := diff.Compute(g, records)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(d, g, o.now())
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, plan, discipline), nil
}

// Diff computes the read-only comparison: the classification plus the
// plan that a sync would execute. No statements run.
func (o *Orchestrator) Diff(ctx context.Context, entities []entity.Entity) (*diff.Result, *Plan, error) {
	g, err := Prepare(entities)
	if err != nil {
		return nil, nil, err
	}
	records, err := o.catalog.State(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err := diff.Compute(g, records)
	if err != nil {
		return nil, nil, err
	}
	plan, err := BuildPlan(d, g, o.now())
	if err != nil {
		return nil, nil, err
	}
	return d, plan, nil
}

// Refresh refreshes materialized views in forward dependency order,
// optionally restricted to the transitive dependents of the given
// changed (usually unmanaged) roots.
func (o *Orchestrator) Refresh(ctx context.Context, entities []entity.Entity, below []entity.Ref, discipline Discipline) (*Report, error) {
	g, err := Prepare(entities)
	if err != nil {
		return nil, err
	}
	plan, err := RefreshPlan(g, below)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, plan, discipline), nil
}

// Nuke drops every currently-catalogued managed object, ignoring the
// declared set's membership. entities may be nil; when provided, the
// declared graph supplies drop ordering for identities it knows.
func (o *Orchestrator) Nuke(ctx context.Context, entities []entity.Entity, discipline Discipline) (*Report, error) {
	var g *graph.Graph
	if len(entities) > 0 {
		built, err := Prepare(entities)
		if err != nil {
			return nil, err
		}
		g = built
	}
	records, err := o.catalog.State(ctx)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, NukePlan(records, g), discipline), nil
}

// ExportGraph returns the dependency edge list for external diagram
// rendering.
func ExportGraph(entities []entity.Entity) ([]graph.Edge, error) {
	g, err := Prepare(entities)
	if err != nil {
		return nil, err
	}
	return g.Edges(), nil
}

func (o *Orchestrator) execute(ctx context.Context, plan *Plan, discipline Discipline) *Report {
	x := NewExecutor(o.db, o.prober, o.log)
	x.now = o.now
	return x.Execute(ctx, plan, discipline)
}
