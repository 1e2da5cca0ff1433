package sync

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivelabs/derive/internal/diff"
	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/graph"
)

func view(name, template string, deps ...string) entity.Entity {
	e := entity.Entity{
		Kind:     entity.KindView,
		Schema:   "public",
		Name:     name,
		Template: template,
	}
	for _, d := range deps {
		e.DepsOn = append(e.DepsOn, entity.NewRef(d))
	}
	return e
}

func matview(name, template string, deps ...string) entity.Entity {
	e := view(name, template, deps...)
	e.Kind = entity.KindMatView
	e.Meta = entity.MatViewMeta{}
	return e
}

func record(e entity.Entity) diff.Record {
	return diff.Record{Ref: e.Ref(), Kind: e.Kind, Fingerprint: e.MustFingerprint()}
}

func planFor(t *testing.T, entities []entity.Entity, records []diff.Record) *Plan {
	t.Helper()
	g, err := graph.Build(entities)
	require.NoError(t, err)
	d, err := diff.Compute(g, records)
	require.NoError(t, err)
	p, err := BuildPlan(d, g, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	return p
}

// verbsOf flattens a plan into "verb name" strings for compact
// ordering assertions.
func verbsOf(p *Plan) []string {
	out := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = fmt.Sprintf("%s %s", a.Verb, a.Ref.Name)
	}
	return out
}

// TestBuildPlan_FreshChain tests the plan for a three-entity chain
// against an empty database: creates in forward order, each signed
// immediately.
func TestBuildPlan_FreshChain(t *testing.T) {
	entities := []entity.Entity{
		view("c", "${preamble} SELECT * FROM b", "b"),
		view("a", "${preamble} SELECT 1"),
		view("b", "${preamble} SELECT * FROM a", "a"),
	}

	p := planFor(t, entities, nil)
	assert.Equal(t, []string{
		"create a", "sign a",
		"create b", "sign b",
		"create c", "sign c",
	}, verbsOf(p))
	assert.Equal(t, map[Verb]int{VerbCreate: 3, VerbSign: 3}, p.Counts())
}

// TestBuildPlan_UpstreamChange tests that changing the base of a chain
// drops the whole chain dependents-first and rebuilds it
// dependencies-first, one drop and one create per identity.
func TestBuildPlan_UpstreamChange(t *testing.T) {
	a := view("a", "${preamble} SELECT 2")
	b := view("b", "${preamble} SELECT * FROM a", "a")
	c := view("c", "${preamble} SELECT * FROM b", "b")

	aBefore := view("a", "${preamble} SELECT 1")
	records := []diff.Record{record(aBefore), record(b), record(c)}

	p := planFor(t, []entity.Entity{a, b, c}, records)
	assert.Equal(t, []string{
		"drop c", "drop b", "drop a",
		"create a", "sign a",
		"create b", "sign b",
		"create c", "sign c",
	}, verbsOf(p))
}

// TestBuildPlan_OrphanDropsFirst tests that catalog-only objects are
// dropped before any declared work, with IF EXISTS CASCADE since their
// in-database dependency tree is unknown.
func TestBuildPlan_OrphanDropsFirst(t *testing.T) {
	kept := view("kept", "${preamble} SELECT 1")
	orphan := diff.Record{
		Ref:         entity.NewRef("orphan"),
		Kind:        entity.KindView,
		Fingerprint: "stale",
	}

	p := planFor(t, []entity.Entity{kept}, []diff.Record{record(kept), orphan})
	require.Equal(t, []string{"drop orphan"}, verbsOf(p))
	assert.Equal(t, `DROP VIEW IF EXISTS "public"."orphan" CASCADE;`, p.Actions[0].SQL)
}

// TestBuildPlan_OrphanTriggerDrop tests the trigger drop form, which
// must address the trigger through its table.
func TestBuildPlan_OrphanTriggerDrop(t *testing.T) {
	orphan := diff.Record{
		Ref:         entity.Ref{Schema: "public.orders", Name: "old_trig"},
		Kind:        entity.KindTrigger,
		Fingerprint: "stale",
		OnTable:     entity.NewRef("orders"),
	}

	p := planFor(t, nil, []diff.Record{orphan})
	require.Len(t, p.Actions, 1)
	assert.Equal(t, `DROP TRIGGER IF EXISTS "old_trig" ON "public"."orders" CASCADE;`,
		p.Actions[0].SQL)
}

// TestBuildPlan_KindChangeDropsByCatalogKind tests that when a
// declaration changes kind under an identity, the drop addresses the
// kind the database actually holds. Dropping by the newly declared
// kind would make PostgreSQL reject the statement.
func TestBuildPlan_KindChangeDropsByCatalogKind(t *testing.T) {
	mv := matview("x", "${preamble} SELECT 1 ${postamble}")
	wasView := diff.Record{
		Ref:         entity.NewRef("x"),
		Kind:        entity.KindView,
		Fingerprint: "old",
	}

	p := planFor(t, []entity.Entity{mv}, []diff.Record{wasView})
	assert.Equal(t, []string{"drop x", "create x", "sign x", "refresh x"}, verbsOf(p))

	drop := p.Actions[0]
	assert.Equal(t, entity.KindView, drop.Kind)
	assert.Equal(t, `DROP VIEW IF EXISTS "public"."x" CASCADE;`, drop.SQL)
	assert.Equal(t, entity.KindMatView, p.Actions[1].Kind)
}

// TestBuildPlan_MatViewRefreshLast tests that created materialized
// views get a trailing non-concurrent refresh, after every create.
func TestBuildPlan_MatViewRefreshLast(t *testing.T) {
	mv := matview("totals", "${preamble} SELECT 1 ${postamble}")
	v := view("z_on_top", "${preamble} SELECT * FROM totals", "totals")

	p := planFor(t, []entity.Entity{mv, v}, nil)
	assert.Equal(t, []string{
		"create totals", "sign totals",
		"create z_on_top", "sign z_on_top",
		"refresh totals",
	}, verbsOf(p))
	assert.Equal(t, `REFRESH MATERIALIZED VIEW "public"."totals";`,
		p.Actions[len(p.Actions)-1].SQL)
}

// TestBuildPlan_UnchangedContributesNothing tests idempotence: a diff
// with no differences yields an empty plan.
func TestBuildPlan_UnchangedContributesNothing(t *testing.T) {
	a := view("a", "${preamble} SELECT 1")
	b := view("b", "${preamble} SELECT * FROM a", "a")

	p := planFor(t, []entity.Entity{a, b}, []diff.Record{record(a), record(b)})
	assert.True(t, p.Empty())
}

// TestBuildPlan_Deterministic tests that identical input produces a
// byte-identical plan across runs.
func TestBuildPlan_Deterministic(t *testing.T) {
	build := func() *Plan {
		return planFor(t, []entity.Entity{
			view("m", "${preamble} SELECT 1"),
			view("a", "${preamble} SELECT 1"),
			view("z", "${preamble} SELECT 1"),
		}, nil)
	}
	assert.Equal(t, build(), build())
}

// TestBuildPlan_Golden pins the rendered plan listing for a mixed
// scenario: one orphan drop, one recreated chain, one fresh matview.
// Signature SQL carries fingerprints and timestamps, so the listing is
// what gets pinned, the same view the CLI prints.
func TestBuildPlan_Golden(t *testing.T) {
	base := view("base", "${preamble} SELECT 2")
	report := view("report", "${preamble} SELECT * FROM base", "base")
	totals := matview("totals", "${preamble} SELECT * FROM report ${postamble}", "report")

	baseBefore := view("base", "${preamble} SELECT 1")
	orphan := diff.Record{
		Ref:         entity.NewRef("leftover"),
		Kind:        entity.KindMatView,
		Fingerprint: "stale",
	}

	p := planFor(t, []entity.Entity{base, report, totals},
		[]diff.Record{record(baseBefore), record(report), orphan})

	var b strings.Builder
	for _, a := range p.Actions {
		b.WriteString(a.String())
		b.WriteString("\n")
	}

	g := goldie.New(t)
	g.Assert(t, "plan_mixed", []byte(b.String()))
}

// TestRefreshPlan tests full and filtered refresh ordering.
func TestRefreshPlan(t *testing.T) {
	mv1 := matview("first", "${preamble} SELECT 1 ${postamble}")
	mv2 := matview("second", "${preamble} SELECT * FROM first ${postamble}", "first")
	v := view("plain", "${preamble} SELECT 1")
	v.DepsOnUnmanaged = []entity.Ref{entity.NewRef("raw")}
	mv3 := matview("third", "${preamble} SELECT * FROM plain ${postamble}", "plain")

	g, err := graph.Build([]entity.Entity{mv1, mv2, v, mv3})
	require.NoError(t, err)

	p, err := RefreshPlan(g, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh first", "refresh second", "refresh third"}, verbsOf(p))
	assert.Equal(t, `REFRESH MATERIALIZED VIEW "public"."first";`, p.Actions[0].SQL)

	// Scoped below the unmanaged table only third is reachable.
	p, err = RefreshPlan(g, []entity.Ref{entity.NewRef("raw")})
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh third"}, verbsOf(p))
}

// TestRefreshPlan_Concurrently tests that declared concurrent refresh
// is honored on the refresh operation.
func TestRefreshPlan_Concurrently(t *testing.T) {
	mv := matview("totals", "${preamble} SELECT 1 ${postamble}")
	mv.Meta = entity.MatViewMeta{Concurrently: true}

	g, err := graph.Build([]entity.Entity{mv})
	require.NoError(t, err)

	p, err := RefreshPlan(g, nil)
	require.NoError(t, err)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, `REFRESH MATERIALIZED VIEW CONCURRENTLY "public"."totals";`,
		p.Actions[0].SQL)
}

// TestRefreshPlan_UnknownRoot tests that an unknown root aborts the
// plan instead of silently refreshing nothing.
func TestRefreshPlan_UnknownRoot(t *testing.T) {
	g, err := graph.Build([]entity.Entity{matview("mv", "${preamble} SELECT 1 ${postamble}")})
	require.NoError(t, err)

	_, err = RefreshPlan(g, []entity.Ref{entity.NewRef("nope")})
	var ure *UnknownRootError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, []string{`"public"."nope"`}, ure.Roots)
}

// TestNukePlan tests that known identities drop in reverse dependency
// order and catalog leftovers follow in identity order.
func TestNukePlan(t *testing.T) {
	a := view("a", "${preamble} SELECT 1")
	b := view("b", "${preamble} SELECT * FROM a", "a")
	g, err := graph.Build([]entity.Entity{a, b})
	require.NoError(t, err)

	leftover := diff.Record{Ref: entity.NewRef("zz_unknown"), Kind: entity.KindView}

	p := NukePlan([]diff.Record{record(a), record(b), leftover}, g)
	assert.Equal(t, []string{"nuke b", "nuke a", "nuke zz_unknown"}, verbsOf(p))
	for _, action := range p.Actions {
		assert.Contains(t, action.SQL, "IF EXISTS")
		assert.Contains(t, action.SQL, "CASCADE")
	}
}
