package entity

import (
	"fmt"
	"sort"
)

// Autogenerated refresh triggers are numbered so that, sorted
// alphabetically (which is how PostgreSQL orders trigger execution),
// they fire in dependency order. Numbers are left-padded because
// "166" sorts before "23" otherwise. The fixed width caps the number
// of refresh-bearing matviews per collection.
const triggerCounterWidth = 5

const maxTriggerCounter = 99999 // 10^triggerCounterWidth - 1

// ExpandSidekicks appends the autogenerated companions of every
// materialized view that declares refresh-trigger tables: one
// trigger-returning function that refreshes the view, plus one
// statement-level trigger per target table invoking that function.
//
// Input order is preserved; sidekicks are appended directly after
// their materialized view. The ordering counter advances once per
// refresh-bearing matview, in input order, so callers should pass
// entities in dependency order when trigger firing order matters.
func ExpandSidekicks(entities []Entity) ([]Entity, error) {
	out := make([]Entity, 0, len(entities))
	counter := 0
	for _, e := range entities {
		out = append(out, e)
		triggers := e.RefreshTriggerTables()
		if !e.IsMatView() || len(triggers) == 0 {
			continue
		}
		counter++
		if counter > maxTriggerCounter {
			return nil, fmt.Errorf("refresh trigger ordering counter %d exceeds padded width %d",
				counter, triggerCounterWidth)
		}
		fn := refreshFunction(&e)
		out = append(out, fn)
		out = append(out, refreshTableTriggers(&fn, triggers, counter)...)
	}
	return out, nil
}

// refreshFunction builds the trigger-returning function that refreshes
// the materialized view. It lives in the view's schema; that is an
// arbitrary but stable choice.
func refreshFunction(mv *Entity) Entity {
	refresh, _ := mv.RefreshSQL(true)
	return Entity{
		Kind:   KindFunction,
		Schema: mv.Schema,
		Name:   mv.Name + "_refresh",
		DepsOn: []Ref{mv.Ref()},
		Template: fmt.Sprintf(`${preamble}
RETURNS trigger AS $THEBODY$
BEGIN
%s
RETURN NULL;
END;
$THEBODY$ LANGUAGE plpgsql;`, refresh),
		Meta: FunctionMeta{Autogenerated: true},
	}
}

// refreshTableTriggers builds one statement trigger per target table,
// each invoking fn after any data change on that table.
func refreshTableTriggers(fn *Entity, tables []Ref, counter int) []Entity {
	sorted := make([]Ref, len(tables))
	copy(sorted, tables)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	out := make([]Entity, 0, len(sorted))
	for ix, table := range sorted {
		out = append(out, Entity{
			Kind:   KindTrigger,
			Name:   fmt.Sprintf("t%0*d_%d_autorefresh", triggerCounterWidth, counter, ix),
			DepsOn: []Ref{fn.Ref()},
			Template: fmt.Sprintf(`${preamble}
FOR EACH STATEMENT EXECUTE PROCEDURE %s;`, fn.ObjectIdentity()),
			Meta: TriggerMeta{
				OnTable:       table,
				Condition:     "AFTER UPDATE OR INSERT OR DELETE OR TRUNCATE",
				Autogenerated: true,
			},
		})
	}
	return out
}
