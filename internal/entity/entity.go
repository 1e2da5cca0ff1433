package entity

import (
	"fmt"
)

// Maximum identifier length PostgreSQL will accept without truncation.
const pgIdentifierMaxLen = 63

// Meta carries kind-specific declaration data. Exactly one concrete
// meta type matches each Kind; a mismatch is a declaration error
// surfaced at render time.
type Meta interface {
	isMeta()
}

// TableMeta holds table flags.
type TableMeta struct {
	// Unlogged tables skip WAL; useful for cheap derived data.
	Unlogged bool
}

// MatViewMeta holds materialized view flags.
type MatViewMeta struct {
	// Concurrently allows REFRESH ... CONCURRENTLY when the caller
	// permits it (requires a unique index on the view).
	Concurrently bool
	// RefreshTriggers lists unmanaged tables whose changes should
	// refresh this view via autogenerated statement triggers.
	RefreshTriggers []Ref
}

// FunctionMeta holds the two argument spellings of a function.
type FunctionMeta struct {
	// ArgsSignature is the identity argument list (types only, no
	// defaults or OUT params), as PostgreSQL reports it.
	ArgsSignature string
	// CreationArgs is the full argument list used in CREATE FUNCTION.
	// Empty means ArgsSignature doubles as the creation list.
	CreationArgs string
	// Autogenerated marks refresh-trigger sidekick functions.
	Autogenerated bool
}

// TriggerMeta holds trigger wiring.
type TriggerMeta struct {
	// OnTable is the (usually unmanaged) table the trigger fires on.
	OnTable Ref
	// Condition is the timing/event clause, e.g.
	// "AFTER UPDATE OR INSERT OR DELETE OR TRUNCATE".
	Condition string
	// Autogenerated marks refresh-trigger sidekick triggers.
	Autogenerated bool
}

func (TableMeta) isMeta()    {}
func (MatViewMeta) isMeta()  {}
func (FunctionMeta) isMeta() {}
func (TriggerMeta) isMeta()  {}

// Entity is one declared, managed database object. Entities are plain
// immutable values: identity, SQL template, declared dependencies, and
// kind metadata. All behavior beyond identity and rendering lives in
// the graph/diff/sync packages.
type Entity struct {
	Kind   Kind
	Schema string
	Name   string

	// Template is the unrendered SQL body. Recognized placeholders
	// (${preamble}, ${postamble}, ${self}) are expanded per kind;
	// unknown placeholders pass through verbatim.
	Template string

	// DepsOn references other managed entities that must exist first.
	// Every entry must resolve to a declared entity.
	DepsOn []Ref

	// DepsOnUnmanaged references objects outside this system's
	// ownership. Used for ordering only, never checked against the
	// catalog.
	DepsOnUnmanaged []Ref

	Meta Meta
}

// InvalidEntityError reports structurally invalid declaration data,
// such as a callable without a signature or a name PostgreSQL would
// reject. These are declaration errors, detected before any database
// I/O.
type InvalidEntityError struct {
	Entity string
	Reason string
}

func (e *InvalidEntityError) Error() string {
	return fmt.Sprintf("invalid entity %s: %s", e.Entity, e.Reason)
}

func invalidf(e *Entity, format string, args ...any) error {
	return &InvalidEntityError{Entity: e.describe(), Reason: fmt.Sprintf(format, args...)}
}

func (e *Entity) describe() string {
	return fmt.Sprintf("%s %q.%q", e.Kind.Keyword(), e.Schema, e.Name)
}

// Ref returns the entity's identity reference, the natural key within
// one synchronization run.
func (e *Entity) Ref() Ref {
	switch m := e.Meta.(type) {
	case FunctionMeta:
		return Ref{Schema: e.Schema, Name: e.Name, Args: m.ArgsSignature}
	case TriggerMeta:
		// Triggers are identified by target table + name.
		return Ref{Schema: m.OnTable.Schema + "." + m.OnTable.Name, Name: e.Name}
	}
	return Ref{Schema: e.Schema, Name: e.Name}
}

// ObjectIdentity returns the identity spelling used in DDL statements.
// Triggers are addressed by bare name plus an ON clause, which the SQL
// builders add themselves. Functions always carry their argument
// parentheses, even with an empty signature, because PostgreSQL
// requires them to disambiguate overloads.
func (e *Entity) ObjectIdentity() string {
	switch m := e.Meta.(type) {
	case TriggerMeta:
		return fmt.Sprintf("%q", e.Name)
	case FunctionMeta:
		return fmt.Sprintf("%q.%q(%s)", e.Schema, e.Name, m.ArgsSignature)
	}
	return e.Ref().String()
}

// Dependencies returns the managed dependency set. Matview refresh
// triggers and trigger target tables are unmanaged and therefore not
// included here.
func (e *Entity) Dependencies() []Ref {
	return e.DepsOn
}

// UnmanagedDependencies returns external references used only for
// ordering. For triggers the target table is implicitly included.
func (e *Entity) UnmanagedDependencies() []Ref {
	if m, ok := e.Meta.(TriggerMeta); ok {
		out := make([]Ref, 0, len(e.DepsOnUnmanaged)+1)
		out = append(out, e.DepsOnUnmanaged...)
		seen := false
		for _, r := range e.DepsOnUnmanaged {
			if r == m.OnTable {
				seen = true
			}
		}
		if !seen && m.OnTable.Name != "" {
			out = append(out, m.OnTable)
		}
		return out
	}
	return e.DepsOnUnmanaged
}

// ValidateName checks that the object name is a usable PostgreSQL
// identifier. Identifiers are quoted everywhere, so the only hard
// limits are length, ASCII, and the quote character itself.
func (e *Entity) ValidateName() error {
	if e.Name == "" {
		return invalidf(e, "empty name")
	}
	for _, c := range e.Name {
		if c > 0x7F {
			return invalidf(e, "name contains non-ASCII characters")
		}
		if c == '"' {
			return invalidf(e, `name contains '"'`)
		}
	}
	if len(e.Name) > pgIdentifierMaxLen {
		return invalidf(e, "name exceeds %d bytes", pgIdentifierMaxLen)
	}
	return nil
}

// validateMeta checks the Kind/Meta pairing. Non-callable kinds must
// not smuggle an argument signature through their meta.
func (e *Entity) validateMeta() error {
	switch e.Kind {
	case KindTable:
		if _, ok := e.Meta.(TableMeta); !ok && e.Meta != nil {
			return invalidf(e, "meta %T does not match kind TABLE", e.Meta)
		}
	case KindView:
		if e.Meta != nil {
			return invalidf(e, "meta %T does not match kind VIEW", e.Meta)
		}
	case KindMatView:
		if _, ok := e.Meta.(MatViewMeta); !ok && e.Meta != nil {
			return invalidf(e, "meta %T does not match kind MATERIALIZED VIEW", e.Meta)
		}
	case KindFunction:
		if _, ok := e.Meta.(FunctionMeta); !ok {
			return invalidf(e, "function requires FunctionMeta with an argument signature")
		}
	case KindTrigger:
		m, ok := e.Meta.(TriggerMeta)
		if !ok {
			return invalidf(e, "trigger requires TriggerMeta")
		}
		if m.OnTable.Name == "" {
			return invalidf(e, "trigger requires a target table")
		}
		if m.Condition == "" {
			return invalidf(e, "trigger requires a timing/event condition")
		}
	default:
		return invalidf(e, "unknown kind %d", int(e.Kind))
	}
	return nil
}

// IsMatView reports whether the entity is a materialized view.
func (e *Entity) IsMatView() bool {
	return e.Kind == KindMatView
}

// RefreshTriggerTables returns the declared refresh-trigger tables for
// a materialized view, nil for anything else.
func (e *Entity) RefreshTriggerTables() []Ref {
	if m, ok := e.Meta.(MatViewMeta); ok {
		return m.RefreshTriggers
	}
	return nil
}

// Autogenerated reports whether this entity is a refresh sidekick
// rather than a user declaration.
func (e *Entity) Autogenerated() bool {
	switch m := e.Meta.(type) {
	case FunctionMeta:
		return m.Autogenerated
	case TriggerMeta:
		return m.Autogenerated
	}
	return false
}
