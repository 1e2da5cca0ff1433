package entity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// Recognized template placeholders.
//
//	${preamble}  - kind-specific CREATE clause
//	${postamble} - kind-specific trailing clause (matviews: WITH NO DATA)
//	${self}      - the entity's own qualified identity
//
// Unrecognized placeholders are left verbatim in the output. Fail-open
// is deliberate: a typoed placeholder shows up as odd SQL in dry-run
// output instead of hiding behind a renderer error.
const (
	PlaceholderPreamble  = "preamble"
	PlaceholderPostamble = "postamble"
	PlaceholderSelf      = "self"
)

var placeholderRe = regexp.MustCompile(`\$\{(\w+)\}`)

// expand substitutes recognized ${name} placeholders, leaving unknown
// ones untouched.
func expand(template string, subst map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := subst[name]; ok {
			return v
		}
		return m
	})
}

// CreateSQL renders the final creation statement for the entity.
// Rendering is deterministic and performs no I/O; it fails only on
// structurally invalid identity data (see validateMeta).
func (e *Entity) CreateSQL() (string, error) {
	if err := e.ValidateName(); err != nil {
		return "", err
	}
	if err := e.validateMeta(); err != nil {
		return "", err
	}

	subst := map[string]string{
		PlaceholderPostamble: "",
		PlaceholderSelf:      e.ObjectIdentity(),
	}

	switch m := e.Meta.(type) {
	case FunctionMeta:
		subst[PlaceholderPreamble] = fmt.Sprintf("CREATE %s %s", e.Kind.Keyword(), e.creationIdentity(m))
		subst[PlaceholderSelf] = e.ObjectIdentity()
	case TriggerMeta:
		subst[PlaceholderPreamble] = fmt.Sprintf("CREATE %s %q %s ON %s",
			e.Kind.Keyword(), e.Name, m.Condition, m.OnTable.String())
		subst[PlaceholderSelf] = e.Name
	default:
		var b strings.Builder
		b.WriteString("CREATE ")
		if t, ok := e.Meta.(TableMeta); ok && t.Unlogged {
			b.WriteString("UNLOGGED ")
		}
		b.WriteString(e.Kind.Keyword())
		b.WriteByte(' ')
		b.WriteString(e.ObjectIdentity())
		// Tables take a column list, not a query; no AS.
		if e.Kind != KindTable {
			b.WriteString(" AS")
		}
		subst[PlaceholderPreamble] = b.String()
		if e.Kind == KindMatView {
			subst[PlaceholderPostamble] = "WITH NO DATA"
		}
	}

	return expand(e.Template, subst), nil
}

// creationIdentity is the function identity used in CREATE FUNCTION,
// spelled with the full creation argument list (defaults, OUT params)
// rather than the identity signature.
func (e *Entity) creationIdentity(m FunctionMeta) string {
	args := m.CreationArgs
	if args == "" {
		args = m.ArgsSignature
	}
	return fmt.Sprintf("%q.%q(%s)", e.Schema, e.Name, args)
}

// DropSQL returns the statement that removes the object. CASCADE is
// unconditional: the in-database dependency tree may include objects
// we do not know about, and drops must not stall on them.
func (e *Entity) DropSQL(ifExists bool) string {
	exists := ""
	if ifExists {
		exists = "IF EXISTS "
	}
	if m, ok := e.Meta.(TriggerMeta); ok {
		return fmt.Sprintf("DROP %s %s%q ON %s CASCADE;", e.Kind.Keyword(), exists, e.Name, m.OnTable.String())
	}
	return fmt.Sprintf("DROP %s %s%s CASCADE;", e.Kind.Keyword(), exists, e.ObjectIdentity())
}

// SignSQL returns the COMMENT ON statement that stores the given
// annotation payload on the live object. The payload is escaped as a
// SQL string literal; it is the only state this system persists.
func (e *Entity) SignSQL(annotation string) string {
	if m, ok := e.Meta.(TriggerMeta); ok {
		return fmt.Sprintf("COMMENT ON %s %q ON %s IS %s;",
			e.Kind.Keyword(), e.Name, m.OnTable.String(), pq.QuoteLiteral(annotation))
	}
	return fmt.Sprintf("COMMENT ON %s %s IS %s;", e.Kind.Keyword(), e.ObjectIdentity(), pq.QuoteLiteral(annotation))
}

// RefreshSQL returns the refresh statement for a materialized view.
// concurrentAllowed is false right after creation (the view is not yet
// populated) and during initial sync refreshes.
func (e *Entity) RefreshSQL(concurrentAllowed bool) (string, error) {
	m, ok := e.Meta.(MatViewMeta)
	if !ok {
		return "", invalidf(e, "refresh requested on non-materialized-view kind %s", e.Kind.Keyword())
	}
	concurrently := ""
	if concurrentAllowed && m.Concurrently {
		concurrently = "CONCURRENTLY "
	}
	return fmt.Sprintf("REFRESH MATERIALIZED VIEW %s%s;", concurrently, e.ObjectIdentity()), nil
}
