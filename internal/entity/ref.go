package entity

import "fmt"

// DefaultSchema is assumed when a reference omits the schema.
const DefaultSchema = "public"

// Ref is a fully qualified reference to a database object.
//
// Args is populated only for callable objects (functions), where the
// identity argument signature participates in the object's identity.
// For triggers the Schema slot holds the qualified target table
// ("schema.table") because PostgreSQL namespaces triggers per table,
// not per schema.
type Ref struct {
	Schema string `json:"schema" yaml:"schema"`
	Name   string `json:"name" yaml:"name"`
	Args   string `json:"args,omitempty" yaml:"args,omitempty"`
}

// NewRef builds a Ref in the default schema.
func NewRef(name string) Ref {
	return Ref{Schema: DefaultSchema, Name: name}
}

// String renders the quoted SQL identity: `"schema"."name"` or
// `"schema"."name"(args)` for callables.
func (r Ref) String() string {
	if r.Args != "" {
		return fmt.Sprintf("%q.%q(%s)", r.Schema, r.Name, r.Args)
	}
	return fmt.Sprintf("%q.%q", r.Schema, r.Name)
}

// Less defines the total order used for deterministic tie-breaking in
// topological sorts and plan output: (schema, name, args), bytewise.
func (r Ref) Less(o Ref) bool {
	if r.Schema != o.Schema {
		return r.Schema < o.Schema
	}
	if r.Name != o.Name {
		return r.Name < o.Name
	}
	return r.Args < o.Args
}

// Key returns a map key that is unique per identity.
func (r Ref) Key() string {
	return r.Schema + "\x00" + r.Name + "\x00" + r.Args
}
