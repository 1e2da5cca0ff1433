// Package manifest loads declared entities from a YAML manifest. It
// is deliberately thin: pure translation into entity values, with all
// semantic validation (duplicates, dangling references, cycles) left
// to the graph builder.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/derivelabs/derive/internal/entity"
)

// RefDecl is a reference in manifest syntax: either the scalar
// "schema.name" / "name" (default schema assumed) or an explicit
// mapping with schema/name/args keys.
type RefDecl struct {
	entity.Ref
}

// UnmarshalYAML accepts both reference spellings.
func (r *RefDecl) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		r.Ref = parseScalarRef(s)
		return nil
	}
	if err := node.Decode(&r.Ref); err != nil {
		return err
	}
	if r.Ref.Schema == "" {
		r.Ref.Schema = entity.DefaultSchema
	}
	return nil
}

func parseScalarRef(s string) entity.Ref {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return entity.Ref{Schema: s[:i], Name: s[i+1:]}
	}
	return entity.NewRef(s)
}

// EntityDecl is one manifest entry.
type EntityDecl struct {
	Kind      string    `yaml:"kind"`
	Schema    string    `yaml:"schema"`
	Name      string    `yaml:"name"`
	Template  string    `yaml:"template"`
	DependsOn []RefDecl `yaml:"depends_on"`
	Unmanaged []RefDecl `yaml:"unmanaged"`

	// Table options.
	Unlogged bool `yaml:"unlogged"`

	// Materialized view options.
	RefreshConcurrently bool      `yaml:"refresh_concurrently"`
	RefreshTriggers     []RefDecl `yaml:"refresh_triggers"`

	// Function options.
	ArgsSignature string `yaml:"args_signature"`
	CreationArgs  string `yaml:"creation_args"`

	// Trigger options.
	OnTable   *RefDecl `yaml:"on_table"`
	Condition string   `yaml:"condition"`
}

// Manifest is a parsed manifest file.
type Manifest struct {
	Entities []EntityDecl `yaml:"entities"`
}

// Load reads and translates a manifest file. The returned entities
// preserve file order.
func Load(path string) ([]entity.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse translates manifest bytes into entity values.
func Parse(data []byte) ([]entity.Entity, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	out := make([]entity.Entity, 0, len(m.Entities))
	for i, decl := range m.Entities {
		e, err := decl.toEntity()
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d (%s): %w", i, decl.Name, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RefreshMap derives the mapping from unmanaged table identities to
// the materialized views that should refresh when the table changes.
func RefreshMap(entities []entity.Entity) map[entity.Ref][]entity.Ref {
	out := make(map[entity.Ref][]entity.Ref)
	for i := range entities {
		e := &entities[i]
		for _, table := range e.RefreshTriggerTables() {
			out[table] = append(out[table], e.Ref())
		}
	}
	return out
}

func (d EntityDecl) toEntity() (entity.Entity, error) {
	kind, ok := entity.ParseKind(d.Kind)
	if !ok {
		return entity.Entity{}, fmt.Errorf("unknown kind %q", d.Kind)
	}
	if d.ArgsSignature != "" && !kind.Callable() {
		return entity.Entity{}, fmt.Errorf("args_signature does not apply to kind %q", d.Kind)
	}
	schema := d.Schema
	if schema == "" {
		schema = entity.DefaultSchema
	}

	e := entity.Entity{
		Kind:            kind,
		Schema:          schema,
		Name:            d.Name,
		Template:        d.Template,
		DepsOn:          refs(d.DependsOn),
		DepsOnUnmanaged: refs(d.Unmanaged),
	}

	switch kind {
	case entity.KindTable:
		e.Meta = entity.TableMeta{Unlogged: d.Unlogged}
	case entity.KindMatView:
		e.Meta = entity.MatViewMeta{
			Concurrently:    d.RefreshConcurrently,
			RefreshTriggers: refs(d.RefreshTriggers),
		}
	case entity.KindFunction:
		e.Meta = entity.FunctionMeta{
			ArgsSignature: d.ArgsSignature,
			CreationArgs:  d.CreationArgs,
		}
	case entity.KindTrigger:
		if d.OnTable == nil {
			return entity.Entity{}, fmt.Errorf("trigger requires on_table")
		}
		e.Meta = entity.TriggerMeta{
			OnTable:   d.OnTable.Ref,
			Condition: d.Condition,
		}
	}
	return e, nil
}

func refs(decls []RefDecl) []entity.Ref {
	if len(decls) == 0 {
		return nil
	}
	out := make([]entity.Ref, len(decls))
	for i, d := range decls {
		out[i] = d.Ref
	}
	return out
}
