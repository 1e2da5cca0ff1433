package entity

import "encoding/json"

// Kind identifies the database object type an Entity manages.
type Kind int

const (
	KindTable Kind = iota
	KindView
	KindMatView
	KindFunction
	KindTrigger
)

// Keyword returns the SQL keyword used in CREATE/DROP/COMMENT statements.
func (k Kind) Keyword() string {
	switch k {
	case KindTable:
		return "TABLE"
	case KindView:
		return "VIEW"
	case KindMatView:
		return "MATERIALIZED VIEW"
	case KindFunction:
		return "FUNCTION"
	case KindTrigger:
		return "TRIGGER"
	}
	return "UNKNOWN"
}

// Callable reports whether identity includes an argument signature.
// Only callable kinds may carry a non-empty Args on their Ref; two
// functions with the same name but different signatures are distinct.
func (k Kind) Callable() bool {
	return k == KindFunction
}

func (k Kind) String() string {
	return k.Keyword()
}

// MarshalJSON renders the SQL keyword rather than the numeric value.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Keyword())
}

// ParseKind maps a manifest kind string to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "table":
		return KindTable, true
	case "view":
		return KindView, true
	case "matview", "materialized_view":
		return KindMatView, true
	case "function":
		return KindFunction, true
	case "trigger":
		return KindTrigger, true
	}
	return 0, false
}
