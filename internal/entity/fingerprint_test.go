package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testView(name, template string) Entity {
	return Entity{Kind: KindView, Schema: "public", Name: name, Template: template}
}

// TestFingerprint_Deterministic tests that identical declarations
// always hash identically.
func TestFingerprint_Deterministic(t *testing.T) {
	a := testView("v", "${preamble} SELECT 1")
	b := testView("v", "${preamble} SELECT 1")

	assert.Equal(t, a.MustFingerprint(), b.MustFingerprint())
}

// TestFingerprint_TextualNotSemantic tests that any template text
// change, including whitespace, changes the hash. Change detection is
// by definition hash, not SQL semantics.
func TestFingerprint_TextualNotSemantic(t *testing.T) {
	a := testView("v", "${preamble} SELECT 1")
	b := testView("v", "${preamble} SELECT  1")

	assert.NotEqual(t, a.MustFingerprint(), b.MustFingerprint())
}

// TestFingerprint_IdentitySensitive tests that identity participates
// in the hash.
func TestFingerprint_IdentitySensitive(t *testing.T) {
	a := testView("v1", "${preamble} SELECT 1")
	b := testView("v2", "${preamble} SELECT 1")

	assert.NotEqual(t, a.MustFingerprint(), b.MustFingerprint())
}

// TestFingerprint_MetaSensitive tests that kind metadata outside the
// rendered SQL still changes the hash.
func TestFingerprint_MetaSensitive(t *testing.T) {
	a := Entity{Kind: KindMatView, Schema: "public", Name: "mv",
		Template: "${preamble} SELECT 1 ${postamble}", Meta: MatViewMeta{}}
	b := Entity{Kind: KindMatView, Schema: "public", Name: "mv",
		Template: "${preamble} SELECT 1 ${postamble}",
		Meta:     MatViewMeta{RefreshTriggers: []Ref{NewRef("orders")}}}

	assert.NotEqual(t, a.MustFingerprint(), b.MustFingerprint())
}

// TestFingerprint_DepsDoNotParticipate tests that explicit
// dependencies are ordering data, not content: reordering them leaves
// the hash alone.
func TestFingerprint_DepsDoNotParticipate(t *testing.T) {
	a := testView("v", "${preamble} SELECT 1")
	a.DepsOn = []Ref{NewRef("a"), NewRef("b")}
	b := testView("v", "${preamble} SELECT 1")
	b.DepsOn = []Ref{NewRef("b"), NewRef("a")}

	assert.Equal(t, a.MustFingerprint(), b.MustFingerprint())
}

// TestAnnotation_RoundTrip tests the comment envelope parsing.
func TestAnnotation_RoundTrip(t *testing.T) {
	created := time.Unix(1700000000, 0)
	payload := Annotation("abc123", created)

	fp, ok := ParseAnnotation(payload)
	require.True(t, ok)
	assert.Equal(t, "abc123", fp)
}

// TestParseAnnotation_ForeignComments tests that comments we did not
// write are never misread as ours.
func TestParseAnnotation_ForeignComments(t *testing.T) {
	for _, comment := range []string{
		"",
		"a human wrote this",
		`{"version": 1}`,
		`{"other_tool": {"fingerprint": "x"}}`,
		`{"derive": {}}`,
	} {
		_, ok := ParseAnnotation(comment)
		assert.False(t, ok, "comment %q must not parse as an annotation", comment)
	}
}
