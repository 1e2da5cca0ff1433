package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Domain prefix for content fingerprints. Version suffix enables a
// future algorithm migration without colliding with old annotations.
const fingerprintDomain = "derive/entity/v1"

// AnnotationVersion is the format version of the JSON payload stored
// in object comments.
const AnnotationVersion = 1

// hashWithDomain computes SHA-256 over domain + 0x00 + data. The null
// separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the entity's content fingerprint: a stable hash
// over kind, identity, rendered creation SQL, and kind metadata.
//
// The fingerprint is textual, not semantic: any change to the rendered
// SQL changes it, including whitespace. It is computed purely from
// declared data and never depends on catalog state.
func (e *Entity) Fingerprint() (string, error) {
	sql, err := e.CreateSQL()
	if err != nil {
		return "", err
	}
	parts := []string{
		e.Kind.Keyword(),
		e.Ref().String(),
		sql,
		e.metaDigest(),
	}
	var data []byte
	for _, p := range parts {
		data = append(data, p...)
		data = append(data, 0x00)
	}
	return hashWithDomain(fingerprintDomain, data), nil
}

// MustFingerprint is like Fingerprint but panics on error. Use only in
// tests or when the entity is known to be valid.
func (e *Entity) MustFingerprint() string {
	fp, err := e.Fingerprint()
	if err != nil {
		panic(err)
	}
	return fp
}

// metaDigest folds kind metadata into the fingerprint input. Fields
// that change the created object's shape must appear here even when
// they do not appear in the rendered SQL (e.g. concurrent
// refreshability, declared refresh-trigger tables).
func (e *Entity) metaDigest() string {
	switch m := e.Meta.(type) {
	case TableMeta:
		return fmt.Sprintf("unlogged=%t", m.Unlogged)
	case MatViewMeta:
		s := fmt.Sprintf("concurrently=%t", m.Concurrently)
		for _, r := range m.RefreshTriggers {
			s += "|" + r.String()
		}
		return s
	case FunctionMeta:
		return fmt.Sprintf("sig=%s|create=%s", m.ArgsSignature, m.CreationArgs)
	case TriggerMeta:
		return fmt.Sprintf("on=%s|cond=%s", m.OnTable.String(), m.Condition)
	}
	return ""
}

// annotation is the JSON envelope persisted as a COMMENT on every
// managed object. The outer key namespaces the payload so foreign
// comments are never misread as ours.
type annotation struct {
	Derive annotationBody `json:"derive"`
}

type annotationBody struct {
	Version     int    `json:"version"`
	Created     int64  `json:"created"`
	Fingerprint string `json:"fingerprint"`
}

// Annotation renders the comment payload carrying the fingerprint.
func Annotation(fingerprint string, created time.Time) string {
	b, err := json.Marshal(annotation{Derive: annotationBody{
		Version:     AnnotationVersion,
		Created:     created.Unix(),
		Fingerprint: fingerprint,
	}})
	if err != nil {
		// Marshaling a flat struct of ints and strings cannot fail.
		panic(err)
	}
	return string(b)
}

// ParseAnnotation extracts the fingerprint from a stored comment.
// Returns false for comments that are not derive annotations, which is
// the common case for objects we do not own.
func ParseAnnotation(comment string) (fingerprint string, ok bool) {
	var a annotation
	if err := json.Unmarshal([]byte(comment), &a); err != nil {
		return "", false
	}
	if a.Derive.Version == 0 || a.Derive.Fingerprint == "" {
		return "", false
	}
	return a.Derive.Fingerprint, true
}
