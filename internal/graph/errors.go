package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/derivelabs/derive/internal/entity"
)

// DeclarationError represents a fatal problem in the declared entity
// set, detected before any database I/O:
//   - Duplicate identity: two entities share one database identity
//   - Dangling reference: an explicit dependency on an undeclared entity
//   - Type confusion: an identity declared both managed and unmanaged
//   - Dependency cycle: the explicit dependency graph is not acyclic
//
// Declaration errors are never retried; the declaration itself must be
// fixed.
type DeclarationError struct {
	// Code identifies the error category.
	Code DeclarationErrorCode

	// Message is a human-readable description.
	Message string

	// Refs lists the offending identities. For cycles this is the full
	// ordered cycle path, so the error is actionable without digging.
	Refs []entity.Ref
}

// DeclarationErrorCode categorizes declaration errors.
type DeclarationErrorCode string

const (
	ErrCodeDuplicateIdentity DeclarationErrorCode = "DUPLICATE_IDENTITY"
	ErrCodeDanglingReference DeclarationErrorCode = "DANGLING_REFERENCE"
	ErrCodeTypeConfusion     DeclarationErrorCode = "TYPE_CONFUSION"
	ErrCodeDependencyCycle   DeclarationErrorCode = "DEPENDENCY_CYCLE"
)

// Error implements the error interface.
func (e *DeclarationError) Error() string {
	if len(e.Refs) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	names := make([]string, len(e.Refs))
	for i, r := range e.Refs {
		names[i] = r.String()
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, strings.Join(names, " -> "))
}

func newDeclarationError(code DeclarationErrorCode, message string, refs ...entity.Ref) *DeclarationError {
	return &DeclarationError{Code: code, Message: message, Refs: refs}
}

// IsCycleError returns true if the error is a dependency cycle error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var de *DeclarationError
	return errors.As(err, &de) && de.Code == ErrCodeDependencyCycle
}

// CyclePath returns the ordered cycle path carried by a dependency
// cycle error, or nil if err is not one.
func CyclePath(err error) []entity.Ref {
	var de *DeclarationError
	if errors.As(err, &de) && de.Code == ErrCodeDependencyCycle {
		return de.Refs
	}
	return nil
}
