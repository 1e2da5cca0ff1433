package sync

import (
	"errors"
	"fmt"
	"strings"
)

// historyWindow is how many already-executed actions an execution
// error carries alongside the failing one.
const historyWindow = 5

// ExecutionError reports a statement failure mid-plan. It carries the
// failing action with its exact SQL and the trailing window of actions
// executed before it, so the failure is reproducible outside the tool.
type ExecutionError struct {
	// Action is the failing action, including the SQL attempted.
	Action Action

	// History holds the last executed actions before the failure, in
	// execution order.
	History []Action

	// CandidateSignatures is populated when signing a function fails:
	// the effective identity argument signatures found in the catalog,
	// which usually reveal a wrong ArgsSignature declaration.
	CandidateSignatures []string

	// Err is the underlying database error.
	Err error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed: %v\nwhile executing:\n%s",
		e.Action.Verb, e.Action.Ref.String(), e.Err, indentSQL(e.Action.SQL))
	if len(e.History) > 0 {
		b.WriteString("\npreceding actions:")
		for _, a := range e.History {
			fmt.Fprintf(&b, "\n\t%s [%s]", a.String(), a.State)
		}
	}
	if len(e.CandidateSignatures) > 0 {
		fmt.Fprintf(&b, "\nthe database reports these effective function signatures instead:\n\t%s",
			strings.Join(e.CandidateSignatures, "\n\t"))
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError returns true if err is a statement failure.
// Uses errors.As to handle wrapped errors.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

func indentSQL(sql string) string {
	lines := strings.Split(sql, "\n")
	for i, l := range lines {
		lines[i] = "\t\t" + l
	}
	return strings.Join(lines, "\n")
}

// UnknownRootError reports refresh roots that name no known node.
type UnknownRootError struct {
	Roots []string
}

func (e *UnknownRootError) Error() string {
	return fmt.Sprintf("unknown root nodes: %s", strings.Join(e.Roots, ", "))
}
