package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/derivelabs/derive/internal/sync"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Execution failure (statement failed, plan aborted)
	ExitCommandError = 2 // Command error (bad flags, unreadable manifest, no database)

	// Diff exit codes: 100 plus flag bits describing which side holds
	// excess objects. Scripts key off these.
	ExitDiffBase         = 100
	ExitDiffExcessDB     = 1 // objects in the database with no declared counterpart
	ExitDiffExcessSource = 2 // declared objects missing or outdated in the database
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

var verbColors = map[sync.Verb]*color.Color{
	sync.VerbDrop:    color.New(color.FgRed),
	sync.VerbNuke:    color.New(color.FgRed, color.Bold),
	sync.VerbCreate:  color.New(color.FgGreen),
	sync.VerbSign:    color.New(color.FgYellow),
	sync.VerbRefresh: color.New(color.FgCyan),
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// PrintPlan renders an action plan without execution results.
func (f *OutputFormatter) PrintPlan(plan *sync.Plan, withSQL bool) error {
	if f.Format == "json" {
		return f.printJSON(plan.Actions)
	}
	for _, a := range plan.Actions {
		f.printAction(a, "", withSQL)
	}
	return nil
}

// PrintReport renders an execution report: one line per action with
// its final state, then a summary.
func (f *OutputFormatter) PrintReport(report *sync.Report, withSQL bool) error {
	if f.Format == "json" {
		return f.printJSON(reportJSON{
			RunID:      report.RunID,
			Discipline: string(report.Discipline),
			ElapsedMS:  report.Elapsed.Milliseconds(),
			Actions:    report.Actions,
		})
	}
	for _, a := range report.Actions {
		f.printAction(a, string(a.State), withSQL)
	}
	fmt.Fprintf(f.Writer, "%d/%d actions committed (%s, %.2fs)\n",
		report.Executed(), len(report.Actions), report.Discipline, report.Elapsed.Seconds())
	return nil
}

func (f *OutputFormatter) printAction(a sync.Action, state string, withSQL bool) {
	verb := string(a.Verb)
	if c, ok := verbColors[a.Verb]; ok {
		verb = c.Sprint(verb)
	}
	if state != "" {
		fmt.Fprintf(f.Writer, "%-16s %-17s %s [%s]\n", verb, a.Kind.Keyword(), a.Ref.String(), state)
	} else {
		fmt.Fprintf(f.Writer, "%-16s %-17s %s\n", verb, a.Kind.Keyword(), a.Ref.String())
	}
	if withSQL {
		fmt.Fprintf(f.Writer, "\n%s\n\n", a.SQL)
	}
}

func (f *OutputFormatter) printJSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type reportJSON struct {
	RunID      string        `json:"run_id"`
	Discipline string        `json:"discipline"`
	ElapsedMS  int64         `json:"elapsed_ms"`
	Actions    []sync.Action `json:"actions"`
}
