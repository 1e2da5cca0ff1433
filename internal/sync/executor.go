package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/derivelabs/derive/internal/entity"
)

// Discipline selects how a plan's actions are committed.
type Discipline string

const (
	// DisciplineJumbo runs the whole plan in one transaction; any
	// failure rolls everything back, leaving the database untouched.
	DisciplineJumbo Discipline = "jumbo"
	// DisciplineCheckpoint commits incrementally; a failure halts the
	// run but preserves the completed prefix. Creates commit together
	// with their signature so a failed signing never leaves an orphan
	// object the system would not recognize as its own.
	DisciplineCheckpoint Discipline = "checkpoint"
	// DisciplineDryRun executes nothing; the plan is returned for
	// inspection only.
	DisciplineDryRun Discipline = "dryrun"
)

// ParseDiscipline maps a flag value to a Discipline.
func ParseDiscipline(s string) (Discipline, error) {
	switch Discipline(s) {
	case DisciplineJumbo, DisciplineCheckpoint, DisciplineDryRun:
		return Discipline(s), nil
	}
	return "", fmt.Errorf("invalid transaction discipline %q: must be one of jumbo, checkpoint, dryrun", s)
}

// DB is the database surface the executor needs. *sql.DB satisfies it.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SignatureProber diagnoses function signing failures by reporting the
// effective identity argument signatures the database holds for a
// function name. Optional; a nil prober skips the diagnosis.
type SignatureProber interface {
	FunctionSignatures(ctx context.Context, schema, name string) ([]string, error)
}

// Report is the outcome of executing one plan. Actions carry their
// final states; Err is non-nil when the run aborted.
type Report struct {
	RunID      string
	Discipline Discipline
	Actions    []Action
	Started    time.Time
	Elapsed    time.Duration
	Err        error
}

// Executed counts actions that reached Committed.
func (r *Report) Executed() int {
	n := 0
	for _, a := range r.Actions {
		if a.State == StateCommitted {
			n++
		}
	}
	return n
}

// Executor drives plans against a database, one statement at a time,
// in plan order. The engine is single-threaded per run: downstream
// actions causally depend on upstream ones having completed, and the
// all-or-nothing discipline relies entirely on the database's own
// transaction isolation. Concurrent runs are not coordinated here.
type Executor struct {
	db     DB
	prober SignatureProber
	log    zerolog.Logger
	now    func() time.Time
}

// NewExecutor builds an executor. prober may be nil.
func NewExecutor(db DB, prober SignatureProber, log zerolog.Logger) *Executor {
	return &Executor{db: db, prober: prober, log: log, now: time.Now}
}

// Execute runs the plan under the given discipline and reports every
// action's outcome. Cancellation is checked between actions, never
// mid-statement; an abort under jumbo rolls back, under checkpoint it
// stops issuing further actions. Failed actions are never retried:
// retrying DDL against unknown partial state risks corruption.
func (x *Executor) Execute(ctx context.Context, plan *Plan, discipline Discipline) *Report {
	report := &Report{
		RunID:      uuid.NewString(),
		Discipline: discipline,
		Actions:    append([]Action(nil), plan.Actions...),
		Started:    x.now(),
	}
	defer func() { report.Elapsed = x.now().Sub(report.Started) }()

	if discipline == DisciplineDryRun || plan.Empty() {
		return report
	}

	switch discipline {
	case DisciplineJumbo:
		report.Err = x.executeJumbo(ctx, report)
	case DisciplineCheckpoint:
		report.Err = x.executeCheckpoint(ctx, report)
	default:
		report.Err = fmt.Errorf("unknown discipline %q", discipline)
	}
	return report
}

// executeJumbo runs every action inside one transaction.
func (x *Executor) executeJumbo(ctx context.Context, report *Report) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	for i := range report.Actions {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback()
			x.rollBackCommitted(report)
			return fmt.Errorf("run aborted: %w", err)
		}
		if err := x.runAction(ctx, tx, report, i); err != nil {
			_ = tx.Rollback()
			x.rollBackCommitted(report)
			return x.withHistory(err, report, i)
		}
		report.Actions[i].State = StateCommitted
	}

	if err := tx.Commit(); err != nil {
		x.rollBackCommitted(report)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// executeCheckpoint commits after every action, except that a create
// stays uncommitted until its signature lands.
func (x *Executor) executeCheckpoint(ctx context.Context, report *Report) error {
	var tx *sql.Tx
	closeTx := func(commit bool) error {
		if tx == nil {
			return nil
		}
		t := tx
		tx = nil
		if commit {
			return t.Commit()
		}
		return t.Rollback()
	}

	for i := range report.Actions {
		if err := ctx.Err(); err != nil {
			_ = closeTx(false)
			x.rollBackExecuting(report)
			return fmt.Errorf("run aborted: %w", err)
		}
		if tx == nil {
			t, err := x.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin transaction: %w", err)
			}
			tx = t
		}
		if err := x.runAction(ctx, tx, report, i); err != nil {
			_ = closeTx(false)
			x.rollBackExecuting(report)
			return x.withHistory(err, report, i)
		}
		// Only commit after signing; committing a bare create would
		// leave an orphan object if the signing then failed.
		if report.Actions[i].Verb == VerbCreate {
			continue
		}
		if err := closeTx(true); err != nil {
			report.Actions[i].State = StateFailed
			return fmt.Errorf("commit after %s %s: %w",
				report.Actions[i].Verb, report.Actions[i].Ref.String(), err)
		}
		x.markCommittedPrefix(report, i)
	}
	return closeTx(true)
}

// runAction executes one statement and logs its outcome.
func (x *Executor) runAction(ctx context.Context, tx *sql.Tx, report *Report, i int) error {
	action := &report.Actions[i]
	action.State = StateExecuting
	x.log.Debug().
		Str("run_id", report.RunID).
		Str("verb", string(action.Verb)).
		Str("identity", action.Ref.String()).
		Str("sql", action.SQL).
		Msg("executing action")

	start := x.now()
	_, err := tx.ExecContext(ctx, action.SQL)
	if err != nil {
		action.State = StateFailed
		execErr := &ExecutionError{
			Action: *action,
			Err:    err,
		}
		if action.Verb == VerbSign && action.Kind == entity.KindFunction {
			execErr.CandidateSignatures = x.probeSignatures(ctx, action.Ref)
		}
		x.log.Error().
			Str("run_id", report.RunID).
			Str("verb", string(action.Verb)).
			Str("identity", action.Ref.String()).
			Err(err).
			Msg("action failed")
		return execErr
	}
	x.log.Info().
		Str("run_id", report.RunID).
		Str("verb", string(action.Verb)).
		Str("identity", action.Ref.String()).
		Dur("elapsed", x.now().Sub(start)).
		Msg("action done")
	return nil
}

// probeSignatures asks the catalog which argument signatures exist for
// the function we failed to address. A wrong declared ArgsSignature is
// by far the most common signing failure.
func (x *Executor) probeSignatures(ctx context.Context, ref entity.Ref) []string {
	if x.prober == nil {
		return nil
	}
	sigs, err := x.prober.FunctionSignatures(ctx, ref.Schema, ref.Name)
	if err != nil {
		x.log.Debug().Err(err).Msg("signature probe failed")
		return nil
	}
	return sigs
}

// history returns the trailing window of actions executed before a
// failure at index i.
func (x *Executor) history(report *Report, i int) []Action {
	lo := i - historyWindow
	if lo < 0 {
		lo = 0
	}
	return append([]Action(nil), report.Actions[lo:i]...)
}

// withHistory attaches the trailing action window to a statement
// failure. Called after run states have settled, so a rolled-back
// discipline reports its history entries as rolled back, not as the
// mid-transaction states they briefly held.
func (x *Executor) withHistory(err error, report *Report, i int) error {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		ee.History = x.history(report, i)
	}
	return err
}

// rollBackCommitted flips every Committed action to RolledBack after a
// jumbo-discipline failure: the enclosing transaction took their
// effects with it.
func (x *Executor) rollBackCommitted(report *Report) {
	for i := range report.Actions {
		if report.Actions[i].State == StateCommitted {
			report.Actions[i].State = StateRolledBack
		}
	}
}

// rollBackExecuting flips Executing actions to RolledBack after a
// checkpoint-discipline abort: they sat in the still-open transaction
// (a create held back until its signature) and its rollback took their
// effects with it.
func (x *Executor) rollBackExecuting(report *Report) {
	for i := range report.Actions {
		if report.Actions[i].State == StateExecuting {
			report.Actions[i].State = StateRolledBack
		}
	}
}

// markCommittedPrefix marks action i and any Executing predecessors
// (a create committed together with its signature) as Committed.
func (x *Executor) markCommittedPrefix(report *Report, i int) {
	for j := i; j >= 0; j-- {
		switch report.Actions[j].State {
		case StateExecuting:
			report.Actions[j].State = StateCommitted
		case StateCommitted:
			return
		}
	}
}
