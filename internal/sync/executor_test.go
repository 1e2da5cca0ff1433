package sync

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivelabs/derive/internal/entity"
)

// openTestDB opens an in-memory database pinned to one connection so
// every transaction and query sees the same state.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func action(verb Verb, name, sqlText string) Action {
	return Action{Verb: verb, Ref: entity.NewRef(name), Kind: entity.KindTable, SQL: sqlText, State: StatePending}
}

type fakeProber struct {
	sigs []string
}

func (f fakeProber) FunctionSignatures(_ context.Context, _, _ string) ([]string, error) {
	return f.sigs, nil
}

// TestExecute_DryRun tests that dry runs touch nothing and leave every
// action pending.
func TestExecute_DryRun(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{action(VerbCreate, "t1", "CREATE TABLE t1 (id INTEGER)")}}
	report := x.Execute(context.Background(), plan, DisciplineDryRun)

	require.NoError(t, report.Err)
	assert.Equal(t, 0, report.Executed())
	assert.Equal(t, StatePending, report.Actions[0].State)
	assert.False(t, tableExists(t, db, "t1"))
	assert.NotEmpty(t, report.RunID)
}

// TestExecute_JumboCommits tests the all-or-nothing happy path: every
// action committed, effects visible afterwards.
func TestExecute_JumboCommits(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{
		action(VerbCreate, "t1", "CREATE TABLE t1 (id INTEGER)"),
		action(VerbCreate, "t2", "CREATE TABLE t2 (id INTEGER)"),
	}}
	report := x.Execute(context.Background(), plan, DisciplineJumbo)

	require.NoError(t, report.Err)
	assert.Equal(t, 2, report.Executed())
	assert.True(t, tableExists(t, db, "t1"))
	assert.True(t, tableExists(t, db, "t2"))
}

// TestExecute_JumboRollsBack tests that one failure undoes the entire
// run and downgrades already-committed action states.
func TestExecute_JumboRollsBack(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{
		action(VerbCreate, "survivor", "CREATE TABLE survivor (id INTEGER)"),
		action(VerbCreate, "broken", "CREATE BOGUS SYNTAX"),
		action(VerbCreate, "never", "CREATE TABLE never (id INTEGER)"),
	}}
	report := x.Execute(context.Background(), plan, DisciplineJumbo)

	require.Error(t, report.Err)
	assert.True(t, IsExecutionError(report.Err))
	assert.False(t, tableExists(t, db, "survivor"), "rollback must undo earlier actions")

	assert.Equal(t, StateRolledBack, report.Actions[0].State)
	assert.Equal(t, StateFailed, report.Actions[1].State)
	assert.Equal(t, StatePending, report.Actions[2].State)
	assert.Equal(t, 0, report.Executed())
}

// TestExecute_CheckpointPreservesPrefix tests that under incremental
// commits a mid-plan failure keeps the completed prefix in place.
func TestExecute_CheckpointPreservesPrefix(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{
		action(VerbDrop, "prefix", "CREATE TABLE prefix (id INTEGER)"),
		action(VerbDrop, "broken", "CREATE BOGUS SYNTAX"),
		action(VerbDrop, "never", "CREATE TABLE never (id INTEGER)"),
	}}
	report := x.Execute(context.Background(), plan, DisciplineCheckpoint)

	require.Error(t, report.Err)
	assert.True(t, tableExists(t, db, "prefix"), "committed prefix must survive the failure")
	assert.False(t, tableExists(t, db, "never"))

	assert.Equal(t, StateCommitted, report.Actions[0].State)
	assert.Equal(t, StateFailed, report.Actions[1].State)
	assert.Equal(t, StatePending, report.Actions[2].State)
	assert.Equal(t, 1, report.Executed())
}

// TestExecute_CheckpointHoldsCreateUntilSigned tests that a create and
// its signature commit together: a failed signing must not leave an
// unsigned object behind.
func TestExecute_CheckpointHoldsCreateUntilSigned(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{
		action(VerbCreate, "orphan", "CREATE TABLE orphan (id INTEGER)"),
		action(VerbSign, "orphan", "COMMENT BOGUS"),
	}}
	report := x.Execute(context.Background(), plan, DisciplineCheckpoint)

	require.Error(t, report.Err)
	assert.False(t, tableExists(t, db, "orphan"), "unsigned create must be rolled back with its signing")
	assert.Equal(t, StateRolledBack, report.Actions[0].State)
	assert.Equal(t, StateFailed, report.Actions[1].State)
	assert.Equal(t, 0, report.Executed())

	var ee *ExecutionError
	require.ErrorAs(t, report.Err, &ee)
	require.Len(t, ee.History, 1)
	assert.Equal(t, StateRolledBack, ee.History[0].State,
		"history must carry the create's settled state")
}

// TestExecute_CheckpointCommitsCreateSignPair tests the committed
// counterpart: both actions land in one transaction and both states
// end Committed.
func TestExecute_CheckpointCommitsCreateSignPair(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{
		action(VerbCreate, "pair", "CREATE TABLE pair (id INTEGER)"),
		action(VerbSign, "pair", "INSERT INTO pair (id) VALUES (1)"),
	}}
	report := x.Execute(context.Background(), plan, DisciplineCheckpoint)

	require.NoError(t, report.Err)
	assert.True(t, tableExists(t, db, "pair"))
	assert.Equal(t, StateCommitted, report.Actions[0].State)
	assert.Equal(t, StateCommitted, report.Actions[1].State)
}

// TestExecute_CancelBetweenActions tests that cancellation is honored
// at action boundaries and aborts per the active discipline.
func TestExecute_CancelBetweenActions(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &Plan{Actions: []Action{action(VerbCreate, "t1", "CREATE TABLE t1 (id INTEGER)")}}
	report := x.Execute(ctx, plan, DisciplineJumbo)

	require.Error(t, report.Err)
	assert.ErrorIs(t, report.Err, context.Canceled)
	assert.False(t, tableExists(t, db, "t1"))
}

// TestExecute_JumboErrorHistoryStates tests that the history entries
// attached to an all-or-nothing failure report the settled states
// after rollback, not the mid-transaction ones.
func TestExecute_JumboErrorHistoryStates(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	plan := &Plan{Actions: []Action{
		action(VerbCreate, "gone", "CREATE TABLE gone (id INTEGER)"),
		action(VerbCreate, "broken", "CREATE BOGUS SYNTAX"),
	}}
	report := x.Execute(context.Background(), plan, DisciplineJumbo)

	var ee *ExecutionError
	require.ErrorAs(t, report.Err, &ee)
	require.Len(t, ee.History, 1)
	assert.Equal(t, StateRolledBack, ee.History[0].State,
		"rolled-back work must not be reported as committed")
}

// TestExecute_ErrorCarriesHistory tests that a failure reports the
// trailing window of executed actions with their SQL.
func TestExecute_ErrorCarriesHistory(t *testing.T) {
	db := openTestDB(t)
	x := NewExecutor(db, nil, zerolog.Nop())

	actions := []Action{
		action(VerbCreate, "a", "CREATE TABLE a (id INTEGER)"),
		action(VerbCreate, "b", "CREATE TABLE b (id INTEGER)"),
		action(VerbCreate, "broken", "CREATE BOGUS SYNTAX"),
	}
	report := x.Execute(context.Background(), &Plan{Actions: actions}, DisciplineJumbo)

	var ee *ExecutionError
	require.ErrorAs(t, report.Err, &ee)
	assert.Equal(t, "broken", ee.Action.Ref.Name)
	assert.Equal(t, "CREATE BOGUS SYNTAX", ee.Action.SQL)
	require.Len(t, ee.History, 2)
	assert.Equal(t, "a", ee.History[0].Ref.Name)
	assert.Equal(t, "b", ee.History[1].Ref.Name)
	assert.Contains(t, report.Err.Error(), "CREATE BOGUS SYNTAX")
}

// TestExecute_SignFailureProbesSignatures tests that a failed function
// signing asks the prober for the signatures the database actually
// holds.
func TestExecute_SignFailureProbesSignatures(t *testing.T) {
	db := openTestDB(t)
	prober := fakeProber{sigs: []string{"integer, text", "bigint"}}
	x := NewExecutor(db, prober, zerolog.Nop())

	failing := Action{
		Verb: VerbSign,
		Ref:  entity.Ref{Schema: "public", Name: "fn", Args: "text"},
		Kind: entity.KindFunction,
		SQL:  "COMMENT BOGUS",
	}
	report := x.Execute(context.Background(), &Plan{Actions: []Action{failing}}, DisciplineJumbo)

	var ee *ExecutionError
	require.ErrorAs(t, report.Err, &ee)
	assert.Equal(t, []string{"integer, text", "bigint"}, ee.CandidateSignatures)
	assert.Contains(t, report.Err.Error(), "integer, text")
}

// TestParseDiscipline tests flag value mapping.
func TestParseDiscipline(t *testing.T) {
	for _, valid := range []string{"jumbo", "checkpoint", "dryrun"} {
		d, err := ParseDiscipline(valid)
		require.NoError(t, err)
		assert.Equal(t, Discipline(valid), d)
	}
	_, err := ParseDiscipline("yolo")
	assert.Error(t, err)
}
