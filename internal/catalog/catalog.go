// Package catalog implements the PostgreSQL collaborators: the
// introspector that reads managed objects and their fingerprint
// annotations back out of the database, and the connection the
// executor drives statements through.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/derivelabs/derive/internal/diff"
	"github.com/derivelabs/derive/internal/entity"
)

// Catalog wraps a PostgreSQL connection. It satisfies the sync
// package's DB, Catalog, and SignatureProber interfaces.
type Catalog struct {
	db *sql.DB
}

// Open connects to PostgreSQL at the given connection string
// (anything lib/pq accepts, e.g. "postgres:///mydb").
//
// The pool is capped at a single connection: one synchronization run
// is a single causally-ordered statement stream, and a second
// connection could only observe half-applied state.
func Open(dburl string) (*Catalog, error) {
	db, err := sql.Open("postgres", dburl)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %q: %w", dburl, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Catalog{db: db}, nil
}

// Close closes the underlying connection.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// ExecContext implements the executor's DB interface.
func (c *Catalog) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// BeginTx implements the executor's DB interface.
func (c *Catalog) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// relationStateQuery reads comments off tables, views, and
// materialized views. objsubid = 0 restricts to the relation comment
// itself, not column comments.
const relationStateQuery = `
SELECT n.nspname,
       c.relname,
       c.relkind::text,
       d.description
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
JOIN pg_catalog.pg_description d ON d.objoid = c.oid AND d.objsubid = 0
WHERE c.relkind IN ('r', 'v', 'm')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')`

// functionStateQuery reads comments off plain functions. Aggregates,
// window functions, and procedures are not managed kinds.
const functionStateQuery = `
SELECT n.nspname,
       p.proname,
       pg_catalog.pg_get_function_identity_arguments(p.oid),
       d.description
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
JOIN pg_catalog.pg_description d ON d.objoid = p.oid
WHERE p.prokind NOT IN ('a', 'w', 'p')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')`

// triggerStateQuery reads comments off user triggers, with the table
// each trigger is attached to.
const triggerStateQuery = `
SELECT tn.nspname,
       tc.relname,
       t.tgname,
       d.description
FROM pg_catalog.pg_trigger t
JOIN pg_catalog.pg_class tc ON tc.oid = t.tgrelid
JOIN pg_catalog.pg_namespace tn ON tn.oid = tc.relnamespace
JOIN pg_catalog.pg_description d ON d.objoid = t.oid
WHERE NOT t.tgisinternal`

// State returns every managed object presently in the database with
// its stored fingerprint. Objects whose comment is not a derive
// annotation are not ours and are skipped.
func (c *Catalog) State(ctx context.Context) ([]diff.Record, error) {
	var records []diff.Record

	rows, err := c.db.QueryContext(ctx, relationStateQuery)
	if err != nil {
		return nil, fmt.Errorf("query relation state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var schema, name, relkind, comment string
		if err := rows.Scan(&schema, &name, &relkind, &comment); err != nil {
			return nil, fmt.Errorf("scan relation state: %w", err)
		}
		fp, ok := entity.ParseAnnotation(comment)
		if !ok {
			continue
		}
		kind := entity.KindTable
		switch relkind {
		case "v":
			kind = entity.KindView
		case "m":
			kind = entity.KindMatView
		}
		records = append(records, diff.Record{
			Ref:         entity.Ref{Schema: schema, Name: name},
			Kind:        kind,
			Fingerprint: fp,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation state: %w", err)
	}

	fnRecords, err := c.functionState(ctx)
	if err != nil {
		return nil, err
	}
	records = append(records, fnRecords...)

	trRecords, err := c.triggerState(ctx)
	if err != nil {
		return nil, err
	}
	return append(records, trRecords...), nil
}

func (c *Catalog) functionState(ctx context.Context) ([]diff.Record, error) {
	rows, err := c.db.QueryContext(ctx, functionStateQuery)
	if err != nil {
		return nil, fmt.Errorf("query function state: %w", err)
	}
	defer rows.Close()

	var records []diff.Record
	for rows.Next() {
		var schema, name, args, comment string
		if err := rows.Scan(&schema, &name, &args, &comment); err != nil {
			return nil, fmt.Errorf("scan function state: %w", err)
		}
		fp, ok := entity.ParseAnnotation(comment)
		if !ok {
			continue
		}
		records = append(records, diff.Record{
			Ref:         entity.Ref{Schema: schema, Name: name, Args: args},
			Kind:        entity.KindFunction,
			Fingerprint: fp,
		})
	}
	return records, rows.Err()
}

func (c *Catalog) triggerState(ctx context.Context) ([]diff.Record, error) {
	rows, err := c.db.QueryContext(ctx, triggerStateQuery)
	if err != nil {
		return nil, fmt.Errorf("query trigger state: %w", err)
	}
	defer rows.Close()

	var records []diff.Record
	for rows.Next() {
		var schema, table, name, comment string
		if err := rows.Scan(&schema, &table, &name, &comment); err != nil {
			return nil, fmt.Errorf("scan trigger state: %w", err)
		}
		fp, ok := entity.ParseAnnotation(comment)
		if !ok {
			continue
		}
		records = append(records, diff.Record{
			Ref:         entity.Ref{Schema: schema + "." + table, Name: name},
			Kind:        entity.KindTrigger,
			Fingerprint: fp,
			OnTable:     entity.Ref{Schema: schema, Name: table},
		})
	}
	return records, rows.Err()
}

// FunctionSignatures returns the effective identity argument
// signatures the database holds for a function name. Used to diagnose
// signing failures caused by a wrong declared signature.
func (c *Catalog) FunctionSignatures(ctx context.Context, schema, name string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT pg_catalog.pg_get_function_identity_arguments(p.oid)
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1
  AND p.proname = $2
  AND p.prokind NOT IN ('a', 'w', 'p')`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("query function signatures: %w", err)
	}
	defer rows.Close()

	var sigs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan function signature: %w", err)
		}
		sigs = append(sigs, s)
	}
	return sigs, rows.Err()
}
