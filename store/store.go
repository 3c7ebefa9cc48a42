// Package store defines the storage adapter contract the coordination
// engine speaks: prepare/bind/run/first/all over a SQL-speaking
// relational store, in the D1/SQLite-flavored shape. The engine never
// imports database/sql directly outside of the bundled sqlite
// implementation in store/sqlite; every other component talks to an
// Adapter.
package store

import "context"

// Row is a generic, driver-agnostic row: column name to Go value
// (int64, float64, string, []byte, bool, or nil). Every read path in
// the engine converts a Row into a typed entity in exactly one place
// per entity (see each component's rowToX function).
type Row map[string]any

// Result reports the effect of a Statement.Run.
type Result struct {
	Success bool
	Changes int64
}

// Statement is a bound, executable unit of SQL. Bind is fluent and
// returns the same Statement so call sites can chain
// prepare(...).bind(...).run() the way a D1-style adapter does.
type Statement interface {
	Bind(args ...any) Statement
	Run(ctx context.Context) (Result, error)
	First(ctx context.Context) (Row, error) // nil Row, nil error if no match
	All(ctx context.Context) ([]Row, error)
}

// Adapter is the embedder-supplied handle to the relational store.
type Adapter interface {
	// Prepare returns a new Statement for sql. Implementations may
	// cache the prepared statement internally; callers must still
	// Bind fresh arguments per use.
	Prepare(sql string) Statement

	// Exec runs schema/bootstrap SQL with no bound arguments and no
	// result rows.
	Exec(ctx context.Context, sql string) error

	// Batch runs every statement as one atomic group, D1-batch style.
	// Returns one Result per statement.
	Batch(ctx context.Context, stmts ...Statement) ([]Result, error)

	// WithTx runs fn against an Adapter scoped to a single
	// transaction, committing on a nil return and rolling back
	// otherwise. Implementations that cannot support transactions may
	// run fn directly against the ambient connection instead, which
	// degrades to accepting brief inconsistency windows rather than
	// failing outright.
	WithTx(ctx context.Context, fn func(Adapter) error) error

	// Close releases any resources the adapter owns (e.g. the
	// underlying *sql.DB). Adapters that don't own a connection (a
	// shared handle supplied by the embedder) may no-op.
	Close() error
}

// Helpers for reading typed values out of a Row. A missing or nil key
// returns the zero value, matching JSON-loose embedder data.

func (r Row) Str(key string) string {
	v, _ := r[key].(string)
	if v == "" {
		if b, ok := r[key].([]byte); ok {
			return string(b)
		}
	}
	return v
}

func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (r Row) Int(key string) int {
	return int(r.Int64(key))
}

func (r Row) Float64(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// NullInt64 returns (value, true) when the column is present and
// non-nil, or (0, false) when it is NULL/absent. Used for optional
// unix-second timestamps like Issue.ResolvedAt and Claim.ExpiresAt.
func (r Row) NullInt64(key string) (int64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	return r.Int64(key), true
}

// NullStr returns (value, true) when the column is present, non-nil
// and non-empty.
func (r Row) NullStr(key string) (string, bool) {
	s := r.Str(key)
	if s == "" {
		return "", false
	}
	return s, true
}
