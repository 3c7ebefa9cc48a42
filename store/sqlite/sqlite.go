// Package sqlite is the bundled store.Adapter implementation, backing
// the demo CLI embedder and the engine's own tests. It speaks a
// D1-flavored SQL dialect (INSERT OR IGNORE, ON CONFLICT DO UPDATE,
// unixepoch(), AUTOINCREMENT) over modernc.org/sqlite, a pure-Go
// SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/swarmkit/coordination/store"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting Adapter run
// unmodified against either a plain connection or an active
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Adapter implements store.Adapter over database/sql.
type Adapter struct {
	db  *sql.DB // nil when scoped to a transaction
	tx  *sql.Tx // nil when scoped to the root connection
	ex  execer
}

// Open creates or opens a SQLite database file at path, enabling WAL
// mode and foreign keys.
func Open(path string) (*Adapter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &Adapter{db: db, ex: db}, nil
}

// Close releases the underlying *sql.DB. No-op on a transaction-scoped
// Adapter.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Adapter) Exec(ctx context.Context, sqlText string) error {
	_, err := a.ex.ExecContext(ctx, sqlText)
	return err
}

func (a *Adapter) Batch(ctx context.Context, stmts ...store.Statement) ([]store.Result, error) {
	results := make([]store.Result, 0, len(stmts))
	err := a.WithTx(ctx, func(tx store.Adapter) error {
		scoped := tx.(*Adapter)
		for _, s := range stmts {
			if st, ok := s.(*statement); ok {
				s = &statement{ex: scoped.ex, sql: st.sql, args: st.args}
			}
			res, err := s.Run(ctx)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Adapter) WithTx(ctx context.Context, fn func(store.Adapter) error) error {
	if a.db == nil {
		// Already inside a transaction: nested WithTx just runs fn
		// against the same scope, since SQLite doesn't nest
		// transactions.
		return fn(a)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	scoped := &Adapter{tx: tx, ex: tx}
	if err := fn(scoped); err != nil {
		return err
	}
	return tx.Commit()
}

// Prepare returns a bound-ready Statement. Unlike database/sql's
// Prepare, this does not compile the statement eagerly: args are
// supplied via Bind and the query runs lazily on Run/First/All, which
// keeps the Adapter safe to use from either a *sql.DB or *sql.Tx scope
// without juggling *sql.Stmt lifetimes across transaction boundaries.
func (a *Adapter) Prepare(sqlText string) store.Statement {
	return &statement{ex: a.ex, sql: sqlText}
}

type statement struct {
	ex   execer
	sql  string
	args []any
}

func (s *statement) Bind(args ...any) store.Statement {
	s.args = args
	return s
}

// busyRetry returns a fresh policy that retries an operation once on
// SQLITE_BUSY/locked conditions, distinct from the claim-acquisition PK
// race path (which must return immediately as claimed=false, never
// retry).
func busyRetry() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
}

func (s *statement) Run(ctx context.Context) (store.Result, error) {
	var res sql.Result
	err := backoff.Retry(func() error {
		var execErr error
		res, execErr = s.ex.ExecContext(ctx, s.sql, s.args...)
		if execErr != nil && isBusy(execErr) {
			return execErr
		}
		if execErr != nil {
			return backoff.Permanent(execErr)
		}
		return nil
	}, busyRetry())
	if err != nil {
		return store.Result{}, err
	}
	n, _ := res.RowsAffected()
	return store.Result{Success: true, Changes: n}, nil
}

func (s *statement) First(ctx context.Context) (store.Row, error) {
	rows, err := s.ex.QueryContext(ctx, s.sql, s.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

func (s *statement) All(ctx context.Context) ([]store.Row, error) {
	rows, err := s.ex.QueryContext(ctx, s.sql, s.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (store.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(store.Row, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return row, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// Now returns the current unix-second timestamp used throughout the
// engine for created_at/updated_at/recorded_at columns.
func Now() int64 { return time.Now().Unix() }
