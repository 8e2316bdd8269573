package dbexec

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// ConnExecutor runs each statement on a dedicated connection prepared with
// session statements, and restores the connection before returning it to
// the pool. The row-number dialect needs it on MySQL, where double-quoted
// identifiers require ANSI_QUOTES.
type ConnExecutor struct {
	db    *sql.DB
	setup []string
	reset []string
}

// ConnExecutorConfig controls connection preparation.
type ConnExecutorConfig struct {
	DB *sql.DB
	// Setup statements run on the connection before each statement.
	Setup []string
	// Reset statements run when the statement's rows are closed.
	Reset []string
}

// ANSIQuotesMySQL prepares a MySQL session for double-quoted identifiers.
var ANSIQuotesMySQL = ConnExecutorConfig{
	Setup: []string{"SET SESSION sql_mode = CONCAT(@@SESSION.sql_mode, ',ANSI_QUOTES')"},
	Reset: []string{"SET SESSION sql_mode = REPLACE(@@SESSION.sql_mode, 'ANSI_QUOTES', '')"},
}

// NewConnExecutor creates an executor that prepares a connection per statement.
func NewConnExecutor(cfg ConnExecutorConfig) *ConnExecutor {
	return &ConnExecutor{db: cfg.DB, setup: cfg.Setup, reset: cfg.Reset}
}

func (e *ConnExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	conn, err := e.prepare(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		e.release(conn)
		return nil, err
	}
	return &connRows{
		Rows:    rows,
		cleanup: func() { e.release(conn) },
	}, nil
}

func (e *ConnExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := e.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release(conn)
	return conn.ExecContext(ctx, query, args...)
}

func (e *ConnExecutor) prepare(ctx context.Context) (*sql.Conn, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire connection")
	}
	for _, stmt := range e.setup {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			e.release(conn)
			return nil, errors.Wrapf(err, "failed to prepare connection with %q", stmt)
		}
	}
	return conn, nil
}

func (e *ConnExecutor) release(conn *sql.Conn) {
	for _, stmt := range e.reset {
		_, _ = conn.ExecContext(context.Background(), stmt)
	}
	_ = conn.Close()
}

type connRows struct {
	*sql.Rows
	cleanup func()
}

func (r *connRows) Close() error {
	defer r.cleanup()
	return r.Rows.Close()
}
