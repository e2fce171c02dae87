// Package conn defines the minimal database session interface used by the
// migration engine, and a MySQL implementation of it.
//
// A migration issues exactly one statement at a time, and several statements
// depend on session state left by a prior one (SHOW WARNINGS after INSERT
// IGNORE, UNLOCK TABLES after LOCK TABLE). A Conn is therefore a single
// pinned session rather than a pool.
package conn

import "context"

// Row is a single result row keyed on column name. Columns having a NULL
// value are absent from the Row.
type Row map[string]string

// Querier issues statements against a session.
type Querier interface {
	// Exec executes a statement and returns its affected row count.
	Exec(ctx context.Context, query string) (int64, error)
	// QueryValue returns the first column of the first row of the result.
	// |ok| is false if the result is empty or the value is NULL.
	QueryValue(ctx context.Context, query string) (value string, ok bool, err error)
	// QueryRows returns all rows of the result.
	QueryRows(ctx context.Context, query string) ([]Row, error)
}

// Conn is a Querier over a session which may be re-established.
type Conn interface {
	Querier
	// Reconnect discards the current session and establishes a new one.
	Reconnect(ctx context.Context) error
	// Ping verifies the session is alive.
	Ping(ctx context.Context) error
	// Close the session.
	Close() error
}

// Values returns the |column| of each of |rows|, skipping NULLs.
func Values(rows []Row, column string) []string {
	var out []string
	for _, r := range rows {
		if v, ok := r[column]; ok {
			out = append(out, v)
		}
	}
	return out
}
