package conn

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// ProxySQLAnnotation is matched by ProxySQL query rules to route maintenance
// statements to the writer hostgroup, regardless of the user's default
// hostgroup.
const ProxySQLAnnotation = "/*maintenance:hadron*/"

// ErrNotConnected is returned by a MySQL whose session could not be
// re-established by a prior Reconnect.
var ErrNotConnected = errors.New("MySQL client is not connected")

// MySQL is a Conn over a single pinned session of a *sql.DB.
type MySQL struct {
	// Annotation, if non-empty, prefixes every issued statement.
	Annotation string

	db   *sql.DB
	sess *sql.Conn
}

// OpenMySQL opens a *sql.DB of the mysql.Config and pins a session of it.
func OpenMySQL(ctx context.Context, cfg *mysql.Config) (*MySQL, error) {
	var connector, err = mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "building connector")
	}
	var db = sql.OpenDB(connector)
	db.SetMaxIdleConns(1)

	m, err := NewMySQL(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "connecting to %s", cfg.Addr)
	}
	return m, nil
}

// NewMySQL pins a session of the *sql.DB, which is owned by the returned
// MySQL and closed with it.
func NewMySQL(ctx context.Context, db *sql.DB) (*MySQL, error) {
	var m = &MySQL{db: db}

	var sess, err = db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	m.sess = sess
	return m, nil
}

// Exec implements Querier.
func (m *MySQL) Exec(ctx context.Context, query string) (int64, error) {
	if m.sess == nil {
		return 0, ErrNotConnected
	}
	var res, err = m.sess.ExecContext(ctx, m.annotate(query))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueryValue implements Querier.
func (m *MySQL) QueryValue(ctx context.Context, query string) (value string, ok bool, err error) {
	err = m.query(ctx, query, func(_ []string, vals []sql.NullString) bool {
		if len(vals) != 0 && vals[0].Valid {
			value, ok = vals[0].String, true
		}
		return false // Only the first row is examined.
	})
	return
}

// QueryRows implements Querier.
func (m *MySQL) QueryRows(ctx context.Context, query string) ([]Row, error) {
	var out []Row
	var err = m.query(ctx, query, func(cols []string, vals []sql.NullString) bool {
		var row = make(Row, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				row[c] = vals[i].String
			}
		}
		out = append(out, row)
		return true
	})
	return out, err
}

// Reconnect implements Conn. The current session is discarded (rather than
// returned to the pool) and a new session is established and pinged.
func (m *MySQL) Reconnect(ctx context.Context) error {
	if m.sess != nil {
		// Returning ErrBadConn from Raw instructs database/sql to close the
		// underlying driver connection instead of pooling it.
		_ = m.sess.Raw(func(interface{}) error { return driver.ErrBadConn })
		_ = m.sess.Close()
		m.sess = nil
	}

	var sess, err = m.db.Conn(ctx)
	if err != nil {
		return err
	}
	if err = sess.PingContext(ctx); err != nil {
		_ = sess.Close()
		return err
	}
	m.sess = sess
	return nil
}

// Ping implements Conn.
func (m *MySQL) Ping(ctx context.Context) error {
	if m.sess == nil {
		return ErrNotConnected
	}
	return m.sess.PingContext(ctx)
}

// Close implements Conn.
func (m *MySQL) Close() error {
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	return m.db.Close()
}

func (m *MySQL) annotate(query string) string {
	if m.Annotation == "" {
		return query
	}
	return m.Annotation + " " + query
}

// query invokes |fn| with each row of the |query| result until |fn| returns false.
func (m *MySQL) query(ctx context.Context, query string, fn func([]string, []sql.NullString) bool) error {
	if m.sess == nil {
		return ErrNotConnected
	}
	var rows, err = m.sess.QueryContext(ctx, m.annotate(query))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	var vals = make([]sql.NullString, len(cols))
	var dest = make([]interface{}, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}

	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return err
		}
		if !fn(cols, vals) {
			break
		}
	}
	return rows.Err()
}
