// Package conntest provides an in-memory, scripted conn.Conn for testing
// components which issue SQL.
package conntest

import (
	"context"
	"regexp"
	"sync"

	"github.com/go-sql-driver/mysql"
	"go.gazette.dev/hadron/conn"
)

// Response is a scripted result of a statement.
type Response struct {
	// Affected is returned by Exec.
	Affected int64
	// Value is returned by QueryValue. A nil Value is a NULL or empty result.
	Value *string
	// Rows are returned by QueryRows.
	Rows []conn.Row
	// Err, if set, is returned instead of a result.
	Err error
}

// Affected returns a Response of an Exec affecting |n| rows.
func Affected(n int64) Response { return Response{Affected: n} }

// Value returns a Response of a QueryValue returning |v|.
func Value(v string) Response { return Response{Value: &v} }

// Null returns a Response of a QueryValue returning NULL.
func Null() Response { return Response{} }

// Rows returns a Response of a QueryRows returning |rows|.
func Rows(rows ...conn.Row) Response { return Response{Rows: rows} }

// Fail returns a Response which fails with |err|.
func Fail(err error) Response { return Response{Err: err} }

// ErrLostConnection mimics the error surfaced by go-sql-driver/mysql when the
// server connection drops mid-statement.
var ErrLostConnection = mysql.ErrInvalidConn

type handler struct {
	re        *regexp.Regexp
	responses []Response
	fn        func(query string, match []string) Response
}

// Fake is a scripted conn.Conn. Statements are matched against handlers
// registered with On, in registration order. A handler replays its responses
// in sequence and then repeats its final response. Statements matching no
// handler succeed with an empty result.
//
// Fake answers `SELECT @@global.hostname` and `SELECT @@global.server_id`
// from its Hostname and ServerID fields, unless a handler matches first.
type Fake struct {
	Hostname string
	ServerID string
	// Down, if true, fails every statement and Ping with ErrLostConnection.
	Down bool
	// OnReconnect, if set, is invoked by Reconnect and its error returned.
	// It may mutate the Fake (eg, to clear Down or change Hostname).
	OnReconnect func(*Fake) error

	mu         sync.Mutex
	handlers   []*handler
	queries    []string
	reconnects int
}

// New returns a Fake with a default identity.
func New() *Fake {
	return &Fake{Hostname: "mysql-1", ServerID: "1"}
}

// On registers responses for statements matching |pattern|.
func (f *Fake) On(pattern string, responses ...Response) *Fake {
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, &handler{re: regexp.MustCompile(pattern), responses: responses})
	f.mu.Unlock()
	return f
}

// Func registers |fn| to compute responses of statements matching |pattern|.
// |fn| is passed the submatches of |pattern|, and is invoked while the Fake
// is locked: it must not call back into the Fake.
func (f *Fake) Func(pattern string, fn func(query string, match []string) Response) *Fake {
	f.mu.Lock()
	f.handlers = append(f.handlers, &handler{re: regexp.MustCompile(pattern), fn: fn})
	f.mu.Unlock()
	return f
}

// Queries returns all statements issued to the Fake, in order.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// Matching returns issued statements which match |pattern|, in order.
func (f *Fake) Matching(pattern string) []string {
	var re = regexp.MustCompile(pattern)
	var out []string
	for _, q := range f.Queries() {
		if re.MatchString(q) {
			out = append(out, q)
		}
	}
	return out
}

// Reconnects returns the number of Reconnect invocations.
func (f *Fake) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

// Exec implements conn.Querier.
func (f *Fake) Exec(_ context.Context, query string) (int64, error) {
	var r = f.respond(query)
	return r.Affected, r.Err
}

// QueryValue implements conn.Querier.
func (f *Fake) QueryValue(_ context.Context, query string) (string, bool, error) {
	var r = f.respond(query)
	if r.Err != nil || r.Value == nil {
		return "", false, r.Err
	}
	return *r.Value, true, nil
}

// QueryRows implements conn.Querier.
func (f *Fake) QueryRows(_ context.Context, query string) ([]conn.Row, error) {
	var r = f.respond(query)
	return r.Rows, r.Err
}

// Reconnect implements conn.Conn.
func (f *Fake) Reconnect(context.Context) error {
	f.mu.Lock()
	f.reconnects++
	var fn = f.OnReconnect
	f.mu.Unlock()

	if fn != nil {
		return fn(f)
	}
	f.Down = false
	return nil
}

// Ping implements conn.Conn.
func (f *Fake) Ping(context.Context) error {
	if f.Down {
		return ErrLostConnection
	}
	return nil
}

// Close implements conn.Conn.
func (f *Fake) Close() error { return nil }

var (
	hostnameRe = regexp.MustCompile(`(?i)^SELECT @@global\.hostname$`)
	serverIDRe = regexp.MustCompile(`(?i)^SELECT @@global\.server_id$`)
)

func (f *Fake) respond(query string) Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)

	if f.Down {
		return Fail(ErrLostConnection)
	}
	for _, h := range f.handlers {
		var match = h.re.FindStringSubmatch(query)
		if match == nil {
			continue
		} else if h.fn != nil {
			return h.fn(query, match)
		}
		var r = h.responses[0]
		if len(h.responses) > 1 {
			h.responses = h.responses[1:]
		}
		return r
	}

	if hostnameRe.MatchString(query) {
		return Value(f.Hostname)
	} else if serverIDRe.MatchString(query) {
		return Value(f.ServerID)
	}
	return Response{}
}

var _ conn.Conn = (*Fake)(nil)
