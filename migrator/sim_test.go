package migrator

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/conn/conntest"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/throttler"
)

// sim is an in-memory model of the `users` table and its shadow, served
// through a conntest.Fake. Origin and destination rows are modeled by their
// keys. Triggers, once created, mirror writes made through write and remove.
type sim struct {
	*conntest.Fake

	tables   map[string]bool
	triggers map[string]bool
	origin   map[int64]bool
	dest     map[int64]bool
	warnings []conn.Row
	// insertErrs fail the next INSERTs, in order.
	insertErrs []error
	// afterInsert, if set, is invoked after each window is inserted, and
	// models concurrent client writes.
	afterInsert func(s *sim, w Window)
}

// newSim extends |fake| with handlers modeling a database holding `users`
// with |keys|. Handlers registered on |fake| beforehand take precedence.
func newSim(fake *conntest.Fake, keys ...int64) *sim {
	var s = &sim{
		Fake:     fake,
		tables:   map[string]bool{"users": true},
		triggers: make(map[string]bool),
		origin:   make(map[int64]bool),
		dest:     make(map[int64]bool),
	}
	for _, k := range keys {
		s.origin[k] = true
	}

	fake.On(`^SELECT DATABASE\(\)$`, conntest.Value("app")).
		On(`^SELECT VERSION\(\)$`, conntest.Value("8.0.36")).
		On(`information_schema\.columns WHERE table_name = 'users'`, conntest.Rows(
			conn.Row{"COLUMN_NAME": "id", "COLUMN_TYPE": "int(11)", "IS_NULLABLE": "NO"},
			conn.Row{"COLUMN_NAME": "name", "COLUMN_TYPE": "varchar(255)", "IS_NULLABLE": "YES"},
			conn.Row{"COLUMN_NAME": "email", "COLUMN_TYPE": "varchar(255)", "IS_NULLABLE": "YES"},
		)).
		On(`information_schema\.columns WHERE table_name = 'hdrn_users'`, conntest.Rows(
			conn.Row{"COLUMN_NAME": "id", "COLUMN_TYPE": "int(11)", "IS_NULLABLE": "NO"},
			conn.Row{"COLUMN_NAME": "name", "COLUMN_TYPE": "varchar(255)", "IS_NULLABLE": "YES"},
			conn.Row{"COLUMN_NAME": "email", "COLUMN_TYPE": "varchar(255)", "IS_NULLABLE": "YES"},
			conn.Row{"COLUMN_NAME": "age", "COLUMN_TYPE": "int(11)", "IS_NULLABLE": "YES"},
		)).
		On("^SHOW INDEXES FROM `app`.`(hdrn_)?users`$", conntest.Rows(
			conn.Row{"Key_name": "PRIMARY", "Column_name": "id"},
		))

	s.serveObjects("users")

	fake.Func(`^SELECT (MIN|MAX)\(`, func(_ string, m []string) conntest.Response {
		var keys = s.sorted(s.origin)
		if len(keys) == 0 {
			return conntest.Null()
		} else if m[1] == "MIN" {
			return conntest.Value(strconv.FormatInt(keys[0], 10))
		}
		return conntest.Value(strconv.FormatInt(keys[len(keys)-1], 10))
	})
	fake.Func(` >= (\d+) ORDER BY .* OFFSET (\d+)$`, func(_ string, m []string) conntest.Response {
		var next, _ = strconv.ParseInt(m[1], 10, 64)
		var offset, _ = strconv.Atoi(m[2])

		var keys []int64
		for _, k := range s.sorted(s.origin) {
			if k >= next {
				keys = append(keys, k)
			}
		}
		if offset >= len(keys) {
			return conntest.Null()
		}
		return conntest.Value(strconv.FormatInt(keys[offset], 10))
	})
	fake.Func(`^INSERT IGNORE INTO .* BETWEEN (\d+) AND (\d+)$`, func(_ string, m []string) conntest.Response {
		var w Window
		w.Low, _ = strconv.ParseInt(m[1], 10, 64)
		w.High, _ = strconv.ParseInt(m[2], 10, 64)
		s.warnings = nil

		if len(s.insertErrs) != 0 {
			var err = s.insertErrs[0]
			s.insertErrs = s.insertErrs[1:]
			return conntest.Fail(err)
		}

		var affected int64
		for _, k := range s.sorted(s.origin) {
			if k < w.Low || k > w.High {
				continue
			} else if s.dest[k] {
				s.warnings = append(s.warnings, conn.Row{
					"Level":   "Warning",
					"Code":    "1062",
					"Message": fmt.Sprintf("Duplicate entry '%d' for key 'hdrn_users.PRIMARY'", k),
				})
			} else {
				s.dest[k] = true
				affected++
			}
		}
		if s.afterInsert != nil {
			s.afterInsert(s, w)
		}
		return conntest.Affected(affected)
	})
	return s
}

// serveObjects registers handlers modeling tables and triggers of the
// database, and the warnings of the last insert into the |origin| model.
func (s *sim) serveObjects(origin string) {
	var fake = s.Fake

	fake.Func(`^SHOW TABLES LIKE '(.*)'$`, func(_ string, m []string) conntest.Response {
		// Table names of the model don't contain backslashes.
		var name = strings.ReplaceAll(m[1], `\`, "")
		if s.tables[name] {
			return conntest.Value(name)
		}
		return conntest.Null()
	})
	fake.Func("^CREATE TABLE `(.*)` LIKE", func(_ string, m []string) conntest.Response {
		s.tables[m[1]] = true
		return conntest.Affected(0)
	})
	fake.Func("^RENAME TABLE `(.*)` TO `(.*)`, `(.*)` TO `(.*)`$", func(_ string, m []string) conntest.Response {
		delete(s.tables, m[1])
		s.tables[m[2]] = true
		delete(s.tables, m[3])
		s.tables[m[4]] = true
		return conntest.Affected(0)
	})
	fake.Func("^CREATE TRIGGER `(.*?)`", func(_ string, m []string) conntest.Response {
		s.triggers[m[1]] = true
		return conntest.Affected(0)
	})
	fake.Func("^DROP TRIGGER IF EXISTS `(.*)`$", func(_ string, m []string) conntest.Response {
		delete(s.triggers, m[1])
		return conntest.Affected(0)
	})
	fake.Func(`^SHOW TRIGGERS LIKE`, func(string, []string) conntest.Response {
		var rows []conn.Row
		for name := range s.triggers {
			rows = append(rows, conn.Row{"Trigger": name, "Table": origin})
		}
		return conntest.Rows(rows...)
	})
	fake.Func(`^SHOW WARNINGS$`, func(string, []string) conntest.Response {
		return conntest.Rows(s.warnings...)
	})
}

func (s *sim) entangled() bool { return len(s.triggers) == 3 }

// write inserts or updates origin row |k|, as a client would.
func (s *sim) write(k int64) {
	s.origin[k] = true
	if s.entangled() {
		s.dest[k] = true
	}
}

// remove deletes origin row |k|, as a client would.
func (s *sim) remove(k int64) {
	delete(s.origin, k)
	if s.entangled() {
		delete(s.dest, k)
	}
}

func (s *sim) sorted(m map[int64]bool) []int64 {
	var out = make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// windows returns the BETWEEN bounds of issued INSERT statements.
func windows(fake *conntest.Fake) []Window {
	var out []Window
	for _, q := range fake.Matching(`^INSERT IGNORE`) {
		var m = betweenRe.FindStringSubmatch(q)
		var w Window
		w.Low, _ = strconv.ParseInt(m[1], 10, 64)
		w.High, _ = strconv.ParseInt(m[2], 10, 64)
		out = append(out, w)
	}
	return out
}

var betweenRe = regexp.MustCompile(`BETWEEN (\d+) AND (\d+)$`)

// sequence returns |n| keys from |start|, spaced by |step|.
func sequence(start, step int64, n int) []int64 {
	var out []int64
	for i := 0; i != n; i++ {
		out = append(out, start+int64(i)*step)
	}
	return out
}

// newTestSupervisor returns a Supervisor of |fake| with fast retries, and a
// Logger whose entries are captured by the returned Hook.
func newTestSupervisor(t *testing.T, fake *conntest.Fake, consistent bool) (*sqlretry.Supervisor, *log.Logger, *test.Hook) {
	var logger, hook = test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	var cfg = sqlretry.DefaultConfig()
	cfg.Tries = 3
	cfg.BaseInterval = time.Millisecond
	cfg.ReconnectWithConsistentHost = consistent
	cfg.ReconnectTries = 3
	cfg.ReconnectInterval = time.Millisecond

	var sup, err = sqlretry.New(context.Background(), fake, cfg, logger)
	require.NoError(t, err)
	hook.Reset()

	return sup, logger, hook
}

// newThrottler returns a Time Throttler of |stride| which doesn't pause.
func newThrottler(t *testing.T, stride int) *throttler.Time {
	var cfg = throttler.DefaultConfig()
	cfg.Stride = stride
	cfg.Delay = 0

	var th, err = throttler.NewTime(cfg)
	require.NoError(t, err)
	return th
}

// countingThrottler wraps a Throttler, and counts Pace invocations.
type countingThrottler struct {
	throttler.Throttler
	paces int
}

func (c *countingThrottler) Pace(ctx context.Context) error {
	c.paces++
	return c.Throttler.Pace(ctx)
}

// buildMigration runs a Migrator adding `age` to `users`, returning its
// Migration.
func buildMigration(t *testing.T, s *sim, sup *sqlretry.Supervisor, conditions ...string) *Migration {
	var mig = NewMigrator("users").AddColumn("age", "INT(11)")
	for _, c := range conditions {
		mig.Filter(c)
	}
	var m, err = mig.Run(context.Background(), sup, nil)
	require.NoError(t, err)
	return m
}
