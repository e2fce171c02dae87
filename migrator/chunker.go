package migrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/metrics"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/table"
	"go.gazette.dev/hadron/throttler"
)

// ProgressLogInterval is the minimum interval between progress log lines
// of a Chunker.
const ProgressLogInterval = 5 * time.Minute

// Window is an inclusive range of keys copied by a single statement.
type Window struct {
	Low, High int64
}

// Verifier is invoked before each window is copied. If it returns false,
// the backfill is aborted.
type Verifier func(ctx context.Context, q conn.Querier) (bool, error)

// ChunkerOptions are options of a Backfill.
type ChunkerOptions struct {
	// Throttler paces the backfill. If nil, a default Time throttler is used.
	Throttler throttler.Throttler
	// Verifier, if set, is invoked before each window.
	Verifier Verifier
	// Printer of progress. If nil, Percentage is used.
	Printer Printer
	// RaiseOnWarnings aborts the backfill on unexpected insert warnings,
	// rather than only logging them.
	RaiseOnWarnings bool
	// Start and Limit, if set, bound the keys copied. Otherwise the minimum
	// and maximum keys of the origin are used. They apply only to the
	// ChunkRange strategy.
	Start, Limit *int64
	// Logger of the Chunker. If nil, the standard logger is used.
	Logger log.FieldLogger
}

// Backfill copies rows which existed when the run began from the origin
// into the destination.
type Backfill interface {
	Run(ctx context.Context) error
}

// ChunkerKind selects a Backfill strategy.
type ChunkerKind string

const (
	// ChunkRange walks windows of the integer KeyColumn.
	ChunkRange ChunkerKind = "range"
	// ChunkCompositeRange walks windows of the full primary key, ordered as
	// a tuple. It serves tables having no integer KeyColumn.
	ChunkCompositeRange ChunkerKind = "composite_range"
)

// NewBackfill returns a Backfill of the ChunkerKind.
func NewBackfill(kind ChunkerKind, m *Migration, sup *sqlretry.Supervisor, opts ChunkerOptions) (Backfill, error) {
	var b Backfill
	var err error

	switch kind {
	case ChunkRange:
		b, err = NewChunker(m, sup, opts)
	case ChunkCompositeRange:
		b, err = NewCompositeChunker(m, sup, opts)
	default:
		err = fault.Errorf(fault.Precondition, "unknown chunker %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// copier holds what backfill strategies share: each window is verified,
// inserted, and has its warnings examined, and the run is paced.
type copier struct {
	m    *Migration
	sup  *sqlretry.Supervisor
	opts ChunkerOptions
	log  log.FieldLogger

	duplicateRe *regexp.Regexp
	lastLog     time.Time
}

func newCopier(m *Migration, sup *sqlretry.Supervisor, opts ChunkerOptions) (copier, error) {
	if opts.Throttler == nil {
		var th, err = throttler.NewTime(throttler.DefaultConfig())
		if err != nil {
			return copier{}, err
		}
		opts.Throttler = th
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Printer == nil {
		opts.Printer = Percentage{Log: opts.Logger}
	}

	return copier{
		m:    m,
		sup:  sup,
		opts: opts,
		log:  opts.Logger.WithField("table", m.Origin.Name),
		duplicateRe: regexp.MustCompile(
			`Duplicate entry .+ for key '(` + regexp.QuoteMeta(m.Destination.Name) + `\.)?PRIMARY'`),
	}, nil
}

// finish reports the outcome of a run to the Printer.
func (c *copier) finish(err error) error {
	if err != nil {
		c.opts.Printer.Exception(err)
		return err
	}
	c.opts.Printer.End()
	return nil
}

// Chunker copies rows which existed when the run began from the origin into
// the destination, in windows of increasing key. Rows written after the run
// began are copied by triggers instead, and a window may find some of its
// rows already present: INSERT IGNORE skips them.
type Chunker struct {
	copier
}

// NewChunker returns a Chunker of the Migration.
func NewChunker(m *Migration, sup *sqlretry.Supervisor, opts ChunkerOptions) (*Chunker, error) {
	if m.KeyColumn == "" {
		return nil, fault.Errorf(fault.Precondition,
			"table `%s` has no integer key column; use the %s chunker", m.Origin.Name, ChunkCompositeRange)
	} else if opts.Start != nil && opts.Limit != nil && *opts.Start > *opts.Limit {
		return nil, fault.Errorf(fault.Precondition, "start (%d) must be less than or equal to limit (%d)",
			*opts.Start, *opts.Limit)
	}
	var c, err = newCopier(m, sup, opts)
	if err != nil {
		return nil, err
	}
	return &Chunker{copier: c}, nil
}

// Bounds returns the first and last keys to be copied. If |empty|, the origin
// has no rows and there's nothing to copy.
func (c *Chunker) Bounds(ctx context.Context) (start, limit int64, empty bool, err error) {
	return keyBounds(ctx, c.sup.Querier("Chunker"), c.m.Origin.Name, c.m.KeyColumn, c.opts.Start, c.opts.Limit)
}

// keyBounds returns the minimum and maximum of integer column |key| of
// |origin|, unless overridden by |start| or |limit|.
func keyBounds(ctx context.Context, q conn.Querier, origin, key string, start, limit *int64) (int64, int64, bool, error) {
	var bound = func(fn string, override *int64) (int64, bool, error) {
		if override != nil {
			return *override, true, nil
		}
		var v, ok, err = q.QueryValue(ctx, fmt.Sprintf("SELECT %s(%s) FROM %s", fn, table.Quote(key), table.Quote(origin)))
		if err != nil || !ok {
			return 0, false, err
		}
		n, err := strconv.ParseInt(v, 10, 64)
		return n, true, err
	}

	var lo, okStart, err = bound("MIN", start)
	if err != nil {
		return 0, 0, false, errors.WithMessage(err, "selecting start")
	}
	hi, okLimit, err := bound("MAX", limit)
	if err != nil {
		return 0, 0, false, errors.WithMessage(err, "selecting limit")
	}
	return lo, hi, !okStart || !okLimit, nil
}

// Run the backfill.
func (c *Chunker) Run(ctx context.Context) error { return c.finish(c.run(ctx)) }

func (c *Chunker) run(ctx context.Context) error {
	var start, limit, empty, err = c.Bounds(ctx)
	if err != nil {
		return err
	} else if empty {
		c.log.Info("origin is empty; nothing to copy")
		return nil
	}
	c.log.WithFields(log.Fields{"start": start, "limit": limit}).Info("starting backfill")

	var next = start
	c.lastLog = timeNow()

	for {
		var stride = c.opts.Throttler.Stride()

		top, err := c.upperBound(ctx, next, stride, limit)
		if err != nil {
			return err
		}
		if err = c.verify(ctx); err != nil {
			return err
		}

		var w = Window{Low: next, High: top}
		affected, err := c.insert(ctx, c.InsertSQL(w), w.High-w.Low+1)

		if err != nil && isBinlogCacheExceeded(err) {
			if err = c.backoff(stride, err); err != nil {
				return err
			}
			continue // Retry the same window.
		} else if err != nil {
			return errors.WithMessagef(err, "copying window [%d, %d]", w.Low, w.High)
		}

		var from, to = strconv.FormatInt(w.Low, 10), strconv.FormatInt(w.High, 10)
		if err = c.copied(ctx, affected, from, to); err != nil {
			return err
		}

		if top >= limit {
			break
		}
		next = top + 1
		c.opts.Printer.Notify(next, limit)
	}
	return nil
}

// upperBound returns the key which is |stride| rows at or beyond |next|,
// capped to |limit|.
func (c *Chunker) upperBound(ctx context.Context, next int64, stride int, limit int64) (int64, error) {
	var key = table.Quote(c.m.KeyColumn)
	var v, ok, err = c.sup.Querier("Chunker").QueryValue(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= %d ORDER BY %s LIMIT 1 OFFSET %d",
		key, table.Quote(c.m.Origin.Name), key, next, key, stride-1))

	if err != nil {
		return 0, errors.WithMessage(err, "selecting window upper bound")
	} else if !ok {
		return limit, nil
	}
	top, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.WithMessage(err, "parsing window upper bound")
	} else if top > limit {
		return limit, nil
	}
	return top, nil
}

func (c *copier) verify(ctx context.Context) error {
	if c.opts.Verifier == nil {
		return nil
	}
	return c.sup.Do(ctx, "Chunker", func(q conn.Querier) error {
		if ok, err := c.opts.Verifier(ctx, q); err != nil {
			return err
		} else if !ok {
			return fault.New(fault.Verification, "verification failed, aborting early")
		}
		return nil
	})
}

// insert issues the window statement |stmt|. If fewer than |expect| rows are
// inserted, its warnings are examined in the same session.
func (c *copier) insert(ctx context.Context, stmt string, expect int64) (int64, error) {
	var affected int64
	var warnings []conn.Row

	var err = c.sup.Do(ctx, "ChunkInsert", func(q conn.Querier) (err error) {
		warnings = nil

		if affected, err = q.Exec(ctx, stmt); err != nil {
			return err
		} else if affected < expect {
			warnings, err = q.QueryRows(ctx, "SHOW WARNINGS")
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, msg := range conn.Values(warnings, "Message") {
		if c.duplicateRe.MatchString(msg) {
			metrics.WarningsTotal.WithLabelValues("duplicate_primary").Inc()
			continue
		}
		metrics.WarningsTotal.WithLabelValues("unexpected").Inc()

		var m = "Unexpected warning found for inserted row: " + msg
		c.log.Warn(m)

		if c.opts.RaiseOnWarnings {
			return affected, fault.New(fault.DataWarning, m)
		}
	}
	return affected, nil
}

// backoff shrinks the stride after a window of |stride| exceeded the binlog
// cache with |cause|. It fails if the stride cannot shrink further.
func (c *copier) backoff(stride int, cause error) error {
	if err := c.opts.Throttler.Backoff(); err != nil {
		return fault.Wrap(fault.ResourceExhaustion,
			errors.WithMessagef(err, "binlog cache exceeded with stride %d (%s)", stride, cause))
	}
	c.log.WithFields(log.Fields{"stride": stride, "next": c.opts.Throttler.Stride()}).
		Warn("binlog cache size exceeded; reduced stride and retrying window")
	return nil
}

// copied accounts for a window of |affected| rows spanning keys |from| to
// |to|, and paces the backfill if rows were copied.
func (c *copier) copied(ctx context.Context, affected int64, from, to string) error {
	metrics.ChunksTotal.Inc()
	metrics.RowsCopiedTotal.Add(float64(affected))

	if now := timeNow(); now.Sub(c.lastLog) > ProgressLogInterval {
		c.log.Infof("Inserted %s rows into the destination table from %s to %s",
			humanize.Comma(affected), from, to)
		c.lastLog = now
	}
	if affected > 0 {
		return c.opts.Throttler.Pace(ctx)
	}
	return nil
}

// InsertSQL returns the statement which copies the Window.
func (c *Chunker) InsertSQL(w Window) string {
	var origin = table.Quote(c.m.Origin.Name)

	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) SELECT %s FROM %s %s %s.%s BETWEEN %d AND %d",
		table.Quote(c.m.Destination.Name), c.m.DestinationColumns(), c.m.OriginColumns(),
		origin, spliceConditions(c.m.Conditions), origin, table.Quote(c.m.KeyColumn), w.Low, w.High)
}

// spliceConditions adapts a filter clause to be conjoined with a further
// predicate. The predicate of a WHERE clause is parenthesized, and other
// clauses (eg an INNER JOIN ... ON) are conjoined as-is. Filters having
// trailing clauses (eg GROUP BY) are not supported.
func spliceConditions(conditions string) string {
	if conditions == "" {
		return "WHERE"
	}
	return whereRe.ReplaceAllString(conditions, "${1} (${2})") + " AND"
}

func isBinlogCacheExceeded(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1197 {
		return true
	}
	return strings.Contains(err.Error(), "max_binlog_cache_size")
}

var whereRe = regexp.MustCompile(`(?is)\b(where)\s+(.+)$`)
