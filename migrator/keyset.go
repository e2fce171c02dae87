package migrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/table"
)

// Tuple is a value of the composite key, as SQL literals in key order.
type Tuple []string

func (t Tuple) String() string { return "(" + strings.Join(t, ", ") + ")" }

// CompositeChunker copies rows which existed when the run began, in windows
// of increasing primary key tuple. Each window begins just beyond the last
// tuple of the previous one, so that no key arithmetic is required and keys
// of any type may be walked.
type CompositeChunker struct {
	copier
	// Quoted key columns, bare and qualified by the origin.
	keys, qualified string
}

// NewCompositeChunker returns a CompositeChunker of the Migration.
func NewCompositeChunker(m *Migration, sup *sqlretry.Supervisor, opts ChunkerOptions) (*CompositeChunker, error) {
	if len(m.KeyColumns) == 0 {
		return nil, fault.Errorf(fault.Precondition, "table `%s` requires a primary key", m.Origin.Name)
	} else if opts.Start != nil || opts.Limit != nil {
		return nil, fault.Errorf(fault.Precondition, "start and limit apply only to the %s chunker", ChunkRange)
	}
	var c, err = newCopier(m, sup, opts)
	if err != nil {
		return nil, err
	}
	return &CompositeChunker{
		copier:    c,
		keys:      joinColumns("", m.KeyColumns),
		qualified: joinColumns(table.Quote(m.Origin.Name)+".", m.KeyColumns),
	}, nil
}

// Limit returns the largest key tuple of the origin. If |empty|, the origin
// has no rows and there's nothing to copy.
func (c *CompositeChunker) Limit(ctx context.Context) (limit Tuple, empty bool, err error) {
	return keysetLimit(ctx, c.sup.Querier("Chunker"), &c.m.Origin, c.m.KeyColumns)
}

// keysetLimit returns the largest tuple of |keys| of |origin|.
func keysetLimit(ctx context.Context, q conn.Querier, origin *table.Table, keys []string) (Tuple, bool, error) {
	var desc = make([]string, len(keys))
	for i, k := range keys {
		desc[i] = table.Quote(k) + " DESC"
	}
	var rows, err = q.QueryRows(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT 1",
		joinColumns("", keys), table.Quote(origin.Name), strings.Join(desc, ", ")))
	if err != nil {
		return nil, false, errors.WithMessage(err, "selecting limit")
	} else if len(rows) == 0 {
		return nil, true, nil
	}
	limit, err := keyTuple(origin, keys, rows[0])
	if err != nil {
		return nil, false, errors.WithMessage(err, "selecting limit")
	}
	return limit, false, nil
}

// Run the backfill.
func (c *CompositeChunker) Run(ctx context.Context) error { return c.finish(c.run(ctx)) }

func (c *CompositeChunker) run(ctx context.Context) error {
	var limit, empty, err = c.Limit(ctx)
	if err != nil {
		return err
	} else if empty {
		c.log.Info("origin is empty; nothing to copy")
		return nil
	}
	c.log.WithFields(log.Fields{"keys": c.keys, "limit": limit.String()}).Info("starting backfill")

	// |lower| is exclusive, and is nil before the first window.
	var lower Tuple
	c.lastLog = timeNow()

	for {
		var stride = c.opts.Throttler.Stride()

		upper, err := c.upperBound(ctx, lower, stride, limit)
		if err != nil {
			return err
		}
		if err = c.verify(ctx); err != nil {
			return err
		}

		affected, err := c.insert(ctx, c.InsertSQL(lower, upper), int64(stride))

		if err != nil && isBinlogCacheExceeded(err) {
			if err = c.backoff(stride, err); err != nil {
				return err
			}
			continue // Retry the same window.
		} else if err != nil {
			return errors.WithMessagef(err, "copying window (%s, %s]", lower, upper)
		}

		var from = "the start"
		if lower != nil {
			from = lower.String()
		}
		if err = c.copied(ctx, affected, from, upper.String()); err != nil {
			return err
		}

		if upper.String() == limit.String() {
			break
		}
		lower = upper
	}
	return nil
}

// upperBound returns the tuple which is |stride| rows beyond |lower|, or
// |limit| if fewer rows remain.
func (c *CompositeChunker) upperBound(ctx context.Context, lower Tuple, stride int, limit Tuple) (Tuple, error) {
	var rows, err = c.sup.Querier("Chunker").QueryRows(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT 1 OFFSET %d",
		c.keys, table.Quote(c.m.Origin.Name), c.window(c.keys, lower, limit), c.keys, stride-1))

	if err != nil {
		return nil, errors.WithMessage(err, "selecting window upper bound")
	} else if len(rows) == 0 {
		return limit, nil
	}
	upper, err := keyTuple(&c.m.Origin, c.m.KeyColumns, rows[0])
	if err != nil {
		return nil, errors.WithMessage(err, "parsing window upper bound")
	}
	return upper, nil
}

// window returns the predicate over |keys| of tuples beyond |lower| and
// through |upper|.
func (c *CompositeChunker) window(keys string, lower, upper Tuple) string {
	var pred = fmt.Sprintf("(%s) <= %s", keys, upper)
	if lower != nil {
		pred = fmt.Sprintf("(%s) > %s AND %s", keys, lower, pred)
	}
	return pred
}

// InsertSQL returns the statement which copies tuples beyond |lower| and
// through |upper|. A nil |lower| begins from the first tuple.
func (c *CompositeChunker) InsertSQL(lower, upper Tuple) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) SELECT %s FROM %s %s %s",
		table.Quote(c.m.Destination.Name), c.m.DestinationColumns(), c.m.OriginColumns(),
		table.Quote(c.m.Origin.Name), spliceConditions(c.m.Conditions), c.window(c.qualified, lower, upper))
}

// keyTuple renders the |keys| of |row| as SQL literals.
func keyTuple(origin *table.Table, keys []string, row conn.Row) (Tuple, error) {
	var out = make(Tuple, len(keys))
	for i, k := range keys {
		var v, ok = row[k]
		if !ok {
			return nil, errors.Errorf("key column %s is NULL", k)
		}
		var col, _ = origin.Column(k)
		var lit, err = keyLiteral(col, v)
		if err != nil {
			return nil, err
		}
		out[i] = lit
	}
	return out, nil
}

// keyLiteral renders value |v| of key column |col| as a SQL literal.
// Integers are bare, and binary strings are hex so that they compare
// byte-wise. Other values are quoted, and compare by the column's collation.
func keyLiteral(col table.Column, v string) (string, error) {
	var typ = strings.ToLower(col.Type)

	switch {
	case intKeyRe.MatchString(typ):
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			return v, nil
		} else if _, err = strconv.ParseUint(v, 10, 64); err == nil {
			return v, nil
		}
		return "", errors.Errorf("key column %s has non-integer value %q", col.Name, v)
	case strings.Contains(typ, "binary") || strings.Contains(typ, "blob"):
		return "X'" + hex.EncodeToString([]byte(v)) + "'", nil
	default:
		return table.QuoteString(v), nil
	}
}

var intKeyRe = regexp.MustCompile(`^(tiny|small|medium|big)?int\b`)
