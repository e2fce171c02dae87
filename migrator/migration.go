package migrator

import (
	"strings"
	"time"

	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/table"
)

// Migration is the plan of a single run: it pairs the origin table with its
// altered destination, and fixes the columns copied between them.
// A Migration is read-only once built.
type Migration struct {
	Origin      table.Table
	Destination table.Table
	// Intersection of columns copied from Origin to Destination.
	Intersection Intersection
	// Conditions is a raw filter clause of the backfill (eg "WHERE ..." or
	// "INNER JOIN ... ON ..."). It never applies to triggers.
	Conditions string
	// ArchiveName is the name Origin is renamed to at cutover.
	ArchiveName string
	// KeyColumn over which the backfill is chunked. It's empty if the origin
	// has no integer key column, in which case the backfill walks KeyColumns.
	KeyColumn string
	// KeyColumns of the origin primary key, in key order.
	KeyColumns []string
	StartedAt  time.Time
}

// MigrationOptions are optional parameters of NewMigration.
type MigrationOptions struct {
	// Renames maps origin column names to their renamed destination columns.
	Renames map[string]string
	// Conditions, if non-nil, filter the backfill.
	Conditions *string
	// StartedAt is the time the run began. If zero, the current time is used.
	StartedAt time.Time
}

// Intersection of origin and destination columns, ordered by the declared
// column order of the destination. Origin[i] is copied into Destination[i]:
// names differ only where a column was renamed.
type Intersection struct {
	Origin      []string
	Destination []string
}

// NewMigration builds the Migration of |origin| into |destination|.
func NewMigration(origin, destination table.Table, opts MigrationOptions) (*Migration, error) {
	if len(origin.PrimaryKey) == 0 {
		return nil, fault.Errorf(fault.Precondition, "table `%s` requires a primary key", origin.Name)
	}
	// A table without an integer key is chunked over its full primary key.
	var key, _ = origin.KeyColumn()

	var m = &Migration{
		Origin:       origin,
		Destination:  destination,
		Intersection: intersect(&origin, &destination, opts.Renames),
		KeyColumn:    key,
		KeyColumns:   origin.PrimaryKey,
		StartedAt:    opts.StartedAt,
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = timeNow()
	}
	m.ArchiveName = table.ArchiveName(origin.Name, m.StartedAt)

	if opts.Conditions != nil {
		if strings.TrimSpace(*opts.Conditions) == "" {
			return nil, fault.New(fault.Precondition, "filter conditions must not be empty")
		}
		m.Conditions = *opts.Conditions
	}
	if len(m.Intersection.Origin) == 0 {
		return nil, fault.Errorf(fault.Precondition,
			"`%s` and `%s` have no columns in common", origin.Name, destination.Name)
	}
	return m, nil
}

// ChunkerKind returns the backfill strategy suited to the origin's key.
func (m *Migration) ChunkerKind() ChunkerKind {
	if m.KeyColumn == "" {
		return ChunkCompositeRange
	}
	return ChunkRange
}

// OriginColumns returns the quoted, comma-separated origin columns.
func (m *Migration) OriginColumns() string { return joinColumns("", m.Intersection.Origin) }

// DestinationColumns returns the quoted, comma-separated destination columns.
func (m *Migration) DestinationColumns() string { return joinColumns("", m.Intersection.Destination) }

// destinationColumn maps an origin column to its destination column.
func (m *Migration) destinationColumn(origin string) string {
	for i, c := range m.Intersection.Origin {
		if c == origin {
			return m.Intersection.Destination[i]
		}
	}
	return origin
}

func intersect(origin, destination *table.Table, renames map[string]string) Intersection {
	var sources = make(map[string]string, len(renames))
	for from, to := range renames {
		if _, ok := origin.Column(from); ok {
			sources[to] = from
		}
	}

	var out Intersection
	for _, c := range destination.Columns {
		if from, ok := sources[c.Name]; ok {
			out.Origin = append(out.Origin, from)
			out.Destination = append(out.Destination, c.Name)
		} else if _, ok := origin.Column(c.Name); ok {
			out.Origin = append(out.Origin, c.Name)
			out.Destination = append(out.Destination, c.Name)
		}
	}
	return out
}

// joinColumns quotes and joins |columns|, each prefixed by |prefix|.
func joinColumns(prefix string, columns []string) string {
	var parts = make([]string, len(columns))
	for i, c := range columns {
		parts[i] = prefix + table.Quote(c)
	}
	return strings.Join(parts, ", ")
}

var timeNow = time.Now
