// Package migrator runs online schema migrations of MySQL tables.
//
// A run copies an origin table into an altered destination table, which is
// then swapped into place. Writes to the origin during the run are mirrored
// into the destination by triggers (the Entangler), while rows which existed
// when the run began are copied in bounded windows of the table's key (the
// Chunker). Once the copy completes, a Switcher renames the origin to an
// archive name and the destination to the origin's name.
//
// Every statement is issued through a sqlretry.Supervisor, which retries
// transient failures and refuses to continue against a failed-over server.
package migrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/table"
)

// Migrator builds the destination table of an origin. Statements added to a
// Migrator are applied to the destination, in order, by Run.
type Migrator struct {
	origin     string
	statements []statement
	renames    map[string]string
	conditions *string
}

// statement is a raw ALTER clause, or a column rename whose clause is
// resolved against the parsed origin.
type statement struct {
	clause   string
	from, to string
}

// NewMigrator returns a Migrator of the |origin| table.
func NewMigrator(origin string) *Migrator {
	return &Migrator{origin: origin, renames: make(map[string]string)}
}

// Origin returns the name of the origin table.
func (m *Migrator) Origin() string { return m.origin }

// Destination returns the name of the destination table.
func (m *Migrator) Destination() string { return table.DestinationName(m.origin) }

// Alter adds a raw ALTER TABLE clause, such as "ADD COLUMN `age` INT".
func (m *Migrator) Alter(clause string) *Migrator {
	m.statements = append(m.statements, statement{clause: clause})
	return m
}

// AddColumn adds a column of the |definition|.
func (m *Migrator) AddColumn(name, definition string) *Migrator {
	return m.Alter(fmt.Sprintf("ADD COLUMN %s %s", table.Quote(name), definition))
}

// ChangeColumn modifies the |definition| of an existing column.
func (m *Migrator) ChangeColumn(name, definition string) *Migrator {
	return m.Alter(fmt.Sprintf("MODIFY COLUMN %s %s", table.Quote(name), definition))
}

// RemoveColumn drops a column.
func (m *Migrator) RemoveColumn(name string) *Migrator {
	return m.Alter("DROP COLUMN " + table.Quote(name))
}

// AddIndex adds an index over |columns|, named |name|.
func (m *Migrator) AddIndex(name string, columns ...string) *Migrator {
	return m.Alter(fmt.Sprintf("ADD INDEX %s (%s)", table.Quote(name), joinColumns("", columns)))
}

// AddUniqueIndex adds a unique index over |columns|, named |name|.
func (m *Migrator) AddUniqueIndex(name string, columns ...string) *Migrator {
	return m.Alter(fmt.Sprintf("ADD UNIQUE INDEX %s (%s)", table.Quote(name), joinColumns("", columns)))
}

// RemoveIndex drops the named index.
func (m *Migrator) RemoveIndex(name string) *Migrator {
	return m.Alter("DROP INDEX " + table.Quote(name))
}

// RenameColumn renames column |from| to |to|, preserving its definition.
// Values of |from| are copied into |to|.
func (m *Migrator) RenameColumn(from, to string) *Migrator {
	m.renames[from] = to
	m.statements = append(m.statements, statement{from: from, to: to})
	return m
}

// Filter the backfill with a raw WHERE or JOIN clause. A filter applies only
// to rows copied by the backfill, and never to rows mirrored by triggers.
func (m *Migrator) Filter(conditions string) *Migrator {
	m.conditions = &conditions
	return m
}

// Run creates the destination table as a copy of the origin's structure,
// applies the Migrator's statements to it, and returns the Migration of the
// origin into the destination.
func (m *Migrator) Run(ctx context.Context, sup *sqlretry.Supervisor, logger log.FieldLogger) (*Migration, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	var q = sup.Querier("Migrator")

	origin, err := table.Parse(ctx, q, m.origin)
	if err != nil {
		return nil, err
	}
	if ok, err := table.Exists(ctx, q, m.Destination()); err != nil {
		return nil, errors.WithMessage(err, "checking destination")
	} else if ok {
		return nil, fault.Errorf(fault.Precondition,
			"`%s` already exists; a prior run may have been interrupted (see cleanup)", m.Destination())
	}

	statements, err := m.Statements(origin)
	if err != nil {
		return nil, err
	}
	for _, stmt := range statements {
		if _, err = q.Exec(ctx, stmt); err != nil {
			return nil, errors.WithMessagef(err, "applying %q", stmt)
		}
	}
	logger.WithFields(log.Fields{
		"origin":      m.origin,
		"destination": m.Destination(),
		"statements":  len(statements),
	}).Info("created destination table")

	destination, err := table.Parse(ctx, q, m.Destination())
	if err != nil {
		return nil, errors.WithMessage(err, "parsing destination")
	}
	return NewMigration(*origin, *destination, MigrationOptions{
		Renames:    m.renames,
		Conditions: m.conditions,
	})
}

// Statements returns the DDL which creates the destination table from the
// parsed |origin|.
func (m *Migrator) Statements(origin *table.Table) ([]string, error) {
	var dest = table.Quote(m.Destination())
	var out = []string{fmt.Sprintf("CREATE TABLE %s LIKE %s", dest, table.Quote(origin.Name))}

	for _, stmt := range m.statements {
		var clause = stmt.clause

		if stmt.from != "" {
			var col, ok = origin.Column(stmt.from)
			if !ok {
				return nil, fault.Errorf(fault.Precondition, "cannot rename `%s`: column does not exist", stmt.from)
			}
			clause = fmt.Sprintf("CHANGE COLUMN %s %s %s",
				table.Quote(stmt.from), table.Quote(stmt.to), columnDefinition(col))
		}
		out = append(out, fmt.Sprintf("ALTER TABLE %s %s", dest, clause))
	}
	return out, nil
}

// columnDefinition renders the definition of |c| for a CHANGE COLUMN clause.
func columnDefinition(c table.Column) string {
	var parts = []string{c.Type}

	if c.Collation != "" {
		parts = append(parts, "COLLATE "+c.Collation)
	}
	if c.Nullable {
		parts = append(parts, "NULL")
	} else {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != nil && currentTimestampRe.MatchString(*c.Default) {
		parts = append(parts, "DEFAULT "+*c.Default)
	} else if c.Default != nil {
		parts = append(parts, "DEFAULT "+table.QuoteString(*c.Default))
	}
	if c.Comment != "" {
		parts = append(parts, "COMMENT "+table.QuoteString(c.Comment))
	}
	return strings.Join(parts, " ")
}

var currentTimestampRe = regexp.MustCompile(`(?i)^current_timestamp(\(\d*\))?$`)
