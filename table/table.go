// Package table describes MySQL tables as parsed from the information schema,
// and derives the identifiers of the shadow, archive and trigger objects a
// migration of a table creates.
package table

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
)

// MaxIdentifierLength is the maximum byte length of a MySQL identifier.
const MaxIdentifierLength = 64

const (
	// DestinationPrefix prefixes the name of a shadow table.
	DestinationPrefix = "hdrn_"
	// ArchivePrefix prefixes the name an origin table is archived under.
	ArchivePrefix = "hdra_"
	// TriggerPrefix prefixes the name of an entanglement trigger.
	TriggerPrefix = "hdrt_"
)

// Column is a column of a Table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	// Default is nil if the column has no default.
	Default   *string
	Comment   string
	Collation string
}

// Table is an immutable description of a MySQL table.
type Table struct {
	Name string
	// Columns in declared order.
	Columns []Column
	// Indices maps secondary index names to their ordered columns.
	Indices map[string][]string
	// PrimaryKey columns in key order. A table without a primary key has none.
	PrimaryKey []string
	// DDL is the output of SHOW CREATE TABLE.
	DDL string
}

// Column returns the named Column, and whether it exists.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the names of Columns, in declared order.
func (t *Table) ColumnNames() []string {
	var out = make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// SatisfiesIDRequirement returns true if |column| exists and is of an
// integer type suitable for range chunking.
func (t *Table) SatisfiesIDRequirement(column string) bool {
	var c, ok = t.Column(column)
	return ok && intTypeRe.MatchString(c.Type)
}

// KeyColumn returns the column over which the Table is chunked: its single
// primary key column or, for a composite primary key, an integer `id` column.
func (t *Table) KeyColumn() (string, error) {
	switch {
	case len(t.PrimaryKey) == 1 && t.SatisfiesIDRequirement(t.PrimaryKey[0]):
		return t.PrimaryKey[0], nil
	case len(t.PrimaryKey) > 1 && t.SatisfiesIDRequirement("id"):
		return "id", nil
	default:
		return "", fault.Errorf(fault.Precondition,
			"table `%s` requires an integer primary key, or an integer `id` column of a composite primary key", t.Name)
	}
}

// DestinationName returns the shadow table name of the Table.
func (t *Table) DestinationName() string { return DestinationName(t.Name) }

// Parse the named table of the session's current database.
func Parse(ctx context.Context, q conn.Querier, name string) (*Table, error) {
	var schema, ok, err = q.QueryValue(ctx, "SELECT DATABASE()")
	if err != nil {
		return nil, errors.WithMessage(err, "querying current database")
	} else if !ok {
		return nil, fault.New(fault.Precondition, "no database is selected")
	}

	rows, err := q.QueryRows(ctx, fmt.Sprintf(
		"SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, COLUMN_COMMENT, COLLATION_NAME "+
			"FROM information_schema.columns WHERE table_name = %s AND table_schema = %s ORDER BY ORDINAL_POSITION",
		QuoteString(name), QuoteString(schema)))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading columns of %s", name)
	} else if len(rows) == 0 {
		return nil, fault.Errorf(fault.Precondition, "table `%s` does not exist", name)
	}

	var t = &Table{Name: name, Indices: make(map[string][]string)}
	for _, r := range rows {
		var col = Column{
			Name:      r["COLUMN_NAME"],
			Type:      r["COLUMN_TYPE"],
			Nullable:  r["IS_NULLABLE"] == "YES",
			Comment:   r["COLUMN_COMMENT"],
			Collation: r["COLLATION_NAME"],
		}
		if d, ok := r["COLUMN_DEFAULT"]; ok {
			col.Default = &d
		}
		t.Columns = append(t.Columns, col)
	}

	// Rows are ordered by index, and then sequence within the index.
	rows, err = q.QueryRows(ctx, fmt.Sprintf("SHOW INDEXES FROM %s.%s", Quote(schema), Quote(name)))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading indices of %s", name)
	}
	for _, r := range rows {
		if r["Key_name"] == "PRIMARY" {
			t.PrimaryKey = append(t.PrimaryKey, r["Column_name"])
		} else {
			t.Indices[r["Key_name"]] = append(t.Indices[r["Key_name"]], r["Column_name"])
		}
	}

	rows, err = q.QueryRows(ctx, "SHOW CREATE TABLE "+Quote(name))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading DDL of %s", name)
	} else if len(rows) != 0 {
		t.DDL = rows[0]["Create Table"]
	}
	return t, nil
}

// Exists returns true if the named table exists in the current database.
func Exists(ctx context.Context, q conn.Querier, name string) (bool, error) {
	var _, ok, err = q.QueryValue(ctx, "SHOW TABLES LIKE "+QuoteLike(name))
	return ok, err
}

// Quote |ident| as a MySQL identifier.
func Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// QuoteString quotes |s| as a MySQL string literal.
func QuoteString(s string) string {
	return "'" + stringEscaper.Replace(s) + "'"
}

// QuoteLike quotes |s| as a LIKE pattern matching only |s| itself.
func QuoteLike(s string) string {
	return QuoteString(likeEscaper.Replace(s))
}

// Truncate |name| to MaxIdentifierLength bytes.
func Truncate(name string) string {
	if len(name) > MaxIdentifierLength {
		return name[:MaxIdentifierLength]
	}
	return name
}

// DestinationName returns the shadow table name of table |origin|.
func DestinationName(origin string) string {
	return Truncate(DestinationPrefix + origin)
}

// ArchiveName returns the name table |origin| is archived under by a
// migration started at |ts|.
func ArchiveName(origin string, ts time.Time) string {
	return Truncate(fmt.Sprintf("%s%s_%03d_%s",
		ArchivePrefix, ts.Format("2006_01_02_15_04_05"), ts.Nanosecond()/int(time.Millisecond), origin))
}

// TriggerName returns the name of the entanglement trigger of table |origin|
// for |action|, which is one of "ins", "upd", or "del".
func TriggerName(action, origin string) string {
	return Truncate(TriggerPrefix + action + "_" + origin)
}

var (
	intTypeRe     = regexp.MustCompile(`(bigint|int)(\(\d+\))?`)
	stringEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	likeEscaper   = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
)
