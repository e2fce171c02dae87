package migrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/table"
)

func TestIntersectionFollowsDestinationOrderAndRenames(t *testing.T) {
	var origin = buildTable("users", []string{"id"}, "id", "name", "email", "legacy")
	var dest = buildTable("hdrn_users", []string{"id"}, "email", "id", "full_name", "age")

	var m, err = NewMigration(origin, dest, MigrationOptions{
		Renames:   map[string]string{"name": "full_name", "missing": "nope"},
		StartedAt: time.Date(2024, 3, 9, 7, 5, 2, 45e6, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, Intersection{
		Origin:      []string{"email", "id", "name"},
		Destination: []string{"email", "id", "full_name"},
	}, m.Intersection)
	assert.Equal(t, "`email`, `id`, `name`", m.OriginColumns())
	assert.Equal(t, "`email`, `id`, `full_name`", m.DestinationColumns())
	assert.Equal(t, "full_name", m.destinationColumn("name"))
	assert.Equal(t, "id", m.KeyColumn)
	assert.Equal(t, []string{"id"}, m.KeyColumns)
	assert.Equal(t, ChunkRange, m.ChunkerKind())
	assert.Equal(t, "hdra_2024_03_09_07_05_02_045_users", m.ArchiveName)
	assert.Equal(t, "", m.Conditions)
}

func TestArchiveNameIsBoundedAndDistinctFromDestination(t *testing.T) {
	var name = strings.Repeat("x", table.MaxIdentifierLength)
	var origin = buildTable(name, []string{"id"}, "id")
	var dest = buildTable(table.DestinationName(name), []string{"id"}, "id")

	var m, err = NewMigration(origin, dest, MigrationOptions{})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(m.ArchiveName), table.MaxIdentifierLength)
	assert.NotEqual(t, m.Destination.Name, m.ArchiveName)
	assert.False(t, m.StartedAt.IsZero())
}

func TestMigrationPreconditions(t *testing.T) {
	var origin = buildTable("users", []string{"id"}, "id", "name")

	// Whitespace-only filters are rejected.
	var blank = "  \n"
	var _, err = NewMigration(origin, buildTable("hdrn_users", []string{"id"}, "id"),
		MigrationOptions{Conditions: &blank})
	assert.True(t, fault.Is(err, fault.Precondition))
	assert.EqualError(t, err, "filter conditions must not be empty")

	// Filters are otherwise accepted verbatim.
	var filter = "WHERE name IS NOT NULL"
	m, err := NewMigration(origin, buildTable("hdrn_users", []string{"id"}, "id"),
		MigrationOptions{Conditions: &filter})
	require.NoError(t, err)
	assert.Equal(t, filter, m.Conditions)

	// No common columns.
	_, err = NewMigration(origin, buildTable("hdrn_users", []string{"uid"}, "uid"), MigrationOptions{})
	assert.True(t, fault.Is(err, fault.Precondition))

	// Origin without an integer key is walked over its full primary key.
	var tags = buildTable("tags", []string{"name"}, "name")
	tags.Columns[0].Type = "varchar(32)"
	m, err = NewMigration(tags, buildTable("hdrn_tags", []string{"name"}, "name"), MigrationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "", m.KeyColumn)
	assert.Equal(t, []string{"name"}, m.KeyColumns)
	assert.Equal(t, ChunkCompositeRange, m.ChunkerKind())

	// Origin without any primary key.
	var keyless = buildTable("logs", nil, "id")
	_, err = NewMigration(keyless, buildTable("hdrn_logs", nil, "id"), MigrationOptions{})
	assert.True(t, fault.Is(err, fault.Precondition))
	assert.EqualError(t, err, "table `logs` requires a primary key")
}

// buildTable returns a Table of int(11) |columns| with primary key |pk|.
func buildTable(name string, pk []string, columns ...string) table.Table {
	var t = table.Table{Name: name, PrimaryKey: pk, Indices: map[string][]string{}}
	for _, c := range columns {
		t.Columns = append(t.Columns, table.Column{Name: c, Type: "int(11)"})
	}
	return t
}
