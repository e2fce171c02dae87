package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/migrator"
	"go.gazette.dev/hadron/table"
)

func TestParseDocument(t *testing.T) {
	var doc, err = ParseDocument([]byte(`
table: users
alter:
  - ADD COLUMN age INT(11)
  - DROP COLUMN legacy
renames:
  - from: name
    to: full_name
filter: WHERE deleted_at IS NULL
`))
	require.NoError(t, err)

	var filter = "WHERE deleted_at IS NULL"
	assert.Equal(t, &Document{
		Table:   "users",
		Alter:   []string{"ADD COLUMN age INT(11)", "DROP COLUMN legacy"},
		Renames: []Rename{{From: "name", To: "full_name"}},
		Filter:  &filter,
	}, doc)

	var stmts []string
	stmts, err = doc.Migrator().Statements(&table.Table{
		Name:    "users",
		Columns: []table.Column{{Name: "id", Type: "int(11)"}, {Name: "name", Type: "text", Nullable: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"CREATE TABLE `hdrn_users` LIKE `users`",
		"ALTER TABLE `hdrn_users` ADD COLUMN age INT(11)",
		"ALTER TABLE `hdrn_users` DROP COLUMN legacy",
		"ALTER TABLE `hdrn_users` CHANGE COLUMN `name` `full_name` text NULL",
	}, stmts)
}

func TestParseDocumentErrors(t *testing.T) {
	for _, tc := range []struct {
		doc, err string
	}{
		{"alter: [ADD COLUMN a INT]", "expected table"},
		{"table: users\nalter: ['  ']", "alter[0]: expected clause"},
		{"table: users\nrenames: [{from: a}]", "renames[0]: expected from and to"},
		{"table: users\nrenames: [{from: a, to: b}, {from: a, to: c}]", `renames[1]: column "a" is renamed twice`},
	} {
		var _, err = ParseDocument([]byte(tc.doc))
		assert.EqualError(t, err, tc.err)
		assert.True(t, fault.Is(err, fault.Precondition))
	}

	// Unknown fields are rejected.
	var _, err = ParseDocument([]byte("table: users\nalters: []"))
	assert.True(t, fault.Is(err, fault.Precondition))
	assert.Contains(t, err.Error(), "decoding migration")
	assert.Contains(t, err.Error(), "alters")
}

func TestReadDocument(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("table: users\n"), 0644))

	var doc, err = ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "users", doc.Table)
	assert.Equal(t, "users", doc.Migrator().Origin())

	_, err = ReadDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigConversion(t *testing.T) {
	var saved = *Config
	defer func() { *Config = saved }()

	Config.Migrate.Stride = 500
	Config.Migrate.Delay = time.Second
	Config.Migrate.MinStrideSize = 10
	Config.Migrate.BackoffReductionFactor = 0.5
	Config.Migrate.AllowedLag = 3 * time.Second
	Config.Migrate.Replica = "replica-1"
	Config.Retry.Tries = 7
	Config.Retry.BaseInterval = time.Millisecond
	Config.Retry.Multiplier = 2
	Config.Retry.ReconnectWithConsistentHost = true
	Config.Retry.ReconnectTries = 4
	Config.Retry.ReconnectInterval = time.Second

	var th = throttlerConfig(nil)
	assert.Equal(t, 500, th.Stride)
	assert.Equal(t, time.Second, th.Delay)
	assert.Equal(t, 3*time.Second, th.AllowedLag)
	assert.Equal(t, 0.5, th.Backoff.ReductionFactor)
	assert.Equal(t, 10, th.Backoff.MinStride)
	assert.Equal(t, "replica-1", th.ResolveReplica())

	var rt = retryConfig()
	assert.Equal(t, 7, rt.Tries)
	assert.Equal(t, time.Millisecond, rt.BaseInterval)
	assert.Equal(t, 2.0, rt.Multiplier)
	assert.True(t, rt.ReconnectWithConsistentHost)
	assert.Equal(t, 4, rt.ReconnectTries)
	assert.Equal(t, time.Second, rt.ReconnectInterval)
	assert.NotEmpty(t, rt.RetryPatterns)
	assert.NoError(t, rt.Validate())

	for choice, expect := range map[string]*bool{"auto": nil, "true": ptr(true), "false": ptr(false)} {
		Config.Migrate.AtomicSwitch = choice
		assert.Equal(t, expect, atomicSwitch(), choice)
	}
	for choice, expect := range map[string]migrator.ChunkerKind{
		"auto":            "",
		"range":           migrator.ChunkRange,
		"composite_range": migrator.ChunkCompositeRange,
	} {
		Config.Migrate.Chunker = choice
		assert.Equal(t, expect, chunkerKind(), choice)
	}
}

func TestWritePlan(t *testing.T) {
	var p = &migrator.Plan{
		Origin: &table.Table{
			Name:       "users",
			Columns:    []table.Column{{Name: "id", Type: "int(11)"}, {Name: "name", Type: "text", Nullable: true}},
			PrimaryKey: []string{"id"},
		},
		Chunker:     migrator.ChunkRange,
		KeyColumn:   "id",
		Start:       1,
		Limit:       42,
		Statements:  []string{"CREATE TABLE `hdrn_users` LIKE `users`"},
		Destination: "hdrn_users",
		Triggers:    []string{"hdrt_ins_users", "hdrt_upd_users", "hdrt_del_users"},
		ArchiveName: "hdra_2024_03_09_07_05_02_045_users",
	}
	var buf bytes.Buffer
	writePlan(&buf, p)

	var out = buf.String()
	assert.Contains(t, out, "chunk, primary")
	assert.Contains(t, out, "Key id (range): 1 to 42\n")
	assert.Contains(t, out, "  CREATE TABLE `hdrn_users` LIKE `users`;\n")
	assert.Contains(t, out, "Triggers: hdrt_ins_users, hdrt_upd_users, hdrt_del_users\n")
	assert.Contains(t, out, "Archive:  hdra_2024_03_09_07_05_02_045_users\n")
}

func TestWriteCompositePlan(t *testing.T) {
	var p = &migrator.Plan{
		Origin: &table.Table{
			Name: "memberships",
			Columns: []table.Column{
				{Name: "org", Type: "varchar(32)"},
				{Name: "user_id", Type: "int(11)"},
				{Name: "role", Type: "text", Nullable: true},
			},
			PrimaryKey: []string{"org", "user_id"},
		},
		Chunker:     migrator.ChunkCompositeRange,
		KeyColumns:  []string{"org", "user_id"},
		LimitTuple:  migrator.Tuple{"'zeta'", "7"},
		Destination: "hdrn_memberships",
	}
	var buf bytes.Buffer
	writePlan(&buf, p)
	assert.Contains(t, buf.String(), "Key (org, user_id) (composite_range): through ('zeta', 7)\n")
	assert.Equal(t, 2, strings.Count(buf.String(), "chunk, primary"))

	p.Empty = true
	buf.Reset()
	writePlan(&buf, p)
	assert.Contains(t, buf.String(), "Key (org, user_id) (composite_range): table is empty\n")
}

func ptr(b bool) *bool { return &b }
