package table

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/conn/conntest"
	"go.gazette.dev/hadron/fault"
	gc "gopkg.in/check.v1"
)

type TableSuite struct{}

func (s *TableSuite) TestParse(c *gc.C) {
	var fake = conntest.New().
		On(`^SELECT DATABASE\(\)$`, conntest.Value("app")).
		On(`information_schema\.columns WHERE table_name = 'users' AND table_schema = 'app'`, conntest.Rows(
			conn.Row{"COLUMN_NAME": "id", "COLUMN_TYPE": "int(11)", "IS_NULLABLE": "NO", "COLUMN_COMMENT": ""},
			conn.Row{"COLUMN_NAME": "tenant", "COLUMN_TYPE": "int(11)", "IS_NULLABLE": "NO", "COLUMN_DEFAULT": "0"},
			conn.Row{"COLUMN_NAME": "email", "COLUMN_TYPE": "varchar(255)", "IS_NULLABLE": "YES",
				"COLUMN_COMMENT": "login", "COLLATION_NAME": "utf8mb4_general_ci"},
		)).
		On("^SHOW INDEXES FROM `app`.`users`$", conntest.Rows(
			conn.Row{"Key_name": "PRIMARY", "Column_name": "id"},
			conn.Row{"Key_name": "PRIMARY", "Column_name": "tenant"},
			conn.Row{"Key_name": "index_users_on_email", "Column_name": "email"},
			conn.Row{"Key_name": "index_users_on_tenant_email", "Column_name": "tenant"},
			conn.Row{"Key_name": "index_users_on_tenant_email", "Column_name": "email"},
		)).
		On("^SHOW CREATE TABLE `users`$", conntest.Rows(
			conn.Row{"Table": "users", "Create Table": "CREATE TABLE `users` (...)"},
		))

	var tbl, err = Parse(context.Background(), fake, "users")
	c.Assert(err, gc.IsNil)

	c.Check(tbl.Name, gc.Equals, "users")
	c.Check(tbl.ColumnNames(), gc.DeepEquals, []string{"id", "tenant", "email"})
	c.Check(tbl.PrimaryKey, gc.DeepEquals, []string{"id", "tenant"})
	c.Check(tbl.Indices, gc.DeepEquals, map[string][]string{
		"index_users_on_email":        {"email"},
		"index_users_on_tenant_email": {"tenant", "email"},
	})
	c.Check(tbl.DDL, gc.Equals, "CREATE TABLE `users` (...)")

	var email, _ = tbl.Column("email")
	c.Check(email.Nullable, gc.Equals, true)
	c.Check(email.Default, gc.IsNil)
	c.Check(email.Collation, gc.Equals, "utf8mb4_general_ci")

	var tenant, _ = tbl.Column("tenant")
	c.Check(*tenant.Default, gc.Equals, "0")

	// Composite primary key which includes an integer `id`.
	key, err := tbl.KeyColumn()
	c.Check(err, gc.IsNil)
	c.Check(key, gc.Equals, "id")
}

func (s *TableSuite) TestParseMissingTable(c *gc.C) {
	var fake = conntest.New().On(`^SELECT DATABASE\(\)$`, conntest.Value("app"))

	var _, err = Parse(context.Background(), fake, "missing")
	c.Check(err, gc.ErrorMatches, "table `missing` does not exist")
	c.Check(fault.KindOf(err), gc.Equals, fault.Precondition)
}

func (s *TableSuite) TestKeyColumnCases(c *gc.C) {
	var cases = []struct {
		pk      []string
		cols    []Column
		key     string
		errLike string
	}{
		{[]string{"id"}, []Column{{Name: "id", Type: "bigint(20) unsigned"}}, "id", ""},
		{[]string{"uid"}, []Column{{Name: "uid", Type: "int"}}, "uid", ""},
		{[]string{"code"}, []Column{{Name: "code", Type: "varchar(32)"}}, "", ".*integer primary key.*"},
		{[]string{"a", "b"}, []Column{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}}, "", ".*integer primary key.*"},
		{nil, []Column{{Name: "id", Type: "int"}}, "", ".*integer primary key.*"},
	}
	for _, tc := range cases {
		var tbl = Table{Name: "t", PrimaryKey: tc.pk, Columns: tc.cols}
		var key, err = tbl.KeyColumn()

		if tc.errLike == "" {
			c.Check(err, gc.IsNil)
			c.Check(key, gc.Equals, tc.key)
		} else {
			c.Check(err, gc.ErrorMatches, tc.errLike)
			c.Check(fault.KindOf(err), gc.Equals, fault.Precondition)
		}
	}
}

func (s *TableSuite) TestNaming(c *gc.C) {
	var ts = time.Date(2024, 3, 9, 7, 5, 2, 45*int(time.Millisecond), time.UTC)

	c.Check(DestinationName("users"), gc.Equals, "hdrn_users")
	c.Check(ArchiveName("users", ts), gc.Equals, "hdra_2024_03_09_07_05_02_045_users")
	c.Check(TriggerName("ins", "users"), gc.Equals, "hdrt_ins_users")

	// All names are bounded, and destination & archive names never collide.
	var long = strings.Repeat("x", 80)
	c.Check(DestinationName(long), gc.HasLen, MaxIdentifierLength)
	c.Check(ArchiveName(long, ts), gc.HasLen, MaxIdentifierLength)
	c.Check(TriggerName("del", long), gc.HasLen, MaxIdentifierLength)
	c.Check(DestinationName(long), gc.Not(gc.Equals), ArchiveName(long, ts))
}

func (s *TableSuite) TestQuoting(c *gc.C) {
	c.Check(Quote("users"), gc.Equals, "`users`")
	c.Check(Quote("we`ird"), gc.Equals, "`we``ird`")
	c.Check(QuoteString(`it's`), gc.Equals, `'it\'s'`)
	c.Check(QuoteString(`a\b`), gc.Equals, `'a\\b'`)
	c.Check(QuoteLike(`hdrn_users`), gc.Equals, `'hdrn\\_users'`)
	c.Check(QuoteLike(`100%`), gc.Equals, `'100\\%'`)
	c.Check(QuoteLike(`it's`), gc.Equals, `'it\'s'`)
}

func (s *TableSuite) TestExists(c *gc.C) {
	var fake = conntest.New().On("^SHOW TABLES LIKE 'users'$", conntest.Value("users"))

	var ok, err = Exists(context.Background(), fake, "users")
	c.Check(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)

	ok, err = Exists(context.Background(), fake, "other")
	c.Check(err, gc.IsNil)
	c.Check(ok, gc.Equals, false)

	// Wildcards of the name are matched literally.
	fake = conntest.New().On(`^SHOW TABLES LIKE 'a\\\\_b'$`, conntest.Value("a_b"))
	ok, err = Exists(context.Background(), fake, "a_b")
	c.Check(err, gc.IsNil)
	c.Check(ok, gc.Equals, true)
	c.Check(fake.Queries(), gc.DeepEquals, []string{`SHOW TABLES LIKE 'a\\_b'`})
}

var _ = gc.Suite(&TableSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
