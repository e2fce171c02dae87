package migrator

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/conn/conntest"
	"go.gazette.dev/hadron/fault"
)

func TestEntanglerStatements(t *testing.T) {
	var origin = buildTable("users", []string{"id", "tenant"}, "id", "tenant", "name")
	var dest = buildTable("hdrn_users", []string{"id", "org"}, "id", "org", "full_name", "age")

	var m, err = NewMigration(origin, dest, MigrationOptions{
		Renames: map[string]string{"tenant": "org", "name": "full_name"},
	})
	require.NoError(t, err)
	var e = NewEntangler(m, nil, nil)

	assert.Equal(t, []string{"hdrt_ins_users", "hdrt_upd_users", "hdrt_del_users"}, e.ExpectedTriggerNames())
	assert.Equal(t, []string{
		"CREATE TRIGGER `hdrt_del_users` AFTER DELETE ON `users` FOR EACH ROW DELETE IGNORE FROM `hdrn_users` " +
			"WHERE `hdrn_users`.`id`=OLD.`id` AND `hdrn_users`.`org`=OLD.`tenant`",
		"CREATE TRIGGER `hdrt_ins_users` AFTER INSERT ON `users` FOR EACH ROW REPLACE INTO `hdrn_users` " +
			"(`id`, `org`, `full_name`) VALUES (NEW.`id`, NEW.`tenant`, NEW.`name`)",
		"CREATE TRIGGER `hdrt_upd_users` AFTER UPDATE ON `users` FOR EACH ROW REPLACE INTO `hdrn_users` " +
			"(`id`, `org`, `full_name`) VALUES (NEW.`id`, NEW.`tenant`, NEW.`name`)",
	}, e.Statements())
}

func TestEntanglerInstallAndRemove(t *testing.T) {
	var s = newSim(conntest.New(), 1)
	var sup, _, _ = newTestSupervisor(t, s.Fake, false)
	var m = buildMigration(t, s, sup)
	var e = NewEntangler(m, sup, nil)
	var ctx = context.Background()

	var before = e.ExpectedTriggerNames()
	ok, err := e.TriggersExist(ctx, s.Fake)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.Install(ctx))
	assert.Equal(t, before, e.ExpectedTriggerNames())
	assert.Len(t, s.Matching(`^CREATE TRIGGER`), 3)

	ok, err = e.TriggersExist(ctx, s.Fake)
	require.NoError(t, err)
	assert.True(t, ok)

	// Removal is idempotent.
	require.NoError(t, e.Remove(ctx))
	require.NoError(t, e.Remove(ctx))
	assert.Empty(t, s.triggers)
	assert.Equal(t, []string{
		"DROP TRIGGER IF EXISTS `hdrt_del_users`",
		"DROP TRIGGER IF EXISTS `hdrt_ins_users`",
		"DROP TRIGGER IF EXISTS `hdrt_upd_users`",
	}, s.Matching(`^DROP TRIGGER`)[:3])
}

func TestEntanglerValidatesTablesExist(t *testing.T) {
	var s = newSim(conntest.New(), 1)
	var sup, _, _ = newTestSupervisor(t, s.Fake, false)
	var m = buildMigration(t, s, sup)
	var e = NewEntangler(m, sup, nil)

	delete(s.tables, "hdrn_users")

	var err = e.Run(context.Background(), func(context.Context) error {
		t.Fatal("not called")
		return nil
	})
	assert.True(t, fault.Is(err, fault.Precondition))
	assert.EqualError(t, err, "`hdrn_users` does not exist")
	assert.Empty(t, s.Matching(`^CREATE TRIGGER`))
	assert.Len(t, s.Matching(`^DROP TRIGGER`), 3)
}

func TestEntanglerRemovesTriggersAfterFailure(t *testing.T) {
	var s = newSim(conntest.New(), 1)
	var sup, _, _ = newTestSupervisor(t, s.Fake, false)
	var m = buildMigration(t, s, sup)
	var e = NewEntangler(m, sup, nil)

	var err = e.Run(context.Background(), func(context.Context) error {
		assert.Len(t, s.triggers, 3)
		return errors.New("whoops")
	})
	assert.EqualError(t, err, "whoops")
	assert.Empty(t, s.triggers)
}

func TestEntanglerRemovesTriggersAfterPartialInstall(t *testing.T) {
	var fake = conntest.New().On("^CREATE TRIGGER `hdrt_ins_users`",
		conntest.Fail(errors.New("trigger creation failed")))
	var s = newSim(fake, 1)
	var sup, _, _ = newTestSupervisor(t, s.Fake, false)
	var m = buildMigration(t, s, sup)
	var e = NewEntangler(m, sup, nil)

	var err = e.Run(context.Background(), func(context.Context) error {
		t.Fatal("not called")
		return nil
	})
	assert.EqualError(t, err, "creating trigger: trigger creation failed")
	assert.Empty(t, s.triggers)
}

func TestTriggersExistIgnoresOtherTriggers(t *testing.T) {
	var m, err = NewMigration(
		buildTable("users", []string{"id"}, "id"),
		buildTable("hdrn_users", []string{"id"}, "id"),
		MigrationOptions{})
	require.NoError(t, err)
	var e = NewEntangler(m, nil, nil)

	var fake = conntest.New().On(`^SHOW TRIGGERS LIKE 'users'$`, conntest.Rows(
		conn.Row{"Trigger": "audit_users"},
		conn.Row{"Trigger": "hdrt_upd_users"},
		conn.Row{"Trigger": "hdrt_del_users"},
		conn.Row{"Trigger": "hdrt_ins_users"},
	), conntest.Rows(
		conn.Row{"Trigger": "hdrt_upd_users"},
		conn.Row{"Trigger": "hdrt_ins_users"},
	))

	ok, err := e.TriggersExist(context.Background(), fake)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.TriggersExist(context.Background(), fake)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTriggersExistMatchesOnlyTheOrigin(t *testing.T) {
	var m, err = NewMigration(
		buildTable("old_users", []string{"id"}, "id"),
		buildTable("hdrn_old_users", []string{"id"}, "id"),
		MigrationOptions{})
	require.NoError(t, err)
	var e = NewEntangler(m, nil, nil)

	var fake = conntest.New().On(`^SHOW TRIGGERS LIKE 'old\\\\_users'$`, conntest.Rows(
		conn.Row{"Trigger": "hdrt_ins_old_users"},
		conn.Row{"Trigger": "hdrt_upd_old_users"},
		conn.Row{"Trigger": "hdrt_del_old_users"},
	))
	ok, err := e.TriggersExist(context.Background(), fake)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{`SHOW TRIGGERS LIKE 'old\\_users'`}, fake.Queries())
}
