package migrator

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/table"
)

// Entangler mirrors writes of the origin table into the destination table
// using triggers. Inserts and updates of origin rows are replaced into the
// destination, and deletes are deleted from it. Both are idempotent, so the
// triggers converge with a concurrent backfill in any order.
type Entangler struct {
	m   *Migration
	q   conn.Querier
	log log.FieldLogger
}

// NewEntangler returns an Entangler of the Migration.
func NewEntangler(m *Migration, sup *sqlretry.Supervisor, logger log.FieldLogger) *Entangler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Entangler{m: m, q: sup.Querier("Entangler"), log: logger}
}

// ExpectedTriggerNames returns the insert, update and delete trigger names.
func (e *Entangler) ExpectedTriggerNames() []string { return triggerNames(e.m.Origin.Name) }

// triggerNames returns the insert, update and delete trigger names of |origin|.
func triggerNames(origin string) []string {
	return []string{
		table.TriggerName("ins", origin),
		table.TriggerName("upd", origin),
		table.TriggerName("del", origin),
	}
}

// Statements returns the trigger DDL issued by Install, in order.
func (e *Entangler) Statements() []string {
	var (
		names  = e.ExpectedTriggerNames()
		origin = table.Quote(e.m.Origin.Name)
		dest   = table.Quote(e.m.Destination.Name)
		cols   = e.m.DestinationColumns()
		values = joinColumns("NEW.", e.m.Intersection.Origin)
	)
	var keys []string
	for _, k := range e.m.Origin.PrimaryKey {
		keys = append(keys, fmt.Sprintf("%s.%s=OLD.%s", dest, table.Quote(e.m.destinationColumn(k)), table.Quote(k)))
	}

	return []string{
		fmt.Sprintf("CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW DELETE IGNORE FROM %s WHERE %s",
			table.Quote(names[2]), origin, dest, strings.Join(keys, " AND ")),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW REPLACE INTO %s (%s) VALUES (%s)",
			table.Quote(names[0]), origin, dest, cols, values),
		fmt.Sprintf("CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW REPLACE INTO %s (%s) VALUES (%s)",
			table.Quote(names[1]), origin, dest, cols, values),
	}
}

// Validate that both the origin and destination tables exist.
func (e *Entangler) Validate(ctx context.Context) error {
	for _, name := range []string{e.m.Origin.Name, e.m.Destination.Name} {
		if ok, err := table.Exists(ctx, e.q, name); err != nil {
			return err
		} else if !ok {
			return fault.Errorf(fault.Precondition, "`%s` does not exist", name)
		}
	}
	return nil
}

// Install the triggers. A failed Install may leave some triggers installed,
// and the run must be aborted (after Remove).
func (e *Entangler) Install(ctx context.Context) error {
	if err := e.Validate(ctx); err != nil {
		return err
	}
	for _, stmt := range e.Statements() {
		if _, err := e.q.Exec(ctx, stmt); err != nil {
			return errors.WithMessage(err, "creating trigger")
		}
	}
	e.log.WithField("table", e.m.Origin.Name).Info("created triggers")
	return nil
}

// Remove the triggers, if they exist.
func (e *Entangler) Remove(ctx context.Context) error {
	var names = e.ExpectedTriggerNames()

	// Remove in the order of creation.
	for _, name := range []string{names[2], names[0], names[1]} {
		if _, err := e.q.Exec(ctx, "DROP TRIGGER IF EXISTS "+table.Quote(name)); err != nil {
			return errors.WithMessage(err, "dropping trigger")
		}
	}
	e.log.WithField("table", e.m.Origin.Name).Info("dropped triggers")
	return nil
}

// Run installs triggers, invokes |fn|, and removes the triggers. Triggers are
// removed regardless of whether Install or |fn| fail, and regardless of
// cancellation of |ctx|.
func (e *Entangler) Run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		var rmErr = e.Remove(context.WithoutCancel(ctx))

		if rmErr != nil && err == nil {
			err = rmErr
		} else if rmErr != nil {
			e.log.WithFields(log.Fields{"table": e.m.Origin.Name, "err": rmErr}).
				Error("failed to remove triggers after a failed run")
		}
	}()

	if err = e.Install(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// TriggersExist returns true if exactly the expected triggers are installed
// on the origin.
func (e *Entangler) TriggersExist(ctx context.Context, q conn.Querier) (bool, error) {
	var rows, err = q.QueryRows(ctx, "SHOW TRIGGERS LIKE "+table.QuoteLike(e.m.Origin.Name))
	if err != nil {
		return false, errors.WithMessage(err, "listing triggers")
	}

	var found []string
	for _, name := range conn.Values(rows, "Trigger") {
		if strings.HasPrefix(name, table.TriggerPrefix) {
			found = append(found, name)
		}
	}
	var expected = e.ExpectedTriggerNames()

	slices.Sort(found)
	slices.Sort(expected)
	return slices.Equal(found, expected), nil
}
