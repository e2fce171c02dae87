package migrator

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/table"
)

// Switcher swaps the destination into place of the origin, which is
// renamed to the Migration's ArchiveName.
type Switcher interface {
	// Statements returns the statements of the switch, in order.
	Statements() []string
	// Run the switch.
	Run(ctx context.Context) error
}

// SwitchKind selects a Switcher implementation.
type SwitchKind string

const (
	// SwitchAtomic renames both tables in a single RENAME TABLE statement.
	SwitchAtomic SwitchKind = "atomic"
	// SwitchLocked renames the tables under LOCK TABLES. Between the two
	// renames the origin name does not exist, and queries against it fail.
	SwitchLocked SwitchKind = "locked"
)

// NewSwitcher returns a Switcher of the SwitchKind.
func NewSwitcher(kind SwitchKind, m *Migration, sup *sqlretry.Supervisor, logger log.FieldLogger) (Switcher, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	switch kind {
	case SwitchAtomic:
		return &AtomicSwitcher{m: m, sup: sup, log: logger}, nil
	case SwitchLocked:
		return &LockedSwitcher{m: m, sup: sup, log: logger}, nil
	default:
		return nil, fault.Errorf(fault.Precondition, "unknown switcher %q", kind)
	}
}

// AtomicSwitcher renames origin to archive and destination to origin with
// one statement, so that the origin name is never observed to be absent.
type AtomicSwitcher struct {
	m   *Migration
	sup *sqlretry.Supervisor
	log log.FieldLogger
}

// Statements implements Switcher.
func (s *AtomicSwitcher) Statements() []string {
	return []string{fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s",
		table.Quote(s.m.Origin.Name), table.Quote(s.m.ArchiveName),
		table.Quote(s.m.Destination.Name), table.Quote(s.m.Origin.Name))}
}

// Run implements Switcher.
func (s *AtomicSwitcher) Run(ctx context.Context) error {
	var q = s.sup.Querier("AtomicSwitcher")

	if err := validateSwitch(ctx, q, s.m); err != nil {
		return err
	}
	for _, stmt := range s.Statements() {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return errors.WithMessage(err, "renaming tables")
		}
	}
	s.log.WithFields(log.Fields{"origin": s.m.Origin.Name, "archive": s.m.ArchiveName}).
		Info("switched destination into place")
	return nil
}

// LockedSwitcher renames tables under LOCK TABLES, for servers which cannot
// safely replicate a multi-table RENAME.
type LockedSwitcher struct {
	m   *Migration
	sup *sqlretry.Supervisor
	log log.FieldLogger
}

// Statements implements Switcher.
func (s *LockedSwitcher) Statements() []string {
	var (
		origin  = table.Quote(s.m.Origin.Name)
		dest    = table.Quote(s.m.Destination.Name)
		archive = table.Quote(s.m.ArchiveName)
	)
	return []string{
		"SET @hdr_auto_commit = @@session.autocommit",
		"SET SESSION autocommit = 0",
		fmt.Sprintf("LOCK TABLE %s WRITE, %s WRITE", origin, dest),
		fmt.Sprintf("ALTER TABLE %s RENAME %s", origin, archive),
		fmt.Sprintf("ALTER TABLE %s RENAME %s", dest, origin),
		"COMMIT",
		"UNLOCK TABLES",
		restoreAutocommit,
	}
}

// Run implements Switcher. The sequence is issued as one guarded call, so a
// retried attempt re-acquires the locks. After a failure, locks are released
// and autocommit restored on a best-effort basis.
func (s *LockedSwitcher) Run(ctx context.Context) error {
	if err := validateSwitch(ctx, s.sup.Querier("LockedSwitcher"), s.m); err != nil {
		return err
	}

	var err = s.sup.Do(ctx, "LockedSwitcher", func(q conn.Querier) error {
		for _, stmt := range s.Statements() {
			if _, err := q.Exec(ctx, stmt); err != nil {
				s.release(ctx, q)
				return errors.WithMessagef(err, "executing %q", stmt)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"origin": s.m.Origin.Name, "archive": s.m.ArchiveName}).
		Info("switched destination into place")
	return nil
}

func (s *LockedSwitcher) release(ctx context.Context, q conn.Querier) {
	ctx = context.WithoutCancel(ctx)

	for _, stmt := range []string{"UNLOCK TABLES", restoreAutocommit} {
		if _, err := q.Exec(ctx, stmt); err != nil {
			s.log.WithFields(log.Fields{"stmt": stmt, "err": err}).Warn("failed to release switch locks")
		}
	}
}

const restoreAutocommit = "SET SESSION autocommit = @hdr_auto_commit"

func validateSwitch(ctx context.Context, q conn.Querier, m *Migration) error {
	for _, name := range []string{m.Origin.Name, m.Destination.Name} {
		if ok, err := table.Exists(ctx, q, name); err != nil {
			return err
		} else if !ok {
			return fault.Errorf(fault.Precondition, "`%s` and `%s` must exist", m.Origin.Name, m.Destination.Name)
		}
	}
	return nil
}
