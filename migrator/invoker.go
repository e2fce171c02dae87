package migrator

import (
	"context"
	"io"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/throttler"
)

const (
	// MaxInnodbLockWaitTimeout is the largest innodb_lock_wait_timeout
	// accepted by the server.
	MaxInnodbLockWaitTimeout = 1073741824
	// MaxLockWaitTimeout is the largest lock_wait_timeout accepted by the server.
	MaxLockWaitTimeout = 31536000
	// lockWaitTimeoutDelta is added to the global lock wait timeouts, so that
	// the run waits out competing sessions rather than failing first.
	lockWaitTimeoutDelta = 10
)

// Options of an Invoker run.
type Options struct {
	// AtomicSwitch selects the Switcher. If nil, the atomic switch is used
	// unless the server version cannot safely replicate it, in which case the
	// run fails and a choice must be made explicitly.
	AtomicSwitch *bool
	// Throttler of the backfill. If nil, a default Time throttler is used.
	// A Throttler which is also an io.Closer is closed when the run ends.
	Throttler throttler.Throttler
	// Verifier checked before each backfill window. If nil, the run verifies
	// that its triggers remain installed.
	Verifier Verifier
	// Printer of backfill progress.
	Printer         Printer
	RaiseOnWarnings bool
	// Start and Limit optionally bound the backfilled keys.
	Start, Limit *int64
	// Chunker selects the Backfill. If empty, it's chosen from the origin's
	// primary key.
	Chunker ChunkerKind
}

// Invoker runs a Migrator end-to-end: it builds the destination, entangles
// it with the origin, backfills, verifies, and switches.
type Invoker struct {
	migrator *Migrator
	sup      *sqlretry.Supervisor
	log      log.FieldLogger
}

// NewInvoker returns an Invoker of the Migrator.
func NewInvoker(migrator *Migrator, sup *sqlretry.Supervisor, logger log.FieldLogger) *Invoker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Invoker{
		migrator: migrator,
		sup:      sup,
		log:      logger.WithField("table", migrator.Origin()),
	}
}

// Run the migration. Triggers are removed on every exit path after they're
// installed. The completed Migration is returned, which names the archived
// origin table.
func (i *Invoker) Run(ctx context.Context, opts Options) (*Migration, error) {
	if closer, ok := opts.Throttler.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				i.log.WithField("err", err).Warn("failed to close throttler")
			}
		}()
	}

	kind, err := i.switchKind(ctx, opts.AtomicSwitch)
	if err != nil {
		return nil, err
	}
	if err = i.SetSessionLockWaitTimeouts(ctx); err != nil {
		return nil, err
	}
	m, err := i.migrator.Run(ctx, i.sup, i.log)
	if err != nil {
		return nil, err
	}

	var entangler = NewEntangler(m, i.sup, i.log)
	if opts.Verifier == nil {
		opts.Verifier = entangler.TriggersExist
	}
	if opts.Chunker == "" {
		opts.Chunker = m.ChunkerKind()
	}
	chunker, err := NewBackfill(opts.Chunker, m, i.sup, ChunkerOptions{
		Throttler:       opts.Throttler,
		Verifier:        opts.Verifier,
		Printer:         opts.Printer,
		RaiseOnWarnings: opts.RaiseOnWarnings,
		Start:           opts.Start,
		Limit:           opts.Limit,
		Logger:          i.log,
	})
	if err != nil {
		return nil, err
	}
	switcher, err := NewSwitcher(kind, m, i.sup, i.log)
	if err != nil {
		return nil, err
	}

	err = entangler.Run(ctx, func(ctx context.Context) error {
		if err := chunker.Run(ctx); err != nil {
			return err
		}

		var ok bool
		var err = i.sup.Do(ctx, "Invoker", func(q conn.Querier) (err error) {
			ok, err = entangler.TriggersExist(ctx, q)
			return err
		})
		if err != nil {
			return err
		} else if !ok {
			return fault.New(fault.Verification, "required triggers do not exist")
		}
		return switcher.Run(ctx)
	})
	if err != nil {
		return nil, err
	}

	i.log.WithFields(log.Fields{
		"archive":  m.ArchiveName,
		"switcher": kind,
		"chunker":  opts.Chunker,
		"duration": timeNow().Sub(m.StartedAt).String(),
	}).Info("migration complete")
	return m, nil
}

// switchKind resolves the SwitchKind of the run.
func (i *Invoker) switchKind(ctx context.Context, atomic *bool) (SwitchKind, error) {
	if atomic != nil && *atomic {
		return SwitchAtomic, nil
	} else if atomic != nil {
		return SwitchLocked, nil
	}

	var v, err = ReadVersion(ctx, i.sup.Querier("Invoker"))
	if err != nil {
		return "", err
	} else if !v.SupportsAtomicSwitch() {
		return "", fault.Errorf(fault.Precondition,
			"Using mysql %s. You must explicitly set the atomic switch option", v)
	}
	return SwitchAtomic, nil
}

// SetSessionLockWaitTimeouts raises the session's lock wait timeouts slightly
// above the server's global values, where the server permits it.
func (i *Invoker) SetSessionLockWaitTimeouts(ctx context.Context) error {
	var q = i.sup.Querier("Invoker")

	for _, v := range []struct {
		name string
		max  int64
	}{
		{"innodb_lock_wait_timeout", MaxInnodbLockWaitTimeout},
		{"lock_wait_timeout", MaxLockWaitTimeout},
	} {
		var rows, err = q.QueryRows(ctx, "SHOW GLOBAL VARIABLES LIKE '"+v.name+"'")
		if err != nil {
			return errors.WithMessagef(err, "reading global %s", v.name)
		}
		var values = conn.Values(rows, "Value")
		if len(values) == 0 {
			continue
		}
		global, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return errors.WithMessagef(err, "parsing global %s", v.name)
		}

		if session := global + lockWaitTimeoutDelta; session <= v.max {
			if _, err = q.Exec(ctx, "SET SESSION "+v.name+"="+strconv.FormatInt(session, 10)); err != nil {
				return errors.WithMessagef(err, "setting session %s", v.name)
			}
		}
	}
	return nil
}
