package migrator

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/table"
)

// Leftovers are tables and triggers left behind by interrupted or completed
// runs: destination and archive tables, and triggers.
type Leftovers struct {
	Tables   []string
	Triggers []string
}

// Empty returns true if there are no Leftovers.
func (l Leftovers) Empty() bool { return len(l.Tables) == 0 && len(l.Triggers) == 0 }

// Statements returns the statements which drop the Leftovers.
func (l Leftovers) Statements() []string {
	var out []string
	for _, t := range l.Tables {
		out = append(out, "DROP TABLE IF EXISTS "+table.Quote(t))
	}
	for _, t := range l.Triggers {
		out = append(out, "DROP TRIGGER IF EXISTS "+table.Quote(t))
	}
	return out
}

// FindLeftovers lists Leftovers of the current database.
func FindLeftovers(ctx context.Context, q conn.Querier) (Leftovers, error) {
	var out Leftovers

	var rows, err = q.QueryRows(ctx, "SHOW TABLES")
	if err != nil {
		return out, errors.WithMessage(err, "listing tables")
	}
	for _, row := range rows {
		// SHOW TABLES names its column "Tables_in_<database>".
		for _, name := range row {
			if strings.HasPrefix(name, table.DestinationPrefix) || strings.HasPrefix(name, table.ArchivePrefix) {
				out.Tables = append(out.Tables, name)
			}
		}
	}

	if rows, err = q.QueryRows(ctx, "SHOW TRIGGERS"); err != nil {
		return out, errors.WithMessage(err, "listing triggers")
	}
	for _, name := range conn.Values(rows, "Trigger") {
		if strings.HasPrefix(name, table.TriggerPrefix) {
			out.Triggers = append(out.Triggers, name)
		}
	}
	return out, nil
}

// Cleanup finds Leftovers and, if |run|, drops them. Otherwise Cleanup only
// logs what it would drop. Archive tables hold the pre-migration data of an
// origin: dropping them is irreversible.
func Cleanup(ctx context.Context, sup *sqlretry.Supervisor, run bool, logger log.FieldLogger) (Leftovers, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	var q = sup.Querier("Cleanup")

	var l, err = FindLeftovers(ctx, q)
	if err != nil {
		return l, err
	}
	for _, stmt := range l.Statements() {
		if !run {
			logger.WithField("stmt", stmt).Info("would execute (dry run)")
			continue
		}
		if _, err = q.Exec(ctx, stmt); err != nil {
			return l, errors.WithMessagef(err, "executing %q", stmt)
		}
		logger.WithField("stmt", stmt).Info("executed")
	}
	return l, nil
}
