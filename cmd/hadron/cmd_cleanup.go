package main

import (
	"os"

	"github.com/olekukonko/tablewriter"
	mbp "go.gazette.dev/hadron/mainboilerplate"
	"go.gazette.dev/hadron/migrator"
)

type cmdCleanup struct {
	Run bool `long:"run" description:"Drop leftovers. Otherwise, only list them"`
}

func init() {
	commands.AddCommand("", "cleanup", "Drop leftovers of past migrations", `
Find shadow tables, archive tables, and triggers left behind by completed or
interrupted migrations of the configured database.

Leftovers are listed, and dropped only if --run is given. Archive tables hold
the data of tables as they were before their migration: dropping them is
irreversible.
`, &cmdCleanup{})
}

func (cmd *cmdCleanup) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	var ctx, logger, cancel = startup()
	defer cancel()

	var c, sup = openSupervisor(ctx, logger)
	defer c.Close()

	var l, err = migrator.Cleanup(ctx, sup, cmd.Run, logger)
	mbp.Must(err, "cleanup failed")

	if l.Empty() {
		logger.Info("no leftovers found")
		return nil
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Kind", "Name", "Dropped"})
	for _, t := range l.Tables {
		table.Append([]string{"table", t, dropped(cmd.Run)})
	}
	for _, t := range l.Triggers {
		table.Append([]string{"trigger", t, dropped(cmd.Run)})
	}
	table.Render()

	if !cmd.Run {
		logger.WithField("leftovers", len(l.Tables)+len(l.Triggers)).
			Warn("dry run: re-run with --run to drop these leftovers")
	} else {
		logger.WithField("leftovers", len(l.Tables)+len(l.Triggers)).Info("cleanup complete")
	}
	return nil
}

func dropped(run bool) string {
	if run {
		return "yes"
	}
	return "no"
}
