package main

import (
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/hadron/mainboilerplate"
	"go.gazette.dev/hadron/migrator"
	"go.gazette.dev/hadron/throttler"
)

type cmdMigrate struct {
	Spec string `long:"spec" required:"true" description:"Path to the YAML migration document"`
}

func init() {
	commands.AddCommand("", "migrate", "Run an online migration", `
Run the migration described by a YAML document against its table.

The table is copied into an altered shadow table in windows of its integer
primary key, while triggers mirror concurrent writes into the shadow. Once
the copy completes the shadow is switched into place, and the prior table is
kept under an archive name. Use 'cleanup' to remove archives and the
leftovers of interrupted runs.

An example document:

    table: users
    alter:
      - ADD COLUMN `+"`age`"+` INT(11)
    renames:
      - from: name
        to: full_name
    filter: WHERE deleted_at IS NULL
`, &cmdMigrate{})
}

func (cmd *cmdMigrate) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	var ctx, logger, cancel = startup()
	defer cancel()

	var doc, err = ReadDocument(cmd.Spec)
	mbp.Must(err, "failed to read migration document")

	var c, sup = openSupervisor(ctx, logger)
	defer c.Close()

	th, err := throttler.New(throttler.Kind(Config.Migrate.Throttler), throttlerConfig(logger),
		sup.Querier("Throttler"), Config.MySQL.ReplicaDialer())
	mbp.Must(err, "failed to build throttler")

	m, err := migrator.NewInvoker(doc.Migrator(), sup, logger).Run(ctx, migrator.Options{
		AtomicSwitch:    atomicSwitch(),
		Throttler:       th,
		Printer:         migrator.Percentage{Log: logger},
		RaiseOnWarnings: Config.Migrate.RaiseOnWarnings,
		Start:           Config.Migrate.Start,
		Limit:           Config.Migrate.Limit,
		Chunker:         chunkerKind(),
	})
	mbp.Must(err, "migration failed", "table", doc.Table)

	logger.WithFields(log.Fields{
		"table":   doc.Table,
		"archive": m.ArchiveName,
	}).Info("done")
	return nil
}
