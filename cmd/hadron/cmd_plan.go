package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	mbp "go.gazette.dev/hadron/mainboilerplate"
	"go.gazette.dev/hadron/migrator"
)

type cmdPlan struct {
	Spec string `long:"spec" required:"true" description:"Path to the YAML migration document"`
}

func init() {
	commands.AddCommand("", "plan", "Preview a migration without running it", `
Preview the migration described by a YAML document.

The origin table is inspected and its columns, chunking strategy, key and
key bounds are printed, along with the statements which would build the shadow table
and the names of the triggers and archive table the run would use. Nothing
is modified.
`, &cmdPlan{})
}

func (cmd *cmdPlan) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	var ctx, _, cancel = startup()
	defer cancel()

	var doc, err = ReadDocument(cmd.Spec)
	mbp.Must(err, "failed to read migration document")

	var c = Config.MySQL.MustOpen(ctx)
	defer c.Close()

	plan, err := doc.Migrator().Plan(ctx, c)
	mbp.Must(err, "failed to plan migration", "table", doc.Table)

	writePlan(os.Stdout, plan)
	return nil
}

func writePlan(w io.Writer, p *migrator.Plan) {
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Column", "Type", "Nullable", "Key"})

	for _, c := range p.Origin.Columns {
		var key string
		if c.Name == p.KeyColumn || (p.Chunker == migrator.ChunkCompositeRange && slices.Contains(p.KeyColumns, c.Name)) {
			key = "chunk"
		}
		for _, pk := range p.Origin.PrimaryKey {
			if pk == c.Name {
				key = strings.TrimPrefix(key+", primary", ", ")
			}
		}
		table.Append([]string{c.Name, c.Type, strconv.FormatBool(c.Nullable), key})
	}
	table.Render()

	var key = p.KeyColumn
	if p.Chunker == migrator.ChunkCompositeRange {
		key = "(" + strings.Join(p.KeyColumns, ", ") + ")"
	}
	switch {
	case p.Empty:
		fmt.Fprintf(w, "\nKey %s (%s): table is empty\n", key, p.Chunker)
	case p.Chunker == migrator.ChunkCompositeRange:
		fmt.Fprintf(w, "\nKey %s (%s): through %s\n", key, p.Chunker, p.LimitTuple)
	default:
		fmt.Fprintf(w, "\nKey %s (%s): %d to %d\n", key, p.Chunker, p.Start, p.Limit)
	}

	fmt.Fprintf(w, "\nDestination %s:\n", p.Destination)
	for _, stmt := range p.Statements {
		fmt.Fprintf(w, "  %s;\n", stmt)
	}
	fmt.Fprintf(w, "\nTriggers: %s\n", strings.Join(p.Triggers, ", "))
	fmt.Fprintf(w, "Archive:  %s\n", p.ArchiveName)
}
