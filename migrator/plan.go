package migrator

import (
	"context"

	"github.com/pkg/errors"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/table"
)

// Plan previews a run of a Migrator without modifying the database.
type Plan struct {
	Origin *table.Table
	// Chunker is the Backfill strategy of the run.
	Chunker ChunkerKind
	// KeyColumn and its current bounds, of a ChunkRange run. Start and Limit
	// are meaningful only if the origin is not Empty.
	KeyColumn    string
	Start, Limit int64
	// KeyColumns and their largest tuple, of a ChunkCompositeRange run.
	KeyColumns []string
	LimitTuple Tuple
	Empty      bool
	// Statements which would build the destination.
	Statements  []string
	Destination string
	Triggers    []string
	// ArchiveName the origin would be archived under, were the run to
	// begin now.
	ArchiveName string
}

// Plan the Migrator's run against the current state of the database.
func (m *Migrator) Plan(ctx context.Context, q conn.Querier) (*Plan, error) {
	var origin, err = table.Parse(ctx, q, m.origin)
	if err != nil {
		return nil, err
	} else if len(origin.PrimaryKey) == 0 {
		return nil, fault.Errorf(fault.Precondition, "table `%s` requires a primary key", origin.Name)
	}
	var p = &Plan{
		Origin:      origin,
		Chunker:     ChunkRange,
		KeyColumns:  origin.PrimaryKey,
		Destination: m.Destination(),
		Triggers:    triggerNames(origin.Name),
		ArchiveName: table.ArchiveName(origin.Name, timeNow()),
	}

	if p.KeyColumn, err = origin.KeyColumn(); err != nil {
		p.Chunker = ChunkCompositeRange
	}
	if p.Statements, err = m.Statements(origin); err != nil {
		return nil, err
	}

	if exists, err := table.Exists(ctx, q, p.Destination); err != nil {
		return nil, errors.WithMessage(err, "checking destination")
	} else if exists {
		return nil, fault.Errorf(fault.Precondition,
			"`%s` already exists; a prior run may have been interrupted (see cleanup)", p.Destination)
	}

	if p.Chunker == ChunkRange {
		p.Start, p.Limit, p.Empty, err = keyBounds(ctx, q, origin.Name, p.KeyColumn, nil, nil)
	} else {
		p.LimitTuple, p.Empty, err = keysetLimit(ctx, q, origin, p.KeyColumns)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
