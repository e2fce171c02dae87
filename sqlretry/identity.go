package sqlretry

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.gazette.dev/hadron/conn"
)

// Identity of a MySQL server.
type Identity struct {
	Hostname string
	// ServerID is read only where Hostname is ambiguous. Managed offerings
	// (eg Cloud SQL) report every server as "localhost".
	ServerID string
}

// ReadIdentity queries the Identity of the server |q| is connected to.
func ReadIdentity(ctx context.Context, q conn.Querier) (Identity, error) {
	var id Identity
	var err error

	if id.Hostname, _, err = q.QueryValue(ctx, "SELECT @@global.hostname"); err != nil {
		return Identity{}, errors.WithMessage(err, "querying hostname")
	}
	if id.ambiguous() {
		if id.ServerID, _, err = q.QueryValue(ctx, "SELECT @@global.server_id"); err != nil {
			return Identity{}, errors.WithMessage(err, "querying server_id")
		}
	}
	return id, nil
}

// Matches returns true if the Identities name the same server.
func (id Identity) Matches(other Identity) bool {
	if id.Hostname != other.Hostname {
		return false
	} else if id.ambiguous() {
		return id.ServerID == other.ServerID
	}
	return true
}

func (id Identity) String() string {
	if id.ambiguous() {
		return fmt.Sprintf("%s (server_id %s)", id.Hostname, id.ServerID)
	}
	return id.Hostname
}

func (id Identity) ambiguous() bool { return id.Hostname == "localhost" }
