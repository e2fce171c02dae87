package migrator

import (
	"context"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"go.gazette.dev/hadron/conn"
)

// Version of a MySQL server.
type Version struct {
	Major, Minor, Tiny int
	// Raw is the full version string, eg "5.7.44-log".
	Raw string
}

// ParseVersion parses a MySQL version string.
func ParseVersion(raw string) (Version, error) {
	var m = versionRe.FindStringSubmatch(raw)
	if m == nil {
		return Version{}, errors.Errorf("unrecognized MySQL version %q", raw)
	}
	var v = Version{Raw: raw}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Tiny, _ = strconv.Atoi(m[3])
	return v, nil
}

// ReadVersion queries the Version of the server.
func ReadVersion(ctx context.Context, q conn.Querier) (Version, error) {
	var raw, _, err = q.QueryValue(ctx, "SELECT VERSION()")
	if err != nil {
		return Version{}, errors.WithMessage(err, "querying version")
	}
	return ParseVersion(raw)
}

// SupportsAtomicSwitch returns false for server versions affected by
// MySQL bug #39675, where a multi-table RENAME may be logged out of order
// with concurrent writes and break replication.
func (v Version) SupportsAtomicSwitch() bool {
	switch v.Major {
	case 4:
		if v.Minor < 2 {
			return false
		}
	case 5:
		switch v.Minor {
		case 0:
			if v.Tiny < 52 {
				return false
			}
		case 1:
			return false
		case 4:
			if v.Tiny < 4 {
				return false
			}
		case 5:
			if v.Tiny < 3 {
				return false
			}
		}
	case 6:
		if v.Minor == 0 && v.Tiny < 11 {
			return false
		}
	}
	return true
}

func (v Version) String() string { return v.Raw }

var versionRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)`)
