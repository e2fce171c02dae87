// Package throttler paces the chunked backfill of a migration. A Throttler
// chooses how many rows each backfill window should span (its stride), and
// how long to pause between windows.
package throttler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/metrics"
)

// Throttler paces a backfill.
type Throttler interface {
	// Stride is the number of rows the next window should span.
	Stride() int
	// Pace blocks for the delay due between windows.
	Pace(ctx context.Context) error
	// Backoff permanently shrinks the Stride. It fails if the Stride
	// cannot be reduced further.
	Backoff() error
}

// Kind names a Throttler strategy.
type Kind string

const (
	// KindTime is a Throttler of constant stride and delay.
	KindTime Kind = "time"
	// KindReplicaLag is a Throttler adapting its delay to replica lag.
	KindReplicaLag Kind = "replica_lag"
)

const (
	// DefaultStride of a Throttler.
	DefaultStride = 2000
	// DefaultDelay of a Time Throttler, and the initial delay of ReplicaLag.
	DefaultDelay = 100 * time.Millisecond
	// DefaultAllowedLag of ReplicaLag.
	DefaultAllowedLag = 10 * time.Second
)

// Config of a Throttler.
type Config struct {
	// Stride is the initial stride.
	Stride int
	// Delay between windows of a Time Throttler.
	Delay time.Duration
	// AllowedLag is the replica lag above which ReplicaLag slows down.
	AllowedLag time.Duration
	// Backoff applied to the Stride.
	Backoff BackoffPolicy
	// ResolveReplica, if set, names the only replica host ReplicaLag
	// checks, in place of topology discovery.
	ResolveReplica func() string
	// Logger of the Throttler. If nil, the standard logger is used.
	Logger log.FieldLogger
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		Stride:     DefaultStride,
		Delay:      DefaultDelay,
		AllowedLag: DefaultAllowedLag,
		Backoff:    DefaultBackoffPolicy(),
	}
}

// New returns a Throttler of the |kind| strategy. |origin| and |dial| are
// required only by strategies which inspect replication topology.
func New(kind Kind, cfg Config, origin conn.Querier, dial Dialer) (Throttler, error) {
	var fn, ok = strategies[kind]
	if !ok {
		return nil, fault.Errorf(fault.Precondition, "unknown throttler %q", kind)
	}
	var t, err = fn(cfg, origin, dial)
	if err != nil {
		return nil, errors.WithMessagef(err, "building %s throttler", kind)
	}
	return t, nil
}

var strategies = map[Kind]func(Config, conn.Querier, Dialer) (Throttler, error){
	KindTime: func(cfg Config, _ conn.Querier, _ Dialer) (Throttler, error) {
		return NewTime(cfg)
	},
	KindReplicaLag: func(cfg Config, origin conn.Querier, dial Dialer) (Throttler, error) {
		return NewReplicaLag(cfg, origin, dial)
	},
}

// Time is a Throttler which pauses for a constant delay.
type Time struct {
	stride int
	delay  time.Duration
	policy BackoffPolicy
}

// NewTime returns a Time Throttler.
func NewTime(cfg Config) (*Time, error) {
	if cfg.Delay < 0 {
		return nil, fault.Errorf(fault.Precondition, "invalid Delay (%s; expected >= 0)", cfg.Delay)
	} else if err := cfg.Backoff.Validate(cfg.Stride); err != nil {
		return nil, err
	}
	metrics.Stride.Set(float64(cfg.Stride))
	metrics.ThrottleDelaySeconds.Set(cfg.Delay.Seconds())

	return &Time{stride: cfg.Stride, delay: cfg.Delay, policy: cfg.Backoff}, nil
}

// Stride implements Throttler.
func (t *Time) Stride() int { return t.stride }

// Delay returns the pause between windows.
func (t *Time) Delay() time.Duration { return t.delay }

// Pace implements Throttler.
func (t *Time) Pace(ctx context.Context) error { return sleep(ctx, t.delay) }

// Backoff implements Throttler.
func (t *Time) Backoff() error { return backoffStride(&t.stride, t.policy) }

func backoffStride(stride *int, policy BackoffPolicy) error {
	var next, err = policy.Reduce(*stride)
	if err != nil {
		metrics.StrideBackoffsTotal.WithLabelValues(metrics.Fail).Inc()
		return err
	}
	metrics.StrideBackoffsTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.Stride.Set(float64(next))

	*stride = next
	return nil
}

// sleep for |d|, or until |ctx| is done.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	var t = time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
