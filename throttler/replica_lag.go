package throttler

import (
	"context"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/metrics"
	"golang.org/x/sync/errgroup"
)

// MaxDelayFactor bounds the delay of ReplicaLag to its initial delay
// multiplied by this factor.
const MaxDelayFactor = 1024

// Dialer opens a Conn to the replica at |host|.
type Dialer func(ctx context.Context, host string) (conn.Conn, error)

const (
	sqlSelectReplicaHosts = "SELECT host FROM information_schema.processlist WHERE command LIKE 'Binlog Dump%'"
	sqlShowSlaveStatus    = "SHOW SLAVE STATUS"
	// Replaces SHOW SLAVE STATUS, which MySQL 8.4 removes.
	sqlShowReplicaStatus = "SHOW REPLICA STATUS"
)

// ReplicaLag is a Throttler which measures the replication lag of every
// replica downstream of the origin before each pause. The delay doubles
// while lag exceeds AllowedLag, and halves back towards its initial value
// once lag recovers. The initial delay is the configured Delay, and the
// delay never exceeds it by more than MaxDelayFactor.
type ReplicaLag struct {
	stride     int
	policy     BackoffPolicy
	allowedLag time.Duration
	initial    time.Duration
	delay      time.Duration
	resolve    func() string
	origin     conn.Querier
	dial       Dialer
	log        log.FieldLogger

	// Discovered on first use.
	replicas   []*replica
	discovered bool
}

type replica struct {
	host string
	conn conn.Conn
}

// NewReplicaLag returns a ReplicaLag Throttler. Replicas are discovered
// through |origin|, and connected to with |dial|.
func NewReplicaLag(cfg Config, origin conn.Querier, dial Dialer) (*ReplicaLag, error) {
	if cfg.Delay < 0 {
		return nil, fault.Errorf(fault.Precondition, "invalid Delay (%s; expected >= 0)", cfg.Delay)
	} else if err := cfg.Backoff.Validate(cfg.Stride); err != nil {
		return nil, err
	} else if cfg.AllowedLag < 0 {
		return nil, fault.Errorf(fault.Precondition, "invalid AllowedLag (%s; expected >= 0)", cfg.AllowedLag)
	} else if dial == nil || (origin == nil && cfg.ResolveReplica == nil) {
		return nil, fault.New(fault.Precondition, "replica lag throttler requires an origin connection and replica dialer")
	}
	var logger = cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	// A zero delay could never be doubled.
	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}
	metrics.Stride.Set(float64(cfg.Stride))
	metrics.ThrottleDelaySeconds.Set(cfg.Delay.Seconds())

	return &ReplicaLag{
		stride:     cfg.Stride,
		policy:     cfg.Backoff,
		allowedLag: cfg.AllowedLag,
		initial:    cfg.Delay,
		delay:      cfg.Delay,
		resolve:    cfg.ResolveReplica,
		origin:     origin,
		dial:       dial,
		log:        logger,
	}, nil
}

// Stride implements Throttler.
func (t *ReplicaLag) Stride() int { return t.stride }

// Backoff implements Throttler.
func (t *ReplicaLag) Backoff() error { return backoffStride(&t.stride, t.policy) }

// Delay returns the current pause between windows.
func (t *ReplicaLag) Delay() time.Duration { return t.delay }

// Pace implements Throttler.
func (t *ReplicaLag) Pace(ctx context.Context) error {
	var lag = t.MaxLag(ctx)
	var maxDelay = t.initial * MaxDelayFactor

	if lag > t.allowedLag && t.delay < maxDelay {
		t.log.Infof("Increasing delay between strides from %s to %s because %s of replica lag detected is greater than the maximum of %s allowed.",
			t.delay, t.delay*2, lag, t.allowedLag)
		t.delay *= 2
	} else if lag <= t.allowedLag && t.delay > t.initial {
		t.log.Infof("Decreasing delay between strides from %s to %s because %s of replica lag detected is less than or equal to the %s allowed.",
			t.delay, t.delay/2, lag, t.allowedLag)
		t.delay /= 2
	}
	metrics.ThrottleDelaySeconds.Set(t.delay.Seconds())

	return sleep(ctx, t.delay)
}

// MaxLag returns the maximum lag across all replicas, discovering them if
// not done already. Replicas which can't be queried report no lag.
func (t *ReplicaLag) MaxLag(ctx context.Context) time.Duration {
	if !t.discovered {
		t.replicas, t.discovered = t.discover(ctx), true
	}

	// Replicas are queried concurrently, over their own connections.
	var lags = make([]time.Duration, len(t.replicas))
	var eg errgroup.Group
	for i, r := range t.replicas {
		i, r := i, r
		eg.Go(func() error {
			lags[i] = r.lag(ctx, t.log)
			return nil
		})
	}
	_ = eg.Wait()

	var out time.Duration
	for _, lag := range lags {
		if lag > out {
			out = lag
		}
	}
	metrics.ReplicaLagSeconds.Set(out.Seconds())
	t.log.WithField("lag", out).Info("Max current replica lag")

	return out
}

// Hosts returns the hosts of discovered replicas, in discovery order.
func (t *ReplicaLag) Hosts() []string {
	var out []string
	for _, r := range t.replicas {
		out = append(out, r.host)
	}
	return out
}

// Close connections to replicas.
func (t *ReplicaLag) Close() error {
	for _, r := range t.replicas {
		_ = r.conn.Close()
	}
	t.replicas, t.discovered = nil, false
	return nil
}

// discover replicas by walking the replication topology from the origin:
// hosts are popped from a stack, connected to, and their own replicas pushed.
func (t *ReplicaLag) discover(ctx context.Context) []*replica {
	if t.resolve != nil {
		if r := t.connect(ctx, t.resolve()); r != nil {
			return []*replica{r}
		}
		return nil
	}

	var stack []string
	if rows, err := t.origin.QueryRows(ctx, sqlSelectReplicaHosts); err != nil {
		t.log.WithField("err", err).Warn("failed to query replicas of origin")
	} else {
		stack = formatHosts(conn.Values(rows, "host"))
	}

	var out []*replica
	var seen = make(map[string]struct{})

	for len(stack) != 0 {
		var host = stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := seen[host]; ok {
			continue
		}
		var r = t.connect(ctx, host)
		if r == nil {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, r)
		stack = append(stack, r.replicaHosts(ctx, t.log)...)
	}
	return out
}

func (t *ReplicaLag) connect(ctx context.Context, host string) *replica {
	t.log.WithField("host", host).Info("connecting to replica")

	var c, err = t.dial(ctx, host)
	if err != nil {
		t.log.Infof("Error connecting to %s: %s", host, err)
		return nil
	}
	return &replica{host: host, conn: c}
}

func (r *replica) replicaHosts(ctx context.Context, logger log.FieldLogger) []string {
	var rows, err = r.conn.QueryRows(ctx, sqlSelectReplicaHosts)
	if err != nil {
		logger.Infof("Unable to connect and/or query %s: %s", r.host, err)
		return nil
	}
	return formatHosts(conn.Values(rows, "host"))
}

func (r *replica) lag(ctx context.Context, logger log.FieldLogger) time.Duration {
	var rows, err = r.conn.QueryRows(ctx, sqlShowSlaveStatus)
	if err != nil {
		rows, err = r.conn.QueryRows(ctx, sqlShowReplicaStatus)
	}
	if err != nil {
		logger.Infof("Unable to connect and/or query %s: %s", r.host, err)
		return 0
	} else if len(rows) == 0 {
		return 0
	}

	var v, ok = rows[0]["Seconds_Behind_Master"]
	if !ok {
		v, ok = rows[0]["Seconds_Behind_Source"]
	}
	if !ok {
		return 0 // NULL: replication isn't running.
	}
	var secs, _ = strconv.ParseInt(v, 10, 64)
	return time.Duration(secs) * time.Second
}

// formatHosts strips ports from processlist hosts, and drops local hosts.
func formatHosts(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		if h == "" || strings.Contains(h, "localhost") || strings.Contains(h, "127.0.0.1") {
			continue
		}
		if ind := strings.IndexByte(h, ':'); ind != -1 {
			h = h[:ind]
		}
		out = append(out, h)
	}
	return out
}
