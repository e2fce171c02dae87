// Package sqlretry guards statements issued to a conn.Conn with a retry
// policy, and owns recovery from a lost connection.
//
// When configured to reconnect with a consistent host, a Supervisor captures
// the identity of the server at construction and verifies it before every
// guarded call. A lost connection is re-established only if the server on the
// other end is still the one the migration began on. Reconnecting to any
// other server means a failover promoted a new primary, and continuing would
// silently diverge data: that is always fatal.
package sqlretry

import (
	"context"
	"database/sql/driver"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/fault"
	"go.gazette.dev/hadron/metrics"
)

// AbnormalExecutionTime is the duration of a guarded call after which the
// host identity verified before the call may no longer hold.
const AbnormalExecutionTime = 5 * time.Second

// DefaultRetryPatterns match messages of errors which are retried.
var DefaultRetryPatterns = []string{
	`Lock wait timeout exceeded`,
	`Timeout waiting for a response from the last query`,
	`Deadlock found when trying to get lock`,
	`Query execution was interrupted`,
	`Lost connection to MySQL server during query`,
	`Max connect timeout reached`,
	`Unknown MySQL server host`,
	`connection is locked to hostgroup`,
	`The MySQL server is running with the --read-only option so it cannot execute this statement`,
}

// DefaultRetryCodes are MySQL error numbers which are retried: lock wait
// timeout, deadlock, query interrupted, and read-only server.
var DefaultRetryCodes = []uint16{1205, 1213, 1317, 1290, 1836}

// Config of a Supervisor.
type Config struct {
	// Tries is the number of attempts of a guarded call, including the first.
	Tries int
	// BaseInterval is the wait before the first retry.
	BaseInterval time.Duration
	// Multiplier by which each successive wait grows.
	Multiplier float64
	// MaxElapsedTime bounds the total time spent retrying. Zero is unbounded.
	MaxElapsedTime time.Duration
	// RetryPatterns are regular expressions of retryable error messages.
	RetryPatterns []string
	// RetryCodes are retryable MySQL error numbers.
	RetryCodes []uint16

	// ReconnectWithConsistentHost enables host verification and reconnection
	// after a lost connection. If false, a lost connection is fatal.
	ReconnectWithConsistentHost bool
	// ReconnectTries bounds the reconnection attempts of a guarded call.
	ReconnectTries int
	// ReconnectInterval is the wait between reconnection attempts.
	ReconnectInterval time.Duration
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		Tries:             20,
		BaseInterval:      time.Second,
		Multiplier:        1,
		RetryPatterns:     append([]string(nil), DefaultRetryPatterns...),
		RetryCodes:        append([]uint16(nil), DefaultRetryCodes...),
		ReconnectTries:    20,
		ReconnectInterval: 200 * time.Millisecond,
	}
}

// Validate returns an error if the Config is not well-formed.
func (c Config) Validate() error {
	if c.Tries < 1 {
		return fault.Errorf(fault.Precondition, "invalid Tries (%d; expected >= 1)", c.Tries)
	} else if c.BaseInterval < 0 {
		return fault.Errorf(fault.Precondition, "invalid BaseInterval (%s; expected >= 0)", c.BaseInterval)
	} else if c.Multiplier < 1 {
		return fault.Errorf(fault.Precondition, "invalid Multiplier (%v; expected >= 1)", c.Multiplier)
	} else if c.ReconnectWithConsistentHost && c.ReconnectTries < 1 {
		return fault.Errorf(fault.Precondition, "invalid ReconnectTries (%d; expected >= 1)", c.ReconnectTries)
	}
	for _, p := range c.RetryPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fault.Wrap(fault.Precondition, errors.WithMessagef(err, "RetryPatterns %q", p))
		}
	}
	return nil
}

// Supervisor guards calls against a conn.Conn. It's the only component which
// may reconnect the Conn, and does so only while no call is in flight.
type Supervisor struct {
	cfg       Config
	conn      conn.Conn
	log       log.FieldLogger
	initial   Identity
	retryable []*regexp.Regexp
}

// New returns a Supervisor of the Conn. If the Config reconnects with a
// consistent host, the identity of the connected server is captured.
func New(ctx context.Context, c conn.Conn, cfg Config, logger log.FieldLogger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	var s = &Supervisor{cfg: cfg, conn: c, log: logger}

	for _, p := range cfg.RetryPatterns {
		s.retryable = append(s.retryable, regexp.MustCompile(p))
	}
	if cfg.ReconnectWithConsistentHost {
		var err error
		if s.initial, err = ReadIdentity(ctx, c); err != nil {
			return nil, errors.WithMessage(err, "reading initial host identity")
		}
		s.log.WithField("host", s.initial.String()).Info("captured initial host identity")
	}
	return s, nil
}

// Initial returns the host Identity captured at construction, which is zero
// if the Supervisor doesn't reconnect with a consistent host.
func (s *Supervisor) Initial() Identity { return s.initial }

// Do invokes |fn| with the Conn under the Supervisor's retry policy.
// |prefix| names the calling component in log lines.
//
// Retryable errors are retried with backoff until Tries are exhausted.
// A lost connection is re-established to the initial host (if enabled), and
// the call then re-attempted without counting against Tries. Reconnection
// attempts are bounded by ReconnectTries across the whole call.
func (s *Supervisor) Do(ctx context.Context, prefix string, fn func(conn.Querier) error) error {
	var (
		st         = stateNormal
		began      = timeNow()
		tries      = 0
		reconnects = s.cfg.ReconnectTries
		bo         = s.newBackOff()
		err        error
	)
	for {
		switch st {
		case stateNormal:
			tries++
			if err = s.attempt(ctx, prefix, fn); err == nil {
				st = stateSucceeded
			} else if fault.KindOf(err) != fault.Unknown || isContextDone(ctx, err) {
				st = stateAborted
			} else if s.IsConnectionLost(err) {
				if !s.cfg.ReconnectWithConsistentHost {
					err = fault.Wrap(fault.ConnectionLost, err)
					st = stateAborted
					continue
				}
				s.log.Infof("[%s] Lost connection to MySQL, will retry to connect to same host", prefix)
				st = stateReconnecting
			} else if s.IsRetryable(err) {
				var wait = bo.NextBackOff()
				if wait == backoff.Stop {
					err = fault.Wrap(fault.Retryable, err)
					st = stateAborted
					continue
				}
				metrics.SQLRetriesTotal.WithLabelValues(prefix).Inc()
				s.log.Errorf("[%s] %s - %d tries in %.3f seconds and %.3f seconds until the next try.",
					prefix, err, tries, timeNow().Sub(began).Seconds(), wait.Seconds())

				if err = sleep(ctx, wait); err != nil {
					st = stateAborted
				}
			} else {
				st = stateAborted
			}

		case stateReconnecting:
			if err = s.reconnect(ctx, prefix, &reconnects); err != nil {
				st = stateAborted
			} else {
				s.log.Infof("[%s] Successfully reconnected to initial host: %s -- triggering retry", prefix, s.initial)
				st = stateNormal
			}

		case stateSucceeded:
			return nil
		case stateAborted:
			return err
		}
	}
}

// Querier returns a conn.Querier which issues each statement as a guarded
// call attributed to |prefix|.
func (s *Supervisor) Querier(prefix string) conn.Querier {
	return guarded{s: s, prefix: prefix}
}

// IsRetryable returns true if |err| is a transient error of a live connection.
func (s *Supervisor) IsRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		for _, code := range s.cfg.RetryCodes {
			if myErr.Number == code {
				return true
			}
		}
	}
	var msg = err.Error()
	for _, re := range s.retryable {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// IsConnectionLost returns true if |err| indicates the connection itself is
// unusable. It takes precedence over IsRetryable.
func (s *Supervisor) IsConnectionLost(err error) bool {
	// context.DeadlineExceeded is also a net.Error.
	if isContextDone(nil, err) {
		return false
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, conn.ErrNotConnected) ||
		errors.As(err, &netErr) {
		return true
	}
	var msg = err.Error()
	for _, m := range connectionLostMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isContextDone returns true if |err| is a cancellation or deadline of the
// caller, rather than a failure of the connection.
func isContextDone(ctx context.Context, err error) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// attempt a single invocation of |fn|, preceded by a host check if enabled.
func (s *Supervisor) attempt(ctx context.Context, prefix string, fn func(conn.Querier) error) error {
	if s.cfg.ReconnectWithConsistentHost {
		var current, err = ReadIdentity(ctx, s.conn)
		if err != nil {
			return err
		} else if !current.Matches(s.initial) {
			return fault.Errorf(fault.Consistency,
				"could not reconnect to initial MySQL host. Started migration on: %s, but connected to: %s. Aborting to avoid data-loss",
				s.initial, current)
		}
	}

	var began = timeNow()
	var err = fn(s.conn)

	if timeNow().Sub(began) >= AbnormalExecutionTime {
		s.log.Warnf("[%s] Query took abnormal amount of time to execute and the host check might not be accurate anymore", prefix)
	}
	return err
}

// reconnect re-establishes the Conn, drawing attempts from |budget|. It
// returns nil only if the Conn is re-established to the initial host.
func (s *Supervisor) reconnect(ctx context.Context, prefix string, budget *int) error {
	var bo = backoff.NewConstantBackOff(s.cfg.ReconnectInterval)
	var lastErr error

	for *budget > 0 {
		*budget--

		var current Identity
		var err = s.conn.Reconnect(ctx)
		if err == nil {
			current, err = ReadIdentity(ctx, s.conn)
		}
		if err == nil {
			if current.Matches(s.initial) {
				metrics.ReconnectsTotal.WithLabelValues(metrics.SameHost).Inc()
				return nil
			}
			metrics.ReconnectsTotal.WithLabelValues(metrics.WrongHost).Inc()
			return fault.Errorf(fault.Consistency,
				"reconnected to wrong host. Started migration on: %s, but reconnected to: %s", s.initial, current)
		}

		metrics.ReconnectsTotal.WithLabelValues(metrics.Fail).Inc()
		lastErr = err

		if *budget == 0 {
			break
		}
		var wait = bo.NextBackOff()
		s.log.Errorf("[%s] reconnect failed: %s - %d attempts remaining, %.3f seconds until the next try.",
			prefix, err, *budget, wait.Seconds())

		if err = sleep(ctx, wait); err != nil {
			return err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("reconnection attempts exhausted")
	}
	return fault.Wrap(fault.ConnectionLost,
		errors.WithMessage(lastErr, "tried the reconnection procedure but failed. Latest error"))
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	var eb = backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.BaseInterval
	eb.Multiplier = s.cfg.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxRetryInterval
	eb.MaxElapsedTime = s.cfg.MaxElapsedTime

	var bo = backoff.WithMaxRetries(eb, uint64(s.cfg.Tries-1))
	bo.Reset()
	return bo
}

// sleep for |d|, or until |ctx| is done.
func sleep(ctx context.Context, d time.Duration) error {
	var t = time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type state int

const (
	stateNormal state = iota
	stateReconnecting
	stateSucceeded
	stateAborted
)

// guarded is a conn.Querier which issues statements through Supervisor.Do.
type guarded struct {
	s      *Supervisor
	prefix string
}

func (g guarded) Exec(ctx context.Context, query string) (n int64, err error) {
	err = g.s.Do(ctx, g.prefix, func(q conn.Querier) (err error) {
		n, err = q.Exec(ctx, query)
		return
	})
	return
}

func (g guarded) QueryValue(ctx context.Context, query string) (v string, ok bool, err error) {
	err = g.s.Do(ctx, g.prefix, func(q conn.Querier) (err error) {
		v, ok, err = q.QueryValue(ctx, query)
		return
	})
	return
}

func (g guarded) QueryRows(ctx context.Context, query string) (rows []conn.Row, err error) {
	err = g.s.Do(ctx, g.prefix, func(q conn.Querier) (err error) {
		rows, err = q.QueryRows(ctx, query)
		return
	})
	return
}

var connectionLostMessages = []string{
	"Lost connection to MySQL server during query",
	"MySQL client is not connected",
	"Max connect timeout reached",
	"Unknown MySQL server host",
	"connection is locked to hostgroup",
}

const maxRetryInterval = 24 * time.Hour

var timeNow = time.Now
