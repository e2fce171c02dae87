package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	mbp "go.gazette.dev/hadron/mainboilerplate"
	"go.gazette.dev/hadron/metrics"
	"go.gazette.dev/hadron/migrator"
	"go.gazette.dev/hadron/sqlretry"
	"go.gazette.dev/hadron/throttler"
)

const iniFilename = "hadron.ini"

// Config is the top-level configuration object of hadron.
var Config = new(struct {
	MySQL mbp.MySQLConfig `group:"MySQL" namespace:"mysql" env-namespace:"MYSQL"`

	Migrate struct {
		Stride                 int           `long:"stride" env:"STRIDE" default:"2000" description:"Initial number of rows copied per window"`
		Delay                  time.Duration `long:"delay" env:"DELAY" default:"100ms" description:"Pause between windows. The initial pause of the replica_lag throttler"`
		MinStrideSize          int           `long:"min-stride-size" env:"MIN_STRIDE_SIZE" default:"1" description:"Smallest stride a backoff may reduce to"`
		BackoffReductionFactor float64       `long:"backoff-reduction-factor" env:"BACKOFF_REDUCTION_FACTOR" default:"0.2" description:"Fraction of the stride removed by each backoff, in (0, 1)"`
		Throttler              string        `long:"throttler" env:"THROTTLER" default:"time" choice:"time" choice:"replica_lag" description:"Throttler of the backfill"`
		AllowedLag             time.Duration `long:"allowed-lag" env:"ALLOWED_LAG" default:"10s" description:"Replica lag above which the replica_lag throttler slows down"`
		Replica                string        `long:"replica" env:"REPLICA" description:"Single replica host checked by the replica_lag throttler, in place of topology discovery"`
		RaiseOnWarnings        bool          `long:"raise-on-warnings" env:"RAISE_ON_WARNINGS" description:"Abort on unexpected warnings while copying rows"`
		AtomicSwitch           string        `long:"atomic-switch" env:"ATOMIC_SWITCH" default:"auto" choice:"auto" choice:"true" choice:"false" description:"Switch tables with a single atomic RENAME. If auto, chosen from the server version"`
		Chunker                string        `long:"chunker" env:"CHUNKER" default:"auto" choice:"auto" choice:"range" choice:"composite_range" description:"Backfill strategy. If auto, chosen from the primary key of the table"`
		Start                  *int64        `long:"start" env:"START" description:"First key to copy. Defaults to the smallest key"`
		Limit                  *int64        `long:"limit" env:"LIMIT" description:"Last key to copy. Defaults to the largest key"`
	} `group:"Migrate" namespace:"migrate" env-namespace:"MIGRATE"`

	Retry struct {
		Tries                       int           `long:"tries" env:"TRIES" default:"20" description:"Attempts of a statement failing with a transient error"`
		BaseInterval                time.Duration `long:"base-interval" env:"BASE_INTERVAL" default:"1s" description:"Initial pause between attempts"`
		Multiplier                  float64       `long:"multiplier" env:"MULTIPLIER" default:"1" description:"Growth factor of the pause between attempts"`
		MaxElapsedTime              time.Duration `long:"max-elapsed-time" env:"MAX_ELAPSED_TIME" default:"0s" description:"Bound on total time spent retrying a statement. Zero means no bound"`
		ReconnectWithConsistentHost bool          `long:"reconnect-with-consistent-host" env:"RECONNECT_WITH_CONSISTENT_HOST" description:"Reconnect after a lost connection, aborting if the server identity changed"`
		ReconnectTries              int           `long:"reconnect-tries" env:"RECONNECT_TRIES" default:"20" description:"Attempts to re-establish a lost connection"`
		ReconnectInterval           time.Duration `long:"reconnect-interval" env:"RECONNECT_INTERVAL" default:"200ms" description:"Pause between reconnection attempts"`
	} `group:"Retry" namespace:"retry" env-namespace:"RETRY"`

	Run         mbp.RunConfig         `group:"Run" namespace:"run" env-namespace:"RUN"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// Commands are registered from init() of their implementing files.
var commands = mbp.NewCommandRegistry()

// startup initializes logging and metrics, and returns a context which is
// cancelled on SIGTERM or SIGINT and a logger carrying the run ID.
func startup() (context.Context, log.FieldLogger, context.CancelFunc) {
	mbp.InitLog(Config.Log)

	var logger = log.WithField("run", Config.Run.RunID())
	logger.WithFields(log.Fields{
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("starting hadron")
	prometheus.MustRegister(metrics.HadronCollectors()...)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	return ctx, logger, cancel
}

// openSupervisor connects to MySQL and returns a Supervisor of the session.
func openSupervisor(ctx context.Context, logger log.FieldLogger) (*conn.MySQL, *sqlretry.Supervisor) {
	var c = Config.MySQL.MustOpen(ctx)
	if Config.Retry.ReconnectWithConsistentHost {
		c.Annotation = conn.ProxySQLAnnotation
	}
	var sup, err = sqlretry.New(ctx, c, retryConfig(), logger)
	mbp.Must(err, "failed to build retry supervisor")

	return c, sup
}

func retryConfig() sqlretry.Config {
	var cfg = sqlretry.DefaultConfig()
	cfg.Tries = Config.Retry.Tries
	cfg.BaseInterval = Config.Retry.BaseInterval
	cfg.Multiplier = Config.Retry.Multiplier
	cfg.MaxElapsedTime = Config.Retry.MaxElapsedTime
	cfg.ReconnectWithConsistentHost = Config.Retry.ReconnectWithConsistentHost
	cfg.ReconnectTries = Config.Retry.ReconnectTries
	cfg.ReconnectInterval = Config.Retry.ReconnectInterval
	return cfg
}

func throttlerConfig(logger log.FieldLogger) throttler.Config {
	var cfg = throttler.DefaultConfig()
	cfg.Stride = Config.Migrate.Stride
	cfg.Delay = Config.Migrate.Delay
	cfg.AllowedLag = Config.Migrate.AllowedLag
	cfg.Backoff = throttler.BackoffPolicy{
		ReductionFactor: Config.Migrate.BackoffReductionFactor,
		MinStride:       Config.Migrate.MinStrideSize,
	}
	if replica := Config.Migrate.Replica; replica != "" {
		cfg.ResolveReplica = func() string { return replica }
	}
	cfg.Logger = logger
	return cfg
}

// atomicSwitch maps the --atomic-switch choice to an explicit option.
func atomicSwitch() *bool {
	var b bool
	switch Config.Migrate.AtomicSwitch {
	case "true":
		b = true
	case "false":
		b = false
	default:
		return nil
	}
	return &b
}

// chunkerKind maps the chunker flag to a migrator.ChunkerKind. "auto" is
// left for the Invoker to resolve.
func chunkerKind() migrator.ChunkerKind {
	if Config.Migrate.Chunker == "auto" {
		return ""
	}
	return migrator.ChunkerKind(Config.Migrate.Chunker)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `hadron performs online schema migrations of MySQL tables.

A migration copies a table into an altered shadow table while triggers mirror
concurrent writes, and then swaps the shadow into place. Optionally configure
hadron with a '` + iniFilename + `' file in the current working directory, or with
'~/.config/hadron/` + iniFilename + `'. Use the 'print-config' sub-command to
inspect the tool's current configuration.
`
	mbp.Must(commands.AddCommands("", parser.Command), "could not add commands")
	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
