package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for hadron metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	// Outcomes of a reconnection attempt.
	SameHost  = "same_host"
	WrongHost = "wrong_host"
)

// Collectors for the chunked backfill.
var (
	ChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hadron_chunks_total",
		Help: "Cumulative number of backfill windows copied.",
	})
	RowsCopiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hadron_rows_copied_total",
		Help: "Cumulative number of rows inserted into destination tables by backfill.",
	})
	WarningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hadron_warnings_total",
		Help: "Cumulative number of warnings raised by backfill inserts.",
	}, []string{"kind"})
)

// Collectors for throttlers.
var (
	Stride = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hadron_stride",
		Help: "Current number of rows requested per backfill window.",
	})
	StrideBackoffsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hadron_stride_backoffs_total",
		Help: "Cumulative number of stride reductions.",
	}, []string{"status"})
	ThrottleDelaySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hadron_throttle_delay_seconds",
		Help: "Current delay between backfill windows.",
	})
	ReplicaLagSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hadron_replica_lag_seconds",
		Help: "Most recently measured maximum lag across replicas.",
	})
)

// Collectors for guarded SQL execution.
var (
	SQLRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hadron_sql_retries_total",
		Help: "Cumulative number of retried statements, by issuing component.",
	}, []string{"component"})
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hadron_reconnects_total",
		Help: "Cumulative number of reconnection attempts, by outcome.",
	}, []string{"outcome"})
)

// HadronCollectors returns all hadron collectors, for registration.
func HadronCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ChunksTotal,
		RowsCopiedTotal,
		WarningsTotal,
		Stride,
		StrideBackoffsTotal,
		ThrottleDelaySeconds,
		ReplicaLagSeconds,
		SQLRetriesTotal,
		ReconnectsTotal,
	}
}
