// Package metrics exposes nebuladb control-plane metrics through Prometheus.
//
// # Overview
//
// Every collector is registered once with promauto under the nebuladb
// namespace:
//   - session pools: acquisitions by outcome, wait time, resources by state
//   - pool registry: cached pools and evictions by reason
//   - transactions: outcomes and outermost commit latency
//   - hooks: dispatch results per scope
//   - command deadlines: interrupts
//   - engine: open sessions, storage opens and auto-closes
//
// # Basic Usage
//
//	metrics.PoolAcquisitions.WithLabelValues("orders", metrics.OutcomeReused).Inc()
//
//	timer := metrics.NewTimer()
//	err := storage.Commit(ctx, ops)
//	metrics.CommitLatency.WithLabelValues("orders").Observe(timer.Stop().Seconds())
//
// Serve them with promhttp.Handler() from the CLI.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nebuladb"

// Acquire outcomes
const (
	OutcomeReused    = "reused"
	OutcomeCreated   = "created"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
	OutcomeFailed    = "failed"
)

// Transaction outcomes
const (
	TxCommitted  = "committed"
	TxRolledBack = "rolled_back"
	TxFailed     = "failed"
	TxBlocked    = "blocked"
)

// Registry eviction reasons
const (
	EvictCapacity = "capacity"
	EvictIdle     = "idle"
	EvictReset    = "reset"
	EvictClosed   = "closed"
)

var (
	// PoolAcquisitions counts acquire calls by outcome.
	// Labels: pool, outcome
	PoolAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Resource pool acquire calls by outcome",
		},
		[]string{"pool", "outcome"},
	)

	// PoolAcquireWait tracks how long callers blocked waiting for a resource.
	PoolAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent blocked in acquire",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"pool"},
	)

	// PoolResources tracks resources by state.
	// Labels: pool, state (in_use, available)
	PoolResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "resources",
			Help:      "Pooled resources by state",
		},
		[]string{"pool", "state"},
	)

	// PoolEvictions counts resources destroyed by the idle evictor.
	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "idle_evictions_total",
			Help:      "Idle resources destroyed by the evictor",
		},
		[]string{"pool"},
	)

	// RegistryPools tracks the number of cached pools.
	RegistryPools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pools",
			Help:      "Pools held by the pool registry",
		},
	)

	// RegistryEvictions counts pools removed from the registry by reason.
	RegistryEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Pools evicted from the registry",
		},
		[]string{"reason"},
	)

	// Transactions counts outermost transaction outcomes.
	// Labels: database, outcome
	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "total",
			Help:      "Outermost transactions by outcome",
		},
		[]string{"database", "outcome"},
	)

	// CommitLatency tracks storage commit duration of outermost commits.
	CommitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "commit_seconds",
			Help:      "Storage commit latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"database"},
	)

	// HookDispatches counts hook dispatch results.
	// Labels: scope, result
	HookDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hook",
			Name:      "dispatches_total",
			Help:      "Hook dispatches by scope and result",
		},
		[]string{"scope", "result"},
	)

	// DeadlineInterrupts counts commands cancelled by the deadline sweep.
	DeadlineInterrupts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadline",
			Name:      "interrupts_total",
			Help:      "Commands interrupted for running past their deadline",
		},
	)

	// OpenSessions tracks sessions currently open per database.
	OpenSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "open_sessions",
			Help:      "Open sessions per database",
		},
		[]string{"database"},
	)

	// StorageOpens counts storage open attempts by engine type and outcome.
	StorageOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "storage_opens_total",
			Help:      "Storage open attempts",
		},
		[]string{"type", "outcome"},
	)

	// StorageAutoCloses counts storages closed for having no sessions.
	StorageAutoCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "storage_auto_closes_total",
			Help:      "Storages closed after staying unused past the auto-close delay",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called
// multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
