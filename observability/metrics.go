package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type taskMetrics struct {
	runs    *prometheus.CounterVec
	latency *prometheus.HistogramVec
	skipped *prometheus.CounterVec
}

var (
	taskMetricsOnce sync.Once
	taskRegistry    *taskMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	checkpointMetricsOnce sync.Once
	checkpointRegistry    *CheckpointMetrics

	challengeMetricsOnce sync.Once
	challengeRegistry    *ChallengeMetrics

	withdrawalMetricsOnce sync.Once
	withdrawalRegistry    *WithdrawalMetrics
)

// Tasks returns the lazily-initialised registry for periodic operator tasks.
func Tasks() *taskMetrics {
	taskMetricsOnce.Do(func() {
		taskRegistry = &taskMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "task",
				Name:      "runs_total",
				Help:      "Total periodic task runs segmented by task and outcome.",
			}, []string{"task", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "commitchain",
				Subsystem: "task",
				Name:      "duration_seconds",
				Help:      "Latency distribution for periodic task runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"task"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "task",
				Name:      "skipped_total",
				Help:      "Task triggers skipped because a previous run still held the class lock.",
			}, []string{"task"}),
		}
		prometheus.MustRegister(taskRegistry.runs, taskRegistry.latency, taskRegistry.skipped)
	})
	return taskRegistry
}

// Observe records the outcome of one task run.
func (m *taskMetrics) Observe(task string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(label(task), outcome).Inc()
	m.latency.WithLabelValues(label(task)).Observe(duration.Seconds())
}

// RecordSkip counts a trigger that found the task already running.
func (m *taskMetrics) RecordSkip(task string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(label(task)).Inc()
}

// LedgerMetrics tracks transfer and swap lifecycle activity.
type LedgerMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	rebuilds    prometheus.Counter
	matchings   prometheus.Counter
}

// Ledger exposes the ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "ledger",
				Name:      "transitions_total",
				Help:      "Transfer and swap lifecycle transitions segmented by kind.",
			}, []string{"kind"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "ledger",
				Name:      "rejections_total",
				Help:      "Client submissions rejected segmented by validation code.",
			}, []string{"code"}),
			rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "ledger",
				Name:      "tree_rebuilds_total",
				Help:      "Authorized-transfer trees rebuilt from scratch instead of from the cached frontier.",
			}),
			matchings: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "swap",
				Name:      "matchings_total",
				Help:      "Matching rows recorded by the swap engine.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.transitions,
			ledgerRegistry.rejections,
			ledgerRegistry.rebuilds,
			ledgerRegistry.matchings,
		)
	})
	return ledgerRegistry
}

// RecordTransition increments the lifecycle counter for kind.
func (m *LedgerMetrics) RecordTransition(kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(kind)).Inc()
}

// RecordRejection increments the rejection counter for a validation code.
func (m *LedgerMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(label(code)).Inc()
}

// RecordRebuild counts one full tree rebuild.
func (m *LedgerMetrics) RecordRebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

// RecordMatchings adds n matchings.
func (m *LedgerMetrics) RecordMatchings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.matchings.Add(float64(n))
}

// CheckpointMetrics tracks per-eon commitments.
type CheckpointMetrics struct {
	created   prometheus.Counter
	failures  *prometheus.CounterVec
	lastEon   prometheus.Gauge
	allotted  *prometheus.GaugeVec
	unclaimed *prometheus.GaugeVec
}

// Checkpoint exposes the checkpoint metrics registry.
func Checkpoint() *CheckpointMetrics {
	checkpointMetricsOnce.Do(func() {
		checkpointRegistry = &CheckpointMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "checkpoint",
				Name:      "created_total",
				Help:      "Root commitments created.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "checkpoint",
				Name:      "failures_total",
				Help:      "Checkpoint attempts abandoned segmented by reason.",
			}, []string{"reason"}),
			lastEon: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "commitchain",
				Subsystem: "checkpoint",
				Name:      "last_eon",
				Help:      "Eon number of the most recent root commitment.",
			}),
			allotted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "commitchain",
				Subsystem: "checkpoint",
				Name:      "allotted_funds",
				Help:      "Funds allotted to wallets at the last checkpoint in token base units.",
			}, []string{"token"}),
			unclaimed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "commitchain",
				Subsystem: "checkpoint",
				Name:      "unclaimed_funds",
				Help:      "Managed funds not claimed by any wallet at the last checkpoint.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			checkpointRegistry.created,
			checkpointRegistry.failures,
			checkpointRegistry.lastEon,
			checkpointRegistry.allotted,
			checkpointRegistry.unclaimed,
		)
	})
	return checkpointRegistry
}

// CreatedCounter exposes the root commitment counter.
func (m *CheckpointMetrics) CreatedCounter() prometheus.Counter { return m.created }

// LastEonGauge exposes the last committed eon.
func (m *CheckpointMetrics) LastEonGauge() prometheus.Gauge { return m.lastEon }

// AllottedGaugeVec exposes the per-token allotted funds.
func (m *CheckpointMetrics) AllottedGaugeVec() *prometheus.GaugeVec { return m.allotted }

// UnclaimedGaugeVec exposes the per-token unclaimed funds.
func (m *CheckpointMetrics) UnclaimedGaugeVec() *prometheus.GaugeVec { return m.unclaimed }

// RecordCreated marks eon as committed.
func (m *CheckpointMetrics) RecordCreated(eon uint64) {
	if m == nil {
		return
	}
	m.created.Inc()
	m.lastEon.Set(float64(eon))
}

// RecordFailure increments the failure counter for reason.
func (m *CheckpointMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(reason).Inc()
}

// RecordToken updates the allotted and unclaimed gauges of a token.
func (m *CheckpointMetrics) RecordToken(token string, allotted, unclaimed *big.Int) {
	if m == nil {
		return
	}
	m.allotted.WithLabelValues(label(token)).Set(bigToFloat(allotted))
	m.unclaimed.WithLabelValues(label(token)).Set(bigToFloat(unclaimed))
}

// ChallengeMetrics tracks dispute handling.
type ChallengeMetrics struct {
	answered *prometheus.CounterVec
	failed   *prometheus.CounterVec
}

// Challenge exposes the challenge metrics registry.
func Challenge() *ChallengeMetrics {
	challengeMetricsOnce.Do(func() {
		challengeRegistry = &ChallengeMetrics{
			answered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "challenge",
				Name:      "answered_total",
				Help:      "Challenges answered segmented by dispute kind.",
			}, []string{"kind"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "challenge",
				Name:      "failed_total",
				Help:      "Challenges whose proof could not be reconstructed.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(challengeRegistry.answered, challengeRegistry.failed)
	})
	return challengeRegistry
}

// RecordAnswered counts an answered challenge.
func (m *ChallengeMetrics) RecordAnswered(kind string) {
	if m == nil {
		return
	}
	m.answered.WithLabelValues(label(kind)).Inc()
}

// RecordFailed counts a reconstruction failure.
func (m *ChallengeMetrics) RecordFailed(kind string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(label(kind)).Inc()
}

// WithdrawalMetrics tracks over-withdrawal handling.
type WithdrawalMetrics struct {
	slashed  prometheus.Counter
	unbacked prometheus.Counter
}

// Withdrawal exposes the withdrawal metrics registry.
func Withdrawal() *WithdrawalMetrics {
	withdrawalMetricsOnce.Do(func() {
		withdrawalRegistry = &WithdrawalMetrics{
			slashed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "withdrawal",
				Name:      "slashes_total",
				Help:      "Withdrawal requests queued for slashing.",
			}),
			unbacked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "withdrawal",
				Name:      "unbacked_total",
				Help:      "Over-withdrawals seen without a marker to slash them with.",
			}),
		}
		prometheus.MustRegister(withdrawalRegistry.slashed, withdrawalRegistry.unbacked)
	})
	return withdrawalRegistry
}

// RecordSlashed counts a queued slash.
func (m *WithdrawalMetrics) RecordSlashed() {
	if m == nil {
		return
	}
	m.slashed.Inc()
}

// RecordUnbacked counts an over-withdrawal that cannot be slashed.
func (m *WithdrawalMetrics) RecordUnbacked() {
	if m == nil {
		return
	}
	m.unbacked.Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
