// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records coordination metrics into the default Prometheus
// registry.
type Collector struct {
	// Allocation metrics
	allocationsTotal   *prometheus.CounterVec
	allocationDuration *prometheus.HistogramVec
	workerWorkload     *prometheus.GaugeVec

	// Rebalancing metrics
	rebalancesTotal *prometheus.CounterVec
	rebalanceMoves  prometheus.Histogram

	// Recovery metrics
	recoveriesTotal *prometheus.CounterVec

	// Messaging metrics
	messagesTotal    *prometheus.CounterVec
	deliveryAttempts prometheus.Histogram
	broadcastMembers *prometheus.CounterVec
	eventsDropped    prometheus.Counter

	// Protocol metrics
	negotiationsTotal *prometheus.CounterVec
	negotiationRounds prometheus.Histogram
	consensusTotal    *prometheus.CounterVec
	votesTotal        *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Allocation metrics
	c.allocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total number of task allocation attempts",
		},
		[]string{"status"}, // status: allocated, failed
	)

	c.allocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Task allocation decision duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.workerWorkload = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_workload",
			Help:      "Current workload fraction per worker",
		},
		[]string{"worker_id"},
	)

	// Rebalancing metrics
	c.rebalancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Total number of rebalance evaluations",
		},
		[]string{"outcome"}, // outcome: applied, noop, rejected
	)

	c.rebalanceMoves = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_moves",
			Help:      "Number of allocation moves per applied rebalance",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	// Recovery metrics
	c.recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of failure recoveries planned",
		},
		[]string{"failure_kind", "strategy"},
	)

	// Messaging metrics
	c.messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of message sends",
		},
		[]string{"kind", "status"},
	)

	c.deliveryAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Delivery attempts per message",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	c.broadcastMembers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_members_total",
			Help:      "Per-member broadcast outcomes",
		},
		[]string{"outcome"}, // outcome: delivered, failed, filtered
	)

	c.eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outbound events dropped because the queue was full",
		},
	)

	// Protocol metrics
	c.negotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Total number of concluded negotiations",
		},
		[]string{"outcome"},
	)

	c.negotiationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_rounds",
			Help:      "Rounds per concluded negotiation",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	c.consensusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_topics_total",
			Help:      "Total number of concluded consensus topics",
		},
		[]string{"outcome"},
	)

	c.votesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Total number of tallied proposals",
		},
		[]string{"method", "outcome"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordAllocation records one allocation attempt.
func (c *Collector) RecordAllocation(status string, duration time.Duration) {
	c.allocationsTotal.WithLabelValues(status).Inc()
	c.allocationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetWorkerWorkload records a worker's current workload fraction.
func (c *Collector) SetWorkerWorkload(workerID string, workload float64) {
	c.workerWorkload.WithLabelValues(workerID).Set(workload)
}

// RemoveWorker drops a deregistered worker's gauge.
func (c *Collector) RemoveWorker(workerID string) {
	c.workerWorkload.DeleteLabelValues(workerID)
}

// RecordRebalance records one rebalance evaluation.
func (c *Collector) RecordRebalance(outcome string, moves int) {
	c.rebalancesTotal.WithLabelValues(outcome).Inc()
	if outcome == "applied" {
		c.rebalanceMoves.Observe(float64(moves))
	}
}

// RecordRecovery records one planned failure recovery.
func (c *Collector) RecordRecovery(failureKind, strategy string) {
	c.recoveriesTotal.WithLabelValues(failureKind, strategy).Inc()
}

// RecordMessage records one point-to-point send.
func (c *Collector) RecordMessage(kind, status string, attempts int) {
	c.messagesTotal.WithLabelValues(kind, status).Inc()
	c.deliveryAttempts.Observe(float64(attempts))
}

// RecordBroadcast records the per-member outcomes of one broadcast.
func (c *Collector) RecordBroadcast(delivered, failed, filtered int) {
	c.broadcastMembers.WithLabelValues("delivered").Add(float64(delivered))
	c.broadcastMembers.WithLabelValues("failed").Add(float64(failed))
	c.broadcastMembers.WithLabelValues("filtered").Add(float64(filtered))
}

// RecordEventDropped records one dropped outbound event.
func (c *Collector) RecordEventDropped() {
	c.eventsDropped.Inc()
}

// RecordNegotiation records one concluded negotiation.
func (c *Collector) RecordNegotiation(outcome string, rounds int) {
	c.negotiationsTotal.WithLabelValues(outcome).Inc()
	c.negotiationRounds.Observe(float64(rounds))
}

// RecordConsensus records one concluded consensus topic.
func (c *Collector) RecordConsensus(outcome string) {
	c.consensusTotal.WithLabelValues(outcome).Inc()
}

// RecordVote records one tallied proposal.
func (c *Collector) RecordVote(method, outcome string) {
	c.votesTotal.WithLabelValues(method, outcome).Inc()
}
