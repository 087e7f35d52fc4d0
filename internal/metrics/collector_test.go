package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

// promauto registers into the default registry, so each test needs its
// own namespace to avoid duplicate registration panics.
func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("coordtest_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.allocationsTotal)
	assert.NotNil(t, collector.rebalancesTotal)
	assert.NotNil(t, collector.messagesTotal)
	assert.NotNil(t, collector.negotiationsTotal)
	assert.NotNil(t, collector.votesTotal)
}

func TestRecordAllocation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAllocation("allocated", 5*time.Millisecond)
	collector.RecordAllocation("allocated", 3*time.Millisecond)
	collector.RecordAllocation("failed", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.allocationsTotal.WithLabelValues("allocated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.allocationsTotal.WithLabelValues("failed")))
}

func TestWorkerWorkloadGauge(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetWorkerWorkload("w1", 0.4)
	collector.SetWorkerWorkload("w1", 0.6)
	assert.Equal(t, 0.6, testutil.ToFloat64(collector.workerWorkload.WithLabelValues("w1")))

	collector.RemoveWorker("w1")
	assert.Equal(t, 0, testutil.CollectAndCount(collector.workerWorkload))
}

func TestRecordRebalance(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRebalance("applied", 3)
	collector.RecordRebalance("rejected", 0)
	collector.RecordRebalance("noop", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.rebalancesTotal.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.rebalancesTotal.WithLabelValues("rejected")))
}

func TestRecordMessagingAndEvents(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordMessage("standard", "delivered", 1)
	collector.RecordMessage("standard", "failed", 4)
	collector.RecordBroadcast(3, 1, 2)
	collector.RecordEventDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.messagesTotal.WithLabelValues("standard", "delivered")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.broadcastMembers.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.broadcastMembers.WithLabelValues("filtered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.eventsDropped))
}

func TestRecordProtocols(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordNegotiation("agreement", 2)
	collector.RecordNegotiation("deadlock", 5)
	collector.RecordConsensus("achieved")
	collector.RecordVote("ranked_choice", "approved")
	collector.RecordRecovery("timeout", "retry_same_worker")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.negotiationsTotal.WithLabelValues("agreement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.consensusTotal.WithLabelValues("achieved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.votesTotal.WithLabelValues("ranked_choice", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recoveriesTotal.WithLabelValues("timeout", "retry_same_worker")))
}
