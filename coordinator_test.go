package agentcoord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/events"
	"github.com/BaSui01/agentcoord/internal/metrics"
	"github.com/BaSui01/agentcoord/judgment"
	"github.com/BaSui01/agentcoord/negotiation"
	"github.com/BaSui01/agentcoord/persistence"
	"github.com/BaSui01/agentcoord/types"
	"github.com/BaSui01/agentcoord/voting"
)

// memTransport records every delivery and always succeeds.
type memTransport struct {
	mu        sync.Mutex
	delivered []types.Message
}

func (t *memTransport) Deliver(ctx context.Context, msg types.Message, recipient string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = append(t.delivered, msg)
	return nil
}

func (t *memTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.delivered)
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *memTransport) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Allocation.CapacityWindow = time.Hour
	cfg.Messaging.RatePerSecond = 0
	transport := &memTransport{}
	c, err := New(cfg, transport, append(opts, WithLogger(zap.NewNop()))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, transport
}

func registerFleet(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.RegisterWorker(types.Worker{
		ID:       "w-research",
		Skills:   map[string]float64{"research": 0.9},
		Workload: 0.2,
		Budget:   1.0,
	}))
	require.NoError(t, c.RegisterWorker(types.Worker{
		ID:       "w-coding",
		Skills:   map[string]float64{"coding": 0.8},
		Workload: 0.1,
		Budget:   1.0,
	}))
}

func researchTask(id string) types.Task {
	return types.Task{
		ID:                id,
		RequiredSkills:    []string{"research"},
		Priority:          types.PriorityHigh,
		Deadline:          time.Now().Add(2 * time.Hour),
		EstimatedDuration: 30 * time.Minute,
	}
}

func TestAllocateThenComplete(t *testing.T) {
	store := persistence.NewMemoryStore()
	c, _ := newTestCoordinator(t, WithStore(store))
	registerFleet(t, c)

	allocation, err := c.AllocateTask(context.Background(), researchTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, "w-research", allocation.WorkerID)

	// Allocation event and outcome record.
	select {
	case ev := <-c.Events():
		assert.Equal(t, events.KindAllocationCreated, ev.Kind)
		assert.Equal(t, "t1", ev.Subject)
	default:
		t.Fatal("expected an allocation event")
	}
	records, err := store.ListByKind(context.Background(), persistence.OutcomeAllocation, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].Subject)

	require.NoError(t, c.CompleteTask(context.Background(), "t1", 20*time.Minute))
	w, ok := c.Registry().Get("w-research")
	require.True(t, ok)
	assert.InDelta(t, 0.2, w.Workload, 1e-9)

	records, err = store.ListByKind(context.Background(), persistence.OutcomeCompletion, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestAllocateNoWorkerLeavesNoRecord(t *testing.T) {
	store := persistence.NewMemoryStore()
	c, _ := newTestCoordinator(t, WithStore(store))
	registerFleet(t, c)

	_, err := c.AllocateTask(context.Background(), types.Task{
		ID:             "t-none",
		RequiredSkills: []string{"piloting"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoEligibleWorker, types.GetErrorCode(err))

	records, err := store.ListByKind(context.Background(), persistence.OutcomeAllocation, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSendRecordsDelivery(t *testing.T) {
	store := persistence.NewMemoryStore()
	c, transport := newTestCoordinator(t, WithStore(store))

	result, err := c.Send(context.Background(), types.Message{
		Kind:       types.MessageStandard,
		Sender:     "w-a",
		Recipients: []string{"w-b"},
		Payload:    types.Notice{Subject: "status", Body: "ready"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, result.Status)
	assert.Equal(t, 1, transport.count())

	records, err := store.ListByKind(context.Background(), persistence.OutcomeDelivery, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSendRejectionCountedUnderErrorCode(t *testing.T) {
	collector := metrics.NewCollector("coordsendtest", zap.NewNop())
	c, _ := newTestCoordinator(t, WithMetrics(collector))

	// No recipient: the router rejects the message before any delivery.
	_, err := c.Send(context.Background(), types.Message{
		Kind:    types.MessageStandard,
		Sender:  "w-a",
		Payload: types.Notice{Subject: "status", Body: "ready"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	assert.Equal(t, 1.0, gatheredCounter(t, "coordsendtest_messages_total",
		map[string]string{"kind": "standard", "status": "VALIDATION"}))
	assert.Equal(t, 0.0, gatheredCounter(t, "coordsendtest_messages_total",
		map[string]string{"kind": "standard", "status": "delivered"}))
}

func gatheredCounter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNegotiationLifecycle(t *testing.T) {
	store := persistence.NewMemoryStore()
	c, _ := newTestCoordinator(t, WithStore(store))

	n, err := c.OpenNegotiation("gpu-quota", []negotiation.Participant{
		{ID: "buyer", Position: negotiation.Position{Desired: 50, Limit: 60},
			Strategy: negotiation.Strategy{Pattern: negotiation.ConcessionLinear, Rate: 0.5}},
		{ID: "seller", Position: negotiation.Position{Desired: 80, Limit: 70},
			Strategy: negotiation.Strategy{Pattern: negotiation.ConcessionLinear, Rate: 0.5}},
	})
	require.NoError(t, err)

	got, ok := c.Negotiation(n.ID)
	require.True(t, ok)
	assert.Same(t, n, got)

	result, err := c.RunNegotiation(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, negotiation.OutcomeAgreement, result.Outcome)

	_, ok = c.Negotiation(n.ID)
	assert.False(t, ok, "concluded sessions leave the in-flight index")

	records, err := store.ListByKind(context.Background(), persistence.OutcomeNegotiation, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

type fixedVoterProvider struct {
	choices map[string]string
}

func (p fixedVoterProvider) GatherEvidence(ctx context.Context, topic *consensus.Topic, s consensus.Stakeholder) ([]consensus.Evidence, error) {
	return []consensus.Evidence{{
		Stakeholder: s.ID,
		Option:      p.choices[s.ID],
		Statement:   "experience with " + p.choices[s.ID],
		Supporting:  true,
	}}, nil
}

func (p fixedVoterProvider) CastVote(ctx context.Context, topic *consensus.Topic, s consensus.Stakeholder) (types.ConsensusBallot, error) {
	return types.ConsensusBallot{
		TopicID: topic.ID,
		Option:  p.choices[s.ID],
		Reason:  "fits current workloads",
	}, nil
}

func TestConsensusLifecycle(t *testing.T) {
	store := persistence.NewMemoryStore()
	c, _ := newTestCoordinator(t, WithStore(store))
	c.cfg.Consensus.DiscussionDuration = 20 * time.Millisecond
	c.cfg.Consensus.VotingDuration = 20 * time.Millisecond

	topic, err := c.OpenConsensus("queue backend", []string{"kafka", "redis"},
		[]consensus.Stakeholder{
			{ID: "platform", Weight: 0.5},
			{ID: "security", Weight: 0.3},
			{ID: "product", Weight: 0.2},
		})
	require.NoError(t, err)

	party := fixedVoterProvider{choices: map[string]string{
		"platform": "kafka",
		"security": "kafka",
		"product":  "kafka",
	}}
	result, err := c.RunConsensus(context.Background(), topic, party, party)
	require.NoError(t, err)
	assert.Equal(t, consensus.OutcomeAchieved, result.Outcome)
	assert.Equal(t, "kafka", result.Decision.Option)

	_, ok := c.ConsensusTopic(topic.ID)
	assert.False(t, ok)

	records, err := store.ListByKind(context.Background(), persistence.OutcomeConsensus, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestVoteLifecycle(t *testing.T) {
	store := persistence.NewMemoryStore()
	c, _ := newTestCoordinator(t, WithStore(store))

	p, err := c.OpenVote("adopt rollout plan", []string{"yes", "no"},
		[]voting.Voter{
			{ID: "a", Weight: 0.5},
			{ID: "b", Weight: 0.3},
			{ID: "c", Weight: 0.2},
		}, voting.MethodWeighted)
	require.NoError(t, err)

	require.NoError(t, c.CastBallot(p, voting.Ballot{VoterID: "a", Choice: "yes"}))
	require.NoError(t, c.CastBallot(p, voting.Ballot{VoterID: "b", Choice: "yes"}))
	require.NoError(t, c.CastBallot(p, voting.Ballot{VoterID: "c", Choice: "no"}))

	result, err := c.TallyVote(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, voting.OutcomeApproved, result.Outcome)
	assert.Equal(t, "yes", result.Winner)

	_, ok := c.Proposal(p.ID)
	assert.False(t, ok)

	records, err := store.ListByKind(context.Background(), persistence.OutcomeVote, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestJudgeWithoutServiceFallsBack(t *testing.T) {
	c, _ := newTestCoordinator(t)

	verdict := c.Judge(context.Background(), judgment.Query{
		Kind:    judgment.QueryEthics,
		Subject: "reassign all tasks from w-coding",
	})
	assert.True(t, verdict.Fallback)
	assert.Equal(t, "undetermined", verdict.Answer)
}

func TestNoStoreIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	registerFleet(t, c)

	// No store configured: allocation still succeeds.
	_, err := c.AllocateTask(context.Background(), researchTask("t1"))
	require.NoError(t, err)
}

func TestDeregisterWorker(t *testing.T) {
	c, _ := newTestCoordinator(t)
	registerFleet(t, c)

	require.NoError(t, c.DeregisterWorker("w-coding"))
	_, ok := c.Registry().Get("w-coding")
	assert.False(t, ok)
}
