// Package agentcoord coordinates a fleet of autonomous workers: capability-
// scored task allocation, workload rebalancing, failure recovery, reliable
// point-to-point and group messaging, and multi-party negotiation,
// consensus, and voting protocols.
//
// The Coordinator is the top-level facade. It wires the worker registry,
// the allocator, the message router, and the protocol engines together,
// keeps an index of in-flight protocol sessions, and optionally records
// every terminal outcome to a persistence.OutcomeStore.
package agentcoord

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/alloc"
	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/events"
	"github.com/BaSui01/agentcoord/internal/metrics"
	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/judgment"
	"github.com/BaSui01/agentcoord/messaging"
	"github.com/BaSui01/agentcoord/negotiation"
	"github.com/BaSui01/agentcoord/persistence"
	"github.com/BaSui01/agentcoord/registry"
	"github.com/BaSui01/agentcoord/types"
	"github.com/BaSui01/agentcoord/voting"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/BaSui01/agentcoord"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to zap.NewNop.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithStore sets the outcome store. Without one, outcomes are not recorded.
func WithStore(store persistence.OutcomeStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithJudgmentService sets the external judgment service. Without one,
// every query resolves to the conservative fallback verdict.
func WithJudgmentService(svc judgment.Service) Option {
	return func(c *Coordinator) { c.judgmentSvc = svc }
}

// WithMetrics sets the Prometheus collector. Without one, no metrics are
// emitted.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = collector }
}

// WithEventQueueSize sizes the coordination event buffer.
func WithEventQueueSize(size int) Option {
	return func(c *Coordinator) { c.eventQueueSize = size }
}

// Coordinator is the coordination layer facade.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	tracer trace.Tracer

	registry    *registry.Registry
	allocator   *alloc.Allocator
	router      *messaging.Router
	broadcaster *messaging.Broadcaster
	facilitator *negotiation.Facilitator
	consensus   *consensus.Engine
	voting      *voting.System
	judge       *judgment.Client

	store       persistence.OutcomeStore
	judgmentSvc judgment.Service
	metrics     *metrics.Collector

	eventQueueSize int
	events         *events.Queue

	mu           sync.Mutex
	negotiations map[string]*negotiation.Negotiation
	topics       map[string]*consensus.Topic
	proposals    map[string]*voting.Proposal
}

// New builds a Coordinator from the given configuration and transport.
// The transport delivers point-to-point messages; everything else is
// optional and injected via options.
func New(cfg *config.Config, transport messaging.Transport, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := &Coordinator{
		cfg:            cfg,
		logger:         zap.NewNop(),
		eventQueueSize: cfg.Broadcast.QueueSize,
		negotiations:   make(map[string]*negotiation.Negotiation),
		topics:         make(map[string]*consensus.Topic),
		proposals:      make(map[string]*voting.Proposal),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = otel.Tracer(tracerName)

	c.registry = registry.New(registry.DefaultConfig(), c.logger)

	allocator, err := alloc.New(c.registry, alloc.Config{
		Weights: alloc.Weights{
			Skill:         cfg.Allocation.SkillWeight,
			Resource:      cfg.Allocation.ResourceWeight,
			Deadline:      cfg.Allocation.DeadlineWeight,
			Collaboration: cfg.Allocation.CollaborationWeight,
		},
		CapacityWindow:    cfg.Allocation.CapacityWindow,
		BalanceThreshold:  cfg.Allocation.BalanceThreshold,
		RebalanceInterval: cfg.Allocation.RebalanceInterval,
		MaxTimeoutRetries: cfg.Allocation.MaxTimeoutRetries,
		RetryBackoff:      cfg.Allocation.RetryBackoff,
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.allocator = allocator

	router, err := messaging.NewRouter(transport, messaging.Config{
		MaxPayloadBytes:   cfg.Messaging.MaxPayloadBytes,
		AttemptTimeout:    cfg.Messaging.AttemptTimeout,
		RatePerSecond:     cfg.Messaging.RatePerSecond,
		Burst:             cfg.Messaging.Burst,
		EscalationTargets: cfg.Messaging.EscalationTargets,
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.router = router

	broadcaster, err := messaging.NewBroadcaster(router, messaging.BroadcastConfig{
		PerMemberTimeout: cfg.Broadcast.PerMemberTimeout,
		Pool: pool.Config{
			Workers:   cfg.Broadcast.Workers,
			QueueSize: cfg.Broadcast.QueueSize,
		},
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.broadcaster = broadcaster

	c.facilitator = negotiation.NewFacilitator(c.logger)
	c.consensus = consensus.NewEngine(c.logger)
	c.voting = voting.NewSystem(c.logger)
	c.judge = judgment.NewClient(c.judgmentSvc, judgment.Config{
		Timeout:            cfg.Judgment.Timeout,
		FallbackConfidence: cfg.Judgment.FallbackConfidence,
	}, c.logger)

	c.events = events.NewQueue(c.eventQueueSize)

	c.logger.Info("coordinator initialized",
		zap.Float64("balance_threshold", cfg.Allocation.BalanceThreshold),
		zap.Bool("store", c.store != nil),
		zap.Bool("judgment", c.judgmentSvc != nil),
	)
	return c, nil
}

// Registry exposes the worker registry for direct reads.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Events returns the coordination event stream.
func (c *Coordinator) Events() <-chan events.Event { return c.events.Events() }

// Start launches background loops: periodic rebalancing. It returns
// immediately; the loops stop when ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) {
	c.allocator.StartRebalanceLoop(ctx)
}

// Close releases resources. The Coordinator must not be used afterwards.
func (c *Coordinator) Close() error {
	c.broadcaster.Close()
	c.events.Close()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// RegisterWorker adds a worker to the fleet.
func (c *Coordinator) RegisterWorker(w types.Worker) error {
	if err := c.registry.Register(w); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.SetWorkerWorkload(w.ID, w.Workload)
	}
	return nil
}

// DeregisterWorker removes a worker from the fleet.
func (c *Coordinator) DeregisterWorker(id string) error {
	if err := c.registry.Deregister(id); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RemoveWorker(id)
	}
	return nil
}

// AllocateTask scores eligible workers and assigns the task to the best
// one, reserving its load.
func (c *Coordinator) AllocateTask(ctx context.Context, task types.Task) (*types.Allocation, error) {
	ctx, span := c.tracer.Start(ctx, "AllocateTask",
		trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	start := time.Now()
	allocation, err := c.allocator.AllocateTask(ctx, task)
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = string(types.GetErrorCode(err))
		}
		c.metrics.RecordAllocation(status, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		if w, ok := c.registry.Get(allocation.WorkerID); ok {
			c.metrics.SetWorkerWorkload(w.ID, w.Workload)
		}
	}
	c.publish(events.KindAllocationCreated, task.ID, map[string]string{
		"worker_id": allocation.WorkerID,
	})
	c.record(ctx, persistence.OutcomeAllocation, task.ID, allocation)
	return allocation, nil
}

// CompleteTask marks a task finished and releases its worker's load.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string, actual time.Duration) error {
	if err := c.allocator.CompleteTask(taskID, actual); err != nil {
		return err
	}
	resumed := c.allocator.ResolveDependency(taskID)
	c.publish(events.KindTaskCompleted, taskID, nil)
	c.record(ctx, persistence.OutcomeCompletion, taskID, map[string]any{
		"task_id":       taskID,
		"actual":        actual.String(),
		"resumed_tasks": resumed,
		"completed_at":  time.Now().UTC(),
	})
	return nil
}

// Rebalance redistributes workload when any worker is over the balance
// threshold. A plan whose projected throughput delta is negative is
// rejected and nothing moves.
func (c *Coordinator) Rebalance(ctx context.Context) (*alloc.RebalancingResult, error) {
	ctx, span := c.tracer.Start(ctx, "Rebalance")
	defer span.End()

	result, err := c.allocator.Rebalance(ctx)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordRebalance("error", 0)
		}
		return nil, err
	}
	if result.Applied {
		if c.metrics != nil {
			c.metrics.RecordRebalance("applied", len(result.Moves))
			for id, load := range result.After {
				c.metrics.SetWorkerWorkload(id, load)
			}
		}
		c.publish(events.KindRebalanceApplied, "", map[string]string{
			"moves": strconv.Itoa(len(result.Moves)),
		})
	} else {
		if c.metrics != nil {
			c.metrics.RecordRebalance("rejected", 0)
		}
		c.publish(events.KindRebalanceRejected, "", map[string]string{
			"reason": result.Reason,
		})
	}
	c.record(ctx, persistence.OutcomeRebalance, "", result)
	return result, nil
}

// HandleFailure classifies a task failure and applies the recovery
// strategy for its kind.
func (c *Coordinator) HandleFailure(ctx context.Context, failure types.Failure) (*alloc.FailureRecovery, error) {
	ctx, span := c.tracer.Start(ctx, "HandleFailure",
		trace.WithAttributes(
			attribute.String("task.id", failure.TaskID),
			attribute.String("failure.kind", string(failure.Kind)),
		))
	defer span.End()

	recovery, err := c.allocator.HandleTaskFailure(ctx, failure)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordRecovery(string(failure.Kind), string(recovery.Strategy))
	}
	c.publish(events.KindRecoveryPlanned, failure.TaskID, map[string]string{
		"strategy": string(recovery.Strategy),
	})
	c.record(ctx, persistence.OutcomeRecovery, failure.TaskID, recovery)
	return recovery, nil
}

// Send delivers a point-to-point message with retry, backoff, and
// escalation per the message's delivery policy.
func (c *Coordinator) Send(ctx context.Context, msg types.Message) (*types.SendResult, error) {
	result, err := c.router.Send(ctx, msg)
	if c.metrics != nil {
		status := string(types.GetErrorCode(err))
		attempts := 0
		if result != nil {
			status = string(result.Status)
			attempts = result.Attempts
		}
		c.metrics.RecordMessage(string(msg.Kind), status, attempts)
	}
	if result != nil && len(result.EscalatedTo) > 0 {
		c.publish(events.KindDeliveryEscalated, msg.ID, map[string]string{
			"kind": string(msg.Kind),
		})
	}
	if result != nil {
		c.record(ctx, persistence.OutcomeDelivery, msg.ID, result)
	}
	return result, err
}

// DefineGroup creates or replaces a broadcast group.
func (c *Coordinator) DefineGroup(g messaging.Group) error {
	return c.broadcaster.DefineGroup(g)
}

// Broadcast fans a message out to every member of a named group that
// passes its subscription filters.
func (c *Coordinator) Broadcast(ctx context.Context, group string, msg types.Message) (*types.BroadcastResult, error) {
	result, err := c.broadcaster.BroadcastToGroup(ctx, group, msg)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordBroadcast(result.Delivered, result.Failed, result.Filtered)
	}
	return result, nil
}

// Judge consults the external judgment service. It never fails: on any
// service problem the verdict degrades to the conservative fallback.
func (c *Coordinator) Judge(ctx context.Context, query judgment.Query) judgment.Verdict {
	return c.judge.Judge(ctx, query)
}

// OpenNegotiation starts a bargaining session and indexes it as in-flight.
func (c *Coordinator) OpenNegotiation(topic string, participants []negotiation.Participant) (*negotiation.Negotiation, error) {
	n, err := c.facilitator.Open(topic, participants, negotiation.Config{
		MaxRounds:    c.cfg.Negotiation.MaxRounds,
		RoundTimeout: c.cfg.Negotiation.RoundTimeout,
		Deadline:     c.cfg.Negotiation.Deadline,
		StallRounds:  c.cfg.Negotiation.StallRounds,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.negotiations[n.ID] = n
	c.mu.Unlock()
	return n, nil
}

// Negotiation returns an in-flight negotiation by ID.
func (c *Coordinator) Negotiation(id string) (*negotiation.Negotiation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.negotiations[id]
	return n, ok
}

// RunNegotiation drives a session to a terminal state and records the
// outcome. The session is dropped from the in-flight index on conclusion.
func (c *Coordinator) RunNegotiation(ctx context.Context, n *negotiation.Negotiation) (*negotiation.Result, error) {
	ctx, span := c.tracer.Start(ctx, "Negotiate",
		trace.WithAttributes(attribute.String("negotiation.id", n.ID)))
	defer span.End()

	result, err := c.facilitator.Run(ctx, n)
	c.mu.Lock()
	delete(c.negotiations, n.ID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordNegotiation(string(result.Outcome), result.Rounds)
	}
	c.publish(events.KindNegotiationConcluded, n.ID, map[string]string{
		"outcome": string(result.Outcome),
	})
	c.record(ctx, persistence.OutcomeNegotiation, n.Topic, result)
	return result, nil
}

// OpenConsensus starts a deliberation topic and indexes it as in-flight.
func (c *Coordinator) OpenConsensus(subject string, options []string, stakeholders []consensus.Stakeholder) (*consensus.Topic, error) {
	t, err := c.consensus.OpenTopic(subject, options, stakeholders, consensus.Config{
		DiscussionDuration: c.cfg.Consensus.DiscussionDuration,
		VotingDuration:     c.cfg.Consensus.VotingDuration,
		MinParticipation:   c.cfg.Consensus.MinParticipation,
		ConsensusThreshold: c.cfg.Consensus.ConsensusThreshold,
		Deadline:           c.cfg.Consensus.Deadline,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.topics[t.ID] = t
	c.mu.Unlock()
	return t, nil
}

// ConsensusTopic returns an in-flight topic by ID.
func (c *Coordinator) ConsensusTopic(id string) (*consensus.Topic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[id]
	return t, ok
}

// RunConsensus drives a topic through discussion, voting, and evaluation,
// then records the outcome and drops the topic from the in-flight index.
func (c *Coordinator) RunConsensus(ctx context.Context, t *consensus.Topic, provider consensus.EvidenceProvider, voter consensus.Voter) (*consensus.Result, error) {
	ctx, span := c.tracer.Start(ctx, "RunConsensus",
		trace.WithAttributes(attribute.String("topic.id", t.ID)))
	defer span.End()

	result, err := c.consensus.Run(ctx, t, provider, voter)
	c.mu.Lock()
	delete(c.topics, t.ID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordConsensus(string(result.Outcome))
	}
	c.publish(events.KindConsensusConcluded, t.ID, map[string]string{
		"outcome": string(result.Outcome),
	})
	c.record(ctx, persistence.OutcomeConsensus, t.Subject, result)
	return result, nil
}

// OpenVote starts a ballot round and indexes it as in-flight.
func (c *Coordinator) OpenVote(subject string, options []string, voters []voting.Voter, method voting.Method) (*voting.Proposal, error) {
	p, err := c.voting.OpenProposal(subject, options, voters, voting.Config{
		Method:            method,
		ApprovalThreshold: c.cfg.Voting.ApprovalThreshold,
		MinParticipation:  c.cfg.Voting.MinParticipation,
		Deadline:          c.cfg.Voting.Deadline,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.proposals[p.ID] = p
	c.mu.Unlock()
	return p, nil
}

// Proposal returns an in-flight proposal by ID.
func (c *Coordinator) Proposal(id string) (*voting.Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[id]
	return p, ok
}

// CastBallot records a ballot on an open proposal.
func (c *Coordinator) CastBallot(p *voting.Proposal, ballot voting.Ballot) error {
	return c.voting.CastBallot(p, ballot)
}

// TallyVote closes the round, tallies ballots, records the outcome, and
// drops the proposal from the in-flight index.
func (c *Coordinator) TallyVote(ctx context.Context, p *voting.Proposal) (*voting.Result, error) {
	ctx, span := c.tracer.Start(ctx, "TallyVote",
		trace.WithAttributes(attribute.String("proposal.id", p.ID)))
	defer span.End()

	result, err := c.voting.Tally(p)
	c.mu.Lock()
	delete(c.proposals, p.ID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordVote(string(result.Method), string(result.Outcome))
	}
	c.publish(events.KindVoteConcluded, p.ID, map[string]string{
		"outcome": string(result.Outcome),
	})
	c.record(ctx, persistence.OutcomeVote, p.Subject, result)
	return result, nil
}

// publish emits a coordination event best-effort. A full buffer drops the
// event and bumps the drop counter.
func (c *Coordinator) publish(kind events.Kind, subject string, fields map[string]string) {
	ev := events.Event{Kind: kind, Subject: subject, Fields: fields}
	if err := c.events.Publish(ev); err != nil {
		if c.metrics != nil {
			c.metrics.RecordEventDropped()
		}
		c.logger.Warn("event dropped", zap.String("kind", string(kind)))
	}
}

// record persists an outcome best-effort. Persistence failures are logged,
// never propagated: the store is an observer, not a participant.
func (c *Coordinator) record(ctx context.Context, kind persistence.OutcomeKind, subject string, outcome any) {
	if c.store == nil {
		return
	}
	rec, err := persistence.NewRecord(kind, subject, outcome)
	if err != nil {
		c.logger.Warn("encode outcome record failed",
			zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := c.store.Save(ctx, rec); err != nil {
		c.logger.Warn("save outcome record failed",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}
