package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentcoord/internal/tally"
	"github.com/BaSui01/agentcoord/types"
)

// Phase is one stage of the deliberation pipeline.
type Phase string

const (
	PhaseDiscussion Phase = "discussion"
	PhaseVoting     Phase = "voting"
	PhaseEvaluation Phase = "evaluation"
	PhaseConcluded  Phase = "concluded"
)

// Stakeholder is a voting group with its weight.
type Stakeholder = tally.Party

// Evidence is one stakeholder's supporting statement for or against an
// option, collected during the discussion phase.
type Evidence struct {
	Stakeholder string    `json:"stakeholder"`
	Option      string    `json:"option"`
	Statement   string    `json:"statement"`
	Supporting  bool      `json:"supporting"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Config bounds a consensus topic.
type Config struct {
	// DiscussionDuration is the fixed length of the evidence phase.
	DiscussionDuration time.Duration `json:"discussion_duration"`

	// VotingDuration bounds ballot collection.
	VotingDuration time.Duration `json:"voting_duration"`

	// MinParticipation is the weighted fraction of stakeholders that must
	// vote for the result to count.
	MinParticipation float64 `json:"min_participation"`

	// ConsensusThreshold is the weighted support the leading option needs
	// among participants.
	ConsensusThreshold float64 `json:"consensus_threshold"`

	// Deadline bounds the whole topic; expiry in any phase concludes it
	// as timed out.
	Deadline time.Duration `json:"deadline"`
}

// DefaultConfig returns deliberation defaults: a two-thirds threshold with
// simple-majority participation.
func DefaultConfig() Config {
	return Config{
		DiscussionDuration: 30 * time.Second,
		VotingDuration:     30 * time.Second,
		MinParticipation:   0.5,
		ConsensusThreshold: 2.0 / 3.0,
		Deadline:           5 * time.Minute,
	}
}

// Outcome is the terminal disposition of a topic.
type Outcome string

const (
	OutcomeAchieved    Outcome = "achieved"
	OutcomeNotAchieved Outcome = "not_achieved"
	OutcomeTimeout     Outcome = "timeout"
)

// MinorityOpinion preserves a dissenting stakeholder's position.
type MinorityOpinion struct {
	Stakeholder string  `json:"stakeholder"`
	Option      string  `json:"option"`
	Weight      float64 `json:"weight"`
	Reason      string  `json:"reason,omitempty"`
}

// FinalDecision is the evaluated outcome of a topic.
type FinalDecision struct {
	Option        string  `json:"option,omitempty"`
	Support       float64 `json:"support"`
	Participation float64 `json:"participation"`
	Achieved      bool    `json:"achieved"`
}

// Result records how a topic concluded. Dissent is preserved, never
// discarded; a failed consensus is reported for the caller to act on.
type Result struct {
	TopicID          string             `json:"topic_id"`
	Subject          string             `json:"subject"`
	Outcome          Outcome            `json:"outcome"`
	Decision         FinalDecision      `json:"decision"`
	Tallies          map[string]float64 `json:"tallies"`
	MinorityOpinions []MinorityOpinion  `json:"minority_opinions,omitempty"`
	EvidenceCount    int                `json:"evidence_count"`
	Reason           string             `json:"reason,omitempty"`
	ConcludedAt      time.Time          `json:"concluded_at"`
}

// Topic is one in-flight deliberation. Phases are strictly sequential
// within a topic; independent topics run concurrently.
type Topic struct {
	ID           string
	Subject      string
	Options      []string
	Stakeholders []Stakeholder
	Config       Config

	mu       sync.Mutex
	phase    Phase
	evidence []Evidence
	ballots  map[string]types.ConsensusBallot
	openedAt time.Time
	result   *Result
}

// Phase returns the topic's current phase.
func (t *Topic) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Evidence returns the evidence collected so far.
func (t *Topic) Evidence() []Evidence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Evidence(nil), t.evidence...)
}

// Result returns the terminal result, or nil while the topic is open.
func (t *Topic) Result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return nil
	}
	out := *t.result
	return &out
}

func (t *Topic) stakeholder(id string) (Stakeholder, bool) {
	for _, s := range t.Stakeholders {
		if s.ID == id {
			return s, true
		}
	}
	return Stakeholder{}, false
}

// EvidenceProvider produces a stakeholder's evidence during discussion.
type EvidenceProvider interface {
	GatherEvidence(ctx context.Context, topic *Topic, stakeholder Stakeholder) ([]Evidence, error)
}

// Voter produces a stakeholder's ballot during voting.
type Voter interface {
	CastVote(ctx context.Context, topic *Topic, stakeholder Stakeholder) (types.ConsensusBallot, error)
}

// Engine opens consensus topics and drives them through discussion,
// voting, and evaluation.
type Engine struct {
	logger *zap.Logger
	clock  func() time.Time
}

// NewEngine creates a consensus engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger.With(zap.String("component", "consensus_engine")),
		clock:  time.Now,
	}
}

// OpenTopic validates and creates a topic in the discussion phase.
func (e *Engine) OpenTopic(subject string, options []string, stakeholders []Stakeholder, config Config) (*Topic, error) {
	if err := tally.ValidateOpen("topic", subject, options); err != nil {
		return nil, err
	}
	if err := tally.ValidateParties("stakeholder", stakeholders, true); err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if config.DiscussionDuration <= 0 {
		config.DiscussionDuration = defaults.DiscussionDuration
	}
	if config.VotingDuration <= 0 {
		config.VotingDuration = defaults.VotingDuration
	}
	if config.MinParticipation <= 0 {
		config.MinParticipation = defaults.MinParticipation
	}
	if config.ConsensusThreshold <= 0 {
		config.ConsensusThreshold = defaults.ConsensusThreshold
	}
	if config.Deadline <= 0 {
		config.Deadline = defaults.Deadline
	}

	t := &Topic{
		ID:           uuid.New().String(),
		Subject:      subject,
		Options:      append([]string(nil), options...),
		Stakeholders: append([]Stakeholder(nil), stakeholders...),
		Config:       config,
		phase:        PhaseDiscussion,
		ballots:      make(map[string]types.ConsensusBallot, len(stakeholders)),
		openedAt:     e.clock(),
	}
	e.logger.Info("consensus topic opened",
		zap.String("topic_id", t.ID),
		zap.String("subject", subject),
		zap.Int("options", len(options)),
		zap.Int("stakeholders", len(stakeholders)),
	)
	return t, nil
}

// SubmitEvidence records a stakeholder's statement. Only valid during the
// discussion phase.
func (e *Engine) SubmitEvidence(t *Topic, ev Evidence) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != PhaseDiscussion {
		return types.NewErrorf(types.ErrInvalidTransition,
			"topic %s is in phase %s, evidence closed", t.ID, t.phase)
	}
	if _, ok := t.stakeholder(ev.Stakeholder); !ok {
		return types.NewErrorf(types.ErrValidation,
			"stakeholder %q not part of topic %s", ev.Stakeholder, t.ID)
	}
	if !tally.Contains(t.Options, ev.Option) {
		return types.NewErrorf(types.ErrValidation,
			"option %q not on topic %s", ev.Option, t.ID)
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = e.clock()
	}
	t.evidence = append(t.evidence, ev)
	return nil
}

// runPhase gates the topic on want, concludes it as timed out when the
// deadline has passed, fans collect out to every stakeholder within the
// phase budget, and advances the topic to next. Collection is best
// effort; per-stakeholder failures are collect's concern.
func (e *Engine) runPhase(ctx context.Context, t *Topic, want, next Phase, budget time.Duration, collect func(ctx context.Context, s Stakeholder)) error {
	t.mu.Lock()
	if t.phase != want {
		phase := t.phase
		t.mu.Unlock()
		return types.NewErrorf(types.ErrInvalidTransition,
			"topic %s is in phase %s, expected %s", t.ID, phase, want)
	}
	t.mu.Unlock()

	if e.expired(t) {
		e.timeout(t, "deadline expired during "+string(want))
		return nil
	}

	if collect != nil {
		phaseCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		g, gctx := errgroup.WithContext(phaseCtx)
		for _, s := range t.Stakeholders {
			s := s
			g.Go(func() error {
				collect(gctx, s)
				return nil
			})
		}
		_ = g.Wait()
	}

	t.mu.Lock()
	t.phase = next
	t.mu.Unlock()
	return nil
}

// RunDiscussion collects evidence from every stakeholder concurrently for
// the fixed discussion duration, then advances the topic to voting.
// Provider failures are logged; evidence is best effort.
func (e *Engine) RunDiscussion(ctx context.Context, t *Topic, provider EvidenceProvider) error {
	var collect func(context.Context, Stakeholder)
	if provider != nil {
		collect = func(ctx context.Context, s Stakeholder) {
			items, err := provider.GatherEvidence(ctx, t, s)
			if err != nil {
				e.logger.Warn("evidence gathering failed",
					zap.String("topic_id", t.ID),
					zap.String("stakeholder", s.ID),
					zap.Error(err),
				)
				return
			}
			for _, ev := range items {
				ev.Stakeholder = s.ID
				if subErr := e.SubmitEvidence(t, ev); subErr != nil {
					e.logger.Warn("evidence rejected",
						zap.String("stakeholder", s.ID), zap.Error(subErr))
				}
			}
		}
	}
	return e.runPhase(ctx, t, PhaseDiscussion, PhaseVoting, t.Config.DiscussionDuration, collect)
}

// CastBallot records one stakeholder group's weighted preference. The
// effective weight is the registered stakeholder weight regardless of the
// ballot's claim; a re-cast replaces the earlier ballot.
func (e *Engine) CastBallot(t *Topic, ballot types.ConsensusBallot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != PhaseVoting {
		return types.NewErrorf(types.ErrInvalidTransition,
			"topic %s is in phase %s, not voting", t.ID, t.phase)
	}
	s, ok := t.stakeholder(ballot.Group)
	if !ok {
		return types.NewErrorf(types.ErrValidation,
			"stakeholder %q not part of topic %s", ballot.Group, t.ID)
	}
	if !tally.Contains(t.Options, ballot.Option) {
		return types.NewErrorf(types.ErrValidation,
			"option %q not on topic %s", ballot.Option, t.ID)
	}
	ballot.TopicID = t.ID
	ballot.Weight = s.Weight
	t.ballots[s.ID] = ballot
	return nil
}

// RunVoting collects ballots from every stakeholder concurrently within
// the voting duration, then advances the topic to evaluation. A voter
// error or timeout counts as abstention.
func (e *Engine) RunVoting(ctx context.Context, t *Topic, voter Voter) error {
	var collect func(context.Context, Stakeholder)
	if voter != nil {
		collect = func(ctx context.Context, s Stakeholder) {
			ballot, err := voter.CastVote(ctx, t, s)
			if err != nil {
				e.logger.Warn("stakeholder abstained",
					zap.String("topic_id", t.ID),
					zap.String("stakeholder", s.ID),
					zap.Error(err),
				)
				return
			}
			ballot.Group = s.ID
			if castErr := e.CastBallot(t, ballot); castErr != nil {
				e.logger.Warn("ballot rejected",
					zap.String("stakeholder", s.ID), zap.Error(castErr))
			}
		}
	}
	return e.runPhase(ctx, t, PhaseVoting, PhaseEvaluation, t.Config.VotingDuration, collect)
}

// Evaluate concludes the topic from the collected ballots. Consensus is
// achieved only when weighted participation meets the minimum AND the
// leading option's support among participants meets the threshold. An
// exact tie at the top never becomes an arbitrary winner.
func (e *Engine) Evaluate(t *Topic) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase == PhaseConcluded {
		return nil, types.NewErrorf(types.ErrInvalidTransition,
			"topic %s already concluded", t.ID)
	}
	if t.phase != PhaseEvaluation {
		return nil, types.NewErrorf(types.ErrInvalidTransition,
			"topic %s is in phase %s, expected evaluation", t.ID, t.phase)
	}
	if e.expiredLocked(t) {
		e.timeoutLocked(t, "deadline expired before evaluation")
		out := *t.result
		return &out, nil
	}

	var totalWeight float64
	for _, s := range t.Stakeholders {
		totalWeight += s.Weight
	}

	tallies := make(map[string]float64, len(t.Options))
	var participating float64
	for _, ballot := range t.ballots {
		tallies[ballot.Option] += ballot.Weight
		participating += ballot.Weight
	}
	participation := 0.0
	if totalWeight > 0 {
		participation = participating / totalWeight
	}

	leading, leadingWeight, tied := tally.Leading(t.Options, tallies)
	support := 0.0
	if participating > 0 {
		support = leadingWeight / participating
	}

	decision := FinalDecision{
		Support:       support,
		Participation: participation,
	}
	outcome := OutcomeNotAchieved
	reason := ""
	switch {
	case participation < t.Config.MinParticipation:
		reason = "participation below minimum"
	case tied:
		reason = "leading options exactly tied"
	case support < t.Config.ConsensusThreshold:
		decision.Option = leading
		reason = "leading support below consensus threshold"
	default:
		outcome = OutcomeAchieved
		decision.Option = leading
		decision.Achieved = true
	}

	t.phase = PhaseConcluded
	t.result = &Result{
		TopicID:          t.ID,
		Subject:          t.Subject,
		Outcome:          outcome,
		Decision:         decision,
		Tallies:          tallies,
		MinorityOpinions: minorityOpinions(t, leading, tied),
		EvidenceCount:    len(t.evidence),
		Reason:           reason,
		ConcludedAt:      e.clock(),
	}
	e.logger.Info("consensus evaluated",
		zap.String("topic_id", t.ID),
		zap.String("outcome", string(outcome)),
		zap.String("decision", decision.Option),
		zap.Float64("support", support),
		zap.Float64("participation", participation),
	)
	out := *t.result
	return &out, nil
}

// Run drives a topic through all three phases.
func (e *Engine) Run(ctx context.Context, t *Topic, provider EvidenceProvider, voter Voter) (*Result, error) {
	if err := e.RunDiscussion(ctx, t, provider); err != nil {
		return nil, err
	}
	if res := t.Result(); res != nil {
		return res, nil
	}
	if err := e.RunVoting(ctx, t, voter); err != nil {
		return nil, err
	}
	if res := t.Result(); res != nil {
		return res, nil
	}
	return e.Evaluate(t)
}

// ForceTimeout preempts an open topic, concluding it as timed out.
func (e *Engine) ForceTimeout(t *Topic, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == PhaseConcluded {
		return types.NewErrorf(types.ErrInvalidTransition,
			"topic %s already concluded", t.ID)
	}
	e.timeoutLocked(t, reason)
	return nil
}

func (e *Engine) expired(t *Topic) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.expiredLocked(t)
}

func (e *Engine) expiredLocked(t *Topic) bool {
	return e.clock().Sub(t.openedAt) > t.Config.Deadline
}

func (e *Engine) timeout(t *Topic, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.timeoutLocked(t, reason)
}

// timeoutLocked concludes the topic as timed out. Caller holds t.mu.
func (e *Engine) timeoutLocked(t *Topic, reason string) {
	t.phase = PhaseConcluded
	t.result = &Result{
		TopicID:       t.ID,
		Subject:       t.Subject,
		Outcome:       OutcomeTimeout,
		Tallies:       map[string]float64{},
		EvidenceCount: len(t.evidence),
		Reason:        reason,
		ConcludedAt:   e.clock(),
	}
	e.logger.Warn("consensus topic timed out",
		zap.String("topic_id", t.ID),
		zap.String("reason", reason),
	)
}

// minorityOpinions collects dissenting ballots with their stated reasons.
// Caller holds t.mu.
func minorityOpinions(t *Topic, leading string, tied bool) []MinorityOpinion {
	var out []MinorityOpinion
	for _, s := range t.Stakeholders {
		ballot, ok := t.ballots[s.ID]
		if !ok {
			continue
		}
		if !tied && ballot.Option == leading {
			continue
		}
		out = append(out, MinorityOpinion{
			Stakeholder: s.ID,
			Option:      ballot.Option,
			Weight:      ballot.Weight,
			Reason:      ballot.Reason,
		})
	}
	return out
}
