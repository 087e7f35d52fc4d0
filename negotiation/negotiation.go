package negotiation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/types"
)

// State is one node of the round state machine.
type State string

const (
	StateOpening   State = "opening"
	StateRound     State = "round"
	StateAgreement State = "agreement"
	StateDeadlock  State = "deadlock"
	StateTimeout   State = "timeout"
)

// Terminal reports whether the state ends the negotiation.
func (s State) Terminal() bool {
	return s == StateAgreement || s == StateDeadlock || s == StateTimeout
}

// ConcessionPattern selects how fast a participant yields ground.
type ConcessionPattern string

const (
	ConcessionLinear      ConcessionPattern = "linear"
	ConcessionExponential ConcessionPattern = "exponential"
	ConcessionStepWise    ConcessionPattern = "step_wise"
)

// Strategy is a participant's declared concession behavior. Rate in [0,1]
// is the fraction of the remaining gap yielded per concession.
type Strategy struct {
	Pattern ConcessionPattern `json:"pattern"`
	Rate    float64           `json:"rate"`
}

// Position is a participant's stance: the value it wants and the worst
// value it will still accept. The acceptable range spans the two.
type Position struct {
	Desired float64 `json:"desired"`
	Limit   float64 `json:"limit"`
}

// Low returns the lower bound of the acceptable range.
func (p Position) Low() float64 { return math.Min(p.Desired, p.Limit) }

// High returns the upper bound of the acceptable range.
func (p Position) High() float64 { return math.Max(p.Desired, p.Limit) }

// Participant is one negotiating party.
type Participant struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Strategy Strategy `json:"strategy"`
}

// Config bounds a negotiation.
type Config struct {
	// MaxRounds caps the number of concession rounds.
	MaxRounds int `json:"max_rounds"`

	// RoundTimeout bounds one round of position revisions.
	RoundTimeout time.Duration `json:"round_timeout"`

	// Deadline bounds the whole negotiation; expiry at any point moves
	// the state machine to Timeout.
	Deadline time.Duration `json:"deadline"`

	// StallRounds is how many consecutive rounds any one participant may
	// hold its position before the negotiation is flagged as deadlocked.
	StallRounds int `json:"stall_rounds"`

	// TieBreak picks the agreement value when the overlap admits more
	// than one point. Nil means the midpoint.
	TieBreak func(low, high float64) float64 `json:"-"`
}

// DefaultConfig returns negotiation defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:    5,
		RoundTimeout: 30 * time.Second,
		Deadline:     5 * time.Minute,
		StallRounds:  2,
	}
}

// Outcome is the terminal disposition of a negotiation.
type Outcome string

const (
	OutcomeAgreement Outcome = "agreement"
	OutcomeDeadlock  Outcome = "deadlock"
	OutcomeTimeout   Outcome = "timeout"
)

// Result records how a negotiation ended. A deadlock or timeout carries
// escalation recommendations; callers choose the fallback, the facilitator
// never converts a failed negotiation into an assignment on its own.
type Result struct {
	NegotiationID   string              `json:"negotiation_id"`
	Topic           string              `json:"topic"`
	Outcome         Outcome             `json:"outcome"`
	Rounds          int                 `json:"rounds"`
	AgreedValue     float64             `json:"agreed_value,omitempty"`
	FinalPositions  map[string]Position `json:"final_positions"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	ConcludedAt     time.Time           `json:"concluded_at"`
}

// Negotiation is one in-flight bargaining session. Rounds within a single
// negotiation are strictly sequential; the facilitator serializes access
// through the session mutex.
type Negotiation struct {
	ID     string
	Topic  string
	Config Config

	mu           sync.Mutex
	state        State
	round        int
	participants []Participant
	stalled      map[string]int
	openedAt     time.Time
	result       *Result
}

// State returns the current state.
func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Round returns the number of completed rounds.
func (n *Negotiation) Round() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.round
}

// Result returns the terminal result, or nil while the negotiation is open.
func (n *Negotiation) Result() *Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.result == nil {
		return nil
	}
	out := *n.result
	return &out
}

// Facilitator opens negotiations and drives their rounds. Independent
// negotiations advance concurrently; one negotiation's rounds never overlap.
type Facilitator struct {
	logger *zap.Logger
	clock  func() time.Time
}

// NewFacilitator creates a negotiation facilitator.
func NewFacilitator(logger *zap.Logger) *Facilitator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facilitator{
		logger: logger.With(zap.String("component", "negotiation_facilitator")),
		clock:  time.Now,
	}
}

// Open validates the parties and creates a negotiation in the opening state.
func (f *Facilitator) Open(topic string, participants []Participant, config Config) (*Negotiation, error) {
	if topic == "" {
		return nil, types.NewError(types.ErrValidation, "negotiation topic is required")
	}
	if len(participants) < 2 {
		return nil, types.NewErrorf(types.ErrValidation,
			"negotiation requires at least two participants, got %d", len(participants))
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.ID == "" {
			return nil, types.NewError(types.ErrValidation, "participant id is required")
		}
		if seen[p.ID] {
			return nil, types.NewErrorf(types.ErrValidation, "duplicate participant %q", p.ID)
		}
		seen[p.ID] = true
		if p.Strategy.Rate < 0 || p.Strategy.Rate > 1 {
			return nil, types.NewErrorf(types.ErrValidation,
				"participant %q concession rate %.2f outside [0,1]", p.ID, p.Strategy.Rate)
		}
	}

	defaults := DefaultConfig()
	if config.MaxRounds <= 0 {
		config.MaxRounds = defaults.MaxRounds
	}
	if config.RoundTimeout <= 0 {
		config.RoundTimeout = defaults.RoundTimeout
	}
	if config.Deadline <= 0 {
		config.Deadline = defaults.Deadline
	}
	if config.StallRounds <= 0 {
		config.StallRounds = defaults.StallRounds
	}

	n := &Negotiation{
		ID:           uuid.New().String(),
		Topic:        topic,
		Config:       config,
		state:        StateOpening,
		participants: append([]Participant(nil), participants...),
		stalled:      make(map[string]int, len(participants)),
		openedAt:     f.clock(),
	}
	f.logger.Info("negotiation opened",
		zap.String("negotiation_id", n.ID),
		zap.String("topic", topic),
		zap.Int("participants", len(participants)),
		zap.Int("max_rounds", config.MaxRounds),
	)
	return n, nil
}

// Step advances the negotiation by exactly one round and returns the state
// after it. On opening, the first step only checks for an overlap already
// present in the declared positions.
func (f *Facilitator) Step(ctx context.Context, n *Negotiation) (State, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		return n.state, types.NewErrorf(types.ErrInvalidTransition,
			"negotiation %s already concluded as %s", n.ID, n.state)
	}
	if err := ctx.Err(); err != nil {
		f.conclude(n, OutcomeTimeout, "preempted by caller")
		return n.state, nil
	}
	if f.clock().Sub(n.openedAt) > n.Config.Deadline {
		f.conclude(n, OutcomeTimeout, "negotiation deadline expired")
		return n.state, nil
	}

	if n.state == StateOpening {
		n.state = StateRound
		if low, high, ok := overlap(n.participants); ok {
			f.agree(n, low, high)
		}
		return n.state, nil
	}

	n.round++
	for i := range n.participants {
		p := &n.participants[i]
		if f.concede(p, n.round, others(n.participants, i)) {
			n.stalled[p.ID] = 0
		} else {
			n.stalled[p.ID]++
		}
	}

	if low, high, ok := overlap(n.participants); ok {
		f.agree(n, low, high)
		return n.state, nil
	}
	for _, p := range n.participants {
		if n.stalled[p.ID] >= n.Config.StallRounds {
			f.conclude(n, OutcomeDeadlock, fmt.Sprintf(
				"participant %s held its position for %d consecutive rounds", p.ID, n.stalled[p.ID]))
			return n.state, nil
		}
	}
	if n.round >= n.Config.MaxRounds {
		f.conclude(n, OutcomeDeadlock, "round cap reached without convergence")
		return n.state, nil
	}
	return n.state, nil
}

// Run drives the negotiation to a terminal state. Round pacing is bounded
// by the per-round timeout; the overall deadline is enforced inside Step.
func (f *Facilitator) Run(ctx context.Context, n *Negotiation) (*Result, error) {
	for {
		roundCtx, cancel := context.WithTimeout(ctx, n.Config.RoundTimeout)
		state, err := f.Step(roundCtx, n)
		cancel()
		if err != nil {
			return nil, err
		}
		if state.Terminal() {
			return n.Result(), nil
		}
	}
}

// SubmitMove applies an externally supplied position revision, letting the
// state machine be driven by message arrival instead of the local
// concession strategies. The move shifts the participant's limit to the
// offered value.
func (f *Facilitator) SubmitMove(n *Negotiation, participantID string, move types.NegotiationMove) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		return types.NewErrorf(types.ErrInvalidTransition,
			"negotiation %s already concluded as %s", n.ID, n.state)
	}
	for i := range n.participants {
		if n.participants[i].ID != participantID {
			continue
		}
		if n.participants[i].Position.Limit != move.Value {
			n.participants[i].Position.Limit = move.Value
			n.stalled[participantID] = 0
		}
		if low, high, ok := overlap(n.participants); ok {
			f.agree(n, low, high)
		}
		return nil
	}
	return types.NewErrorf(types.ErrValidation,
		"participant %q not part of negotiation %s", participantID, n.ID)
}

// concede moves one participant's limit toward the counterparts' desired
// band per its declared strategy. Reports whether the position changed.
func (f *Facilitator) concede(p *Participant, round int, counterparts []Participant) bool {
	fraction := concessionFraction(p.Strategy, round)
	if fraction <= 0 {
		return false
	}

	target := desiredCenter(counterparts)
	gap := target - p.Position.Limit
	if math.Abs(gap) < 1e-9 {
		return false
	}
	p.Position.Limit += fraction * gap
	return true
}

// concessionFraction is the share of the remaining gap yielded this round.
func concessionFraction(s Strategy, round int) float64 {
	switch s.Pattern {
	case ConcessionExponential:
		// Doubling pressure each round, capped at full concession.
		return math.Min(1, s.Rate*math.Pow(2, float64(round-1)))
	case ConcessionStepWise:
		// Holds firm every other round.
		if round%2 == 1 {
			return 0
		}
		return s.Rate
	default: // linear
		return s.Rate
	}
}

// overlap intersects all acceptable ranges. ok is false when the
// intersection is empty.
func overlap(participants []Participant) (low, high float64, ok bool) {
	low = math.Inf(-1)
	high = math.Inf(1)
	for _, p := range participants {
		low = math.Max(low, p.Position.Low())
		high = math.Min(high, p.Position.High())
	}
	return low, high, low <= high
}

func desiredCenter(participants []Participant) float64 {
	var sum float64
	for _, p := range participants {
		sum += p.Position.Desired
	}
	return sum / float64(len(participants))
}

func others(participants []Participant, i int) []Participant {
	out := make([]Participant, 0, len(participants)-1)
	for j, p := range participants {
		if j != i {
			out = append(out, p)
		}
	}
	return out
}

// agree concludes the negotiation at a point inside the overlap.
func (f *Facilitator) agree(n *Negotiation, low, high float64) {
	value := (low + high) / 2
	if n.Config.TieBreak != nil && low < high {
		value = n.Config.TieBreak(low, high)
	}
	f.conclude(n, OutcomeAgreement, "")
	n.result.AgreedValue = value
	f.logger.Info("negotiation agreed",
		zap.String("negotiation_id", n.ID),
		zap.Float64("value", value),
		zap.Int("rounds", n.round),
	)
}

// conclude moves the machine to its terminal state and freezes the result.
// Caller holds n.mu.
func (f *Facilitator) conclude(n *Negotiation, outcome Outcome, reason string) {
	switch outcome {
	case OutcomeAgreement:
		n.state = StateAgreement
	case OutcomeTimeout:
		n.state = StateTimeout
	default:
		n.state = StateDeadlock
	}

	positions := make(map[string]Position, len(n.participants))
	for _, p := range n.participants {
		positions[p.ID] = p.Position
	}
	n.result = &Result{
		NegotiationID:  n.ID,
		Topic:          n.Topic,
		Outcome:        outcome,
		Rounds:         n.round,
		FinalPositions: positions,
		Reason:         reason,
		ConcludedAt:    f.clock(),
	}
	if outcome != OutcomeAgreement {
		n.result.Recommendations = recommendations(n, outcome)
		f.logger.Warn("negotiation failed",
			zap.String("negotiation_id", n.ID),
			zap.String("outcome", string(outcome)),
			zap.String("reason", reason),
			zap.Int("rounds", n.round),
		)
	}
}

// recommendations suggests fallbacks for a failed negotiation. The
// facilitator reports these; it never picks one itself.
func recommendations(n *Negotiation, outcome Outcome) []string {
	recs := []string{"escalate to arbitration"}
	if outcome == OutcomeTimeout {
		recs = append(recs, "reopen with a longer deadline")
		return recs
	}
	rigid := 0
	for _, p := range n.participants {
		if p.Strategy.Rate == 0 {
			rigid++
		}
	}
	if rigid > 0 {
		recs = append(recs, "request relaxed limits from rigid participants")
	}
	recs = append(recs, "split the contested resource and renegotiate the remainder")
	return recs
}
