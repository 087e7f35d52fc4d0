package voting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/internal/tally"
	"github.com/BaSui01/agentcoord/types"
)

// Method selects how ballots are tallied.
type Method string

const (
	MethodSimple       Method = "simple_majority"
	MethodWeighted     Method = "weighted_majority"
	MethodRankedChoice Method = "ranked_choice"
)

// Voter is one eligible participant with its ballot weight. Weight is
// ignored under the simple-majority method.
type Voter = tally.Party

// Ballot is one voter's cast. Choice is used by simple and weighted
// tallies; Rankings, ordered most to least preferred, by ranked choice.
type Ballot struct {
	VoterID  string   `json:"voter_id"`
	Choice   string   `json:"choice,omitempty"`
	Rankings []string `json:"rankings,omitempty"`
}

// Config bounds one proposal.
type Config struct {
	Method Method `json:"method"`

	// ApprovalThreshold is the share of participating weight the leading
	// option needs under simple and weighted tallies.
	ApprovalThreshold float64 `json:"approval_threshold"`

	// MinParticipation is the weighted fraction of eligible voters that
	// must cast ballots; below it the outcome is inconclusive.
	MinParticipation float64 `json:"min_participation"`

	// Deadline bounds the ballot round.
	Deadline time.Duration `json:"deadline"`
}

// DefaultConfig returns simple-majority defaults.
func DefaultConfig() Config {
	return Config{
		Method:            MethodSimple,
		ApprovalThreshold: 0.5,
		MinParticipation:  0.5,
		Deadline:          5 * time.Minute,
	}
}

// Outcome is the terminal disposition of a proposal.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeRejected     Outcome = "rejected"
	OutcomeTied         Outcome = "tied"
	OutcomeInconclusive Outcome = "inconclusive"
	OutcomeTimeout      Outcome = "timeout"
)

// EliminationRound records one ranked-choice elimination step.
type EliminationRound struct {
	Eliminated string             `json:"eliminated"`
	Tallies    map[string]float64 `json:"tallies"`
}

// Result records the outcome of one ballot round. Tallies always sum to
// the weight of the ballots actually cast.
type Result struct {
	ProposalID    string             `json:"proposal_id"`
	Subject       string             `json:"subject"`
	Method        Method             `json:"method"`
	Outcome       Outcome            `json:"outcome"`
	Winner        string             `json:"winner,omitempty"`
	Support       float64            `json:"support"`
	Participation float64            `json:"participation"`
	Tallies       map[string]float64 `json:"tallies"`
	BallotsCast   int                `json:"ballots_cast"`
	Eliminations  []EliminationRound `json:"eliminations,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	ConcludedAt   time.Time          `json:"concluded_at"`
}

// Proposal is one decision point resolved by a single ballot round.
type Proposal struct {
	ID      string
	Subject string
	Options []string
	Voters  []Voter
	Config  Config

	mu       sync.Mutex
	ballots  map[string]Ballot
	openedAt time.Time
	result   *Result
}

// Result returns the tallied result, or nil while the round is open.
func (p *Proposal) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return nil
	}
	out := *p.result
	return &out
}

func (p *Proposal) voter(id string) (Voter, bool) {
	for _, v := range p.Voters {
		if v.ID == id {
			return v, true
		}
	}
	return Voter{}, false
}

// System opens proposals and tallies their single ballot round.
type System struct {
	logger *zap.Logger
	clock  func() time.Time
}

// NewSystem creates a voting system.
func NewSystem(logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		logger: logger.With(zap.String("component", "voting_system")),
		clock:  time.Now,
	}
}

// OpenProposal validates and opens a proposal for ballots.
func (s *System) OpenProposal(subject string, options []string, voters []Voter, config Config) (*Proposal, error) {
	if err := tally.ValidateOpen("proposal", subject, options); err != nil {
		return nil, err
	}
	// Weights only matter outside the one-ballot-one-vote method.
	if err := tally.ValidateParties("voter", voters, config.Method != MethodSimple); err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if config.Method == "" {
		config.Method = defaults.Method
	}
	if config.ApprovalThreshold <= 0 {
		config.ApprovalThreshold = defaults.ApprovalThreshold
	}
	if config.MinParticipation <= 0 {
		config.MinParticipation = defaults.MinParticipation
	}
	if config.Deadline <= 0 {
		config.Deadline = defaults.Deadline
	}

	p := &Proposal{
		ID:       uuid.New().String(),
		Subject:  subject,
		Options:  append([]string(nil), options...),
		Voters:   append([]Voter(nil), voters...),
		Config:   config,
		ballots:  make(map[string]Ballot, len(voters)),
		openedAt: s.clock(),
	}
	s.logger.Info("proposal opened",
		zap.String("proposal_id", p.ID),
		zap.String("subject", subject),
		zap.String("method", string(config.Method)),
		zap.Int("voters", len(voters)),
	)
	return p, nil
}

// CastBallot records one voter's ballot. A re-cast before the tally
// replaces the earlier ballot.
func (s *System) CastBallot(p *Proposal, ballot Ballot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.result != nil {
		return types.NewErrorf(types.ErrInvalidTransition,
			"proposal %s already tallied", p.ID)
	}
	if _, ok := p.voter(ballot.VoterID); !ok {
		return types.NewErrorf(types.ErrValidation,
			"voter %q not eligible on proposal %s", ballot.VoterID, p.ID)
	}

	if p.Config.Method == MethodRankedChoice {
		if len(ballot.Rankings) == 0 {
			return types.NewError(types.ErrValidation, "ranked-choice ballot requires rankings")
		}
		seen := make(map[string]bool, len(ballot.Rankings))
		for _, option := range ballot.Rankings {
			if !tally.Contains(p.Options, option) {
				return types.NewErrorf(types.ErrValidation,
					"option %q not on proposal %s", option, p.ID)
			}
			if seen[option] {
				return types.NewErrorf(types.ErrValidation,
					"option %q ranked twice", option)
			}
			seen[option] = true
		}
	} else {
		if !tally.Contains(p.Options, ballot.Choice) {
			return types.NewErrorf(types.ErrValidation,
				"option %q not on proposal %s", ballot.Choice, p.ID)
		}
	}

	p.ballots[ballot.VoterID] = ballot
	return nil
}

// Tally closes the round and computes the result per the proposal's
// method. Participation below the minimum is inconclusive; an exact tie
// at the top resolves to tied, never to an arbitrary winner.
func (s *System) Tally(p *Proposal) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.result != nil {
		return nil, types.NewErrorf(types.ErrInvalidTransition,
			"proposal %s already tallied", p.ID)
	}

	result := &Result{
		ProposalID:  p.ID,
		Subject:     p.Subject,
		Method:      p.Config.Method,
		BallotsCast: len(p.ballots),
		Tallies:     map[string]float64{},
		ConcludedAt: s.clock(),
	}

	if s.clock().Sub(p.openedAt) > p.Config.Deadline {
		result.Outcome = OutcomeTimeout
		result.Reason = "ballot round deadline expired"
		p.result = result
		out := *result
		return &out, nil
	}

	var totalWeight, castWeight float64
	for _, v := range p.Voters {
		w := s.ballotWeight(p, v)
		totalWeight += w
		if _, ok := p.ballots[v.ID]; ok {
			castWeight += w
		}
	}
	if totalWeight > 0 {
		result.Participation = castWeight / totalWeight
	}

	if result.Participation < p.Config.MinParticipation {
		result.Outcome = OutcomeInconclusive
		result.Reason = "participation below minimum"
		p.result = result
		s.logResult(result)
		out := *result
		return &out, nil
	}

	switch p.Config.Method {
	case MethodRankedChoice:
		s.tallyRankedChoice(p, result, castWeight)
	default:
		s.tallyMajority(p, result, castWeight)
	}

	p.result = result
	s.logResult(result)
	out := *result
	return &out, nil
}

// ballotWeight is the voter's tally contribution under the proposal's
// method: one ballot one vote for simple majority, declared weight
// otherwise.
func (s *System) ballotWeight(p *Proposal, v Voter) float64 {
	if p.Config.Method == MethodSimple {
		return 1
	}
	return v.Weight
}

func (s *System) tallyMajority(p *Proposal, result *Result, castWeight float64) {
	for _, v := range p.Voters {
		ballot, ok := p.ballots[v.ID]
		if !ok {
			continue
		}
		result.Tallies[ballot.Choice] += s.ballotWeight(p, v)
	}

	leading, weight, tied := tally.Leading(p.Options, result.Tallies)
	if castWeight > 0 {
		result.Support = weight / castWeight
	}
	switch {
	case tied:
		result.Outcome = OutcomeTied
		result.Reason = "leading options exactly tied"
	case result.Support >= p.Config.ApprovalThreshold:
		result.Outcome = OutcomeApproved
		result.Winner = leading
	default:
		result.Outcome = OutcomeRejected
		result.Winner = leading
		result.Reason = "leading support below approval threshold"
	}
}

// tallyRankedChoice iteratively eliminates the lowest first-preference
// option until one holds a strict majority of the continuing weight.
// Ballots whose ranked options are all eliminated stop counting.
func (s *System) tallyRankedChoice(p *Proposal, result *Result, castWeight float64) {
	eliminated := make(map[string]bool)

	for {
		tallies := make(map[string]float64, len(p.Options))
		var continuing float64
		for _, v := range p.Voters {
			ballot, ok := p.ballots[v.ID]
			if !ok {
				continue
			}
			for _, option := range ballot.Rankings {
				if !eliminated[option] {
					tallies[option] += v.Weight
					continuing += v.Weight
					break
				}
			}
		}
		result.Tallies = tallies

		remaining := make([]string, 0, len(p.Options))
		for _, option := range p.Options {
			if !eliminated[option] {
				remaining = append(remaining, option)
			}
		}

		leading, weight, _ := tally.Leading(remaining, tallies)
		if continuing > 0 && weight > continuing/2 {
			result.Outcome = OutcomeApproved
			result.Winner = leading
			result.Support = weight / continuing
			return
		}
		if len(remaining) <= 2 || continuing == 0 {
			// No strict majority is reachable; the top is tied.
			result.Outcome = OutcomeTied
			result.Reason = "no option can reach a strict majority"
			if continuing > 0 {
				result.Support = weight / continuing
			}
			return
		}

		loser := tally.Lowest(remaining, tallies)
		eliminated[loser] = true
		result.Eliminations = append(result.Eliminations, EliminationRound{
			Eliminated: loser,
			Tallies:    tallies,
		})
	}
}

func (s *System) logResult(result *Result) {
	s.logger.Info("proposal tallied",
		zap.String("proposal_id", result.ProposalID),
		zap.String("method", string(result.Method)),
		zap.String("outcome", string(result.Outcome)),
		zap.String("winner", result.Winner),
		zap.Float64("support", result.Support),
		zap.Float64("participation", result.Participation),
	)
}
