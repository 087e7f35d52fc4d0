package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentcoord/types"
)

func buyer(rate float64, pattern ConcessionPattern) Participant {
	return Participant{
		ID:       "buyer",
		Position: Position{Desired: 50, Limit: 60},
		Strategy: Strategy{Pattern: pattern, Rate: rate},
	}
}

func seller(rate float64, pattern ConcessionPattern) Participant {
	return Participant{
		ID:       "seller",
		Position: Position{Desired: 80, Limit: 70},
		Strategy: Strategy{Pattern: pattern, Rate: rate},
	}
}

func TestOpenValidation(t *testing.T) {
	f := NewFacilitator(zap.NewNop())

	_, err := f.Open("", []Participant{buyer(0.5, ConcessionLinear), seller(0.5, ConcessionLinear)}, Config{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = f.Open("price", []Participant{buyer(0.5, ConcessionLinear)}, Config{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = f.Open("price", []Participant{buyer(1.5, ConcessionLinear), seller(0.5, ConcessionLinear)}, Config{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	dup := seller(0.5, ConcessionLinear)
	dup.ID = "buyer"
	_, err = f.Open("price", []Participant{buyer(0.5, ConcessionLinear), dup}, Config{})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestZeroConcessionDeadlock(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("contested-gpu", []Participant{
		buyer(0, ConcessionLinear),  // acceptable range [50,60]
		seller(0, ConcessionLinear), // acceptable range [70,80]
	}, Config{MaxRounds: 3})
	require.NoError(t, err)

	res, err := f.Run(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadlock, res.Outcome)
	assert.LessOrEqual(t, res.Rounds, 3)
	assert.Contains(t, res.Recommendations, "escalate to arbitration")
	assert.Contains(t, res.Recommendations, "request relaxed limits from rigid participants")
	assert.Equal(t, StateDeadlock, n.State())
}

func TestOneRigidParticipantDeadlocks(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("contested-gpu", []Participant{
		buyer(0.1, ConcessionLinear), // concedes, but too slowly to reach the seller
		seller(0, ConcessionLinear),  // never moves
	}, Config{MaxRounds: 10})
	require.NoError(t, err)

	res, err := f.Run(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadlock, res.Outcome)
	// The seller's held position flags deadlock after two rounds even though
	// the buyer keeps conceding; the round cap is never reached.
	assert.Equal(t, 2, res.Rounds)
	assert.Contains(t, res.Recommendations, "request relaxed limits from rigid participants")
}

func TestLinearConcessionConverges(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0.5, ConcessionLinear),
		seller(0.5, ConcessionLinear),
	}, Config{MaxRounds: 5})
	require.NoError(t, err)

	res, err := f.Run(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgreement, res.Outcome)
	// Both limits move halfway toward the counterpart's desired value:
	// buyer reaches 70, seller reaches 60, overlap [60,70], midpoint 65.
	assert.Equal(t, 1, res.Rounds)
	assert.InDelta(t, 65, res.AgreedValue, 1e-9)
	assert.Empty(t, res.Recommendations)
}

func TestExponentialConcessionAccelerates(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0.1, ConcessionExponential),
		seller(0.1, ConcessionExponential),
	}, Config{MaxRounds: 10})
	require.NoError(t, err)

	res, err := f.Run(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgreement, res.Outcome)
	assert.Equal(t, 2, res.Rounds)
	assert.InDelta(t, 65, res.AgreedValue, 0.01)
}

func TestStepWiseHoldsOddRounds(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0.5, ConcessionStepWise),
		seller(0.5, ConcessionStepWise),
	}, Config{MaxRounds: 5, StallRounds: 3})
	require.NoError(t, err)

	res, err := f.Run(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgreement, res.Outcome)
	// Round 1 holds firm, round 2 concedes half the gap on both sides.
	assert.Equal(t, 2, res.Rounds)
	assert.InDelta(t, 65, res.AgreedValue, 1e-9)
}

func TestImmediateOverlapAtOpening(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		{ID: "a", Position: Position{Desired: 50, Limit: 70}},
		{ID: "b", Position: Position{Desired: 80, Limit: 60}},
	}, Config{})
	require.NoError(t, err)

	state, err := f.Step(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, StateAgreement, state)

	res := n.Result()
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Rounds)
	assert.InDelta(t, 65, res.AgreedValue, 1e-9) // midpoint of [60,70]
}

func TestTieBreakHook(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		{ID: "a", Position: Position{Desired: 50, Limit: 70}},
		{ID: "b", Position: Position{Desired: 80, Limit: 60}},
	}, Config{TieBreak: func(low, high float64) float64 { return low }})
	require.NoError(t, err)

	_, err = f.Step(context.Background(), n)
	require.NoError(t, err)
	assert.InDelta(t, 60, n.Result().AgreedValue, 1e-9)
}

func TestDeadlineExpiryTimesOut(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0.5, ConcessionLinear),
		seller(0.5, ConcessionLinear),
	}, Config{Deadline: time.Minute})
	require.NoError(t, err)

	f.clock = func() time.Time { return n.openedAt.Add(2 * time.Minute) }
	res, err := f.Run(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Contains(t, res.Recommendations, "reopen with a longer deadline")
}

func TestCallerPreemptionForcesTimeout(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0, ConcessionLinear),
		seller(0, ConcessionLinear),
	}, Config{MaxRounds: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := f.Step(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, StateTimeout, state)
	assert.Equal(t, OutcomeTimeout, n.Result().Outcome)
}

func TestStepAfterConclusionRejected(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0.5, ConcessionLinear),
		seller(0.5, ConcessionLinear),
	}, Config{})
	require.NoError(t, err)

	_, err = f.Run(context.Background(), n)
	require.NoError(t, err)

	_, err = f.Step(context.Background(), n)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestSubmitMoveDrivesAgreement(t *testing.T) {
	f := NewFacilitator(zap.NewNop())
	n, err := f.Open("price", []Participant{
		buyer(0, ConcessionLinear),
		seller(0, ConcessionLinear),
	}, Config{MaxRounds: 10})
	require.NoError(t, err)

	err = f.SubmitMove(n, "nobody", types.NegotiationMove{NegotiationID: n.ID, Value: 65})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	// Seller volunteers a limit inside the buyer's range.
	require.NoError(t, f.SubmitMove(n, "seller", types.NegotiationMove{NegotiationID: n.ID, Value: 55}))
	assert.Equal(t, StateAgreement, n.State())

	res := n.Result()
	require.NotNil(t, res)
	assert.Equal(t, OutcomeAgreement, res.Outcome)
	assert.InDelta(t, 57.5, res.AgreedValue, 1e-9) // midpoint of [55,60]
}

func TestNegotiationAlwaysTerminates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := NewFacilitator(zap.NewNop())
		maxRounds := rapid.IntRange(1, 20).Draw(t, "max_rounds")

		count := rapid.IntRange(2, 5).Draw(t, "participants")
		participants := make([]Participant, count)
		for i := range participants {
			participants[i] = Participant{
				ID: string(rune('a' + i)),
				Position: Position{
					Desired: rapid.Float64Range(0, 100).Draw(t, "desired"),
					Limit:   rapid.Float64Range(0, 100).Draw(t, "limit"),
				},
				Strategy: Strategy{
					Pattern: rapid.SampledFrom([]ConcessionPattern{
						ConcessionLinear, ConcessionExponential, ConcessionStepWise,
					}).Draw(t, "pattern"),
					Rate: rapid.Float64Range(0, 1).Draw(t, "rate"),
				},
			}
		}

		n, err := f.Open("prop", participants, Config{MaxRounds: maxRounds})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		res, err := f.Run(context.Background(), n)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !n.State().Terminal() {
			t.Fatalf("negotiation left open in state %s", n.State())
		}
		if res.Rounds > maxRounds {
			t.Fatalf("ran %d rounds past cap %d", res.Rounds, maxRounds)
		}
	})
}
