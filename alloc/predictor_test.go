package alloc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcoord/registry"
	"github.com/BaSui01/agentcoord/types"
)

func TestPredictUsesHistoricalAccuracy(t *testing.T) {
	a, reg := newTestAllocator(t, DefaultConfig())
	registerWorker(t, reg, "w1", 0, map[string]float64{"research": 0.9})

	// Worker historically runs 50% over estimate on research tasks.
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.RecordCompletion("w1", registry.CompletionRecord{
			TaskID:    "old",
			Skills:    []string{"research"},
			Estimated: time.Hour,
			Actual:    90 * time.Minute,
			At:        time.Now().Add(-time.Duration(5-i) * time.Hour),
		}))
	}

	_, err := a.AllocateTask(context.Background(), types.Task{
		ID:                "t1",
		RequiredSkills:    []string{"research"},
		EstimatedDuration: 2 * time.Hour,
		Deadline:          time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)

	est, err := a.PredictCompletion("t1")
	require.NoError(t, err)

	// Point estimate reflects the 1.5x historical ratio: queue delay of
	// the freshly reserved load (0.25 * 8h = 2h) plus 3h adjusted work.
	expectedLead := 2*time.Hour + 3*time.Hour
	assert.WithinDuration(t, time.Now().Add(expectedLead), est.Expected, time.Minute)

	assert.True(t, est.Earliest.Before(est.Expected))
	assert.True(t, est.Latest.After(est.Expected))
	assert.InDelta(t, 0.75, est.Confidence, 1e-9) // 0.5 + 5 samples * 0.05
	require.Len(t, est.Scenarios, 2)
	assert.Equal(t, "best_case", est.Scenarios[0].Name)
	assert.Equal(t, "worst_case", est.Scenarios[1].Name)
}

func TestPredictFlagsUnresolvedDependencies(t *testing.T) {
	a, reg := newTestAllocator(t, DefaultConfig())
	registerWorker(t, reg, "w1", 0, map[string]float64{"research": 0.9})

	allocateOne(t, a, "dep")
	allocateOne(t, a, "t1", "dep")

	est, err := a.PredictCompletion("t1")
	require.NoError(t, err)
	assert.Contains(t, est.RiskFactors, "dependency dep not yet complete")
	assert.Contains(t, est.RiskFactors, "no execution history for required skills")

	require.NoError(t, a.CompleteTask("dep", time.Hour))
	est, err = a.PredictCompletion("t1")
	require.NoError(t, err)
	assert.NotContains(t, est.RiskFactors, "dependency dep not yet complete")
}

func TestPredictWorstCaseDeadlineRisk(t *testing.T) {
	a, reg := newTestAllocator(t, DefaultConfig())
	registerWorker(t, reg, "w1", 0.5, map[string]float64{"research": 0.9})

	// Deadline leaves room for the expected case but not the worst case.
	_, err := a.AllocateTask(context.Background(), types.Task{
		ID:                "t1",
		RequiredSkills:    []string{"research"},
		EstimatedDuration: 2 * time.Hour,
		Deadline:          time.Now().Add(8*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)

	est, err := a.PredictCompletion("t1")
	require.NoError(t, err)
	assert.Contains(t, est.RiskFactors, "worst case misses deadline")
}

func TestPredictUnknownTask(t *testing.T) {
	a, _ := newTestAllocator(t, DefaultConfig())
	_, err := a.PredictCompletion("ghost")
	assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))
}
