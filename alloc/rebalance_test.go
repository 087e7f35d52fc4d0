package alloc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/registry"
	"github.com/BaSui01/agentcoord/types"
)

// loadAllocator builds an allocator whose allocations all sit on "hot"
// because "cold" gains the required skill only after allocation.
func loadAllocator(t *testing.T, taskLoads []time.Duration, hotThroughput, coldThroughput float64) (*Allocator, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, zap.NewNop())
	a, err := New(reg, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, reg.Register(types.Worker{
		ID:         "hot",
		Skills:     map[string]float64{"research": 0.9},
		Budget:     1.0,
		Throughput: hotThroughput,
	}))
	require.NoError(t, reg.Register(types.Worker{
		ID:         "cold",
		Skills:     map[string]float64{"ops": 0.9},
		Budget:     1.0,
		Throughput: coldThroughput,
	}))

	for i, d := range taskLoads {
		_, err := a.AllocateTask(context.Background(), types.Task{
			ID:                fmt.Sprintf("t%d", i),
			RequiredSkills:    []string{"research"},
			EstimatedDuration: d,
		})
		require.NoError(t, err)
	}

	// Now teach "cold" the skill so rebalancing can use it.
	require.NoError(t, reg.Register(types.Worker{
		ID:         "cold",
		Skills:     map[string]float64{"ops": 0.9, "research": 0.7},
		Budget:     1.0,
		Throughput: coldThroughput,
	}))
	return a, reg
}

func TestRebalanceMovesLoadOffOverloadedWorker(t *testing.T) {
	// Five tasks of 1.6h each: load 0.2 apiece, total 1.0 on "hot".
	loads := make([]time.Duration, 5)
	for i := range loads {
		loads[i] = 96 * time.Minute
	}
	a, reg := loadAllocator(t, loads, 0, 0)

	require.True(t, a.NeedsRebalance())

	result, err := a.Rebalance(context.Background())
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.NotEmpty(t, result.Moves)

	// Throughput never decreases on an accepted rebalance.
	assert.GreaterOrEqual(t, result.ThroughputAfter, result.ThroughputBefore)

	// No worker ends over budget or threshold.
	for _, w := range reg.List() {
		assert.LessOrEqual(t, w.Workload, w.Budget+1e-9)
		assert.LessOrEqual(t, w.Workload, a.config.BalanceThreshold+1e-9)
	}

	// Moved allocations now reference the new worker.
	moved := 0
	for _, al := range a.ActiveAllocations() {
		if al.WorkerID == "cold" {
			moved++
		}
	}
	assert.Equal(t, len(result.Moves), moved)
	assert.False(t, a.NeedsRebalance())
}

func TestRebalanceNoopWhenBalanced(t *testing.T) {
	a, _ := loadAllocator(t, []time.Duration{96 * time.Minute}, 0, 0)

	result, err := a.Rebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Empty(t, result.Moves)
	assert.Equal(t, "already balanced", result.Reason)
	assert.Equal(t, result.ThroughputBefore, result.ThroughputAfter)
}

func TestRebalanceRejectedWhenThroughputWouldDrop(t *testing.T) {
	// "hot" produces 10x per unit load, "cold" barely anything: shedding
	// load would lower fleet throughput, so the rebalance must be refused.
	loads := []time.Duration{144 * time.Minute, 144 * time.Minute, 144 * time.Minute} // 0.3 each
	a, reg := loadAllocator(t, loads, 10.0, 0.1)

	before := map[string]float64{}
	for _, w := range reg.List() {
		before[w.ID] = w.Workload
	}

	result, err := a.Rebalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrRebalanceRejected, types.GetErrorCode(err))
	require.NotNil(t, result)
	assert.False(t, result.Applied)
	assert.Empty(t, result.Moves)

	// Nothing changed.
	for _, w := range reg.List() {
		assert.Equal(t, before[w.ID], w.Workload)
	}
	for _, al := range a.ActiveAllocations() {
		assert.Equal(t, "hot", al.WorkerID)
	}
}

func TestOptimizerTargetsProportionalToBudget(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights(), 8*time.Hour)
	require.NoError(t, err)
	opt := NewOptimizer(scorer, 0.85, zap.NewNop())

	workers := []types.Worker{
		{ID: "big", Workload: 0.9, Budget: 1.0},
		{ID: "small", Workload: 0.0, Budget: 0.5},
	}
	dist := opt.Compute(workers, nil, nil)

	// Total 0.9 split 2:1 by budget.
	assert.InDelta(t, 0.6, dist.Targets["big"], 1e-9)
	assert.InDelta(t, 0.3, dist.Targets["small"], 1e-9)
	assert.Less(t, dist.TargetVariance, dist.CurrentVariance)
}

func TestOptimizerActionsRespectSkillFeasibility(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights(), 8*time.Hour)
	require.NoError(t, err)
	opt := NewOptimizer(scorer, 0.85, zap.NewNop())

	workers := []types.Worker{
		{ID: "hot", Workload: 0.9, Budget: 1.0, Skills: map[string]float64{"research": 0.9}},
		{ID: "unskilled", Workload: 0.0, Budget: 1.0, Skills: map[string]float64{"ops": 0.9}},
	}
	allocations := []types.Allocation{
		{TaskID: "t1", WorkerID: "hot", Load: 0.45, Status: types.AllocationActive},
		{TaskID: "t2", WorkerID: "hot", Load: 0.45, Status: types.AllocationActive},
	}
	tasks := map[string]types.Task{
		"t1": {ID: "t1", RequiredSkills: []string{"research"}},
		"t2": {ID: "t2", RequiredSkills: []string{"research"}},
	}

	dist := opt.Compute(workers, allocations, tasks)
	// The only other worker lacks the skill: no actions possible.
	assert.Empty(t, dist.Actions)
}

func TestAggregateThroughputPenalizesOverload(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights(), 8*time.Hour)
	require.NoError(t, err)
	opt := NewOptimizer(scorer, 0.85, zap.NewNop())

	workers := []types.Worker{{ID: "w", Workload: 1.0, Budget: 1.0}}
	over := opt.AggregateThroughput(workers, nil)
	balanced := opt.AggregateThroughput(workers, map[string]float64{"w": 0.8})

	// Fully loaded past the threshold yields less than the discount-free rate.
	assert.Less(t, over, 1.0)
	assert.InDelta(t, 0.8, balanced, 1e-9)
}
