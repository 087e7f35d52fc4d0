package alloc

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/registry"
	"github.com/BaSui01/agentcoord/types"
)

// Move records one applied reassignment inside a rebalance.
type Move struct {
	TaskID     string  `json:"task_id"`
	FromWorker string  `json:"from_worker"`
	ToWorker   string  `json:"to_worker"`
	Load       float64 `json:"load"`
}

// RebalancingResult reports a rebalance attempt: per-worker workload
// before and after, the applied moves, and the predicted throughput delta.
// A rebalance whose delta would be negative is rejected, not applied.
type RebalancingResult struct {
	Applied          bool               `json:"applied"`
	Reason           string             `json:"reason,omitempty"`
	Before           map[string]float64 `json:"before"`
	After            map[string]float64 `json:"after"`
	Moves            []Move             `json:"moves"`
	ThroughputBefore float64            `json:"throughput_before"`
	ThroughputAfter  float64            `json:"throughput_after"`
	ThroughputDelta  float64            `json:"throughput_delta"`
}

// NeedsRebalance reports whether any worker is over the balance threshold.
func (a *Allocator) NeedsRebalance() bool {
	return len(a.registry.Overloaded(a.config.BalanceThreshold)) > 0
}

// Rebalance takes a consistent workload snapshot, computes the optimizer's
// target distribution, and applies the minimum set of moves bringing every
// worker within the balance threshold, atomically or not at all. Moves
// that would reduce aggregate throughput are rejected.
func (a *Allocator) Rebalance(ctx context.Context) (*RebalancingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	workers := a.registry.List()

	a.mu.RLock()
	allocations := make([]types.Allocation, 0, len(a.allocations))
	tasks := make(map[string]types.Task, len(a.tasks))
	for id, al := range a.allocations {
		allocations = append(allocations, *al)
		tasks[id] = a.tasks[id]
	}
	a.mu.RUnlock()

	result := &RebalancingResult{
		Before: make(map[string]float64, len(workers)),
		After:  make(map[string]float64, len(workers)),
	}
	for _, w := range workers {
		result.Before[w.ID] = w.Workload
		result.After[w.ID] = w.Workload
	}
	result.ThroughputBefore = a.optimizer.AggregateThroughput(workers, nil)

	dist := a.optimizer.Compute(workers, allocations, tasks)

	// Keep only the moves needed to bring every worker under threshold.
	projected := make(map[string]float64, len(workers))
	for _, w := range workers {
		projected[w.ID] = w.Workload
	}
	var moves []Move
	for _, action := range dist.Actions {
		if projected[action.FromWorker] <= a.config.BalanceThreshold+1e-9 {
			continue
		}
		moves = append(moves, Move{
			TaskID:     action.TaskID,
			FromWorker: action.FromWorker,
			ToWorker:   action.ToWorker,
			Load:       action.Load,
		})
		projected[action.FromWorker] -= action.Load
		projected[action.ToWorker] += action.Load
	}

	if len(moves) == 0 {
		result.Applied = true
		result.Reason = "already balanced"
		result.ThroughputAfter = result.ThroughputBefore
		return result, nil
	}

	result.ThroughputAfter = a.optimizer.AggregateThroughput(workers, projected)
	result.ThroughputDelta = result.ThroughputAfter - result.ThroughputBefore
	result.Moves = moves

	if result.ThroughputDelta < 0 {
		result.Applied = false
		result.Reason = "rejected: rebalance would reduce aggregate throughput"
		result.ThroughputAfter = result.ThroughputBefore
		result.ThroughputDelta = 0
		result.Moves = nil
		a.logger.Warn("rebalance rejected",
			zap.Int("candidate_moves", len(moves)),
		)
		return result, types.NewError(types.ErrRebalanceRejected,
			"rebalance would reduce aggregate throughput")
	}

	batch := make([]registry.WorkloadMove, len(moves))
	for i, m := range moves {
		batch[i] = registry.WorkloadMove{FromWorker: m.FromWorker, ToWorker: m.ToWorker, Load: m.Load}
	}
	if err := a.registry.ApplyMoves(batch); err != nil {
		result.Applied = false
		result.Reason = "apply failed: " + err.Error()
		return result, err
	}

	a.mu.Lock()
	for _, m := range moves {
		if al, ok := a.allocations[m.TaskID]; ok {
			al.WorkerID = m.ToWorker
			al.Rationale = "rebalanced from " + m.FromWorker
		}
	}
	a.mu.Unlock()

	for id, load := range projected {
		result.After[id] = load
	}
	result.Applied = true

	a.logger.Info("rebalance applied",
		zap.Int("moves", len(moves)),
		zap.Float64("throughput_delta", result.ThroughputDelta),
	)
	return result, nil
}
