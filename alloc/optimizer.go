package alloc

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/types"
)

// ImprovementAction is one suggested reassignment, ranked by expected
// effect, with a confidence grade.
type ImprovementAction struct {
	Description string  `json:"description"`
	TaskID      string  `json:"task_id"`
	FromWorker  string  `json:"from_worker"`
	ToWorker    string  `json:"to_worker"`
	Load        float64 `json:"load"`
	Confidence  float64 `json:"confidence"`
}

// TargetDistribution is the optimizer's output: per-worker target workload
// plus a ranked list of moves that approach it.
type TargetDistribution struct {
	// Targets maps worker ID to target workload.
	Targets map[string]float64 `json:"targets"`

	// CurrentVariance is the workload variance before any move.
	CurrentVariance float64 `json:"current_variance"`

	// TargetVariance is the variance the targets would reach.
	TargetVariance float64 `json:"target_variance"`

	// Actions is the ranked improvement plan.
	Actions []ImprovementAction `json:"actions"`
}

// Optimizer computes a balanced target workload distribution subject to
// skill feasibility. It is read-only: applying moves is the rebalancer's
// job.
type Optimizer struct {
	scorer    *Scorer
	threshold float64
	logger    *zap.Logger
}

// NewOptimizer creates a distribution optimizer.
func NewOptimizer(scorer *Scorer, threshold float64, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		scorer:    scorer,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "distribution_optimizer")),
	}
}

// Compute derives the target distribution for the given fleet snapshot.
// Targets share total load proportionally to budget, capped per budget;
// actions move allocations from overloaded workers to skill-feasible
// underloaded ones, largest relief first.
func (o *Optimizer) Compute(workers []types.Worker, allocations []types.Allocation, tasks map[string]types.Task) TargetDistribution {
	dist := TargetDistribution{Targets: make(map[string]float64, len(workers))}
	if len(workers) == 0 {
		return dist
	}

	var totalLoad, totalBudget float64
	for _, w := range workers {
		totalLoad += w.Workload
		totalBudget += w.Budget
	}
	for _, w := range workers {
		target := 0.0
		if totalBudget > 0 {
			target = totalLoad * w.Budget / totalBudget
		}
		dist.Targets[w.ID] = math.Min(target, w.Budget)
	}

	dist.CurrentVariance = workloadVariance(workers, nil)
	dist.TargetVariance = workloadVariance(workers, dist.Targets)

	dist.Actions = o.planActions(workers, allocations, tasks, dist.Targets)
	return dist
}

// planActions proposes moves for workers above their target, preferring
// the largest surplus and the most underloaded feasible destination.
func (o *Optimizer) planActions(workers []types.Worker, allocations []types.Allocation, tasks map[string]types.Task, targets map[string]float64) []ImprovementAction {
	byID := make(map[string]types.Worker, len(workers))
	projected := make(map[string]float64, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
		projected[w.ID] = w.Workload
	}

	byWorker := make(map[string][]types.Allocation)
	for _, al := range allocations {
		if al.Status == types.AllocationActive {
			byWorker[al.WorkerID] = append(byWorker[al.WorkerID], al)
		}
	}

	// Stable order: most loaded donor first.
	donors := make([]string, 0, len(workers))
	for _, w := range workers {
		donors = append(donors, w.ID)
	}
	sort.SliceStable(donors, func(i, j int) bool {
		return projected[donors[i]] > projected[donors[j]]
	})

	var actions []ImprovementAction
	for _, donor := range donors {
		surplus := projected[donor] - targets[donor]
		if surplus <= 1e-9 {
			continue
		}

		// Smallest allocations first: shedding them reaches the target
		// with the fewest disturbed tasks left behind.
		allocs := byWorker[donor]
		sort.SliceStable(allocs, func(i, j int) bool { return allocs[i].Load < allocs[j].Load })

		for _, al := range allocs {
			if projected[donor] <= targets[donor]+1e-9 {
				break
			}
			task, ok := tasks[al.TaskID]
			if !ok {
				continue
			}
			dest := o.bestDestination(task, al.Load, donor, workers, projected, targets)
			if dest == "" {
				continue
			}

			gap := projected[donor] - projected[dest]
			actions = append(actions, ImprovementAction{
				Description: fmt.Sprintf("move task %s from %s (%.2f) to %s (%.2f)",
					al.TaskID, donor, projected[donor], dest, projected[dest]),
				TaskID:     al.TaskID,
				FromWorker: donor,
				ToWorker:   dest,
				Load:       al.Load,
				Confidence: clamp01(gap), // larger imbalance, higher confidence
			})
			projected[donor] -= al.Load
			projected[dest] += al.Load
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Confidence > actions[j].Confidence
	})
	return actions
}

// bestDestination picks the least-loaded worker that holds the task's
// skills and stays under budget and threshold after absorbing the load.
func (o *Optimizer) bestDestination(task types.Task, load float64, donor string, workers []types.Worker, projected, targets map[string]float64) string {
	best := ""
	bestLoad := math.Inf(1)
	for _, w := range workers {
		if w.ID == donor || !w.HasSkills(task.RequiredSkills) {
			continue
		}
		after := projected[w.ID] + load
		if after > w.Budget+1e-9 || after > o.threshold+1e-9 {
			continue
		}
		if projected[w.ID] < bestLoad {
			bestLoad = projected[w.ID]
			best = w.ID
		}
	}
	return best
}

// AggregateThroughput models fleet throughput for a hypothetical workload
// assignment: per-worker base rate scaled by utilization, discounted past
// the overload threshold.
func (o *Optimizer) AggregateThroughput(workers []types.Worker, workloads map[string]float64) float64 {
	var total float64
	for _, w := range workers {
		load := w.Workload
		if workloads != nil {
			if v, ok := workloads[w.ID]; ok {
				load = v
			}
		}
		base := w.Throughput
		if base <= 0 {
			base = 1 // no history yet; assume a unit rate
		}
		utilization := 0.0
		if w.Budget > 0 {
			utilization = math.Min(load/w.Budget, 1)
		}
		contribution := base * utilization
		if load > o.threshold {
			contribution *= 1 - (load - o.threshold)
		}
		total += contribution
	}
	return total
}

// workloadVariance computes variance of worker workloads; when override is
// non-nil its values replace the live workloads.
func workloadVariance(workers []types.Worker, override map[string]float64) float64 {
	if len(workers) == 0 {
		return 0
	}
	loads := make([]float64, 0, len(workers))
	var sum float64
	for _, w := range workers {
		load := w.Workload
		if override != nil {
			if v, ok := override[w.ID]; ok {
				load = v
			}
		}
		loads = append(loads, load)
		sum += load
	}
	mean := sum / float64(len(loads))
	var v float64
	for _, l := range loads {
		v += (l - mean) * (l - mean)
	}
	return v / float64(len(loads))
}
