package alloc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/registry"
	"github.com/BaSui01/agentcoord/types"
)

// Config holds allocator configuration.
type Config struct {
	// Weights is the scoring weight vector.
	Weights Weights `json:"weights"`

	// CapacityWindow converts task durations into workload fractions.
	CapacityWindow time.Duration `json:"capacity_window"`

	// BalanceThreshold is the workload above which a worker is considered
	// overloaded and a rebalance is warranted.
	BalanceThreshold float64 `json:"balance_threshold"`

	// RebalanceInterval is the periodic rebalance cadence. Zero disables
	// the background trigger; Rebalance may still be called directly.
	RebalanceInterval time.Duration `json:"rebalance_interval"`

	// MaxTimeoutRetries bounds retry-same-worker attempts after timeouts.
	MaxTimeoutRetries int `json:"max_timeout_retries"`

	// RetryBackoff is the delay suggested before a retry recovery.
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// DefaultConfig returns allocator defaults.
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights(),
		CapacityWindow:    8 * time.Hour,
		BalanceThreshold:  0.85,
		RebalanceInterval: 5 * time.Minute,
		MaxTimeoutRetries: 2,
		RetryBackoff:      30 * time.Second,
	}
}

// Allocator assigns tasks to workers, rebalances load, and routes failures
// to recovery. Independent tasks may be allocated concurrently; the
// registry serializes each worker's workload mutation.
type Allocator struct {
	registry  *registry.Registry
	scorer    *Scorer
	optimizer *Optimizer
	predictor *Predictor
	config    Config
	logger    *zap.Logger

	mu          sync.RWMutex
	tasks       map[string]types.Task
	allocations map[string]*types.Allocation // keyed by task ID
	retries     map[string]int               // timeout retries by task ID

	clock func() time.Time
}

// New creates an allocator over the given registry.
func New(reg *registry.Registry, config Config, logger *zap.Logger) (*Allocator, error) {
	if reg == nil {
		return nil, types.NewError(types.ErrValidation, "registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CapacityWindow <= 0 {
		config.CapacityWindow = DefaultConfig().CapacityWindow
	}
	if config.BalanceThreshold <= 0 {
		config.BalanceThreshold = DefaultConfig().BalanceThreshold
	}
	if config.MaxTimeoutRetries == 0 {
		config.MaxTimeoutRetries = DefaultConfig().MaxTimeoutRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}

	scorer, err := NewScorer(config.Weights, config.CapacityWindow)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		registry:    reg,
		scorer:      scorer,
		config:      config,
		logger:      logger.With(zap.String("component", "task_allocator")),
		tasks:       make(map[string]types.Task),
		allocations: make(map[string]*types.Allocation),
		retries:     make(map[string]int),
		clock:       time.Now,
	}
	a.optimizer = NewOptimizer(scorer, config.BalanceThreshold, logger)
	a.predictor = NewPredictor(reg, scorer, logger)
	return a, nil
}

// Predictor returns the completion predictor bound to this allocator.
func (a *Allocator) Predictor() *Predictor { return a.predictor }

// Optimizer returns the distribution optimizer bound to this allocator.
func (a *Allocator) Optimizer() *Optimizer { return a.optimizer }

// AllocateTask scores every eligible worker, selects the best under the
// deterministic tie-break ordering, reserves the workload, and returns the
// created allocation. Fails with NO_ELIGIBLE_WORKER when no worker
// satisfies the hard skill and deadline constraints.
func (a *Allocator) AllocateTask(ctx context.Context, task types.Task) (*types.Allocation, error) {
	if task.ID == "" {
		return nil, types.NewError(types.ErrValidation, "task id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := a.clock()
	scores := a.scoreEligible(task, now)
	if len(scores) == 0 {
		return nil, types.NewErrorf(types.ErrNoEligibleWorker,
			"no worker satisfies skill/deadline constraints for task %q", task.ID)
	}

	load := a.scorer.TaskLoad(task)

	// Walk candidates best-first; a reservation can still lose a race
	// against a concurrent assignment, in which case the next candidate
	// is tried.
	for _, sc := range scores {
		if w, ok := a.registry.Get(sc.WorkerID); !ok || w.FreeBudget()+1e-9 < load {
			continue
		}
		if err := a.registry.Reserve(sc.WorkerID, load); err != nil {
			if types.GetErrorCode(err) == types.ErrBudgetExceeded {
				a.logger.Debug("candidate over budget, trying next",
					zap.String("task_id", task.ID),
					zap.String("worker_id", sc.WorkerID),
				)
				continue
			}
			return nil, err
		}

		worker, _ := a.registry.Get(sc.WorkerID)
		allocation := a.buildAllocation(task, worker, sc, load, now)

		a.mu.Lock()
		a.tasks[task.ID] = task
		a.allocations[task.ID] = allocation
		a.mu.Unlock()

		a.logger.Info("task allocated",
			zap.String("task_id", task.ID),
			zap.String("worker_id", sc.WorkerID),
			zap.Float64("score", sc.Composite),
			zap.Float64("load", load),
		)
		return cloneAllocation(allocation), nil
	}

	return nil, types.NewErrorf(types.ErrNoEligibleWorker,
		"all eligible workers for task %q are over budget", task.ID)
}

// scoreEligible returns scores for workers passing the hard constraints,
// ordered best-first.
func (a *Allocator) scoreEligible(task types.Task, now time.Time) []Score {
	var scores []Score
	for _, w := range a.registry.List() {
		if !a.scorer.Feasible(task, w, now) {
			continue
		}
		scores = append(scores, a.scorer.Score(task, w, now))
	}
	sortScores(scores)
	return scores
}

func (a *Allocator) buildAllocation(task types.Task, worker types.Worker, sc Score, load float64, now time.Time) *types.Allocation {
	deadline := task.Deadline
	expected := a.scorer.ProjectedFinish(task, worker, now)
	if deadline.IsZero() {
		deadline = expected.Add(task.EstimatedDuration)
	}

	return &types.Allocation{
		ID:                 uuid.New().String(),
		TaskID:             task.ID,
		WorkerID:           worker.ID,
		Priority:           task.Priority.Weight(),
		Deadline:           deadline,
		Load:               load,
		Risk:               a.assessRisk(task, worker, sc, expected),
		ExpectedCompletion: expected,
		Rationale: fmt.Sprintf("worker %s selected: %s",
			worker.ID, sc.Explain()),
		Status:    types.AllocationActive,
		CreatedAt: now,
	}
}

// assessRisk grades an allocation from workload pressure, deadline slack,
// and unresolved dependencies.
func (a *Allocator) assessRisk(task types.Task, worker types.Worker, sc Score, expected time.Time) types.RiskAssessment {
	var factors []string
	if worker.Workload > a.config.BalanceThreshold {
		factors = append(factors, "worker near capacity")
	}
	if !task.Deadline.IsZero() && task.Deadline.Sub(expected) < task.EstimatedDuration/2 {
		factors = append(factors, "thin deadline slack")
	}
	a.mu.RLock()
	for _, dep := range task.Dependencies {
		if alloc, ok := a.allocations[dep]; ok && alloc.Status != types.AllocationCompleted {
			factors = append(factors, fmt.Sprintf("dependency %s not yet complete", dep))
		}
	}
	a.mu.RUnlock()
	if sc.Skill < 0.5 {
		factors = append(factors, "weak skill proficiency")
	}

	level := types.RiskLow
	switch {
	case len(factors) >= 3:
		level = types.RiskHigh
	case len(factors) >= 1:
		level = types.RiskMedium
	}
	return types.RiskAssessment{Level: level, Factors: factors}
}

// Allocation returns the current allocation for a task.
func (a *Allocator) Allocation(taskID string) (*types.Allocation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alloc, ok := a.allocations[taskID]
	if !ok {
		return nil, types.NewErrorf(types.ErrTaskNotFound, "no allocation for task %q", taskID)
	}
	return cloneAllocation(alloc), nil
}

// Task returns the stored task definition.
func (a *Allocator) Task(taskID string) (types.Task, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	task, ok := a.tasks[taskID]
	if !ok {
		return types.Task{}, types.NewErrorf(types.ErrTaskNotFound, "task %q not found", taskID)
	}
	return task, nil
}

// ActiveAllocations returns copies of all non-terminal allocations.
func (a *Allocator) ActiveAllocations() []types.Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Allocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		if alloc.Status == types.AllocationActive || alloc.Status == types.AllocationHeld {
			out = append(out, *alloc)
		}
	}
	return out
}

// CompleteTask terminates an allocation, releases the worker's load, and
// records execution feedback.
func (a *Allocator) CompleteTask(taskID string, actual time.Duration) error {
	a.mu.Lock()
	alloc, ok := a.allocations[taskID]
	if !ok {
		a.mu.Unlock()
		return types.NewErrorf(types.ErrTaskNotFound, "no allocation for task %q", taskID)
	}
	task := a.tasks[taskID]
	alloc.Status = types.AllocationCompleted
	workerID, load := alloc.WorkerID, alloc.Load
	delete(a.retries, taskID)
	a.mu.Unlock()

	if err := a.registry.Release(workerID, load); err != nil {
		return err
	}
	if err := a.registry.RecordCompletion(workerID, registry.CompletionRecord{
		TaskID:    taskID,
		Skills:    task.RequiredSkills,
		Estimated: task.EstimatedDuration,
		Actual:    actual,
		At:        a.clock(),
	}); err != nil {
		return err
	}

	a.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID),
		zap.Duration("actual", actual),
	)
	return nil
}

// reassign moves an existing allocation to a new worker, excluding the
// given worker IDs from candidacy. Used by failure recovery.
func (a *Allocator) reassign(taskID string, exclude map[string]bool) (*types.Allocation, error) {
	a.mu.Lock()
	alloc, ok := a.allocations[taskID]
	if !ok {
		a.mu.Unlock()
		return nil, types.NewErrorf(types.ErrTaskNotFound, "no allocation for task %q", taskID)
	}
	task := a.tasks[taskID]
	prevWorker, load := alloc.WorkerID, alloc.Load
	a.mu.Unlock()

	now := a.clock()
	for _, sc := range a.scoreEligible(task, now) {
		if exclude[sc.WorkerID] {
			continue
		}
		if err := a.registry.Reserve(sc.WorkerID, load); err != nil {
			continue
		}
		// Release the failed worker only after the new reservation holds.
		if err := a.registry.Release(prevWorker, load); err != nil {
			a.logger.Warn("release after reassign failed",
				zap.String("worker_id", prevWorker), zap.Error(err))
		}

		worker, _ := a.registry.Get(sc.WorkerID)
		next := a.buildAllocation(task, worker, sc, load, now)
		next.Rationale = fmt.Sprintf("reassigned from %s: %s", prevWorker, sc.Explain())

		a.mu.Lock()
		a.allocations[taskID] = next
		a.mu.Unlock()

		a.logger.Info("task reassigned",
			zap.String("task_id", taskID),
			zap.String("from", prevWorker),
			zap.String("to", sc.WorkerID),
		)
		return cloneAllocation(next), nil
	}
	return nil, types.NewErrorf(types.ErrNoEligibleWorker,
		"no reassignment candidate for task %q", taskID)
}

// markStatus transitions an allocation's lifecycle state.
func (a *Allocator) markStatus(taskID string, status types.AllocationStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[taskID]
	if !ok {
		return types.NewErrorf(types.ErrTaskNotFound, "no allocation for task %q", taskID)
	}
	alloc.Status = status
	return nil
}

// ResolveDependency releases allocations held on the given dependency.
// Holds whose own deadline has already passed are not reactivated; the
// expiry sweep fails them instead.
func (a *Allocator) ResolveDependency(depTaskID string) int {
	now := a.clock()
	a.mu.Lock()
	defer a.mu.Unlock()

	released := 0
	for id, alloc := range a.allocations {
		if alloc.Status != types.AllocationHeld {
			continue
		}
		if !alloc.Deadline.IsZero() && now.After(alloc.Deadline) {
			continue
		}
		task := a.tasks[id]
		for _, dep := range task.Dependencies {
			if dep == depTaskID {
				alloc.Status = types.AllocationActive
				released++
				break
			}
		}
	}
	return released
}

// ExpireHeldAllocations fails every held allocation whose deadline has
// passed and releases its worker's load. Returns the expired task IDs.
// The background loop runs this each tick; callers may also invoke it
// directly.
func (a *Allocator) ExpireHeldAllocations() []string {
	now := a.clock()

	type freed struct {
		workerID string
		load     float64
	}
	var expired []string
	var toRelease []freed

	a.mu.Lock()
	for id, alloc := range a.allocations {
		if alloc.Status != types.AllocationHeld {
			continue
		}
		if alloc.Deadline.IsZero() || now.Before(alloc.Deadline) {
			continue
		}
		alloc.Status = types.AllocationFailed
		delete(a.retries, id)
		expired = append(expired, id)
		toRelease = append(toRelease, freed{alloc.WorkerID, alloc.Load})
	}
	a.mu.Unlock()

	for _, f := range toRelease {
		if err := a.registry.Release(f.workerID, f.load); err != nil {
			a.logger.Warn("release after hold expiry failed",
				zap.String("worker_id", f.workerID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		a.logger.Warn("held allocations expired past their deadline",
			zap.Strings("task_ids", expired))
	}
	return expired
}

// StartRebalanceLoop runs periodic rebalancing and hold-expiry sweeps
// until ctx is canceled.
func (a *Allocator) StartRebalanceLoop(ctx context.Context) {
	if a.config.RebalanceInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(a.config.RebalanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.ExpireHeldAllocations()
				if _, err := a.Rebalance(ctx); err != nil {
					a.logger.Warn("periodic rebalance failed", zap.Error(err))
				}
			}
		}
	}()
}

func sortScores(scores []Score) {
	// Insertion sort keeps the ordering stable and the code free of an
	// extra comparator indirection; candidate sets are small.
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && Better(scores[j], scores[j-1]); j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
}

func cloneAllocation(a *types.Allocation) *types.Allocation {
	out := *a
	out.Risk.Factors = append([]string(nil), a.Risk.Factors...)
	return &out
}
