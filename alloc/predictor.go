package alloc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/registry"
	"github.com/BaSui01/agentcoord/types"
)

// Scenario is one alternative completion outcome.
type Scenario struct {
	Name       string    `json:"name"`
	Completion time.Time `json:"completion"`
}

// CompletionEstimate is a point estimate with a confidence interval,
// named risk factors, and alternative scenarios.
type CompletionEstimate struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`

	Expected time.Time `json:"expected"`
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`

	// Confidence is in [0,1], grown by the depth of relevant history.
	Confidence float64 `json:"confidence"`

	RiskFactors []string   `json:"risk_factors,omitempty"`
	Scenarios   []Scenario `json:"scenarios"`
}

// Predictor estimates completion for an allocation from the worker's
// historical accuracy on similar skill sets and its current queue depth.
type Predictor struct {
	registry *registry.Registry
	scorer   *Scorer
	logger   *zap.Logger

	clock func() time.Time
}

// NewPredictor creates a completion predictor.
func NewPredictor(reg *registry.Registry, scorer *Scorer, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{
		registry: reg,
		scorer:   scorer,
		logger:   logger.With(zap.String("component", "completion_predictor")),
		clock:    time.Now,
	}
}

// Predict estimates completion time for the allocation of task on its
// assigned worker. unresolvedDeps names dependency tasks not yet complete;
// each becomes a risk factor.
func (p *Predictor) Predict(allocation types.Allocation, task types.Task, unresolvedDeps []string) (*CompletionEstimate, error) {
	worker, ok := p.registry.Get(allocation.WorkerID)
	if !ok {
		return nil, types.NewErrorf(types.ErrWorkerNotFound,
			"worker %q not registered", allocation.WorkerID)
	}

	history, err := p.registry.History(worker.ID)
	if err != nil {
		return nil, err
	}
	ratio, samples := accuracyRatio(history, task.RequiredSkills)

	now := p.clock()
	adjusted := time.Duration(float64(task.EstimatedDuration) * ratio)
	queueDelay := time.Duration(worker.Workload * float64(p.scorer.capacityWindow))

	est := &CompletionEstimate{
		TaskID:   task.ID,
		WorkerID: worker.ID,
		Expected: now.Add(queueDelay + adjusted),
		Earliest: now.Add(time.Duration(float64(adjusted) * 0.8)),
		Latest:   now.Add(queueDelay + time.Duration(float64(adjusted)*1.5)),
		// Half a point of confidence for the model, the rest earned by
		// relevant samples (saturating at 10).
		Confidence: 0.5 + 0.05*float64(min(samples, 10)),
	}

	for _, dep := range unresolvedDeps {
		est.RiskFactors = append(est.RiskFactors, fmt.Sprintf("dependency %s not yet complete", dep))
	}
	if worker.Workload > worker.Budget*0.9 {
		est.RiskFactors = append(est.RiskFactors, "worker queue near budget")
	}
	if !task.Deadline.IsZero() && est.Latest.After(task.Deadline) {
		est.RiskFactors = append(est.RiskFactors, "worst case misses deadline")
	}
	if samples == 0 {
		est.RiskFactors = append(est.RiskFactors, "no execution history for required skills")
	}

	est.Scenarios = []Scenario{
		{Name: "best_case", Completion: est.Earliest},
		{Name: "worst_case", Completion: est.Latest},
	}

	return est, nil
}

// PredictCompletion assembles predictor inputs for a live allocation,
// including its unresolved dependencies.
func (a *Allocator) PredictCompletion(taskID string) (*CompletionEstimate, error) {
	a.mu.RLock()
	alloc, ok := a.allocations[taskID]
	if !ok {
		a.mu.RUnlock()
		return nil, types.NewErrorf(types.ErrTaskNotFound, "no allocation for task %q", taskID)
	}
	task := a.tasks[taskID]
	var unresolved []string
	for _, dep := range task.Dependencies {
		depAlloc, ok := a.allocations[dep]
		if !ok || depAlloc.Status != types.AllocationCompleted {
			unresolved = append(unresolved, dep)
		}
	}
	allocation := *alloc
	a.mu.RUnlock()

	return a.predictor.Predict(allocation, task, unresolved)
}

// accuracyRatio is the mean actual/estimated duration over records that
// share a skill with the task, falling back to all records, then to 1.
func accuracyRatio(history []registry.CompletionRecord, skills []string) (float64, int) {
	skillSet := make(map[string]bool, len(skills))
	for _, s := range skills {
		skillSet[s] = true
	}

	ratioOver := func(recs []registry.CompletionRecord) (float64, int) {
		var sum float64
		n := 0
		for _, r := range recs {
			if r.Estimated <= 0 || r.Actual <= 0 {
				continue
			}
			sum += float64(r.Actual) / float64(r.Estimated)
			n++
		}
		if n == 0 {
			return 1, 0
		}
		return sum / float64(n), n
	}

	var relevant []registry.CompletionRecord
	for _, r := range history {
		for _, s := range r.Skills {
			if skillSet[s] {
				relevant = append(relevant, r)
				break
			}
		}
	}
	if len(relevant) > 0 {
		return ratioOver(relevant)
	}
	return ratioOver(history)
}
