package alloc

import (
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/agentcoord/types"
)

// Weights is the multi-criteria weight vector for allocation scoring.
// The four weights must sum to 1.
type Weights struct {
	Skill         float64 `json:"skill"`
	Resource      float64 `json:"resource"`
	Deadline      float64 `json:"deadline"`
	Collaboration float64 `json:"collaboration"`
}

// DefaultWeights returns the default scoring weight vector.
func DefaultWeights() Weights {
	return Weights{
		Skill:         0.4,
		Resource:      0.25,
		Deadline:      0.2,
		Collaboration: 0.15,
	}
}

// Validate checks that all weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"skill": w.Skill, "resource": w.Resource,
		"deadline": w.Deadline, "collaboration": w.Collaboration,
	} {
		if v < 0 {
			return types.NewErrorf(types.ErrValidation, "weight %s must be non-negative", name)
		}
	}
	sum := w.Skill + w.Resource + w.Deadline + w.Collaboration
	if math.Abs(sum-1) > 1e-6 {
		return types.NewErrorf(types.ErrValidation, "weights must sum to 1, got %.4f", sum)
	}
	return nil
}

// Score is a composite fitness score with its per-criterion breakdown.
type Score struct {
	WorkerID  string  `json:"worker_id"`
	Composite float64 `json:"composite"`

	Skill         float64 `json:"skill"`
	Resource      float64 `json:"resource"`
	Deadline      float64 `json:"deadline"`
	Collaboration float64 `json:"collaboration"`

	// Workload is the worker's current load, kept for tie-breaking.
	Workload float64 `json:"workload"`
	// RegisteredAt is the worker's registration time, the final tie-break.
	RegisteredAt time.Time `json:"registered_at"`
}

// Scorer computes the fitness of a task against a candidate worker.
type Scorer struct {
	weights Weights

	// capacityWindow converts task duration into a workload fraction and
	// models queue delay ahead of a new task.
	capacityWindow time.Duration
}

// NewScorer creates a scorer with the given weights.
func NewScorer(weights Weights, capacityWindow time.Duration) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if capacityWindow <= 0 {
		capacityWindow = 8 * time.Hour
	}
	return &Scorer{weights: weights, capacityWindow: capacityWindow}, nil
}

// TaskLoad converts a task's estimated duration into the workload fraction
// it occupies on a worker, clamped to (0,1].
func (s *Scorer) TaskLoad(task types.Task) float64 {
	if task.EstimatedDuration <= 0 {
		return 0.05
	}
	load := float64(task.EstimatedDuration) / float64(s.capacityWindow)
	return clamp01(load)
}

// ProjectedFinish estimates when the worker would finish the task: current
// queue delay (workload expressed in wall time) plus the task's duration.
func (s *Scorer) ProjectedFinish(task types.Task, worker types.Worker, now time.Time) time.Time {
	queueDelay := time.Duration(worker.Workload * float64(s.capacityWindow))
	return now.Add(queueDelay + task.EstimatedDuration)
}

// Feasible reports whether the worker satisfies the hard constraints:
// full skill coverage and a projected finish before the task deadline.
func (s *Scorer) Feasible(task types.Task, worker types.Worker, now time.Time) bool {
	if !worker.HasSkills(task.RequiredSkills) {
		return false
	}
	if task.Deadline.IsZero() {
		return true
	}
	return !s.ProjectedFinish(task, worker, now).After(task.Deadline)
}

// Score computes the composite fitness of task against worker at time now.
func (s *Scorer) Score(task types.Task, worker types.Worker, now time.Time) Score {
	sc := Score{
		WorkerID:     worker.ID,
		Workload:     worker.Workload,
		RegisteredAt: worker.RegisteredAt,
	}

	sc.Skill = s.skillTerm(task, worker)
	sc.Resource = s.resourceTerm(task, worker)
	sc.Deadline = s.deadlineTerm(task, worker, now)
	sc.Collaboration = s.collaborationTerm(task, worker)

	sc.Composite = s.weights.Skill*sc.Skill +
		s.weights.Resource*sc.Resource +
		s.weights.Deadline*sc.Deadline +
		s.weights.Collaboration*sc.Collaboration
	return sc
}

// skillTerm is the fraction of required skills the worker holds, scaled by
// proficiency. A worker with every skill at full proficiency scores 1.
func (s *Scorer) skillTerm(task types.Task, worker types.Worker) float64 {
	if len(task.RequiredSkills) == 0 {
		return 1
	}
	var sum float64
	for _, skill := range task.RequiredSkills {
		sum += worker.Skills[skill] // absent skill contributes 0
	}
	return clamp01(sum / float64(len(task.RequiredSkills)))
}

// resourceTerm is 1 minus the projected workload after assignment,
// penalizing overcommitment.
func (s *Scorer) resourceTerm(task types.Task, worker types.Worker) float64 {
	projected := worker.Workload + s.TaskLoad(task)
	return clamp01(1 - projected)
}

// deadlineTerm rewards slack before the deadline: 1 when the worker could
// start immediately and finish with the whole window to spare, 0 when the
// projected finish misses the deadline.
func (s *Scorer) deadlineTerm(task types.Task, worker types.Worker, now time.Time) float64 {
	if task.Deadline.IsZero() {
		return 1
	}
	window := task.Deadline.Sub(now)
	if window <= 0 {
		return 0
	}
	finish := s.ProjectedFinish(task, worker, now)
	if finish.After(task.Deadline) {
		return 0
	}
	slack := task.Deadline.Sub(finish)
	return clamp01(float64(slack) / float64(window))
}

// collaborationTerm boosts workers with a declared affinity for the task's
// named collaborators.
func (s *Scorer) collaborationTerm(task types.Task, worker types.Worker) float64 {
	if len(task.Collaborators) == 0 {
		return 0.5 // neutral when the task names no collaborators
	}
	matched := 0
	for _, c := range task.Collaborators {
		if worker.HasAffinity(c) {
			matched++
		}
	}
	return float64(matched) / float64(len(task.Collaborators))
}

// Better reports whether a beats b under the deterministic ordering:
// highest composite, then highest skill term, then lowest workload, then
// earliest registration.
func Better(a, b Score) bool {
	if a.Composite != b.Composite {
		return a.Composite > b.Composite
	}
	if a.Skill != b.Skill {
		return a.Skill > b.Skill
	}
	if a.Workload != b.Workload {
		return a.Workload < b.Workload
	}
	return a.RegisteredAt.Before(b.RegisteredAt)
}

// Explain renders a short human-readable rationale for the score.
func (sc Score) Explain() string {
	return fmt.Sprintf(
		"composite %.3f (skill %.2f, resource %.2f, deadline %.2f, collaboration %.2f)",
		sc.Composite, sc.Skill, sc.Resource, sc.Deadline, sc.Collaboration)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
