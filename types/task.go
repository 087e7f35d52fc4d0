package types

import "time"

// PriorityTier classifies how urgent a task is.
type PriorityTier string

const (
	PriorityHigh   PriorityTier = "high"
	PriorityMedium PriorityTier = "medium"
	PriorityLow    PriorityTier = "low"
)

// Weight maps the tier to the numeric priority carried on an allocation.
func (p PriorityTier) Weight() float64 {
	switch p {
	case PriorityHigh:
		return 0.8
	case PriorityLow:
		return 0.2
	default:
		return 0.5
	}
}

// Task is a unit of work to be assigned to a worker. Tasks are immutable
// once created; re-planning supersedes a task with a new one rather than
// mutating it in place.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Description is a human-readable summary of the work.
	Description string `json:"description"`

	// RequiredSkills lists the skills a worker must hold to be eligible.
	RequiredSkills []string `json:"required_skills"`

	// Priority is the urgency tier.
	Priority PriorityTier `json:"priority"`

	// Deadline is the latest acceptable completion time.
	Deadline time.Time `json:"deadline"`

	// EstimatedDuration is the planner's effort estimate.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Dependencies lists task IDs that must complete before this one starts.
	Dependencies []string `json:"dependencies,omitempty"`

	// Collaborators names workers this task is expected to coordinate with.
	Collaborators []string `json:"collaborators,omitempty"`

	// Context carries free-form planner metadata.
	Context map[string]any `json:"context,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}
