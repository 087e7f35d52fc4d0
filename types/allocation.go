package types

import "time"

// AllocationStatus tracks the lifecycle of an allocation.
type AllocationStatus string

const (
	AllocationActive    AllocationStatus = "active"
	AllocationCompleted AllocationStatus = "completed"
	AllocationFailed    AllocationStatus = "failed"
	AllocationHeld      AllocationStatus = "held"
)

// RiskLevel grades an allocation's risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment summarizes the risk attached to an allocation.
type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Factors []string  `json:"factors,omitempty"`
}

// Allocation binds one task to one worker. Created by the allocator;
// reassigned only by rebalancing or failure recovery.
type Allocation struct {
	// ID is the unique allocation identifier.
	ID string `json:"id"`

	// TaskID references the allocated task.
	TaskID string `json:"task_id"`

	// WorkerID references the assigned worker.
	WorkerID string `json:"worker_id"`

	// Priority is the numeric priority derived from the task tier.
	Priority float64 `json:"priority"`

	// Deadline is the computed completion deadline.
	Deadline time.Time `json:"deadline"`

	// Load is the workload fraction this allocation occupies on the worker.
	Load float64 `json:"load"`

	// Risk is the assessed execution risk.
	Risk RiskAssessment `json:"risk"`

	// ExpectedCompletion is the estimated completion time at assignment.
	ExpectedCompletion time.Time `json:"expected_completion"`

	// Rationale explains why this worker was chosen.
	Rationale string `json:"rationale"`

	// Status is the allocation lifecycle state.
	Status AllocationStatus `json:"status"`

	// CreatedAt is when the allocation was created.
	CreatedAt time.Time `json:"created_at"`
}

// FailureKind enumerates task execution failure classes.
type FailureKind string

const (
	FailureResourceInsufficient FailureKind = "resource_insufficient"
	FailureTimeout              FailureKind = "timeout"
	FailureAgentUnavailable     FailureKind = "agent_unavailable"
	FailureSkillMismatch        FailureKind = "skill_mismatch"
	FailureDependencyFailed     FailureKind = "dependency_failed"
)

// UrgencyLevel grades how quickly a failure must be handled.
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// BlastRadius describes what a failure touched.
type BlastRadius struct {
	Tasks   []string `json:"tasks,omitempty"`
	Workers []string `json:"workers,omitempty"`
	Systems []string `json:"systems,omitempty"`
}

// Failure reports one task execution failure. Consumed once by recovery,
// then archived.
type Failure struct {
	TaskID      string       `json:"task_id"`
	WorkerID    string       `json:"worker_id"`
	At          time.Time    `json:"at"`
	Kind        FailureKind  `json:"kind"`
	BlastRadius BlastRadius  `json:"blast_radius"`
	Urgency     UrgencyLevel `json:"urgency"`
	Detail      string       `json:"detail,omitempty"`
}
