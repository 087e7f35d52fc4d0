package alloc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/types"
)

// RecoveryStrategy names how a failed task is recovered.
type RecoveryStrategy string

const (
	StrategyRetrySameWorker   RecoveryStrategy = "retry_same_worker"
	StrategyReassign          RecoveryStrategy = "reassign"
	StrategyRetryAfterBackoff RecoveryStrategy = "retry_after_backoff"
	StrategyHold              RecoveryStrategy = "hold"
	StrategyFailFast          RecoveryStrategy = "fail_fast"
	StrategyEscalate          RecoveryStrategy = "escalate"
)

// MonitoringPlan tells ops what to watch while a recovery plays out.
type MonitoringPlan struct {
	Metrics         []string           `json:"metrics"`
	AlertThresholds map[string]float64 `json:"alert_thresholds"`
	ReportEvery     time.Duration      `json:"report_every"`
}

// FailureRecovery is the outcome of handling one failure.
type FailureRecovery struct {
	TaskID            string            `json:"task_id"`
	FailureKind       types.FailureKind `json:"failure_kind"`
	Strategy          RecoveryStrategy  `json:"strategy"`
	NewWorkerID       string            `json:"new_worker_id,omitempty"`
	RetryAfter        time.Duration     `json:"retry_after,omitempty"`
	EstimatedRecovery time.Duration     `json:"estimated_recovery"`
	Monitoring        MonitoringPlan    `json:"monitoring"`
	Notes             string            `json:"notes,omitempty"`
}

// HandleTaskFailure classifies the failure and applies the recovery
// strategy for its kind:
//
//	resource_insufficient → reassign to a worker with free budget, else
//	                        retry after backoff
//	timeout               → retry same worker up to the configured cap,
//	                        else reassign
//	agent_unavailable     → immediate reassign
//	skill_mismatch        → fail fast; a planning error upstream, never retried
//	dependency_failed     → hold until the dependency resolves or the
//	                        task's own deadline expires
func (a *Allocator) HandleTaskFailure(ctx context.Context, failure types.Failure) (*FailureRecovery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	alloc, ok := a.allocations[failure.TaskID]
	a.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrTaskNotFound,
			"no allocation for failed task %q", failure.TaskID)
	}

	a.logger.Warn("handling task failure",
		zap.String("task_id", failure.TaskID),
		zap.String("worker_id", failure.WorkerID),
		zap.String("kind", string(failure.Kind)),
		zap.String("urgency", string(failure.Urgency)),
	)

	recovery := &FailureRecovery{
		TaskID:      failure.TaskID,
		FailureKind: failure.Kind,
		Monitoring:  a.monitoringPlan(failure),
	}

	switch failure.Kind {
	case types.FailureResourceInsufficient:
		a.recoverResourceInsufficient(failure, recovery)
	case types.FailureTimeout:
		a.recoverTimeout(failure, recovery)
	case types.FailureAgentUnavailable:
		a.recoverUnavailable(failure, recovery)
	case types.FailureSkillMismatch:
		// A skill mismatch means planning assigned the wrong worker; the
		// requester must re-plan, so the allocation terminates here.
		_ = a.markStatus(failure.TaskID, types.AllocationFailed)
		_ = a.registry.Release(alloc.WorkerID, alloc.Load)
		recovery.Strategy = StrategyFailFast
		recovery.Notes = "skill mismatch indicates an upstream planning error; not retried"
	case types.FailureDependencyFailed:
		_ = a.markStatus(failure.TaskID, types.AllocationHeld)
		recovery.Strategy = StrategyHold
		recovery.RetryAfter = time.Until(alloc.Deadline)
		recovery.EstimatedRecovery = recovery.RetryAfter
		recovery.Notes = "held until dependency resolves or the task deadline expires"
	default:
		return nil, types.NewErrorf(types.ErrValidation,
			"unknown failure kind %q", failure.Kind)
	}

	return recovery, nil
}

func (a *Allocator) recoverResourceInsufficient(failure types.Failure, recovery *FailureRecovery) {
	next, err := a.reassign(failure.TaskID, map[string]bool{failure.WorkerID: true})
	if err == nil {
		recovery.Strategy = StrategyReassign
		recovery.NewWorkerID = next.WorkerID
		recovery.EstimatedRecovery = time.Until(next.ExpectedCompletion)
		return
	}
	recovery.Strategy = StrategyRetryAfterBackoff
	recovery.RetryAfter = a.config.RetryBackoff
	recovery.EstimatedRecovery = a.config.RetryBackoff
	recovery.Notes = "no worker with free budget; retry on the same worker after backoff"
}

func (a *Allocator) recoverTimeout(failure types.Failure, recovery *FailureRecovery) {
	a.mu.Lock()
	a.retries[failure.TaskID]++
	attempts := a.retries[failure.TaskID]
	a.mu.Unlock()

	if attempts <= a.config.MaxTimeoutRetries {
		recovery.Strategy = StrategyRetrySameWorker
		recovery.NewWorkerID = failure.WorkerID
		recovery.RetryAfter = a.config.RetryBackoff
		recovery.EstimatedRecovery = a.config.RetryBackoff
		recovery.Notes = fmt.Sprintf("timeout retry %d of %d on the same worker",
			attempts, a.config.MaxTimeoutRetries)
		return
	}
	a.recoverUnavailable(failure, recovery)
	recovery.Notes = "timeout retries exhausted; reassigned"
}

func (a *Allocator) recoverUnavailable(failure types.Failure, recovery *FailureRecovery) {
	next, err := a.reassign(failure.TaskID, map[string]bool{failure.WorkerID: true})
	if err != nil {
		recovery.Strategy = StrategyEscalate
		recovery.Notes = "no reassignment candidate; escalated to the operator"
		recovery.EstimatedRecovery = 0
		return
	}
	recovery.Strategy = StrategyReassign
	recovery.NewWorkerID = next.WorkerID
	recovery.EstimatedRecovery = time.Until(next.ExpectedCompletion)
}

// monitoringPlan derives metrics to watch and reporting cadence from the
// failure's urgency.
func (a *Allocator) monitoringPlan(failure types.Failure) MonitoringPlan {
	cadence := 5 * time.Minute
	switch failure.Urgency {
	case types.UrgencyCritical:
		cadence = 30 * time.Second
	case types.UrgencyHigh:
		cadence = time.Minute
	}

	return MonitoringPlan{
		Metrics: []string{
			"task_retry_count",
			"worker_workload{worker=" + failure.WorkerID + "}",
			"allocation_age_seconds",
		},
		AlertThresholds: map[string]float64{
			"task_retry_count": float64(a.config.MaxTimeoutRetries),
			"worker_workload":  a.config.BalanceThreshold,
		},
		ReportEvery: cadence,
	}
}
