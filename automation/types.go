// Package automation implements the Automation and Heartbeat decision
// gateways. A validated run request passes through profile resolution,
// activation, backpressure, budget and approval checks in that order; only a
// request that clears every check reaches the executor.
package automation

import (
	"context"

	"github.com/GoCodeAlone/conductor/profile"
)

// Source names the gateway that produced an outcome.
type Source string

const (
	SourceAutomation Source = "automation"
	SourceHeartbeat  Source = "heartbeat"
)

// Lane is the execution lane a run is scheduled on.
type Lane string

const (
	LaneMain       Lane = "main"
	LaneWorker     Lane = "worker"
	LaneBackground Lane = "background"
)

// Status is the outcome status of a run.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusSkipped  Status = "skipped"
	StatusBlocked  Status = "blocked"
	StatusFailed   Status = "failed"
)

// Skip and block reasons.
const (
	ReasonProfileNotResolved = "profile_not_resolved"
	ReasonPolicyInactive     = "policy_inactive"
	ReasonQueueBackpressure  = "queue_backpressure"
	ReasonBudgetExceeded     = "budget_exceeded"
	ReasonApprovalRequired   = "approval_required"
)

// Failure codes assigned by the gateway when the executor itself breaks.
const (
	FailureExecutorError   = "EXECUTOR_ERROR"
	FailureExecutorTimeout = "EXECUTOR_TIMEOUT"
	FailureExecutorFailed  = "EXECUTOR_FAILED"
)

// DefaultEscalationThreshold applies when escalation is enabled without a
// threshold.
const DefaultEscalationThreshold = 3

// Plan is what an automation run executes.
type Plan struct {
	Prompt        string   `json:"prompt"`
	Steps         []string `json:"steps,omitempty"`
	EstimatedCost *float64 `json:"estimatedCost,omitempty"`
	TimeoutMs     int64    `json:"timeoutMs,omitempty"`
}

// Policy holds the gating and lane-selection knobs of a run.
type Policy struct {
	Active                     *bool    `json:"active,omitempty"`
	ForceRun                   bool     `json:"forceRun,omitempty"`
	QueueDepth                 int      `json:"queueDepth,omitempty"`
	QueueMaxDepth              *int     `json:"queueMaxDepth,omitempty"`
	BudgetRemaining            *float64 `json:"budgetRemaining,omitempty"`
	EstimatedCost              *float64 `json:"estimatedCost,omitempty"`
	RequiresApproval           bool     `json:"requiresApproval,omitempty"`
	ApprovalTicket             string   `json:"approvalTicket,omitempty"`
	DefaultLane                Lane     `json:"defaultLane,omitempty"`
	EscalationEnabled          bool     `json:"escalationEnabled,omitempty"`
	RecentFailureCount         int      `json:"recentFailureCount,omitempty"`
	EscalationFailureThreshold *int     `json:"escalationFailureThreshold,omitempty"`
	EscalationTargetLane       Lane     `json:"escalationTargetLane,omitempty"`
}

// RunRequest asks the automation gateway to run one automation.
type RunRequest struct {
	AutomationID     string   `json:"automationId"`
	RunID            string   `json:"runId"`
	Trigger          string   `json:"trigger"`
	ProfileID        string   `json:"profileId,omitempty"`
	DefaultProfileID string   `json:"defaultProfileId,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	WorkspaceID      string   `json:"workspaceId,omitempty"`
	Plan             Plan     `json:"plan"`
	CapabilityScope  []string `json:"capabilityScope,omitempty"`
	Policy           Policy   `json:"policy"`
}

// TickRequest asks the heartbeat gateway to run one agent heartbeat.
type TickRequest struct {
	AgentID          string   `json:"agentId"`
	RunID            string   `json:"runId"`
	Trigger          string   `json:"trigger"`
	ProfileID        string   `json:"profileId,omitempty"`
	DefaultProfileID string   `json:"defaultProfileId,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	WorkspaceID      string   `json:"workspaceId,omitempty"`
	Checklist        []string `json:"checklist,omitempty"`
	CapabilityScope  []string `json:"capabilityScope,omitempty"`
	TimeoutMs        int64    `json:"timeoutMs,omitempty"`
	Policy           Policy   `json:"policy"`
}

// Failure describes why a run failed.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Outcome is the result of one automation or heartbeat run.
type Outcome struct {
	Source             Source         `json:"source"`
	ID                 string         `json:"id"`
	RunID              string         `json:"runId"`
	Trigger            string         `json:"trigger"`
	Status             Status         `json:"status"`
	Lane               Lane           `json:"lane"`
	Escalated          bool           `json:"escalated"`
	ProfileID          string         `json:"profileId,omitempty"`
	ResolvedScope      profile.Scope  `json:"resolvedScope,omitempty"`
	SessionID          string         `json:"sessionId,omitempty"`
	SkipReason         string         `json:"skipReason,omitempty"`
	BlockReason        string         `json:"blockReason,omitempty"`
	Failure            *Failure       `json:"failure,omitempty"`
	Output             map[string]any `json:"output,omitempty"`
	RetryEligible      bool           `json:"retryEligible"`
	DeadLetterEligible bool           `json:"deadLetterEligible"`
	StartedAtMs        int64          `json:"startedAtMs"`
	FinishedAtMs       int64          `json:"finishedAtMs"`
}

// ExecutionRequest is handed to an executor once every check passed.
type ExecutionRequest struct {
	Source          Source   `json:"source"`
	ID              string   `json:"id"`
	RunID           string   `json:"runId"`
	Trigger         string   `json:"trigger"`
	ProfileID       string   `json:"profileId"`
	Lane            Lane     `json:"lane"`
	SessionID       string   `json:"sessionId,omitempty"`
	WorkspaceID     string   `json:"workspaceId,omitempty"`
	Plan            *Plan    `json:"plan,omitempty"`
	Checklist       []string `json:"checklist,omitempty"`
	CapabilityScope []string `json:"capabilityScope,omitempty"`
}

// ExecutionResult is what an executor reports. Status must be executed or
// failed.
type ExecutionResult struct {
	Status             Status         `json:"status"`
	Output             map[string]any `json:"output,omitempty"`
	Failure            *Failure       `json:"failure,omitempty"`
	RetryEligible      bool           `json:"retryEligible,omitempty"`
	DeadLetterEligible bool           `json:"deadLetterEligible,omitempty"`
}

// Executor runs automation plans.
type Executor interface {
	ExecutePlan(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// HeartbeatExecutor runs heartbeat ticks.
type HeartbeatExecutor interface {
	Tick(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutorFunc adapts a function to both Executor and HeartbeatExecutor.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)

func (f ExecutorFunc) ExecutePlan(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return f(ctx, req)
}

func (f ExecutorFunc) Tick(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return f(ctx, req)
}

// RunLinker records outcomes on the task board. A returned error is fatal
// to the run that produced the outcome.
type RunLinker interface {
	RecordAutomationRun(ctx context.Context, o Outcome) error
	RecordHeartbeatRun(ctx context.Context, o Outcome) error
}
