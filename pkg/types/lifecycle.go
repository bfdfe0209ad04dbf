package types

import (
	"fmt"
	"strings"
	"time"
)

// Job statuses, in lifecycle order. Completed, failed, and cancelled are
// terminal and accept only same-status repeats.
const (
	JobStarted   = "started"
	JobHeartbeat = "heartbeat"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Approval statuses. Approved, rejected, and expired are terminal.
const (
	ApprovalRequested = "requested"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalExpired   = "expired"
)

// Action-result statuses.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// GenerationResult closes the loop on a request_generation action.
type GenerationResult struct {
	V        int     `json:"v"`
	PlanID   string  `json:"plan_id"`
	ActionID string  `json:"action_id"`
	TenantID string  `json:"tenant_id"`
	Text     string  `json:"text"`
	TraceID  *string `json:"trace_id,omitempty"`
}

func (g *GenerationResult) Validate() error {
	if g.V != ContractVersion {
		return &ValidationError{Field: "v", Reason: fmt.Sprintf("must be %d", ContractVersion)}
	}
	if strings.TrimSpace(g.PlanID) == "" {
		return &ValidationError{Field: "plan_id", Reason: "required"}
	}
	if strings.TrimSpace(g.ActionID) == "" {
		return &ValidationError{Field: "action_id", Reason: "required"}
	}
	if strings.TrimSpace(g.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	return nil
}

// CorrelationID is the synthetic idempotency identifier for a generation
// result; the result itself carries no event_id.
func (g *GenerationResult) CorrelationID() string {
	return "gen:" + g.ActionID
}

// JobStatusEvent reports an agent-job transition.
type JobStatusEvent struct {
	V          int    `json:"v"`
	EventID    string `json:"event_id"`
	TenantID   string `json:"tenant_id"`
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code,omitempty"`
	TS         string `json:"ts"`
}

func (j *JobStatusEvent) Validate() error {
	if j.V != ContractVersion {
		return &ValidationError{Field: "v", Reason: fmt.Sprintf("must be %d", ContractVersion)}
	}
	if strings.TrimSpace(j.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if strings.TrimSpace(j.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(j.JobID) == "" {
		return &ValidationError{Field: "job_id", Reason: "required"}
	}
	switch j.Status {
	case JobStarted, JobHeartbeat, JobCompleted, JobFailed, JobCancelled:
	default:
		return &ValidationError{Field: "status", Reason: "unrecognized job status"}
	}
	if _, err := time.Parse(time.RFC3339, j.TS); err != nil {
		return &ValidationError{Field: "ts", Reason: "must be RFC3339"}
	}
	return nil
}

// JobCancelRequest asks for a job to be moved to cancelled.
type JobCancelRequest struct {
	V        int    `json:"v"`
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id"`
	JobID    string `json:"job_id"`
	Reason   string `json:"reason,omitempty"`
}

func (j *JobCancelRequest) Validate() error {
	if j.V != ContractVersion {
		return &ValidationError{Field: "v", Reason: fmt.Sprintf("must be %d", ContractVersion)}
	}
	if strings.TrimSpace(j.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if strings.TrimSpace(j.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(j.JobID) == "" {
		return &ValidationError{Field: "job_id", Reason: "required"}
	}
	return nil
}

// ApprovalEvent reports a human approval decision.
type ApprovalEvent struct {
	V          int    `json:"v"`
	EventID    string `json:"event_id"`
	TenantID   string `json:"tenant_id"`
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code,omitempty"`
	TS         string `json:"ts"`
}

func (a *ApprovalEvent) Validate() error {
	if a.V != ContractVersion {
		return &ValidationError{Field: "v", Reason: fmt.Sprintf("must be %d", ContractVersion)}
	}
	if strings.TrimSpace(a.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if strings.TrimSpace(a.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(a.ApprovalID) == "" {
		return &ValidationError{Field: "approval_id", Reason: "required"}
	}
	switch a.Status {
	case ApprovalRequested, ApprovalApproved, ApprovalRejected, ApprovalExpired:
	default:
		return &ValidationError{Field: "status", Reason: "unrecognized approval status"}
	}
	if _, err := time.Parse(time.RFC3339, a.TS); err != nil {
		return &ValidationError{Field: "ts", Reason: "must be RFC3339"}
	}
	return nil
}

// ActionResultEvent reports the downstream outcome of one planned action.
type ActionResultEvent struct {
	V                 int    `json:"v"`
	EventID           string `json:"event_id"`
	TenantID          string `json:"tenant_id"`
	PlanID            string `json:"plan_id"`
	ActionID          string `json:"action_id"`
	Status            string `json:"status"`
	TS                string `json:"ts"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ReasonCode        string `json:"reason_code,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (r *ActionResultEvent) Validate() error {
	if r.V != ContractVersion {
		return &ValidationError{Field: "v", Reason: fmt.Sprintf("must be %d", ContractVersion)}
	}
	if strings.TrimSpace(r.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(r.PlanID) == "" {
		return &ValidationError{Field: "plan_id", Reason: "required"}
	}
	if strings.TrimSpace(r.ActionID) == "" {
		return &ValidationError{Field: "action_id", Reason: "required"}
	}
	switch r.Status {
	case ResultSucceeded, ResultFailed, ResultSkipped:
	default:
		return &ValidationError{Field: "status", Reason: "unrecognized result status"}
	}
	if _, err := time.Parse(time.RFC3339, r.TS); err != nil {
		return &ValidationError{Field: "ts", Reason: "must be RFC3339"}
	}
	return nil
}

// StateResponse is the read-model shape for job and approval lookups.
type StateResponse struct {
	TenantID   string `json:"tenant_id"`
	ID         string `json:"id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}
