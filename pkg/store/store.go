// Package store persists all pipeline decision state: idempotency entries,
// room concurrency state, pending generations, tenant rate buckets, job and
// approval state machines, and the action-result ledger. Two interchangeable
// backends exist: an in-process map store and an embedded SQLite file. The
// pipeline serializes composite read-then-write steps with its own hold, so
// backends only need per-operation atomicity.
package store

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/pkg/types"
)

// RoomState tracks per-(tenant, room) concurrency and pacing state.
type RoomState struct {
	Generating       bool       `json:"generating"`
	PendingQueueSize int        `json:"pending_queue_size"`
	LastSendAt       *time.Time `json:"last_send_at,omitempty"`
}

// PendingGeneration is the outstanding request_generation action for a room.
// It is created when the pipeline emits the action and consumed when the
// matching generation result arrives.
type PendingGeneration struct {
	TenantID string `json:"tenant_id"`
	RoomID   string `json:"room_id"`
	ActionID string `json:"action_id"`
	ReplyTo  string `json:"reply_to,omitempty"`
	Intent   string `json:"intent"`
}

// JobState is the stored view of one agent job.
type JobState struct {
	Status     string    `json:"status"`
	ReasonCode string    `json:"reason_code,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ApprovalState is the stored view of one approval request.
type ApprovalState struct {
	Status     string    `json:"status"`
	ReasonCode string    `json:"reason_code,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActionContext lets action-result ingestion recover the plan an action
// belongs to. Populated when a plan is stored.
type ActionContext struct {
	PlanID     string `json:"plan_id"`
	ActionType string `json:"action_type"`
	RoomID     string `json:"room_id"`
}

// ActionResultRecord is one entry of the action-result ledger, idempotent on
// (tenant, plan, action).
type ActionResultRecord struct {
	TenantID           string `json:"tenant_id"`
	PlanID             string `json:"plan_id"`
	ActionID           string `json:"action_id"`
	Status             string `json:"status"`
	TS                 string `json:"ts"`
	ProviderMessageID  string `json:"provider_message_id,omitempty"`
	ReasonCode         string `json:"reason_code,omitempty"`
	Error              string `json:"error,omitempty"`
	PayloadFingerprint string `json:"payload_fingerprint"`
}

// IngestOutcome classifies an action-result insert attempt.
type IngestOutcome string

const (
	IngestInserted  IngestOutcome = "inserted"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestConflict  IngestOutcome = "conflict"
)

// IngestResult carries the outcome plus, for duplicates and conflicts, the
// record already on file.
type IngestResult struct {
	Outcome  IngestOutcome
	Existing *ActionResultRecord
}

// Store is the persistence boundary used by the pipeline. Every operation is
// atomic per key; updated_at stamps come from the store, not the caller.
type Store interface {
	GetIdempotency(ctx context.Context, tenantID, eventID string) (*types.ResponsePlan, error)
	// SaveIdempotency is insert-if-absent: the first writer wins and the
	// stored plan is never replaced. It also records the raw event payload
	// and indexes every action of the plan.
	SaveIdempotency(ctx context.Context, tenantID, eventID string, plan types.ResponsePlan, rawEvent []byte) error

	GetEventPayload(ctx context.Context, tenantID, eventID string) (string, error)
	SaveEventPayload(ctx context.Context, tenantID, eventID, fingerprint string) error

	GetRoom(ctx context.Context, tenantID, roomID string) (RoomState, error)
	SaveRoom(ctx context.Context, tenantID, roomID string, state RoomState) error

	TenantRateCount(ctx context.Context, tenantID string, bucket int64) (int, error)
	IncrementTenantRate(ctx context.Context, tenantID string, bucket int64) error

	SavePending(ctx context.Context, tenantID, actionID string, p PendingGeneration) error
	// TakePending removes and returns the pending entry atomically, or nil
	// when absent.
	TakePending(ctx context.Context, tenantID, actionID string) (*PendingGeneration, error)

	SaveJobState(ctx context.Context, tenantID, jobID, status, reasonCode string) error
	GetJobState(ctx context.Context, tenantID, jobID string) (*JobState, error)
	SaveApprovalState(ctx context.Context, tenantID, approvalID, status, reasonCode string) error
	GetApprovalState(ctx context.Context, tenantID, approvalID string) (*ApprovalState, error)

	GetActionContext(ctx context.Context, tenantID, actionID string) (*ActionContext, error)
	IngestActionResult(ctx context.Context, rec ActionResultRecord) (IngestResult, error)
	GetActionResult(ctx context.Context, tenantID, planID, actionID string) (*ActionResultRecord, error)

	Close() error
}

// MinuteBucket floors a wall-clock instant to the gate's rate window.
func MinuteBucket(now time.Time) int64 {
	return now.Unix() / 60
}
