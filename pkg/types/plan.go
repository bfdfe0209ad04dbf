package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Action types a response plan may contain.
const (
	ActionDoNothing         = "do_nothing"
	ActionRequestGeneration = "request_generation"
	ActionSendMessage       = "send_message"
	ActionSendReply         = "send_reply"
	ActionStartAgentJob     = "start_agent_job"
	ActionRequestApproval   = "request_approval"
	ActionNotify            = "notify"
	ActionWriteExternal     = "write_external"
	ActionStartJob          = "start_job"
)

// Action is one discrete step of a response plan.
type Action struct {
	Type     string         `json:"type"`
	ActionID string         `json:"action_id"`
	Target   map[string]any `json:"target,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// PolicyDecision records one pipeline stage's verdict inside a plan.
type PolicyDecision struct {
	Stage      string `json:"stage"`
	Result     string `json:"result"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// ResponsePlan is the deterministic outcome of processing one event.
type ResponsePlan struct {
	V               int              `json:"v"`
	PlanID          string           `json:"plan_id"`
	TenantID        string           `json:"tenant_id"`
	RoomID          string           `json:"room_id"`
	Actions         []Action         `json:"actions"`
	PolicyDecisions []PolicyDecision `json:"policy_decisions,omitempty"`
	Debug           map[string]any   `json:"debug,omitempty"`
}

// PlanID derives the deterministic plan identifier for (tenant, event).
// The tuple members are NUL-joined before hashing so no two distinct tuples
// collide on concatenation.
func PlanID(tenantID, eventID string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	return "plan_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ActionID derives the deterministic action identifier within a plan.
func ActionID(planID, kind string, index int) string {
	h := sha256.New()
	h.Write([]byte(planID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	return "act_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// DoNothingPlan builds the single-action no-op plan used for denials and
// ignored events. The reason code travels in the action payload.
func DoNothingPlan(tenantID, roomID, eventID, reasonCode string) ResponsePlan {
	planID := PlanID(tenantID, eventID)
	return ResponsePlan{
		V:        ContractVersion,
		PlanID:   planID,
		TenantID: tenantID,
		RoomID:   roomID,
		Actions: []Action{{
			Type:     ActionDoNothing,
			ActionID: ActionID(planID, ActionDoNothing, 0),
			Payload:  map[string]any{"reason_code": reasonCode},
		}},
	}
}
