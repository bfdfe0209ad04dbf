// Package pipeline orchestrates the decision pipeline: idempotency, gate,
// authorization, planning, state updates, and audit. One Service instance
// serves all tenants; composite store steps run under a single exclusive
// hold, and the authorization call always happens outside it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/pkg/audit"
	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/gate"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/planner"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// Authorizer is the slice of the authz client the pipeline needs.
type Authorizer interface {
	Authorize(ctx context.Context, ev *types.Event) authz.Outcome
}

// AuditLog is the slice of the audit writer the pipeline needs.
type AuditLog interface {
	Append(ctx context.Context, rec audit.Record) (audit.Record, error)
}

// Service runs the decision pipeline and lifecycle ingestion.
type Service struct {
	cfg   config.Config
	store store.Store
	authz Authorizer
	audit AuditLog
	log   *slog.Logger

	// mu is the store-wide hold for composite read-then-write steps. It is
	// never held across the authorization call or audit writes.
	mu    sync.Mutex
	nowFn func() time.Time
}

func NewService(cfg config.Config, st store.Store, az Authorizer, al AuditLog, log *slog.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: st,
		authz: az,
		audit: al,
		log:   log,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the server clock. Test hook.
func (s *Service) SetNowFunc(now func() time.Time) { s.nowFn = now }

// ProcessEvent turns one inbound event into a response plan or a typed
// failure. Audit always happens after durable state is persisted.
func (s *Service) ProcessEvent(ctx context.Context, ev *types.Event) (types.ResponsePlan, error) {
	if err := ev.Validate(); err != nil {
		return types.ResponsePlan{}, types.ErrSchemaInvalid(err.Error())
	}

	incomingFP, err := canonical.Fingerprint(ev)
	if err != nil {
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}

	if plan, handled, err := s.replayOrConflict(ctx, ev.TenantID, ev.EventID, incomingFP, "process_event"); handled {
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.EventsProcessed.WithLabelValues("idempotency_hit").Inc()
		return *plan, nil
	}

	override := ev.ArbiterAction()
	switch override {
	case "", types.ActionRequestGeneration, types.ActionStartAgentJob, types.ActionRequestApproval:
	default:
		metrics.EventsProcessed.WithLabelValues("rejected").Inc()
		return types.ResponsePlan{}, types.ErrActionTypeNotAllowed(override)
	}
	if provider := ev.Provider(); !s.cfg.Governance.ProviderAllowed(provider) {
		metrics.EventsProcessed.WithLabelValues("rejected").Inc()
		return types.ResponsePlan{}, types.ErrProviderNotAllowed(provider)
	}

	now := s.nowFn()
	bucket := store.MinuteBucket(now)

	// Gate under the store hold; a deny persists its do_nothing plan before
	// the hold is released.
	s.mu.Lock()
	if dup, err := s.lostRace(ctx, ev.TenantID, ev.EventID); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	} else if dup {
		s.mu.Unlock()
		return s.replayDuplicate(ctx, ev.TenantID, ev.EventID, incomingFP)
	}
	room, err := s.store.GetRoom(ctx, ev.TenantID, ev.RoomID)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	tenantCount, err := s.store.TenantRateCount(ctx, ev.TenantID, bucket)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	gateResult := gate.Evaluate(room, now, s.cfg.Gate, tenantCount)
	if !gateResult.Allow {
		plan := types.DoNothingPlan(ev.TenantID, ev.RoomID, ev.EventID, gateResult.ReasonCode)
		plan.PolicyDecisions = []types.PolicyDecision{
			{Stage: "gate", Result: "deny", ReasonCode: gateResult.ReasonCode},
		}
		if err := s.persistDecision(ctx, ev, plan, incomingFP); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, err
		}
		s.mu.Unlock()

		metrics.GateDenials.WithLabelValues(gateResult.ReasonCode).Inc()
		metrics.EventsProcessed.WithLabelValues("gate_deny").Inc()
		if err := s.appendAudit(ctx, audit.Record{
			TenantID:      ev.TenantID,
			CorrelationID: ev.EventID,
			Action:        "gate",
			Result:        "deny",
			ReasonCode:    gateResult.ReasonCode,
			PlanID:        plan.PlanID,
			DecisionTrace: map[string]any{
				"gate": map[string]any{"result": "deny", "reason_code": gateResult.ReasonCode},
			},
		}); err != nil {
			return types.ResponsePlan{}, err
		}
		return plan, nil
	}
	s.mu.Unlock()

	// Authorization runs outside the hold; its failures are converted by
	// fail_mode and never surface as HTTP errors.
	authzOutcome := s.authz.Authorize(ctx, ev)
	metrics.AuthzOutcomes.WithLabelValues(decisionLabel(authzOutcome.Allow), authzOutcome.ReasonCode).Inc()
	if !authzOutcome.Allow {
		plan := types.DoNothingPlan(ev.TenantID, ev.RoomID, ev.EventID, authzOutcome.ReasonCode)
		plan.PolicyDecisions = []types.PolicyDecision{
			{Stage: "gate", Result: "allow"},
			{Stage: "authz", Result: "deny", ReasonCode: authzOutcome.ReasonCode},
		}
		s.mu.Lock()
		if dup, err := s.lostRace(ctx, ev.TenantID, ev.EventID); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, types.ErrInternal(err.Error())
		} else if dup {
			s.mu.Unlock()
			return s.replayDuplicate(ctx, ev.TenantID, ev.EventID, incomingFP)
		}
		if err := s.persistDecision(ctx, ev, plan, incomingFP); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, err
		}
		s.mu.Unlock()

		metrics.EventsProcessed.WithLabelValues("authz_deny").Inc()
		if err := s.appendAudit(ctx, audit.Record{
			TenantID:      ev.TenantID,
			CorrelationID: ev.EventID,
			Action:        "authz",
			Result:        "deny",
			ReasonCode:    authzOutcome.ReasonCode,
			PlanID:        plan.PlanID,
			DecisionTrace: s.decisionTrace(gate.Decision{Allow: true}, &authzOutcome, nil),
		}); err != nil {
			return types.ResponsePlan{}, err
		}
		return plan, nil
	}

	plannerOutcome := planner.Plan(ev, s.cfg.Planner)
	plan, pending := s.assemblePlan(ev, plannerOutcome, authzOutcome, now)

	// Re-acquire the hold for the state updates; room state is fetched again
	// since authorization may have taken arbitrarily long. A concurrent
	// duplicate may have persisted while the hold was released; the loser
	// replays the stored plan and must not re-apply room, pending, or rate
	// mutations.
	s.mu.Lock()
	if dup, err := s.lostRace(ctx, ev.TenantID, ev.EventID); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	} else if dup {
		s.mu.Unlock()
		return s.replayDuplicate(ctx, ev.TenantID, ev.EventID, incomingFP)
	}
	if pending != nil {
		room, err = s.store.GetRoom(ctx, ev.TenantID, ev.RoomID)
		if err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, types.ErrInternal(err.Error())
		}
		room.Generating = true
		room.PendingQueueSize++
		if err := s.store.SaveRoom(ctx, ev.TenantID, ev.RoomID, room); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, types.ErrInternal(err.Error())
		}
		if err := s.store.SavePending(ctx, ev.TenantID, pending.ActionID, *pending); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, types.ErrInternal(err.Error())
		}
	}
	if err := s.store.IncrementTenantRate(ctx, ev.TenantID, bucket); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if err := s.persistDecision(ctx, ev, plan, incomingFP); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, err
	}
	s.mu.Unlock()

	metrics.EventsProcessed.WithLabelValues("ok").Inc()
	if err := s.appendAudit(ctx, audit.Record{
		TenantID:      ev.TenantID,
		CorrelationID: ev.EventID,
		Action:        "process_event",
		Result:        "ok",
		ReasonCode:    plan.Actions[0].Type,
		PlanID:        plan.PlanID,
		DecisionTrace: s.decisionTrace(gate.Decision{Allow: true}, &authzOutcome, &plannerOutcome),
	}); err != nil {
		return types.ResponsePlan{}, err
	}
	return plan, nil
}

// assemblePlan shapes the planner intent into a concrete plan. The returned
// PendingGeneration is non-nil only for request_generation plans.
func (s *Service) assemblePlan(ev *types.Event, po planner.Outcome, ao authz.Outcome, now time.Time) (types.ResponsePlan, *store.PendingGeneration) {
	if po.Intent == planner.IntentIgnore {
		plan := types.DoNothingPlan(ev.TenantID, ev.RoomID, ev.EventID, "planner_ignore")
		plan.PolicyDecisions = []types.PolicyDecision{
			{Stage: "gate", Result: "allow"},
			{Stage: "authz", Result: "allow", ReasonCode: ao.ReasonCode},
			{Stage: "planner", Result: "ignore", ReasonCode: po.Intent},
		}
		return plan, nil
	}

	shape := ev.ArbiterAction()
	if shape == "" {
		shape = types.ActionRequestGeneration
	}

	planID := types.PlanID(ev.TenantID, ev.EventID)
	actionID := types.ActionID(planID, shape, 0)
	target := map[string]any{"room_id": ev.RoomID}
	payload := map[string]any{
		"intent":   po.Intent,
		"event_id": ev.EventID,
		"text":     ev.Content.Text,
	}

	var pending *store.PendingGeneration
	switch shape {
	case types.ActionRequestGeneration:
		replyTo, _ := ev.ReplyTo()
		pending = &store.PendingGeneration{
			TenantID: ev.TenantID,
			RoomID:   ev.RoomID,
			ActionID: actionID,
			ReplyTo:  replyTo,
			Intent:   po.Intent,
		}
	case types.ActionStartAgentJob:
		payload["job_id"] = "job:" + ev.EventID
	case types.ActionRequestApproval:
		approvalID := "approval:" + ev.EventID
		expiresAt := now.Add(time.Duration(s.cfg.Planner.ApprovalTimeoutMS) * time.Millisecond).Format(time.RFC3339Nano)
		payload["approval_id"] = approvalID
		payload["expires_at"] = expiresAt
		target["approval_id"] = approvalID
		target["expires_at"] = expiresAt
	}

	return types.ResponsePlan{
		V:        types.ContractVersion,
		PlanID:   planID,
		TenantID: ev.TenantID,
		RoomID:   ev.RoomID,
		Actions: []types.Action{{
			Type:     shape,
			ActionID: actionID,
			Target:   target,
			Payload:  payload,
		}},
		PolicyDecisions: []types.PolicyDecision{
			{Stage: "gate", Result: "allow"},
			{Stage: "authz", Result: "allow", ReasonCode: ao.ReasonCode},
			{Stage: "planner", Result: "allow", ReasonCode: po.Intent},
		},
	}, pending
}

// replayOrConflict handles the idempotency check for any keyed operation.
// handled=true means the caller is done: either plan is the stored replay or
// err is the payload-mismatch conflict (or an audit failure on replay).
func (s *Service) replayOrConflict(ctx context.Context, tenantID, key, incomingFP, action string) (*types.ResponsePlan, bool, error) {
	s.mu.Lock()
	plan, err := s.store.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		s.mu.Unlock()
		return nil, true, types.ErrInternal(err.Error())
	}
	if plan == nil {
		s.mu.Unlock()
		return nil, false, nil
	}
	storedFP, err := s.store.GetEventPayload(ctx, tenantID, key)
	s.mu.Unlock()
	if err != nil {
		return nil, true, types.ErrInternal(err.Error())
	}

	if storedFP != incomingFP {
		return nil, true, types.ErrPayloadMismatch(storedFP, incomingFP)
	}
	if err := s.appendAudit(ctx, audit.Record{
		TenantID:      tenantID,
		CorrelationID: key,
		Action:        action,
		Result:        "idempotency_hit",
		ReasonCode:    "idempotency_hit",
		PlanID:        plan.PlanID,
	}); err != nil {
		return nil, true, err
	}
	return plan, true, nil
}

// lostRace reports whether another request with the same key persisted its
// plan while this one had released the hold. Caller holds the store hold.
func (s *Service) lostRace(ctx context.Context, tenantID, key string) (bool, error) {
	plan, err := s.store.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		return false, err
	}
	return plan != nil, nil
}

// replayDuplicate resolves a lost insert race the same way a straight
// resubmission is resolved: fingerprint check, idempotency_hit audit, stored
// plan returned. Called without the store hold.
func (s *Service) replayDuplicate(ctx context.Context, tenantID, key, incomingFP string) (types.ResponsePlan, error) {
	plan, _, err := s.replayOrConflict(ctx, tenantID, key, incomingFP, "process_event")
	if err != nil {
		return types.ResponsePlan{}, err
	}
	metrics.EventsProcessed.WithLabelValues("idempotency_hit").Inc()
	return *plan, nil
}

// persistDecision stores the payload fingerprint, then the plan and action
// index, for one decided submission. The fingerprint goes first so a crash
// between the writes leaves a retryable half-state instead of a plan whose
// empty fingerprint would turn every retry into a payload-mismatch conflict.
// Caller holds the store hold.
func (s *Service) persistDecision(ctx context.Context, ev *types.Event, plan types.ResponsePlan, fp string) error {
	var raw []byte
	if ev != nil {
		raw, _ = json.Marshal(ev)
	}
	if err := s.store.SaveEventPayload(ctx, plan.TenantID, correlationOf(ev, plan), fp); err != nil {
		return types.ErrInternal(err.Error())
	}
	if err := s.store.SaveIdempotency(ctx, plan.TenantID, correlationOf(ev, plan), plan, raw); err != nil {
		return types.ErrInternal(err.Error())
	}
	return nil
}

func correlationOf(ev *types.Event, plan types.ResponsePlan) string {
	if ev != nil {
		return ev.EventID
	}
	return plan.PlanID
}

// persistLifecycle stores a lifecycle plan under an explicit correlation key.
// Fingerprint first, for the same crash-window reason as persistDecision.
// Caller holds the store hold.
func (s *Service) persistLifecycle(ctx context.Context, tenantID, key string, plan types.ResponsePlan, fp string) error {
	if err := s.store.SaveEventPayload(ctx, tenantID, key, fp); err != nil {
		return types.ErrInternal(err.Error())
	}
	if err := s.store.SaveIdempotency(ctx, tenantID, key, plan, nil); err != nil {
		return types.ErrInternal(err.Error())
	}
	return nil
}

func (s *Service) decisionTrace(g gate.Decision, ao *authz.Outcome, po *planner.Outcome) map[string]any {
	trace := map[string]any{
		"gate": map[string]any{"result": decisionLabel(g.Allow)},
	}
	if ao != nil && s.cfg.Audit.IncludeAuthzDecision {
		trace["authz"] = map[string]any{
			"result":         decisionLabel(ao.Allow),
			"reason_code":    ao.ReasonCode,
			"policy_version": ao.PolicyVersion,
		}
	}
	if po != nil {
		trace["planner"] = map[string]any{
			"reply_policy":        po.ReplyPolicy,
			"chosen_intent":       po.Intent,
			"seed":                po.Seed,
			"sampled_probability": po.SampledProbability,
		}
	}
	return trace
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// appendAudit writes one chain record; failures surface as
// internal.audit_write_failed after state has been persisted.
func (s *Service) appendAudit(ctx context.Context, rec audit.Record) error {
	rec.TS = s.nowFn().Format(time.RFC3339Nano)
	if _, err := s.audit.Append(ctx, rec); err != nil {
		metrics.AuditWriteFailures.Inc()
		s.log.ErrorContext(ctx, "audit append failed",
			"tenant_id", rec.TenantID,
			"correlation_id", rec.CorrelationID,
			"action", rec.Action,
			"error", err,
		)
		return types.ErrAuditWrite(fmt.Errorf("audit append: %w", err))
	}
	metrics.AuditRecords.Inc()
	return nil
}
