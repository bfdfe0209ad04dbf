package pipeline

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/pkg/audit"
	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/planner"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// ProcessGeneration closes the loop on a request_generation action: the
// pending entry is consumed, the room's queue and generating flag are
// recomputed, and a send plan is produced. last_send_at advances here, at
// generation ingestion, so cooldown starts pacing before the downstream
// send confirms.
func (s *Service) ProcessGeneration(ctx context.Context, g *types.GenerationResult) (types.ResponsePlan, error) {
	if err := g.Validate(); err != nil {
		return types.ResponsePlan{}, types.ErrValidation(err)
	}

	fp, err := canonical.Fingerprint(g)
	if err != nil {
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	key := g.CorrelationID()

	if plan, handled, err := s.replayOrConflict(ctx, g.TenantID, key, fp, "generation_result"); handled {
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("generation", "idempotency_hit").Inc()
		return *plan, nil
	}

	s.mu.Lock()
	if dup, err := s.lostRace(ctx, g.TenantID, key); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	} else if dup {
		s.mu.Unlock()
		plan, _, err := s.replayOrConflict(ctx, g.TenantID, key, fp, "generation_result")
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("generation", "idempotency_hit").Inc()
		return *plan, nil
	}
	pending, err := s.store.TakePending(ctx, g.TenantID, g.ActionID)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if pending == nil {
		plan := types.DoNothingPlan(g.TenantID, "", key, "generation_unknown_action")
		if err := s.persistLifecycle(ctx, g.TenantID, key, plan, fp); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, err
		}
		s.mu.Unlock()

		metrics.LifecycleEvents.WithLabelValues("generation", "no_pending_action").Inc()
		if err := s.appendAudit(ctx, audit.Record{
			TenantID:      g.TenantID,
			CorrelationID: key,
			Action:        "generation_result",
			Result:        "no_pending_action",
			ReasonCode:    "generation_unknown_action",
			PlanID:        plan.PlanID,
		}); err != nil {
			return types.ResponsePlan{}, err
		}
		return plan, nil
	}

	room, err := s.store.GetRoom(ctx, g.TenantID, pending.RoomID)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if room.PendingQueueSize > 0 {
		room.PendingQueueSize--
	}
	room.Generating = room.PendingQueueSize > 0
	now := s.nowFn()
	room.LastSendAt = &now
	if err := s.store.SaveRoom(ctx, g.TenantID, pending.RoomID, room); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}

	actionType := types.ActionSendMessage
	target := map[string]any{"room_id": pending.RoomID}
	if pending.Intent == planner.IntentReply || pending.ReplyTo != "" {
		actionType = types.ActionSendReply
		if pending.ReplyTo != "" {
			target["reply_to"] = pending.ReplyTo
		}
	}

	planID := types.PlanID(g.TenantID, key)
	plan := types.ResponsePlan{
		V:        types.ContractVersion,
		PlanID:   planID,
		TenantID: g.TenantID,
		RoomID:   pending.RoomID,
		Actions: []types.Action{{
			Type:     actionType,
			ActionID: types.ActionID(planID, actionType, 0),
			Target:   target,
			Payload: map[string]any{
				"text":    g.Text,
				"plan_id": g.PlanID,
			},
		}},
	}
	if err := s.persistLifecycle(ctx, g.TenantID, key, plan, fp); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, err
	}
	s.mu.Unlock()

	metrics.LifecycleEvents.WithLabelValues("generation", "ok").Inc()
	if err := s.appendAudit(ctx, audit.Record{
		TenantID:      g.TenantID,
		CorrelationID: key,
		Action:        "generation_result",
		Result:        "ok",
		ReasonCode:    actionType,
		PlanID:        plan.PlanID,
	}); err != nil {
		return types.ResponsePlan{}, err
	}
	return plan, nil
}

// jobTransitionAllowed implements the job state machine. Terminal states
// absorb only same-status repeats.
func jobTransitionAllowed(current *store.JobState, next string) bool {
	if current == nil {
		return true
	}
	switch current.Status {
	case types.JobStarted:
		return true
	case types.JobHeartbeat:
		return next != types.JobStarted
	default:
		return next == current.Status
	}
}

// approvalTransitionAllowed implements the approval state machine.
func approvalTransitionAllowed(current *store.ApprovalState, next string) bool {
	if current == nil {
		return true
	}
	if current.Status == types.ApprovalRequested {
		return true
	}
	return next == current.Status
}

// ProcessJobStatus applies one job transition and returns a no-op plan
// describing the new state.
func (s *Service) ProcessJobStatus(ctx context.Context, j *types.JobStatusEvent) (types.ResponsePlan, error) {
	if err := j.Validate(); err != nil {
		return types.ResponsePlan{}, types.ErrValidation(err)
	}

	fp, err := canonical.Fingerprint(j)
	if err != nil {
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if plan, handled, err := s.replayOrConflict(ctx, j.TenantID, j.EventID, fp, "job_status"); handled {
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("job_status", "idempotency_hit").Inc()
		return *plan, nil
	}

	s.mu.Lock()
	if dup, err := s.lostRace(ctx, j.TenantID, j.EventID); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	} else if dup {
		s.mu.Unlock()
		plan, _, err := s.replayOrConflict(ctx, j.TenantID, j.EventID, fp, "job_status")
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("job_status", "idempotency_hit").Inc()
		return *plan, nil
	}
	current, err := s.store.GetJobState(ctx, j.TenantID, j.JobID)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if !jobTransitionAllowed(current, j.Status) {
		s.mu.Unlock()
		metrics.LifecycleEvents.WithLabelValues("job_status", "invalid_transition").Inc()
		return types.ResponsePlan{}, types.ErrInvalidTransition(current.Status, j.Status)
	}
	if err := s.store.SaveJobState(ctx, j.TenantID, j.JobID, j.Status, j.ReasonCode); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}

	plan := types.DoNothingPlan(j.TenantID, "", j.EventID, "job_status_"+j.Status)
	if err := s.persistLifecycle(ctx, j.TenantID, j.EventID, plan, fp); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, err
	}
	s.mu.Unlock()

	metrics.LifecycleEvents.WithLabelValues("job_status", "ok").Inc()
	if err := s.appendAudit(ctx, audit.Record{
		TenantID:      j.TenantID,
		CorrelationID: j.EventID,
		Action:        "job_status",
		Result:        "ok",
		ReasonCode:    "job_status_" + j.Status,
		PlanID:        plan.PlanID,
	}); err != nil {
		return types.ResponsePlan{}, err
	}
	return plan, nil
}

// ProcessJobCancel moves a job to cancelled. A job already in a different
// terminal state is left alone: the cancel is recorded as ignored rather
// than rejected.
func (s *Service) ProcessJobCancel(ctx context.Context, j *types.JobCancelRequest) (types.ResponsePlan, error) {
	if err := j.Validate(); err != nil {
		return types.ResponsePlan{}, types.ErrValidation(err)
	}

	fp, err := canonical.Fingerprint(j)
	if err != nil {
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if plan, handled, err := s.replayOrConflict(ctx, j.TenantID, j.EventID, fp, "job_cancel"); handled {
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("job_cancel", "idempotency_hit").Inc()
		return *plan, nil
	}

	s.mu.Lock()
	if dup, err := s.lostRace(ctx, j.TenantID, j.EventID); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	} else if dup {
		s.mu.Unlock()
		plan, _, err := s.replayOrConflict(ctx, j.TenantID, j.EventID, fp, "job_cancel")
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("job_cancel", "idempotency_hit").Inc()
		return *plan, nil
	}
	current, err := s.store.GetJobState(ctx, j.TenantID, j.JobID)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}

	reason := "job_cancelled"
	if current != nil && !jobTransitionAllowed(current, types.JobCancelled) {
		reason = "job_cancel_ignored"
	} else {
		if err := s.store.SaveJobState(ctx, j.TenantID, j.JobID, types.JobCancelled, j.Reason); err != nil {
			s.mu.Unlock()
			return types.ResponsePlan{}, types.ErrInternal(err.Error())
		}
	}

	plan := types.DoNothingPlan(j.TenantID, "", j.EventID, reason)
	if err := s.persistLifecycle(ctx, j.TenantID, j.EventID, plan, fp); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, err
	}
	s.mu.Unlock()

	metrics.LifecycleEvents.WithLabelValues("job_cancel", reason).Inc()
	if err := s.appendAudit(ctx, audit.Record{
		TenantID:      j.TenantID,
		CorrelationID: j.EventID,
		Action:        "job_cancel",
		Result:        "ok",
		ReasonCode:    reason,
		PlanID:        plan.PlanID,
	}); err != nil {
		return types.ResponsePlan{}, err
	}
	return plan, nil
}

// ProcessApprovalEvent applies one approval transition. An expired approval
// escalates to a human notification in the plan's debug block when
// configured.
func (s *Service) ProcessApprovalEvent(ctx context.Context, a *types.ApprovalEvent) (types.ResponsePlan, error) {
	if err := a.Validate(); err != nil {
		return types.ResponsePlan{}, types.ErrValidation(err)
	}

	fp, err := canonical.Fingerprint(a)
	if err != nil {
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if plan, handled, err := s.replayOrConflict(ctx, a.TenantID, a.EventID, fp, "approval_event"); handled {
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("approval", "idempotency_hit").Inc()
		return *plan, nil
	}

	s.mu.Lock()
	if dup, err := s.lostRace(ctx, a.TenantID, a.EventID); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	} else if dup {
		s.mu.Unlock()
		plan, _, err := s.replayOrConflict(ctx, a.TenantID, a.EventID, fp, "approval_event")
		if err != nil {
			return types.ResponsePlan{}, err
		}
		metrics.LifecycleEvents.WithLabelValues("approval", "idempotency_hit").Inc()
		return *plan, nil
	}
	current, err := s.store.GetApprovalState(ctx, a.TenantID, a.ApprovalID)
	if err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}
	if !approvalTransitionAllowed(current, a.Status) {
		s.mu.Unlock()
		metrics.LifecycleEvents.WithLabelValues("approval", "invalid_transition").Inc()
		return types.ResponsePlan{}, types.ErrInvalidTransition(current.Status, a.Status)
	}
	if err := s.store.SaveApprovalState(ctx, a.TenantID, a.ApprovalID, a.Status, a.ReasonCode); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, types.ErrInternal(err.Error())
	}

	plan := types.DoNothingPlan(a.TenantID, "", a.EventID, "approval_"+a.Status)
	if a.Status == types.ApprovalExpired && s.cfg.Planner.ApprovalEscalationOnExpired {
		plan.Debug = map[string]any{"escalation": "notify_human"}
	}
	if err := s.persistLifecycle(ctx, a.TenantID, a.EventID, plan, fp); err != nil {
		s.mu.Unlock()
		return types.ResponsePlan{}, err
	}
	s.mu.Unlock()

	metrics.LifecycleEvents.WithLabelValues("approval", "ok").Inc()
	if err := s.appendAudit(ctx, audit.Record{
		TenantID:      a.TenantID,
		CorrelationID: a.EventID,
		Action:        "approval_event",
		Result:        "ok",
		ReasonCode:    "approval_" + a.Status,
		PlanID:        plan.PlanID,
	}); err != nil {
		return types.ResponsePlan{}, err
	}
	return plan, nil
}

// ProcessActionResult records one downstream action outcome. A successful
// send also advances the room's last_send_at to the ingestion instant.
func (s *Service) ProcessActionResult(ctx context.Context, r *types.ActionResultEvent) error {
	if err := r.Validate(); err != nil {
		return types.ErrValidation(err)
	}

	fp, err := canonical.Fingerprint(r)
	if err != nil {
		return types.ErrInternal(err.Error())
	}
	rec := store.ActionResultRecord{
		TenantID:           r.TenantID,
		PlanID:             r.PlanID,
		ActionID:           r.ActionID,
		Status:             r.Status,
		TS:                 r.TS,
		ProviderMessageID:  r.ProviderMessageID,
		ReasonCode:         r.ReasonCode,
		Error:              r.Error,
		PayloadFingerprint: fp,
	}

	s.mu.Lock()
	result, err := s.store.IngestActionResult(ctx, rec)
	if err != nil {
		s.mu.Unlock()
		return types.ErrInternal(err.Error())
	}
	switch result.Outcome {
	case store.IngestDuplicate:
		s.mu.Unlock()
		metrics.LifecycleEvents.WithLabelValues("action_result", "idempotency_hit").Inc()
		return nil
	case store.IngestConflict:
		s.mu.Unlock()
		metrics.LifecycleEvents.WithLabelValues("action_result", "conflict").Inc()
		return types.ErrPayloadMismatch(result.Existing.PayloadFingerprint, fp)
	}

	if r.Status == types.ResultSucceeded {
		actx, err := s.store.GetActionContext(ctx, r.TenantID, r.ActionID)
		if err != nil {
			s.mu.Unlock()
			return types.ErrInternal(err.Error())
		}
		if actx != nil && (actx.ActionType == types.ActionSendMessage || actx.ActionType == types.ActionSendReply) {
			room, err := s.store.GetRoom(ctx, r.TenantID, actx.RoomID)
			if err != nil {
				s.mu.Unlock()
				return types.ErrInternal(err.Error())
			}
			now := s.nowFn()
			room.LastSendAt = &now
			if err := s.store.SaveRoom(ctx, r.TenantID, actx.RoomID, room); err != nil {
				s.mu.Unlock()
				return types.ErrInternal(err.Error())
			}
		}
	}
	s.mu.Unlock()

	metrics.LifecycleEvents.WithLabelValues("action_result", "recorded").Inc()
	return s.appendAudit(ctx, audit.Record{
		TenantID:      r.TenantID,
		CorrelationID: r.ActionID,
		Action:        "action_result",
		Result:        "recorded",
		ReasonCode:    r.Status,
		PlanID:        r.PlanID,
	})
}

// JobState returns the read model for one job.
func (s *Service) JobState(ctx context.Context, tenantID, jobID string) (types.StateResponse, error) {
	js, err := s.store.GetJobState(ctx, tenantID, jobID)
	if err != nil {
		return types.StateResponse{}, types.ErrInternal(err.Error())
	}
	if js == nil {
		return types.StateResponse{}, types.ErrNotFound("job not found")
	}
	return types.StateResponse{
		TenantID:   tenantID,
		ID:         jobID,
		Status:     js.Status,
		ReasonCode: js.ReasonCode,
		UpdatedAt:  js.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

// ApprovalState returns the read model for one approval.
func (s *Service) ApprovalState(ctx context.Context, tenantID, approvalID string) (types.StateResponse, error) {
	as, err := s.store.GetApprovalState(ctx, tenantID, approvalID)
	if err != nil {
		return types.StateResponse{}, types.ErrInternal(err.Error())
	}
	if as == nil {
		return types.StateResponse{}, types.ErrNotFound("approval not found")
	}
	return types.StateResponse{
		TenantID:   tenantID,
		ID:         approvalID,
		Status:     as.Status,
		ReasonCode: as.ReasonCode,
		UpdatedAt:  as.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

// ActionResult returns one ledger entry.
func (s *Service) ActionResult(ctx context.Context, tenantID, planID, actionID string) (store.ActionResultRecord, error) {
	rec, err := s.store.GetActionResult(ctx, tenantID, planID, actionID)
	if err != nil {
		return store.ActionResultRecord{}, types.ErrInternal(err.Error())
	}
	if rec == nil {
		return store.ActionResultRecord{}, types.ErrNotFound("action result not found")
	}
	return *rec, nil
}
