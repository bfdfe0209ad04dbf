package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/pkg/types"
)

// Memory is the map-backed store. State lives for the process lifetime only.
type Memory struct {
	mu sync.Mutex

	idempotency  map[string][]byte
	events       map[string][]byte
	payloads     map[string]string
	rooms        map[string]RoomState
	tenantRate   map[string]int
	pending      map[string]PendingGeneration
	jobs         map[string]JobState
	approvals    map[string]ApprovalState
	actionIndex  map[string]ActionContext
	actionResult map[string]ActionResultRecord

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		idempotency:  make(map[string][]byte),
		events:       make(map[string][]byte),
		payloads:     make(map[string]string),
		rooms:        make(map[string]RoomState),
		tenantRate:   make(map[string]int),
		pending:      make(map[string]PendingGeneration),
		jobs:         make(map[string]JobState),
		approvals:    make(map[string]ApprovalState),
		actionIndex:  make(map[string]ActionContext),
		actionResult: make(map[string]ActionResultRecord),
		now:          time.Now,
	}
}

// SetNowFunc overrides the clock used for updated_at stamps. Test hook.
func (m *Memory) SetNowFunc(now func() time.Time) { m.now = now }

func memKey(parts ...string) string {
	k := parts[0]
	for _, p := range parts[1:] {
		k += "\x00" + p
	}
	return k
}

func (m *Memory) GetIdempotency(_ context.Context, tenantID, eventID string) (*types.ResponsePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.idempotency[memKey(tenantID, eventID)]
	if !ok {
		return nil, nil
	}
	var plan types.ResponsePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode stored plan: %w", err)
	}
	return &plan, nil
}

func (m *Memory) SaveIdempotency(_ context.Context, tenantID, eventID string, plan types.ResponsePlan, rawEvent []byte) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(tenantID, eventID)
	if _, exists := m.idempotency[key]; exists {
		return nil
	}
	m.idempotency[key] = raw
	if len(rawEvent) > 0 {
		m.events[key] = append([]byte(nil), rawEvent...)
	}
	for _, a := range plan.Actions {
		m.actionIndex[memKey(tenantID, a.ActionID)] = ActionContext{
			PlanID:     plan.PlanID,
			ActionType: a.Type,
			RoomID:     plan.RoomID,
		}
	}
	return nil
}

func (m *Memory) GetEventPayload(_ context.Context, tenantID, eventID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payloads[memKey(tenantID, eventID)], nil
}

func (m *Memory) SaveEventPayload(_ context.Context, tenantID, eventID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(tenantID, eventID)
	if _, exists := m.payloads[key]; !exists {
		m.payloads[key] = fingerprint
	}
	return nil
}

func (m *Memory) GetRoom(_ context.Context, tenantID, roomID string) (RoomState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[memKey(tenantID, roomID)], nil
}

func (m *Memory) SaveRoom(_ context.Context, tenantID, roomID string, state RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[memKey(tenantID, roomID)] = state
	return nil
}

func (m *Memory) TenantRateCount(_ context.Context, tenantID string, bucket int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenantRate[memKey(tenantID, fmt.Sprint(bucket))], nil
}

func (m *Memory) IncrementTenantRate(_ context.Context, tenantID string, bucket int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantRate[memKey(tenantID, fmt.Sprint(bucket))]++
	return nil
}

func (m *Memory) SavePending(_ context.Context, tenantID, actionID string, p PendingGeneration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[memKey(tenantID, actionID)] = p
	return nil
}

func (m *Memory) TakePending(_ context.Context, tenantID, actionID string) (*PendingGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(tenantID, actionID)
	p, ok := m.pending[key]
	if !ok {
		return nil, nil
	}
	delete(m.pending, key)
	return &p, nil
}

func (m *Memory) SaveJobState(_ context.Context, tenantID, jobID, status, reasonCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[memKey(tenantID, jobID)] = JobState{
		Status:     status,
		ReasonCode: reasonCode,
		UpdatedAt:  m.now().UTC(),
	}
	return nil
}

func (m *Memory) GetJobState(_ context.Context, tenantID, jobID string) (*JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[memKey(tenantID, jobID)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) SaveApprovalState(_ context.Context, tenantID, approvalID, status, reasonCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[memKey(tenantID, approvalID)] = ApprovalState{
		Status:     status,
		ReasonCode: reasonCode,
		UpdatedAt:  m.now().UTC(),
	}
	return nil
}

func (m *Memory) GetApprovalState(_ context.Context, tenantID, approvalID string) (*ApprovalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.approvals[memKey(tenantID, approvalID)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) GetActionContext(_ context.Context, tenantID, actionID string) (*ActionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.actionIndex[memKey(tenantID, actionID)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) IngestActionResult(_ context.Context, rec ActionResultRecord) (IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(rec.TenantID, rec.PlanID, rec.ActionID)
	if existing, ok := m.actionResult[key]; ok {
		out := existing
		if existing.PayloadFingerprint == rec.PayloadFingerprint {
			return IngestResult{Outcome: IngestDuplicate, Existing: &out}, nil
		}
		return IngestResult{Outcome: IngestConflict, Existing: &out}, nil
	}
	m.actionResult[key] = rec
	return IngestResult{Outcome: IngestInserted}, nil
}

func (m *Memory) GetActionResult(_ context.Context, tenantID, planID, actionID string) (*ActionResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.actionResult[memKey(tenantID, planID, actionID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) Close() error { return nil }
