package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/pkg/types"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded single-file backend. Schema is created on open;
// the process is the single writer.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver is not safe for concurrent writers on one connection
	// pool without serialization; a single connection keeps ordering simple.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetNowFunc overrides the clock used for updated_at stamps. Test hook.
func (s *SQLite) SetNowFunc(now func() time.Time) { s.now = now }

// DB exposes the underlying handle so the audit writer can share the file.
func (s *SQLite) DB() *sql.DB { return s.db }

// Ping reports whether the database file is reachable. Used by readiness.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			tenant_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (tenant_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			tenant_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			plan TEXT NOT NULL,
			PRIMARY KEY (tenant_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_payloads (
			tenant_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			PRIMARY KEY (tenant_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			tenant_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			generating INTEGER NOT NULL DEFAULT 0,
			pending_queue_size INTEGER NOT NULL DEFAULT 0,
			last_send_at TEXT,
			PRIMARY KEY (tenant_id, room_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_generations (
			tenant_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			reply_to TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, action_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_rate (
			tenant_id TEXT NOT NULL,
			bucket INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS job_states (
			tenant_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS approval_states (
			tenant_id TEXT NOT NULL,
			approval_id TEXT NOT NULL,
			status TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, approval_id)
		)`,
		`CREATE TABLE IF NOT EXISTS action_index (
			tenant_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			room_id TEXT NOT NULL,
			PRIMARY KEY (tenant_id, action_id)
		)`,
		`CREATE TABLE IF NOT EXISTS action_results (
			tenant_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			status TEXT NOT NULL,
			ts TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			reason_code TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			payload_fingerprint TEXT NOT NULL,
			PRIMARY KEY (tenant_id, plan_id, action_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			audit_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			action TEXT NOT NULL,
			result TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL DEFAULT '',
			record_hash TEXT NOT NULL,
			record TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) GetIdempotency(ctx context.Context, tenantID, eventID string) (*types.ResponsePlan, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan FROM idempotency WHERE tenant_id = ? AND event_id = ?`,
		tenantID, eventID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	var plan types.ResponsePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode stored plan: %w", err)
	}
	return &plan, nil
}

func (s *SQLite) SaveIdempotency(ctx context.Context, tenantID, eventID string, plan types.ResponsePlan, rawEvent []byte) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// First writer wins; a concurrent duplicate becomes a no-op.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency (tenant_id, event_id, plan) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		tenantID, eventID, string(raw)); err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	if len(rawEvent) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (tenant_id, event_id, payload) VALUES (?, ?, ?)
			 ON CONFLICT (tenant_id, event_id) DO NOTHING`,
			tenantID, eventID, string(rawEvent)); err != nil {
			return fmt.Errorf("save event: %w", err)
		}
	}
	for _, a := range plan.Actions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_index (tenant_id, action_id, plan_id, action_type, room_id)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, action_id) DO NOTHING`,
			tenantID, a.ActionID, plan.PlanID, a.Type, plan.RoomID); err != nil {
			return fmt.Errorf("index action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}

func (s *SQLite) GetEventPayload(ctx context.Context, tenantID, eventID string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM event_payloads WHERE tenant_id = ? AND event_id = ?`,
		tenantID, eventID).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get event payload: %w", err)
	}
	return fp, nil
}

func (s *SQLite) SaveEventPayload(ctx context.Context, tenantID, eventID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_payloads (tenant_id, event_id, fingerprint) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		tenantID, eventID, fingerprint)
	if err != nil {
		return fmt.Errorf("save event payload: %w", err)
	}
	return nil
}

func (s *SQLite) GetRoom(ctx context.Context, tenantID, roomID string) (RoomState, error) {
	var (
		generating int
		queueSize  int
		lastSendAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT generating, pending_queue_size, last_send_at FROM rooms
		 WHERE tenant_id = ? AND room_id = ?`,
		tenantID, roomID).Scan(&generating, &queueSize, &lastSendAt)
	if err == sql.ErrNoRows {
		return RoomState{}, nil
	}
	if err != nil {
		return RoomState{}, fmt.Errorf("get room: %w", err)
	}
	state := RoomState{Generating: generating != 0, PendingQueueSize: queueSize}
	if lastSendAt.Valid && lastSendAt.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, lastSendAt.String); perr == nil {
			state.LastSendAt = &t
		}
	}
	return state, nil
}

func (s *SQLite) SaveRoom(ctx context.Context, tenantID, roomID string, state RoomState) error {
	generating := 0
	if state.Generating {
		generating = 1
	}
	var lastSendAt any
	if state.LastSendAt != nil {
		lastSendAt = state.LastSendAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (tenant_id, room_id, generating, pending_queue_size, last_send_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, room_id) DO UPDATE SET
		   generating = excluded.generating,
		   pending_queue_size = excluded.pending_queue_size,
		   last_send_at = excluded.last_send_at`,
		tenantID, roomID, generating, state.PendingQueueSize, lastSendAt)
	if err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

func (s *SQLite) TenantRateCount(ctx context.Context, tenantID string, bucket int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM tenant_rate WHERE tenant_id = ? AND bucket = ?`,
		tenantID, bucket).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get tenant rate: %w", err)
	}
	return count, nil
}

func (s *SQLite) IncrementTenantRate(ctx context.Context, tenantID string, bucket int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_rate (tenant_id, bucket, count) VALUES (?, ?, 1)
		 ON CONFLICT (tenant_id, bucket) DO UPDATE SET count = count + 1`,
		tenantID, bucket)
	if err != nil {
		return fmt.Errorf("increment tenant rate: %w", err)
	}
	return nil
}

func (s *SQLite) SavePending(ctx context.Context, tenantID, actionID string, p PendingGeneration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_generations (tenant_id, action_id, room_id, reply_to, intent)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, action_id) DO UPDATE SET
		   room_id = excluded.room_id,
		   reply_to = excluded.reply_to,
		   intent = excluded.intent`,
		tenantID, actionID, p.RoomID, p.ReplyTo, p.Intent)
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

func (s *SQLite) TakePending(ctx context.Context, tenantID, actionID string) (*PendingGeneration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("take pending: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := PendingGeneration{TenantID: tenantID, ActionID: actionID}
	err = tx.QueryRowContext(ctx,
		`SELECT room_id, reply_to, intent FROM pending_generations
		 WHERE tenant_id = ? AND action_id = ?`,
		tenantID, actionID).Scan(&p.RoomID, &p.ReplyTo, &p.Intent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take pending: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_generations WHERE tenant_id = ? AND action_id = ?`,
		tenantID, actionID); err != nil {
		return nil, fmt.Errorf("take pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("take pending: %w", err)
	}
	return &p, nil
}

func (s *SQLite) SaveJobState(ctx context.Context, tenantID, jobID, status, reasonCode string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_states (tenant_id, job_id, status, reason_code, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, job_id) DO UPDATE SET
		   status = excluded.status,
		   reason_code = excluded.reason_code,
		   updated_at = excluded.updated_at`,
		tenantID, jobID, status, reasonCode, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

func (s *SQLite) GetJobState(ctx context.Context, tenantID, jobID string) (*JobState, error) {
	var (
		st        JobState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, reason_code, updated_at FROM job_states
		 WHERE tenant_id = ? AND job_id = ?`,
		tenantID, jobID).Scan(&st.Status, &st.ReasonCode, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job state: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &st, nil
}

func (s *SQLite) SaveApprovalState(ctx context.Context, tenantID, approvalID, status, reasonCode string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_states (tenant_id, approval_id, status, reason_code, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, approval_id) DO UPDATE SET
		   status = excluded.status,
		   reason_code = excluded.reason_code,
		   updated_at = excluded.updated_at`,
		tenantID, approvalID, status, reasonCode, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save approval state: %w", err)
	}
	return nil
}

func (s *SQLite) GetApprovalState(ctx context.Context, tenantID, approvalID string) (*ApprovalState, error) {
	var (
		st        ApprovalState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, reason_code, updated_at FROM approval_states
		 WHERE tenant_id = ? AND approval_id = ?`,
		tenantID, approvalID).Scan(&st.Status, &st.ReasonCode, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval state: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &st, nil
}

func (s *SQLite) GetActionContext(ctx context.Context, tenantID, actionID string) (*ActionContext, error) {
	var c ActionContext
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_id, action_type, room_id FROM action_index
		 WHERE tenant_id = ? AND action_id = ?`,
		tenantID, actionID).Scan(&c.PlanID, &c.ActionType, &c.RoomID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action context: %w", err)
	}
	return &c, nil
}

func (s *SQLite) IngestActionResult(ctx context.Context, rec ActionResultRecord) (IngestResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest action result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanActionResult(tx.QueryRowContext(ctx,
		`SELECT tenant_id, plan_id, action_id, status, ts, provider_message_id, reason_code, error, payload_fingerprint
		 FROM action_results WHERE tenant_id = ? AND plan_id = ? AND action_id = ?`,
		rec.TenantID, rec.PlanID, rec.ActionID))
	if err != nil {
		return IngestResult{}, err
	}
	if existing != nil {
		if existing.PayloadFingerprint == rec.PayloadFingerprint {
			return IngestResult{Outcome: IngestDuplicate, Existing: existing}, nil
		}
		return IngestResult{Outcome: IngestConflict, Existing: existing}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_results
		 (tenant_id, plan_id, action_id, status, ts, provider_message_id, reason_code, error, payload_fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.PlanID, rec.ActionID, rec.Status, rec.TS,
		rec.ProviderMessageID, rec.ReasonCode, rec.Error, rec.PayloadFingerprint); err != nil {
		return IngestResult{}, fmt.Errorf("ingest action result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("ingest action result: %w", err)
	}
	return IngestResult{Outcome: IngestInserted}, nil
}

func (s *SQLite) GetActionResult(ctx context.Context, tenantID, planID, actionID string) (*ActionResultRecord, error) {
	return scanActionResult(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, plan_id, action_id, status, ts, provider_message_id, reason_code, error, payload_fingerprint
		 FROM action_results WHERE tenant_id = ? AND plan_id = ? AND action_id = ?`,
		tenantID, planID, actionID))
}

func scanActionResult(row *sql.Row) (*ActionResultRecord, error) {
	var rec ActionResultRecord
	err := row.Scan(&rec.TenantID, &rec.PlanID, &rec.ActionID, &rec.Status, &rec.TS,
		&rec.ProviderMessageID, &rec.ReasonCode, &rec.Error, &rec.PayloadFingerprint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action result: %w", err)
	}
	return &rec, nil
}

// AuditRow mirrors one hash-chained audit record for the relational sink.
// Line is the exact JSONL bytes written to the main file.
type AuditRow struct {
	AuditID       string
	TenantID      string
	CorrelationID string
	Action        string
	Result        string
	ReasonCode    string
	TS            string
	PlanID        string
	PrevHash      string
	RecordHash    string
	Line          []byte
}

// InsertAuditRecord appends one record to the audit_records table.
func (s *SQLite) InsertAuditRecord(ctx context.Context, row AuditRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records
		 (audit_id, tenant_id, correlation_id, action, result, reason_code, ts, plan_id, prev_hash, record_hash, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.AuditID, row.TenantID, row.CorrelationID, row.Action, row.Result,
		row.ReasonCode, row.TS, row.PlanID, row.PrevHash, row.RecordHash, string(row.Line))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
