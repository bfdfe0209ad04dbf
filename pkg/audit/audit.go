// Package audit implements the tamper-evident decision log: an append-only
// JSONL file whose records form a SHA-256 hash chain, with an optional
// lock-step mirror file and an optional relational sink.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/store"
)

// Record is one audit log entry. record_hash is computed over the record
// with the record_hash field present but empty, so the field carries no
// omitempty tag.
type Record struct {
	AuditID       string         `json:"audit_id"`
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id"`
	Action        string         `json:"action"`
	Result        string         `json:"result"`
	ReasonCode    string         `json:"reason_code"`
	TS            string         `json:"ts"`
	PlanID        string         `json:"plan_id,omitempty"`
	DecisionTrace map[string]any `json:"decision_trace,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	RecordHash    string         `json:"record_hash"`
}

// RelationalSink receives a copy of every appended record. The SQLite store
// implements it; the memory store does not.
type RelationalSink interface {
	InsertAuditRecord(ctx context.Context, row store.AuditRow) error
}

// Writer appends hash-chained records. On open it loads the chain tip from
// the last line of the main file, so restarts extend the existing chain.
type Writer struct {
	mu     sync.Mutex
	main   *os.File
	mirror *os.File
	sink   RelationalSink
	tip    string
	log    *slog.Logger
	now    func() time.Time
}

func NewWriter(path, mirrorPath string, sink RelationalSink, log *slog.Logger) (*Writer, error) {
	tip, err := loadTip(path)
	if err != nil {
		return nil, err
	}

	main, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	w := &Writer{main: main, sink: sink, tip: tip, log: log, now: time.Now}

	if mirrorPath != "" {
		mirror, err := os.OpenFile(mirrorPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			_ = main.Close()
			return nil, fmt.Errorf("open audit mirror: %w", err)
		}
		w.mirror = mirror
	}
	return w, nil
}

// SetNowFunc overrides the timestamp clock. Test hook.
func (w *Writer) SetNowFunc(now func() time.Time) { w.now = now }

// loadTip returns the record_hash of the last line, or "" for a fresh file.
func loadTip(path string) (string, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	last := lines[len(lines)-1]
	if strings.TrimSpace(last) == "" {
		return "", nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		return "", fmt.Errorf("parse audit tip: %w", err)
	}
	return rec.RecordHash, nil
}

// Append links rec into the chain and writes it to every configured sink.
// Any sink failure leaves the tip unchanged and surfaces to the caller.
func (w *Writer) Append(ctx context.Context, rec Record) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.TS == "" {
		rec.TS = w.now().UTC().Format(time.RFC3339Nano)
	}
	rec.PrevHash = w.tip
	rec.RecordHash = ""

	hash, err := canonical.Fingerprint(rec)
	if err != nil {
		return Record{}, fmt.Errorf("hash audit record: %w", err)
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode audit record: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.main.Write(line); err != nil {
		return Record{}, fmt.Errorf("append audit record: %w", err)
	}
	if err := w.main.Sync(); err != nil {
		return Record{}, fmt.Errorf("flush audit record: %w", err)
	}
	if w.mirror != nil {
		if _, err := w.mirror.Write(line); err != nil {
			return Record{}, fmt.Errorf("append audit mirror: %w", err)
		}
		if err := w.mirror.Sync(); err != nil {
			return Record{}, fmt.Errorf("flush audit mirror: %w", err)
		}
	}
	if w.sink != nil {
		row := store.AuditRow{
			AuditID:       rec.AuditID,
			TenantID:      rec.TenantID,
			CorrelationID: rec.CorrelationID,
			Action:        rec.Action,
			Result:        rec.Result,
			ReasonCode:    rec.ReasonCode,
			TS:            rec.TS,
			PlanID:        rec.PlanID,
			PrevHash:      rec.PrevHash,
			RecordHash:    rec.RecordHash,
			Line:          line[:len(line)-1],
		}
		if err := w.sink.InsertAuditRecord(ctx, row); err != nil {
			return Record{}, fmt.Errorf("audit relational sink: %w", err)
		}
	}

	w.tip = hash
	if w.log != nil {
		w.log.DebugContext(ctx, "audit record appended",
			"audit_id", rec.AuditID,
			"tenant_id", rec.TenantID,
			"action", rec.Action,
			"result", rec.Result,
		)
	}
	return rec, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	if err := w.main.Close(); err != nil {
		first = err
	}
	if w.mirror != nil {
		if err := w.mirror.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// readLines returns the non-empty JSONL lines of a file.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}
