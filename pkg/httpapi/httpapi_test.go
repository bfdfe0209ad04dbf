package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/arbiterhq/arbiter/pkg/audit"
	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/authz"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/pipeline"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/types"
)

type env struct {
	srv  *httptest.Server
	keys *auth.KeyStore
}

func newEnv(t *testing.T, backend string, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Gate.CooldownMS = 0
	cfg.Planner.ReplyPolicy = "all"
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var (
		st     store.Store
		pinger Pinger
		sink   audit.RelationalSink
	)
	switch backend {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		sq, err := store.NewSQLite(filepath.Join(t.TempDir(), "arbiter.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { sq.Close() })
		st = sq
		pinger = sq
		sink = sq
	default:
		t.Fatalf("unknown backend %q", backend)
	}

	aw, err := audit.NewWriter(filepath.Join(t.TempDir(), "audit.jsonl"), "", sink, log)
	if err != nil {
		t.Fatalf("audit writer: %v", err)
	}

	svc := pipeline.NewService(cfg, st, authz.New(cfg.Authz, log), aw, log)
	e := &env{keys: auth.NewKeyStore("")}
	srv := httptest.NewServer(NewServer(cfg, svc, pinger, log).Router(e.keys))
	t.Cleanup(srv.Close)
	e.srv = srv
	return e
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) { fn(t, backend) })
	}
}

func (e *env) post(t *testing.T, path string, body any, headers ...string) (int, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func (e *env) get(t *testing.T, path string, headers ...string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func eventBody(eventID string) map[string]any {
	return map[string]any{
		"v": 1, "event_id": eventID, "tenant_id": "t", "source": "slack",
		"room_id": "r", "actor": map[string]any{"type": "human", "id": "u"},
		"content": map[string]any{"type": "text", "text": "hi"},
		"ts":      "2026-01-01T00:00:00Z",
	}
}

func decodePlan(t *testing.T, raw []byte) types.ResponsePlan {
	t.Helper()
	var plan types.ResponsePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		t.Fatalf("decode plan: %v\n%s", err, raw)
	}
	return plan
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var envl struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envl); err != nil {
		t.Fatalf("decode error envelope: %v\n%s", err, raw)
	}
	return envl.Error.Code
}

func TestIdempotentEventVector(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		e := newEnv(t, backend, nil)

		code, raw := e.post(t, "/v1/events", eventBody("e1"))
		if code != http.StatusOK {
			t.Fatalf("status = %d: %s", code, raw)
		}
		plan := decodePlan(t, raw)
		if len(plan.Actions) != 1 || plan.Actions[0].Type != types.ActionRequestGeneration {
			t.Fatalf("plan = %s", raw)
		}

		code2, raw2 := e.post(t, "/v1/events", eventBody("e1"))
		if code2 != http.StatusOK || !bytes.Equal(raw, raw2) {
			t.Errorf("replay differs (status %d):\n%s\n%s", code2, raw, raw2)
		}
	})
}

func TestGateCooldownVector(t *testing.T) {
	e := newEnv(t, "memory", func(c *config.Config) { c.Gate.CooldownMS = 60000 })

	_, raw := e.post(t, "/v1/events", eventBody("e1"))
	plan := decodePlan(t, raw)

	code, raw := e.post(t, "/v1/generations", map[string]any{
		"v": 1, "plan_id": plan.PlanID, "action_id": plan.Actions[0].ActionID,
		"tenant_id": "t", "text": "any text",
	})
	if code != http.StatusOK {
		t.Fatalf("generation status = %d: %s", code, raw)
	}

	e2 := eventBody("e2")
	e2["ts"] = "2099-01-01T00:00:00Z"
	code, raw = e.post(t, "/v1/events", e2)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, raw)
	}
	plan2 := decodePlan(t, raw)
	if plan2.Actions[0].Type != types.ActionDoNothing {
		t.Fatalf("plan = %s", raw)
	}
	if plan2.Actions[0].Payload["reason_code"] != "gate_cooldown" {
		t.Errorf("reason = %v", plan2.Actions[0].Payload["reason_code"])
	}
}

func TestAuthzContractInvalidVector(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"v":1,"decision":"allow","reason_code":"ok","policy_version":"","obligations":{},"ttl_ms":1000}`)
	}))
	defer upstream.Close()

	e := newEnv(t, "memory", func(c *config.Config) {
		c.Authz.Mode = "external_http"
		c.Authz.Endpoint = upstream.URL
	})

	_, raw := e.post(t, "/v1/events", eventBody("e1"))
	plan := decodePlan(t, raw)
	if plan.Actions[0].Payload["reason_code"] != "authz_contract_invalid_deny" {
		t.Errorf("reason = %v\n%s", plan.Actions[0].Payload["reason_code"], raw)
	}
}

func TestBreakerShortCircuitVector(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	e := newEnv(t, "memory", func(c *config.Config) {
		c.Authz.Mode = "external_http"
		c.Authz.Endpoint = upstream.URL
		c.Authz.RetryMaxAttempts = 1
		c.Authz.CircuitBreakerFailures = 1
	})

	e.post(t, "/v1/events", eventBody("e1"))
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls after first event = %d", got)
	}

	_, raw := e.post(t, "/v1/events", eventBody("e2"))
	plan := decodePlan(t, raw)
	if plan.Actions[0].Payload["reason_code"] != "authz_circuit_open_deny" {
		t.Errorf("reason = %v", plan.Actions[0].Payload["reason_code"])
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("open breaker must not call upstream, calls = %d", got)
	}
}

func TestIdempotencyConflictVector(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		e := newEnv(t, backend, nil)

		first := eventBody("e3")
		first["content"] = map[string]any{"type": "text", "text": "A"}
		if code, raw := e.post(t, "/v1/events", first); code != http.StatusOK {
			t.Fatalf("status = %d: %s", code, raw)
		}

		second := eventBody("e3")
		second["content"] = map[string]any{"type": "text", "text": "B"}
		code, raw := e.post(t, "/v1/events", second)
		if code != http.StatusConflict {
			t.Fatalf("status = %d: %s", code, raw)
		}
		if errorCode(t, raw) != "conflict.payload_mismatch" {
			t.Errorf("envelope = %s", raw)
		}
		var envl struct {
			Error struct {
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &envl)
		if envl.Error.Details["existing_hash"] == "" || envl.Error.Details["incoming_hash"] == "" {
			t.Errorf("details = %+v", envl.Error.Details)
		}
	})
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		e := newEnv(t, backend, nil)

		code, raw := e.post(t, "/v1/job-events", map[string]any{
			"v": 1, "event_id": "j1", "tenant_id": "t", "job_id": "job:x",
			"status": "started", "ts": "2026-01-01T00:00:00Z",
		})
		if code != http.StatusOK {
			t.Fatalf("status = %d: %s", code, raw)
		}

		code, raw = e.post(t, "/v1/job-events", map[string]any{
			"v": 1, "event_id": "j2", "tenant_id": "t", "job_id": "job:x",
			"status": "completed", "ts": "2026-01-01T00:01:00Z",
		})
		if code != http.StatusOK {
			t.Fatalf("status = %d: %s", code, raw)
		}

		code, raw = e.post(t, "/v1/job-events", map[string]any{
			"v": 1, "event_id": "j3", "tenant_id": "t", "job_id": "job:x",
			"status": "failed", "ts": "2026-01-01T00:02:00Z",
		})
		if code != http.StatusConflict || errorCode(t, raw) != "conflict.invalid_transition" {
			t.Fatalf("status = %d: %s", code, raw)
		}

		code, raw = e.get(t, "/v1/jobs/t/job:x")
		if code != http.StatusOK {
			t.Fatalf("status = %d: %s", code, raw)
		}
		var st types.StateResponse
		if err := json.Unmarshal(raw, &st); err != nil {
			t.Fatal(err)
		}
		if st.Status != types.JobCompleted {
			t.Errorf("status = %s", st.Status)
		}

		code, raw = e.get(t, "/v1/jobs/t/job:absent")
		if code != http.StatusNotFound || errorCode(t, raw) != "not_found" {
			t.Errorf("status = %d: %s", code, raw)
		}
	})
}

func TestActionResultsOverHTTP(t *testing.T) {
	e := newEnv(t, "memory", nil)

	_, raw := e.post(t, "/v1/events", eventBody("e1"))
	plan := decodePlan(t, raw)
	_, raw = e.post(t, "/v1/generations", map[string]any{
		"v": 1, "plan_id": plan.PlanID, "action_id": plan.Actions[0].ActionID,
		"tenant_id": "t", "text": "hello",
	})
	sendPlan := decodePlan(t, raw)

	body := map[string]any{
		"v": 1, "event_id": "r1", "tenant_id": "t",
		"plan_id": sendPlan.PlanID, "action_id": sendPlan.Actions[0].ActionID,
		"status": "succeeded", "ts": "2026-01-01T00:05:00Z",
	}
	code, raw := e.post(t, "/v1/action-results", body)
	if code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", code, raw)
	}

	path := fmt.Sprintf("/v1/action-results/t/%s/%s", sendPlan.PlanID, sendPlan.Actions[0].ActionID)
	code, raw = e.get(t, path)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, raw)
	}
	var rec store.ActionResultRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.ResultSucceeded {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestContractsManifest(t *testing.T) {
	e := newEnv(t, "memory", func(c *config.Config) {
		c.Governance.AllowedProviders = []string{"slack"}
	})

	code, raw := e.get(t, "/v1/contracts")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var m contractsManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m.APIVersion != "v1" || m.ContractVersion != types.ContractVersion {
		t.Errorf("manifest = %+v", m)
	}
	if len(m.Governance.AllowedProviders) != 1 || m.Governance.AllowedProviders[0] != "slack" {
		t.Errorf("governance = %+v", m.Governance)
	}
	if len(m.Governance.AllowedActionOverrides) != 3 {
		t.Errorf("overrides = %v", m.Governance.AllowedActionOverrides)
	}
}

func TestProbes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		e := newEnv(t, backend, nil)

		code, raw := e.get(t, "/v1/healthz")
		if code != http.StatusOK || string(raw) != "ok" {
			t.Errorf("healthz = %d %q", code, raw)
		}
		code, raw = e.get(t, "/v1/readyz")
		if code != http.StatusOK || string(raw) != "ok" {
			t.Errorf("readyz = %d %q", code, raw)
		}
	})
}

func TestMalformedBodies(t *testing.T) {
	e := newEnv(t, "memory", nil)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/events", bytes.NewReader([]byte("{nope")))
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw) != "request.schema_invalid" {
		t.Errorf("events = %d %s", resp.StatusCode, raw)
	}

	req, _ = http.NewRequest(http.MethodPost, e.srv.URL+"/v1/generations", bytes.NewReader([]byte("{nope")))
	resp, err = e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw) != "validation_error" {
		t.Errorf("generations = %d %s", resp.StatusCode, raw)
	}
}

func TestAPIKeyTenantBinding(t *testing.T) {
	cfg := config.Default()
	cfg.Gate.CooldownMS = 0
	cfg.Planner.ReplyPolicy = "all"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	aw, err := audit.NewWriter(filepath.Join(t.TempDir(), "audit.jsonl"), "", nil, log)
	if err != nil {
		t.Fatal(err)
	}
	svc := pipeline.NewService(cfg, store.NewMemory(), authz.New(cfg.Authz, log), aw, log)
	keys := auth.NewKeyStore("t:sk-good,other:sk-other")
	srv := httptest.NewServer(NewServer(cfg, svc, nil, log).Router(keys))
	defer srv.Close()
	e := &env{srv: srv, keys: keys}

	// no key
	code, raw := e.post(t, "/v1/events", eventBody("e1"))
	if code != http.StatusUnauthorized || errorCode(t, raw) != "unauthorized" {
		t.Errorf("no key: %d %s", code, raw)
	}

	// key bound to a different tenant
	code, raw = e.post(t, "/v1/events", eventBody("e1"), "X-API-Key", "sk-other")
	if code != http.StatusUnauthorized {
		t.Errorf("wrong tenant: %d %s", code, raw)
	}

	// matching key
	code, _ = e.post(t, "/v1/events", eventBody("e1"), "X-API-Key", "sk-good")
	if code != http.StatusOK {
		t.Errorf("matching key: %d", code)
	}

	// cross-tenant read is hidden as not_found
	code, raw = e.get(t, "/v1/jobs/t/job:x", "X-API-Key", "sk-other")
	if code != http.StatusNotFound {
		t.Errorf("cross-tenant read: %d %s", code, raw)
	}

	// probes stay open
	code, _ = e.get(t, "/v1/healthz")
	if code != http.StatusOK {
		t.Errorf("healthz with auth on: %d", code)
	}
}

func TestIngressRateLimit(t *testing.T) {
	e := newEnv(t, "memory", func(c *config.Config) {
		c.Server.IngressRateLimitPerTenant = 1 // burst 2
	})

	statuses := make(map[int]int)
	for i := 0; i < 5; i++ {
		code, _ := e.post(t, "/v1/events", eventBody(fmt.Sprintf("e%d", i)))
		statuses[code]++
	}
	if statuses[http.StatusTooManyRequests] == 0 {
		t.Errorf("expected some 429s, got %v", statuses)
	}
	if statuses[http.StatusOK] == 0 {
		t.Errorf("expected some 200s, got %v", statuses)
	}
}
