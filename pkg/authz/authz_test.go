package authz

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(eventID string) *types.Event {
	return &types.Event{
		V:        types.ContractVersion,
		EventID:  eventID,
		TenantID: "t",
		Source:   "slack",
		RoomID:   "r1",
		Actor:    types.Actor{Type: "human", ID: "u1"},
		Content:  types.EventContent{Type: "text", Text: "hi"},
		TS:       "2026-01-01T00:00:00Z",
	}
}

func externalConfig(endpoint string) config.AuthzConfig {
	cfg := config.Default().Authz
	cfg.Mode = "external_http"
	cfg.Endpoint = endpoint
	cfg.TimeoutMS = 1000
	cfg.Cache.Enabled = false
	return cfg
}

func TestBuiltinAlwaysAllows(t *testing.T) {
	c := New(config.Default().Authz, testLogger())
	out := c.Authorize(context.Background(), testEvent("e1"))
	if !out.Allow {
		t.Fatal("builtin must allow")
	}
	if out.ReasonCode != "builtin_allow_all" || out.PolicyVersion != "builtin:v0" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestExternalAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"v":1,"decision":"allow","reason_code":"ok","policy_version":"p1","obligations":{},"ttl_ms":1000}`))
	}))
	defer srv.Close()

	c := New(externalConfig(srv.URL), testLogger())
	out := c.Authorize(context.Background(), testEvent("e1"))
	if !out.Allow || out.ReasonCode != "ok" || out.PolicyVersion != "p1" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestContractInvalidDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"v":1,"decision":"allow","reason_code":"ok","policy_version":"","obligations":{},"ttl_ms":1000}`))
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL)
	cfg.RetryMaxAttempts = 3
	c := New(cfg, testLogger())

	out := c.Authorize(context.Background(), testEvent("e1"))
	if out.Allow {
		t.Error("contract-invalid with fail_mode=deny must deny")
	}
	if out.ReasonCode != "authz_contract_invalid_deny" {
		t.Errorf("reason = %q", out.ReasonCode)
	}
	if calls.Load() != 1 {
		t.Errorf("contract-invalid must be terminal, got %d calls", calls.Load())
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"v":1,"decision":"allow","reason_code":"ok","policy_version":"p1","obligations":{},"ttl_ms":0}`))
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL)
	cfg.RetryMaxAttempts = 2
	cfg.RetryBackoffMS = 50
	c := New(cfg, testLogger())

	var slept time.Duration
	c.SetSleepFunc(func(d time.Duration) { slept += d })

	out := c.Authorize(context.Background(), testEvent("e1"))
	if !out.Allow {
		t.Errorf("expected allow after retry, got %+v", out)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
	if slept != 50*time.Millisecond {
		t.Errorf("backoff slept %v", slept)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL)
	cfg.RetryMaxAttempts = 1
	cfg.CircuitBreakerFailures = 1
	cfg.CircuitBreakerOpenMS = 60000
	c := New(cfg, testLogger())

	out := c.Authorize(context.Background(), testEvent("e1"))
	if out.ReasonCode != "authz_http_error_deny" {
		t.Errorf("first outcome = %+v", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls.Load())
	}

	out = c.Authorize(context.Background(), testEvent("e2"))
	if out.ReasonCode != "authz_circuit_open_deny" {
		t.Errorf("second outcome = %+v", out)
	}
	if calls.Load() != 1 {
		t.Errorf("open breaker must not call upstream, got %d calls", calls.Load())
	}
}

func TestFailModeConversions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cases := []struct {
		failMode      string
		wantAllow     bool
		wantReason    string
		wantPolicyVer string
	}{
		{"deny", false, "authz_http_error_deny", ""},
		{"allow", true, "authz_http_error_allow", ""},
		{"fallback_builtin", true, "authz_http_error_fallback_builtin", "builtin:fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.failMode, func(t *testing.T) {
			cfg := externalConfig(srv.URL)
			cfg.FailMode = tc.failMode
			c := New(cfg, testLogger())

			out := c.Authorize(context.Background(), testEvent("e1"))
			if out.Allow != tc.wantAllow || out.ReasonCode != tc.wantReason || out.PolicyVersion != tc.wantPolicyVer {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestCacheServesRepeatDecisions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"v":1,"decision":"deny","reason_code":"blocked","policy_version":"p1","obligations":{},"ttl_ms":60000}`))
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL)
	cfg.Cache = config.AuthzCacheConfig{Enabled: true, TTLMS: 60000, MaxEntries: 10}
	c := New(cfg, testLogger())

	first := c.Authorize(context.Background(), testEvent("e1"))
	second := c.Authorize(context.Background(), testEvent("e2"))
	if calls.Load() != 1 {
		t.Errorf("same (tenant, actor, room, source) must be served from cache, got %d calls", calls.Load())
	}
	if first.ReasonCode != "blocked" || second.ReasonCode != "blocked" {
		t.Errorf("outcomes: %+v / %+v", first, second)
	}

	other := testEvent("e3")
	other.Actor.ID = "u2"
	c.Authorize(context.Background(), other)
	if calls.Load() != 2 {
		t.Errorf("different actor must miss the cache, got %d calls", calls.Load())
	}
}

func TestFailuresAreNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := externalConfig(srv.URL)
	cfg.Cache = config.AuthzCacheConfig{Enabled: true, TTLMS: 60000, MaxEntries: 10}
	cfg.CircuitBreakerFailures = 100
	c := New(cfg, testLogger())

	c.Authorize(context.Background(), testEvent("e1"))
	c.Authorize(context.Background(), testEvent("e2"))
	if calls.Load() != 2 {
		t.Errorf("fail-mode conversions must re-decide, got %d calls", calls.Load())
	}
	if c.cache.len() != 0 {
		t.Errorf("cache should hold no converted failures, has %d entries", c.cache.len())
	}
}

func TestCacheDropsAllAtCapacity(t *testing.T) {
	cache := newDecisionCache(2)
	out := Outcome{Allow: true, ReasonCode: "ok", PolicyVersion: "p1"}

	cache.put(cacheKey{tenantID: "t", actorID: "a"}, out, time.Minute)
	cache.put(cacheKey{tenantID: "t", actorID: "b"}, out, time.Minute)
	if cache.len() != 2 {
		t.Fatalf("len = %d", cache.len())
	}

	cache.put(cacheKey{tenantID: "t", actorID: "c"}, out, time.Minute)
	if cache.len() != 1 {
		t.Errorf("capacity reached must drop all entries first, len = %d", cache.len())
	}
	if _, ok := cache.get(cacheKey{tenantID: "t", actorID: "a"}); ok {
		t.Error("old entries should be gone")
	}
	if _, ok := cache.get(cacheKey{tenantID: "t", actorID: "c"}); !ok {
		t.Error("new entry should be present")
	}
}

func TestCacheExpiry(t *testing.T) {
	cache := newDecisionCache(10)
	base := time.Now()
	cache.now = func() time.Time { return base }

	cache.put(cacheKey{tenantID: "t"}, Outcome{Allow: true}, 30*time.Millisecond)
	if _, ok := cache.get(cacheKey{tenantID: "t"}); !ok {
		t.Fatal("entry should be live")
	}

	cache.now = func() time.Time { return base.Add(time.Second) }
	if _, ok := cache.get(cacheKey{tenantID: "t"}); ok {
		t.Error("entry should have expired")
	}
}
