// Package authz produces an allow/deny outcome per event, either from the
// built-in pass-through or from an external HTTP policy service wrapped in a
// per-attempt timeout, bounded retry, circuit breaker, and TTL decision
// cache. Failures never surface as errors: fail_mode converts every failure
// class into an outcome.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// Outcome is the authorization verdict for one event.
type Outcome struct {
	Allow         bool           `json:"allow"`
	ReasonCode    string         `json:"reason_code"`
	PolicyVersion string         `json:"policy_version"`
	Obligations   map[string]any `json:"obligations,omitempty"`
}

// Failure classification reasons. fail_mode appends its suffix to these.
const (
	reasonTransportError = "authz_transport_error"
	reasonHTTPError      = "authz_http_error"
	reasonParseError     = "authz_contract_parse_error"
	reasonInvalid        = "authz_contract_invalid"
	reasonUnconfigured   = "authz_unconfigured"
	reasonCircuitOpen    = "authz_circuit_open"
)

// BuiltinOutcome is the pass-through allow used by builtin mode and by
// fallback_builtin conversions.
func BuiltinOutcome() Outcome {
	return Outcome{Allow: true, ReasonCode: "builtin_allow_all", PolicyVersion: "builtin:v0"}
}

// Client evaluates events against the configured mode. Safe for concurrent
// use; the breaker and cache are process-wide.
type Client struct {
	cfg     config.AuthzConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *decisionCache
	log     *slog.Logger
	sleep   func(time.Duration)
}

func New(cfg config.AuthzConfig, log *slog.Logger) *Client {
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		log:   log,
		sleep: time.Sleep,
	}
	if cfg.Mode == "external_http" {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "authz",
			MaxRequests: 1,
			Timeout:     time.Duration(cfg.CircuitBreakerOpenMS) * time.Millisecond,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerFailures)
			},
		})
		if cfg.Cache.Enabled {
			c.cache = newDecisionCache(cfg.Cache.MaxEntries)
		}
	}
	return c
}

// SetSleepFunc overrides the retry backoff sleep. Test hook.
func (c *Client) SetSleepFunc(sleep func(time.Duration)) { c.sleep = sleep }

// Authorize returns the outcome for one event. In external mode a failure is
// converted by fail_mode; only contract-valid upstream decisions are cached,
// so converted failures are re-decided on the next submission.
func (c *Client) Authorize(ctx context.Context, ev *types.Event) Outcome {
	if c.cfg.Mode != "external_http" {
		return BuiltinOutcome()
	}
	if c.cfg.Endpoint == "" {
		return c.failOutcome(reasonUnconfigured)
	}

	key := cacheKey{
		tenantID: ev.TenantID,
		actorID:  ev.Actor.ID,
		roomID:   ev.RoomID,
		source:   ev.Source,
	}
	if c.cache != nil {
		if out, ok := c.cache.get(key); ok {
			return out
		}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.callWithRetry(ctx, ev)
	})
	if err != nil {
		reason := reasonTransportError
		switch {
		case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
			reason = reasonCircuitOpen
		default:
			if ce, ok := err.(*callError); ok {
				reason = ce.reason
			}
		}
		c.log.WarnContext(ctx, "authz call failed",
			"tenant_id", ev.TenantID,
			"event_id", ev.EventID,
			"reason", reason,
			"fail_mode", c.cfg.FailMode,
			"error", err,
		)
		return c.failOutcome(reason)
	}

	decided := result.(*decision)
	if c.cache != nil {
		c.cache.put(key, decided.outcome, c.cacheTTL(decided.ttlMS))
	}
	return decided.outcome
}

// cacheTTL picks min(response ttl, configured ttl) when the response offers
// a positive ttl, else the configured ttl.
func (c *Client) cacheTTL(responseTTLMS int) time.Duration {
	ttl := c.cfg.Cache.TTLMS
	if responseTTLMS > 0 && responseTTLMS < ttl {
		ttl = responseTTLMS
	}
	return time.Duration(ttl) * time.Millisecond
}

func (c *Client) failOutcome(reason string) Outcome {
	switch c.cfg.FailMode {
	case "allow":
		return Outcome{Allow: true, ReasonCode: reason + "_allow"}
	case "fallback_builtin":
		return Outcome{Allow: true, ReasonCode: reason + "_fallback_builtin", PolicyVersion: "builtin:fallback"}
	default:
		return Outcome{Allow: false, ReasonCode: reason + "_deny"}
	}
}

// callError tags a failed upstream call with its classification reason.
type callError struct {
	reason string
	err    error
}

func (e *callError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *callError) Unwrap() error { return e.err }

// decision is a contract-valid upstream response.
type decision struct {
	outcome Outcome
	ttlMS   int
}

type checkRequest struct {
	V             int          `json:"v"`
	TenantID      string       `json:"tenant_id"`
	CorrelationID string       `json:"correlation_id"`
	Actor         types.Actor  `json:"actor"`
	Request       requestBlock `json:"request"`
}

type requestBlock struct {
	Action   string         `json:"action"`
	Resource resourceBlock  `json:"resource"`
	Context  map[string]any `json:"context"`
}

type resourceBlock struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

type checkResponse struct {
	V             int            `json:"v"`
	Decision      string         `json:"decision"`
	ReasonCode    string         `json:"reason_code"`
	PolicyVersion string         `json:"policy_version"`
	Obligations   map[string]any `json:"obligations"`
	TTLMS         int            `json:"ttl_ms"`
}

// callWithRetry attempts the upstream call up to retry_max_attempts times.
// Transport, HTTP-status, and parse failures retry; a contract-invalid
// response is terminal for the call.
func (c *Client) callWithRetry(ctx context.Context, ev *types.Event) (*decision, error) {
	var last *callError
	for attempt := 0; attempt < c.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 && c.cfg.RetryBackoffMS > 0 {
			c.sleep(time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond)
		}
		dec, cerr := c.callOnce(ctx, ev)
		if cerr == nil {
			return dec, nil
		}
		last = cerr
		if cerr.reason == reasonInvalid {
			break
		}
	}
	return nil, last
}

func (c *Client) callOnce(ctx context.Context, ev *types.Event) (*decision, *callError) {
	body, err := json.Marshal(checkRequest{
		V:             types.ContractVersion,
		TenantID:      ev.TenantID,
		CorrelationID: ev.EventID,
		Actor:         ev.Actor,
		Request: requestBlock{
			Action: "process_event",
			Resource: resourceBlock{
				Type:       "room",
				ID:         ev.RoomID,
				Attributes: map[string]string{"source": ev.Source},
			},
			Context: map[string]any{"event_id": ev.EventID},
		},
	})
	if err != nil {
		return nil, &callError{reason: reasonParseError, err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &callError{reason: reasonTransportError, err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &callError{reason: reasonTransportError, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &callError{
			reason: reasonHTTPError,
			err:    fmt.Errorf("authz endpoint returned %d: %s", resp.StatusCode, string(b)),
		}
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &callError{reason: reasonParseError, err: err}
	}

	if cr.V != types.ContractVersion || (cr.Decision != "allow" && cr.Decision != "deny") || cr.PolicyVersion == "" {
		return nil, &callError{
			reason: reasonInvalid,
			err:    fmt.Errorf("contract-invalid response: v=%d decision=%q policy_version=%q", cr.V, cr.Decision, cr.PolicyVersion),
		}
	}

	return &decision{
		outcome: Outcome{
			Allow:         cr.Decision == "allow",
			ReasonCode:    cr.ReasonCode,
			PolicyVersion: cr.PolicyVersion,
			Obligations:   cr.Obligations,
		},
		ttlMS: cr.TTLMS,
	}, nil
}
