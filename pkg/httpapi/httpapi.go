// Package httpapi exposes the decision pipeline over HTTP. All routes live
// under /v1/; bodies are JSON and errors use the envelope
// {"error":{"code":...,"message":...,"details":...}}.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

// Pipeline is the pipeline surface the HTTP layer needs.
type Pipeline interface {
	ProcessEvent(ctx context.Context, ev *types.Event) (types.ResponsePlan, error)
	ProcessGeneration(ctx context.Context, g *types.GenerationResult) (types.ResponsePlan, error)
	ProcessJobStatus(ctx context.Context, j *types.JobStatusEvent) (types.ResponsePlan, error)
	ProcessJobCancel(ctx context.Context, j *types.JobCancelRequest) (types.ResponsePlan, error)
	ProcessApprovalEvent(ctx context.Context, a *types.ApprovalEvent) (types.ResponsePlan, error)
	ProcessActionResult(ctx context.Context, r *types.ActionResultEvent) error
	JobState(ctx context.Context, tenantID, jobID string) (types.StateResponse, error)
	ApprovalState(ctx context.Context, tenantID, approvalID string) (types.StateResponse, error)
	ActionResult(ctx context.Context, tenantID, planID, actionID string) (store.ActionResultRecord, error)
}

// Pinger is implemented by backends with a real connection to probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the pipeline, auth, and rate limiting into a chi router.
type Server struct {
	cfg     config.Config
	pipe    Pipeline
	pinger  Pinger
	log     *slog.Logger
	limiter *tenantLimiter
}

// NewServer builds the HTTP layer. pinger may be nil for the memory backend.
func NewServer(cfg config.Config, pipe Pipeline, pinger Pinger, log *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		pipe:    pipe,
		pinger:  pinger,
		log:     log,
		limiter: newTenantLimiter(cfg.Server.IngressRateLimitPerTenant),
	}
}

// Router assembles the full middleware stack and route table. API-key auth
// is installed only when keys are configured.
func (s *Server) Router(keys *auth.KeyStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(countRequests)
	if keys != nil && keys.Enabled() {
		r.Use(auth.APIKeyAuth(keys))
	}

	r.Get("/v1/healthz", s.handleHealthz)
	r.Get("/v1/readyz", s.handleReadyz)
	r.Get("/v1/contracts", s.handleContracts)

	r.Post("/v1/events", s.handleEvents)
	r.Post("/v1/generations", s.handleGenerations)
	r.Post("/v1/job-events", s.handleJobEvents)
	r.Post("/v1/job-cancel", s.handleJobCancel)
	r.Post("/v1/approval-events", s.handleApprovalEvents)
	r.Post("/v1/action-results", s.handleActionResultPost)

	r.Get("/v1/action-results/{tenant_id}/{plan_id}/{action_id}", s.handleActionResultGet)
	r.Get("/v1/jobs/{tenant_id}/{job_id}", s.handleJobGet)
	r.Get("/v1/approvals/{tenant_id}/{approval_id}", s.handleApprovalGet)

	return r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type governanceView struct {
	AllowedProviders       []string `json:"allowed_providers"`
	AllowedActionOverrides []string `json:"allowed_action_overrides"`
	ApprovalTimeoutMS      int      `json:"approval_timeout_ms"`
}

type contractsManifest struct {
	APIVersion      string         `json:"api_version"`
	ContractVersion int            `json:"contract_version"`
	Governance      governanceView `json:"governance"`
}

func (s *Server) handleContracts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, contractsManifest{
		APIVersion:      "v1",
		ContractVersion: types.ContractVersion,
		Governance: governanceView{
			AllowedProviders: s.cfg.Governance.AllowedProviders,
			AllowedActionOverrides: []string{
				types.ActionRequestGeneration,
				types.ActionStartAgentJob,
				types.ActionRequestApproval,
			},
			ApprovalTimeoutMS: s.cfg.Planner.ApprovalTimeoutMS,
		},
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var ev types.Event
	if !s.decodeBody(w, r, &ev, types.ErrSchemaInvalid("invalid JSON body")) {
		return
	}
	if !s.admit(w, r, ev.TenantID) {
		return
	}
	plan, err := s.pipe.ProcessEvent(r.Context(), &ev)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	var g types.GenerationResult
	if !s.decodeBody(w, r, &g, badBody()) {
		return
	}
	if !s.admit(w, r, g.TenantID) {
		return
	}
	plan, err := s.pipe.ProcessGeneration(r.Context(), &g)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	var j types.JobStatusEvent
	if !s.decodeBody(w, r, &j, badBody()) {
		return
	}
	if !s.admit(w, r, j.TenantID) {
		return
	}
	plan, err := s.pipe.ProcessJobStatus(r.Context(), &j)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	var j types.JobCancelRequest
	if !s.decodeBody(w, r, &j, badBody()) {
		return
	}
	if !s.admit(w, r, j.TenantID) {
		return
	}
	plan, err := s.pipe.ProcessJobCancel(r.Context(), &j)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleApprovalEvents(w http.ResponseWriter, r *http.Request) {
	var a types.ApprovalEvent
	if !s.decodeBody(w, r, &a, badBody()) {
		return
	}
	if !s.admit(w, r, a.TenantID) {
		return
	}
	plan, err := s.pipe.ProcessApprovalEvent(r.Context(), &a)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleActionResultPost(w http.ResponseWriter, r *http.Request) {
	var res types.ActionResultEvent
	if !s.decodeBody(w, r, &res, badBody()) {
		return
	}
	if !s.admit(w, r, res.TenantID) {
		return
	}
	if err := s.pipe.ProcessActionResult(r.Context(), &res); err != nil {
		s.writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActionResultGet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if !s.tenantVisible(r, tenantID) {
		types.ErrNotFound("action result not found").WriteJSON(w)
		return
	}
	rec, err := s.pipe.ActionResult(r.Context(), tenantID, chi.URLParam(r, "plan_id"), chi.URLParam(r, "action_id"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if !s.tenantVisible(r, tenantID) {
		types.ErrNotFound("job not found").WriteJSON(w)
		return
	}
	st, err := s.pipe.JobState(r.Context(), tenantID, chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if !s.tenantVisible(r, tenantID) {
		types.ErrNotFound("approval not found").WriteJSON(w)
		return
	}
	st, err := s.pipe.ApprovalState(r.Context(), tenantID, chi.URLParam(r, "approval_id"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decodeBody parses the request body with a size cap. onBadJSON is the error
// written on a malformed body; events report request.schema_invalid and the
// lifecycle endpoints report validation_error.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, onBadJSON *types.APIError) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		onBadJSON.WriteJSON(w)
		return false
	}
	return true
}

func badBody() *types.APIError {
	return &types.APIError{Code: "validation_error", Message: "invalid JSON body", HTTPCode: http.StatusBadRequest}
}

// admit enforces the API-key tenant binding and the ingress rate limit for
// mutating endpoints.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	authTenant := auth.TenantFromContext(r.Context())
	if authTenant != "" && authTenant != tenantID {
		types.ErrUnauthorized("API key is not valid for this tenant").WriteJSON(w)
		return false
	}
	if !s.limiter.allow(tenantID) {
		types.ErrRateLimited().WriteJSON(w)
		return false
	}
	return true
}

// tenantVisible hides cross-tenant reads behind not_found rather than
// acknowledging the resource exists.
func (s *Server) tenantVisible(r *http.Request, tenantID string) bool {
	authTenant := auth.TenantFromContext(r.Context())
	return authTenant == "" || authTenant == tenantID
}

func (s *Server) writeError(r *http.Request, w http.ResponseWriter, err error) {
	apiErr := types.AsAPIError(err)
	if apiErr.HTTPCode >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "code", apiErr.Code, "error", apiErr.Message)
	}
	apiErr.WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
