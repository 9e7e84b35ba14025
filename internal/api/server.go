// Package api serves the dashboard HTTP/JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/model"
	"github.com/ppiankov/novagate/internal/policy"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Evaluator runs one exchange through the decision pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt, policyID string) (model.DecisionRecord, error)
}

// Options wires a Server.
type Options struct {
	Evaluator Evaluator
	Log       *audit.Log
	Policies  policy.Store
	Auth      *Authenticator
	Limiter   *RateLimiter
	Logger    *slog.Logger
}

// Server holds the handler dependencies.
type Server struct {
	eval     Evaluator
	log      *audit.Log
	policies policy.Store
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
}

// New returns a Server. Auth and Limiter may be nil.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eval:     opts.Evaluator,
		log:      opts.Log,
		policies: opts.Policies,
		auth:     opts.Auth,
		limiter:  opts.Limiter,
		logger:   logger,
	}
}

// RecordView is a decision record plus its dashboard status.
type RecordView struct {
	model.DecisionRecord
	Status model.Status `json:"status"`
}

func viewOf(r model.DecisionRecord) RecordView {
	return RecordView{DecisionRecord: r, Status: r.Status()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/evaluate", s.handleEvaluate)

		r.Get("/logs", s.handleQuery)
		r.Get("/logs/verify", s.handleVerify)
		r.Get("/logs/{id}", s.handleGetRecord)
		r.With(s.auth.RequireAdmin).Post("/logs/{id}/freeze", s.handleFreeze)

		r.Get("/analytics/summary", s.handleSummary)

		r.Get("/policies", s.handleListPolicies)
		r.Get("/policies/{id}", s.handleGetPolicy)
		r.With(s.auth.RequireAdmin).Put("/policies/{id}", s.handlePutPolicy)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id, hash := s.log.Tail()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"tail_id":   id,
		"tail_hash": hash,
	})
}

type evaluateRequest struct {
	Prompt   string `json:"prompt"`
	PolicyID string `json:"policy_id"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || req.PolicyID == "" {
		writeProblem(w, r, http.StatusBadRequest, "prompt and policy_id are required")
		return
	}

	rec, err := s.eval.Evaluate(r.Context(), req.Prompt, req.PolicyID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	params, err := audit.ParseQueryValues(r.URL.Query().Get)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := params.Parse(); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := params.Run(r.Context(), s.log)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]RecordView, len(res.Records))
	for i, rec := range res.Records {
		views[i] = viewOf(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": views,
		"total":   res.Total,
		"offset":  res.Offset,
		"limit":   res.Limit,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := s.log.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := s.log.Freeze(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "record frozen", "id", id, "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, err := optionalInt(r, "from")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := optionalInt(r, "to")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.log.VerifyIntegrity(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.log.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := s.policies.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": ps})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type putPolicyRequest struct {
	model.Policy
	// ExpectedUpdatedAt is the version the edit was based on; zero creates.
	ExpectedUpdatedAt time.Time `json:"expected_updated_at"`
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req putPolicyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Policy.ID = chi.URLParam(r, "id")
	p, err := s.policies.Put(r.Context(), req.Policy, req.ExpectedUpdatedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeProblem(w, r, http.StatusBadRequest, "record id must be a positive integer")
		return 0, false
	}
	return id, true
}

func optionalInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
