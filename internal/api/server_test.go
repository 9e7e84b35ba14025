package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/classifier"
	"github.com/ppiankov/novagate/internal/model"
	"github.com/ppiankov/novagate/internal/pipeline"
	"github.com/ppiankov/novagate/internal/policy"
	"github.com/ppiankov/novagate/internal/provider"
)

const testSecret = "test-secret"

type testEnv struct {
	srv      *httptest.Server
	log      *audit.Log
	policies policy.Store
	auth     *Authenticator
}

func newTestEnv(t *testing.T, eval Evaluator, limiter *RateLimiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	policies := policy.NewMemoryStore(nil)
	_, err := policy.Sync(ctx, policies, policy.DefaultPolicies())
	require.NoError(t, err)
	log, err := audit.New(ctx, audit.NewMemoryStore())
	require.NoError(t, err)

	if eval == nil {
		p, err := pipeline.New(policies, classifier.NewHeuristic().Suite(), provider.Canned{}, log)
		require.NoError(t, err)
		eval = p
	}
	auth := NewAuthenticator(testSecret, "nova")
	s := New(Options{Evaluator: eval, Log: log, Policies: policies, Auth: auth, Limiter: limiter})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, log: log, policies: policies, auth: auth}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) evaluate(t *testing.T, prompt, policyID string) RecordView {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/evaluate", evaluateRequest{Prompt: prompt, PolicyID: policyID}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[RecordView](t, resp)
}

func TestEvaluateEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	blocked := env.evaluate(t, "What's my credit card number?", "policy_002")
	assert.Equal(t, model.Block, blocked.FinalAction)
	assert.Equal(t, model.StatusBlocked, blocked.Status)
	assert.Equal(t, model.AttackPIIRequest, blocked.Inbound.AttackType)
	assert.Nil(t, blocked.Rumor)

	allowed := env.evaluate(t, "Tell me about vaccines", "policy_001")
	assert.Equal(t, model.StatusSuccess, allowed.Status)
	require.NotNil(t, allowed.Rumor)
	assert.Equal(t, []string{"WHO", "CDC"}, allowed.Rumor.SourcesConsulted)
	assert.Equal(t, blocked.RecordHash, allowed.PrevHash)
}

func TestEvaluateErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown policy", evaluateRequest{Prompt: "hi", PolicyID: "nope"}, http.StatusNotFound},
		{"disabled policy", evaluateRequest{Prompt: "hi", PolicyID: "policy_003"}, http.StatusUnprocessableEntity},
		{"empty prompt", evaluateRequest{Prompt: " ", PolicyID: "policy_001"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"prompt": "hi", "policy": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/evaluate", tt.body, "")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		})
	}
	id, _ := env.log.Tail()
	assert.Zero(t, id, "failed evaluations must not be logged")
}

type failingEvaluator struct{ err error }

func (f failingEvaluator) Evaluate(context.Context, string, string) (model.DecisionRecord, error) {
	return model.DecisionRecord{}, f.err
}

func TestUpstreamFailuresHideDetail(t *testing.T) {
	for err, want := range map[error]int{
		model.ErrProviderUnavailable: http.StatusBadGateway,
		model.ErrClassifierTimeout:   http.StatusBadGateway,
		model.ErrPersistence:         http.StatusInternalServerError,
	} {
		t.Run(err.Error(), func(t *testing.T) {
			env := newTestEnv(t, failingEvaluator{err: errors.Join(err, errors.New("secret upstream detail"))}, nil)
			resp := env.do(t, http.MethodPost, "/v1/evaluate", evaluateRequest{Prompt: "hi", PolicyID: "policy_001"}, "")
			assert.Equal(t, want, resp.StatusCode)
			p := decode[Problem](t, resp)
			assert.Equal(t, model.UserMessage, p.Detail)
			assert.NotEmpty(t, p.RequestID)
		})
	}
}

func TestLogsQueryAndGet(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.evaluate(t, "What's my credit card number?", "policy_002")
	env.evaluate(t, "Tell me about vaccines", "policy_001")
	env.evaluate(t, "What is my password?", "policy_002")

	resp := env.do(t, http.MethodGet, "/v1/logs?status=blocked&limit=1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Records []RecordView `json:"records"`
		Total   int          `json:"total"`
		Limit   int          `json:"limit"`
	}](t, resp)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Records, 1)
	assert.EqualValues(t, 3, page.Records[0].ID)

	resp = env.do(t, http.MethodGet, "/v1/logs/2", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Tell me about vaccines", decode[RecordView](t, resp).PromptText)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/logs/99", nil, "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/logs/abc", nil, "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/logs?since=yesterday", nil, "").StatusCode)
}

func TestVerifyAndSummary(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.evaluate(t, "What's my credit card number?", "policy_002")
	env.evaluate(t, "Tell me about vaccines", "policy_001")

	resp := env.do(t, http.MethodGet, "/v1/logs/verify", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[audit.VerifyResult](t, resp)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Checked)

	resp = env.do(t, http.MethodGet, "/v1/analytics/summary", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decode[audit.Summary](t, resp)
	assert.Equal(t, 2, sum.TotalRequests)
	assert.Equal(t, 1, sum.BlockedRequests)
	assert.Equal(t, 50.0, sum.BlockRatePercentage)
	assert.Equal(t, 1, sum.AttackTypes[model.AttackPIIRequest])
}

func TestFreezeRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.evaluate(t, "What's my credit card number?", "policy_002")

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/v1/logs/1/freeze", nil, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/v1/logs/1/freeze", nil, "garbage").StatusCode)

	viewer, err := env.auth.Issue("dana", "viewer", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/v1/logs/1/freeze", nil, viewer).StatusCode)

	anonymous, err := env.auth.Issue("", RoleAdmin, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/v1/logs/1/freeze", nil, anonymous).StatusCode)

	other := NewAuthenticator("other-secret", "nova")
	forged, err := other.Issue("mallory", RoleAdmin, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/v1/logs/1/freeze", nil, forged).StatusCode)

	admin, err := env.auth.Issue("ops", RoleAdmin, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/v1/logs/1/freeze", nil, admin)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		frozen := decode[RecordView](t, resp)
		assert.True(t, frozen.Frozen)
		assert.Equal(t, rec.RecordHash, frozen.RecordHash, "freeze must not touch the hash")
	}
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/logs/42/freeze", nil, admin).StatusCode)
}

func TestExpiredTokenRejected(t *testing.T) {
	auth := NewAuthenticator(testSecret, "nova")
	auth.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := auth.Issue("ops", RoleAdmin, time.Minute)
	require.NoError(t, err)

	_, err = NewAuthenticator(testSecret, "nova").Validate(token)
	assert.Error(t, err)
}

func TestFreezeDisabledWithoutSecret(t *testing.T) {
	ctx := context.Background()
	log, err := audit.New(ctx, audit.NewMemoryStore())
	require.NoError(t, err)
	srv := httptest.NewServer(New(Options{Log: log, Policies: policy.NewMemoryStore(nil)}).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/logs/1/freeze", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.do(t, http.MethodGet, "/v1/policies", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Policies []model.Policy `json:"policies"`
	}](t, resp)
	require.Len(t, list.Policies, 3)

	resp = env.do(t, http.MethodGet, "/v1/policies/policy_002", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	current := decode[model.Policy](t, resp)

	admin, err := env.auth.Issue("ops", RoleAdmin, time.Minute)
	require.NoError(t, err)

	edit := putPolicyRequest{Policy: current, ExpectedUpdatedAt: current.UpdatedAt}
	edit.Rules = append(edit.Rules, "Block requests for passport numbers")
	resp = env.do(t, http.MethodPut, "/v1/policies/policy_002", edit, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[model.Policy](t, resp)
	assert.True(t, updated.UpdatedAt.After(current.UpdatedAt))

	// Same stale token again loses.
	resp = env.do(t, http.MethodPut, "/v1/policies/policy_002", edit, admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	bad := putPolicyRequest{Policy: model.Policy{Name: "empty", Enabled: true}}
	resp = env.do(t, http.MethodPut, "/v1/policies/new_one", bad, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/policies/nope", nil, "").StatusCode)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, NewRateLimiter(1, 2))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/analytics/summary", nil, "").StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/v1/analytics/summary", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, "").StatusCode)
}

func TestRequestIDPropagates(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set(RequestIDHeader, "8c9d4782-07a6-46f6-905e-ce864bb707db")
	resp2, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "8c9d4782-07a6-46f6-905e-ce864bb707db", resp2.Header.Get(RequestIDHeader))
}
