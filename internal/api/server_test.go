package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/audit"
	"github.com/org/secretapproval/internal/auth"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/internal/storage/memory"
	"github.com/org/secretapproval/pkg/models"
)

const rootToken = "sat_test-root"

type testEnv struct {
	handler http.Handler
	store   *memory.Backend
	tokens  *auth.TokenService
	srv     *Server
}

func newTestEnv(t *testing.T, opts ...approval.Option) *testEnv {
	t.Helper()
	store := memory.New()
	tokens := auth.NewTokenService(store, 16, time.Second)
	_, err := tokens.EnsureRootToken(context.Background(), rootToken)
	require.NoError(t, err)

	auditor := audit.NewLogger(store)
	engine := approval.New(store, store, append([]approval.Option{approval.WithNotifier(auditor)}, opts...)...)
	srv := NewServer(store, engine, tokens, auditor, Config{Version: "test", RateLimitRPS: 1000, RateLimitBurst: 1000})
	return &testEnv{handler: srv.BuildRouter(), store: store, tokens: tokens, srv: srv}
}

// userToken issues a token for userID carrying the given policies.
func (e *testEnv) userToken(t *testing.T, userID string, policies ...string) string {
	t.Helper()
	_, plaintext, err := e.tokens.CreateToken(context.Background(), userID, userID, policies, 0, nil)
	require.NoError(t, err)
	return plaintext
}

func (e *testEnv) seedSecret(t *testing.T, ws, env, key, value string) *models.Secret {
	t.Helper()
	s, err := e.store.CreateSecret(context.Background(), models.SecretSnapshot{
		Workspace: ws, Environment: env, Key: key, Value: []byte(value),
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

type requestEnvelope struct {
	Data         models.ApprovalRequest `json:"data"`
	Capabilities []string               `json:"capabilities"`
	Changed      bool                   `json:"changed"`
	Merge        *approval.MergeReport  `json:"merge"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func createBody(ws, env, key string, approvers ...string) map[string]any {
	return map[string]any{
		"workspace":   ws,
		"environment": env,
		"approvers":   approvers,
		"changes": []map[string]any{
			{"kind": "create", "key": key, "value": []byte("s3cret")},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/sys/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	id := "2f1c4a36-1a7e-4b7c-9f43-7d5e0c1d2b3a"
	w := env.do(t, http.MethodGet, "/v1/sys/health", "", nil, "X-Request-ID", id)
	assert.Equal(t, id, w.Header().Get("X-Request-ID"))

	w = env.do(t, http.MethodGet, "/v1/sys/health", "", nil, "X-Request-ID", "not-a-uuid")
	assert.NotEqual(t, "not-a-uuid", w.Header().Get("X-Request-ID"))
}

func TestMissingToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/approvals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/v1/approvals", "sat_bogus", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitVoteMergeFlow(t *testing.T) {
	env := newTestEnv(t)
	bob := env.userToken(t, "bob", "root")

	w := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "DB_URL", "bob"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[requestEnvelope](t, w).Data
	assert.Equal(t, "SR-1", created.RequestID)
	assert.Equal(t, auth.RootUser, created.RequestedBy)
	assert.Equal(t, models.StatusPending, created.Status)
	require.Len(t, created.Changes, 1)
	proposalID := created.Changes[0].ID

	// Request scope first, then the proposal scope.
	w = env.do(t, http.MethodPost, "/v1/approvals/"+created.ID+"/votes", bob, map[string]any{"decision": "approved"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusPending, decode[requestEnvelope](t, w).Data.Status)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+created.ID+"/votes", bob, map[string]any{"decision": "approved", "proposal_id": proposalID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	voted := decode[requestEnvelope](t, w)
	assert.True(t, voted.Changed)
	assert.Equal(t, models.StatusApproved, voted.Data.Status)
	assert.Nil(t, voted.Merge)

	w = env.do(t, http.MethodGet, "/v1/approvals/"+created.ID+"/diff", rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	diffs := decode[struct {
		Data []approval.ProposalDiff `json:"data"`
	}](t, w).Data
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Diff, "+key: DB_URL")

	w = env.do(t, http.MethodPost, "/v1/approvals/"+created.ID+"/merge", rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[struct {
		Data approval.MergeReport `json:"data"`
	}](t, w).Data
	assert.True(t, report.Complete)
	assert.Equal(t, []string{proposalID}, report.Merged())

	secrets, err := env.store.ListSecrets(context.Background(), "acme", "prod")
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, "DB_URL", secrets[0].Key)

	w = env.do(t, http.MethodGet, "/v1/workspaces/acme/environments/prod/secrets", rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/secrets/"+secrets[0].ID, rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestVoteErrors(t *testing.T) {
	env := newTestEnv(t)
	bob := env.userToken(t, "bob", "root")
	mallory := env.userToken(t, "mallory", "root")

	w := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K", "bob"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[requestEnvelope](t, w).Data.ID

	w = env.do(t, http.MethodPost, "/v1/approvals/"+id+"/votes", bob, map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+id+"/votes", mallory, map[string]any{"decision": "approved"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+id+"/votes", bob, map[string]any{"decision": "rejected"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusRejected, decode[requestEnvelope](t, w).Data.Status)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+id+"/votes", bob, map[string]any{"decision": "approved"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+id+"/merge", rootToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/v1/approvals/does-not-exist", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	body := createBody("acme", "prod", "K", "bob")
	body["changes"] = []map[string]any{{"kind": "rename", "key": "K"}}
	w := env.do(t, http.MethodPost, "/v1/approvals", rootToken, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body["changes"] = []map[string]any{{"kind": "update", "secret_id": "nope"}}
	w = env.do(t, http.MethodPost, "/v1/approvals", rootToken, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body["changes"] = []map[string]any{{"kind": "update", "secret_id": "2f1c4a36-1a7e-4b7c-9f43-7d5e0c1d2b3a"}}
	w = env.do(t, http.MethodPost, "/v1/approvals", rootToken, body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitRejectsMissingScopeBeforeAccessCheck(t *testing.T) {
	env := newTestEnv(t)
	// No capabilities anywhere, so a policy check would answer 403.
	carol := env.userToken(t, "carol", "default")

	for _, tc := range []struct{ ws, env string }{
		{"", "prod"},
		{"acme", ""},
		{"  ", "prod"},
		{"acme/environments/dev", "prod"},
	} {
		w := env.do(t, http.MethodPost, "/v1/approvals", carol, createBody(tc.ws, tc.env, "K", "bob"))
		assert.Equal(t, http.StatusBadRequest, w.Code, "workspace=%q environment=%q", tc.ws, tc.env)
	}

	w := env.do(t, http.MethodPost, "/v1/approvals", carol, createBody("acme", "prod", "K", "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	w1 := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K", "bob"), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, w1.Code)
	w2 := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K", "bob"), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, w2.Code)
	assert.Equal(t, decode[requestEnvelope](t, w1).Data.ID, decode[requestEnvelope](t, w2).Data.ID)
}

func TestPolicyScopesAccess(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.WritePolicy(context.Background(), &models.Policy{
		Name: "acme-dev",
		Rules: map[string]models.PathRule{
			"workspaces/acme/environments/dev": {Capabilities: []string{models.CapRead, models.CapSubmit}},
		},
	}))
	dev := env.userToken(t, "dora", "acme-dev")

	w := env.do(t, http.MethodPost, "/v1/approvals", dev, createBody("acme", "prod", "K", "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/v1/approvals", dev, createBody("acme", "dev", "K", "bob"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	devID := decode[requestEnvelope](t, w).Data.ID

	w = env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K", "bob"))
	require.Equal(t, http.StatusCreated, w.Code)
	prodID := decode[requestEnvelope](t, w).Data.ID

	w = env.do(t, http.MethodGet, "/v1/approvals", dev, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Data []models.ApprovalRequest `json:"data"`
	}](t, w).Data
	require.Len(t, listed, 1)
	assert.Equal(t, devID, listed[0].ID)

	w = env.do(t, http.MethodGet, "/v1/approvals/"+prodID, dev, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/v1/approvals/"+devID, dev, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{models.CapRead, models.CapSubmit}, decode[requestEnvelope](t, w).Capabilities)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+devID+"/merge", dev, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	for _, e := range []string{"dev", "prod"} {
		w := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", e, "K", "bob"))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, http.MethodGet, "/v1/approvals?environment=prod", rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Data []models.ApprovalRequest `json:"data"`
	}](t, w).Data
	require.Len(t, listed, 1)
	assert.Equal(t, "prod", listed[0].Environment)

	w = env.do(t, http.MethodGet, "/v1/approvals?status=bogus", rootToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/approvals?limit=-1", rootToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenCreateAndLookup(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/auth/token/create", rootToken, map[string]any{
		"user_id":  "carol",
		"policies": []string{"default"},
		"ttl":      "1h",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[struct {
		Auth struct {
			ClientToken string `json:"client_token"`
			UserID      string `json:"user_id"`
		} `json:"auth"`
	}](t, w).Auth
	assert.Equal(t, "carol", created.UserID)

	w = env.do(t, http.MethodGet, "/v1/auth/token/lookup-self", created.ClientToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	self := decode[struct {
		Data map[string]any `json:"data"`
	}](t, w).Data
	assert.Equal(t, "carol", self["user_id"])

	// default policy grants no sudo.
	w = env.do(t, http.MethodPost, "/v1/auth/token/create", created.ClientToken, map[string]any{"user_id": "eve"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/v1/auth/token/revoke", created.ClientToken, map[string]any{"token": created.ClientToken})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/auth/token/lookup-self", created.ClientToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/sys/policy/reviewers", rootToken, map[string]any{
		"path": map[string]any{"workspaces/*/environments/*": map[string]any{"capabilities": []string{"read", "approve"}}},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/sys/policy", rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	names := decode[struct {
		Policies []string `json:"policies"`
	}](t, w).Policies
	assert.Contains(t, names, "reviewers")

	w = env.do(t, http.MethodGet, "/v1/sys/policy/reviewers", rootToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/sys/policy/root", rootToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/sys/policy/reviewers", rootToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/sys/policy/reviewers", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditLogRecordsWorkflowEvents(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K", "bob"))
	require.Equal(t, http.StatusCreated, w.Code)

	entries, err := env.store.QueryAuditLog(context.Background(), storage.AuditFilter{Limit: 100})
	require.NoError(t, err)
	var ops []string
	for _, e := range entries {
		ops = append(ops, e.Operation)
		if e.Operation == http.MethodPost {
			assert.Equal(t, "root", e.Metadata["actor"])
			assert.Equal(t, auth.HashToken(rootToken), e.TokenHash)
		}
	}
	assert.Contains(t, ops, approval.TopicSubmitted)
	assert.Contains(t, ops, http.MethodPost)

	// Unauthenticated calls carry no actor.
	env.do(t, http.MethodGet, "/v1/approvals", "", nil)
	entries, err = env.store.QueryAuditLog(context.Background(), storage.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusUnauthorized, entries[0].ResponseCode)
	assert.Empty(t, entries[0].TokenHash)
	assert.Nil(t, entries[0].Metadata)

	w = env.do(t, http.MethodGet, "/v1/sys/audit-log?limit=5", rootToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/sys/audit-log?since=yesterday", rootToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutoMergeOnApproval(t *testing.T) {
	env := newTestEnv(t, approval.WithAutoMerge(true))
	bob := env.userToken(t, "bob", "root")

	w := env.do(t, http.MethodPost, "/v1/approvals", rootToken, createBody("acme", "prod", "K", "bob"))
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[requestEnvelope](t, w).Data

	env.do(t, http.MethodPost, "/v1/approvals/"+created.ID+"/votes", bob, map[string]any{"decision": "approved"})
	w = env.do(t, http.MethodPost, "/v1/approvals/"+created.ID+"/votes", bob, map[string]any{"decision": "approved", "proposal_id": created.Changes[0].ID})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[requestEnvelope](t, w)
	require.NotNil(t, res.Merge)
	assert.True(t, res.Merge.Complete)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		approval.ErrValidation:      http.StatusBadRequest,
		approval.ErrNotAuthorized:   http.StatusForbidden,
		approval.ErrNotFound:        http.StatusNotFound,
		approval.ErrAlreadyTerminal: http.StatusConflict,
		storage.ErrBuiltinPolicy:    http.StatusBadRequest,
		context.Canceled:            http.StatusInternalServerError,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(err), err.Error())
	}
}
