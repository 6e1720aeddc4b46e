package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/soji/internal/auth"
	"github.com/ashita-ai/soji/internal/ctxutil"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/ratelimit"
	"github.com/ashita-ai/soji/internal/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "from-client")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "from-client", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36, "oversized ids are replaced")
}

func TestAuthMiddleware(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken("alice", "acme", model.RoleOperator)
	require.NoError(t, err)

	var claims *auth.Claims
	h := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ctxutil.ClaimsFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health needs no token", "/health", "", http.StatusOK},
		{"missing header", "/v1/agents", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/agents", "Basic " + token, http.StatusUnauthorized},
		{"garbage token", "/v1/agents", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid token", "/v1/agents", "Bearer " + token, http.StatusOK},
		{"scheme is case insensitive", "/v1/agents", "bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, model.ErrCodeUnauthorized, decodeAPIError(t, rec).Error.Code)
			}
			if tt.want == http.StatusOK && tt.path != "/health" {
				require.NotNil(t, claims)
				assert.Equal(t, "alice", claims.Identity())
				assert.Equal(t, "acme", claims.TenantID)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := requireRole(model.RoleApprover)(okHandler())

	serve := func(claims *auth.Claims) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if claims != nil {
			req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(nil))
	assert.Equal(t, http.StatusForbidden, serve(&auth.Claims{Role: model.RoleViewer}))
	assert.Equal(t, http.StatusForbidden, serve(&auth.Claims{Role: model.RoleOperator}))
	assert.Equal(t, http.StatusOK, serve(&auth.Claims{Role: model.RoleApprover}))
	assert.Equal(t, http.StatusOK, serve(&auth.Claims{Role: model.RoleAdmin}))
	assert.Equal(t, http.StatusForbidden, serve(&auth.Claims{Role: "janitor"}))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.DiscardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, decodeAPIError(t, rec).Error.Code)
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	h := loggingMiddleware(testutil.DiscardLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTriggerRateLimitIsPerAgent(t *testing.T) {
	// rate=1 token/sec with burst=2: two rapid triggers pass, the third is
	// rejected until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	mux := http.NewServeMux()
	rl := ratelimit.Middleware(limiter, agentKeyFunc, RequestIDFromContext, testutil.DiscardLogger())
	mux.Handle("POST /v1/agents/{agent_id}/trigger", rl(okHandler()))

	trigger := func(agentID string, role model.AgentRole) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/agents/"+agentID+"/trigger", nil)
		req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{TenantID: "acme", Role: role}))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, trigger("lobby", model.RoleOperator).Code)
	assert.Equal(t, http.StatusOK, trigger("lobby", model.RoleOperator).Code)
	limited := trigger("lobby", model.RoleOperator)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeAPIError(t, limited).Error.Code)

	assert.Equal(t, http.StatusOK, trigger("atrium", model.RoleOperator).Code, "other agents have their own bucket")
	assert.Equal(t, http.StatusOK, trigger("lobby", model.RoleAdmin).Code, "admins are exempt")
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}

	decode := func(payload string, max int64) (body, error) {
		var b body
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
		err := decodeJSON(httptest.NewRecorder(), req, &b, max)
		return b, err
	}

	b, err := decode(`{"name":"lobby"}`, 1024)
	require.NoError(t, err)
	assert.Equal(t, "lobby", b.Name)

	_, err = decode("", 1024)
	assert.NoError(t, err, "an empty body is allowed")

	_, err = decode(`{"colour":"blue"}`, 1024)
	assert.Error(t, err)

	_, err = decode(`{"name":"`+strings.Repeat("a", 100)+`"}`, 16)
	require.Error(t, err)
	rec := httptest.NewRecorder()
	handleDecodeError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
