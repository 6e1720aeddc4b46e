package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcpserver "github.com/mark3labs/mcp-go/server"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/soji/internal/activity"
	"github.com/ashita-ai/soji/internal/agent"
	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/auth"
	"github.com/ashita-ai/soji/internal/fleet"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/ratelimit"
	"github.com/ashita-ai/soji/internal/server"
	"github.com/ashita-ai/soji/internal/testutil"
	"github.com/ashita-ai/soji/internal/toolserver"
)

// stubRuntime stands in for the agent manager. Triggers end in the state
// held by next; a waiting trigger enqueues a real approval request and keeps
// the agent busy until it is resolved.
type stubRuntime struct {
	queue *approval.Queue

	mu        sync.Mutex
	agents    map[string]model.AgentStatus
	busy      map[string]bool
	next      model.AgentState
	triggered []string
	approvers []string
}

func (s *stubRuntime) Trigger(ctx context.Context, agentID, tenantID string) (model.TriggerResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return model.TriggerResponse{}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	if tenantID != "" && tenantID != st.TenantID {
		return model.TriggerResponse{}, agent.ErrTenantMismatch
	}
	if s.busy[agentID] {
		return model.TriggerResponse{}, &agent.AgentBusyError{AgentID: agentID}
	}
	s.triggered = append(s.triggered, tenantID)

	resp := model.TriggerResponse{RunID: uuid.New(), AgentID: agentID, State: s.next}
	switch s.next {
	case model.AgentWaitingApproval:
		req, err := s.queue.Enqueue(ctx, model.Decision{
			ID:       uuid.New(),
			AgentID:  agentID,
			TenantID: st.TenantID,
			RunID:    resp.RunID,
			Category: model.CategoryStartCleaning,
			Tool:     model.ToolRobotStart,
			RobotID:  "r1",
			TaskID:   "task-1",
		}, model.Continuation{RunID: resp.RunID, AgentID: agentID, TenantID: st.TenantID})
		if err != nil {
			return model.TriggerResponse{}, err
		}
		resp.ApprovalID = &req.ID
		s.busy[agentID] = true
	case model.AgentFailed:
		resp.Error = "fleet unavailable"
	}
	return resp, nil
}

func (s *stubRuntime) ResolveApproval(ctx context.Context, id uuid.UUID, approved bool, approver string) (model.TriggerResponse, error) {
	res, err := s.queue.Resolve(ctx, id, approved, approver)
	if err != nil {
		return model.TriggerResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, res.Request.AgentID)
	s.approvers = append(s.approvers, approver)
	return model.TriggerResponse{RunID: res.Continuation.RunID, AgentID: res.Request.AgentID, State: model.AgentCompleted}, nil
}

func (s *stubRuntime) setNext(state model.AgentState) {
	s.mu.Lock()
	s.next = state
	s.mu.Unlock()
}

func (s *stubRuntime) triggerTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.triggered...)
}

func (s *stubRuntime) approverNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.approvers...)
}

func (s *stubRuntime) Stats() agent.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return agent.Stats{Registered: len(s.agents), Runs: int64(len(s.triggered))}
}

func (s *stubRuntime) Status(agentID string) (model.AgentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return model.AgentStatus{}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	return st, nil
}

func (s *stubRuntime) List() []model.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AgentStatus, 0, len(s.agents))
	for _, id := range []string{"atrium", "lobby", "warehouse"} {
		if st, ok := s.agents[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	srv     *httptest.Server
	jwt     *auth.JWTManager
	runtime *stubRuntime
	queue   *approval.Queue
	log     *activity.Log
	fleet   *fleet.MemoryStore
}

type envOption func(*server.ServerConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testutil.DiscardLogger()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	broker := server.NewBroker(nil, nil, logger)
	queue := approval.NewQueue(approval.NewMemoryStore(), broker, logger)
	log := activity.New(activity.NewMemoryStore(), logger)

	rt := &stubRuntime{
		queue: queue,
		agents: map[string]model.AgentStatus{
			"lobby":     {AgentID: "lobby", Kind: "cleaning_scheduler", TenantID: "acme", Tier: model.TierStandard, State: model.AgentIdle},
			"atrium":    {AgentID: "atrium", Kind: "cleaning_scheduler", TenantID: "acme", Tier: model.TierElevated, State: model.AgentIdle},
			"warehouse": {AgentID: "warehouse", Kind: "cleaning_scheduler", TenantID: "globex", Tier: model.TierStandard, State: model.AgentIdle},
		},
		busy: make(map[string]bool),
		next: model.AgentCompleted,
	}

	store := fleet.NewMemoryStore()
	require.NoError(t, store.PutSpace(ctx, model.Space{ID: "lobby-1f", TenantID: "acme", Name: "Lobby", Zone: "1F-east", Floor: 1}))
	require.NoError(t, store.PutSpace(ctx, model.Space{ID: "dock", TenantID: "globex", Name: "Dock", Zone: "B1", Floor: -1}))
	spaces, err := toolserver.New(model.DomainSpace, store, logger, "test")
	require.NoError(t, err)

	cfg := server.ServerConfig{
		Runtime:     rt,
		Approvals:   queue,
		Activity:    log,
		JWTMgr:      jwtMgr,
		Logger:      logger,
		Broker:      broker,
		ToolServers: map[model.ToolDomain]*mcpserver.MCPServer{model.DomainSpace: spaces.MCPServer()},
		Version:     "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, jwt: jwtMgr, runtime: rt, queue: queue, log: log, fleet: store}
}

func (e *testEnv) token(t *testing.T, subject, tenantID string, role model.AgentRole) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken(subject, tenantID, role)
	require.NoError(t, err)
	return tok
}

// envelope decodes both success and error responses.
type envelope[T any] struct {
	Data       T                 `json:"data"`
	NextCursor string            `json:"next_cursor"`
	Limit      int               `json:"limit"`
	Error      model.ErrorDetail `json:"error"`
	Meta       model.ResponseMeta
}

func do[T any](t *testing.T, e *testEnv, method, path, token string, body any) (int, envelope[T]) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope[T]
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return resp.StatusCode, env
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	status, body := do[model.HealthResponse](t, e, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body.Data.Status)
	assert.Equal(t, "test", body.Data.Version)
	assert.Empty(t, body.Data.Postgres, "no database configured")

	down := newTestEnv(t, func(c *server.ServerConfig) { c.DB = failingPinger{} })
	status, body = do[model.HealthResponse](t, down, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body.Data.Status)
	assert.Equal(t, "disconnected", body.Data.Postgres)
}

func TestUnauthenticatedAccess(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/v1/agents", "/v1/approvals", "/v1/stats"} {
		status, body := do[any](t, e, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Equal(t, model.ErrCodeUnauthorized, body.Error.Code)
		assert.NotEmpty(t, body.Meta.RequestID)
	}
}

func TestTriggerAndApprovalFlow(t *testing.T) {
	e := newTestEnv(t)
	operator := e.token(t, "ops-bot", "acme", model.RoleOperator)
	approver := e.token(t, "alice", "acme", model.RoleApprover)

	e.runtime.setNext(model.AgentWaitingApproval)
	status, trig := do[model.TriggerResponse](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, model.AgentWaitingApproval, trig.Data.State)
	require.NotNil(t, trig.Data.ApprovalID)
	approvalID := *trig.Data.ApprovalID
	assert.Equal(t, []string{"acme"}, e.runtime.triggerTenants(), "tenant defaults to the caller's")

	// A suspended run holds the agent.
	status, busy := do[any](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeAgentBusy, busy.Error.Code)

	status, list := do[[]model.ApprovalRequest](t, e, http.MethodGet, "/v1/approvals", approver, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list.Data, 1)
	assert.Equal(t, approvalID, list.Data[0].ID)
	assert.Equal(t, model.ApprovalPending, list.Data[0].Status)

	status, one := do[model.ApprovalRequest](t, e, http.MethodGet, "/v1/approvals/"+approvalID.String(), approver, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "lobby", one.Data.AgentID)

	// Operators may trigger but not approve.
	status, _ = do[any](t, e, http.MethodPost, "/v1/approvals/"+approvalID.String()+"/resolve", operator, map[string]any{"approved": true})
	assert.Equal(t, http.StatusForbidden, status)

	status, resolved := do[model.TriggerResponse](t, e, http.MethodPost, "/v1/approvals/"+approvalID.String()+"/resolve", approver, map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.AgentCompleted, resolved.Data.State)
	assert.Equal(t, []string{"alice"}, e.runtime.approverNames(), "approver comes from the token subject")

	status, again := do[any](t, e, http.MethodPost, "/v1/approvals/"+approvalID.String()+"/resolve", approver, map[string]any{"approved": false})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeAlreadyResolved, again.Error.Code)

	status, list = do[[]model.ApprovalRequest](t, e, http.MethodGet, "/v1/approvals", approver, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, list.Data)

	e.runtime.setNext(model.AgentCompleted)
	status, trig = do[model.TriggerResponse](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, nil)
	assert.Equal(t, http.StatusOK, status, "the agent is free again")
	assert.Equal(t, model.AgentCompleted, trig.Data.State)
}

func TestTriggerErrors(t *testing.T) {
	e := newTestEnv(t)
	operator := e.token(t, "ops-bot", "acme", model.RoleOperator)
	viewer := e.token(t, "dashboard", "acme", model.RoleViewer)

	status, body := do[any](t, e, http.MethodPost, "/v1/agents/nope/trigger", operator, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)

	status, _ = do[any](t, e, http.MethodPost, "/v1/agents/warehouse/trigger", operator, nil)
	assert.Equal(t, http.StatusNotFound, status, "other tenants' agents are hidden")

	status, body = do[any](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, model.TriggerRequest{TenantID: "globex"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeForbidden, body.Error.Code)

	status, _ = do[any](t, e, http.MethodPost, "/v1/agents/lobby/trigger", viewer, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = do[any](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, map[string]any{"tenant": "acme"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	e.runtime.setNext(model.AgentFailed)
	status, failed := do[model.TriggerResponse](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, nil)
	assert.Equal(t, http.StatusOK, status, "a failed run is a result, not a transport error")
	assert.Equal(t, model.AgentFailed, failed.Data.State)
	assert.Equal(t, "fleet unavailable", failed.Data.Error)

	admin := e.token(t, "root", "", model.RoleAdmin)
	e.runtime.setNext(model.AgentCompleted)
	status, _ = do[model.TriggerResponse](t, e, http.MethodPost, "/v1/agents/warehouse/trigger", admin, nil)
	assert.Equal(t, http.StatusOK, status, "an unscoped admin reaches every tenant")
}

func TestApprovalAccess(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	req, err := e.queue.Enqueue(ctx, model.Decision{
		ID: uuid.New(), AgentID: "lobby", TenantID: "acme", Category: model.CategoryRecallRobot, Tool: model.ToolRobotRecall, RobotID: "r1",
	}, model.Continuation{AgentID: "lobby", TenantID: "acme"})
	require.NoError(t, err)
	path := "/v1/approvals/" + req.ID.String()

	outsider := e.token(t, "bob", "globex", model.RoleApprover)
	status, _ := do[any](t, e, http.MethodGet, path, outsider, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do[any](t, e, http.MethodPost, path+"/resolve", outsider, map[string]any{"approved": true})
	assert.Equal(t, http.StatusNotFound, status)

	status, list := do[[]model.ApprovalRequest](t, e, http.MethodGet, "/v1/approvals?tenant_id=acme", outsider, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Empty(t, list.Data)

	approver := e.token(t, "alice", "acme", model.RoleApprover)
	status, body := do[any](t, e, http.MethodPost, path+"/resolve", approver, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status, "approved is required")
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	status, _ = do[any](t, e, http.MethodGet, "/v1/approvals/not-a-uuid", approver, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do[any](t, e, http.MethodGet, "/v1/approvals/"+uuid.NewString(), approver, nil)
	assert.Equal(t, http.StatusNotFound, status)

	admin := e.token(t, "root", "", model.RoleAdmin)
	status, list = do[[]model.ApprovalRequest](t, e, http.MethodGet, "/v1/approvals", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list.Data, 1)

	status, rejected := do[model.TriggerResponse](t, e, http.MethodPost, path+"/resolve", approver, map[string]any{"approved": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "lobby", rejected.Data.AgentID)

	got, err := e.queue.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, got.Status)
	assert.Equal(t, "alice", got.Approver)
}

func TestAgentsAreScopedToTenant(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.token(t, "dashboard", "acme", model.RoleViewer)

	status, list := do[[]model.AgentStatus](t, e, http.MethodGet, "/v1/agents", viewer, nil)
	require.Equal(t, http.StatusOK, status)
	ids := make([]string, 0, len(list.Data))
	for _, st := range list.Data {
		ids = append(ids, st.AgentID)
	}
	assert.Equal(t, []string{"atrium", "lobby"}, ids)

	status, one := do[model.AgentStatus](t, e, http.MethodGet, "/v1/agents/atrium", viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.TierElevated, one.Data.Tier)

	status, _ = do[any](t, e, http.MethodGet, "/v1/agents/warehouse", viewer, nil)
	assert.Equal(t, http.StatusNotFound, status)

	admin := e.token(t, "root", "", model.RoleAdmin)
	status, list = do[[]model.AgentStatus](t, e, http.MethodGet, "/v1/agents", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list.Data, 3)
}

func TestStatsAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	approver := e.token(t, "alice", "acme", model.RoleApprover)
	status, _ := do[any](t, e, http.MethodGet, "/v1/stats", approver, nil)
	assert.Equal(t, http.StatusForbidden, status)

	admin := e.token(t, "root", "", model.RoleAdmin)
	status, stats := do[agent.Stats](t, e, http.MethodGet, "/v1/stats", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, stats.Data.Registered)
}

func TestAgentActivityPagination(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	runID := uuid.New()
	kinds := []model.ActivityKind{model.KindRunStarted, model.KindObservation, model.KindDecision, model.KindToolCall, model.KindRunCompleted}
	for _, k := range kinds {
		_, err := e.log.Append(ctx, model.ActivityRecord{AgentID: "lobby", TenantID: "acme", RunID: runID, Kind: k})
		require.NoError(t, err)
	}
	viewer := e.token(t, "dashboard", "acme", model.RoleViewer)

	var got []model.ActivityKind
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "pagination did not terminate")
		path := "/v1/agents/lobby/activity?limit=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		status, page := do[[]model.ActivityRecord](t, e, http.MethodGet, path, viewer, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, 2, page.Limit)
		assert.LessOrEqual(t, len(page.Data), 2)
		for _, rec := range page.Data {
			got = append(got, rec.Kind)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, kinds, got)

	status, body := do[any](t, e, http.MethodGet, "/v1/agents/lobby/activity?cursor=garbage", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	status, _ = do[any](t, e, http.MethodGet, "/v1/agents/lobby/activity?from=yesterday", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	status, empty := do[[]model.ActivityRecord](t, e, http.MethodGet, "/v1/agents/lobby/activity?from="+future, viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, empty.Data)
	assert.Empty(t, empty.Data)

	status, verify := do[map[string]any](t, e, http.MethodGet, "/v1/agents/lobby/verify", viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, verify.Data["valid"])

	outsider := e.token(t, "bob", "globex", model.RoleViewer)
	status, _ = do[any](t, e, http.MethodGet, "/v1/agents/lobby/activity", outsider, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTriggerRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()
	e := newTestEnv(t, func(c *server.ServerConfig) { c.Limiter = limiter })
	operator := e.token(t, "ops-bot", "acme", model.RoleOperator)

	status, _ := do[model.TriggerResponse](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, nil)
	assert.Equal(t, http.StatusOK, status)
	status, body := do[any](t, e, http.MethodPost, "/v1/agents/lobby/trigger", operator, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	status, _ = do[model.TriggerResponse](t, e, http.MethodPost, "/v1/agents/atrium/trigger", operator, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestApprovalStream(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "alice", "acme", model.RoleApprover)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/approvals/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The other tenant's request must not reach this stream.
	_, err = e.queue.Enqueue(ctx, model.Decision{ID: uuid.New(), AgentID: "warehouse", TenantID: "globex", Category: model.CategoryStopRobot}, model.Continuation{})
	require.NoError(t, err)
	want, err := e.queue.Enqueue(ctx, model.Decision{ID: uuid.New(), AgentID: "lobby", TenantID: "acme", Category: model.CategoryStartCleaning}, model.Continuation{})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "approval_requested", event)
	var got model.ApprovalRequest
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
}

func TestApprovalStreamRejectsForeignTenant(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "alice", "acme", model.RoleApprover)
	status, body := do[any](t, e, http.MethodGet, "/v1/approvals/stream?tenant_id=globex", token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeForbidden, body.Error.Code)
}

// newMCPClient connects to a mounted tool server with the given bearer token.
func newMCPClient(t *testing.T, e *testEnv, domain model.ToolDomain, token string) *mcpclient.Client {
	t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	c, err := mcpclient.NewStreamableHttpClient(e.srv.URL+"/mcp/"+string(domain), mcptransport.WithHTTPHeaders(headers))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func initialize(ctx context.Context, c *mcpclient.Client) error {
	_, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	return err
}

func TestMCPOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := newMCPClient(t, e, model.DomainSpace, e.token(t, "planner", "acme", model.RoleViewer))
	require.NoError(t, initialize(ctx, c))

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names[model.ToolSpaceList])
	assert.True(t, names[model.ToolSpaceGet])

	call := func(name string, args map[string]any) *mcplib.CallToolResult {
		res, err := c.CallTool(ctx, mcplib.CallToolRequest{Params: mcplib.CallToolParams{Name: name, Arguments: args}})
		require.NoError(t, err)
		return res
	}

	res := call(model.ToolSpaceList, map[string]any{"tenant_id": "acme"})
	assert.False(t, res.IsError)
	text := res.Content[0].(mcplib.TextContent).Text
	assert.Contains(t, text, "lobby-1f")
	assert.NotContains(t, text, "dock")

	assert.True(t, call(model.ToolSpaceList, map[string]any{"tenant_id": "globex"}).IsError, "tenant comes from the token")
	assert.True(t, call(model.ToolSpaceGet, map[string]any{"space_id": "dock"}).IsError)
}

func TestMCPUnauthenticated(t *testing.T) {
	e := newTestEnv(t)
	c := newMCPClient(t, e, model.DomainSpace, "")
	assert.Error(t, initialize(context.Background(), c))
}

func TestToolDomainsAreMountedSeparately(t *testing.T) {
	e := newTestEnv(t)
	c := newMCPClient(t, e, model.DomainRobot, e.token(t, "planner", "acme", model.RoleViewer))
	assert.Error(t, initialize(context.Background(), c), "robot tools are not mounted in this env")
}
