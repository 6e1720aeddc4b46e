package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/activity"
	"github.com/ashita-ai/soji/internal/agent"
	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/integrity"
	"github.com/ashita-ai/soji/internal/model"
)

// AgentRuntime is the agent manager as the HTTP API uses it.
// *agent.Manager satisfies it.
type AgentRuntime interface {
	Trigger(ctx context.Context, agentID, tenantID string) (model.TriggerResponse, error)
	ResolveApproval(ctx context.Context, id uuid.UUID, approved bool, approver string) (model.TriggerResponse, error)
	Stats() agent.Stats
	Status(agentID string) (model.AgentStatus, error)
	List() []model.AgentStatus
}

// ApprovalReader reads the approval queue. *approval.Queue satisfies it.
type ApprovalReader interface {
	Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	ListPending(ctx context.Context, tenantID string) ([]model.ApprovalRequest, error)
}

// ActivityReader reads the activity log. *activity.Log satisfies it.
type ActivityReader interface {
	Page(ctx context.Context, agentID string, r model.TimeRange, cursor string, limit int) (activity.Page, error)
	Verify(ctx context.Context, agentID string) error
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runtime             AgentRuntime
	approvals           ApprovalReader
	activity            ActivityReader
	broker              *Broker
	db                  Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, DB.
type HandlersDeps struct {
	Runtime             AgentRuntime
	Approvals           ApprovalReader
	Activity            ActivityReader
	Broker              *Broker
	DB                  Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		runtime:             d.Runtime,
		approvals:           d.Approvals,
		activity:            d.Activity,
		broker:              d.Broker,
		db:                  d.DB,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleTrigger handles POST /v1/agents/{agent_id}/trigger. The run executes
// within the request; a run suspended for approval answers 202.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r)
	agentID := r.PathValue("agent_id")

	var req model.TriggerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = claims.TenantID
	}
	if tenantID != "" && !claims.CanAccess(tenantID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant outside caller scope")
		return
	}
	if _, ok := h.visibleAgent(w, r, agentID); !ok {
		return
	}

	resp, err := h.runtime.Trigger(r.Context(), agentID, tenantID)
	if err != nil {
		h.writeRuntimeError(w, r, agentID, err)
		return
	}
	status := http.StatusOK
	if resp.State == model.AgentWaitingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, resp)
}

// HandleListAgents handles GET /v1/agents. Agents outside the caller's
// tenant are omitted.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r)
	all := h.runtime.List()
	out := make([]model.AgentStatus, 0, len(all))
	for _, st := range all {
		if claims.CanAccess(st.TenantID) {
			out = append(out, st)
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.visibleAgent(w, r, r.PathValue("agent_id"))
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleAgentActivity handles GET /v1/agents/{agent_id}/activity.
func (h *Handlers) HandleAgentActivity(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if _, ok := h.visibleAgent(w, r, agentID); !ok {
		return
	}

	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var tr model.TimeRange
	if from != nil {
		tr.From = *from
	}
	if to != nil {
		tr.To = *to
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from must be before to")
		return
	}
	limit := queryLimit(r, activity.DefaultPageSize)

	page, err := h.activity.Page(r.Context(), agentID, tr, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, activity.ErrInvalidCursor) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid cursor")
			return
		}
		h.writeInternalError(w, r, "failed to read activity", err)
		return
	}
	records := page.Records
	if records == nil {
		records = []model.ActivityRecord{}
	}
	writePage(w, r, records, page.NextCursor, limit)
}

// HandleVerifyAgent handles GET /v1/agents/{agent_id}/verify. A broken chain
// is reported in the body, not as an HTTP error.
func (h *Handlers) HandleVerifyAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if _, ok := h.visibleAgent(w, r, agentID); !ok {
		return
	}
	err := h.activity.Verify(r.Context(), agentID)
	if err != nil && !errors.Is(err, integrity.ErrChainBroken) {
		h.writeInternalError(w, r, "failed to verify activity", err)
		return
	}
	resp := map[string]any{"agent_id": agentID, "valid": err == nil}
	if err != nil {
		h.logger.Error("activity chain broken", "agent_id", agentID, "error", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListApprovals handles GET /v1/approvals.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.scopedTenant(w, r)
	if !ok {
		return
	}
	reqs, err := h.approvals.ListPending(r.Context(), tenantID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list approvals", err)
		return
	}
	if reqs == nil {
		reqs = []model.ApprovalRequest{}
	}
	writeJSON(w, r, http.StatusOK, reqs)
}

// HandleGetApproval handles GET /v1/approvals/{id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleApproval(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleResolveApproval handles POST /v1/approvals/{id}/resolve. The
// suspended run resumes within the request and its outcome is returned.
func (h *Handlers) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r)

	var body model.ResolveApprovalRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if body.Approved == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "approved is required")
		return
	}

	req, ok := h.visibleApproval(w, r)
	if !ok {
		return
	}

	resp, err := h.runtime.ResolveApproval(r.Context(), req.ID, *body.Approved, claims.Identity())
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval not found")
		case errors.Is(err, approval.ErrAlreadyResolved):
			writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyResolved, "approval already resolved")
		default:
			h.writeRuntimeError(w, r, req.AgentID, err)
		}
		return
	}

	h.logger.Info("approval resolved",
		"approval_id", req.ID,
		"agent_id", req.AgentID,
		"approved", *body.Approved,
		"approver", claims.Identity(),
		"request_id", RequestIDFromContext(r),
	)
	status := http.StatusOK
	if resp.State == model.AgentWaitingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, resp)
}

// HandleApprovalStream handles GET /v1/approvals/stream (SSE).
func (h *Handlers) HandleApprovalStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "approval stream not available")
		return
	}
	tenantID, ok := h.scopedTenant(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out: a client that has seen the
	// response must not miss a request enqueued after that point.
	ch := h.broker.Subscribe(tenantID)
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Lift the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.runtime.Stats())
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Postgres = "connected"
		if err := h.db.Ping(ctx); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

// visibleAgent loads agentID's status. Agents outside the caller's tenant
// answer 404 so their existence is not disclosed.
func (h *Handlers) visibleAgent(w http.ResponseWriter, r *http.Request, agentID string) (model.AgentStatus, bool) {
	st, err := h.runtime.Status(agentID)
	if err != nil || !ClaimsFromContext(r).CanAccess(st.TenantID) {
		if err != nil && !errors.Is(err, agent.ErrAgentNotFound) {
			h.writeInternalError(w, r, "failed to load agent", err)
			return model.AgentStatus{}, false
		}
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return model.AgentStatus{}, false
	}
	return st, true
}

// visibleApproval loads the approval named by the {id} path value, with the
// same 404 rule as visibleAgent.
func (h *Handlers) visibleApproval(w http.ResponseWriter, r *http.Request) (model.ApprovalRequest, bool) {
	id, err := parseApprovalID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.ApprovalRequest{}, false
	}
	req, err := h.approvals.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval not found")
			return model.ApprovalRequest{}, false
		}
		h.writeInternalError(w, r, "failed to load approval", err)
		return model.ApprovalRequest{}, false
	}
	if !ClaimsFromContext(r).CanAccess(req.TenantID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval not found")
		return model.ApprovalRequest{}, false
	}
	return req, true
}

// scopedTenant resolves the tenant_id query parameter against the caller's
// claims. It defaults to the caller's own tenant; an empty result means
// every tenant and is only reachable by an unscoped admin.
func (h *Handlers) scopedTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := ClaimsFromContext(r)
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = claims.TenantID
	}
	if !claims.CanAccess(tenantID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "tenant outside caller scope")
		return "", false
	}
	return tenantID, true
}

func (h *Handlers) writeRuntimeError(w http.ResponseWriter, r *http.Request, agentID string, err error) {
	switch {
	case agent.IsAgentBusy(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, model.ErrCodeAgentBusy, err.Error())
	case errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, agent.ErrTenantMismatch):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
	default:
		h.writeInternalError(w, r, "agent run could not start", fmt.Errorf("agent %s: %w", agentID, err))
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseApprovalID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("approval id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid approval id: %s", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, activity.MaxPageSize].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > activity.MaxPageSize {
		return activity.MaxPageSize
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2026-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
