package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/integrity"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/telemetry"
)

// DefaultRunTimeout bounds a run segment when Config.RunTimeout is unset.
const DefaultRunTimeout = 2 * time.Minute

// Approvals is the approval queue as the manager uses it. *approval.Queue
// satisfies it.
type Approvals interface {
	ApprovalQueue
	Resolve(ctx context.Context, id uuid.UUID, approved bool, approver string) (approval.Resolution, error)
	MarkResumed(ctx context.Context, id uuid.UUID) error
	ListUnresumed(ctx context.Context) ([]approval.Resolution, error)
	ListPending(ctx context.Context, tenantID string) ([]model.ApprovalRequest, error)
}

// Factory builds an agent of one kind from its configuration.
type Factory func(cfg model.AgentConfig, logger *slog.Logger) (Agent, error)

// Config holds manager settings.
type Config struct {
	RunTimeout time.Duration
}

// Deps are the runtime services shared by every agent.
type Deps struct {
	Tools     ToolCaller
	Escalator Escalator
	Approvals Approvals
	Log       Recorder
}

// Stats is a point-in-time snapshot of the manager's counters.
type Stats struct {
	Registered       int   `json:"registered"`
	Running          int   `json:"running"`
	Waiting          int   `json:"waiting_approval"`
	Runs             int64 `json:"runs"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	BusyRejections   int64 `json:"busy_rejections"`
	ActionsExecuted  int64 `json:"actions_executed"`
	ActionsFailed    int64 `json:"actions_failed"`
	PendingApprovals int64 `json:"pending_approvals"`
}

// entry is one registered agent. lock is held for the whole of a run
// segment, including its terminal record.
type entry struct {
	agent Agent
	lock  *semaphore.Weighted

	mu        sync.Mutex
	state     model.AgentState
	lastRunID *uuid.UUID
	lastRunAt *time.Time
	lastError string
}

func (e *entry) setState(s model.AgentState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *entry) currentState() model.AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Manager owns the agent registry and drives runs. It is safe for
// concurrent use.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	agents    map[string]*entry
	factories map[string]Factory

	runs            atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	busy            atomic.Int64
	actionsExecuted atomic.Int64
	actionsFailed   atomic.Int64
	pending         atomic.Int64

	tracer     trace.Tracer
	runCounter otelmetric.Int64Counter
	actCounter otelmetric.Int64Counter
}

// NewManager creates an empty Manager.
func NewManager(deps Deps, cfg Config, logger *slog.Logger) *Manager {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	m := &Manager{
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		agents:    make(map[string]*entry),
		factories: make(map[string]Factory),
		tracer:    telemetry.Tracer("soji/agent"),
	}
	meter := telemetry.Meter("soji/agent")
	if c, err := meter.Int64Counter("soji.runs",
		otelmetric.WithDescription("Agent run segments, by terminal state")); err == nil {
		m.runCounter = c
	}
	if c, err := meter.Int64Counter("soji.actions",
		otelmetric.WithDescription("Mutating tool actions, by outcome")); err == nil {
		m.actCounter = c
	}
	if _, err := meter.Int64ObservableGauge("soji.agents.running",
		otelmetric.WithDescription("Agents currently running"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			s := m.Stats()
			o.Observe(int64(s.Running), otelmetric.WithAttributes(attribute.String("state", string(model.AgentRunning))))
			o.Observe(int64(s.Waiting), otelmetric.WithAttributes(attribute.String("state", string(model.AgentWaitingApproval))))
			return nil
		})); err != nil {
		logger.Warn("agent: running gauge not registered", "error", err)
	}
	return m
}

// RegisterKind makes a kind available to Create.
func (m *Manager) RegisterKind(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

// Create builds an agent from cfg with the factory for cfg.Kind and
// registers it.
func (m *Manager) Create(cfg model.AgentConfig) (Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	f, ok := m.factories[cfg.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent: unknown kind %q for agent %s", cfg.Kind, cfg.AgentID)
	}
	a, err := f(cfg, m.logger.With("agent_id", cfg.AgentID))
	if err != nil {
		return nil, fmt.Errorf("agent: build %s: %w", cfg.AgentID, err)
	}
	if err := m.Register(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Register adds a to the registry.
func (m *Manager) Register(a Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID())
	}
	m.agents[a.ID()] = &entry{
		agent: a,
		lock:  semaphore.NewWeighted(1),
		state: model.AgentIdle,
	}
	m.logger.Info("agent: registered", "agent_id", a.ID(), "kind", a.Kind(), "tier", a.Config().Tier.String())
	return nil
}

func (m *Manager) lookup(agentID, tenantID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if tenantID != "" && e.agent.Config().TenantID != tenantID {
		return nil, fmt.Errorf("%w: agent %s", ErrTenantMismatch, agentID)
	}
	return e, nil
}

// Trigger starts a run of agentID for tenantID and returns when the run
// completes, fails or suspends for approval. A run that fails is reported in
// the response with State failed; the returned error is reserved for a run
// that could not start.
//
// A trigger for an agent that is running, or holding a run suspended for
// approval, fails fast with *AgentBusyError.
func (m *Manager) Trigger(ctx context.Context, agentID, tenantID string) (model.TriggerResponse, error) {
	e, err := m.lookup(agentID, tenantID)
	if err != nil {
		return model.TriggerResponse{}, err
	}
	if !e.lock.TryAcquire(1) {
		return model.TriggerResponse{}, m.rejectBusy(agentID)
	}
	defer e.lock.Release(1)
	if e.currentState() == model.AgentWaitingApproval && m.stillWaiting(ctx, e) {
		return model.TriggerResponse{}, m.rejectBusy(agentID)
	}

	cfg := e.agent.Config()
	runID := uuid.New()
	rc := m.newRunContext(e, runID, model.AgentResult{})
	since := m.now().UTC().Truncate(time.Microsecond)

	m.markRunning(e, runID, since)
	if err := rc.Record(ctx, model.KindRunStarted, "", map[string]any{
		"kind": e.agent.Kind(),
		"tier": cfg.Tier.String(),
	}); err != nil {
		e.setState(model.AgentIdle)
		return model.TriggerResponse{}, fmt.Errorf("agent: trigger %s: %w", agentID, err)
	}
	m.logger.Info("agent: run started", "agent_id", agentID, "run_id", runID, "tenant_id", cfg.TenantID)

	out, runErr := m.execute(ctx, e, "agent.run", runID, func(ctx context.Context) (Outcome, error) {
		return e.agent.Run(ctx, rc)
	})
	return m.finish(ctx, e, rc, since, model.AgentResult{}, out, runErr), nil
}

// stillWaiting reports whether e's suspended run still has a pending
// request. With a shared approval store another instance may have resolved
// and resumed it; the stale local state is then cleared. A store error
// keeps the agent busy.
func (m *Manager) stillWaiting(ctx context.Context, e *entry) bool {
	cfg := e.agent.Config()
	pending, err := m.deps.Approvals.ListPending(ctx, cfg.TenantID)
	if err != nil {
		m.logger.Warn("agent: pending check failed", "agent_id", cfg.AgentID, "error", err)
		return true
	}
	for _, req := range pending {
		if req.AgentID == cfg.AgentID {
			return true
		}
	}
	e.mu.Lock()
	cleared := e.state == model.AgentWaitingApproval
	if cleared {
		e.state = model.AgentIdle
	}
	e.mu.Unlock()
	if cleared {
		m.pending.Add(-1)
		m.logger.Info("agent: approval resolved elsewhere", "agent_id", cfg.AgentID)
	}
	return false
}

func (m *Manager) rejectBusy(agentID string) error {
	m.busy.Add(1)
	m.logger.Info("agent: busy, trigger rejected", "agent_id", agentID)
	return &AgentBusyError{AgentID: agentID}
}

// ResolveApproval resolves approval id and resumes the suspended run from
// its continuation. It fails with approval.ErrNotFound or
// approval.ErrAlreadyResolved before touching the agent.
func (m *Manager) ResolveApproval(ctx context.Context, id uuid.UUID, approved bool, approver string) (model.TriggerResponse, error) {
	res, err := m.deps.Approvals.Resolve(ctx, id, approved, approver)
	if err != nil {
		return model.TriggerResponse{}, err
	}
	return m.resume(ctx, res)
}

// RecoverResumable restores the state left by a previous process. Agents
// with a pending approval are marked waiting, and every resolved
// continuation that was never resumed is resumed now. It returns the number
// resumed.
func (m *Manager) RecoverResumable(ctx context.Context) (int, error) {
	waiting, err := m.deps.Approvals.ListPending(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("agent: recover: %w", err)
	}
	for _, req := range waiting {
		e, err := m.lookup(req.AgentID, "")
		if err != nil {
			m.logger.Warn("agent: pending approval for unknown agent", "approval_id", req.ID, "agent_id", req.AgentID)
			continue
		}
		if e.currentState() != model.AgentWaitingApproval {
			e.setState(model.AgentWaitingApproval)
			m.pending.Add(1)
		}
	}

	pending, err := m.deps.Approvals.ListUnresumed(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent: recover: %w", err)
	}
	n := 0
	var errs []error
	for _, res := range pending {
		if _, err := m.resume(ctx, res); err != nil {
			m.logger.Error("agent: recover failed", "approval_id", res.Request.ID, "agent_id", res.Request.AgentID, "error", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info("agent: recovered suspended runs", "count", n)
	}
	return n, errors.Join(errs...)
}

// resume continues a resolved run. The resolution is already committed, so
// it waits for the agent lock rather than failing fast.
func (m *Manager) resume(ctx context.Context, res approval.Resolution) (model.TriggerResponse, error) {
	cont := res.Continuation
	e, err := m.lookup(cont.AgentID, "")
	if err != nil {
		return model.TriggerResponse{}, err
	}
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return model.TriggerResponse{}, fmt.Errorf("agent: resume %s: %w", cont.AgentID, err)
	}
	defer e.lock.Release(1)

	rc := m.newRunContext(e, cont.RunID, cont.Partial)
	rc.Approver = res.Request.Approver
	if rc.Result.PendingApprovals > 0 {
		rc.Result.PendingApprovals--
	}
	if e.currentState() == model.AgentWaitingApproval {
		m.pending.Add(-1)
	}
	// The run started at most one run timeout before it suspended.
	since := cont.CreatedAt.Add(-m.cfg.RunTimeout)
	m.markRunning(e, cont.RunID, m.now().UTC())

	kind := model.KindRejected
	if res.Approved() {
		kind = model.KindApproved
	}
	if err := rc.Record(ctx, kind, string(res.Request.Status), map[string]any{
		"approval_id": res.Request.ID.String(),
		"decision_id": res.Request.Decision.ID.String(),
		"approver":    res.Request.Approver,
	}); err != nil {
		e.setState(model.AgentWaitingApproval)
		return model.TriggerResponse{}, fmt.Errorf("agent: resume %s: %w", cont.AgentID, err)
	}
	if err := rc.Record(ctx, model.KindRunResumed, "", map[string]any{"approval_id": res.Request.ID.String()}); err != nil {
		e.setState(model.AgentWaitingApproval)
		return model.TriggerResponse{}, fmt.Errorf("agent: resume %s: %w", cont.AgentID, err)
	}
	m.logger.Info("agent: run resumed", "agent_id", cont.AgentID, "run_id", cont.RunID, "approved", res.Approved())

	out, runErr := m.execute(ctx, e, "agent.resume", cont.RunID, func(ctx context.Context) (Outcome, error) {
		return e.agent.Resume(ctx, rc, cont, res.Approved())
	})
	resp := m.finish(ctx, e, rc, since, cont.Partial, out, runErr)

	// After Resume, so a crash in between replays the continuation. The
	// tool server's decision-id idempotency makes the replay safe.
	if err := m.deps.Approvals.MarkResumed(context.WithoutCancel(ctx), res.Request.ID); err != nil {
		m.logger.Error("agent: mark resumed failed", "approval_id", res.Request.ID, "error", err)
	}
	return resp, nil
}

func (m *Manager) newRunContext(e *entry, runID uuid.UUID, partial model.AgentResult) *RunContext {
	cfg := e.agent.Config()
	return &RunContext{
		RunID:    runID,
		AgentID:  cfg.AgentID,
		TenantID: cfg.TenantID,
		Tier:     cfg.Tier,
		Memory: &model.AgentContext{
			RunID:    runID,
			AgentID:  cfg.AgentID,
			TenantID: cfg.TenantID,
		},
		Result:    partial,
		tools:     m.deps.Tools,
		escalator: m.deps.Escalator,
		approvals: m.deps.Approvals,
		log:       m.deps.Log,
		logger:    m.logger.With("agent_id", cfg.AgentID, "run_id", runID),
	}
}

func (m *Manager) markRunning(e *entry, runID uuid.UUID, at time.Time) {
	m.runs.Add(1)
	e.mu.Lock()
	e.state = model.AgentRunning
	e.lastRunID = &runID
	e.lastRunAt = &at
	e.lastError = ""
	e.mu.Unlock()
}

// execute runs fn under the run timeout. A panic in the agent becomes an
// error so the run still reaches a terminal state.
func (m *Manager) execute(ctx context.Context, e *entry, span string, runID uuid.UUID, fn func(context.Context) (Outcome, error)) (out Outcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()
	ctx, sp := m.tracer.Start(ctx, span, trace.WithAttributes(
		attribute.String("agent.id", e.agent.ID()),
		attribute.String("agent.kind", e.agent.Kind()),
		attribute.String("run.id", runID.String()),
	))
	defer sp.End()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("agent: panic in run", "agent_id", e.agent.ID(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("agent: %s panicked: %v", e.agent.ID(), r)
		}
		if err != nil {
			sp.RecordError(err)
		}
	}()

	out, err = fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		err = ErrRunTimeout
	case errors.Is(err, context.Canceled):
		err = ErrCancelled
	}
	return out, err
}

// finish writes the run segment's terminal record and settles the agent's
// state. Records are written on a detached context so a cancelled or timed
// out run is still closed in the log.
func (m *Manager) finish(ctx context.Context, e *entry, rc *RunContext, since time.Time, start model.AgentResult, out Outcome, runErr error) model.TriggerResponse {
	ctx = context.WithoutCancel(ctx)
	m.actionsExecuted.Add(int64(rc.Result.ActionsExecuted - start.ActionsExecuted))
	m.actionsFailed.Add(int64(rc.Result.ActionsFailed - start.ActionsFailed))
	if m.actCounter != nil {
		m.actCounter.Add(ctx, int64(rc.Result.ActionsExecuted-start.ActionsExecuted), otelmetric.WithAttributes(attribute.String("outcome", "executed")))
		m.actCounter.Add(ctx, int64(rc.Result.ActionsFailed-start.ActionsFailed), otelmetric.WithAttributes(attribute.String("outcome", "failed")))
	}

	resp := model.TriggerResponse{
		RunID:   rc.RunID,
		AgentID: rc.AgentID,
		Result:  rc.Result,
	}

	if runErr == nil && out.State == model.AgentWaitingApproval {
		if out.ApprovalID == nil {
			runErr = fmt.Errorf("agent: %s suspended without an approval request", rc.AgentID)
		} else if err := rc.Record(ctx, model.KindRunSuspended, string(model.AgentWaitingApproval), map[string]any{
			"approval_id": out.ApprovalID.String(),
			"result":      rc.Result,
		}); err != nil {
			runErr = err
		} else {
			m.pending.Add(1)
			e.setState(model.AgentWaitingApproval)
			resp.State = model.AgentWaitingApproval
			resp.ApprovalID = out.ApprovalID
			m.countRun(ctx, resp.State)
			m.logger.Info("agent: run suspended", "agent_id", rc.AgentID, "run_id", rc.RunID, "approval_id", *out.ApprovalID)
			return resp
		}
	}

	if runErr == nil {
		payload := map[string]any{"result": rc.Result}
		if out.Reason != "" {
			payload["reason"] = out.Reason
		}
		if recs, err := m.deps.Log.RunRecords(ctx, rc.AgentID, rc.RunID, since); err != nil {
			m.logger.Warn("agent: run digest unavailable", "run_id", rc.RunID, "error", err)
		} else {
			payload["run_digest"] = integrity.RunDigest(recs)
		}
		if err := rc.Record(ctx, model.KindRunCompleted, string(model.AgentCompleted), payload); err != nil {
			runErr = err
		} else {
			m.completed.Add(1)
			e.setState(model.AgentCompleted)
			resp.State = model.AgentCompleted
			m.countRun(ctx, resp.State)
			m.logger.Info("agent: run completed", "agent_id", rc.AgentID, "run_id", rc.RunID,
				"actions_executed", rc.Result.ActionsExecuted, "actions_failed", rc.Result.ActionsFailed)
			return resp
		}
	}

	m.fail(ctx, e, rc, runErr)
	resp.State = model.AgentFailed
	resp.Error = runErr.Error()
	return resp
}

func (m *Manager) fail(ctx context.Context, e *entry, rc *RunContext, runErr error) {
	reason := "error"
	switch {
	case errors.Is(runErr, ErrRunTimeout):
		reason = "timeout"
		if err := rc.Record(ctx, model.KindTimeout, reason, map[string]any{"run_timeout": m.cfg.RunTimeout.String()}); err != nil {
			m.logger.Error("agent: timeout record not written", "run_id", rc.RunID, "error", err)
		}
	case errors.Is(runErr, ErrCancelled):
		reason = "cancelled"
	default:
		if err := rc.Record(ctx, model.KindError, "error", map[string]any{"error": runErr.Error()}); err != nil {
			m.logger.Error("agent: error record not written", "run_id", rc.RunID, "error", err)
		}
	}
	if err := rc.Record(ctx, model.KindRunFailed, reason, map[string]any{
		"reason": reason,
		"error":  runErr.Error(),
		"result": rc.Result,
	}); err != nil {
		m.logger.Error("agent: run_failed record not written", "run_id", rc.RunID, "error", err)
	}

	m.failed.Add(1)
	m.countRun(ctx, model.AgentFailed)
	e.mu.Lock()
	e.state = model.AgentFailed
	e.lastError = runErr.Error()
	e.mu.Unlock()
	m.logger.Error("agent: run failed", "agent_id", rc.AgentID, "run_id", rc.RunID, "reason", reason, "error", runErr)
}

func (m *Manager) countRun(ctx context.Context, state model.AgentState) {
	if m.runCounter != nil {
		m.runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("state", string(state))))
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Runs:             m.runs.Load(),
		Completed:        m.completed.Load(),
		Failed:           m.failed.Load(),
		BusyRejections:   m.busy.Load(),
		ActionsExecuted:  m.actionsExecuted.Load(),
		ActionsFailed:    m.actionsFailed.Load(),
		PendingApprovals: m.pending.Load(),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s.Registered = len(m.agents)
	for _, e := range m.agents {
		switch e.currentState() {
		case model.AgentRunning:
			s.Running++
		case model.AgentWaitingApproval:
			s.Waiting++
		}
	}
	return s
}

// Status describes one agent.
func (m *Manager) Status(agentID string) (model.AgentStatus, error) {
	e, err := m.lookup(agentID, "")
	if err != nil {
		return model.AgentStatus{}, err
	}
	return e.status(), nil
}

// List describes every agent, ordered by id.
func (m *Manager) List() []model.AgentStatus {
	m.mu.RLock()
	out := make([]model.AgentStatus, 0, len(m.agents))
	for _, e := range m.agents {
		out = append(out, e.status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (e *entry) status() model.AgentStatus {
	cfg := e.agent.Config()
	e.mu.Lock()
	st := model.AgentStatus{
		AgentID:   cfg.AgentID,
		Kind:      e.agent.Kind(),
		TenantID:  cfg.TenantID,
		Tier:      cfg.Tier,
		State:     e.state,
		LastRunID: e.lastRunID,
		LastRunAt: e.lastRunAt,
		LastError: e.lastError,
	}
	e.mu.Unlock()
	st.Details = e.agent.DescribeState()
	return st
}
