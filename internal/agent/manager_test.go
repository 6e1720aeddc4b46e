package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/soji/internal/activity"
	"github.com/ashita-ai/soji/internal/agent"
	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/toolclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubEscalator struct {
	verdict model.Verdict
	autos   atomic.Int64
}

func (s *stubEscalator) RequiredTier(model.DecisionCategory, bool) model.AutonomyTier {
	return model.TierStandard
}

func (s *stubEscalator) Evaluate(context.Context, model.Decision, model.AutonomyTier) model.EscalationResult {
	return model.EscalationResult{Verdict: s.verdict, Reason: "stub"}
}

func (s *stubEscalator) RecordAutoExecution(context.Context, string) error {
	s.autos.Add(1)
	return nil
}

type toolCall struct {
	name string
	args map[string]any
}

type stubTools struct {
	mu    sync.Mutex
	calls []toolCall
	err   error
}

func (s *stubTools) Call(_ context.Context, name string, args map[string]any) (*toolclient.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, toolCall{name: name, args: args})
	if s.err != nil {
		return nil, s.err
	}
	return &toolclient.Result{Tool: name, Data: json.RawMessage(`{}`), Attempts: 1}, nil
}

func (s *stubTools) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeAgent struct {
	cfg    model.AgentConfig
	run    func(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error)
	resume func(ctx context.Context, rc *agent.RunContext, cont model.Continuation, approved bool) (agent.Outcome, error)
}

func (f *fakeAgent) ID() string                        { return f.cfg.AgentID }
func (f *fakeAgent) Kind() string                      { return "fake" }
func (f *fakeAgent) Config() model.AgentConfig         { return f.cfg }
func (f *fakeAgent) Configure(model.AgentConfig) error { return nil }
func (f *fakeAgent) DescribeState() map[string]any     { return map[string]any{"fake": true} }

func (f *fakeAgent) Run(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
	return f.run(ctx, rc)
}

func (f *fakeAgent) Resume(ctx context.Context, rc *agent.RunContext, cont model.Continuation, approved bool) (agent.Outcome, error) {
	if f.resume == nil {
		return agent.Completed("resumed"), nil
	}
	return f.resume(ctx, rc, cont, approved)
}

func newFake(id string, run func(context.Context, *agent.RunContext) (agent.Outcome, error)) *fakeAgent {
	return &fakeAgent{
		cfg: model.AgentConfig{AgentID: id, Kind: "fake", TenantID: "t1", Tier: model.TierStandard},
		run: run,
	}
}

func startDecision(rc *agent.RunContext) model.Decision {
	return model.Decision{
		ID:        uuid.New(),
		AgentID:   rc.AgentID,
		TenantID:  rc.TenantID,
		RunID:     rc.RunID,
		Category:  model.CategoryStartCleaning,
		Tool:      model.ToolRobotStart,
		Arguments: map[string]any{"robot_id": "r1", "task_id": "k1"},
		TaskID:    "k1",
		RobotID:   "r1",
	}
}

// submitOnce proposes one decision and executes it when allowed.
func submitOnce(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
	d := startDecision(rc)
	res, req, err := rc.Submit(ctx, d, model.Continuation{})
	if err != nil {
		return agent.Outcome{}, err
	}
	switch res.Verdict {
	case model.VerdictRequireApproval:
		return agent.Suspended(req.ID), nil
	case model.VerdictReject:
		return agent.Completed("rejected"), nil
	}
	if err := rc.Execute(ctx, d); err != nil {
		return agent.Outcome{}, err
	}
	return agent.Completed("done"), nil
}

func executeApproved(ctx context.Context, rc *agent.RunContext, cont model.Continuation, approved bool) (agent.Outcome, error) {
	if !approved {
		return agent.Completed("rejected"), nil
	}
	if err := rc.ExecuteApproved(ctx, cont.Decision); err != nil {
		return agent.Outcome{}, err
	}
	return agent.Completed("done"), nil
}

type harness struct {
	mgr   *agent.Manager
	log   *activity.Log
	queue *approval.Queue
	esc   *stubEscalator
	tools *stubTools
}

func newHarness(t *testing.T, cfg agent.Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, activity.NewMemoryStore(), approval.NewMemoryStore())
}

func newHarnessWith(t *testing.T, cfg agent.Config, acts activity.Store, approvals approval.Store) *harness {
	t.Helper()
	h := &harness{
		log:   activity.New(acts, testLogger()),
		queue: approval.NewQueue(approvals, nil, testLogger()),
		esc:   &stubEscalator{verdict: model.VerdictAutoExecute},
		tools: &stubTools{},
	}
	h.mgr = agent.NewManager(agent.Deps{
		Tools:     h.tools,
		Escalator: h.esc,
		Approvals: h.queue,
		Log:       h.log,
	}, cfg, testLogger())
	return h
}

func (h *harness) history(t *testing.T, agentID string) []model.ActivityRecord {
	t.Helper()
	var out []model.ActivityRecord
	for rec, err := range h.log.Query(context.Background(), agentID, model.TimeRange{}, 100) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func kinds(recs []model.ActivityRecord) []model.ActivityKind {
	out := make([]model.ActivityKind, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Kind)
	}
	return out
}

func count(recs []model.ActivityRecord, kind model.ActivityKind) int {
	n := 0
	for _, r := range recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func TestTrigger_Completes(t *testing.T) {
	h := newHarness(t, agent.Config{})
	require.NoError(t, h.mgr.Register(newFake("a1", submitOnce)))

	resp, err := h.mgr.Trigger(context.Background(), "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, resp.State)
	assert.Equal(t, 1, resp.Result.ActionsExecuted)
	assert.Nil(t, resp.ApprovalID)
	assert.Equal(t, int64(1), h.esc.autos.Load())

	recs := h.history(t, "a1")
	assert.Equal(t, []model.ActivityKind{
		model.KindRunStarted, model.KindDecision, model.KindToolCall, model.KindRunCompleted,
	}, kinds(recs))
	assert.NotEmpty(t, recs[3].Payload["run_digest"])
	assert.GreaterOrEqual(t, count(recs, model.KindDecision), count(recs, model.KindToolCall))
	require.NoError(t, h.log.Verify(context.Background(), "a1"))

	require.Len(t, h.tools.calls, 1)
	assert.Equal(t, recs[1].Payload["decision"].(model.Decision).ID.String(), h.tools.calls[0].args["decision_id"])

	st, err := h.mgr.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, st.State)
	assert.Equal(t, resp.RunID, *st.LastRunID)
	assert.Equal(t, true, st.Details["fake"])

	stats := h.mgr.Stats()
	assert.Equal(t, 1, stats.Registered)
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.ActionsExecuted)
}

func TestTrigger_UnknownAgentAndTenant(t *testing.T) {
	h := newHarness(t, agent.Config{})
	require.NoError(t, h.mgr.Register(newFake("a1", submitOnce)))

	_, err := h.mgr.Trigger(context.Background(), "ghost", "t1")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
	_, err = h.mgr.Trigger(context.Background(), "a1", "t2")
	assert.ErrorIs(t, err, agent.ErrTenantMismatch)
	assert.ErrorIs(t, h.mgr.Register(newFake("a1", submitOnce)), agent.ErrDuplicateAgent)
	assert.Empty(t, h.history(t, "a1"))
}

func TestTrigger_SingleFlight(t *testing.T) {
	h := newHarness(t, agent.Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, h.mgr.Register(newFake("a1", func(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
		once.Do(func() { close(started) })
		<-release
		return agent.Completed("done"), nil
	})))

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := h.mgr.Trigger(context.Background(), "a1", "t1")
			errs <- err
		}()
	}

	<-started
	// The run holding the lock is parked, so the first result is the loser.
	first := <-errs
	close(release)
	second := <-errs

	require.Error(t, first)
	assert.True(t, agent.IsAgentBusy(first))
	var busy *agent.AgentBusyError
	require.ErrorAs(t, first, &busy)
	assert.Equal(t, "a1", busy.AgentID)
	assert.NoError(t, second)

	stats := h.mgr.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.BusyRejections)
	assert.Equal(t, 1, count(h.history(t, "a1"), model.KindRunStarted))
}

func TestTrigger_Timeout(t *testing.T) {
	h := newHarness(t, agent.Config{RunTimeout: 20 * time.Millisecond})
	calls := 0
	require.NoError(t, h.mgr.Register(newFake("a1", func(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
		calls++
		if calls > 1 {
			return agent.Completed("done"), nil
		}
		for {
			if err := rc.Checkpoint(ctx); err != nil {
				return agent.Outcome{}, err
			}
			time.Sleep(2 * time.Millisecond)
		}
	})))

	resp, err := h.mgr.Trigger(context.Background(), "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentFailed, resp.State)
	assert.Equal(t, agent.ErrRunTimeout.Error(), resp.Error)

	recs := h.history(t, "a1")
	assert.Equal(t, []model.ActivityKind{model.KindRunStarted, model.KindTimeout, model.KindRunFailed}, kinds(recs))
	assert.Equal(t, "timeout", recs[2].Outcome)

	st, err := h.mgr.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentFailed, st.State)
	assert.NotEmpty(t, st.LastError)

	// Failed is not sticky.
	resp, err = h.mgr.Trigger(context.Background(), "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, resp.State)
	assert.Equal(t, int64(1), h.mgr.Stats().Failed)
}

func TestTrigger_Cancelled(t *testing.T) {
	h := newHarness(t, agent.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.mgr.Register(newFake("a1", func(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
		if _, err := submitOnce(ctx, rc); err != nil {
			return agent.Outcome{}, err
		}
		cancel()
		if err := rc.Checkpoint(ctx); err != nil {
			return agent.Outcome{}, err
		}
		return agent.Completed("done"), nil
	})))

	resp, err := h.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentFailed, resp.State)
	assert.Equal(t, 1, resp.Result.ActionsExecuted, "executed actions are not rolled back")

	recs := h.history(t, "a1")
	last := recs[len(recs)-1]
	assert.Equal(t, model.KindRunFailed, last.Kind)
	assert.Equal(t, "cancelled", last.Outcome)
}

func TestTrigger_ErrorAndPanicFailTheRun(t *testing.T) {
	h := newHarness(t, agent.Config{})
	h.tools.err = &toolclient.FatalError{Tool: model.ToolRobotStart, DecisionID: "d", Err: errors.New("connection reset")}
	require.NoError(t, h.mgr.Register(newFake("a1", submitOnce)))
	require.NoError(t, h.mgr.Register(newFake("a2", func(context.Context, *agent.RunContext) (agent.Outcome, error) {
		panic("boom")
	})))

	resp, err := h.mgr.Trigger(context.Background(), "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentFailed, resp.State)
	assert.Equal(t, 1, resp.Result.ActionsFailed)
	assert.Contains(t, resp.Error, "effect unknown")
	recs := h.history(t, "a1")
	assert.Equal(t, []model.ActivityKind{
		model.KindRunStarted, model.KindDecision, model.KindToolCall, model.KindError, model.KindRunFailed,
	}, kinds(recs))
	assert.Equal(t, "fatal", recs[2].Outcome)

	resp, err = h.mgr.Trigger(context.Background(), "a2", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentFailed, resp.State)
	assert.Contains(t, resp.Error, "panicked")
	assert.Equal(t, model.KindRunFailed, h.history(t, "a2")[2].Kind)

	st, err := h.mgr.Status("a2")
	require.NoError(t, err)
	assert.NotEqual(t, model.AgentRunning, st.State, "a run is never left running")
}

func TestTrigger_ConflictIsRecorded(t *testing.T) {
	h := newHarness(t, agent.Config{})
	h.tools.err = &toolclient.ConflictError{Tool: model.ToolRobotStart, Resource: "robot", CurrentState: "working"}
	require.NoError(t, h.mgr.Register(newFake("a1", func(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
		_, err := submitOnce(ctx, rc)
		if toolclient.IsConflict(err) {
			return agent.Completed("conflict absorbed"), nil
		}
		return agent.Outcome{}, err
	})))

	resp, err := h.mgr.Trigger(context.Background(), "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, resp.State)
	assert.Equal(t, 0, resp.Result.ActionsFailed)
	recs := h.history(t, "a1")
	require.Equal(t, 1, count(recs, model.KindConflict))
	assert.Equal(t, "working", recs[2].Payload["current_state"])
	assert.Equal(t, int64(0), h.esc.autos.Load())
}

func TestResolveApproval_Approve(t *testing.T) {
	h := newHarness(t, agent.Config{})
	h.esc.verdict = model.VerdictRequireApproval
	a := newFake("a1", submitOnce)
	a.resume = executeApproved
	require.NoError(t, h.mgr.Register(a))
	ctx := context.Background()

	resp, err := h.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentWaitingApproval, resp.State)
	require.NotNil(t, resp.ApprovalID)
	assert.Equal(t, 1, resp.Result.PendingApprovals)
	assert.Equal(t, 0, h.tools.count(), "nothing executes before approval")

	pending, err := h.queue.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, *resp.ApprovalID, pending[0].ID)

	_, err = h.mgr.Trigger(ctx, "a1", "t1")
	assert.True(t, agent.IsAgentBusy(err), "a suspended run holds the agent")
	stats := h.mgr.Stats()
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, int64(1), stats.PendingApprovals)

	resp, err = h.mgr.ResolveApproval(ctx, *resp.ApprovalID, true, "ops@t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, resp.State)
	assert.Equal(t, 1, resp.Result.ActionsExecuted)
	assert.Equal(t, 0, resp.Result.PendingApprovals)
	assert.Equal(t, int64(0), h.esc.autos.Load(), "approved actions do not count as autonomous")

	recs := h.history(t, "a1")
	assert.Equal(t, []model.ActivityKind{
		model.KindRunStarted, model.KindDecision, model.KindEscalated, model.KindRunSuspended,
		model.KindApproved, model.KindRunResumed, model.KindToolCall, model.KindRunCompleted,
	}, kinds(recs))
	assert.Equal(t, "ops@t1", recs[6].Payload["approver"])
	for _, r := range recs {
		assert.Equal(t, resp.RunID, r.RunID, "a resumed run keeps its run id")
	}
	require.NoError(t, h.log.Verify(ctx, "a1"))

	unresumed, err := h.queue.ListUnresumed(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresumed)
	assert.Equal(t, int64(0), h.mgr.Stats().PendingApprovals)

	_, err = h.mgr.ResolveApproval(ctx, pending[0].ID, false, "ops@t1")
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
	_, err = h.mgr.ResolveApproval(ctx, uuid.New(), true, "ops@t1")
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestResolveApproval_Reject(t *testing.T) {
	h := newHarness(t, agent.Config{})
	h.esc.verdict = model.VerdictRequireApproval
	a := newFake("a1", submitOnce)
	a.resume = executeApproved
	require.NoError(t, h.mgr.Register(a))
	ctx := context.Background()

	resp, err := h.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)
	resp, err = h.mgr.ResolveApproval(ctx, *resp.ApprovalID, false, "ops@t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, resp.State)
	assert.Equal(t, 0, resp.Result.ActionsExecuted)
	assert.Equal(t, 0, h.tools.count())

	recs := h.history(t, "a1")
	assert.Equal(t, 1, count(recs, model.KindRejected))
	assert.Equal(t, model.KindRunCompleted, recs[len(recs)-1].Kind)

	// The agent is free again.
	h.esc.verdict = model.VerdictAutoExecute
	resp, err = h.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentCompleted, resp.State)
}

func TestRecoverResumable(t *testing.T) {
	acts, approvals := activity.NewMemoryStore(), approval.NewMemoryStore()
	ctx := context.Background()

	before := newHarnessWith(t, agent.Config{}, acts, approvals)
	before.esc.verdict = model.VerdictRequireApproval
	require.NoError(t, before.mgr.Register(newFake("a1", submitOnce)))
	resp, err := before.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.AgentWaitingApproval, resp.State)

	// Resolved, then the process died before resuming.
	_, err = before.queue.Resolve(ctx, *resp.ApprovalID, true, "ops@t1")
	require.NoError(t, err)

	after := newHarnessWith(t, agent.Config{}, acts, approvals)
	a := newFake("a1", submitOnce)
	a.resume = executeApproved
	require.NoError(t, after.mgr.Register(a))

	n, err := after.mgr.RecoverResumable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, after.tools.count())

	recs := after.history(t, "a1")
	assert.Equal(t, model.KindRunCompleted, recs[len(recs)-1].Kind)
	require.NoError(t, after.log.Verify(ctx, "a1"))

	n, err = after.mgr.RecoverResumable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a resumed continuation is not replayed")
}

func TestRecoverResumable_RestoresWaitingState(t *testing.T) {
	acts, approvals := activity.NewMemoryStore(), approval.NewMemoryStore()
	ctx := context.Background()

	before := newHarnessWith(t, agent.Config{}, acts, approvals)
	before.esc.verdict = model.VerdictRequireApproval
	require.NoError(t, before.mgr.Register(newFake("a1", submitOnce)))
	_, err := before.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)

	after := newHarnessWith(t, agent.Config{}, acts, approvals)
	require.NoError(t, after.mgr.Register(newFake("a1", submitOnce)))
	n, err := after.mgr.RecoverResumable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st, err := after.mgr.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentWaitingApproval, st.State)
	_, err = after.mgr.Trigger(ctx, "a1", "t1")
	assert.True(t, agent.IsAgentBusy(err))
}

func TestTrigger_ApprovalResolvedOnAnotherInstance(t *testing.T) {
	acts, approvals := activity.NewMemoryStore(), approval.NewMemoryStore()
	ctx := context.Background()

	first := newHarnessWith(t, agent.Config{}, acts, approvals)
	first.esc.verdict = model.VerdictRequireApproval
	require.NoError(t, first.mgr.Register(newFake("a1", submitOnce)))
	resp, err := first.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.AgentWaitingApproval, resp.State)

	second := newHarnessWith(t, agent.Config{}, acts, approvals)
	b := newFake("a1", submitOnce)
	b.resume = executeApproved
	require.NoError(t, second.mgr.Register(b))
	resolved, err := second.mgr.ResolveApproval(ctx, *resp.ApprovalID, true, "ops@t1")
	require.NoError(t, err)
	require.Equal(t, model.AgentCompleted, resolved.State)

	first.esc.verdict = model.VerdictAutoExecute
	resp, err = first.mgr.Trigger(ctx, "a1", "t1")
	require.NoError(t, err, "the stale waiting state must not hold the agent")
	assert.Equal(t, model.AgentCompleted, resp.State)
	assert.Equal(t, int64(0), first.mgr.Stats().PendingApprovals)
	require.NoError(t, first.log.Verify(ctx, "a1"))
}

func TestHistory_RunsNeverOverlap(t *testing.T) {
	h := newHarness(t, agent.Config{})
	require.NoError(t, h.mgr.Register(newFake("a1", func(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
		time.Sleep(time.Millisecond)
		return submitOnce(ctx, rc)
	})))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				_, err := h.mgr.Trigger(context.Background(), "a1", "t1")
				if err != nil {
					assert.True(t, agent.IsAgentBusy(err))
				}
			}
		}()
	}
	wg.Wait()

	recs := h.history(t, "a1")
	open := false
	for _, r := range recs {
		switch {
		case r.Kind == model.KindRunStarted:
			assert.False(t, open, "run_started at seq %d before the prior run ended", r.Seq)
			open = true
		case r.Kind.Terminal():
			open = false
		}
	}
	assert.False(t, open)
	assert.GreaterOrEqual(t, count(recs, model.KindDecision), count(recs, model.KindToolCall))

	stats := h.mgr.Stats()
	assert.Equal(t, int64(20), stats.Runs+stats.BusyRejections)
}

func TestList(t *testing.T) {
	h := newHarness(t, agent.Config{})
	require.NoError(t, h.mgr.Register(newFake("b", submitOnce)))
	require.NoError(t, h.mgr.Register(newFake("a", submitOnce)))

	list := h.mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].AgentID)
	assert.Equal(t, model.AgentIdle, list[1].State)

	_, err := h.mgr.Status("ghost")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestCreate_UsesFactory(t *testing.T) {
	h := newHarness(t, agent.Config{})
	h.mgr.RegisterKind("fake", func(cfg model.AgentConfig, _ *slog.Logger) (agent.Agent, error) {
		return &fakeAgent{cfg: cfg, run: submitOnce}, nil
	})

	a, err := h.mgr.Create(model.AgentConfig{AgentID: "a1", Kind: "fake", TenantID: "t1", Tier: model.TierStandard})
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID())

	_, err = h.mgr.Create(model.AgentConfig{AgentID: "a2", Kind: "mystery", TenantID: "t1", Tier: model.TierStandard})
	assert.Error(t, err)
	_, err = h.mgr.Create(model.AgentConfig{AgentID: "", Kind: "fake", TenantID: "t1"})
	assert.Error(t, err)
}
