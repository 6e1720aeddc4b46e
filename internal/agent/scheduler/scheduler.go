// Package scheduler implements the cleaning scheduler agent. Each run reads
// the tenant's pending tasks, available robots and spaces, ranks feasible
// (task, robot) pairings and starts robots on them in ranked order, through
// escalation and, when required, human approval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/soji/internal/agent"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/toolclient"
)

// Kind is the registry kind of the cleaning scheduler.
const Kind = "cleaning_scheduler"

// taskListLimit is the most pending tasks one run considers.
const taskListLimit = 100

// Run stop reasons.
const (
	ReasonExhausted  = "exhausted"
	ReasonMaxActions = "max_actions"
	ReasonRejected   = "rejected"
)

// Scheduler is the cleaning scheduler agent.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	cfg         model.AgentConfig
	eligibility *Eligibility
	ran         bool
	runs        int
	last        lastRun
}

type lastRun struct {
	RunID      uuid.UUID
	Candidates int
	Skipped    int
	Reason     string
}

// New builds a Scheduler from cfg. Zero weights take the defaults.
func New(cfg model.AgentConfig, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{logger: logger, now: time.Now}
	if err := s.Configure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Factory adapts New to agent.Factory.
func Factory(cfg model.AgentConfig, logger *slog.Logger) (agent.Agent, error) {
	return New(cfg, logger)
}

func (s *Scheduler) ID() string   { return s.Config().AgentID }
func (s *Scheduler) Kind() string { return Kind }

func (s *Scheduler) Config() model.AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Configure validates cfg and compiles its eligibility expression. It fails
// with agent.ErrAlreadyConfigured once the agent has run.
func (s *Scheduler) Configure(cfg model.AgentConfig) error {
	if cfg.Kind == "" {
		cfg.Kind = Kind
	}
	if cfg.Kind != Kind {
		return fmt.Errorf("scheduler: kind %q is not %s", cfg.Kind, Kind)
	}
	if cfg.Weights == (model.ScoringWeights{}) {
		cfg.Weights = model.DefaultScoringWeights()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	elig, err := CompileEligibility(cfg.Eligibility)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ran {
		return agent.ErrAlreadyConfigured
	}
	s.cfg = cfg
	s.eligibility = elig
	return nil
}

func (s *Scheduler) DescribeState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{
		"runs":            s.runs,
		"battery_reserve": s.cfg.BatteryReserve,
		"max_actions":     s.cfg.MaxActions,
		"weights":         s.cfg.Weights,
	}
	if s.eligibility != nil {
		out["eligibility"] = s.eligibility.String()
	}
	if s.last.RunID != uuid.Nil {
		out["last_run_id"] = s.last.RunID.String()
		out["last_candidates"] = s.last.Candidates
		out["last_skipped"] = s.last.Skipped
		out["last_reason"] = s.last.Reason
	}
	return out
}

// begin freezes the configuration and returns the snapshot used by this run.
func (s *Scheduler) begin(runID uuid.UUID) (model.AgentConfig, *Eligibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = true
	if s.last.RunID != runID {
		s.runs++
		s.last = lastRun{RunID: runID}
	}
	return s.cfg, s.eligibility
}

func (s *Scheduler) note(f func(*lastRun)) {
	s.mu.Lock()
	f(&s.last)
	s.mu.Unlock()
}

// Run performs one scheduling pass.
func (s *Scheduler) Run(ctx context.Context, rc *agent.RunContext) (agent.Outcome, error) {
	cfg, elig := s.begin(rc.RunID)

	snap, err := s.observe(ctx, rc, cfg)
	if err != nil {
		return agent.Outcome{}, err
	}
	rc.Memory.Tasks, rc.Memory.Robots, rc.Memory.Spaces = snap.Tasks, snap.Robots, snap.Spaces
	if err := rc.Checkpoint(ctx); err != nil {
		return agent.Outcome{}, err
	}

	ranked, skips := Rank(snap, Params{
		Weights:        cfg.Weights,
		BatteryReserve: cfg.BatteryReserve,
		Now:            s.now(),
		Eligible:       elig.Allows,
	})
	rc.Memory.Candidates = ranked
	s.note(func(l *lastRun) { l.Candidates, l.Skipped = len(ranked), len(skips) })

	for _, sk := range skips {
		payload := map[string]any{"task_id": sk.TaskID, "reason": sk.Reason}
		if sk.Detail != "" {
			payload["detail"] = sk.Detail
		}
		if err := rc.Record(ctx, model.KindSkipped, sk.Reason, payload); err != nil {
			return agent.Outcome{}, err
		}
	}
	return s.walk(ctx, rc, cfg, ranked, newClaims(nil, nil))
}

// Resume continues a run after the human verdict on cont.Decision. A
// rejection ends the run with its partial result; an approval executes the
// decision and walks the remaining candidates.
func (s *Scheduler) Resume(ctx context.Context, rc *agent.RunContext, cont model.Continuation, approved bool) (agent.Outcome, error) {
	cfg, _ := s.begin(rc.RunID)
	if !approved {
		s.note(func(l *lastRun) { l.Reason = ReasonRejected })
		return agent.Completed(ReasonRejected), nil
	}

	claims := newClaims(cont.ClaimedTasks, cont.ClaimedRobots)
	if err := rc.ExecuteApproved(ctx, cont.Decision); err != nil {
		if !absorbed(err) {
			return agent.Outcome{}, err
		}
		// The continuation claimed both sides of the approved pairing.
		claims.lose(cont.Decision.TaskID, cont.Decision.RobotID, err)
	}
	return s.walk(ctx, rc, cfg, cont.Remaining, claims)
}

// observe fans the three reads out concurrently.
func (s *Scheduler) observe(ctx context.Context, rc *agent.RunContext, cfg model.AgentConfig) (Snapshot, error) {
	var (
		tasks struct {
			Tasks []model.CleaningTask `json:"tasks"`
		}
		robots struct {
			Robots []model.Robot `json:"robots"`
		}
		spaces struct {
			Spaces []model.Space `json:"spaces"`
		}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rc.Read(gctx, model.ToolTaskListPending, map[string]any{
			"tenant_id": rc.TenantID,
			"limit":     taskListLimit,
		}, &tasks)
	})
	g.Go(func() error {
		return rc.Read(gctx, model.ToolRobotListAvailable, map[string]any{
			"tenant_id":   rc.TenantID,
			"min_battery": cfg.MinBattery,
		}, &robots)
	})
	g.Go(func() error {
		return rc.Read(gctx, model.ToolSpaceList, map[string]any{"tenant_id": rc.TenantID}, &spaces)
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("scheduler: observe: %w", err)
	}
	return Snapshot{Tasks: tasks.Tasks, Robots: robots.Robots, Spaces: spaces.Spaces}, nil
}

// walk submits candidates in ranked order, skipping any task or robot
// already claimed in this run. Mutating calls are strictly sequential.
func (s *Scheduler) walk(ctx context.Context, rc *agent.RunContext, cfg model.AgentConfig, ranked []model.Candidate, claims *claimSet) (agent.Outcome, error) {
	for i, c := range ranked {
		if cfg.MaxActions > 0 && rc.Result.ActionsExecuted >= cfg.MaxActions {
			return s.done(ReasonMaxActions), nil
		}
		if err := rc.Checkpoint(ctx); err != nil {
			return agent.Outcome{}, err
		}
		if claims.taken(c) {
			continue
		}

		d := s.decide(rc, c)
		tasks, robots := claims.with(c)
		cont := model.Continuation{
			Remaining:     slices.Clone(ranked[i+1:]),
			ClaimedTasks:  tasks,
			ClaimedRobots: robots,
		}
		res, req, err := rc.Submit(ctx, d, cont)
		if err != nil {
			return agent.Outcome{}, err
		}
		switch res.Verdict {
		case model.VerdictReject:
			continue
		case model.VerdictRequireApproval:
			s.note(func(l *lastRun) { l.Reason = "awaiting_approval" })
			return agent.Suspended(req.ID), nil
		}

		err = rc.Execute(ctx, d)
		switch {
		case err == nil:
			claims.claim(c)
		case toolclient.IsConflict(err):
			claims.lose(c.TaskID, c.RobotID, err)
			s.logger.Info("scheduler: pairing lost to conflict", "run_id", rc.RunID, "task_id", c.TaskID, "robot_id", c.RobotID, "resource", conflictResource(err))
		case toolclient.IsSchema(err):
			s.logger.Warn("scheduler: decision rejected by tool schema", "run_id", rc.RunID, "decision_id", d.ID, "error", err)
		default:
			return agent.Outcome{}, err
		}
	}
	return s.done(ReasonExhausted), nil
}

func (s *Scheduler) done(reason string) agent.Outcome {
	s.note(func(l *lastRun) { l.Reason = reason })
	return agent.Completed(reason)
}

func (s *Scheduler) decide(rc *agent.RunContext, c model.Candidate) model.Decision {
	return model.Decision{
		ID:       uuid.New(),
		AgentID:  rc.AgentID,
		TenantID: rc.TenantID,
		RunID:    rc.RunID,
		Category: model.CategoryStartCleaning,
		Tool:     model.ToolRobotStart,
		Arguments: map[string]any{
			"robot_id": c.RobotID,
			"task_id":  c.TaskID,
		},
		TaskID:       c.TaskID,
		RobotID:      c.RobotID,
		RequiredTier: rc.RequiredTier(model.CategoryStartCleaning, c.Restricted),
		Score:        c.Score,
		Rationale: fmt.Sprintf("start %s on %s in zone %s: score %.3f, battery %.0f, energy %.0f",
			c.RobotID, c.TaskID, c.Zone, c.Score, c.Battery, c.EnergyCost),
		CreatedAt: s.now().UTC(),
	}
}

// absorbed reports whether a failed action leaves the run going.
func absorbed(err error) bool {
	return toolclient.IsConflict(err) || toolclient.IsSchema(err)
}

type claimSet struct {
	tasks  map[string]bool
	robots map[string]bool
}

func newClaims(tasks, robots []string) *claimSet {
	c := &claimSet{tasks: make(map[string]bool), robots: make(map[string]bool)}
	for _, t := range tasks {
		c.tasks[t] = true
	}
	for _, r := range robots {
		c.robots[r] = true
	}
	return c
}

func (c *claimSet) taken(cand model.Candidate) bool {
	return c.tasks[cand.TaskID] || c.robots[cand.RobotID]
}

func (c *claimSet) claim(cand model.Candidate) {
	c.tasks[cand.TaskID] = true
	c.robots[cand.RobotID] = true
}

// lose settles a pairing whose action failed. Only the side a conflict
// names stays claimed; the other is free for later candidates.
func (c *claimSet) lose(taskID, robotID string, err error) {
	delete(c.tasks, taskID)
	delete(c.robots, robotID)
	switch conflictResource(err) {
	case "task":
		c.tasks[taskID] = true
	case "robot":
		c.robots[robotID] = true
	}
}

func conflictResource(err error) string {
	var ce *toolclient.ConflictError
	if errors.As(err, &ce) {
		return ce.Resource
	}
	return ""
}

// with lists the claims as they would stand once cand is claimed.
func (c *claimSet) with(cand model.Candidate) (tasks, robots []string) {
	tasks = keys(c.tasks, cand.TaskID)
	robots = keys(c.robots, cand.RobotID)
	return tasks, robots
}

func keys(m map[string]bool, extra string) []string {
	out := make([]string, 0, len(m)+1)
	for k := range m {
		if k != extra {
			out = append(out, k)
		}
	}
	out = append(out, extra)
	sort.Strings(out)
	return out
}
