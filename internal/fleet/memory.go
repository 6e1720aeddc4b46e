package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/soji/internal/model"
)

// MemoryStore is an in-process Store. All operations hold one mutex, so every
// transition is atomic with respect to every other.
type MemoryStore struct {
	mu     sync.Mutex
	spaces map[string]model.Space
	tasks  map[string]model.CleaningTask
	robots map[string]model.Robot
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spaces: make(map[string]model.Space),
		tasks:  make(map[string]model.CleaningTask),
		robots: make(map[string]model.Robot),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) ListSpaces(_ context.Context, tenantID, zone string) ([]model.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Space, 0)
	for _, s := range m.spaces {
		if s.TenantID != tenantID || (zone != "" && s.Zone != zone) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetSpace(_ context.Context, id string) (model.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[id]
	if !ok {
		return model.Space{}, fmt.Errorf("fleet: space %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListPendingTasks(_ context.Context, tenantID string, limit int) ([]model.CleaningTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CleaningTask, 0)
	for _, t := range m.tasks {
		if t.TenantID == tenantID && t.Status == model.TaskPending {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if n := normalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (model.CleaningTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.CleaningTask{}, fmt.Errorf("fleet: task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *MemoryStore) AssignTask(_ context.Context, taskID, robotID, _ string) (model.CleaningTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return model.CleaningTask{}, fmt.Errorf("fleet: task %s: %w", taskID, ErrNotFound)
	}
	if _, ok := m.robots[robotID]; !ok {
		return model.CleaningTask{}, fmt.Errorf("fleet: robot %s: %w", robotID, ErrNotFound)
	}
	if t.Status == model.TaskAssigned && t.AssignedRobot == robotID {
		return t, nil
	}
	if t.Status != model.TaskPending {
		return model.CleaningTask{}, taskConflict(t, "task is not pending")
	}
	t.Status = model.TaskAssigned
	t.AssignedRobot = robotID
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemoryStore) ListAvailableRobots(_ context.Context, f RobotFilter) ([]model.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Robot, 0)
	for _, r := range m.robots {
		if r.TenantID != f.TenantID || r.State != model.RobotIdle || r.Battery < f.MinBattery {
			continue
		}
		if f.Zone != "" && r.Zone != f.Zone {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetRobot(_ context.Context, id string) (model.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[id]
	if !ok {
		return model.Robot{}, fmt.Errorf("fleet: robot %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) TransitionRobot(_ context.Context, tr RobotTransition) (model.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.robots[tr.RobotID]
	if !ok {
		return model.Robot{}, fmt.Errorf("fleet: robot %s: %w", tr.RobotID, ErrNotFound)
	}
	if replayed(r, tr) {
		return r, nil
	}
	next, err := model.NextRobotState(r.State, tr.Op)
	if err != nil {
		return model.Robot{}, robotConflict(r, err)
	}

	switch tr.Op {
	case model.OpStart:
		t, ok := m.tasks[tr.TaskID]
		if !ok {
			return model.Robot{}, fmt.Errorf("fleet: task %s: %w", tr.TaskID, ErrNotFound)
		}
		if t.TenantID != r.TenantID {
			return model.Robot{}, taskConflict(t, "task belongs to another tenant")
		}
		if !startableTask(t, r.ID) {
			return model.Robot{}, taskConflict(t, "task is not startable")
		}
		t.Status = model.TaskInProgress
		t.AssignedRobot = r.ID
		m.tasks[t.ID] = t
		r.CurrentTask = t.ID
	default:
		if t, ok := m.tasks[r.CurrentTask]; ok && t.Status == model.TaskInProgress {
			t.Status = model.TaskPending
			t.AssignedRobot = ""
			m.tasks[t.ID] = t
		}
		r.CurrentTask = ""
	}

	r.State = next
	r.LastDecision = tr.DecisionID
	r.UpdatedAt = m.now()
	m.robots[r.ID] = r
	return r, nil
}

func (m *MemoryStore) SetRobotState(_ context.Context, robotID string, state model.RobotState, battery float64) error {
	if !state.Valid() {
		return fmt.Errorf("fleet: invalid robot state %q", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[robotID]
	if !ok {
		return fmt.Errorf("fleet: robot %s: %w", robotID, ErrNotFound)
	}
	r.State = state
	r.Battery = battery
	r.UpdatedAt = m.now()
	m.robots[robotID] = r
	return nil
}

func (m *MemoryStore) PutSpace(_ context.Context, s model.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[s.ID] = s
	return nil
}

func (m *MemoryStore) PutTask(_ context.Context, t model.CleaningTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) PutRobot(_ context.Context, r model.Robot) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now()
	}
	if r.State == "" {
		r.State = model.RobotIdle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.robots[r.ID] = r
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// sortTasks orders by priority (highest first), then age (oldest first), then id.
func sortTasks(ts []model.CleaningTask) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
