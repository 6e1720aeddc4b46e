package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/soji/internal/model"
)

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spaces (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	zone       TEXT NOT NULL,
	floor      INTEGER NOT NULL DEFAULT 0,
	restricted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	space_id         TEXT NOT NULL,
	zone             TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	status           TEXT NOT NULL,
	estimated_energy REAL NOT NULL,
	assigned_robot   TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant_status ON tasks (tenant_id, status);
CREATE TABLE IF NOT EXISTS robots (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	name          TEXT NOT NULL,
	zone          TEXT NOT NULL,
	state         TEXT NOT NULL,
	battery       REAL NOT NULL,
	current_task  TEXT NOT NULL DEFAULT '',
	last_decision TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_robots_tenant_state ON robots (tenant_id, state);
`

const (
	spaceColumns = `id, tenant_id, name, zone, floor, restricted`
	taskColumns  = `id, tenant_id, space_id, zone, priority, status, estimated_energy, assigned_robot, created_at`
	robotColumns = `id, tenant_id, name, zone, state, battery, current_task, last_decision, updated_at`
)

// SQLiteStore is a Store over database/sql with the pure-Go modernc driver.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dsn and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("fleet: open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	s := NewSQLiteStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already open database. The schema is not applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate applies the schema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("fleet: migrate sqlite: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpace(row rowScanner) (model.Space, error) {
	var sp model.Space
	var restricted int
	if err := row.Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.Zone, &sp.Floor, &restricted); err != nil {
		return model.Space{}, err
	}
	sp.Restricted = restricted != 0
	return sp, nil
}

func scanTask(row rowScanner) (model.CleaningTask, error) {
	var t model.CleaningTask
	var status, created string
	if err := row.Scan(&t.ID, &t.TenantID, &t.SpaceID, &t.Zone, &t.Priority, &status,
		&t.EstimatedEnergy, &t.AssignedRobot, &created); err != nil {
		return model.CleaningTask{}, err
	}
	t.Status = model.TaskStatus(status)
	ts, err := time.Parse(timeLayout, created)
	if err != nil {
		return model.CleaningTask{}, fmt.Errorf("parse created_at: %w", err)
	}
	t.CreatedAt = ts
	return t, nil
}

func scanRobot(row rowScanner) (model.Robot, error) {
	var r model.Robot
	var state, updated string
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Zone, &state, &r.Battery,
		&r.CurrentTask, &r.LastDecision, &updated); err != nil {
		return model.Robot{}, err
	}
	r.State = model.RobotState(state)
	ts, err := time.Parse(timeLayout, updated)
	if err != nil {
		return model.Robot{}, fmt.Errorf("parse updated_at: %w", err)
	}
	r.UpdatedAt = ts
	return r, nil
}

func notFound(resource, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fleet: %s %s: %w", resource, id, ErrNotFound)
	}
	return fmt.Errorf("fleet: get %s %s: %w", resource, id, err)
}

func (s *SQLiteStore) ListSpaces(ctx context.Context, tenantID, zone string) ([]model.Space, error) {
	q := `SELECT ` + spaceColumns + ` FROM spaces WHERE tenant_id = ?`
	args := []any{tenantID}
	if zone != "" {
		q += ` AND zone = ?`
		args = append(args, zone)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("fleet: list spaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Space, 0)
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("fleet: scan space: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSpace(ctx context.Context, id string) (model.Space, error) {
	sp, err := scanSpace(s.db.QueryRowContext(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id = ?`, id))
	if err != nil {
		return model.Space{}, notFound("space", id, err)
	}
	return sp, nil
}

func (s *SQLiteStore) ListPendingTasks(ctx context.Context, tenantID string, limit int) ([]model.CleaningTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND status = ?
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`,
		tenantID, string(model.TaskPending), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("fleet: list pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.CleaningTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("fleet: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (model.CleaningTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return model.CleaningTask{}, notFound("task", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) AssignTask(ctx context.Context, taskID, robotID, _ string) (model.CleaningTask, error) {
	if _, err := s.GetRobot(ctx, robotID); err != nil {
		return model.CleaningTask{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_robot = ? WHERE id = ? AND status = ?`,
		string(model.TaskAssigned), robotID, taskID, string(model.TaskPending))
	if err != nil {
		return model.CleaningTask{}, fmt.Errorf("fleet: assign task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.CleaningTask{}, fmt.Errorf("fleet: assign task: %w", err)
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return model.CleaningTask{}, err
	}
	if n == 0 && (t.Status != model.TaskAssigned || t.AssignedRobot != robotID) {
		return model.CleaningTask{}, taskConflict(t, "task is not pending")
	}
	return t, nil
}

func (s *SQLiteStore) ListAvailableRobots(ctx context.Context, f RobotFilter) ([]model.Robot, error) {
	q := `SELECT ` + robotColumns + ` FROM robots WHERE tenant_id = ? AND state = ? AND battery >= ?`
	args := []any{f.TenantID, string(model.RobotIdle), f.MinBattery}
	if f.Zone != "" {
		q += ` AND zone = ?`
		args = append(args, f.Zone)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("fleet: list available robots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Robot, 0)
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("fleet: scan robot: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRobot(ctx context.Context, id string) (model.Robot, error) {
	r, err := scanRobot(s.db.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE id = ?`, id))
	if err != nil {
		return model.Robot{}, notFound("robot", id, err)
	}
	return r, nil
}

// TransitionRobot applies tr inside one transaction. Both the robot and task
// updates are guarded by their expected prior state; a zero-row update means
// another writer got there first and is reported as a conflict.
func (s *SQLiteStore) TransitionRobot(ctx context.Context, tr RobotTransition) (model.Robot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Robot{}, fmt.Errorf("fleet: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRobot(tx.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE id = ?`, tr.RobotID))
	if err != nil {
		return model.Robot{}, notFound("robot", tr.RobotID, err)
	}
	if replayed(r, tr) {
		return r, nil
	}
	next, err := model.NextRobotState(r.State, tr.Op)
	if err != nil {
		return model.Robot{}, robotConflict(r, err)
	}

	currentTask := ""
	if tr.Op == model.OpStart {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, tr.TaskID))
		if err != nil {
			return model.Robot{}, notFound("task", tr.TaskID, err)
		}
		if t.TenantID != r.TenantID {
			return model.Robot{}, taskConflict(t, "task belongs to another tenant")
		}
		if !startableTask(t, r.ID) {
			return model.Robot{}, taskConflict(t, "task is not startable")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, assigned_robot = ?
			 WHERE id = ? AND (status = ? OR (status = ? AND assigned_robot = ?))`,
			string(model.TaskInProgress), r.ID, t.ID,
			string(model.TaskPending), string(model.TaskAssigned), r.ID)
		if err != nil {
			return model.Robot{}, fmt.Errorf("fleet: start task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Robot{}, taskConflict(t, "task changed concurrently")
		}
		currentTask = t.ID
	} else if r.CurrentTask != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, assigned_robot = '' WHERE id = ? AND status = ?`,
			string(model.TaskPending), r.CurrentTask, string(model.TaskInProgress)); err != nil {
			return model.Robot{}, fmt.Errorf("fleet: release task: %w", err)
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE robots SET state = ?, current_task = ?, last_decision = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(next), currentTask, tr.DecisionID, now.Format(timeLayout), r.ID, string(r.State))
	if err != nil {
		return model.Robot{}, fmt.Errorf("fleet: transition robot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Robot{}, &ConflictError{Resource: "robot", ID: r.ID, Current: string(r.State), Reason: "state changed concurrently"}
	}
	if err := tx.Commit(); err != nil {
		return model.Robot{}, fmt.Errorf("fleet: commit transition: %w", err)
	}

	r.State = next
	r.CurrentTask = currentTask
	r.LastDecision = tr.DecisionID
	r.UpdatedAt = now
	return r, nil
}

func (s *SQLiteStore) SetRobotState(ctx context.Context, robotID string, state model.RobotState, battery float64) error {
	if !state.Valid() {
		return fmt.Errorf("fleet: invalid robot state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE robots SET state = ?, battery = ?, updated_at = ? WHERE id = ?`,
		string(state), battery, s.now().Format(timeLayout), robotID)
	if err != nil {
		return fmt.Errorf("fleet: set robot state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fleet: robot %s: %w", robotID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) PutSpace(ctx context.Context, sp model.Space) error {
	restricted := 0
	if sp.Restricted {
		restricted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spaces (`+spaceColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name,
		 zone = excluded.zone, floor = excluded.floor, restricted = excluded.restricted`,
		sp.ID, sp.TenantID, sp.Name, sp.Zone, sp.Floor, restricted)
	if err != nil {
		return fmt.Errorf("fleet: put space: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutTask(ctx context.Context, t model.CleaningTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, space_id = excluded.space_id,
		 zone = excluded.zone, priority = excluded.priority, status = excluded.status,
		 estimated_energy = excluded.estimated_energy, assigned_robot = excluded.assigned_robot,
		 created_at = excluded.created_at`,
		t.ID, t.TenantID, t.SpaceID, t.Zone, t.Priority, string(t.Status), t.EstimatedEnergy,
		t.AssignedRobot, t.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("fleet: put task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutRobot(ctx context.Context, r model.Robot) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	if r.State == "" {
		r.State = model.RobotIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO robots (`+robotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name,
		 zone = excluded.zone, state = excluded.state, battery = excluded.battery,
		 current_task = excluded.current_task, last_decision = excluded.last_decision,
		 updated_at = excluded.updated_at`,
		r.ID, r.TenantID, r.Name, r.Zone, string(r.State), r.Battery, r.CurrentTask,
		r.LastDecision, r.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("fleet: put robot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
