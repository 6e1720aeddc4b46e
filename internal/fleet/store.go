// Package fleet is the persistent store behind the space, task and
// robot-control tool servers. Robot mutations go through TransitionRobot,
// which enforces the robot state machine with compare-and-set semantics.
package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/soji/internal/model"
)

// ErrNotFound is returned when a space, task or robot does not exist.
var ErrNotFound = errors.New("fleet: not found")

// ConflictError reports that a mutation was rejected because the target is
// not in a state that allows it. Current names the state it is actually in.
type ConflictError struct {
	Resource string
	ID       string
	Current  string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fleet: %s %s conflict (current state %s): %s", e.Resource, e.ID, e.Current, e.Reason)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// RobotFilter selects robots for availability queries. Only idle robots with
// Battery >= MinBattery are returned.
type RobotFilter struct {
	TenantID   string
	MinBattery float64
	Zone       string
}

// RobotTransition is one requested robot-control operation. DecisionID makes
// the operation idempotent: replaying a transition that already took effect
// returns the robot unchanged.
type RobotTransition struct {
	RobotID    string
	Op         model.RobotOp
	TaskID     string
	DecisionID string
}

// Store is the fleet persistence contract shared by the tool servers.
type Store interface {
	ListSpaces(ctx context.Context, tenantID, zone string) ([]model.Space, error)
	GetSpace(ctx context.Context, id string) (model.Space, error)

	ListPendingTasks(ctx context.Context, tenantID string, limit int) ([]model.CleaningTask, error)
	GetTask(ctx context.Context, id string) (model.CleaningTask, error)
	AssignTask(ctx context.Context, taskID, robotID, decisionID string) (model.CleaningTask, error)

	ListAvailableRobots(ctx context.Context, f RobotFilter) ([]model.Robot, error)
	GetRobot(ctx context.Context, id string) (model.Robot, error)
	TransitionRobot(ctx context.Context, tr RobotTransition) (model.Robot, error)
	// SetRobotState records externally reported state (telemetry). It bypasses
	// the state machine and is the only way into or out of fault.
	SetRobotState(ctx context.Context, robotID string, state model.RobotState, battery float64) error

	PutSpace(ctx context.Context, s model.Space) error
	PutTask(ctx context.Context, t model.CleaningTask) error
	PutRobot(ctx context.Context, r model.Robot) error

	Close() error
}

// DefaultTaskLimit caps ListPendingTasks when the caller passes no limit.
const DefaultTaskLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultTaskLimit {
		return DefaultTaskLimit
	}
	return limit
}

// replayed reports whether tr already took effect on r.
func replayed(r model.Robot, tr RobotTransition) bool {
	if tr.DecisionID == "" || r.LastDecision != tr.DecisionID {
		return false
	}
	return r.State == tr.Op.Target()
}

// startableTask reports whether robotID may start task t.
func startableTask(t model.CleaningTask, robotID string) bool {
	switch t.Status {
	case model.TaskPending:
		return true
	case model.TaskAssigned:
		return t.AssignedRobot == robotID
	}
	return false
}

func robotConflict(r model.Robot, err error) *ConflictError {
	return &ConflictError{Resource: "robot", ID: r.ID, Current: string(r.State), Reason: err.Error()}
}

func taskConflict(t model.CleaningTask, reason string) *ConflictError {
	return &ConflictError{Resource: "task", ID: t.ID, Current: string(t.Status), Reason: reason}
}
