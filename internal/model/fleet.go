package model

import (
	"fmt"
	"time"
)

// Space is a cleanable area of a building.
type Space struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	Zone       string `json:"zone"`
	Floor      int    `json:"floor"`
	Restricted bool   `json:"restricted"`
}

// TaskStatus is the lifecycle state of a CleaningTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// MaxTaskPriority is the highest task priority. Priorities run 1..MaxTaskPriority.
const MaxTaskPriority = 5

// CleaningTask is a unit of cleaning work for one space.
type CleaningTask struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	SpaceID         string     `json:"space_id"`
	Zone            string     `json:"zone"`
	Priority        int        `json:"priority"`
	Status          TaskStatus `json:"status"`
	EstimatedEnergy float64    `json:"estimated_energy"`
	AssignedRobot   string     `json:"assigned_robot,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RobotState is the operational state enforced by Robot-Control.
type RobotState string

const (
	RobotIdle     RobotState = "idle"
	RobotWorking  RobotState = "working"
	RobotCharging RobotState = "charging"
	RobotFault    RobotState = "fault"
)

// Valid reports whether s is a known robot state.
func (s RobotState) Valid() bool {
	switch s {
	case RobotIdle, RobotWorking, RobotCharging, RobotFault:
		return true
	}
	return false
}

// Robot is one cleaning robot in the fleet.
type Robot struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	Zone         string     `json:"zone"`
	State        RobotState `json:"state"`
	Battery      float64    `json:"battery"`
	CurrentTask  string     `json:"current_task,omitempty"`
	LastDecision string     `json:"last_decision,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RobotOp is a mutating robot-control operation.
type RobotOp string

const (
	OpStart  RobotOp = "start"
	OpStop   RobotOp = "stop"
	OpRecall RobotOp = "recall"
)

// robotTransitions lists, per operation, the states it may start from and the
// state it leads to.
var robotTransitions = map[RobotOp]struct {
	from []RobotState
	to   RobotState
}{
	OpStart:  {from: []RobotState{RobotIdle}, to: RobotWorking},
	OpStop:   {from: []RobotState{RobotWorking}, to: RobotIdle},
	OpRecall: {from: []RobotState{RobotIdle, RobotWorking}, to: RobotCharging},
}

// NextRobotState returns the state op leads to from current, or an error
// naming current when the transition is not allowed.
func NextRobotState(current RobotState, op RobotOp) (RobotState, error) {
	t, ok := robotTransitions[op]
	if !ok {
		return current, fmt.Errorf("unknown robot operation %q", op)
	}
	for _, f := range t.from {
		if f == current {
			return t.to, nil
		}
	}
	return current, fmt.Errorf("cannot %s robot in state %s", op, current)
}

// AllowedFrom returns the states op may start from.
func (op RobotOp) AllowedFrom() []RobotState {
	return robotTransitions[op].from
}

// Target returns the state op leads to.
func (op RobotOp) Target() RobotState {
	return robotTransitions[op].to
}
