package model

import "encoding/json"

// ToolDomain names the tool server that owns a tool.
type ToolDomain string

const (
	DomainSpace ToolDomain = "space"
	DomainTask  ToolDomain = "task"
	DomainRobot ToolDomain = "robot"
)

// Domains lists every tool server domain.
var Domains = []ToolDomain{DomainSpace, DomainTask, DomainRobot}

// ToolDescriptor is one catalog entry published by a tool server.
type ToolDescriptor struct {
	Name          string          `json:"name"`
	Domain        ToolDomain      `json:"domain"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	OutputSchema  json.RawMessage `json:"output_schema"`
	SideEffecting bool            `json:"side_effecting"`
}

// Tool names. Mutating tools take a decision_id for idempotency.
const (
	ToolSpaceList          = "space_list"
	ToolSpaceGet           = "space_get"
	ToolTaskListPending    = "task_list_pending"
	ToolTaskGet            = "task_get"
	ToolTaskAssign         = "task_assign"
	ToolRobotListAvailable = "robot_list_available"
	ToolRobotGet           = "robot_get"
	ToolRobotStart         = "robot_start"
	ToolRobotStop          = "robot_stop"
	ToolRobotRecall        = "robot_recall"
)
