package toolserver

// Input and output JSON Schemas (draft 2020-12) for every tool. Input schemas
// are closed (additionalProperties: false) so callers can validate locally.

const (
	idPattern = `"type": "string", "minLength": 1, "maxLength": 255`

	spaceObject = `{
		"type": "object",
		"required": ["id", "tenant_id", "zone"],
		"properties": {
			"id": {"type": "string"},
			"tenant_id": {"type": "string"},
			"name": {"type": "string"},
			"zone": {"type": "string"},
			"floor": {"type": "integer"},
			"restricted": {"type": "boolean"}
		}
	}`

	taskObject = `{
		"type": "object",
		"required": ["id", "tenant_id", "space_id", "status", "priority"],
		"properties": {
			"id": {"type": "string"},
			"tenant_id": {"type": "string"},
			"space_id": {"type": "string"},
			"zone": {"type": "string"},
			"priority": {"type": "integer", "minimum": 1, "maximum": 5},
			"status": {"enum": ["pending", "assigned", "in_progress", "done"]},
			"estimated_energy": {"type": "number", "minimum": 0},
			"assigned_robot": {"type": "string"},
			"created_at": {"type": "string", "format": "date-time"}
		}
	}`

	robotObject = `{
		"type": "object",
		"required": ["id", "tenant_id", "state", "battery"],
		"properties": {
			"id": {"type": "string"},
			"tenant_id": {"type": "string"},
			"name": {"type": "string"},
			"zone": {"type": "string"},
			"state": {"enum": ["idle", "working", "charging", "fault"]},
			"battery": {"type": "number", "minimum": 0, "maximum": 100},
			"current_task": {"type": "string"},
			"last_decision": {"type": "string"},
			"updated_at": {"type": "string", "format": "date-time"}
		}
	}`
)

var (
	spaceListInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["tenant_id"],
		"properties": {
			"tenant_id": {` + idPattern + `},
			"zone": {"type": "string"}
		}
	}`
	spaceListOutput = `{
		"type": "object",
		"required": ["spaces"],
		"properties": {"spaces": {"type": "array", "items": ` + spaceObject + `}}
	}`

	spaceGetInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["space_id"],
		"properties": {"space_id": {` + idPattern + `}}
	}`

	taskListInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["tenant_id"],
		"properties": {
			"tenant_id": {` + idPattern + `},
			"limit": {"type": "integer", "minimum": 1, "maximum": 100}
		}
	}`
	taskListOutput = `{
		"type": "object",
		"required": ["tasks"],
		"properties": {"tasks": {"type": "array", "items": ` + taskObject + `}}
	}`

	taskGetInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["task_id"],
		"properties": {"task_id": {` + idPattern + `}}
	}`

	taskAssignInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["task_id", "robot_id", "decision_id"],
		"properties": {
			"task_id": {` + idPattern + `},
			"robot_id": {` + idPattern + `},
			"decision_id": {` + idPattern + `}
		}
	}`

	robotListInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["tenant_id"],
		"properties": {
			"tenant_id": {` + idPattern + `},
			"min_battery": {"type": "number", "minimum": 0, "maximum": 100},
			"zone": {"type": "string"}
		}
	}`
	robotListOutput = `{
		"type": "object",
		"required": ["robots"],
		"properties": {"robots": {"type": "array", "items": ` + robotObject + `}}
	}`

	robotGetInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["robot_id"],
		"properties": {"robot_id": {` + idPattern + `}}
	}`

	robotStartInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["robot_id", "task_id", "decision_id"],
		"properties": {
			"robot_id": {` + idPattern + `},
			"task_id": {` + idPattern + `},
			"decision_id": {` + idPattern + `}
		}
	}`

	robotOpInput = `{
		"type": "object",
		"additionalProperties": false,
		"required": ["robot_id", "decision_id"],
		"properties": {
			"robot_id": {` + idPattern + `},
			"decision_id": {` + idPattern + `}
		}
	}`
)
