package toolserver

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/soji/internal/ctxutil"
	"github.com/ashita-ai/soji/internal/fleet"
	"github.com/ashita-ai/soji/internal/model"
)

func (s *Server) registerRobotTools() {
	s.addTool(model.ToolRobotListAvailable,
		"List idle robots for a tenant whose battery is at least min_battery, optionally in one zone.",
		robotListInput, robotListOutput, false, s.handleRobotListAvailable)

	s.addTool(model.ToolRobotGet,
		"Get one robot's current state.",
		robotGetInput, robotObject, false, s.handleRobotGet)

	s.addTool(model.ToolRobotStart,
		`Start a robot on a cleaning task. The robot must be idle and the task pending
or assigned to it. Replaying the same decision_id is a no-op.`,
		robotStartInput, robotObject, true, s.handleRobotOp(model.OpStart))

	s.addTool(model.ToolRobotStop,
		"Stop a working robot. Its task returns to pending.",
		robotOpInput, robotObject, true, s.handleRobotOp(model.OpStop))

	s.addTool(model.ToolRobotRecall,
		"Send an idle or working robot to its charger. Any current task returns to pending.",
		robotOpInput, robotObject, true, s.handleRobotOp(model.OpRecall))
}

func (s *Server) handleRobotListAvailable(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, bad := requireTenant(ctx, request)
	if bad != nil {
		return bad, nil
	}
	robots, err := s.store.ListAvailableRobots(ctx, fleet.RobotFilter{
		TenantID:   tenantID,
		MinBattery: request.GetFloat("min_battery", 0),
		Zone:       request.GetString("zone", ""),
	})
	if err != nil {
		return s.storeErrorResult("list available robots", err), nil
	}
	return jsonResult(map[string]any{"robots": robots})
}

func (s *Server) handleRobotGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := requireString(request, "robot_id")
	if bad != nil {
		return bad, nil
	}
	robot, err := s.store.GetRobot(ctx, id)
	if err != nil {
		return s.storeErrorResult("get robot", err), nil
	}
	if bad := authorize(ctx, robot.TenantID, model.RoleViewer); bad != nil {
		return bad, nil
	}
	return jsonResult(robot)
}

func (s *Server) handleRobotOp(op model.RobotOp) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		robotID, bad := requireString(request, "robot_id")
		if bad != nil {
			return bad, nil
		}
		decisionID, bad := requireString(request, "decision_id")
		if bad != nil {
			return bad, nil
		}
		var taskID string
		if op == model.OpStart {
			if taskID, bad = requireString(request, "task_id"); bad != nil {
				return bad, nil
			}
		}

		if ctxutil.ClaimsFromContext(ctx) != nil {
			current, err := s.store.GetRobot(ctx, robotID)
			if err != nil {
				return s.storeErrorResult("get robot", err), nil
			}
			if bad := authorize(ctx, current.TenantID, model.RoleOperator); bad != nil {
				return bad, nil
			}
		}

		robot, err := s.store.TransitionRobot(ctx, fleet.RobotTransition{
			RobotID:    robotID,
			Op:         op,
			TaskID:     taskID,
			DecisionID: decisionID,
		})
		if err != nil {
			if fleet.IsConflict(err) {
				s.logger.Info("robot transition rejected", "robot_id", robotID, "op", string(op), "decision_id", decisionID, "error", err)
			}
			return s.storeErrorResult(string(op)+" robot", err), nil
		}
		s.logger.Info("robot transition", "robot_id", robotID, "op", string(op), "state", string(robot.State), "decision_id", decisionID)
		return jsonResult(robot)
	}
}
