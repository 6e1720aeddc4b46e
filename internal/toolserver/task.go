package toolserver

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/soji/internal/ctxutil"
	"github.com/ashita-ai/soji/internal/model"
)

func (s *Server) registerTaskTools() {
	s.addTool(model.ToolTaskListPending,
		"List the tenant's pending cleaning tasks, highest priority and oldest first.",
		taskListInput, taskListOutput, false, s.handleTaskListPending)

	s.addTool(model.ToolTaskGet,
		"Get one cleaning task by id.",
		taskGetInput, taskObject, false, s.handleTaskGet)

	s.addTool(model.ToolTaskAssign,
		"Reserve a pending task for a robot without starting it.",
		taskAssignInput, taskObject, true, s.handleTaskAssign)
}

func (s *Server) handleTaskListPending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, bad := requireTenant(ctx, request)
	if bad != nil {
		return bad, nil
	}
	tasks, err := s.store.ListPendingTasks(ctx, tenantID, request.GetInt("limit", 0))
	if err != nil {
		return s.storeErrorResult("list pending tasks", err), nil
	}
	return jsonResult(map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := requireString(request, "task_id")
	if bad != nil {
		return bad, nil
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return s.storeErrorResult("get task", err), nil
	}
	if bad := authorize(ctx, task.TenantID, model.RoleViewer); bad != nil {
		return bad, nil
	}
	return jsonResult(task)
}

func (s *Server) handleTaskAssign(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID, bad := requireString(request, "task_id")
	if bad != nil {
		return bad, nil
	}
	robotID, bad := requireString(request, "robot_id")
	if bad != nil {
		return bad, nil
	}
	decisionID, bad := requireString(request, "decision_id")
	if bad != nil {
		return bad, nil
	}

	if ctxutil.ClaimsFromContext(ctx) != nil {
		current, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return s.storeErrorResult("get task", err), nil
		}
		if bad := authorize(ctx, current.TenantID, model.RoleOperator); bad != nil {
			return bad, nil
		}
	}

	task, err := s.store.AssignTask(ctx, taskID, robotID, decisionID)
	if err != nil {
		return s.storeErrorResult("assign task", err), nil
	}
	s.logger.Info("task assigned", "task_id", taskID, "robot_id", robotID, "decision_id", decisionID)
	return jsonResult(task)
}
