package toolserver

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/soji/internal/model"
)

func (s *Server) registerSpaceTools() {
	s.addTool(model.ToolSpaceList,
		"List the tenant's cleanable spaces, optionally restricted to one zone.",
		spaceListInput, spaceListOutput, false, s.handleSpaceList)

	s.addTool(model.ToolSpaceGet,
		"Get one space by id.",
		spaceGetInput, spaceObject, false, s.handleSpaceGet)
}

func (s *Server) handleSpaceList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, bad := requireTenant(ctx, request)
	if bad != nil {
		return bad, nil
	}
	spaces, err := s.store.ListSpaces(ctx, tenantID, request.GetString("zone", ""))
	if err != nil {
		return s.storeErrorResult("list spaces", err), nil
	}
	return jsonResult(map[string]any{"spaces": spaces})
}

func (s *Server) handleSpaceGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, bad := requireString(request, "space_id")
	if bad != nil {
		return bad, nil
	}
	space, err := s.store.GetSpace(ctx, id)
	if err != nil {
		return s.storeErrorResult("get space", err), nil
	}
	if bad := authorize(ctx, space.TenantID, model.RoleViewer); bad != nil {
		return bad, nil
	}
	return jsonResult(space)
}
