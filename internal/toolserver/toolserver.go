// Package toolserver implements the space, task and robot-control tool servers
// over the Model Context Protocol.
//
// Each server publishes a fixed tool catalog. The full descriptors, including
// output schemas and the side_effecting flag, are also served as the
// soji://catalog resource so clients can gate retries and validate arguments
// before calling.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/soji/internal/ctxutil"
	"github.com/ashita-ai/soji/internal/fleet"
	"github.com/ashita-ai/soji/internal/model"
)

// CatalogURI is the resource every tool server publishes its catalog under.
const CatalogURI = "soji://catalog"

// Error codes carried in structured tool error results.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeForbidden       = "forbidden"
	CodeInternal        = "internal"
)

// ToolError is the JSON body of a tool result with IsError set.
type ToolError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Resource     string `json:"resource,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
}

// Server is one domain's MCP tool server.
type Server struct {
	domain    model.ToolDomain
	mcpServer *mcpserver.MCPServer
	store     fleet.Store
	catalog   []model.ToolDescriptor
	logger    *slog.Logger
}

// New creates the tool server for domain over store.
func New(domain model.ToolDomain, store fleet.Store, logger *slog.Logger, version string) (*Server, error) {
	s := &Server{
		domain: domain,
		store:  store,
		logger: logger.With("tool_server", string(domain)),
	}
	s.mcpServer = mcpserver.NewMCPServer(
		"soji-"+string(domain),
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(true),
	)

	switch domain {
	case model.DomainSpace:
		s.registerSpaceTools()
	case model.DomainTask:
		s.registerTaskTools()
	case model.DomainRobot:
		s.registerRobotTools()
	default:
		return nil, fmt.Errorf("toolserver: unknown domain %q", domain)
	}

	s.mcpServer.AddResource(
		mcplib.NewResource(
			CatalogURI,
			"Tool Catalog",
			mcplib.WithResourceDescription("Descriptors for every tool on this server, with input and output schemas"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCatalog,
	)
	return s, nil
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Domain returns the domain this server owns.
func (s *Server) Domain() model.ToolDomain {
	return s.domain
}

// Catalog returns a copy of the server's tool descriptors.
func (s *Server) Catalog() []model.ToolDescriptor {
	out := make([]model.ToolDescriptor, len(s.catalog))
	copy(out, s.catalog)
	return out
}

// addTool registers a tool and records its descriptor. Read tools carry the
// read-only and idempotent hints; mutating tools are marked non-idempotent
// because idempotency is keyed on the caller's decision_id, not the call.
func (s *Server) addTool(name, description, input, output string, sideEffecting bool, handler mcpserver.ToolHandlerFunc) {
	tool := mcplib.NewToolWithRawSchema(name, description, json.RawMessage(input))
	opts := []mcplib.ToolOption{
		mcplib.WithReadOnlyHintAnnotation(!sideEffecting),
		mcplib.WithIdempotentHintAnnotation(!sideEffecting),
		mcplib.WithOpenWorldHintAnnotation(false),
	}
	if sideEffecting {
		opts = append(opts, mcplib.WithDestructiveHintAnnotation(false))
	}
	for _, opt := range opts {
		opt(&tool)
	}

	s.catalog = append(s.catalog, model.ToolDescriptor{
		Name:          name,
		Domain:        s.domain,
		Description:   description,
		InputSchema:   json.RawMessage(input),
		OutputSchema:  json.RawMessage(output),
		SideEffecting: sideEffecting,
	})
	s.mcpServer.AddTool(tool, handler)
}

func (s *Server) handleCatalog(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(s.catalog)
	if err != nil {
		return nil, fmt.Errorf("toolserver: marshal catalog: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      CatalogURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// requireString returns the named argument or an invalid_argument result.
func requireString(request mcplib.CallToolRequest, key string) (string, *mcplib.CallToolResult) {
	v := request.GetString(key, "")
	if v == "" {
		return "", errorResult(ToolError{Code: CodeInvalidArgument, Message: key + " is required"})
	}
	return v, nil
}

// authorize rejects an HTTP caller that may not act on tenantID with at
// least minRole. Calls without claims come from the in-process runtime.
func authorize(ctx context.Context, tenantID string, minRole model.AgentRole) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}
	if !model.RoleAtLeast(claims.Role, minRole) {
		return errorResult(ToolError{Code: CodeForbidden, Message: "insufficient role"})
	}
	if !claims.CanAccess(tenantID) {
		return errorResult(ToolError{Code: CodeForbidden, Message: "tenant not accessible"})
	}
	return nil
}

// requireTenant reads tenant_id and authorizes the caller for reads on it.
func requireTenant(ctx context.Context, request mcplib.CallToolRequest) (string, *mcplib.CallToolResult) {
	tenantID, bad := requireString(request, "tenant_id")
	if bad != nil {
		return "", bad
	}
	return tenantID, authorize(ctx, tenantID, model.RoleViewer)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("toolserver: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(te ToolError) *mcplib.CallToolResult {
	data, _ := json.Marshal(te)
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
		IsError: true,
	}
}

// storeErrorResult maps a fleet error to a structured tool error. Storage
// failures are logged here since the client only sees the code.
func (s *Server) storeErrorResult(op string, err error) *mcplib.CallToolResult {
	var ce *fleet.ConflictError
	switch {
	case errors.As(err, &ce):
		return errorResult(ToolError{
			Code:         CodeConflict,
			Message:      err.Error(),
			Resource:     ce.Resource,
			CurrentState: ce.Current,
		})
	case errors.Is(err, fleet.ErrNotFound):
		return errorResult(ToolError{Code: CodeNotFound, Message: err.Error()})
	default:
		s.logger.Error("toolserver: store failure", "op", op, "error", err)
		return errorResult(ToolError{Code: CodeInternal, Message: fmt.Sprintf("%s failed", op)})
	}
}
