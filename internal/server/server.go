package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/soji/internal/auth"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/ratelimit"
)

// Server is the runtime's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, DB, ToolServers.
type ServerConfig struct {
	// Required dependencies.
	Runtime   AgentRuntime
	Approvals ApprovalReader
	Activity  ActivityReader
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	Broker  *Broker
	DB      Pinger
	// ToolServers are mounted at /mcp/{domain} for remote MCP clients.
	ToolServers map[model.ToolDomain]*mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runtime:             cfg.Runtime,
		Approvals:           cfg.Approvals,
		Activity:            cfg.Activity,
		Broker:              cfg.Broker,
		DB:                  cfg.DB,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Triggers are limited per target agent.
	triggerRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc, RequestIDFromContext, cfg.Logger)

	mux := http.NewServeMux()

	viewer := requireRole(model.RoleViewer)
	operator := requireRole(model.RoleOperator)
	approver := requireRole(model.RoleApprover)
	adminOnly := requireRole(model.RoleAdmin)

	// Agents.
	mux.Handle("GET /v1/agents", viewer(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{agent_id}", viewer(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/trigger", operator(triggerRL(http.HandlerFunc(h.HandleTrigger))))
	mux.Handle("GET /v1/agents/{agent_id}/activity", viewer(http.HandlerFunc(h.HandleAgentActivity)))
	mux.Handle("GET /v1/agents/{agent_id}/verify", viewer(http.HandlerFunc(h.HandleVerifyAgent)))

	// Approvals. The stream is long-lived and is not rate limited.
	mux.Handle("GET /v1/approvals", viewer(http.HandlerFunc(h.HandleListApprovals)))
	mux.Handle("GET /v1/approvals/stream", viewer(http.HandlerFunc(h.HandleApprovalStream)))
	mux.Handle("GET /v1/approvals/{id}", viewer(http.HandlerFunc(h.HandleGetApproval)))
	mux.Handle("POST /v1/approvals/{id}/resolve", approver(http.HandlerFunc(h.HandleResolveApproval)))

	// Runtime counters (admin-only).
	mux.Handle("GET /v1/stats", adminOnly(http.HandlerFunc(h.HandleStats)))

	// MCP StreamableHTTP transport per tool domain (auth required, viewer+).
	// Tool handlers apply tenant and role checks from the request claims.
	for domain, srv := range cfg.ToolServers {
		if srv == nil {
			continue
		}
		mcpHTTP := mcpserver.NewStreamableHTTPServer(srv)
		mux.Handle("/mcp/"+string(domain), viewer(mcpHTTP))
		cfg.Logger.Info("mcp tool server mounted", "domain", domain, "path", "/mcp/"+string(domain))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// agentKeyFunc keys trigger rate limits by target agent. Admins are exempt.
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r)
	if claims != nil && model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "trigger:" + r.PathValue("agent_id")
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
