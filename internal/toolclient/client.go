// Package toolclient is the uniform client agents use to discover and call
// tools on the space, task and robot-control servers.
//
// Arguments are validated against the tool's published input schema before
// any network call. Transport failures are classified by the tool's
// side_effecting flag: read tools are retried with bounded exponential
// backoff, mutating tools never are.
package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/telemetry"
	"github.com/ashita-ai/soji/internal/toolserver"
)

// Config bounds per-call latency and read-tool retries.
type Config struct {
	CallTimeout    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ClientName     string
	ClientVersion  string
}

// DefaultConfig returns tight per-call bounds suitable for robot control.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		ClientName:     "soji",
		ClientVersion:  "dev",
	}
}

// Result is a successful tool invocation.
type Result struct {
	Tool     string
	Data     json.RawMessage
	Attempts int
}

// Decode unmarshals the result payload into v.
func (r *Result) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("toolclient: decode %s result: %w", r.Tool, err)
	}
	return nil
}

type toolEntry struct {
	desc   model.ToolDescriptor
	schema *jsonschema.Schema
}

// Client routes calls to the tool server owning each tool.
type Client struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	calls  otelmetric.Int64Counter

	mu    sync.RWMutex
	conns map[model.ToolDomain]*mcpclient.Client
	tools map[string]toolEntry
}

// New creates a Client with no connections.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultConfig().ClientName
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("soji/toolclient"),
		conns:  make(map[model.ToolDomain]*mcpclient.Client),
		tools:  make(map[string]toolEntry),
	}
	if counter, err := telemetry.Meter("soji/toolclient").Int64Counter("soji.tool_calls",
		otelmetric.WithDescription("Tool invocations by tool and outcome")); err == nil {
		c.calls = counter
	}
	return c
}

// ConnectInProcess returns a started MCP client bound directly to srv.
func ConnectInProcess(ctx context.Context, srv *mcpserver.MCPServer) (*mcpclient.Client, error) {
	c, err := mcpclient.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("toolclient: in-process client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("toolclient: start in-process client: %w", err)
	}
	return c, nil
}

// ConnectHTTP returns an MCP client for a remote tool server reachable over
// streamable HTTP. headers is typically the caller's Authorization header.
func ConnectHTTP(ctx context.Context, url string, headers map[string]string) (*mcpclient.Client, error) {
	c, err := mcpclient.NewStreamableHttpClient(url, mcptransport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("toolclient: http client for %s: %w", url, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("toolclient: start http client for %s: %w", url, err)
	}
	return c, nil
}

// Connect initializes conn and registers it as the server for domain.
func (c *Client) Connect(ctx context.Context, domain model.ToolDomain, conn *mcpclient.Client) error {
	_, err := conn.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion},
		},
	})
	if err != nil {
		return fmt.Errorf("toolclient: initialize %s: %w", domain, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.conns[domain]; ok {
		_ = old.Close()
	}
	c.conns[domain] = conn
	return nil
}

// Discover reads domain's catalog, compiles each tool's input schema and
// caches the descriptors for Call.
func (c *Client) Discover(ctx context.Context, domain model.ToolDomain) ([]model.ToolDescriptor, error) {
	conn, err := c.conn(domain)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	res, err := conn.ReadResource(callCtx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: toolserver.CatalogURI},
	})
	if err != nil {
		return nil, fmt.Errorf("toolclient: read %s catalog: %w", domain, err)
	}

	var descs []model.ToolDescriptor
	for _, rc := range res.Contents {
		text, ok := resourceText(rc)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(text), &descs); err != nil {
			return nil, fmt.Errorf("toolclient: decode %s catalog: %w", domain, err)
		}
		break
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("toolclient: %s catalog is empty", domain)
	}

	entries := make(map[string]toolEntry, len(descs))
	for _, d := range descs {
		schema, err := compileSchema(d)
		if err != nil {
			return nil, err
		}
		d.Domain = domain
		entries[d.Name] = toolEntry{desc: d, schema: schema}
	}

	c.mu.Lock()
	for name, e := range entries {
		c.tools[name] = e
	}
	c.mu.Unlock()

	c.logger.Debug("toolclient: discovered tools", "domain", string(domain), "count", len(descs))
	return descs, nil
}

// DiscoverAll discovers every connected domain.
func (c *Client) DiscoverAll(ctx context.Context) error {
	c.mu.RLock()
	domains := make([]model.ToolDomain, 0, len(c.conns))
	for d := range c.conns {
		domains = append(domains, d)
	}
	c.mu.RUnlock()

	for _, d := range domains {
		if _, err := c.Discover(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Descriptor returns the cached descriptor for name.
func (c *Client) Descriptor(name string) (model.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	return e.desc, ok
}

// Call validates args and invokes the tool. Errors are one of *SchemaError,
// *RetryableError, *ConflictError, *FatalError or *ToolError, or the context
// error when ctx ends before the call is sent.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	c.mu.RLock()
	entry, ok := c.tools[name]
	var conn *mcpclient.Client
	if ok {
		conn = c.conns[entry.desc.Domain]
	}
	c.mu.RUnlock()
	if !ok {
		return nil, &SchemaError{Tool: name, Reason: "unknown tool"}
	}
	if conn == nil {
		return nil, fmt.Errorf("toolclient: no connection for domain %s", entry.desc.Domain)
	}

	normalized, err := normalizeArgs(args)
	if err != nil {
		return nil, &SchemaError{Tool: name, Reason: "arguments are not JSON-encodable", Err: err}
	}
	if err := entry.schema.Validate(normalized); err != nil {
		return nil, &SchemaError{Tool: name, Reason: "schema validation failed", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "toolclient.call", trace.WithAttributes(
		attribute.String("soji.tool", name),
		attribute.Bool("soji.side_effecting", entry.desc.SideEffecting),
	))
	defer span.End()

	var result *Result
	if entry.desc.SideEffecting {
		result, err = c.callOnce(ctx, conn, name, normalized)
		if err != nil && isTransport(err) {
			decisionID, _ := normalized["decision_id"].(string)
			err = &FatalError{Tool: name, DecisionID: decisionID, Err: unwrapTransport(err)}
		}
	} else {
		result, err = c.callWithRetry(ctx, conn, name, normalized)
	}

	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if IsFatal(err) {
			c.logger.Error("toolclient: mutating call failed with unknown effect", "tool", name, "error", err)
		}
	}
	if c.calls != nil {
		c.calls.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("outcome", outcome),
		))
	}
	return result, err
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for d, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toolclient: close %s: %w", d, err))
		}
		delete(c.conns, d)
	}
	return errors.Join(errs...)
}

func (c *Client) conn(domain model.ToolDomain) (*mcpclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[domain]
	if !ok {
		return nil, fmt.Errorf("toolclient: no connection for domain %s", domain)
	}
	return conn, nil
}

func (c *Client) callWithRetry(ctx context.Context, conn *mcpclient.Client, name string, args map[string]any) (*Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialBackoff
	expo.MaxInterval = c.cfg.MaxBackoff
	expo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.cfg.MaxRetries)), ctx)

	attempts := 0
	var result *Result
	err := backoff.Retry(func() error {
		attempts++
		r, err := c.callOnce(ctx, conn, name, args)
		if err == nil {
			result = r
			return nil
		}
		if isTransport(err) {
			c.logger.Warn("toolclient: read tool transport failure, retrying",
				"tool", name, "attempt", attempts, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err == nil {
		result.Attempts = attempts
		return result, nil
	}
	if isTransport(err) {
		return nil, &RetryableError{Tool: name, Attempts: attempts, Err: unwrapTransport(err)}
	}
	return nil, err
}

// transportError marks a failure below the tool: the request may not have
// reached the server, or its response was lost.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func unwrapTransport(err error) error {
	var te *transportError
	if errors.As(err, &te) {
		return te.err
	}
	return err
}

func (c *Client) callOnce(ctx context.Context, conn *mcpclient.Client, name string, args map[string]any) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	res, err := conn.CallTool(callCtx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, &transportError{err: err}
	}

	text := toolText(res)
	if res.IsError {
		return nil, classifyToolError(name, text)
	}
	return &Result{Tool: name, Data: json.RawMessage(text), Attempts: 1}, nil
}

func classifyToolError(tool, text string) error {
	var te toolserver.ToolError
	if err := json.Unmarshal([]byte(text), &te); err != nil || te.Code == "" {
		return &ToolError{Tool: tool, Code: "unknown", Message: text}
	}
	switch te.Code {
	case toolserver.CodeConflict, toolserver.CodeNotFound:
		return &ConflictError{Tool: tool, Resource: te.Resource, CurrentState: te.CurrentState, Message: te.Message}
	case toolserver.CodeInvalidArgument:
		return &SchemaError{Tool: tool, Reason: te.Message}
	default:
		return &ToolError{Tool: tool, Code: te.Code, Message: te.Message}
	}
}

func toolText(res *mcplib.CallToolResult) string {
	var b strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func resourceText(rc mcplib.ResourceContents) (string, bool) {
	switch v := rc.(type) {
	case mcplib.TextResourceContents:
		return v.Text, true
	case *mcplib.TextResourceContents:
		return v.Text, true
	}
	return "", false
}

// normalizeArgs round-trips args through JSON so validation sees exactly what
// the server will receive.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchema(d model.ToolDescriptor) (*jsonschema.Schema, error) {
	url := "soji://schemas/" + d.Name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(string(d.InputSchema))); err != nil {
		return nil, fmt.Errorf("toolclient: add schema for %s: %w", d.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("toolclient: compile schema for %s: %w", d.Name, err)
	}
	return schema, nil
}

func outcomeLabel(err error) string {
	switch {
	case IsSchema(err):
		return "schema_error"
	case IsRetryable(err):
		return "retryable_error"
	case IsConflict(err):
		return "conflict"
	case IsFatal(err):
		return "fatal_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "tool_error"
	}
}
