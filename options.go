package soji

import (
	"log/slog"

	"github.com/ashita-ai/soji/internal/agent"
	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/fleet"
)

// ApprovalNotifier is told about every newly enqueued approval request.
// Implementations must return quickly; they run on the enqueueing run.
type ApprovalNotifier = approval.Notifier

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	envFile     string
	port        int
	databaseURL string
	notifyURL   string
	redisURL    string
	agentsFile  string
	logger      *slog.Logger
	version     string
	fleet       fleet.Store
	kinds       map[string]agent.Factory
	notifiers   []ApprovalNotifier
}

// WithEnvFile loads variables from path before reading config. Variables
// already set in the environment win.
func WithEnvFile(path string) Option {
	return func(o *resolvedOptions) { o.envFile = path }
}

// WithPort overrides the TCP port from config (SOJI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the Redis URL (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithAgentsFile overrides the YAML agent definitions path (SOJI_AGENTS_FILE env var).
func WithAgentsFile(path string) Option {
	return func(o *resolvedOptions) { o.agentsFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithFleetStore replaces the fleet store selected by SOJI_FLEET_DSN. The App
// closes it on shutdown.
func WithFleetStore(store fleet.Store) Option {
	return func(o *resolvedOptions) { o.fleet = store }
}

// WithAgentKind registers an additional agent kind next to the built-in
// cleaning scheduler. Later registrations of the same kind win.
func WithAgentKind(kind string, f agent.Factory) Option {
	return func(o *resolvedOptions) {
		if o.kinds == nil {
			o.kinds = make(map[string]agent.Factory)
		}
		o.kinds[kind] = f
	}
}

// WithApprovalNotifier registers a hook called after each approval request
// is enqueued, next to the SSE broker. Multiple hooks may be registered.
func WithApprovalNotifier(n ApprovalNotifier) Option {
	return func(o *resolvedOptions) { o.notifiers = append(o.notifiers, n) }
}
