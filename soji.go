// Package soji is the agent runtime for cleaning-robot scheduling agents.
//
// It wires the tool servers, the tool client, the escalation engine, the
// approval queue and the activity log into an agent manager, and serves the
// runtime's HTTP API:
//
//	app, err := soji.New(
//	    soji.WithVersion(version),
//	    soji.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Stores are picked from config. DATABASE_URL makes the activity log and the
// approval queue durable in Postgres, REDIS_URL shares the auto-action window
// (and approvals, without Postgres) across instances, and SOJI_FLEET_DSN puts
// the fleet in SQLite. Unset, everything lives in memory.
package soji

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/soji/internal/activity"
	"github.com/ashita-ai/soji/internal/agent"
	"github.com/ashita-ai/soji/internal/agent/scheduler"
	"github.com/ashita-ai/soji/internal/approval"
	"github.com/ashita-ai/soji/internal/auth"
	"github.com/ashita-ai/soji/internal/config"
	"github.com/ashita-ai/soji/internal/escalation"
	"github.com/ashita-ai/soji/internal/fleet"
	"github.com/ashita-ai/soji/internal/model"
	"github.com/ashita-ai/soji/internal/ratelimit"
	"github.com/ashita-ai/soji/internal/server"
	"github.com/ashita-ai/soji/internal/storage"
	"github.com/ashita-ai/soji/internal/telemetry"
	"github.com/ashita-ai/soji/internal/toolclient"
	"github.com/ashita-ai/soji/internal/toolserver"
	"github.com/ashita-ai/soji/migrations"
)

const (
	// redisPrefix namespaces every key the runtime writes to Redis.
	redisPrefix = "soji:"
	// shutdownTimeout bounds the HTTP drain when Run returns.
	shutdownTimeout = 30 * time.Second
)

// App is the runtime lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB   // nil without DATABASE_URL
	redis        *redis.Client // nil without REDIS_URL
	fleet        fleet.Store
	tools        *toolclient.Client
	manager      *agent.Manager
	queue        *approval.Queue
	jwtMgr       *auth.JWTManager
	limiter      ratelimit.Limiter
	broker       *server.Broker
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the runtime. It opens the configured stores, connects the
// tool client to every tool domain, registers the agents from the agents
// file and returns a ready-to-run App. It does NOT start any goroutines or
// accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := config.LoadEnvFile(o.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.agentsFile != "" {
		cfg.AgentsFile = o.agentsFile
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("soji starting", "version", version, "port", cfg.Port)

	a := &App{cfg: cfg, logger: logger, version: version}
	if err := a.build(context.Background(), o); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

// build wires every subsystem onto a. Whatever it opened before failing is
// released by close.
func (a *App) build(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, a.version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	policy := escalation.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if policy, err = escalation.LoadPolicy(cfg.PolicyFile); err != nil {
			return err
		}
		logger.Info("escalation: policy loaded", "path", cfg.PolicyFile)
	}

	// Activity log and approval stores.
	var (
		activityStore activity.Store = activity.NewMemoryStore()
		approvalStore approval.Store
		window        ratelimit.Window = ratelimit.NewMemoryWindow(policy.RateLimit.Window)
	)
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.db = db
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		activityStore = storage.NewActivityStore(db)
		approvalStore = storage.NewApprovalStore(db)
		logger.Info("storage: postgres activity log and approvals")
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parse url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		window = ratelimit.NewRedisWindow(a.redis, redisPrefix, policy.RateLimit.Window)
		if approvalStore == nil {
			approvalStore = approval.NewRedisStore(a.redis, redisPrefix)
			logger.Info("storage: redis approvals")
		}
		logger.Info("escalation: redis auto-action window")
	}
	if approvalStore == nil {
		approvalStore = approval.NewMemoryStore()
		logger.Warn("storage: in-memory approvals", "risk", "pending approvals are lost on restart")
	}

	// With Postgres every instance learns of new requests through NOTIFY;
	// otherwise the broker is fed by this process's queue directly.
	notifiers := notifierList(o.notifiers)
	if a.db != nil {
		a.queue = approval.NewQueue(approvalStore, append(notifierList{storage.NewApprovalNotifier(a.db)}, notifiers...), logger)
		a.broker = server.NewBroker(a.db, a.queue.Get, logger)
	} else {
		a.broker = server.NewBroker(nil, nil, logger)
		a.queue = approval.NewQueue(approvalStore, append(notifierList{a.broker}, notifiers...), logger)
	}
	actLog := activity.New(activityStore, logger)

	// Fleet store behind the in-process tool servers.
	switch {
	case o.fleet != nil:
		a.fleet = o.fleet
	case cfg.FleetDSN != "":
		store, err := fleet.OpenSQLite(ctx, cfg.FleetDSN)
		if err != nil {
			return err
		}
		a.fleet = store
		logger.Info("fleet: sqlite store", "dsn", cfg.FleetDSN)
	default:
		a.fleet = fleet.NewMemoryStore()
		logger.Warn("fleet: in-memory store", "risk", "fleet state is lost on restart")
	}

	toolServers, err := a.connectTools(ctx)
	if err != nil {
		return err
	}

	engineOpts := []escalation.Option{}
	if cfg.RegoPolicy != "" {
		override, err := escalation.LoadRegoOverride(ctx, cfg.RegoPolicy)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, escalation.WithOverride(override))
		logger.Info("escalation: rego override loaded", "path", cfg.RegoPolicy)
	}
	engine := escalation.New(policy, a.tools, window, logger, engineOpts...)

	a.manager = agent.NewManager(agent.Deps{
		Tools:     a.tools,
		Escalator: engine,
		Approvals: a.queue,
		Log:       actLog,
	}, agent.Config{RunTimeout: cfg.RunTimeout}, logger)
	a.manager.RegisterKind(scheduler.Kind, scheduler.Factory)
	for kind, f := range o.kinds {
		a.manager.RegisterKind(kind, f)
	}
	if err := a.registerAgents(); err != nil {
		return err
	}

	a.jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.ServerConfig{
		Runtime:             a.manager,
		Approvals:           a.queue,
		Activity:            actLog,
		JWTMgr:              a.jwtMgr,
		Logger:              logger,
		Limiter:             a.limiter,
		Broker:              a.broker,
		ToolServers:         toolServers,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if a.db != nil {
		srvCfg.DB = a.db
	}
	a.srv = server.New(srvCfg)
	return nil
}

// connectTools connects the tool client to every domain: remote when a URL
// is configured, otherwise to an in-process server over the fleet store. The
// in-process servers are returned for mounting under /mcp.
func (a *App) connectTools(ctx context.Context) (map[model.ToolDomain]*mcpserver.MCPServer, error) {
	tcfg := toolclient.DefaultConfig()
	tcfg.CallTimeout = a.cfg.ToolCallTimeout
	tcfg.MaxRetries = a.cfg.ToolMaxRetries
	tcfg.ClientVersion = a.version
	a.tools = toolclient.New(tcfg, a.logger)

	var headers map[string]string
	if a.cfg.ToolToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + a.cfg.ToolToken}
	}

	local := make(map[model.ToolDomain]*mcpserver.MCPServer)
	for _, domain := range model.Domains {
		var (
			conn *mcpclient.Client
			err  error
		)
		if url := a.cfg.MCPURL(domain); url != "" {
			conn, err = toolclient.ConnectHTTP(ctx, url, headers)
			a.logger.Info("tools: remote server", "domain", domain, "url", url)
		} else {
			var ts *toolserver.Server
			ts, err = toolserver.New(domain, a.fleet, a.logger, a.version)
			if err != nil {
				return nil, err
			}
			local[domain] = ts.MCPServer()
			conn, err = toolclient.ConnectInProcess(ctx, ts.MCPServer())
		}
		if err != nil {
			return nil, fmt.Errorf("tools: connect %s: %w", domain, err)
		}
		if err := a.tools.Connect(ctx, domain, conn); err != nil {
			return nil, err
		}
	}
	if err := a.tools.DiscoverAll(ctx); err != nil {
		return nil, err
	}
	return local, nil
}

// registerAgents creates the agents listed in the agents file.
func (a *App) registerAgents() error {
	if a.cfg.AgentsFile == "" {
		a.logger.Warn("agents: no SOJI_AGENTS_FILE, starting with no agents")
		return nil
	}
	cfgs, err := config.LoadAgents(a.cfg.AgentsFile)
	if err != nil {
		return err
	}
	for _, c := range cfgs {
		if _, err := a.manager.Create(c); err != nil {
			return err
		}
	}
	a.logger.Info("agents: registered", "count", len(cfgs), "path", a.cfg.AgentsFile)
	return nil
}

// notifierList fans an enqueued request out to several notifiers in order.
type notifierList []ApprovalNotifier

func (l notifierList) ApprovalRequested(ctx context.Context, req model.ApprovalRequest) {
	for _, n := range l {
		n.ApprovalRequested(ctx, req)
	}
}

// Handler returns the root HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run resumes runs whose approvals were resolved while the runtime was down,
// starts the approval broker and the HTTP server, then blocks until ctx is
// cancelled or the server fails. On return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.manager.RecoverResumable(ctx); err != nil {
		a.logger.Warn("recover resumable runs failed", "error", err)
	} else if n > 0 {
		a.logger.Info("resumed runs after restart", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown drains in-flight HTTP requests, then releases the tool client,
// the stores and the OTEL providers. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("soji shutting down")

		httpCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			a.shutdownErr = err
		}
		cancel()

		a.close(ctx)
		a.logger.Info("soji stopped")
	})
	return a.shutdownErr
}

// close releases everything build opened. Fields left nil are skipped.
func (a *App) close(ctx context.Context) {
	if a.tools != nil {
		if err := a.tools.Close(); err != nil {
			a.logger.Warn("tools: close", "error", err)
		}
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.fleet != nil {
		if err := a.fleet.Close(); err != nil {
			a.logger.Warn("fleet: close", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
}
