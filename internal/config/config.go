// Package config loads and validates runtime configuration from environment
// variables, an optional .env file and the YAML agents file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/soji/internal/model"
)

// Config holds all runtime configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Stores. Empty values select the in-memory implementations.
	DatabaseURL string // Postgres: durable activity log and approvals.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; defaults to DatabaseURL.
	RedisURL    string // Redis: approvals and the auto-action window.
	FleetDSN    string // SQLite fleet store.

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Runtime files.
	AgentsFile string // YAML agent definitions.
	PolicyFile string // YAML escalation policy.
	RegoPolicy string // Rego escalation override.

	// Remote tool servers. Empty values serve the domain in process.
	SpaceMCPURL string
	TaskMCPURL  string
	RobotMCPURL string
	ToolToken   string // Bearer token presented to remote tool servers.

	// Timeouts and retries.
	ToolCallTimeout time.Duration
	ToolMaxRetries  int
	RunTimeout      time.Duration

	// HTTP rate limiting on trigger.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// LoadEnvFile loads path into the process environment without overriding
// variables already set. An empty path tries ./.env and ignores its absence.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with sensible
// defaults. Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:       envStr("DATABASE_URL", ""),
		NotifyURL:         envStr("NOTIFY_URL", ""),
		RedisURL:          envStr("REDIS_URL", ""),
		FleetDSN:          envStr("SOJI_FLEET_DSN", ""),
		JWTPrivateKeyPath: envStr("SOJI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("SOJI_JWT_PUBLIC_KEY", ""),
		AgentsFile:        envStr("SOJI_AGENTS_FILE", ""),
		PolicyFile:        envStr("SOJI_POLICY_FILE", ""),
		RegoPolicy:        envStr("SOJI_REGO_POLICY", ""),
		SpaceMCPURL:       envStr("SOJI_SPACE_MCP_URL", ""),
		TaskMCPURL:        envStr("SOJI_TASK_MCP_URL", ""),
		RobotMCPURL:       envStr("SOJI_ROBOT_MCP_URL", ""),
		ToolToken:         envStr("SOJI_TOOL_TOKEN", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "soji"),
		LogLevel:          envStr("SOJI_LOG_LEVEL", "info"),
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	var err error
	cfg.Port, err = envInt("SOJI_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("SOJI_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("SOJI_WRITE_TIMEOUT", 3*time.Minute)
	collect(err)
	var maxBody int
	maxBody, err = envInt("SOJI_MAX_REQUEST_BODY_BYTES", 1<<20)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.JWTExpiration, err = envDuration("SOJI_JWT_EXPIRATION", 24*time.Hour)
	collect(err)
	cfg.ToolCallTimeout, err = envDuration("SOJI_TOOL_CALL_TIMEOUT", 5*time.Second)
	collect(err)
	cfg.ToolMaxRetries, err = envInt("SOJI_TOOL_MAX_RETRIES", 3)
	collect(err)
	cfg.RunTimeout, err = envDuration("SOJI_RUN_TIMEOUT", 2*time.Minute)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("SOJI_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("SOJI_RATE_LIMIT_RPS", 1)
	collect(err)
	cfg.RateLimitBurst, err = envInt("SOJI_RATE_LIMIT_BURST", 5)
	collect(err)
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("SOJI_PORT must be within [1,65535]"))
	}
	for name, d := range map[string]time.Duration{
		"SOJI_READ_TIMEOUT":      c.ReadTimeout,
		"SOJI_WRITE_TIMEOUT":     c.WriteTimeout,
		"SOJI_JWT_EXPIRATION":    c.JWTExpiration,
		"SOJI_TOOL_CALL_TIMEOUT": c.ToolCallTimeout,
		"SOJI_RUN_TIMEOUT":       c.RunTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("SOJI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.ToolMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("SOJI_TOOL_MAX_RETRIES must not be negative"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("SOJI_RATE_LIMIT_RPS and SOJI_RATE_LIMIT_BURST must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("SOJI_LOG_LEVEL=%q is not a valid level", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// MCPURL returns the remote tool server URL for domain, if any.
func (c Config) MCPURL(domain model.ToolDomain) string {
	switch domain {
	case model.DomainSpace:
		return c.SpaceMCPURL
	case model.DomainTask:
		return c.TaskMCPURL
	case model.DomainRobot:
		return c.RobotMCPURL
	}
	return ""
}

// agentsFile is the YAML document listing the agents to register at start.
//
//	agents:
//	  - id: lobby-scheduler
//	    kind: cleaning_scheduler
//	    tenant_id: acme
//	    tier: standard
//	    battery_reserve: 10
type agentsFile struct {
	Agents []model.AgentConfig `yaml:"agents"`
}

// LoadAgents reads and validates the agents file at path.
func LoadAgents(path string) ([]model.AgentConfig, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("config: read agents file: %w", err)
	}
	return ParseAgents(raw)
}

// ParseAgents decodes an agents document. Unknown fields and duplicate ids
// are errors.
func ParseAgents(raw []byte) ([]model.AgentConfig, error) {
	var f agentsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse agents: %w", err)
	}
	seen := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if seen[a.AgentID] {
			return nil, fmt.Errorf("config: duplicate agent id %q", a.AgentID)
		}
		seen[a.AgentID] = true
		if err := model.ValidateAgentID(a.AgentID); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return f.Agents, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
