// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine runtime kinds for RuntimeKind.
const (
	RuntimeHost   = "host"
	RuntimeDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Session registry limits.
	MaxSessions        int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration

	// Approval gateway.
	ApprovalTimeout time.Duration

	Engine EngineConfig
	Filter FilterConfig
	Audit  AuditConfig
	Lookup LookupConfig
}

// EngineConfig controls how reasoning engine processes are launched.
type EngineConfig struct {
	Bin              string
	Model            string
	RuntimeKind      string // "host" = subprocess, "docker" = container per session
	Image            string // docker runtime only
	WorkDir          string
	MalformedLimit   int // consecutive bad frames before the turn fails
	EventQueueSize   int
	ShutdownGrace    time.Duration
	SensitiveActions []string
	TurnTimeout      time.Duration
}

// FilterConfig controls the mandatory outbound content filter.
type FilterConfig struct {
	DefaultProfile string
	RemoteURL      string // optional external anonymizer; empty = built-in rules
	RemoteTimeout  time.Duration
}

// AuditConfig controls NDJSON audit logging.
type AuditConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// LookupConfig points at the ticket/client lookup service used to
// enrich new sessions. Empty URL disables enrichment.
type LookupConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/deskbrain.db"),

		MaxSessions:        getEnvInt("MAX_SESSIONS", 20),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),

		ApprovalTimeout: getEnvDuration("APPROVAL_TIMEOUT", 15*time.Minute),

		Engine: EngineConfig{
			Bin:            getEnv("ENGINE_BIN", "claude"),
			Model:          getEnv("ENGINE_MODEL", ""),
			RuntimeKind:    getEnv("ENGINE_RUNTIME", RuntimeHost),
			Image:          getEnv("ENGINE_IMAGE", "deskbrain-engine:latest"),
			WorkDir:        getEnv("ENGINE_WORKDIR", ""),
			MalformedLimit: getEnvInt("MALFORMED_FRAME_LIMIT", 5),
			EventQueueSize: getEnvInt("ENGINE_EVENT_QUEUE_SIZE", 256),
			ShutdownGrace:  getEnvDuration("ENGINE_SHUTDOWN_GRACE", 5*time.Second),
			SensitiveActions: splitList(getEnv("SENSITIVE_ACTIONS",
				"run_remote_command,read_customer_record,modify_account")),
			TurnTimeout: getEnvDuration("ENGINE_TURN_TIMEOUT", 10*time.Minute),
		},
		Filter: FilterConfig{
			DefaultProfile: getEnv("FILTER_PROFILE", "standard"),
			RemoteURL:      getEnv("FILTER_REMOTE_URL", ""),
			RemoteTimeout:  getEnvDuration("FILTER_REMOTE_TIMEOUT", 5*time.Second),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("AUDIT_LOG_ENABLED", true),
			Dir:           getEnv("AUDIT_LOG_DIR", "./data/logs/audit"),
			GlobalEnabled: getEnvBool("AUDIT_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("AUDIT_LOG_GLOBAL_PATH", "./data/logs/audit/all.ndjson"),
			QueueSize:     queueSize,
		},
		Lookup: LookupConfig{
			URL:     getEnv("LOOKUP_URL", ""),
			Token:   getEnv("LOOKUP_TOKEN", ""),
			Timeout: getEnvDuration("LOOKUP_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("APPROVAL_TIMEOUT must be > 0")
	}
	if c.Engine.Bin == "" {
		return fmt.Errorf("ENGINE_BIN cannot be empty")
	}
	switch c.Engine.RuntimeKind {
	case RuntimeHost, RuntimeDocker:
	default:
		return fmt.Errorf("ENGINE_RUNTIME must be %q or %q, got %q",
			RuntimeHost, RuntimeDocker, c.Engine.RuntimeKind)
	}
	if c.Engine.RuntimeKind == RuntimeDocker && c.Engine.Image == "" {
		return fmt.Errorf("ENGINE_IMAGE cannot be empty when ENGINE_RUNTIME=docker")
	}
	if c.Engine.MalformedLimit <= 0 {
		return fmt.Errorf("MALFORMED_FRAME_LIMIT must be > 0")
	}
	switch c.Filter.DefaultProfile {
	case "standard", "cjis", "phi":
	default:
		return fmt.Errorf("FILTER_PROFILE must be one of standard, cjis, phi; got %q",
			c.Filter.DefaultProfile)
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR cannot be empty")
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("AUDIT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
