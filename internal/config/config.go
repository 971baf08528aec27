package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/synergy/internal/orchestrator"
	"github.com/nidhogg/synergy/internal/pipeline"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Agents    AgentsConfig    `json:"agents"`
	Cache     CacheConfig     `json:"cache"`
	Database  DatabaseConfig  `json:"database"`
	WebSocket WebSocketConfig `json:"websocket"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Notify    NotifyConfig    `json:"notify"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	Debug       bool     `json:"debug"`
	CORSOrigins []string `json:"cors_origins"`
}

type WorkflowConfig struct {
	MaxConcurrent int      `json:"max_concurrent_workflows"`
	QueueEnabled  *bool    `json:"queue_enabled,omitempty"`
	MaxQueue      int      `json:"max_queue"`
	Retention     Duration `json:"retention"`
	SweepInterval Duration `json:"sweep_interval"`
	// RequiredStages overrides the per-agent required flags when non-empty.
	RequiredStages []string `json:"required_stages,omitempty"`
}

// AgentOverride holds the fields a kind may change; nil means inherit.
type AgentOverride struct {
	Timeout      *Duration `json:"timeout,omitempty"`
	MaxRetries   *int      `json:"max_retries,omitempty"`
	RetryDelay   *Duration `json:"retry_delay,omitempty"`
	CacheEnabled *bool     `json:"cache_enabled,omitempty"`
	CacheTTL     *Duration `json:"cache_ttl,omitempty"`
	Required     *bool     `json:"required,omitempty"`
}

type AgentDefaults struct {
	Timeout      Duration `json:"timeout"`
	MaxRetries   *int     `json:"max_retries,omitempty"`
	RetryDelay   Duration `json:"retry_delay"`
	CacheEnabled *bool    `json:"cache_enabled,omitempty"`
	CacheTTL     Duration `json:"cache_ttl"`
}

type AgentsConfig struct {
	Defaults  AgentDefaults             `json:"defaults"`
	Overrides map[string]AgentOverride  `json:"overrides,omitempty"`
	Params    map[string]map[string]any `json:"params,omitempty"`
}

type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend       string   `json:"backend"`
	SweepInterval Duration `json:"sweep_interval"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type RedisConfig struct {
	URL string `json:"url"`
	// StreamMaxLen caps each workflow's progress stream.
	StreamMaxLen int64    `json:"stream_max_len"`
	StreamTTL    Duration `json:"stream_ttl"`
}

type WebSocketConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	MaxConnections    int      `json:"max_connections"`
}

type RateLimitConfig struct {
	Requests int      `json:"requests"`
	Window   Duration `json:"window"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
	// Statuses limits which terminal statuses are announced; empty means all.
	Statuses []string `json:"statuses,omitempty"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
	Username  string `json:"username"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON config file and substitutes environment variable
// references. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON configuration after environment substitution.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	w := &c.Workflow
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = 5
	}
	if w.QueueEnabled == nil {
		enabled := true
		w.QueueEnabled = &enabled
	}
	if w.MaxQueue == 0 {
		w.MaxQueue = 100
	}
	if w.Retention == 0 {
		w.Retention = Duration(time.Hour)
	}
	if w.SweepInterval == 0 {
		w.SweepInterval = Duration(time.Minute)
	}

	base := pipeline.DefaultSettings()
	d := &c.Agents.Defaults
	if d.Timeout == 0 {
		d.Timeout = Duration(base.Timeout)
	}
	if d.MaxRetries == nil {
		n := base.MaxRetries
		d.MaxRetries = &n
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = Duration(base.RetryDelay)
	}
	if d.CacheEnabled == nil {
		enabled := base.CacheEnabled
		d.CacheEnabled = &enabled
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = Duration(base.CacheTTL)
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = Duration(time.Minute)
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Database.Redis.StreamMaxLen == 0 {
		c.Database.Redis.StreamMaxLen = 1000
	}
	if c.Database.Redis.StreamTTL == 0 {
		c.Database.Redis.StreamTTL = Duration(24 * time.Hour)
	}
	if c.WebSocket.HeartbeatInterval == 0 {
		c.WebSocket.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.WebSocket.MaxConnections == 0 {
		c.WebSocket.MaxConnections = 100
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(time.Minute)
	}
}

// Validate reports the first inconsistency in the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Workflow.MaxConcurrent < 0 {
		return fmt.Errorf("workflow.max_concurrent_workflows must be positive, got %d", c.Workflow.MaxConcurrent)
	}
	if c.Workflow.MaxQueue < 0 {
		return fmt.Errorf("workflow.max_queue must be positive, got %d", c.Workflow.MaxQueue)
	}
	for _, s := range c.Workflow.RequiredStages {
		if _, err := pipeline.ParseKind(s); err != nil {
			return fmt.Errorf("workflow.required_stages: %w", err)
		}
	}
	if *c.Agents.Defaults.MaxRetries < 0 {
		return fmt.Errorf("agents.defaults.max_retries must not be negative")
	}
	for name, o := range c.Agents.Overrides {
		if _, err := pipeline.ParseKind(name); err != nil {
			return fmt.Errorf("agents.overrides: %w", err)
		}
		if o.MaxRetries != nil && *o.MaxRetries < 0 {
			return fmt.Errorf("agents.overrides.%s.max_retries must not be negative", name)
		}
		if o.Timeout != nil && *o.Timeout <= 0 {
			return fmt.Errorf("agents.overrides.%s.timeout must be positive", name)
		}
	}
	for name := range c.Agents.Params {
		if _, err := pipeline.ParseKind(name); err != nil {
			return fmt.Errorf("agents.params: %w", err)
		}
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			return fmt.Errorf("cache.backend redis requires database.redis.url")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	for _, s := range c.Notify.Statuses {
		if st := pipeline.Status(s); !st.Terminal() {
			return fmt.Errorf("notify.statuses: %q is not a terminal status", s)
		}
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.BotToken == "" || c.Notify.Slack.ChannelID == "") {
		return fmt.Errorf("notify.slack requires bot_token and channel_id")
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.BotToken == "" || c.Notify.Discord.ChannelID == "") {
		return fmt.Errorf("notify.discord requires bot_token and channel_id")
	}
	return nil
}

// AgentSettings resolves defaults, per-kind overrides and params into the
// table every workflow freezes at submission.
func (c *Config) AgentSettings() pipeline.SettingsTable {
	d := c.Agents.Defaults
	required := make(map[pipeline.Kind]bool)
	for _, s := range c.Workflow.RequiredStages {
		k, _ := pipeline.ParseKind(s)
		required[k] = true
	}

	t := make(pipeline.SettingsTable, len(pipeline.Kinds))
	for _, k := range pipeline.Kinds {
		s := pipeline.Settings{
			Timeout:      d.Timeout.Std(),
			MaxRetries:   *d.MaxRetries,
			RetryDelay:   d.RetryDelay.Std(),
			CacheEnabled: *d.CacheEnabled,
			CacheTTL:     d.CacheTTL.Std(),
			Required:     true,
		}
		if len(required) > 0 {
			s.Required = required[k]
		}
		if o, ok := c.Agents.Overrides[string(k)]; ok {
			if o.Timeout != nil {
				s.Timeout = o.Timeout.Std()
			}
			if o.MaxRetries != nil {
				s.MaxRetries = *o.MaxRetries
			}
			if o.RetryDelay != nil {
				s.RetryDelay = o.RetryDelay.Std()
			}
			if o.CacheEnabled != nil {
				s.CacheEnabled = *o.CacheEnabled
			}
			if o.CacheTTL != nil {
				s.CacheTTL = o.CacheTTL.Std()
			}
			if o.Required != nil {
				s.Required = *o.Required
			}
		}
		s.Params = pipeline.DefaultParams(k)
		maps.Copy(s.Params, c.Agents.Params[string(k)])
		t[k] = s
	}
	return t
}

// OrchestratorOptions translates the workflow section.
func (c *Config) OrchestratorOptions() orchestrator.Options {
	return orchestrator.Options{
		MaxConcurrent: c.Workflow.MaxConcurrent,
		QueueEnabled:  *c.Workflow.QueueEnabled,
		MaxQueue:      c.Workflow.MaxQueue,
		Retention:     c.Workflow.Retention.Std(),
		SweepInterval: c.Workflow.SweepInterval.Std(),
		Settings:      c.AgentSettings(),
	}
}

// NotifyStatuses converts the configured status filter.
func (c *Config) NotifyStatuses() []pipeline.Status {
	out := make([]pipeline.Status, 0, len(c.Notify.Statuses))
	for _, s := range c.Notify.Statuses {
		out = append(out, pipeline.Status(s))
	}
	return out
}
