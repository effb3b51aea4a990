package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models signline.yml.
type Config struct {
	Org struct {
		ID string `yaml:"id"`
	} `yaml:"org"`
	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`
	Server   ServerConfig               `yaml:"server"`
	Engine   EngineConfig               `yaml:"engine"`
	Authz    AuthzConfig                `yaml:"authz"`
	Store    StoreConfig                `yaml:"store"`
	TSA      TSAConfig                  `yaml:"tsa"`
	Notifier NotifierConfig             `yaml:"notifier"`
	PKI      PKIConfig                  `yaml:"pki"`
	Services map[string]ServiceEndpoint `yaml:"services"`
	Webhooks []WebhookConfig            `yaml:"webhooks"`
	Log      LogConfig                  `yaml:"log"`
	Metrics  MetricsConfig              `yaml:"metrics"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	JWTSecret  string `yaml:"jwt_secret"`
	TokenTTL   string `yaml:"token_ttl"`
	EnableDocs bool   `yaml:"enable_docs"`
}

type EngineConfig struct {
	ReminderInterval string `yaml:"reminder_interval"`
	EscalationDelay  string `yaml:"escalation_delay"`
	TimerTick        string `yaml:"timer_tick"`
	DefaultDueIn     string `yaml:"default_due_in"`
	MaxParallelTasks int    `yaml:"max_parallel_tasks"`
	RetryAttempts    int    `yaml:"retry_attempts"`
	AllowSampleRate  int    `yaml:"allow_sample_rate"`
}

type AuthzConfig struct {
	CacheSize int    `yaml:"cache_size"`
	CacheTTL  string `yaml:"cache_ttl"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // fs, s3, memory
	Root    string `yaml:"root"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

type TSAConfig struct {
	Backend string `yaml:"backend"` // static, rfc3161
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type NotifierConfig struct {
	Backend string `yaml:"backend"` // log, memory
}

type PKIConfig struct {
	Backend           string   `yaml:"backend"` // static
	RecognizedIssuers []string `yaml:"recognized_issuers"`
}

type ServiceEndpoint struct {
	URL        string `yaml:"url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sgl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port out of range")
	}
	for field, v := range map[string]string{
		"engine.reminder_interval": c.Engine.ReminderInterval,
		"engine.escalation_delay":  c.Engine.EscalationDelay,
		"engine.timer_tick":        c.Engine.TimerTick,
		"engine.default_due_in":    c.Engine.DefaultDueIn,
		"server.token_ttl":         c.Server.TokenTTL,
		"authz.cache_ttl":          c.Authz.CacheTTL,
		"tsa.timeout":              c.TSA.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config.%s: %w", field, err)
		}
	}
	if ttl, _ := time.ParseDuration(c.Authz.CacheTTL); ttl > 5*time.Minute {
		return fmt.Errorf("config.authz.cache_ttl must not exceed 5m")
	}
	switch c.Store.Backend {
	case "", "fs", "memory":
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("config.store.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.store.backend must be fs, s3 or memory")
	}
	switch c.TSA.Backend {
	case "", "static":
	case "rfc3161":
		if c.TSA.URL == "" {
			return fmt.Errorf("config.tsa.url is required for the rfc3161 backend")
		}
	default:
		return fmt.Errorf("config.tsa.backend must be static or rfc3161")
	}
	switch c.Notifier.Backend {
	case "", "log", "memory":
	default:
		return fmt.Errorf("config.notifier.backend must be log or memory")
	}
	for name, ep := range c.Services {
		if name == "" {
			return fmt.Errorf("config.services contains empty service name")
		}
		if ep.URL == "" {
			return fmt.Errorf("config.services.%s.url is required", name)
		}
		if ep.Timeout != "" {
			if _, err := time.ParseDuration(ep.Timeout); err != nil {
				return fmt.Errorf("config.services.%s.timeout: %w", name, err)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.Name == "" {
			return fmt.Errorf("config.webhooks[%d].name is required", i)
		}
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func (c *Config) ReminderInterval() time.Duration {
	return c.duration(c.Engine.ReminderInterval, 24*time.Hour)
}

func (c *Config) EscalationDelay() time.Duration {
	return c.duration(c.Engine.EscalationDelay, 4*time.Hour)
}

func (c *Config) TimerTick() time.Duration {
	return c.duration(c.Engine.TimerTick, 30*time.Second)
}

func (c *Config) DefaultDueIn() time.Duration {
	return c.duration(c.Engine.DefaultDueIn, 72*time.Hour)
}

func (c *Config) TokenTTL() time.Duration {
	return c.duration(c.Server.TokenTTL, 24*time.Hour)
}

func (c *Config) AuthzCacheTTL() time.Duration {
	ttl := c.duration(c.Authz.CacheTTL, time.Minute)
	if ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return ttl
}

func (c *Config) AuthzCacheSize() int {
	if c.Authz.CacheSize <= 0 {
		return 4096
	}
	return c.Authz.CacheSize
}

func (c *Config) TSATimeout() time.Duration {
	return c.duration(c.TSA.Timeout, 10*time.Second)
}

func (c *Config) RetryAttempts() int {
	if c.Engine.RetryAttempts <= 0 {
		return 3
	}
	return c.Engine.RetryAttempts
}

// AllowSampleRate controls how often allow decisions are recorded in the
// audit log: every Nth allow per instance. Denies are always recorded.
func (c *Config) AllowSampleRate() int {
	if c.Engine.AllowSampleRate <= 0 {
		return 10
	}
	return c.Engine.AllowSampleRate
}

func (c *Config) DBPath(workspace string) string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".signline", "signline.db")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: %s

server:
  host: 127.0.0.1
  port: 8787
  enable_docs: true

engine:
  reminder_interval: 24h
  escalation_delay: 4h
  timer_tick: 30s
  default_due_in: 72h
  max_parallel_tasks: 32
  retry_attempts: 3
  allow_sample_rate: 10

authz:
  cache_size: 4096
  cache_ttl: 1m

store:
  backend: fs
  root: .signline/blobs

tsa:
  backend: static

notifier:
  backend: log

pki:
  backend: static
  recognized_issuers: []

log:
  level: info
  format: text

metrics:
  enabled: true
  path: /metrics
`
