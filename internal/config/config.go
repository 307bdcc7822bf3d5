package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatrelay.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Database  DatabaseConfig            `yaml:"database"`
	Session   SessionConfig             `yaml:"session"`
	Queue     QueueConfig               `yaml:"queue"`
	Routing   RoutingConfig             `yaml:"routing"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Responder ResponderConfig           `yaml:"responder"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AdminAPIKey string `yaml:"adminApiKey,omitempty"` // empty disables admin auth
	MaxBodySize int64  `yaml:"maxBodySize"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file,omitempty"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SessionConfig struct {
	HistoryLimit  int           `yaml:"historyLimit"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type QueueConfig struct {
	Backend       string        `yaml:"backend"` // sqlite | redis | memory
	Workers       int           `yaml:"workers"`
	RetryBase     time.Duration `yaml:"retryBase"`
	RetryMax      time.Duration `yaml:"retryMax"`
	MaxRetryCount int           `yaml:"maxRetryCount"` // used when a provider config leaves it at 0
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type RoutingConfig struct {
	Workers    int           `yaml:"workers"`
	BusBuffer  int           `yaml:"busBuffer"`
	DedupeTTL  time.Duration `yaml:"dedupeTTL"`
	DedupeSize int           `yaml:"dedupeSize"`
}

type GatewayConfig struct {
	ReconnectInterval    time.Duration `yaml:"reconnectInterval"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
}

type ResponderConfig struct {
	Mode    string        `yaml:"mode"` // echo | http | none
	URL     string        `yaml:"url,omitempty"`
	APIKey  string        `yaml:"apiKey,omitempty"`
	Timeout time.Duration `yaml:"timeout"`

	// Pipeline throttling; RatePerMinute 0 disables it.
	RatePerMinute float64 `yaml:"ratePerMinute"`
	Burst         int     `yaml:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ProviderConfig seeds a provider record in the store on first start.
// Once stored, the admin surface owns it.
type ProviderConfig struct {
	DisplayName     string            `yaml:"displayName"`
	Enabled         bool              `yaml:"enabled"`
	WebhookURL      string            `yaml:"webhookUrl,omitempty"`
	MessageInterval time.Duration     `yaml:"messageInterval"`
	MaxRetryCount   int               `yaml:"maxRetryCount"`
	Config          map[string]string `yaml:"config,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodySize < 1 {
		errs = append(errs, "server.maxBodySize must be >= 1")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Session.HistoryLimit < 1 {
		errs = append(errs, "session.historyLimit must be >= 1")
	}
	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, "session.idleTimeout must be positive")
	}
	if cfg.Session.SweepInterval <= 0 {
		errs = append(errs, "session.sweepInterval must be positive")
	}

	switch cfg.Queue.Backend {
	case "sqlite", "memory":
	case "redis":
		if cfg.Queue.Redis.Addr == "" {
			errs = append(errs, "queue.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "queue.backend must be one of: sqlite, redis, memory")
	}
	if cfg.Queue.Workers < 1 || cfg.Queue.Workers > 64 {
		errs = append(errs, "queue.workers must be between 1 and 64")
	}
	if cfg.Queue.RetryBase <= 0 {
		errs = append(errs, "queue.retryBase must be positive")
	}
	if cfg.Queue.RetryMax < cfg.Queue.RetryBase {
		errs = append(errs, "queue.retryMax must be >= queue.retryBase")
	}
	if cfg.Queue.MaxRetryCount < 0 {
		errs = append(errs, "queue.maxRetryCount must be >= 0")
	}

	if cfg.Routing.Workers < 1 || cfg.Routing.Workers > 100 {
		errs = append(errs, "routing.workers must be between 1 and 100")
	}
	if cfg.Routing.BusBuffer < 1 {
		errs = append(errs, "routing.busBuffer must be >= 1")
	}

	if cfg.Gateway.ReconnectInterval <= 0 {
		errs = append(errs, "gateway.reconnectInterval must be positive")
	}
	if cfg.Gateway.MaxReconnectAttempts < 1 {
		errs = append(errs, "gateway.maxReconnectAttempts must be >= 1")
	}

	switch cfg.Responder.Mode {
	case "echo", "none":
	case "http":
		if cfg.Responder.URL == "" {
			errs = append(errs, "responder.url is required when responder.mode is http")
		}
	default:
		errs = append(errs, "responder.mode must be one of: echo, http, none")
	}
	if cfg.Responder.RatePerMinute < 0 || cfg.Responder.Burst < 0 {
		errs = append(errs, "responder.ratePerMinute and responder.burst must not be negative")
	}

	for name, pc := range cfg.Providers {
		if !knownPlatforms[name] {
			errs = append(errs, fmt.Sprintf("providers.%s: unknown platform", name))
			continue
		}
		if pc.MaxRetryCount < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.maxRetryCount must be >= 0", name))
		}
		if pc.MessageInterval < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.messageInterval must be >= 0", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var knownPlatforms = map[string]bool{
	"qq":       true,
	"slack":    true,
	"telegram": true,
	"feishu":   true,
	"discord":  true,
	"webhook":  true,
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
