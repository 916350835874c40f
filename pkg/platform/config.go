// Package platform wires stores, the safety gate, the turn engine, the
// long-poll broker and the gateway into one runnable service.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/pairtalk/pkg/auth"
	"github.com/txn2/pairtalk/pkg/safety"
	"github.com/txn2/pairtalk/pkg/session"
)

// Config holds the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Safety      SafetyConfig      `yaml:"safety"`
	Turns       TurnsConfig       `yaml:"turns"`
	LongPoll    LongPollConfig    `yaml:"longpoll"`
	Relay       RelayConfig       `yaml:"relay"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Audit       AuditConfig       `yaml:"audit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Address         string        `yaml:"address"`
	LogLevel        string        `yaml:"log_level"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig configures the PostgreSQL connection. An empty DSN keeps
// every store in memory.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      *bool  `yaml:"migrate"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	Enabled        bool              `yaml:"enabled"`
	AllowAnonymous bool              `yaml:"allow_anonymous"`
	JWT            JWTAuthConfig     `yaml:"jwt"`
	APIKeys        auth.APIKeyConfig `yaml:"api_keys"`
}

// JWTAuthConfig configures HS256 bearer tokens.
type JWTAuthConfig struct {
	Issuer     string        `yaml:"issuer"`
	SigningKey string        `yaml:"signing_key"`
	Leeway     time.Duration `yaml:"leeway"`
}

// SafetyConfig configures the synchronous safety gate.
type SafetyConfig struct {
	// Classifier is "pattern" or "http".
	Classifier    string            `yaml:"classifier"`
	RulesFile     string            `yaml:"rules_file"`
	HTTP          HTTPClientConfig  `yaml:"http"`
	FailPolicy    safety.FailPolicy `yaml:"fail_policy"`
	MinConfidence float64           `yaml:"min_confidence"`
	Timeout       time.Duration     `yaml:"timeout"`
	Resources     []safety.Resource `yaml:"resources"`
}

// HTTPClientConfig configures a call to an external collaborator.
type HTTPClientConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// TurnsConfig configures the turn engine.
type TurnsConfig struct {
	DefaultCadence   session.Cadence `yaml:"default_cadence"`
	MaxContentBytes  int             `yaml:"max_content_bytes"`
	IdleTimeout      time.Duration   `yaml:"idle_timeout"`
	EvictionInterval time.Duration   `yaml:"eviction_interval"`
}

// LongPollConfig configures the long-poll broker.
type LongPollConfig struct {
	MaxWait time.Duration `yaml:"max_wait"`
}

// RelayConfig configures cross-replica append notifications.
type RelayConfig struct {
	// Type is "none", "redis" or "postgres".
	Type    string      `yaml:"type"`
	Channel string      `yaml:"channel"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis relay client.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

// FacilitatorConfig configures the built-in AI turn runner.
type FacilitatorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Responder is "scripted" or "http".
	Responder string           `yaml:"responder"`
	HTTP      HTTPClientConfig `yaml:"http"`
	Workers   int              `yaml:"workers"`
	QueueSize int              `yaml:"queue_size"`
	History   int              `yaml:"history"`
	Attempts  int              `yaml:"attempts"`
	Backoff   time.Duration    `yaml:"backoff"`
	Timeout   time.Duration    `yaml:"timeout"`
	Fallback  string           `yaml:"fallback"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sink is "slog" or "postgres".
	Sink            string        `yaml:"sink"`
	RetentionDays   int           `yaml:"retention_days"`
	BufferSize      int           `yaml:"buffer_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Relay types.
const (
	RelayNone     = "none"
	RelayRedis    = "redis"
	RelayPostgres = "postgres"
)

// Classifier, responder and audit sink kinds.
const (
	ClassifierPattern = "pattern"
	ClassifierHTTP    = "http"

	ResponderScripted = "scripted"
	ResponderHTTP     = "http"

	AuditSinkSlog     = "slog"
	AuditSinkPostgres = "postgres"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "pairtalk"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.Migrate == nil {
		migrate := true
		cfg.Database.Migrate = &migrate
	}
	if cfg.Safety.Classifier == "" {
		cfg.Safety.Classifier = ClassifierPattern
	}
	if cfg.Safety.FailPolicy == "" {
		cfg.Safety.FailPolicy = safety.FailBlock
	}
	if cfg.Turns.DefaultCadence == "" {
		cfg.Turns.DefaultCadence = session.CadencePair
	}
	if cfg.Turns.EvictionInterval == 0 {
		cfg.Turns.EvictionInterval = time.Minute
	}
	if cfg.Relay.Type == "" {
		cfg.Relay.Type = RelayNone
	}
	if cfg.Facilitator.Responder == "" {
		cfg.Facilitator.Responder = ResponderScripted
	}
	if cfg.Audit.Sink == "" {
		cfg.Audit.Sink = AuditSinkSlog
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = 24 * time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}

	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateSafety()...)

	if !c.Turns.DefaultCadence.Valid() {
		errs = append(errs, fmt.Sprintf("turns.default_cadence %q must be pair or message", c.Turns.DefaultCadence))
	}
	if c.Turns.MaxContentBytes < 0 {
		errs = append(errs, "turns.max_content_bytes must not be negative")
	}
	if c.LongPoll.MaxWait < 0 {
		errs = append(errs, "longpoll.max_wait must not be negative")
	}

	errs = append(errs, c.validateRelay()...)

	if c.Facilitator.Enabled {
		switch c.Facilitator.Responder {
		case ResponderScripted:
		case ResponderHTTP:
			if c.Facilitator.HTTP.URL == "" {
				errs = append(errs, "facilitator.http.url is required for the http responder")
			}
		default:
			errs = append(errs, fmt.Sprintf("facilitator.responder %q must be scripted or http", c.Facilitator.Responder))
		}
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink {
		case AuditSinkSlog:
		case AuditSinkPostgres:
			if c.Database.DSN == "" {
				errs = append(errs, "audit.sink postgres requires database.dsn")
			}
		default:
			errs = append(errs, fmt.Sprintf("audit.sink %q must be slog or postgres", c.Audit.Sink))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateAuth() []string {
	if !c.Auth.Enabled {
		return nil
	}
	var errs []string
	if c.Auth.JWT.SigningKey == "" && len(c.Auth.APIKeys.Keys) == 0 && !c.Auth.AllowAnonymous {
		errs = append(errs, "auth requires auth.jwt.signing_key, auth.api_keys or allow_anonymous")
	}
	if c.Auth.JWT.SigningKey != "" && len(c.Auth.JWT.SigningKey) < 32 {
		errs = append(errs, "auth.jwt.signing_key must be at least 32 bytes")
	}
	return errs
}

func (c *Config) validateSafety() []string {
	var errs []string
	switch c.Safety.Classifier {
	case ClassifierPattern:
	case ClassifierHTTP:
		if c.Safety.HTTP.URL == "" {
			errs = append(errs, "safety.http.url is required for the http classifier")
		}
	default:
		errs = append(errs, fmt.Sprintf("safety.classifier %q must be pattern or http", c.Safety.Classifier))
	}
	if !c.Safety.FailPolicy.Valid() {
		errs = append(errs, fmt.Sprintf("safety.fail_policy %q must be warn or block", c.Safety.FailPolicy))
	}
	if c.Safety.MinConfidence < 0 || c.Safety.MinConfidence > 1 {
		errs = append(errs, "safety.min_confidence must be within [0,1]")
	}
	return errs
}

func (c *Config) validateRelay() []string {
	switch c.Relay.Type {
	case RelayNone:
	case RelayRedis:
		if len(c.Relay.Redis.Addrs) == 0 {
			return []string{"relay.redis.addrs is required for the redis relay"}
		}
	case RelayPostgres:
		if c.Database.DSN == "" {
			return []string{"relay type postgres requires database.dsn"}
		}
	default:
		return []string{fmt.Sprintf("relay.type %q must be none, redis or postgres", c.Relay.Type)}
	}
	return nil
}
