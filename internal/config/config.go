// Package config loads runway settings from defaults, an optional YAML file
// and RUNWAY_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/internal/api"
	"github.com/rendis/runway/internal/auth"
	"github.com/rendis/runway/internal/engine"
	"github.com/rendis/runway/internal/llm"
	"github.com/rendis/runway/internal/logging"
	"github.com/rendis/runway/internal/queue"
	"github.com/rendis/runway/internal/scheduler"
	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/internal/streaming"
	"github.com/rendis/runway/internal/tools"
)

// EnvPrefix prefixes every environment override, e.g. RUNWAY_DATABASE_DSN.
const EnvPrefix = "RUNWAY"

// Config is the full process configuration.
type Config struct {
	Server    api.Config                  `mapstructure:"server"`
	Database  Database                    `mapstructure:"database"`
	Redis     queue.RedisOptions          `mapstructure:"redis"`
	Queue     Queue                       `mapstructure:"queue"`
	Worker    Worker                      `mapstructure:"worker"`
	Stream    streaming.Config            `mapstructure:"stream"`
	Auth      auth.Config                 `mapstructure:"auth"`
	LLM       llm.Config                  `mapstructure:"llm"`
	HTTPTool  tools.HTTPConfig            `mapstructure:"http_tool"`
	Breakers  engine.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Log       logging.Config              `mapstructure:"log"`
	Scheduler Scheduler                   `mapstructure:"scheduler"`
	MCP       MCP                         `mapstructure:"mcp"`
}

// Database selects the store.
type Database struct {
	Driver   string                `mapstructure:"driver"` // libsql | postgres
	DSN      string                `mapstructure:"dsn"`
	Postgres store.PostgresOptions `mapstructure:"postgres"`
}

// Queue selects the job backend and per-family settings.
type Queue struct {
	Backend  string                  `mapstructure:"backend"` // redis | memory
	Families map[string]queue.Config `mapstructure:"families"`
}

// Worker tunes job polling. Concurrency, lease and timeout are per queue
// family.
type Worker struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Scheduler toggles and tunes the cron scheduler.
type Scheduler struct {
	Enabled          bool `mapstructure:"enabled"`
	scheduler.Config `mapstructure:",squash"`
}

// MCP is the principal every MCP tool call runs as.
type MCP struct {
	PrincipalID    string `mapstructure:"principal_id"`
	OrganizationID string `mapstructure:"organization_id"`
	Role           string `mapstructure:"role"`
}

// Principal returns the configured MCP principal.
func (m MCP) Principal() access.Principal {
	return access.Principal{ID: m.PrincipalID, OrganizationID: m.OrganizationID, Role: m.Role}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "libsql")
	v.SetDefault("database.dsn", "file:runway.db")
	v.SetDefault("database.postgres.max_open_conns", 20)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "runway")

	v.SetDefault("queue.backend", "redis")
	for _, f := range queue.Families {
		d := queue.DefaultConfig(f)
		key := "queue.families." + f + "."
		v.SetDefault(key+"concurrency", d.Concurrency)
		v.SetDefault(key+"lease", d.Lease)
		v.SetDefault(key+"priority", d.Priority)
		v.SetDefault(key+"timeout", d.Timeout)
		v.SetDefault(key+"attempts", d.Attempts)
		v.SetDefault(key+"backoff.base", d.Backoff.Base)
		v.SetDefault(key+"backoff.max", d.Backoff.Max)
		v.SetDefault(key+"retention.completed.count", d.Retention.Completed.Count)
		v.SetDefault(key+"retention.completed.age", d.Retention.Completed.Age)
		v.SetDefault(key+"retention.failed.count", d.Retention.Failed.Count)
		v.SetDefault(key+"retention.failed.age", d.Retention.Failed.Age)
	}

	v.SetDefault("worker.poll_interval", 500*time.Millisecond)

	sd := streaming.DefaultConfig()
	v.SetDefault("stream.poll_interval", sd.PollInterval)
	v.SetDefault("stream.close_grace", sd.CloseGrace)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "runway")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	for _, p := range []string{"openai", "anthropic"} {
		v.SetDefault("llm."+p+".api_key", "")
		v.SetDefault("llm."+p+".base_url", "")
		v.SetDefault("llm."+p+".default_model", "")
		v.SetDefault("llm."+p+".max_tokens", 0)
	}
	v.SetDefault("llm.static", false)

	v.SetDefault("http_tool.max_response_body", 10*1024*1024)
	v.SetDefault("http_tool.default_timeout", 30*time.Second)

	bd := engine.DefaultCircuitBreakerConfig()
	v.SetDefault("circuit_breaker.failure_threshold", bd.FailureThreshold)
	v.SetDefault("circuit_breaker.cooldown", bd.Cooldown)
	v.SetDefault("circuit_breaker.half_open_max", bd.HalfOpenMax)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	schd := scheduler.DefaultConfig()
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", schd.TickInterval)
	v.SetDefault("scheduler.prune_interval", schd.PruneInterval)

	v.SetDefault("mcp.principal_id", "mcp")
	v.SetDefault("mcp.organization_id", "")
	v.SetDefault("mcp.role", access.RoleMember)
}

// Load reads configuration. path may be empty, in which case runway.yaml is
// looked up in the working directory and $HOME/.runway; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runway")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings. Secrets are checked by the commands
// that need them.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "libsql", "postgres":
	default:
		return fmt.Errorf("database.driver must be libsql or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue.backend must be redis or memory, got %q", c.Queue.Backend)
	}
	if c.MCP.Role != "" && !access.ValidRole(c.MCP.Role) {
		return fmt.Errorf("mcp.role %q is not a known role", c.MCP.Role)
	}
	return nil
}
