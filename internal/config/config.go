// Package config loads sniper's configuration from defaults, an optional
// YAML or TOML file and SNIPER_-prefixed environment variables, in that
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SNIPER_HTTP_ADDR.
const EnvPrefix = "SNIPER"

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

// DatabaseConfig selects and tunes the database.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig points at Redis. An empty Addr keeps the concurrency gate in
// process and disables the Redis notifier.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// WorkerConfig tunes job workers.
type WorkerConfig struct {
	ID              string        `mapstructure:"id"`
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LockLease       time.Duration `mapstructure:"lock_lease"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	GateMax         int           `mapstructure:"gate_max"`
	GateTTL         time.Duration `mapstructure:"gate_ttl"`
}

// GatewayConfig configures the external harness routes.
type GatewayConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// ProvidersConfig configures the execution providers.
type ProvidersConfig struct {
	Remote RemoteProviderConfig `mapstructure:"remote"`
	Local  LocalProviderConfig  `mapstructure:"local"`
}

// RemoteProviderConfig configures the managed browser service.
type RemoteProviderConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Enabled reports whether the remote provider is configured.
func (c RemoteProviderConfig) Enabled() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// LocalProviderConfig configures the local headless browser.
type LocalProviderConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ChromeBin string `mapstructure:"chrome_bin"`
	Headless  bool   `mapstructure:"headless"`
	DebugURL  string `mapstructure:"debug_url"`
}

// LogConfig selects the log encoder and level.
type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SchedulerConfig configures recurring targets.
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DefaultCron string        `mapstructure:"default_cron"`
	Interval    time.Duration `mapstructure:"interval"`
}

// SetDefaults registers the default of every option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.allow_origins", []string{"http://localhost:5173"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "sniper.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "sniper:jobs:finished")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.lock_lease", 10*time.Minute)
	v.SetDefault("worker.provider_timeout", 90*time.Second)
	v.SetDefault("worker.gate_max", 1)
	v.SetDefault("worker.gate_ttl", 30*time.Minute)

	v.SetDefault("providers.remote.requests_per_second", 2.0)
	v.SetDefault("providers.local.enabled", false)
	v.SetDefault("providers.local.headless", true)

	v.SetDefault("log.mode", "production")
	v.SetDefault("log.level", "info")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.default_cron", "0 9 * * *")
	v.SetDefault("scheduler.interval", time.Minute)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	bindSecrets(v)
	return v
}

// bindSecrets binds keys without defaults so AutomaticEnv sees them during
// Unmarshal.
func bindSecrets(v *viper.Viper) {
	for _, key := range []string{
		"database.dsn",
		"redis.password",
		"gateway.api_key",
		"providers.remote.base_url",
		"providers.remote.api_key",
		"providers.local.chrome_bin",
		"providers.local.debug_url",
		"worker.id",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the configuration. path names an optional config file; when
// empty only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option values that would fail later in less obvious ways.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errors.Newf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Worker.Concurrency < 1 {
		return errors.Newf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.LockLease <= 0 {
		return errors.New("worker.poll_interval and worker.lock_lease must be positive")
	}
	switch c.Log.Mode {
	case "development", "production":
	default:
		return errors.Newf("log.mode must be development or production, got %q", c.Log.Mode)
	}
	return nil
}
