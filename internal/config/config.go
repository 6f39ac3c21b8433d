package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Redis    RedisConfig     `yaml:"redis"`
	Database DatabaseConfig  `yaml:"database"`
	Auth     AuthConfig      `yaml:"auth"`
	Logging  LoggingConfig   `yaml:"logging"`
	Limits   LimitsConfig    `yaml:"limits"`
	Events   EventsConfig    `yaml:"events"`
	Services []ServiceConfig `yaml:"services"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Environment  string        `yaml:"environment"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Proxies allowed to set X-Forwarded-For. Empty means the peer address is the client IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      string `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	LogQueries   bool   `yaml:"log_queries"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`

	// Shared secrets accepted from internal callers of the decision endpoint
	ServiceTokens []string `yaml:"service_tokens"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Fallback limits used when a tenant has no plan assigned.
type PlanDefaults struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	BurstCapacity int64   `yaml:"burst_capacity"`
	DailyQuota    int64   `yaml:"daily_quota"`
	MonthlyQuota  int64   `yaml:"monthly_quota"`
}

type LimitsConfig struct {
	DefaultPlan           PlanDefaults    `yaml:"default_plan"`
	CounterBackend        string          `yaml:"counter_backend"` // "redis" or "memory"
	WarningThreshold      float64         `yaml:"warning_threshold"`
	ConfigCacheTTL        time.Duration   `yaml:"config_cache_ttl"`
	BlockCacheTTL         time.Duration   `yaml:"block_cache_ttl"`
	CacheSizeMB           int             `yaml:"cache_size_mb"`
	StoreTimeout          time.Duration   `yaml:"store_timeout"`
	UnavailableRetryAfter time.Duration   `yaml:"unavailable_retry_after"`
	FailurePolicy         FailurePolicies `yaml:"failure_policy"`
	Breaker               BreakerConfig   `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures     int           `yaml:"max_failures"`
	Timeout         time.Duration `yaml:"timeout"`
	HalfOpenSuccess int           `yaml:"half_open_success"`
}

type EventsConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RollupSchedule string        `yaml:"rollup_schedule"`
	SweepSchedule  string        `yaml:"sweep_schedule"`

	RetentionSchedule string `yaml:"retention_schedule"`
	RetentionDays     int    `yaml:"retention_days"`
}

// An upstream protected by the admission middleware.
type ServiceConfig struct {
	Path   string `yaml:"path"`
	Target string `yaml:"target"`
}

// Returns a config populated with the production defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Environment:  "development",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  15 * time.Second,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      "6379",
			KeyPrefix: "rl",
		},
		Database: DatabaseConfig{
			MaxIdleConns: 10,
			MaxOpenConns: 100,
		},
		Auth: AuthConfig{
			JWTExpiryHours: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Limits: LimitsConfig{
			DefaultPlan: PlanDefaults{
				RatePerSecond: 10,
				BurstCapacity: 20,
				DailyQuota:    10000,
				MonthlyQuota:  200000,
			},
			CounterBackend:        "redis",
			WarningThreshold:      0.8,
			ConfigCacheTTL:        30 * time.Second,
			BlockCacheTTL:         5 * time.Second,
			CacheSizeMB:           16,
			StoreTimeout:          2 * time.Second,
			UnavailableRetryAfter: time.Second,
			FailurePolicy:         DefaultFailurePolicies(),
			Breaker: BreakerConfig{
				MaxFailures:     5,
				Timeout:         10 * time.Second,
				HalfOpenSuccess: 1,
			},
		},
		Events: EventsConfig{
			BufferSize:     10000,
			BatchSize:      100,
			FlushInterval:  5 * time.Second,
			RollupSchedule: "5 * * * *",
			SweepSchedule:  "* * * * *",

			RetentionSchedule: "30 3 * * *",
			RetentionDays:     30,
		},
	}
}

// Loads the YAML file at path on top of the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SERVICE_TOKENS"); v != "" {
		c.Auth.ServiceTokens = splitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}

	l := c.Limits
	if l.DefaultPlan.RatePerSecond <= 0 {
		return errors.New("limits.default_plan.rate_per_second must be positive")
	}
	if l.DefaultPlan.BurstCapacity <= 0 {
		return errors.New("limits.default_plan.burst_capacity must be positive")
	}
	if l.WarningThreshold <= 0 || l.WarningThreshold > 1 {
		return fmt.Errorf("limits.warning_threshold must be in (0, 1], got %v", l.WarningThreshold)
	}
	if l.ConfigCacheTTL <= 0 || l.BlockCacheTTL <= 0 {
		return errors.New("limits cache TTLs must be positive")
	}
	if l.BlockCacheTTL > l.ConfigCacheTTL {
		return errors.New("limits.block_cache_ttl must not exceed limits.config_cache_ttl")
	}
	if l.StoreTimeout <= 0 {
		return errors.New("limits.store_timeout must be positive")
	}
	switch l.CounterBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown limits.counter_backend %q", l.CounterBackend)
	}

	if c.Events.BufferSize <= 0 || c.Events.BatchSize <= 0 {
		return errors.New("events buffer and batch sizes must be positive")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
