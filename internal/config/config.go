package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Lock      LockConfig      `yaml:"lock"`
	Shard     ShardConfig     `yaml:"shard"`
	Retry     RetryConfig     `yaml:"retry"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Host           string  `yaml:"host"`
	Port           string  `yaml:"port"`
	Mode           string  `yaml:"mode"` // debug, release, test
	JWTSecret      string  `yaml:"jwt_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// CORSOrigins lists browser origins allowed to call the API with
	// credentials. Empty allows any origin without credentials.
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig backs the optional trigger queue and the redis lock backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SchedulerConfig struct {
	// NodeID identifies this scheduler instance as a lease owner.
	// Empty means hostname plus a random suffix.
	NodeID              string        `yaml:"node_id"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	// LeaseRenewInterval is how often a running cycle extends its lease.
	// Zero means a third of LockTTL.
	LeaseRenewInterval  time.Duration `yaml:"lease_renew_interval"`
	MaxConcurrentJobs   int           `yaml:"max_concurrent_jobs"`
	LockSweepInterval   time.Duration `yaml:"lock_sweep_interval"`
	StuckJobThreshold   time.Duration `yaml:"stuck_job_threshold"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

type LockConfig struct {
	Backend string `yaml:"backend"` // database, redis
}

type ShardConfig struct {
	PoolSize             int           `yaml:"pool_size"`
	QueueSize            int           `yaml:"queue_size"`
	MapPhaseTimeout      time.Duration `yaml:"map_phase_timeout"`
	ShardingPhaseTimeout time.Duration `yaml:"sharding_phase_timeout"`
}

type RetryConfig struct {
	Strategy string        `yaml:"strategy"` // fixed, exponential
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console; empty picks console at debug level
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configPath on top of the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	cfg.applyFloors()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			Mode:           "debug",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "jobcore.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Scheduler: SchedulerConfig{
			PollInterval:        time.Second,
			LockTTL:             300 * time.Second,
			MaxConcurrentJobs:   4,
			LockSweepInterval:   time.Minute,
			StuckJobThreshold:   30 * time.Minute,
			HealthCheckInterval: time.Minute,
		},
		Lock: LockConfig{
			Backend: "database",
		},
		Shard: ShardConfig{
			PoolSize:             16,
			QueueSize:            256,
			MapPhaseTimeout:      5 * time.Minute,
			ShardingPhaseTimeout: 10 * time.Minute,
		},
		Retry: RetryConfig{
			Strategy: "fixed",
			Delay:    5 * time.Minute,
			MaxDelay: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		c.Scheduler.NodeID = nodeID
	}
	if backend := os.Getenv("LOCK_BACKEND"); backend != "" {
		c.Lock.Backend = backend
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}
	if size := os.Getenv("SHARD_POOL_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			c.Shard.PoolSize = n
		}
	}
	if strategy := os.Getenv("RETRY_STRATEGY"); strategy != "" {
		c.Retry.Strategy = strategy
	}
	if delay := os.Getenv("RETRY_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			c.Retry.Delay = d
		}
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// applyFloors replaces zero or negative values that would stall the
// scheduler with their defaults.
func (c *Config) applyFloors() {
	def := DefaultConfig()
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = def.Scheduler.PollInterval
	}
	if c.Scheduler.LockTTL <= 0 {
		c.Scheduler.LockTTL = def.Scheduler.LockTTL
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		c.Scheduler.MaxConcurrentJobs = 1
	}
	if c.Shard.PoolSize <= 0 {
		c.Shard.PoolSize = def.Shard.PoolSize
	}
	if c.Shard.QueueSize < 0 {
		c.Shard.QueueSize = 0
	}
	if c.Shard.MapPhaseTimeout <= 0 {
		c.Shard.MapPhaseTimeout = def.Shard.MapPhaseTimeout
	}
	if c.Shard.ShardingPhaseTimeout <= 0 {
		c.Shard.ShardingPhaseTimeout = def.Shard.ShardingPhaseTimeout
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = def.Retry.Delay
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
