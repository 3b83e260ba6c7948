package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

// Timer backends
const (
	TimersLocal = "local"
	TimersRedis = "redis"
)

// Delivery sinks for file downloads
const (
	SinkLocal = "local"
	SinkS3    = "s3"
)

type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	JWT           JWTConfig
	RateLimit     RateLimitConfig
	EpubPress     EpubPressConfig
	Orchestration OrchestrationConfig
	State         StateConfig
	Timers        TimersConfig
	Delivery      DeliveryConfig
	S3            S3Config
	NATS          NATSConfig
	Metrics       MetricsConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	PublishPerHour int
}

type EpubPressConfig struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

type OrchestrationConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

type StateConfig struct {
	Key string
}

type TimersConfig struct {
	Backend string
	Queue   string
}

type DeliveryConfig struct {
	Sink string
	Dir  string
}

// S3Config targets any S3-compatible bucket. Endpoint is optional for AWS.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// NATSConfig enables the NATS notification sink when URL is set
type NATSConfig struct {
	URL     string
	Subject string
}

type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.publish_per_hour", "RATELIMIT_PUBLISH_PER_HOUR")
	_ = v.BindEnv("epubpress.base_url", "EPUBPRESS_BASE_URL")
	_ = v.BindEnv("epubpress.http_timeout", "EPUBPRESS_HTTP_TIMEOUT")
	_ = v.BindEnv("orchestration.timeout", "ORCHESTRATION_TIMEOUT")
	_ = v.BindEnv("orchestration.poll_interval", "ORCHESTRATION_POLL_INTERVAL")
	_ = v.BindEnv("state.key", "STATE_KEY")
	_ = v.BindEnv("timers.backend", "TIMERS_BACKEND")
	_ = v.BindEnv("timers.queue", "TIMERS_QUEUE")
	_ = v.BindEnv("delivery.sink", "DELIVERY_SINK")
	_ = v.BindEnv("delivery.dir", "DELIVERY_DIR")
	_ = v.BindEnv("s3.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("s3.region", "S3_REGION")
	_ = v.BindEnv("s3.bucket", "S3_BUCKET")
	_ = v.BindEnv("s3.access_key_id", "S3_ACCESS_KEY_ID")
	_ = v.BindEnv("s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("s3.prefix", "S3_PREFIX")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("nats.subject", "NATS_SUBJECT")
	_ = v.BindEnv("metrics.enabled", "METRICS_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.publish_per_hour", 30)

	v.SetDefault("epubpress.base_url", "https://epub.press/api/v1")
	v.SetDefault("epubpress.http_timeout", "60s")

	v.SetDefault("orchestration.timeout", "5m")
	v.SetDefault("orchestration.poll_interval", "5s")

	v.SetDefault("state.key", "epubpress:state")
	v.SetDefault("timers.backend", TimersLocal)
	v.SetDefault("timers.queue", "timers")

	v.SetDefault("delivery.sink", SinkLocal)
	v.SetDefault("delivery.dir", "./downloads")
	v.SetDefault("s3.region", "auto")
	v.SetDefault("s3.prefix", "books")

	v.SetDefault("nats.subject", "epubpress.notifications")
	v.SetDefault("metrics.enabled", true)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			PublishPerHour: v.GetInt("ratelimit.publish_per_hour"),
		},
		EpubPress: EpubPressConfig{
			BaseURL:     strings.TrimRight(v.GetString("epubpress.base_url"), "/"),
			HTTPTimeout: v.GetDuration("epubpress.http_timeout"),
		},
		Orchestration: OrchestrationConfig{
			Timeout:      v.GetDuration("orchestration.timeout"),
			PollInterval: v.GetDuration("orchestration.poll_interval"),
		},
		State: StateConfig{
			Key: v.GetString("state.key"),
		},
		Timers: TimersConfig{
			Backend: strings.ToLower(v.GetString("timers.backend")),
			Queue:   v.GetString("timers.queue"),
		},
		Delivery: DeliveryConfig{
			Sink: strings.ToLower(v.GetString("delivery.sink")),
			Dir:  v.GetString("delivery.dir"),
		},
		S3: S3Config{
			Endpoint:        v.GetString("s3.endpoint"),
			Region:          v.GetString("s3.region"),
			Bucket:          v.GetString("s3.bucket"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
			Prefix:          v.GetString("s3.prefix"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.EpubPress.BaseURL == "" {
		return fmt.Errorf("epubpress.base_url is required")
	}
	if c.EpubPress.HTTPTimeout <= 0 {
		return fmt.Errorf("epubpress.http_timeout must be positive")
	}
	if c.Orchestration.Timeout <= 0 {
		return fmt.Errorf("orchestration.timeout must be positive")
	}
	if c.Orchestration.PollInterval <= 0 {
		return fmt.Errorf("orchestration.poll_interval must be positive")
	}
	if c.State.Key == "" {
		return fmt.Errorf("state.key is required")
	}

	switch c.Timers.Backend {
	case TimersLocal:
	case TimersRedis:
		if c.Timers.Queue == "" {
			return fmt.Errorf("timers.queue is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown timers.backend %q", c.Timers.Backend)
	}

	switch c.Delivery.Sink {
	case SinkLocal:
		if c.Delivery.Dir == "" {
			return fmt.Errorf("delivery.dir is required for the local sink")
		}
	case SinkS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("unknown delivery.sink %q", c.Delivery.Sink)
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	return nil
}
