// Package config loads engine configuration from environment variables,
// a YAML file and hardcoded defaults, in that precedence order, via a
// three-phase viper setDefaults/bindEnvVars/validate load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine process.
type Config struct {
	App            AppConfig            `mapstructure:"app"`
	HTTP           HTTPConfig           `mapstructure:"http"`
	GRPC           GRPCConfig           `mapstructure:"grpc"`
	Store          StoreConfig          `mapstructure:"store"`
	Redis          RedisConfig          `mapstructure:"redis"`
	MessageQueue   MessageQueueConfig   `mapstructure:"message_queue"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LockManager    LockManagerConfig    `mapstructure:"lock_manager"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	StepRunner     StepRunnerConfig     `mapstructure:"step_runner"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// GRPCConfig configures the gRPC health/reflection surface.
type GRPCConfig struct {
	Address string `mapstructure:"address"`
}

// StoreConfig configures the durable Postgres-backed Store (C1).
type StoreConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the optional distributed step-result cache.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MessageQueueConfig configures the lifecycle eventbus publisher.
type MessageQueueConfig struct {
	URL      string         `mapstructure:"url"`
	Exchange string         `mapstructure:"exchange"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type ConsumerConfig struct {
	Workers       int           `mapstructure:"workers"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// LockManagerConfig configures the execution lock manager (C2).
type LockManagerConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	CleanupPeriod time.Duration `mapstructure:"cleanup_period"`
}

// CircuitBreakerConfig provides the process-wide default policy (C3);
// individual step policies may override FailureThreshold/ResetTimeout.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// StepRunnerConfig configures the step runner's (C4) default retry
// policy and in-process result cache.
type StepRunnerConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffMs          int           `mapstructure:"backoff_ms"`
	ExponentialBackoff bool          `mapstructure:"exponential_backoff"`
	MaxBackoffMs       int           `mapstructure:"max_backoff_ms"`
	CacheMaxSize       int           `mapstructure:"cache_max_size"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/durable-workflow-engine")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "durable-workflow-engine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("http.address", ":8080")
	viper.SetDefault("grpc.address", ":50051")

	viper.SetDefault("store.max_open_conns", 25)
	viper.SetDefault("store.max_idle_conns", 10)
	viper.SetDefault("store.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("message_queue.exchange", "workflow.events")
	viper.SetDefault("message_queue.consumer.workers", 10)
	viper.SetDefault("message_queue.consumer.prefetch_count", 50)
	viper.SetDefault("message_queue.consumer.retry_delay", "5s")

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "durable-workflow-engine")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("lock_manager.default_ttl", "5m")
	viper.SetDefault("lock_manager.cleanup_period", "30s")

	viper.SetDefault("circuit_breaker.failure_threshold", 5)
	viper.SetDefault("circuit_breaker.reset_timeout", "60s")

	viper.SetDefault("step_runner.max_attempts", 3)
	viper.SetDefault("step_runner.backoff_ms", 1000)
	viper.SetDefault("step_runner.exponential_backoff", true)
	viper.SetDefault("step_runner.max_backoff_ms", 30000)
	viper.SetDefault("step_runner.cache_max_size", 1000)
	viper.SetDefault("step_runner.cache_ttl", "5m")
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "NODE_ENV")

	viper.BindEnv("http.address", "HTTP_ADDR")
	viper.BindEnv("grpc.address", "GRPC_ADDR")

	viper.BindEnv("store.url", "POSTGRES_URL")
	viper.BindEnv("store.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("store.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("store.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("lock_manager.default_ttl", "LOCK_DEFAULT_TTL")
	viper.BindEnv("circuit_breaker.failure_threshold", "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	viper.BindEnv("circuit_breaker.reset_timeout", "CIRCUIT_BREAKER_RESET_TIMEOUT")

	viper.BindEnv("step_runner.max_attempts", "STEP_MAX_ATTEMPTS")
	viper.BindEnv("step_runner.backoff_ms", "STEP_BACKOFF_MS")
}

func validate(cfg *Config) error {
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.StepRunner.MaxAttempts <= 0 {
		return fmt.Errorf("step_runner.max_attempts must be greater than 0")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be greater than 0")
	}
	return nil
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
