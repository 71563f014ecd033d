package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Jobs        JobsConfig
	Batch       BatchConfig
	Cache       CacheConfig
	Decoder     DecoderConfig
	Validation  ValidationConfig
	Alarm       AlarmConfig
}

// HTTPConfig holds the ingest API settings
type HTTPConfig struct {
	Addr         string
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	JobExchange      string
	JobQueue         string
	JobRoutingKey    string
	RetryQueuePrefix string
	DeadQueue        string
	RealtimeExchange string
	Concurrency      int
}

// RedisConfig holds the shared cache settings. An empty URL disables the
// shared tier.
type RedisConfig struct {
	URL string
}

// JobsConfig holds retry and batch ingest settings
type JobsConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	IngestChunk int
}

// BatchConfig holds the aggregator flush triggers
type BatchConfig struct {
	Size          int
	FlushInterval time.Duration
}

// CacheConfig holds cache sizes and expiries
type CacheConfig struct {
	LocalSize        int
	ResolverTTL      time.Duration
	DecoderLocalTTL  time.Duration
	DecoderSharedTTL time.Duration
}

// DecoderConfig holds decode routine settings
type DecoderConfig struct {
	Timeout          time.Duration
	WarnThreshold    float64
	DefaultUnit      string
	ProgramCacheSize int
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	FutureTolerance time.Duration
}

// AlarmConfig holds alarm thresholds
type AlarmConfig struct {
	BatteryWarning  float64
	BatteryCritical float64
	MinSignal       float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-telemetry-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:         getEnv("HTTP_ADDR", ":8080"),
			RateLimit:    getEnvAsFloat("INGEST_RATE_LIMIT", 500),
			RateBurst:    getEnvAsInt("INGEST_RATE_BURST", 1000),
			MaxBodyBytes: int64(getEnvAsInt("HTTP_MAX_BODY_BYTES", 1<<20)),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 20),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			JobExchange:      getEnv("RABBITMQ_JOB_EXCHANGE", "water-telemetry.jobs.exchange"),
			JobQueue:         getEnv("RABBITMQ_JOB_QUEUE", "water-telemetry.jobs.ingest"),
			JobRoutingKey:    getEnv("RABBITMQ_JOB_ROUTING_KEY", "job.ingest"),
			RetryQueuePrefix: getEnv("RABBITMQ_RETRY_QUEUE_PREFIX", "water-telemetry.jobs.retry"),
			DeadQueue:        getEnv("RABBITMQ_DEAD_QUEUE", "water-telemetry.jobs.dead"),
			RealtimeExchange: getEnv("RABBITMQ_REALTIME_EXCHANGE", "water-telemetry.realtime.exchange"),
			Concurrency:      getEnvAsInt("WORKER_CONCURRENCY", 10),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Jobs: JobsConfig{
			MaxAttempts: getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvAsDuration("JOB_BACKOFF_BASE", time.Second),
			IngestChunk: getEnvAsInt("BATCH_INGEST_CHUNK", 50),
		},
		Batch: BatchConfig{
			Size:          getEnvAsInt("BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("BATCH_FLUSH_INTERVAL", time.Second),
		},
		Cache: CacheConfig{
			LocalSize:        getEnvAsInt("CACHE_LOCAL_SIZE", 10000),
			ResolverTTL:      getEnvAsDuration("RESOLVER_CACHE_TTL", time.Minute),
			DecoderLocalTTL:  getEnvAsDuration("DECODER_LOCAL_TTL", 30*time.Second),
			DecoderSharedTTL: getEnvAsDuration("DECODER_SHARED_TTL", 10*time.Minute),
		},
		Decoder: DecoderConfig{
			Timeout:          getEnvAsDuration("DECODER_TIMEOUT", time.Second),
			WarnThreshold:    getEnvAsFloat("DECODER_VALUE_WARN_THRESHOLD", 1e7),
			DefaultUnit:      getEnv("DEFAULT_UNIT", "m3"),
			ProgramCacheSize: getEnvAsInt("DECODER_PROGRAM_CACHE_SIZE", 512),
		},
		Validation: ValidationConfig{
			FutureTolerance: getEnvAsDuration("VALIDATION_FUTURE_TOLERANCE", 5*time.Minute),
		},
		Alarm: AlarmConfig{
			BatteryWarning:  getEnvAsFloat("ALARM_BATTERY_WARNING", 20),
			BatteryCritical: getEnvAsFloat("ALARM_BATTERY_CRITICAL", 10),
			MinSignal:       getEnvAsFloat("ALARM_MIN_SIGNAL", -110),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Jobs.MaxAttempts < 1 {
		return nil, fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", cfg.Jobs.MaxAttempts)
	}
	if cfg.Batch.Size < 1 {
		return nil, fmt.Errorf("BATCH_SIZE must be at least 1, got %d", cfg.Batch.Size)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("1500ms") or whole seconds ("2")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
