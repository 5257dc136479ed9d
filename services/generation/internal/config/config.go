package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with LOGOGEN_CONFIG.
var ConfigPath = func() string {
	if v := strings.TrimSpace(os.Getenv("LOGOGEN_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}()

// Backend names accepted by storeBackend, notifyBackend and queueBackend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendTimer    = "timer"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string   `yaml:"port"`
	LogLevel                  string   `yaml:"logLevel"`
	StoreBackend              string   `yaml:"storeBackend"`
	DatabaseURL               string   `yaml:"databaseURL"`
	SQLitePath                string   `yaml:"sqlitePath"`
	RedisAddr                 string   `yaml:"redisAddr"`
	RedisPassword             string   `yaml:"redisPassword"`
	RedisPrefix               string   `yaml:"redisPrefix"`
	RecordTTLHours            int      `yaml:"recordTTLHours"`
	NotifyBackend             string   `yaml:"notifyBackend"`
	QueueBackend              string   `yaml:"queueBackend"`
	QueueConcurrency          int      `yaml:"queueConcurrency"`
	QueueMaxRetries           int      `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds    int      `yaml:"queueRetryDelaySeconds"`
	QueueLeaseSeconds         int      `yaml:"queueLeaseSeconds"`
	CompletionMinDelaySeconds int      `yaml:"completionMinDelaySeconds"`
	CompletionMaxDelaySeconds int      `yaml:"completionMaxDelaySeconds"`
	FailureRate               float64  `yaml:"failureRate"`
	MockImageURL              string   `yaml:"mockImageURL"`
	MinioEndpoint             string   `yaml:"minioEndpoint"`
	MinioAccessKey            string   `yaml:"minioAccessKey"`
	MinioSecretKey            string   `yaml:"minioSecretKey"`
	MinioBucket               string   `yaml:"minioBucket"`
	MinioUseSSL               bool     `yaml:"minioUseSSL"`
	MinioURLExpiryHours       int      `yaml:"minioURLExpiryHours"`
	PublicBaseURL             string   `yaml:"publicBaseURL"`
	AMQPURL                   string   `yaml:"amqpURL"`
	AMQPExchange              string   `yaml:"amqpExchange"`
	RateLimitPerMinute        int      `yaml:"rateLimitPerMinute"`
	TrustedProxies            string   `yaml:"trustedProxies"`
	CORSOrigins               []string `yaml:"corsOrigins"`
	SSEKeepAliveSeconds       int      `yaml:"sseKeepAliveSeconds"`
	AdminPublicKeyPath        string   `yaml:"adminPublicKeyPath"`
	AdminIssuers              []string `yaml:"adminIssuers"`
}

// Defaults returns the configuration used when no file exists: everything in
// process, completions after 30 to 60 seconds.
func Defaults() FileConfig {
	return FileConfig{
		Port:                      "8080",
		LogLevel:                  "info",
		StoreBackend:              BackendMemory,
		NotifyBackend:             BackendMemory,
		QueueBackend:              BackendTimer,
		RedisPrefix:               "logogen",
		QueueConcurrency:          4,
		QueueMaxRetries:           3,
		QueueRetryDelaySeconds:    2,
		QueueLeaseSeconds:         30,
		CompletionMinDelaySeconds: 30,
		CompletionMaxDelaySeconds: 60,
		MinioURLExpiryHours:       24,
		AMQPExchange:              "logogen.events",
		SSEKeepAliveSeconds:       15,
		AdminIssuers:              []string{"logogen-cli"},
	}
}

// Load reads config from path (defaults to ConfigPath). A missing file is not
// an error: defaults plus environment overrides apply.
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.NotifyBackend = strings.ToLower(strings.TrimSpace(cfg.NotifyBackend))
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("STORE_BACKEND", &cfg.StoreBackend)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("SQLITE_PATH", &cfg.SQLitePath)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("NOTIFY_BACKEND", &cfg.NotifyBackend)
	setString("QUEUE_BACKEND", &cfg.QueueBackend)
	setInt("QUEUE_CONCURRENCY", &cfg.QueueConcurrency)
	setInt("QUEUE_MAX_RETRIES", &cfg.QueueMaxRetries)
	setInt("QUEUE_RETRY_DELAY_SECONDS", &cfg.QueueRetryDelaySeconds)
	setInt("COMPLETION_MIN_DELAY_SECONDS", &cfg.CompletionMinDelaySeconds)
	setInt("COMPLETION_MAX_DELAY_SECONDS", &cfg.CompletionMaxDelaySeconds)
	if v := os.Getenv("FAILURE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FailureRate = f
		}
	}
	setString("MOCK_IMAGE_URL", &cfg.MockImageURL)
	setString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	setString("MINIO_BUCKET", &cfg.MinioBucket)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	setString("PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	setString("AMQP_URL", &cfg.AMQPURL)
	setString("AMQP_EXCHANGE", &cfg.AMQPExchange)
	setInt("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	setString("TRUSTED_PROXIES", &cfg.TrustedProxies)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	setString("ADMIN_JWT_PUBLIC_KEY_PATH", &cfg.AdminPublicKeyPath)
	if v := os.Getenv("ADMIN_JWT_ISSUERS"); v != "" {
		cfg.AdminIssuers = strings.Split(v, ",")
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("config: sqlitePath is required when storeBackend=sqlite")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required when storeBackend=postgres")
		}
	case BackendRedis:
	default:
		return fmt.Errorf("config: unknown storeBackend %q (memory, sqlite, postgres, redis)", cfg.StoreBackend)
	}
	switch cfg.NotifyBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown notifyBackend %q (memory, redis)", cfg.NotifyBackend)
	}
	switch cfg.QueueBackend {
	case BackendTimer, BackendRedis:
	default:
		return fmt.Errorf("config: unknown queueBackend %q (timer, redis)", cfg.QueueBackend)
	}
	needsRedis := cfg.StoreBackend == BackendRedis || cfg.NotifyBackend == BackendRedis ||
		cfg.QueueBackend == BackendRedis || cfg.RateLimitPerMinute > 0
	if needsRedis && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for redis backends and rate limiting (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.QueueBackend == BackendRedis && (cfg.NotifyBackend != BackendRedis || cfg.StoreBackend == BackendMemory) {
		// Completions may run on another replica.
		return errors.New("config: queueBackend=redis requires notifyBackend=redis and a shared storeBackend")
	}
	if cfg.QueueConcurrency <= 0 {
		return errors.New("config: queueConcurrency must be > 0")
	}
	if cfg.QueueMaxRetries <= 0 {
		return errors.New("config: queueMaxRetries must be > 0")
	}
	if cfg.QueueRetryDelaySeconds < 0 {
		return errors.New("config: queueRetryDelaySeconds must be >= 0")
	}
	if cfg.CompletionMinDelaySeconds < 0 || cfg.CompletionMaxDelaySeconds < cfg.CompletionMinDelaySeconds {
		return errors.New("config: completion delay window must satisfy 0 <= min <= max")
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return errors.New("config: failureRate must be between 0 and 1")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be >= 0")
	}
	return nil
}
