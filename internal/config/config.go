// Package config loads the studio server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/backdrop/studio/pkg/config"
)

type Config struct {
	ServiceName string
	Env         string
	HTTPPort    int
	LogLevel    string
	// "json" or "console"
	LogFormat   string

	// PostgreSQL
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBMaxOpenConns int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Sessions: "redis" or "memory"
	SessionBackend string
	SessionTTL     time.Duration

	// Progress pub/sub channel, {userId} is substituted
	ProgressChannel string
	// Origins allowed to open the progress WebSocket; empty allows any
	AllowedOrigins []string

	// Auth
	JWTSecret string
	JWTIssuer string

	Provider ProviderConfig
	Storage  StorageConfig
	Workflow WorkflowConfig
	Batch    BatchConfig
	Sweeper  SweeperConfig
	Tracing  TracingConfig

	// Rate limits, requests per second
	IPRateLimit   int
	UserRateLimit int
}

type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaskModel    string
	InpaintModel string
	ImageModel   string
}

type StorageConfig struct {
	URL           string
	ServiceKey    string
	Bucket        string
	DownloadCache time.Duration
}

type WorkflowConfig struct {
	MaxUploadBytes int64
	QualityBooster string
	NegativePrompt string
}

type BatchConfig struct {
	MaxFiles int
	Delay    time.Duration
}

type SweeperConfig struct {
	Enabled    bool
	Spec       string
	StaleAfter time.Duration
}

type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

const (
	defaultQualityBooster = "professional product photography, high resolution, sharp focus, soft natural lighting, photorealistic"
	defaultNegativePrompt = "blurry, low quality, distorted, watermark, text, extra objects"
)

func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "studio"),
		Env:         envconfig.GetEnv("APP_ENV", "dev"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8080),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),
		LogFormat:   envconfig.GetEnv("LOG_FORMAT", "json"),

		DBHost:         envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:         envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:         envconfig.GetEnv("DB_USER", "studio"),
		DBPassword:     envconfig.GetEnv("DB_PASSWORD", "studio"),
		DBName:         envconfig.GetEnv("DB_NAME", "studio"),
		DBSSLMode:      envconfig.GetEnv("DB_SSLMODE", "disable"),
		DBMaxOpenConns: envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 10),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),

		SessionBackend: strings.ToLower(envconfig.GetEnv("SESSION_BACKEND", "redis")),
		SessionTTL:     envconfig.GetEnvDuration("SESSION_STORE_TTL", 25*time.Hour),

		ProgressChannel: envconfig.GetEnv("PROGRESS_CHANNEL", "studio:user:{userId}:progress"),
		AllowedOrigins:  envconfig.GetEnvSlice("WS_ALLOWED_ORIGINS", nil),

		JWTSecret: envconfig.GetEnv("JWT_SECRET", "dev-jwt-secret-change-me-32-bytes-minimum"),
		JWTIssuer: envconfig.GetEnv("JWT_ISSUER", ""),

		Provider: ProviderConfig{
			BaseURL:      envconfig.GetEnv("RUNWARE_BASE_URL", "https://api.runware.ai/v1"),
			APIKey:       envconfig.GetEnv("RUNWARE_API_KEY", "dev-provider-key-change-me"),
			Timeout:      envconfig.GetEnvDuration("RUNWARE_TIMEOUT", 60*time.Second),
			MaxAttempts:  envconfig.GetEnvInt("RUNWARE_MAX_ATTEMPTS", 3),
			BaseDelay:    envconfig.GetEnvDuration("RUNWARE_RETRY_BASE_DELAY", time.Second),
			MaskModel:    envconfig.GetEnv("RUNWARE_MASK_MODEL", "runware:109@1"),
			InpaintModel: envconfig.GetEnv("RUNWARE_INPAINT_MODEL", "runware:102@1"),
			ImageModel:   envconfig.GetEnv("RUNWARE_IMAGE_MODEL", "runware:100@1"),
		},

		Storage: StorageConfig{
			URL:           strings.TrimRight(envconfig.GetEnv("STORAGE_URL", "http://localhost:54321"), "/"),
			ServiceKey:    envconfig.GetEnv("STORAGE_SERVICE_KEY", "dev-storage-service-key-change-me"),
			Bucket:        envconfig.GetEnv("STORAGE_BUCKET", "images"),
			DownloadCache: envconfig.GetEnvDuration("STORAGE_DOWNLOAD_CACHE", 5*time.Minute),
		},

		Workflow: WorkflowConfig{
			MaxUploadBytes: envconfig.GetEnvBytes("MAX_UPLOAD_SIZE", 10<<20),
			QualityBooster: envconfig.GetEnv("PROMPT_QUALITY_BOOSTER", defaultQualityBooster),
			NegativePrompt: envconfig.GetEnv("PROMPT_NEGATIVE", defaultNegativePrompt),
		},

		Batch: BatchConfig{
			MaxFiles: envconfig.GetEnvInt("BATCH_MAX_FILES", 20),
			Delay:    envconfig.GetEnvDuration("BATCH_DELAY", time.Second),
		},

		Sweeper: SweeperConfig{
			Enabled:    envconfig.GetEnvBool("SWEEPER_ENABLED", true),
			Spec:       envconfig.GetEnv("SWEEPER_SPEC", "@every 5m"),
			StaleAfter: envconfig.GetEnvDuration("SWEEPER_STALE_AFTER", 15*time.Minute),
		},

		Tracing: TracingConfig{
			Enabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
			Endpoint:   envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
		},

		IPRateLimit:   envconfig.GetEnvInt("IP_RATE_LIMIT", 50),
		UserRateLimit: envconfig.GetEnvInt("USER_RATE_LIMIT", 10),
	}
}

// IsProduction reports whether dev placeholders must be refused.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(c.Env) {
	case "prod", "production":
		return true
	}
	return false
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if c.SessionBackend != "redis" && c.SessionBackend != "memory" {
		errs = append(errs, fmt.Errorf("SESSION_BACKEND must be redis or memory, got %q", c.SessionBackend))
	}
	if c.SessionTTL < 24*time.Hour {
		errs = append(errs, fmt.Errorf("SESSION_STORE_TTL must cover the 24h session lifetime, got %s", c.SessionTTL))
	}
	if !strings.Contains(c.ProgressChannel, "{userId}") {
		errs = append(errs, errors.New("PROGRESS_CHANNEL must contain {userId}"))
	}
	if len(c.JWTSecret) < envconfig.MinSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", envconfig.MinSecretLength))
	}
	for name, raw := range map[string]string{
		"RUNWARE_BASE_URL": c.Provider.BaseURL,
		"STORAGE_URL":      c.Storage.URL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s is not an absolute url: %q", name, raw))
		}
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("RUNWARE_TIMEOUT must be positive"))
	}
	if c.Provider.MaxAttempts < 1 {
		errs = append(errs, errors.New("RUNWARE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("STORAGE_BUCKET is required"))
	}
	if c.Workflow.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be positive"))
	}
	if c.Batch.MaxFiles < 1 || c.Batch.MaxFiles > 20 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_FILES must be between 1 and 20, got %d", c.Batch.MaxFiles))
	}
	if c.Sweeper.Enabled && c.Sweeper.StaleAfter <= 0 {
		errs = append(errs, errors.New("SWEEPER_STALE_AFTER must be positive"))
	}

	if c.IsProduction() {
		for name, v := range map[string]string{
			"JWT_SECRET":          c.JWTSecret,
			"RUNWARE_API_KEY":     c.Provider.APIKey,
			"STORAGE_SERVICE_KEY": c.Storage.ServiceKey,
		} {
			if envconfig.IsInsecureDevSecret(v) {
				errs = append(errs, fmt.Errorf("%s uses a dev placeholder in production", name))
			}
		}
	}

	return errors.Join(errs...)
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// ProgressChannelFor renders the pub/sub channel of one user.
func (c *Config) ProgressChannelFor(userID string) string {
	return strings.ReplaceAll(c.ProgressChannel, "{userId}", userID)
}
