package config

import (
	"fmt"
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment      string `env:"APP_ENV" envDefault:"development"`
	Addr             string `env:"API_ADDR" envDefault:":4000"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	StoreBackend     string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL      string `env:"DATABASE_URL" envDefault:"postgres://codeflow:codeflow@db:5432/codeflow?sslmode=disable"`
	MigrationsDir    string `env:"DB_MIGRATIONS_DIR" envDefault:"db/migrations"`
	SitesFile        string `env:"SITES_FILE"`
	JWTSecret        string `env:"JWT_SECRET" envDefault:"supersecuresecret"`
	EnvEncryptionKey string `env:"ENV_ENCRYPTION_KEY" envDefault:"supersecuresecret"`
	WebhookSecret    string `env:"GIT_WEBHOOK_SECRET"`
	InternalToken    string `env:"INTERNAL_API_TOKEN"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB" envDefault:"0"`
	AdmissionLockTTL int    `env:"ADMISSION_LOCK_TTL_SECONDS" envDefault:"10"`
	ShutdownTimeout  int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"15"`

	Pipeline PipelineConfig
	Notify   NotifyConfig
	Reaper   ReaperConfig
}

// PipelineConfig tunes the pipeline engine.
type PipelineConfig struct {
	TemplateFile        string `env:"PIPELINE_TEMPLATE_FILE"`
	StageTimeoutSeconds int    `env:"PIPELINE_STAGE_TIMEOUT_SECONDS" envDefault:"600"`
	PacingMS            int    `env:"PIPELINE_STAGE_PACING_MS" envDefault:"0"`
	Workdir             string `env:"PIPELINE_WORKDIR" envDefault:"/tmp/codeflow"`
}

// NotifyConfig selects and tunes notification sinks.
type NotifyConfig struct {
	WebhookURL    string `env:"NOTIFY_WEBHOOK_URL"`
	WebhookSecret string `env:"NOTIFY_WEBHOOK_SECRET"`
	NATSURL       string `env:"NOTIFY_NATS_URL"`
	NATSSubject   string `env:"NOTIFY_NATS_SUBJECT" envDefault:"codeflow.deploys"`
	QueueSize     int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	MaxRetries    int    `env:"NOTIFY_MAX_RETRIES" envDefault:"3"`
}

// ReaperConfig controls the stale build sweeper.
type ReaperConfig struct {
	IntervalSeconds   int `env:"REAPER_INTERVAL_SECONDS" envDefault:"60"`
	StaleAfterSeconds int `env:"REAPER_STALE_AFTER_SECONDS" envDefault:"1800"`
}

// LockTTL returns the admission lock expiry.
func (c APIConfig) LockTTL() time.Duration {
	return time.Duration(c.AdmissionLockTTL) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight work.
func (c APIConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// StageTimeout returns the default per-stage deadline.
func (c PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// Pacing returns the artificial delay inserted between stages.
func (c PipelineConfig) Pacing() time.Duration {
	return time.Duration(c.PacingMS) * time.Millisecond
}

// Interval returns the sweep period.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleAfter returns how long an active build may go without updates.
func (c ReaperConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// LoadAPIConfig constructs an APIConfig from a .env file and environment variables.
func LoadAPIConfig() (APIConfig, error) {
	if err := LoadDotEnv(); err != nil {
		return APIConfig{}, err
	}
	return ParseAPIConfig(nil)
}

// ParseAPIConfig parses and validates an APIConfig from environ.
func ParseAPIConfig(environ []string) (APIConfig, error) {
	cfg, err := Parse[APIConfig](environ)
	if err != nil {
		return cfg, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case "memory", "postgres":
	default:
		return cfg, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 1
	}
	if cfg.Notify.MaxRetries < 0 {
		cfg.Notify.MaxRetries = 0
	}
	return cfg, nil
}
