// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	KB        KBConfig        `mapstructure:"kb"`
	MOLIT     MOLITConfig     `mapstructure:"molit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig controls persistence. Provider is "memory" or "postgres".
type DatabaseConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifeMins int    `mapstructure:"max_conn_life_minutes"`
}

// ExecutorConfig governs the task executor pool.
type ExecutorConfig struct {
	Workers              int `mapstructure:"workers"`
	QueueDepth           int `mapstructure:"queue_depth"`
	MaxRetries           int `mapstructure:"max_retries"`
	TaskTimeoutSeconds   int `mapstructure:"task_timeout_seconds"`
	LimiterMaxWaitSecs   int `mapstructure:"limiter_max_wait_seconds"`
	DefaultRatePerMinute int `mapstructure:"default_rate_per_minute"`
	StaleAfterMinutes    int `mapstructure:"stale_after_minutes"`
	RecoveryIntervalMins int `mapstructure:"recovery_interval_minutes"`
	CancelGraceSeconds   int `mapstructure:"cancel_grace_seconds"`
}

// SchedulerConfig governs run decomposition and status exposure.
type SchedulerConfig struct {
	StatusPageSize int `mapstructure:"status_page_size"`
}

// KBConfig points at the KB price/listing API.
type KBConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	UserAgent         string `mapstructure:"user_agent"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	HeadlessBootstrap bool   `mapstructure:"headless_bootstrap"`
}

// MOLITConfig points at the MOLIT transaction API.
type MOLITConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ServiceKey     string `mapstructure:"service_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ArchiveConfig selects the raw-payload archive backend.
// Provider is "memory", "local" or "gcs".
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PublisherConfig selects the run lifecycle event publisher.
// Provider is "memory" or "pubsub".
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.provider", "memory")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_life_minutes", 30)
	v.SetDefault("executor.workers", 8)
	v.SetDefault("executor.queue_depth", 1024)
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.task_timeout_seconds", 60)
	v.SetDefault("executor.limiter_max_wait_seconds", 30)
	v.SetDefault("executor.default_rate_per_minute", 60)
	v.SetDefault("executor.stale_after_minutes", 10)
	v.SetDefault("executor.recovery_interval_minutes", 5)
	v.SetDefault("executor.cancel_grace_seconds", 5)
	v.SetDefault("scheduler.status_page_size", 200)
	v.SetDefault("kb.base_url", "https://api.kbland.kr")
	v.SetDefault("kb.user_agent", "jipview-collector/1.0")
	v.SetDefault("kb.timeout_seconds", 15)
	v.SetDefault("kb.headless_bootstrap", false)
	v.SetDefault("molit.base_url", "https://apis.data.go.kr/1613000/RTMSDataSvcAptTradeDev")
	v.SetDefault("molit.timeout_seconds", 20)
	v.SetDefault("archive.provider", "memory")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("publisher.topic", "collector-runs")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must be >= 0")
	}
	if c.Executor.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.task_timeout_seconds must be > 0")
	}
	if c.Database.Provider == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when database.provider is postgres")
	}
	if c.Archive.Provider == "local" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.local_dir must be set when archive.provider is local")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// TaskTimeout converts the executor timeout into a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Executor.TaskTimeoutSeconds) * time.Second
}

// StaleAfter converts the stale cutoff into a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Executor.StaleAfterMinutes) * time.Minute
}
