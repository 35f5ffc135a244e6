// Package config loads Fairway configuration. FAIRWAY_* environment
// variables override the YAML file, which overrides built-in defaults.
package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
	syncpkg "github.com/kimhsiao/fairway/internal/sync"
	"github.com/kimhsiao/fairway/internal/sync/conflict"
	"github.com/kimhsiao/fairway/internal/sync/queue"
	"github.com/kimhsiao/fairway/internal/sync/remote"
)

// EnvPrefix prefixes every environment override, e.g. FAIRWAY_SYNC_INTERVAL.
const EnvPrefix = "FAIRWAY"

// Config is the full application configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir" json:"dataDir" yaml:"data_dir"`
	Log     LogConfig     `mapstructure:"log" json:"log" yaml:"log"`
	Sync    SyncConfig    `mapstructure:"sync" json:"sync" yaml:"sync"`
	Remote  remote.Config `mapstructure:"remote" json:"remote" yaml:"remote"`
	Server  ServerConfig  `mapstructure:"server" json:"server" yaml:"server"`
	Ingest  IngestConfig  `mapstructure:"ingest" json:"ingest" yaml:"ingest"`
	Backup  BackupConfig  `mapstructure:"backup" json:"backup" yaml:"backup"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	File       string `mapstructure:"file" json:"file" yaml:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"maxSizeMb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"maxBackups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"maxAgeDays" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// SyncConfig configures the coordinator, the queue and the scheduler.
type SyncConfig struct {
	Interval          time.Duration     `mapstructure:"interval" json:"interval" yaml:"interval"`
	StartOnline       bool              `mapstructure:"start_online" json:"startOnline" yaml:"start_online"`
	PullConcurrency   int               `mapstructure:"pull_concurrency" json:"pullConcurrency" yaml:"pull_concurrency"`
	MaxRetries        int               `mapstructure:"max_retries" json:"maxRetries" yaml:"max_retries"`
	BaseDelay         time.Duration     `mapstructure:"base_delay" json:"baseDelay" yaml:"base_delay"`
	MaxDelay          time.Duration     `mapstructure:"max_delay" json:"maxDelay" yaml:"max_delay"`
	CompletedTTL      time.Duration     `mapstructure:"completed_ttl" json:"completedTtl" yaml:"completed_ttl"`
	AbandonedTTL      time.Duration     `mapstructure:"abandoned_ttl" json:"abandonedTtl" yaml:"abandoned_ttl"`
	RetentionInterval time.Duration     `mapstructure:"retention_interval" json:"retentionInterval" yaml:"retention_interval"`
	Policy            map[string]string `mapstructure:"policy" json:"policy" yaml:"policy"` // conflict type -> strategy
}

// ServerConfig configures the local HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

// IngestConfig configures the capture inbox.
type IngestConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" json:"dir" yaml:"dir"` // relative to data_dir when not absolute
}

// BackupConfig configures scheduled exports.
type BackupConfig struct {
	Interval  string `mapstructure:"interval" json:"interval" yaml:"interval"`
	Dir       string `mapstructure:"dir" json:"dir" yaml:"dir"` // relative to data_dir when not absolute
	Retention int    `mapstructure:"retention" json:"retention" yaml:"retention"`
	Compress  bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

func setDefaults(v *viper.Viper) {
	retry := queue.DefaultRetryPolicy()
	retention := queue.DefaultRetentionPolicy()

	v.SetDefault("data_dir", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.start_online", true)
	v.SetDefault("sync.pull_concurrency", 4)
	v.SetDefault("sync.max_retries", retry.MaxRetries)
	v.SetDefault("sync.base_delay", retry.BaseDelay)
	v.SetDefault("sync.max_delay", retry.MaxDelay)
	v.SetDefault("sync.completed_ttl", retention.CompletedTTL)
	v.SetDefault("sync.abandoned_ttl", retention.AbandonedTTL)
	v.SetDefault("sync.retention_interval", time.Hour)
	v.SetDefault("sync.policy", map[string]string{
		string(models.ConflictServerOnly): string(conflict.StrategyUseRemote),
	})

	v.SetDefault("remote.driver", string(remote.DriverMemory))
	v.SetDefault("remote.s3.provider", string(remote.ProviderAWS))
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.prefix", "fairway")
	v.SetDefault("remote.s3.region", "")
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.account_id", "")
	v.SetDefault("remote.s3.access_key_id", "")
	v.SetDefault("remote.s3.secret_access_key", "")
	v.SetDefault("remote.s3.session_token", "")
	v.SetDefault("remote.s3.use_ssl", true)
	v.SetDefault("remote.s3.path_style", false)
	v.SetDefault("remote.postgres.dsn", "")

	v.SetDefault("server.addr", "127.0.0.1:8090")

	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.dir", "inbox")

	v.SetDefault("backup.interval", "manual")
	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.retention", 7)
	v.SetDefault("backup.compress", true)
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads the configuration. An explicit path must exist; without one,
// fairway.yaml is looked up in the working directory and the user config
// directory and silently skipped when absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "read config "+path, err)
		}
	} else {
		v.SetConfigName("fairway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "fairway"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.Wrap(errors.ErrInvalid, "read config", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if used := v.ConfigFileUsed(); used != "" {
		logging.Debug("Loaded config file", map[string]interface{}{"path": used})
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalid, "data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(errors.ErrInvalid, "log.level", err)
	}
	if c.Sync.Interval <= 0 {
		return errors.New(errors.ErrInvalid, "sync.interval must be positive")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New(errors.ErrInvalid, "sync.max_retries must be at least 1")
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return errors.New(errors.ErrInvalid, "sync.base_delay must be positive and not exceed sync.max_delay")
	}
	if _, err := c.SyncPolicy(); err != nil {
		return err
	}
	switch remote.Driver(strings.ToLower(string(c.Remote.Driver))) {
	case "", remote.DriverMemory, remote.DriverS3, remote.DriverPostgres:
	default:
		return errors.Newf(errors.ErrInvalid, "unknown remote.driver %q", c.Remote.Driver)
	}
	if c.Backup.Retention < 0 {
		return errors.New(errors.ErrInvalid, "backup.retention must not be negative")
	}
	return nil
}

// RetryPolicy returns the queue retry policy.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxRetries: c.Sync.MaxRetries,
		BaseDelay:  c.Sync.BaseDelay,
		MaxDelay:   c.Sync.MaxDelay,
	}
}

// RetentionPolicy returns the queue retention policy.
func (c *Config) RetentionPolicy() queue.RetentionPolicy {
	return queue.RetentionPolicy{
		CompletedTTL: c.Sync.CompletedTTL,
		AbandonedTTL: c.Sync.AbandonedTTL,
	}
}

// SyncPolicy converts sync.policy into the coordinator's auto-resolve policy.
// Merge entries use the latest-wins fallback for every field.
func (c *Config) SyncPolicy() (syncpkg.Policy, error) {
	known := make(map[models.ConflictType]bool)
	for _, t := range models.ConflictTypes() {
		known[t] = true
	}

	policy := make(syncpkg.Policy, len(c.Sync.Policy))
	for name, strategy := range c.Sync.Policy {
		t := models.ConflictType(strings.ToLower(name))
		if !known[t] {
			return nil, errors.Newf(errors.ErrInvalid, "sync.policy: unknown conflict type %q", name)
		}
		s, err := conflict.ParseStrategy(strings.ToLower(strategy))
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "sync.policy."+name, err)
		}
		res := conflict.Resolution{Strategy: s}
		if s == conflict.StrategyMerge {
			res.Fallback = conflict.RuleLatest
		}
		policy[t] = res
	}
	return policy, nil
}

// ResolvePath anchors a relative path at the data directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
