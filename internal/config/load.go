package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "REPACKD"

// ErrAsynqRequiresRedis is returned when the asynq dispatcher is selected
// without a Redis URL.
var ErrAsynqRequiresRedis = errors.New("task.dispatcher=asynq requires redis.url")

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := expandPaths(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandPaths resolves a leading ~ in every filesystem path setting.
func expandPaths(cfg *Config) error {
	for _, p := range []*string{
		&cfg.Repack.ScriptPath,
		&cfg.Repack.WorkDir,
		&cfg.Repack.OutputDir,
		&cfg.Repack.LocalInputDir,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks struct tags and the cross-field rules that tags cannot
// express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Task.Dispatcher == DispatcherAsynq && cfg.Redis.URL == "" {
		return fmt.Errorf("config validation failed: %w", ErrAsynqRequiresRedis)
	}
	return nil
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Task: TaskConfig{
			Dispatcher:  DispatcherMemory,
			WorkerCount: 2,
			QueueSize:   100,
			RecordTTL:   24 * time.Hour,
			Timeout:     30 * time.Minute,
		},
		Repack: RepackConfig{
			ScriptPath:        "./plugin_repackaging.sh",
			WorkDir:           os.TempDir(),
			OutputDir:         "./output",
			DefaultPlatform:   "manylinux2014_x86_64",
			DefaultSuffix:     "offline",
			LineTimeout:       300 * time.Second,
			DownloadTimeout:   5 * time.Minute,
			DownloadAttempts:  3,
			DownloadBaseDelay: time.Second,
			RepackAttempts:    3,
			RepackBaseDelay:   2 * time.Second,
		},
		Realtime: RealtimeConfig{
			PingInterval:      30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadLimit:         4096,
		},
		Marketplace: MarketplaceConfig{
			APIBaseURL:       "https://marketplace.dify.ai/api/v1",
			WebBaseURL:       "https://marketplace.dify.ai",
			RequestTimeout:   10 * time.Second,
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			CacheTTL:         5 * time.Minute,
			CacheSize:        512,
		},
	}
}

// setDefaults registers every key with viper so AutomaticEnv can bind it.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("redis.url", "")

	v.SetDefault("task.dispatcher", d.Task.Dispatcher)
	v.SetDefault("task.worker_count", d.Task.WorkerCount)
	v.SetDefault("task.queue_size", d.Task.QueueSize)
	v.SetDefault("task.record_ttl", d.Task.RecordTTL)
	v.SetDefault("task.timeout", d.Task.Timeout)

	v.SetDefault("repack.script_path", d.Repack.ScriptPath)
	v.SetDefault("repack.work_dir", d.Repack.WorkDir)
	v.SetDefault("repack.output_dir", d.Repack.OutputDir)
	v.SetDefault("repack.local_input_dir", d.Repack.LocalInputDir)
	v.SetDefault("repack.default_platform", d.Repack.DefaultPlatform)
	v.SetDefault("repack.default_suffix", d.Repack.DefaultSuffix)
	v.SetDefault("repack.line_timeout", d.Repack.LineTimeout)
	v.SetDefault("repack.download_timeout", d.Repack.DownloadTimeout)
	v.SetDefault("repack.download_attempts", d.Repack.DownloadAttempts)
	v.SetDefault("repack.download_base_delay", d.Repack.DownloadBaseDelay)
	v.SetDefault("repack.repack_attempts", d.Repack.RepackAttempts)
	v.SetDefault("repack.repack_base_delay", d.Repack.RepackBaseDelay)

	v.SetDefault("realtime.ping_interval", d.Realtime.PingInterval)
	v.SetDefault("realtime.heartbeat_interval", d.Realtime.HeartbeatInterval)
	v.SetDefault("realtime.write_timeout", d.Realtime.WriteTimeout)
	v.SetDefault("realtime.read_limit", d.Realtime.ReadLimit)

	v.SetDefault("marketplace.api_base_url", d.Marketplace.APIBaseURL)
	v.SetDefault("marketplace.web_base_url", d.Marketplace.WebBaseURL)
	v.SetDefault("marketplace.request_timeout", d.Marketplace.RequestTimeout)
	v.SetDefault("marketplace.failure_threshold", d.Marketplace.FailureThreshold)
	v.SetDefault("marketplace.recovery_timeout", d.Marketplace.RecoveryTimeout)
	v.SetDefault("marketplace.cache_ttl", d.Marketplace.CacheTTL)
	v.SetDefault("marketplace.cache_size", d.Marketplace.CacheSize)
}
