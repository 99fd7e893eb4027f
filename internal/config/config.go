package config

import "time"

// Dispatcher names accepted by TaskConfig.Dispatcher.
const (
	DispatcherMemory = "memory"
	DispatcherAsynq  = "asynq"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Task        TaskConfig        `mapstructure:"task" validate:"required"`
	Repack      RepackConfig      `mapstructure:"repack" validate:"required"`
	Realtime    RealtimeConfig    `mapstructure:"realtime" validate:"required"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RedisConfig points at the Redis instance backing the task store, the event
// bus and the asynq dispatcher. An empty URL selects the in-process
// implementations.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// TaskConfig controls task dispatch and record retention.
type TaskConfig struct {
	Dispatcher  string        `mapstructure:"dispatcher" validate:"required,oneof=memory asynq"`
	WorkerCount int           `mapstructure:"worker_count" validate:"gt=0"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gt=0"`
	RecordTTL   time.Duration `mapstructure:"record_ttl" validate:"gt=0"`
	// Timeout is the hard limit for one task, all retries included.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// RepackConfig configures the external repackaging script and the retry
// budget of each worker phase.
type RepackConfig struct {
	ScriptPath string `mapstructure:"script_path" validate:"required"`
	WorkDir    string `mapstructure:"work_dir" validate:"required"`
	OutputDir  string `mapstructure:"output_dir" validate:"required"`
	// LocalInputDir is the directory HTTP clients may reference with
	// local_path. Empty disables local inputs over HTTP.
	LocalInputDir     string        `mapstructure:"local_input_dir"`
	DefaultPlatform   string        `mapstructure:"default_platform" validate:"required"`
	DefaultSuffix     string        `mapstructure:"default_suffix" validate:"required,alphanum"`
	LineTimeout       time.Duration `mapstructure:"line_timeout" validate:"gt=0"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout" validate:"gt=0"`
	DownloadAttempts  int           `mapstructure:"download_attempts" validate:"gt=0"`
	DownloadBaseDelay time.Duration `mapstructure:"download_base_delay" validate:"gt=0"`
	RepackAttempts    int           `mapstructure:"repack_attempts" validate:"gt=0"`
	RepackBaseDelay   time.Duration `mapstructure:"repack_base_delay" validate:"gt=0"`
}

// RealtimeConfig configures websocket sessions and liveness checking.
type RealtimeConfig struct {
	PingInterval      time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gtfield=PingInterval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ReadLimit         int64         `mapstructure:"read_limit" validate:"gt=0"`
}

// MarketplaceConfig configures the plugin marketplace client, its HTML
// fallback and the circuit breaker guarding it.
type MarketplaceConfig struct {
	APIBaseURL       string        `mapstructure:"api_base_url" validate:"required,url"`
	WebBaseURL       string        `mapstructure:"web_base_url" validate:"required,url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	CacheSize        int           `mapstructure:"cache_size" validate:"gt=0"`
}
