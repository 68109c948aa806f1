// Package config loads and validates the orchestrator's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Storage configures the object store backing the Storage Gateway.
type Storage struct {
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"` // non-empty for S3-compatible stores
	TempPrefix      string        `mapstructure:"temp_prefix"`
	CompressMinSize int64         `mapstructure:"compress_min_size"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
}

// TaskQueue configures the external managed task queue collaborator and
// the two dispatch lanes described in §4.6.
type TaskQueue struct {
	Project             string        `mapstructure:"project"`
	Region              string        `mapstructure:"region"`
	InteractiveQueue    string        `mapstructure:"interactive_queue"`
	BulkQueue           string        `mapstructure:"bulk_queue"`
	WorkerURL           string        `mapstructure:"worker_url"`
	ServiceAccountEmail string        `mapstructure:"service_account_email"`
	DispatchTimeout     time.Duration `mapstructure:"dispatch_timeout"`
	InteractiveCapacity int           `mapstructure:"interactive_capacity"`
	BulkCapacity        int           `mapstructure:"bulk_capacity"`
}

// OIDC configures webhook bearer-token verification and outbound token
// minting for worker calls.
type OIDC struct {
	Audience         string `mapstructure:"audience"`
	IssuerURL        string `mapstructure:"issuer_url"`
	ServiceAccountID string `mapstructure:"service_account_id"`
	DevMode          bool   `mapstructure:"dev_mode"`
	DevSigningKey    string `mapstructure:"dev_signing_key"`
}

type Reconciler struct {
	Interval        time.Duration `mapstructure:"interval"`
	StuckThreshold  time.Duration `mapstructure:"stuck_threshold"`
	QuotaSweepEvery time.Duration `mapstructure:"quota_sweep_every"`
}

type RateLimit struct {
	SubmitPerSecond   float64       `mapstructure:"submit_per_second"`
	SubmitBurst       int           `mapstructure:"submit_burst"`
	ReadPerSecond     float64       `mapstructure:"read_per_second"`
	ReadBurst         int           `mapstructure:"read_burst"`
	DownloadPerSecond float64       `mapstructure:"download_per_second"`
	DownloadBurst     int           `mapstructure:"download_burst"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
}

type API struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
	DefaultUserTier string        `mapstructure:"default_user_tier"`
}

type TracingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Endpoint     string        `mapstructure:"endpoint"`
	Environment  string        `mapstructure:"environment"`
	SamplingRate float64       `mapstructure:"sampling_rate"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Insecure     bool          `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Storage       Storage       `mapstructure:"storage"`
	TaskQueue     TaskQueue     `mapstructure:"task_queue"`
	OIDC          OIDC          `mapstructure:"oidc"`
	Reconciler    Reconciler    `mapstructure:"reconciler"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	API           API           `mapstructure:"api"`
	Observability Observability `mapstructure:"observability"`

	// ProjectID identifies the deployment (GCP project or equivalent).
	ProjectID string `mapstructure:"project_id"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Storage: Storage{
			TempPrefix:      "temp",
			CompressMinSize: 1024,
			UploadTimeout:   30 * time.Second,
		},
		TaskQueue: TaskQueue{
			InteractiveQueue:    "predict-interactive",
			BulkQueue:           "predict-bulk",
			DispatchTimeout:     10 * time.Second,
			InteractiveCapacity: 4,
			BulkCapacity:        12,
		},
		Reconciler: Reconciler{
			Interval:        60 * time.Second,
			StuckThreshold:  1 * time.Hour,
			QuotaSweepEvery: 5 * time.Minute,
		},
		RateLimit: RateLimit{
			SubmitPerSecond:   2,
			SubmitBurst:       5,
			ReadPerSecond:     20,
			ReadBurst:         40,
			DownloadPerSecond: 10,
			DownloadBurst:     20,
			KeyTTL:            1 * time.Hour,
		},
		API: API{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestDeadline: 30 * time.Second,
			DefaultUserTier: "default",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file plus environment overrides.
// The file itself is optional; required fields (see Validate) must still
// resolve from env vars if no file is present.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, so keys
	// without a default are bound to their env vars explicitly.
	for _, key := range []string{
		"project_id", "storage.bucket", "storage.region", "storage.endpoint",
		"task_queue.project", "task_queue.region", "task_queue.worker_url", "task_queue.service_account_email",
		"oidc.audience", "oidc.issuer_url", "oidc.service_account_id", "oidc.dev_mode", "oidc.dev_signing_key",
	} {
		_ = v.BindEnv(key)
	}

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("storage.temp_prefix", def.Storage.TempPrefix)
	v.SetDefault("storage.compress_min_size", def.Storage.CompressMinSize)
	v.SetDefault("storage.upload_timeout", def.Storage.UploadTimeout)

	v.SetDefault("task_queue.interactive_queue", def.TaskQueue.InteractiveQueue)
	v.SetDefault("task_queue.bulk_queue", def.TaskQueue.BulkQueue)
	v.SetDefault("task_queue.dispatch_timeout", def.TaskQueue.DispatchTimeout)
	v.SetDefault("task_queue.interactive_capacity", def.TaskQueue.InteractiveCapacity)
	v.SetDefault("task_queue.bulk_capacity", def.TaskQueue.BulkCapacity)

	v.SetDefault("reconciler.interval", def.Reconciler.Interval)
	v.SetDefault("reconciler.stuck_threshold", def.Reconciler.StuckThreshold)
	v.SetDefault("reconciler.quota_sweep_every", def.Reconciler.QuotaSweepEvery)

	v.SetDefault("rate_limit.submit_per_second", def.RateLimit.SubmitPerSecond)
	v.SetDefault("rate_limit.submit_burst", def.RateLimit.SubmitBurst)
	v.SetDefault("rate_limit.read_per_second", def.RateLimit.ReadPerSecond)
	v.SetDefault("rate_limit.read_burst", def.RateLimit.ReadBurst)
	v.SetDefault("rate_limit.download_per_second", def.RateLimit.DownloadPerSecond)
	v.SetDefault("rate_limit.download_burst", def.RateLimit.DownloadBurst)
	v.SetDefault("rate_limit.key_ttl", def.RateLimit.KeyTTL)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.shutdown_timeout", def.API.ShutdownTimeout)
	v.SetDefault("api.request_deadline", def.API.RequestDeadline)
	v.SetDefault("api.default_user_tier", def.API.DefaultUserTier)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
}

// Validate checks config constraints, failing startup on missing required
// fields: project identifier, bucket name, task-queue project/region,
// worker URL, OIDC service account identifier and OIDC dev signing key
// (§6.4). It also refuses oidc.dev_mode=false.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if strings.TrimSpace(cfg.Storage.Bucket) == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if strings.TrimSpace(cfg.TaskQueue.Project) == "" {
		return fmt.Errorf("task_queue.project is required")
	}
	if strings.TrimSpace(cfg.TaskQueue.Region) == "" {
		return fmt.Errorf("task_queue.region is required")
	}
	if strings.TrimSpace(cfg.TaskQueue.WorkerURL) == "" {
		return fmt.Errorf("task_queue.worker_url is required")
	}
	if strings.TrimSpace(cfg.OIDC.ServiceAccountID) == "" {
		return fmt.Errorf("oidc.service_account_id is required")
	}
	if strings.TrimSpace(cfg.OIDC.DevSigningKey) == "" {
		return fmt.Errorf("oidc.dev_signing_key is required")
	}
	if !cfg.OIDC.DevMode {
		return fmt.Errorf("oidc.dev_mode=false requires a JWKS-backed verifier not yet implemented; set oidc.dev_mode=true to run with the shared-secret fallback")
	}
	if cfg.TaskQueue.InteractiveCapacity < 1 {
		return fmt.Errorf("task_queue.interactive_capacity must be >= 1")
	}
	if cfg.TaskQueue.BulkCapacity < 1 {
		return fmt.Errorf("task_queue.bulk_capacity must be >= 1")
	}
	if cfg.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be > 0")
	}
	if cfg.Reconciler.StuckThreshold <= 0 {
		return fmt.Errorf("reconciler.stuck_threshold must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
