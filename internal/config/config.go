// Package config loads service configuration from defaults, an optional
// YAML file and PROVISIONER_* environment variables.
package config

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config is the full service configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Log         LogConfig         `mapstructure:"log"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Manager     ManagerConfig     `mapstructure:"manager"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Lock        LockConfig        `mapstructure:"lock"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Handlers    HandlersConfig    `mapstructure:"handlers"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Providers   []ProviderConfig  `mapstructure:"providers"`
}

// ServiceConfig holds HTTP and process lifecycle settings.
type ServiceConfig struct {
	Port              string        `mapstructure:"port"`
	MetricsPort       string        `mapstructure:"metrics_port"`
	APIKey            string        `mapstructure:"api_key"`
	APIKeyFile        string        `mapstructure:"api_key_file"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"` // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QueueConfig sizes the job queue and its retry policy.
type QueueConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxQueueSize   int           `mapstructure:"max_queue_size"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// ManagerConfig tunes provider selection, retries and locking.
type ManagerConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseRetryDelay      time.Duration `mapstructure:"base_retry_delay"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	LockTimeout         time.Duration `mapstructure:"lock_timeout"`
	ResetLockTimeout    time.Duration `mapstructure:"reset_lock_timeout"`
	DefaultProvider     string        `mapstructure:"default_provider"`
}

// BreakerConfig configures every provider's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// Lock backends.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// LockConfig selects the lock backend.
type LockConfig struct {
	Backend   string        `mapstructure:"backend"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"` // Redis key expiry; bounds a crashed holder
}

// RedisConfig is used when the lock backend is redis.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	DB           int    `mapstructure:"db"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// DispatcherConfig sizes the webhook dispatcher.
type DispatcherConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	Workers     int           `mapstructure:"workers"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	Source      string        `mapstructure:"source"`
	// Events limits webhooks to these job outcomes: completed, failed,
	// cancelled. Empty sends all of them.
	Events []string `mapstructure:"events"`
}

// HandlersConfig holds lifecycle policy used by job handlers.
type HandlersConfig struct {
	DefaultDuration     time.Duration `mapstructure:"default_duration"`
	MaxExtendHours      int           `mapstructure:"max_extend_hours"`
	StartAddressTimeout time.Duration `mapstructure:"start_address_timeout"`
	ResetAddressTimeout time.Duration `mapstructure:"reset_address_timeout"`
	NamePrefix          string        `mapstructure:"name_prefix"`
}

// MaintenanceConfig schedules periodic background work. Zero disables a task.
type MaintenanceConfig struct {
	JobRetention        time.Duration `mapstructure:"job_retention"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// Provider kinds.
const (
	ProviderKindDocker    = "docker"
	ProviderKindSimulated = "simulated"
)

// ProviderConfig describes one backend.
type ProviderConfig struct {
	Name      string          `mapstructure:"name"`
	Kind      string          `mapstructure:"kind"`
	RateLimit float64         `mapstructure:"rate_limit"` // calls per second, 0 = unlimited
	Burst     int             `mapstructure:"burst"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Simulated SimulatedConfig `mapstructure:"simulated"`
}

// DockerConfig configures the Docker engine provider.
type DockerConfig struct {
	Host         string            `mapstructure:"host"` // empty uses DOCKER_HOST
	Network      string            `mapstructure:"network"`
	MaxInstances int               `mapstructure:"max_instances"`
	StopTimeout  time.Duration     `mapstructure:"stop_timeout"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Templates    map[string]string `mapstructure:"templates"` // template id -> image
}

// SimulatedConfig configures the in-process provider.
type SimulatedConfig struct {
	MaxInstances int           `mapstructure:"max_instances"`
	Templates    []string      `mapstructure:"templates"`
	Snapshots    []string      `mapstructure:"snapshots"`
	AddressDelay time.Duration `mapstructure:"address_delay"`
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Queue.Workers <= 0 {
		return errors.New("queue.workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	switch c.Lock.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis lock backend")
		}
	default:
		return errors.Newf("unknown lock backend %q", c.Lock.Backend)
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return errors.Newf("providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return errors.Newf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Kind {
		case ProviderKindDocker, ProviderKindSimulated:
		default:
			return errors.Newf("providers[%d]: unknown kind %q", i, p.Kind)
		}
	}
	for _, e := range c.Dispatcher.Events {
		switch e {
		case "completed", "failed", "cancelled":
		default:
			return errors.Newf("dispatcher.events: unknown job outcome %q", e)
		}
	}
	if c.Manager.DefaultProvider != "" && !seen[c.Manager.DefaultProvider] {
		return errors.Newf("manager.default_provider %q is not a configured provider", c.Manager.DefaultProvider)
	}
	return nil
}
