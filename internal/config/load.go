package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PROVISIONER_QUEUE_WORKERS.
const EnvPrefix = "PROVISIONER"

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{DefaultProvider()}
	}
	if cfg.Service.APIKey == "" {
		cfg.Service.APIKey = readSecretFile(cfg.Service.APIKeyFile)
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = readSecretFile(cfg.Redis.PasswordFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.port", "8080")
	v.SetDefault("service.metrics_port", "9090")
	v.SetDefault("service.api_key", "")
	v.SetDefault("service.api_key_file", "")
	v.SetDefault("service.shutdown_drain_wait", 5*time.Second)
	v.SetDefault("service.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.max_queue_size", 1000)
	v.SetDefault("queue.job_timeout", 600*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_base_delay", time.Second)
	v.SetDefault("queue.retry_max_delay", 30*time.Second)

	v.SetDefault("manager.max_retries", 3)
	v.SetDefault("manager.base_retry_delay", time.Second)
	v.SetDefault("manager.health_check_interval", 30*time.Second)
	v.SetDefault("manager.lock_timeout", 30*time.Second)
	v.SetDefault("manager.reset_lock_timeout", 120*time.Second)
	v.SetDefault("manager.default_provider", "")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.half_open_max_calls", 3)

	v.SetDefault("lock.backend", LockBackendLocal)
	v.SetDefault("lock.key_prefix", "provisioner:lock:")
	v.SetDefault("lock.lease_ttl", 15*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.password_file", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.path", "provisioner.db")
	v.SetDefault("store.max_open_conns", 4)
	v.SetDefault("store.auto_migrate", true)

	v.SetDefault("dispatcher.buffer_size", 1000)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.http_timeout", 10*time.Second)
	v.SetDefault("dispatcher.source", "provisioner")
	v.SetDefault("dispatcher.events", []string{})

	v.SetDefault("handlers.default_duration", 2*time.Hour)
	v.SetDefault("handlers.max_extend_hours", 4)
	v.SetDefault("handlers.start_address_timeout", 180*time.Second)
	v.SetDefault("handlers.reset_address_timeout", 120*time.Second)
	v.SetDefault("handlers.name_prefix", "vulnlab")

	v.SetDefault("maintenance.job_retention", 24*time.Hour)
	v.SetDefault("maintenance.sweep_interval", 10*time.Minute)
	v.SetDefault("maintenance.cleanup_interval", 5*time.Minute)
	v.SetDefault("maintenance.health_check_interval", time.Duration(0))
}

// DefaultProvider is used when no providers are configured: a local
// simulated backend suitable for development.
func DefaultProvider() ProviderConfig {
	return ProviderConfig{
		Name: "local",
		Kind: ProviderKindSimulated,
		Simulated: SimulatedConfig{
			MaxInstances: 20,
			Snapshots:    []string{"clean"},
		},
	}
}

// readSecretFile reads a secret from a file path.
// Works with Docker secrets (/run/secrets/) and K8s secrets (mounted volumes).
func readSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
