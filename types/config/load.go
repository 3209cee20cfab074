package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RezaEskandarii/txlock/custom_errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TXLOCK_POSTGRES_CONNECTION_URL.
const EnvPrefix = "TXLOCK"

// SetDefaults registers every default on v so environment variables can
// override keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("instance", "txlock")
	v.SetDefault("storage_driver", DefaultStorageDriver.String())
	v.SetDefault("http_port", DefaultHTTPPort)

	v.SetDefault("postgres.connection_url", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "")
	v.SetDefault("rabbitmq.queue", DefaultDeadlockQueue)
	v.SetDefault("rabbitmq.routing_key", "")

	v.SetDefault("locking.retry_interval", DefaultRetryInterval)
	v.SetDefault("locking.max_retry_interval", DefaultMaxRetryInterval)
	v.SetDefault("locking.max_wait", DefaultMaxWait)
	v.SetDefault("locking.default_timeout", DefaultLockTimeout)
	v.SetDefault("locking.edit_lock_timeout", DefaultEditLockTimeout)

	v.SetDefault("housekeeping.sweep_schedule", DefaultSweepSchedule)
	v.SetDefault("housekeeping.purge_schedule", DefaultPurgeSchedule)
	v.SetDefault("housekeeping.deadlock_schedule", DefaultDeadlockSchedule)
	v.SetDefault("housekeeping.released_retention", DefaultRetention)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
}

// Load reads configuration from an optional file and TXLOCK_* environment
// variables. An empty configFile skips the file.
func Load(v *viper.Viper, configFile string) (*TxLockConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &TxLockConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	driver, err := ParseStorageDriver(v.GetString("storage_driver"))
	if err != nil {
		return nil, err
	}
	cfg.StorageDriver = driver
	if cfg.RabbitMQConfig != nil && cfg.RabbitMQConfig.URL != "" {
		cfg.PublishDeadlocks = true
		cfg.MQDriver = RabbitMQ
	}

	validationErrs := &custom_errors.ValidationError{}
	switch driver {
	case Postgres:
		if cfg.PostgresConfig.ConnectionUrl == "" {
			validationErrs.Add(errors.New("postgres.connection_url is required for the postgres driver"))
		}
	case Redis:
		if cfg.RedisConfig.Address == "" {
			validationErrs.Add(errors.New("redis.address is required for the redis driver"))
		}
	}
	validationErrs.Add(ValidateSchedules(cfg.Housekeeping))
	validationErrs.Add(cfg.Validate())
	if validationErrs.HasError() {
		return nil, validationErrs
	}
	return cfg, nil
}

// ValidateSchedules checks every housekeeping expression with the same
// parser the scheduler uses.
func ValidateSchedules(hk HousekeepingConfig) error {
	v := &custom_errors.ValidationError{}
	for name, spec := range map[string]string{
		"sweep_schedule":    hk.SweepSchedule,
		"purge_schedule":    hk.PurgeSchedule,
		"deadlock_schedule": hk.DeadlockSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			v.Addf("invalid %s %q: %w", name, spec, err)
		}
	}
	return v.ErrOrNil()
}
