package app

import (
	"database/sql"
	"log/slog"

	"github.com/RezaEskandarii/txlock/internal/message_broaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject connections instead of creating them from config
	db     *sql.DB
	redis  redis.UniversalClient
	broker message_broaker.MessageBroker

	logger   *slog.Logger
	registry *prometheus.Registry
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(client redis.UniversalClient) ContainerOption {
	return func(c *containerConfig) {
		c.redis = client
	}
}

// WithMessageBroker replaces the RabbitMQ connection built from config.
func WithMessageBroker(broker message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = broker
	}
}

func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = logger
	}
}

// WithRegistry registers metrics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) ContainerOption {
	return func(c *containerConfig) {
		c.registry = registry
	}
}
