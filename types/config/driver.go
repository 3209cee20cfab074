package config

import (
	"fmt"
	"strings"
)

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Redis
)

type MessageQueueDriver int

const (
	RabbitMQ MessageQueueDriver = iota + 1
)

func (d MessageQueueDriver) String() string {
	switch d {
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Redis:
		return "redis"
	case Postgres:
		return "postgres"
	}
	return "unknown"
}

// ParseStorageDriver maps a configuration string onto a StorageDriver.
func ParseStorageDriver(s string) (StorageDriver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql":
		return Postgres, nil
	case "redis":
		return Redis, nil
	default:
		return 0, fmt.Errorf("unsupported storage driver %q", s)
	}
}
