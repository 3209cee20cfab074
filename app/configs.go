package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/RezaEskandarii/txlock/internal/db"
	"github.com/RezaEskandarii/txlock/types/config"
	"github.com/redis/go-redis/v9"
)

// initStorageConnections opens what cfg asks for. Postgres also backs the
// order and user stores, so it is opened for the Redis driver too when a
// URL is configured.
func initStorageConnections(ctx context.Context, cfg *config.TxLockConfig, opt *containerConfig) (*sql.DB, redis.UniversalClient, error) {
	sqlDB := opt.db
	if sqlDB == nil && cfg.PostgresConfig.ConnectionUrl != "" {
		var err error
		sqlDB, err = db.Open(ctx, cfg.PostgresConfig.ConnectionUrl)
		if err != nil {
			return nil, nil, err
		}
	}

	redisClient := opt.redis
	if redisClient == nil && cfg.StorageDriver == config.Redis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			if sqlDB != nil && opt.db == nil {
				sqlDB.Close()
			}
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisConfig.Address, err)
		}
	}

	switch cfg.StorageDriver {
	case config.Postgres:
		if sqlDB == nil {
			return nil, nil, fmt.Errorf("postgres storage driver requires a connection url")
		}
	case config.Redis:
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}
	return sqlDB, redisClient, nil
}
