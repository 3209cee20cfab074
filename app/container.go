package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/RezaEskandarii/txlock/internal/constants"
	"github.com/RezaEskandarii/txlock/internal/db"
	"github.com/RezaEskandarii/txlock/internal/deadlock"
	"github.com/RezaEskandarii/txlock/internal/editlock"
	"github.com/RezaEskandarii/txlock/internal/housekeeping"
	"github.com/RezaEskandarii/txlock/internal/lock"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/message_broaker"
	"github.com/RezaEskandarii/txlock/internal/orders"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/internal/store/postgres"
	redisstore "github.com/RezaEskandarii/txlock/internal/store/redis"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types/config"
	"github.com/RezaEskandarii/txlock/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.TxLockConfig
	Logger *slog.Logger

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis redis.UniversalClient

	LockStore  store.LockStore
	OrderStore store.OrderStore // nil without Postgres
	UserStore  store.UserStore  // nil without Postgres

	// Infrastructure
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker // nil unless deadlock publishing is on
	Registry      *prometheus.Registry

	Manager      *twophase.Manager
	EditLocks    *editlock.Service
	Detector     *deadlock.Detector
	Orders       *orders.Service // nil without Postgres
	Housekeeping *housekeeping.Scheduler
	Web          *web.HttpRouteHandler

	ownsDB bool
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis to inject connections for testing.
func NewContainer(ctx context.Context, cfg *config.TxLockConfig, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	logger := opt.logger
	if logger == nil {
		var err error
		logger, err = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	logger = logger.With("instance", cfg.Instance)

	sqlDB, redisClient, err := initStorageConnections(ctx, cfg, opt)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
		DB:     sqlDB,
		Redis:  redisClient,
		ownsDB: sqlDB != nil && opt.db == nil,
	}

	switch cfg.StorageDriver {
	case config.Redis:
		c.LockStore = redisstore.NewRedisLockStore(redisClient)
		c.LockManager = lock.NewRedisDistributedLockManager(redisClient, constants.DistributedLockTTL)
	default:
		c.LockStore = postgres.NewPostgresLockStore(sqlDB)
		c.LockManager = lock.NewPostgresDistributedLockManager(sqlDB)
	}
	if sqlDB != nil {
		c.OrderStore = postgres.NewPostgresOrderStore(sqlDB)
		c.UserStore = postgres.NewPostgresUserStore(sqlDB)
	}

	c.MessageBroker = opt.broker
	if c.MessageBroker == nil && cfg.PublishDeadlocks {
		mq := cfg.RabbitMQConfig
		broker, err := message_broaker.NewRabbitMQ(mq.URL, mq.Exchange, mq.Queue, mq.RoutingKey)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		c.MessageBroker = broker
	}

	if err := c.wireServices(opt.registry); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) wireServices(registry *prometheus.Registry) error {
	cfg := c.Config
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c.Registry = registry

	lockMetrics, err := twophase.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register lock metrics: %w", err)
	}
	deadlockMetrics, err := deadlock.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register deadlock metrics: %w", err)
	}

	c.Manager = twophase.NewManager(c.LockStore,
		twophase.WithLogger(c.Logger.With("component", "twophase")),
		twophase.WithMetrics(lockMetrics),
		twophase.WithRetryInterval(cfg.Locking.RetryInterval, cfg.Locking.MaxRetryInterval),
		twophase.WithMaxWait(cfg.Locking.MaxWait),
		twophase.WithDefaultTimeout(cfg.Locking.DefaultTimeout),
	)

	sessionOpts := []editlock.Option{
		editlock.WithLogger(c.Logger.With("component", "editlock")),
		editlock.WithTimeout(cfg.Locking.EditLockTimeout),
	}
	if c.UserStore != nil {
		sessionOpts = append(sessionOpts, editlock.WithUserResolver(editlock.NewStoreResolver(c.UserStore)))
	}
	c.EditLocks = editlock.NewService(c.Manager, sessionOpts...)

	c.Detector = deadlock.NewDetector(c.LockStore,
		deadlock.WithLogger(c.Logger.With("component", "deadlock")),
		deadlock.WithMetrics(deadlockMetrics),
	)

	if c.OrderStore != nil {
		c.Orders = orders.NewService(c.OrderStore, c.Manager, c.EditLocks,
			orders.WithLogger(c.Logger.With("component", "orders")),
			orders.WithLockTimeout(cfg.Locking.DefaultTimeout),
		)
	}

	hkOpts := []housekeeping.Option{
		housekeeping.WithLogger(c.Logger.With("component", "housekeeping")),
		housekeeping.WithInstance(cfg.Instance),
	}
	if c.MessageBroker != nil {
		hkOpts = append(hkOpts, housekeeping.WithBroker(c.MessageBroker, cfg.RabbitMQConfig.Queue))
	}
	c.Housekeeping = housekeeping.New(c.Manager, c.Detector, c.LockManager, cfg.Housekeeping, hkOpts...)

	c.Web = web.NewRouteHandler(c.Manager, c.EditLocks, c.Detector, c.Orders, registry, c.Logger.With("component", "web"), cfg.HTTPPort)
	return nil
}

// Migrate brings the Postgres schema up to date. It is a no-op without Postgres.
func (c *Container) Migrate(ctx context.Context) error {
	if c.DB == nil {
		return nil
	}
	locker := c.LockManager
	if c.Config.StorageDriver != config.Postgres {
		locker = lock.NewPostgresDistributedLockManager(c.DB)
	}
	return db.Migrate(ctx, c.DB, locker, c.Logger)
}

// Close releases every connection the container opened.
func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	// the lock store owns the connection it was built on
	if c.LockStore != nil {
		errs = append(errs, c.LockStore.Close())
		if c.Config.StorageDriver == config.Redis && c.ownsDB {
			errs = append(errs, c.DB.Close())
		}
	} else {
		if c.ownsDB {
			errs = append(errs, c.DB.Close())
		}
		if c.Redis != nil {
			errs = append(errs, c.Redis.Close())
		}
	}
	return errors.Join(errs...)
}
