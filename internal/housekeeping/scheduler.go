// Package housekeeping runs the periodic lock maintenance jobs: releasing
// expired locks, purging old released rows, and scanning for deadlocks.
// Each run is guarded by a distributed lock so only one instance does it.
package housekeeping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/txlock/internal/constants"
	"github.com/RezaEskandarii/txlock/internal/deadlock"
	"github.com/RezaEskandarii/txlock/internal/lock"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/message_broaker"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types/config"
	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	manager  *twophase.Manager
	detector *deadlock.Detector
	lock     lock.DistributedLockManager
	cfg      config.HousekeepingConfig

	broker   message_broaker.MessageBroker
	queue    string
	instance string
	logger   *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBroker publishes every deadlock report that has cycles to queue.
func WithBroker(broker message_broaker.MessageBroker, queue string) Option {
	return func(s *Scheduler) {
		s.broker = broker
		s.queue = queue
	}
}

func WithInstance(name string) Option {
	return func(s *Scheduler) {
		s.instance = name
	}
}

func New(manager *twophase.Manager, detector *deadlock.Detector, distributedLock lock.DistributedLockManager, cfg config.HousekeepingConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		manager:  manager,
		detector: detector,
		lock:     distributedLock,
		cfg:      cfg,
		queue:    config.DefaultDeadlockQueue,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type job struct {
	name   string
	spec   string
	lockID int64
	run    func(ctx context.Context) error
}

// Start schedules the jobs and blocks until ctx is done. Running jobs are
// allowed to finish before it returns.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []job{
		{name: "sweep", spec: s.cfg.SweepSchedule, lockID: constants.SweepLock, run: s.Sweep},
		{name: "purge", spec: s.cfg.PurgeSchedule, lockID: constants.PurgeLock, run: s.Purge},
		{name: "deadlock_scan", spec: s.cfg.DeadlockSchedule, lockID: constants.DeadlockScanLock, run: func(ctx context.Context) error {
			_, err := s.ScanDeadlocks(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, func() { s.runExclusive(ctx, j) }); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", j.name, j.spec, err)
		}
	}

	c.Start()
	s.logger.InfoContext(ctx, "housekeeping started",
		"sweep", s.cfg.SweepSchedule, "purge", s.cfg.PurgeSchedule, "deadlock_scan", s.cfg.DeadlockSchedule)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("housekeeping stopped")
	return nil
}

func (s *Scheduler) runExclusive(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	ok, err := s.lock.TryAcquire(ctx, j.lockID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to take housekeeping lock", "job", j.name, "error", err)
		return
	}
	if !ok {
		s.logger.DebugContext(ctx, "housekeeping job running elsewhere", "job", j.name)
		return
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), j.lockID); err != nil {
			s.logger.ErrorContext(ctx, "failed to release housekeeping lock", "job", j.name, "error", err)
		}
	}()

	start := time.Now()
	if err := j.run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "housekeeping job failed", "job", j.name, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "housekeeping job finished", "job", j.name, "took", time.Since(start))
}

// Sweep releases every active lock past its expiry.
func (s *Scheduler) Sweep(ctx context.Context) error {
	_, err := s.manager.CleanupExpiredLocks(ctx)
	return err
}

// Purge deletes released rows older than the configured retention.
func (s *Scheduler) Purge(ctx context.Context) error {
	_, err := s.manager.PurgeReleased(ctx, s.cfg.ReleasedRetention)
	return err
}

// ScanDeadlocks runs the detector and publishes the report when it found a
// cycle and a broker is configured.
func (s *Scheduler) ScanDeadlocks(ctx context.Context) (deadlock.Report, error) {
	report, err := s.detector.Scan(ctx)
	if err != nil {
		return deadlock.Report{}, err
	}
	report.Instance = s.instance

	if !report.HasCycles() || s.broker == nil {
		return report, nil
	}
	body, err := json.Marshal(report)
	if err != nil {
		return report, fmt.Errorf("failed to encode deadlock report: %w", err)
	}
	if err := s.broker.Publish(ctx, s.queue, body); err != nil {
		return report, fmt.Errorf("failed to publish deadlock report: %w", err)
	}
	s.logger.InfoContext(ctx, "deadlock report published", "queue", s.queue, "cycles", len(report.Cycles))
	return report, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
