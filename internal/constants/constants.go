package constants

import "time"

// Advisory lock ids for work that must run on one instance at a time.
const (
	MigrationLock int64 = iota + 7301
	SweepLock
	PurgeLock
	DeadlockScanLock
)

var Locks = []int64{
	MigrationLock,
	SweepLock,
	PurgeLock,
	DeadlockScanLock,
}

const (
	DefaultRetryInterval    = 100 * time.Millisecond
	DefaultMaxRetryInterval = time.Second
	DefaultMaxWait          = 10 * time.Second
	DefaultLockTimeout      = 30 * time.Second
	DefaultEditLockTimeout  = 15 * time.Minute
	DefaultReleaseTimeout   = 5 * time.Second
	DefaultRetention        = 24 * time.Hour
	DistributedLockTTL      = time.Minute
)

const (
	DefaultSweepSchedule    = "@every 30s"
	DefaultPurgeSchedule    = "@every 1h"
	DefaultDeadlockSchedule = "@every 1m"
)

const Schema = "txlock_schema"
