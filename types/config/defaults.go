package config

import "github.com/RezaEskandarii/txlock/internal/constants"

const (
	DefaultStorageDriver    = Postgres
	DefaultHTTPPort         = 8080
	DefaultRetryInterval    = constants.DefaultRetryInterval
	DefaultMaxRetryInterval = constants.DefaultMaxRetryInterval
	DefaultMaxWait          = constants.DefaultMaxWait
	DefaultLockTimeout      = constants.DefaultLockTimeout
	DefaultEditLockTimeout  = constants.DefaultEditLockTimeout
	DefaultRetention        = constants.DefaultRetention
	DefaultSweepSchedule    = constants.DefaultSweepSchedule
	DefaultPurgeSchedule    = constants.DefaultPurgeSchedule
	DefaultDeadlockSchedule = constants.DefaultDeadlockSchedule
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultDeadlockQueue    = "txlock.deadlocks"
)
