package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/RezaEskandarii/txlock/internal/deadlock"
	"github.com/RezaEskandarii/txlock/types/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := RootCommand()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"sweep"}, {"deadlocks"}, {"deadlocks", "watch"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("TXLOCK_POSTGRES_CONNECTION_URL", "postgres://localhost/txlock")
	t.Setenv("TXLOCK_INSTANCE", "from-env")
	t.Setenv("TXLOCK_LOGGING_LEVEL", "warn")

	opts := &rootOptions{v: viper.New()}
	root := newRootCommand(opts)
	require.NoError(t, root.PersistentFlags().Set("instance", "from-flag"))

	cfg, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Instance)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "postgres://localhost/txlock", cfg.PostgresConfig.ConnectionUrl)
	assert.Equal(t, config.Postgres, cfg.StorageDriver)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	opts := &rootOptions{v: viper.New()}
	root := newRootCommand(opts)
	require.NoError(t, root.PersistentFlags().Set("storage-driver", "mongo"))

	_, err := opts.load()
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestPrintReport(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var buf bytes.Buffer
	printReport(&buf, deadlock.Report{DetectedAt: at})
	assert.Equal(t, "2026-01-02 03:04:05 [local] no deadlocks, 0 waiting\n", buf.String())

	buf.Reset()
	printReport(&buf, deadlock.Report{Instance: "eu-1", DetectedAt: at, Cycles: [][]string{{"T1", "T2"}}})
	assert.Equal(t, "2026-01-02 03:04:05 [eu-1] 1 deadlock(s)\n  T1 -> T2 -> T1\n", buf.String())
}
