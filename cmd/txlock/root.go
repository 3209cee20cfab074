package main

import (
	"fmt"

	"github.com/RezaEskandarii/txlock/app"
	"github.com/RezaEskandarii/txlock/types/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{v: viper.New()})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "txlock",
		Short:         "Two-phase locking, edit sessions and deadlock detection for order processing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, opts); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serveCommand(opts),
		migrateCommand(opts),
		sweepCommand(opts),
		deadlocksCommand(opts),
	)
	return rootCmd
}

func setupFlags(rootCmd *cobra.Command, opts *rootOptions) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML config file")
	flags.String("instance", "", "Instance name used in logs and deadlock reports")
	flags.String("storage-driver", "", "Lock table backend: postgres or redis")
	flags.String("log-level", "", "debug, info, warn or error")

	for key, flag := range map[string]string{
		"instance":       "instance",
		"storage_driver": "storage-driver",
		"logging.level":  "log-level",
	} {
		if err := opts.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// load reads the configuration. Flags win over environment variables,
// which win over the config file.
func (o *rootOptions) load() (*config.TxLockConfig, error) {
	return config.Load(o.v, o.configFile)
}

func (o *rootOptions) container(cmd *cobra.Command) (*app.Container, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.NewContainer(cmd.Context(), cfg)
}
