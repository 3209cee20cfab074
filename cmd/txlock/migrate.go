package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func migrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.container(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			if c.DB == nil {
				return errors.New("migrate needs postgres.connection_url")
			}
			return c.Migrate(cmd.Context())
		},
	}
}
