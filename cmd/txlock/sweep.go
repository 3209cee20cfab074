package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCommand(opts *rootOptions) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired locks once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.container(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			released, err := c.Manager.CleanupExpiredLocks(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d expired locks\n", released)

			if purge {
				purged, err := c.Manager.PurgeReleased(ctx, c.Config.Housekeeping.ReleasedRetention)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d released locks older than %s\n",
					purged, c.Config.Housekeeping.ReleasedRetention)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete released rows past the retention window")
	return cmd
}
