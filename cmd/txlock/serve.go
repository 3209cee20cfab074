package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCommand(opts *rootOptions) *cobra.Command {
	var skipMigrate bool
	var port uint

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the housekeeping scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				opts.v.Set("http_port", port)
			}
			c, err := opts.container(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if !skipMigrate {
				if err := c.Migrate(ctx); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Web.Serve(gctx) })
			g.Go(func() error { return c.Housekeeping.Start(gctx) })

			c.Logger.Info("txlock serving", "port", c.Config.HTTPPort, "storage", c.Config.StorageDriver.String())
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply database migrations on start")
	cmd.Flags().UintVarP(&port, "port", "p", 0, "HTTP port, overrides http_port")
	return cmd
}
