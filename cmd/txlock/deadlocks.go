package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/RezaEskandarii/txlock/internal/deadlock"
	"github.com/spf13/cobra"
)

func deadlocksCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "deadlocks",
		Short: "Scan the wait-for graph once and print any cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.container(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			report, err := c.Housekeeping.ScanDeadlocks(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")
	cmd.AddCommand(watchCommand(opts))
	return cmd
}

func watchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print deadlock reports published by running instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.container(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			if c.MessageBroker == nil {
				return errors.New("deadlocks watch needs rabbitmq.url")
			}

			ctx := cmd.Context()
			msgs, err := c.MessageBroker.Consume(ctx, c.Config.RabbitMQConfig.Queue)
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case body, ok := <-msgs:
					if !ok {
						return nil
					}
					var report deadlock.Report
					if err := json.Unmarshal(body, &report); err != nil {
						c.Logger.Warn("skipping malformed deadlock report", "error", err)
						continue
					}
					printReport(cmd.OutOrStdout(), report)
				}
			}
		},
	}
}

func printReport(w io.Writer, report deadlock.Report) {
	source := report.Instance
	if source == "" {
		source = "local"
	}
	if !report.HasCycles() {
		fmt.Fprintf(w, "%s [%s] no deadlocks, %d waiting\n",
			report.DetectedAt.Format("2006-01-02 15:04:05"), source, len(report.Waits))
		return
	}
	fmt.Fprintf(w, "%s [%s] %d deadlock(s)\n",
		report.DetectedAt.Format("2006-01-02 15:04:05"), source, len(report.Cycles))
	for _, cycle := range report.Cycles {
		fmt.Fprintf(w, "  %s -> %s\n", strings.Join(cycle, " -> "), cycle[0])
	}
}
