package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/ledger/internal/app"
	"example.com/ledger/internal/outbox"
)

const defaultDLQBatchSize = 50

func dlqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the outbox dead-letter queue",
	}
	cmd.AddCommand(dlqRunCommand())
	return cmd
}

func dlqRunCommand() *cobra.Command {
	var (
		watch     bool
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Requeue due DLQ entries, quarantining those out of retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromContext(cmd.Context())
			pool, err := app.OpenPool(cmd.Context(), rt.cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			manager := outbox.NewDLQManager(pool, rt.cfg.DLQMaxRetries, rt.cfg.DLQBaseDelay, rt.log.With("component", "dlq"))
			if watch {
				rt.log.Info("dlq manager started", "interval", rt.cfg.DLQPollInterval, "max_retries", rt.cfg.DLQMaxRetries)
				return manager.Run(cmd.Context(), rt.cfg.DLQPollInterval, batchSize)
			}

			processed, err := manager.RunOnce(cmd.Context(), batchSize)
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d entries\n", processed)
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling until interrupted")
	cmd.Flags().IntVar(&batchSize, "batch", defaultDLQBatchSize, "entries per pass")
	return cmd
}
