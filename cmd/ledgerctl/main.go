package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/ledger/internal/config"
	"example.com/ledger/internal/logging"
)

const programName = "ledgerctl"

var globalFlags = struct {
	debug bool
}{}

type ctxKey struct{}

type runtime struct {
	cfg config.Config
	log *logging.Logger
}

func fromContext(ctx context.Context) *runtime {
	rt, _ := ctx.Value(ctxKey{}).(*runtime)
	return rt
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Operate the vote ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		mode := "production"
		if globalFlags.debug {
			mode = "development"
		}
		log, err := logging.New(mode)
		if err != nil {
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, &runtime{cfg: cfg, log: log}))
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if rt := fromContext(cmd.Context()); rt != nil {
			rt.log.Sync()
		}
	}

	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(voteCommand())
	rootCmd.AddCommand(streakCommand())
	rootCmd.AddCommand(dlqCommand())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
