package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/cliutil"
	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/commands/export"
	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/commands/remote"
	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/commands/serve"
	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/commands/walk"
)

var logLevel = new(slog.LevelVar)

func main() {
	logHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(logHandler))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("exiting with an error", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stackwalk",
		Short:         "Walk the stacks of managed threads in a dump or a live process",
		Example:       walk.Example(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.Bool("debug", cliutil.EnvBool("STACKWALK_DEBUG", false), "debug mode [$STACKWALK_DEBUG]")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			logLevel.Set(slog.LevelDebug)
		}
		return nil
	}

	cmd.AddCommand(
		walk.New(),
		export.New(),
		serve.New(),
		remote.New(),
	)
	return cmd
}
