package walk

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/cliutil"
	"github.com/DataExMachina-dev/stackwalk-go/internal/dump"
	"github.com/DataExMachina-dev/stackwalk-go/internal/report"
)

func Example() string {
	return `  # Print the GC roots of every thread in a dump
  stackwalk walk dump.yaml

  # Print stack traces, reading memory from a live process
  stackwalk walk --mode=trace --pid=1234 dump.yaml

  # Walk from each thread's saved context the way exception dispatch does
  stackwalk walk --mode=eh dump.yaml`
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "walk [flags] DUMP",
		Short:                 "Walk the threads of a dump and print their frames",
		Example:               Example(),
		Args:                  cobra.ExactArgs(1),
		RunE:                  action,
		DisableFlagsInUseLine: true,
	}
	flags := cmd.Flags()
	flags.String("mode", "gc", "Walk mode: gc, trace, or eh")
	cliutil.AddLoadFlags(flags)
	return cmd
}

func action(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	mode, err := flags.GetString("mode")
	if err != nil {
		return err
	}
	tgt, err := cliutil.Load(flags, args[0])
	if err != nil {
		return err
	}
	if mode == "eh" {
		return walkEH(cmd.OutOrStdout(), tgt)
	}
	kind, err := report.ParseKind(mode)
	if err != nil {
		return err
	}
	fingerprint, err := cliutil.Fingerprint(tgt)
	if err != nil {
		return err
	}
	r, err := report.Walk(ctx, tgt.Runtime, tgt.StackThreads(), kind, fingerprint, report.WalkOptions{
		Logger: slog.Default(),
	})
	if err != nil {
		return err
	}
	return r.WriteText(cmd.OutOrStdout())
}

// walkEH walks every thread that has a saved context with exception
// handling flags. Threads without one are skipped.
func walkEH(w io.Writer, tgt *dump.Target) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, th := range tgt.Threads {
		if th.Context() == 0 {
			slog.Debug("skipping thread without a context", "thread", th.ID())
			continue
		}
		it, err := tgt.Runtime.NewForEH(th, th.Context())
		if err != nil {
			return fmt.Errorf("thread %d: %w", th.ID(), err)
		}
		fmt.Fprintf(tw, "thread %d:\n", th.ID())
		for i := 0; it.IsValid(); i++ {
			m, err := it.Method()
			if err != nil {
				return fmt.Errorf("thread %d: %w", th.ID(), err)
			}
			off, err := it.CodeOffset()
			if err != nil {
				return fmt.Errorf("thread %d: %w", th.ID(), err)
			}
			fp, err := it.FramePointer()
			if err != nil {
				return fmt.Errorf("thread %d: %w", th.ID(), err)
			}
			regs := it.RegisterSet()
			fmt.Fprintf(tw, "  #%d\t%#x\t%s+%#x\tfp=%#x\n", i, regs.SP(), m.Name(), off, fp)
			if err := it.Next(); err != nil {
				return fmt.Errorf("thread %d: %w", th.ID(), err)
			}
		}
	}
	return tw.Flush()
}
