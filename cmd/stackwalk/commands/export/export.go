package export

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/cliutil"
	"github.com/DataExMachina-dev/stackwalk-go/internal/report"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [flags] DUMP",
		Short: "Walk the threads of a dump and write a protobuf report",
		Example: `  # Write the GC roots of a dump
  stackwalk export -o roots.pb dump.yaml`,
		Args:                  cobra.ExactArgs(1),
		RunE:                  action,
		DisableFlagsInUseLine: true,
	}
	flags := cmd.Flags()
	flags.StringP("output", "o", "-", "Output file, - for stdout")
	cliutil.AddModeFlag(flags)
	cliutil.AddLoadFlags(flags)
	return cmd
}

func action(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	kind, err := cliutil.Kind(flags)
	if err != nil {
		return err
	}
	output, err := flags.GetString("output")
	if err != nil {
		return err
	}
	tgt, err := cliutil.Load(flags, args[0])
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
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	var w io.Writer = cmd.OutOrStdout()
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	slog.DebugContext(ctx, "wrote report", "id", r.ID, "bytes", len(data))
	return nil
}
