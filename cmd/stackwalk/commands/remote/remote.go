package remote

import (
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/DataExMachina-dev/stackwalk-go/cmd/stackwalk/cliutil"
	"github.com/DataExMachina-dev/stackwalk-go/internal/server"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote [flags] ADDR [KEY]",
		Short: "Ask a stackwalk server to walk one of its dumps",
		Example: `  # Print the server's fingerprint
  stackwalk remote localhost:7077

  # Print stack traces of the dump stored as crash-42.yaml
  stackwalk remote --mode=trace localhost:7077 crash-42`,
		Args:                  cobra.RangeArgs(1, 2),
		RunE:                  action,
		DisableFlagsInUseLine: true,
	}
	cliutil.AddModeFlag(cmd.Flags())
	return cmd
}

func action(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind, err := cliutil.Kind(cmd.Flags())
	if err != nil {
		return err
	}
	conn, err := grpc.DialContext(ctx, args[0], grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	c := server.NewClient(conn)
	if len(args) == 1 {
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), info)
		return err
	}
	r, err := c.Walk(ctx, args[1], kind)
	if err != nil {
		return err
	}
	return r.WriteText(cmd.OutOrStdout())
}
