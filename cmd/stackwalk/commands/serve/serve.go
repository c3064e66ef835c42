package serve

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/DataExMachina-dev/stackwalk-go/internal/server"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "serve [flags] DIR",
		Short:                 "Serve walks of the dumps stored in DIR over gRPC",
		Args:                  cobra.ExactArgs(1),
		RunE:                  action,
		DisableFlagsInUseLine: true,
	}
	flags := cmd.Flags()
	flags.String("listen", "localhost:7077", "Address to listen on")
	flags.Int("cache", 16, "Number of parsed dumps kept in memory")
	flags.String("fingerprint", "", "Server fingerprint (default: random)")
	return cmd
}

func action(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	listen, err := flags.GetString("listen")
	if err != nil {
		return err
	}
	capacity, err := flags.GetInt("cache")
	if err != nil {
		return err
	}
	if capacity <= 0 {
		return fmt.Errorf("--cache must be positive, got %d", capacity)
	}
	fp, err := flags.GetString("fingerprint")
	if err != nil {
		return err
	}
	fingerprint := uuid.New()
	if fp != "" {
		if fingerprint, err = uuid.Parse(fp); err != nil {
			return fmt.Errorf("invalid fingerprint: %w", err)
		}
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	g := grpc.NewServer()
	server.NewServer(fingerprint, server.NewDirFetcher(args[0], capacity), slog.Default()).Register(g)
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	slog.InfoContext(ctx, "serving", "addr", lis.Addr().String(), "dir", args[0], "fingerprint", fingerprint)
	return g.Serve(lis)
}
