package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/DataExMachina-dev/stackwalk-go/internal/gcscan"
	"github.com/DataExMachina-dev/stackwalk-go/internal/report"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

// Server walks the stacks of stored dumps on behalf of remote clients.
type Server struct {
	fingerprint uuid.UUID
	fetcher     DumpFetcher
	logger      *slog.Logger
	hash        binaryHashOnce
	now         func() time.Time
}

type binaryHashOnce struct {
	sync.Once
	hash string
	err  error
}

// NewServer constructs a new Server object.
func NewServer(fingerprint uuid.UUID, fetcher DumpFetcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		fingerprint: fingerprint,
		fetcher:     fetcher,
		logger:      logger,
		now:         time.Now,
	}
}

// Register installs the inspector service on g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&inspectorServiceDesc, s)
}

// Info returns the server's fingerprint and the hash of its binary, joined
// by a colon.
func (s *Server) Info(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	hash, err := s.getBinaryHash()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get binary hash: %v", err)
	}
	return wrapperspb.String(s.fingerprint.String() + ":" + hash), nil
}

// Walk loads the requested dump, walks all of its threads, and returns the
// encoded report.
func (s *Server) Walk(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := unmarshalWalkRequest(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	m, err := s.fetcher.FetchDump(ctx, req.Key)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Errorf(codes.Internal, "failed to fetch dump: %v", err)
	}
	// Loading is repeated per request: walks mutate thread and exception
	// record state.
	tgt, err := m.Load(nil,
		stackwalk.WithInspectionMode(),
		stackwalk.WithLogger(s.logger.With(slog.String("dump", req.Key))))
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "failed to load dump %q: %v", req.Key, err)
	}
	fingerprint, err := tgt.Image.Fingerprint()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to fingerprint dump: %v", err)
	}

	r, err := report.Walk(ctx, tgt.Runtime, tgt.StackThreads(), req.Kind, fingerprint, report.WalkOptions{
		Logger: s.logger,
		Now:    s.now,
	})
	if err != nil {
		return nil, walkError(err)
	}
	data, err := r.Marshal()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode report: %v", err)
	}
	s.logger.Debug("walked dump",
		slog.String("dump", req.Key),
		slog.String("kind", req.Kind.String()),
		slog.Int("threads", len(r.Threads)))
	return wrapperspb.Bytes(data), nil
}

func walkError(err error) error {
	var fatal *stackwalk.FatalError
	switch {
	case errors.Is(err, report.ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &fatal):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, gcscan.ErrNoTermination):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) getBinaryHash() (string, error) {
	s.hash.Do(func() {
		exe, err := os.Executable()
		if err != nil {
			s.hash.err = fmt.Errorf("failed to get executable path: %w", err)
			return
		}
		s.hash.hash, s.hash.err = hashFile(exe)
	})
	return s.hash.hash, s.hash.err
}

var hashKey = [32]byte{}

// hashFile returns the hex encoded 64-bit highwayhash of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := highwayhash.New64(hashKey[:])
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
