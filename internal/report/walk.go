package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DataExMachina-dev/stackwalk-go/internal/gcscan"
	"github.com/DataExMachina-dev/stackwalk-go/internal/stacktrace"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

// ErrUnknownKind is returned for a walk kind that is neither a stack trace
// nor a GC scan.
var ErrUnknownKind = errors.New("unknown walk kind")

// ParseKind parses the output of Kind.String. "trace" is accepted for stack
// traces.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "stack-trace", "trace":
		return KindStackTrace, nil
	case "gc":
		return KindGC, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownKind, s)
	}
}

// WalkOptions configure Walk.
type WalkOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
	Trace  stacktrace.Options
	Scan   gcscan.Options
}

// Walk walks threads in the manner kind names and builds the report.
func Walk(
	ctx context.Context,
	rt *stackwalk.Runtime,
	threads []stackwalk.Thread,
	kind Kind,
	fingerprint uint64,
	opts WalkOptions,
) (*Report, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	switch kind {
	case KindStackTrace:
		tr, err := stacktrace.Capture(rt, threads, opts.Trace)
		if err != nil {
			return nil, err
		}
		return FromTrace(rt, tr, fingerprint)
	case KindGC:
		if opts.Scan.Logger == nil {
			opts.Scan.Logger = opts.Logger
		}
		ts := opts.Now()
		roots, err := gcscan.ScanThreads(ctx, rt, threads, opts.Scan)
		if err != nil {
			return nil, err
		}
		return FromScan(rt, roots, ts, fingerprint)
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownKind, kind)
	}
}
