// Package gcscan enumerates the stack roots of parked threads the way a
// garbage collector does: one walk per thread with GC flags, run
// concurrently across threads.
package gcscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

// ErrNoTermination is returned when a walk yields more frames than allowed.
var ErrNoTermination = errors.New("stack walk did not terminate")

const (
	defaultConcurrency = 8
	defaultMaxFrames   = 1 << 14
)

// Options configure a scan.
type Options struct {
	// Concurrency bounds the number of threads walked at once.
	Concurrency int
	// MaxFrames bounds the frames of a single thread.
	MaxFrames int
	Logger    *slog.Logger
}

// Frame is one frame reported to the collector.
type Frame struct {
	Method       string
	PC           uint64
	Offset       uint32
	SP           uint64
	FramePointer uint64
	// Collided is set on the frame reached through an exception record.
	Collided bool
	// Lower and Upper delimit the range of stack to scan conservatively, if
	// Upper is non-zero.
	Lower, Upper uint64
	// ReturnValueLoc is the location of a GC reference returned by a
	// hijacked callee, if non-zero.
	ReturnValueLoc  uint64
	ReturnValueKind stackwalk.GCRefKind
}

// ThreadRoots are the frames of one thread.
type ThreadRoots struct {
	Tid    uint64
	Frames []Frame
	// UnwoundReversePInvoke is set when the walk ended by leaving managed
	// code through a reverse P/Invoke frame rather than at an empty stack.
	UnwoundReversePInvoke bool
}

// ScanThreads walks every thread from the transition frame it is parked at.
// The results are in the order of threads. The first failing walk cancels the
// remaining ones and its error is returned.
func ScanThreads(
	ctx context.Context, rt *stackwalk.Runtime, threads []stackwalk.Thread, opts Options,
) ([]ThreadRoots, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = defaultMaxFrames
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	results := make([]ThreadRoots, len(threads))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, th := range threads {
		i, th := i, th
		g.Go(func() error {
			roots, err := scanThread(ctx, rt, th, opts.MaxFrames)
			if err != nil {
				return fmt.Errorf("thread %d: %w", th.ID(), err)
			}
			opts.Logger.Debug("scanned thread",
				slog.Uint64("thread", th.ID()),
				slog.Int("frames", len(roots.Frames)))
			results[i] = roots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func scanThread(ctx context.Context, rt *stackwalk.Runtime, th stackwalk.Thread, maxFrames int) (ThreadRoots, error) {
	roots := ThreadRoots{Tid: th.ID()}
	it, err := rt.NewFromTransitionFrame(th, th.TransitionFrame())
	if err != nil {
		return roots, err
	}
	collapsing := it.Flags()&stackwalk.CollapseFunclets != 0
	framePointers := make(map[uint64]int)
	for it.IsValid() {
		if err := ctx.Err(); err != nil {
			return roots, err
		}
		if len(roots.Frames) == maxFrames {
			return roots, fmt.Errorf("%w after %d frames", ErrNoTermination, maxFrames)
		}
		f, err := makeFrame(it)
		if err != nil {
			return roots, err
		}
		if collapsing && f.FramePointer != 0 {
			if j, ok := framePointers[f.FramePointer]; ok {
				return roots, fmt.Errorf("frames %d and %d share frame pointer %#x",
					j, len(roots.Frames), f.FramePointer)
			}
			framePointers[f.FramePointer] = len(roots.Frames)
		}
		roots.Frames = append(roots.Frames, f)
		if err := it.Next(); err != nil {
			return roots, err
		}
	}
	roots.UnwoundReversePInvoke = it.UnwoundReversePInvoke()
	return roots, nil
}

func makeFrame(it *stackwalk.Iterator) (Frame, error) {
	m, err := it.Method()
	if err != nil {
		return Frame{}, err
	}
	off, err := it.CodeOffset()
	if err != nil {
		return Frame{}, err
	}
	fp, err := it.FramePointer()
	if err != nil {
		return Frame{}, err
	}
	f := Frame{
		Method:       m.Name(),
		PC:           it.ControlPC(),
		Offset:       off,
		SP:           it.RegisterSet().SP(),
		FramePointer: fp,
	}
	_, f.Collided = it.ExCollision()
	if it.HasConservativeRange() {
		f.Lower, f.Upper = it.ConservativeRange()
		if f.Upper <= f.Lower {
			return Frame{}, fmt.Errorf("%s+%#x: empty conservative range [%#x, %#x)",
				f.Method, f.Offset, f.Lower, f.Upper)
		}
	}
	if loc, kind, ok := it.HijackedReturnValueLocation(); ok {
		f.ReturnValueLoc, f.ReturnValueKind = loc, kind
	}
	return f, nil
}
