// Package stacktrace captures the managed stack traces of a set of threads
// into a compact binary buffer laid out by the framing package.
package stacktrace

import (
	"errors"
	"fmt"
	"time"

	"github.com/DataExMachina-dev/stackwalk-go/internal/fifo"
	"github.com/DataExMachina-dev/stackwalk-go/internal/framing"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

const (
	defaultMaxFrames = 512
	defaultBufSize   = 1 << 20
)

// Options bound a capture.
type Options struct {
	// MaxFrames is the number of frames recorded per thread. Deeper stacks
	// are truncated. Defaults to 512.
	MaxFrames int
	// BufSize is the capacity of the output buffer. Threads that do not fit
	// are dropped. Defaults to 1MiB.
	BufSize uint32
}

// Trace is the result of a capture.
type Trace struct {
	Data      []byte
	Timestamp time.Time
}

// Capture walks every thread with stack trace flags and records the control
// PC of each yielded frame. A thread listed more than once is captured once.
//
// A walk that fails is recorded with the frames yielded before the failure
// and the ThreadFailed flag. Capture itself only fails when the buffer cannot
// hold the trace header.
func Capture(rt *stackwalk.Runtime, threads []stackwalk.Thread, opts Options) (*Trace, error) {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = defaultMaxFrames
	}
	if opts.BufSize == 0 {
		opts.BufSize = defaultBufSize
	}
	c := newCapturer(rt, opts)
	for _, th := range threads {
		c.enqueue(th)
	}

	start := time.Now()
	headerOffset, ok := c.out.writeTraceHeader()
	if !ok {
		return nil, fmt.Errorf("failed to write trace header: buffer of %d bytes is too small", opts.BufSize)
	}
	var header framing.TraceHeader
	copy(header.Arch[:], rt.Arch().Name)
	for {
		th, ok := c.pending.PopFront()
		if !ok || c.out.full() {
			break
		}
		before := c.out.Len()
		c.captureThread(&header.Statistics, th)
		if c.out.full() {
			c.out.truncate(before)
		}
	}
	header.Statistics.WalkDurationNs = uint64(time.Since(start).Nanoseconds())
	header.Statistics.UniqueStacks = uint32(len(c.stacks))
	header.ThreadsByteLen = c.out.Len() - headerOffset - framing.TraceHeaderSize
	header.DataByteLen = c.out.Len()
	header.Statistics.TotalDurationNs = uint64(time.Since(start).Nanoseconds())
	c.out.putTraceHeader(headerOffset, &header)
	return &Trace{
		Data:      c.out.data(),
		Timestamp: start,
	}, nil
}

type capturer struct {
	rt      *stackwalk.Runtime
	opts    Options
	out     outBuf
	pending fifo.Queue[stackwalk.Thread]
	seen    map[uint64]struct{}
	stacks  map[uint64]struct{}
	pcs     []uint64
}

func newCapturer(rt *stackwalk.Runtime, opts Options) *capturer {
	return &capturer{
		rt:      rt,
		opts:    opts,
		out:     makeOutBuf(opts.BufSize),
		pending: fifo.MakeQueue[stackwalk.Thread](64),
		seen:    make(map[uint64]struct{}),
		stacks:  make(map[uint64]struct{}, 512 /* arbitrary */),
		pcs:     make([]uint64, 0, opts.MaxFrames),
	}
}

func (c *capturer) enqueue(th stackwalk.Thread) {
	if _, ok := c.seen[th.ID()]; ok {
		return
	}
	c.seen[th.ID()] = struct{}{}
	c.pending.PushBack(th)
}

func (c *capturer) captureThread(stats *framing.Statistics, th stackwalk.Thread) {
	flags, err := c.walk(th)
	if err != nil {
		flags |= framing.ThreadFailed
	}
	headerOffset, ok := c.out.writeThreadHeader()
	if !ok {
		return
	}
	stackHash := murmur2(c.pcs, 0 /* seed */)
	var stackBytes uint32
	if _, haveStack := c.stacks[stackHash]; !haveStack && len(c.pcs) > 0 {
		stackBytes, ok = c.out.writeStack(c.pcs)
		if !ok {
			return
		}
		c.stacks[stackHash] = struct{}{}
	}
	c.out.putThreadHeader(headerOffset, &framing.ThreadHeader{
		Tid:        th.ID(),
		StackHash:  stackHash,
		NumFrames:  uint32(len(c.pcs)),
		Flags:      flags,
		StackBytes: stackBytes,
	})
	stats.NumThreads++
	if flags&framing.ThreadFailed != 0 {
		stats.FailedThreads++
	}
	if flags&framing.ThreadTruncated != 0 {
		stats.TruncatedThreads++
	}
}

// walk collects the control PCs of th into c.pcs.
func (c *capturer) walk(th stackwalk.Thread) (flags uint32, _ error) {
	c.pcs = c.pcs[:0]
	it, err := c.rt.NewForStackTrace(th)
	if err != nil {
		return 0, err
	}
	for it.IsValid() {
		if len(c.pcs) == c.opts.MaxFrames {
			return framing.ThreadTruncated, nil
		}
		c.pcs = append(c.pcs, it.ControlPC())
		if err := it.Next(); err != nil && !errors.Is(err, stackwalk.ErrExhausted) {
			return 0, err
		}
	}
	if it.UnwoundReversePInvoke() {
		flags |= framing.ThreadUnwoundReversePInvoke
	}
	return flags, nil
}

// murmur2 hashes a stack of program counters. The programs counters should
// correspond to the stack frames in leaf to root order, and the seed should be
// 0 for hashes to be comparable across captures.
//
// murmurhash2 from
// https://github.com/aappleby/smhasher/blob/92cf3702fcfaadc84eb7bef59825a23e0cd84f56/src/MurmurHash2.cpp
func murmur2(stack []uint64, seed uint64) uint64 {
	const m = uint64(0xc6a4a7935bd1e995)
	const r = 47
	hash := seed ^ (uint64(len(stack)) * m)
	for i := 0; i < len(stack); i++ {
		k := stack[i]
		k *= m
		k ^= k >> r
		k *= m

		hash ^= k
		hash *= m
	}
	return hash
}
