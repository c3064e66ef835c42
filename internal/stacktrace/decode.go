package stacktrace

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/internal/framing"
)

// ThreadTrace is the decoded stack trace of one thread.
type ThreadTrace struct {
	Tid       uint64
	StackHash uint64
	Flags     uint32
	// PCs are the control PCs in leaf to root order. Threads sharing a stack
	// share the slice.
	PCs []uint64
}

func (t *ThreadTrace) Failed() bool    { return t.Flags&framing.ThreadFailed != 0 }
func (t *ThreadTrace) Truncated() bool { return t.Flags&framing.ThreadTruncated != 0 }

func (t *ThreadTrace) UnwoundReversePInvoke() bool {
	return t.Flags&framing.ThreadUnwoundReversePInvoke != 0
}

// Decoded is a parsed trace buffer.
type Decoded struct {
	Arch       string
	Statistics framing.Statistics
	Threads    []ThreadTrace
}

// Decode parses a buffer produced by Capture.
func Decode(data []byte) (*Decoded, error) {
	h, err := framing.ReadTraceHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.DataByteLen) != len(data) {
		return nil, fmt.Errorf("trace header claims %d bytes, buffer has %d", h.DataByteLen, len(data))
	}
	if h.ThreadsByteLen != h.DataByteLen-framing.TraceHeaderSize {
		return nil, fmt.Errorf("trace header claims %d bytes of threads in %d bytes", h.ThreadsByteLen, h.DataByteLen)
	}
	d := &Decoded{
		Arch:       string(bytes.TrimRight(h.Arch[:], "\x00")),
		Statistics: h.Statistics,
	}
	stacks := make(map[uint64][]uint64)
	rest := data[framing.TraceHeaderSize:]
	for len(rest) > 0 {
		th, err := framing.ReadThreadHeader(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[framing.ThreadHeaderSize:]
		if th.StackBytes > uint32(len(rest)) {
			return nil, fmt.Errorf("thread %d: stack of %d bytes overruns the buffer", th.Tid, th.StackBytes)
		}
		tt := ThreadTrace{Tid: th.Tid, StackHash: th.StackHash, Flags: th.Flags}
		switch {
		case th.StackBytes != 0:
			if th.StackBytes != th.NumFrames*8 {
				return nil, fmt.Errorf("thread %d: %d frames in %d stack bytes", th.Tid, th.NumFrames, th.StackBytes)
			}
			tt.PCs = make([]uint64, th.NumFrames)
			for i := range tt.PCs {
				tt.PCs[i] = binary.LittleEndian.Uint64(rest[i*8:])
			}
			rest = rest[th.StackBytes:]
			stacks[th.StackHash] = tt.PCs
		case th.NumFrames != 0:
			pcs, ok := stacks[th.StackHash]
			if !ok {
				return nil, fmt.Errorf("thread %d: stack %#x was not written earlier", th.Tid, th.StackHash)
			}
			tt.PCs = pcs
		}
		d.Threads = append(d.Threads, tt)
	}
	if len(d.Threads) != int(h.Statistics.NumThreads) {
		return nil, fmt.Errorf("trace header claims %d threads, buffer has %d", h.Statistics.NumThreads, len(d.Threads))
	}
	return d, nil
}
