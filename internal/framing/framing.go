// Package framing contains type definitions for the framing protocol of a
// captured stack trace buffer. All records are little-endian and 8-byte
// aligned.
//
// A buffer is a TraceHeader followed by one ThreadHeader per captured thread.
// Each ThreadHeader is followed by StackBytes bytes of control PCs, one word
// of 8 bytes each in leaf to root order. A thread whose stack hash equals the
// hash of a stack written earlier in the buffer has StackBytes of 0.
package framing

import (
	"encoding/binary"
	"fmt"
)

type TraceHeader struct {
	DataByteLen    uint32
	ThreadsByteLen uint32
	Statistics     Statistics
	Arch           [8]byte
}

const TraceHeaderSize = 8 + StatisticsSize + 8

type Statistics struct {
	WalkDurationNs   uint64
	TotalDurationNs  uint64
	NumThreads       uint32
	FailedThreads    uint32
	TruncatedThreads uint32
	UniqueStacks     uint32
}

const StatisticsSize = 32

// Thread flags.
const (
	ThreadFailed    uint32 = 1 << 0
	ThreadTruncated uint32 = 1 << 1
	// ThreadUnwoundReversePInvoke is set when the walk ended by leaving
	// managed code through a reverse P/Invoke frame.
	ThreadUnwoundReversePInvoke uint32 = 1 << 2
)

type ThreadHeader struct {
	Tid        uint64
	StackHash  uint64
	NumFrames  uint32
	Flags      uint32
	StackBytes uint32
	_          uint32
}

const ThreadHeaderSize = 32

var le = binary.LittleEndian

// Put writes h into b, which must hold TraceHeaderSize bytes.
func (h *TraceHeader) Put(b []byte) {
	le.PutUint32(b[0:], h.DataByteLen)
	le.PutUint32(b[4:], h.ThreadsByteLen)
	h.Statistics.put(b[8:])
	copy(b[8+StatisticsSize:], h.Arch[:])
}

// ReadTraceHeader decodes a TraceHeader from the start of b.
func ReadTraceHeader(b []byte) (TraceHeader, error) {
	if len(b) < TraceHeaderSize {
		return TraceHeader{}, fmt.Errorf("trace header: have %d bytes, need %d", len(b), TraceHeaderSize)
	}
	var h TraceHeader
	h.DataByteLen = le.Uint32(b[0:])
	h.ThreadsByteLen = le.Uint32(b[4:])
	h.Statistics = readStatistics(b[8:])
	copy(h.Arch[:], b[8+StatisticsSize:])
	return h, nil
}

func (s *Statistics) put(b []byte) {
	le.PutUint64(b[0:], s.WalkDurationNs)
	le.PutUint64(b[8:], s.TotalDurationNs)
	le.PutUint32(b[16:], s.NumThreads)
	le.PutUint32(b[20:], s.FailedThreads)
	le.PutUint32(b[24:], s.TruncatedThreads)
	le.PutUint32(b[28:], s.UniqueStacks)
}

func readStatistics(b []byte) Statistics {
	return Statistics{
		WalkDurationNs:   le.Uint64(b[0:]),
		TotalDurationNs:  le.Uint64(b[8:]),
		NumThreads:       le.Uint32(b[16:]),
		FailedThreads:    le.Uint32(b[20:]),
		TruncatedThreads: le.Uint32(b[24:]),
		UniqueStacks:     le.Uint32(b[28:]),
	}
}

// Put writes h into b, which must hold ThreadHeaderSize bytes.
func (h *ThreadHeader) Put(b []byte) {
	le.PutUint64(b[0:], h.Tid)
	le.PutUint64(b[8:], h.StackHash)
	le.PutUint32(b[16:], h.NumFrames)
	le.PutUint32(b[20:], h.Flags)
	le.PutUint32(b[24:], h.StackBytes)
	le.PutUint32(b[28:], 0)
}

// ReadThreadHeader decodes a ThreadHeader from the start of b.
func ReadThreadHeader(b []byte) (ThreadHeader, error) {
	if len(b) < ThreadHeaderSize {
		return ThreadHeader{}, fmt.Errorf("thread header: have %d bytes, need %d", len(b), ThreadHeaderSize)
	}
	return ThreadHeader{
		Tid:        le.Uint64(b[0:]),
		StackHash:  le.Uint64(b[8:]),
		NumFrames:  le.Uint32(b[16:]),
		Flags:      le.Uint32(b[20:]),
		StackBytes: le.Uint32(b[24:]),
	}, nil
}
