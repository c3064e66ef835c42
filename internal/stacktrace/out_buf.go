package stacktrace

import (
	"encoding/binary"

	"github.com/DataExMachina-dev/stackwalk-go/internal/framing"
)

// outBuf is a bounded output buffer. Once a write does not fit the buffer is
// marked full and every later write fails.
type outBuf struct {
	out    []byte
	isFull bool
}

func makeOutBuf(size uint32) outBuf {
	return outBuf{
		out:    make([]byte, 0, size),
		isFull: false,
	}
}

// Len return the length of the outBuf in bytes.
func (o *outBuf) Len() uint32 {
	return uint32(len(o.out))
}

func (o *outBuf) data() []byte {
	return o.out
}

func (o *outBuf) full() bool {
	return o.isFull
}

func (o *outBuf) truncate(offset uint32) {
	o.out = o.out[:offset]
}

// extend grows the buffer by n zeroed bytes and returns the offset of the
// first one.
func (o *outBuf) extend(n int) (uint32, bool) {
	if o.isFull {
		return 0, false
	}
	offset := len(o.out)
	newLen := offset + n
	if newLen > cap(o.out) {
		o.isFull = true
		return 0, false
	}
	o.out = o.out[:newLen]
	clear(o.out[offset:])
	return uint32(offset), true
}

// writeTraceHeader reserves room for the trace header, to be filled in with
// putTraceHeader once the buffer is complete.
func (o *outBuf) writeTraceHeader() (uint32, bool) {
	return o.extend(framing.TraceHeaderSize)
}

func (o *outBuf) putTraceHeader(offset uint32, h *framing.TraceHeader) {
	h.Put(o.out[offset:])
}

// writeThreadHeader extends the outBuf to include a new thread header. If
// there is not enough room, false is returned.
func (o *outBuf) writeThreadHeader() (uint32, bool) {
	return o.extend(framing.ThreadHeaderSize)
}

func (o *outBuf) putThreadHeader(offset uint32, h *framing.ThreadHeader) {
	h.Put(o.out[offset:])
}

func (o *outBuf) writeStack(stack []uint64) (uint32, bool) {
	byteLen := len(stack) * 8
	offset, ok := o.extend(byteLen)
	if !ok {
		return 0, false
	}
	for i, pc := range stack {
		binary.LittleEndian.PutUint64(o.out[int(offset)+i*8:], pc)
	}
	return uint32(byteLen), true
}
