package stacktrace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/codemanager"
	"github.com/DataExMachina-dev/stackwalk-go/internal/framing"
	"github.com/DataExMachina-dev/stackwalk-go/internal/walktest"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

type fixture struct {
	b          *walktest.Builder
	main       uint64
	callee     uint64
	rec        uint64
	bad        uint64
	calleeTF   uint64
	deepTF     uint64
	badTF      uint64
	deepFrames int
}

func rootInfo() codemanager.UnwindInfo {
	return codemanager.UnwindInfo{
		FrameSize:            0x20,
		ReversePInvoke:       true,
		ReversePInvokeOffset: 0x10,
	}
}

// newFixture lays out three stacks: Main calling Callee, Main reached through
// a chain of eight recursive calls, and a frame whose return address is
// garbage.
func newFixture(t *testing.T) *fixture {
	b := walktest.New(t, walktest.MustArch(t, "amd64"))
	f := &fixture{b: b}
	f.main = b.Method("Main", 0x40, rootInfo())
	f.callee = b.Method("Callee", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})
	f.rec = b.Method("Rec", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})
	f.bad = b.Method("Bad", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})

	mainSP := uint64(walktest.StackHi - 0x100)
	b.PutWord(mainSP+0x10, stackwalk.TopOfStack)
	b.PutWord(mainSP-8, f.main+0x15)
	f.calleeTF = walktest.StackLo + 0x1000
	b.PutTransitionFrame(f.calleeTF, walktest.TransitionFrame{
		IP:   f.callee + 0x8,
		Regs: map[arch.Reg]uint64{arch.RSP: mainSP - 0x18},
	})

	const depth = 8
	deepMainSP := uint64(walktest.StackHi - 0x1000)
	b.PutWord(deepMainSP+0x10, stackwalk.TopOfStack)
	sp := deepMainSP
	ret := f.main + 0x21
	for i := 0; i < depth; i++ {
		b.PutWord(sp-8, ret)
		sp -= 0x18
		ret = f.rec + 0xc
	}
	f.deepTF = walktest.StackLo + 0x1100
	b.PutTransitionFrame(f.deepTF, walktest.TransitionFrame{
		IP:   f.rec + 0x4,
		Regs: map[arch.Reg]uint64{arch.RSP: sp},
	})
	f.deepFrames = depth + 1

	badSP := uint64(walktest.StackHi - 0x2000)
	b.PutWord(badSP+0x10, 0x1234)
	f.badTF = walktest.StackLo + 0x1200
	b.PutTransitionFrame(f.badTF, walktest.TransitionFrame{
		IP:   f.bad + 0x4,
		Regs: map[arch.Reg]uint64{arch.RSP: badSP},
	})
	return f
}

func thread(tid, tf uint64) *walktest.Thread {
	return &walktest.Thread{Tid: tid, TraceFrame: tf}
}

func TestCapture(t *testing.T) {
	f := newFixture(t)
	rt, _ := f.b.Build(stackwalk.WithInspectionMode())

	tr, err := Capture(rt, []stackwalk.Thread{
		thread(1, f.calleeTF),
		thread(2, f.calleeTF),
		thread(1, f.deepTF),
		thread(3, stackwalk.TopOfStack),
		thread(4, f.badTF),
		thread(5, f.deepTF),
	}, Options{MaxFrames: 6})
	require.NoError(t, err)

	d, err := Decode(tr.Data)
	require.NoError(t, err)
	require.Equal(t, "amd64", d.Arch)
	require.Equal(t, uint32(5), d.Statistics.NumThreads)
	require.Equal(t, uint32(1), d.Statistics.FailedThreads)
	require.Equal(t, uint32(1), d.Statistics.TruncatedThreads)
	require.Equal(t, uint32(3), d.Statistics.UniqueStacks)

	var tids []uint64
	for _, th := range d.Threads {
		tids = append(tids, th.Tid)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, tids)

	calleeStack := []uint64{f.callee + 0x8, f.main + 0x15}
	require.Equal(t, calleeStack, d.Threads[0].PCs)
	require.Equal(t, calleeStack, d.Threads[1].PCs)
	require.Equal(t, d.Threads[0].StackHash, d.Threads[1].StackHash)
	require.Equal(t, framing.ThreadUnwoundReversePInvoke, d.Threads[0].Flags)

	require.Empty(t, d.Threads[2].PCs)
	require.False(t, d.Threads[2].Failed())

	require.True(t, d.Threads[3].Failed())
	require.Equal(t, []uint64{f.bad + 0x4}, d.Threads[3].PCs)

	require.True(t, d.Threads[4].Truncated())
	require.Len(t, d.Threads[4].PCs, 6)
	require.Equal(t, f.rec+0x4, d.Threads[4].PCs[0])
	for _, pc := range d.Threads[4].PCs[1:] {
		require.Equal(t, f.rec+0xc, pc)
	}
}

func TestCaptureBufferFull(t *testing.T) {
	f := newFixture(t)
	rt, _ := f.b.Build(stackwalk.WithInspectionMode())
	threads := []stackwalk.Thread{
		thread(1, f.calleeTF),
		thread(2, f.deepTF),
	}

	_, err := Capture(rt, threads, Options{BufSize: framing.TraceHeaderSize - 1})
	require.ErrorContains(t, err, "too small")

	// Room for the first thread only: the second is dropped whole.
	size := uint32(framing.TraceHeaderSize + framing.ThreadHeaderSize + 2*8 + framing.ThreadHeaderSize)
	tr, err := Capture(rt, threads, Options{BufSize: size})
	require.NoError(t, err)
	require.Len(t, tr.Data, framing.TraceHeaderSize+framing.ThreadHeaderSize+2*8)
	d, err := Decode(tr.Data)
	require.NoError(t, err)
	require.Len(t, d.Threads, 1)
	require.Equal(t, uint64(1), d.Threads[0].Tid)

	tr, err = Capture(rt, threads, Options{})
	require.NoError(t, err)
	d, err = Decode(tr.Data)
	require.NoError(t, err)
	require.Len(t, d.Threads[1].PCs, f.deepFrames)
	require.Equal(t, f.main+0x21, d.Threads[1].PCs[f.deepFrames-1])
}

func TestDecodeErrors(t *testing.T) {
	f := newFixture(t)
	rt, _ := f.b.Build(stackwalk.WithInspectionMode())
	tr, err := Capture(rt, []stackwalk.Thread{thread(1, f.calleeTF), thread(2, f.calleeTF)}, Options{})
	require.NoError(t, err)

	_, err = Decode(tr.Data[:framing.TraceHeaderSize-1])
	require.ErrorContains(t, err, "trace header")
	_, err = Decode(tr.Data[:len(tr.Data)-8])
	require.ErrorContains(t, err, "claims")

	// Drop the first thread's stack so the second refers to nothing.
	first := framing.TraceHeaderSize
	th, err := framing.ReadThreadHeader(tr.Data[first:])
	require.NoError(t, err)
	stackEnd := first + framing.ThreadHeaderSize + int(th.StackBytes)
	th.StackBytes = 0
	var data []byte
	data = append(data, tr.Data[:first+framing.ThreadHeaderSize]...)
	data = append(data, tr.Data[stackEnd:]...)
	th.Put(data[first:])
	h, err := framing.ReadTraceHeader(data)
	require.NoError(t, err)
	h.DataByteLen = uint32(len(data))
	h.ThreadsByteLen = h.DataByteLen - framing.TraceHeaderSize
	h.Put(data)
	_, err = Decode(data)
	require.ErrorContains(t, err, "was not written earlier")
}

func TestMurmur2(t *testing.T) {
	a := murmur2([]uint64{1, 2, 3}, 0)
	require.Equal(t, a, murmur2([]uint64{1, 2, 3}, 0))
	require.NotEqual(t, a, murmur2([]uint64{3, 2, 1}, 0))
	require.NotEqual(t, a, murmur2([]uint64{1, 2, 3}, 1))
	require.NotEqual(t, murmur2(nil, 0), murmur2([]uint64{0}, 0))
}
