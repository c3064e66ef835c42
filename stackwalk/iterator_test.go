package stackwalk_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/codemanager"
	"github.com/DataExMachina-dev/stackwalk-go/internal/walktest"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

func newBuilder(t *testing.T) *walktest.Builder {
	return walktest.New(t, walktest.MustArch(t, "amd64"))
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func frameNames(frames []walktest.Frame) []string {
	var names []string
	for _, f := range frames {
		names = append(names, f.String())
	}
	return names
}

// rootInfo describes an entry point called from native code; its caller is
// reached through the transition frame stored at offset 0x10.
func rootInfo(frameSize uint32) codemanager.UnwindInfo {
	return codemanager.UnwindInfo{
		FrameSize:            frameSize,
		ReversePInvoke:       true,
		ReversePInvokeOffset: 0x10,
		OutgoingArgsSize:     0x20,
	}
}

func TestEmptyThread(t *testing.T) {
	b := newBuilder(t)
	b.Method("Main", 0x20, rootInfo(0x20))
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	th := &walktest.Thread{Tid: 1, Frame: stackwalk.TopOfStack, TraceFrame: stackwalk.TopOfStack}
	it, err := rt.NewFromTransitionFrame(th, th.TransitionFrame())
	require.NoError(t, err)
	require.False(t, it.IsValid())
	require.ErrorIs(t, it.Next(), stackwalk.ErrExhausted)

	it, err = rt.NewForStackTrace(th)
	require.NoError(t, err)
	require.False(t, it.IsValid())
}

// oneCallDepth lays out Main calling Callee, with Callee parked in a
// transition frame.
func oneCallDepth(t *testing.T, b *walktest.Builder) (th *walktest.Thread, tf uint64) {
	main := b.Method("Main", 0x40, rootInfo(0x20))
	callee := b.Method("Callee", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})

	mainSP := uint64(walktest.StackHi - 0x100)
	b.PutWord(mainSP+0x10, stackwalk.TopOfStack)
	b.PutWord(mainSP-8, main+0x15)
	calleeSP := mainSP - 0x18

	tf = walktest.StackLo + 0x1000
	b.PutTransitionFrame(tf, walktest.TransitionFrame{
		IP:   callee + 0x8,
		Regs: map[arch.Reg]uint64{arch.RSP: calleeSP},
	})
	return &walktest.Thread{Tid: 7, Frame: tf, TraceFrame: tf}, tf
}

func TestOneCallDepth(t *testing.T) {
	b := newBuilder(t)
	th, tf := oneCallDepth(t, b)
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(th, tf)
	require.NoError(t, err)
	require.Equal(t, stackwalk.GCStackWalkFlags, it.Flags())
	require.True(t, it.IsValid())
	require.Equal(t, "Callee+0x8", walktest.Current(t, it).String())
	fp, err := it.FramePointer()
	require.NoError(t, err)
	require.Zero(t, fp)

	require.NoError(t, it.Next())
	require.True(t, it.IsValid())
	require.Equal(t, "Main+0x15", walktest.Current(t, it).String())
	require.False(t, it.UnwoundReversePInvoke())

	require.NoError(t, it.Next())
	require.False(t, it.IsValid())
	require.True(t, it.UnwoundReversePInvoke())
	require.ErrorIs(t, it.Next(), stackwalk.ErrExhausted)

	t.Run("stack trace", func(t *testing.T) {
		it, err := rt.NewForStackTrace(th)
		require.NoError(t, err)
		require.Equal(t, []string{"Callee+0x8", "Main+0x15"}, frameNames(walktest.Walk(t, it)))
	})
}

func TestTransitionFrameWithoutStackPointer(t *testing.T) {
	b := newBuilder(t)
	main := b.Method("Main", 0x40, rootInfo(0x20))
	callee := b.Method("Callee", 0x20, codemanager.UnwindInfo{FrameSize: 0x10, HasFramePointer: true})
	leaf := b.Method("Leaf", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})

	mainSP := uint64(walktest.StackHi - 0x100)
	b.PutWord(mainSP+0x10, stackwalk.TopOfStack)
	b.PutWord(mainSP-8, main+0x15)
	calleeSP := mainSP - 0x18
	rbp := calleeSP + 0x8
	b.PutWord(rbp, 0x5150)

	tf := uint64(walktest.StackLo + 0x1000)
	b.PutTransitionFrame(tf, walktest.TransitionFrame{
		IP:           callee + 0x8,
		FramePointer: rbp,
	})
	leafTF := uint64(walktest.StackLo + 0x1100)
	b.PutTransitionFrame(leafTF, walktest.TransitionFrame{
		IP:           leaf + 0x8,
		FramePointer: rbp,
	})
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 1}, tf)
	require.NoError(t, err)
	require.Equal(t, "Callee+0x8", walktest.Current(t, it).String())
	require.Zero(t, it.RegisterSet().SP())

	require.NoError(t, it.Next())
	require.Equal(t, "Main+0x15", walktest.Current(t, it).String())
	set := it.RegisterSet()
	require.Equal(t, mainSP, set.SP())
	v, ok := set.Value(arch.RBP)
	require.True(t, ok)
	require.Equal(t, uint64(0x5150), v)

	require.NoError(t, it.Next())
	require.False(t, it.IsValid())

	t.Run("method without a frame pointer", func(t *testing.T) {
		it, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 1}, leafTF)
		require.NoError(t, err)
		require.ErrorContains(t, it.Next(), "no stack pointer")
	})
}

// TestReversePInvokeIntoTransitionFrame walks a thread on which managed code
// threw, the dispatcher called out to native code, and native code called
// back into managed code:
//
//	Y -> throw trampoline -> D2 -> [native, T] -> R -> [native, T0]
//
// T does not save the stack pointer. A stale record E lies below T0 and must
// not be matched once the walk resumes from T.
func TestReversePInvokeIntoTransitionFrame(t *testing.T) {
	b := newBuilder(t)
	a := b.Arch
	y := b.Method("Y", 0x40, rootInfo(0x20))
	d2 := b.Method("D2", 0x40, codemanager.UnwindInfo{FrameSize: 0x20, HasFramePointer: true})
	r := b.Method("R", 0x40, rootInfo(0x20))
	x := b.Method("X", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})
	throwLabel := b.Thunk(thunk.ThrowEx)

	ySP := uint64(walktest.StackHi - 0x400)
	b.PutWord(ySP+0x10, stackwalk.TopOfStack)
	throwSP := ySP - 8 - 0x310
	ctx := throwSP + a.ThrowSiteContextOffset()
	b.PutContext(ctx, y+0x5, ySP, nil)
	e2 := &stackwalk.ExInfo{
		Addr:      throwSP + a.ThrowSiteExInfoOffset(),
		Kind:      stackwalk.ExKindThrow,
		Pass:      1,
		CurClause: stackwalk.NoClause,
		ExContext: ctx,
	}
	b.PutWord(throwSP-8, throwLabel)
	d2SP := throwSP - 0x28
	rbpD2 := d2SP + 0x18

	tf := d2SP - 0x100
	b.PutTransitionFrame(tf, walktest.TransitionFrame{
		IP:           d2 + 0x10,
		FramePointer: rbpD2,
	})

	rSP := tf - 0x200
	b.PutWord(rSP+0x10, tf)
	tf0 := uint64(walktest.StackLo + 0x1000)
	b.PutTransitionFrame(tf0, walktest.TransitionFrame{
		IP:   r + 0x5,
		Regs: map[arch.Reg]uint64{arch.RSP: rSP},
	})

	staleCtx := uint64(walktest.StackLo + 0x400)
	b.PutContext(staleCtx, x+0x5, walktest.StackLo+0x900, nil)
	e := &stackwalk.ExInfo{
		Addr:      walktest.StackLo + 0x800,
		Kind:      stackwalk.ExKindThrow,
		Pass:      1,
		CurClause: stackwalk.NoClause,
		ExContext: staleCtx,
	}
	head, err := stackwalk.LinkExInfos(e, e2)
	require.NoError(t, err)
	th := &walktest.Thread{Tid: 5, Head: head, Frame: tf0, TraceFrame: tf0}
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(th, tf0)
	require.NoError(t, err)
	require.Equal(t, "R+0x5", walktest.Current(t, it).String())

	require.NoError(t, it.Next())
	require.Equal(t, "D2+0x10", walktest.Current(t, it).String())
	require.True(t, it.UnwoundReversePInvoke())
	require.Zero(t, it.RegisterSet().SP())

	require.NoError(t, it.Next())
	require.Equal(t, "Y+0x5 (collided)", walktest.Current(t, it).String())
	rec, ok := it.ExCollision()
	require.True(t, ok)
	require.Same(t, e2, rec)
	require.Equal(t, ySP, it.RegisterSet().SP())

	require.NoError(t, it.Next())
	require.False(t, it.IsValid())

	t.Run("stack trace", func(t *testing.T) {
		it, err := rt.NewForStackTrace(th)
		require.NoError(t, err)
		require.Equal(t, []string{"R+0x5", "D2+0x10", "Y+0x5 (collided)"},
			frameNames(walktest.Walk(t, it)))
	})
}

func TestCallDescrThroughUniversalTransition(t *testing.T) {
	b := newBuilder(t)
	caller := b.Method("Caller", 0x40, rootInfo(0x20))
	cdLabel := b.Thunk(thunk.CallDescr)
	utLabel := b.Thunk(thunk.UniversalTransition)

	callerSP := uint64(walktest.StackHi - 0x200)
	b.PutWord(callerSP+0x10, stackwalk.TopOfStack)

	// The call descriptor trampoline anchors its frame in rbp.
	base := callerSP - 0x20
	b.PutWord(base+0x18, caller+0x11)
	b.PutWord(base+0x00, 0x5150)
	b.PutWord(base+0x10, 0xb0b0)

	// It calls the universal transition, which calls out to the runtime.
	utSP := base - 0x80
	b.PutWord(utSP+0x78, cdLabel)

	tf := uint64(walktest.StackLo + 0x1000)
	b.PutTransitionFrame(tf, walktest.TransitionFrame{
		IP:           utLabel,
		FramePointer: base,
		Regs:         map[arch.Reg]uint64{arch.RSP: utSP},
	})
	th := &walktest.Thread{Tid: 1, Frame: tf}
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(th, tf)
	require.NoError(t, err)
	require.True(t, it.IsValid())
	require.True(t, it.HasConservativeRange())
	lower, upper := it.ConservativeRange()
	require.Equal(t, utSP+0x60, lower)
	require.Equal(t, callerSP+0x20, upper)
	f := walktest.Current(t, it)
	require.Equal(t, "Caller", f.Method)
	require.Equal(t, uint32(0x11), f.Offset)

	regs := it.RegisterSet()
	require.Equal(t, callerSP, regs.SP())
	rbx, ok := regs.Value(arch.RBX)
	require.True(t, ok)
	require.Equal(t, uint64(0xb0b0), rbx)
	rbp, ok := regs.Value(arch.RBP)
	require.True(t, ok)
	require.Equal(t, uint64(0x5150), rbp)

	require.NoError(t, it.Next())
	require.False(t, it.IsValid())
	require.False(t, it.HasConservativeRange())

	t.Run("context walks do not publish ranges", func(t *testing.T) {
		ctx := uint64(walktest.StackLo + 0x2000)
		b.PutContext(ctx, caller+0x11, callerSP, nil)
		it, err := rt.NewFromContext(th, ctx)
		require.NoError(t, err)
		require.True(t, it.IsValid())
		require.False(t, it.HasConservativeRange())
	})
}

func TestManagedCallout(t *testing.T) {
	b := newBuilder(t)
	outer := b.Method("Outer", 0x40, rootInfo(0x20))
	inner := b.Method("Inner", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})
	calloutLabel := b.Thunk(thunk.ManagedCallout)

	outerSP := uint64(walktest.StackHi - 0x300)
	b.PutWord(outerSP+0x10, stackwalk.TopOfStack)

	// Outer calls into the runtime, which erects a transition frame and later
	// calls back into managed code through the callout trampoline.
	outerTF := outerSP - 0x80
	b.PutTransitionFrame(outerTF, walktest.TransitionFrame{
		IP:   outer + 0x15,
		Regs: map[arch.Reg]uint64{arch.RSP: outerSP},
	})
	calloutFP := outerSP - 0x100
	b.PutWord(calloutFP-8, outerTF)
	b.PutWord(outerSP-0x118, calloutLabel)
	innerSP := outerSP - 0x128

	innerTF := uint64(walktest.StackLo + 0x1000)
	b.PutTransitionFrame(innerTF, walktest.TransitionFrame{
		IP:           inner + 0x4,
		FramePointer: calloutFP,
		Regs:         map[arch.Reg]uint64{arch.RSP: innerSP},
	})
	th := &walktest.Thread{Tid: 1, Frame: innerTF}
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(th, innerTF)
	require.NoError(t, err)
	frames := walktest.Walk(t, it)
	require.Equal(t, []string{
		"Inner+0x4",
		"Outer+0x15 [" + hex(outerTF) + ", " + hex(outerSP+0x20) + ")",
	}, frameNames(frames))
}

func TestHijackedReturnValue(t *testing.T) {
	b := newBuilder(t)
	main := b.Method("Main", 0x40, rootInfo(0x20))
	mainSP := uint64(walktest.StackHi - 0x100)
	b.PutWord(mainSP+0x10, stackwalk.TopOfStack)

	tf := uint64(walktest.StackLo + 0x1000)
	b.PutTransitionFrame(tf, walktest.TransitionFrame{
		IP:         main + 0x9,
		Regs:       map[arch.Reg]uint64{arch.RSP: mainSP, arch.RAX: 0xfeed},
		ExtraFlags: b.Arch.Transition.ReturnIsGCRef,
	})
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 1}, tf)
	require.NoError(t, err)
	loc, kind, ok := it.HijackedReturnValueLocation()
	require.True(t, ok)
	require.Equal(t, stackwalk.GCRefObject, kind)
	require.Equal(t, tf+0x28, loc)
	require.Equal(t, uint64(0xfeed), b.Word(loc))

	require.NoError(t, it.RegisterSet().Store(arch.RAX, 0xbeef))
	require.Equal(t, uint64(0xbeef), b.Word(loc))

	require.NoError(t, it.Next())
	_, _, ok = it.HijackedReturnValueLocation()
	require.False(t, ok)
}

func TestContextOutsideManagedCode(t *testing.T) {
	b := newBuilder(t)
	b.Method("Main", 0x40, rootInfo(0x20))
	ctx := uint64(walktest.StackLo + 0x100)
	b.PutContext(ctx, 0xdead0000, walktest.StackHi-0x100, nil)
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromContext(&walktest.Thread{Tid: 1}, ctx)
	require.NoError(t, err)
	require.False(t, it.IsValid())
}

func TestFatalErrors(t *testing.T) {
	t.Run("inspection mode returns the error", func(t *testing.T) {
		b := newBuilder(t)
		th, tf := oneCallDepth(t, b)
		var logged []error
		rt, _ := b.Build(stackwalk.WithInspectionMode(), stackwalk.WithErrorLogger(func(err error) {
			logged = append(logged, err)
		}))
		th.Hijacked = true

		it, err := rt.NewFromTransitionFrame(th, tf)
		var fatal *stackwalk.FatalError
		require.True(t, errors.As(err, &fatal))
		require.Equal(t, "init", fatal.Op)
		require.Equal(t, uint64(7), fatal.Thread)
		require.Equal(t, codes.DataLoss, status.Code(err))
		require.False(t, it.IsValid())
		require.Len(t, logged, 1)
	})

	t.Run("fail fast hook", func(t *testing.T) {
		t.Setenv(stackwalk.ENV_INSPECT, "")
		b := newBuilder(t)
		th, tf := oneCallDepth(t, b)
		var aborted error
		rt, _ := b.Build(stackwalk.WithFailFast(func(err error) { aborted = err }))
		th.Hijacked = true

		_, err := rt.NewFromTransitionFrame(th, tf)
		require.Error(t, err)
		require.Equal(t, err, aborted)
	})

	t.Run("default fail fast panics", func(t *testing.T) {
		t.Setenv(stackwalk.ENV_INSPECT, "")
		b := newBuilder(t)
		th, tf := oneCallDepth(t, b)
		rt, _ := b.Build()
		th.Hijacked = true
		require.Panics(t, func() {
			_, _ = rt.NewFromTransitionFrame(th, tf)
		})
	})

	t.Run("corrupt return address", func(t *testing.T) {
		b := newBuilder(t)
		b.Method("Main", 0x40, rootInfo(0x20))
		callee := b.Method("Callee", 0x20, codemanager.UnwindInfo{FrameSize: 0x10})
		calleeSP := uint64(walktest.StackHi - 0x100)
		b.PutWord(calleeSP+0x10, 0x1234)
		tf := uint64(walktest.StackLo + 0x1000)
		b.PutTransitionFrame(tf, walktest.TransitionFrame{
			IP:   callee + 0x4,
			Regs: map[arch.Reg]uint64{arch.RSP: calleeSP},
		})
		rt, _ := b.Build(stackwalk.WithInspectionMode())

		it, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 1}, tf)
		require.NoError(t, err)
		err = it.Next()
		require.ErrorContains(t, err, "yielded frame is not managed code")
		require.False(t, it.IsValid())
		require.ErrorIs(t, it.Next(), stackwalk.ErrExhausted)
	})

	t.Run("forbidden transition frame slot", func(t *testing.T) {
		b := newBuilder(t)
		main := b.Method("Main", 0x40, rootInfo(0x20))
		tf := uint64(walktest.StackLo + 0x1000)
		b.PutTransitionFrame(tf, walktest.TransitionFrame{
			IP:         main + 0x4,
			ExtraFlags: 0x8,
		})
		rt, _ := b.Build(stackwalk.WithInspectionMode())
		_, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 1}, tf)
		require.ErrorContains(t, err, "saves rbp")
	})
}

func TestRuntimeCodeRanges(t *testing.T) {
	b := newBuilder(t)
	b.Method("Main", 0x40, rootInfo(0x20))
	rt, mod := b.Build()
	start, end := mod.Range()

	require.Same(t, mod, rt.FindCodeManagerByAddress(start).(*codemanager.Module))
	require.Nil(t, rt.FindCodeManagerByAddress(end))
	require.ErrorContains(t, rt.RegisterCodeManager(end-1, end+0x10, mod), "overlaps")
	require.ErrorContains(t, rt.RegisterCodeManager(end, end, mod), "empty")
	require.NoError(t, rt.RegisterCodeManager(end, end+0x10, mod))
	require.NotNil(t, rt.FindCodeManagerByAddress(end))

	require.True(t, rt.IsValidReturnAddress(start+4))
	require.False(t, rt.IsValidReturnAddress(0x10))
}
