// Package stackwalk enumerates the managed frames of a thread from leaf to
// root.
//
// The iterator skips the runtime's trampolines, folds funclets back into the
// functions that own them, reconciles the physical stack with the logical
// state of in-flight exception dispatch, and publishes ranges of stack that
// must be scanned conservatively. The same iterator serves the garbage
// collector, the exception dispatcher, and stack trace capture; the Flags it
// is constructed with decide which of these behaviors apply.
package stackwalk

import (
	"fmt"
	"log/slog"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/regdisplay"
	"github.com/DataExMachina-dev/stackwalk-go/target"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

// Iterator walks the managed frames of one thread. It is not safe for
// concurrent use, and the values it exposes for a frame are only valid until
// the next call to Next.
type Iterator struct {
	rt     *Runtime
	thread Thread
	regs   regdisplay.RegDisplay

	cm           CodeManager
	controlPC    uint64
	method       Method
	codeOffset   uint32
	framePointer uint64

	flags Flags
	state state

	nextExInfo *ExInfo
	// collided is the record the current frame was reached through.
	collided *ExInfo
	// pendingFuncletFP is set while unwinding out of an exceptionally
	// invoked funclet and cleared by the collision with its record.
	pendingFuncletFP uint64
	funcletRegs      regdisplay.Preserved

	hijackedLoc  uint64
	hijackedKind GCRefKind

	lowerBound uint64
	upperBound uint64

	calloutDepth int
}

func (rt *Runtime) newIterator(th Thread) *Iterator {
	return &Iterator{
		rt:     rt,
		thread: th,
		regs:   regdisplay.New(rt.arch, rt.mem),
	}
}

// NewFromTransitionFrame starts a GC walk of a thread parked at the given
// transition frame. The thread must not be hijacked.
func (rt *Runtime) NewFromTransitionFrame(th Thread, frame uint64) (_ *Iterator, err error) {
	it := rt.newIterator(th)
	defer it.recoverAbort("init", &err)
	it.check(!th.IsHijacked(), "cannot walk a hijacked thread")
	it.initFromTransitionFrame(frame, GCStackWalkFlags)
	it.prepareToYieldFrame()
	it.traceInit("transition-frame")
	return it, nil
}

// NewFromContext starts a walk from a full context captured while hijacking
// a thread. If the context's PC is not in managed code the iterator is
// immediately invalid.
func (rt *Runtime) NewFromContext(th Thread, ctx uint64) (_ *Iterator, err error) {
	it := rt.newIterator(th)
	defer it.recoverAbort("init", &err)
	it.initFromContext(ctx, 0)
	it.prepareToYieldFrame()
	it.traceInit("context")
	return it, nil
}

// NewForEH starts an exception dispatch walk from the context saved at a
// throw site.
func (rt *Runtime) NewForEH(th Thread, ctx uint64) (_ *Iterator, err error) {
	it := rt.newIterator(th)
	defer it.recoverAbort("init", &err)
	it.initFromContext(ctx, EHStackWalkFlags)
	it.prepareToYieldFrame()
	it.traceInit("eh")
	return it, nil
}

// NewForStackTrace starts a walk of a thread capturing its own stack trace
// from the transition frame it erected for that purpose.
func (rt *Runtime) NewForStackTrace(th Thread) (_ *Iterator, err error) {
	it := rt.newIterator(th)
	defer it.recoverAbort("init", &err)
	it.initFromTransitionFrame(th.TransitionFrameForStackTrace(), StackTraceStackWalkFlags)
	it.prepareToYieldFrame()
	it.traceInit("stack-trace")
	return it, nil
}

// IsValid reports whether the iterator is positioned on a frame.
func (it *Iterator) IsValid() bool {
	return it.controlPC != 0
}

// Next advances to the next frame. On success the iterator is either
// positioned on the next managed frame or invalid.
func (it *Iterator) Next() (err error) {
	if !it.IsValid() {
		return ErrExhausted
	}
	defer it.recoverAbort("next", &err)
	it.nextInternal()
	if it.rt.debugEnabled() {
		it.rt.cfg.logger.Debug("stack walk advanced",
			slog.Uint64("thread", it.threadID()),
			slog.String("pc", fmt.Sprintf("%#x", it.controlPC)),
			slog.String("sp", fmt.Sprintf("%#x", it.regs.SP())),
			slog.Bool("collided", it.state&exCollide != 0))
	}
	return nil
}

// Thread returns the thread being walked.
func (it *Iterator) Thread() Thread { return it.thread }

// Flags returns the mode flags of the walk.
func (it *Iterator) Flags() Flags { return it.flags }

// RegisterSet returns the register cursor of the current frame. Locations in
// it remain valid for the lifetime of the walked frames.
func (it *Iterator) RegisterSet() *regdisplay.RegDisplay { return &it.regs }

// ControlPC returns the program counter of the current frame, adjusted into
// the call instruction on EH walks.
func (it *Iterator) ControlPC() uint64 { return it.controlPC }

// Method returns the method of the current frame.
func (it *Iterator) Method() (_ Method, err error) {
	defer it.recoverAbort("method", &err)
	it.calculateCurrentMethodState()
	return it.method, nil
}

// CodeOffset returns the offset of the control PC in the current method.
func (it *Iterator) CodeOffset() (_ uint32, err error) {
	defer it.recoverAbort("code-offset", &err)
	it.calculateCurrentMethodState()
	return it.codeOffset, nil
}

// CodeManager returns the code manager of the current frame.
func (it *Iterator) CodeManager() (_ CodeManager, err error) {
	defer it.recoverAbort("code-manager", &err)
	it.calculateCurrentMethodState()
	return it.cm, nil
}

// FramePointer returns the establisher frame pointer of the current frame.
func (it *Iterator) FramePointer() (_ uint64, err error) {
	defer it.recoverAbort("frame-pointer", &err)
	it.calculateCurrentMethodState()
	return it.framePointer, nil
}

// HasConservativeRange reports whether a conservatively scanned stack range
// is attached to the current frame.
func (it *Iterator) HasConservativeRange() bool {
	return it.lowerBound != 0 && it.upperBound != 0
}

// ConservativeRange returns the [lower, upper) range attached to the current
// frame.
func (it *Iterator) ConservativeRange() (lower, upper uint64) {
	return it.lowerBound, it.upperBound
}

// HijackedReturnValueLocation returns the location of a GC reference held in
// the return register of a call that was interrupted on its way back to the
// current frame.
func (it *Iterator) HijackedReturnValueLocation() (uint64, GCRefKind, bool) {
	if it.hijackedLoc == 0 {
		return 0, GCRefScalar, false
	}
	return it.hijackedLoc, it.hijackedKind, true
}

// ExCollision returns the exception record the current frame was reached
// through, if any.
func (it *Iterator) ExCollision() (*ExInfo, bool) {
	if it.state&exCollide == 0 {
		return nil, false
	}
	return it.collided, true
}

// UnwoundReversePInvoke reports whether reaching the current frame crossed a
// native-to-managed boundary.
func (it *Iterator) UnwoundReversePInvoke() bool {
	return it.state&unwoundReversePInvoke != 0
}

func (it *Iterator) invalidate() {
	it.controlPC = 0
	it.lowerBound = 0
	it.upperBound = 0
}

func (it *Iterator) threadID() uint64 {
	if it.thread == nil {
		return 0
	}
	return it.thread.ID()
}

func (it *Iterator) traceInit(kind string) {
	if !it.rt.debugEnabled() {
		return
	}
	it.rt.cfg.logger.Debug("stack walk initialized",
		slog.String("kind", kind),
		slog.Uint64("thread", it.threadID()),
		slog.String("flags", it.flags.String()),
		slog.String("pc", fmt.Sprintf("%#x", it.controlPC)))
}

func (it *Iterator) resetWalkState(flags Flags) {
	it.regs.Reset()
	it.cm = nil
	it.controlPC = 0
	it.method = nil
	it.codeOffset = 0
	it.framePointer = 0
	it.flags = flags
	it.state = 0
	it.nextExInfo = it.thread.ExInfoHead()
	it.pendingFuncletFP = 0
	it.hijackedLoc = 0
	it.hijackedKind = GCRefScalar
	it.lowerBound = 0
	it.upperBound = 0
}

func (it *Iterator) readWord(addr uint64, what string) uint64 {
	v, ok := target.ReadWord(it.rt.mem, addr, it.rt.arch.WordSize)
	it.check(ok, "failed to read %s at %#x", what, addr)
	return v
}

func (it *Iterator) loadIP(loc uint64, what string) {
	it.check(it.regs.LoadIPFrom(loc), "failed to read %s return address at %#x", what, loc)
	it.controlPC = it.regs.IP()
}

// initFromTransitionFrame seeds the cursor from a transition frame and, if
// the frame's PC is in a non-EH trampoline, unwinds to the nearest managed
// frame.
func (it *Iterator) initFromTransitionFrame(frame uint64, flags Flags) {
	it.resetWalkState(flags)
	it.check(flags&ApplyReturnAddressAdjustment == 0, "EH stack walk seeded from a transition frame")
	if IsTopOfStack(it.rt.arch, frame) {
		return
	}
	it.check(frame != 0, "missing transition frame")

	a := it.rt.arch
	t := a.Transition
	word := uint64(a.WordSize)
	frameFlags, ok := target.ReadUint32(it.rt.mem, frame+uint64(t.Flags))
	it.check(ok, "failed to read transition frame flags at %#x", frame)

	it.loadIP(frame+uint64(t.IP), "transition frame")
	it.regs.SetLocation(t.FramePointerReg, frame+uint64(t.FramePointer))
	if t.ChainPointer >= 0 {
		it.regs.SetLocation(t.ChainPointerReg, frame+uint64(t.ChainPointer))
	}
	if t.IPAliasReg != arch.NoReg {
		it.regs.SetLocation(t.IPAliasReg, frame+uint64(t.IP))
	}

	cursor := frame + uint64(t.PreservedRegs)
	for _, s := range t.Saved {
		if uint64(frameFlags)&s.Flag == 0 {
			continue
		}
		switch s.Kind {
		case arch.SlotForbidden:
			it.fail("transition frame at %#x saves %s", frame, a.RegName(s.Reg))
		case arch.SlotSPValue:
			it.regs.SetSP(it.readWord(cursor, "transition frame stack pointer"))
		default:
			it.regs.SetLocation(s.Reg, cursor)
		}
		cursor += word
	}

	switch {
	case uint64(frameFlags)&t.ReturnIsGCRef != 0:
		it.setHijackedReturnValue(GCRefObject)
	case uint64(frameFlags)&t.ReturnIsByref != 0:
		it.setHijackedReturnValue(GCRefByref)
	}

	// The frame itself is on the stack: records below it belong to frames
	// this walk will never see.
	it.resetNextExInfoForSP(frame)

	switch category := it.rt.thunks.Classify(it.controlPC); {
	case category == thunk.InManagedCode:
	case category.IsNonEH():
		it.unwindNonEHThunkSequence()
	default:
		it.fail("transition frame PC is in an unexpected %s trampoline", category)
	}
	it.check(it.rt.FindCodeManagerByAddress(it.controlPC) != nil,
		"transition frame PC is not in managed code")
}

func (it *Iterator) setHijackedReturnValue(kind GCRefKind) {
	reg := it.rt.arch.ReturnValue
	loc, ok := it.regs.Location(reg)
	it.check(ok, "transition frame reports a GC reference in %s without saving it", it.rt.arch.RegName(reg))
	it.hijackedLoc = loc
	it.hijackedKind = kind
}

// initFromContext seeds the cursor from a full context. A context whose PC is
// not in managed code leaves the iterator invalid.
func (it *Iterator) initFromContext(ctx uint64, flags Flags) {
	it.resetWalkState(flags)
	it.check(ctx != 0, "missing context")
	c := it.rt.arch.Context
	view := target.MakeView(it.rt.mem, ctx, c.Size, it.rt.arch.WordSize)

	ip, ok := view.Word(c.IP)
	it.check(ok, "failed to read context at %#x", ctx)
	if it.rt.FindCodeManagerByAddress(ip) == nil {
		return
	}
	sp, ok := view.Word(c.SP)
	it.check(ok, "failed to read context at %#x", ctx)

	it.loadIP(ctx+uint64(c.IP), "context")
	it.regs.SetSP(sp)
	for _, s := range c.Regs {
		it.regs.SetLocation(s.Reg, ctx+uint64(s.Offset))
	}
	if c.FloatSize > 0 {
		fp, ok := view.Bytes(c.Float, c.FloatSize)
		it.check(ok, "failed to read floating point state at %#x", ctx)
		it.regs.SetFloat(fp)
	}
	it.resetNextExInfoForSP(sp)
}

// resetNextExInfoForSP skips exception records that lie below sp; the walk
// has already left the frames that installed them.
func (it *Iterator) resetNextExInfoForSP(sp uint64) {
	for it.nextExInfo != nil && sp > it.nextExInfo.Addr {
		it.nextExInfo = it.nextExInfo.Prev
	}
}

func (it *Iterator) calculateCurrentMethodState() {
	if it.state&methodStateCalculated != 0 {
		return
	}
	it.check(it.IsValid(), "iterator is not positioned on a frame")
	// The caller is most likely in the same module.
	var ok bool
	if it.cm != nil {
		it.method, it.codeOffset, ok = it.cm.FindMethodInfo(it.controlPC)
	}
	if !ok {
		it.cm = it.rt.FindCodeManagerByAddress(it.controlPC)
		it.check(it.cm != nil, "no code manager for pc")
		it.method, it.codeOffset, ok = it.cm.FindMethodInfo(it.controlPC)
		it.check(ok, "no method for pc")
	}
	it.framePointer = it.cm.GetFramePointer(it.method, &it.regs)
	it.state |= methodStateCalculated
}

func (it *Iterator) nextInternal() {
	for {
		it.state &^= exCollide | methodStateCalculated | unwoundReversePInvoke
		it.collided = nil
		it.hijackedLoc = 0
		it.hijackedKind = GCRefScalar
		it.lowerBound = 0
		it.upperBound = 0

		preUnwindSP := it.regs.SP()
		it.calculateCurrentMethodState()
		doingFuncletUnwind := it.cm.IsFunclet(it.method)

		prevFrame, err := it.cm.UnwindStackFrame(it.method, it.codeOffset, &it.regs)
		it.check(err == nil, "failed to unwind %s: %v", it.method.Name(), err)

		if prevFrame != 0 {
			// Crossing a reverse P/Invoke boundary resumes the walk from the
			// transition frame of the preceding managed code. An EH walk that
			// gets here is aborted by the dispatcher when it sees the flag.
			if IsTopOfStack(it.rt.arch, prevFrame) {
				it.controlPC = 0
			} else {
				it.initFromTransitionFrame(prevFrame, GCStackWalkFlags)
			}
			it.state |= unwoundReversePInvoke
			break
		}

		it.check(!it.thread.IsHijacked(), "walked thread is hijacked")
		it.controlPC = it.regs.IP()

		var collapsingTargetFrame uint64
		collide := false
		category := it.rt.thunks.Classify(it.controlPC)

		if doingFuncletUnwind {
			it.check(it.pendingFuncletFP == 0, "nested pending funclet frame pointer")
			it.check(it.framePointer != 0, "funclet without a frame pointer")
			switch category {
			case thunk.InFuncletInvokeThunk:
				// Exceptionally invoked funclet; the collision with its
				// record clears the pending frame pointer.
				it.pendingFuncletFP = it.framePointer
				it.unwindFuncletInvokeThunk()
				if it.flags&CollapseFunclets == 0 {
					collide = true
				}
			case thunk.InManagedCode:
				// Funclet called directly by its parent. The leafmost funclet
				// already reported the whole function.
				if it.flags&CollapseFunclets != 0 {
					collapsingTargetFrame = it.framePointer
				}
			default:
				it.fail("unexpected %s trampoline above a funclet", category)
			}
		} else if category != thunk.InManagedCode {
			switch {
			case category.IsNonEH():
				it.unwindNonEHThunkSequence()
			case category == thunk.InThrowSiteThunk:
				it.check(it.flags&ApplyReturnAddressAdjustment == 0,
					"EH stack walk reached a throw site")
				it.unwindThrowSiteThunk()
				if it.flags&CollapseFunclets != 0 && it.nextExInfo != nil &&
					it.regs.SP() > it.nextExInfo.Addr {
					collide = true
				}
			default:
				it.fail("unexpected %s trampoline above a managed frame", category)
			}
		}

		if collide {
			it.check(it.nextExInfo != nil, "collision without an exception record")
			it.check(preUnwindSP <= it.nextExInfo.Addr,
				"exception record at %#x is below the previous frame", it.nextExInfo.Addr)
			collapsingTargetFrame = it.handleExCollide()
		}

		if collapsingTargetFrame != 0 {
			it.check(it.flags&CollapseFunclets != 0, "collapsing without funclet collapsing enabled")
			it.calculateCurrentMethodState()
			it.check(it.framePointer == collapsingTargetFrame,
				"collapsed frame pointer %#x does not match %#x", it.framePointer, collapsingTargetFrame)
			// A range attached to a skipped frame would never be reported.
			it.check(it.lowerBound == 0, "conservative range attached to a collapsed frame")
			if it.rt.debugEnabled() {
				it.rt.cfg.logger.Debug("collapsing funclet parent",
					slog.Uint64("thread", it.threadID()),
					slog.String("fp", fmt.Sprintf("%#x", collapsingTargetFrame)))
			}
			continue
		}

		if collide {
			it.state |= exCollide
		}
		break
	}
	it.prepareToYieldFrame()
}

// handleExCollide reconciles the walk with the exception record it just
// reached. It returns the frame pointer of frames that must be skipped, or 0.
func (it *Iterator) handleExCollide() uint64 {
	exInfo := it.nextExInfo
	pendingFP := it.pendingFuncletFP
	it.pendingFuncletFP = 0
	curFlags := it.flags

	if it.rt.debugEnabled() {
		it.rt.cfg.logger.Debug("exception record collision",
			slog.Uint64("thread", it.threadID()),
			slog.String("record", fmt.Sprintf("%#x", exInfo.Addr)),
			slog.Int("pass", int(exInfo.Pass)),
			slog.String("kind", exInfo.Kind.String()))
	}

	if exInfo.Pass == 1 || exInfo.CurClause == NoClause {
		// Dispatch has not invoked a funclet: resume from the throw site.
		it.check(curFlags&ApplyReturnAddressAdjustment == 0,
			"EH stack walk collided with a first pass exception record")
		it.initFromContext(exInfo.ExContext, curFlags)
		it.nextExInfo = exInfo.Prev
		it.collided = exInfo
		it.calculateCurrentMethodState()
		// A superseded fault record is not remapped.
		if exInfo.Kind == ExKindHardwareFault && curFlags&RemapHardwareFaultsToSafePoint != 0 {
			it.codeOffset = it.cm.RemapHardwareFaultToGCSafePoint(it.method, it.codeOffset)
		}
		return 0
	}

	// A funclet is running: continue from the owning frame as seen by the
	// dispatcher when it invoked the funclet.
	it.check(pendingFP != 0, "collided with an active funclet invoke but the funclet frame pointer is unknown")
	it.check(exInfo.FrameIter != nil, "second pass exception record without dispatcher state")
	it.updateFromExceptionDispatch(exInfo.FrameIter)
	it.collided = exInfo
	it.resetNextExInfoForSP(it.regs.SP())

	if it.flags&ApplyReturnAddressAdjustment != 0 && curFlags&ApplyReturnAddressAdjustment != 0 {
		// The dispatcher's PC was adjusted when yielded and will be adjusted
		// again before this frame is.
		it.controlPC = it.rt.arch.AdjustReturnAddressForward(it.controlPC)
	}
	it.flags = curFlags
	it.state &^= methodStateCalculated

	if !it.IsValid() {
		// The dispatch went unhandled.
		return 0
	}
	it.calculateCurrentMethodState()
	it.check(it.framePointer == pendingFP,
		"frame pointer %#x after collision does not match pending funclet frame pointer %#x",
		it.framePointer, pendingFP)
	if curFlags&CollapseFunclets != 0 {
		return it.framePointer
	}
	return 0
}

func (it *Iterator) prepareToYieldFrame() {
	if !it.IsValid() {
		return
	}
	it.check(it.rt.FindCodeManagerByAddress(it.controlPC) != nil, "yielded frame is not managed code")
	if it.flags&ApplyReturnAddressAdjustment != 0 {
		it.controlPC = it.rt.arch.AdjustReturnAddressBackward(it.controlPC)
		it.state &^= methodStateCalculated
	}
	if it.lowerBound != 0 && it.flags&CollapseFunclets != 0 {
		it.calculateCurrentMethodState()
		it.upperBound = it.cm.GetConservativeUpperBoundForOutgoingArgs(it.method, &it.regs)
		it.check(it.upperBound > it.lowerBound,
			"conservative range [%#x, %#x) is empty", it.lowerBound, it.upperBound)
		return
	}
	it.lowerBound = 0
	it.upperBound = 0
}
