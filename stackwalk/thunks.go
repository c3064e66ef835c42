package stackwalk

import (
	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

// Trampoline frames have fixed shapes described by the architecture. Each
// decoder below moves the cursor from the trampoline's frame to its caller's
// and sets the control PC to the caller's return address.

// unwindNonEHThunkSequence unwinds consecutive non-EH trampolines until the
// control PC is in managed code. Conservative ranges reported along the way
// must nest strictly upward; the lowest lower bound is published.
func (it *Iterator) unwindNonEHThunkSequence() {
	category := it.rt.thunks.Classify(it.controlPC)
	it.check(category.IsNonEH(), "%s is not a non-EH trampoline", category)

	var lowestLowerBound, precedingLowerBound uint64
	for n := 0; category != thunk.InManagedCode; n++ {
		it.check(n < it.rt.cfg.maxThunkSequence, "trampoline sequence longer than %d", it.rt.cfg.maxThunkSequence)
		it.check(it.lowerBound == 0, "unpublished conservative range before trampoline")

		switch category {
		case thunk.InManagedCalloutThunk:
			it.unwindManagedCalloutThunk()
		case thunk.InCallDescrThunk:
			it.unwindCallDescrThunk()
		case thunk.InUniversalTransitionThunk:
			it.unwindUniversalTransitionThunk()
			it.check(it.lowerBound != 0, "universal transition reported no conservative range")
		default:
			it.fail("unexpected %s trampoline in a non-EH trampoline sequence", category)
		}

		if it.lowerBound != 0 {
			it.check(it.lowerBound < it.regs.SP(),
				"conservative lower bound %#x is not below sp", it.lowerBound)
			it.check(it.lowerBound > precedingLowerBound,
				"conservative lower bound %#x is not above %#x", it.lowerBound, precedingLowerBound)
			precedingLowerBound = it.lowerBound
			if lowestLowerBound == 0 {
				lowestLowerBound = it.lowerBound
			}
			it.lowerBound = 0
		}
		category = it.rt.thunks.Classify(it.controlPC)
	}
	it.lowerBound = lowestLowerBound
}

// unwindManagedCalloutThunk resumes from the transition frame of the managed
// code that called into the runtime. The transition frame and everything
// above it up to the managed caller is reported conservatively.
func (it *Iterator) unwindManagedCalloutThunk() {
	it.check(it.flags&ApplyReturnAddressAdjustment == 0, "EH stack walk reached a managed callout")
	fp, ok := it.regs.Value(it.rt.arch.FP)
	it.check(ok && fp != 0, "managed callout without a frame pointer")
	slot := uint64(int64(fp) + int64(it.rt.arch.ManagedCalloutFrameOffset))
	frame := it.readWord(slot, "managed callout transition frame")
	it.check(frame != 0 && !IsTopOfStack(it.rt.arch, frame), "managed callout without a transition frame")

	it.calloutDepth++
	it.check(it.calloutDepth <= it.rt.cfg.maxThunkSequence, "managed callouts nested deeper than %d", it.rt.cfg.maxThunkSequence)
	it.initFromTransitionFrame(frame, GCStackWalkFlags)
	it.calloutDepth--
	it.check(it.lowerBound == 0 || it.lowerBound > frame,
		"nested conservative lower bound %#x is not above managed callout frame %#x", it.lowerBound, frame)
	it.lowerBound = frame
}

func (it *Iterator) unwindCallDescrThunk() {
	a := it.rt.arch
	l := a.CallDescr
	anchor, ok := it.regs.Value(a.FP)
	it.check(ok && anchor != 0, "call descriptor trampoline without a frame pointer")
	base := anchor - uint64(l.Bias)
	for _, s := range l.Regs {
		it.regs.SetLocation(s.Reg, base+uint64(s.Offset))
	}
	it.loadIP(base+uint64(l.IP), "call descriptor")
	it.regs.SetSP(base + uint64(l.Size))
}

func (it *Iterator) unwindUniversalTransitionThunk() {
	l := it.rt.arch.UniversalTransition
	sp := it.regs.SP()
	it.check(sp != 0, "universal transition without a stack pointer")
	for _, s := range l.Regs {
		it.regs.SetLocation(s.Reg, sp+uint64(s.Offset))
	}
	it.loadIP(sp+uint64(l.CallerIP), "universal transition")
	it.regs.SetSP(sp + uint64(l.CallerSP))
	it.lowerBound = sp + uint64(l.LowerBound)
}

func (it *Iterator) unwindThrowSiteThunk() {
	a := it.rt.arch
	ctx := it.regs.SP() + a.ThrowSiteContextOffset()
	c := a.Context
	for _, s := range c.Regs {
		if isPreserved(a, s.Reg) {
			it.regs.SetLocation(s.Reg, ctx+uint64(s.Offset))
		}
	}
	it.loadIP(ctx+uint64(c.IP), "throw site context")
	it.regs.SetSP(it.readWord(ctx+uint64(c.SP), "throw site context stack pointer"))
}

func (it *Iterator) unwindFuncletInvokeThunk() {
	a := it.rt.arch
	l := a.FuncletInvoke
	word := uint64(a.WordSize)
	sp := it.regs.SP()

	if l.Shared {
		// Pop the shared trampoline; the inner return address names the
		// flavor.
		loc := sp + uint64(l.PreludeSkip)
		it.loadIP(loc, "shared funclet trampoline")
		sp = loc + word
		it.regs.SetSP(sp)
	}

	var frame arch.FuncletFrame
	switch it.rt.thunks.Flavor(it.controlPC) {
	case thunk.Catch:
		frame = l.Catch
	case thunk.Finally:
		frame = l.Finally
	case thunk.Filter:
		frame = l.Filter
	default:
		it.fail("return address is not a funclet trampoline")
	}

	if frame.StashFuncletRegs {
		// The trampoline restores the parent's registers; the funclet's
		// locations stay authoritative until it returns.
		it.funcletRegs = it.regs.SavePreserved(a.Preserved)
	}
	cursor := sp + uint64(frame.RegsOffset)
	for _, reg := range frame.Regs {
		it.regs.SetLocation(reg, cursor)
		cursor += word
	}
	it.loadIP(cursor, "funclet trampoline")
	it.regs.SetSP(cursor + word)
}

func isPreserved(a *arch.Arch, r arch.Reg) bool {
	for _, p := range a.Preserved {
		if p == r {
			return true
		}
	}
	return false
}
