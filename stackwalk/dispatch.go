package stackwalk

// DispatchStep is the outcome of one advance of a dispatcher-driven walk.
type DispatchStep struct {
	Valid bool
	// CollideClause is the clause index of the exception record the frame was
	// reached through, or NoClause.
	CollideClause         uint32
	UnwoundReversePInvoke bool
}

// InitForDispatch starts the walk the exception dispatcher drives from
// managed code on the current thread. A zero ctx requests a stack trace of
// the thread instead. When instructionFault is set the context PC is the
// faulting instruction itself rather than a return address.
func (rt *Runtime) InitForDispatch(th Thread, ctx uint64, instructionFault bool) (_ *Iterator, err error) {
	// The thread may have been hijacked while running managed code since the
	// last call.
	th.Unhijack()

	it := rt.newIterator(th)
	defer it.recoverAbort("dispatch-init", &err)
	if ctx == 0 {
		it.initFromTransitionFrame(th.TransitionFrameForStackTrace(), StackTraceStackWalkFlags)
	} else {
		it.initFromContext(ctx, EHStackWalkFlags)
		if instructionFault && it.IsValid() {
			// Yielded PCs are moved back one instruction; keep the faulting
			// instruction inside its protected region.
			it.controlPC = rt.arch.AdjustReturnAddressForward(it.controlPC)
		}
	}
	it.prepareToYieldFrame()
	if it.IsValid() {
		it.calculateCurrentMethodState()
	}
	it.traceInit("dispatch")
	return it, nil
}

// NextForDispatch advances a dispatcher-driven walk. When the new frame was
// reached through a funclet's exception record during an EH walk, that record
// is marked superseded: the exception being dispatched escaped the funclet.
func (it *Iterator) NextForDispatch() (_ DispatchStep, err error) {
	step := DispatchStep{CollideClause: NoClause}
	if !it.IsValid() {
		return step, ErrExhausted
	}
	it.thread.Unhijack()
	if err := it.Next(); err != nil {
		return step, err
	}
	defer it.recoverAbort("dispatch-next", &err)
	step.Valid = it.IsValid()
	if step.Valid {
		it.calculateCurrentMethodState()
	}
	if rec, ok := it.ExCollision(); ok {
		step.CollideClause = rec.CurClause
		if it.flags&ApplyReturnAddressAdjustment != 0 {
			rec.markSuperseded()
		}
	}
	step.UnwoundReversePInvoke = it.UnwoundReversePInvoke()
	return step, nil
}
