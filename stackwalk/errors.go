package stackwalk

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrExhausted is returned by Next when the iterator is already invalid.
var ErrExhausted = errors.New("stack walk is complete")

// FatalError describes an inconsistency detected during a walk: corrupted
// stack memory, a misclassified return address, or a broken invariant. A live
// runtime cannot recover from one; an offline inspector reports it.
type FatalError struct {
	Op     string
	Msg    string
	Thread uint64
	PC     uint64
	SP     uint64
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stack walk %s failed on thread %d at pc=%#x sp=%#x: %s",
		e.Op, e.Thread, e.PC, e.SP, e.Msg)
}

// GRPCStatus lets inspection failures cross RPC boundaries intact.
func (e *FatalError) GRPCStatus() *status.Status {
	return status.New(codes.DataLoss, e.Error())
}

// walkAbort carries a FatalError from the point of detection to the public
// entry point of the walk.
type walkAbort struct {
	err *FatalError
}

func (it *Iterator) fail(format string, args ...any) {
	var thread uint64
	if it.thread != nil {
		thread = it.thread.ID()
	}
	panic(walkAbort{err: &FatalError{
		Msg:    fmt.Sprintf(format, args...),
		Thread: thread,
		PC:     it.controlPC,
		SP:     it.regs.SP(),
	}})
}

// check fails the walk unless cond holds.
func (it *Iterator) check(cond bool, format string, args ...any) {
	if !cond {
		it.fail(format, args...)
	}
}

// recoverAbort turns a failure raised by fail into the outcome configured on
// the runtime. In inspection mode the iterator is left invalid and the error
// is returned; otherwise the fail-fast hook runs and does not return.
func (it *Iterator) recoverAbort(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	abort, ok := r.(walkAbort)
	if !ok {
		panic(r)
	}
	abort.err.Op = op
	it.invalidate()
	it.rt.reportFailure(abort.err)
	if !it.rt.cfg.inspection {
		it.rt.cfg.failFast(abort.err)
	}
	*errp = abort.err
}
