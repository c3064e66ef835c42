package stackwalk

import (
	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/regdisplay"
)

// TopOfStack is the transition frame address reported by the outermost
// reverse P/Invoke frame of a thread. A walk that reaches it is over.
const TopOfStack = ^uint64(0)

// IsTopOfStack reports whether a transition frame address read from memory of
// the given architecture is the top-of-stack marker.
func IsTopOfStack(a *arch.Arch, frame uint64) bool {
	if a.WordSize == 4 {
		return uint32(frame) == ^uint32(0)
	}
	return frame == TopOfStack
}

// NoClause is the clause index of an exception record that is not currently
// invoking a funclet.
const NoClause = ^uint32(0)

// Method is an opaque handle to a managed method, owned by its code manager.
type Method interface {
	Name() string
	Start() uint64
}

// CodeManager interprets the unwind and GC information of one range of
// managed code.
type CodeManager interface {
	// FindMethodInfo resolves pc to a method and the offset of pc within it.
	FindMethodInfo(pc uint64) (Method, uint32, bool)
	// UnwindStackFrame moves regs from the method's frame to its caller's.
	// When the method is a reverse P/Invoke entry point, the address of the
	// transition frame that preceded it (possibly TopOfStack) is returned;
	// otherwise 0.
	UnwindStackFrame(m Method, offset uint32, regs *regdisplay.RegDisplay) (uint64, error)
	IsFunclet(m Method) bool
	// GetFramePointer returns the establisher frame pointer shared by a
	// function and its funclets, or 0 when the method has none.
	GetFramePointer(m Method, regs *regdisplay.RegDisplay) uint64
	RemapHardwareFaultToGCSafePoint(m Method, offset uint32) uint32
	GetConservativeUpperBoundForOutgoingArgs(m Method, regs *regdisplay.RegDisplay) uint64
}

// Thread is the thread whose stack is walked.
type Thread interface {
	ID() uint64
	// IsHijacked reports whether a return address on the stack has been
	// redirected. Walks never observe a hijacked return address.
	IsHijacked() bool
	Unhijack()
	// ExInfoHead returns the deepest active exception record, or nil.
	ExInfoHead() *ExInfo
	// TransitionFrame returns the transition frame the thread is parked at.
	TransitionFrame() uint64
	// TransitionFrameForStackTrace returns the transition frame a thread
	// capturing its own stack trace erected.
	TransitionFrameForStackTrace() uint64
}

// GCRefKind is the kind of GC reference held in a return register.
type GCRefKind uint8

const (
	GCRefScalar GCRefKind = iota
	GCRefObject
	GCRefByref
)

func (k GCRefKind) String() string {
	switch k {
	case GCRefObject:
		return "object"
	case GCRefByref:
		return "byref"
	default:
		return "scalar"
	}
}
