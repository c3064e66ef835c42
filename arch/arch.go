// Package arch describes the machine-level facts the stack walker needs about
// a target: register numbering, ABI record layouts, and the shapes of the
// hand-written trampoline frames that sit between managed frames.
//
// Everything in this package is configuration data. The walker never encodes
// an offset of its own; it asks the Arch it was constructed with.
package arch

import (
	"errors"
	"fmt"
)

// ErrUnsupportedArch is returned by Lookup for architectures that are known
// but have no trampoline layouts.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Name identifies an architecture.
type Name string

const (
	AMD64 Name = "amd64"
	X86   Name = "x86"
	ARM   Name = "arm"
	ARM64 Name = "arm64"
)

// Reg is a register number in the hardware encoding of its architecture.
type Reg uint8

// NumRegs bounds the register numbers of every supported architecture.
const NumRegs = 16

// NoReg marks an absent register.
const NoReg Reg = 0xff

// amd64 registers.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// x86 registers share the low amd64 encodings.
const (
	EAX = RAX
	ECX = RCX
	EDX = RDX
	EBX = RBX
	ESP = RSP
	EBP = RBP
	ESI = RSI
	EDI = RDI
)

// arm registers.
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	// R8 through R15 share their encodings with the amd64 constants.
	_
	_
	_
	_
	_
	ArmSP
	ArmLR
	ArmPC
)

// RegSlot places a register at a byte offset inside some record.
type RegSlot struct {
	Reg    Reg
	Offset int
}

// SlotKind says how a flag-selected transition frame slot is consumed.
type SlotKind uint8

const (
	// SlotLocation records the address of the slot as the register's location.
	SlotLocation SlotKind = iota
	// SlotSPValue is the saved stack pointer, consumed by value.
	SlotSPValue
	// SlotForbidden names a flag that must never be set; it has no storage.
	SlotForbidden
)

// SavedSlot is one entry of the flag-selected preserved register area of a
// transition frame. Slots are stored in the order they are listed.
type SavedSlot struct {
	Flag uint64
	Reg  Reg
	Kind SlotKind
}

// TransitionLayout describes the record a thread leaves behind when managed
// code calls out to native code.
type TransitionLayout struct {
	IP            int
	FramePointer  int
	ChainPointer  int // -1 when absent
	Flags         int
	PreservedRegs int

	FramePointerReg Reg
	ChainPointerReg Reg
	// IPAliasReg is initialized to the location of the IP field (the link
	// register on arm).
	IPAliasReg Reg

	Saved []SavedSlot

	ReturnIsGCRef uint64
	ReturnIsByref uint64
}

// ContextLayout describes the limited machine context saved at throw sites
// and by the exception dispatcher.
type ContextLayout struct {
	IP   int
	SP   int
	Regs []RegSlot
	// Float is the offset of the non-volatile floating point block, which is
	// FloatSize bytes long. FloatSize is 0 when the context carries none.
	Float     int
	FloatSize int
	Size      int
}

// UniversalTransitionLayout describes the frame of the generic argument
// marshalling trampoline relative to its own stack pointer.
type UniversalTransitionLayout struct {
	CallerSP int
	CallerIP int
	// LowerBound is the first byte of the area that may hold GC references
	// but has no precise description (argument registers spilled by the
	// trampoline).
	LowerBound int
	Regs       []RegSlot
}

// CallDescrLayout describes the saved context of the call-descriptor
// trampoline. The context base is the frame pointer value minus Bias.
type CallDescrLayout struct {
	Bias int
	Regs []RegSlot
	IP   int
	Size int
}

// ThrowSiteLayout locates the saved context inside the throw trampoline's
// frame: OutgoingScratch bytes of scratch, then the exception record, then
// the context.
type ThrowSiteLayout struct {
	OutgoingScratch int
	ExInfoSize      int
}

// FuncletFrame is the shape of the funclet invocation trampoline for one
// funclet flavor. Regs are stored consecutively from RegsOffset and are
// followed by the return address into the dispatcher.
type FuncletFrame struct {
	RegsOffset int
	Regs       []Reg
	// StashFuncletRegs is set when the trampoline restores the parent's
	// preserved registers, so the funclet's own locations must be kept aside.
	StashFuncletRegs bool
}

// FuncletInvokeLayout covers every funclet flavor.
type FuncletInvokeLayout struct {
	Catch   FuncletFrame
	Finally FuncletFrame
	Filter  FuncletFrame
	// Shared is set when one trampoline serves every flavor and its own frame
	// must be popped first: PreludeSkip bytes, then the inner return address
	// whose value names the flavor.
	Shared      bool
	PreludeSkip int
}

// Arch is the complete description of one target architecture.
type Arch struct {
	Name         Name
	WordSize     int
	MinInsnWidth uint64
	StackAlign   uint64
	RegNames     [NumRegs]string

	FP          Reg
	ReturnValue Reg
	LR          Reg
	// Preserved are the callee-saved registers. Their locations are stashed
	// while a funclet invocation trampoline is unwound.
	Preserved []Reg

	Transition          TransitionLayout
	Context             ContextLayout
	UniversalTransition UniversalTransitionLayout
	CallDescr           CallDescrLayout
	ThrowSite           ThrowSiteLayout
	FuncletInvoke       FuncletInvokeLayout
	// ManagedCalloutFrameOffset is the frame-pointer relative offset of the
	// slot holding the managed callout's transition frame address.
	ManagedCalloutFrameOffset int
}

// Lookup returns the description of the named architecture.
func Lookup(name string) (*Arch, error) {
	switch Name(name) {
	case AMD64, "x86_64":
		return amd64Arch, nil
	case X86, "386", "i386":
		return x86Arch, nil
	case ARM, "arm32":
		return armArch, nil
	case ARM64, "aarch64":
		return nil, fmt.Errorf("%s: %w: no trampoline frame layouts", name, ErrUnsupportedArch)
	default:
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
}

// RegName returns the printable name of r.
func (a *Arch) RegName(r Reg) string {
	if r >= NumRegs || a.RegNames[r] == "" {
		return fmt.Sprintf("reg%d", r)
	}
	return a.RegNames[r]
}

// RegByName resolves a printable register name.
func (a *Arch) RegByName(name string) (Reg, bool) {
	for i, n := range a.RegNames {
		if n != "" && n == name {
			return Reg(i), true
		}
	}
	return NoReg, false
}

// ThrowSiteContextOffset is the offset of the saved context from the throw
// trampoline's stack pointer.
func (a *Arch) ThrowSiteContextOffset() uint64 {
	return uint64(a.ThrowSite.OutgoingScratch) + AlignUp(uint64(a.ThrowSite.ExInfoSize), a.StackAlign)
}

// ThrowSiteExInfoOffset is the offset of the exception record from the throw
// trampoline's stack pointer.
func (a *Arch) ThrowSiteExInfoOffset() uint64 {
	return uint64(a.ThrowSite.OutgoingScratch)
}

// AdjustReturnAddressBackward moves a return address into the call
// instruction that produced it.
func (a *Arch) AdjustReturnAddressBackward(pc uint64) uint64 {
	return pc - a.MinInsnWidth
}

// AdjustReturnAddressForward undoes AdjustReturnAddressBackward.
func (a *Arch) AdjustReturnAddressForward(pc uint64) uint64 {
	return pc + a.MinInsnWidth
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
