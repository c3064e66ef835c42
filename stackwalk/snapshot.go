package stackwalk

import (
	"github.com/DataExMachina-dev/stackwalk-go/regdisplay"
)

// Snapshot is the transferable state of an iterator. The exception
// dispatcher stores one in an exception record when it invokes a funclet, so
// that walks colliding with the record can continue from the owning frame.
type Snapshot struct {
	Regs       regdisplay.RegDisplay
	ControlPC  uint64
	Flags      Flags
	NextExInfo *ExInfo
}

// Snapshot captures the current state of the iterator.
func (it *Iterator) Snapshot() *Snapshot {
	return &Snapshot{
		Regs:       it.regs.Clone(),
		ControlPC:  it.controlPC,
		Flags:      it.flags,
		NextExInfo: it.nextExInfo,
	}
}

// updateFromExceptionDispatch replaces the walk state with s. The locations
// of the funclet's preserved registers recorded while unwinding the funclet
// trampoline are kept: they stay authoritative until the funclet returns and
// the dispatcher copies them back.
func (it *Iterator) updateFromExceptionDispatch(s *Snapshot) {
	it.check(s.Regs.Arch() == it.rt.arch, "dispatcher state is for a different architecture")

	funcletRegs := it.funcletRegs
	it.regs = s.Regs.Clone()
	it.controlPC = s.ControlPC
	it.flags = s.Flags
	it.nextExInfo = s.NextExInfo
	it.cm = nil
	it.method = nil
	it.codeOffset = 0
	it.framePointer = 0
	it.state = 0
	it.pendingFuncletFP = 0
	it.hijackedLoc = 0
	it.hijackedKind = GCRefScalar
	it.lowerBound = 0
	it.upperBound = 0
	it.regs.RestorePreserved(funcletRegs)

	if !it.IsValid() {
		return
	}
	it.check(it.regs.SP() != 0, "dispatcher state has no stack pointer")
	if loc := it.regs.AddrOfIP(); loc != 0 {
		ip := it.readWord(loc, "dispatcher state return address")
		it.check(ip == it.regs.IP(), "dispatcher state return address at %#x changed from %#x to %#x",
			loc, it.regs.IP(), ip)
	}
}
