// Package regdisplay implements the register cursor used while walking a
// stack: the instruction pointer with the address it was loaded from, the
// stack pointer, and for every other register either nothing, a value, or the
// location in target memory that holds it.
//
// Locations matter more than values. A precise GC reports roots by location
// so that it can update them in place after relocating objects.
package regdisplay

import (
	"fmt"
	"strings"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/target"
)

type slotKind uint8

const (
	slotUnset slotKind = iota
	slotValue
	slotLocation
)

// Slot is the state of one register.
type Slot struct {
	kind slotKind
	v    uint64 // value or location
}

// IsSet reports whether the slot holds a value or a location.
func (s Slot) IsSet() bool { return s.kind != slotUnset }

// RegDisplay is a register cursor. The zero value is not usable; construct
// one with New.
type RegDisplay struct {
	arch *arch.Arch
	mem  target.Memory

	ip    uint64
	addIP uint64 // location the IP was loaded from, 0 if none
	sp    uint64
	regs  [arch.NumRegs]Slot
	float []byte
}

// New returns an empty cursor for the given architecture and memory.
func New(a *arch.Arch, mem target.Memory) RegDisplay {
	return RegDisplay{arch: a, mem: mem}
}

// Arch returns the architecture of the cursor.
func (r *RegDisplay) Arch() *arch.Arch { return r.arch }

// Memory returns the memory register locations refer to.
func (r *RegDisplay) Memory() target.Memory { return r.mem }

// Reset clears all state but keeps the architecture and memory.
func (r *RegDisplay) Reset() {
	*r = RegDisplay{arch: r.arch, mem: r.mem}
}

// IP returns the instruction pointer.
func (r *RegDisplay) IP() uint64 { return r.ip }

// SetIP sets the instruction pointer without a location.
func (r *RegDisplay) SetIP(ip uint64) { r.ip = ip }

// AddrOfIP returns the location the instruction pointer was loaded from, or 0.
func (r *RegDisplay) AddrOfIP() uint64 { return r.addIP }

// SetAddrOfIP records where the instruction pointer lives.
func (r *RegDisplay) SetAddrOfIP(loc uint64) { r.addIP = loc }

// LoadIPFrom sets both the location of the instruction pointer and its value
// read from that location.
func (r *RegDisplay) LoadIPFrom(loc uint64) bool {
	ip, ok := target.ReadWord(r.mem, loc, r.arch.WordSize)
	if !ok {
		return false
	}
	r.addIP = loc
	r.ip = ip
	return true
}

// SP returns the stack pointer.
func (r *RegDisplay) SP() uint64 { return r.sp }

// SetSP sets the stack pointer.
func (r *RegDisplay) SetSP(sp uint64) { r.sp = sp }

// Slot returns the raw state of reg.
func (r *RegDisplay) Slot(reg arch.Reg) Slot {
	if reg >= arch.NumRegs {
		return Slot{}
	}
	return r.regs[reg]
}

// SetSlot restores a previously captured slot.
func (r *RegDisplay) SetSlot(reg arch.Reg, s Slot) {
	if reg < arch.NumRegs {
		r.regs[reg] = s
	}
}

// SetLocation records that reg lives at loc in target memory.
func (r *RegDisplay) SetLocation(reg arch.Reg, loc uint64) {
	if reg < arch.NumRegs {
		r.regs[reg] = Slot{kind: slotLocation, v: loc}
	}
}

// SetValue records the value of reg without a location.
func (r *RegDisplay) SetValue(reg arch.Reg, v uint64) {
	if reg < arch.NumRegs {
		r.regs[reg] = Slot{kind: slotValue, v: v}
	}
}

// Clear forgets reg.
func (r *RegDisplay) Clear(reg arch.Reg) {
	if reg < arch.NumRegs {
		r.regs[reg] = Slot{}
	}
}

// Location returns the location of reg, if it has one.
func (r *RegDisplay) Location(reg arch.Reg) (uint64, bool) {
	s := r.Slot(reg)
	if s.kind != slotLocation {
		return 0, false
	}
	return s.v, true
}

// Value returns the current value of reg, reading through its location if
// needed. It returns false for an unset register or an unreadable location.
func (r *RegDisplay) Value(reg arch.Reg) (uint64, bool) {
	s := r.Slot(reg)
	switch s.kind {
	case slotValue:
		return s.v, true
	case slotLocation:
		return target.ReadWord(r.mem, s.v, r.arch.WordSize)
	default:
		return 0, false
	}
}

// Store writes v to reg. A register with a location is updated in target
// memory, which requires a writable memory.
func (r *RegDisplay) Store(reg arch.Reg, v uint64) error {
	s := r.Slot(reg)
	switch s.kind {
	case slotLocation:
		w, ok := r.mem.(target.Writer)
		if !ok {
			return fmt.Errorf("cannot store %s: memory is read-only", r.arch.RegName(reg))
		}
		if !target.WriteWord(w, s.v, r.arch.WordSize, v) {
			return fmt.Errorf("cannot store %s at %#x", r.arch.RegName(reg), s.v)
		}
		return nil
	case slotValue:
		r.regs[reg].v = v
		return nil
	default:
		return fmt.Errorf("cannot store %s: register is not tracked", r.arch.RegName(reg))
	}
}

// FP returns the value of the frame pointer register, or 0 if it is unknown.
func (r *RegDisplay) FP() uint64 {
	v, _ := r.Value(r.arch.FP)
	return v
}

// Float returns the non-volatile floating point block, nil when the cursor
// was seeded from a record that does not carry one.
func (r *RegDisplay) Float() []byte { return r.float }

// SetFloat copies the non-volatile floating point block.
func (r *RegDisplay) SetFloat(b []byte) {
	r.float = append(r.float[:0], b...)
}

// Clone returns a copy that shares no mutable state with r.
func (r *RegDisplay) Clone() RegDisplay {
	c := *r
	if r.float != nil {
		c.float = append([]byte(nil), r.float...)
	}
	return c
}

// Preserved is a saved set of register slots.
type Preserved struct {
	regs  []arch.Reg
	slots []Slot
}

// SavePreserved captures the slots of regs.
func (r *RegDisplay) SavePreserved(regs []arch.Reg) Preserved {
	p := Preserved{regs: regs, slots: make([]Slot, len(regs))}
	for i, reg := range regs {
		p.slots[i] = r.Slot(reg)
	}
	return p
}

// RestorePreserved puts back slots captured by SavePreserved. Empty
// captures are ignored.
func (r *RegDisplay) RestorePreserved(p Preserved) {
	for i, reg := range p.regs {
		r.SetSlot(reg, p.slots[i])
	}
}

// IsEmpty reports whether nothing was captured.
func (p Preserved) IsEmpty() bool { return len(p.regs) == 0 }

// String renders the cursor for diagnostics.
func (r *RegDisplay) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ip=%#x", r.ip)
	if r.addIP != 0 {
		fmt.Fprintf(&sb, "@%#x", r.addIP)
	}
	fmt.Fprintf(&sb, " sp=%#x", r.sp)
	for i, s := range r.regs {
		switch s.kind {
		case slotValue:
			fmt.Fprintf(&sb, " %s=%#x", r.arch.RegName(arch.Reg(i)), s.v)
		case slotLocation:
			fmt.Fprintf(&sb, " %s@%#x", r.arch.RegName(arch.Reg(i)), s.v)
		}
	}
	return sb.String()
}
