package arch

import "fmt"

// Validate checks the internal consistency of the layout tables.
func (a *Arch) Validate() error {
	if a.WordSize != 4 && a.WordSize != 8 {
		return fmt.Errorf("%s: invalid word size %d", a.Name, a.WordSize)
	}
	if a.MinInsnWidth == 0 {
		return fmt.Errorf("%s: missing minimum instruction width", a.Name)
	}
	if a.StackAlign == 0 || a.StackAlign&(a.StackAlign-1) != 0 {
		return fmt.Errorf("%s: stack alignment %d is not a power of two", a.Name, a.StackAlign)
	}
	if a.FP >= NumRegs || a.ReturnValue >= NumRegs {
		return fmt.Errorf("%s: frame pointer and return value registers are required", a.Name)
	}
	if err := a.validateTransition(); err != nil {
		return err
	}
	if err := checkSlots(a, "context", a.Context.Regs, a.Context.Size, a.Context.IP, a.Context.SP); err != nil {
		return err
	}
	if a.Context.FloatSize > 0 && a.Context.Float+a.Context.FloatSize > a.Context.Size {
		return fmt.Errorf("%s: context float block exceeds context size", a.Name)
	}
	ut := a.UniversalTransition
	if ut.LowerBound >= ut.CallerSP || ut.CallerIP >= ut.CallerSP {
		return fmt.Errorf("%s: universal transition slots must lie below the caller SP", a.Name)
	}
	if err := checkSlots(a, "universal transition", ut.Regs, ut.CallerSP, ut.CallerIP); err != nil {
		return err
	}
	cd := a.CallDescr
	if err := checkSlots(a, "call descriptor", cd.Regs, cd.Size, cd.IP); err != nil {
		return err
	}
	fi := a.FuncletInvoke
	for name, f := range map[string]FuncletFrame{"catch": fi.Catch, "finally": fi.Finally, "filter": fi.Filter} {
		if len(f.Regs) == 0 {
			return fmt.Errorf("%s: %s funclet frame restores no registers", a.Name, name)
		}
		if f.RegsOffset%a.WordSize != 0 {
			return fmt.Errorf("%s: %s funclet frame offset %#x is not word aligned", a.Name, name, f.RegsOffset)
		}
	}
	if fi.Shared != (fi.PreludeSkip != 0) {
		return fmt.Errorf("%s: shared funclet trampoline requires a prelude", a.Name)
	}
	if a.ManagedCalloutFrameOffset >= 0 {
		return fmt.Errorf("%s: managed callout slot must be below the frame pointer", a.Name)
	}
	return nil
}

func (a *Arch) validateTransition() error {
	t := a.Transition
	offs := []int{t.IP, t.FramePointer, t.Flags, t.PreservedRegs}
	if t.ChainPointer >= 0 {
		offs = append(offs, t.ChainPointer)
		if t.ChainPointerReg == NoReg {
			return fmt.Errorf("%s: transition chain pointer has no register", a.Name)
		}
	}
	seen := make(map[int]bool, len(offs))
	for _, o := range offs {
		if o%a.WordSize != 0 {
			return fmt.Errorf("%s: transition offset %#x is not word aligned", a.Name, o)
		}
		if seen[o] {
			return fmt.Errorf("%s: transition offset %#x used twice", a.Name, o)
		}
		seen[o] = true
	}
	var flags uint64
	for _, s := range t.Saved {
		if s.Flag == 0 || s.Flag&(s.Flag-1) != 0 {
			return fmt.Errorf("%s: transition flag %#x is not a single bit", a.Name, s.Flag)
		}
		if flags&s.Flag != 0 {
			return fmt.Errorf("%s: transition flag %#x used twice", a.Name, s.Flag)
		}
		flags |= s.Flag
	}
	if flags&(t.ReturnIsGCRef|t.ReturnIsByref) != 0 || t.ReturnIsGCRef == t.ReturnIsByref {
		return fmt.Errorf("%s: return value flags overlap saved register flags", a.Name)
	}
	return nil
}

func checkSlots(a *Arch, what string, regs []RegSlot, size int, extra ...int) error {
	seen := make(map[int]bool, len(regs)+len(extra))
	check := func(o int) error {
		if o < 0 || o+a.WordSize > size {
			return fmt.Errorf("%s: %s offset %#x outside record of %#x bytes", a.Name, what, o, size)
		}
		if o%a.WordSize != 0 {
			return fmt.Errorf("%s: %s offset %#x is not word aligned", a.Name, what, o)
		}
		if seen[o] {
			return fmt.Errorf("%s: %s offset %#x used twice", a.Name, what, o)
		}
		seen[o] = true
		return nil
	}
	for _, o := range extra {
		if err := check(o); err != nil {
			return err
		}
	}
	for _, r := range regs {
		if r.Reg >= NumRegs {
			return fmt.Errorf("%s: %s slot names an invalid register", a.Name, what)
		}
		if err := check(r.Offset); err != nil {
			return err
		}
	}
	return nil
}
