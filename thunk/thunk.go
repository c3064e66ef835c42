// Package thunk classifies return addresses that land inside the runtime's
// hand-written trampolines.
//
// Trampolines do not have unwind information that a code manager can
// interpret, so the walker recognizes them by the exact return addresses they
// push and decodes their frames from fixed layouts.
package thunk

import (
	"fmt"
	"sort"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
)

// ID names a trampoline return address.
type ID uint8

const (
	Invalid ID = iota
	UniversalTransition
	CallDescr
	ThrowEx
	ThrowHwEx
	Rethrow
	CallCatchFunclet
	CallFinallyFunclet
	CallFilterFunclet
	// CallFunclet is the single funclet trampoline shared by every flavor on
	// architectures whose FuncletInvokeLayout is Shared.
	CallFunclet
	ManagedCallout
)

var idNames = map[ID]string{
	UniversalTransition: "universal-transition",
	CallDescr:           "call-descr",
	ThrowEx:             "throw",
	ThrowHwEx:           "throw-hw",
	Rethrow:             "rethrow",
	CallCatchFunclet:    "call-catch-funclet",
	CallFinallyFunclet:  "call-finally-funclet",
	CallFilterFunclet:   "call-filter-funclet",
	CallFunclet:         "call-funclet",
	ManagedCallout:      "managed-callout",
}

func (id ID) String() string {
	if s, ok := idNames[id]; ok {
		return s
	}
	return fmt.Sprintf("thunk(%d)", uint8(id))
}

// ParseID resolves the name produced by ID.String.
func ParseID(s string) (ID, error) {
	for id, name := range idNames {
		if name == s {
			return id, nil
		}
	}
	return Invalid, fmt.Errorf("unknown trampoline %q", s)
}

// Category is the classification of a return address.
type Category uint8

const (
	InManagedCode Category = iota
	InCallDescrThunk
	InUniversalTransitionThunk
	InThrowSiteThunk
	InFuncletInvokeThunk
	InManagedCalloutThunk
)

func (c Category) String() string {
	switch c {
	case InManagedCode:
		return "managed"
	case InCallDescrThunk:
		return "call-descr"
	case InUniversalTransitionThunk:
		return "universal-transition"
	case InThrowSiteThunk:
		return "throw-site"
	case InFuncletInvokeThunk:
		return "funclet-invoke"
	case InManagedCalloutThunk:
		return "managed-callout"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// IsNonEH reports whether c is one of the trampolines that never participate
// in exception dispatch.
func (c Category) IsNonEH() bool {
	return c == InCallDescrThunk || c == InUniversalTransitionThunk || c == InManagedCalloutThunk
}

// Flavor is the kind of funclet a funclet invocation trampoline runs.
type Flavor uint8

const (
	NoFlavor Flavor = iota
	Catch
	Finally
	Filter
)

// Descriptor binds a trampoline to its return address.
type Descriptor struct {
	Name string
	ID   ID
	Addr uint64
}

// Table is the immutable set of trampoline return addresses of a runtime.
type Table struct {
	arch   *arch.Arch
	byAddr map[uint64]Descriptor
	byID   map[ID]Descriptor
}

// NewTable validates descs against a and builds a Table.
func NewTable(a *arch.Arch, descs []Descriptor) (*Table, error) {
	t := &Table{
		arch:   a,
		byAddr: make(map[uint64]Descriptor, len(descs)),
		byID:   make(map[ID]Descriptor, len(descs)),
	}
	for _, d := range descs {
		if _, ok := idNames[d.ID]; !ok {
			return nil, fmt.Errorf("trampoline %q: invalid id %d", d.Name, d.ID)
		}
		if d.Addr == 0 {
			return nil, fmt.Errorf("trampoline %s: missing address", d.ID)
		}
		if prev, ok := t.byAddr[d.Addr]; ok {
			return nil, fmt.Errorf("trampolines %s and %s share address %#x", prev.ID, d.ID, d.Addr)
		}
		if _, ok := t.byID[d.ID]; ok {
			return nil, fmt.Errorf("trampoline %s registered twice", d.ID)
		}
		if d.Name == "" {
			d.Name = d.ID.String()
		}
		t.byAddr[d.Addr] = d
		t.byID[d.ID] = d
	}
	_, shared := t.byID[CallFunclet]
	if shared && !a.FuncletInvoke.Shared {
		return nil, fmt.Errorf("%s does not use a shared funclet trampoline", a.Name)
	}
	if shared {
		// The inner return addresses tell the funclet flavors apart.
		for _, id := range []ID{CallCatchFunclet, CallFinallyFunclet, CallFilterFunclet} {
			if _, ok := t.byID[id]; !ok {
				return nil, fmt.Errorf("%s: shared funclet trampoline requires %s", a.Name, id)
			}
		}
	}
	return t, nil
}

// Arch returns the architecture of the table.
func (t *Table) Arch() *arch.Arch { return t.arch }

// Lookup returns the descriptor registered at addr.
func (t *Table) Lookup(addr uint64) (Descriptor, bool) {
	d, ok := t.byAddr[addr]
	return d, ok
}

// Addr returns the return address registered for id, or 0.
func (t *Table) Addr(id ID) uint64 {
	return t.byID[id].Addr
}

// Descriptors returns the registered descriptors in address order.
func (t *Table) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(t.byAddr))
	for _, d := range t.byAddr {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Classify returns the category of an unadjusted return address. Addresses
// that are not trampoline return addresses are assumed to be managed code;
// the caller verifies that a code manager owns them.
func (t *Table) Classify(addr uint64) Category {
	d, ok := t.byAddr[addr]
	if !ok {
		return InManagedCode
	}
	switch d.ID {
	case UniversalTransition:
		return InUniversalTransitionThunk
	case CallDescr:
		return InCallDescrThunk
	case ThrowEx, ThrowHwEx, Rethrow:
		return InThrowSiteThunk
	case ManagedCallout:
		return InManagedCalloutThunk
	case CallFunclet:
		return InFuncletInvokeThunk
	case CallCatchFunclet, CallFinallyFunclet, CallFilterFunclet:
		if t.arch.FuncletInvoke.Shared {
			// Inner return addresses of the shared trampoline; they are only
			// reached after its prelude has been popped.
			return InManagedCode
		}
		return InFuncletInvokeThunk
	}
	return InManagedCode
}

// Flavor returns the funclet flavor whose trampoline pushes addr.
func (t *Table) Flavor(addr uint64) Flavor {
	d, ok := t.byAddr[addr]
	if !ok {
		return NoFlavor
	}
	switch d.ID {
	case CallCatchFunclet:
		return Catch
	case CallFinallyFunclet:
		return Finally
	case CallFilterFunclet:
		return Filter
	}
	return NoFlavor
}
