package stackwalk

import "strings"

// Flags select the behavior of a walk. They are fixed when the iterator is
// constructed.
type Flags uint32

const (
	// ApplyReturnAddressAdjustment moves every yielded control PC back into
	// the call instruction so that it lies inside the protected region of the
	// call site.
	ApplyReturnAddressAdjustment Flags = 1 << iota
	// CollapseFunclets skips frames whose GC information was already reported
	// by a leafmost funclet of the same function.
	CollapseFunclets
	// RemapHardwareFaultsToSafePoint moves the code offset of a frame that
	// took a hardware fault to the next GC safe point.
	RemapHardwareFaultsToSafePoint
)

const (
	GCStackWalkFlags         = CollapseFunclets | RemapHardwareFaultsToSafePoint
	EHStackWalkFlags         = ApplyReturnAddressAdjustment
	StackTraceStackWalkFlags = GCStackWalkFlags
)

func (f Flags) String() string {
	var parts []string
	if f&ApplyReturnAddressAdjustment != 0 {
		parts = append(parts, "adjust-return-address")
	}
	if f&CollapseFunclets != 0 {
		parts = append(parts, "collapse-funclets")
	}
	if f&RemapHardwareFaultsToSafePoint != 0 {
		parts = append(parts, "remap-hardware-faults")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// state bits are recomputed on every advance.
type state uint8

const (
	methodStateCalculated state = 1 << iota
	exCollide
	unwoundReversePInvoke
)
