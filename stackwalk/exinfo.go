package stackwalk

import "fmt"

// ExKind is the dispatch kind of an exception record.
type ExKind uint8

const (
	ExKindThrow         ExKind = 1
	ExKindHardwareFault ExKind = 2
	ExKindRethrow       ExKind = 3

	exKindMask ExKind = 0x7
	// ExKindSupersededFlag is set on a record once an EH walk has passed it
	// while dispatching a newer exception thrown from one of its funclets.
	ExKindSupersededFlag ExKind = 0x8
)

func (k ExKind) String() string {
	var s string
	switch k & exKindMask {
	case ExKindThrow:
		s = "throw"
	case ExKindHardwareFault:
		s = "hardware-fault"
	case ExKindRethrow:
		s = "rethrow"
	default:
		s = fmt.Sprintf("kind(%d)", uint8(k&exKindMask))
	}
	if k&ExKindSupersededFlag != 0 {
		s += "+superseded"
	}
	return s
}

// ExInfo is one active exception dispatch. Records are installed and removed
// by the exception dispatcher; the walker reads them and only ever sets the
// superseded flag.
type ExInfo struct {
	// Addr is the stack address of the record. Records below the stack
	// pointer of a frame belong to dispatches the frame has already left.
	Addr uint64
	// Prev is the next shallower record.
	Prev *ExInfo

	Kind      ExKind
	Pass      uint8
	CurClause uint32
	// ExContext is the address of the full context saved at the throw site.
	ExContext uint64
	// FrameIter is the dispatcher's iterator state captured when it invoked
	// the funclet for CurClause.
	FrameIter *Snapshot
}

// BaseKind returns the dispatch kind without the superseded flag.
func (e *ExInfo) BaseKind() ExKind {
	return e.Kind & exKindMask
}

// Superseded reports whether the superseded flag is set.
func (e *ExInfo) Superseded() bool {
	return e.Kind&ExKindSupersededFlag != 0
}

func (e *ExInfo) markSuperseded() {
	e.Kind |= ExKindSupersededFlag
}

// LinkExInfos chains records given deepest first and returns the head.
func LinkExInfos(records ...*ExInfo) (*ExInfo, error) {
	for i, r := range records {
		if r == nil {
			return nil, fmt.Errorf("exception record %d is nil", i)
		}
		if r.Pass != 1 && r.Pass != 2 {
			return nil, fmt.Errorf("exception record at %#x: invalid pass %d", r.Addr, r.Pass)
		}
		if i > 0 && records[i-1].Addr >= r.Addr {
			return nil, fmt.Errorf("exception record at %#x is not shallower than %#x", r.Addr, records[i-1].Addr)
		}
		if i+1 < len(records) {
			r.Prev = records[i+1]
		} else {
			r.Prev = nil
		}
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}
