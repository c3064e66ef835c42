// Package codemanager is a table-driven code manager. Each method carries a
// compact binary description of its frame which is decoded on first use.
package codemanager

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/regdisplay"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/target"
)

// MethodDesc describes one method of a module.
type MethodDesc struct {
	Name   string
	Start  uint64
	Size   uint64
	Unwind []byte
}

// Method is a method of a Module.
type Method struct {
	mod    *Module
	idx    int
	name   string
	start  uint64
	end    uint64
	unwind []byte
}

var _ stackwalk.Method = (*Method)(nil)

func (m *Method) Name() string  { return m.name }
func (m *Method) Start() uint64 { return m.start }
func (m *Method) End() uint64   { return m.end }

// Module implements stackwalk.CodeManager for a contiguous range of code.
type Module struct {
	arch    *arch.Arch
	mem     target.Memory
	methods []*Method // sorted by start

	group singleflight.Group
	mu    struct {
		sync.Mutex
		decoded map[int]*UnwindInfo
	}
}

var _ stackwalk.CodeManager = (*Module)(nil)

// NewModule builds a module from its methods, which must not overlap.
func NewModule(a *arch.Arch, mem target.Memory, descs []MethodDesc) (*Module, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("module has no methods")
	}
	mod := &Module{arch: a, mem: mem}
	mod.mu.decoded = make(map[int]*UnwindInfo)
	for _, d := range descs {
		if d.Size == 0 || d.Start+d.Size < d.Start {
			return nil, fmt.Errorf("method %q has an invalid range", d.Name)
		}
		mod.methods = append(mod.methods, &Method{
			mod:    mod,
			name:   d.Name,
			start:  d.Start,
			end:    d.Start + d.Size,
			unwind: d.Unwind,
		})
	}
	sort.Slice(mod.methods, func(i, j int) bool {
		return mod.methods[i].start < mod.methods[j].start
	})
	for i, m := range mod.methods {
		m.idx = i
		if i > 0 && mod.methods[i-1].end > m.start {
			return nil, fmt.Errorf("method %q overlaps %q", m.name, mod.methods[i-1].name)
		}
	}
	return mod, nil
}

// Range returns the [start, end) range of code covered by the module.
func (mod *Module) Range() (start, end uint64) {
	return mod.methods[0].start, mod.methods[len(mod.methods)-1].end
}

// Methods returns the methods of the module in address order.
func (mod *Module) Methods() []*Method {
	return mod.methods
}

// Validate decodes the unwind info of every method.
func (mod *Module) Validate() error {
	for _, m := range mod.methods {
		if _, err := mod.info(m); err != nil {
			return err
		}
	}
	return nil
}

// UnwindInfo returns the decoded unwind info of m.
func (mod *Module) UnwindInfo(m *Method) (UnwindInfo, error) {
	info, err := mod.info(m)
	if err != nil {
		return UnwindInfo{}, err
	}
	return *info, nil
}

func (mod *Module) info(m *Method) (*UnwindInfo, error) {
	mod.mu.Lock()
	info, ok := mod.mu.decoded[m.idx]
	mod.mu.Unlock()
	if ok {
		return info, nil
	}
	v, err, _ := mod.group.Do(strconv.Itoa(m.idx), func() (interface{}, error) {
		decoded, err := Decode(m.unwind, mod.arch.WordSize)
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", m.name, err)
		}
		mod.mu.Lock()
		defer mod.mu.Unlock()
		mod.mu.decoded[m.idx] = &decoded
		return &decoded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UnwindInfo), nil
}

func (mod *Module) method(m stackwalk.Method) (*Method, error) {
	mm, ok := m.(*Method)
	if !ok || mm.mod != mod {
		return nil, fmt.Errorf("method %q does not belong to this module", m.Name())
	}
	return mm, nil
}

func (mod *Module) infoFor(m stackwalk.Method) (*UnwindInfo, error) {
	mm, err := mod.method(m)
	if err != nil {
		return nil, err
	}
	return mod.info(mm)
}

// FindMethodInfo implements stackwalk.CodeManager.
func (mod *Module) FindMethodInfo(pc uint64) (stackwalk.Method, uint32, bool) {
	i := sort.Search(len(mod.methods), func(i int) bool {
		return mod.methods[i].end > pc
	})
	if i == len(mod.methods) || mod.methods[i].start > pc {
		return nil, 0, false
	}
	m := mod.methods[i]
	return m, uint32(pc - m.start), true
}

// UnwindStackFrame implements stackwalk.CodeManager.
func (mod *Module) UnwindStackFrame(
	m stackwalk.Method, offset uint32, regs *regdisplay.RegDisplay,
) (uint64, error) {
	info, err := mod.infoFor(m)
	if err != nil {
		return 0, err
	}
	word := uint64(mod.arch.WordSize)
	frameSize := uint64(info.FrameSize)

	sp := regs.SP()
	if sp == 0 {
		// Transition frames do not always save SP; recover it from the frame
		// pointer the method established.
		fp, ok := regs.Value(mod.arch.FP)
		if !info.HasFramePointer || !ok || fp == 0 {
			return 0, fmt.Errorf("%s+%#x: no stack pointer", m.Name(), offset)
		}
		sp = fp - (frameSize - word)
	}

	for _, s := range info.Saved {
		regs.SetLocation(s.Reg, sp+uint64(s.Offset))
	}
	if info.HasFramePointer {
		regs.SetLocation(mod.arch.FP, sp+frameSize-word)
	}
	retLoc := sp + frameSize
	regs.SetSP(retLoc + word)

	if info.ReversePInvoke {
		prev, ok := target.ReadWord(mod.mem, sp+uint64(info.ReversePInvokeOffset), mod.arch.WordSize)
		if !ok {
			return 0, fmt.Errorf("%s: failed to read reverse P/Invoke frame at %#x", m.Name(), sp+uint64(info.ReversePInvokeOffset))
		}
		if prev == 0 {
			return 0, fmt.Errorf("%s: reverse P/Invoke frame without a transition frame", m.Name())
		}
		return prev, nil
	}
	if !regs.LoadIPFrom(retLoc) {
		return 0, fmt.Errorf("%s: failed to read return address at %#x", m.Name(), retLoc)
	}
	return 0, nil
}

// IsFunclet implements stackwalk.CodeManager.
func (mod *Module) IsFunclet(m stackwalk.Method) bool {
	info, err := mod.infoFor(m)
	return err == nil && info.IsFunclet
}

// GetFramePointer implements stackwalk.CodeManager. Functions with exception
// clauses and their funclets report the value of the frame pointer register.
func (mod *Module) GetFramePointer(m stackwalk.Method, regs *regdisplay.RegDisplay) uint64 {
	info, err := mod.infoFor(m)
	if err != nil || !(info.HasEHInfo || info.IsFunclet) {
		return 0
	}
	fp, _ := regs.Value(mod.arch.FP)
	return fp
}

// RemapHardwareFaultToGCSafePoint implements stackwalk.CodeManager. The fault
// is moved to the next safe point of the method, if any.
func (mod *Module) RemapHardwareFaultToGCSafePoint(m stackwalk.Method, offset uint32) uint32 {
	info, err := mod.infoFor(m)
	if err != nil {
		return offset
	}
	i := sort.Search(len(info.SafePoints), func(i int) bool {
		return info.SafePoints[i] >= offset
	})
	if i == len(info.SafePoints) {
		return offset
	}
	return info.SafePoints[i]
}

// GetConservativeUpperBoundForOutgoingArgs implements stackwalk.CodeManager.
// The bound covers the outgoing argument area at the bottom of the frame.
func (mod *Module) GetConservativeUpperBoundForOutgoingArgs(
	m stackwalk.Method, regs *regdisplay.RegDisplay,
) uint64 {
	info, err := mod.infoFor(m)
	if err != nil {
		return regs.SP()
	}
	return regs.SP() + uint64(info.OutgoingArgsSize)
}
