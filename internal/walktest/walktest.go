// Package walktest builds synthetic target images for stack walk tests: a
// code range described by unwind info, a trampoline table, and a stack whose
// words are laid out by hand.
package walktest

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/codemanager"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/target"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

const (
	CodeBase  = 0x40_0000
	ThunkBase = 0x50_0000
	StackLo   = 0x7000_0000
	StackSize = 0x1_0000
	StackHi   = StackLo + StackSize

	thunkStride = 0x40
	// Trampoline return labels sit past the trampoline's entry.
	thunkLabelOffset = 0x10
)

// Builder accumulates the pieces of a synthetic target.
type Builder struct {
	t     testing.TB
	Arch  *arch.Arch
	Image *target.Image

	nextCode  uint64
	methods   []codemanager.MethodDesc
	nextThunk uint64
	thunks    []thunk.Descriptor
}

// MustArch looks up an architecture.
func MustArch(t testing.TB, name string) *arch.Arch {
	a, err := arch.Lookup(name)
	require.NoError(t, err)
	return a
}

// New creates a Builder with an empty zeroed stack.
func New(t testing.TB, a *arch.Arch) *Builder {
	img := target.NewImage()
	require.NoError(t, img.MapZero(StackLo, StackSize))
	return &Builder{
		t:         t,
		Arch:      a,
		Image:     img,
		nextCode:  CodeBase,
		nextThunk: ThunkBase,
	}
}

// Method adds a method of the given size and returns its start address.
func (b *Builder) Method(name string, size uint64, info codemanager.UnwindInfo) uint64 {
	start := b.nextCode
	b.methods = append(b.methods, codemanager.MethodDesc{
		Name:   name,
		Start:  start,
		Size:   size,
		Unwind: codemanager.Encode(info),
	})
	b.nextCode += (size + 0xf) &^ 0xf
	return start
}

// Thunk registers a trampoline and returns its return label, the address
// found on the stack when the trampoline has called out.
func (b *Builder) Thunk(id thunk.ID) uint64 {
	addr := b.nextThunk + thunkLabelOffset
	b.nextThunk += thunkStride
	b.thunks = append(b.thunks, thunk.Descriptor{ID: id, Addr: addr})
	return addr
}

// PutWord stores a word on the stack.
func (b *Builder) PutWord(addr, v uint64) {
	b.t.Helper()
	require.Truef(b.t, target.WriteWord(b.Image, addr, b.Arch.WordSize, v),
		"store word at %#x", addr)
}

// PutUint32 stores a 32-bit value on the stack.
func (b *Builder) PutUint32(addr uint64, v uint32) {
	b.t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	require.Truef(b.t, b.Image.Store(addr, buf[:]), "store uint32 at %#x", addr)
}

// Word reads a word from the stack.
func (b *Builder) Word(addr uint64) uint64 {
	b.t.Helper()
	v, ok := target.ReadWord(b.Image, addr, b.Arch.WordSize)
	require.Truef(b.t, ok, "read word at %#x", addr)
	return v
}

// TransitionFrame is the content of a transition frame. Regs holds values for
// the flag-selected slots; the stack pointer slot is keyed by the stack
// pointer register.
type TransitionFrame struct {
	IP           uint64
	FramePointer uint64
	ChainPointer uint64
	Regs         map[arch.Reg]uint64
	ExtraFlags   uint64
}

// PutTransitionFrame lays out tf at addr.
func (b *Builder) PutTransitionFrame(addr uint64, tf TransitionFrame) {
	b.t.Helper()
	l := b.Arch.Transition
	b.PutWord(addr+uint64(l.IP), tf.IP)
	b.PutWord(addr+uint64(l.FramePointer), tf.FramePointer)
	if l.ChainPointer >= 0 {
		b.PutWord(addr+uint64(l.ChainPointer), tf.ChainPointer)
	}
	flags := tf.ExtraFlags
	cursor := addr + uint64(l.PreservedRegs)
	for _, s := range l.Saved {
		v, ok := tf.Regs[s.Reg]
		if !ok {
			continue
		}
		require.NotEqualf(b.t, arch.SlotForbidden, s.Kind, "%s cannot be saved", b.Arch.RegName(s.Reg))
		flags |= s.Flag
		b.PutWord(cursor, v)
		cursor += uint64(b.Arch.WordSize)
	}
	b.PutUint32(addr+uint64(l.Flags), uint32(flags))
}

// PutContext lays out a full context at addr.
func (b *Builder) PutContext(addr, ip, sp uint64, regs map[arch.Reg]uint64) {
	b.t.Helper()
	c := b.Arch.Context
	b.PutWord(addr+uint64(c.IP), ip)
	b.PutWord(addr+uint64(c.SP), sp)
	for _, s := range c.Regs {
		b.PutWord(addr+uint64(s.Offset), regs[s.Reg])
	}
}

// Build creates the trampoline table, the module and a runtime serving them.
func (b *Builder) Build(opts ...stackwalk.Option) (*stackwalk.Runtime, *codemanager.Module) {
	b.t.Helper()
	table, err := thunk.NewTable(b.Arch, b.thunks)
	require.NoError(b.t, err)
	mod, err := codemanager.NewModule(b.Arch, b.Image, b.methods)
	require.NoError(b.t, err)
	require.NoError(b.t, mod.Validate())
	rt, err := stackwalk.NewRuntime(b.Arch, b.Image, table, opts...)
	require.NoError(b.t, err)
	start, end := mod.Range()
	require.NoError(b.t, rt.RegisterCodeManager(start, end, mod))
	return rt, mod
}

// Thread is a thread parked for a test walk.
type Thread struct {
	Tid        uint64
	Hijacked   bool
	Head       *stackwalk.ExInfo
	Frame      uint64
	TraceFrame uint64
	Unhijacks  int
}

var _ stackwalk.Thread = (*Thread)(nil)

func (th *Thread) ID() uint64                           { return th.Tid }
func (th *Thread) IsHijacked() bool                     { return th.Hijacked }
func (th *Thread) ExInfoHead() *stackwalk.ExInfo        { return th.Head }
func (th *Thread) TransitionFrame() uint64              { return th.Frame }
func (th *Thread) TransitionFrameForStackTrace() uint64 { return th.TraceFrame }

func (th *Thread) Unhijack() {
	th.Unhijacks++
	th.Hijacked = false
}

// Frame is what a test observes of one yielded frame.
type Frame struct {
	Method   string
	Offset   uint32
	Collided bool
	Lower    uint64
	Upper    uint64
}

func (f Frame) String() string {
	s := fmt.Sprintf("%s+%#x", f.Method, f.Offset)
	if f.Collided {
		s += " (collided)"
	}
	if f.Lower != 0 {
		s += fmt.Sprintf(" [%#x, %#x)", f.Lower, f.Upper)
	}
	return s
}

// Current describes the frame the iterator is positioned on.
func Current(t testing.TB, it *stackwalk.Iterator) Frame {
	t.Helper()
	m, err := it.Method()
	require.NoError(t, err)
	off, err := it.CodeOffset()
	require.NoError(t, err)
	_, collided := it.ExCollision()
	lower, upper := it.ConservativeRange()
	return Frame{
		Method:   m.Name(),
		Offset:   off,
		Collided: collided,
		Lower:    lower,
		Upper:    upper,
	}
}

// Walk drains the iterator and returns every frame it yields.
func Walk(t testing.TB, it *stackwalk.Iterator) []Frame {
	t.Helper()
	var frames []Frame
	for it.IsValid() {
		require.Less(t, len(frames), 1024, "walk does not terminate")
		frames = append(frames, Current(t, it))
		require.NoError(t, it.Next())
	}
	return frames
}
