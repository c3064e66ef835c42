package codemanager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/regdisplay"
	"github.com/DataExMachina-dev/stackwalk-go/target"
)

func amd64(t *testing.T) *arch.Arch {
	a, err := arch.Lookup("amd64")
	require.NoError(t, err)
	return a
}

func TestDecode(t *testing.T) {
	info := UnwindInfo{
		FrameSize:        0x30,
		Saved:            []SavedReg{{Reg: arch.RBX, Offset: 0x8}, {Reg: arch.R12, Offset: 0x10}},
		HasFramePointer:  true,
		HasEHInfo:        true,
		ReversePInvoke:   true,
		OutgoingArgsSize: 0x20,
		SafePoints:       []uint32{0x4, 0x10, 0x22},
	}
	info.ReversePInvokeOffset = 0x18
	got, err := Decode(Encode(info), 8)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
		err  string
	}{
		{"empty", nil, "truncated"},
		{"no end", Encode(UnwindInfo{FrameSize: 8})[:5], "truncated"},
		{"short operand", []byte{byte(OpCodeFrameSize), 1, 0}, "truncated"},
		{"unknown op", []byte{0x42}, "unknown OpCode(66)"},
		{"missing frame size", []byte{byte(OpCodeEnd)}, "missing frame size"},
		{"trailing", append(Encode(UnwindInfo{FrameSize: 8}), 0), "trailing"},
		{"unaligned frame", Encode(UnwindInfo{FrameSize: 6}), "not word aligned"},
		{"slot outside frame", Encode(UnwindInfo{
			FrameSize: 0x10,
			Saved:     []SavedReg{{Reg: arch.RBX, Offset: 0x10}},
		}), "outside frame"},
		{"duplicate saved", Encode(UnwindInfo{
			FrameSize: 0x20,
			Saved:     []SavedReg{{Reg: arch.RBX, Offset: 0}, {Reg: arch.RBX, Offset: 8}},
		}), "duplicate"},
		{"funclet with frame pointer", Encode(UnwindInfo{
			FrameSize: 0x10, HasFramePointer: true, IsFunclet: true,
		}), "parent's frame pointer"},
		{"eh without frame pointer", Encode(UnwindInfo{
			FrameSize: 0x10, HasEHInfo: true,
		}), "require a frame pointer"},
		{"unsorted safe points", Encode(UnwindInfo{
			FrameSize: 0x10, SafePoints: []uint32{4, 4},
		}), "strictly increasing"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.buf, 8)
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestDecodeOpLimit(t *testing.T) {
	var buf []byte
	for i := 0; i < maxOps; i++ {
		buf = append(buf, byte(OpCodeEHInfo))
	}
	_, err := Decode(append(buf, byte(OpCodeEnd)), 8)
	require.ErrorContains(t, err, "exceeds")
}

func newTestModule(t *testing.T, mem target.Memory) *Module {
	a := amd64(t)
	mod, err := NewModule(a, mem, []MethodDesc{
		{Name: "b", Start: 0x1100, Size: 0x40, Unwind: Encode(UnwindInfo{FrameSize: 0x10})},
		{Name: "a", Start: 0x1000, Size: 0x80, Unwind: Encode(UnwindInfo{
			FrameSize:       0x20,
			Saved:           []SavedReg{{Reg: arch.RBX, Offset: 0x8}},
			HasFramePointer: true,
			HasEHInfo:       true,
			SafePoints:      []uint32{0x10, 0x30},
		})},
		{Name: "a$catch", Start: 0x1200, Size: 0x20, Unwind: Encode(UnwindInfo{FrameSize: 0x10, IsFunclet: true})},
		{Name: "entry", Start: 0x1300, Size: 0x20, Unwind: Encode(UnwindInfo{
			FrameSize: 0x20, ReversePInvoke: true, ReversePInvokeOffset: 0x10,
		})},
		{Name: "broken", Start: 0x1400, Size: 0x10, Unwind: []byte{0x42}},
	})
	require.NoError(t, err)
	return mod
}

func TestNewModuleRejectsOverlap(t *testing.T) {
	_, err := NewModule(amd64(t), target.NewImage(), []MethodDesc{
		{Name: "x", Start: 0x1000, Size: 0x20},
		{Name: "y", Start: 0x1010, Size: 0x20},
	})
	require.ErrorContains(t, err, "overlaps")
}

func TestFindMethodInfo(t *testing.T) {
	mod := newTestModule(t, target.NewImage())
	start, end := mod.Range()
	require.Equal(t, uint64(0x1000), start)
	require.Equal(t, uint64(0x1410), end)

	for _, tc := range []struct {
		pc     uint64
		name   string
		offset uint32
	}{
		{0x1000, "a", 0},
		{0x107f, "a", 0x7f},
		{0x1105, "b", 5},
		{0x1210, "a$catch", 0x10},
	} {
		m, off, ok := mod.FindMethodInfo(tc.pc)
		require.True(t, ok, "%#x", tc.pc)
		require.Equal(t, tc.name, m.Name())
		require.Equal(t, tc.offset, off)
	}
	for _, pc := range []uint64{0xfff, 0x1080, 0x1140, 0x2000} {
		_, _, ok := mod.FindMethodInfo(pc)
		require.False(t, ok, "%#x", pc)
	}
}

func TestUnwindStackFrame(t *testing.T) {
	img := target.NewImage()
	require.NoError(t, img.MapZero(0x8000, 0x1000))
	mod := newTestModule(t, img)
	a := amd64(t)

	const sp = 0x8100
	require.True(t, target.WriteWord(img, sp+0x20, 8, 0x1105))
	m, off, ok := mod.FindMethodInfo(0x1010)
	require.True(t, ok)

	regs := regdisplay.New(a, img)
	regs.SetSP(sp)
	prev, err := mod.UnwindStackFrame(m, off, &regs)
	require.NoError(t, err)
	require.Zero(t, prev)
	require.Equal(t, uint64(0x1105), regs.IP())
	require.Equal(t, uint64(sp+0x20), regs.AddrOfIP())
	require.Equal(t, uint64(sp+0x28), regs.SP())
	loc, ok := regs.Location(arch.RBX)
	require.True(t, ok)
	require.Equal(t, uint64(sp+0x8), loc)
	loc, ok = regs.Location(arch.RBP)
	require.True(t, ok)
	require.Equal(t, uint64(sp+0x18), loc)

	t.Run("sp from frame pointer", func(t *testing.T) {
		require.True(t, target.WriteWord(img, 0x8200, 8, sp+0x18))
		regs := regdisplay.New(a, img)
		regs.SetLocation(arch.RBP, 0x8200)
		require.Equal(t, uint64(sp+0x18), mod.GetFramePointer(m, &regs))
		_, err := mod.UnwindStackFrame(m, off, &regs)
		require.NoError(t, err)
		require.Equal(t, uint64(sp+0x28), regs.SP())
	})

	t.Run("no stack pointer", func(t *testing.T) {
		b, off, _ := mod.FindMethodInfo(0x1100)
		regs := regdisplay.New(a, img)
		_, err := mod.UnwindStackFrame(b, off, &regs)
		require.ErrorContains(t, err, "no stack pointer")
	})

	t.Run("reverse pinvoke", func(t *testing.T) {
		entry, off, _ := mod.FindMethodInfo(0x1304)
		require.True(t, target.WriteWord(img, 0x8310, 8, 0x8800))
		regs := regdisplay.New(a, img)
		regs.SetSP(0x8300)
		prev, err := mod.UnwindStackFrame(entry, off, &regs)
		require.NoError(t, err)
		require.Equal(t, uint64(0x8800), prev)
		require.Equal(t, uint64(0x8328), regs.SP())
	})

	t.Run("broken unwind info", func(t *testing.T) {
		broken, off, _ := mod.FindMethodInfo(0x1400)
		regs := regdisplay.New(a, img)
		regs.SetSP(sp)
		_, err := mod.UnwindStackFrame(broken, off, &regs)
		require.ErrorContains(t, err, `method "broken"`)
		require.False(t, mod.IsFunclet(broken))
		require.Error(t, mod.Validate())
	})
}

func TestMethodQueries(t *testing.T) {
	img := target.NewImage()
	require.NoError(t, img.MapZero(0x8000, 0x100))
	mod := newTestModule(t, img)
	a := amd64(t)

	main, _, _ := mod.FindMethodInfo(0x1000)
	b, _, _ := mod.FindMethodInfo(0x1100)
	catch, _, _ := mod.FindMethodInfo(0x1200)
	require.False(t, mod.IsFunclet(main))
	require.True(t, mod.IsFunclet(catch))

	require.True(t, target.WriteWord(img, 0x8000, 8, 0x7777))
	regs := regdisplay.New(a, img)
	regs.SetLocation(arch.RBP, 0x8000)
	regs.SetSP(0x8040)
	require.Equal(t, uint64(0x7777), mod.GetFramePointer(main, &regs))
	require.Equal(t, uint64(0x7777), mod.GetFramePointer(catch, &regs))
	require.Zero(t, mod.GetFramePointer(b, &regs))

	require.Equal(t, uint32(0x10), mod.RemapHardwareFaultToGCSafePoint(main, 0x4))
	require.Equal(t, uint32(0x30), mod.RemapHardwareFaultToGCSafePoint(main, 0x30))
	require.Equal(t, uint32(0x40), mod.RemapHardwareFaultToGCSafePoint(main, 0x40))

	require.Equal(t, uint64(0x8040), mod.GetConservativeUpperBoundForOutgoingArgs(b, &regs))
}

func TestConcurrentDecode(t *testing.T) {
	mod := newTestModule(t, target.NewImage())
	m, _, _ := mod.FindMethodInfo(0x1000)
	var wg sync.WaitGroup
	infos := make([]UnwindInfo, 16)
	for i := range infos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := mod.UnwindInfo(m.(*Method))
			assert.NoError(t, err)
			infos[i] = info
		}(i)
	}
	wg.Wait()
	for _, info := range infos {
		require.Equal(t, uint32(0x20), info.FrameSize)
	}
}
