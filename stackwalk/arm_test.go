package stackwalk_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/codemanager"
	"github.com/DataExMachina-dev/stackwalk-go/internal/walktest"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

const armChain = 0xc4a1

func TestArmCallDescr(t *testing.T) {
	b := walktest.New(t, walktest.MustArch(t, "arm"))
	caller := b.Method("Caller", 0x40, rootInfo(0x20))
	callee := b.Method("Callee", 0x20, codemanager.UnwindInfo{FrameSize: 0x10, HasFramePointer: true})
	cdLabel := b.Thunk(thunk.CallDescr)

	callerSP := uint64(walktest.StackHi - 0x200)
	b.PutWord(callerSP+0x10, stackwalk.TopOfStack)

	// The call descriptor trampoline anchors its frame in r7.
	base := callerSP - 0x10
	b.PutWord(base+0x0, 0x4444)
	b.PutWord(base+0x4, 0x5555)
	b.PutWord(base+0x8, 0x7777)
	b.PutWord(base+0xc, caller+0x11)

	calleeSP := base - 0x14
	b.PutWord(calleeSP+0xc, base)
	b.PutWord(calleeSP+0x10, cdLabel)

	tf := uint64(walktest.StackLo + 0x1000)
	b.PutTransitionFrame(tf, walktest.TransitionFrame{
		IP:           callee + 0x6,
		FramePointer: calleeSP + 0xc,
		ChainPointer: armChain,
		Regs:         map[arch.Reg]uint64{arch.R4: 0x4, arch.ArmSP: calleeSP},
	})
	rt, _ := b.Build(stackwalk.WithInspectionMode())

	it, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 2}, tf)
	require.NoError(t, err)
	require.Equal(t, "Callee+0x6", walktest.Current(t, it).String())
	set := it.RegisterSet()
	require.Equal(t, calleeSP, set.SP())
	loc, ok := set.Location(arch.R11)
	require.True(t, ok)
	require.Equal(t, tf, loc)
	loc, ok = set.Location(arch.ArmLR)
	require.True(t, ok)
	require.Equal(t, tf+0x4, loc)
	lr, ok := set.Value(arch.ArmLR)
	require.True(t, ok)
	require.Equal(t, callee+0x6, lr)
	loc, ok = set.Location(arch.R4)
	require.True(t, ok)
	require.Equal(t, tf+0x14, loc)

	require.NoError(t, it.Next())
	require.Equal(t, "Caller+0x11", walktest.Current(t, it).String())
	set = it.RegisterSet()
	require.Equal(t, callerSP, set.SP())
	for reg, want := range map[arch.Reg]uint64{
		arch.R4:  0x4444,
		arch.R5:  0x5555,
		arch.R7:  0x7777,
		arch.R11: armChain,
	} {
		v, ok := set.Value(reg)
		require.True(t, ok, b.Arch.RegName(reg))
		require.Equal(t, want, v, b.Arch.RegName(reg))
	}

	require.NoError(t, it.Next())
	require.False(t, it.IsValid())
	require.True(t, it.UnwoundReversePInvoke())
}

func TestArmFuncletInvoke(t *testing.T) {
	callee := []arch.Reg{arch.R4, arch.R5, arch.R6, arch.R7, arch.R8, arch.R9, arch.R10, arch.R11}
	for _, tc := range []struct {
		name       string
		id         thunk.ID
		regsOffset uint64
		regs       []arch.Reg
	}{
		{"catch", thunk.CallCatchFunclet, 0xc, callee},
		{"finally", thunk.CallFinallyFunclet, 0x4, callee},
		{"filter", thunk.CallFilterFunclet, 0x4, []arch.Reg{arch.R7, arch.R11}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := walktest.New(t, walktest.MustArch(t, "arm"))
			d := b.Method("D", 0x40, codemanager.UnwindInfo{FrameSize: 0x10})
			fn := b.Method("A$funclet", 0x20, codemanager.UnwindInfo{FrameSize: 0x8, IsFunclet: true})
			labels := make(map[thunk.ID]uint64)
			for _, id := range []thunk.ID{thunk.CallCatchFunclet, thunk.CallFinallyFunclet, thunk.CallFilterFunclet} {
				labels[id] = b.Thunk(id)
			}

			const r7A = walktest.StackHi - 0x100
			fnSP := uint64(walktest.StackHi - 0x400)
			b.PutWord(fnSP+0x8, labels[tc.id])
			fiSP := fnSP + 0xc
			regs := fiSP + tc.regsOffset
			for i := range tc.regs {
				b.PutWord(regs+uint64(4*i), uint64(0x100+i))
			}
			ipLoc := regs + uint64(4*len(tc.regs))
			b.PutWord(ipLoc, d+0x1c)

			tf := uint64(walktest.StackLo + 0x1000)
			b.PutTransitionFrame(tf, walktest.TransitionFrame{
				IP:           fn + 0x4,
				FramePointer: r7A,
				ChainPointer: armChain,
				Regs:         map[arch.Reg]uint64{arch.ArmSP: fnSP},
			})
			rt, _ := b.Build(stackwalk.WithInspectionMode())

			it, err := rt.NewFromTransitionFrame(&walktest.Thread{Tid: 1}, tf)
			require.NoError(t, err)
			require.Equal(t, "A$funclet+0x4", walktest.Current(t, it).String())
			fp, err := it.FramePointer()
			require.NoError(t, err)
			require.Equal(t, uint64(r7A), fp)

			require.NoError(t, it.Next())
			require.Equal(t, "D+0x1c", walktest.Current(t, it).String())
			set := it.RegisterSet()
			require.Equal(t, ipLoc+4, set.SP())
			for i, reg := range tc.regs {
				loc, ok := set.Location(reg)
				require.True(t, ok, b.Arch.RegName(reg))
				require.Equal(t, regs+uint64(4*i), loc, b.Arch.RegName(reg))
			}
			if tc.id == thunk.CallFilterFunclet {
				_, ok := set.Location(arch.R4)
				require.False(t, ok)
			}
		})
	}
}
