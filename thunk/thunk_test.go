package thunk_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

func mustArch(t *testing.T, name string) *arch.Arch {
	a, err := arch.Lookup(name)
	require.NoError(t, err)
	return a
}

func amd64Descs() []thunk.Descriptor {
	return []thunk.Descriptor{
		{ID: thunk.UniversalTransition, Addr: 0x9000},
		{ID: thunk.CallDescr, Addr: 0x9100},
		{ID: thunk.ThrowEx, Addr: 0x9200},
		{ID: thunk.ThrowHwEx, Addr: 0x9210},
		{ID: thunk.Rethrow, Addr: 0x9220},
		{ID: thunk.CallCatchFunclet, Addr: 0x9300},
		{ID: thunk.CallFinallyFunclet, Addr: 0x9310},
		{ID: thunk.CallFilterFunclet, Addr: 0x9320},
		{ID: thunk.ManagedCallout, Addr: 0x9400},
	}
}

func TestClassify(t *testing.T) {
	tab, err := thunk.NewTable(mustArch(t, "amd64"), amd64Descs())
	require.NoError(t, err)
	for _, tc := range []struct {
		addr  uint64
		want  thunk.Category
		nonEH bool
	}{
		{0x9000, thunk.InUniversalTransitionThunk, true},
		{0x9100, thunk.InCallDescrThunk, true},
		{0x9200, thunk.InThrowSiteThunk, false},
		{0x9210, thunk.InThrowSiteThunk, false},
		{0x9220, thunk.InThrowSiteThunk, false},
		{0x9300, thunk.InFuncletInvokeThunk, false},
		{0x9310, thunk.InFuncletInvokeThunk, false},
		{0x9320, thunk.InFuncletInvokeThunk, false},
		{0x9400, thunk.InManagedCalloutThunk, true},
		{0x1234, thunk.InManagedCode, false},
		// Equality only; an address one past a trampoline is not one.
		{0x9001, thunk.InManagedCode, false},
	} {
		t.Run(tc.want.String(), func(t *testing.T) {
			got := tab.Classify(tc.addr)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.nonEH, got.IsNonEH())
		})
	}
	require.Equal(t, thunk.Catch, tab.Flavor(0x9300))
	require.Equal(t, thunk.Finally, tab.Flavor(0x9310))
	require.Equal(t, thunk.Filter, tab.Flavor(0x9320))
	require.Equal(t, thunk.NoFlavor, tab.Flavor(0x9000))
	require.Equal(t, uint64(0x9400), tab.Addr(thunk.ManagedCallout))

	d, ok := tab.Lookup(0x9200)
	require.True(t, ok)
	require.Equal(t, "throw", d.Name)
	descs := tab.Descriptors()
	require.Len(t, descs, 9)
	require.Equal(t, uint64(0x9000), descs[0].Addr)
}

func TestSharedFuncletTrampoline(t *testing.T) {
	x86 := mustArch(t, "x86")
	descs := []thunk.Descriptor{
		{ID: thunk.CallFunclet, Addr: 0x5000},
		{ID: thunk.CallCatchFunclet, Addr: 0x5010},
		{ID: thunk.CallFinallyFunclet, Addr: 0x5020},
		{ID: thunk.CallFilterFunclet, Addr: 0x5030},
	}
	tab, err := thunk.NewTable(x86, descs)
	require.NoError(t, err)
	require.Equal(t, thunk.InFuncletInvokeThunk, tab.Classify(0x5000))
	// Flavor addresses are inner return addresses on x86.
	require.Equal(t, thunk.InManagedCode, tab.Classify(0x5010))
	require.Equal(t, thunk.Finally, tab.Flavor(0x5020))

	_, err = thunk.NewTable(x86, descs[:2])
	require.ErrorContains(t, err, "requires")

	_, err = thunk.NewTable(mustArch(t, "amd64"), descs)
	require.ErrorContains(t, err, "shared funclet")
}

func TestNewTableValidation(t *testing.T) {
	a := mustArch(t, "amd64")
	_, err := thunk.NewTable(a, []thunk.Descriptor{
		{ID: thunk.CallDescr, Addr: 0x10},
		{ID: thunk.ThrowEx, Addr: 0x10},
	})
	require.ErrorContains(t, err, "share address")

	_, err = thunk.NewTable(a, []thunk.Descriptor{
		{ID: thunk.CallDescr, Addr: 0x10},
		{ID: thunk.CallDescr, Addr: 0x20},
	})
	require.ErrorContains(t, err, "registered twice")

	_, err = thunk.NewTable(a, []thunk.Descriptor{{ID: thunk.CallDescr}})
	require.ErrorContains(t, err, "missing address")

	_, err = thunk.NewTable(a, []thunk.Descriptor{{ID: thunk.Invalid, Addr: 1}})
	require.ErrorContains(t, err, "invalid id")
}

func TestParseID(t *testing.T) {
	for id := thunk.UniversalTransition; id <= thunk.ManagedCallout; id++ {
		got, err := thunk.ParseID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
	_, err := thunk.ParseID("nope")
	require.Error(t, err)
}
