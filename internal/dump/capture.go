package dump

import (
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/codemanager"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/target"
)

// NewManifest describes the memory of img, the trampolines of rt, and the
// given modules. Threads are added with AddThread.
func NewManifest(rt *stackwalk.Runtime, img *target.Image, mods ...*codemanager.Module) (*Manifest, error) {
	m := &Manifest{Arch: string(rt.Arch().Name)}
	for _, r := range img.Regions() {
		m.Regions = append(m.Regions, Region{
			Addr: Hex(r.Addr),
			Data: append(Bytes(nil), r.Data...),
		})
	}
	for _, d := range rt.Thunks().Descriptors() {
		m.Thunks = append(m.Thunks, Thunk{ID: d.ID.String(), Addr: Hex(d.Addr)})
	}
	for _, mod := range mods {
		var out Module
		for _, meth := range mod.Methods() {
			info, err := mod.UnwindInfo(meth)
			if err != nil {
				return nil, err
			}
			out.Methods = append(out.Methods, Method{
				Name:   meth.Name(),
				Start:  Hex(meth.Start()),
				Size:   Hex(meth.End() - meth.Start()),
				Unwind: codemanager.Encode(info),
			})
		}
		m.Modules = append(m.Modules, out)
	}
	return m, nil
}

// AddThread records th, its exception records, and the dispatcher state
// saved in them. ctx is the address of a full context for the thread, or 0.
func (m *Manifest) AddThread(a *arch.Arch, th stackwalk.Thread, ctx uint64) error {
	out := Thread{
		ID:              th.ID(),
		Hijacked:        th.IsHijacked(),
		TransitionFrame: Hex(th.TransitionFrame()),
		StackTraceFrame: Hex(th.TransitionFrameForStackTrace()),
		Context:         Hex(ctx),
	}
	index := make(map[*stackwalk.ExInfo]int)
	var records []*stackwalk.ExInfo
	for e := th.ExInfoHead(); e != nil; e = e.Prev {
		if _, ok := index[e]; ok {
			return fmt.Errorf("thread %d: exception records form a cycle", th.ID())
		}
		index[e] = len(records)
		records = append(records, e)
	}
	for _, e := range records {
		rec := ExInfo{
			Addr:    Hex(e.Addr),
			Kind:    e.Kind.String(),
			Pass:    e.Pass,
			Context: Hex(e.ExContext),
		}
		if e.CurClause != stackwalk.NoClause {
			clause := e.CurClause
			rec.Clause = &clause
		}
		if s := e.FrameIter; s != nil {
			snap, err := snapshotOf(a, s, index)
			if err != nil {
				return fmt.Errorf("thread %d: %w", th.ID(), err)
			}
			rec.Frame = snap
		}
		out.ExInfos = append(out.ExInfos, rec)
	}
	m.Threads = append(m.Threads, out)
	return nil
}

func snapshotOf(a *arch.Arch, s *stackwalk.Snapshot, index map[*stackwalk.ExInfo]int) (*Snapshot, error) {
	out := &Snapshot{
		ControlPC:  Hex(s.ControlPC),
		IP:         Hex(s.Regs.IP()),
		IPLocation: Hex(s.Regs.AddrOfIP()),
		SP:         Hex(s.Regs.SP()),
		Flags:      s.Flags.String(),
		NextExInfo: -1,
		Float:      Bytes(s.Regs.Float()),
	}
	if s.NextExInfo != nil {
		i, ok := index[s.NextExInfo]
		if !ok {
			return nil, fmt.Errorf("saved dispatcher state refers to a record outside the chain")
		}
		out.NextExInfo = i
	}
	for r := arch.Reg(0); r < arch.NumRegs; r++ {
		var st RegState
		if loc, ok := s.Regs.Location(r); ok {
			h := Hex(loc)
			st.Location = &h
		} else if v, ok := s.Regs.Value(r); ok {
			h := Hex(v)
			st.Value = &h
		} else {
			continue
		}
		if out.Regs == nil {
			out.Regs = make(map[string]RegState)
		}
		out.Regs[a.RegName(r)] = st
	}
	return out, nil
}
