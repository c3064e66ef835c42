package dump

import (
	"fmt"
	"strings"
	"sync"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/codemanager"
	"github.com/DataExMachina-dev/stackwalk-go/regdisplay"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/target"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

// Target is a loaded dump, ready to walk.
type Target struct {
	Arch *arch.Arch
	// Image holds the captured regions. It is nil when the dump was loaded
	// against live memory.
	Image   *target.Image
	Memory  target.Memory
	Runtime *stackwalk.Runtime
	Modules []*codemanager.Module
	Threads []*LoadedThread
}

// Load builds a Target from m. When mem is nil the manifest's regions form
// the target memory; otherwise they are ignored and mem is read instead.
func (m *Manifest) Load(mem target.Memory, opts ...stackwalk.Option) (*Target, error) {
	a, err := arch.Lookup(m.Arch)
	if err != nil {
		return nil, err
	}
	t := &Target{Arch: a, Memory: mem}
	if mem == nil {
		img := target.NewImage()
		for _, r := range m.Regions {
			if err := mapRegion(img, r); err != nil {
				return nil, err
			}
		}
		t.Image, t.Memory = img, img
	}

	descs := make([]thunk.Descriptor, 0, len(m.Thunks))
	for _, th := range m.Thunks {
		id, err := thunk.ParseID(th.ID)
		if err != nil {
			return nil, err
		}
		descs = append(descs, thunk.Descriptor{ID: id, Addr: uint64(th.Addr)})
	}
	table, err := thunk.NewTable(a, descs)
	if err != nil {
		return nil, err
	}
	if t.Runtime, err = stackwalk.NewRuntime(a, t.Memory, table, opts...); err != nil {
		return nil, err
	}

	for i, mod := range m.Modules {
		name := mod.Name
		if name == "" {
			name = fmt.Sprintf("module %d", i)
		}
		methods := make([]codemanager.MethodDesc, 0, len(mod.Methods))
		for _, md := range mod.Methods {
			methods = append(methods, codemanager.MethodDesc{
				Name:   md.Name,
				Start:  uint64(md.Start),
				Size:   uint64(md.Size),
				Unwind: md.Unwind,
			})
		}
		cm, err := codemanager.NewModule(a, t.Memory, methods)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := cm.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		start, end := cm.Range()
		if err := t.Runtime.RegisterCodeManager(start, end, cm); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		t.Modules = append(t.Modules, cm)
	}

	seen := make(map[uint64]bool, len(m.Threads))
	for _, th := range m.Threads {
		if seen[th.ID] {
			return nil, fmt.Errorf("duplicate thread %d", th.ID)
		}
		seen[th.ID] = true
		lt, err := loadThread(a, t.Memory, th)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", th.ID, err)
		}
		t.Threads = append(t.Threads, lt)
	}
	return t, nil
}

func mapRegion(img *target.Image, r Region) error {
	switch {
	case len(r.Data) > 0 && r.Zero != 0:
		return fmt.Errorf("region at %#x has both data and zero fill", uint64(r.Addr))
	case r.Zero != 0:
		return img.MapZero(uint64(r.Addr), int(r.Zero))
	default:
		return img.Map(uint64(r.Addr), r.Data)
	}
}

// StackThreads returns the threads as stackwalk.Threads.
func (t *Target) StackThreads() []stackwalk.Thread {
	threads := make([]stackwalk.Thread, len(t.Threads))
	for i, th := range t.Threads {
		threads[i] = th
	}
	return threads
}

// Thread returns the thread with the given id.
func (t *Target) Thread(id uint64) (*LoadedThread, bool) {
	for _, th := range t.Threads {
		if th.id == id {
			return th, true
		}
	}
	return nil, false
}

// LoadedThread is a thread of a loaded dump.
type LoadedThread struct {
	id              uint64
	transitionFrame uint64
	stackTraceFrame uint64
	context         uint64
	head            *stackwalk.ExInfo

	mu       sync.Mutex
	hijacked bool
}

var _ stackwalk.Thread = (*LoadedThread)(nil)

func (th *LoadedThread) ID() uint64                           { return th.id }
func (th *LoadedThread) ExInfoHead() *stackwalk.ExInfo        { return th.head }
func (th *LoadedThread) TransitionFrame() uint64              { return th.transitionFrame }
func (th *LoadedThread) TransitionFrameForStackTrace() uint64 { return th.stackTraceFrame }

// Context returns the address of the thread's full context, or 0.
func (th *LoadedThread) Context() uint64 { return th.context }

func (th *LoadedThread) IsHijacked() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.hijacked
}

// Unhijack only forgets the hijack; the dump's memory is not rewritten.
func (th *LoadedThread) Unhijack() {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.hijacked = false
}

func loadThread(a *arch.Arch, mem target.Memory, th Thread) (*LoadedThread, error) {
	lt := &LoadedThread{
		id:              th.ID,
		transitionFrame: uint64(th.TransitionFrame),
		stackTraceFrame: uint64(th.StackTraceFrame),
		context:         uint64(th.Context),
		hijacked:        th.Hijacked,
	}
	if lt.stackTraceFrame == 0 {
		lt.stackTraceFrame = lt.transitionFrame
	}
	records := make([]*stackwalk.ExInfo, len(th.ExInfos))
	for i, e := range th.ExInfos {
		kind, err := parseExKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("exception record %d: %w", i, err)
		}
		clause := stackwalk.NoClause
		if e.Clause != nil {
			clause = *e.Clause
		}
		records[i] = &stackwalk.ExInfo{
			Addr:      uint64(e.Addr),
			Kind:      kind,
			Pass:      e.Pass,
			CurClause: clause,
			ExContext: uint64(e.Context),
		}
	}
	for i, e := range th.ExInfos {
		if e.Frame == nil {
			continue
		}
		s, err := loadSnapshot(a, mem, e.Frame, records)
		if err != nil {
			return nil, fmt.Errorf("exception record %d: %w", i, err)
		}
		records[i].FrameIter = s
	}
	head, err := stackwalk.LinkExInfos(records...)
	if err != nil {
		return nil, err
	}
	lt.head = head
	return lt, nil
}

var exKinds = []stackwalk.ExKind{
	stackwalk.ExKindThrow,
	stackwalk.ExKindHardwareFault,
	stackwalk.ExKindRethrow,
}

func parseExKind(s string) (stackwalk.ExKind, error) {
	var kind stackwalk.ExKind
	base, superseded := strings.CutSuffix(s, "+superseded")
	for _, k := range exKinds {
		if k.String() == base {
			kind = k
		}
	}
	if kind == 0 {
		return 0, fmt.Errorf("unknown exception kind %q", s)
	}
	if superseded {
		kind |= stackwalk.ExKindSupersededFlag
	}
	return kind, nil
}

var allFlags = []stackwalk.Flags{
	stackwalk.ApplyReturnAddressAdjustment,
	stackwalk.CollapseFunclets,
	stackwalk.RemapHardwareFaultsToSafePoint,
}

// parseFlags parses the output of Flags.String.
func parseFlags(s string) (stackwalk.Flags, error) {
	var flags stackwalk.Flags
	if s == "" || s == "none" {
		return 0, nil
	}
	for _, part := range strings.Split(s, "|") {
		found := false
		for _, f := range allFlags {
			if f.String() == part {
				flags |= f
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown walk flag %q", part)
		}
	}
	return flags, nil
}

func loadSnapshot(
	a *arch.Arch, mem target.Memory, s *Snapshot, records []*stackwalk.ExInfo,
) (*stackwalk.Snapshot, error) {
	flags, err := parseFlags(s.Flags)
	if err != nil {
		return nil, err
	}
	regs := regdisplay.New(a, mem)
	regs.SetIP(uint64(s.IP))
	regs.SetAddrOfIP(uint64(s.IPLocation))
	regs.SetSP(uint64(s.SP))
	for name, st := range s.Regs {
		reg, ok := a.RegByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown %s register %q", a.Name, name)
		}
		switch {
		case st.Location != nil && st.Value != nil:
			return nil, fmt.Errorf("register %s has both a location and a value", name)
		case st.Location != nil:
			regs.SetLocation(reg, uint64(*st.Location))
		case st.Value != nil:
			regs.SetValue(reg, uint64(*st.Value))
		}
	}
	if len(s.Float) > 0 {
		regs.SetFloat(s.Float)
	}
	snap := &stackwalk.Snapshot{
		Regs:      regs,
		ControlPC: uint64(s.ControlPC),
		Flags:     flags,
	}
	switch {
	case s.NextExInfo == -1:
	case s.NextExInfo >= 0 && s.NextExInfo < len(records):
		snap.NextExInfo = records[s.NextExInfo]
	default:
		return nil, fmt.Errorf("next exception record %d out of range", s.NextExInfo)
	}
	return snap, nil
}
