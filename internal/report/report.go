// Package report turns stack walks into self-describing reports and encodes
// them in the protobuf wire format.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/DataExMachina-dev/stackwalk-go/internal/gcscan"
	"github.com/DataExMachina-dev/stackwalk-go/internal/stacktrace"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

// Kind is the kind of walk a report was produced by.
type Kind uint8

const (
	KindStackTrace Kind = 1
	KindGC         Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindStackTrace:
		return "stack-trace"
	case KindGC:
		return "gc"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Report struct {
	ID        uuid.UUID
	Timestamp time.Time
	Kind      Kind
	Arch      string
	// ImageFingerprint identifies the memory image the walks ran against.
	ImageFingerprint uint64
	Threads          []Thread
}

type Thread struct {
	Tid       uint64
	StackHash uint64
	Failed    bool
	Truncated bool
	// UnwoundReversePInvoke is set when the walk ended by leaving managed
	// code through a reverse P/Invoke frame.
	UnwoundReversePInvoke bool
	Frames                []Frame
}

type Frame struct {
	PC           uint64
	Method       string
	Offset       uint32
	SP           uint64
	FramePointer uint64
	Collided     bool
	Lower, Upper uint64
}

func newReport(kind Kind, arch string, ts time.Time, fingerprint uint64) (*Report, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate report id: %w", err)
	}
	return &Report{
		ID:               id,
		Timestamp:        ts,
		Kind:             kind,
		Arch:             arch,
		ImageFingerprint: fingerprint,
	}, nil
}

// FromTrace builds a report from a captured stack trace buffer, resolving
// each control PC against the runtime's code managers.
func FromTrace(rt *stackwalk.Runtime, tr *stacktrace.Trace, fingerprint uint64) (*Report, error) {
	d, err := stacktrace.Decode(tr.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	r, err := newReport(KindStackTrace, d.Arch, tr.Timestamp, fingerprint)
	if err != nil {
		return nil, err
	}
	for _, tt := range d.Threads {
		th := Thread{
			Tid:                   tt.Tid,
			StackHash:             tt.StackHash,
			Failed:                tt.Failed(),
			Truncated:             tt.Truncated(),
			UnwoundReversePInvoke: tt.UnwoundReversePInvoke(),
		}
		for _, pc := range tt.PCs {
			f := Frame{PC: pc}
			if cm := rt.FindCodeManagerByAddress(pc); cm != nil {
				if m, off, ok := cm.FindMethodInfo(pc); ok {
					f.Method, f.Offset = m.Name(), off
				}
			}
			th.Frames = append(th.Frames, f)
		}
		r.Threads = append(r.Threads, th)
	}
	return r, nil
}

// FromScan builds a report from the roots of a GC scan.
func FromScan(
	rt *stackwalk.Runtime, roots []gcscan.ThreadRoots, ts time.Time, fingerprint uint64,
) (*Report, error) {
	r, err := newReport(KindGC, string(rt.Arch().Name), ts, fingerprint)
	if err != nil {
		return nil, err
	}
	for _, tr := range roots {
		th := Thread{
			Tid:                   tr.Tid,
			UnwoundReversePInvoke: tr.UnwoundReversePInvoke,
		}
		for _, f := range tr.Frames {
			th.Frames = append(th.Frames, Frame{
				PC:           f.PC,
				Method:       f.Method,
				Offset:       f.Offset,
				SP:           f.SP,
				FramePointer: f.FramePointer,
				Collided:     f.Collided,
				Lower:        f.Lower,
				Upper:        f.Upper,
			})
		}
		r.Threads = append(r.Threads, th)
	}
	return r, nil
}

func (f Frame) String() string {
	s := fmt.Sprintf("%#x", f.PC)
	if f.Method != "" {
		s = fmt.Sprintf("%s+%#x", f.Method, f.Offset)
	}
	if f.Collided {
		s += " (collided)"
	}
	if f.Upper != 0 {
		s += fmt.Sprintf(" [%#x, %#x)", f.Lower, f.Upper)
	}
	return s
}

// WriteText prints r for humans.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "report %s (%s, %s) at %s image %016x\n",
		r.ID, r.Kind, r.Arch, r.Timestamp.UTC().Format(time.RFC3339Nano), r.ImageFingerprint)
	for _, th := range r.Threads {
		var notes string
		if th.Failed {
			notes += " failed"
		}
		if th.Truncated {
			notes += " truncated"
		}
		fmt.Fprintf(tw, "thread %d:%s\n", th.Tid, notes)
		for i, f := range th.Frames {
			fmt.Fprintf(tw, "  #%d\t%#x\t%s\n", i, f.SP, f)
		}
	}
	return tw.Flush()
}
