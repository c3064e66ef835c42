package stackwalk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/DataExMachina-dev/stackwalk-go/arch"
	"github.com/DataExMachina-dev/stackwalk-go/target"
	"github.com/DataExMachina-dev/stackwalk-go/thunk"
)

// Option configures a Runtime.
type Option interface {
	apply(*config)
}

type config struct {
	logger           *slog.Logger
	errorLogger      func(err error)
	inspection       bool
	failFast         func(err error)
	maxThunkSequence int
}

const (
	defaultMaxThunkSequence = 64

	ENV_INSPECT = "STACKWALK_INSPECT"
)

func makeDefaultConfig() config {
	cfg := config{
		logger:           slog.Default(),
		errorLogger:      func(err error) {},
		failFast:         func(err error) { panic(err) },
		maxThunkSequence: defaultMaxThunkSequence,
	}
	if v := os.Getenv(ENV_INSPECT); v != "" && v != "0" {
		cfg.inspection = true
	}
	return cfg
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithLogger sets the logger used for debug tracing of walks.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(cfg *config) {
		cfg.logger = l
	})
}

// WithErrorLogger sets a function to be called with every fatal walk error
// before it is acted upon.
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// WithInspectionMode makes fatal walk errors invalidate the iterator and
// return an error instead of aborting. Defaults to the STACKWALK_INSPECT
// environment variable.
func WithInspectionMode() Option {
	return optionFunc(func(cfg *config) {
		cfg.inspection = true
	})
}

// WithFailFast replaces the function that aborts the process on a fatal walk
// error outside of inspection mode. The function must not return.
func WithFailFast(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.failFast = f
	})
}

// WithMaxThunkSequence bounds the number of consecutive trampolines a single
// unwind may pass through.
func WithMaxThunkSequence(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.maxThunkSequence = n
	})
}

type codeRange struct {
	start, end uint64
	cm         CodeManager
}

// Runtime holds the process-wide state shared by all walks: the target
// architecture and memory, the trampoline table, and the registered code
// managers.
type Runtime struct {
	arch   *arch.Arch
	mem    target.Memory
	thunks *thunk.Table
	cfg    config

	mu struct {
		sync.RWMutex
		ranges []codeRange // sorted by start
	}
}

// NewRuntime constructs a Runtime.
func NewRuntime(a *arch.Arch, mem target.Memory, thunks *thunk.Table, opts ...Option) (*Runtime, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid architecture: %w", err)
	}
	if thunks.Arch() != a {
		return nil, fmt.Errorf("trampoline table is for %s, not %s", thunks.Arch().Name, a.Name)
	}
	rt := &Runtime{
		arch:   a,
		mem:    mem,
		thunks: thunks,
		cfg:    makeDefaultConfig(),
	}
	for _, o := range opts {
		o.apply(&rt.cfg)
	}
	if rt.cfg.maxThunkSequence <= 0 {
		return nil, fmt.Errorf("invalid thunk sequence limit %d", rt.cfg.maxThunkSequence)
	}
	return rt, nil
}

// Arch returns the target architecture.
func (rt *Runtime) Arch() *arch.Arch { return rt.arch }

// Memory returns the target memory.
func (rt *Runtime) Memory() target.Memory { return rt.mem }

// Thunks returns the trampoline table.
func (rt *Runtime) Thunks() *thunk.Table { return rt.thunks }

// RegisterCodeManager makes cm responsible for [start, end).
func (rt *Runtime) RegisterCodeManager(start, end uint64, cm CodeManager) error {
	if start >= end {
		return fmt.Errorf("empty code range [%#x, %#x)", start, end)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ranges := rt.mu.ranges
	i := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].start >= start
	})
	if i > 0 && ranges[i-1].end > start {
		return fmt.Errorf("code range [%#x, %#x) overlaps [%#x, %#x)", start, end, ranges[i-1].start, ranges[i-1].end)
	}
	if i < len(ranges) && ranges[i].start < end {
		return fmt.Errorf("code range [%#x, %#x) overlaps [%#x, %#x)", start, end, ranges[i].start, ranges[i].end)
	}
	ranges = append(ranges, codeRange{})
	copy(ranges[i+1:], ranges[i:])
	ranges[i] = codeRange{start: start, end: end, cm: cm}
	rt.mu.ranges = ranges
	return nil
}

// FindCodeManagerByAddress returns the code manager owning pc, or nil.
func (rt *Runtime) FindCodeManagerByAddress(pc uint64) CodeManager {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ranges := rt.mu.ranges
	i := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].end > pc
	})
	if i < len(ranges) && ranges[i].start <= pc {
		return ranges[i].cm
	}
	return nil
}

// IsValidReturnAddress reports whether addr may legitimately be found as a
// return address on a managed stack, and may therefore be hijacked.
func (rt *Runtime) IsValidReturnAddress(addr uint64) bool {
	category := rt.thunks.Classify(addr)
	// Non-EH trampolines call out to ordinary managed code.
	if category.IsNonEH() {
		return true
	}
	// Control never returns to a throw site, but its callee may still be
	// hijacked.
	if category == thunk.InThrowSiteThunk {
		return true
	}
	return rt.FindCodeManagerByAddress(addr) != nil
}

func (rt *Runtime) reportFailure(err *FatalError) {
	rt.cfg.logger.Error("stack walk failed",
		slog.String("op", err.Op),
		slog.Uint64("thread", err.Thread),
		slog.String("pc", fmt.Sprintf("%#x", err.PC)),
		slog.String("sp", fmt.Sprintf("%#x", err.SP)),
		slog.String("reason", err.Msg))
	rt.cfg.errorLogger(err)
}

func (rt *Runtime) debugEnabled() bool {
	return rt.cfg.logger.Enabled(context.Background(), slog.LevelDebug)
}
