package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/DataExMachina-dev/stackwalk-go/internal/dump"
	"github.com/DataExMachina-dev/stackwalk-go/internal/fifo"
)

// DumpFetcher resolves a key to a dump manifest.
type DumpFetcher interface {
	FetchDump(ctx context.Context, key string) (*dump.Manifest, error)
}

// NewDirFetcher serves the manifests <key>.yaml stored in dir. Up to
// capacity parsed manifests are kept in memory; the oldest is dropped first.
func NewDirFetcher(dir string, capacity int) DumpFetcher {
	return newCachingFetcher(&dirDumpFetcher{dir: dir}, capacity)
}

// cachingFetcher memoizes an underlying fetcher and collapses concurrent
// fetches of one key into a single call.
type cachingFetcher struct {
	inflight   singleflight.Group
	capacity   int
	underlying DumpFetcher

	mu struct {
		sync.Mutex
		byKey map[string]*dump.Manifest
		// order holds the cached keys, oldest first.
		order fifo.Queue[string]
	}
}

func newCachingFetcher(underlying DumpFetcher, capacity int) *cachingFetcher {
	f := &cachingFetcher{capacity: capacity, underlying: underlying}
	f.mu.byKey = make(map[string]*dump.Manifest)
	f.mu.order = fifo.MakeQueue[string](capacity)
	return f
}

func (f *cachingFetcher) lookup(key string) (*dump.Manifest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mu.byKey[key]
	return m, ok
}

func (f *cachingFetcher) insert(key string, m *dump.Manifest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mu.byKey[key]; ok {
		return
	}
	for f.mu.order.Len() > 0 && f.mu.order.Len() >= f.capacity {
		oldest, _ := f.mu.order.PopFront()
		delete(f.mu.byKey, oldest)
	}
	f.mu.byKey[key] = m
	f.mu.order.PushBack(key)
}

func (f *cachingFetcher) FetchDump(ctx context.Context, key string) (*dump.Manifest, error) {
	if m, ok := f.lookup(key); ok {
		return m, nil
	}
	for {
		var ours bool
		v, err, _ := f.inflight.Do(key, func() (any, error) {
			ours = true
			m, err := f.underlying.FetchDump(ctx, key)
			if err != nil {
				return nil, err
			}
			f.insert(key, m)
			return m, nil
		})
		if err == nil {
			return v.(*dump.Manifest), nil
		}
		// Joining a fetch whose own caller went away must not fail a caller
		// that is still waiting.
		abandoned := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		if ours || !abandoned || ctx.Err() != nil {
			return nil, err
		}
	}
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

type dirDumpFetcher struct {
	dir string
}

func (d *dirDumpFetcher) FetchDump(ctx context.Context, key string) (*dump.Manifest, error) {
	if !validKey.MatchString(key) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid dump key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := dump.ReadFile(filepath.Join(d.dir, key+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, status.Errorf(codes.NotFound, "no dump %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dump %q: %w", key, err)
	}
	return m, nil
}
