// Package dedup suppresses re-processing of messages already seen by a node.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type shard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// Filter records message ids seen by one endpoint. Ids are spread over
// xxhash-selected shards so concurrent receivers rarely contend.
//
// A zero window keeps every id for the lifetime of the filter. Otherwise
// Sweep forgets ids older than the window; within the window a repeated id
// is always reported as seen.
type Filter struct {
	shards     []*shard
	shardCount uint64
	window     time.Duration
	now        func() time.Time
}

// New creates a filter with the given retention window.
func New(window time.Duration) *Filter {
	f := &Filter{
		shards:     make([]*shard, defaultShards),
		shardCount: defaultShards,
		window:     window,
		now:        time.Now,
	}
	for i := range f.shards {
		f.shards[i] = &shard{seen: make(map[string]time.Time)}
	}
	return f
}

func (f *Filter) shardFor(id string) *shard {
	return f.shards[xxhash.Sum64String(id)%f.shardCount]
}

// Seen reports whether id has been recorded.
func (f *Filter) Seen(id string) bool {
	s := f.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// MarkSeen records id.
func (f *Filter) MarkSeen(id string) {
	s := f.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = f.now()
}

// CheckAndMark records id and reports whether this is its first sighting.
func (f *Filter) CheckAndMark(id string) bool {
	s := f.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = f.now()
	return true
}

// Len returns the number of remembered ids.
func (f *Filter) Len() int {
	n := 0
	for _, s := range f.shards {
		s.mu.Lock()
		n += len(s.seen)
		s.mu.Unlock()
	}
	return n
}

// Sweep forgets ids recorded before now-window and returns how many were dropped.
func (f *Filter) Sweep(now time.Time) int {
	if f.window <= 0 {
		return 0
	}
	cutoff := now.Add(-f.window)
	removed := 0
	for _, s := range f.shards {
		s.mu.Lock()
		for id, at := range s.seen {
			if at.Before(cutoff) {
				delete(s.seen, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (f *Filter) Run(ctx context.Context, interval time.Duration) {
	if f.window <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep(f.now())
		}
	}
}
