// Package storage owns the local side of storage targets: chunk locking,
// resync bookkeeping and chunk file I/O.
package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// ErrChunkNotLocked is returned by Unlock for a chunk nobody holds.
var ErrChunkNotLocked = errors.New("chunk is not locked")

type lockEntry struct {
	released chan struct{}
}

// ChunkLockStore serializes access to single chunks so that client writes and
// resync never interleave on the same chunk. Per-target tables are created on
// first use and dropped once no chunk of the target is locked.
type ChunkLockStore struct {
	mu      sync.Mutex
	targets map[proto.TargetID]map[string]*lockEntry
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewChunkLockStore creates an empty lock store.
func NewChunkLockStore(logger zerolog.Logger, m *metrics.Metrics) *ChunkLockStore {
	return &ChunkLockStore{
		targets: make(map[proto.TargetID]map[string]*lockEntry),
		logger:  logger.With().Str("component", "chunk-locks").Logger(),
		metrics: m,
	}
}

// Lock blocks until chunkID on targetID is exclusively held by the caller.
func (s *ChunkLockStore) Lock(targetID proto.TargetID, chunkID string) {
	_ = s.LockContext(context.Background(), targetID, chunkID)
}

// LockContext is Lock with cancellation. On error the chunk is not held.
func (s *ChunkLockStore) LockContext(ctx context.Context, targetID proto.TargetID, chunkID string) error {
	for {
		s.mu.Lock()
		held := s.targets[targetID]
		if held == nil {
			held = make(map[string]*lockEntry)
			s.targets[targetID] = held
		}
		e, busy := held[chunkID]
		if !busy {
			held[chunkID] = &lockEntry{released: make(chan struct{})}
			n := len(held)
			s.mu.Unlock()
			s.metrics.SetLocksHeld(targetID, n)
			return nil
		}
		wait := e.released
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("lock chunk %q: %w", chunkID, ctx.Err())
		}
	}
}

// Unlock releases chunkID. Unlocking a chunk that is not held is a bug in
// the caller; it is logged with a stack trace and reported as an error.
func (s *ChunkLockStore) Unlock(targetID proto.TargetID, chunkID string) error {
	s.mu.Lock()
	held := s.targets[targetID]
	e, ok := held[chunkID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().
			Uint16("target_id", targetID).
			Str("chunk", chunkID).
			Str("stack", string(debug.Stack())).
			Msg("unlock of chunk that is not locked")
		return fmt.Errorf("unlock %d/%q: %w", targetID, chunkID, ErrChunkNotLocked)
	}
	delete(held, chunkID)
	n := len(held)
	if n == 0 {
		delete(s.targets, targetID)
	}
	close(e.released)
	s.mu.Unlock()

	s.metrics.SetLocksHeld(targetID, n)
	return nil
}

// Size returns the number of locked chunks on targetID.
func (s *ChunkLockStore) Size(targetID proto.TargetID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets[targetID])
}

// Snapshot returns the locked chunks of targetID, sorted.
func (s *ChunkLockStore) Snapshot(targetID proto.TargetID) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.targets[targetID]))
	for chunk := range s.targets[targetID] {
		out = append(out, chunk)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
