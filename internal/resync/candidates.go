// Package resync reconciles a secondary storage target with its primary
// after the pair diverged.
package resync

import (
	"context"
	"sync"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// MaxQueuedCandidates bounds each candidate queue. Producers block while a
// queue is full.
const MaxQueuedCandidates = 50000

// DirCandidate is a directory below the mirror chunk root whose contents
// must be compared with the secondary.
type DirCandidate struct {
	RelativePath string
	TargetID     proto.TargetID
}

// FileCandidate is a chunk that must be copied to the secondary. OnlyAttribs
// candidates only had their metadata changed.
type FileCandidate struct {
	RelativePath string
	TargetID     proto.TargetID
	OnlyAttribs  bool
}

// queue is a bounded FIFO that knows how many fetched items are still being
// processed. Once stopped it drains: fetch keeps handing out items and only
// reports the end when the queue is empty and nothing is in flight, since an
// in-flight item may still produce new ones.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	inFlight int
	limit    int
	stopping bool
	changed  chan struct{}
}

func newQueue[T any](limit int) *queue[T] {
	if limit <= 0 {
		limit = MaxQueuedCandidates
	}
	return &queue[T]{limit: limit, changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// add appends item, waiting while the queue is full.
func (q *queue[T]) add(ctx context.Context, item T) error {
	q.mu.Lock()
	for len(q.items) >= q.limit {
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
	q.items = append(q.items, item)
	q.broadcast()
	q.mu.Unlock()
	return nil
}

// fetch takes the oldest item and marks it in flight. It returns false once
// the queue is stopped and drained, or when ctx is done.
func (q *queue[T]) fetch(ctx context.Context) (T, bool) {
	var zero T
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.stopping && q.inFlight == 0 {
			q.mu.Unlock()
			return zero, false
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return zero, false
		}
		q.mu.Lock()
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.inFlight++
	q.broadcast()
	q.mu.Unlock()
	return item, true
}

// done marks one fetched item as processed.
func (q *queue[T]) done() {
	q.mu.Lock()
	q.inFlight--
	q.broadcast()
	q.mu.Unlock()
}

// stopWhenIdle lets fetchers finish once everything is drained.
func (q *queue[T]) stopWhenIdle() {
	q.mu.Lock()
	q.stopping = true
	q.broadcast()
	q.mu.Unlock()
}

func (q *queue[T]) clear() {
	q.mu.Lock()
	q.items = nil
	q.inFlight = 0
	q.stopping = false
	q.broadcast()
	q.mu.Unlock()
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.inFlight == 0
}

// CandidateStore holds the two candidate queues of one resync job.
type CandidateStore struct {
	dirs  *queue[DirCandidate]
	files *queue[FileCandidate]
}

// NewCandidateStore creates a store whose queues hold at most limit items
// each. A non-positive limit selects MaxQueuedCandidates.
func NewCandidateStore(limit int) *CandidateStore {
	return &CandidateStore{
		dirs:  newQueue[DirCandidate](limit),
		files: newQueue[FileCandidate](limit),
	}
}

// AddDir queues a directory candidate, blocking while the queue is full.
func (s *CandidateStore) AddDir(ctx context.Context, c DirCandidate) error {
	return s.dirs.add(ctx, c)
}

// AddFile queues a file candidate, blocking while the queue is full.
func (s *CandidateStore) AddFile(ctx context.Context, c FileCandidate) error {
	return s.files.add(ctx, c)
}

// FetchDir blocks until a directory candidate is available. It returns
// false when the dir queue was stopped and is drained, or ctx is done.
// Every successful fetch must be followed by DirDone.
func (s *CandidateStore) FetchDir(ctx context.Context) (DirCandidate, bool) {
	return s.dirs.fetch(ctx)
}

// FetchFile is FetchDir for file candidates. Every successful fetch must be
// followed by FileDone.
func (s *CandidateStore) FetchFile(ctx context.Context) (FileCandidate, bool) {
	return s.files.fetch(ctx)
}

func (s *CandidateStore) DirDone()  { s.dirs.done() }
func (s *CandidateStore) FileDone() { s.files.done() }

// StopDirsWhenIdle and StopFilesWhenIdle end the respective fetch loops once
// the queue is drained and no fetched item is still being processed.
func (s *CandidateStore) StopDirsWhenIdle()  { s.dirs.stopWhenIdle() }
func (s *CandidateStore) StopFilesWhenIdle() { s.files.stopWhenIdle() }

func (s *CandidateStore) IsDirsEmpty() bool  { return s.dirs.len() == 0 }
func (s *CandidateStore) IsFilesEmpty() bool { return s.files.len() == 0 }

// Idle reports whether both queues are empty with nothing in flight.
func (s *CandidateStore) Idle() bool { return s.dirs.idle() && s.files.idle() }

// Clear drops everything left over from an earlier run.
func (s *CandidateStore) Clear() {
	s.dirs.clear()
	s.files.clear()
}
