// Package comm carries protocol messages between storage nodes: framed
// request/response over pooled TCP connections and acknowledged datagrams
// over UDP.
package comm

import (
	"context"
	"sort"
	"sync"

	"github.com/beegfs/buddymirror/internal/metrics"
)

// AckStore correlates outgoing datagrams with the acknowledgments that come
// back for them.
type AckStore struct {
	mu      sync.Mutex
	waiting map[string]*AckWait
	metrics *metrics.Metrics
}

// AckWait is a set of ack IDs registered together. Done is closed once every
// ID in the set has been acknowledged.
type AckWait struct {
	ids      []string
	received map[string]bool
	pending  int
	done     chan struct{}
}

// NewAckStore creates an empty store.
func NewAckStore(m *metrics.Metrics) *AckStore {
	return &AckStore{waiting: make(map[string]*AckWait), metrics: m}
}

// Register starts waiting for ids. The caller must Unregister the returned
// wait when done with it.
func (s *AckStore) Register(ids ...string) *AckWait {
	w := &AckWait{
		ids:      append([]string(nil), ids...),
		received: make(map[string]bool, len(ids)),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	for _, id := range ids {
		if _, dup := s.waiting[id]; dup {
			continue
		}
		s.waiting[id] = w
		w.pending++
	}
	if w.pending == 0 {
		close(w.done)
	}
	n := len(s.waiting)
	s.mu.Unlock()

	s.metrics.SetAcksPending(n)
	return w
}

// Unregister forgets every ID of w that has not been acknowledged.
func (s *AckStore) Unregister(w *AckWait) {
	s.mu.Lock()
	for _, id := range w.ids {
		if s.waiting[id] == w {
			delete(s.waiting, id)
		}
	}
	n := len(s.waiting)
	s.mu.Unlock()

	s.metrics.SetAcksPending(n)
}

// Received records an acknowledgment. It returns false for IDs nobody waits
// for, e.g. late duplicates.
func (s *AckStore) Received(id string) bool {
	s.mu.Lock()
	w, ok := s.waiting[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.waiting, id)
	w.received[id] = true
	w.pending--
	if w.pending == 0 {
		close(w.done)
	}
	n := len(s.waiting)
	s.mu.Unlock()

	s.metrics.SetAcksPending(n)
	return true
}

// Pending returns how many acknowledgments are outstanding.
func (s *AckStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// Wait blocks until all IDs are acknowledged or ctx is done. It reports
// whether everything arrived.
func (w *AckWait) Wait(ctx context.Context) bool {
	select {
	case <-w.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Done is closed when every ID has been acknowledged.
func (w *AckWait) Done() <-chan struct{} { return w.done }

// Missing returns the IDs still unacknowledged. Only meaningful after the
// wait ended; call it before Unregister or under no concurrent acks.
func (w *AckWait) Missing(s *AckStore) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range w.ids {
		if !w.received[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
