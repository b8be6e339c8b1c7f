// Package nodes tracks the cluster view a storage node acts on: target
// states, buddy groups, target-to-node routing and the node address book.
// Everything here is replaced wholesale from the management authority.
package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// CombinedState is the consistency and reachability of one target, read and
// written as a single value.
type CombinedState struct {
	Reachability proto.ReachabilityState
	Consistency  proto.ConsistencyState
}

func (s CombinedState) String() string {
	return s.Reachability.String() + "/" + s.Consistency.String()
}

// DefaultCombinedState is used for targets that are known but have never
// been reported: assume the worst reachability and no divergence.
var DefaultCombinedState = CombinedState{
	Reachability: proto.ReachabilityOffline,
	Consistency:  proto.ConsistencyGood,
}

// TargetStateStore maps target IDs to their combined state.
type TargetStateStore struct {
	mu     sync.RWMutex
	states map[proto.TargetID]CombinedState
}

// NewTargetStateStore creates an empty store.
func NewTargetStateStore() *TargetStateStore {
	return &TargetStateStore{states: make(map[proto.TargetID]CombinedState)}
}

// GetState returns the state of targetID and whether the target is known.
func (s *TargetStateStore) GetState(targetID proto.TargetID) (CombinedState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[targetID]
	return st, ok
}

// AddIfMissing registers targetID with DefaultCombinedState.
func (s *TargetStateStore) AddIfMissing(targetID proto.TargetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[targetID]; !ok {
		s.states[targetID] = DefaultCombinedState
	}
}

// SetConsistencyState updates the consistency of a known target. It returns
// false if the target is unknown.
func (s *TargetStateStore) SetConsistencyState(targetID proto.TargetID, state proto.ConsistencyState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[targetID]
	if !ok {
		return false
	}
	st.Consistency = state
	s.states[targetID] = st
	return true
}

// SetReachabilityState updates the reachability of a known target.
func (s *TargetStateStore) SetReachabilityState(targetID proto.TargetID, state proto.ReachabilityState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[targetID]
	if !ok {
		return false
	}
	st.Reachability = state
	s.states[targetID] = st
	return true
}

// SetAllReachability sets every known target to state. Used when the
// authority cannot be reached, so nothing is assumed healthy.
func (s *TargetStateStore) SetAllReachability(state proto.ReachabilityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.states {
		st.Reachability = state
		s.states[id] = st
	}
}

// SyncFromAuthority replaces the whole table. The three slices are parallel.
func (s *TargetStateStore) SyncFromAuthority(targetIDs []proto.TargetID,
	reachability []proto.ReachabilityState, consistency []proto.ConsistencyState) error {
	if len(targetIDs) != len(reachability) || len(targetIDs) != len(consistency) {
		return fmt.Errorf("sync target states: length mismatch (%d ids, %d reachability, %d consistency)",
			len(targetIDs), len(reachability), len(consistency))
	}

	states := make(map[proto.TargetID]CombinedState, len(targetIDs))
	for i, id := range targetIDs {
		states[id] = CombinedState{Reachability: reachability[i], Consistency: consistency[i]}
	}

	s.mu.Lock()
	s.states = states
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the table.
func (s *TargetStateStore) Snapshot() map[proto.TargetID]CombinedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[proto.TargetID]CombinedState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// TargetIDs returns all known targets in ascending order.
func (s *TargetStateStore) TargetIDs() []proto.TargetID {
	s.mu.RLock()
	ids := make([]proto.TargetID, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
