package nodes

import (
	"fmt"
	"sync"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// Node is one storage server process.
type Node struct {
	ID           proto.NodeID `yaml:"id"`
	Addr         string       `yaml:"addr"`
	DatagramAddr string       `yaml:"datagram_addr,omitempty"`
}

// NodeStore is the node address book.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[proto.NodeID]Node
}

// NewNodeStore creates an empty address book.
func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[proto.NodeID]Node)}
}

// Get returns the node with the given ID.
func (s *NodeStore) Get(id proto.NodeID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// AddOrUpdate stores n.
func (s *NodeStore) AddOrUpdate(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
}

// SyncFromAuthority replaces the address book.
func (s *NodeStore) SyncFromAuthority(nodes []Node) error {
	next := make(map[proto.NodeID]Node, len(nodes))
	for _, n := range nodes {
		if n.ID == 0 {
			return fmt.Errorf("sync nodes: node id 0 is reserved")
		}
		if n.Addr == "" {
			return fmt.Errorf("sync nodes: node %d has no address", n.ID)
		}
		next[n.ID] = n
	}
	s.mu.Lock()
	s.nodes = next
	s.mu.Unlock()
	return nil
}

// TargetMapper maps targets to the node that serves them.
type TargetMapper struct {
	mu      sync.RWMutex
	targets map[proto.TargetID]proto.NodeID
}

// NewTargetMapper creates an empty mapper.
func NewTargetMapper() *TargetMapper {
	return &TargetMapper{targets: make(map[proto.TargetID]proto.NodeID)}
}

// NodeOf returns the node serving targetID.
func (m *TargetMapper) NodeOf(targetID proto.TargetID) (proto.NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.targets[targetID]
	return n, ok
}

// MapTarget records that targetID is served by nodeID.
func (m *TargetMapper) MapTarget(targetID proto.TargetID, nodeID proto.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[targetID] = nodeID
}

// SyncFromAuthority replaces the whole mapping.
func (m *TargetMapper) SyncFromAuthority(mapping map[proto.TargetID]proto.NodeID) {
	next := make(map[proto.TargetID]proto.NodeID, len(mapping))
	for t, n := range mapping {
		next[t] = n
	}
	m.mu.Lock()
	m.targets = next
	m.mu.Unlock()
}

// Resolver turns a target ID into the address of the node serving it.
type Resolver struct {
	Targets *TargetMapper
	Nodes   *NodeStore
}

// Resolve returns the node serving targetID. Unknown targets yield
// OpsUnknownTarget, targets on unknown nodes OpsUnknownNode.
func (r Resolver) Resolve(targetID proto.TargetID) (Node, error) {
	nodeID, ok := r.Targets.NodeOf(targetID)
	if !ok {
		return Node{}, fmt.Errorf("resolve target %d: %w", targetID, proto.OpsUnknownTarget)
	}
	n, ok := r.Nodes.Get(nodeID)
	if !ok {
		return Node{}, fmt.Errorf("resolve target %d on node %d: %w", targetID, nodeID, proto.OpsUnknownNode)
	}
	return n, nil
}
