package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// TargetRecord is the authority's view of one target.
type TargetRecord struct {
	ID           proto.TargetID `yaml:"id"`
	Node         proto.NodeID   `yaml:"node"`
	Reachability string         `yaml:"reachability,omitempty"`
	Consistency  string         `yaml:"consistency,omitempty"`
}

// ClusterSnapshot is a full download from the management authority.
type ClusterSnapshot struct {
	Nodes       []Node         `yaml:"nodes"`
	Targets     []TargetRecord `yaml:"targets"`
	BuddyGroups []BuddyGroup   `yaml:"buddy_groups"`
}

// Authority is the management daemon as seen from a storage node.
type Authority interface {
	Download(ctx context.Context) (*ClusterSnapshot, error)
	SetConsistencyStates(ctx context.Context, targetIDs []proto.TargetID, states []proto.ConsistencyState) error
}

// FileAuthority serves the cluster state from a YAML file. Operators (or
// tests) edit the file; storage nodes re-read it on every sync and write
// consistency reports back into it.
type FileAuthority struct {
	path string
	mu   sync.Mutex
}

// NewFileAuthority returns an authority backed by path.
func NewFileAuthority(path string) *FileAuthority {
	return &FileAuthority{path: path}
}

// Download reads the current cluster state.
func (a *FileAuthority) Download(ctx context.Context) (*ClusterSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read()
}

func (a *FileAuthority) read() (*ClusterSnapshot, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("read cluster state: %w", err)
	}
	var snap ClusterSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse cluster state: %w", err)
	}
	return &snap, nil
}

// SetConsistencyStates records the given states in the file. Unknown targets
// fail the whole call with OpsUnknownTarget.
func (a *FileAuthority) SetConsistencyStates(ctx context.Context, targetIDs []proto.TargetID, states []proto.ConsistencyState) error {
	if len(targetIDs) != len(states) {
		return fmt.Errorf("set consistency states: %d ids but %d states: %w", len(targetIDs), len(states), proto.OpsInval)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.read()
	if err != nil {
		return err
	}
	index := make(map[proto.TargetID]int, len(snap.Targets))
	for i, t := range snap.Targets {
		index[t.ID] = i
	}
	for i, id := range targetIDs {
		pos, ok := index[id]
		if !ok {
			return fmt.Errorf("set consistency of target %d: %w", id, proto.OpsUnknownTarget)
		}
		snap.Targets[pos].Consistency = states[i].String()
	}

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal cluster state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".cluster-*.yaml")
	if err != nil {
		return fmt.Errorf("write cluster state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cluster state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cluster state: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return fmt.Errorf("replace cluster state: %w", err)
	}
	return nil
}
