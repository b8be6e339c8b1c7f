package nodes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
)

func TestTargetStateStore_GetSet(t *testing.T) {
	s := NewTargetStateStore()

	_, ok := s.GetState(101)
	assert.False(t, ok)
	assert.False(t, s.SetConsistencyState(101, proto.ConsistencyBad), "unknown targets are not created implicitly")

	s.AddIfMissing(101)
	st, ok := s.GetState(101)
	require.True(t, ok)
	assert.Equal(t, DefaultCombinedState, st)

	assert.True(t, s.SetReachabilityState(101, proto.ReachabilityOnline))
	assert.True(t, s.SetConsistencyState(101, proto.ConsistencyNeedsResync))
	st, _ = s.GetState(101)
	assert.Equal(t, CombinedState{Reachability: proto.ReachabilityOnline, Consistency: proto.ConsistencyNeedsResync}, st)
	assert.Equal(t, "online/needs-resync", st.String())
}

func TestTargetStateStore_SetAllReachability(t *testing.T) {
	s := NewTargetStateStore()
	require.NoError(t, s.SyncFromAuthority(
		[]proto.TargetID{1, 2},
		[]proto.ReachabilityState{proto.ReachabilityOnline, proto.ReachabilityOffline},
		[]proto.ConsistencyState{proto.ConsistencyGood, proto.ConsistencyBad},
	))

	s.SetAllReachability(proto.ReachabilityProbablyOffline)
	for id, st := range s.Snapshot() {
		assert.Equal(t, proto.ReachabilityProbablyOffline, st.Reachability, "target %d", id)
	}
	st, _ := s.GetState(2)
	assert.Equal(t, proto.ConsistencyBad, st.Consistency, "consistency is untouched")
}

func TestTargetStateStore_SyncReplacesWholesale(t *testing.T) {
	s := NewTargetStateStore()
	require.NoError(t, s.SyncFromAuthority(
		[]proto.TargetID{1, 2, 3},
		[]proto.ReachabilityState{proto.ReachabilityOnline, proto.ReachabilityOnline, proto.ReachabilityOnline},
		[]proto.ConsistencyState{proto.ConsistencyGood, proto.ConsistencyGood, proto.ConsistencyGood},
	))
	s.SetConsistencyState(2, proto.ConsistencyNeedsResync)

	require.NoError(t, s.SyncFromAuthority(
		[]proto.TargetID{2, 4},
		[]proto.ReachabilityState{proto.ReachabilityOffline, proto.ReachabilityOnline},
		[]proto.ConsistencyState{proto.ConsistencyGood, proto.ConsistencyBad},
	))

	assert.Equal(t, []proto.TargetID{2, 4}, s.TargetIDs())
	st, _ := s.GetState(2)
	assert.Equal(t, CombinedState{Reachability: proto.ReachabilityOffline, Consistency: proto.ConsistencyGood}, st,
		"no stale merge with the previous local value")

	err := s.SyncFromAuthority([]proto.TargetID{1}, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, []proto.TargetID{2, 4}, s.TargetIDs(), "failed sync leaves the table alone")
}

func TestBuddyGroupMapper(t *testing.T) {
	m := NewBuddyGroupMapper()
	require.NoError(t, m.MapGroup(BuddyGroup{ID: 1, Primary: 101, Secondary: 201}))

	assert.Equal(t, proto.TargetID(101), m.PrimaryOf(1))
	assert.Equal(t, proto.TargetID(201), m.SecondaryOf(1))
	assert.Equal(t, proto.BuddyGroupID(1), m.GroupOf(201))

	buddy, isPrimary := m.BuddyTargetOf(101)
	assert.Equal(t, proto.TargetID(201), buddy)
	assert.True(t, isPrimary)

	buddy, isPrimary = m.BuddyTargetOf(201)
	assert.Equal(t, proto.TargetID(101), buddy)
	assert.False(t, isPrimary)

	t.Run("unknown lookups return zero", func(t *testing.T) {
		assert.Zero(t, m.PrimaryOf(9))
		assert.Zero(t, m.SecondaryOf(9))
		buddy, _ := m.BuddyTargetOf(999)
		assert.Zero(t, buddy)
		assert.Zero(t, m.GroupOf(999))
	})

	t.Run("rejects invalid groups", func(t *testing.T) {
		assert.Error(t, m.MapGroup(BuddyGroup{ID: 2, Primary: 5, Secondary: 5}))
		assert.Error(t, m.MapGroup(BuddyGroup{ID: 2, Primary: 101, Secondary: 301}), "target already grouped")
		assert.Error(t, m.MapGroup(BuddyGroup{ID: 0, Primary: 7, Secondary: 8}))
	})

	t.Run("remap moves targets", func(t *testing.T) {
		require.NoError(t, m.MapGroup(BuddyGroup{ID: 1, Primary: 201, Secondary: 301}))
		assert.Zero(t, m.GroupOf(101))
		assert.Equal(t, proto.TargetID(201), m.PrimaryOf(1))
	})
}

func TestBuddyGroupMapper_SyncIsAtomic(t *testing.T) {
	m := NewBuddyGroupMapper()
	require.NoError(t, m.SyncFromAuthority([]BuddyGroup{
		{ID: 1, Primary: 101, Secondary: 201},
		{ID: 2, Primary: 102, Secondary: 202},
	}))
	assert.Len(t, m.Groups(), 2)

	err := m.SyncFromAuthority([]BuddyGroup{
		{ID: 3, Primary: 103, Secondary: 203},
		{ID: 4, Primary: 103, Secondary: 204},
	})
	require.Error(t, err)
	assert.Equal(t, proto.TargetID(101), m.PrimaryOf(1), "invalid download keeps old mapping")
	assert.Zero(t, m.PrimaryOf(3))
}

func TestResolver(t *testing.T) {
	targets := NewTargetMapper()
	nodes := NewNodeStore()
	r := Resolver{Targets: targets, Nodes: nodes}

	_, err := r.Resolve(101)
	assert.ErrorIs(t, err, proto.OpsUnknownTarget)

	targets.MapTarget(101, 1)
	_, err = r.Resolve(101)
	assert.ErrorIs(t, err, proto.OpsUnknownNode)

	nodes.AddOrUpdate(Node{ID: 1, Addr: "127.0.0.1:8003"})
	n, err := r.Resolve(101)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8003", n.Addr)
}

const clusterYAML = `
nodes:
  - id: 1
    addr: 127.0.0.1:8003
  - id: 2
    addr: 127.0.0.1:8004
targets:
  - id: 101
    node: 1
    reachability: online
    consistency: good
  - id: 201
    node: 2
    reachability: online
    consistency: needs-resync
buddy_groups:
  - id: 1
    primary: 101
    secondary: 201
`

func writeCluster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileAuthority(t *testing.T) {
	a := NewFileAuthority(writeCluster(t, clusterYAML))

	snap, err := a.Download(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Targets, 2)
	require.Len(t, snap.BuddyGroups, 1)
	assert.Equal(t, proto.TargetID(201), snap.BuddyGroups[0].Secondary)

	require.NoError(t, a.SetConsistencyStates(context.Background(),
		[]proto.TargetID{201}, []proto.ConsistencyState{proto.ConsistencyGood}))
	snap, err = a.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good", snap.Targets[1].Consistency)

	err = a.SetConsistencyStates(context.Background(), []proto.TargetID{999}, []proto.ConsistencyState{proto.ConsistencyBad})
	assert.ErrorIs(t, err, proto.OpsUnknownTarget)
}

func newTestSyncer(t *testing.T, authority Authority) (*Syncer, *TargetStateStore, *BuddyGroupMapper, Resolver) {
	t.Helper()
	states := NewTargetStateStore()
	groups := NewBuddyGroupMapper()
	resolver := Resolver{Targets: NewTargetMapper(), Nodes: NewNodeStore()}
	s := NewSyncer(SyncerConfig{
		Authority: authority,
		States:    states,
		Groups:    groups,
		Targets:   resolver.Targets,
		Nodes:     resolver.Nodes,
		Interval:  time.Hour,
		Logger:    zerolog.Nop(),
	})
	return s, states, groups, resolver
}

func TestSyncer_SyncNow(t *testing.T) {
	s, states, groups, resolver := newTestSyncer(t, NewFileAuthority(writeCluster(t, clusterYAML)))

	require.NoError(t, s.SyncNow(context.Background()))

	st, ok := states.GetState(201)
	require.True(t, ok)
	assert.Equal(t, proto.ConsistencyNeedsResync, st.Consistency)
	assert.Equal(t, proto.TargetID(201), groups.SecondaryOf(1))

	n, err := resolver.Resolve(201)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8004", n.Addr)
}

func TestSyncer_FailureMarksProbablyOffline(t *testing.T) {
	path := writeCluster(t, clusterYAML)
	s, states, _, _ := newTestSyncer(t, NewFileAuthority(path))
	require.NoError(t, s.SyncNow(context.Background()))

	require.NoError(t, os.Remove(path))
	require.Error(t, s.SyncNow(context.Background()))

	for id, st := range states.Snapshot() {
		assert.Equal(t, proto.ReachabilityProbablyOffline, st.Reachability, "target %d", id)
	}
}

func TestSyncer_RefreshTriggersSync(t *testing.T) {
	var synced atomic.Int32
	states := NewTargetStateStore()
	s := NewSyncer(SyncerConfig{
		Authority: NewFileAuthority(writeCluster(t, clusterYAML)),
		States:    states,
		Groups:    NewBuddyGroupMapper(),
		Targets:   NewTargetMapper(),
		Nodes:     NewNodeStore(),
		Interval:  time.Hour,
		Logger:    zerolog.Nop(),
		OnSync:    func() { synced.Add(1) },
	})
	s.Start()
	defer s.Stop()

	s.Refresh()
	require.Eventually(t, func() bool { return synced.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := states.GetState(101)
	assert.True(t, ok)
}

type flakyAuthority struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
	got      []proto.ConsistencyState
}

func (a *flakyAuthority) Download(context.Context) (*ClusterSnapshot, error) {
	return nil, errors.New("not implemented")
}

func (a *flakyAuthority) SetConsistencyStates(_ context.Context, _ []proto.TargetID, states []proto.ConsistencyState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		return a.err
	}
	a.got = states
	return nil
}

func TestReporter_RetriesUnreachableAuthority(t *testing.T) {
	pool := workqueue.NewPool(workqueue.PoolConfig{Workers: 1, Logger: zerolog.Nop()})
	pool.Start()
	defer pool.Stop()
	retrier := workqueue.NewRetrier(workqueue.RetrierConfig{
		Pool:   pool,
		Policy: workqueue.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger: zerolog.Nop(),
	})
	retrier.Start()
	defer retrier.Stop()

	auth := &flakyAuthority{failures: 2, err: errors.New("connection refused")}
	r := NewReporter(auth, retrier, zerolog.Nop())

	err := r.ReportAndWait(context.Background(), []proto.TargetID{201}, []proto.ConsistencyState{proto.ConsistencyNeedsResync})
	require.NoError(t, err)
	assert.Equal(t, 3, auth.calls)
	assert.Equal(t, []proto.ConsistencyState{proto.ConsistencyNeedsResync}, auth.got)

	t.Run("unknown target is final", func(t *testing.T) {
		auth := &flakyAuthority{failures: 100, err: proto.OpsUnknownTarget}
		r := NewReporter(auth, retrier, zerolog.Nop())
		err := r.ReportAndWait(context.Background(), []proto.TargetID{1}, []proto.ConsistencyState{proto.ConsistencyBad})
		assert.ErrorIs(t, err, proto.OpsUnknownTarget)
		assert.Equal(t, 1, auth.calls)
	})
}
