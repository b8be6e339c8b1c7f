package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beegfs/buddymirror/internal/comm"
	"github.com/beegfs/buddymirror/internal/config"
	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
	"github.com/beegfs/buddymirror/testutil"
)

func testConfig(t *testing.T, nodeID proto.NodeID, listen string, targets ...proto.TargetID) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.Listen = listen
	cfg.DatagramListen = listen
	for _, id := range targets {
		cfg.Targets = append(cfg.Targets, config.TargetConfig{ID: id, Path: t.TempDir()})
	}
	cfg.Workers.Workers = 4
	cfg.Workers.DirectWorkers = 2
	cfg.Workers.RetryBaseDelay = 20 * time.Millisecond
	cfg.Workers.RetryMaxDelay = 100 * time.Millisecond
	cfg.Resync.RetryInterval = 50 * time.Millisecond
	cfg.Resync.AutoCheckInterval = 100 * time.Millisecond
	cfg.Resync.BuddyCommInterval = time.Hour
	cfg.Resync.NumSyncSlaves = 4
	cfg.Resync.NumGatherSlaves = 2
	cfg.Comm.RequestTimeout = 5 * time.Second
	cfg.Comm.AckTimeout = 100 * time.Millisecond
	cfg.Comm.AckRetries = 1
	return cfg
}

func startApp(t *testing.T, cfg *config.Config, authority nodes.Authority) *App {
	t.Helper()
	app, err := New(Options{Config: cfg, Logger: zerolog.Nop(), Authority: authority})
	require.NoError(t, err)
	require.NoError(t, app.Start())
	t.Cleanup(app.Stop)
	return app
}

func target(t *testing.T, app *App, id proto.TargetID) *storage.Target {
	t.Helper()
	tg, ok := app.Targets().Get(id)
	require.True(t, ok, "target %d", id)
	return tg
}

// Node 1 serves primary 101, secondary 102 and the ungrouped 103. Their
// buddies live on node 2, which is offline.
const handlerCluster = `
nodes:
  - id: 1
    addr: 127.0.0.1:1
  - id: 2
    addr: 127.0.0.1:1
targets:
  - {id: 101, node: 1}
  - {id: 102, node: 1}
  - {id: 103, node: 1}
  - {id: 201, node: 2, reachability: offline}
  - {id: 202, node: 2, reachability: offline}
buddy_groups:
  - {id: 1, primary: 101, secondary: 201}
  - {id: 2, primary: 202, secondary: 102}
`

func newHandlerApp(t *testing.T) (*App, *handler) {
	t.Helper()
	cluster := testutil.TempFile(t, t.TempDir(), "cluster.yaml", handlerCluster)
	cfg := testConfig(t, 1, "127.0.0.1:0", 101, 102, 103)
	cfg.ClusterFile = cluster
	app := startApp(t, cfg, nil)
	return app, &handler{app: app, logger: zerolog.Nop()}
}

func serve(h *handler, msg proto.Message) proto.Message {
	return h.ServeMessage(context.Background(), &comm.Request{Header: proto.Header{Type: msg.Type()}, Msg: msg})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Logger: zerolog.Nop()})
	assert.Error(t, err)

	cfg := testConfig(t, 1, "127.0.0.1:0", 101)
	_, err = New(Options{Config: cfg, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster_file")

	cfg = testConfig(t, 1, "127.0.0.1:0")
	cfg.ClusterFile = "/nonexistent/cluster.yaml"
	_, err = New(Options{Config: cfg, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one target")
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0, 1<<20))

	l := newLimiter(100<<20, 1<<20)
	require.NotNil(t, l)
	assert.Equal(t, 10<<20, l.Burst())

	l = newLimiter(1<<20, 1<<20)
	require.NotNil(t, l)
	assert.Equal(t, 1<<20, l.Burst())
}

func TestHandler_ServesEveryMessageKind(t *testing.T) {
	_, h := newHandlerApp(t)

	for mt := proto.MsgGenericResponse; mt <= proto.MsgGetChunkLocksResp; mt++ {
		t.Run(mt.String(), func(t *testing.T) {
			msg, err := proto.NewMessage(mt)
			require.NoError(t, err)
			assert.NotPanics(t, func() { serve(h, msg) })
		})
	}
}

func TestHandler_ResponsesGetNoReply(t *testing.T) {
	_, h := newHandlerApp(t)
	assert.Nil(t, serve(h, &proto.GenericResponse{Code: proto.ControlTryAgain}))
	assert.Nil(t, serve(h, &proto.ResyncLocalFileResp{}))
	assert.Nil(t, serve(h, &proto.GetChunkLocksResp{}))
}

func TestHandler_ListChunkDir(t *testing.T) {
	app, h := newHandlerApp(t)
	root := target(t, app, 102).ChunkRoot(true)
	testutil.WriteChunk(t, root, "d/a", []byte("a"))
	testutil.WriteChunk(t, root, "d/b", []byte("b"))
	testutil.WriteChunk(t, root, "d/sub/c", []byte("c"))

	resp := serve(h, &proto.ListChunkDirIncremental{
		TargetID:    102,
		Flags:       proto.ListFlagIsBuddyMirror,
		RelativeDir: "d",
		MaxOutNames: 10,
	}).(*proto.ListChunkDirIncrementalResp)
	require.Equal(t, proto.OpsSuccess, resp.Result)
	require.Len(t, resp.Names, 3)
	types := make(map[string]proto.EntryType)
	for i, name := range resp.Names {
		types[name] = resp.EntryTypes[i]
	}
	assert.Equal(t, map[string]proto.EntryType{
		"a":   proto.EntryRegular,
		"b":   proto.EntryRegular,
		"sub": proto.EntryDir,
	}, types)

	t.Run("paging", func(t *testing.T) {
		var names []string
		offset := int64(0)
		for range 10 {
			resp := serve(h, &proto.ListChunkDirIncremental{
				TargetID:    102,
				Flags:       proto.ListFlagIsBuddyMirror,
				RelativeDir: "d",
				Offset:      offset,
				MaxOutNames: 2,
			}).(*proto.ListChunkDirIncrementalResp)
			require.Equal(t, proto.OpsSuccess, resp.Result)
			if len(resp.Names) == 0 {
				break
			}
			names = append(names, resp.Names...)
			offset = resp.NewOffset
		}
		assert.ElementsMatch(t, []string{"a", "b", "sub"}, names)
	})

	t.Run("missing dir", func(t *testing.T) {
		resp := serve(h, &proto.ListChunkDirIncremental{
			TargetID:    102,
			Flags:       proto.ListFlagIsBuddyMirror | proto.ListFlagIgnoreNotExists,
			RelativeDir: "gone",
			MaxOutNames: 10,
		}).(*proto.ListChunkDirIncrementalResp)
		assert.Equal(t, proto.OpsPathNotExists, resp.Result)

		resp = serve(h, &proto.ListChunkDirIncremental{
			TargetID:    102,
			Flags:       proto.ListFlagIsBuddyMirror,
			RelativeDir: "gone",
			MaxOutNames: 10,
		}).(*proto.ListChunkDirIncrementalResp)
		assert.Equal(t, proto.OpsInternal, resp.Result)
		assert.Equal(t, proto.ConsistencyGood, target(t, app, 102).ConsistencyState())
	})

	t.Run("unknown target", func(t *testing.T) {
		resp := serve(h, &proto.ListChunkDirIncremental{TargetID: 999, MaxOutNames: 10}).(*proto.ListChunkDirIncrementalResp)
		assert.Equal(t, proto.OpsUnknownTarget, resp.Result)
	})
}

func TestHandler_ResyncLocalFile(t *testing.T) {
	app, h := newHandlerApp(t)
	sec := target(t, app, 102)
	root := sec.ChunkRoot(true)
	testutil.WriteChunk(t, root, "x/chunk", []byte("stale content that is longer"))

	resp := serve(h, &proto.ResyncLocalFile{
		TargetID:     102,
		RelativePath: "x/chunk",
		Data:         []byte("fresh"),
		Flags:        proto.ResyncFlagTrunc,
	}).(*proto.ResyncLocalFileResp)
	require.Equal(t, proto.OpsSuccess, resp.Result)
	assert.Equal(t, []byte("fresh"), testutil.ReadChunk(t, root, "x/chunk"))
	assert.Zero(t, app.locks.Size(102))

	resp = serve(h, &proto.ResyncLocalFile{TargetID: 999, RelativePath: "x/chunk"}).(*proto.ResyncLocalFileResp)
	assert.Equal(t, proto.OpsUnknownTarget, resp.Result)
}

func TestHandler_LocalErrorMarksTargetBad(t *testing.T) {
	app, h := newHandlerApp(t)
	sec := target(t, app, 102)
	// A directory where the chunk should be cannot be opened for writing.
	require.NoError(t, os.MkdirAll(filepath.Join(sec.ChunkRoot(true), "blocked"), 0o755))

	resp := serve(h, &proto.ResyncLocalFile{
		TargetID:     102,
		RelativePath: "blocked",
		Data:         []byte("data"),
	}).(*proto.ResyncLocalFileResp)
	assert.Equal(t, proto.OpsInternal, resp.Result)
	assert.Equal(t, proto.ConsistencyBad, sec.ConsistencyState())

	st, ok := app.States().GetState(102)
	require.True(t, ok)
	assert.Equal(t, proto.ConsistencyBad, st.Consistency)
}

func TestHandler_RmChunkPaths(t *testing.T) {
	app, h := newHandlerApp(t)
	sec := target(t, app, 102)
	root := sec.ChunkRoot(true)
	testutil.WriteChunk(t, root, "r/a", []byte("a"))
	testutil.WriteChunk(t, root, "r/keep", []byte("k"))

	resp := serve(h, &proto.RmChunkPaths{
		TargetID: 102,
		Flags:    proto.RmFlagBuddyMirror,
		Paths:    []string{"r/a", "r/never-existed"},
	}).(*proto.RmChunkPathsResp)
	assert.Empty(t, resp.FailedPaths)
	assert.Equal(t, []string{"r/keep"}, testutil.ListFiles(t, root))
	assert.Equal(t, proto.ConsistencyGood, sec.ConsistencyState())

	resp = serve(h, &proto.RmChunkPaths{TargetID: 999, Paths: []string{"p"}}).(*proto.RmChunkPathsResp)
	assert.Equal(t, []string{"p"}, resp.FailedPaths)
}

func TestHandler_SetTargetConsistencyStates(t *testing.T) {
	app, h := newHandlerApp(t)

	resp := serve(h, &proto.SetTargetConsistencyStates{
		TargetIDs: []proto.TargetID{102},
	}).(*proto.SetTargetConsistencyStatesResp)
	assert.Equal(t, proto.OpsInval, resp.Result)

	resp = serve(h, &proto.SetTargetConsistencyStates{
		TargetIDs: []proto.TargetID{202},
		States:    []proto.ConsistencyState{proto.ConsistencyBad},
	}).(*proto.SetTargetConsistencyStatesResp)
	assert.Equal(t, proto.OpsUnknownTarget, resp.Result)

	resp = serve(h, &proto.SetTargetConsistencyStates{
		TargetIDs:     []proto.TargetID{202},
		States:        []proto.ConsistencyState{proto.ConsistencyBad},
		ForceOverride: true,
	}).(*proto.SetTargetConsistencyStatesResp)
	assert.Equal(t, proto.OpsSuccess, resp.Result)
	st, ok := app.States().GetState(202)
	require.True(t, ok)
	assert.Equal(t, proto.ConsistencyBad, st.Consistency)

	resp = serve(h, &proto.SetTargetConsistencyStates{
		TargetIDs: []proto.TargetID{102},
		States:    []proto.ConsistencyState{proto.ConsistencyNeedsResync},
	}).(*proto.SetTargetConsistencyStatesResp)
	assert.Equal(t, proto.OpsSuccess, resp.Result)
	assert.Equal(t, proto.ConsistencyNeedsResync, target(t, app, 102).ConsistencyState())
}

func TestHandler_StorageResyncStarted(t *testing.T) {
	app, h := newHandlerApp(t)

	resp := serve(h, &proto.StorageResyncStarted{TargetID: 102}).(*proto.StorageResyncStartedResp)
	assert.Equal(t, proto.OpsSuccess, resp.Result)
	assert.Equal(t, proto.ConsistencyNeedsResync, target(t, app, 102).ConsistencyState())

	resp = serve(h, &proto.StorageResyncStarted{TargetID: 999}).(*proto.StorageResyncStartedResp)
	assert.Equal(t, proto.OpsUnknownTarget, resp.Result)
}

func TestHandler_SetLastBuddyCommOverride(t *testing.T) {
	app, h := newHandlerApp(t)
	ts := time.Now().Add(-time.Hour).Truncate(time.Second)

	resp := serve(h, &proto.SetLastBuddyCommOverride{TargetID: 102, Timestamp: ts.Unix()}).(*proto.SetLastBuddyCommOverrideResp)
	assert.Equal(t, proto.OpsInval, resp.Result, "secondaries have no resync to steer")

	resp = serve(h, &proto.SetLastBuddyCommOverride{TargetID: 999, Timestamp: ts.Unix()}).(*proto.SetLastBuddyCommOverrideResp)
	assert.Equal(t, proto.OpsUnknownTarget, resp.Result)

	resp = serve(h, &proto.SetLastBuddyCommOverride{TargetID: 101, Timestamp: ts.Unix()}).(*proto.SetLastBuddyCommOverrideResp)
	require.Equal(t, proto.OpsSuccess, resp.Result)

	primary := target(t, app, 101)
	got, isOverride, err := primary.LastBuddyComm()
	require.NoError(t, err)
	assert.True(t, isOverride)
	assert.True(t, ts.Equal(got))
	assert.True(t, primary.BuddyNeedsResync())

	// The buddy is offline, so nothing may start.
	time.Sleep(250 * time.Millisecond)
	assert.False(t, app.Resyncer().IsRunning(101))
}

func TestHandler_Stats(t *testing.T) {
	_, h := newHandlerApp(t)

	resp := serve(h, &proto.GetStorageResyncStats{TargetID: 101}).(*proto.GetStorageResyncStatsResp)
	assert.Equal(t, proto.OpsSuccess, resp.Result)
	assert.Equal(t, proto.JobNotStarted, resp.Stats.Status)

	resp = serve(h, &proto.GetStorageResyncStats{TargetID: 999}).(*proto.GetStorageResyncStatsResp)
	assert.Equal(t, proto.OpsUnknownTarget, resp.Result)
}

func TestHandler_GetStorageTargetInfo(t *testing.T) {
	app, h := newHandlerApp(t)
	target(t, app, 102).SetConsistencyState(proto.ConsistencyNeedsResync)

	resp := serve(h, &proto.GetStorageTargetInfo{}).(*proto.GetStorageTargetInfoResp)
	require.Len(t, resp.Infos, 3)
	assert.Equal(t, proto.TargetInfo{TargetID: 101, Consistency: proto.ConsistencyGood}, resp.Infos[0])
	assert.Equal(t, proto.TargetInfo{TargetID: 102, Consistency: proto.ConsistencyNeedsResync}, resp.Infos[1])

	resp = serve(h, &proto.GetStorageTargetInfo{TargetIDs: []proto.TargetID{999, 102}}).(*proto.GetStorageTargetInfoResp)
	require.Len(t, resp.Infos, 1)
	assert.Equal(t, proto.TargetID(102), resp.Infos[0].TargetID)
}

func TestHandler_WriteLocalFile(t *testing.T) {
	app, h := newHandlerApp(t)

	t.Run("primary with offline buddy", func(t *testing.T) {
		resp := serve(h, &proto.WriteLocalFile{TargetID: 101, RelativePath: "w/c", Data: []byte("hello")}).(*proto.WriteLocalFileResp)
		require.Equal(t, proto.OpsSuccess, resp.Result)
		assert.Equal(t, int64(5), resp.Written)
		primary := target(t, app, 101)
		assert.Equal(t, []byte("hello"), testutil.ReadChunk(t, primary.ChunkRoot(true), "w/c"))
		assert.True(t, primary.BuddyNeedsResync(), "a lost mirror write marks the buddy")
	})

	t.Run("unreachable online buddy", func(t *testing.T) {
		primary := target(t, app, 101)
		require.NoError(t, primary.SetBuddyNeedsResync(false))
		require.True(t, app.states.SetReachabilityState(201, proto.ReachabilityOnline))
		defer app.states.SetReachabilityState(201, proto.ReachabilityOffline)

		resp := serve(h, &proto.WriteLocalFile{TargetID: 101, RelativePath: "w/d", Data: []byte("hi")})
		gr, ok := resp.(*proto.GenericResponse)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, proto.ControlIndirectCommErr, gr.Code)
		assert.Equal(t, []byte("hi"), testutil.ReadChunk(t, primary.ChunkRoot(true), "w/d"), "the primary keeps its write")
		assert.False(t, primary.BuddyNeedsResync())
	})

	t.Run("secondary refuses client writes", func(t *testing.T) {
		resp := serve(h, &proto.WriteLocalFile{TargetID: 102, RelativePath: "w/c", Data: []byte("x")}).(*proto.WriteLocalFileResp)
		assert.Equal(t, proto.OpsInval, resp.Result)

		resp = serve(h, &proto.WriteLocalFile{
			TargetID:     102,
			Flags:        proto.WriteFlagMirrorForward,
			RelativePath: "w/c",
			Offset:       2,
			Data:         []byte("x"),
		}).(*proto.WriteLocalFileResp)
		require.Equal(t, proto.OpsSuccess, resp.Result)
		assert.Equal(t, []byte{0, 0, 'x'}, testutil.ReadChunk(t, target(t, app, 102).ChunkRoot(true), "w/c"))
	})

	t.Run("ungrouped target", func(t *testing.T) {
		resp := serve(h, &proto.WriteLocalFile{TargetID: 103, RelativePath: "plain", Data: []byte("p")}).(*proto.WriteLocalFileResp)
		require.Equal(t, proto.OpsSuccess, resp.Result)
		assert.Equal(t, []byte("p"), testutil.ReadChunk(t, target(t, app, 103).ChunkRoot(false), "plain"))
	})

	t.Run("unknown target", func(t *testing.T) {
		resp := serve(h, &proto.WriteLocalFile{TargetID: 999, RelativePath: "c"}).(*proto.WriteLocalFileResp)
		assert.Equal(t, proto.OpsUnknownTarget, resp.Result)
	})
}

func TestHandler_GetChunkLocks(t *testing.T) {
	app, h := newHandlerApp(t)
	app.locks.Lock(101, "held/chunk")
	defer func() { _ = app.locks.Unlock(101, "held/chunk") }()

	resp := serve(h, &proto.GetChunkLocks{TargetID: 101}).(*proto.GetChunkLocksResp)
	assert.Equal(t, proto.OpsSuccess, resp.Result)
	assert.Equal(t, []string{"held/chunk"}, resp.Chunks)

	resp = serve(h, &proto.GetChunkLocks{TargetID: 999}).(*proto.GetChunkLocksResp)
	assert.Equal(t, proto.OpsUnknownTarget, resp.Result)
}

func TestHandler_AckCompletesWait(t *testing.T) {
	app, h := newHandlerApp(t)
	w := app.datagram.Acks().Register("ack-1")
	defer app.datagram.Acks().Unregister(w)

	assert.Nil(t, serve(h, &proto.Ack{AckID: "ack-1"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, w.Wait(ctx))
}

func TestApp_AcknowledgesRefreshDatagram(t *testing.T) {
	app, _ := newHandlerApp(t)

	client, err := comm.NewDatagram(comm.DatagramConfig{
		Addr:       "127.0.0.1:0",
		Pool:       app.direct,
		AckTimeout: 200 * time.Millisecond,
		AckRetries: 3,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	err = client.SendWithAck(context.Background(), app.DatagramAddr().String(),
		&proto.RefreshTargetStates{AckID: comm.NewAckID()})
	assert.NoError(t, err)
}

// pair is two daemons sharing one cluster file: node 1 serves primary 101,
// node 2 serves its secondary 201.
type pair struct {
	primary   *App
	secondary *App
	messenger *comm.Messenger
}

func newPair(t *testing.T) *pair {
	t.Helper()
	addr1 := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	addr2 := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	cluster := testutil.TempFile(t, t.TempDir(), "cluster.yaml", fmt.Sprintf(`
nodes:
  - {id: 1, addr: "%s"}
  - {id: 2, addr: "%s"}
targets:
  - {id: 101, node: 1}
  - {id: 201, node: 2}
buddy_groups:
  - {id: 1, primary: 101, secondary: 201}
`, addr1, addr2))
	authority := nodes.NewFileAuthority(cluster)

	cfg1 := testConfig(t, 1, addr1, 101)
	cfg1.ClusterFile = cluster
	cfg2 := testConfig(t, 2, addr2, 201)
	cfg2.ClusterFile = cluster

	p := &pair{
		secondary: startApp(t, cfg2, authority),
		primary:   startApp(t, cfg1, authority),
	}

	targetMap := nodes.NewTargetMapper()
	targetMap.MapTarget(101, 1)
	nodeStore := nodes.NewNodeStore()
	nodeStore.AddOrUpdate(nodes.Node{ID: 1, Addr: addr1})
	p.messenger = comm.NewMessenger(comm.MessengerConfig{
		Resolver:       nodes.Resolver{Targets: targetMap, Nodes: nodeStore},
		Pool:           comm.NewConnPool(time.Second, 2),
		RequestTimeout: 5 * time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(p.messenger.Close)
	return p
}

func TestApp_ResyncOverTheWire(t *testing.T) {
	p := newPair(t)
	prim := target(t, p.primary, 101)
	sec := target(t, p.secondary, 201)
	proot, sroot := prim.ChunkRoot(true), sec.ChunkRoot(true)

	testutil.WriteChunk(t, proot, "u1/a/c1", []byte("chunk one"))
	testutil.WriteChunk(t, proot, "u1/b/c2", make([]byte, 3*storage.SparseBlockSize))
	testutil.WriteChunk(t, proot, "u2/c3", []byte("chunk three"))
	testutil.WriteChunk(t, sroot, "u1/a/stale", []byte("gone on primary"))
	testutil.WriteChunk(t, sroot, "u9/orphan", []byte("gone on primary"))

	ctx := context.Background()
	resp, err := comm.Call[*proto.SetLastBuddyCommOverrideResp](ctx, p.messenger, 101,
		&proto.SetLastBuddyCommOverride{TargetID: 101, Timestamp: 0})
	require.NoError(t, err)
	require.Equal(t, proto.OpsSuccess, resp.Result)

	require.True(t, testutil.WaitFor(t, 10*time.Second, 20*time.Millisecond, func() bool {
		stats, err := comm.Call[*proto.GetStorageResyncStatsResp](ctx, p.messenger, 101,
			&proto.GetStorageResyncStats{TargetID: 101})
		return err == nil && stats.Stats.Status == proto.JobSuccess
	}), "resync did not finish")

	assert.Equal(t, testutil.ListFiles(t, proot), testutil.ListFiles(t, sroot))
	assert.Equal(t, []byte("chunk one"), testutil.ReadChunk(t, sroot, "u1/a/c1"))
	assert.Equal(t, make([]byte, 3*storage.SparseBlockSize), testutil.ReadChunk(t, sroot, "u1/b/c2"))
	assert.Equal(t, []byte("chunk three"), testutil.ReadChunk(t, sroot, "u2/c3"))

	assert.False(t, prim.BuddyNeedsResync())
	assert.True(t, testutil.WaitFor(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return sec.ConsistencyState() == proto.ConsistencyGood
	}), "secondary was not told it is good")

	locks, err := comm.Call[*proto.GetChunkLocksResp](ctx, p.messenger, 101, &proto.GetChunkLocks{TargetID: 101})
	require.NoError(t, err)
	assert.Empty(t, locks.Chunks)
}

func TestApp_MirrorsWrites(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	resp, err := comm.Call[*proto.WriteLocalFileResp](ctx, p.messenger, 101, &proto.WriteLocalFile{
		TargetID:     101,
		RelativePath: "m/chunk",
		Data:         []byte("mirrored"),
	})
	require.NoError(t, err)
	require.Equal(t, proto.OpsSuccess, resp.Result)
	assert.Equal(t, int64(8), resp.Written)

	assert.Equal(t, []byte("mirrored"), testutil.ReadChunk(t, target(t, p.primary, 101).ChunkRoot(true), "m/chunk"))
	assert.Equal(t, []byte("mirrored"), testutil.ReadChunk(t, target(t, p.secondary, 201).ChunkRoot(true), "m/chunk"))
	assert.False(t, target(t, p.primary, 101).BuddyNeedsResync())
}

func TestApp_OverrideWithRestartResyncsAgain(t *testing.T) {
	p := newPair(t)
	prim := target(t, p.primary, 101)
	testutil.WriteChunk(t, prim.ChunkRoot(true), "r/c", []byte("again"))

	first, err := p.primary.Resyncer().StartResync(101, false)
	require.NoError(t, err)

	resp, err := comm.Call[*proto.SetLastBuddyCommOverrideResp](context.Background(), p.messenger, 101,
		&proto.SetLastBuddyCommOverride{TargetID: 101, Timestamp: 0, RestartResync: true})
	require.NoError(t, err)
	assert.Equal(t, proto.OpsSuccess, resp.Result)

	require.True(t, testutil.WaitFor(t, 10*time.Second, 20*time.Millisecond, func() bool {
		j := p.primary.Resyncer().Job(101)
		return j != nil && j.ID() != first.ID() && j.Status() == proto.JobSuccess && !prim.BuddyNeedsResync()
	}), "no second resync after the override")
	assert.NotEqual(t, proto.JobRunning, first.Status())
	assert.Equal(t, []byte("again"), testutil.ReadChunk(t, target(t, p.secondary, 201).ChunkRoot(true), "r/c"))
}
