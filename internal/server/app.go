// Package server wires the storage daemon together. App is the explicit
// handle to every long-lived component; nothing in the daemon is global.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/beegfs/buddymirror/internal/comm"
	"github.com/beegfs/buddymirror/internal/config"
	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/resync"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// Options holds everything New needs besides the configuration file.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Authority overrides the file authority read from Config.ClusterFile.
	Authority nodes.Authority
}

// App is one storage daemon.
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	targets   *storage.StorageTargets
	states    *nodes.TargetStateStore
	groups    *nodes.BuddyGroupMapper
	targetMap *nodes.TargetMapper
	nodeStore *nodes.NodeStore
	locks     *storage.ChunkLockStore

	workers *workqueue.Pool
	direct  *workqueue.Pool
	retrier *workqueue.Retrier

	messenger *comm.Messenger
	server    *comm.Server
	datagram  *comm.Datagram

	authority nodes.Authority
	syncer    *nodes.Syncer
	reporter  *nodes.Reporter
	forwarder *storage.MirrorForwarder
	resyncer  *resync.Resyncer
	tracker   *resync.BuddyCommTracker

	metricsSrv *http.Server
	metricsLn  net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	bgMu     sync.Mutex
	stopping bool
	bg       sync.WaitGroup
}

// New builds the daemon from a validated configuration. Nothing listens or
// runs until Start.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	authority := opts.Authority
	if authority == nil {
		if cfg.ClusterFile == "" {
			return nil, fmt.Errorf("cluster_file is required")
		}
		authority = nodes.NewFileAuthority(cfg.ClusterFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:       cfg,
		logger:    opts.Logger.With().Str("component", "app").Uint16("node_id", cfg.NodeID).Logger(),
		metrics:   opts.Metrics,
		states:    nodes.NewTargetStateStore(),
		groups:    nodes.NewBuddyGroupMapper(),
		targetMap: nodes.NewTargetMapper(),
		nodeStore: nodes.NewNodeStore(),
		authority: authority,
		ctx:       ctx,
		cancel:    cancel,
	}
	logger := opts.Logger

	targets, err := storage.OpenTargets(storage.TargetsConfig{
		Paths:               cfg.TargetPaths(),
		OnBuddyNeedsResync:  a.onBuddyNeedsResync,
		OnConsistencyChange: a.onConsistencyChange,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open targets: %w", err)
	}
	a.targets = targets

	// Configured groups serve until the first authority sync replaces them.
	if err := a.groups.SyncFromAuthority(cfg.BuddyGroups); err != nil {
		cancel()
		return nil, fmt.Errorf("buddy groups: %w", err)
	}
	for _, id := range targets.IDs() {
		a.states.AddIfMissing(id)
		a.targetMap.MapTarget(id, cfg.NodeID)
	}

	a.locks = storage.NewChunkLockStore(logger, opts.Metrics)

	a.workers = workqueue.NewPool(workqueue.PoolConfig{
		Name:      "general",
		Workers:   cfg.Workers.Workers,
		QueueSize: cfg.Workers.QueueSize,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	a.direct = workqueue.NewPool(workqueue.PoolConfig{
		Name:      "direct",
		Workers:   cfg.Workers.DirectWorkers,
		QueueSize: cfg.Workers.QueueSize,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	a.retrier = workqueue.NewRetrier(workqueue.RetrierConfig{
		Pool: a.workers,
		Policy: workqueue.RetryPolicy{
			MaxRetries: cfg.Workers.MaxRetries,
			BaseDelay:  cfg.Workers.RetryBaseDelay,
			MaxDelay:   cfg.Workers.RetryMaxDelay,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	codec := proto.NewCodec(int(cfg.Comm.CompressThreshold.Bytes()))
	a.messenger = comm.NewMessenger(comm.MessengerConfig{
		Resolver:       nodes.Resolver{Targets: a.targetMap, Nodes: a.nodeStore},
		Codec:          codec,
		Pool:           comm.NewConnPool(cfg.Comm.DialTimeout, cfg.Comm.MaxIdleConns),
		RequestTimeout: cfg.Comm.RequestTimeout,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})

	h := &handler{app: a, logger: logger.With().Str("component", "handler").Logger()}
	a.server = comm.NewServer(comm.ServerConfig{
		Addr:    cfg.Listen,
		Codec:   codec,
		Handler: h,
		Workers: a.workers,
		Direct:  a.direct,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	a.datagram, err = comm.NewDatagram(comm.DatagramConfig{
		Addr:       cfg.DatagramListen,
		Codec:      codec,
		Handler:    h,
		Pool:       a.direct,
		AckTimeout: cfg.Comm.AckTimeout,
		AckRetries: cfg.Comm.AckRetries,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	a.syncer = nodes.NewSyncer(nodes.SyncerConfig{
		Authority: authority,
		States:    a.states,
		Groups:    a.groups,
		Targets:   a.targetMap,
		Nodes:     a.nodeStore,
		Interval:  cfg.SyncInterval,
		Logger:    logger,
		OnSync:    a.onSync,
	})
	a.reporter = nodes.NewReporter(authority, a.retrier, logger)

	a.forwarder = storage.NewMirrorForwarder(storage.MirrorForwarderConfig{
		Targets:   targets,
		States:    a.states,
		Groups:    a.groups,
		Requester: a.messenger,
		Logger:    logger,
	})

	rc := cfg.Resync
	a.resyncer = resync.NewResyncer(resync.ResyncerConfig{
		Targets: targets,
		Groups:  a.groups,
		States:  a.states,
		Job: resync.JobConfig{
			Requester:       a.messenger,
			States:          a.states,
			Locks:           a.locks,
			Workers:         a.workers,
			Retrier:         a.retrier,
			Limiter:         newLimiter(rc.BandwidthLimit.BytesPerSecond(), rc.BlockSize.Bytes()),
			NumGatherSlaves: rc.NumGatherSlaves,
			NumSyncSlaves:   rc.NumSyncSlaves,
			DirPageSize:     rc.DirPageSize,
			BlockSize:       int(rc.BlockSize.Bytes()),
			RetryInterval:   rc.RetryInterval,
			SafetyThreshold: rc.SafetyThreshold,
			MaxWalkDepth:    rc.MaxWalkDepth,
			QueueLimit:      rc.QueueLimit,
			Logger:          logger,
			Metrics:         opts.Metrics,
		},
		AutoCheckInterval: rc.AutoCheckInterval,
		Logger:            logger,
	})
	a.tracker = resync.NewBuddyCommTracker(resync.BuddyCommTrackerConfig{
		Targets:   targets,
		Groups:    a.groups,
		States:    a.states,
		Requester: a.messenger,
		Interval:  rc.BuddyCommInterval,
		Logger:    logger,
	})

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		a.metricsSrv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// newLimiter returns nil for an unlimited rate. The burst is one block so a
// full block never has to be split.
func newLimiter(bytesPerSec, blockSize int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(max(blockSize, bytesPerSec/10)))
}

// Start binds the listeners, syncs the cluster state once and starts the
// background loops.
func (a *App) Start() error {
	a.workers.Start()
	a.direct.Start()
	a.retrier.Start()

	if err := a.server.Start(); err != nil {
		a.stopPools()
		return err
	}
	if err := a.datagram.Start(); err != nil {
		a.server.Stop()
		a.stopPools()
		return err
	}

	syncCtx, cancel := context.WithTimeout(a.ctx, a.cfg.Comm.RequestTimeout)
	if err := a.syncer.SyncNow(syncCtx); err != nil {
		a.logger.Warn().Err(err).Msg("initial cluster state sync failed")
	}
	cancel()
	a.syncer.Start()
	a.resyncer.Start()
	a.tracker.Start()

	if a.metricsSrv != nil {
		ln, err := net.Listen("tcp", a.metricsSrv.Addr)
		if err != nil {
			a.Stop()
			return fmt.Errorf("listen on %s: %w", a.metricsSrv.Addr, err)
		}
		a.metricsLn = ln
		go func() {
			if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	a.logger.Info().
		Str("listen", a.server.Addr().String()).
		Str("datagram", a.datagram.LocalAddr().String()).
		Interface("targets", a.targets.IDs()).
		Msg("storage daemon started")
	return nil
}

// Stop shuts everything down in reverse start order. Running resync jobs
// are interrupted and resume after the next start.
func (a *App) Stop() {
	if a.metricsSrv != nil && a.metricsLn != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	a.tracker.Stop()
	a.resyncer.Stop()
	a.syncer.Stop()

	a.bgMu.Lock()
	a.stopping = true
	a.bgMu.Unlock()
	a.cancel()
	a.bg.Wait()

	a.datagram.Stop()
	a.server.Stop()
	a.stopPools()
	a.messenger.Close()
	a.logger.Info().Msg("storage daemon stopped")
}

func (a *App) stopPools() {
	a.retrier.Stop()
	a.direct.Stop()
	a.workers.Stop()
}

// Run starts the daemon and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

// Addr returns the stream listener address. Only valid after Start.
func (a *App) Addr() net.Addr { return a.server.Addr() }

// DatagramAddr returns the datagram listener address. Only valid after Start.
func (a *App) DatagramAddr() net.Addr { return a.datagram.LocalAddr() }

// Targets returns the local targets.
func (a *App) Targets() *storage.StorageTargets { return a.targets }

// States returns the cluster-wide target state view.
func (a *App) States() *nodes.TargetStateStore { return a.states }

// Resyncer returns the resync job owner.
func (a *App) Resyncer() *resync.Resyncer { return a.resyncer }

// goBackground runs fn unless Stop has begun.
func (a *App) goBackground(fn func(ctx context.Context)) {
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	if a.stopping {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn(a.ctx)
	}()
}

func (a *App) onSync() {
	a.resyncer.Kick()
}

// onConsistencyChange reports a local target's own state to the authority.
func (a *App) onConsistencyChange(targetID proto.TargetID, state proto.ConsistencyState) {
	a.states.SetConsistencyState(targetID, state)
	a.logger.Info().Uint16("target_id", targetID).Str("consistency", state.String()).Msg("local target consistency changed")
	a.reportAndRefresh([]proto.TargetID{targetID}, []proto.ConsistencyState{state})
}

// onBuddyNeedsResync reports a lost secondary and wakes the auto-starter.
func (a *App) onBuddyNeedsResync(targetID proto.TargetID, needsResync bool) {
	if !needsResync {
		a.logger.Info().Uint16("target_id", targetID).Msg("buddy back in sync")
		return
	}
	buddy, isPrimary := a.groups.BuddyTargetOf(targetID)
	if buddy == 0 || !isPrimary {
		return
	}
	a.states.SetConsistencyState(buddy, proto.ConsistencyNeedsResync)
	a.reportAndRefresh([]proto.TargetID{buddy}, []proto.ConsistencyState{proto.ConsistencyNeedsResync})
	a.resyncer.Kick()
}

// reportAndRefresh pushes states to the authority and then asks the nodes
// serving those targets to re-read it.
func (a *App) reportAndRefresh(ids []proto.TargetID, states []proto.ConsistencyState) {
	ids = append([]proto.TargetID(nil), ids...)
	states = append([]proto.ConsistencyState(nil), states...)
	a.goBackground(func(ctx context.Context) {
		if err := a.reporter.ReportAndWait(ctx, ids, states); err != nil {
			a.logger.Error().Err(err).Interface("targets", ids).Msg("failed to report consistency states")
			return
		}
		a.refreshNodes(ctx, ids)
	})
}

func (a *App) refreshNodes(ctx context.Context, ids []proto.TargetID) {
	notified := make(map[proto.NodeID]bool)
	for _, id := range ids {
		nodeID, ok := a.targetMap.NodeOf(id)
		if !ok || notified[nodeID] {
			continue
		}
		notified[nodeID] = true
		if nodeID == a.cfg.NodeID {
			a.syncer.Refresh()
			continue
		}
		node, ok := a.nodeStore.Get(nodeID)
		if !ok {
			continue
		}
		addr := node.DatagramAddr
		if addr == "" {
			addr = node.Addr
		}
		err := a.datagram.SendWithAck(ctx, addr, &proto.RefreshTargetStates{AckID: comm.NewAckID()})
		if err != nil {
			a.logger.Debug().Err(err).Uint16("node_id", nodeID).Msg("node did not confirm state refresh")
		}
	}
}
