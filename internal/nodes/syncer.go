package nodes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// SyncerConfig holds configuration for the authority sync loop.
type SyncerConfig struct {
	Authority Authority
	States    *TargetStateStore
	Groups    *BuddyGroupMapper
	Targets   *TargetMapper
	Nodes     *NodeStore
	Interval  time.Duration
	Logger    zerolog.Logger

	// OnSync runs after every successful sync.
	OnSync func()
}

// Syncer periodically replaces the local cluster view with a download from
// the authority.
type Syncer struct {
	cfg       SyncerConfig
	logger    zerolog.Logger
	refreshCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncer creates a syncer. Call Start to begin periodic syncing.
func NewSyncer(cfg SyncerConfig) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "state-syncer").Logger(),
		refreshCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the sync loop in the background.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop ends the sync loop.
func (s *Syncer) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Refresh asks for a sync as soon as possible without waiting for it.
func (s *Syncer) Refresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Syncer) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.refreshCh:
		}
		if err := s.SyncNow(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("state sync failed, marking all targets probably offline")
		}
	}
}

// SyncNow downloads and applies the cluster state once. On failure every
// target is marked probably offline.
func (s *Syncer) SyncNow(ctx context.Context) error {
	snap, err := s.cfg.Authority.Download(ctx)
	if err == nil {
		err = s.apply(snap)
	}
	if err != nil {
		s.cfg.States.SetAllReachability(proto.ReachabilityProbablyOffline)
		return err
	}

	s.logger.Debug().
		Int("nodes", len(snap.Nodes)).
		Int("targets", len(snap.Targets)).
		Int("buddy_groups", len(snap.BuddyGroups)).
		Msg("cluster state synced")

	if s.cfg.OnSync != nil {
		s.cfg.OnSync()
	}
	return nil
}

func (s *Syncer) apply(snap *ClusterSnapshot) error {
	ids := make([]proto.TargetID, len(snap.Targets))
	reach := make([]proto.ReachabilityState, len(snap.Targets))
	cons := make([]proto.ConsistencyState, len(snap.Targets))
	mapping := make(map[proto.TargetID]proto.NodeID, len(snap.Targets))

	for i, t := range snap.Targets {
		r, err := proto.ParseReachabilityState(t.Reachability)
		if err != nil {
			return fmt.Errorf("target %d: %w", t.ID, err)
		}
		c, err := proto.ParseConsistencyState(t.Consistency)
		if err != nil {
			return fmt.Errorf("target %d: %w", t.ID, err)
		}
		ids[i], reach[i], cons[i] = t.ID, r, c
		mapping[t.ID] = t.Node
	}

	// Validate groups before touching anything else.
	if err := s.cfg.Groups.SyncFromAuthority(snap.BuddyGroups); err != nil {
		return err
	}
	if err := s.cfg.Nodes.SyncFromAuthority(snap.Nodes); err != nil {
		return err
	}
	s.cfg.Targets.SyncFromAuthority(mapping)
	return s.cfg.States.SyncFromAuthority(ids, reach, cons)
}

// consistencyReport pushes consistency states to the authority. It is a
// value type so every retry carries its own copy.
type consistencyReport struct {
	authority Authority
	targetIDs []proto.TargetID
	states    []proto.ConsistencyState
}

func (r consistencyReport) Name() string { return "report-consistency" }

func (r consistencyReport) Execute(ctx context.Context, _ int) error {
	err := r.authority.SetConsistencyStates(ctx, r.targetIDs, r.states)
	if err == nil || errors.Is(err, proto.OpsUnknownTarget) || errors.Is(err, proto.OpsInval) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	// Anything else means the authority could not be reached.
	return fmt.Errorf("%w: %v", proto.OpsCommunication, err)
}

// Reporter sends local consistency changes to the authority with retries.
type Reporter struct {
	authority Authority
	retrier   *workqueue.Retrier
	logger    zerolog.Logger
}

// NewReporter creates a reporter that retries through retrier.
func NewReporter(authority Authority, retrier *workqueue.Retrier, logger zerolog.Logger) *Reporter {
	return &Reporter{
		authority: authority,
		retrier:   retrier,
		logger:    logger.With().Str("component", "consistency-reporter").Logger(),
	}
}

// Report queues a consistency report and returns immediately.
func (r *Reporter) Report(ctx context.Context, targetIDs []proto.TargetID, states []proto.ConsistencyState) {
	op := consistencyReport{
		authority: r.authority,
		targetIDs: append([]proto.TargetID(nil), targetIDs...),
		states:    append([]proto.ConsistencyState(nil), states...),
	}
	err := r.retrier.Submit(ctx, op, func(err error) {
		if err != nil {
			r.logger.Error().Err(err).Interface("targets", targetIDs).Msg("failed to report consistency states")
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to queue consistency report")
	}
}

// ReportAndWait sends a consistency report and waits for the final result.
func (r *Reporter) ReportAndWait(ctx context.Context, targetIDs []proto.TargetID, states []proto.ConsistencyState) error {
	return r.retrier.Do(ctx, consistencyReport{
		authority: r.authority,
		targetIDs: append([]proto.TargetID(nil), targetIDs...),
		states:    append([]proto.ConsistencyState(nil), states...),
	})
}
