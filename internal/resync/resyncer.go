package resync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// DefaultAutoCheckInterval is how often the resyncer looks for buddies that
// need a resync.
const DefaultAutoCheckInterval = 30 * time.Second

// ResyncerConfig holds configuration for a Resyncer.
type ResyncerConfig struct {
	Targets *storage.StorageTargets
	Groups  *nodes.BuddyGroupMapper
	States  *nodes.TargetStateStore
	// Job is the template for every job. Target and BuddyTargetID are
	// filled in per job.
	Job               JobConfig
	AutoCheckInterval time.Duration
	Logger            zerolog.Logger
}

// Resyncer owns the resync jobs of all local primary targets. At most one
// job runs per target.
type Resyncer struct {
	cfg    ResyncerConfig
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[proto.TargetID]*Job

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResyncer creates a resyncer. Start begins automatic resyncs; jobs can
// be started manually without it.
func NewResyncer(cfg ResyncerConfig) *Resyncer {
	if cfg.AutoCheckInterval <= 0 {
		cfg.AutoCheckInterval = DefaultAutoCheckInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resyncer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "resyncer").Logger(),
		jobs:   make(map[proto.TargetID]*Job),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the automatic resync loop.
func (r *Resyncer) Start() {
	r.wg.Add(1)
	go r.autoStartLoop()
}

// Stop interrupts all jobs and waits for them.
func (r *Resyncer) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Kick triggers an automatic resync check now.
func (r *Resyncer) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func running(j *Job) bool {
	if j == nil {
		return false
	}
	select {
	case <-j.Done():
		return false
	default:
		return true
	}
}

// StartResync starts a job for the primary targetID. A running job makes
// this fail with OpsAlreadyRunning unless restart is set, in which case the
// running job is interrupted and drained first.
func (r *Resyncer) StartResync(targetID proto.TargetID, restart bool) (*Job, error) {
	t, err := r.cfg.Targets.MustGet(targetID)
	if err != nil {
		return nil, err
	}
	buddy, isPrimary := r.cfg.Groups.BuddyTargetOf(targetID)
	if buddy == 0 {
		return nil, fmt.Errorf("target %d is not in a buddy group: %w", targetID, proto.OpsInval)
	}
	if !isPrimary {
		return nil, fmt.Errorf("target %d is not a primary: %w", targetID, proto.OpsInval)
	}
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("resyncer stopped: %w", proto.OpsInterrupted)
	}

	r.mu.Lock()
	old := r.jobs[targetID]
	if running(old) {
		if !restart {
			r.mu.Unlock()
			return nil, fmt.Errorf("resync of target %d: %w", targetID, proto.OpsAlreadyRunning)
		}
		r.mu.Unlock()

		r.logger.Info().Uint16("target_id", targetID).Str("job_id", old.ID()).Msg("restarting resync")
		old.Abort(AbortRestart)
		select {
		case <-old.Done():
		case <-r.ctx.Done():
			return nil, fmt.Errorf("resyncer stopped: %w", proto.OpsInterrupted)
		}

		r.mu.Lock()
		if cur := r.jobs[targetID]; cur != old && running(cur) {
			r.mu.Unlock()
			return nil, fmt.Errorf("resync of target %d: %w", targetID, proto.OpsAlreadyRunning)
		}
	}

	cfg := r.cfg.Job
	cfg.Target = t
	cfg.BuddyTargetID = buddy
	job := NewJob(cfg)
	r.jobs[targetID] = job
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		_ = job.Run(r.ctx)
	}()
	return job, nil
}

// Abort interrupts the running job of targetID on operator request.
func (r *Resyncer) Abort(targetID proto.TargetID) error {
	r.mu.Lock()
	j := r.jobs[targetID]
	r.mu.Unlock()
	if !running(j) {
		return fmt.Errorf("no resync running for target %d: %w", targetID, proto.OpsInval)
	}
	j.Abort(AbortUser)
	return nil
}

// AbortForRestart interrupts a running job without marking the buddy Bad,
// e.g. because its start time was overridden.
func (r *Resyncer) AbortForRestart(targetID proto.TargetID) bool {
	r.mu.Lock()
	j := r.jobs[targetID]
	r.mu.Unlock()
	if !running(j) {
		return false
	}
	j.Abort(AbortRestart)
	<-j.Done()
	return true
}

// Job returns the most recent job of targetID, or nil.
func (r *Resyncer) Job(targetID proto.TargetID) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[targetID]
}

// Stats returns the statistics of the most recent job of targetID. A target
// that never resynced reports JobNotStarted.
func (r *Resyncer) Stats(targetID proto.TargetID) (proto.ResyncStats, error) {
	if _, err := r.cfg.Targets.MustGet(targetID); err != nil {
		return proto.ResyncStats{}, err
	}
	if j := r.Job(targetID); j != nil {
		return j.Stats(), nil
	}
	return proto.ResyncStats{Status: proto.JobNotStarted}, nil
}

// IsRunning reports whether a job for targetID is running.
func (r *Resyncer) IsRunning(targetID proto.TargetID) bool {
	return running(r.Job(targetID))
}

func (r *Resyncer) autoStartLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.AutoCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.CheckAll()
	}
}

// CheckAll starts a job for every local primary whose buddy needs a resync
// and is reachable.
func (r *Resyncer) CheckAll() {
	for _, id := range r.cfg.Targets.IDs() {
		t, ok := r.cfg.Targets.Get(id)
		if !ok || !t.BuddyNeedsResync() || t.ConsistencyState() != proto.ConsistencyGood {
			continue
		}
		buddy, isPrimary := r.cfg.Groups.BuddyTargetOf(id)
		if buddy == 0 || !isPrimary {
			continue
		}
		st, ok := r.cfg.States.GetState(buddy)
		if !ok || st.Reachability != proto.ReachabilityOnline {
			continue
		}
		if r.IsRunning(id) {
			continue
		}
		if _, err := r.StartResync(id, false); err != nil {
			r.logger.Warn().Err(err).Uint16("target_id", id).Msg("automatic resync not started")
			continue
		}
		r.logger.Info().Uint16("target_id", id).Uint16("buddy_target_id", buddy).Msg("automatic resync started")
	}
}
