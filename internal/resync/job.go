package resync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/beegfs/buddymirror/internal/metrics"
	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/internal/workqueue"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// Job defaults.
const (
	DefaultNumGatherSlaves = 6
	DefaultNumSyncSlaves   = 12
	DefaultDirPageSize     = 50
	DefaultBlockSize       = 1 << 20
	DefaultRetryInterval   = 5 * time.Second
	DefaultSafetyThreshold = 10 * time.Minute
	DefaultMaxWalkDepth    = 2

	informBuddyTimeout = time.Minute
)

// ErrJobStarted is returned when running a job a second time.
var ErrJobStarted = errors.New("resync job already started")

// AbortReason says why a job was interrupted. It decides what the buddy is
// told afterwards.
type AbortReason int

const (
	// AbortUser is an operator abort. The buddy is marked Bad.
	AbortUser AbortReason = iota + 1
	// AbortBuddyOffline leaves the buddy needing a resync so the job is
	// resumed once it is reachable again.
	AbortBuddyOffline
	// AbortRestart means a new job replaces this one.
	AbortRestart
	// AbortShutdown is a daemon shutdown.
	AbortShutdown
)

func (r AbortReason) String() string {
	switch r {
	case AbortUser:
		return "user"
	case AbortBuddyOffline:
		return "buddy-offline"
	case AbortRestart:
		return "restart"
	case AbortShutdown:
		return "shutdown"
	}
	return "none"
}

// JobConfig holds configuration for a Job.
type JobConfig struct {
	Target        *storage.Target
	BuddyTargetID proto.TargetID
	Requester     storage.Requester
	States        *nodes.TargetStateStore
	Locks         *storage.ChunkLockStore
	// Workers is the general worker pool. A barrier through it makes sure
	// every in-flight write has seen the resync flag before the walk starts.
	Workers *workqueue.Pool
	// Retrier delivers the final consistency verdict to the buddy.
	Retrier *workqueue.Retrier
	Limiter *rate.Limiter

	NumGatherSlaves int
	NumSyncSlaves   int
	DirPageSize     int
	BlockSize       int
	RetryInterval   time.Duration
	SafetyThreshold time.Duration
	MaxWalkDepth    int
	QueueLimit      int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Job resyncs one primary target to its secondary. A Job runs once.
type Job struct {
	cfg    JobConfig
	id     string
	logger zerolog.Logger

	peer        *peer
	candidates  *CandidateStore
	gatherQueue *queue[string]
	stats       counters

	mu          sync.Mutex
	status      proto.JobStatus
	startTime   time.Time
	endTime     time.Time
	cancel      context.CancelFunc
	abortReason AbortReason
	done        chan struct{}
}

// NewJob creates a job. Zero config values select the defaults.
func NewJob(cfg JobConfig) *Job {
	if cfg.NumGatherSlaves <= 0 {
		cfg.NumGatherSlaves = DefaultNumGatherSlaves
	}
	if cfg.NumSyncSlaves <= 0 {
		cfg.NumSyncSlaves = DefaultNumSyncSlaves
	}
	if cfg.DirPageSize <= 0 {
		cfg.DirPageSize = DefaultDirPageSize
	}
	// Peers never return more than this per page.
	cfg.DirPageSize = min(cfg.DirPageSize, storage.MaxListNames)
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxWalkDepth <= 0 {
		cfg.MaxWalkDepth = DefaultMaxWalkDepth
	}

	id := uuid.NewString()
	logger := cfg.Logger.With().
		Str("component", "resync-job").
		Uint16("target_id", cfg.Target.ID).
		Uint16("buddy_target_id", cfg.BuddyTargetID).
		Str("job_id", id).
		Logger()

	return &Job{
		cfg:    cfg,
		id:     id,
		logger: logger,
		peer: &peer{
			targetID:      cfg.BuddyTargetID,
			requester:     cfg.Requester,
			states:        cfg.States,
			retryInterval: cfg.RetryInterval,
			logger:        logger,
			metrics:       cfg.Metrics,
		},
		candidates:  NewCandidateStore(cfg.QueueLimit),
		gatherQueue: newQueue[string](cfg.QueueLimit),
		done:        make(chan struct{}),
	}
}

// ID returns the job's unique ID.
func (j *Job) ID() string { return j.id }

// TargetID returns the primary target being resynced.
func (j *Job) TargetID() proto.TargetID { return j.cfg.Target.ID }

// Done is closed when Run has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns the current job status.
func (j *Job) Status() proto.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Stats returns a progress snapshot.
func (j *Job) Stats() proto.ResyncStats {
	j.mu.Lock()
	st := proto.ResyncStats{Status: j.status}
	if !j.startTime.IsZero() {
		st.StartTime = j.startTime.Unix()
	}
	if !j.endTime.IsZero() {
		st.EndTime = j.endTime.Unix()
	}
	j.mu.Unlock()

	st.DiscoveredFiles = j.stats.discoveredFiles.Load()
	st.DiscoveredDirs = j.stats.discoveredDirs.Load()
	st.MatchedFiles = j.stats.matchedFiles.Load()
	st.MatchedDirs = j.stats.matchedDirs.Load()
	st.SyncedFiles = j.stats.syncedFiles.Load()
	st.SyncedDirs = j.stats.syncedDirs.Load()
	st.ErrorFiles = j.stats.errorFiles.Load()
	st.ErrorDirs = j.stats.errorDirs.Load()
	st.BytesSent = j.stats.bytesSent.Load()
	return st
}

// Abort interrupts a running job. Slaves stop after their current item and
// the job finishes as Interrupted. The first reason given wins.
func (j *Job) Abort(reason AbortReason) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.abortReason == 0 {
		j.abortReason = reason
	}
	if j.cancel != nil {
		j.cancel()
	}
}

// Run executes the job and blocks until it finished. Cancelling ctx aborts
// the job like a shutdown.
func (j *Job) Run(ctx context.Context) error {
	j.mu.Lock()
	if j.status != proto.JobNotStarted {
		j.mu.Unlock()
		j.logger.Error().Msg("refusing to run same resync job twice")
		return ErrJobStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.status = proto.JobRunning
	j.startTime = time.Now()
	if j.abortReason != 0 {
		cancel()
	}
	j.mu.Unlock()

	defer close(j.done)
	defer cancel()

	j.cfg.Metrics.SetJobStatus(j.cfg.Target.ID, uint8(proto.JobRunning))
	status := j.run(ctx)

	j.mu.Lock()
	j.status = status
	j.endTime = time.Now()
	j.mu.Unlock()

	j.cfg.Metrics.SetJobStatus(j.cfg.Target.ID, uint8(status))
	stats := j.Stats()
	j.logger.Info().
		Str("status", status.String()).
		Uint64("synced_files", stats.SyncedFiles).
		Uint64("synced_dirs", stats.SyncedDirs).
		Uint64("error_files", stats.ErrorFiles).
		Uint64("error_dirs", stats.ErrorDirs).
		Msg("resync finished")
	return nil
}

func (j *Job) run(ctx context.Context) proto.JobStatus {
	t := j.cfg.Target

	j.candidates.Clear()
	j.gatherQueue.clear()
	j.stats.reset()

	t.SetResyncInProgress(true)
	defer t.SetResyncInProgress(false)

	j.logger.Info().Msg("started resync")

	if j.cfg.Workers != nil {
		if err := j.cfg.Workers.Barrier(ctx); err != nil {
			if ctx.Err() != nil {
				return j.conclude(proto.JobInterrupted)
			}
			j.logger.Error().Err(err).Msg("workers did not acknowledge resync start")
			return j.conclude(proto.JobFailure)
		}
	}

	if err := j.notifyBuddyStarted(ctx); err != nil {
		if ctx.Err() != nil {
			return j.conclude(proto.JobInterrupted)
		}
		j.logger.Error().Err(err).Msg("unable to notify buddy about resync attempt, resync will not start")
		return j.conclude(proto.JobFailure)
	}

	stopMonitor := j.monitorBuddy(ctx)
	defer stopMonitor()

	var gatherers, syncers errgroup.Group
	sc := j.scanner(ctx)

	for i := 0; i < j.cfg.NumGatherSlaves; i++ {
		gatherers.Go(func() error {
			j.gatherLoop(ctx, sc)
			return nil
		})
	}

	numSync := max(j.cfg.NumSyncSlaves/2, 1)
	for i := 0; i < numSync; i++ {
		fs := &fileSyncer{
			target:     t,
			locks:      j.cfg.Locks,
			peer:       j.peer,
			candidates: j.candidates,
			stats:      &j.stats,
			blockSize:  j.cfg.BlockSize,
			limiter:    j.cfg.Limiter,
			logger:     j.logger.With().Str("slave", fmt.Sprintf("file-%d", i)).Logger(),
		}
		ds := &dirSyncer{
			target:     t,
			locks:      j.cfg.Locks,
			peer:       j.peer,
			candidates: j.candidates,
			stats:      &j.stats,
			pageSize:   j.cfg.DirPageSize,
			logger:     j.logger.With().Str("slave", fmt.Sprintf("dir-%d", i)).Logger(),
		}
		syncers.Go(func() error { fs.run(ctx); return nil })
		syncers.Go(func() error { ds.run(ctx); return nil })
	}

	failed := false
	if err := sc.checkTopLevel(ctx); err != nil {
		j.logger.Warn().Err(err).Msg("couldn't stat chunks directory, resync job can't run")
		failed = true
	} else if err := sc.walkShallow(ctx, "", 0, j.cfg.MaxWalkDepth, func(rel string) error {
		return j.gatherQueue.add(ctx, rel)
	}); err != nil && ctx.Err() == nil {
		j.logger.Error().Err(err).Msg("unable to walk chunk directories")
		failed = true
	}

	if failed {
		j.mu.Lock()
		j.cancel()
		j.mu.Unlock()
	}

	// Everything discovered: let the gatherers drain, then the syncers.
	j.gatherQueue.stopWhenIdle()
	_ = gatherers.Wait()
	j.candidates.StopDirsWhenIdle()
	j.candidates.StopFilesWhenIdle()
	_ = syncers.Wait()

	switch {
	case failed:
		return j.conclude(proto.JobFailure)
	case ctx.Err() != nil:
		return j.conclude(proto.JobInterrupted)
	case j.stats.errorFiles.Load() > 0 || j.stats.errorDirs.Load() > 0:
		return j.conclude(proto.JobErrors)
	}
	return j.conclude(proto.JobSuccess)
}

func (j *Job) scanner(ctx context.Context) *scanner {
	ts, isOverride, err := j.cfg.Target.LastBuddyComm()
	if err != nil {
		j.logger.Warn().Err(err).Msg("unable to read last buddy communication, resyncing everything")
		ts, isOverride = time.Time{}, false
	}
	cutoff := lastCommCutoff(ts, isOverride, j.cfg.SafetyThreshold)
	j.logger.Info().Int64("last_buddy_comm", cutoff).Bool("override", isOverride).Msg("computed resync cutoff")

	return &scanner{
		root:       j.cfg.Target.ChunkRoot(true),
		targetID:   j.cfg.Target.ID,
		lastComm:   cutoff,
		candidates: j.candidates,
		stats:      &j.stats,
	}
}

func (j *Job) gatherLoop(ctx context.Context, sc *scanner) {
	for {
		rel, ok := j.gatherQueue.fetch(ctx)
		if !ok {
			return
		}
		if err := sc.gatherTree(ctx, rel); err != nil && ctx.Err() == nil {
			j.stats.errorDirs.Add(1)
			j.cfg.Metrics.ResyncError(j.cfg.Target.ID, "gather")
			j.logger.Error().Err(err).Str("dir", rel).Msg("unable to gather resync candidates")
		}
		j.gatherQueue.done()
	}
}

// monitorBuddy aborts the job as soon as the buddy is seen Offline.
func (j *Job) monitorBuddy(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	interval := max(j.cfg.RetryInterval/2, 50*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, ok := j.cfg.States.GetState(j.cfg.BuddyTargetID)
				if ok && st.Reachability == proto.ReachabilityOffline {
					j.logger.Warn().Msg("buddy went offline, aborting resync")
					j.Abort(AbortBuddyOffline)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (j *Job) notifyBuddyStarted(ctx context.Context) error {
	resp, err := j.cfg.Requester.Request(ctx, j.cfg.BuddyTargetID, &proto.StorageResyncStarted{TargetID: j.cfg.BuddyTargetID})
	if err != nil {
		return err
	}
	_, err = proto.Expect[*proto.StorageResyncStartedResp](resp)
	return err
}

// conclude applies the bookkeeping that goes with a final status.
func (j *Job) conclude(status proto.JobStatus) proto.JobStatus {
	t := j.cfg.Target

	j.mu.Lock()
	reason := j.abortReason
	j.mu.Unlock()

	switch status {
	case proto.JobSuccess:
		if err := t.RemoveLastBuddyCommOverride(); err != nil {
			j.logger.Error().Err(err).Msg("unable to remove last buddy comm override")
		}
		if err := t.SetBuddyNeedsResync(false); err != nil {
			j.logger.Error().Err(err).Msg("unable to clear buddy needs resync")
		}
		j.informBuddy(proto.ConsistencyGood)
	case proto.JobErrors:
		j.informBuddy(proto.ConsistencyBad)
	case proto.JobInterrupted:
		if reason == AbortUser {
			j.informBuddy(proto.ConsistencyBad)
			break
		}
		j.logger.Info().Str("reason", reason.String()).Msg("resync interrupted, buddy still needs resync")
		if err := t.SetBuddyNeedsResync(true); err != nil {
			j.logger.Error().Err(err).Msg("unable to persist buddy needs resync")
		}
	}
	return status
}

// informBuddy tells the secondary the outcome of the resync.
func (j *Job) informBuddy(state proto.ConsistencyState) {
	ctx, cancel := context.WithTimeout(context.Background(), informBuddyTimeout)
	defer cancel()

	op := setBuddyStateOp{requester: j.cfg.Requester, buddy: j.cfg.BuddyTargetID, state: state}
	var err error
	if j.cfg.Retrier != nil {
		err = j.cfg.Retrier.Do(ctx, op)
	} else {
		err = op.Execute(ctx, 0)
	}
	if err != nil {
		j.logger.Error().Err(err).Str("state", state.String()).Msg("unable to inform buddy about finished resync")
	}
}

// setBuddyStateOp sets the consistency state of the secondary on its node.
type setBuddyStateOp struct {
	requester storage.Requester
	buddy     proto.TargetID
	state     proto.ConsistencyState
}

func (o setBuddyStateOp) Name() string { return "set-buddy-state" }

func (o setBuddyStateOp) Execute(ctx context.Context, _ int) error {
	resp, err := o.requester.Request(ctx, o.buddy, &proto.SetTargetConsistencyStates{
		TargetIDs: []proto.TargetID{o.buddy},
		States:    []proto.ConsistencyState{o.state},
	})
	if err != nil {
		return err
	}
	r, err := proto.Expect[*proto.SetTargetConsistencyStatesResp](resp)
	if err != nil {
		return err
	}
	switch r.Result {
	case proto.OpsSuccess, proto.OpsUnknownTarget:
		// An unknown target restarted cleanly without a mirror to fix.
		return nil
	}
	return fmt.Errorf("set state of target %d: %w", o.buddy, r.Result)
}
