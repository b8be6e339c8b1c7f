package resync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// DefaultBuddyCommInterval is how often in-sync buddies are confirmed.
const DefaultBuddyCommInterval = 60 * time.Second

// BuddyCommTrackerConfig holds configuration for a BuddyCommTracker.
type BuddyCommTrackerConfig struct {
	Targets   *storage.StorageTargets
	Groups    *nodes.BuddyGroupMapper
	States    *nodes.TargetStateStore
	Requester storage.Requester
	Interval  time.Duration
	Logger    zerolog.Logger
}

// BuddyCommTracker records when each local target was last known to be in
// sync with its buddy. A later resync only needs to look at what changed
// after that time.
type BuddyCommTracker struct {
	cfg    BuddyCommTrackerConfig
	logger zerolog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBuddyCommTracker creates a tracker.
func NewBuddyCommTracker(cfg BuddyCommTrackerConfig) *BuddyCommTracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBuddyCommInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BuddyCommTracker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "buddy-comm-tracker").Logger(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the periodic check.
func (b *BuddyCommTracker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.CheckNow(b.ctx)
			}
		}
	}()
}

// Stop ends the periodic check.
func (b *BuddyCommTracker) Stop() {
	b.cancel()
	b.wg.Wait()
}

// CheckNow asks every reachable buddy for its consistency and records the
// current time for targets whose buddy is Good.
func (b *BuddyCommTracker) CheckNow(ctx context.Context) {
	for _, id := range b.cfg.Targets.IDs() {
		t, ok := b.cfg.Targets.Get(id)
		if !ok || t.BuddyNeedsResync() || t.ResyncInProgress() {
			continue
		}
		buddy, _ := b.cfg.Groups.BuddyTargetOf(id)
		if buddy == 0 {
			continue
		}
		if st, ok := b.cfg.States.GetState(buddy); !ok || st.Reachability != proto.ReachabilityOnline {
			continue
		}

		now := b.now()
		good, err := b.buddyIsGood(ctx, buddy)
		if err != nil {
			b.logger.Debug().Err(err).Uint16("target_id", id).Msg("unable to query buddy state")
			continue
		}
		if !good {
			continue
		}
		if err := t.WriteLastBuddyComm(now); err != nil {
			b.logger.Error().Err(err).Uint16("target_id", id).Msg("unable to record last buddy communication")
		}
	}
}

func (b *BuddyCommTracker) buddyIsGood(ctx context.Context, buddy proto.TargetID) (bool, error) {
	resp, err := b.cfg.Requester.Request(ctx, buddy, &proto.GetStorageTargetInfo{TargetIDs: []proto.TargetID{buddy}})
	if err != nil {
		return false, err
	}
	info, err := proto.Expect[*proto.GetStorageTargetInfoResp](resp)
	if err != nil {
		return false, err
	}
	for _, ti := range info.Infos {
		if ti.TargetID == buddy {
			return ti.Consistency == proto.ConsistencyGood, nil
		}
	}
	return false, nil
}
