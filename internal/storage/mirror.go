package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// Requester sends a request to the node serving a target and returns the
// response.
type Requester interface {
	Request(ctx context.Context, targetID proto.TargetID, req proto.Message) (proto.Message, error)
}

// MirrorForwarderConfig holds configuration for a MirrorForwarder.
type MirrorForwarderConfig struct {
	Targets   *StorageTargets
	States    *nodes.TargetStateStore
	Groups    *nodes.BuddyGroupMapper
	Requester Requester
	Logger    zerolog.Logger
}

// ErrSecondaryUnreachable is returned by ForwardWrite when an Online
// secondary could not be reached. The client retries the write.
var ErrSecondaryUnreachable = errors.New("secondary unreachable")

// MirrorForwarder forwards client writes from a primary to its secondary.
// The secondary is marked as needing a resync only when it is Offline or no
// longer knows the target. The primary always keeps its own write.
type MirrorForwarder struct {
	cfg    MirrorForwarderConfig
	logger zerolog.Logger
}

// NewMirrorForwarder creates a forwarder.
func NewMirrorForwarder(cfg MirrorForwarderConfig) *MirrorForwarder {
	return &MirrorForwarder{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "mirror-forwarder").Logger(),
	}
}

// ForwardWrite mirrors a write that was applied locally on targetID.
// Failures to reach an Online secondary wrap ErrSecondaryUnreachable. Any
// other error result from the secondary is returned as is.
func (m *MirrorForwarder) ForwardWrite(ctx context.Context, targetID proto.TargetID, rel string, offset int64, data []byte) error {
	buddy, isPrimary := m.cfg.Groups.BuddyTargetOf(targetID)
	if buddy == 0 || !isPrimary {
		return nil
	}
	t, err := m.cfg.Targets.MustGet(targetID)
	if err != nil {
		return err
	}

	st, ok := m.cfg.States.GetState(buddy)
	if !ok || st.Reachability == proto.ReachabilityOffline {
		m.markNeedsResync(t, buddy, "secondary offline")
		return nil
	}
	if st.Consistency != proto.ConsistencyGood && !t.ResyncInProgress() {
		// The secondary is already out of sync and will get the chunk via
		// resync.
		return nil
	}

	resp, err := m.cfg.Requester.Request(ctx, buddy, &proto.WriteLocalFile{
		TargetID:     buddy,
		Flags:        proto.WriteFlagMirrorForward,
		RelativePath: rel,
		Offset:       offset,
		Data:         data,
	})
	if err == nil {
		var wr *proto.WriteLocalFileResp
		if wr, err = proto.Expect[*proto.WriteLocalFileResp](resp); err == nil {
			err = wr.Result.Err()
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, proto.OpsUnknownTarget):
		m.markNeedsResync(t, buddy, err.Error())
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("forward %q to target %d: %w", rel, buddy, proto.OpsInterrupted)
	case errors.Is(err, proto.OpsCommunication):
		m.logger.Debug().Err(err).
			Uint16("target_id", t.ID).
			Uint16("buddy_target_id", buddy).
			Msg("mirror write not delivered")
		return fmt.Errorf("forward %q to target %d: %w: %v", rel, buddy, ErrSecondaryUnreachable, err)
	default:
		return fmt.Errorf("forward %q to target %d: %w", rel, buddy, err)
	}
}

func (m *MirrorForwarder) markNeedsResync(t *Target, buddy proto.TargetID, reason string) {
	if t.BuddyNeedsResync() {
		return
	}
	m.logger.Warn().
		Uint16("target_id", t.ID).
		Uint16("buddy_target_id", buddy).
		Str("reason", reason).
		Msg("mirror write failed, secondary needs resync")
	if err := t.SetBuddyNeedsResync(true); err != nil {
		m.logger.Error().Err(err).
			Uint16("target_id", t.ID).
			Uint16("buddy_target_id", buddy).
			Msg("failed to persist buddy resync flag")
	}
}
