package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/comm"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// handler serves every incoming message kind, on both the stream server
// and the datagram endpoint.
type handler struct {
	app    *App
	logger zerolog.Logger
}

func (h *handler) ServeMessage(ctx context.Context, req *comm.Request) proto.Message {
	switch m := req.Msg.(type) {
	case *proto.ListChunkDirIncremental:
		return h.listChunkDir(m)
	case *proto.ResyncLocalFile:
		return h.resyncLocalFile(ctx, m)
	case *proto.RmChunkPaths:
		return h.rmChunkPaths(m)
	case *proto.SetTargetConsistencyStates:
		return h.setTargetConsistencyStates(m)
	case *proto.SetLastBuddyCommOverride:
		return h.setLastBuddyCommOverride(m)
	case *proto.StorageResyncStarted:
		return h.storageResyncStarted(m)
	case *proto.GetStorageResyncStats:
		return h.getStorageResyncStats(m)
	case *proto.GetStorageTargetInfo:
		return h.getStorageTargetInfo(m)
	case *proto.RefreshTargetStates:
		h.app.syncer.Refresh()
		return nil
	case *proto.WriteLocalFile:
		return h.writeLocalFile(ctx, m)
	case *proto.GetChunkLocks:
		return h.getChunkLocks(m)
	case *proto.Ack:
		h.app.datagram.Acks().Received(m.AckID)
		return nil
	case *proto.GenericResponse,
		*proto.ListChunkDirIncrementalResp,
		*proto.ResyncLocalFileResp,
		*proto.RmChunkPathsResp,
		*proto.SetTargetConsistencyStatesResp,
		*proto.SetLastBuddyCommOverrideResp,
		*proto.StorageResyncStartedResp,
		*proto.GetStorageResyncStatsResp,
		*proto.GetStorageTargetInfoResp,
		*proto.WriteLocalFileResp,
		*proto.GetChunkLocksResp:
		h.logger.Warn().Str("type", m.Type().String()).Str("peer", peerString(req)).Msg("unsolicited response")
		return nil
	}
	h.logger.Warn().Str("type", req.Header.Type.String()).Msg("unhandled message type")
	return nil
}

func peerString(req *comm.Request) string {
	if req.Peer == nil {
		return ""
	}
	return req.Peer.String()
}

// markBad records a local storage failure on the receiving side.
func (h *handler) markBad(t *storage.Target, op string, err error) {
	h.logger.Error().Err(err).Uint16("target_id", t.ID).Str("op", op).Msg("local storage error, marking target bad")
	t.SetConsistencyState(proto.ConsistencyBad)
}

func (h *handler) listChunkDir(m *proto.ListChunkDirIncremental) proto.Message {
	t, err := h.app.targets.MustGet(m.TargetID)
	if err != nil {
		return &proto.ListChunkDirIncrementalResp{Result: proto.OpsUnknownTarget}
	}
	limit := int(m.MaxOutNames)
	if limit <= 0 || limit > storage.MaxListNames {
		limit = storage.MaxListNames
	}

	l, err := t.ListChunkDir(m.Flags&proto.ListFlagIsBuddyMirror != 0, m.RelativeDir, m.Offset, limit)
	switch {
	case err == nil:
		return &proto.ListChunkDirIncrementalResp{
			Result:     proto.OpsSuccess,
			Names:      l.Names,
			EntryTypes: l.EntryTypes,
			NewOffset:  l.NewOffset,
		}
	case errors.Is(err, proto.OpsPathNotExists):
		if m.Flags&proto.ListFlagIgnoreNotExists != 0 {
			return &proto.ListChunkDirIncrementalResp{Result: proto.OpsPathNotExists}
		}
		h.logger.Debug().Err(err).Uint16("target_id", t.ID).Msg("listed directory does not exist")
		return &proto.ListChunkDirIncrementalResp{Result: proto.OpsInternal}
	case errors.Is(err, proto.OpsInval):
		return &proto.ListChunkDirIncrementalResp{Result: proto.OpsInval}
	}
	h.markBad(t, "list", err)
	return &proto.ListChunkDirIncrementalResp{Result: proto.OpsInternal}
}

func (h *handler) resyncLocalFile(ctx context.Context, m *proto.ResyncLocalFile) proto.Message {
	t, err := h.app.targets.MustGet(m.TargetID)
	if err != nil {
		return &proto.ResyncLocalFileResp{Result: proto.OpsUnknownTarget}
	}
	if err := h.app.locks.LockContext(ctx, t.ID, m.RelativePath); err != nil {
		return &proto.ResyncLocalFileResp{Result: proto.OpsInterrupted}
	}
	defer func() { _ = h.app.locks.Unlock(t.ID, m.RelativePath) }()

	if err := t.ApplyResync(m); err != nil {
		if errors.Is(err, proto.OpsInval) {
			return &proto.ResyncLocalFileResp{Result: proto.OpsInval}
		}
		h.markBad(t, "resync-local-file", err)
		return &proto.ResyncLocalFileResp{Result: proto.OpsInternal}
	}
	return &proto.ResyncLocalFileResp{Result: proto.OpsSuccess}
}

func (h *handler) rmChunkPaths(m *proto.RmChunkPaths) proto.Message {
	t, err := h.app.targets.MustGet(m.TargetID)
	if err != nil {
		return &proto.RmChunkPathsResp{FailedPaths: m.Paths}
	}
	failed := t.RemoveChunks(m.Flags&proto.RmFlagBuddyMirror != 0, m.Paths)
	if len(failed) > 0 {
		h.markBad(t, "rm-chunk-paths", fmt.Errorf("%d of %d paths not removed", len(failed), len(m.Paths)))
	}
	return &proto.RmChunkPathsResp{FailedPaths: failed}
}

// setTargetConsistencyStates applies states pushed by a primary (or an
// operator) to local targets. Remote targets are only touched when forced.
func (h *handler) setTargetConsistencyStates(m *proto.SetTargetConsistencyStates) proto.Message {
	if len(m.TargetIDs) != len(m.States) {
		return &proto.SetTargetConsistencyStatesResp{Result: proto.OpsInval}
	}
	result := proto.OpsSuccess
	for i, id := range m.TargetIDs {
		if t, ok := h.app.targets.Get(id); ok {
			t.SetConsistencyState(m.States[i])
			h.app.states.SetConsistencyState(id, m.States[i])
			continue
		}
		if m.ForceOverride {
			h.app.states.SetConsistencyState(id, m.States[i])
			continue
		}
		result = proto.OpsUnknownTarget
	}
	return &proto.SetTargetConsistencyStatesResp{Result: result}
}

// setLastBuddyCommOverride makes the next resync of a primary start at the
// given time and marks its secondary as needing one. With RestartResync a
// running job is interrupted first.
func (h *handler) setLastBuddyCommOverride(m *proto.SetLastBuddyCommOverride) proto.Message {
	t, err := h.app.targets.MustGet(m.TargetID)
	if err != nil {
		return &proto.SetLastBuddyCommOverrideResp{Result: proto.OpsUnknownTarget}
	}
	if buddy, isPrimary := h.app.groups.BuddyTargetOf(t.ID); buddy == 0 || !isPrimary {
		return &proto.SetLastBuddyCommOverrideResp{Result: proto.OpsInval}
	}
	if err := t.SetLastBuddyCommOverride(time.Unix(m.Timestamp, 0)); err != nil {
		h.logger.Error().Err(err).Uint16("target_id", t.ID).Msg("failed to write last buddy comm override")
		return &proto.SetLastBuddyCommOverrideResp{Result: proto.OpsInternal}
	}
	if m.RestartResync && h.app.resyncer.AbortForRestart(t.ID) {
		h.logger.Info().Uint16("target_id", t.ID).Msg("running resync interrupted for restart")
	}
	if err := t.SetBuddyNeedsResync(true); err != nil {
		h.logger.Error().Err(err).Uint16("target_id", t.ID).Msg("failed to persist buddy resync flag")
		return &proto.SetLastBuddyCommOverrideResp{Result: proto.OpsInternal}
	}
	h.app.resyncer.Kick()
	h.logger.Info().
		Uint16("target_id", t.ID).
		Int64("timestamp", m.Timestamp).
		Bool("restart", m.RestartResync).
		Msg("last buddy comm override set")
	return &proto.SetLastBuddyCommOverrideResp{Result: proto.OpsSuccess}
}

// storageResyncStarted runs on the secondary. Until the primary reports the
// outcome the local data cannot be trusted, even across a restart.
func (h *handler) storageResyncStarted(m *proto.StorageResyncStarted) proto.Message {
	t, err := h.app.targets.MustGet(m.TargetID)
	if err != nil {
		return &proto.StorageResyncStartedResp{Result: proto.OpsUnknownTarget}
	}
	t.SetConsistencyState(proto.ConsistencyNeedsResync)
	return &proto.StorageResyncStartedResp{Result: proto.OpsSuccess}
}

func (h *handler) getStorageResyncStats(m *proto.GetStorageResyncStats) proto.Message {
	stats, err := h.app.resyncer.Stats(m.TargetID)
	return &proto.GetStorageResyncStatsResp{Result: proto.FromError(err), Stats: stats}
}

// getStorageTargetInfo reports the requested local targets, or all of them
// for an empty request. Targets not served here are left out.
func (h *handler) getStorageTargetInfo(m *proto.GetStorageTargetInfo) proto.Message {
	ids := m.TargetIDs
	if len(ids) == 0 {
		ids = h.app.targets.IDs()
	}
	resp := &proto.GetStorageTargetInfoResp{Infos: make([]proto.TargetInfo, 0, len(ids))}
	for _, id := range ids {
		t, ok := h.app.targets.Get(id)
		if !ok {
			continue
		}
		resp.Infos = append(resp.Infos, proto.TargetInfo{
			TargetID:    id,
			Consistency: t.ConsistencyState(),
			NeedsResync: t.BuddyNeedsResync(),
		})
	}
	return resp
}

// writeLocalFile applies a chunk write. On a primary the write is mirrored
// to the secondary under the same chunk lock that resync takes, so a chunk
// is never half-written when the resync copies it.
func (h *handler) writeLocalFile(ctx context.Context, m *proto.WriteLocalFile) proto.Message {
	t, err := h.app.targets.MustGet(m.TargetID)
	if err != nil {
		return &proto.WriteLocalFileResp{Result: proto.OpsUnknownTarget}
	}
	forwarded := m.Flags&proto.WriteFlagMirrorForward != 0
	buddy, isPrimary := h.app.groups.BuddyTargetOf(t.ID)
	mirrored := buddy != 0
	if mirrored && !isPrimary && !forwarded {
		return &proto.WriteLocalFileResp{Result: proto.OpsInval}
	}

	if err := h.app.locks.LockContext(ctx, t.ID, m.RelativePath); err != nil {
		return &proto.WriteLocalFileResp{Result: proto.OpsInterrupted}
	}
	defer func() { _ = h.app.locks.Unlock(t.ID, m.RelativePath) }()

	n, err := t.WriteChunk(mirrored, m.RelativePath, m.Offset, m.Data)
	if err != nil {
		if errors.Is(err, proto.OpsInval) {
			return &proto.WriteLocalFileResp{Result: proto.OpsInval}
		}
		h.markBad(t, "write", err)
		return &proto.WriteLocalFileResp{Result: proto.OpsInternal, Written: int64(n)}
	}

	if mirrored && isPrimary && !forwarded {
		err := h.app.forwarder.ForwardWrite(ctx, t.ID, m.RelativePath, m.Offset, m.Data)
		if errors.Is(err, storage.ErrSecondaryUnreachable) {
			return &proto.GenericResponse{Code: proto.ControlIndirectCommErr, Message: err.Error()}
		}
		if err != nil {
			return &proto.WriteLocalFileResp{Result: proto.FromError(err), Written: int64(n)}
		}
	}
	return &proto.WriteLocalFileResp{Result: proto.OpsSuccess, Written: int64(n)}
}

func (h *handler) getChunkLocks(m *proto.GetChunkLocks) proto.Message {
	if _, err := h.app.targets.MustGet(m.TargetID); err != nil {
		return &proto.GetChunkLocksResp{Result: proto.OpsUnknownTarget}
	}
	return &proto.GetChunkLocksResp{Result: proto.OpsSuccess, Chunks: h.app.locks.Snapshot(m.TargetID)}
}
