package resync

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// dirSyncer removes whatever exists in a directory on the secondary but not
// on the primary. Directories are never removed; unknown ones become new
// candidates and are checked on their own.
type dirSyncer struct {
	target     *storage.Target
	locks      *storage.ChunkLockStore
	peer       *peer
	candidates *CandidateStore
	stats      *counters
	pageSize   int
	logger     zerolog.Logger
}

// run processes dir candidates until the queue is drained or ctx is done.
func (s *dirSyncer) run(ctx context.Context) {
	for {
		c, ok := s.candidates.FetchDir(ctx)
		if !ok {
			return
		}
		if c.TargetID != 0 {
			s.handle(ctx, c)
		}
		s.candidates.DirDone()
	}
}

func (s *dirSyncer) handle(ctx context.Context, c DirCandidate) {
	err := s.syncDir(ctx, c.RelativePath)
	switch {
	case err == nil:
		s.stats.syncedDirs.Add(1)
		s.peer.metrics.DirSynced(s.target.ID)
	case errors.Is(err, proto.OpsInterrupted):
	default:
		s.stats.errorDirs.Add(1)
		s.peer.metrics.ResyncError(s.target.ID, "dir")
		s.logger.Error().Err(err).Str("dir", c.RelativePath).Msg("directory resync failed")
	}
}

// syncDir pages through the secondary's listing of rel.
func (s *dirSyncer) syncDir(ctx context.Context, rel string) error {
	var offset int64
	for {
		resp, err := requestResponse[*proto.ListChunkDirIncrementalResp](ctx, s.peer, &proto.ListChunkDirIncremental{
			TargetID:    s.peer.targetID,
			Flags:       proto.ListFlagIsBuddyMirror | proto.ListFlagIgnoreNotExists,
			RelativeDir: rel,
			Offset:      offset,
			MaxOutNames: uint32(s.pageSize),
		})
		if err != nil {
			return fmt.Errorf("list %q on target %d: %w", rel, s.peer.targetID, err)
		}
		switch resp.Result {
		case proto.OpsSuccess:
		case proto.OpsPathNotExists:
			// Removed concurrently; nothing left to compare.
			return nil
		default:
			return fmt.Errorf("list %q on target %d: %w", rel, s.peer.targetID, resp.Result)
		}
		if len(resp.Names) != len(resp.EntryTypes) {
			return fmt.Errorf("%w: listing of %q has %d names but %d types",
				proto.OpsCommunication, rel, len(resp.Names), len(resp.EntryTypes))
		}
		offset = resp.NewOffset

		stale, err := s.matchLocal(ctx, rel, resp.Names, resp.EntryTypes)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			if err := s.removeOnBuddy(ctx, stale); err != nil {
				return err
			}
		}

		if ctx.Err() != nil {
			return fmt.Errorf("sync dir %q: %w", rel, proto.OpsInterrupted)
		}
		if len(resp.Names) < s.pageSize {
			return nil
		}
	}
}

// matchLocal returns the chunk paths of one listing page that do not exist
// locally. Those chunks stay locked; the caller must release them through
// removeOnBuddy.
func (s *dirSyncer) matchLocal(ctx context.Context, rel string, names []string, types []proto.EntryType) ([]string, error) {
	var stale []string
	for i, name := range names {
		entryRel := path.Join(rel, name)

		if types[i] == proto.EntryDir {
			exists, err := s.target.ChunkExists(true, entryRel)
			if err != nil {
				s.unlockAll(stale)
				return nil, fmt.Errorf("%w: check dir %q: %v", proto.OpsInternal, entryRel, err)
			}
			if !exists {
				s.stats.discoveredDirs.Add(1)
				s.stats.matchedDirs.Add(1)
				if err := s.candidates.AddDir(ctx, DirCandidate{RelativePath: entryRel, TargetID: s.target.ID}); err != nil {
					s.unlockAll(stale)
					return nil, fmt.Errorf("queue dir %q: %w", entryRel, proto.OpsInterrupted)
				}
			}
			continue
		}

		if err := s.locks.LockContext(ctx, s.target.ID, entryRel); err != nil {
			s.unlockAll(stale)
			return nil, fmt.Errorf("lock chunk %q: %w", entryRel, proto.OpsInterrupted)
		}
		exists, err := s.target.ChunkExists(true, entryRel)
		if err != nil {
			_ = s.locks.Unlock(s.target.ID, entryRel)
			s.unlockAll(stale)
			return nil, fmt.Errorf("%w: check chunk %q: %v", proto.OpsInternal, entryRel, err)
		}
		if exists {
			_ = s.locks.Unlock(s.target.ID, entryRel)
			continue
		}
		stale = append(stale, entryRel)
	}
	return stale, nil
}

// removeOnBuddy deletes paths on the secondary and unlocks them whatever
// the outcome.
func (s *dirSyncer) removeOnBuddy(ctx context.Context, paths []string) error {
	defer s.unlockAll(paths)

	resp, err := requestResponse[*proto.RmChunkPathsResp](ctx, s.peer, &proto.RmChunkPaths{
		TargetID: s.peer.targetID,
		Flags:    proto.RmFlagBuddyMirror,
		Paths:    paths,
	})
	if err != nil {
		return fmt.Errorf("remove %d chunks on target %d: %w", len(paths), s.peer.targetID, err)
	}
	for _, p := range resp.FailedPaths {
		s.logger.Error().Str("path", p).Msg("chunk path could not be deleted on buddy")
	}
	return nil
}

func (s *dirSyncer) unlockAll(paths []string) {
	for _, p := range paths {
		_ = s.locks.Unlock(s.target.ID, p)
	}
}
