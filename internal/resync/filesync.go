package resync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// fileSyncer copies chunks to the secondary block by block. The chunk lock
// is held for one block at a time, so client I/O interleaves with a long
// copy but never with a single block.
type fileSyncer struct {
	target     *storage.Target
	locks      *storage.ChunkLockStore
	peer       *peer
	candidates *CandidateStore
	stats      *counters
	blockSize  int
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// run processes file candidates until the queue is drained or ctx is done.
func (s *fileSyncer) run(ctx context.Context) {
	for {
		c, ok := s.candidates.FetchFile(ctx)
		if !ok {
			return
		}
		if c.TargetID != 0 {
			s.handle(ctx, c)
		}
		s.candidates.FileDone()
	}
}

func (s *fileSyncer) handle(ctx context.Context, c FileCandidate) {
	err := s.syncFile(ctx, c)
	switch {
	case err == nil:
		s.stats.syncedFiles.Add(1)
		s.peer.metrics.FileSynced(s.target.ID)
	case errors.Is(err, proto.OpsInterrupted):
	default:
		s.stats.errorFiles.Add(1)
		s.peer.metrics.ResyncError(s.target.ID, "file")
		s.logger.Error().Err(err).Str("chunk", c.RelativePath).Msg("file resync failed")
	}
}

func (s *fileSyncer) syncFile(ctx context.Context, c FileCandidate) error {
	maxCount := s.blockSize
	var flags uint16
	if c.OnlyAttribs {
		maxCount = 0
		flags |= proto.ResyncFlagNoData
	}
	buf := make([]byte, maxCount)

	s.logger.Debug().Str("chunk", c.RelativePath).Bool("only_attribs", c.OnlyAttribs).Msg("file sync started")

	var offset int64
	for {
		last, n, err := s.syncBlock(ctx, c.RelativePath, offset, buf, flags)
		if err != nil {
			return err
		}
		if last {
			return nil
		}
		offset += n
		if ctx.Err() != nil {
			return fmt.Errorf("sync %q: %w", c.RelativePath, proto.OpsInterrupted)
		}
	}
}

// syncBlock transfers the block at offset with the chunk locked. It reports
// whether this was the final block and how many bytes were consumed.
func (s *fileSyncer) syncBlock(ctx context.Context, rel string, offset int64, buf []byte, flags uint16) (bool, int64, error) {
	if err := s.locks.LockContext(ctx, s.target.ID, rel); err != nil {
		return true, 0, fmt.Errorf("lock chunk %q: %w", rel, proto.OpsInterrupted)
	}
	defer func() { _ = s.locks.Unlock(s.target.ID, rel) }()

	f, err := s.target.OpenChunkForRead(true, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted locally since it was queued, so drop the buddy's copy.
			return true, 0, s.removeOnBuddy(ctx, rel)
		}
		return true, 0, fmt.Errorf("%w: open chunk %q: %v", proto.OpsInternal, rel, err)
	}
	// Closed before the deferred unlock runs.
	defer func() { _ = f.Close() }()

	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return true, 0, fmt.Errorf("%w: read chunk %q at %d: %v", proto.OpsInternal, rel, offset, err)
	}
	data := buf[:n]

	if n > 0 {
		dataFound, checkSparse := scanSparse(data)
		if offset != 0 && n == len(buf) && !dataFound {
			// Full zero block past the start; the receiver leaves a hole.
			return false, int64(n), nil
		}
		if checkSparse {
			flags |= proto.ResyncFlagCheckSparse
		}
	}

	msg := &proto.ResyncLocalFile{
		TargetID:     s.peer.targetID,
		RelativePath: rel,
		Offset:       offset,
		Data:         data,
	}

	last := n < len(buf) || n == 0
	if last {
		attribs, size, err := storage.StatChunk(f)
		if err != nil {
			s.logger.Error().Err(err).Str("chunk", rel).Msg("error getting chunk attributes")
		} else {
			if size < offset {
				// Truncated by someone else while we were copying.
				msg.Offset = size
				flags |= proto.ResyncFlagTrunc
			} else if offset != 0 && n == 0 {
				flags |= proto.ResyncFlagTrunc
			}
			msg.Attribs = &attribs
			flags |= proto.ResyncFlagSetAttribs
		}
	}
	msg.Flags = flags

	if err := s.waitBandwidth(ctx, len(data)); err != nil {
		return true, 0, fmt.Errorf("sync %q: %w", rel, proto.OpsInterrupted)
	}

	resp, err := requestResponse[*proto.ResyncLocalFileResp](ctx, s.peer, msg)
	if err != nil {
		return true, 0, fmt.Errorf("resync %q at %d on target %d: %w", rel, offset, s.peer.targetID, err)
	}
	if resp.Result != proto.OpsSuccess {
		return true, 0, fmt.Errorf("resync %q at %d on target %d: %w", rel, offset, s.peer.targetID, resp.Result)
	}

	s.stats.bytesSent.Add(uint64(len(data)))
	s.peer.metrics.BytesSent(s.target.ID, len(data))
	return last, int64(n), nil
}

func (s *fileSyncer) removeOnBuddy(ctx context.Context, rel string) error {
	resp, err := requestResponse[*proto.RmChunkPathsResp](ctx, s.peer, &proto.RmChunkPaths{
		TargetID: s.peer.targetID,
		Flags:    proto.RmFlagBuddyMirror,
		Paths:    []string{rel},
	})
	if err != nil {
		return fmt.Errorf("remove %q on target %d: %w", rel, s.peer.targetID, err)
	}
	if len(resp.FailedPaths) > 0 {
		return fmt.Errorf("%w: remove %q on target %d failed", proto.OpsInternal, rel, s.peer.targetID)
	}
	return nil
}

// waitBandwidth blocks until n bytes may be sent.
func (s *fileSyncer) waitBandwidth(ctx context.Context, n int) error {
	if s.limiter == nil || s.limiter.Limit() == rate.Inf || s.limiter.Burst() <= 0 {
		return nil
	}
	for n > 0 {
		k := min(n, s.limiter.Burst())
		if err := s.limiter.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// scanSparse checks data in sparse-block steps. dataFound reports any
// non-zero byte. checkSparse asks the receiver to verify zero regions
// itself: set for an all-zero buffer and for zeros following data.
func scanSparse(data []byte) (dataFound, checkSparse bool) {
	for pos := 0; pos < len(data); pos += storage.SparseBlockSize {
		end := min(pos+storage.SparseBlockSize, len(data))
		if !storage.IsZero(data[pos:end]) {
			dataFound = true
			continue
		}
		if dataFound {
			return true, true
		}
	}
	return dataFound, !dataFound
}
