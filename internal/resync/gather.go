package resync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// counters are the job statistics shared by every slave.
type counters struct {
	discoveredFiles atomic.Uint64
	matchedFiles    atomic.Uint64
	discoveredDirs  atomic.Uint64
	matchedDirs     atomic.Uint64
	syncedFiles     atomic.Uint64
	syncedDirs      atomic.Uint64
	errorFiles      atomic.Uint64
	errorDirs       atomic.Uint64
	bytesSent       atomic.Uint64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Uint64{
		&c.discoveredFiles, &c.matchedFiles, &c.discoveredDirs, &c.matchedDirs,
		&c.syncedFiles, &c.syncedDirs, &c.errorFiles, &c.errorDirs, &c.bytesSent,
	} {
		v.Store(0)
	}
}

// scanner decides which entries of the mirror chunk tree changed since the
// last time the buddy was known to be in sync.
type scanner struct {
	root       string
	targetID   proto.TargetID
	lastComm   int64 // unix seconds
	candidates *CandidateStore
	stats      *counters
}

// checkDir queues rel as a dir candidate if it changed after lastComm.
func (s *scanner) checkDir(ctx context.Context, rel string, st *unix.Stat_t) error {
	s.stats.discoveredDirs.Add(1)
	if st.Mtim.Sec <= s.lastComm {
		return nil
	}
	s.stats.matchedDirs.Add(1)
	return s.candidates.AddDir(ctx, DirCandidate{RelativePath: rel, TargetID: s.targetID})
}

// checkFile queues rel for a data copy if its content changed after
// lastComm, or for an attribute update if only its inode did.
func (s *scanner) checkFile(ctx context.Context, rel string, st *unix.Stat_t) error {
	s.stats.discoveredFiles.Add(1)
	var c FileCandidate
	switch {
	case st.Mtim.Sec > s.lastComm:
		c = FileCandidate{RelativePath: rel, TargetID: s.targetID}
	case st.Ctim.Sec > s.lastComm:
		c = FileCandidate{RelativePath: rel, TargetID: s.targetID, OnlyAttribs: true}
	default:
		return nil
	}
	s.stats.matchedFiles.Add(1)
	return s.candidates.AddFile(ctx, c)
}

// checkTopLevel stats the chunk root itself. A root that cannot be stat'ed
// means the job cannot run at all.
func (s *scanner) checkTopLevel(ctx context.Context) error {
	var st unix.Stat_t
	if err := unix.Stat(s.root, &st); err != nil {
		return fmt.Errorf("stat chunk root %s: %w", s.root, err)
	}
	return s.checkDir(ctx, "", &st)
}

// walkShallow descends the first maxDepth levels of the tree itself and
// hands every directory below that to the gather slaves via gatherDir.
func (s *scanner) walkShallow(ctx context.Context, rel string, level, maxDepth int, gatherDir func(string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, rel))
	if err != nil {
		return fmt.Errorf("read dir %q: %w", rel, err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entryRel := path.Join(rel, e.Name())

		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(s.root, entryRel), &st); err != nil {
			return fmt.Errorf("stat %q: %w", entryRel, err)
		}

		switch st.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			if level >= maxDepth {
				if err := gatherDir(entryRel); err != nil {
					return err
				}
				continue
			}
			if err := s.checkDir(ctx, entryRel, &st); err != nil {
				return err
			}
			if err := s.walkShallow(ctx, entryRel, level+1, maxDepth, gatherDir); err != nil {
				return err
			}
		case unix.S_IFREG:
			if err := s.checkFile(ctx, entryRel, &st); err != nil {
				return err
			}
		}
	}
	return nil
}

// gatherTree walks a whole subtree. The walk state lives in the closure, so
// any number of walks may run at once.
func (s *scanner) gatherTree(ctx context.Context, rel string) error {
	return filepath.WalkDir(filepath.Join(s.root, rel), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries vanish under concurrent deletes.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entryRel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		entryRel = filepath.ToSlash(entryRel)

		var st unix.Stat_t
		if err := unix.Lstat(p, &st); err != nil {
			if errors.Is(err, unix.ENOENT) {
				return nil
			}
			return fmt.Errorf("stat %q: %w", entryRel, err)
		}
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			return s.checkDir(ctx, entryRel, &st)
		case unix.S_IFREG:
			return s.checkFile(ctx, entryRel, &st)
		}
		return nil
	})
}

// lastCommCutoff turns the recorded last-in-sync time into the cutoff the
// scanner compares against. The safety threshold is subtracted from both
// the recorded time and an operator override. Without an override, a zero
// threshold means "everything".
func lastCommCutoff(last time.Time, isOverride bool, threshold time.Duration) int64 {
	if last.IsZero() || (threshold <= 0 && !isOverride) {
		return 0
	}
	secs := last.Unix()
	if t := int64(threshold / time.Second); secs > t {
		return secs - t
	}
	return secs
}
