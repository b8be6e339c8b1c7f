package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beegfs/buddymirror/pkg/proto"
)

const (
	chunksDirName          = "chunks"
	mirrorDirName          = "buddymir"
	lastBuddyCommFile      = "lastbuddycomm"
	lastBuddyCommOverride  = "lastbuddycomm.override"
	buddyNeedsResyncMarker = "buddyneedsresync"
)

// Target is one local storage target.
type Target struct {
	ID   proto.TargetID
	Path string

	resyncInProgress atomic.Bool
	buddyNeedsResync atomic.Bool
	consistency      atomic.Uint32

	mu            sync.Mutex // serializes bookkeeping file updates
	onNeedsResync func(targetID proto.TargetID, needsResync bool)
	onConsistency func(targetID proto.TargetID, state proto.ConsistencyState)
}

// ChunkRoot returns the directory holding the target's chunks. Buddy-mirrored
// chunks live in their own tree.
func (t *Target) ChunkRoot(mirrored bool) string {
	if mirrored {
		return filepath.Join(t.Path, mirrorDirName)
	}
	return filepath.Join(t.Path, chunksDirName)
}

// ChunkPath resolves a chunk path relative to the chunk root. Paths escaping
// the root are rejected.
func (t *Target) ChunkPath(mirrored bool, rel string) (string, error) {
	root := t.ChunkRoot(mirrored)
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("chunk path %q escapes target root: %w", rel, proto.OpsInval)
	}
	return full, nil
}

// ResyncInProgress reports whether a resync is running with this target as
// the primary.
func (t *Target) ResyncInProgress() bool { return t.resyncInProgress.Load() }

// SetResyncInProgress sets the resync flag.
func (t *Target) SetResyncInProgress(v bool) { t.resyncInProgress.Store(v) }

// BuddyNeedsResync reports whether this primary has lost writes on its
// secondary.
func (t *Target) BuddyNeedsResync() bool { return t.buddyNeedsResync.Load() }

// SetBuddyNeedsResync persists the flag. Only a change is reported to the
// registered callback.
func (t *Target) SetBuddyNeedsResync(needs bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.buddyNeedsResync.Load() == needs {
		return nil
	}
	marker := filepath.Join(t.Path, buddyNeedsResyncMarker)
	if needs {
		if err := os.WriteFile(marker, []byte("1\n"), 0o644); err != nil {
			return fmt.Errorf("persist buddy needs resync: %w", err)
		}
	} else if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear buddy needs resync: %w", err)
	}
	t.buddyNeedsResync.Store(needs)

	if t.onNeedsResync != nil {
		t.onNeedsResync(t.ID, needs)
	}
	return nil
}

// ConsistencyState is the local view of this target's own consistency.
func (t *Target) ConsistencyState() proto.ConsistencyState {
	return proto.ConsistencyState(t.consistency.Load())
}

// SetConsistencyState updates the local consistency, reporting changes.
func (t *Target) SetConsistencyState(state proto.ConsistencyState) {
	old := proto.ConsistencyState(t.consistency.Swap(uint32(state)))
	if old != state && t.onConsistency != nil {
		t.onConsistency(t.ID, state)
	}
}

// LastBuddyComm returns the last time the buddy was known to be in sync. An
// operator override takes precedence over the recorded value. A missing
// record yields the zero time, which means "resync everything".
func (t *Target) LastBuddyComm() (ts time.Time, isOverride bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, ok, err := readTimestamp(filepath.Join(t.Path, lastBuddyCommOverride)); err != nil {
		return time.Time{}, false, err
	} else if ok {
		return ts, true, nil
	}
	ts, _, err = readTimestamp(filepath.Join(t.Path, lastBuddyCommFile))
	return ts, false, err
}

// WriteLastBuddyComm records ts as the last in-sync time.
func (t *Target) WriteLastBuddyComm(ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeTimestamp(filepath.Join(t.Path, lastBuddyCommFile), ts)
}

// SetLastBuddyCommOverride makes the next resync start from ts.
func (t *Target) SetLastBuddyCommOverride(ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeTimestamp(filepath.Join(t.Path, lastBuddyCommOverride), ts)
}

// RemoveLastBuddyCommOverride drops the override, if any.
func (t *Target) RemoveLastBuddyCommOverride() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(filepath.Join(t.Path, lastBuddyCommOverride))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove last buddy comm override: %w", err)
	}
	return nil
}

func readTimestamp(path string) (time.Time, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if secs <= 0 {
		return time.Time{}, true, nil
	}
	return time.Unix(secs, 0), true, nil
}

func writeTimestamp(path string, ts time.Time) error {
	var secs int64
	if !ts.IsZero() {
		secs = ts.Unix()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(secs, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// TargetsConfig holds configuration for the local targets.
type TargetsConfig struct {
	// Paths maps each local target to its storage directory.
	Paths map[proto.TargetID]string

	// OnBuddyNeedsResync is called when a primary starts or stops needing
	// a resync of its secondary.
	OnBuddyNeedsResync func(targetID proto.TargetID, needsResync bool)

	// OnConsistencyChange is called when a local target's own consistency
	// changes, e.g. after a local storage error.
	OnConsistencyChange func(targetID proto.TargetID, state proto.ConsistencyState)
}

// StorageTargets is the set of targets served by this node.
type StorageTargets struct {
	targets map[proto.TargetID]*Target
}

// OpenTargets prepares the target directories and loads persisted flags.
func OpenTargets(cfg TargetsConfig) (*StorageTargets, error) {
	st := &StorageTargets{targets: make(map[proto.TargetID]*Target, len(cfg.Paths))}
	for id, path := range cfg.Paths {
		if id == 0 {
			return nil, fmt.Errorf("target id 0 is reserved")
		}
		t := &Target{
			ID:            id,
			Path:          path,
			onNeedsResync: cfg.OnBuddyNeedsResync,
			onConsistency: cfg.OnConsistencyChange,
		}
		for _, dir := range []string{t.ChunkRoot(false), t.ChunkRoot(true)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("prepare target %d: %w", id, err)
			}
		}
		if _, err := os.Stat(filepath.Join(path, buddyNeedsResyncMarker)); err == nil {
			t.buddyNeedsResync.Store(true)
		}
		st.targets[id] = t
	}
	return st, nil
}

// Get returns the local target with the given ID.
func (s *StorageTargets) Get(id proto.TargetID) (*Target, bool) {
	t, ok := s.targets[id]
	return t, ok
}

// MustGet is Get returning OpsUnknownTarget for targets not served here.
func (s *StorageTargets) MustGet(id proto.TargetID) (*Target, error) {
	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %d is not served by this node: %w", id, proto.OpsUnknownTarget)
	}
	return t, nil
}

// IDs returns the local target IDs in ascending order.
func (s *StorageTargets) IDs() []proto.TargetID {
	ids := make([]proto.TargetID, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
