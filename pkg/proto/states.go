package proto

import "fmt"

// TargetID identifies one storage target. Zero means "none".
type TargetID = uint16

// BuddyGroupID identifies a primary/secondary pair. Zero means "none".
type BuddyGroupID = uint16

// NodeID identifies a storage server process.
type NodeID = uint16

// ConsistencyState is whether a target's data is believed to match its buddy.
type ConsistencyState uint16

const (
	ConsistencyGood ConsistencyState = iota
	ConsistencyNeedsResync
	ConsistencyBad
)

func (s ConsistencyState) String() string {
	switch s {
	case ConsistencyGood:
		return "good"
	case ConsistencyNeedsResync:
		return "needs-resync"
	case ConsistencyBad:
		return "bad"
	}
	return fmt.Sprintf("consistency(%d)", uint16(s))
}

// ParseConsistencyState is the inverse of ConsistencyState.String.
func ParseConsistencyState(s string) (ConsistencyState, error) {
	switch s {
	case "good", "":
		return ConsistencyGood, nil
	case "needs-resync":
		return ConsistencyNeedsResync, nil
	case "bad":
		return ConsistencyBad, nil
	}
	return ConsistencyGood, fmt.Errorf("unknown consistency state %q", s)
}

// ReachabilityState is the network-level liveness of a target.
type ReachabilityState uint8

const (
	ReachabilityOnline ReachabilityState = iota
	ReachabilityProbablyOffline
	ReachabilityOffline
)

func (s ReachabilityState) String() string {
	switch s {
	case ReachabilityOnline:
		return "online"
	case ReachabilityProbablyOffline:
		return "probably-offline"
	case ReachabilityOffline:
		return "offline"
	}
	return fmt.Sprintf("reachability(%d)", uint8(s))
}

// ParseReachabilityState is the inverse of ReachabilityState.String.
func ParseReachabilityState(s string) (ReachabilityState, error) {
	switch s {
	case "online", "":
		return ReachabilityOnline, nil
	case "probably-offline":
		return ReachabilityProbablyOffline, nil
	case "offline":
		return ReachabilityOffline, nil
	}
	return ReachabilityOffline, fmt.Errorf("unknown reachability state %q", s)
}

// JobStatus is the lifecycle state of a resync job.
type JobStatus uint8

const (
	JobNotStarted JobStatus = iota
	JobRunning
	JobSuccess
	JobInterrupted
	JobFailure
	JobErrors
)

func (s JobStatus) String() string {
	switch s {
	case JobNotStarted:
		return "not-started"
	case JobRunning:
		return "running"
	case JobSuccess:
		return "success"
	case JobInterrupted:
		return "interrupted"
	case JobFailure:
		return "failure"
	case JobErrors:
		return "errors"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ResyncStats is the progress snapshot of one resync job.
type ResyncStats struct {
	Status    JobStatus `json:"status"`
	StartTime int64     `json:"start_time"`
	EndTime   int64     `json:"end_time"`

	DiscoveredFiles uint64 `json:"discovered_files"`
	DiscoveredDirs  uint64 `json:"discovered_dirs"`
	MatchedFiles    uint64 `json:"matched_files"`
	MatchedDirs     uint64 `json:"matched_dirs"`
	SyncedFiles     uint64 `json:"synced_files"`
	SyncedDirs      uint64 `json:"synced_dirs"`
	ErrorFiles      uint64 `json:"error_files"`
	ErrorDirs       uint64 `json:"error_dirs"`
	BytesSent       uint64 `json:"bytes_sent"`
}
