package proto

import "fmt"

// MsgType identifies a message kind on the wire.
type MsgType uint16

const (
	MsgInvalid MsgType = iota
	MsgGenericResponse
	MsgAck
	MsgListChunkDirIncremental
	MsgListChunkDirIncrementalResp
	MsgResyncLocalFile
	MsgResyncLocalFileResp
	MsgRmChunkPaths
	MsgRmChunkPathsResp
	MsgSetTargetConsistencyStates
	MsgSetTargetConsistencyStatesResp
	MsgSetLastBuddyCommOverride
	MsgSetLastBuddyCommOverrideResp
	MsgStorageResyncStarted
	MsgStorageResyncStartedResp
	MsgGetStorageResyncStats
	MsgGetStorageResyncStatsResp
	MsgGetStorageTargetInfo
	MsgGetStorageTargetInfoResp
	MsgRefreshTargetStates
	MsgWriteLocalFile
	MsgWriteLocalFileResp
	MsgGetChunkLocks
	MsgGetChunkLocksResp

	msgTypeCount
)

var msgTypeNames = [...]string{
	MsgInvalid:                        "Invalid",
	MsgGenericResponse:                "GenericResponse",
	MsgAck:                            "Ack",
	MsgListChunkDirIncremental:        "ListChunkDirIncremental",
	MsgListChunkDirIncrementalResp:    "ListChunkDirIncrementalResp",
	MsgResyncLocalFile:                "ResyncLocalFile",
	MsgResyncLocalFileResp:            "ResyncLocalFileResp",
	MsgRmChunkPaths:                   "RmChunkPaths",
	MsgRmChunkPathsResp:               "RmChunkPathsResp",
	MsgSetTargetConsistencyStates:     "SetTargetConsistencyStates",
	MsgSetTargetConsistencyStatesResp: "SetTargetConsistencyStatesResp",
	MsgSetLastBuddyCommOverride:       "SetLastBuddyCommOverride",
	MsgSetLastBuddyCommOverrideResp:   "SetLastBuddyCommOverrideResp",
	MsgStorageResyncStarted:           "StorageResyncStarted",
	MsgStorageResyncStartedResp:       "StorageResyncStartedResp",
	MsgGetStorageResyncStats:          "GetStorageResyncStats",
	MsgGetStorageResyncStatsResp:      "GetStorageResyncStatsResp",
	MsgGetStorageTargetInfo:           "GetStorageTargetInfo",
	MsgGetStorageTargetInfoResp:       "GetStorageTargetInfoResp",
	MsgRefreshTargetStates:            "RefreshTargetStates",
	MsgWriteLocalFile:                 "WriteLocalFile",
	MsgWriteLocalFileResp:             "WriteLocalFileResp",
	MsgGetChunkLocks:                  "GetChunkLocks",
	MsgGetChunkLocksResp:              "GetChunkLocksResp",
}

func (t MsgType) String() string {
	if t < msgTypeCount {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// Message is the closed set of kinds this protocol speaks. The unexported
// marker keeps other packages from adding kinds; NewMessage and every
// dispatch switch must list all of them.
type Message interface {
	Type() MsgType
	isMessage()
}

// Targeted messages carry the target ID mirrored into the frame header.
type Targeted interface {
	Target() TargetID
}

// Flagged messages carry feature flags mirrored into the frame header.
type Flagged interface {
	Features() uint16
}

// Acknowledgeable messages may travel as datagrams and are confirmed with
// an Ack carrying the same ID.
type Acknowledgeable interface {
	Message
	AckIdentifier() string
}

// EntryType classifies a directory entry in a listing.
type EntryType uint16

const (
	EntryUnknown EntryType = iota
	EntryRegular
	EntryDir
	EntryOther
)

// ListChunkDirIncremental flags.
const (
	ListFlagIsBuddyMirror   uint16 = 1
	ListFlagIgnoreNotExists uint16 = 2
)

// ResyncLocalFile flags.
const (
	ResyncFlagSetAttribs  uint16 = 1
	ResyncFlagNoData      uint16 = 2
	ResyncFlagTrunc       uint16 = 4
	ResyncFlagCheckSparse uint16 = 8
)

// RmChunkPaths flags.
const (
	RmFlagBuddyMirror uint16 = 1
)

// WriteLocalFile flags.
const (
	WriteFlagMirrorForward uint16 = 1
)

// ControlCode is the reason carried by a GenericResponse.
type ControlCode uint8

const (
	ControlTryAgain ControlCode = iota + 1
	// ControlIndirectCommErr means the server is a mirror primary that could
	// not reach its secondary. The client should retry rather than fail.
	ControlIndirectCommErr
)

// ChunkAttribs are the authoritative attributes of a chunk file.
type ChunkAttribs struct {
	Mode    uint32 `json:"mode"`
	UserID  uint32 `json:"uid"`
	GroupID uint32 `json:"gid"`
	MTimeNS int64  `json:"mtime_ns"`
	ATimeNS int64  `json:"atime_ns"`
}

type GenericResponse struct {
	Code    ControlCode `json:"code"`
	Message string      `json:"message,omitempty"`
}

type Ack struct {
	AckID string `json:"ack_id"`
}

type ListChunkDirIncremental struct {
	TargetID    TargetID `json:"target_id"`
	Flags       uint16   `json:"flags"`
	RelativeDir string   `json:"relative_dir"`
	Offset      int64    `json:"offset"`
	MaxOutNames uint32   `json:"max_out_names"`
}

type ListChunkDirIncrementalResp struct {
	Result     OpsErr      `json:"result"`
	Names      []string    `json:"names,omitempty"`
	EntryTypes []EntryType `json:"entry_types,omitempty"`
	NewOffset  int64       `json:"new_offset"`
}

type ResyncLocalFile struct {
	TargetID     TargetID      `json:"target_id"`
	Flags        uint16        `json:"flags"`
	RelativePath string        `json:"relative_path"`
	Offset       int64         `json:"offset"`
	Data         []byte        `json:"data,omitempty"`
	Attribs      *ChunkAttribs `json:"attribs,omitempty"`
}

type ResyncLocalFileResp struct {
	Result OpsErr `json:"result"`
}

type RmChunkPaths struct {
	TargetID TargetID `json:"target_id"`
	Flags    uint16   `json:"flags"`
	Paths    []string `json:"paths"`
}

type RmChunkPathsResp struct {
	FailedPaths []string `json:"failed_paths,omitempty"`
}

type SetTargetConsistencyStates struct {
	TargetIDs     []TargetID         `json:"target_ids"`
	States        []ConsistencyState `json:"states"`
	ForceOverride bool               `json:"force_override"`
	AckID         string             `json:"ack_id,omitempty"`
}

type SetTargetConsistencyStatesResp struct {
	Result OpsErr `json:"result"`
}

type SetLastBuddyCommOverride struct {
	TargetID      TargetID `json:"target_id"`
	Timestamp     int64    `json:"timestamp"`
	RestartResync bool     `json:"restart_resync"`
}

type SetLastBuddyCommOverrideResp struct {
	Result OpsErr `json:"result"`
}

type StorageResyncStarted struct {
	TargetID TargetID `json:"target_id"`
}

type StorageResyncStartedResp struct {
	Result OpsErr `json:"result"`
}

type GetStorageResyncStats struct {
	TargetID TargetID `json:"target_id"`
}

type GetStorageResyncStatsResp struct {
	Result OpsErr      `json:"result"`
	Stats  ResyncStats `json:"stats"`
}

type GetStorageTargetInfo struct {
	TargetIDs []TargetID `json:"target_ids"`
}

// TargetInfo is one entry of GetStorageTargetInfoResp.
type TargetInfo struct {
	TargetID    TargetID         `json:"target_id"`
	Consistency ConsistencyState `json:"consistency"`
	NeedsResync bool             `json:"buddy_needs_resync"`
}

type GetStorageTargetInfoResp struct {
	Infos []TargetInfo `json:"infos"`
}

type RefreshTargetStates struct {
	AckID string `json:"ack_id"`
}

type WriteLocalFile struct {
	TargetID     TargetID `json:"target_id"`
	Flags        uint16   `json:"flags"`
	RelativePath string   `json:"relative_path"`
	Offset       int64    `json:"offset"`
	Data         []byte   `json:"data"`
}

type WriteLocalFileResp struct {
	Result  OpsErr `json:"result"`
	Written int64  `json:"written"`
}

type GetChunkLocks struct {
	TargetID TargetID `json:"target_id"`
}

type GetChunkLocksResp struct {
	Result OpsErr   `json:"result"`
	Chunks []string `json:"chunks,omitempty"`
}

func (*GenericResponse) Type() MsgType                { return MsgGenericResponse }
func (*Ack) Type() MsgType                            { return MsgAck }
func (*ListChunkDirIncremental) Type() MsgType        { return MsgListChunkDirIncremental }
func (*ListChunkDirIncrementalResp) Type() MsgType    { return MsgListChunkDirIncrementalResp }
func (*ResyncLocalFile) Type() MsgType                { return MsgResyncLocalFile }
func (*ResyncLocalFileResp) Type() MsgType            { return MsgResyncLocalFileResp }
func (*RmChunkPaths) Type() MsgType                   { return MsgRmChunkPaths }
func (*RmChunkPathsResp) Type() MsgType               { return MsgRmChunkPathsResp }
func (*SetTargetConsistencyStates) Type() MsgType     { return MsgSetTargetConsistencyStates }
func (*SetTargetConsistencyStatesResp) Type() MsgType { return MsgSetTargetConsistencyStatesResp }
func (*SetLastBuddyCommOverride) Type() MsgType       { return MsgSetLastBuddyCommOverride }
func (*SetLastBuddyCommOverrideResp) Type() MsgType   { return MsgSetLastBuddyCommOverrideResp }
func (*StorageResyncStarted) Type() MsgType           { return MsgStorageResyncStarted }
func (*StorageResyncStartedResp) Type() MsgType       { return MsgStorageResyncStartedResp }
func (*GetStorageResyncStats) Type() MsgType          { return MsgGetStorageResyncStats }
func (*GetStorageResyncStatsResp) Type() MsgType      { return MsgGetStorageResyncStatsResp }
func (*GetStorageTargetInfo) Type() MsgType           { return MsgGetStorageTargetInfo }
func (*GetStorageTargetInfoResp) Type() MsgType       { return MsgGetStorageTargetInfoResp }
func (*RefreshTargetStates) Type() MsgType            { return MsgRefreshTargetStates }
func (*WriteLocalFile) Type() MsgType                 { return MsgWriteLocalFile }
func (*WriteLocalFileResp) Type() MsgType             { return MsgWriteLocalFileResp }
func (*GetChunkLocks) Type() MsgType                  { return MsgGetChunkLocks }
func (*GetChunkLocksResp) Type() MsgType              { return MsgGetChunkLocksResp }

func (*GenericResponse) isMessage()                {}
func (*Ack) isMessage()                            {}
func (*ListChunkDirIncremental) isMessage()        {}
func (*ListChunkDirIncrementalResp) isMessage()    {}
func (*ResyncLocalFile) isMessage()                {}
func (*ResyncLocalFileResp) isMessage()            {}
func (*RmChunkPaths) isMessage()                   {}
func (*RmChunkPathsResp) isMessage()               {}
func (*SetTargetConsistencyStates) isMessage()     {}
func (*SetTargetConsistencyStatesResp) isMessage() {}
func (*SetLastBuddyCommOverride) isMessage()       {}
func (*SetLastBuddyCommOverrideResp) isMessage()   {}
func (*StorageResyncStarted) isMessage()           {}
func (*StorageResyncStartedResp) isMessage()       {}
func (*GetStorageResyncStats) isMessage()          {}
func (*GetStorageResyncStatsResp) isMessage()      {}
func (*GetStorageTargetInfo) isMessage()           {}
func (*GetStorageTargetInfoResp) isMessage()       {}
func (*RefreshTargetStates) isMessage()            {}
func (*WriteLocalFile) isMessage()                 {}
func (*WriteLocalFileResp) isMessage()             {}
func (*GetChunkLocks) isMessage()                  {}
func (*GetChunkLocksResp) isMessage()              {}

func (m *ListChunkDirIncremental) Target() TargetID  { return m.TargetID }
func (m *ResyncLocalFile) Target() TargetID          { return m.TargetID }
func (m *RmChunkPaths) Target() TargetID             { return m.TargetID }
func (m *SetLastBuddyCommOverride) Target() TargetID { return m.TargetID }
func (m *StorageResyncStarted) Target() TargetID     { return m.TargetID }
func (m *GetStorageResyncStats) Target() TargetID    { return m.TargetID }
func (m *WriteLocalFile) Target() TargetID           { return m.TargetID }
func (m *GetChunkLocks) Target() TargetID            { return m.TargetID }

func (m *ListChunkDirIncremental) Features() uint16 { return m.Flags }
func (m *ResyncLocalFile) Features() uint16         { return m.Flags }
func (m *RmChunkPaths) Features() uint16            { return m.Flags }
func (m *WriteLocalFile) Features() uint16          { return m.Flags }

func (m *SetTargetConsistencyStates) AckIdentifier() string { return m.AckID }
func (m *RefreshTargetStates) AckIdentifier() string        { return m.AckID }

// NewMessage returns an empty message of kind t, ready to be decoded into.
func NewMessage(t MsgType) (Message, error) {
	switch t {
	case MsgGenericResponse:
		return &GenericResponse{}, nil
	case MsgAck:
		return &Ack{}, nil
	case MsgListChunkDirIncremental:
		return &ListChunkDirIncremental{}, nil
	case MsgListChunkDirIncrementalResp:
		return &ListChunkDirIncrementalResp{}, nil
	case MsgResyncLocalFile:
		return &ResyncLocalFile{}, nil
	case MsgResyncLocalFileResp:
		return &ResyncLocalFileResp{}, nil
	case MsgRmChunkPaths:
		return &RmChunkPaths{}, nil
	case MsgRmChunkPathsResp:
		return &RmChunkPathsResp{}, nil
	case MsgSetTargetConsistencyStates:
		return &SetTargetConsistencyStates{}, nil
	case MsgSetTargetConsistencyStatesResp:
		return &SetTargetConsistencyStatesResp{}, nil
	case MsgSetLastBuddyCommOverride:
		return &SetLastBuddyCommOverride{}, nil
	case MsgSetLastBuddyCommOverrideResp:
		return &SetLastBuddyCommOverrideResp{}, nil
	case MsgStorageResyncStarted:
		return &StorageResyncStarted{}, nil
	case MsgStorageResyncStartedResp:
		return &StorageResyncStartedResp{}, nil
	case MsgGetStorageResyncStats:
		return &GetStorageResyncStats{}, nil
	case MsgGetStorageResyncStatsResp:
		return &GetStorageResyncStatsResp{}, nil
	case MsgGetStorageTargetInfo:
		return &GetStorageTargetInfo{}, nil
	case MsgGetStorageTargetInfoResp:
		return &GetStorageTargetInfoResp{}, nil
	case MsgRefreshTargetStates:
		return &RefreshTargetStates{}, nil
	case MsgWriteLocalFile:
		return &WriteLocalFile{}, nil
	case MsgWriteLocalFileResp:
		return &WriteLocalFileResp{}, nil
	case MsgGetChunkLocks:
		return &GetChunkLocks{}, nil
	case MsgGetChunkLocksResp:
		return &GetChunkLocksResp{}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", uint16(t))
}
