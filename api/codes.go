package api

// MsgType discriminates the frame kinds that travel on every control channel.
type MsgType int32

const (
	MsgRequest  MsgType = 1
	MsgResponse MsgType = 2
	MsgError    MsgType = 3
	MsgAck      MsgType = 4
	MsgStop     MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgResponse:
		return "RESPONSE"
	case MsgError:
		return "ERROR"
	case MsgAck:
		return "ACK"
	case MsgStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Op identifies the operation a frame carries. The numeric values are
// arbitrary but fixed within a deployment; both ends of every channel
// compile them from this package.
type Op int32

const (
	OpNone Op = iota

	// Control-plane registration and liveness.
	OpRegisterSS
	OpConnectClient
	OpDisconnect
	OpHeartbeat

	// Client-facing name-server operations.
	OpView
	OpRead
	OpCreate
	OpWrite
	OpUndo
	OpInfo
	OpDelete
	OpStream
	OpList
	OpAddAccess
	OpRemAccess
	OpExec
	OpCreateFolder
	OpMove
	OpViewFolder
	OpCheckpoint
	OpViewCheckpoint
	OpRevert
	OpListCheckpoints
	OpRequestAccess
	OpViewRequests
	OpApproveRequest
	OpDenyRequest

	// Storage-server internal operations (NM->SS forwarding, client data
	// connections, and replica-to-replica traffic).
	OpSSCreate
	OpSSDelete
	OpSSRead
	OpSSWriteLock
	OpSSWriteWord
	OpSSWriteUnlock
	OpSSMove
	OpSSCheckpoint
	OpSSViewCheckpoint
	OpSSRevert
	OpSSListCheckpoints
	OpSSSync
	OpSSCheckMtime
	OpSSUndo
	OpSSStream
)

var opNames = map[Op]string{
	OpNone:              "NONE",
	OpRegisterSS:        "REGISTER_SS",
	OpConnectClient:     "CONNECT_CLIENT",
	OpDisconnect:        "DISCONNECT",
	OpHeartbeat:         "HEARTBEAT",
	OpView:              "VIEW",
	OpRead:              "READ",
	OpCreate:            "CREATE",
	OpWrite:             "WRITE",
	OpUndo:              "UNDO",
	OpInfo:              "INFO",
	OpDelete:            "DELETE",
	OpStream:            "STREAM",
	OpList:              "LIST",
	OpAddAccess:         "ADDACCESS",
	OpRemAccess:         "REMACCESS",
	OpExec:              "EXEC",
	OpCreateFolder:      "CREATEFOLDER",
	OpMove:              "MOVE",
	OpViewFolder:        "VIEWFOLDER",
	OpCheckpoint:        "CHECKPOINT",
	OpViewCheckpoint:    "VIEWCHECKPOINT",
	OpRevert:            "REVERT",
	OpListCheckpoints:   "LISTCHECKPOINTS",
	OpRequestAccess:     "REQUESTACCESS",
	OpViewRequests:      "VIEWREQUESTS",
	OpApproveRequest:    "APPROVEREQUEST",
	OpDenyRequest:       "DENYREQUEST",
	OpSSCreate:          "SS_CREATE",
	OpSSDelete:          "SS_DELETE",
	OpSSRead:            "SS_READ",
	OpSSWriteLock:       "SS_WRITE_LOCK",
	OpSSWriteWord:       "SS_WRITE_WORD",
	OpSSWriteUnlock:     "SS_WRITE_UNLOCK",
	OpSSMove:            "SS_MOVE",
	OpSSCheckpoint:      "SS_CHECKPOINT",
	OpSSViewCheckpoint:  "SS_VIEWCHECKPOINT",
	OpSSRevert:          "SS_REVERT",
	OpSSListCheckpoints: "SS_LISTCHECKPOINTS",
	OpSSSync:            "SS_SYNC",
	OpSSCheckMtime:      "SS_CHECK_MTIME",
	OpSSUndo:            "SS_UNDO",
	OpSSStream:          "SS_STREAM",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// ErrCode is the stable numeric error category carried in the header of
// MsgError frames. Zero means success.
type ErrCode int32

const (
	ErrNone ErrCode = 0

	// Lookup failures.
	ErrFileNotFound       ErrCode = 100
	ErrFolderNotFound     ErrCode = 101
	ErrUserNotFound       ErrCode = 102
	ErrCheckpointNotFound ErrCode = 103
	ErrRequestNotFound    ErrCode = 104

	// Conflicts.
	ErrFileExists       ErrCode = 200
	ErrFolderExists     ErrCode = 201
	ErrCheckpointExists ErrCode = 202
	ErrRequestExists    ErrCode = 203
	ErrUsernameTaken    ErrCode = 204
	ErrSSExists         ErrCode = 205
	ErrAlreadyHasAccess ErrCode = 206

	// Authorisation.
	ErrPermissionDenied ErrCode = 300
	ErrNotOwner         ErrCode = 301

	// Locking.
	ErrSentenceLocked ErrCode = 400

	// Arguments.
	ErrInvalidIndex    ErrCode = 500
	ErrInvalidSentence ErrCode = 501
	ErrInvalidWord     ErrCode = 502
	ErrInvalidPath     ErrCode = 503
	ErrInvalidFilename ErrCode = 504
	ErrInvalidCommand  ErrCode = 505
	ErrFileEmpty       ErrCode = 506

	// Availability.
	ErrSSUnavailable  ErrCode = 600
	ErrSSDisconnected ErrCode = 601
	ErrNetworkError   ErrCode = 602

	// Operations.
	ErrFileOperationFailed ErrCode = 700
	ErrUndoNotAvailable    ErrCode = 701
)

var errNames = map[ErrCode]string{
	ErrNone:                "ok",
	ErrFileNotFound:        "file_not_found",
	ErrFolderNotFound:      "folder_not_found",
	ErrUserNotFound:        "user_not_found",
	ErrCheckpointNotFound:  "checkpoint_not_found",
	ErrRequestNotFound:     "request_not_found",
	ErrFileExists:          "file_exists",
	ErrFolderExists:        "folder_exists",
	ErrCheckpointExists:    "checkpoint_exists",
	ErrRequestExists:       "request_exists",
	ErrUsernameTaken:       "username_taken",
	ErrSSExists:            "ss_exists",
	ErrAlreadyHasAccess:    "already_has_access",
	ErrPermissionDenied:    "permission_denied",
	ErrNotOwner:            "not_owner",
	ErrSentenceLocked:      "sentence_locked",
	ErrInvalidIndex:        "invalid_index",
	ErrInvalidSentence:     "invalid_sentence",
	ErrInvalidWord:         "invalid_word",
	ErrInvalidPath:         "invalid_path",
	ErrInvalidFilename:     "invalid_filename",
	ErrInvalidCommand:      "invalid_command",
	ErrFileEmpty:           "file_empty",
	ErrSSUnavailable:       "ss_unavailable",
	ErrSSDisconnected:      "ss_disconnected",
	ErrNetworkError:        "network_error",
	ErrFileOperationFailed: "file_operation_failed",
	ErrUndoNotAvailable:    "undo_not_available",
}

func (e ErrCode) String() string {
	if name, ok := errNames[e]; ok {
		return name
	}
	return "unknown"
}

// Flag bits in the header's Flags field. For access grants and requests
// bit 0 carries the read permission and bit 1 the write permission; for
// VIEW the same bits select -a (show hidden) and -l (long listing).
const (
	FlagRead int32 = 1 << 0
	FlagAll  int32 = 1 << 0

	FlagWrite int32 = 1 << 1
	FlagLong  int32 = 1 << 1

	// FlagReplica marks a mutation forwarded by a primary to its
	// replica peer; the replica applies it without re-forwarding and
	// without binding write sessions to the forwarding connection.
	FlagReplica int32 = 1 << 2

	// FlagDiscard on WRITE_UNLOCK aborts the session: the sentence is
	// rolled back to its lock-time text, the lock is released, and
	// nothing is persisted.
	FlagDiscard int32 = 1 << 3
)

// WholeSentence is the WordIndex value that selects replacement of the
// entire sentence text during a write session.
const WholeSentence int32 = -1
