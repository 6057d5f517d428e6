package sync

import "github.com/nimbusfs/sync/internal/driveid"

// ChangeType classifies what happened to a path between observations.
type ChangeType int

// Change types produced by the local and remote observers.
const (
	ChangeCreate ChangeType = iota
	ChangeModify
	ChangeDelete
	ChangeMove
)

var changeTypeNames = [...]string{"create", "modify", "delete", "move"}

// String returns the lowercase name of the change type, used for logging.
func (t ChangeType) String() string {
	if int(t) < 0 || int(t) >= len(changeTypeNames) {
		return "unknown"
	}

	return changeTypeNames[t]
}

// ChangeSource indicates which observer produced a ChangeEvent.
type ChangeSource int

// Change sources.
const (
	SourceLocal ChangeSource = iota
	SourceRemote
)

var changeSourceNames = [...]string{"local", "remote"}

// String returns the lowercase name of the change source, used for logging.
func (s ChangeSource) String() string {
	if int(s) < 0 || int(s) >= len(changeSourceNames) {
		return "unknown"
	}

	return changeSourceNames[s]
}

// ChangeEvent is a single observed change, produced by either the local
// filesystem watcher or the remote delta observer, and routed into a
// PathChanges bucket by the buffer before planning.
type ChangeEvent struct {
	Source    ChangeSource
	Type      ChangeType
	Path      string // current/destination path
	OldPath   string // source path, only set for ChangeMove
	ItemID    string
	DriveID   driveid.ID
	ParentID  string
	ItemType  ItemType
	Name      string
	Size      int64
	Hash      string
	Mtime     int64 // Unix nanoseconds
	ETag      string
	CTag      string
	IsDeleted bool
}

// PathChanges accumulates all events observed for a single path during one
// buffering window, separated by source so the planner can reason about
// local and remote activity independently.
type PathChanges struct {
	Path         string
	LocalEvents  []ChangeEvent
	RemoteEvents []ChangeEvent
}
