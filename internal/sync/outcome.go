package sync

import "github.com/nimbusfs/sync/internal/driveid"

// Outcome is the result of executing a single Action. The executor always
// returns an Outcome, even on failure, so the baseline manager and ledger
// have enough information to record what happened.
type Outcome struct {
	Action      ActionType
	Success     bool
	Error       error
	Path        string
	OldPath     string
	DriveID     driveid.ID
	ItemID      string
	ParentID    string
	ItemType    ItemType
	LocalHash   string
	RemoteHash  string
	Size        int64
	Mtime       int64 // Unix nanoseconds, local mtime
	RemoteMtime int64 // Unix nanoseconds, remote mtime
	ETag        string

	// Set only for ActionConflict outcomes.
	ConflictType ConflictType
	ResolvedBy   ConflictResolvedBy
}
