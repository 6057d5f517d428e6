// Package sync implements the bidirectional sync engine for nimbus-sync.
// It provides baseline management, delta/scan observation, buffering,
// planning, safety checks, and execution — the full sync pipeline.
package sync

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nimbusfs/sync/internal/config"
	"github.com/nimbusfs/sync/internal/driveid"
	"github.com/nimbusfs/sync/internal/remoteapi"
)

// ItemType represents the kind of drive item.
type ItemType string

// Item types as stored in the baseline table's item_type column.
const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
	ItemTypeRoot   ItemType = "root"
)

// String returns the lowercase item-type string used for storage and logging.
func (t ItemType) String() string {
	return string(t)
}

// ParseItemType parses a stored item_type column value. Returns an error for
// unrecognized values, which would indicate database corruption or a schema
// mismatch.
func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemTypeFile, ItemTypeFolder, ItemTypeRoot:
		return ItemType(s), nil
	default:
		return "", fmt.Errorf("sync: unknown item type %q", s)
	}
}

// ConflictResolution describes how a conflict was or should be resolved.
type ConflictResolution string

// Conflict resolution strategies as stored in the conflicts table.
const (
	ResolutionUnresolved ConflictResolution = "unresolved"
	ResolutionKeepBoth   ConflictResolution = "keep_both"
	ResolutionKeepLocal  ConflictResolution = "keep_local"
	ResolutionKeepRemote ConflictResolution = "keep_remote"
)

// ConflictResolvedBy indicates who resolved a conflict.
type ConflictResolvedBy string

// Values describing how a conflict was resolved.
const (
	ResolvedByUser ConflictResolvedBy = "user"
	ResolvedByAuto ConflictResolvedBy = "auto"
)

// ConflictType classifies the scenario that produced a conflict, covering
// the full edit/delete/move matrix the planner can detect.
type ConflictType string

// Conflict types the planner can produce.
const (
	ConflictCreateCreate     ConflictType = "create_create"
	ConflictEditEdit         ConflictType = "edit_edit"
	ConflictEditDelete       ConflictType = "edit_delete"
	ConflictMoveCreate       ConflictType = "move_create"
	ConflictMoveDelete       ConflictType = "move_delete"
	ConflictMoveParentDelete ConflictType = "move_parent_delete"
	ConflictCreateParentDelete ConflictType = "create_parent_delete"
	ConflictMoveMoveSource   ConflictType = "move_move_source"
	ConflictMoveMoveDest     ConflictType = "move_move_dest"
	ConflictMoveMoveCycle    ConflictType = "move_move_cycle"
)

// ConflictRecord represents a file conflict entry in the conflict ledger.
type ConflictRecord struct {
	ID           string
	DriveID      driveid.ID
	ItemID       string
	Path         string // file path at time of conflict detection
	ConflictType ConflictType
	DetectedAt   int64 // Unix nanoseconds
	LocalHash    string
	RemoteHash   string
	LocalMtime   int64
	RemoteMtime  int64
	Resolution   ConflictResolution
	ResolvedAt   int64
	ResolvedBy   string
}

// ActionType represents the kind of sync action to perform.
type ActionType int

// Action types produced by the planner.
const (
	ActionDownload     ActionType = iota // Pull remote file to local
	ActionUpload                         // Push local file to remote
	ActionLocalDelete                    // Delete local file/folder
	ActionRemoteDelete                   // Delete remote file/folder
	ActionLocalMove                      // Rename/move local file/folder
	ActionRemoteMove                     // Rename/move remote file/folder
	ActionFolderCreate                   // Create folder (local or remote)
	ActionConflict                       // Record and resolve conflict
	ActionUpdateSynced                   // Update synced base (false conflict)
	ActionCleanup                        // Remove stale baseline record
)

// actionTypeNames is indexed by ActionType for String().
var actionTypeNames = [...]string{
	"download", "upload", "local_delete", "remote_delete",
	"local_move", "remote_move", "folder_create", "conflict",
	"update_synced", "cleanup",
}

// String returns the lowercase name of the action type, used for logging
// and ledger persistence.
func (t ActionType) String() string {
	if int(t) < 0 || int(t) >= len(actionTypeNames) {
		return "unknown"
	}

	return actionTypeNames[t]
}

// FolderCreateSide indicates whether a folder should be created locally or remotely.
type FolderCreateSide int

const (
	CreateLocal  FolderCreateSide = iota + 1 // Create folder on local filesystem
	CreateRemote                             // Create folder on the remote drive
)

// folderCreateSideNames is indexed by FolderCreateSide-1 for String().
var folderCreateSideNames = [...]string{"local", "remote"}

// String returns the lowercase name of the folder-create side, used for
// logging.
func (s FolderCreateSide) String() string {
	i := int(s) - 1
	if i < 0 || i >= len(folderCreateSideNames) {
		return "unknown"
	}

	return folderCreateSideNames[i]
}

// SyncMode controls which sides of the sync are active.
type SyncMode int

// Sync direction modes.
const (
	SyncBidirectional SyncMode = iota
	SyncDownloadOnly
	SyncUploadOnly
)

// syncModeNames is indexed by SyncMode for String().
var syncModeNames = [...]string{"bidirectional", "download_only", "upload_only"}

// String returns the lowercase name of the sync mode.
func (m SyncMode) String() string {
	if int(m) < 0 || int(m) >= len(syncModeNames) {
		return "unknown"
	}

	return syncModeNames[m]
}

// Action represents a single planned operation produced by the planner.
type Action struct {
	Type         ActionType
	DriveID      driveid.ID
	ItemID       string
	Path         string           // current path
	OldPath      string           // source path for moves
	NewPath      string           // destination path for moves
	CreateSide   FolderCreateSide // only set for ActionFolderCreate
	View         *PathView        // three-way view (remote/local/baseline) backing this action
	ConflictInfo *ConflictRecord
}

// ActionPlan is the flat, dependency-ordered collection of actions produced
// by the planner for a single sync cycle. Deps[i] lists the indices of
// actions that action i depends on (e.g. a parent folder create).
//
// The per-type slices below (Moves, Downloads, ...) are a read-only grouping
// of Actions by ActionType, populated by Plan for callers and tests that
// want to assert on one category without filtering Actions themselves. They
// alias entries in Actions; mutating through them is not supported.
type ActionPlan struct {
	Actions []Action
	Deps    [][]int
	CycleID string

	Moves         []Action // ActionLocalMove + ActionRemoteMove
	Downloads     []Action
	Uploads       []Action
	LocalDeletes  []Action
	RemoteDeletes []Action
	FolderCreates []Action
	Conflicts     []Action
	SyncedUpdates []Action
	Cleanups      []Action
}

// groupActions populates the ActionPlan's per-type convenience slices from
// its flat Actions list.
func (p *ActionPlan) groupActions() {
	for i := range p.Actions {
		a := p.Actions[i]

		switch a.Type {
		case ActionLocalMove, ActionRemoteMove:
			p.Moves = append(p.Moves, a)
		case ActionDownload:
			p.Downloads = append(p.Downloads, a)
		case ActionUpload:
			p.Uploads = append(p.Uploads, a)
		case ActionLocalDelete:
			p.LocalDeletes = append(p.LocalDeletes, a)
		case ActionRemoteDelete:
			p.RemoteDeletes = append(p.RemoteDeletes, a)
		case ActionFolderCreate:
			p.FolderCreates = append(p.FolderCreates, a)
		case ActionConflict:
			p.Conflicts = append(p.Conflicts, a)
		case ActionUpdateSynced:
			p.SyncedUpdates = append(p.SyncedUpdates, a)
		case ActionCleanup:
			p.Cleanups = append(p.Cleanups, a)
		}
	}
}

// FilterResult indicates whether an item should be synced and why.
type FilterResult struct {
	Included bool
	Reason   string // empty when included, explanation when excluded
}

// --- Consumer-defined interfaces for remote API client ---
// These decouple the sync package from remoteapi's concrete types,
// following the "accept interfaces, return structs" Go convention.

// DeltaFetcher retrieves remote changes from the Graph API.
type DeltaFetcher interface {
	// Delta returns one page of delta results. Pass an empty token for initial sync.
	Delta(ctx context.Context, driveID driveid.ID, token string) (*remoteapi.DeltaPage, error)
}

// ItemClient performs CRUD operations on drive items via the Graph API.
type ItemClient interface {
	GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*remoteapi.Item, error)
	ListChildren(ctx context.Context, driveID driveid.ID, itemID string) ([]remoteapi.Item, error)
	CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*remoteapi.Item, error)
	MoveItem(ctx context.Context, driveID driveid.ID, itemID, newParentID, newName string) (*remoteapi.Item, error)
	DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error
}

// Downloader streams a remote file by item ID. Declared locally (rather than
// imported from internal/driveops) so the sync package has no compile-time
// dependency on the CLI-facing transfer layer; both are satisfied
// structurally by *remoteapi.Client.
type Downloader interface {
	Download(ctx context.Context, driveID driveid.ID, itemID string, w io.Writer) (int64, error)
}

// RangeDownloader downloads a file starting from a byte offset. Satisfied by
// *remoteapi.Client. Type-asserted at runtime to avoid breaking the
// Downloader interface (B-085 resumable .partial downloads).
type RangeDownloader interface {
	DownloadRange(ctx context.Context, driveID driveid.ID, itemID string, w io.Writer, offset int64) (int64, error)
}

// Uploader uploads a local file, encapsulating the simple-vs-chunked decision.
// content must be an io.ReaderAt for retry safety.
type Uploader interface {
	Upload(
		ctx context.Context, driveID driveid.ID, parentID, name string,
		content io.ReaderAt, size int64, mtime time.Time, progress remoteapi.ProgressFunc,
	) (*remoteapi.Item, error)
}

// SessionUploader provides session-based upload methods for resumable
// transfers. Satisfied by *remoteapi.Client. Type-asserted at runtime
// alongside a SessionStore to use session-based uploads for large files.
type SessionUploader interface {
	CreateUploadSession(
		ctx context.Context, driveID driveid.ID, parentID, name string,
		size int64, mtime time.Time,
	) (*remoteapi.UploadSession, error)
	UploadFromSession(
		ctx context.Context, session *remoteapi.UploadSession,
		content io.ReaderAt, totalSize int64, progress remoteapi.ProgressFunc,
	) (*remoteapi.Item, error)
	ResumeUpload(
		ctx context.Context, session *remoteapi.UploadSession,
		content io.ReaderAt, totalSize int64, progress remoteapi.ProgressFunc,
	) (*remoteapi.Item, error)
}

// Filter determines whether a file or directory should be included in sync.
// It encapsulates the three-layer filter cascade.
type Filter interface {
	ShouldSync(path string, isDir bool, size int64) FilterResult
}

// DriveVerifier confirms a drive is reachable and the caller still has
// access before starting a watch-mode loop. Satisfied by *remoteapi.Client.
// A failed verification surfaces auth/permission problems immediately
// rather than after the first delta poll fails deep inside observeRemote.
type DriveVerifier interface {
	Drive(ctx context.Context, driveID driveid.ID) (*remoteapi.Drive, error)
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively.
// Conversion happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// secondsPerNano is the divisor to truncate nanoseconds to seconds precision.
const secondsPerNano = int64(time.Second)

// TruncateToSeconds truncates a nanosecond timestamp to whole-second precision.
// CloudDrive does not store fractional seconds, so comparison must use truncated values
// to avoid false positives from filesystem timestamp precision differences.
func TruncateToSeconds(ns int64) int64 {
	return (ns / secondsPerNano) * secondsPerNano
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}

// NewFilterConfig extracts the filter configuration needed by the filter engine
// from a resolved drive configuration.
func NewFilterConfig(resolved *config.ResolvedDrive) config.FilterConfig {
	return resolved.FilterConfig
}

// NewSafetyConfig extracts the safety configuration needed by the safety checker
// from a resolved drive configuration. Returns a pointer because SafetyConfig
// is 88 bytes — exceeds gocritic's hugeParam threshold.
func NewSafetyConfig(resolved *config.ResolvedDrive) *config.SafetyConfig {
	cfg := resolved.SafetyConfig
	return &cfg
}
