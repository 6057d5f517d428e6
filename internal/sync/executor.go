package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/nimbusfs/sync/internal/driveid"
	"github.com/nimbusfs/sync/internal/driveops"
	"github.com/nimbusfs/sync/internal/remoteapi"
)

// SessionStore and SessionRecord are aliased from internal/driveops so the
// executor reuses the existing file-backed upload session persistence
// instead of duplicating it.
type (
	SessionStore  = driveops.SessionStore
	SessionRecord = driveops.SessionRecord
)

// maxActionRetries bounds the number of attempts withRetry makes before
// giving up on a transient transport error.
const maxActionRetries = 3

// retryBaseDelay is the base backoff between retry attempts. Delay doubles
// with each attempt (simple exponential backoff, no jitter — action retries
// are already serialized per-worker so thundering herd isn't a concern).
const retryBaseDelay = 500 * time.Millisecond

// ExecutorConfig holds the dependencies shared by every Executor created
// for a sync cycle. It is built once per Engine and handed to each
// Execution (one per worker, since Executor itself is not safe for
// concurrent use across goroutines due to its internal baseline reference).
type ExecutorConfig struct {
	items         ItemClient
	downloads     Downloader
	uploads       Uploader
	sessionStore  *SessionStore
	syncRoot      string
	driveID       driveid.ID
	logger        *slog.Logger
	hashFunc      func(string) (string, error)
	nowFunc       func() time.Time
	useLocalTrash bool
	trashFunc     func(string) error
}

// NewExecutorConfig builds an ExecutorConfig from the engine's configured
// transport dependencies. The session store is rooted alongside the sync
// database directory so resumable upload state survives process restarts.
// useLocalTrash routes local deletes through the OS trash (currently macOS
// only; defaultTrashFunc errors out on other platforms so deletes silently
// fall back to permanent removal there).
func NewExecutorConfig(
	items ItemClient, downloads Downloader, uploads Uploader,
	syncRoot string, driveID driveid.ID, logger *slog.Logger, useLocalTrash bool,
) *ExecutorConfig {
	return &ExecutorConfig{
		items:         items,
		downloads:     downloads,
		uploads:       uploads,
		sessionStore:  driveops.NewSessionStore(syncRoot, logger),
		syncRoot:      syncRoot,
		driveID:       driveID,
		logger:        logger,
		hashFunc:      computeFileHash,
		nowFunc:       time.Now,
		useLocalTrash: useLocalTrash,
		trashFunc:     defaultTrashFunc,
	}
}

// Executor carries out a single Action against the local filesystem and/or
// remote API, producing an Outcome. It holds a reference to the baseline
// snapshot loaded at the start of the current sync cycle, used to resolve
// parent folder item IDs for uploads and moves.
type Executor struct {
	items        ItemClient
	downloads    Downloader
	uploads      Uploader
	sessionStore *SessionStore
	syncRoot     string
	driveID      driveid.ID
	logger       *slog.Logger
	hashFunc     func(string) (string, error)
	nowFunc      func() time.Time

	useLocalTrash bool
	trashFunc     func(string) error

	baseline *Baseline
}

// NewExecution creates an Executor bound to a specific baseline snapshot.
// Cheap to construct — called once per action dispatch in worker.go.
func NewExecution(cfg *ExecutorConfig, bl *Baseline) *Executor {
	return &Executor{
		items:         cfg.items,
		downloads:     cfg.downloads,
		uploads:       cfg.uploads,
		sessionStore:  cfg.sessionStore,
		syncRoot:      cfg.syncRoot,
		driveID:       cfg.driveID,
		logger:        cfg.logger,
		hashFunc:      cfg.hashFunc,
		nowFunc:       cfg.nowFunc,
		useLocalTrash: cfg.useLocalTrash,
		trashFunc:     cfg.trashFunc,
		baseline:      bl,
	}
}

// removeLocal deletes absPath, routing through the local trash when enabled.
// Falls back to a permanent remove if trashing fails (e.g. unsupported OS).
func (e *Executor) removeLocal(absPath string) error {
	if e.useLocalTrash && e.trashFunc != nil {
		trashErr := e.trashFunc(absPath)
		if trashErr == nil {
			return nil
		}

		e.logger.Warn("trash failed, deleting permanently",
			slog.String("path", absPath), slog.String("error", trashErr.Error()))
	}

	return os.Remove(absPath)
}

// failedOutcome builds a failure Outcome for the given action, preserving
// enough identity (path, drive, item ID) for the baseline and ledger to
// record what was attempted.
func (e *Executor) failedOutcome(action *Action, actionType ActionType, err error) Outcome {
	return Outcome{
		Action:  actionType,
		Success: false,
		Error:   err,
		Path:    action.Path,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
	}
}

// resolveDriveID returns the drive ID for an action, preferring the ID
// carried on the action itself (set by the planner from the remote
// observation or baseline) and falling back to the executor's configured
// drive — the drive containing the sync root.
func (e *Executor) resolveDriveID(action *Action) driveid.ID {
	if !action.DriveID.IsZero() {
		return action.DriveID
	}

	return e.driveID
}

// resolveParentID returns the remote item ID of the parent folder for path,
// looked up in the current baseline snapshot. Returns an error if the
// parent has never been synced — the planner's dependency ordering should
// guarantee the parent's folder-create action runs first, so this indicates
// a planning bug rather than a legitimate runtime condition.
func (e *Executor) resolveParentID(itemPath string) (string, error) {
	parentPath := path.Dir(itemPath)
	if parentPath == "." || parentPath == "/" {
		return "", nil // root-level item, no parent folder ID needed
	}

	entry, ok := e.baseline.GetByPath(parentPath)
	if !ok {
		return "", fmt.Errorf("sync: parent folder %q not found in baseline for %q", parentPath, itemPath)
	}

	return entry.ItemID, nil
}

// withRetry runs fn up to maxActionRetries times with exponential backoff,
// retrying only on transient transport errors. Context cancellation aborts
// immediately without further attempts.
func (e *Executor) withRetry(ctx context.Context, desc string, fn func() error) error {
	var lastErr error

	delay := retryBaseDelay

	for attempt := 1; attempt <= maxActionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryableTransferError(lastErr) {
			return lastErr
		}

		if attempt < maxActionRetries {
			e.logger.Warn("retrying after transient error",
				slog.String("action", desc),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay *= 2
		}
	}

	return fmt.Errorf("sync: %s failed after %d attempts: %w", desc, maxActionRetries, lastErr)
}

// isRetryableTransferError reports whether err looks like a transient
// network or server condition worth retrying, as opposed to a permanent
// client error (bad request, not found, permission denied) that would
// fail identically on every attempt.
func isRetryableTransferError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range []string{"timeout", "connection reset", "temporary", "eof", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// executeFolderCreate creates a folder on the side indicated by
// action.CreateSide. The opposite side's folder is assumed to already
// exist (the planner only emits a create for the side that's missing).
func (e *Executor) executeFolderCreate(ctx context.Context, action *Action) Outcome {
	switch action.CreateSide {
	case CreateLocal:
		return e.createLocalFolder(action)
	case CreateRemote:
		return e.createRemoteFolder(ctx, action)
	default:
		return e.failedOutcome(action, ActionFolderCreate, fmt.Errorf("sync: folder create action for %q has no side set", action.Path))
	}
}

func (e *Executor) createLocalFolder(action *Action) Outcome {
	absPath := filepath.Join(e.syncRoot, action.Path)

	if err := os.MkdirAll(absPath, 0o755); err != nil { //nolint:mnd // standard dir perms
		return e.failedOutcome(action, ActionFolderCreate, fmt.Errorf("creating local folder %s: %w", action.Path, err))
	}

	e.logger.Debug("created local folder", slog.String("path", action.Path))

	return Outcome{
		Action:   ActionFolderCreate,
		Success:  true,
		Path:     action.Path,
		DriveID:  e.resolveDriveID(action),
		ItemID:   action.ItemID,
		ItemType: ItemTypeFolder,
		Mtime:    e.nowFunc().UnixNano(),
	}
}

func (e *Executor) createRemoteFolder(ctx context.Context, action *Action) Outcome {
	driveID := e.resolveDriveID(action)

	parentID, err := e.resolveParentID(action.Path)
	if err != nil {
		return e.failedOutcome(action, ActionFolderCreate, err)
	}

	name := path.Base(action.Path)

	var item *remoteapi.Item

	retryErr := e.withRetry(ctx, "create remote folder "+action.Path, func() error {
		created, createErr := e.items.CreateFolder(ctx, driveID, parentID, name)
		if createErr != nil {
			return createErr
		}

		item = created

		return nil
	})
	if retryErr != nil {
		return e.failedOutcome(action, ActionFolderCreate, fmt.Errorf("creating remote folder %s: %w", action.Path, retryErr))
	}

	e.logger.Debug("created remote folder", slog.String("path", action.Path), slog.String("item_id", item.ID))

	return Outcome{
		Action:   ActionFolderCreate,
		Success:  true,
		Path:     action.Path,
		DriveID:  driveID,
		ItemID:   item.ID,
		ParentID: parentID,
		ItemType: ItemTypeFolder,
		ETag:     item.ETag,
	}
}

// executeMove renames/moves an item on the side indicated by action.Type.
// Local moves use os.Rename; remote moves call the Graph API MoveItem,
// which handles rename-in-place and reparent-across-folders uniformly.
func (e *Executor) executeMove(ctx context.Context, action *Action) Outcome {
	if action.Type == ActionLocalMove {
		return e.executeLocalMove(action)
	}

	return e.executeRemoteMove(ctx, action)
}

func (e *Executor) executeLocalMove(action *Action) Outcome {
	oldAbs := filepath.Join(e.syncRoot, action.OldPath)
	newAbs := filepath.Join(e.syncRoot, action.NewPath)

	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil { //nolint:mnd // standard dir perms
		return e.failedOutcome(action, ActionLocalMove, fmt.Errorf("creating parent dir for move target %s: %w", action.NewPath, err))
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return e.failedOutcome(action, ActionLocalMove, fmt.Errorf("moving local %s to %s: %w", action.OldPath, action.NewPath, err))
	}

	e.logger.Debug("moved local item",
		slog.String("from", action.OldPath),
		slog.String("to", action.NewPath),
	)

	return Outcome{
		Action:  ActionLocalMove,
		Success: true,
		Path:    action.NewPath,
		OldPath: action.OldPath,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
		Mtime:   e.nowFunc().UnixNano(),
	}
}

func (e *Executor) executeRemoteMove(ctx context.Context, action *Action) Outcome {
	driveID := e.resolveDriveID(action)

	newParentID, err := e.resolveParentID(action.NewPath)
	if err != nil {
		return e.failedOutcome(action, ActionRemoteMove, err)
	}

	newName := path.Base(action.NewPath)

	var item *remoteapi.Item

	retryErr := e.withRetry(ctx, "move remote "+action.OldPath, func() error {
		moved, moveErr := e.items.MoveItem(ctx, driveID, action.ItemID, newParentID, newName)
		if moveErr != nil {
			return moveErr
		}

		item = moved

		return nil
	})
	if retryErr != nil {
		return e.failedOutcome(action, ActionRemoteMove, fmt.Errorf("moving remote %s to %s: %w", action.OldPath, action.NewPath, retryErr))
	}

	e.logger.Debug("moved remote item",
		slog.String("from", action.OldPath),
		slog.String("to", action.NewPath),
	)

	return Outcome{
		Action:   ActionRemoteMove,
		Success:  true,
		Path:     action.NewPath,
		OldPath:  action.OldPath,
		DriveID:  driveID,
		ItemID:   item.ID,
		ParentID: newParentID,
		ETag:     item.ETag,
	}
}

// executeSyncedUpdate handles a "false conflict": both sides match (by hash
// or by mtime for folders), so the baseline is simply brought up to date
// with no transfer needed. Takes no context because it performs no I/O.
func (e *Executor) executeSyncedUpdate(action *Action) Outcome {
	v := action.View
	if v == nil || v.Remote == nil {
		return e.failedOutcome(action, ActionUpdateSynced, fmt.Errorf("sync: update_synced action for %q has no remote view", action.Path))
	}

	o := Outcome{
		Action:      ActionUpdateSynced,
		Success:     true,
		Path:        action.Path,
		DriveID:     v.Remote.DriveID,
		ItemID:      v.Remote.ItemID,
		ParentID:    v.Remote.ParentID,
		ItemType:    v.Remote.ItemType,
		RemoteHash:  v.Remote.Hash,
		Size:        v.Remote.Size,
		RemoteMtime: v.Remote.Mtime,
		ETag:        v.Remote.ETag,
	}

	if v.Local != nil {
		o.LocalHash = v.Local.Hash
		o.Mtime = v.Local.Mtime
	}

	return o
}

// executeCleanup removes a stale baseline record for a path that no longer
// exists on either side. No I/O — the baseline cache update happens via
// the normal ActionCleanup dispatch in updateBaselineCache.
func (e *Executor) executeCleanup(action *Action) Outcome {
	return Outcome{
		Action:  ActionCleanup,
		Success: true,
		Path:    action.Path,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
	}
}
