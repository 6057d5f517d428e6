package sync

import (
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SafetyConfig controls big-delete protection thresholds.
type SafetyConfig struct {
	BigDeleteMinItems   int     // baseline must have at least this many items before big-delete check applies
	BigDeleteMaxCount   int     // max number of delete actions before triggering
	BigDeleteMaxPercent float64 // max percentage of baseline items being deleted
}

// Named constants for safety defaults (avoids mnd lint).
const (
	defaultBigDeleteMinItems   = 10
	defaultBigDeleteMaxCount   = 1000
	defaultBigDeleteMaxPercent = 50.0
	percentMultiplier          = 100.0
)

// DefaultSafetyConfig returns a SafetyConfig with sensible defaults:
// min 10 items, max 1000 deletes, max 50% of baseline.
func DefaultSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		BigDeleteMinItems:   defaultBigDeleteMinItems,
		BigDeleteMaxCount:   defaultBigDeleteMaxCount,
		BigDeleteMaxPercent: defaultBigDeleteMaxPercent,
	}
}

// ErrBigDeleteTriggered indicates that the planned number of deletions
// exceeds safety thresholds. The sync cycle should halt and require
// user confirmation before proceeding.
var ErrBigDeleteTriggered = errors.New("sync: big-delete protection triggered")

// Planner is a pure decision engine that transforms change events and
// baseline state into an ordered ActionPlan. It performs no I/O.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner with the given logger.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan takes buffered changes, the current baseline, sync mode, and safety
// config, and produces an ActionPlan. Returns ErrBigDeleteTriggered if
// the planned deletions exceed safety thresholds.
func (p *Planner) Plan(
	changes []PathChanges, baseline *Baseline, mode SyncMode, config *SafetyConfig,
) (*ActionPlan, error) {
	p.logger.Info("planning sync actions",
		slog.Int("changes", len(changes)),
		slog.Int("baseline_entries", baseline.Len()),
		slog.String("mode", mode.String()),
	)

	views := buildPathViews(changes, baseline)

	var allActions []Action

	// Step 1: detect and extract moves before per-path classification.
	allActions = append(allActions, detectMoves(views, changes)...)

	// Step 2: classify each remaining path.
	for _, view := range views {
		allActions = append(allActions, classifyPathView(view, mode)...)
	}

	// Step 3: resolve parent-delete collisions (a new item landing in, or a
	// move relocating into, a folder the opposing side concurrently deleted).
	allActions = resolveParentDeleteConflicts(allActions)

	// Step 4: build dependency edges.
	deps := buildDependencies(allActions)

	plan := &ActionPlan{
		Actions: allActions,
		Deps:    deps,
		CycleID: uuid.New().String(),
	}
	plan.groupActions()

	// Step 5: safety check for big deletes.
	counts := countByType(plan.Actions)
	deleteCount := counts[ActionLocalDelete] + counts[ActionRemoteDelete]

	if bigDeleteTriggered(deleteCount, baseline, config) {
		p.logger.Warn("big-delete protection triggered",
			slog.Int("delete_count", deleteCount),
			slog.Int("baseline_count", baseline.Len()),
			slog.Int("max_count", config.BigDeleteMaxCount),
			slog.Float64("max_percent", config.BigDeleteMaxPercent),
		)

		return nil, ErrBigDeleteTriggered
	}

	p.logger.Info("plan complete",
		slog.Int("total_actions", len(plan.Actions)),
		slog.Int("folder_creates", counts[ActionFolderCreate]),
		slog.Int("moves", counts[ActionLocalMove]+counts[ActionRemoteMove]),
		slog.Int("downloads", counts[ActionDownload]),
		slog.Int("uploads", counts[ActionUpload]),
		slog.Int("local_deletes", counts[ActionLocalDelete]),
		slog.Int("remote_deletes", counts[ActionRemoteDelete]),
		slog.Int("conflicts", counts[ActionConflict]),
		slog.Int("synced_updates", counts[ActionUpdateSynced]),
		slog.Int("cleanups", counts[ActionCleanup]),
	)

	return plan, nil
}

// buildPathViews constructs a three-way PathView for each path appearing
// in change events. Paths with no local events but with a baseline entry
// derive their LocalState from the baseline (item is unchanged locally).
func buildPathViews(changes []PathChanges, baseline *Baseline) map[string]*PathView {
	views := make(map[string]*PathView, len(changes))

	for i := range changes {
		pc := &changes[i]
		view := &PathView{Path: pc.Path}

		// Remote state from the latest remote event.
		if len(pc.RemoteEvents) > 0 {
			last := &pc.RemoteEvents[len(pc.RemoteEvents)-1]
			view.Remote = remoteStateFromEvent(last)
		}

		// Local state from the latest local event. ChangeDelete means absent.
		if len(pc.LocalEvents) > 0 {
			last := &pc.LocalEvents[len(pc.LocalEvents)-1]
			view.Local = localStateFromEvent(last)
		}

		// Baseline lookup.
		view.Baseline, _ = baseline.GetByPath(pc.Path)

		// If there are no local events but a baseline exists, derive local
		// state from baseline — the item is unchanged on disk.
		if len(pc.LocalEvents) == 0 && view.Baseline != nil {
			view.Local = localStateFromBaseline(view.Baseline)
		}

		views[pc.Path] = view
	}

	return views
}

// moveCandidate is an intermediate representation of a detected move before
// it is finalized into an Action. Keeping candidates as data (rather than
// Actions) lets resolveMoves cross-reference remote-initiated and
// local-initiated moves against each other before any views are mutated,
// which is what makes MoveMoveSource/Dest/Cycle detection possible.
type moveCandidate struct {
	oldPath  string
	newPath  string
	destView *PathView // the view at newPath (has the authoritative Remote/Local state)
	srcView  *PathView // the view at oldPath, if still present
	remote   bool      // true: detected from a remote ChangeMove event. false: local rename inferred by hash.
	itemID   string     // best-effort identity, used only for MoveMoveCycle's tie-break
}

// detectMoves finds remote and local moves, cross-checks them against each
// other and against concurrent deletes/creates on the opposing side per the
// move conflict matrix, and produces the resulting Actions. Matched paths
// are removed from the views map so they do not also enter per-path
// classification.
func detectMoves(views map[string]*PathView, changes []PathChanges) []Action {
	remoteMoves := collectRemoteMoveCandidates(views, changes)
	localMoves := collectLocalMoveCandidates(views)

	return resolveMoves(remoteMoves, localMoves, views)
}

// collectRemoteMoveCandidates scans for ChangeMove events in remote
// observations, without yet mutating views or producing Actions.
func collectRemoteMoveCandidates(views map[string]*PathView, changes []PathChanges) []moveCandidate {
	var candidates []moveCandidate

	for i := range changes {
		pc := &changes[i]
		for j := range pc.RemoteEvents {
			ev := &pc.RemoteEvents[j]
			if ev.Type != ChangeMove {
				continue
			}

			view := views[pc.Path]
			if view == nil {
				continue
			}

			itemID := ""
			if view.Remote != nil {
				itemID = view.Remote.ItemID
			}

			candidates = append(candidates, moveCandidate{
				oldPath:  ev.OldPath,
				newPath:  ev.Path,
				destView: view,
				srcView:  views[ev.OldPath],
				remote:   true,
				itemID:   itemID,
			})
		}
	}

	return candidates
}

// collectLocalMoveCandidates correlates local deletes with local creates by
// hash to detect renames, without yet mutating views or producing Actions.
// Only unique matches (exactly one delete and one create with the same
// hash) are candidates; ambiguous cases fall through to separate
// delete+create classification.
func collectLocalMoveCandidates(views map[string]*PathView) []moveCandidate {
	deletesByHash := make(map[string][]string) // hash -> [paths]
	createsByHash := make(map[string][]string)  // hash -> [paths]

	for p, view := range views {
		if view.Local == nil && view.Baseline != nil && view.Baseline.LocalHash != "" {
			deletesByHash[view.Baseline.LocalHash] = append(deletesByHash[view.Baseline.LocalHash], p)
		}

		if view.Local != nil && view.Baseline == nil && view.Local.Hash != "" {
			createsByHash[view.Local.Hash] = append(createsByHash[view.Local.Hash], p)
		}
	}

	var candidates []moveCandidate

	for hash, delPaths := range deletesByHash {
		crePaths, ok := createsByHash[hash]
		if !ok {
			continue
		}

		if len(delPaths) != 1 || len(crePaths) != 1 {
			continue
		}

		deletePath := delPaths[0]
		createPath := crePaths[0]
		srcView := views[deletePath]

		itemID := ""
		if srcView.Baseline != nil {
			itemID = srcView.Baseline.ItemID
		}

		candidates = append(candidates, moveCandidate{
			oldPath:  deletePath,
			newPath:  createPath,
			destView: views[createPath],
			srcView:  srcView,
			remote:   false,
			itemID:   itemID,
		})
	}

	return candidates
}

// resolveMoves cross-checks remote- and local-initiated move candidates
// against each other (MoveMoveSource/Dest/Cycle) and against the opposing
// side's independent delete of the same item (MoveDelete) or a colliding
// create at the destination (MoveCreate), then finalizes every candidate
// into an Action and mutates views so matched paths are excluded from
// per-path classification.
func resolveMoves(remoteMoves, localMoves []moveCandidate, views map[string]*PathView) []Action {
	var actions []Action

	consumed := make(map[int]bool) // index into localMoves already paired with a remote move

	for ri := range remoteMoves {
		rc := &remoteMoves[ri]

		if li, ok := findCycle(rc, localMoves, consumed); ok {
			consumed[li] = true
			actions = append(actions, resolveMoveMoveCycle(rc, &localMoves[li])...)
			finalizeMoveViews(rc, views)
			finalizeMoveViews(&localMoves[li], views)

			continue
		}

		if li, ok := findSourceCollision(rc, localMoves, consumed); ok {
			consumed[li] = true
			actions = append(actions, resolveMoveMoveSource(rc, &localMoves[li])...)
			finalizeMoveViews(rc, views)
			finalizeMoveViews(&localMoves[li], views)

			continue
		}

		if li, ok := findDestCollision(rc, localMoves, consumed); ok {
			consumed[li] = true
			actions = append(actions, resolveMoveMoveDest(rc, &localMoves[li])...)
			finalizeMoveViews(rc, views)
			finalizeMoveViews(&localMoves[li], views)

			continue
		}

		actions = append(actions, finalizeSingleMove(rc)...)
		finalizeMoveViews(rc, views)
	}

	for li := range localMoves {
		if consumed[li] {
			continue
		}

		lc := &localMoves[li]
		actions = append(actions, finalizeSingleMove(lc)...)
		finalizeMoveViews(lc, views)
	}

	return actions
}

func findCycle(rc *moveCandidate, localMoves []moveCandidate, consumed map[int]bool) (int, bool) {
	for li := range localMoves {
		if consumed[li] {
			continue
		}

		lc := &localMoves[li]
		if rc.oldPath == lc.newPath && rc.newPath == lc.oldPath {
			return li, true
		}
	}

	return 0, false
}

func findSourceCollision(rc *moveCandidate, localMoves []moveCandidate, consumed map[int]bool) (int, bool) {
	for li := range localMoves {
		if consumed[li] {
			continue
		}

		lc := &localMoves[li]
		if rc.oldPath == lc.oldPath && rc.newPath != lc.newPath {
			return li, true
		}
	}

	return 0, false
}

func findDestCollision(rc *moveCandidate, localMoves []moveCandidate, consumed map[int]bool) (int, bool) {
	for li := range localMoves {
		if consumed[li] {
			continue
		}

		lc := &localMoves[li]
		if rc.newPath == lc.newPath && rc.oldPath != lc.oldPath {
			return li, true
		}
	}

	return 0, false
}

// resolveMoveMoveCycle breaks a swap (remote moves A->B, local moves B->A)
// deterministically by the tuple (sideWinner, idWinner): the side whose
// item id is lexicographically smaller wins and its move proceeds; the
// losing side's move is discarded, recorded only as a conflict for audit.
func resolveMoveMoveCycle(rc, lc *moveCandidate) []Action {
	winner := rc
	winningType := ActionLocalMove

	if lc.itemID < rc.itemID {
		winner = lc
		winningType = ActionRemoteMove
	}

	action := makeAction(winningType, winner.destView)
	action.Path = winner.oldPath
	action.NewPath = winner.newPath
	action.ConflictInfo = moveConflictRecord(winner, ConflictMoveMoveCycle)

	return []Action{action}
}

// resolveMoveMoveSource handles both sides moving the same source item to
// different destinations: the remote move wins (matching the edit-edit
// fallback elsewhere in the planner); the local move is discarded and the
// conflict is recorded for audit.
func resolveMoveMoveSource(rc, lc *moveCandidate) []Action {
	action := makeAction(ActionLocalMove, rc.destView)
	action.Path = rc.oldPath
	action.NewPath = rc.newPath
	action.ConflictInfo = moveConflictRecord(rc, ConflictMoveMoveSource)

	_ = lc

	return []Action{action}
}

// resolveMoveMoveDest handles both sides moving different items to the same
// destination path: kept-both resolution. The remote move proceeds onto the
// contested path; the local item is renamed aside (conflict copy) so no data
// is lost.
func resolveMoveMoveDest(rc, lc *moveCandidate) []Action {
	primary := makeAction(ActionLocalMove, rc.destView)
	primary.Path = rc.oldPath
	primary.NewPath = rc.newPath
	primary.ConflictInfo = moveConflictRecord(rc, ConflictMoveMoveDest)

	conflictPath := conflictCopyPath(lc.newPath)
	secondary := makeAction(ActionRemoteMove, lc.destView)
	secondary.Path = lc.oldPath
	secondary.NewPath = conflictPath
	secondary.ConflictInfo = moveConflictRecord(lc, ConflictMoveMoveDest)

	return []Action{primary, secondary}
}

// finalizeSingleMove turns a non-colliding move candidate into its Action,
// first checking the MoveDelete and MoveCreate conditions against the
// opposing side's concurrent state at the same paths.
func finalizeSingleMove(mc *moveCandidate) []Action {
	if action, ok := moveDeleteAction(mc); ok {
		return []Action{action}
	}

	if action, ok := moveCreateAction(mc); ok {
		return []Action{action}
	}

	actionType := ActionLocalMove
	if !mc.remote {
		actionType = ActionRemoteMove
	}

	action := makeAction(actionType, mc.destView)
	action.Path = mc.oldPath
	action.NewPath = mc.newPath

	return []Action{action}
}

// moveDeleteAction detects MoveDelete: the opposing side independently
// deleted the item this candidate relocates. Per spec.md §9, the move wins
// — rather than renaming a file that is gone on one side, the surviving
// side's content is (re)materialized at the new path.
func moveDeleteAction(mc *moveCandidate) (Action, bool) {
	if mc.srcView == nil || mc.srcView.Baseline == nil {
		return Action{}, false
	}

	deletedOnOpposingSide := false

	if mc.remote {
		// Remote moved the item; check whether local independently deleted
		// the same path (baseline existed, local state is now absent).
		deletedOnOpposingSide = mc.srcView.Local == nil
	} else {
		// Local moved (renamed) the item; check whether remote
		// independently deleted the same path.
		deletedOnOpposingSide = mc.srcView.Remote != nil && mc.srcView.Remote.IsDeleted
	}

	if !deletedOnOpposingSide {
		return Action{}, false
	}

	var action Action
	if mc.remote {
		action = makeAction(ActionDownload, mc.destView)
	} else {
		action = makeAction(ActionUpload, mc.destView)
	}

	action.Path = mc.newPath
	action.ConflictInfo = moveConflictRecord(mc, ConflictMoveDelete)

	return action, true
}

// moveCreateAction detects MoveCreate: a new item was independently created
// at the move's destination path on the opposing side. Resolution keeps
// both: the move proceeds, and the colliding create is recorded as a
// conflict for the caller to surface (the destination view's own
// classification pass handles the colliding side once the move's path is
// removed from views, except its Baseline is cleared by finalizeMoveViews
// so it is seen as a fresh create rather than matched against the move's
// stale baseline).
func moveCreateAction(mc *moveCandidate) (Action, bool) {
	if mc.destView == nil {
		return Action{}, false
	}

	collision := false

	if mc.remote {
		collision = mc.destView.Local != nil && mc.destView.Baseline == nil
	} else {
		collision = mc.destView.Remote != nil && !mc.destView.Remote.IsDeleted && mc.destView.Baseline == nil
	}

	if !collision {
		return Action{}, false
	}

	actionType := ActionLocalMove
	if !mc.remote {
		actionType = ActionRemoteMove
	}

	action := makeAction(actionType, mc.destView)
	action.Path = mc.oldPath
	action.NewPath = mc.newPath
	action.ConflictInfo = moveConflictRecord(mc, ConflictMoveCreate)

	return action, true
}

// moveConflictRecord builds a ConflictRecord describing an auto-resolved
// move conflict for audit purposes.
func moveConflictRecord(mc *moveCandidate, conflictType ConflictType) *ConflictRecord {
	record := &ConflictRecord{
		Path:         mc.newPath,
		ConflictType: conflictType,
		Resolution:   ResolutionKeepLocal,
		ResolvedBy:   string(ResolvedByAuto),
	}

	if mc.destView != nil {
		if mc.destView.Local != nil {
			record.LocalHash = mc.destView.Local.Hash
			record.LocalMtime = mc.destView.Local.Mtime
		}

		if mc.destView.Remote != nil {
			record.RemoteHash = mc.destView.Remote.Hash
			record.RemoteMtime = mc.destView.Remote.Mtime
			record.ItemID = mc.destView.Remote.ItemID
			record.DriveID = mc.destView.Remote.DriveID
		}
	}

	return record
}

// conflictCopyPath derives a sibling path for a kept-both conflict copy,
// e.g. "docs/report.docx" -> "docs/report (conflicted copy).docx".
func conflictCopyPath(p string) string {
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)

	return base + " (conflicted copy)" + ext
}

// finalizeMoveViews removes (or clears) the views entries matched by a
// finalized move candidate, mirroring the original detectRemoteMoves'
// view-mutation contract: the destination path is always fully removed
// (handled by the move action); the source path is removed outright unless
// a genuinely new item has appeared there since, in which case only its
// stale Baseline/Local are cleared so it classifies as a fresh create.
func finalizeMoveViews(mc *moveCandidate, views map[string]*PathView) {
	delete(views, mc.newPath)

	oldView := views[mc.oldPath]
	if oldView == nil || (oldView.Remote != nil && oldView.Remote.IsDeleted) {
		delete(views, mc.oldPath)
		return
	}

	oldView.Baseline = nil
	oldView.Local = nil
}

// classifyPathView determines actions for a single path view based on
// the item type and sync mode.
func classifyPathView(view *PathView, mode SyncMode) []Action {
	itemType := resolveItemType(view)

	if itemType == ItemTypeFolder {
		return classifyFolder(view, mode)
	}

	return classifyFile(view, mode)
}

// classifyFile dispatches to the appropriate file classification function
// based on whether a baseline entry exists.
func classifyFile(view *PathView, mode SyncMode) []Action {
	if view.Baseline != nil {
		return classifyFileWithBaseline(view, mode)
	}

	return classifyFileNoBaseline(view, mode)
}

// classifyFileWithBaseline handles EF1-EF10: files that have a baseline
// entry (previously synced).
func classifyFileWithBaseline(view *PathView, mode SyncMode) []Action {
	localChanged := detectLocalChange(view)
	remoteChanged := detectRemoteChange(view)

	// Mode filtering: suppress the side we are not syncing.
	if mode == SyncDownloadOnly {
		localChanged = false
	}

	if mode == SyncUploadOnly {
		remoteChanged = false
	}

	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	hasLocal := view.Local != nil
	remoteDeleted := view.Remote != nil && view.Remote.IsDeleted
	localDeleted := view.Baseline != nil && !hasLocal

	return classifyFileWithFlags(view, localChanged, remoteChanged, hasRemote, remoteDeleted, localDeleted)
}

// classifyFileWithFlags implements the EF1-EF10 decision matrix using
// pre-computed boolean flags. Dispatches to sub-functions to keep
// cyclomatic complexity under the threshold.
func classifyFileWithFlags(
	view *PathView, localChanged, remoteChanged, hasRemote, remoteDeleted, localDeleted bool,
) []Action {
	// EF1: both sides unchanged — no-op.
	if !localChanged && !remoteChanged {
		return nil
	}

	// When local is deleted, use the delete-specific decision paths.
	if localDeleted {
		return classifyFileLocalDeleted(view, remoteChanged, hasRemote, remoteDeleted)
	}

	return classifyFileLocalPresent(view, localChanged, remoteChanged, hasRemote, remoteDeleted)
}

// classifyFileLocalDeleted handles EF6, EF7, EF10: the local side has
// been deleted (baseline exists but file is absent locally).
func classifyFileLocalDeleted(view *PathView, remoteChanged, hasRemote, remoteDeleted bool) []Action {
	switch {
	case !remoteChanged && !remoteDeleted:
		return []Action{makeAction(ActionRemoteDelete, view)} // EF6
	case remoteChanged && hasRemote:
		return []Action{makeAction(ActionDownload, view)} // EF7: remote wins
	case remoteDeleted:
		return []Action{makeAction(ActionCleanup, view)} // EF10
	}

	return nil
}

// classifyFileLocalPresent handles EF2, EF3, EF4, EF5, EF8, EF9: the
// local file is still present (not deleted).
func classifyFileLocalPresent(
	view *PathView, localChanged, remoteChanged, hasRemote, remoteDeleted bool,
) []Action {
	switch {
	case !localChanged && remoteChanged && hasRemote:
		return []Action{makeAction(ActionDownload, view)} // EF2
	case localChanged && !remoteChanged:
		return []Action{makeAction(ActionUpload, view)} // EF3
	case localChanged && remoteChanged && hasRemote:
		if view.Local != nil && view.Local.Hash == view.Remote.Hash {
			return []Action{makeAction(ActionUpdateSynced, view)} // EF4: convergent edit
		}
		return []Action{makeConflictAction(view, ConflictEditEdit)} // EF5
	case !localChanged && remoteDeleted:
		return []Action{makeAction(ActionLocalDelete, view)} // EF8
	case localChanged && remoteDeleted:
		return []Action{makeConflictAction(view, ConflictEditDelete)} // EF9
	}

	return nil
}

// classifyFileNoBaseline handles EF11-EF14: files that have no baseline
// entry (never synced before).
func classifyFileNoBaseline(view *PathView, mode SyncMode) []Action {
	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	hasLocal := view.Local != nil

	// Mode filtering for no-baseline files.
	if mode == SyncDownloadOnly {
		hasLocal = false
	}

	if mode == SyncUploadOnly {
		hasRemote = false
	}

	switch {
	case hasLocal && hasRemote:
		if view.Local.Hash == view.Remote.Hash {
			return []Action{makeAction(ActionUpdateSynced, view)} // EF11: convergent create
		}
		return []Action{makeConflictAction(view, ConflictCreateCreate)} // EF12

	case hasLocal && !hasRemote:
		return []Action{makeAction(ActionUpload, view)} // EF13

	case !hasLocal && hasRemote:
		return []Action{makeAction(ActionDownload, view)} // EF14
	}

	return nil
}

// classifyFolder handles ED1-ED8: folder decision matrix. Dispatches
// to sub-functions based on baseline presence to keep complexity down.
func classifyFolder(view *PathView, mode SyncMode) []Action {
	hasBaseline := view.Baseline != nil

	if hasBaseline {
		return classifyFolderWithBaseline(view, mode)
	}

	return classifyFolderNoBaseline(view, mode)
}

// classifyFolderWithBaseline handles ED1, ED4, ED6, ED7, ED8: folders
// that have a baseline entry (previously synced).
func classifyFolderWithBaseline(view *PathView, mode SyncMode) []Action {
	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	hasLocal := view.Local != nil
	remoteDeleted := view.Remote != nil && view.Remote.IsDeleted
	localDeleted := !hasLocal // baseline exists (we're in WithBaseline)

	// Upfront mode filtering — parallel to classifyFileWithBaseline.
	// Defense in depth: the engine already skips observers for suppressed
	// sides, but the planner should be self-contained.
	if mode == SyncDownloadOnly {
		localDeleted = false
	}

	if mode == SyncUploadOnly {
		hasRemote = false
		remoteDeleted = false
	}

	return classifyFolderWithFlags(view, localDeleted, hasRemote, remoteDeleted)
}

// classifyFolderWithFlags implements the ED1, ED4, ED6, ED7, ED8 decision
// matrix using pre-computed boolean flags.
func classifyFolderWithFlags(view *PathView, localDeleted, hasRemote, remoteDeleted bool) []Action {
	switch {
	case !localDeleted && hasRemote:
		return nil // ED1: in sync

	case localDeleted && hasRemote:
		return []Action{makeFolderCreate(view, CreateLocal)} // ED4: remote wins

	case !localDeleted && remoteDeleted:
		return []Action{makeAction(ActionLocalDelete, view)} // ED6

	case localDeleted && remoteDeleted:
		return []Action{makeAction(ActionCleanup, view)} // ED7: both deleted

	case localDeleted && !hasRemote && !remoteDeleted:
		return []Action{makeAction(ActionRemoteDelete, view)} // ED8: propagate delete
	}

	return nil
}

// classifyFolderNoBaseline handles ED2, ED3, ED5: folders that have
// no baseline entry (never synced before).
func classifyFolderNoBaseline(view *PathView, mode SyncMode) []Action {
	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	hasLocal := view.Local != nil
	remoteDeleted := view.Remote != nil && view.Remote.IsDeleted

	// Upfront mode filtering — parallel to classifyFileNoBaseline.
	if mode == SyncDownloadOnly {
		hasLocal = false
	}

	if mode == SyncUploadOnly {
		hasRemote = false
	}

	switch {
	case hasLocal && hasRemote:
		return []Action{makeAction(ActionUpdateSynced, view)} // ED2: adopt

	case !hasLocal && hasRemote:
		return []Action{makeFolderCreate(view, CreateLocal)} // ED3

	case hasLocal && !hasRemote && !remoteDeleted:
		return []Action{makeFolderCreate(view, CreateRemote)} // ED5
	}

	return nil
}

// resolveParentDeleteConflicts scans a finalized action list for a "create
// class" action (upload, download, folder create, or the destination side
// of a move) whose parent folder is targeted by a delete/cleanup action
// elsewhere in the same plan. This is the CreateParentDelete / MoveParentDelete
// scenario: one side wants to materialize an item inside a folder the other
// side just removed. Resolution favors not losing data: the parent delete is
// canceled (dropped from the plan) and a FolderCreate is injected on
// whichever side was missing the folder, so the create/move can still land.
// Every cancellation is recorded as a conflict for audit.
func resolveParentDeleteConflicts(actions []Action) []Action {
	deleteParents := make(map[string]int) // parent path -> index of the folder delete targeting it

	for i := range actions {
		if actions[i].Type != ActionLocalDelete && actions[i].Type != ActionRemoteDelete {
			continue
		}

		if resolveItemType(actions[i].View) == ItemTypeFolder {
			deleteParents[actions[i].Path] = i
		}
	}

	if len(deleteParents) == 0 {
		return actions
	}

	canceled := make(map[int]bool)
	recreated := make(map[string]bool)

	var extra []Action

	for i := range actions {
		a := &actions[i]

		childParent, conflictType, ok := parentDeleteTarget(a)
		if !ok {
			continue
		}

		delIdx, ok := deleteParents[childParent]
		if !ok || delIdx == i {
			continue
		}

		canceled[delIdx] = true
		a.ConflictInfo = parentDeleteConflictRecord(a, conflictType)

		if !recreated[childParent] {
			recreated[childParent] = true
			extra = append(extra, recreateParentAction(&actions[delIdx], childParent))
		}
	}

	if len(canceled) == 0 {
		return actions
	}

	result := make([]Action, 0, len(actions)+len(extra))

	for i := range actions {
		if !canceled[i] {
			result = append(result, actions[i])
		}
	}

	return append(result, extra...)
}

// parentDeleteTarget returns the parent directory a create/move-destination
// action lands in, and the conflict type to record if that parent collides
// with a concurrent delete.
func parentDeleteTarget(a *Action) (parent string, conflictType ConflictType, ok bool) {
	switch a.Type {
	case ActionUpload, ActionDownload, ActionFolderCreate:
		return filepath.ToSlash(path.Dir(a.Path)), ConflictCreateParentDelete, true
	case ActionLocalMove, ActionRemoteMove:
		return filepath.ToSlash(path.Dir(a.NewPath)), ConflictMoveParentDelete, true
	default:
		return "", "", false
	}
}

// recreateParentAction builds the FolderCreate that restores a deleted
// parent on whichever side no longer has it, so the colliding create/move
// has somewhere to land. deletedAction is the canceled delete; its type
// tells us which side lost the folder.
func recreateParentAction(deletedAction *Action, parentPath string) Action {
	side := CreateRemote
	if deletedAction.Type == ActionRemoteDelete {
		side = CreateLocal
	}

	view := &PathView{Path: parentPath}
	if deletedAction.View != nil {
		view.Baseline = deletedAction.View.Baseline
	}

	return makeFolderCreate(view, side)
}

// parentDeleteConflictRecord builds a ConflictRecord documenting an
// auto-resolved parent-delete collision.
func parentDeleteConflictRecord(a *Action, conflictType ConflictType) *ConflictRecord {
	record := &ConflictRecord{
		Path:         a.Path,
		ConflictType: conflictType,
		Resolution:   ResolutionKeepLocal,
		ResolvedBy:   string(ResolvedByAuto),
		DriveID:      a.DriveID,
		ItemID:       a.ItemID,
	}

	if a.View != nil {
		if a.View.Local != nil {
			record.LocalHash = a.View.Local.Hash
			record.LocalMtime = a.View.Local.Mtime
		}

		if a.View.Remote != nil {
			record.RemoteHash = a.View.Remote.Hash
			record.RemoteMtime = a.View.Remote.Mtime
		}
	}

	return record
}

// ---------------------------------------------------------------------------
// Pure helper functions
// ---------------------------------------------------------------------------

// remoteStateFromEvent constructs a RemoteState from a ChangeEvent.
func remoteStateFromEvent(ev *ChangeEvent) *RemoteState {
	return &RemoteState{
		ItemID:    ev.ItemID,
		DriveID:   ev.DriveID,
		ParentID:  ev.ParentID,
		Name:      ev.Name,
		ItemType:  ev.ItemType,
		Size:      ev.Size,
		Hash:      ev.Hash,
		Mtime:     ev.Mtime,
		ETag:      ev.ETag,
		CTag:      ev.CTag,
		IsDeleted: ev.IsDeleted,
	}
}

// localStateFromEvent constructs a LocalState from a ChangeEvent.
// Returns nil if the event is a deletion (item is absent locally).
func localStateFromEvent(ev *ChangeEvent) *LocalState {
	if ev.Type == ChangeDelete {
		return nil
	}

	return &LocalState{
		Name:     ev.Name,
		ItemType: ev.ItemType,
		Size:     ev.Size,
		Hash:     ev.Hash,
		Mtime:    ev.Mtime,
	}
}

// localStateFromBaseline derives a LocalState from a baseline entry for
// paths with no local events (item is unchanged on disk).
func localStateFromBaseline(entry *BaselineEntry) *LocalState {
	return &LocalState{
		Name:     path.Base(entry.Path),
		ItemType: entry.ItemType,
		Size:     entry.Size,
		Hash:     entry.LocalHash,
		Mtime:    entry.Mtime,
	}
}

// detectLocalChange returns true if the local state differs from the
// baseline. A missing local state (deleted file) counts as changed.
func detectLocalChange(view *PathView) bool {
	if view.Baseline == nil {
		return view.Local != nil
	}

	// A nil local state means the file was deleted, which counts as a change.
	if view.Local == nil {
		return true
	}

	// Folders have no content hash; existence is the only signal.
	if view.Baseline.ItemType == ItemTypeFolder {
		return false
	}

	return view.Local.Hash != view.Baseline.LocalHash
}

// detectRemoteChange returns true if the remote state differs from the
// baseline. A nil Remote means no observation (not "unchanged").
func detectRemoteChange(view *PathView) bool {
	if view.Baseline == nil {
		return view.Remote != nil && !view.Remote.IsDeleted
	}

	if view.Remote == nil {
		return false // no observation = no change
	}

	if view.Remote.IsDeleted {
		return true
	}

	// Folders have no content hash; existence is the only signal.
	if view.Baseline.ItemType == ItemTypeFolder {
		return false
	}

	return view.Remote.Hash != view.Baseline.RemoteHash
}

// resolveItemType determines the item type by checking Remote, Local,
// then Baseline. Defaults to ItemTypeFile if none provide a type.
func resolveItemType(view *PathView) ItemType {
	if view == nil {
		return ItemTypeFile
	}

	if view.Remote != nil {
		return view.Remote.ItemType
	}

	if view.Local != nil {
		return view.Local.ItemType
	}

	if view.Baseline != nil {
		return view.Baseline.ItemType
	}

	return ItemTypeFile
}

// makeAction constructs an Action with type, path, and IDs populated from
// the PathView.
//
// DriveID propagation contract:
//   - Remote.DriveID is authoritative for cross-drive items (shared folders
//     from Drive A appearing in Drive B's delta carry Drive A's DriveID).
//   - Baseline.DriveID is the fallback for items with no remote observation.
//   - Empty DriveID for new local items (EF13, ED5) — the executor fills
//     this from its per-drive Engine context before making API calls.
//   - Empty ItemID for new items — assigned by the API on creation.
func makeAction(actionType ActionType, view *PathView) Action {
	a := Action{
		Type: actionType,
		Path: view.Path,
		View: view,
	}

	// Remote provides ItemID and DriveID.
	if view.Remote != nil {
		a.ItemID = view.Remote.ItemID
	}

	// DriveID: prefer Remote (handles cross-drive items correctly),
	// fall back to Baseline (for items with no remote observation).
	if view.Remote != nil && !view.Remote.DriveID.IsZero() {
		a.DriveID = view.Remote.DriveID
	}

	if a.DriveID.IsZero() && view.Baseline != nil {
		a.DriveID = view.Baseline.DriveID
	}

	// Baseline provides a fallback ItemID when Remote is absent.
	if a.ItemID == "" && view.Baseline != nil {
		a.ItemID = view.Baseline.ItemID
	}

	return a
}

// makeConflictAction constructs an ActionConflict with ConflictInfo populated.
func makeConflictAction(view *PathView, conflictType ConflictType) Action {
	a := makeAction(ActionConflict, view)

	record := &ConflictRecord{
		Path:         view.Path,
		ConflictType: conflictType,
	}

	if view.Local != nil {
		record.LocalHash = view.Local.Hash
		record.LocalMtime = view.Local.Mtime
	}

	if view.Remote != nil {
		record.RemoteHash = view.Remote.Hash
		record.RemoteMtime = view.Remote.Mtime
		record.ItemID = view.Remote.ItemID
	}

	record.DriveID = a.DriveID
	a.ConflictInfo = record

	return a
}

// makeFolderCreate constructs an ActionFolderCreate action with the
// specified creation side (local or remote).
func makeFolderCreate(view *PathView, side FolderCreateSide) Action {
	a := makeAction(ActionFolderCreate, view)
	a.CreateSide = side

	return a
}

// buildDependencies computes dependency edges for a flat action list.
// Returns deps where deps[i] contains the indices that action i depends on.
// Rules: (1) folder create before any action in that subtree,
// (2) child delete/cleanup before parent folder delete,
// (3) move target parent must exist first.
func buildDependencies(actions []Action) [][]int {
	deps := make([][]int, len(actions))

	// Index folder creates by path for quick lookup.
	folderCreateIdx := make(map[string]int)
	// Index all deletes by path for child→parent edges.
	deleteIdx := make(map[string]int)

	for i := range actions {
		if actions[i].Type == ActionFolderCreate {
			folderCreateIdx[actions[i].Path] = i
		}

		if actions[i].Type == ActionLocalDelete || actions[i].Type == ActionRemoteDelete || actions[i].Type == ActionCleanup {
			deleteIdx[actions[i].Path] = i
		}
	}

	for i := range actions {
		deps[i] = addParentFolderDep(deps[i], i, &actions[i], folderCreateIdx)
		deps[i] = addChildDeleteDeps(deps[i], i, &actions[i], deleteIdx)
		deps[i] = addMoveTargetDep(deps[i], &actions[i], folderCreateIdx)
	}

	return deps
}

// addParentFolderDep adds a dependency on a parent folder create if present.
func addParentFolderDep(deps []int, idx int, a *Action, folderCreateIdx map[string]int) []int {
	parentDir := filepath.Dir(a.Path)
	if parentDir == "." || parentDir == "" {
		return deps
	}

	parentDir = filepath.ToSlash(parentDir)

	if fcIdx, ok := folderCreateIdx[parentDir]; ok && fcIdx != idx {
		deps = append(deps, fcIdx)
	}

	return deps
}

// addChildDeleteDeps makes folder deletes depend on child deletes at deeper paths.
func addChildDeleteDeps(deps []int, idx int, a *Action, deleteIdx map[string]int) []int {
	if a.Type != ActionLocalDelete && a.Type != ActionRemoteDelete {
		return deps
	}

	if resolveItemType(a.View) != ItemTypeFolder {
		return deps
	}

	prefix := a.Path + "/"

	for childPath, childIdx := range deleteIdx {
		if childIdx != idx && strings.HasPrefix(childPath, prefix) {
			deps = append(deps, childIdx)
		}
	}

	return deps
}

// addMoveTargetDep adds a dependency on a folder create for the move target parent.
func addMoveTargetDep(deps []int, a *Action, folderCreateIdx map[string]int) []int {
	if a.Type != ActionLocalMove && a.Type != ActionRemoteMove {
		return deps
	}

	targetParent := filepath.Dir(a.NewPath)
	if targetParent == "." || targetParent == "" {
		return deps
	}

	targetParent = filepath.ToSlash(targetParent)

	if fcIdx, ok := folderCreateIdx[targetParent]; ok {
		deps = append(deps, fcIdx)
	}

	return deps
}

// countByType counts actions grouped by ActionType.
func countByType(actions []Action) map[ActionType]int {
	counts := make(map[ActionType]int)
	for i := range actions {
		counts[actions[i].Type]++
	}

	return counts
}

// ActionsOfType filters a flat action list to a single type.
func ActionsOfType(actions []Action, t ActionType) []Action {
	var result []Action

	for i := range actions {
		if actions[i].Type == t {
			result = append(result, actions[i])
		}
	}

	return result
}

// bigDeleteTriggered returns true if the planned deletions exceed the
// safety thresholds defined in the config.
func bigDeleteTriggered(deleteCount int, baseline *Baseline, config *SafetyConfig) bool {
	baselineCount := baseline.Len()

	// Below minimum items threshold — big-delete check does not apply.
	if baselineCount < config.BigDeleteMinItems {
		return false
	}

	if deleteCount > config.BigDeleteMaxCount {
		return true
	}

	percentage := float64(deleteCount) / float64(baselineCount) * percentMultiplier

	return percentage > config.BigDeleteMaxPercent
}
