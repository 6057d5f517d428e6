package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"github.com/nimbusfs/sync/internal/config"
)

// Safety invariant error sentinels.
var (
	// ErrInsufficientDiskSpace is returned when completing all planned downloads
	// would reduce available disk space below the configured minimum.
	ErrInsufficientDiskSpace = errors.New("sync: insufficient disk space")
)

// SafetyChecker applies the post-plan safety invariants that the planner
// itself cannot evaluate (disk space depends on the live filesystem; temp
// file exclusion is a defense-in-depth net around the filter engine). The
// planner already enforces big-delete protection (S5) and every delete
// action it emits is re-verified by hash at execution time (S1/S4, see
// executor_delete.go) and every download is written atomically via a
// .partial file (S3, see executor_transfer.go) — those invariants need no
// separate plan-time gate here.
type SafetyChecker struct {
	cfg        *config.SafetyConfig
	syncRoot   string
	logger     *slog.Logger
	statfsFunc func(path string) (uint64, error) // injectable for testing disk space
}

// NewSafetyChecker creates a SafetyChecker with the given config, sync root,
// and logger. The sync root is needed for disk space checks (S6). The
// default disk space function uses platform-specific syscalls (getDiskSpace).
func NewSafetyChecker(cfg *config.SafetyConfig, syncRoot string, logger *slog.Logger) *SafetyChecker {
	if logger == nil {
		logger = slog.Default()
	}

	return &SafetyChecker{
		cfg:        cfg,
		syncRoot:   syncRoot,
		logger:     logger,
		statfsFunc: getDiskSpace,
	}
}

// Check validates the plan against the S6 (disk space) and S7 (no temp
// uploads) invariants, returning a possibly-modified plan. S7 violations are
// always suppressed silently (the offending upload is removed); S6
// violations block the cycle unless dryRun is true.
func (sc *SafetyChecker) Check(plan *ActionPlan, dryRun bool) (*ActionPlan, error) {
	plan.Actions = sc.filterTempUploads(plan.Actions)

	if err := sc.checkDiskSpace(plan.Actions, dryRun); err != nil {
		return plan, err
	}

	return plan, nil
}

// filterTempUploads enforces S7: never upload temporary or partial files.
// Files matching .partial, .tmp, or ~* patterns are removed from the plan.
// This is a defense-in-depth net — the filter engine should already exclude
// these, so any removal here indicates a filter gap worth investigating.
func (sc *SafetyChecker) filterTempUploads(actions []Action) []Action {
	kept := make([]Action, 0, len(actions))
	removed := 0

	for i := range actions {
		a := &actions[i]

		if a.Type == ActionUpload && isTempFile(filepath.Base(a.Path)) {
			sc.logger.Warn("S7: removed temp/partial file from uploads", slog.String("path", a.Path))

			removed++

			continue
		}

		kept = append(kept, *a)
	}

	if removed > 0 {
		sc.logger.Warn("S7: suppressed temp/partial uploads", slog.Int("removed", removed))
	}

	return kept
}

// isTempFile checks whether a filename matches temporary/partial file
// patterns: .partial, .tmp, or ~* (tilde prefix).
func isTempFile(name string) bool {
	lower := strings.ToLower(name)

	if strings.HasSuffix(lower, ".partial") || strings.HasSuffix(lower, ".tmp") {
		return true
	}

	return strings.HasPrefix(name, "~")
}

// checkDiskSpace enforces S6: verify that planned downloads will not reduce
// available disk space below the configured minimum.
func (sc *SafetyChecker) checkDiskSpace(actions []Action, dryRun bool) error {
	downloads := ActionsOfType(actions, ActionDownload)
	if len(downloads) == 0 {
		return nil
	}

	var needed int64

	for i := range downloads {
		if downloads[i].View != nil && downloads[i].View.Remote != nil {
			needed += downloads[i].View.Remote.Size
		}
	}

	if needed == 0 {
		return nil
	}

	minFreeBytes, err := config.ParseSize(sc.cfg.MinFreeSpace)
	if err != nil {
		return fmt.Errorf("S6: parse min_free_space %q: %w", sc.cfg.MinFreeSpace, err)
	}

	if minFreeBytes == 0 {
		return nil
	}

	available, err := sc.statfsFunc(sc.syncRoot)
	if err != nil {
		return fmt.Errorf("S6: get disk space for %q: %w", sc.syncRoot, err)
	}

	availableI64 := int64(min(available, uint64(math.MaxInt64))) // capped to prevent overflow

	remaining := availableI64 - needed
	if remaining >= minFreeBytes {
		return nil
	}

	msg := fmt.Sprintf(
		"downloads need %d bytes, %d available, would leave %d (min %d required)",
		needed, available, remaining, minFreeBytes,
	)

	if dryRun {
		sc.logger.Warn("S6: insufficient disk space (dry-run)", slog.String("detail", msg))
		return nil
	}

	sc.logger.Error("S6: insufficient disk space", slog.String("detail", msg))

	return fmt.Errorf("%w: %s", ErrInsufficientDiskSpace, msg)
}
