package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusfs/sync/internal/config"
	"github.com/nimbusfs/sync/internal/driveid"
	isync "github.com/nimbusfs/sync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var flagDownloadOnly, flagUploadOnly, flagDryRun, flagForce, flagWatch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize files with CloudDrive",
		Long: `Run a sync cycle between the local directory and CloudDrive.

By default, sync is bidirectional. Use --download-only or --upload-only for
one-way sync. Use --dry-run to preview what would happen without making changes.

Use --watch to keep syncing continuously, reacting to local filesystem events
and polling CloudDrive for remote changes. A running --watch process can be
paused (nimbus-sync pause) or resumed (nimbus-sync resume) without restarting it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, flagDownloadOnly, flagUploadOnly, flagDryRun, flagForce, flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagDownloadOnly, "download-only", false, "only download remote changes")
	cmd.Flags().BoolVar(&flagUploadOnly, "upload-only", false, "only upload local changes")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "preview sync actions without executing")
	cmd.Flags().BoolVar(&flagForce, "force", false, "override big-delete safety threshold")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "continuous sync, reacting to local and remote changes")

	cmd.MarkFlagsMutuallyExclusive("download-only", "upload-only")

	return cmd
}

func runSync(cmd *cobra.Command, downloadOnly, uploadOnly, dryRun, force, watch bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	mode := isync.SyncBidirectional

	switch {
	case downloadOnly:
		mode = isync.SyncDownloadOnly
	case uploadOnly:
		mode = isync.SyncUploadOnly
	}

	client, driveID, logger, err := clientAndDrive(ctx)
	if err != nil {
		return err
	}

	logger.Info("sync: starting",
		slog.String("mode", mode.String()), slog.Bool("dry_run", dryRun),
		slog.Bool("force", force), slog.Bool("watch", watch))

	engine, err := isync.NewEngine(&isync.EngineConfig{
		DBPath:          cc.Cfg.StatePath(),
		SyncRoot:        cc.Cfg.SyncDir,
		DataDir:         config.DefaultDataDir(),
		DriveID:         driveID,
		Fetcher:         client,
		Items:           client,
		Downloads:       client,
		Uploads:         client,
		DriveVerifier:   client,
		UseLocalTrash:   cc.Cfg.UseLocalTrash,
		TransferWorkers: cc.Cfg.TransferWorkers,
		CheckWorkers:    cc.Cfg.CheckWorkers,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("cannot initialize sync engine: %w", err)
	}
	defer engine.Close()

	if watch {
		return runSyncWatch(ctx, cc, engine, mode, force, logger)
	}

	report, runErr := engine.RunOnce(ctx, mode, isync.RunOpts{Force: force, DryRun: dryRun})

	dr := &isync.DriveReport{
		CanonicalID: cc.Cfg.CanonicalID,
		DisplayName: cc.Cfg.DisplayName,
		Report:      report,
		Err:         runErr,
	}

	if cc.Flags.JSON {
		if runErr == nil {
			if jsonErr := printSyncJSON(report); jsonErr != nil {
				return jsonErr
			}
		}
	} else {
		printDriveReports([]*isync.DriveReport{dr}, cc.Flags.Quiet)
	}

	if err := driveReportsError([]*isync.DriveReport{dr}); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("sync completed with %d errors", len(report.Errors))
	}

	return nil
}

// runSyncWatch claims the single-instance daemon lock, wires up a SIGHUP
// channel for pause/resume notifications, and runs watchLoop until the
// context is canceled.
func runSyncWatch(
	ctx context.Context, cc *CLIContext, engine *isync.Engine, mode isync.SyncMode, force bool, logger *slog.Logger,
) error {
	cleanup, err := writePIDFile(config.PIDFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	sighup := sighupChannel()
	defer signal.Stop(sighup)

	logger.Info("sync: watch mode starting", slog.String("drive", cc.Cfg.CanonicalID.String()))

	return watchLoop(ctx, engine, mode, isync.WatchOpts{Force: force}, cc.CfgPath, cc.Cfg.CanonicalID, sighup, logger)
}

// watchRunner abstracts the engine method watchLoop drives, so tests can
// substitute a mock instead of a real *isync.Engine.
type watchRunner interface {
	RunWatch(ctx context.Context, mode isync.SyncMode, opts isync.WatchOpts) error
}

// watchLoop repeatedly runs the watch runner, pausing (and re-checking
// config) whenever the drive is marked paused, and restarting the run on
// SIGHUP (sent by "nimbus-sync pause"/"resume" to notify a live daemon).
//
// It returns nil on a clean shutdown (parent context canceled) and a
// non-nil error only when ctx.Err() surfaces while waiting out a pause.
func watchLoop(
	ctx context.Context, runner watchRunner, mode isync.SyncMode, opts isync.WatchOpts,
	cfgPath string, cid driveid.CanonicalID, sighup <-chan os.Signal, logger *slog.Logger,
) error {
	for {
		paused, pausedUntil := checkPausedState(cfgPath, cid, logger)
		if paused {
			logger.Info("sync: drive paused, waiting", slog.String("until", pausedUntil))

			if err := waitForResume(ctx, sighup, cfgPath, cid, pausedUntil, logger); err != nil {
				return err
			}

			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)

		go func() {
			errCh <- runner.RunWatch(runCtx, mode, opts)
		}()

		select {
		case <-sighup:
			logger.Debug("sync: SIGHUP received, restarting watch loop")
			cancel()
			<-errCh
		case runErr := <-errCh:
			cancel()

			if runErr != nil && ctx.Err() == nil {
				logger.Warn("sync: watch run exited", slog.String("error", runErr.Error()))
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// checkPausedState reports whether a drive is currently paused according to
// the config file, and the paused_until timestamp for a timed pause (empty
// for an untimed pause or when not paused). A missing config file or a drive
// absent from it is treated as not paused. An expired timed pause is also
// treated as not paused.
func checkPausedState(cfgPath string, cid driveid.CanonicalID, logger *slog.Logger) (paused bool, pausedUntil string) {
	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		logger.Warn("sync: loading config to check paused state", slog.String("error", err.Error()))

		return false, ""
	}

	d, ok := cfg.Drives[cid]
	if !ok {
		return false, ""
	}

	if d.Paused == nil || !*d.Paused {
		return false, ""
	}

	if d.PausedUntil != nil {
		until, parseErr := time.Parse(time.RFC3339, *d.PausedUntil)
		if parseErr == nil && !until.After(time.Now()) {
			return false, ""
		}

		return true, *d.PausedUntil
	}

	return true, ""
}

// waitForResume blocks until the drive should resume: a timed pause expires,
// a SIGHUP arrives (the operator is assumed to have cleared the pause state
// externally, e.g. via "nimbus-sync resume"), or ctx is canceled.
func waitForResume(
	ctx context.Context, sighup <-chan os.Signal, cfgPath string, cid driveid.CanonicalID, pausedUntil string, logger *slog.Logger,
) error {
	var timerC <-chan time.Time

	if pausedUntil != "" {
		until, err := time.Parse(time.RFC3339, pausedUntil)
		if err != nil {
			logger.Warn("sync: parsing paused_until", slog.String("value", pausedUntil), slog.String("error", err.Error()))
		} else {
			remaining := time.Until(until)
			if remaining < 0 {
				remaining = 0
			}

			timer := time.NewTimer(remaining)
			defer timer.Stop()
			timerC = timer.C
		}
	}

	select {
	case <-timerC:
		daemonClearPausedKeys(cfgPath, cid, logger)

		return nil
	case <-sighup:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// daemonClearPausedKeys removes the paused/paused_until keys once a timed
// pause has elapsed. Failures are logged, not returned — a stale config key
// after a missed write is recoverable on the next pause/resume cycle.
func daemonClearPausedKeys(cfgPath string, cid driveid.CanonicalID, logger *slog.Logger) {
	if err := config.DeleteDriveKey(cfgPath, cid, "paused"); err != nil {
		logger.Warn("sync: clearing paused flag", slog.String("error", err.Error()))
	}

	if err := config.DeleteDriveKey(cfgPath, cid, "paused_until"); err != nil {
		logger.Warn("sync: clearing paused_until", slog.String("error", err.Error()))
	}
}

// driveReportsError summarizes per-drive run errors into a single error,
// nil when every drive succeeded. A single failing drive surfaces its error
// directly; multiple drives are summarized with a failure count.
func driveReportsError(reports []*isync.DriveReport) error {
	var firstErr error

	failed := 0

	for _, r := range reports {
		if r.Err != nil {
			failed++

			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}

	if failed == 0 {
		return nil
	}

	if len(reports) == 1 {
		return firstErr
	}

	return fmt.Errorf("%d of %d drives failed: %w", failed, len(reports), firstErr)
}

// printDriveReports prints a human-readable summary for each drive report.
// A header naming the drive is only printed when more than one drive ran.
func printDriveReports(reports []*isync.DriveReport, quiet bool) {
	multi := len(reports) > 1

	for i, r := range reports {
		if multi {
			if i > 0 {
				quietStatusf(quiet, "\n")
			}

			quietStatusf(quiet, "=== %s ===\n", r.DisplayName)
		}

		if r.Err != nil {
			quietStatusf(quiet, "  sync failed: %s\n", r.Err.Error())

			continue
		}

		printSyncText(r.Report, quiet)
	}
}

func printSyncText(report *isync.SyncReport, quiet bool) {
	durationMs := report.Duration.Milliseconds()

	if report.DryRun {
		printDryRunText(report, durationMs, quiet)
		return
	}

	if syncReportTotalChanges(report) == 0 && report.Conflicts == 0 && len(report.Errors) == 0 {
		quietStatusf(quiet, "Already in sync.\n")
		return
	}

	quietStatusf(quiet, "Sync complete (%s, %dms)\n", report.Mode, durationMs)
	printSyncCountsText(report, quiet)
}

func printDryRunText(report *isync.SyncReport, durationMs int64, quiet bool) {
	if syncReportTotalChanges(report) == 0 && report.Conflicts == 0 {
		quietStatusf(quiet, "Dry run complete (%dms) — already in sync.\n", durationMs)
		return
	}

	quietStatusf(quiet, "Dry run — no changes made (%dms)\n", durationMs)
	printSyncCountsText(report, quiet)
}

// syncReportTotalChanges sums the plan counts that indicate real work
// happened, excluding conflicts and errors (counted separately).
func syncReportTotalChanges(report *isync.SyncReport) int {
	return report.FolderCreates + report.Moves + report.Downloads + report.Uploads +
		report.LocalDeletes + report.RemoteDeletes + report.SyncedUpdates + report.Cleanups
}

func printSyncCountsText(report *isync.SyncReport, quiet bool) {
	if report.FolderCreates > 0 {
		quietStatusf(quiet, "  Folders created: %d\n", report.FolderCreates)
	}

	if report.Downloads > 0 {
		quietStatusf(quiet, "  Downloaded:  %d files\n", report.Downloads)
	}

	if report.Uploads > 0 {
		quietStatusf(quiet, "  Uploaded:    %d files\n", report.Uploads)
	}

	if report.Moves > 0 {
		quietStatusf(quiet, "  Moved:       %d\n", report.Moves)
	}

	if report.LocalDeletes > 0 || report.RemoteDeletes > 0 {
		quietStatusf(quiet, "  Deleted:     %d local, %d remote\n", report.LocalDeletes, report.RemoteDeletes)
	}

	if report.SyncedUpdates > 0 {
		quietStatusf(quiet, "  Synced updates: %d\n", report.SyncedUpdates)
	}

	if report.Cleanups > 0 {
		quietStatusf(quiet, "  Cleanups:    %d\n", report.Cleanups)
	}

	if report.Conflicts > 0 {
		quietStatusf(quiet, "  Conflicts:   %d\n", report.Conflicts)
	}

	if len(report.Errors) > 0 {
		quietStatusf(quiet, "  Errors:      %d\n", len(report.Errors))
	}
}

// syncJSONOutput is the JSON output schema for the sync command.
type syncJSONOutput struct {
	Mode          string   `json:"mode"`
	DryRun        bool     `json:"dry_run"`
	DurationMs    int64    `json:"duration_ms"`
	FolderCreates int      `json:"folder_creates"`
	Downloads     int      `json:"downloads"`
	Uploads       int      `json:"uploads"`
	Moves         int      `json:"moves"`
	LocalDeletes  int      `json:"local_deletes"`
	RemoteDeletes int      `json:"remote_deletes"`
	SyncedUpdates int      `json:"synced_updates"`
	Cleanups      int      `json:"cleanups"`
	Conflicts     int      `json:"conflicts"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	Errors        []string `json:"errors"`
}

func printSyncJSON(report *isync.SyncReport) error {
	errs := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		errs = append(errs, e.Error())
	}

	out := syncJSONOutput{
		Mode:          report.Mode.String(),
		DryRun:        report.DryRun,
		DurationMs:    report.Duration.Milliseconds(),
		FolderCreates: report.FolderCreates,
		Downloads:     report.Downloads,
		Uploads:       report.Uploads,
		Moves:         report.Moves,
		LocalDeletes:  report.LocalDeletes,
		RemoteDeletes: report.RemoteDeletes,
		SyncedUpdates: report.SyncedUpdates,
		Cleanups:      report.Cleanups,
		Conflicts:     report.Conflicts,
		Succeeded:     report.Succeeded,
		Failed:        report.Failed,
		Errors:        errs,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
