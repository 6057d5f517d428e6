package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	stdsync "sync"
	"sync/atomic"

	"github.com/nimbusfs/sync/internal/jobmanager"
	"github.com/nimbusfs/sync/internal/remoteapi"
)

var errUnknownActionType = errors.New("sync: unknown action type in worker dispatch")

const (
	// minWorkers is the floor for total worker count.
	minWorkers = 4
	// maxRecordedErrors caps the diagnostic error slice to bound memory in
	// long-running watch mode. The failed atomic counter remains accurate
	// regardless of this cap (B-205).
	maxRecordedErrors = 1000
	// consecutiveFailureThreshold is how many consecutive network-class
	// failures the pool tolerates before asking the job manager to shrink
	// its capacity.
	consecutiveFailureThreshold = 3
)

// actionPriority orders action types for the job manager's priority queue.
// Structural actions that unblock the most dependents (folder creates,
// conflict resolution, moves) are scheduled ahead of content transfers, so a
// saturated pool drains dependency chains before spending slots on bulk
// upload/download work.
func actionPriority(t ActionType) int {
	switch t {
	case ActionFolderCreate:
		return 100
	case ActionConflict:
		return 90
	case ActionLocalMove, ActionRemoteMove:
		return 80
	case ActionLocalDelete, ActionRemoteDelete:
		return 70
	case ActionUpdateSynced:
		return 60
	case ActionCleanup:
		return 50
	case ActionDownload, ActionUpload:
		return 40
	default:
		return 0
	}
}

// isNetworkFailure reports whether err looks like a transient network or
// server-side condition, as opposed to a local or logic error. Consecutive
// failures of this class drive the job manager's capacity back-off.
func isNetworkFailure(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, remoteapi.ErrThrottled) || errors.Is(err, remoteapi.ErrServerError) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// trackedActionJob adapts a *TrackedAction to jobmanager.Job. CanRun always
// reports true: DepTracker already withholds an action from Ready() until
// its dependencies complete, so by the time a job reaches the manager its
// precondition is already satisfied.
type trackedActionJob struct {
	ta  *TrackedAction
	run func(ctx context.Context, ta *TrackedAction) error
}

func (j *trackedActionJob) ID() int64       { return j.ta.ID }
func (j *trackedActionJob) Priority() int   { return actionPriority(j.ta.Action.Type) }
func (j *trackedActionJob) CanRun() bool    { return true }
func (j *trackedActionJob) Run(ctx context.Context) error {
	return j.run(ctx, j.ta)
}

// WorkerPool feeds TrackedActions that DepTracker reports ready into a
// jobmanager.Manager, which schedules them by priority (with jobId-ascending
// tie-break) over a bounded, dynamically shrinkable pool of goroutines. It
// executes each action, commits its outcome, and signals completion back to
// the tracker for dependent dispatch.
type WorkerPool struct {
	cfg      *ExecutorConfig
	tracker  *DepTracker
	baseline *BaselineManager
	logger   *slog.Logger
	jm       *jobmanager.Manager

	succeeded     atomic.Int32
	failed        atomic.Int32
	errors        []error
	errorsMu      stdsync.Mutex
	droppedErrors atomic.Int64

	consecutiveNetFailures atomic.Int32

	// results reports per-action outcomes back to the engine for in-memory
	// cycle result tracking.
	results chan WorkerResult

	cancel context.CancelFunc
	feedWg stdsync.WaitGroup
}

// WorkerResult reports the outcome of a single action execution. The engine
// reads these from the Results channel for failure suppression and delta
// token commit decisions.
type WorkerResult struct {
	ID      int64
	CycleID string
	Path    string
	Success bool
	ErrMsg  string
}

// NewWorkerPool creates a pool without starting any workers. planSize
// determines the result channel buffer (use the number of actions in the
// plan for one-shot mode, or a generous buffer for watch mode).
func NewWorkerPool(
	cfg *ExecutorConfig,
	tracker *DepTracker,
	baseline *BaselineManager,
	logger *slog.Logger,
	planSize int,
) *WorkerPool {
	if planSize < 1 {
		planSize = 1
	}

	return &WorkerPool{
		cfg:      cfg,
		tracker:  tracker,
		baseline: baseline,
		logger:   logger,
		// Buffer sizing contract: one-shot mode uses planSize (equal to
		// the number of actions, so workers never block). Watch mode uses
		// watchResultBuf (4096) with a drain goroutine reading results
		// concurrently, so blocking is unlikely under normal load.
		results: make(chan WorkerResult, planSize),
	}
}

// Start launches the job manager with the given capacity (typically
// cfg.TransferWorkers, floored at minWorkers) and a feeder goroutine that
// moves ready TrackedActions from the DepTracker into the manager's priority
// queue.
func (wp *WorkerPool) Start(ctx context.Context, total int) {
	if total < minWorkers {
		total = minWorkers
	}

	ctx, wp.cancel = context.WithCancel(ctx)

	wp.jm = jobmanager.New(total, wp.logger)
	wp.jm.OnComplete = wp.onJobComplete
	wp.jm.Start(ctx)

	wp.feedWg.Add(1)

	go wp.feed(ctx)

	wp.logger.Info("worker pool started",
		slog.Int("workers", total),
	)
}

// Wait blocks until all tracked actions are complete (tracker.Done signal).
func (wp *WorkerPool) Wait() {
	<-wp.tracker.Done()
}

// Stop cancels all in-flight work, waits for the feeder and job manager to
// exit, and closes the results channel so consumers (drainWorkerResults) can
// terminate.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}

	wp.feedWg.Wait()

	if wp.jm != nil {
		wp.jm.Stop()
	}

	close(wp.results)
}

// Stats returns execution counters and any errors collected during execution.
func (wp *WorkerPool) Stats() (succeeded, failed int, errors []error) {
	wp.errorsMu.Lock()
	errs := make([]error, len(wp.errors))
	copy(errs, wp.errors)
	wp.errorsMu.Unlock()

	return int(wp.succeeded.Load()), int(wp.failed.Load()), errs
}

// feed reads ready actions off the tracker and submits each one to the job
// manager as a prioritized job, until the context is canceled or the tracker
// reports all work done.
func (wp *WorkerPool) feed(ctx context.Context) {
	defer wp.feedWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.tracker.Done():
			return
		case ta := <-wp.tracker.Ready():
			if ta == nil {
				continue
			}

			wp.jm.Queue(&trackedActionJob{ta: ta, run: wp.safeExecuteAction})
		}
	}
}

// onJobComplete is the job manager's completion callback. A run of
// consecutive network-class failures triggers a capacity decrease, per
// spec.md §4.11's back-off rule; any success resets the streak.
func (wp *WorkerPool) onJobComplete(_ jobmanager.Job, err error) {
	if err == nil {
		wp.consecutiveNetFailures.Store(0)
		return
	}

	if !isNetworkFailure(err) {
		wp.consecutiveNetFailures.Store(0)
		return
	}

	if wp.consecutiveNetFailures.Add(1) >= consecutiveFailureThreshold {
		wp.consecutiveNetFailures.Store(0)
		wp.jm.DecreaseCapacity()
	}
}

// safeExecuteAction wraps executeAction with panic recovery so a single
// action panic doesn't crash the entire program. It satisfies the run
// signature trackedActionJob.Run delegates to.
func (wp *WorkerPool) safeExecuteAction(ctx context.Context, ta *TrackedAction) (runErr error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker: panic in action execution",
				slog.Int64("id", ta.ID),
				slog.String("path", ta.Action.Path),
				slog.Any("panic", r),
			)
			runErr = fmt.Errorf("panic: %v", r)
			wp.recordFailure(runErr)
			wp.sendResult(ctx, ta, false, runErr.Error())
			wp.tracker.Complete(ta.ID)
		}
	}()

	return wp.executeAction(ctx, ta)
}

// executeAction runs a single tracked action: execute, commit, complete. The
// returned error (nil on success) feeds the job manager's failure-streak
// tracking; it is never retried by the manager itself.
func (wp *WorkerPool) executeAction(ctx context.Context, ta *TrackedAction) error {
	// Per-action cancellable context.
	actionCtx, cancel := context.WithCancel(ctx)
	ta.Cancel = cancel

	defer cancel()

	// Load baseline (cached after first call).
	bl, loadErr := wp.baseline.Load(actionCtx)
	if loadErr != nil {
		wp.logger.Error("worker: baseline load failed",
			slog.String("error", loadErr.Error()),
		)
		wp.recordFailure(loadErr)
		wp.sendResult(ctx, ta, false, loadErr.Error())
		wp.tracker.Complete(ta.ID)

		return loadErr
	}

	// Execute the action.
	exec := NewExecution(wp.cfg, bl)
	outcome := wp.dispatchAction(actionCtx, exec, ta)

	// Commit outcome to baseline. Uses pool-level ctx because the action
	// already completed — its outcome should be persisted even if
	// CancelByPath canceled actionCtx after dispatch returned.
	if commitErr := wp.baseline.CommitOutcome(ctx, &outcome); commitErr != nil {
		wp.logger.Error("worker: commit outcome failed",
			slog.Int64("id", ta.ID),
			slog.String("error", commitErr.Error()),
		)
		wp.recordFailure(commitErr)
		wp.sendResult(ctx, ta, false, commitErr.Error())
		wp.tracker.Complete(ta.ID)

		return commitErr
	}

	if outcome.Success {
		wp.succeeded.Add(1)
		wp.sendResult(ctx, ta, true, "")
	} else {
		wp.recordFailure(outcome.Error)
		wp.sendResult(ctx, ta, false, outcome.Error.Error())
	}

	// Signal completion to dispatch dependents.
	wp.tracker.Complete(ta.ID)

	return outcome.Error
}

// dispatchAction routes a tracked action to the appropriate executor method.
func (wp *WorkerPool) dispatchAction(
	ctx context.Context, exec *Executor, ta *TrackedAction,
) Outcome {
	action := &ta.Action

	switch action.Type {
	case ActionFolderCreate:
		return exec.executeFolderCreate(ctx, action)
	case ActionLocalMove, ActionRemoteMove:
		return exec.executeMove(ctx, action)
	case ActionDownload:
		return exec.executeDownload(ctx, action)
	case ActionUpload:
		return exec.executeUpload(ctx, action)
	case ActionLocalDelete:
		return exec.executeLocalDelete(ctx, action)
	case ActionRemoteDelete:
		return exec.executeRemoteDelete(ctx, action)
	case ActionConflict:
		return exec.executeConflict(ctx, action)
	case ActionUpdateSynced:
		return exec.executeSyncedUpdate(action)
	case ActionCleanup:
		return exec.executeCleanup(action)
	default:
		return Outcome{
			Action:  action.Type,
			Path:    action.Path,
			Success: false,
			Error:   errUnknownActionType,
		}
	}
}

// Results returns a read-only channel of per-action results. The engine
// reads from this channel for in-memory cycle result tracking (failure
// suppression, delta token commit decisions).
func (wp *WorkerPool) Results() <-chan WorkerResult {
	return wp.results
}

// recordFailure atomically increments the failed counter and appends an error
// to the diagnostic error list. The list is capped at maxRecordedErrors to
// bound memory in long-running watch mode (B-205). Overflow errors are counted
// via droppedErrors; the failed counter remains accurate regardless.
func (wp *WorkerPool) recordFailure(err error) {
	if err == nil {
		return
	}

	wp.failed.Add(1)
	wp.errorsMu.Lock()

	if len(wp.errors) >= maxRecordedErrors {
		wp.droppedErrors.Add(1)
	} else {
		wp.errors = append(wp.errors, err)
	}

	wp.errorsMu.Unlock()
}

// DroppedErrors returns the number of errors that were not recorded because
// the diagnostic error slice was full (B-205).
func (wp *WorkerPool) DroppedErrors() int64 {
	return wp.droppedErrors.Load()
}

// sendResult reports a per-action outcome to the results channel. Blocks until
// the result is sent or the context is canceled. In one-shot mode the channel
// is sized to planSize so this never blocks. In watch mode the channel is 4096
// deep and a drain goroutine reads concurrently (see Engine.drainWorkerResults).
//
// If the context is canceled before the result is sent (e.g., during engine
// shutdown), the WorkerResult is silently dropped. This is benign: callers
// always call recordFailure() before sendResult, so the failed counter and
// diagnostic error list remain accurate regardless (B-206).
func (wp *WorkerPool) sendResult(ctx context.Context, ta *TrackedAction, success bool, errMsg string) {
	r := WorkerResult{
		ID:      ta.ID,
		CycleID: ta.CycleID,
		Path:    ta.Action.Path,
		Success: success,
		ErrMsg:  errMsg,
	}

	select {
	case wp.results <- r:
	case <-ctx.Done():
	}
}
