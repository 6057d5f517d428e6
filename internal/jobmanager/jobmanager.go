// Package jobmanager implements a bounded, priority-scheduled worker pool
// shared by all I/O jobs the sync engine submits: uploads, downloads, moves,
// deletes, and folder creates. It mirrors the teacher's worker-pool shape
// (a fixed goroutine count draining a channel) but replaces the single
// unordered channel with a priority queue, a pending-job requeue loop for
// jobs whose precondition isn't satisfied yet, and one thread permanently
// reserved for the single highest-priority job so urgent work is never
// starved behind a full pool of lower-priority transfers.
package jobmanager

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime"
	stdsync "sync"
	"time"
)

// Default and floor capacities, used when the caller passes zero.
const (
	MinCapacity     = 2
	defaultMaxCap   = 16
	defaultTickRate = 20 * time.Millisecond
)

// Job is the capability set the manager operates against. Concrete jobs
// (uploads, downloads, moves, deletes, folder creates) implement it;
// the manager never knows about their concrete type.
type Job interface {
	// ID uniquely identifies the job within the manager's lifetime. Used as
	// the priority queue's tie-break (ascending) so equal-priority jobs
	// preserve FIFO order.
	ID() int64
	// Priority orders jobs in the queue; higher values run first.
	Priority() int
	// CanRun reports whether the job's precondition is currently satisfied
	// (e.g. a parent folder create has completed). Re-checked each tick
	// while the job sits in the pending queue.
	CanRun() bool
	// Run executes the job. The context is canceled on Manager.Stop or when
	// Abort is called for this job's ID.
	Run(ctx context.Context) error
}

// queuedJob is the heap element: a job plus its insertion sequence. Heap
// ordering compares priority and then ID only; seq is recorded but not
// compared.
type queuedJob struct {
	job Job
	seq int64
}

type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	pi, pj := h[i].job.Priority(), h[j].job.Priority()
	if pi != pj {
		return pi > pj // higher priority first
	}

	return h[i].job.ID() < h[j].job.ID() // ascending jobId tie-break
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// Manager is a bounded priority worker pool. Capacity can be reduced at
// runtime (DecreaseCapacity) in response to repeated network failures, per
// spec.md §4.11; it never drops below MinCapacity.
type Manager struct {
	mu          stdsync.Mutex
	capacity    int
	minCapacity int
	running     int
	reserved    bool // true while the one reserved-slot job is running
	queue       jobHeap
	pending     []queuedJob
	finished    map[int64]error
	jobs        map[int64]Job
	nextSeq     int64

	logger   *slog.Logger
	tickRate time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	// OnComplete, if set, is invoked after internal bookkeeping for a
	// finished job (success or failure). Application-level completion
	// callbacks should be installed here, never inline in Run.
	OnComplete func(job Job, err error)
}

// New creates a Manager with the given capacity. When capacity <= 0 it
// defaults to the hardware concurrency, capped at 16; any result below
// MinCapacity is raised to MinCapacity. logger may be nil.
func New(capacity int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if capacity <= 0 {
		capacity = runtime.NumCPU()
		if capacity > defaultMaxCap {
			capacity = defaultMaxCap
		}
	}

	if capacity < MinCapacity {
		capacity = MinCapacity
	}

	return &Manager{
		capacity:    capacity,
		minCapacity: MinCapacity,
		finished:    make(map[int64]error),
		jobs:        make(map[int64]Job),
		logger:      logger,
		tickRate:    defaultTickRate,
	}
}

// Start launches the manager's main loop. Queue may be called before or
// after Start.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	tickRate := m.tickRate
	m.mu.Unlock()

	m.wg.Add(1)

	go m.loop(tickRate)
}

// Stop cancels all running jobs and blocks until the main loop and every
// in-flight job goroutine have exited.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.wg.Wait()
}

// Queue submits a job for scheduling. Safe to call concurrently.
func (m *Manager) Queue(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID()] = job
	heap.Push(&m.queue, queuedJob{job: job, seq: m.nextSeq})
	m.nextSeq++
}

// IsJobFinished reports whether the given job ID has completed (successfully
// or not). False for unknown or still-running/queued IDs.
func (m *Manager) IsJobFinished(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.finished[id]

	return ok
}

// GetJob returns the job registered under id, if any (queued, running, or
// finished — Clear removes every entry, including those of queued and
// running jobs).
func (m *Manager) GetJob(id int64) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]

	return j, ok
}

// Clear drops all queued, pending, and finished-job bookkeeping. Running
// jobs are unaffected; their completion still updates the finished map.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = nil
	m.pending = nil
	m.finished = make(map[int64]error)
	m.jobs = make(map[int64]Job)
}

// DecreaseCapacity halves the pool's capacity, used as a network-failure
// back-off (socket exhaustion). Never drops below minCapacity; an attempt
// to do so logs a warning and leaves capacity at the floor, per spec.md §8.
func (m *Manager) DecreaseCapacity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	newCap := m.capacity / 2
	if newCap < m.minCapacity {
		if m.capacity == m.minCapacity {
			m.logger.Warn("jobmanager: capacity already at floor, ignoring decrease request",
				slog.Int("min_capacity", m.minCapacity))

			return
		}

		newCap = m.minCapacity
	}

	m.logger.Warn("jobmanager: decreasing capacity after repeated failures",
		slog.Int("from", m.capacity), slog.Int("to", newCap))
	m.capacity = newCap
}

// Capacity returns the current capacity (for tests/observability).
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.capacity
}

// loop is the manager's main dispatch goroutine: pop the priority queue,
// start jobs within capacity (reserving one slot for the single top-priority
// job even when the rest of the pool is saturated), and re-check pending
// jobs' CanRun() each tick.
func (m *Manager) loop(tickRate time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requeuePendingLocked()
	m.dispatchNormalLocked()
	m.dispatchReservedLocked()
}

// requeuePendingLocked re-checks CanRun() for every pending job and pushes
// the ones that are now runnable back onto the priority queue. Must be
// called with m.mu held.
func (m *Manager) requeuePendingLocked() {
	if len(m.pending) == 0 {
		return
	}

	stillPending := m.pending[:0]

	for _, qj := range m.pending {
		if qj.job.CanRun() {
			heap.Push(&m.queue, qj)
		} else {
			stillPending = append(stillPending, qj)
		}
	}

	m.pending = stillPending
}

// normalCapacityLocked is the concurrency available to ordinary dispatch,
// always one less than total capacity so a slot stays reserved for the
// single top-priority job (spec.md §4.11 bullet 2). Must be called with
// m.mu held.
func (m *Manager) normalCapacityLocked() int {
	if m.capacity <= 1 {
		return m.capacity
	}

	return m.capacity - 1
}

// dispatchNormalLocked starts jobs up to normalCapacityLocked(), skipping
// (pending-queuing) any whose CanRun() is currently false. Must be called
// with m.mu held.
func (m *Manager) dispatchNormalLocked() {
	normalCap := m.normalCapacityLocked()

	for m.running < normalCap && len(m.queue) > 0 {
		qj := heap.Pop(&m.queue).(queuedJob)

		if !qj.job.CanRun() {
			m.pending = append(m.pending, qj)
			continue
		}

		m.startLocked(qj.job, false)
	}
}

// dispatchReservedLocked allows exactly one job — the current global top of
// the queue — to start even when normal capacity is fully used, per spec.md
// §4.11 bullet 2 ("always allow the single top-priority job to start").
// Must be called with m.mu held.
func (m *Manager) dispatchReservedLocked() {
	if m.reserved || m.running >= m.capacity || len(m.queue) == 0 {
		return
	}

	qj := heap.Pop(&m.queue).(queuedJob)

	if !qj.job.CanRun() {
		m.pending = append(m.pending, qj)
		return
	}

	m.startLocked(qj.job, true)
}

// startLocked marks a job running and spawns its execution goroutine. Must
// be called with m.mu held.
func (m *Manager) startLocked(job Job, useReservedSlot bool) {
	m.running++

	if useReservedSlot {
		m.reserved = true
	}

	m.wg.Add(1)

	go m.run(job, useReservedSlot)
}

// run executes a single job outside the manager lock, then performs
// completion bookkeeping (framework callback) before invoking the
// application-level OnComplete callback, per spec.md §4.11 ("Completion").
func (m *Manager) run(job Job, usedReservedSlot bool) {
	defer m.wg.Done()

	err := job.Run(m.ctx)

	m.mu.Lock()
	m.running--

	if usedReservedSlot {
		m.reserved = false
	}

	m.finished[job.ID()] = err
	m.mu.Unlock()

	if m.OnComplete != nil {
		m.OnComplete(job, err)
	}
}
