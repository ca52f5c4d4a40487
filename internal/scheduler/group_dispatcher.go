package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
)

// groupQueueIdleTimeout is how long an empty, idle group entry survives
// before cleanup removes it.
const groupQueueIdleTimeout = 5 * time.Minute

// groupQueue holds one message group's pending jobs plus an atomic
// in-flight flag: at most one job per group is on its way to the broker at
// any moment.
type groupQueue struct {
	mu      sync.Mutex
	pending []*dispatchjob.DispatchJob
	inFlight int32 // atomic: 0 = idle, 1 = dispatch in progress
	lastActivity atomic.Int64 // unix nanos, for idle cleanup
}

func newGroupQueue() *groupQueue {
	q := &groupQueue{}
	q.lastActivity.Store(time.Now().UnixNano())
	return q
}

func (q *groupQueue) touch() {
	q.lastActivity.Store(time.Now().UnixNano())
}

func (q *groupQueue) idleSince() time.Duration {
	return time.Since(time.Unix(0, q.lastActivity.Load()))
}

// append adds jobs to the tail, keeping the queue sorted by
// (sequence asc, createdAt asc).
func (q *groupQueue) append(jobs []*dispatchjob.DispatchJob) {
	q.mu.Lock()
	q.pending = append(q.pending, jobs...)
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	q.mu.Unlock()
	q.touch()
}

// pop removes and returns the head job, or nil if empty.
func (q *groupQueue) pop() *dispatchjob.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

func (q *groupQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// tryAcquire atomically flips inFlight false->true, returning whether this
// caller won the right to dispatch the next job for the group.
func (q *groupQueue) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&q.inFlight, 0, 1)
}

func (q *groupQueue) release() {
	atomic.StoreInt32(&q.inFlight, 0)
}

func (q *groupQueue) isInFlight() bool {
	return atomic.LoadInt32(&q.inFlight) == 1
}

// GroupDispatcher maintains one queue per message group, guarantees strict
// per-group FIFO at the broker-publish boundary, and bounds the number of
// groups dispatching concurrently with a shared semaphore.
type GroupDispatcher struct {
	mu     sync.Mutex
	groups map[string]*groupQueue

	sem chan struct{}

	dispatcher *JobDispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroupDispatcher creates a new group dispatcher bounded to
// maxConcurrentGroups simultaneous in-flight group dispatches.
func NewGroupDispatcher(maxConcurrentGroups int, dispatcher *JobDispatcher) *GroupDispatcher {
	if maxConcurrentGroups <= 0 {
		maxConcurrentGroups = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupDispatcher{
		groups:     make(map[string]*groupQueue),
		sem:        make(chan struct{}, maxConcurrentGroups),
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SubmitJobs appends jobs (already filtered for block-on-error) to the named
// group's queue, sorted by (sequence, createdAt), and kicks off dispatch for
// the group if it is idle. Jobs across groups may be submitted concurrently
// without contention beyond the per-group lock.
func (g *GroupDispatcher) SubmitJobs(group string, jobs []*dispatchjob.DispatchJob) {
	if len(jobs) == 0 {
		return
	}
	group = sentinelGroup(group)

	g.mu.Lock()
	q, ok := g.groups[group]
	if !ok {
		q = newGroupQueue()
		g.groups[group] = q
	}
	g.mu.Unlock()

	q.append(jobs)
	g.tryDispatchNext(group, q)
}

// tryDispatchNext attempts to become the sole in-flight dispatcher for
// group's queue. If it wins the CAS, it pops the head job and launches an
// asynchronous dispatch; otherwise a dispatch is already running for this
// group and will itself call tryDispatchNext again on completion.
func (g *GroupDispatcher) tryDispatchNext(group string, q *groupQueue) {
	if !q.tryAcquire() {
		return
	}

	job := q.pop()
	if job == nil {
		// Lost the race against a concurrent submit that hasn't appended
		// yet, or the queue really is empty; release and let the next
		// submit (or completion) retry.
		q.release()
		return
	}

	g.wg.Add(1)
	go g.runDispatch(group, q, job)
}

// runDispatch acquires the cross-group concurrency semaphore, dispatches the
// job, and on completion (success, failure, or panic) releases both the
// semaphore and the group's in-flight flag before re-invoking
// tryDispatchNext so the group's FIFO continues.
func (g *GroupDispatcher) runDispatch(group string, q *groupQueue, job *dispatchjob.DispatchJob) {
	defer g.wg.Done()

	select {
	case g.sem <- struct{}{}:
		metrics.SchedulerGroupDispatchesInFlight.Inc()
	case <-g.ctx.Done():
		q.release()
		return
	}

	func() {
		defer func() {
			<-g.sem
			metrics.SchedulerGroupDispatchesInFlight.Dec()
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Group dispatch panicked, group queue continues", "group", group, "jobId", job.ID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(g.ctx, 30*time.Second)
		defer cancel()

		if err := g.dispatcher.Dispatch(ctx, job); err != nil {
			slog.Error("Failed to dispatch job, will retry on next pending poll", "error", err, "jobId", job.ID, "group", group)
		}
	}()

	q.release()
	g.tryDispatchNext(group, q)
}

// CleanupEmptyGroups removes group entries that have no pending jobs and no
// in-flight dispatch. Called by the pending poller after each tick.
func (g *GroupDispatcher) CleanupEmptyGroups() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for group, q := range g.groups {
		if q.isEmpty() && !q.isInFlight() && q.idleSince() > groupQueueIdleTimeout {
			delete(g.groups, group)
		}
	}
}

// Shutdown cancels any in-flight dispatches and waits for them to finish.
func (g *GroupDispatcher) Shutdown() {
	g.cancel()
	g.wg.Wait()
}
