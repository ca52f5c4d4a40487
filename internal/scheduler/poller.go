package scheduler

import (
	"context"
	"sync"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
)

// PendingPoller loads a batch of PENDING jobs on each tick, groups them by
// message group (applying the "default" sentinel uniformly), filters out
// jobs whose group is blocked by error jobs, and hands the survivors to the
// group dispatcher.
type PendingPoller struct {
	jobRepo      dispatchjob.Repository
	blockChecker *BlockChecker
	groups       *GroupDispatcher
	batchSize    int64

	// tickMu prevents overlapping ticks: a slow tick causes the next ticker
	// fire to be skipped rather than run concurrently.
	tickMu sync.Mutex
}

// NewPendingPoller creates a new pending poller.
func NewPendingPoller(jobRepo dispatchjob.Repository, blockChecker *BlockChecker, groups *GroupDispatcher, batchSize int) *PendingPoller {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &PendingPoller{
		jobRepo:      jobRepo,
		blockChecker: blockChecker,
		groups:       groups,
		batchSize:    int64(batchSize),
	}
}

// Poll performs one pending-poll cycle. Leadership is checked by the caller
// (Scheduler.tick); Poll itself assumes it has already been gated.
func (p *PendingPoller) Poll(ctx context.Context) {
	if !p.tickMu.TryLock() {
		slog.Debug("Pending poll tick still running, skipping this tick")
		return
	}
	defer p.tickMu.Unlock()

	jobs, err := p.jobRepo.FindPending(ctx, p.batchSize)
	if err != nil {
		slog.Error("Failed to poll for pending jobs", "error", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	metrics.SchedulerJobsPending.Set(float64(len(jobs)))

	// Apply the sentinel uniformly before grouping/filtering so a nil and an
	// explicit "default" message group are never treated differently.
	for _, job := range jobs {
		job.MessageGroup = sentinelGroup(job.MessageGroup)
	}

	// IMMEDIATE jobs always survive even if their group is blocked; only
	// BLOCK_ON_ERROR/NEXT_ON_ERROR jobs in a blocked group are held back.
	survivors, blocked := p.blockChecker.FilterBlockedJobs(ctx, jobs)
	metrics.SchedulerBlockedGroups.Set(float64(len(blocked)))

	byGroup := make(map[string][]*dispatchjob.DispatchJob)
	for _, job := range survivors {
		byGroup[job.MessageGroup] = append(byGroup[job.MessageGroup], job)
	}

	for group, groupJobs := range byGroup {
		p.groups.SubmitJobs(group, groupJobs)
	}

	slog.Debug("Pending poll tick complete", "jobCount", len(jobs), "groupCount", len(byGroup), "dispatched", len(survivors), "blockedGroups", len(blocked))

	p.groups.CleanupEmptyGroups()
}
