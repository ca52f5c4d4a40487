package scheduler

import (
	"context"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
)

// staleQueuedBatchLimit bounds a single recovery pass.
const staleQueuedBatchLimit = 100

// StaleQueuedPoller recovers jobs stuck in QUEUED whose broker publish was
// lost, or whose consumer crashed before the ack/nack reached the store, by
// resetting them back to PENDING once they have aged past the configured
// threshold.
type StaleQueuedPoller struct {
	jobRepo   dispatchjob.Repository
	threshold time.Duration
}

// NewStaleQueuedPoller creates a new stale-queued poller.
func NewStaleQueuedPoller(jobRepo dispatchjob.Repository, threshold time.Duration) *StaleQueuedPoller {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &StaleQueuedPoller{
		jobRepo:   jobRepo,
		threshold: threshold,
	}
}

// Recover finds up to staleQueuedBatchLimit QUEUED jobs older than the
// configured threshold and resets each to PENDING so the next pending-poll
// cycle retries them.
func (p *StaleQueuedPoller) Recover(ctx context.Context) {
	jobs, err := p.jobRepo.FindStaleQueued(ctx, p.threshold)
	if err != nil {
		slog.Error("Failed to query stale QUEUED jobs", "error", err)
		return
	}

	if len(jobs) > staleQueuedBatchLimit {
		jobs = jobs[:staleQueuedBatchLimit]
	}

	if len(jobs) == 0 {
		return
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}

	if err := p.jobRepo.UpdateStatusBatch(ctx, ids, dispatchjob.DispatchStatusPending); err != nil {
		slog.Error("Failed to reset stale QUEUED jobs to PENDING", "error", err, "count", len(ids))
		return
	}

	metrics.SchedulerStaleJobs.Add(float64(len(ids)))
	slog.Warn("Recovered stale QUEUED jobs", "count", len(ids), "threshold", p.threshold)
}
