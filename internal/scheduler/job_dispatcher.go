package scheduler

import (
	"context"
	"encoding/json"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
)

// JobDispatcher builds the signed message envelope for a single job,
// publishes it with a group id and a deduplication id equal to the job id,
// and on success transitions the job PENDING -> QUEUED.
type JobDispatcher struct {
	jobRepo         dispatchjob.Repository
	publisher       queue.Publisher
	authService     *dispatchjob.DispatchAuthService
	defaultPoolCode string
}

// NewJobDispatcher creates a new job dispatcher.
func NewJobDispatcher(jobRepo dispatchjob.Repository, publisher queue.Publisher, authService *dispatchjob.DispatchAuthService, defaultPoolCode string) *JobDispatcher {
	if defaultPoolCode == "" {
		defaultPoolCode = "DISPATCH-POOL"
	}
	return &JobDispatcher{
		jobRepo:         jobRepo,
		publisher:       publisher,
		authService:     authService,
		defaultPoolCode: defaultPoolCode,
	}
}

// Dispatch builds the envelope for job, publishes it, and on success (or an
// explicit broker-side dedup outcome) transitions the job to QUEUED. On
// publish failure the job is left PENDING; the next pending-poll cycle will
// retry it.
func (d *JobDispatcher) Dispatch(ctx context.Context, job *dispatchjob.DispatchJob) error {
	authToken, err := d.authService.GenerateAuthToken(job.ID)
	if err != nil {
		slog.Warn("Failed to generate auth token, using empty token", "error", err, "jobId", job.ID)
		authToken = ""
	}

	poolCode := job.DispatchPoolCode
	if poolCode == "" {
		poolCode = job.DispatchPoolID
	}
	if poolCode == "" {
		poolCode = d.defaultPoolCode
	}

	envelope := &model.MessagePointer{
		ID:              job.ID,
		PoolCode:        poolCode,
		AuthToken:       authToken,
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: job.TargetURL,
		MessageGroupID:  sentinelGroup(job.MessageGroup),
		// BatchID is intentionally left zero; it is assigned by the router.
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	allPublished, errMsg := d.publisher.PublishEnvelope(ctx, envelope.MessageGroupID, data, job.ID)
	if !allPublished {
		return publishError{message: errMsg}
	}

	if err := d.jobRepo.MarkQueued(ctx, job.ID); err != nil {
		slog.Error("Failed to mark job QUEUED after publish", "error", err, "jobId", job.ID)
		return err
	}

	metrics.SchedulerJobsScheduled.Inc()
	slog.Debug("Dispatched job to queue", "jobId", job.ID, "pool", poolCode, "messageGroup", envelope.MessageGroupID)

	return nil
}

// sentinelGroup applies the "default" sentinel for an empty message group.
// The same sentinel is applied at every boundary that keys on the group.
func sentinelGroup(group string) string {
	if group == "" {
		return "default"
	}
	return group
}

// publishError wraps a broker-reported publish failure. A message containing
// "Deduplicated" is never wrapped this way by PublishEnvelope (it reports
// allPublished=true for that case per the queue.Publisher contract), so any
// publishError here is a genuine failure.
type publishError struct {
	message string
}

func (e publishError) Error() string {
	if e.message == "" {
		return "publish failed"
	}
	return e.message
}
