package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/platform/dispatchjob"
)

// fakeJobRepo is an in-memory dispatchjob.Repository covering the
// operations the scheduler exercises.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*dispatchjob.DispatchJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*dispatchjob.DispatchJob)}
}

func (r *fakeJobRepo) add(job *dispatchjob.DispatchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

func (r *fakeJobRepo) statusOf(id string) dispatchjob.DispatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return j.Status
	}
	return ""
}

func (r *fakeJobRepo) FindByID(ctx context.Context, id string) (*dispatchjob.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id], nil
}

func (r *fakeJobRepo) FindByIdempotencyKey(ctx context.Context, key string) (*dispatchjob.DispatchJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) FindByEventID(ctx context.Context, eventID string) ([]*dispatchjob.DispatchJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) FindBySubscription(ctx context.Context, subscriptionID string, skip, limit int64) ([]*dispatchjob.DispatchJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) FindPending(ctx context.Context, limit int64) ([]*dispatchjob.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*dispatchjob.DispatchJob
	for _, j := range r.jobs {
		if j.Status == dispatchjob.DispatchStatusPending {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeJobRepo) FindPendingByPool(ctx context.Context, poolID string, limit int64) ([]*dispatchjob.DispatchJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*dispatchjob.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var out []*dispatchjob.DispatchJob
	for _, j := range r.jobs {
		if j.Status == dispatchjob.DispatchStatusQueued && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) Insert(ctx context.Context, job *dispatchjob.DispatchJob) error {
	r.add(job)
	return nil
}

func (r *fakeJobRepo) InsertMany(ctx context.Context, jobs []*dispatchjob.DispatchJob) error {
	for _, j := range jobs {
		r.add(j)
	}
	return nil
}

func (r *fakeJobRepo) Update(ctx context.Context, job *dispatchjob.DispatchJob) error {
	r.add(job)
	return nil
}

func (r *fakeJobRepo) UpdateStatus(ctx context.Context, id string, status dispatchjob.DispatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = status
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (r *fakeJobRepo) UpdateStatusBatch(ctx context.Context, ids []string, status dispatchjob.DispatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if j, ok := r.jobs[id]; ok {
			j.Status = status
			j.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (r *fakeJobRepo) MarkQueued(ctx context.Context, id string) error {
	return r.UpdateStatus(ctx, id, dispatchjob.DispatchStatusQueued)
}

func (r *fakeJobRepo) MarkInProgress(ctx context.Context, id string) error {
	return r.UpdateStatus(ctx, id, dispatchjob.DispatchStatusInProgress)
}

func (r *fakeJobRepo) MarkCompleted(ctx context.Context, id string, durationMillis int64) error {
	return r.UpdateStatus(ctx, id, dispatchjob.DispatchStatusCompleted)
}

func (r *fakeJobRepo) MarkError(ctx context.Context, id string, errorMsg string) error {
	return r.UpdateStatus(ctx, id, dispatchjob.DispatchStatusError)
}

func (r *fakeJobRepo) RecordAttempt(ctx context.Context, id string, attempt dispatchjob.DispatchAttempt) error {
	return nil
}

func (r *fakeJobRepo) ResetToPending(ctx context.Context, id string, scheduledFor time.Time) error {
	return r.UpdateStatus(ctx, id, dispatchjob.DispatchStatusPending)
}

func (r *fakeJobRepo) CountByStatus(ctx context.Context, status dispatchjob.DispatchStatus) (int64, error) {
	return 0, nil
}

func (r *fakeJobRepo) CountByGroupAndStatus(ctx context.Context, messageGroup string, status dispatchjob.DispatchStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.MessageGroup == messageGroup && j.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) HasErrorJobsInGroup(ctx context.Context, messageGroup string) (bool, error) {
	n, _ := r.CountByGroupAndStatus(ctx, messageGroup, dispatchjob.DispatchStatusError)
	return n > 0, nil
}

func (r *fakeJobRepo) GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	blocked := make(map[string]bool)
	for _, g := range groups {
		if has, _ := r.HasErrorJobsInGroup(ctx, g); has {
			blocked[g] = true
		}
	}
	return blocked, nil
}

func (r *fakeJobRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

var _ dispatchjob.Repository = (*fakeJobRepo)(nil)

// fakePublisher records PublishEnvelope calls in order.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	failNext  bool
	dedupNext bool
}

type publishedMessage struct {
	group   string
	dedupID string
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return nil
}

func (p *fakePublisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return nil
}

func (p *fakePublisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return nil
}

func (p *fakePublisher) PublishEnvelope(ctx context.Context, messageGroup string, data []byte, deduplicationID string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return false, "broker unavailable"
	}
	if p.dedupNext {
		p.dedupNext = false
		return true, "Deduplicated: already queued"
	}
	p.published = append(p.published, publishedMessage{group: messageGroup, dedupID: deduplicationID})
	return true, ""
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, m := range p.published {
		out[i] = m.dedupID
	}
	return out
}

func pendingJob(id, group string, mode dispatchjob.DispatchMode, createdAt time.Time) *dispatchjob.DispatchJob {
	return &dispatchjob.DispatchJob{
		ID:           id,
		MessageGroup: group,
		Mode:         mode,
		Sequence:     99,
		Status:       dispatchjob.DispatchStatusPending,
		TargetURL:    "https://example.com/hook",
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func newTestPipeline(repo *fakeJobRepo, publisher *fakePublisher) (*PendingPoller, *GroupDispatcher, *StaleQueuedPoller) {
	auth := dispatchjob.NewDispatchAuthService("test-key", nil)
	jobDispatcher := NewJobDispatcher(repo, publisher, auth, "DISPATCH-POOL")
	groups := NewGroupDispatcher(10, jobDispatcher)
	poller := NewPendingPoller(repo, NewBlockChecker(repo), groups, 20)
	stale := NewStaleQueuedPoller(repo, 15*time.Minute)
	return poller, groups, stale
}

func waitForPublishes(t *testing.T, publisher *fakePublisher, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(publisher.order()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d publishes, got %d", want, len(publisher.order()))
}

func TestPendingPollPublishesGroupFIFO(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{}
	poller, groups, _ := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	base := time.Now().Add(-time.Minute)
	ids := []string{"job-a", "job-b", "job-c", "job-d", "job-e"}
	for i, id := range ids {
		repo.add(pendingJob(id, "G", dispatchjob.DispatchModeImmediate, base.Add(time.Duration(i)*time.Second)))
	}

	poller.Poll(context.Background())
	waitForPublishes(t, publisher, len(ids))

	got := publisher.order()
	for i, id := range ids {
		if got[i] != id {
			t.Errorf("publish %d: expected %s, got %s", i, id, got[i])
		}
	}

	for _, id := range ids {
		if st := repo.statusOf(id); st != dispatchjob.DispatchStatusQueued {
			t.Errorf("job %s: expected QUEUED, got %s", id, st)
		}
	}
}

func TestBlockOnErrorHoldsGroup(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{}
	poller, groups, _ := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	errJob := pendingJob("job-err", "G", dispatchjob.DispatchModeImmediate, time.Now().Add(-time.Hour))
	errJob.Status = dispatchjob.DispatchStatusError
	repo.add(errJob)
	repo.add(pendingJob("job-blocked", "G", dispatchjob.DispatchModeBlockOnError, time.Now()))

	poller.Poll(context.Background())
	time.Sleep(100 * time.Millisecond)

	if len(publisher.order()) != 0 {
		t.Fatalf("blocked job must not publish, got %v", publisher.order())
	}
	if st := repo.statusOf("job-blocked"); st != dispatchjob.DispatchStatusPending {
		t.Errorf("blocked job should stay PENDING, got %s", st)
	}

	// Resolving the error unblocks the group on the next poll.
	repo.Delete(context.Background(), "job-err")
	poller.Poll(context.Background())
	waitForPublishes(t, publisher, 1)

	if st := repo.statusOf("job-blocked"); st != dispatchjob.DispatchStatusQueued {
		t.Errorf("unblocked job should be QUEUED, got %s", st)
	}
}

func TestNextOnErrorGatedLikeBlockOnError(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{}
	poller, groups, _ := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	errJob := pendingJob("job-err", "G", dispatchjob.DispatchModeImmediate, time.Now().Add(-time.Hour))
	errJob.Status = dispatchjob.DispatchStatusError
	repo.add(errJob)
	repo.add(pendingJob("job-next", "G", dispatchjob.DispatchModeNextOnError, time.Now()))

	poller.Poll(context.Background())
	time.Sleep(100 * time.Millisecond)

	if len(publisher.order()) != 0 {
		t.Fatalf("NEXT_ON_ERROR job must be gated identically, got %v", publisher.order())
	}
}

func TestImmediateBypassesBlockedGroup(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{}
	poller, groups, _ := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	errJob := pendingJob("job-err", "G", dispatchjob.DispatchModeImmediate, time.Now().Add(-time.Hour))
	errJob.Status = dispatchjob.DispatchStatusError
	repo.add(errJob)
	repo.add(pendingJob("job-imm", "G", dispatchjob.DispatchModeImmediate, time.Now()))

	poller.Poll(context.Background())
	waitForPublishes(t, publisher, 1)

	if st := repo.statusOf("job-imm"); st != dispatchjob.DispatchStatusQueued {
		t.Errorf("IMMEDIATE job should dispatch despite blocked group, got %s", st)
	}
}

func TestPublishFailureLeavesJobPending(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{failNext: true}
	poller, groups, _ := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	repo.add(pendingJob("job-1", "G", dispatchjob.DispatchModeImmediate, time.Now()))

	poller.Poll(context.Background())
	time.Sleep(100 * time.Millisecond)

	if st := repo.statusOf("job-1"); st != dispatchjob.DispatchStatusPending {
		t.Errorf("failed publish should leave job PENDING for the next poll, got %s", st)
	}

	// The next poll retries and succeeds.
	poller.Poll(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if repo.statusOf("job-1") == dispatchjob.DispatchStatusQueued {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("retried publish should mark job QUEUED, got %s", repo.statusOf("job-1"))
}

func TestBrokerDedupStillMarksQueued(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{dedupNext: true}
	poller, groups, _ := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	repo.add(pendingJob("job-1", "G", dispatchjob.DispatchModeImmediate, time.Now()))

	poller.Poll(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if repo.statusOf("job-1") == dispatchjob.DispatchStatusQueued {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("deduplicated publish should still mark job QUEUED, got %s", repo.statusOf("job-1"))
}

func TestStaleQueuedRecovery(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{}
	poller, groups, stale := newTestPipeline(repo, publisher)
	defer groups.Shutdown()

	old := pendingJob("job-stale", "G", dispatchjob.DispatchModeImmediate, time.Now().Add(-time.Hour))
	old.Status = dispatchjob.DispatchStatusQueued
	old.UpdatedAt = time.Now().Add(-20 * time.Minute)
	repo.add(old)

	stale.Recover(context.Background())

	if st := repo.statusOf("job-stale"); st != dispatchjob.DispatchStatusPending {
		t.Fatalf("stale QUEUED job should reset to PENDING, got %s", st)
	}

	// The next pending poll publishes it.
	poller.Poll(context.Background())
	waitForPublishes(t, publisher, 1)
}

func TestGroupDispatcherCrossGroupConcurrency(t *testing.T) {
	repo := newFakeJobRepo()
	publisher := &fakePublisher{}

	auth := dispatchjob.NewDispatchAuthService("test-key", nil)
	jobDispatcher := NewJobDispatcher(repo, publisher, auth, "DISPATCH-POOL")
	groups := NewGroupDispatcher(3, jobDispatcher)
	defer groups.Shutdown()

	for i := 0; i < 5; i++ {
		group := fmt.Sprintf("G%d", i)
		job := pendingJob("job-"+group, group, dispatchjob.DispatchModeImmediate, time.Now())
		repo.add(job)
		groups.SubmitJobs(group, []*dispatchjob.DispatchJob{job})
	}

	waitForPublishes(t, publisher, 5)
}
