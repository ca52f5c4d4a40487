// Package pool implements per-pool message processing with per-group FIFO
// ordering, bounded concurrency, and optional rate limiting.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// MessagePointer carries everything a pool worker needs to mediate one
// message: routing identity, the webhook target, and the broker callbacks
// that settle the message afterwards.
type MessagePointer struct {
	ID              string // job id
	BrokerMessageID string // unique per broker delivery; pipeline tracking key
	BatchID         string
	MessageGroupID  string
	MediationTarget string
	MediationType   string
	AuthToken       string
	Payload         []byte
	Headers         map[string]string
	TimeoutSeconds  int

	// Fields needed to build the signed webhook body. These never travel on
	// the wire envelope; the router looks them up from the job store after
	// parsing the envelope.
	PayloadContentType string
	DataOnly           bool
	Kind               string
	Code               string
	Subject            string
	EventID            string
	SigningSecret      string

	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error
}

// MediationResult classifies a mediator call.
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultErrorConfig     MediationResult = "ERROR_CONFIG"     // 4xx, do not retry
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // 5xx or ack=false, retry
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // network error or timeout, retry
)

// MediationOutcome is the result of one mediator invocation, including an
// optional endpoint-requested redelivery delay.
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

// HasCustomDelay reports whether the endpoint requested an explicit delay.
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// GetEffectiveDelaySeconds returns the requested delay in whole seconds.
func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator performs the outbound call for a message.
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// MessageCallback settles a message with the broker once the pool has
// decided its fate. Each method maps to exactly one broker-side operation.
type MessageCallback interface {
	// Ack removes the message permanently.
	Ack(msg *MessagePointer)

	// Nack makes the message visible again after the default retry delay.
	Nack(msg *MessagePointer)

	// NackWithDelay makes the message visible again after an explicit delay.
	NackWithDelay(msg *MessagePointer, seconds int)

	// FastFail nacks with a short delay. Used when no mediator call was
	// attempted (rate limit, failed batch+group, pool rejection) so the
	// broker retries promptly.
	FastFail(msg *MessagePointer)

	// ExtendVisibility resets the invisibility timer without removing.
	ExtendVisibility(msg *MessagePointer)
}

// Pool is a bounded processing envelope for one pool code.
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// ProcessPool delivers messages to the mediator with at most one in-flight
// call per message group, at most `concurrency` in-flight calls overall,
// and an optional pool-wide rate limit checked before a permit is taken.
type ProcessPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int
	semaphore     chan struct{}

	running            atomic.Bool
	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int

	mediator Mediator
	callback MessageCallback

	// One queue and one worker goroutine per message group. Workers are
	// created on first submit and exit after groupIdleTimeout with an empty
	// queue; a later submit restarts them.
	groupQueues  sync.Map // group -> chan *MessagePointer
	groupWorkers sync.Map // group -> bool, presence marks a live worker

	queuedTotal atomic.Int32

	// Batch+group FIFO: once a message from a (batchId, group) key fails
	// retriably, every later message with the same key is fast-failed so the
	// broker redelivers them behind the failed one. Both entries are dropped
	// when the key's pending count reaches zero.
	failedBatchGroups      sync.Map // key -> bool
	batchGroupMessageCount sync.Map // key -> *atomic.Int32

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

const (
	// DefaultGroup is the sentinel for messages without a group. The same
	// sentinel is applied at every boundary that keys on the group.
	DefaultGroup = "default"

	// groupIdleTimeout is how long a group worker lingers on an empty queue
	// before exiting.
	groupIdleTimeout = 5 * time.Minute

	// gaugeUpdateInterval is the cadence of the pool gauge publisher.
	gaugeUpdateInterval = 500 * time.Millisecond

	// shutdownWait bounds the drain of worker goroutines on Shutdown.
	shutdownWait = 10 * time.Second
)

// NewProcessPool creates a pool for poolCode with the given concurrency,
// total queue capacity, and optional rate limit in messages per minute.
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	callback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		queueCapacity:      queueCapacity,
		semaphore:          make(chan struct{}, concurrency),
		mediator:           mediator,
		callback:           callback,
		rateLimitPerMinute: rateLimitPerMinute,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}

	for i := 0; i < concurrency; i++ {
		p.semaphore <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		p.rateLimiter = newMinuteLimiter(*rateLimitPerMinute)
		slog.Info("Created pool rate limiter",
			"pool", poolCode,
			"rateLimitPerMinute", *rateLimitPerMinute)
	}

	return p
}

// newMinuteLimiter builds a token bucket refilling at perMinute/60 tokens
// per second with burst perMinute.
func newMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// Start begins accepting submissions and starts the gauge publisher.
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Process pool started",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency),
			"queueCapacity", p.queueCapacity)
	}
}

// Drain stops accepting new submissions; queued messages still complete.
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool",
		"pool", p.poolCode,
		"queued", p.queuedTotal.Load())
	p.running.Store(false)
}

// Submit enqueues a message onto its group's queue. Returns false when the
// pool is not accepting work or the total capacity is exhausted.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := groupOf(msg)
	batchGroupKey := batchGroupKeyOf(msg)
	if batchGroupKey != "" {
		counter, _ := p.batchGroupMessageCount.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	queueIface, created := p.groupQueues.LoadOrStore(groupID, make(chan *MessagePointer, p.queueCapacity))
	groupQueue := queueIface.(chan *MessagePointer)

	if created {
		p.startGroupWorker(groupID, groupQueue)
	} else if _, live := p.groupWorkers.Load(groupID); !live {
		// Worker exited (idle or died); restart it for the new submission.
		slog.Debug("Restarting worker for message group",
			"pool", p.poolCode,
			"group", groupID)
		p.startGroupWorker(groupID, groupQueue)
	}

	if int(p.queuedTotal.Load()) >= p.queueCapacity {
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		if batchGroupKey != "" {
			p.releaseBatchGroup(batchGroupKey)
		}
		return false
	}

	select {
	case groupQueue <- msg:
		p.queuedTotal.Add(1)
		return true
	default:
		if batchGroupKey != "" {
			p.releaseBatchGroup(batchGroupKey)
		}
		return false
	}
}

func groupOf(msg *MessagePointer) string {
	if msg.MessageGroupID == "" {
		return DefaultGroup
	}
	return msg.MessageGroupID
}

func batchGroupKeyOf(msg *MessagePointer) string {
	if msg.BatchID == "" {
		return ""
	}
	return msg.BatchID + "|" + groupOf(msg)
}

func (p *ProcessPool) startGroupWorker(groupID string, groupQueue chan *MessagePointer) {
	p.groupWorkers.Store(groupID, true)
	p.wg.Add(1)
	go p.runGroupWorker(groupID, groupQueue)
}

// runGroupWorker drains one group's queue sequentially, preserving FIFO
// within the group. It exits when the pool shuts down or when the queue has
// been empty for groupIdleTimeout.
func (p *ProcessPool) runGroupWorker(groupID string, groupQueue chan *MessagePointer) {
	defer p.wg.Done()
	defer p.groupWorkers.Delete(groupID)

	idle := time.NewTimer(groupIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case msg := <-groupQueue:
			if msg == nil {
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(groupIdleTimeout)

			p.queuedTotal.Add(-1)
			p.deliver(msg)

		case <-idle.C:
			if len(groupQueue) == 0 {
				slog.Debug("Message group idle, worker exiting",
					"pool", p.poolCode,
					"group", groupID)
				p.groupQueues.Delete(groupID)
				return
			}
			idle.Reset(groupIdleTimeout)
		}
	}
}

// deliver performs the pre-flight checks, takes a semaphore permit, invokes
// the mediator, and settles the message. The permit is released on every
// exit path including panic.
func (p *ProcessPool) deliver(msg *MessagePointer) {
	var permitHeld bool

	defer func() {
		if permitHeld {
			p.semaphore <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("Panic during message delivery",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			p.nackSafely(msg)
		}
	}()

	batchGroupKey := batchGroupKeyOf(msg)

	// A retriable failure earlier in this batch+group means this message
	// must not overtake it; fast-fail without touching the mediator.
	if batchGroupKey != "" {
		if _, failed := p.failedBatchGroups.Load(batchGroupKey); failed {
			slog.Warn("Message behind a failed batch+group, fast-failing to preserve order",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"batchGroup", batchGroupKey)
			p.callback.FastFail(msg)
			p.releaseBatchGroup(batchGroupKey)
			return
		}
	}

	// Rate limit is checked before the permit so a throttled message never
	// holds capacity away from other groups.
	if p.rateLimitExceeded() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		slog.Warn("Rate limit exceeded, fast-failing message",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.callback.FastFail(msg)
		if batchGroupKey != "" {
			p.releaseBatchGroup(batchGroupKey)
		}
		return
	}

	select {
	case <-p.semaphore:
		permitHeld = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		if batchGroupKey != "" {
			p.releaseBatchGroup(batchGroupKey)
		}
		return
	}

	slog.Debug("Delivering message via mediator",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"target", msg.MediationTarget)

	startTime := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(startTime)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	slog.Info("Message delivery completed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", resultOf(outcome),
		"duration", duration)

	p.applyOutcome(msg, outcome, batchGroupKey)
}

func resultOf(outcome *MediationOutcome) string {
	if outcome == nil {
		return string(MediationResultErrorProcess)
	}
	return string(outcome.Result)
}

func (p *ProcessPool) rateLimitExceeded() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return !limiter.Allow()
}

// applyOutcome maps a mediation outcome to ack/nack plus batch+group
// bookkeeping. Retriable outcomes mark the batch+group failed so later
// messages with the same key cannot overtake the redelivery.
func (p *ProcessPool) applyOutcome(msg *MessagePointer, outcome *MediationOutcome, batchGroupKey string) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.callback.Ack(msg)
		if batchGroupKey != "" {
			p.releaseBatchGroup(batchGroupKey)
		}

	case MediationResultErrorConfig:
		// 4xx is a poison message; ack so the broker stops redelivering it.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		slog.Warn("Configuration error, acking to stop retries",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"statusCode", outcome.StatusCode)
		p.callback.Ack(msg)
		if batchGroupKey != "" {
			p.releaseBatchGroup(batchGroupKey)
		}

	case MediationResultErrorProcess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if outcome.HasCustomDelay() {
			delaySeconds := outcome.GetEffectiveDelaySeconds()
			slog.Warn("Transient error, nacking with endpoint-requested delay",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"delaySeconds", delaySeconds)
			p.callback.NackWithDelay(msg, delaySeconds)
		} else {
			slog.Warn("Transient error, nacking for retry",
				"pool", p.poolCode,
				"messageId", msg.ID)
			p.callback.Nack(msg)
		}
		p.markBatchGroupFailed(batchGroupKey)

	case MediationResultErrorConnection:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		slog.Warn("Connection error, nacking for retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"error", outcome.Error)
		p.callback.Nack(msg)
		p.markBatchGroupFailed(batchGroupKey)

	default:
		slog.Warn("Unknown mediation result, nacking for retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"result", string(outcome.Result))
		p.callback.Nack(msg)
		p.markBatchGroupFailed(batchGroupKey)
	}
}

func (p *ProcessPool) markBatchGroupFailed(batchGroupKey string) {
	if batchGroupKey == "" {
		return
	}
	p.failedBatchGroups.Store(batchGroupKey, true)
	slog.Warn("Batch+group marked failed",
		"pool", p.poolCode,
		"batchGroup", batchGroupKey)
	p.releaseBatchGroup(batchGroupKey)
}

func (p *ProcessPool) nackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.callback.Nack(msg)
}

// releaseBatchGroup decrements the key's pending count; at zero both the
// count and any failure mark are removed.
func (p *ProcessPool) releaseBatchGroup(batchGroupKey string) {
	if counterIface, ok := p.batchGroupMessageCount.Load(batchGroupKey); ok {
		counter := counterIface.(*atomic.Int32)
		if counter.Add(-1) <= 0 {
			p.batchGroupMessageCount.Delete(batchGroupKey)
			p.failedBatchGroups.Delete(batchGroupKey)
		}
	}
}

// GetPoolCode returns the pool code.
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the current permit count.
func (p *ProcessPool) GetConcurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// GetRateLimitPerMinute returns the configured rate limit, nil if none.
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

// IsFullyDrained reports whether no message is queued or in flight.
func (p *ProcessPool) IsFullyDrained() bool {
	return p.queuedTotal.Load() == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown stops the pool: no new submits, gauge publisher stopped, worker
// context cancelled, then a bounded wait for workers to exit.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(shutdownWait):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the total queued message count across groups.
func (p *ProcessPool) GetQueueSize() int {
	return int(p.queuedTotal.Load())
}

// GetActiveWorkers returns the number of permits currently held.
func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// GetQueueCapacity returns the total queue capacity.
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity reports whether the pool can absorb needed more messages.
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited reports whether the token bucket is currently empty.
func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency changes the permit count. An increase adds permits
// immediately. A decrease must acquire the delta within timeoutSeconds; on
// timeout the acquired permits are returned and the old limit stands.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		for i := 0; i < newLimit-current; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode,
			"from", current,
			"to", newLimit)
		return true
	}

	diff := current - newLimit
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out, keeping previous limit",
				"pool", p.poolCode,
				"from", current,
				"to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit replaces the limiter. nil or non-positive disables it.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	p.rateLimiter = newMinuteLimiter(*newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimitPerMinute", *newRateLimitPerMinute)
}

// runGaugeUpdater publishes pool gauges on a fixed cadence until Shutdown.
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(gaugeUpdateInterval)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(p.GetQueueSize()))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(p.countMessageGroups()))
}

func (p *ProcessPool) countMessageGroups() int {
	count := 0
	p.groupQueues.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
