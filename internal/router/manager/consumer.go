package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
)

const (
	// routeBatchMax bounds how many messages are routed under one batch id.
	routeBatchMax = 10

	// routeBatchGather is how long the consumer waits for more messages
	// before routing a partial batch.
	routeBatchGather = 50 * time.Millisecond

	enrichTimeout = 10 * time.Second
)

// ConsumerHealthConfig controls stall detection and automatic restart of
// the consumer loop.
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// DefaultConsumerHealthConfig returns the stock health-monitor settings.
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// Consumer drains the broker, parses envelopes, drops poison and duplicate
// messages, and hands batches to the queue manager for routing.
type Consumer struct {
	manager  *QueueManager
	consumer queue.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastActivity   atomic.Int64 // unix seconds of creation or of the last received message
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool
}

// NewConsumer creates a consumer feeding manager from queueConsumer.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:  manager,
		consumer: queueConsumer,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) touch() {
	c.lastActivity.Store(time.Now().Unix())
}

// GetLastActivity returns the time of the last received message, or the
// creation time if none has arrived. Polls that return no message do not
// update it.
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IsStalled reports whether the health monitor considers this consumer
// stalled.
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// GetRestartCount returns how many times this consumer has been restarted.
func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start launches the consume loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("Consumer started")
}

// Stop cancels the consume loop and waits for it to exit.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("Consumer stopped")
}

// consume pumps broker messages into a gather loop so that messages
// arriving together are routed under one batch id.
func (c *Consumer) consume() {
	msgCh := make(chan queue.Message, routeBatchMax)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.gatherAndRoute(msgCh)
	}()

	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.touch()
		select {
		case msgCh <- msg:
		case <-c.ctx.Done():
		}
		return nil
	})
	close(msgCh)

	if err != nil && err != context.Canceled {
		slog.Error("Consumer error", "error", err)
	}
}

// gatherAndRoute collects messages into batches, bounded by routeBatchMax
// and routeBatchGather, and routes each batch.
func (c *Consumer) gatherAndRoute(msgCh <-chan queue.Message) {
	for {
		first, ok := <-msgCh
		if !ok {
			return
		}

		batch := []queue.Message{first}
		gather := time.NewTimer(routeBatchGather)
	collect:
		for len(batch) < routeBatchMax {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					break collect
				}
				batch = append(batch, msg)
			case <-gather.C:
				break collect
			}
		}
		gather.Stop()

		c.routeBatch(batch)
	}
}

// routeBatch parses and screens one gathered batch, then hands the
// survivors to the manager. Poison messages and in-batch duplicates are
// acked here and never reach the routing maps.
func (c *Consumer) routeBatch(raw []queue.Message) {
	seen := make(map[string]bool, len(raw))
	messages := make([]*DispatchMessage, 0, len(raw))

	for _, rawMsg := range raw {
		var envelope model.MessagePointer
		if err := json.Unmarshal(rawMsg.Data(), &envelope); err != nil {
			slog.Warn("Malformed envelope, acking poison message", "error", err, "brokerMessageId", rawMsg.ID())
			if c.manager.warningService != nil {
				c.manager.warningService.AddWarning("MALFORMED_ENVELOPE", "WARN",
					"unparseable message body acked: "+err.Error(), "Consumer")
			}
			if err := rawMsg.Ack(); err != nil {
				slog.Error("Failed to ack poison message", "error", err)
			}
			continue
		}

		if seen[envelope.ID] {
			slog.Debug("Duplicate envelope id within batch, acking duplicate", "jobId", envelope.ID)
			if err := rawMsg.Ack(); err != nil {
				slog.Error("Failed to ack in-batch duplicate", "error", err, "jobId", envelope.ID)
			}
			continue
		}
		seen[envelope.ID] = true

		msg := &DispatchMessage{
			JobID:            envelope.ID,
			BrokerMessageID:  rawMsg.ID(),
			DispatchPoolCode: envelope.PoolCode,
			MessageGroup:     envelope.MessageGroupID,
			TargetURL:        envelope.MediationTarget,
			AuthToken:        envelope.AuthToken,
			MediationType:    string(envelope.MediationType),
		}
		wireCallbacks(msg, rawMsg)
		c.enrich(msg)

		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return
	}

	result := c.manager.RouteBatch(messages)
	metrics.QueueMessagesConsumed.WithLabelValues("router").Add(float64(result.Submitted))
}

// enrich looks up the job's business fields from the store; the wire
// envelope carries routing identity only.
func (c *Consumer) enrich(msg *DispatchMessage) {
	if c.manager.jobRepo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, enrichTimeout)
	defer cancel()

	job, err := c.manager.jobRepo.FindByID(ctx, msg.JobID)
	if err != nil {
		slog.Warn("Failed to enrich message from job store", "jobId", msg.JobID, "error", err)
		return
	}
	if job == nil {
		return
	}

	msg.Payload = job.Payload
	msg.PayloadContentType = job.PayloadContentType
	msg.DataOnly = job.DataOnly
	msg.Kind = string(job.Kind)
	msg.Code = job.Code
	msg.Subject = job.Subject
	msg.EventID = job.EventID
	msg.TimeoutSeconds = job.TimeoutSeconds
	msg.MaxRetries = job.MaxRetries
	msg.Headers = job.Headers
}

// ConsumerFactory builds a fresh queue consumer when the health monitor
// replaces a stalled one.
type ConsumerFactory func() queue.Consumer

// Router ties the queue manager, consumer, and health monitor together.
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRouter creates a message router consuming from queueConsumer.
func NewRouter(queueConsumer queue.Consumer, mediatorCfg *mediator.HTTPMediatorConfig) *Router {
	manager := NewQueueManager(mediatorCfg)

	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer)
	}

	return &Router{
		manager:      manager,
		consumer:     consumer,
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

// WithConsumerFactory wires a factory for replacing stalled consumers.
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig overrides the health-monitor settings.
func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

// Start starts the manager, the consumer, and the health monitor. After a
// Stop (standby handover), the consumer is rebuilt since its context is
// already cancelled.
func (r *Router) Start() {
	r.manager.Start()

	r.consumerMu.Lock()
	if r.consumer != nil && r.consumer.ctx.Err() != nil {
		queueConsumer := r.consumer.consumer
		if r.consumerFactory != nil {
			if fresh := r.consumerFactory(); fresh != nil {
				queueConsumer = fresh
			}
		}
		r.consumer = NewConsumer(r.manager, queueConsumer)
	}
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("Consumer health monitor started",
			"checkInterval", r.healthConfig.CheckInterval,
			"stallThreshold", r.healthConfig.StallThreshold,
			"maxRestarts", r.healthConfig.MaxRestartAttempts)
	}

	slog.Info("Message router started")
}

// Stop stops the health monitor, the consumer, and the manager in that
// order so nothing routes into a stopping manager.
func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("Message router stopped")
}

// Manager returns the queue manager.
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// Consumer returns the current consumer.
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

// checkConsumerHealth restarts the consumer when it has gone silent for
// longer than the stall threshold, up to the restart budget.
func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer == nil {
		return
	}

	stalledFor := time.Since(consumer.GetLastActivity())
	if stalledFor < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("Consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()

	metrics.ConsumerStallEvents.Inc()

	slog.Warn("Consumer appears stalled",
		"stalledFor", stalledFor,
		"restartAttempts", restartCount,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts, manual intervention required",
			"attempts", restartCount)
		return
	}

	r.restartConsumer()
}

func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Info("Restarting stalled consumer",
		"attempt", attempt,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	queueConsumer := oldConsumer.consumer
	if r.consumerFactory != nil {
		if fresh := r.consumerFactory(); fresh != nil {
			queueConsumer = fresh
		}
	}

	newConsumer := NewConsumer(r.manager, queueConsumer)
	newConsumer.restartCount = attempt
	newConsumer.Start()
	r.consumer = newConsumer

	slog.Info("Consumer restarted", "attempt", attempt)
}
