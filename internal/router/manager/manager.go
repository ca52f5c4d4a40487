// Package manager owns the consumer side of the dispatch pipeline: it
// tracks every message the router has in flight, multiplexes batches into
// per-pool processing, and settles each message with the broker once a pool
// has decided its fate.
//
// All pipeline state (in-flight records, the job-id index, active and
// draining pools) is owned by a single goroutine. Every mutation arrives as
// a typed command on one channel, so no map is ever touched from two
// goroutines and no lock ordering exists to get wrong.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/platform/dispatchpool"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/pool"
)

const (
	// DefaultPoolCode is the fallback pool for envelopes naming a pool that
	// has not been configured.
	DefaultPoolCode = "DEFAULT-POOL"

	// DefaultPoolConcurrency is the permit count for lazily-created pools.
	DefaultPoolConcurrency = 20

	// MinQueueCapacity floors the queue capacity of lazily-created pools.
	MinQueueCapacity = 50

	queueCapacityMultiplier = 2

	// drainCheckInterval is how often draining pools are checked for
	// remaining in-flight messages.
	drainCheckInterval = 10 * time.Second
)

// StandbyChecker reports whether this instance currently holds the primary
// role. A non-primary router acknowledges inbound batches without routing.
type StandbyChecker interface {
	IsPrimary() bool
}

// WarningService receives operator-facing warnings raised by the pipeline.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// PoolConfig describes one processing pool.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// ConfigSyncConfig controls periodic pool-configuration sync.
type ConfigSyncConfig struct {
	Enabled  bool
	Interval time.Duration
	// InitialRetryAttempts and InitialRetryDelay govern the startup sync,
	// which must succeed before the router is considered initialized.
	InitialRetryAttempts   int
	InitialRetryDelay      time.Duration
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns the stock sync settings.
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig controls removal of in-flight records that have
// outlived any plausible processing time.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

// DefaultPipelineCleanupConfig returns the stock cleanup settings.
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig controls periodic visibility extension for
// in-flight messages, guarding long mediator calls against redelivery.
type VisibilityExtenderConfig struct {
	Enabled bool
	// Interval is the extension cadence; it must undercut the broker's
	// visibility timeout.
	Interval time.Duration
	// Threshold is the minimum in-flight age before a message is extended.
	// Zero extends every in-flight message.
	Threshold time.Duration
	// ExtensionSeconds is the visibility window granted by each extension.
	ExtensionSeconds int32
}

// DefaultVisibilityExtenderConfig returns the stock extender settings.
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:          true,
		Interval:         55 * time.Second,
		Threshold:        0,
		ExtensionSeconds: 120,
	}
}

// LeakDetectionConfig controls the periodic invariant check over the
// pipeline tracking maps.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
	// StaleAge is the in-flight age past which an entry is reported.
	StaleAge time.Duration
}

// DefaultLeakDetectionConfig returns the stock leak-check settings.
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
		StaleAge: 5 * time.Minute,
	}
}

// inflightRecord is the single source of truth for one consumed message:
// the parsed envelope plus broker callbacks, the pool it was routed to, and
// when it entered the pipeline.
type inflightRecord struct {
	msg         *DispatchMessage
	routedPool  string
	submittedAt time.Time
}

// pipelineState is the actor-owned state. Only the run goroutine touches
// these maps.
type pipelineState struct {
	// inPipeline keys by broker message id; jobIndex keys by job id and
	// points back at the broker id. The two maps grow and shrink together;
	// divergence is a leak.
	inPipeline map[string]*inflightRecord
	jobIndex   map[string]string

	pools    map[string]*pool.ProcessPool
	draining map[string]*pool.ProcessPool
}

// command is the actor protocol. Each variant is handled in run().
type command interface{ isCommand() }

type routeBatchCmd struct {
	messages []*DispatchMessage
	reply    chan BatchRouteResult
}

type completeCmd struct {
	brokerMessageID string
	jobID           string
	outcome         settleOutcome
	reply           chan *inflightRecord
}

// settleOutcome classifies how a pool settled a message, for the
// per-pool stats service.
type settleOutcome int

const (
	outcomeUnknown settleOutcome = iota
	outcomeSuccess
	outcomeFailure
	outcomeFastFail
)

type applyPoolConfigsCmd struct {
	configs []PoolConfig
	reply   chan bool
}

type ensurePoolCmd struct {
	config PoolConfig
	reply  chan *pool.ProcessPool
}

type collectExtendableCmd struct {
	olderThan time.Duration
	reply     chan []func() error
}

type leakCheckCmd struct{}

type cleanupCmd struct {
	ttl time.Duration
}

type drainCheckCmd struct{}

type snapshotCmd struct {
	reply chan PipelineSnapshot
}

type stopCmd struct {
	reply chan []*pool.ProcessPool
}

func (routeBatchCmd) isCommand()        {}
func (completeCmd) isCommand()          {}
func (applyPoolConfigsCmd) isCommand()  {}
func (ensurePoolCmd) isCommand()        {}
func (collectExtendableCmd) isCommand() {}
func (leakCheckCmd) isCommand()         {}
func (cleanupCmd) isCommand()           {}
func (drainCheckCmd) isCommand()        {}
func (snapshotCmd) isCommand()          {}
func (stopCmd) isCommand()              {}

// PipelineSnapshot is a point-in-time view of the actor state for
// monitoring endpoints and tests.
type PipelineSnapshot struct {
	PipelineSize  int
	JobIndexSize  int
	ActivePools   []string
	DrainingPools []string
	TotalCapacity int
}

// BatchRouteResult reports what happened to each message of a routed batch.
// The settles slice carries broker operations the caller must perform; the
// actor never blocks on broker I/O.
type BatchRouteResult struct {
	Submitted    int
	Deduplicated int
	Rejected     int
	FailBarrier  int
	Standby      int

	settles []settle
}

type settleOp int

const (
	settleAck settleOp = iota
	settleNackZero
	settleFastFail
)

type settle struct {
	msg *DispatchMessage
	op  settleOp
}

// QueueManager routes consumed messages into processing pools and tracks
// every in-flight message until a pool settles it.
type QueueManager struct {
	cmds chan command

	mediator *mediator.HTTPMediator
	callback *brokerCallback

	syncConfig          *ConfigSyncConfig
	cleanupConfig       *PipelineCleanupConfig
	visibilityConfig    *VisibilityExtenderConfig
	leakDetectionConfig *LeakDetectionConfig

	standbyChecker StandbyChecker
	warningService WarningService

	// jobRepo enriches a routed envelope with the business fields the
	// mediator needs to build the signed webhook body. Nil in deployments
	// that route without a database.
	jobRepo  dispatchjob.Repository
	poolRepo dispatchpool.Repository

	// poolMetrics, when wired, aggregates per-pool processing statistics
	// for the health surface.
	poolMetrics routermetrics.PoolMetricsService

	running     atomic.Bool
	initialized atomic.Bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
	actorWg    sync.WaitGroup
}

// NewQueueManager creates a queue manager delivering through an HTTP
// mediator built from mediatorCfg.
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	m := &QueueManager{
		cmds:                make(chan command, 256),
		mediator:            mediator.NewHTTPMediator(mediatorCfg),
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	m.callback = &brokerCallback{manager: m}
	return m
}

// WithConfigSync enables periodic pool-configuration sync from the store.
func (m *QueueManager) WithConfigSync(db *mongo.Database, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	cfg.Enabled = true
	m.poolRepo = dispatchpool.NewRepository(db)
	m.syncConfig = cfg
	return m
}

// WithJobStore wires a dispatch job repository so the router can enrich a
// routed envelope with the payload, kind, code, subject and eventId fields
// the mediator needs. These never travel on the wire envelope itself.
func (m *QueueManager) WithJobStore(repo dispatchjob.Repository) *QueueManager {
	m.jobRepo = repo
	return m
}

// WithStandbyChecker wires primary/standby awareness. When the checker
// reports standby, inbound batches are acknowledged without routing.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithPoolMetrics wires the per-pool statistics service consumed by the
// health surface.
func (m *QueueManager) WithPoolMetrics(svc routermetrics.PoolMetricsService) *QueueManager {
	m.poolMetrics = svc
	return m
}

// WithWarningService wires the sink for pipeline warnings.
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithLeakDetection overrides the leak-check settings.
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithVisibilityExtender overrides the visibility-extension settings.
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup overrides the stale-record cleanup settings.
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// Start launches the state-owning goroutine and the periodic loops.
func (m *QueueManager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.loopCtx, m.loopCancel = context.WithCancel(context.Background())

	m.actorWg.Add(1)
	go m.run()

	if m.syncConfig.Enabled && m.poolRepo != nil {
		m.loopWg.Add(1)
		go m.runConfigSync()
		slog.Info("Pool config sync started", "interval", m.syncConfig.Interval)
	} else {
		m.initialized.Store(true)
	}

	if m.cleanupConfig.Enabled {
		m.loopWg.Add(1)
		go m.runTicker(m.cleanupConfig.Interval, func() {
			m.send(cleanupCmd{ttl: m.cleanupConfig.TTL})
		})
	}

	if m.visibilityConfig.Enabled {
		m.loopWg.Add(1)
		go m.runTicker(m.visibilityConfig.Interval, m.extendVisibilityTick)
	}

	if m.leakDetectionConfig.Enabled {
		m.loopWg.Add(1)
		go m.runTicker(m.leakDetectionConfig.Interval, func() {
			m.send(leakCheckCmd{})
		})
	}

	m.loopWg.Add(1)
	go m.runTicker(drainCheckInterval, func() {
		m.send(drainCheckCmd{})
	})

	slog.Info("Queue manager started")
}

// Stop halts the periodic loops, drains the actor, and shuts every pool
// down.
func (m *QueueManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}

	m.loopCancel()
	m.loopWg.Wait()

	reply := make(chan []*pool.ProcessPool, 1)
	m.cmds <- stopCmd{reply: reply}
	pools := <-reply
	m.actorWg.Wait()

	for _, p := range pools {
		slog.Info("Shutting down pool", "pool", p.GetPoolCode())
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// IsRunning reports whether the manager is accepting batches.
func (m *QueueManager) IsRunning() bool {
	return m.running.Load()
}

// send delivers a fire-and-forget command, dropping it if the actor has
// already stopped.
func (m *QueueManager) send(cmd command) {
	if !m.running.Load() {
		return
	}
	select {
	case m.cmds <- cmd:
	case <-m.loopCtx.Done():
	}
}

// RouteBatch hands a consumed batch to the actor and then performs the
// broker settles it decided on. Safe to call from any goroutine.
func (m *QueueManager) RouteBatch(messages []*DispatchMessage) BatchRouteResult {
	if len(messages) == 0 {
		return BatchRouteResult{}
	}

	if !m.running.Load() {
		result := BatchRouteResult{Rejected: len(messages)}
		for _, msg := range messages {
			nackSafely(msg)
		}
		return result
	}

	reply := make(chan BatchRouteResult, 1)
	var result BatchRouteResult
	select {
	case m.cmds <- routeBatchCmd{messages: messages, reply: reply}:
		result = <-reply
	case <-m.loopCtx.Done():
		for _, msg := range messages {
			nackSafely(msg)
		}
		return BatchRouteResult{Rejected: len(messages)}
	}

	for _, s := range result.settles {
		m.performSettle(s)
	}
	result.settles = nil
	return result
}

// performSettle executes one broker operation decided by the actor.
func (m *QueueManager) performSettle(s settle) {
	switch s.op {
	case settleAck:
		if s.msg.AckFunc != nil {
			if err := s.msg.AckFunc(); err != nil {
				slog.Error("Failed to ack message", "error", err, "messageId", s.msg.JobID)
			}
		}
	case settleNackZero:
		if s.msg.NakDelayFunc != nil {
			if err := s.msg.NakDelayFunc(0); err != nil {
				slog.Error("Failed to nack redelivery", "error", err, "messageId", s.msg.JobID)
			}
		}
	case settleFastFail:
		if s.msg.NakDelayFunc != nil {
			if err := s.msg.NakDelayFunc(fastFailDelay); err != nil {
				slog.Error("Failed to fast-fail message", "error", err, "messageId", s.msg.JobID)
			}
		}
	}
}

// complete removes one message from the tracking maps, returning its record
// or nil if it was not in flight. Called by the broker callback before the
// corresponding broker operation.
func (m *QueueManager) complete(brokerMessageID, jobID string, outcome settleOutcome) *inflightRecord {
	if !m.running.Load() {
		return nil
	}
	reply := make(chan *inflightRecord, 1)
	select {
	case m.cmds <- completeCmd{brokerMessageID: brokerMessageID, jobID: jobID, outcome: outcome, reply: reply}:
		return <-reply
	case <-m.loopCtx.Done():
		return nil
	}
}

// ApplyPoolConfigs reconciles the pool set against configs: new pools
// deploy, changed pools update, pools no longer present drain. Used by the
// periodic store sync and by file-based pool configuration at startup.
func (m *QueueManager) ApplyPoolConfigs(configs []PoolConfig) bool {
	if !m.running.Load() {
		return false
	}
	reply := make(chan bool, 1)
	select {
	case m.cmds <- applyPoolConfigsCmd{configs: configs, reply: reply}:
		return <-reply
	case <-m.loopCtx.Done():
		return false
	}
}

// EnsurePool creates (or returns) a pool with the given configuration.
func (m *QueueManager) EnsurePool(cfg PoolConfig) *pool.ProcessPool {
	if !m.running.Load() {
		return nil
	}
	reply := make(chan *pool.ProcessPool, 1)
	select {
	case m.cmds <- ensurePoolCmd{config: cfg, reply: reply}:
		return <-reply
	case <-m.loopCtx.Done():
		return nil
	}
}

// Snapshot returns a point-in-time view of the pipeline state.
func (m *QueueManager) Snapshot() PipelineSnapshot {
	if !m.running.Load() {
		return PipelineSnapshot{}
	}
	reply := make(chan PipelineSnapshot, 1)
	select {
	case m.cmds <- snapshotCmd{reply: reply}:
		return <-reply
	case <-m.loopCtx.Done():
		return PipelineSnapshot{}
	}
}

// GetPipelineSize returns the number of in-flight messages.
func (m *QueueManager) GetPipelineSize() int {
	return m.Snapshot().PipelineSize
}

// GetTotalPoolCapacity returns the summed queue capacity of active pools.
func (m *QueueManager) GetTotalPoolCapacity() int {
	return m.Snapshot().TotalCapacity
}

// run is the actor loop. It is the only goroutine that reads or writes
// pipelineState.
func (m *QueueManager) run() {
	defer m.actorWg.Done()

	state := &pipelineState{
		inPipeline: make(map[string]*inflightRecord),
		jobIndex:   make(map[string]string),
		pools:      make(map[string]*pool.ProcessPool),
		draining:   make(map[string]*pool.ProcessPool),
	}

	for cmd := range m.cmds {
		switch c := cmd.(type) {
		case routeBatchCmd:
			c.reply <- m.routeBatch(state, c.messages)

		case completeCmd:
			rec, ok := state.inPipeline[c.brokerMessageID]
			if ok {
				delete(state.inPipeline, c.brokerMessageID)
				delete(state.jobIndex, rec.msg.JobID)
			} else if c.jobID != "" {
				// The pool may settle by job id when the broker id was
				// never known (publisher-side routing in tests).
				if brokerID, found := state.jobIndex[c.jobID]; found {
					rec = state.inPipeline[brokerID]
					delete(state.inPipeline, brokerID)
					delete(state.jobIndex, c.jobID)
				}
			}
			if rec != nil {
				m.recordSettle(rec, c.outcome)
			}
			c.reply <- rec

		case applyPoolConfigsCmd:
			c.reply <- m.applyPoolConfigs(state, c.configs)

		case ensurePoolCmd:
			c.reply <- m.ensurePool(state, c.config)

		case collectExtendableCmd:
			var fns []func() error
			cutoff := time.Now().Add(-c.olderThan)
			for _, rec := range state.inPipeline {
				if rec.msg.InProgressFunc != nil && !rec.submittedAt.After(cutoff) {
					fns = append(fns, rec.msg.InProgressFunc)
				}
			}
			c.reply <- fns

		case leakCheckCmd:
			m.checkForLeaks(state)

		case cleanupCmd:
			m.cleanupStaleRecords(state, c.ttl)

		case drainCheckCmd:
			m.checkDrainingPools(state)

		case snapshotCmd:
			c.reply <- snapshotOf(state)

		case stopCmd:
			pools := make([]*pool.ProcessPool, 0, len(state.pools)+len(state.draining))
			for _, p := range state.pools {
				pools = append(pools, p)
			}
			for _, p := range state.draining {
				pools = append(pools, p)
			}
			c.reply <- pools
			return
		}
	}
}

func snapshotOf(state *pipelineState) PipelineSnapshot {
	snap := PipelineSnapshot{
		PipelineSize: len(state.inPipeline),
		JobIndexSize: len(state.jobIndex),
	}
	for code, p := range state.pools {
		snap.ActivePools = append(snap.ActivePools, code)
		snap.TotalCapacity += p.GetQueueCapacity()
	}
	for code := range state.draining {
		snap.DrainingPools = append(snap.DrainingPools, code)
	}
	return snap
}

// routeBatch is the actor-side batch routing: one batch id for the whole
// batch, redelivery and requeue dedup against the tracking maps, pool
// lookup with default-pool fallback, and a per-group failure barrier on
// pool rejection.
func (m *QueueManager) routeBatch(state *pipelineState, messages []*DispatchMessage) BatchRouteResult {
	var result BatchRouteResult

	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		// Standby instances acknowledge inbound batches without routing.
		for _, msg := range messages {
			result.settles = append(result.settles, settle{msg: msg, op: settleAck})
		}
		result.Standby = len(messages)
		return result
	}

	batchID := tsid.Generate()
	rejectedGroups := make(map[string]bool)

	for _, msg := range messages {
		// A broker id already in flight is a visibility-timeout redelivery:
		// adopt the fresh receipt handle so the eventual settle uses a valid
		// one, and release the redelivery without delay.
		if existing, ok := state.inPipeline[msg.BrokerMessageID]; ok {
			adoptReceiptHandle(existing.msg, msg)
			result.settles = append(result.settles, settle{msg: msg, op: settleNackZero})
			result.Deduplicated++
			continue
		}

		// A known job id under a different broker id is an external
		// requeue; the copy already in flight wins and the duplicate is
		// removed permanently.
		if existingBrokerID, ok := state.jobIndex[msg.JobID]; ok && existingBrokerID != msg.BrokerMessageID {
			slog.Info("Requeued duplicate detected, acking duplicate",
				"jobId", msg.JobID,
				"inFlightBrokerId", existingBrokerID,
				"duplicateBrokerId", msg.BrokerMessageID)
			result.settles = append(result.settles, settle{msg: msg, op: settleAck})
			result.Deduplicated++
			continue
		}

		group := msg.MessageGroup
		if group == "" {
			group = pool.DefaultGroup
		}

		// A pool rejection earlier in this batch gates the rest of the
		// group so the rejected message is not overtaken.
		if rejectedGroups[group] {
			result.settles = append(result.settles, settle{msg: msg, op: settleFastFail})
			result.FailBarrier++
			continue
		}

		msg.BatchID = batchID

		targetPool, routedCode := m.resolvePool(state, msg.DispatchPoolCode)

		rec := &inflightRecord{msg: msg, routedPool: routedCode, submittedAt: time.Now()}
		state.inPipeline[msg.BrokerMessageID] = rec
		state.jobIndex[msg.JobID] = msg.BrokerMessageID

		if !targetPool.Submit(msg.pointer()) {
			delete(state.inPipeline, msg.BrokerMessageID)
			delete(state.jobIndex, msg.JobID)
			slog.Warn("Pool rejected message, gating rest of group in batch",
				"pool", routedCode,
				"messageId", msg.JobID,
				"group", group)
			result.settles = append(result.settles, settle{msg: msg, op: settleFastFail})
			rejectedGroups[group] = true
			result.Rejected++
			continue
		}

		metrics.RouterMessagesRouted.WithLabelValues(routedCode).Inc()
		if m.poolMetrics != nil {
			m.poolMetrics.RecordMessageSubmitted(routedCode)
		}
		result.Submitted++
	}

	slog.Debug("Batch routed",
		"batchId", batchID,
		"submitted", result.Submitted,
		"deduplicated", result.Deduplicated,
		"rejected", result.Rejected,
		"failBarrier", result.FailBarrier)

	return result
}

// resolvePool returns the pool for code, falling back to a lazily-created
// default pool when the code is unknown.
func (m *QueueManager) resolvePool(state *pipelineState, code string) (*pool.ProcessPool, string) {
	if code != "" {
		if p, ok := state.pools[code]; ok {
			return p, code
		}
	}

	if code != "" && code != DefaultPoolCode {
		metrics.RouterUnknownPoolFallbacks.Inc()
		slog.Warn("Unknown pool code, routing to default pool", "poolCode", code)
	}

	return m.ensurePool(state, PoolConfig{
		Code:          DefaultPoolCode,
		Concurrency:   DefaultPoolConcurrency,
		QueueCapacity: defaultQueueCapacity(DefaultPoolConcurrency),
	}), DefaultPoolCode
}

func defaultQueueCapacity(concurrency int) int {
	capacity := concurrency * queueCapacityMultiplier
	if capacity < MinQueueCapacity {
		return MinQueueCapacity
	}
	return capacity
}

// ensurePool returns the existing pool for cfg.Code or creates and starts a
// new one.
func (m *QueueManager) ensurePool(state *pipelineState, cfg PoolConfig) *pool.ProcessPool {
	if p, ok := state.pools[cfg.Code]; ok {
		return p
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultPoolConcurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity(cfg.Concurrency)
	}

	p := pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimitPerMinute,
		m.mediator,
		m.callback,
	)
	state.pools[cfg.Code] = p
	p.Start()

	if m.poolMetrics != nil {
		m.poolMetrics.InitializePoolCapacity(cfg.Code, cfg.Concurrency, cfg.QueueCapacity)
	}

	slog.Info("Created processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity)

	return p
}

// applyPoolConfigs reconciles the actor's pool set against the configured
// set: new pools deploy, changed pools update, removed pools drain.
func (m *QueueManager) applyPoolConfigs(state *pipelineState, configs []PoolConfig) bool {
	active := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		active[cfg.Code] = true

		existing, ok := state.pools[cfg.Code]
		if !ok {
			m.ensurePool(state, cfg)
			continue
		}

		if cfg.Concurrency > 0 && cfg.Concurrency != existing.GetConcurrency() {
			// A decrease can block acquiring permits; keep it off the
			// actor goroutine.
			go existing.UpdateConcurrency(cfg.Concurrency, 60)
		}
		existing.UpdateRateLimit(cfg.RateLimitPerMinute)
	}

	for code, p := range state.pools {
		if active[code] || code == DefaultPoolCode {
			continue
		}
		delete(state.pools, code)
		state.draining[code] = p
		p.Drain()
		slog.Info("Pool no longer configured, draining", "pool", code)
	}

	return true
}

// checkDrainingPools destroys draining pools once nothing in flight
// references them.
func (m *QueueManager) checkDrainingPools(state *pipelineState) {
	for code, p := range state.draining {
		referenced := false
		for _, rec := range state.inPipeline {
			if rec.routedPool == code {
				referenced = true
				break
			}
		}
		if referenced {
			continue
		}
		delete(state.draining, code)
		if m.poolMetrics != nil {
			m.poolMetrics.RemovePoolMetrics(code)
		}
		go func(code string, p *pool.ProcessPool) {
			p.Shutdown()
			slog.Info("Drained pool destroyed", "pool", code)
		}(code, p)
	}
}

// checkForLeaks asserts the tracking-map invariants and reports stale
// in-flight entries.
func (m *QueueManager) checkForLeaks(state *pipelineState) {
	if len(state.inPipeline) != len(state.jobIndex) {
		message := fmt.Sprintf("pipeline tracking maps diverged: inPipeline=%d jobIndex=%d",
			len(state.inPipeline), len(state.jobIndex))
		slog.Warn("LEAK DETECTION: " + message)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	staleCutoff := time.Now().Add(-m.leakDetectionConfig.StaleAge)
	stale := 0
	for _, rec := range state.inPipeline {
		if rec.submittedAt.Before(staleCutoff) {
			stale++
		}
	}
	if stale > 0 {
		message := fmt.Sprintf("%d in-flight messages older than %s", stale, m.leakDetectionConfig.StaleAge)
		slog.Warn("LEAK DETECTION: " + message)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_STALE_MESSAGES", "WARN", message, "QueueManager")
		}
	}

	totalCapacity := 0
	for _, p := range state.pools {
		totalCapacity += p.GetQueueCapacity()
	}
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}
	if len(state.inPipeline) > totalCapacity {
		message := fmt.Sprintf("in-flight count (%d) exceeds total pool capacity (%d)",
			len(state.inPipeline), totalCapacity)
		slog.Warn("LEAK DETECTION: " + message)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(len(state.inPipeline)))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))

	if m.poolMetrics != nil {
		for code, p := range state.pools {
			m.poolMetrics.UpdatePoolGauges(code,
				p.GetActiveWorkers(),
				p.GetConcurrency()-p.GetActiveWorkers(),
				p.GetQueueSize(),
				0)
		}
	}
}

// recordSettle feeds the per-pool stats service once a message's fate is
// known.
func (m *QueueManager) recordSettle(rec *inflightRecord, outcome settleOutcome) {
	if m.poolMetrics == nil {
		return
	}
	durationMs := time.Since(rec.submittedAt).Milliseconds()
	switch outcome {
	case outcomeSuccess:
		m.poolMetrics.RecordProcessingSuccess(rec.routedPool, durationMs)
	case outcomeFailure:
		m.poolMetrics.RecordProcessingFailure(rec.routedPool, durationMs, "mediation")
	case outcomeFastFail:
		m.poolMetrics.RecordProcessingTransient(rec.routedPool, durationMs)
	}
}

// cleanupStaleRecords drops records that outlived the TTL. The broker's
// visibility timeout will already have redelivered these messages; keeping
// the record would only block the redelivery as a false duplicate.
func (m *QueueManager) cleanupStaleRecords(state *pipelineState, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	cleaned := 0
	for brokerID, rec := range state.inPipeline {
		if rec.submittedAt.Before(cutoff) {
			delete(state.inPipeline, brokerID)
			delete(state.jobIndex, rec.msg.JobID)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Warn("Removed stale pipeline records",
			"count", cleaned,
			"ttl", ttl)
	}
}

// runTicker drives fn on a fixed cadence until Stop.
func (m *QueueManager) runTicker(interval time.Duration, fn func()) {
	defer m.loopWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// extendVisibilityTick collects the in-flight extension callbacks from the
// actor and performs the broker calls outside it.
func (m *QueueManager) extendVisibilityTick() {
	if !m.running.Load() {
		return
	}
	reply := make(chan []func() error, 1)
	select {
	case m.cmds <- collectExtendableCmd{olderThan: m.visibilityConfig.Threshold, reply: reply}:
	case <-m.loopCtx.Done():
		return
	}
	fns := <-reply

	extended := 0
	for _, fn := range fns {
		if err := fn(); err != nil {
			slog.Warn("Failed to extend visibility for in-flight message", "error", err)
		} else {
			extended++
		}
	}
	if extended > 0 {
		slog.Debug("Extended visibility for in-flight messages", "count", extended)
	}
}

// runConfigSync performs the initial pool sync (with retry) and then
// resyncs on a fixed cadence. Store reads happen here; the actor only ever
// sees the resulting config list.
func (m *QueueManager) runConfigSync() {
	defer m.loopWg.Done()

	if !m.initialSyncWithRetry() {
		if m.syncConfig.FailOnInitialSyncError {
			slog.Error("Initial pool config sync failed after all retries")
			panic("initial pool config sync failed")
		}
		slog.Error("Initial pool config sync failed, continuing with empty config")
	}

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
				continue
			}
			m.syncPoolConfigs()
		}
	}
}

func (m *QueueManager) initialSyncWithRetry() bool {
	maxAttempts := m.syncConfig.InitialRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
			slog.Info("In standby mode, waiting for primary before initial sync", "attempt", attempt)
		} else if m.syncPoolConfigs() {
			m.initialized.Store(true)
			slog.Info("Initial pool config sync completed", "attempt", attempt)
			return true
		}

		if attempt < maxAttempts {
			select {
			case <-m.loopCtx.Done():
				return false
			case <-time.After(m.syncConfig.InitialRetryDelay):
			}
		}
	}

	return false
}

// syncPoolConfigs loads the enabled pools from the store and hands them to
// the actor for reconciliation.
func (m *QueueManager) syncPoolConfigs() bool {
	ctx, cancel := context.WithTimeout(m.loopCtx, 30*time.Second)
	defer cancel()

	stored, err := m.poolRepo.FindAllEnabled(ctx)
	if err != nil {
		slog.Error("Failed to load pool configs from store", "error", err)
		return false
	}

	configs := make([]PoolConfig, 0, len(stored))
	for _, cfg := range stored {
		configs = append(configs, PoolConfig{
			Code:               cfg.Code,
			Concurrency:        cfg.GetConcurrencyOrDefault(DefaultPoolConcurrency),
			QueueCapacity:      cfg.GetQueueCapacityOrDefault(defaultQueueCapacity(DefaultPoolConcurrency)),
			RateLimitPerMinute: cfg.RateLimitPerMin,
		})
	}

	reply := make(chan bool, 1)
	select {
	case m.cmds <- applyPoolConfigsCmd{configs: configs, reply: reply}:
		return <-reply
	case <-m.loopCtx.Done():
		return false
	}
}

func nackSafely(msg *DispatchMessage) {
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.JobID)
		}
	}
}

// adoptReceiptHandle moves the redelivery's fresh receipt handle onto the
// in-flight copy so its eventual settle is not rejected as stale.
func adoptReceiptHandle(inFlight, redelivery *DispatchMessage) {
	if inFlight.UpdateReceiptHandleFunc == nil || redelivery.GetReceiptHandleFunc == nil {
		return
	}
	handle := redelivery.GetReceiptHandleFunc()
	if handle == "" {
		return
	}
	inFlight.UpdateReceiptHandleFunc(handle)
	slog.Info("Adopted fresh receipt handle for in-flight message",
		"jobId", inFlight.JobID,
		"brokerMessageId", inFlight.BrokerMessageID)
}
