// Package scheduler implements the dispatch scheduler: it drains persisted
// PENDING dispatch jobs onto the message broker while enforcing
// per-message-group FIFO and error-based blocking policies.
//
// The scheduler is composed of independently-ticking pieces wired together
// here: the pending poller (poller.go), the group dispatcher
// (group_dispatcher.go), the job dispatcher (job_dispatcher.go), and the
// stale-queued poller (stale_poller.go). The block-on-error checker
// (block_checker.go) is consulted by the pending poller.
package scheduler

import (
	"context"
	"sync"
	"time"

	"log/slog"
	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/internal/common/leader"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
)

// SchedulerConfig holds configuration for the dispatch scheduler
type SchedulerConfig struct {
	PollInterval            time.Duration
	BatchSize               int
	MaxConcurrentGroups     int
	StaleThreshold          time.Duration
	StaleCheckInterval      time.Duration
	LeaderElection          LeaderElectionConfig
	DefaultDispatchPoolCode string

	// AppKey is the secret key for HMAC auth token generation
	AppKey string
}

// LeaderElectionConfig holds leader election settings
type LeaderElectionConfig struct {
	Enabled         bool
	InstanceID      string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// DefaultSchedulerConfig returns the stock scheduler settings.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:            5 * time.Second,
		BatchSize:               20,
		MaxConcurrentGroups:     10,
		StaleThreshold:          15 * time.Minute,
		StaleCheckInterval:      60 * time.Second,
		DefaultDispatchPoolCode: "DISPATCH-POOL",
	}
}

// Scheduler wires the Pending Poller, Group Dispatcher, Job Dispatcher and
// Stale-Queued Poller together behind a single leader-gated lifecycle.
type Scheduler struct {
	config *SchedulerConfig

	jobRepo       dispatchjob.Repository
	blockChecker  *BlockChecker
	leaderElector *leader.LeaderElector
	authService   *dispatchjob.DispatchAuthService

	groupDispatcher *GroupDispatcher
	jobDispatcher   *JobDispatcher
	poller          *PendingPoller
	stalePoller     *StaleQueuedPoller

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewScheduler creates a new dispatch scheduler.
func NewScheduler(db *mongo.Database, publisher queue.Publisher, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	jobRepo := dispatchjob.NewRepository(db)
	authService := dispatchjob.NewDispatchAuthService(config.AppKey, nil)
	blockChecker := NewBlockChecker(jobRepo)

	jobDispatcher := NewJobDispatcher(jobRepo, publisher, authService, config.DefaultDispatchPoolCode)
	groupDispatcher := NewGroupDispatcher(config.MaxConcurrentGroups, jobDispatcher)
	poller := NewPendingPoller(jobRepo, blockChecker, groupDispatcher, config.BatchSize)
	stalePoller := NewStaleQueuedPoller(jobRepo, config.StaleThreshold)

	s := &Scheduler{
		config:          config,
		jobRepo:         jobRepo,
		blockChecker:    blockChecker,
		authService:     authService,
		groupDispatcher: groupDispatcher,
		jobDispatcher:   jobDispatcher,
		poller:          poller,
		stalePoller:     stalePoller,
		ctx:             ctx,
		cancel:          cancel,
	}

	if config.LeaderElection.Enabled {
		electorConfig := &leader.ElectorConfig{
			InstanceID:      config.LeaderElection.InstanceID,
			LockName:        "scheduler-leader",
			TTL:             config.LeaderElection.TTL,
			RefreshInterval: config.LeaderElection.RefreshInterval,
		}
		if electorConfig.TTL == 0 {
			electorConfig.TTL = 30 * time.Second
		}
		if electorConfig.RefreshInterval == 0 {
			electorConfig.RefreshInterval = 10 * time.Second
		}
		if electorConfig.InstanceID == "" {
			defaultCfg := leader.DefaultElectorConfig("scheduler-leader")
			electorConfig.InstanceID = defaultCfg.InstanceID
		}
		s.leaderElector = leader.NewLeaderElector(db, electorConfig)
	}

	return s
}

// Start starts all scheduler loops.
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		slog.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.runningMu.Unlock()

	if s.leaderElector != nil {
		if err := s.leaderElector.Start(s.ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
		} else {
			slog.Info("Leader election enabled for scheduler", "instanceId", s.leaderElector.InstanceID())
		}
	}

	s.wg.Add(1)
	go s.pollLoop()

	s.wg.Add(1)
	go s.staleRecoveryLoop()

	slog.Info("Dispatch scheduler started",
		"pollInterval", s.config.PollInterval,
		"batchSize", s.config.BatchSize,
		"maxConcurrentGroups", s.config.MaxConcurrentGroups,
		"leaderElection", s.leaderElector != nil)
}

// Stop stops all scheduler loops and drains the group dispatcher.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	slog.Info("Stopping dispatch scheduler")

	s.cancel()
	s.wg.Wait()
	s.groupDispatcher.Shutdown()

	if s.leaderElector != nil {
		s.leaderElector.Stop()
	}

	slog.Info("Dispatch scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// IsPrimary returns true if this instance is the leader (or leader election
// is disabled, in which case every instance is primary).
func (s *Scheduler) IsPrimary() bool {
	if s.leaderElector == nil {
		return true
	}
	return s.leaderElector.IsPrimary()
}

// pollLoop drives the pending poller on a fixed cadence.
func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick performs one pending-poll cycle, gated by leadership.
func (s *Scheduler) tick() {
	if !s.IsPrimary() {
		slog.Debug("Skipping pending poll - not the leader")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Pending poll tick panicked, continuing on next tick", "panic", r)
			}
		}()
		s.poller.Poll(ctx)
	}()
}

// staleRecoveryLoop drives the stale-queued poller on a fixed cadence.
func (s *Scheduler) staleRecoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.IsPrimary() {
				continue
			}
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			s.stalePoller.Recover(ctx)
			cancel()
		}
	}
}
