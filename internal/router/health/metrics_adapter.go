package health

import (
	"time"

	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
)

// PoolMetricsAdapter bridges the in-memory pool metrics service to the
// health surface's PoolMetricsProvider.
type PoolMetricsAdapter struct {
	service routermetrics.PoolMetricsService
}

// NewPoolMetricsAdapter wraps service for health checks.
func NewPoolMetricsAdapter(service routermetrics.PoolMetricsService) *PoolMetricsAdapter {
	return &PoolMetricsAdapter{service: service}
}

// GetAllPoolStats converts the metrics service's per-pool stats to the
// health surface's shape.
func (a *PoolMetricsAdapter) GetAllPoolStats() map[string]*PoolStats {
	out := make(map[string]*PoolStats)
	for code, stats := range a.service.GetAllPoolStats() {
		out[code] = &PoolStats{
			PoolCode:                stats.PoolCode,
			TotalProcessed:          stats.TotalProcessed,
			TotalSucceeded:          stats.TotalSucceeded,
			TotalFailed:             stats.TotalFailed,
			TotalRateLimited:        stats.TotalRateLimited,
			SuccessRate:             stats.SuccessRate,
			ActiveWorkers:           stats.ActiveWorkers,
			AvailablePermits:        stats.AvailablePermits,
			MaxConcurrency:          stats.MaxConcurrency,
			QueueSize:               stats.QueueSize,
			MaxQueueCapacity:        stats.MaxQueueCapacity,
			AverageProcessingTimeMs: stats.AverageProcessingTimeMs,
		}
	}
	return out
}

// GetLastActivityTimestamp reports when a pool last settled a message.
func (a *PoolMetricsAdapter) GetLastActivityTimestamp(poolCode string) *time.Time {
	return a.service.GetLastActivityTimestamp(poolCode)
}

var _ PoolMetricsProvider = (*PoolMetricsAdapter)(nil)

// QueueMetricsAdapter bridges the in-memory queue metrics service to the
// health surface's QueueStatsGetter.
type QueueMetricsAdapter struct {
	service routermetrics.QueueMetricsService
}

// NewQueueMetricsAdapter wraps service for health checks.
func NewQueueMetricsAdapter(service routermetrics.QueueMetricsService) *QueueMetricsAdapter {
	return &QueueMetricsAdapter{service: service}
}

// GetAllQueueStats converts the metrics service's per-queue stats to the
// health surface's shape.
func (a *QueueMetricsAdapter) GetAllQueueStats() map[string]*QueueStats {
	out := make(map[string]*QueueStats)
	for id, stats := range a.service.GetAllQueueStats() {
		out[id] = &QueueStats{
			Name:               stats.Name,
			TotalMessages:      stats.TotalMessages,
			TotalConsumed:      stats.TotalConsumed,
			TotalFailed:        stats.TotalFailed,
			SuccessRate:        stats.SuccessRate,
			CurrentSize:        stats.CurrentSize,
			Throughput:         stats.Throughput,
			PendingMessages:    stats.PendingMessages,
			MessagesNotVisible: stats.MessagesNotVisible,
		}
	}
	return out
}

// GetTotalQueueDepth sums current depth across queues.
func (a *QueueMetricsAdapter) GetTotalQueueDepth() int64 {
	var total int64
	for _, stats := range a.service.GetAllQueueStats() {
		total += stats.CurrentSize
	}
	return total
}

// GetThroughput sums throughput across queues.
func (a *QueueMetricsAdapter) GetThroughput() float64 {
	var total float64
	for _, stats := range a.service.GetAllQueueStats() {
		total += stats.Throughput
	}
	return total
}

var _ QueueStatsGetter = (*QueueMetricsAdapter)(nil)
