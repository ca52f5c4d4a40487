// Package dispatchpool persists per-pool processing configuration: the
// concurrency, queue capacity and rate limit the message router applies to
// each pool code.
package dispatchpool

import (
	"time"
)

// MediatorType selects how a pool's messages are delivered.
type MediatorType string

const (
	MediatorTypeHTTPWebhook MediatorType = "HTTP_WEBHOOK"
)

// DispatchPoolStatus is the lifecycle state of a pool configuration.
type DispatchPoolStatus string

const (
	DispatchPoolStatusActive    DispatchPoolStatus = "ACTIVE"
	DispatchPoolStatusSuspended DispatchPoolStatus = "SUSPENDED"
	DispatchPoolStatusArchived  DispatchPoolStatus = "ARCHIVED"
)

// DispatchPool is one pool configuration row.
// Collection: dispatch_pools
type DispatchPool struct {
	ID               string             `bson:"_id" json:"id"`
	Code             string             `bson:"code" json:"code"`
	Name             string             `bson:"name,omitempty" json:"name,omitempty"`
	Description      string             `bson:"description,omitempty" json:"description,omitempty"`
	ClientID         string             `bson:"clientId,omitempty" json:"clientId,omitempty"`
	ClientIdentifier string             `bson:"clientIdentifier,omitempty" json:"clientIdentifier,omitempty"`
	MediatorType     MediatorType       `bson:"mediatorType" json:"mediatorType"`
	Concurrency      int                `bson:"concurrency" json:"concurrency"`
	QueueCapacity    int                `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMin  *int               `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	Status           DispatchPoolStatus `bson:"status" json:"status"`
	// Enabled predates Status; rows written before the status field exist
	// with enabled=true and no status.
	Enabled   bool      `bson:"enabled,omitempty" json:"enabled,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// IsActive reports whether the pool should be deployed.
func (p *DispatchPool) IsActive() bool {
	if p.Status != "" {
		return p.Status == DispatchPoolStatusActive
	}
	return p.Enabled
}

// GetConcurrencyOrDefault returns the configured concurrency, or defaultVal
// when unset.
func (p *DispatchPool) GetConcurrencyOrDefault(defaultVal int) int {
	if p.Concurrency <= 0 {
		return defaultVal
	}
	return p.Concurrency
}

// GetQueueCapacityOrDefault returns the configured queue capacity, or
// defaultVal when unset.
func (p *DispatchPool) GetQueueCapacityOrDefault(defaultVal int) int {
	if p.QueueCapacity <= 0 {
		return defaultVal
	}
	return p.QueueCapacity
}
