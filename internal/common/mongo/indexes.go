package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition describes one index to ensure on startup.
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer ensures the indexes the dispatch pipeline's queries
// depend on. Creation is idempotent; existing indexes are left alone.
type IndexInitializer struct {
	client *Client
}

// NewIndexInitializer creates an index initializer for client.
func NewIndexInitializer(client *Client) *IndexInitializer {
	return &IndexInitializer{client: client}
}

// Initialize creates all indexes, failing fast on the first error.
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	definitions := i.getIndexDefinitions()

	for _, idx := range definitions {
		if err := i.createIndex(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.Collection, err)
		}
	}

	slog.Info("MongoDB indexes initialized", "count", len(definitions))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)

	_, err := collection.Indexes().CreateOne(ctx, driver.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	})
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// dispatch_jobs: the pending poll scans by status ordered for
		// stability; the stale-queued poll scans by status and age.
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
		},
		// Block-on-error gating counts ERROR rows per message group.
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "messageGroup", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "idempotencyKey", Value: 1}},
			Options:    options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "eventId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "subscriptionId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},

		// dispatch_pools: configuration sync loads enabled pools by code.
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "code", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "enabled", Value: 1}},
		},

		// leader_locks: lease expiry drives takeover.
		{
			Collection: "leader_locks",
			Keys:       bson.D{{Key: "expiresAt", Value: 1}},
		},
	}
}
