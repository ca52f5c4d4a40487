package dispatchpool

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/internal/common/tsid"
)

var (
	ErrNotFound      = errors.New("dispatch pool not found")
	ErrDuplicateCode = errors.New("dispatch pool code already exists")
)

// Repository is the pool-configuration access the router's config sync and
// pool management need.
type Repository interface {
	FindByID(ctx context.Context, id string) (*DispatchPool, error)
	FindByCode(ctx context.Context, code string) (*DispatchPool, error)
	// FindAllEnabled returns every pool that should be deployed, honoring
	// both the status field and the legacy enabled flag.
	FindAllEnabled(ctx context.Context) ([]*DispatchPool, error)
	Insert(ctx context.Context, pool *DispatchPool) error
	UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error
	SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error
	ExistsByCode(ctx context.Context, code string) (bool, error)
}

type mongoRepository struct {
	pools *mongo.Collection
}

// NewRepository creates the instrumented dispatch-pool repository.
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		pools: db.Collection("dispatch_pools"),
	})
}

func (r *mongoRepository) FindByID(ctx context.Context, id string) (*DispatchPool, error) {
	var pool DispatchPool
	if err := r.pools.FindOne(ctx, bson.M{"_id": id}).Decode(&pool); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pool, nil
}

func (r *mongoRepository) FindByCode(ctx context.Context, code string) (*DispatchPool, error) {
	var pool DispatchPool
	if err := r.pools.FindOne(ctx, bson.M{"code": code}).Decode(&pool); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pool, nil
}

func (r *mongoRepository) FindAllEnabled(ctx context.Context) ([]*DispatchPool, error) {
	filter := bson.M{
		"$or": []bson.M{
			{"status": DispatchPoolStatusActive},
			{"enabled": true, "status": bson.M{"$exists": false}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

	cursor, err := r.pools.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var pools []*DispatchPool
	if err := cursor.All(ctx, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

func (r *mongoRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	exists, err := r.ExistsByCode(ctx, pool.Code)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateCode
	}

	now := time.Now()
	if pool.ID == "" {
		pool.ID = tsid.Generate()
	}
	if pool.Status == "" {
		pool.Status = DispatchPoolStatusActive
	}
	pool.CreatedAt = now
	pool.UpdatedAt = now

	_, err = r.pools.InsertOne(ctx, pool)
	return err
}

func (r *mongoRepository) UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error {
	update := bson.M{
		"$set": bson.M{
			"concurrency":     concurrency,
			"queueCapacity":   queueCapacity,
			"rateLimitPerMin": rateLimitPerMin,
			"updatedAt":       time.Now(),
		},
	}

	result, err := r.pools.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error {
	update := bson.M{
		"$set": bson.M{
			"status":    status,
			"updatedAt": time.Now(),
		},
	}

	result, err := r.pools.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	count, err := r.pools.CountDocuments(ctx, bson.M{"code": code}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
