package dispatchpool

import (
	"context"

	"go.flowcatalyst.tech/internal/common/repository"
)

const collectionName = "dispatch_pools"

// instrumentedRepository wraps a Repository with query metrics.
type instrumentedRepository struct {
	inner Repository
}

func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindByID", func() (*DispatchPool, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) FindByCode(ctx context.Context, code string) (*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindByCode", func() (*DispatchPool, error) {
		return r.inner.FindByCode(ctx, code)
	})
}

func (r *instrumentedRepository) FindAllEnabled(ctx context.Context) ([]*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindAllEnabled", func() ([]*DispatchPool, error) {
		return r.inner.FindAllEnabled(ctx)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	return repository.InstrumentVoid(ctx, collectionName, "Insert", func() error {
		return r.inner.Insert(ctx, pool)
	})
}

func (r *instrumentedRepository) UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error {
	return repository.InstrumentVoid(ctx, collectionName, "UpdateConfig", func() error {
		return r.inner.UpdateConfig(ctx, id, concurrency, queueCapacity, rateLimitPerMin)
	})
}

func (r *instrumentedRepository) SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error {
	return repository.InstrumentVoid(ctx, collectionName, "SetStatus", func() error {
		return r.inner.SetStatus(ctx, id, status)
	})
}

func (r *instrumentedRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	return repository.Instrument(ctx, collectionName, "ExistsByCode", func() (bool, error) {
		return r.inner.ExistsByCode(ctx, code)
	})
}
