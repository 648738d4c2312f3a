package association

import (
	"context"

	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
)

type Repository interface {
	// Upsert creates the edge or refreshes an existing one with the same
	// natural key. createdAt is never touched on refresh. The second return
	// reports whether a new edge was created.
	Upsert(ctx context.Context, e *Edge) (*Edge, bool, error)
	GetByKey(ctx context.Context, key Key) (*Edge, error)
	// Delete removes the edge with the given natural key. Returns ErrNotFound
	// when no such edge exists.
	Delete(ctx context.Context, key Key) error
	// ListForEntity returns the edges touching the entity, narrowed by the
	// filter's relation type and direction. A zero filter matches either side.
	ListForEntity(ctx context.Context, ref entity.Ref, filter ListFilter) ([]*Edge, error)
	// ListPendingCounterpart pages edges still waiting on a missing endpoint.
	ListPendingCounterpart(ctx context.Context, limit int) ([]*Edge, error)
	ClearPendingCounterpart(ctx context.Context, id uuid.UUID) error
}
