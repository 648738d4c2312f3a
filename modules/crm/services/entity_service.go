package services

import (
	"context"
	"encoding/json"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/events"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
)

// EntityService is the change intake: the platform reports entity writes here
// and the matching entity.changed event is staged in the same transaction.
type EntityService struct {
	repo      entity.Repository
	publisher outbox.Publisher
}

func NewEntityService(repo entity.Repository, publisher outbox.Publisher) *EntityService {
	return &EntityService{repo: repo, publisher: publisher}
}

type RecordChangeInput struct {
	Kind           entity.Kind
	ID             uuid.UUID
	Display        entity.DisplayFields
	OwnerCompanyID *uuid.UUID
	Actor          string
	Urgency        int
}

// RecordChange persists the entity's display fields and enqueues the change
// event carrying before and after images.
func (s *EntityService) RecordChange(ctx context.Context, in RecordChangeInput) error {
	if !in.Kind.Valid() {
		return entity.ErrNotFound
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	return composables.InTenantTx(ctx, func(txCtx context.Context) error {
		var before *events.DisplayV1
		existing, err := s.repo.Get(txCtx, in.Kind, in.ID)
		if err != nil && !gerrors.Is(err, entity.ErrNotFound) {
			return err
		}
		if existing != nil {
			before = &events.DisplayV1{
				DisplayName: existing.Display.DisplayName,
				Secondary:   existing.Display.Secondary,
			}
		}

		rec := &entity.Record{
			Ref:            entity.Ref{Kind: in.Kind, ID: in.ID},
			Display:        in.Display,
			OwnerCompanyID: in.OwnerCompanyID,
		}
		if err := s.repo.Save(txCtx, rec); err != nil {
			return err
		}

		after := &events.DisplayV1{
			DisplayName: in.Display.DisplayName,
			Secondary:   in.Display.Secondary,
		}
		return s.enqueueEntityChange(txCtx, tenantID, in.Kind, in.ID, before, after, in.Actor, in.Urgency)
	})
}

// DeleteEntity removes the entity and enqueues a change event with no after
// image, so propagation clears the counterpart snapshots.
func (s *EntityService) DeleteEntity(ctx context.Context, kind entity.Kind, id uuid.UUID, actor string) error {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	return composables.InTenantTx(ctx, func(txCtx context.Context) error {
		existing, err := s.repo.Get(txCtx, kind, id)
		if err != nil {
			return err
		}
		before := &events.DisplayV1{
			DisplayName: existing.Display.DisplayName,
			Secondary:   existing.Display.Secondary,
		}

		if err := s.repo.Delete(txCtx, kind, id); err != nil {
			return err
		}
		return s.enqueueEntityChange(txCtx, tenantID, kind, id, before, nil, actor, 0)
	})
}

func (s *EntityService) Get(ctx context.Context, kind entity.Kind, id uuid.UUID) (*entity.Record, error) {
	return s.repo.Get(ctx, kind, id)
}

func (s *EntityService) enqueueEntityChange(
	ctx context.Context,
	tenantID uuid.UUID,
	kind entity.Kind,
	id uuid.UUID,
	before, after *events.DisplayV1,
	actor string,
	urgency int,
) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	ev := events.EntityChangedV1{
		EventID:    uuid.New(),
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		EntityKind: string(kind),
		EntityID:   id,
		Before:     before,
		After:      after,
		Urgency:    urgency,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return gerrors.Wrap(err, "failed to encode entity event")
	}

	_, err = s.publisher.Enqueue(ctx, tx, OutboxTable, outbox.Message{
		TenantID: tenantID,
		Topic:    events.TopicEntityChangedV1,
		EventID:  ev.EventID,
		Payload:  payload,
	})
	return err
}
