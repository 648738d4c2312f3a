package services

import (
	"context"
	"encoding/json"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/events"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
)

// OutboxTable is where crm domain events are staged for delivery.
var OutboxTable = pgx.Identifier{"crm_outbox"}

type AssociationService struct {
	repo      association.Repository
	entities  entity.Repository
	publisher outbox.Publisher
}

func NewAssociationService(
	repo association.Repository,
	entities entity.Repository,
	publisher outbox.Publisher,
) *AssociationService {
	return &AssociationService{
		repo:      repo,
		entities:  entities,
		publisher: publisher,
	}
}

// Upsert creates the edge or refreshes an existing one. A change event is
// enqueued only when a new edge appears; re-asserting an existing association
// updates attributes without triggering another propagation round.
func (s *AssociationService) Upsert(ctx context.Context, dto *association.UpsertDTO) (*association.Edge, error) {
	if dto == nil {
		return nil, gerrors.New("missing dto")
	}
	if err := dto.Ok(); err != nil {
		return nil, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	key := association.Key{
		SourceKind:   entity.Kind(dto.SourceKind),
		SourceID:     dto.SourceID,
		TargetKind:   entity.Kind(dto.TargetKind),
		TargetID:     dto.TargetID,
		RelationType: association.RelationType(dto.RelationType),
	}

	var saved *association.Edge
	err = composables.InTenantTx(ctx, func(txCtx context.Context) error {
		sourceExists, err := s.entities.Exists(txCtx, key.SourceKind, key.SourceID)
		if err != nil {
			return err
		}
		targetExists, err := s.entities.Exists(txCtx, key.TargetKind, key.TargetID)
		if err != nil {
			return err
		}

		edge, err := association.New(key,
			association.WithStrength(dto.Strength),
			association.WithMetadata(dto.Metadata),
			association.WithPendingCounterpart(!sourceExists || !targetExists),
		)
		if err != nil {
			return err
		}

		result, created, err := s.repo.Upsert(txCtx, edge)
		if err != nil {
			return err
		}
		saved = result

		if created {
			return s.enqueueChange(txCtx, tenantID, key, events.ChangeCreated, dto.Actor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *AssociationService) Delete(ctx context.Context, dto *association.DeleteDTO) error {
	if dto == nil {
		return gerrors.New("missing dto")
	}
	if err := dto.Ok(); err != nil {
		return err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	key := association.Key{
		SourceKind:   entity.Kind(dto.SourceKind),
		SourceID:     dto.SourceID,
		TargetKind:   entity.Kind(dto.TargetKind),
		TargetID:     dto.TargetID,
		RelationType: association.RelationType(dto.RelationType),
	}

	return composables.InTenantTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Delete(txCtx, key); err != nil {
			return err
		}
		return s.enqueueChange(txCtx, tenantID, key, events.ChangeDeleted, dto.Actor)
	})
}

func (s *AssociationService) GetByKey(ctx context.Context, key association.Key) (*association.Edge, error) {
	return s.repo.GetByKey(ctx, key)
}

func (s *AssociationService) ListForEntity(ctx context.Context, ref entity.Ref, filter association.ListFilter) ([]*association.Edge, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	return s.repo.ListForEntity(ctx, ref, filter)
}

func (s *AssociationService) enqueueChange(
	ctx context.Context,
	tenantID uuid.UUID,
	key association.Key,
	changeType string,
	actor string,
) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	ev := events.AssociationChangedV1{
		EventID:      uuid.New(),
		TenantID:     tenantID,
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		ChangeType:   changeType,
		SourceKind:   string(key.SourceKind),
		SourceID:     key.SourceID,
		TargetKind:   string(key.TargetKind),
		TargetID:     key.TargetID,
		RelationType: string(key.RelationType),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return gerrors.Wrap(err, "failed to encode association event")
	}

	_, err = s.publisher.Enqueue(ctx, tx, OutboxTable, outbox.Message{
		TenantID: tenantID,
		Topic:    events.TopicAssociationChangedV1,
		EventID:  ev.EventID,
		Payload:  payload,
	})
	return err
}
