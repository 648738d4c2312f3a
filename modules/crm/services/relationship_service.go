package services

import (
	"context"
	"encoding/json"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/events"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
)

// RelationshipService manages structural company-to-company relations. Every
// mutation updates both companies in one transaction, so the bilateral
// invariant holds at commit boundaries.
type RelationshipService struct {
	repo      company.Repository
	publisher outbox.Publisher
}

func NewRelationshipService(repo company.Repository, publisher outbox.Publisher) *RelationshipService {
	return &RelationshipService{repo: repo, publisher: publisher}
}

func (s *RelationshipService) GetRelationships(ctx context.Context, companyID uuid.UUID) (*company.Relationships, error) {
	return s.repo.GetRelationships(ctx, companyID)
}

// SetRelationship records "source --relType--> target" on both companies.
// Parent links replace any existing parent of the child; a link that would
// make a company its own ancestor is rejected before anything is written.
func (s *RelationshipService) SetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType association.RelationType, actor string) error {
	if !relType.Structural() {
		return company.ErrNotStructural
	}
	if sourceID == targetID {
		return company.ErrSelfRelationship
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	return composables.InTenantTx(ctx, func(txCtx context.Context) error {
		if relType == association.TypeParent || relType == association.TypeChild {
			parentID, childID := sourceID, targetID
			if relType == association.TypeChild {
				parentID, childID = targetID, sourceID
			}
			if err := s.checkNoCycle(txCtx, parentID, childID); err != nil {
				return err
			}
			if err := s.replaceParent(txCtx, childID, parentID); err != nil {
				return err
			}
		}

		if err := s.repo.SetRelationship(txCtx, sourceID, targetID, relType); err != nil {
			return err
		}
		return s.enqueueStructuralChange(txCtx, tenantID, sourceID, targetID, relType, events.ChangeCreated, actor)
	})
}

func (s *RelationshipService) RemoveRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType association.RelationType, actor string) error {
	if !relType.Structural() {
		return company.ErrNotStructural
	}
	if sourceID == targetID {
		return company.ErrSelfRelationship
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	return composables.InTenantTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.RemoveRelationship(txCtx, sourceID, targetID, relType); err != nil {
			return err
		}
		return s.enqueueStructuralChange(txCtx, tenantID, sourceID, targetID, relType, events.ChangeDeleted, actor)
	})
}

// checkNoCycle rejects links that would make childID an ancestor of parentID.
// The walk is bounded; chains deeper than the cap are treated as cycles.
func (s *RelationshipService) checkNoCycle(ctx context.Context, parentID, childID uuid.UUID) error {
	current := parentID
	for depth := 0; depth < company.MaxAncestorDepth; depth++ {
		rels, err := s.repo.GetRelationships(ctx, current)
		if err != nil {
			return err
		}
		if rels.ParentCompany == nil {
			return nil
		}
		if *rels.ParentCompany == childID {
			return company.ErrCycle
		}
		current = *rels.ParentCompany
	}
	return company.ErrCycle
}

// replaceParent unlinks the child's existing parent, if any, so a company
// never ends up with two parents.
func (s *RelationshipService) replaceParent(ctx context.Context, childID, newParentID uuid.UUID) error {
	rels, err := s.repo.GetRelationships(ctx, childID)
	if err != nil {
		return err
	}
	if rels.ParentCompany == nil || *rels.ParentCompany == newParentID {
		return nil
	}
	return s.repo.RemoveRelationship(ctx, *rels.ParentCompany, childID, association.TypeParent)
}

func (s *RelationshipService) enqueueStructuralChange(
	ctx context.Context,
	tenantID uuid.UUID,
	sourceID, targetID uuid.UUID,
	relType association.RelationType,
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
		SourceKind:   string(entity.KindCompany),
		SourceID:     sourceID,
		TargetKind:   string(entity.KindCompany),
		TargetID:     targetID,
		RelationType: string(relType),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return gerrors.Wrap(err, "failed to encode structural event")
	}

	_, err = s.publisher.Enqueue(ctx, tx, OutboxTable, outbox.Message{
		TenantID: tenantID,
		Topic:    events.TopicAssociationChangedV1,
		EventID:  ev.EventID,
		Payload:  payload,
	})
	return err
}
