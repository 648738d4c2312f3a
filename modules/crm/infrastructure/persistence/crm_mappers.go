package persistence

import (
	"encoding/json"

	"github.com/go-faster/errors"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/infrastructure/persistence/models"
)

func toDomainEntity(row models.Entity) (*entity.Record, error) {
	rec := &entity.Record{
		Ref: entity.Ref{
			Kind: entity.Kind(row.Kind),
			ID:   uuidFromPg(row.ID),
		},
		Display: entity.DisplayFields{
			DisplayName: row.DisplayName,
		},
		Snapshots: make(entity.SnapshotSet),
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Secondary) > 0 {
		if err := json.Unmarshal(row.Secondary, &rec.Display.Secondary); err != nil {
			return nil, errors.Wrap(err, "failed to decode secondary fields")
		}
	}
	if len(row.Snapshots) > 0 {
		if err := json.Unmarshal(row.Snapshots, &rec.Snapshots); err != nil {
			return nil, errors.Wrap(err, "failed to decode snapshots")
		}
	}
	if row.OwnerCompanyID.Valid {
		owner := uuidFromPg(row.OwnerCompanyID)
		rec.OwnerCompanyID = &owner
	}
	return rec, nil
}

func toDomainRelationships(raw []byte) (*company.Relationships, error) {
	rels := &company.Relationships{}
	if len(raw) == 0 {
		return rels, nil
	}
	if err := json.Unmarshal(raw, rels); err != nil {
		return nil, errors.Wrap(err, "failed to decode relationships")
	}
	return rels, nil
}

func toDomainAssociation(row models.Association) (*association.Edge, error) {
	var metadata map[string]any
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to decode edge metadata")
		}
	}
	return association.New(
		association.Key{
			SourceKind:   entity.Kind(row.SourceKind),
			SourceID:     uuidFromPg(row.SourceID),
			TargetKind:   entity.Kind(row.TargetKind),
			TargetID:     uuidFromPg(row.TargetID),
			RelationType: association.RelationType(row.RelationType),
		},
		association.WithID(uuidFromPg(row.ID)),
		association.WithStrength(int(row.Strength)),
		association.WithMetadata(metadata),
		association.WithPendingCounterpart(row.PendingCounterpart),
		association.WithCreatedAt(row.CreatedAt),
		association.WithUpdatedAt(row.UpdatedAt),
	)
}
