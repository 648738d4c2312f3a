package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
)

const (
	relationshipsSelectQuery = `
		SELECT relationships FROM crm_entities
		WHERE tenant_id = $1 AND kind = $2 AND id = $3`

	relationshipsLockQuery = relationshipsSelectQuery + ` FOR UPDATE`

	relationshipsUpdateQuery = `
		UPDATE crm_entities
		SET relationships = $4::jsonb, updated_at = now()
		WHERE tenant_id = $1 AND kind = $2 AND id = $3`
)

type PgCompanyRepository struct{}

func NewCompanyRepository() company.Repository {
	return &PgCompanyRepository{}
}

func (r *PgCompanyRepository) GetRelationships(ctx context.Context, companyID uuid.UUID) (*company.Relationships, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if err := tx.QueryRow(ctx, relationshipsSelectQuery,
		pgTenantID, string(entity.KindCompany), pgUUIDFromUUID(companyID)).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, gerrors.Wrap(err, "failed to get relationships")
	}
	return toDomainRelationships(raw)
}

func (r *PgCompanyRepository) SetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType association.RelationType) error {
	now := time.Now().UTC()
	return r.mutate(ctx, sourceID, targetID,
		func(src *company.Relationships) error {
			return src.ApplyForward(relType, targetID, now)
		},
		func(dst *company.Relationships) error {
			return dst.ApplyReverse(relType, sourceID, now)
		},
	)
}

func (r *PgCompanyRepository) RemoveRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType association.RelationType) error {
	return r.mutate(ctx, sourceID, targetID,
		func(src *company.Relationships) error {
			return src.RemoveForward(relType, targetID)
		},
		func(dst *company.Relationships) error {
			return dst.RemoveReverse(relType, sourceID)
		},
	)
}

// mutate rewrites both companies' relationship fields in the caller's
// transaction. Rows are locked in id order so concurrent mutations of the same
// pair cannot deadlock.
func (r *PgCompanyRepository) mutate(
	ctx context.Context,
	sourceID, targetID uuid.UUID,
	applySource, applyTarget func(*company.Relationships) error,
) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	lockOrder := []uuid.UUID{sourceID, targetID}
	if targetID.String() < sourceID.String() {
		lockOrder = []uuid.UUID{targetID, sourceID}
	}
	rels := make(map[uuid.UUID]*company.Relationships, 2)
	for _, id := range lockOrder {
		var raw []byte
		if err := tx.QueryRow(ctx, relationshipsLockQuery,
			pgTenantID, string(entity.KindCompany), pgUUIDFromUUID(id)).Scan(&raw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return entity.ErrNotFound
			}
			return gerrors.Wrap(err, "failed to lock company row")
		}
		parsed, err := toDomainRelationships(raw)
		if err != nil {
			return err
		}
		rels[id] = parsed
	}

	if err := applySource(rels[sourceID]); err != nil {
		return err
	}
	if err := applyTarget(rels[targetID]); err != nil {
		return err
	}

	for id, parsed := range rels {
		raw, err := json.Marshal(parsed)
		if err != nil {
			return gerrors.Wrap(err, "failed to encode relationships")
		}
		tag, err := tx.Exec(ctx, relationshipsUpdateQuery,
			pgTenantID, string(entity.KindCompany), pgUUIDFromUUID(id), raw)
		if err != nil {
			return gerrors.Wrap(err, "failed to update relationships")
		}
		if tag.RowsAffected() == 0 {
			return entity.ErrNotFound
		}
	}
	return nil
}
