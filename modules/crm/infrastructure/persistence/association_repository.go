package persistence

import (
	"context"
	"encoding/json"
	"errors"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/infrastructure/persistence/models"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
)

const (
	associationSelectQuery = `
		SELECT id, tenant_id, source_kind, source_id, target_kind, target_id, relation_type,
		       strength, metadata, pending_counterpart, created_at, updated_at
		FROM crm_associations`

	// The natural key is (tenant, source, target, relation_type). Re-asserting
	// an existing edge refreshes its attributes; created_at never changes.
	// xmax = 0 distinguishes a fresh insert from a conflict update.
	associationUpsertQuery = `
		INSERT INTO crm_associations (
			id, tenant_id, source_kind, source_id, target_kind, target_id,
			relation_type, strength, metadata, pending_counterpart, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (tenant_id, source_kind, source_id, target_kind, target_id, relation_type)
		DO UPDATE SET
			strength = EXCLUDED.strength,
			metadata = EXCLUDED.metadata,
			pending_counterpart = EXCLUDED.pending_counterpart,
			updated_at = EXCLUDED.updated_at
		RETURNING id, tenant_id, source_kind, source_id, target_kind, target_id, relation_type,
		          strength, metadata, pending_counterpart, created_at, updated_at, (xmax = 0) AS inserted`

	associationDeleteQuery = `
		DELETE FROM crm_associations
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
		  AND target_kind = $4 AND target_id = $5 AND relation_type = $6`

	associationPendingQuery = associationSelectQuery + `
		WHERE tenant_id = $1 AND pending_counterpart
		ORDER BY created_at, id
		LIMIT $2`

	associationClearPendingQuery = `
		UPDATE crm_associations
		SET pending_counterpart = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`
)

type PgAssociationRepository struct{}

func NewAssociationRepository() association.Repository {
	return &PgAssociationRepository{}
}

func (r *PgAssociationRepository) Upsert(ctx context.Context, e *association.Edge) (*association.Edge, bool, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, false, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, false, err
	}

	metadata, err := json.Marshal(e.Metadata())
	if err != nil {
		return nil, false, gerrors.Wrap(err, "failed to encode edge metadata")
	}
	key := e.Key()

	var (
		model    models.Association
		inserted bool
	)
	err = tx.QueryRow(ctx, associationUpsertQuery,
		pgUUIDFromUUID(e.ID()), pgTenantID,
		string(key.SourceKind), pgUUIDFromUUID(key.SourceID),
		string(key.TargetKind), pgUUIDFromUUID(key.TargetID),
		string(key.RelationType), int32(e.Strength()), metadata,
		e.PendingCounterpart(), e.UpdatedAt(),
	).Scan(
		&model.ID, &model.TenantID, &model.SourceKind, &model.SourceID,
		&model.TargetKind, &model.TargetID, &model.RelationType,
		&model.Strength, &model.Metadata, &model.PendingCounterpart,
		&model.CreatedAt, &model.UpdatedAt, &inserted,
	)
	if err != nil {
		return nil, false, gerrors.Wrap(err, "failed to upsert association")
	}
	edge, err := toDomainAssociation(model)
	if err != nil {
		return nil, false, err
	}
	return edge, inserted, nil
}

func (r *PgAssociationRepository) GetByKey(ctx context.Context, key association.Key) (*association.Edge, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, associationSelectQuery+`
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
		  AND target_kind = $4 AND target_id = $5 AND relation_type = $6`,
		pgTenantID,
		string(key.SourceKind), pgUUIDFromUUID(key.SourceID),
		string(key.TargetKind), pgUUIDFromUUID(key.TargetID),
		string(key.RelationType))
	model, err := scanAssociation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, association.ErrNotFound
		}
		return nil, gerrors.Wrap(err, "failed to get association")
	}
	return toDomainAssociation(model)
}

func (r *PgAssociationRepository) Delete(ctx context.Context, key association.Key) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, associationDeleteQuery,
		pgTenantID,
		string(key.SourceKind), pgUUIDFromUUID(key.SourceID),
		string(key.TargetKind), pgUUIDFromUUID(key.TargetID),
		string(key.RelationType))
	if err != nil {
		return gerrors.Wrap(err, "failed to delete association")
	}
	if tag.RowsAffected() == 0 {
		return association.ErrNotFound
	}
	return nil
}

func (r *PgAssociationRepository) ListForEntity(ctx context.Context, ref entity.Ref, filter association.ListFilter) ([]*association.Edge, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	filter, err = filter.Normalize()
	if err != nil {
		return nil, err
	}

	query := associationSelectQuery + `
		WHERE tenant_id = $1`
	switch filter.Direction {
	case association.DirectionSource:
		query += ` AND source_kind = $2 AND source_id = $3`
	case association.DirectionTarget:
		query += ` AND target_kind = $2 AND target_id = $3`
	default:
		query += ` AND ((source_kind = $2 AND source_id = $3) OR (target_kind = $2 AND target_id = $3))`
	}
	args := []any{pgTenantID, string(ref.Kind), pgUUIDFromUUID(ref.ID)}
	if filter.RelationType != "" {
		query += ` AND relation_type = $4`
		args = append(args, string(filter.RelationType))
	}
	query += `
		ORDER BY created_at, id`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to list associations")
	}
	defer rows.Close()
	return collectAssociations(rows)
}

func (r *PgAssociationRepository) ListPendingCounterpart(ctx context.Context, limit int) ([]*association.Edge, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := tx.Query(ctx, associationPendingQuery, pgTenantID, limit)
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to list pending associations")
	}
	defer rows.Close()
	return collectAssociations(rows)
}

func (r *PgAssociationRepository) ClearPendingCounterpart(ctx context.Context, id uuid.UUID) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, associationClearPendingQuery, pgTenantID, pgUUIDFromUUID(id))
	if err != nil {
		return gerrors.Wrap(err, "failed to clear pending flag")
	}
	return nil
}

func scanAssociation(row pgx.Row) (models.Association, error) {
	var model models.Association
	err := row.Scan(
		&model.ID, &model.TenantID, &model.SourceKind, &model.SourceID,
		&model.TargetKind, &model.TargetID, &model.RelationType,
		&model.Strength, &model.Metadata, &model.PendingCounterpart,
		&model.CreatedAt, &model.UpdatedAt,
	)
	return model, err
}

func collectAssociations(rows pgx.Rows) ([]*association.Edge, error) {
	var out []*association.Edge
	for rows.Next() {
		model, err := scanAssociation(rows)
		if err != nil {
			return nil, gerrors.Wrap(err, "failed to scan association")
		}
		edge, err := toDomainAssociation(model)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
