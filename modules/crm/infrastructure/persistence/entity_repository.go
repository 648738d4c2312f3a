package persistence

import (
	"context"
	"encoding/json"
	"errors"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/infrastructure/persistence/models"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
)

const (
	entitySelectQuery = `
		SELECT tenant_id, kind, id, display_name, secondary, owner_company_id, relationships, snapshots, created_at, updated_at
		FROM crm_entities`

	entitySaveQuery = `
		INSERT INTO crm_entities (tenant_id, kind, id, display_name, secondary, owner_company_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, kind, id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			secondary = EXCLUDED.secondary,
			owner_company_id = EXCLUDED.owner_company_id,
			updated_at = now()`

	entityDeleteQuery = `
		DELETE FROM crm_entities WHERE tenant_id = $1 AND kind = $2 AND id = $3`

	entityExistsQuery = `
		SELECT EXISTS (SELECT 1 FROM crm_entities WHERE tenant_id = $1 AND kind = $2 AND id = $3)`

	// The nested jsonb_set creates the per-kind object before writing the
	// snapshot into it. The freshness clause drops writes older than what is
	// already stored, so concurrent merges converge regardless of order.
	entityMergeSnapshotQuery = `
		UPDATE crm_entities
		SET snapshots = jsonb_set(
				jsonb_set(
					COALESCE(snapshots, '{}'::jsonb),
					ARRAY[$4],
					COALESCE(snapshots -> $4, '{}'::jsonb),
					true
				),
				ARRAY[$4, $5],
				$6::jsonb,
				true
			),
			updated_at = now()
		WHERE tenant_id = $1 AND kind = $2 AND id = $3
		  AND COALESCE((snapshots #>> ARRAY[$4, $5, 'lastSyncedAt'])::timestamptz, 'epoch'::timestamptz) <= $7`

	entityRemoveSnapshotQuery = `
		UPDATE crm_entities
		SET snapshots = COALESCE(snapshots, '{}'::jsonb) #- ARRAY[$4, $5],
			updated_at = now()
		WHERE tenant_id = $1 AND kind = $2 AND id = $3`

	entityReplaceSnapshotsQuery = `
		UPDATE crm_entities
		SET snapshots = $4::jsonb,
			updated_at = now()
		WHERE tenant_id = $1 AND kind = $2 AND id = $3`

	entityListQuery = entitySelectQuery + `
		WHERE tenant_id = $1 AND (kind, id) > ($2::text, $3::uuid)
		ORDER BY kind, id
		LIMIT $4`

	locationOwnerQuery = `
		SELECT owner_company_id FROM crm_entities
		WHERE tenant_id = $1 AND kind = $2 AND id = $3`

	ownedLocationsQuery = `
		SELECT id FROM crm_entities
		WHERE tenant_id = $1 AND kind = $2 AND owner_company_id = $3
		ORDER BY id`

	aliasTargetsQuery = `
		SELECT alias_id FROM crm_entity_aliases
		WHERE tenant_id = $1 AND entity_kind = $2 AND entity_id = $3
		ORDER BY alias_id`

	aliasReferrersQuery = `
		SELECT entity_kind, entity_id FROM crm_entity_aliases
		WHERE tenant_id = $1 AND alias_id = $2
		ORDER BY entity_kind, entity_id
		LIMIT $3`
)

type PgEntityRepository struct{}

func NewEntityRepository() entity.Repository {
	return &PgEntityRepository{}
}

func (r *PgEntityRepository) Save(ctx context.Context, rec *entity.Record) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	var secondary []byte
	if len(rec.Display.Secondary) > 0 {
		secondary, err = json.Marshal(rec.Display.Secondary)
		if err != nil {
			return gerrors.Wrap(err, "failed to encode secondary fields")
		}
	}
	var owner any
	if rec.OwnerCompanyID != nil {
		owner = pgUUIDFromUUID(*rec.OwnerCompanyID)
	}

	_, err = tx.Exec(ctx, entitySaveQuery,
		pgTenantID, string(rec.Ref.Kind), pgUUIDFromUUID(rec.Ref.ID),
		rec.Display.DisplayName, secondary, owner)
	if err != nil {
		return gerrors.Wrap(err, "failed to save entity")
	}
	return nil
}

func (r *PgEntityRepository) Delete(ctx context.Context, kind entity.Kind, id uuid.UUID) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, entityDeleteQuery, pgTenantID, string(kind), pgUUIDFromUUID(id))
	if err != nil {
		return gerrors.Wrap(err, "failed to delete entity")
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (r *PgEntityRepository) Get(ctx context.Context, kind entity.Kind, id uuid.UUID) (*entity.Record, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, entitySelectQuery+` WHERE tenant_id = $1 AND kind = $2 AND id = $3`,
		pgTenantID, string(kind), pgUUIDFromUUID(id))
	model, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, gerrors.Wrap(err, "failed to get entity")
	}
	return toDomainEntity(model)
}

func (r *PgEntityRepository) Exists(ctx context.Context, kind entity.Kind, id uuid.UUID) (bool, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return false, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, entityExistsQuery, pgTenantID, string(kind), pgUUIDFromUUID(id)).Scan(&exists); err != nil {
		return false, gerrors.Wrap(err, "failed to check entity existence")
	}
	return exists, nil
}

func (r *PgEntityRepository) List(ctx context.Context, after entity.Cursor, limit int) ([]*entity.Record, entity.Cursor, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, entity.Cursor{}, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, entity.Cursor{}, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := tx.Query(ctx, entityListQuery, pgTenantID, string(after.Kind), pgUUIDFromUUID(after.ID), limit)
	if err != nil {
		return nil, entity.Cursor{}, gerrors.Wrap(err, "failed to list entities")
	}
	defer rows.Close()

	out := make([]*entity.Record, 0, limit)
	for rows.Next() {
		model, err := scanEntity(rows)
		if err != nil {
			return nil, entity.Cursor{}, gerrors.Wrap(err, "failed to scan entity")
		}
		rec, err := toDomainEntity(model)
		if err != nil {
			return nil, entity.Cursor{}, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, entity.Cursor{}, err
	}

	next := after
	if len(out) > 0 {
		last := out[len(out)-1]
		next = entity.Cursor{Kind: last.Ref.Kind, ID: last.Ref.ID}
	}
	return out, next, nil
}

func (r *PgEntityRepository) MergeSnapshot(ctx context.Context, kind entity.Kind, id uuid.UUID, snapKind entity.Kind, snap entity.Snapshot) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return gerrors.Wrap(err, "failed to encode snapshot")
	}
	tag, err := tx.Exec(ctx, entityMergeSnapshotQuery,
		pgTenantID, string(kind), pgUUIDFromUUID(id),
		string(snapKind), snap.ID.String(), raw, snap.LastSyncedAt)
	if err != nil {
		return gerrors.Wrap(err, "failed to merge snapshot")
	}
	if tag.RowsAffected() == 0 {
		// Either the target entity is gone or a fresher snapshot is already
		// stored. A stale write is not an error; a missing entity is.
		exists, err := r.Exists(ctx, kind, id)
		if err != nil {
			return err
		}
		if !exists {
			return entity.ErrNotFound
		}
	}
	return nil
}

func (r *PgEntityRepository) RemoveSnapshot(ctx context.Context, kind entity.Kind, id uuid.UUID, snapKind entity.Kind, snapID uuid.UUID) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, entityRemoveSnapshotQuery,
		pgTenantID, string(kind), pgUUIDFromUUID(id), string(snapKind), snapID.String())
	if err != nil {
		return gerrors.Wrap(err, "failed to remove snapshot")
	}
	return nil
}

func (r *PgEntityRepository) ReplaceSnapshots(ctx context.Context, kind entity.Kind, id uuid.UUID, set entity.SnapshotSet) error {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(set)
	if err != nil {
		return gerrors.Wrap(err, "failed to encode snapshots")
	}
	tag, err := tx.Exec(ctx, entityReplaceSnapshotsQuery, pgTenantID, string(kind), pgUUIDFromUUID(id), raw)
	if err != nil {
		return gerrors.Wrap(err, "failed to replace snapshots")
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (r *PgEntityRepository) ResolveLocationOwner(ctx context.Context, locationID uuid.UUID) (uuid.UUID, bool, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}

	var owner models.Entity
	if err := tx.QueryRow(ctx, locationOwnerQuery,
		pgTenantID, string(entity.KindLocation), pgUUIDFromUUID(locationID)).Scan(&owner.OwnerCompanyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, entity.ErrNotFound
		}
		return uuid.Nil, false, gerrors.Wrap(err, "failed to resolve location owner")
	}
	if !owner.OwnerCompanyID.Valid {
		return uuid.Nil, false, nil
	}
	return uuidFromPg(owner.OwnerCompanyID), true, nil
}

func (r *PgEntityRepository) ScanLocationReferrers(ctx context.Context, locationID uuid.UUID, cap int) (entity.AliasScanResult, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return entity.AliasScanResult{}, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return entity.AliasScanResult{}, err
	}
	if cap <= 0 {
		cap = 100
	}

	// Fetch one extra row so truncation is observable.
	rows, err := tx.Query(ctx, aliasReferrersQuery, pgTenantID, pgUUIDFromUUID(locationID), cap+1)
	if err != nil {
		return entity.AliasScanResult{}, gerrors.Wrap(err, "failed to scan alias referrers")
	}
	defer rows.Close()

	var result entity.AliasScanResult
	for rows.Next() {
		var alias models.EntityAlias
		if err := rows.Scan(&alias.EntityKind, &alias.EntityID); err != nil {
			return entity.AliasScanResult{}, gerrors.Wrap(err, "failed to scan alias row")
		}
		result.Refs = append(result.Refs, entity.Ref{
			Kind: entity.Kind(alias.EntityKind),
			ID:   uuidFromPg(alias.EntityID),
		})
	}
	if err := rows.Err(); err != nil {
		return entity.AliasScanResult{}, err
	}
	if len(result.Refs) > cap {
		result.Refs = result.Refs[:cap]
		result.Truncated = true
	}
	return result, nil
}

func (r *PgEntityRepository) ListOwnedLocations(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, ownedLocationsQuery, pgTenantID, string(entity.KindLocation), pgUUIDFromUUID(companyID))
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to list owned locations")
	}
	defer rows.Close()
	return collectUUIDs(rows)
}

func (r *PgEntityRepository) ListAliasTargets(ctx context.Context, ref entity.Ref) ([]uuid.UUID, error) {
	_, pgTenantID, err := tenantIDs(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, aliasTargetsQuery, pgTenantID, string(ref.Kind), pgUUIDFromUUID(ref.ID))
	if err != nil {
		return nil, gerrors.Wrap(err, "failed to list alias targets")
	}
	defer rows.Close()
	return collectUUIDs(rows)
}

func collectUUIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, gerrors.Wrap(err, "failed to scan id")
		}
		out = append(out, uuidFromPg(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanEntity(row pgx.Row) (models.Entity, error) {
	var model models.Entity
	err := row.Scan(
		&model.TenantID,
		&model.Kind,
		&model.ID,
		&model.DisplayName,
		&model.Secondary,
		&model.OwnerCompanyID,
		&model.Relationships,
		&model.Snapshots,
		&model.CreatedAt,
		&model.UpdatedAt,
	)
	return model, err
}
