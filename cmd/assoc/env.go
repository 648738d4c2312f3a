package main

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/infrastructure/persistence"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/services"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/configuration"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
)

// env wires a tenant-scoped context and the service layer for a single CLI
// invocation. Close releases the pool.
type env struct {
	ctx  context.Context
	pool *pgxpool.Pool

	entities       *services.EntityService
	associations   *services.AssociationService
	relationships  *services.RelationshipService
	snapshots      *services.SnapshotQueryService
	reconciliation *services.ReconciliationService
}

func newEnv(ctx context.Context, tenant string) (*env, error) {
	tenantID, err := parseTenant(tenant)
	if err != nil {
		return nil, err
	}

	conf := configuration.Use()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, err
	}

	ctx = composables.WithPool(ctx, pool)
	ctx = composables.WithTenantID(ctx, tenantID)

	entityRepo := persistence.NewEntityRepository()
	associationRepo := persistence.NewAssociationRepository()
	companyRepo := persistence.NewCompanyRepository()
	publisher := outbox.NewPublisher()
	log := conf.Logger().WithField("component", "assoc-cli")

	return &env{
		ctx:            ctx,
		pool:           pool,
		entities:       services.NewEntityService(entityRepo, publisher),
		associations:   services.NewAssociationService(associationRepo, entityRepo, publisher),
		relationships:  services.NewRelationshipService(companyRepo, publisher),
		snapshots:      services.NewSnapshotQueryService(entityRepo),
		reconciliation: services.NewReconciliationService(entityRepo, associationRepo, companyRepo, log),
	}, nil
}

func (e *env) Close() {
	e.pool.Close()
}

func parseTenant(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, errors.New("--tenant is required")
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("--tenant must be a valid UUID")
	}
	return tenantID, nil
}
