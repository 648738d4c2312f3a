package crm

import (
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/infrastructure/persistence"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/services"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/application"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/configuration"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
)

func NewModule() application.Module {
	return &Module{}
}

type Module struct{}

func (m *Module) Register(app application.Application) error {
	conf := configuration.Use()
	logger := conf.Logger()

	entityRepo := persistence.NewEntityRepository()
	associationRepo := persistence.NewAssociationRepository()
	companyRepo := persistence.NewCompanyRepository()
	publisher := outbox.NewPublisher()

	app.RegisterServices(
		services.NewEntityService(entityRepo, publisher),
		services.NewAssociationService(associationRepo, entityRepo, publisher),
		services.NewRelationshipService(companyRepo, publisher),
		services.NewSnapshotQueryService(entityRepo),
		services.NewReconciliationService(entityRepo, associationRepo, companyRepo, logger.WithField("module", "crm")),
	)

	return nil
}

func (m *Module) Name() string {
	return "crm"
}
