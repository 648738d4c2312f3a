package modules

import (
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/application"
)

var BuiltInModules = []application.Module{
	crm.NewModule(),
}

func Load(app application.Application, externalModules ...application.Module) error {
	for _, module := range externalModules {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}
