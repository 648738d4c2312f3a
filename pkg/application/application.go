package application

import (
	"reflect"
	"sync"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gregfielding/hrx-god-view-sub021/pkg/eventbus"
)

// Controller is an HTTP surface registered by a module.
type Controller interface {
	Register(r *mux.Router)
	Key() string
}

// Module is a self-contained vertical registered at startup.
type Module interface {
	Name() string
	Register(app Application) error
}

type Application interface {
	DB() *pgxpool.Pool
	EventPublisher() eventbus.EventBusWithError
	RegisterServices(services ...interface{})
	// Service retrieves a registered service by its type.
	Service(service interface{}) interface{}
	Services() map[reflect.Type]interface{}
	RegisterControllers(controllers ...Controller)
	Controllers() []Controller
	RegisterMiddleware(middleware ...mux.MiddlewareFunc)
	Middleware() []mux.MiddlewareFunc
}

type ApplicationOptions struct {
	Pool     *pgxpool.Pool
	EventBus eventbus.EventBusWithError
}

func New(opts *ApplicationOptions) Application {
	return &application{
		pool:     opts.Pool,
		eventBus: opts.EventBus,
		services: make(map[reflect.Type]interface{}),
	}
}

type application struct {
	mu          sync.RWMutex
	pool        *pgxpool.Pool
	eventBus    eventbus.EventBusWithError
	services    map[reflect.Type]interface{}
	controllers map[string]Controller
	middleware  []mux.MiddlewareFunc
}

func (app *application) DB() *pgxpool.Pool {
	return app.pool
}

func (app *application) EventPublisher() eventbus.EventBusWithError {
	return app.eventBus
}

// RegisterServices registers services in the application by their type.
func (app *application) RegisterServices(services ...interface{}) {
	app.mu.Lock()
	defer app.mu.Unlock()
	for _, service := range services {
		serviceType := reflect.TypeOf(service).Elem()
		app.services[serviceType] = service
	}
}

// Service retrieves a service by its type. Panics when the service was never
// registered; this is a programmer error, not a runtime condition.
func (app *application) Service(service interface{}) interface{} {
	app.mu.RLock()
	defer app.mu.RUnlock()
	serviceType := reflect.TypeOf(service)
	svc, ok := app.services[serviceType]
	if !ok {
		panic("service " + serviceType.Name() + " not found")
	}
	return svc
}

func (app *application) Services() map[reflect.Type]interface{} {
	app.mu.RLock()
	defer app.mu.RUnlock()
	out := make(map[reflect.Type]interface{}, len(app.services))
	for k, v := range app.services {
		out[k] = v
	}
	return out
}

func (app *application) RegisterControllers(controllers ...Controller) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.controllers == nil {
		app.controllers = make(map[string]Controller)
	}
	for _, c := range controllers {
		app.controllers[c.Key()] = c
	}
}

func (app *application) Controllers() []Controller {
	app.mu.RLock()
	defer app.mu.RUnlock()
	out := make([]Controller, 0, len(app.controllers))
	for _, c := range app.controllers {
		out = append(out, c)
	}
	return out
}

func (app *application) RegisterMiddleware(middleware ...mux.MiddlewareFunc) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.middleware = append(app.middleware, middleware...)
}

func (app *application) Middleware() []mux.MiddlewareFunc {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.middleware
}
