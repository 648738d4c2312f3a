package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/gregfielding/hrx-god-view-sub021/modules"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/handlers"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/infrastructure/persistence"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/services"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/application"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/configuration"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/eventbus"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/logging"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/metrics"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
	eventbusdispatcher "github.com/gregfielding/hrx-god-view-sub021/pkg/outbox/dispatchers/eventbus"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/server"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/stormguard"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	if conf.OpenTelemetry.Enabled {
		cleanup := logging.SetupTracing(
			context.Background(),
			conf.OpenTelemetry.ServiceName,
			conf.OpenTelemetry.TempoURL,
		)
		defer cleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to " + conf.OpenTelemetry.TempoURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		cancel()
		panic(err)
	}
	if err := persistence.RunMigrations(ctx, conf.Database.Opts); err != nil {
		cancel()
		panic(err)
	}
	cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: conf.RedisURL})

	bus := eventbus.NewEventPublisherWithError(logger)
	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: bus,
	})
	if err := modules.Load(app, modules.BuiltInModules...); err != nil {
		log.Fatalf("failed to load modules: %v", err)
	}

	guard, err := buildGuard(conf, redisClient, logger)
	if err != nil {
		log.Fatalf("failed to build storm guard: %v", err)
	}
	startGuardWatcher(conf, redisClient, guard, logger)

	handlers.RegisterPropagationHandler(
		bus,
		pool,
		persistence.NewEntityRepository(),
		persistence.NewAssociationRepository(),
		persistence.NewCompanyRepository(),
		guard,
		logrus.NewEntry(logger),
		handlers.PropagationConfig{
			Timeout:      conf.PropagateTimeout,
			AliasScanCap: conf.Guard.AliasScanCap,
		},
	)

	startOutboxBackground(conf, pool, logger, bus)
	startReconciliationSweep(conf, pool, app, logger)

	app.RegisterControllers(server.NewHealthController(pool))
	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	srv := server.NewHTTPServer(
		app,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}),
	)
	log.Printf("Listening on: %s\n", conf.SocketAddress)
	if err := srv.Start(conf.SocketAddress); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

func buildGuard(conf *configuration.Configuration, redisClient *redis.Client, logger *logrus.Logger) (*stormguard.Guard, error) {
	limStore, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "crm:guard:interval",
	})
	if err != nil {
		return nil, err
	}
	settings := stormguard.Settings{
		MinInterval:         conf.Guard.MinInterval,
		RecordTTL:           conf.Guard.RecordTTL,
		SampleRate:          conf.Guard.SampleRate,
		SampledTopics:       conf.Guard.SampledTopics,
		DeniedActors:        conf.Guard.DeniedActors,
		UrgencyFloor:        conf.Guard.UrgencyFloor,
		DegradedMode:        conf.Guard.DegradedMode,
		EmergencyMode:       conf.Guard.EmergencyMode,
		EmergencyMultiplier: conf.Guard.EmergencyMultiplier,
	}
	return stormguard.New(
		stormguard.NewRedisRecordStore(redisClient),
		limStore,
		settings,
		logger.WithField("component", "stormguard"),
	), nil
}

func startGuardWatcher(conf *configuration.Configuration, redisClient *redis.Client, guard *stormguard.Guard, logger *logrus.Logger) {
	source := stormguard.NewRedisSettingsSource(redisClient, guard.Settings())
	watcher := stormguard.NewWatcher(source, guard, conf.Guard.SettingsPollEvery, logger.WithField("component", "stormguard.watcher"))
	go func() {
		if err := watcher.Run(context.Background()); err != nil && err != context.Canceled {
			logger.WithError(err).Error("stormguard: settings watcher stopped")
		}
	}()
}

func startOutboxBackground(
	conf *configuration.Configuration,
	pool *pgxpool.Pool,
	logger *logrus.Logger,
	bus eventbus.EventBusWithError,
) {
	outboxLog := logger.WithField("component", "outbox")
	table := services.OutboxTable

	if conf.Outbox.RelayEnabled {
		relay, err := outbox.NewRelay(pool, table, eventbusdispatcher.New(bus), outbox.RelayOptions{
			PollInterval:    conf.Outbox.RelayPollInterval,
			BatchSize:       conf.Outbox.RelayBatchSize,
			LockTTL:         conf.Outbox.RelayLockTTL,
			MaxAttempts:     conf.Outbox.RelayMaxAttempts,
			SingleActive:    conf.Outbox.RelaySingleActive,
			LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
			DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
			Logger:          outboxLog.WithField("table", outbox.TableLabel(table)),
		})
		if err != nil {
			outboxLog.WithError(err).Warn("outbox: failed to create relay")
		} else {
			go func() {
				if err := relay.Run(context.Background()); err != nil {
					outboxLog.WithError(err).Error("outbox: relay stopped")
				}
			}()
		}
	}

	if conf.Outbox.CleanerEnabled {
		cleaner, err := outbox.NewCleaner(pool, table, outbox.CleanerOptions{
			Enabled:   true,
			Interval:  conf.Outbox.CleanerInterval,
			Retention: conf.Outbox.CleanerRetention,
			Logger:    outboxLog.WithField("table", outbox.TableLabel(table)),
		})
		if err != nil {
			outboxLog.WithError(err).Warn("outbox: failed to create cleaner")
			return
		}
		go func() {
			if err := cleaner.Run(context.Background()); err != nil {
				outboxLog.WithError(err).Error("outbox: cleaner stopped")
			}
		}()
	}
}

// startReconciliationSweep runs the repair job on a timer when enabled. Tenant
// ids are discovered from the entity table, so new tenants are swept without
// configuration.
func startReconciliationSweep(
	conf *configuration.Configuration,
	pool *pgxpool.Pool,
	app application.Application,
	logger *logrus.Logger,
) {
	if !conf.Reconciliation.SweepEnabled {
		return
	}
	svc := app.Service(services.ReconciliationService{}).(*services.ReconciliationService)
	sweepLog := logger.WithField("component", "crm.reconciliation.sweep")

	go func() {
		ticker := time.NewTicker(conf.Reconciliation.SweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx := composables.WithPool(context.Background(), pool)
			tenants, err := listTenants(ctx, pool)
			if err != nil {
				sweepLog.WithError(err).Warn("failed to list tenants")
				continue
			}
			for _, tenantID := range tenants {
				tctx := composables.WithTenantID(ctx, tenantID)
				if _, err := svc.Run(tctx, services.RunOptions{BatchSize: conf.Reconciliation.BatchSize}); err != nil {
					sweepLog.WithError(err).WithField("tenant_id", tenantID.String()).Warn("sweep failed")
				}
			}
		}
	}()
}

func listTenants(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT DISTINCT tenant_id FROM crm_entities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
