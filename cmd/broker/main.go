package main

import (
	"context"
	"time"

	"overlaycaster/internal/alerts"
	"overlaycaster/internal/chat"
	"overlaycaster/internal/counters"
	"overlaycaster/internal/dispatch"
	"overlaycaster/internal/events"
	"overlaycaster/internal/handlers"
	"overlaycaster/internal/lifecycle"
	"overlaycaster/internal/realtime"
	"overlaycaster/internal/supervisor"
	"overlaycaster/internal/tenant"
	"overlaycaster/internal/tokenbroker"
	"overlaycaster/internal/upstream"
	"overlaycaster/pkg/config"
	"overlaycaster/pkg/crypto"
	"overlaycaster/pkg/database"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/monitoring"
	"overlaycaster/pkg/secrets"
	"overlaycaster/pkg/server"
	"overlaycaster/pkg/store"
	"overlaycaster/pkg/store/boltstore"
	"overlaycaster/pkg/store/postgres"
	"overlaycaster/pkg/version"
)

const serviceName = "overlaycaster-broker"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	secretProvider := secrets.Chain{secrets.EnvProvider{}}
	secret := func(name, fallback string) string {
		if v, ok := secretProvider.Get(name); ok && v != "" {
			return v
		}
		return fallback
	}

	st, closeStore := openStore(logger)
	defer closeStore()

	crypter, err := crypto.DeriveFieldEncryptor(
		[]byte(secret("CREDENTIAL_ENCRYPTION_KEY", config.GetEnv("CREDENTIAL_ENCRYPTION_KEY", ""))),
		"tenant-credentials",
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to derive field encryptor")
	}

	tenants := tenant.New(st, crypter)
	counterEngine := counters.New(st, models.DefaultMilestoneThresholds())
	alertService := alerts.New(st)
	bus := events.New(events.DefaultCapacity, logger)

	refresher := tokenbroker.NewHTTPRefresher(
		config.GetEnv("UPSTREAM_TOKEN_URL", "https://id.twitch.tv/oauth2/token"),
		secret("UPSTREAM_CLIENT_ID", config.GetEnv("UPSTREAM_CLIENT_ID", "")),
		secret("UPSTREAM_CLIENT_SECRET", config.GetEnv("UPSTREAM_CLIENT_SECRET", "")),
	)
	broker := tokenbroker.New(tenants, refresher, logger)
	subsClient := upstream.NewHTTPSubscriptionClient(config.GetEnv("UPSTREAM_EVENTS_API_URL", ""))

	// hub and sv are declared before the session factories so
	// OnAuthRevoked can close over them; both are only ever read after
	// supervisor.New/realtime.NewHub below assign them.
	var hub *realtime.Hub
	var sv *supervisor.Supervisor

	newUpstream := func(t models.Tenant) *upstream.Session {
		return upstream.New(upstream.Config{
			TenantID:      t.TenantID,
			WebSocketURL:  config.GetEnv("UPSTREAM_WEBSOCKET_URL", "wss://eventsub.wss.twitch.tv/ws"),
			Tokens:        broker,
			Subscriptions: subsClient,
			Bus:           bus,
			Logger:        logger,
			OnAuthRevoked: func(tenantID string) {
				sv.AuthRevoked(models.Tenant{TenantID: tenantID})
				hub.BroadcastAuthRevoked(tenantID)
			},
		})
	}
	newChat := func(t models.Tenant) *chat.Session {
		return chat.New(chat.Config{
			TenantID: t.TenantID,
			Channel:  t.Username,
			Username: t.Username,
			OAuth:    t.Credentials.AccessToken,
			Counters: counterEngine,
			Logger:   logger,
		})
	}
	sv = supervisor.New(newUpstream, newChat, logger)
	hub = realtime.NewHub(counterEngine, tenants, sv, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Alerts:   alertService,
		Counters: counterEngine,
		Tenants:  tenants,
		Room:     hub,
		Logger:   logger,
	})
	go runDispatchLoop(bus, dispatcher, logger)

	lc := lifecycle.New(tenants, counterEngine, sv, hub)

	jwtSecret := []byte(secret("JWT_SIGNING_KEY", config.GetEnv("JWT_SIGNING_KEY", "dev-only-signing-key")))

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)

	handlers.Register(router, handlers.Deps{
		Tenants:    tenants,
		Counters:   counterEngine,
		Alerts:     alertService,
		Lifecycle:  lc,
		Supervisor: sv,
		Hub:        hub,
		Logger:     logger,
		JWTSecret:  jwtSecret,
	})

	// server.Start blocks until a shutdown signal arrives and its own
	// graceful shutdown of the HTTP server completes; only then is it
	// safe to drain the long-lived sessions underneath it (§5).
	if err := server.Start(server.DefaultConfig(serviceName, "8090"), router, logger); err != nil {
		logger.WithError(err).Warn("HTTP server forced to shutdown")
	}

	logger.Info("draining sessions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sv.StopAll(shutdownCtx); err != nil {
		logger.WithError(err).Warn("error stopping sessions during shutdown")
	}

	logger.Info("overlaycaster broker stopped")
}

func openStore(logger logging.Logger) (store.Store, func()) {
	if dsn := config.GetEnv("DATABASE_URL", ""); dsn != "" {
		db, err := database.Connect(database.Config{URL: dsn, MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to postgres")
		}
		pgStore, err := postgres.New(db)
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize postgres store")
		}
		return pgStore, func() { _ = db.Close() }
	}

	path := config.GetEnv("BOLT_DB_PATH", "overlaycaster.db")
	boltStore, err := boltstore.Open(path)
	if err != nil {
		logger.WithError(err).Fatal("failed to open embedded store")
	}
	return boltStore, func() { _ = boltStore.Close() }
}

func runDispatchLoop(bus *events.Bus, dispatcher *dispatch.Dispatcher, logger logging.Logger) {
	ctx := context.Background()
	for ev := range bus.Events() {
		if err := dispatcher.Handle(ctx, ev); err != nil {
			logger.WithFields(logging.Fields{
				"tenant_id": ev.TenantID,
				"kind":      string(ev.Kind),
				"error":     err.Error(),
			}).Warn("event dispatch failed")
		}
	}
}
