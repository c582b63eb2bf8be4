package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/config"
	"github.com/reservalab/reserva-lab/api/internal/handler"
	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/service"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

type App struct {
	ctx        context.Context
	logger     *logger.Logger
	featureCfg *service.FeatureConfig
	infraCfg   *config.Config
	store      store.Store
	notifier   service.Notifier
	handler    *handler.APIHandler
}

func main() {
	app := &App{
		ctx:    context.Background(),
		logger: logger.New(),
	}

	if err := app.run(); err != nil {
		app.logger.Error("Application error", logger.Error(err))
		os.Exit(1)
	}
}

func (a *App) run() error {
	if err := a.initialize(); err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", logger.Error(err))
		}
	}()

	return a.serve()
}

func (a *App) initialize() error {
	configPath := getEnvOrDefault("CONFIG_PATH", "./data/feature_config.toml")
	featureCfg, err := service.LoadFeatureConfig(configPath)
	if err != nil {
		a.logger.Error("Failed to load feature config", logger.Error(err), logger.F("path", configPath))
		return err
	}
	a.featureCfg = featureCfg

	envPath := ".env"
	infraCfg, err := config.LoadWithFile(envPath)
	if err != nil {
		a.logger.Error("Failed to load infrastructure config", logger.Error(err), logger.F("path", envPath))
		return err
	}
	a.infraCfg = infraCfg

	if err := a.openStore(); err != nil {
		return err
	}
	a.initNotifier()

	location, err := a.featureCfg.Org.Location()
	if err != nil {
		a.logger.Error("Invalid organizational timezone", logger.Error(err), logger.F("TZ", a.featureCfg.Org.Timezone))
		return err
	}

	clock := service.RealClock{}
	availabilitySvc := service.NewAvailabilityService(a.store, clock)
	reservationSvc := service.NewReservationService(a.logger, a.store, availabilitySvc, a.notifier, clock, a.featureCfg)
	labSvc := service.NewLabService(a.logger, a.store, availabilitySvc, clock)
	resourceSvc := service.NewResourceService(a.logger, a.store, availabilitySvc, clock)
	userSvc := service.NewUserService(a.logger, a.store, clock)

	a.handler = handler.NewAPIHandler(
		a.logger,
		&handler.HeaderIdentityResolver{Users: userSvc},
		reservationSvc,
		availabilitySvc,
		labSvc,
		resourceSvc,
		userSvc,
		location,
	)
	return nil
}

// openStore picks the backend from the DATABASE_URL scheme: postgres for
// deployments, a local sqlite file otherwise.
func (a *App) openStore() error {
	url := a.infraCfg.DatabaseURL

	var (
		st      store.Store
		backend string
		err     error
	)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		backend = "postgres"
		st, err = store.NewPostgresStore(a.ctx, url)
	} else {
		backend = "sqlite"
		st, err = store.NewSQLiteStore(url)
	}
	if err != nil {
		a.logger.Error("Failed to open store", logger.Error(err), logger.F("BACKEND", backend))
		return err
	}

	a.store = st
	a.logger.Info("Store ready", logger.Action("startup"), logger.Status("store_open"), logger.F("BACKEND", backend))
	return nil
}

func (a *App) initNotifier() {
	if a.infraCfg.AMQPURL == "" {
		a.logger.Info("Event notifier not configured (AMQP_URL missing)")
		a.notifier = service.NopNotifier{}
		return
	}

	notifier, err := service.NewAMQPNotifier(a.infraCfg.AMQPURL, a.featureCfg.Events.Exchange)
	if err != nil {
		a.logger.Warn("Event notifier not available, events will not be published", logger.Error(err))
		a.notifier = service.NopNotifier{}
		return
	}

	a.notifier = notifier
	a.logger.Info("Event notifier initialized", logger.Status("ready"), logger.F("EXCHANGE", a.featureCfg.Events.Exchange))
}

func (a *App) serve() error {
	mux := http.NewServeMux()
	a.handler.Register(mux)

	server := &http.Server{
		Addr:              a.infraCfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server listening", logger.Action("startup"), logger.Status("serving"), logger.F("ADDR", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		a.logger.Info("Shutting down", logger.Action("shutdown"), logger.F("SIGNAL", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if closer, ok := a.notifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("Failed to close event notifier", logger.Error(err))
		}
	}

	a.logger.Info("Shutdown complete", logger.Action("shutdown"), logger.Status("success"))
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
