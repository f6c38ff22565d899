// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/buffer"
	"instrument-service/internal/config"
	"instrument-service/internal/driver"
	"instrument-service/internal/events"
	"instrument-service/internal/export"
	"instrument-service/internal/manager"
	"instrument-service/internal/model"
	"instrument-service/internal/portwatch"
	"instrument-service/internal/routes"
	"instrument-service/internal/service"
	"instrument-service/internal/storage"
	"instrument-service/internal/utils"
	"instrument-service/internal/worker"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	// Core components
	bus      *events.Bus
	registry *driver.Registry
	buffers  *buffer.Manager
	bench    *manager.Bench
	watcher  *portwatch.Watcher
	store    *storage.Store
	recorder *storage.Recorder

	// Service and routing
	benchService *service.BenchService
	router       *routes.Router

	// Background lifecycle
	runCtx    context.Context
	runCancel context.CancelFunc
}

func main() {
	// Initialize application
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "instrument-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	runCtx, runCancel := context.WithCancel(context.Background())

	app := &Application{
		config:    cfg,
		logger:    logger,
		runCtx:    runCtx,
		runCancel: runCancel,
	}

	if err := app.initializeStorage(); err != nil {
		runCancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeDriverRegistry(); err != nil {
		runCancel()
		return nil, fmt.Errorf("failed to initialize driver registry: %w", err)
	}

	if err := app.initializeBench(); err != nil {
		runCancel()
		return nil, fmt.Errorf("failed to initialize bench: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		runCancel()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeStorage opens the session database and event bus. The bus
// comes first so the recorder can subscribe before anything publishes.
func (app *Application) initializeStorage() error {
	app.bus = events.NewBus(app.logger)

	if !app.config.Storage.Enabled {
		app.logger.Info("Session storage disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := storage.New(ctx, app.config.Storage.Path)
	if err != nil {
		return err
	}

	app.store = store
	app.recorder = storage.NewRecorder(store, app.bus, app.logger)

	app.logger.Info("Session storage initialized",
		zap.String("path", app.config.Storage.Path),
	)
	return nil
}

// initializeDriverRegistry sets up the instrument driver registry
func (app *Application) initializeDriverRegistry() error {
	app.registry = driver.NewRegistry(app.logger)

	// Register all supported drivers
	driver.RegisterDefaultDrivers(app.registry, app.logger)

	app.logger.Info("Driver registry initialized successfully",
		zap.Int("registered_drivers", len(app.registry.ListRegistrations())),
	)
	return nil
}

// initializeBench wires the bench manager, buffers, watcher and
// exporter together.
func (app *Application) initializeBench() error {
	app.buffers = buffer.NewManager(app.config.Buffer.Capacity)

	serialSettings := model.SerialSettings{
		BaudRate:    app.config.Serial.BaudRate,
		DataBits:    app.config.Serial.DataBits,
		StopBits:    app.config.Serial.StopBits,
		Parity:      app.config.Serial.Parity,
		ReadTimeout: app.config.Serial.ReadTimeout,
	}
	tcpSettings := model.TCPSettings{
		ConnectTimeout: app.config.TCP.ConnectTimeout,
		ReadTimeout:    app.config.TCP.ReadTimeout,
		WriteTimeout:   app.config.TCP.WriteTimeout,
	}

	app.bench = manager.NewBench(manager.Config{
		ConnectTimeout:    app.config.Connection.Timeout,
		QueryTimeout:      app.config.Connection.QueryTimeout,
		StopGrace:         app.config.Connection.StopGrace,
		ReconnectAttempts: app.config.Connection.ReconnectAttempts,
		ReconnectDelay:    app.config.Connection.ReconnectDelay,
		Serial:            serialSettings,
		TCP:               tcpSettings,
		Measurement: worker.MeasurementOptions{
			FailureThreshold:         app.config.Measurement.FailureThreshold,
			RetryCountsTowardFailure: app.config.Measurement.RetryCountsTowardFailure,
		},
	}, app.registry, app.buffers, app.bus, nil, app.logger)

	watcherOpts := portwatch.Options{
		Interval:     app.config.PortWatch.Interval,
		ProbeTimeout: app.config.PortWatch.ProbeTimeout,
		Excluded: func(path string) bool {
			_, err := app.bench.Status(path)
			return err == nil
		},
	}
	if app.config.PortWatch.ProbeEnabled {
		watcherOpts.Prober = portwatch.NewSerialProber(serialSettings, app.logger)
	}
	app.watcher = portwatch.NewWatcher(watcherOpts, app.bus, app.logger)

	exporter := export.NewManager(app.buffers, app.config.Export.Directory, app.logger)

	app.benchService = service.NewBenchService(app.bench, exporter, app.watcher, app.store, app.logger)

	app.logger.Info("Bench initialized successfully",
		zap.Int("buffer_capacity", app.config.Buffer.Capacity),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	app.router = routes.NewRouter(app.config, app.logger, app.benchService, app.bus)

	router := app.router.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)
	return nil
}

// startBackgroundServices starts the long-running component loops
func (app *Application) startBackgroundServices() {
	go app.bus.Start()

	if app.recorder != nil {
		go app.recorder.Run(app.runCtx)
	}

	go app.bench.Run(app.runCtx)
	go app.watcher.Run(app.runCtx)
	go app.router.WebSocketHandler().Run(app.runCtx)

	app.logger.Info("Background services started",
		zap.Duration("port_scan_interval", app.config.PortWatch.Interval),
	)
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "instrument-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Detach instruments so outputs are left in a known state and
	// open sessions get closed
	for _, device := range app.bench.List() {
		if err := app.bench.Detach(ctx, device.Descriptor.Address); err != nil {
			app.logger.Error("Detach error during shutdown",
				zap.String("address", device.Descriptor.Address),
				zap.Error(err),
			)
		}
	}

	// Stop background loops
	app.runCancel()
	app.bus.Close()

	// Close session storage
	if app.store != nil {
		app.store.Close()
		app.logger.Info("Session storage closed")
	}

	// Flush logger
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}

	app.logger.Info("Application shutdown completed")
}

func (app *Application) Start() error {
	// Start server in goroutine
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// Start background services
	app.startBackgroundServices()

	// Wait for interrupt signal
	app.waitForShutdown()

	return nil
}
