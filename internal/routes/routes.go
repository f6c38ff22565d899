// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/events"
	"instrument-service/internal/handler"
	"instrument-service/internal/middleware"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config       *config.Config
	logger       *zap.Logger
	benchService *service.BenchService
	bus          *events.Bus

	wsHandler *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	benchService *service.BenchService,
	bus *events.Bus,
) *Router {
	return &Router{
		config:       cfg,
		logger:       logger,
		benchService: benchService,
		bus:          bus,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	// Set Gin mode
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Create Gin engine
	router := gin.New()

	// Add middleware
	r.addMiddleware(router)

	// Add routes
	r.addRoutes(router)

	return router
}

// WebSocketHandler returns the handler created during SetupRouter so
// the application can start its broadcast loop.
func (r *Router) WebSocketHandler() *handler.WebSocketHandler {
	return r.wsHandler
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	// Recovery middleware
	router.Use(middleware.RecoveryMiddleware(r.logger))

	// Request ID middleware
	router.Use(middleware.RequestIDMiddleware())

	// Logging middleware
	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	// CORS middleware
	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	// Create handlers
	healthHandler := handler.NewHealthHandler(r.benchService, r.config, r.logger)
	benchHandler := handler.NewBenchHandler(r.benchService, r.logger)
	r.wsHandler = handler.NewWebSocketHandler(r.benchService, r.bus, r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(router)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	benchHandler.RegisterRoutes(apiV1)

	// WebSocket routes
	ws := router.Group("/ws")
	r.wsHandler.RegisterRoutes(ws)

	r.logger.Info("All routes configured successfully")
}
