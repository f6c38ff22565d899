// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/model"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	benchService *service.BenchService
	config       *config.Config
	logger       *utils.ServiceLogger
	startTime    time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(benchService *service.BenchService, cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		benchService: benchService,
		config:       cfg,
		logger:       utils.NewServiceLogger(logger, "health-handler"),
		startTime:    time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	router.GET("/health/storage", h.StorageHealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// HealthCheck performs the overall service health check.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	checks := make(map[string]CheckResult)
	overallStatus := "healthy"

	if h.benchService.StorageEnabled() {
		if err := h.benchService.PingStorage(c.Request.Context()); err != nil {
			checks["storage"] = CheckResult{
				Status:  "unhealthy",
				Message: err.Error(),
			}
			overallStatus = "degraded"
		} else {
			checks["storage"] = CheckResult{Status: "healthy"}
		}
	} else {
		checks["storage"] = CheckResult{
			Status:  "disabled",
			Message: "session storage is disabled",
		}
	}

	devices := h.benchService.ListDevices()
	failed := 0
	for _, device := range devices {
		if device.State == model.WorkerFailed {
			failed++
		}
	}
	deviceCheck := CheckResult{
		Status: "healthy",
		Data: gin.H{
			"attached": len(devices),
			"failed":   failed,
		},
	}
	if failed > 0 {
		deviceCheck.Status = "degraded"
		overallStatus = "degraded"
	}
	checks["devices"] = deviceCheck

	checks["ports"] = CheckResult{
		Status: "healthy",
		Data: gin.H{
			"visible": len(h.benchService.Ports()),
		},
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	utils.SuccessResponse(c, statusCode, "Health check completed", response)
}

// StorageHealthCheck checks the session database only.
func (h *HealthHandler) StorageHealthCheck(c *gin.Context) {
	if !h.benchService.StorageEnabled() {
		utils.SuccessResponse(c, http.StatusOK, "Session storage is disabled", gin.H{
			"enabled": false,
		})
		return
	}

	if err := h.benchService.PingStorage(c.Request.Context()); err != nil {
		h.logger.Error("Storage health check failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Session storage is unreachable", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session storage is healthy", gin.H{
		"enabled": true,
	})
}

// ReadinessCheck reports whether the service can take traffic. The
// HTTP layer is the gate; instruments attach on demand.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.benchService.StorageEnabled() {
		if err := h.benchService.PingStorage(c.Request.Context()); err != nil {
			utils.ErrorResponse(c, http.StatusServiceUnavailable, "Service not ready", err)
			return
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Service is ready", gin.H{
		"ready": true,
	})
}

// LivenessCheck reports whether the process is alive.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Service is alive", gin.H{
		"alive":  true,
		"uptime": time.Since(h.startTime).String(),
	})
}
