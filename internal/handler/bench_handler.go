// internal/handler/bench_handler.go
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// BenchHandler exposes instrument management over HTTP.
type BenchHandler struct {
	benchService *service.BenchService
	logger       *utils.ServiceLogger
}

// NewBenchHandler creates a new bench handler
func NewBenchHandler(benchService *service.BenchService, logger *zap.Logger) *BenchHandler {
	return &BenchHandler{
		benchService: benchService,
		logger:       utils.NewServiceLogger(logger, "bench-handler"),
	}
}

// RegisterRoutes registers instrument management routes
func (h *BenchHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.POST("", h.AttachDevice)
		devices.DELETE("", h.DetachDevice)
		devices.POST("/reconnect", h.ReconnectDevice)
		devices.GET("/status", h.DeviceStatus)
		devices.GET("/active", h.GetActiveDevice)
		devices.PUT("/active", h.SetActiveDevice)
		devices.POST("/command", h.SendCommand)
		devices.GET("/samples", h.GetSamples)
		devices.GET("/samples/latest", h.GetLatestSample)
		devices.DELETE("/samples", h.ClearSamples)
	}

	measure := router.Group("/measure")
	{
		measure.POST("/start", h.StartMeasurement)
		measure.POST("/pause", h.PauseMeasurement)
		measure.POST("/resume", h.ResumeMeasurement)
		measure.POST("/stop", h.StopMeasurement)
	}

	router.GET("/ports", h.ListPorts)
	router.POST("/export", h.ExportSamples)

	sessions := router.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.GET("/:session_id/samples", h.GetSessionSamples)
	}
}

// statusForError maps domain errors onto HTTP status codes. Transport
// and protocol faults are upstream failures, state conflicts are the
// caller's to resolve.
func statusForError(err error) int {
	var (
		timeoutErr   *model.TimeoutError
		transportErr *model.TransportError
		protocolErr  *model.ProtocolError
		stateErr     *model.StateError
	)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNoActiveDevice):
		return http.StatusConflict
	case errors.Is(err, model.ErrEmptyExport):
		return http.StatusUnprocessableEntity
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &transportErr), errors.As(err, &protocolErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ListDevices returns status for every attached instrument.
func (h *BenchHandler) ListDevices(c *gin.Context) {
	devices := h.benchService.ListDevices()
	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// AttachDevice identifies and connects the instrument at an address.
func (h *BenchHandler) AttachDevice(c *gin.Context) {
	var req service.AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status, err := h.benchService.Attach(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to attach device",
			zap.String("address", req.Address),
			zap.Error(err),
		)
		utils.ErrorResponse(c, statusForError(err), "Failed to attach device", err)
		return
	}

	h.logger.Info("Device attached",
		zap.String("address", status.Descriptor.Address),
		zap.String("kind", string(status.Descriptor.Kind)),
	)
	utils.SuccessResponse(c, http.StatusCreated, "Device attached successfully", status)
}

// DetachDevice disconnects the instrument at an address.
func (h *BenchHandler) DetachDevice(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "address query parameter is required", nil)
		return
	}

	if err := h.benchService.Detach(c.Request.Context(), address); err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to detach device", err)
		return
	}

	h.logger.Info("Device detached", zap.String("address", address))
	utils.SuccessResponse(c, http.StatusOK, "Device detached successfully", nil)
}

// ReconnectDevice tears a device down and attaches it again.
func (h *BenchHandler) ReconnectDevice(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "address query parameter is required", nil)
		return
	}

	status, err := h.benchService.Reconnect(c.Request.Context(), address)
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to reconnect device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device reconnected successfully", status)
}

// DeviceStatus returns status for one attached instrument.
func (h *BenchHandler) DeviceStatus(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "address query parameter is required", nil)
		return
	}

	status, err := h.benchService.DeviceStatus(address)
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "Device not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device status retrieved successfully", status)
}

// GetActiveDevice returns the instrument commands are routed to.
func (h *BenchHandler) GetActiveDevice(c *gin.Context) {
	status, err := h.benchService.ActiveDevice()
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "No active device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Active device retrieved successfully", status)
}

// SetActiveDevice selects the instrument commands are routed to.
func (h *BenchHandler) SetActiveDevice(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.benchService.SetActive(req.Address); err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to set active device", err)
		return
	}

	h.logger.Info("Active device changed", zap.String("address", req.Address))
	utils.SuccessResponse(c, http.StatusOK, "Active device set successfully", gin.H{
		"address": req.Address,
	})
}

// SendCommand routes a source command to the active instrument.
func (h *BenchHandler) SendCommand(c *gin.Context) {
	var command model.Command
	if err := c.ShouldBindJSON(&command); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := command.Validate(); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid command", err)
		return
	}

	result, err := h.benchService.SendCommand(c.Request.Context(), command)
	if err != nil {
		h.logger.Error("Command failed",
			zap.String("type", string(command.Type)),
			zap.Error(err),
		)
		utils.ErrorResponse(c, statusForError(err), "Command failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command executed successfully", result)
}

// GetSamples returns every buffered sample for a device, oldest first.
func (h *BenchHandler) GetSamples(c *gin.Context) {
	deviceID, ok := h.resolveDeviceID(c)
	if !ok {
		return
	}

	samples := h.benchService.Samples(deviceID)
	utils.SuccessResponse(c, http.StatusOK, "Samples retrieved successfully", gin.H{
		"device_id": deviceID,
		"samples":   samples,
		"count":     len(samples),
	})
}

// GetLatestSample returns the newest buffered sample for a device.
func (h *BenchHandler) GetLatestSample(c *gin.Context) {
	deviceID, ok := h.resolveDeviceID(c)
	if !ok {
		return
	}

	sample, err := h.benchService.LatestSample(deviceID)
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "No samples recorded", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Latest sample retrieved successfully", sample)
}

// ClearSamples drops a device's buffered samples.
func (h *BenchHandler) ClearSamples(c *gin.Context) {
	deviceID, ok := h.resolveDeviceID(c)
	if !ok {
		return
	}

	h.benchService.ClearSamples(deviceID)
	utils.SuccessResponse(c, http.StatusOK, "Samples cleared successfully", nil)
}

// resolveDeviceID reads the target device from the query, falling back
// to the active device.
func (h *BenchHandler) resolveDeviceID(c *gin.Context) (string, bool) {
	if deviceID := c.Query("device_id"); deviceID != "" {
		return deviceID, true
	}

	status, err := h.benchService.ActiveDevice()
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "No device selected", err)
		return "", false
	}
	return status.Descriptor.Address, true
}

// StartMeasurement begins a measurement run.
func (h *BenchHandler) StartMeasurement(c *gin.Context) {
	var req service.MeasureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.benchService.StartMeasurement(&req); err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to start measurement", err)
		return
	}

	h.logger.Info("Measurement started",
		zap.String("address", req.Address),
		zap.String("strategy", req.Strategy.Kind),
	)
	utils.SuccessResponse(c, http.StatusAccepted, "Measurement started", nil)
}

// PauseMeasurement pauses a running measurement.
func (h *BenchHandler) PauseMeasurement(c *gin.Context) {
	if err := h.benchService.PauseMeasurement(c.Query("address")); err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to pause measurement", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Measurement paused", nil)
}

// ResumeMeasurement resumes a paused measurement.
func (h *BenchHandler) ResumeMeasurement(c *gin.Context) {
	if err := h.benchService.ResumeMeasurement(c.Query("address")); err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to resume measurement", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Measurement resumed", nil)
}

// StopMeasurement stops a measurement and waits for confirmation.
func (h *BenchHandler) StopMeasurement(c *gin.Context) {
	if err := h.benchService.StopMeasurement(c.Request.Context(), c.Query("address")); err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to stop measurement", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Measurement stopped", nil)
}

// ListPorts returns the current serial port inventory.
func (h *BenchHandler) ListPorts(c *gin.Context) {
	ports := h.benchService.Ports()
	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved successfully", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}

// ExportSamples writes a device's buffered samples to disk.
func (h *BenchHandler) ExportSamples(c *gin.Context) {
	var req service.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.benchService.Export(&req)
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "Export failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Samples exported successfully", result)
}

// ListSessions lists recorded measurement sessions, newest first.
func (h *BenchHandler) ListSessions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessions, err := h.benchService.Sessions(c.Request.Context(), limit)
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to list sessions", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved successfully", gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSessionSamples returns every sample recorded in one session.
func (h *BenchHandler) GetSessionSamples(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session id", err)
		return
	}

	samples, err := h.benchService.SessionSamples(c.Request.Context(), sessionID)
	if err != nil {
		utils.ErrorResponse(c, statusForError(err), "Failed to load session samples", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session samples retrieved successfully", gin.H{
		"session_id": sessionID,
		"samples":    samples,
		"count":      len(samples),
	})
}
