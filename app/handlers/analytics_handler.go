package handlers

import (
	"log"
	"strconv"
	"time"

	"github.com/amirphl/lead-dispatch/app/dto"
	businessflow "github.com/amirphl/lead-dispatch/business_flow"
	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// AnalyticsHandlerInterface defines the contract for the reporting handlers
type AnalyticsHandlerInterface interface {
	Health(c fiber.Ctx) error
	GlobalStats(c fiber.Ctx) error
	RuleStats(c fiber.Ctx) error
	ListRuleSendings(c fiber.Ctx) error
	ExportRuleSendings(c fiber.Ctx) error
	RuleSchedule(c fiber.Ctx) error
}

// AnalyticsHandler serves read-only views of the attempt ledger and the scheduler
type AnalyticsHandler struct {
	flow       businessflow.AnalyticsFlow
	deployment config.DeploymentConfig
	validator  *validator.Validate
}

func (h *AnalyticsHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *AnalyticsHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(flow businessflow.AnalyticsFlow, deployment config.DeploymentConfig) *AnalyticsHandler {
	return &AnalyticsHandler{
		flow:       flow,
		deployment: deployment,
		validator:  validator.New(),
	}
}

// Health reports liveness
func (h *AnalyticsHandler) Health(c fiber.Ctx) error {
	return h.SuccessResponse(c, fiber.StatusOK, "Service is healthy", dto.HealthResponse{
		Status:      "ok",
		Environment: h.deployment.Environment,
		Version:     h.deployment.Version,
		Time:        utils.UTCNow().Format(time.RFC3339),
	})
}

// GlobalStats returns totals across all rules plus a per-rule breakdown
func (h *AnalyticsHandler) GlobalStats(c fiber.Ctx) error {
	ctx, cancel := createRequestContext(c, "/api/v1/analytics", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.GlobalStats(ctx)
	if err != nil {
		log.Println("Global analytics failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to retrieve analytics", "ANALYTICS_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// RuleStats returns one rule's rollup with its most recent attempts (?recent=N)
func (h *AnalyticsHandler) RuleStats(c fiber.Ctx) error {
	req := dto.RuleStatsRequest{
		RuleID: c.Params("id"),
		Recent: utils.DefaultRecentAttempts,
	}
	if s := c.Query("recent"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameter", "VALIDATION_ERROR", map[string]string{"recent": "recent must be a number"})
		}
		req.Recent = v
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/analytics/rules/:id", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.RuleStats(ctx, &req)
	if err != nil {
		return h.flowError(c, err, "Failed to retrieve rule analytics", "ANALYTICS_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// ListRuleSendings pages through a rule's attempts (?limit=&offset=)
func (h *AnalyticsHandler) ListRuleSendings(c fiber.Ctx) error {
	limit := 20
	if v, err := strconv.Atoi(c.Query("limit", "20")); err == nil {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(c.Query("offset", "0")); err == nil {
		offset = v
	}
	req := dto.ListRuleSendingsRequest{RuleID: c.Params("id"), Limit: limit, Offset: offset}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/rules/:id/sendings", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.ListRuleSendings(ctx, &req)
	if err != nil {
		return h.flowError(c, err, "Failed to list attempts", "LIST_SENDINGS_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// ExportRuleSendings streams every attempt of a rule as an XLSX workbook
func (h *AnalyticsHandler) ExportRuleSendings(c fiber.Ctx) error {
	ctx, cancel := createRequestContext(c, "/api/v1/rules/:id/sendings/export", 2*defaultRequestTimeout)
	defer cancel()

	filename, data, err := h.flow.ExportRuleSendingsExcel(ctx, c.Params("id"))
	if err != nil {
		return h.flowError(c, err, "Failed to export attempts", "EXPORT_FAILED")
	}
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(data)
}

// RuleSchedule returns the scheduler verdict for a rule at the current time
func (h *AnalyticsHandler) RuleSchedule(c fiber.Ctx) error {
	ctx, cancel := createRequestContext(c, "/api/v1/rules/:id/schedule", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.RuleSchedule(ctx, c.Params("id"))
	if err != nil {
		return h.flowError(c, err, "Failed to evaluate rule schedule", "SCHEDULE_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

func (h *AnalyticsHandler) flowError(c fiber.Ctx, err error, message, code string) error {
	if businessflow.IsRuleNotFound(err) {
		return h.ErrorResponse(c, fiber.StatusNotFound, "Rule not found", "RULE_NOT_FOUND", nil)
	}
	if businessflow.IsValidationError(err) {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", err.Error())
	}
	if be := businessflow.BusinessCode(err); be != "" {
		log.Println(message, err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, message, be, nil)
	}
	log.Println(message, err)
	return h.ErrorResponse(c, fiber.StatusInternalServerError, message, code, nil)
}
