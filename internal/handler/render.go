package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/magistory/render-server/internal/auth"
	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/internal/registry"
	"github.com/magistory/render-server/internal/service"
	"github.com/magistory/render-server/pkg/response"
)

type RenderHandler struct {
	service   *service.RenderService
	validator *validator.Validate
}

func NewRenderHandler(svc *service.RenderService, v *validator.Validate) *RenderHandler {
	return &RenderHandler{
		service:   svc,
		validator: v,
	}
}

// Render handles POST /render
func (h *RenderHandler) Render(c *fiber.Ctx) error {
	var req model.RenderRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ctx := logger.ContextWithRequestID(c.UserContext(), requestID(c))
	result, err := h.service.StartRender(ctx, c.Get(fiber.HeaderAuthorization), &req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingCredential):
			return response.Forbidden(c, response.CodeMissingCredential, "Missing or invalid Authorization header")
		case errors.Is(err, auth.ErrInvalidCredential):
			return response.Forbidden(c, response.CodeInvalidCredential, "Invalid or expired token")
		case errors.Is(err, auth.ErrInsufficientBalance):
			return response.Forbidden(c, response.CodeInsufficientBalance, "Insufficient credits")
		case errors.Is(err, auth.ErrLedgerUnavailable):
			return response.Forbidden(c, response.CodeLedgerUnavailable, "Authentication unavailable")
		}
		return response.ServiceError(c, "Failed to start render job")
	}

	return response.OK(c, result)
}

// Status handles GET /status/:jobId
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetStatus(c.UserContext(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return response.NotFound(c)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Namespace()] = e.Tag()
		}
		return fields
	}
	return nil
}
