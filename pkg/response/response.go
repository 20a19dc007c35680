package response

import "github.com/gofiber/fiber/v2"

// Error codes
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeMissingCredential   = "MISSING_CREDENTIAL"
	CodeInvalidCredential   = "INVALID_CREDENTIAL"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeServiceError        = "SERVICE_ERROR"
)

// ErrorResponse keeps the message under "error" so clients can read
// `body.error` directly; the code is for programmatic handling.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Forbidden(c *fiber.Ctx, code, message string) error {
	return Error(c, fiber.StatusForbidden, code, message, nil)
}

func NotFound(c *fiber.Ctx) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, "Not Found", nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}
