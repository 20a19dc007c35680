package model

import (
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator with the render-specific tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("fetchable", validateFetchable)
	return v
}

// validateFetchable accepts references the engine can fetch on its own:
// http(s) URLs and inline data URIs. Browser-local handles such as blob:
// URLs never resolve outside the client that minted them.
func validateFetchable(fl validator.FieldLevel) bool {
	raw := strings.TrimSpace(fl.Field().String())
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "data:") {
		return strings.Contains(raw, ",")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return u.Host != ""
	default:
		return false
	}
}
