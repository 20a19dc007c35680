package handler

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/magistory/render-server/pkg/response"
)

// Deps wires the HTTP surface
type Deps struct {
	Render *RenderHandler
	Health *HealthHandler
	// RenderLimit guards submissions; nil disables limiting
	RenderLimit fiber.Handler
	// FilesRoot is served under /files when videos are stored locally
	FilesRoot string
	// AccessLog enables the access log middleware
	AccessLog bool
	LogLevel  string
	// ProxyHeader names the header holding the client address behind a
	// proxy. TrustedProxies restricts who may set it; empty trusts the peer.
	ProxyHeader    string
	TrustedProxies []string
}

// connTimeout bounds header reads and idle keep-alive connections
const connTimeout = 120 * time.Second

// NewApp builds the Fiber app with middleware and routes
func NewApp(d Deps) *fiber.App {
	cfg := fiber.Config{
		ErrorHandler:          ErrorHandler,
		BodyLimit:             100 * 1024 * 1024, // scripts may inline media as data URIs
		DisableStartupMessage: true,
		ReadTimeout:           connTimeout,
		IdleTimeout:           connTimeout,
	}
	if d.ProxyHeader != "" {
		// the limiter keys on c.IP(), which must be the caller, not the proxy
		cfg.ProxyHeader = d.ProxyHeader
		cfg.EnableIPValidation = true
		if len(d.TrustedProxies) > 0 {
			cfg.EnableTrustedProxyCheck = true
			cfg.TrustedProxies = d.TrustedProxies
		}
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestid.New())
	if d.AccessLog {
		logFormat := "[${time}] ${locals:requestid} ${status} - ${latency} ${method} ${path}\n"
		if strings.EqualFold(d.LogLevel, "debug") {
			logFormat = "[${time}] ${locals:requestid} ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		}
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: logFormat,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", d.Health.Health)
	app.Get("/health", d.Health.Health)

	if d.RenderLimit != nil {
		app.Post("/render", d.RenderLimit, d.Render.Render)
	} else {
		app.Post("/render", d.Render.Render)
	}
	app.Get("/status/:jobId", d.Render.Status)

	if d.FilesRoot != "" {
		app.Static("/files", d.FilesRoot, fiber.Static{ByteRange: true})
	}

	return app
}

// ErrorHandler renders errors that escape handlers in the standard envelope
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	if code == fiber.StatusNotFound {
		return response.NotFound(c)
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
