package http

import (
	"context"
	stderrors "errors"
	"time"

	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// DefaultListenPath is where the websocket listen endpoint is mounted.
const DefaultListenPath = "/v1/listen"

// Server is the fixture server: it exposes a Backend over REST and a
// websocket so out-of-process clients can drive the same harness.
type Server struct {
	app        *fiber.App
	backend    repository.Backend
	tokens     repository.TokenService
	metrics    *metrics.Metrics
	listenPath string
	log        logger.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithTokenService requires a bearer token on every /v1 route except
// /v1/token. Without it the server is open.
func WithTokenService(ts repository.TokenService) ServerOption {
	return func(s *Server) { s.tokens = ts }
}

func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func WithListenPath(path string) ServerOption {
	return func(s *Server) {
		if path != "" {
			s.listenPath = path
		}
	}
}

// NewServer builds the fiber application and registers every route.
func NewServer(backend repository.Backend, log logger.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s := &Server{
		backend:    backend,
		listenPath: DefaultListenPath,
		log:        log.WithComponent("fixture-server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "firestore-harness fixture server",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           60 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))
	s.app.Use(s.requestContext())
	s.app.Use(s.observe())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.health)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	s.app.Post("/v1/token", s.issueToken)

	api := s.app.Group("/v1", s.protect())
	api.Get("/documents/*", s.getDocument)
	api.Put("/documents/*", s.setDocument)
	api.Post("/documents/*", s.createDocument)
	api.Patch("/documents/*", s.updateDocument)
	api.Delete("/documents/*", s.deleteDocument)
	api.Post("/query", s.runQuery)
	api.Post("/pipeline", s.executePipeline)

	s.app.Use(s.listenPath, s.protect(), s.upgradeOnly)
	s.app.Get(s.listenPath, s.listenHandler())
}

// App exposes the fiber application, mainly for app.Test in tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Infof("fixture server listening on %s with %s backend", addr, s.backend.Name())
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: "HTTP_ERROR", Message: fe.Message})
	}

	status, body := errorBody(err)
	if status >= fiber.StatusInternalServerError {
		s.log.WithContext(c.UserContext()).WithFields(map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"error":  err,
		}).Error("Request failed")
	}
	return c.Status(status).JSON(body)
}

// errorBody maps err to its status code and response body.
func errorBody(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: string(errors.ErrorTypeInternal), Message: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		body.Error = string(appErr.Type)
		body.Code = appErr.Code
	}
	return errors.HTTPStatus(err), body
}

func (s *Server) health(c *fiber.Ctx) error {
	if err := s.backend.Ping(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unavailable",
			"backend": s.backend.Name(),
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok", "backend": s.backend.Name()})
}
