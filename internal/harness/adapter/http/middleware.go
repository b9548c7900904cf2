package http

import (
	"context"
	"strings"
	"time"

	"firestore-harness/internal/shared/contextkeys"
	"firestore-harness/internal/shared/errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// Locals keys shared with the websocket handler, which has no user context.
const (
	localSubject = "harness.subject"
	localRunID   = "harness.runID"
)

// requestContext assigns a request ID, echoed in X-Request-ID.
func (s *Server) requestContext() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     fiber.HeaderXRequestID,
		ContextKey: string(contextkeys.RequestIDKey),
	})
}

// observe lifts the request ID into the user context and records the
// request in the metrics and the debug log.
func (s *Server) observe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id, ok := c.Locals(string(contextkeys.RequestIDKey)).(string); ok && id != "" {
			c.SetUserContext(context.WithValue(c.UserContext(), contextkeys.RequestIDKey, id))
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = errors.HTTPStatus(err)
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		s.metrics.ObserveHTTP(c.Method(), c.Route().Path, status, time.Since(start))
		s.log.WithContext(c.UserContext()).WithFields(map[string]interface{}{
			"method":   c.Method(),
			"path":     c.Path(),
			"status":   status,
			"duration": time.Since(start).String(),
		}).Debug("Request completed")
		return err
	}
}

// protect validates the bearer token when a token service is configured.
// Websocket clients that cannot set headers may pass access_token instead.
func (s *Server) protect() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.tokens == nil {
			return c.Next()
		}
		if _, ok := c.Locals(localSubject).(string); ok {
			return c.Next()
		}

		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			return errors.NewAuthenticationError("authentication required").WithCause(errors.ErrInvalidToken)
		}
		claims, err := s.tokens.ValidateToken(c.UserContext(), token)
		if err != nil {
			return err
		}

		ctx := context.WithValue(c.UserContext(), contextkeys.SubjectKey, claims.Subject)
		if claims.RunID != "" {
			ctx = context.WithValue(ctx, contextkeys.RunIDKey, claims.RunID)
		}
		c.SetUserContext(ctx)
		c.Locals(localSubject, claims.Subject)
		c.Locals(localRunID, claims.RunID)
		return c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
