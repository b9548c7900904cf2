package http

import (
	"net/url"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"

	"github.com/gofiber/fiber/v2"
)

// DocumentRequest is the body of PUT, POST and PATCH on /v1/documents.
// PATCH keys are dotted field paths merged into the stored document.
type DocumentRequest struct {
	Fields map[string]model.Value `json:"fields"`
}

// QueryResponse carries the results of /v1/query and /v1/pipeline.
type QueryResponse struct {
	Documents []*model.Document `json:"documents"`
}

func documentPath(c *fiber.Ctx) (string, error) {
	raw := c.Params("*")
	path, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.NewValidationError("malformed document path " + raw)
	}
	return path, nil
}

func documentBody(c *fiber.Ctx) (map[string]model.Value, error) {
	var req DocumentRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, errors.NewValidationError("invalid document body: " + err.Error())
	}
	if req.Fields == nil {
		req.Fields = map[string]model.Value{}
	}
	return req.Fields, nil
}

func (s *Server) getDocument(c *fiber.Ctx) error {
	path, err := documentPath(c)
	if err != nil {
		return err
	}
	doc, err := s.backend.GetDocument(c.UserContext(), path)
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

func (s *Server) setDocument(c *fiber.Ctx) error {
	path, err := documentPath(c)
	if err != nil {
		return err
	}
	fields, err := documentBody(c)
	if err != nil {
		return err
	}
	doc, err := s.backend.SetDocument(c.UserContext(), path, fields)
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

func (s *Server) createDocument(c *fiber.Ctx) error {
	path, err := documentPath(c)
	if err != nil {
		return err
	}
	fields, err := documentBody(c)
	if err != nil {
		return err
	}
	doc, err := s.backend.CreateDocument(c.UserContext(), path, fields)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (s *Server) updateDocument(c *fiber.Ctx) error {
	path, err := documentPath(c)
	if err != nil {
		return err
	}
	fields, err := documentBody(c)
	if err != nil {
		return err
	}
	doc, err := s.backend.UpdateDocument(c.UserContext(), path, fields)
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

func (s *Server) deleteDocument(c *fiber.Ctx) error {
	path, err := documentPath(c)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteDocument(c.UserContext(), path); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) runQuery(c *fiber.Ctx) error {
	var q model.Query
	if err := c.BodyParser(&q); err != nil {
		return errors.NewValidationError("invalid query body: " + err.Error())
	}
	docs, err := s.backend.RunQuery(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(QueryResponse{Documents: docs})
}

func (s *Server) executePipeline(c *fiber.Ctx) error {
	var p model.Pipeline
	if err := c.BodyParser(&p); err != nil {
		return errors.NewValidationError("invalid pipeline body: " + err.Error())
	}
	docs, err := s.backend.ExecutePipeline(c.UserContext(), p)
	if err != nil {
		return err
	}
	return c.JSON(QueryResponse{Documents: docs})
}

// TokenRequest asks /v1/token for a token.
type TokenRequest struct {
	Subject string `json:"subject"`
	RunID   string `json:"runId,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) issueToken(c *fiber.Ctx) error {
	if s.tokens == nil {
		return errors.NewUnsupportedError("token issuing is disabled: JWT_SECRET is not set")
	}
	var req TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return errors.NewValidationError("invalid token request: " + err.Error())
	}
	token, err := s.tokens.GenerateToken(c.UserContext(), req.Subject, req.RunID)
	if err != nil {
		return err
	}
	return c.JSON(TokenResponse{Token: token})
}
