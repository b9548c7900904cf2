package repository

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService issues and checks the bearer tokens of the fixture server.
type TokenService interface {
	GenerateToken(ctx context.Context, subject, runID string) (string, error)
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// Claims identify the caller of the fixture server. RunID, when set, is
// logged with every request made under the token.
type Claims struct {
	RunID string `json:"runId,omitempty"`
	jwt.RegisteredClaims
}
