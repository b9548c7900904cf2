package security

import (
	"context"
	stderrors "errors"
	"time"

	"firestore-harness/internal/harness/config"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/errors"

	"github.com/golang-jwt/jwt/v5"
)

// JWTokenService signs HS256 tokens for the fixture server.
type JWTokenService struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

var _ repository.TokenService = (*JWTokenService)(nil)

// NewJWTokenService builds a token service from the server configuration.
func NewJWTokenService(cfg config.ServerConfig) (*JWTokenService, error) {
	if cfg.JWTSecret == "" {
		return nil, stderrors.New("jwt secret cannot be empty")
	}
	if cfg.JWTIssuer == "" {
		return nil, stderrors.New("jwt issuer cannot be empty")
	}
	if cfg.JWTTTL <= 0 {
		return nil, stderrors.New("jwt TTL must be positive")
	}
	return &JWTokenService{
		secretKey: []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		ttl:       cfg.JWTTTL,
		now:       time.Now,
	}, nil
}

// WithClock replaces the clock used for issue and expiry times.
func (s *JWTokenService) WithClock(now func() time.Time) *JWTokenService {
	s.now = now
	return s
}

func (s *JWTokenService) GenerateToken(_ context.Context, subject, runID string) (string, error) {
	if subject == "" {
		return "", errors.NewValidationError("token subject cannot be empty")
	}
	now := s.now()
	claims := &repository.Claims{
		RunID: runID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

// ValidateToken checks signature, issuer and time claims. Every failure is
// an authentication error; expiry carries errors.ErrTokenExpired.
func (s *JWTokenService) ValidateToken(_ context.Context, tokenString string) (*repository.Claims, error) {
	if tokenString == "" {
		return nil, invalid(errors.ErrInvalidToken)
	}

	claims := &repository.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.secretKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, invalid(errors.ErrTokenExpired)
		}
		return nil, invalid(errors.ErrInvalidToken)
	}
	if !token.Valid {
		return nil, invalid(errors.ErrInvalidToken)
	}
	return claims, nil
}

func invalid(cause error) error {
	return errors.NewAuthenticationError(cause.Error()).WithCause(cause)
}
